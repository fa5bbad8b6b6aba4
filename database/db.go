package database

import (
	"database/sql"
	"log"
	"sync"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/internal/cache"

	_ "github.com/lib/pq"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		ca, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("cache initialization error, continuing without cache: %v", errCache)
		}
		instance = &Datasource{Conn: con, Cache: ca}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	if err := createBatchTable(db); err != nil {
		return nil, err
	}
	if err := createRequestTable(db); err != nil {
		return nil, err
	}
	if err := createTransitionTables(db); err != nil {
		return nil, err
	}
	if err := createDeliveryAttemptTable(db); err != nil {
		return nil, err
	}
	if err := createCapacityOverrideTable(db); err != nil {
		return nil, err
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS batchlane`)
	return err
}

// createBatchTable creates the PostgreSQL table for the Batch struct. The
// partial unique index is the registration point that keeps exactly one batch
// open for admission per (endpoint, model).
func createBatchTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batchlane.batches (
			id SERIAL PRIMARY KEY,
			batch_id TEXT NOT NULL UNIQUE,
			endpoint TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'building',
			remote_job_id TEXT,
			input_file_id TEXT,
			output_file_id TEXT,
			error_file_id TEXT,
			request_count INTEGER NOT NULL DEFAULT 0,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			estimated_tokens BIGINT NOT NULL DEFAULT 0,
			error_message TEXT,
			expires_at TIMESTAMP,
			last_polled_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_one_open
			ON batchlane.batches (endpoint, model) WHERE status = 'building';
		CREATE INDEX IF NOT EXISTS idx_batches_status ON batchlane.batches (status);
	`)
	if err != nil {
		log.Printf("Error creating batches table: %v", err)
	}
	return err
}

// createRequestTable creates the PostgreSQL table for the Request struct.
// custom_id carries the global uniqueness constraint that closes the
// duplicate-admission race at insert time.
func createRequestTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batchlane.requests (
			id SERIAL PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			batch_id TEXT NOT NULL REFERENCES batchlane.batches(batch_id) ON DELETE CASCADE,
			custom_id TEXT NOT NULL UNIQUE,
			endpoint TEXT NOT NULL,
			model TEXT NOT NULL,
			payload JSONB NOT NULL,
			payload_size BIGINT NOT NULL,
			estimated_tokens BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			response JSONB,
			error_message TEXT,
			delivery JSONB NOT NULL,
			delivery_attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_requests_batch_status ON batchlane.requests (batch_id, status);
	`)
	if err != nil {
		log.Printf("Error creating requests table: %v", err)
	}
	return err
}

// createTransitionTables creates the append-only audit tables, one per
// state-machine-bearing entity.
func createTransitionTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batchlane.batch_transitions (
			id SERIAL PRIMARY KEY,
			batch_id TEXT NOT NULL REFERENCES batchlane.batches(batch_id) ON DELETE CASCADE,
			from_status TEXT,
			to_status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS batchlane.request_transitions (
			id SERIAL PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES batchlane.requests(request_id) ON DELETE CASCADE,
			from_status TEXT,
			to_status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_batch_transitions_batch ON batchlane.batch_transitions (batch_id);
		CREATE INDEX IF NOT EXISTS idx_request_transitions_request ON batchlane.request_transitions (request_id);
	`)
	if err != nil {
		log.Printf("Error creating transition tables: %v", err)
	}
	return err
}

// createDeliveryAttemptTable creates the audit table for delivery tries. The
// unique constraint backs the no-gaps, strictly-increasing numbering.
func createDeliveryAttemptTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batchlane.delivery_attempts (
			id SERIAL PRIMARY KEY,
			attempt_id TEXT NOT NULL UNIQUE,
			request_id TEXT NOT NULL REFERENCES batchlane.requests(request_id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			error_message TEXT,
			sink JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (request_id, attempt_number)
		)
	`)
	if err != nil {
		log.Printf("Error creating delivery_attempts table: %v", err)
	}
	return err
}

// createCapacityOverrideTable creates the operator override table for
// per-model-prefix token budgets.
func createCapacityOverrideTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batchlane.capacity_overrides (
			id SERIAL PRIMARY KEY,
			override_id TEXT NOT NULL UNIQUE,
			model_prefix TEXT NOT NULL,
			token_limit BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_capacity_overrides_prefix
			ON batchlane.capacity_overrides (LOWER(model_prefix));
	`)
	if err != nil {
		log.Printf("Error creating capacity_overrides table: %v", err)
	}
	return err
}
