/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var batchTracer = otel.Tracer("batchlane.database")

const batchColumns = `
	batch_id, endpoint, model, status,
	COALESCE(remote_job_id, ''), COALESCE(input_file_id, ''), COALESCE(output_file_id, ''), COALESCE(error_file_id, ''),
	request_count, size_bytes, estimated_tokens, COALESCE(error_message, ''),
	COALESCE(expires_at, '0001-01-01'::timestamp), COALESCE(last_polled_at, '0001-01-01'::timestamp),
	created_at, updated_at, COALESCE(meta_data, 'null'::jsonb)`

func scanBatch(row interface{ Scan(...interface{}) error }) (*model.Batch, error) {
	batch := model.Batch{}
	var metaDataJSON []byte
	err := row.Scan(
		&batch.BatchID, &batch.Endpoint, &batch.Model, &batch.Status,
		&batch.RemoteJobID, &batch.InputFileID, &batch.OutputFileID, &batch.ErrorFileID,
		&batch.RequestCount, &batch.SizeBytes, &batch.EstimatedTokens, &batch.ErrorMessage,
		&batch.ExpiresAt, &batch.LastPolledAt,
		&batch.CreatedAt, &batch.UpdatedAt, &metaDataJSON,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaDataJSON, &batch.MetaData); err != nil {
		return nil, err
	}
	return &batch, nil
}

// FindOrCreateOpenBatch returns the single open batch for (endpoint, model),
// creating one when none exists. The partial unique index makes the create
// race-safe: a concurrent insert for the same key loses the conflict and reads
// back the winner's row.
func (d Datasource) FindOrCreateOpenBatch(ctx context.Context, endpoint, modelName string) (*model.Batch, error) {
	ctx, span := batchTracer.Start(ctx, "FindOrCreateOpenBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.endpoint", endpoint), attribute.String("batch.model", modelName))

	batchID := model.GenerateUUIDWithSuffix("bat")
	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO batchlane.batches (batch_id, endpoint, model, status)
		VALUES ($1, $2, $3, 'building')
		ON CONFLICT (endpoint, model) WHERE status = 'building' DO NOTHING
	`, batchID, endpoint, modelName)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create batch", err)
	}

	// The creating writer opens the audit trail; the loser of the race inserted
	// nothing and must not record a transition for the winner's batch.
	if created, _ := res.RowsAffected(); created == 1 {
		_, err = d.Conn.ExecContext(ctx, `
			INSERT INTO batchlane.batch_transitions (batch_id, from_status, to_status)
			VALUES ($1, NULL, 'building')
		`, batchID)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record batch creation", err)
		}
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM batchlane.batches
		WHERE endpoint = $1 AND model = $2 AND status = 'building'
	`, endpoint, modelName)
	batch, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Open batch vanished during creation", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve open batch", err)
	}
	return batch, nil
}

func (d Datasource) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	ctx, span := batchTracer.Start(ctx, "GetBatch")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM batchlane.batches
		WHERE batch_id = $1
	`, batchID)
	batch, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Batch not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve batch", err)
	}
	return batch, nil
}

func (d Datasource) GetAllBatches(ctx context.Context, limit, offset int, status string) ([]model.Batch, error) {
	ctx, span := batchTracer.Start(ctx, "GetAllBatches")
	defer span.End()

	query := `
		SELECT ` + batchColumns + `
		FROM batchlane.batches`
	args := []interface{}{limit, offset}
	if status != "" {
		query += `
		WHERE status = $3`
		args = append(args, status)
	}
	query += `
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve batches", err)
	}
	defer rows.Close()

	batches := []model.Batch{}
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan batch data", err)
		}
		batches = append(batches, *batch)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over batches", err)
	}
	return batches, nil
}

func (d Datasource) GetBatchesByStatus(ctx context.Context, statuses []string) ([]*model.Batch, error) {
	ctx, span := batchTracer.Start(ctx, "GetBatchesByStatus")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM batchlane.batches
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`, pq.Array(statuses))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve batches", err)
	}
	defer rows.Close()

	batches := []*model.Batch{}
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan batch data", err)
		}
		batches = append(batches, batch)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over batches", err)
	}
	return batches, nil
}

// AdmitRequest inserts a request into an open batch and bumps the batch
// counters in one transaction. The counter update is guarded so that a batch
// already at capacity, or no longer building, admits nothing; the caller then
// closes the batch and retries against a fresh one.
func (d Datasource) AdmitRequest(ctx context.Context, batchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error {
	ctx, span := batchTracer.Start(ctx, "AdmitRequest")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.String("request.custom_id", req.CustomID))

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin admission transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE batchlane.batches
		SET request_count = request_count + 1,
			size_bytes = size_bytes + $2,
			estimated_tokens = estimated_tokens + $3,
			updated_at = NOW()
		WHERE batch_id = $1
			AND status = 'building'
			AND request_count < $4
			AND size_bytes + $2 <= $5
	`, batchID, req.PayloadSize, req.EstimatedTokens, maxRequests, maxSizeBytes)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update batch counters", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read admission result", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrCapacity, "Batch is full or no longer open for admission", fmt.Errorf("batch %s rejected admission", batchID))
	}

	deliveryJSON, err := json.Marshal(req.Delivery)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal delivery config", err)
	}

	req.BatchID = batchID
	req.Status = model.RequestStatusPending
	_, err = tx.ExecContext(ctx, `
		INSERT INTO batchlane.requests
			(request_id, batch_id, custom_id, endpoint, model, payload, payload_size, estimated_tokens, status, delivery)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9)
	`, req.RequestID, batchID, req.CustomID, req.Endpoint, req.Model, []byte(req.Payload), req.PayloadSize, req.EstimatedTokens, deliveryJSON)
	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return apierror.NewAPIError(apierror.ErrConflict, "Request with this custom_id already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert request", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batchlane.request_transitions (request_id, from_status, to_status)
		VALUES ($1, '', 'pending')
	`, req.RequestID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record admission transition", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit admission", err)
	}
	return nil
}

// TransitionBatch applies a state change after validating it against the
// transition graph, appending the audit record in the same transaction. The
// current row is locked so concurrent transitions serialize.
func (d Datasource) TransitionBatch(ctx context.Context, batchID, toStatus string) (*model.Batch, error) {
	ctx, span := batchTracer.Start(ctx, "TransitionBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.String("batch.to_status", toStatus))

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transition transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var fromStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM batchlane.batches WHERE batch_id = $1 FOR UPDATE
	`, batchID).Scan(&fromStatus)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Batch not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock batch", err)
	}

	if !model.CanTransitionBatch(fromStatus, toStatus) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("Batch cannot move from %s to %s", fromStatus, toStatus), nil)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batchlane.batches SET status = $2, updated_at = NOW() WHERE batch_id = $1
	`, batchID, toStatus)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update batch status", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batchlane.batch_transitions (batch_id, from_status, to_status)
		VALUES ($1, $2, $3)
	`, batchID, fromStatus, toStatus)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record batch transition", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit batch transition", err)
	}
	return d.GetBatch(ctx, batchID)
}

func (d Datasource) SetBatchUploaded(ctx context.Context, batchID, inputFileID string) error {
	ctx, span := batchTracer.Start(ctx, "SetBatchUploaded")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE batchlane.batches SET input_file_id = $2, updated_at = NOW() WHERE batch_id = $1
	`, batchID, inputFileID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record input file", err)
	}
	return nil
}

func (d Datasource) SetBatchSubmitted(ctx context.Context, batchID, remoteJobID string, expiresAt time.Time) error {
	ctx, span := batchTracer.Start(ctx, "SetBatchSubmitted")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE batchlane.batches SET remote_job_id = $2, expires_at = $3, updated_at = NOW() WHERE batch_id = $1
	`, batchID, remoteJobID, expiresAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record remote job", err)
	}
	return nil
}

func (d Datasource) SetBatchResults(ctx context.Context, batchID, outputFileID, errorFileID string) error {
	ctx, span := batchTracer.Start(ctx, "SetBatchResults")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE batchlane.batches SET output_file_id = $2, error_file_id = $3, updated_at = NOW() WHERE batch_id = $1
	`, batchID, outputFileID, errorFileID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record result files", err)
	}
	return nil
}

func (d Datasource) SetBatchError(ctx context.Context, batchID, message string) error {
	ctx, span := batchTracer.Start(ctx, "SetBatchError")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE batchlane.batches SET error_message = $2, updated_at = NOW() WHERE batch_id = $1
	`, batchID, message)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record batch error", err)
	}
	return nil
}

func (d Datasource) TouchBatchPolled(ctx context.Context, batchID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE batchlane.batches SET last_polled_at = NOW(), updated_at = NOW() WHERE batch_id = $1
	`, batchID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update poll timestamp", err)
	}
	return nil
}

// GetIdleOpenBatches finds building batches that have sat without a new
// admission for idleFor, or that were created more than maxAge ago, and that
// hold at least one request. Empty batches are left open.
func (d Datasource) GetIdleOpenBatches(ctx context.Context, idleFor, maxAge time.Duration) ([]*model.Batch, error) {
	ctx, span := batchTracer.Start(ctx, "GetIdleOpenBatches")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM batchlane.batches
		WHERE status = 'building'
			AND request_count > 0
			AND (updated_at < NOW() - $1::interval OR created_at < NOW() - $2::interval)
	`, fmt.Sprintf("%f seconds", idleFor.Seconds()), fmt.Sprintf("%f seconds", maxAge.Seconds()))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve idle batches", err)
	}
	defer rows.Close()

	batches := []*model.Batch{}
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan batch data", err)
		}
		batches = append(batches, batch)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over batches", err)
	}
	return batches, nil
}

func (d Datasource) GetBatchTransitions(ctx context.Context, batchID string) ([]model.Transition, error) {
	ctx, span := batchTracer.Start(ctx, "GetBatchTransitions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, batch_id, COALESCE(from_status, ''), to_status, created_at
		FROM batchlane.batch_transitions
		WHERE batch_id = $1
		ORDER BY id ASC
	`, batchID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve batch transitions", err)
	}
	defer rows.Close()

	transitions := []model.Transition{}
	for rows.Next() {
		t := model.Transition{}
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.FromStatus, &t.ToStatus, &t.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transition data", err)
		}
		transitions = append(transitions, t)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transitions", err)
	}
	return transitions, nil
}

// DeleteTerminalBatchesBefore prunes terminal batches whose last update is
// older than the cutoff. Requests, transitions and delivery attempts go with
// them through the foreign keys.
func (d Datasource) DeleteTerminalBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := batchTracer.Start(ctx, "DeleteTerminalBatchesBefore")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM batchlane.batches
		WHERE status IN ('completed', 'failed', 'expired', 'cancelled')
			AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to prune batches", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read prune result", err)
	}
	return affected, nil
}

// DeleteEmptyOpenBatch removes a building batch that never admitted a
// request. A batch that picked up a request since the idle scan is left
// alone.
func (d Datasource) DeleteEmptyOpenBatch(ctx context.Context, batchID string) error {
	ctx, span := batchTracer.Start(ctx, "DeleteEmptyOpenBatch")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM batchlane.batches
		WHERE batch_id = $1
			AND status = 'building'
			AND request_count = 0
	`, batchID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete empty batch", err)
	}
	return nil
}

// DeleteBatch removes a single terminal batch and, through the foreign keys,
// its requests, transitions and delivery attempts.
func (d Datasource) DeleteBatch(ctx context.Context, batchID string) error {
	ctx, span := batchTracer.Start(ctx, "DeleteBatch")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM batchlane.batches
		WHERE batch_id = $1
			AND status IN ('completed', 'failed', 'expired', 'cancelled')
	`, batchID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete batch", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read delete result", err)
	}
	if affected == 0 {
		var status string
		err := d.Conn.QueryRowContext(ctx, `
			SELECT status FROM batchlane.batches WHERE batch_id = $1
		`, batchID).Scan(&status)
		if err == sql.ErrNoRows {
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Batch %s not found", batchID), nil)
		}
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete batch", err)
		}
		return apierror.NewAPIError(apierror.ErrInvalidTransition, fmt.Sprintf("Batch %s is still %s; only terminal batches can be deleted", batchID, status), nil)
	}
	return nil
}

func (d Datasource) GetBatchRequestCounts(ctx context.Context, batchID string) (map[string]int, error) {
	ctx, span := batchTracer.Start(ctx, "GetBatchRequestCounts")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM batchlane.requests
		WHERE batch_id = $1
		GROUP BY status
	`, batchID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count requests", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan request counts", err)
		}
		counts[status] = count
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over counts", err)
	}
	return counts, nil
}
