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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"BATCHLANE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"BATCHLANE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"BATCHLANE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"BATCHLANE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"BATCHLANE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"BATCHLANE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"BATCHLANE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"BATCHLANE_REDIS_DNS"`
}

// ProviderConfig describes the upstream batch API. CompletionWindow is the
// processing window requested when a remote job is created.
type ProviderConfig struct {
	BaseUrl          string `json:"base_url" envconfig:"BATCHLANE_PROVIDER_BASE_URL"`
	ApiKey           string `json:"api_key" envconfig:"BATCHLANE_PROVIDER_API_KEY"`
	TimeoutSec       int    `json:"timeout_sec" envconfig:"BATCHLANE_PROVIDER_TIMEOUT_SEC"`
	MaxRetries       int    `json:"max_retries" envconfig:"BATCHLANE_PROVIDER_MAX_RETRIES"`
	CompletionWindow string `json:"completion_window" envconfig:"BATCHLANE_PROVIDER_COMPLETION_WINDOW"`
}

// BatchConfig bounds batch aggregation and the pipeline cadence.
type BatchConfig struct {
	MaxRequests        int    `json:"max_requests" envconfig:"BATCHLANE_BATCH_MAX_REQUESTS"`
	MaxSizeBytes       int64  `json:"max_size_bytes" envconfig:"BATCHLANE_BATCH_MAX_SIZE_BYTES"`
	MaxAgeSec          int    `json:"max_age_sec" envconfig:"BATCHLANE_BATCH_MAX_AGE_SEC"`
	IdleThresholdSec   int    `json:"idle_threshold_sec" envconfig:"BATCHLANE_BATCH_IDLE_THRESHOLD_SEC"`
	RetentionDays      int    `json:"retention_days" envconfig:"BATCHLANE_BATCH_RETENTION_DAYS"`
	PollIntervalSec    int    `json:"poll_interval_sec" envconfig:"BATCHLANE_BATCH_POLL_INTERVAL_SEC"`
	ReconcileChunkSize int    `json:"reconcile_chunk_size" envconfig:"BATCHLANE_BATCH_RECONCILE_CHUNK_SIZE"`
	ScratchDir         string `json:"scratch_dir" envconfig:"BATCHLANE_BATCH_SCRATCH_DIR"`
}

// CapacityConfig tunes token estimation and the capacity backoff curve.
type CapacityConfig struct {
	Buffer             float64 `json:"buffer" envconfig:"BATCHLANE_CAPACITY_BUFFER"`
	CharsPerToken      float64 `json:"chars_per_token" envconfig:"BATCHLANE_CAPACITY_CHARS_PER_TOKEN"`
	MaxTokenizerBytes  int64   `json:"max_tokenizer_bytes" envconfig:"BATCHLANE_CAPACITY_MAX_TOKENIZER_BYTES"`
	FallbackTokenLimit int64   `json:"fallback_token_limit" envconfig:"BATCHLANE_CAPACITY_FALLBACK_TOKEN_LIMIT"`
	BackoffBaseSec     int     `json:"backoff_base_sec" envconfig:"BATCHLANE_CAPACITY_BACKOFF_BASE_SEC"`
	BackoffCapSec      int     `json:"backoff_cap_sec" envconfig:"BATCHLANE_CAPACITY_BACKOFF_CAP_SEC"`
}

// DeliveryConfig controls result delivery retry semantics. Disabling retries
// forces single-attempt delivery.
type DeliveryConfig struct {
	RetryEnabled bool   `json:"retry_enabled" envconfig:"BATCHLANE_DELIVERY_RETRY_ENABLED"`
	MaxRetries   int    `json:"max_retries" envconfig:"BATCHLANE_DELIVERY_MAX_RETRIES"`
	TimeoutSec   int    `json:"timeout_sec" envconfig:"BATCHLANE_DELIVERY_TIMEOUT_SEC"`
	AmqpDns      string `json:"amqp_dns" envconfig:"BATCHLANE_DELIVERY_AMQP_DNS"`
}

type QueueConfig struct {
	AdmissionQueue   string `json:"admission_queue" envconfig:"BATCHLANE_QUEUE_ADMISSION"`
	PipelineQueue    string `json:"pipeline_queue" envconfig:"BATCHLANE_QUEUE_PIPELINE"`
	DeliveryQueue    string `json:"delivery_queue" envconfig:"BATCHLANE_QUEUE_DELIVERY"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"BATCHLANE_QUEUE_NUMBER_OF_QUEUES"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"BATCHLANE_QUEUE_MONITORING_PORT"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"BATCHLANE_QUEUE_MAX_RETRY_ATTEMPTS"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"BATCHLANE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"BATCHLANE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"BATCHLANE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"BATCHLANE_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"BATCHLANE_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Provider        ProviderConfig   `json:"provider"`
	Batch           BatchConfig      `json:"batch"`
	Capacity        CapacityConfig   `json:"capacity"`
	Delivery        DeliveryConfig   `json:"delivery"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("batchlane", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called batchlane.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Batchlane Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Provider.ApiKey == "" {
		log.Println("Error: Provider API key is empty. It's a required field.")
		return errors.New("provider API key is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Provider.BaseUrl = strings.TrimSpace(cnf.Provider.BaseUrl)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Provider.BaseUrl == "" {
		cnf.Provider.BaseUrl = "https://api.openai.com/v1"
	}
	if cnf.Provider.TimeoutSec <= 0 {
		cnf.Provider.TimeoutSec = 60
	}
	if cnf.Provider.MaxRetries <= 0 {
		cnf.Provider.MaxRetries = 5
	}
	if cnf.Provider.CompletionWindow == "" {
		cnf.Provider.CompletionWindow = "24h"
	}

	if cnf.Batch.MaxRequests <= 0 {
		cnf.Batch.MaxRequests = 50_000
	}
	if cnf.Batch.MaxSizeBytes <= 0 {
		cnf.Batch.MaxSizeBytes = 100 * 1024 * 1024
	}
	if cnf.Batch.MaxAgeSec <= 0 {
		cnf.Batch.MaxAgeSec = 3600
	}
	if cnf.Batch.IdleThresholdSec <= 0 {
		cnf.Batch.IdleThresholdSec = 86_400
	}
	if cnf.Batch.RetentionDays <= 0 {
		cnf.Batch.RetentionDays = 30
	}
	if cnf.Batch.PollIntervalSec <= 0 {
		cnf.Batch.PollIntervalSec = 30
	}
	if cnf.Batch.ReconcileChunkSize <= 0 {
		cnf.Batch.ReconcileChunkSize = 500
	}
	if cnf.Batch.ScratchDir == "" {
		cnf.Batch.ScratchDir = os.TempDir()
	}

	if cnf.Capacity.Buffer < 1.0 {
		cnf.Capacity.Buffer = 1.2
	}
	if cnf.Capacity.CharsPerToken <= 0 {
		cnf.Capacity.CharsPerToken = 4.0
	}
	if cnf.Capacity.MaxTokenizerBytes <= 0 {
		cnf.Capacity.MaxTokenizerBytes = 512 * 1024
	}
	if cnf.Capacity.FallbackTokenLimit <= 0 {
		cnf.Capacity.FallbackTokenLimit = 30_000
	}
	if cnf.Capacity.BackoffBaseSec <= 0 {
		cnf.Capacity.BackoffBaseSec = 60
	}
	if cnf.Capacity.BackoffCapSec <= 0 {
		cnf.Capacity.BackoffCapSec = 3600
	}

	if cnf.Delivery.MaxRetries <= 0 {
		cnf.Delivery.MaxRetries = 5
	}
	if cnf.Delivery.TimeoutSec <= 0 {
		cnf.Delivery.TimeoutSec = 30
	}

	if cnf.Queue.AdmissionQueue == "" {
		cnf.Queue.AdmissionQueue = "batchlane:admission"
	}
	if cnf.Queue.PipelineQueue == "" {
		cnf.Queue.PipelineQueue = "batchlane:pipeline"
	}
	if cnf.Queue.DeliveryQueue == "" {
		cnf.Queue.DeliveryQueue = "batchlane:delivery"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5002"
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	_ = mockConfig.validateAndAddDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
