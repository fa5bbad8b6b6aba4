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
	"time"

	"github.com/batchlane/batchlane/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	batch    // Interface for batch-related operations
	request  // Interface for request-related operations
	delivery // Interface for delivery audit operations
	capacity // Interface for capacity override operations
}

// batch defines methods for handling batches and their state transitions.
type batch interface {
	FindOrCreateOpenBatch(ctx context.Context, endpoint, modelName string) (*model.Batch, error)                       // Returns the open batch for the key, creating one if needed
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)                                                // Retrieves a batch by ID
	GetAllBatches(ctx context.Context, limit, offset int, status string) ([]model.Batch, error)                        // Retrieves batches, optionally filtered by status
	GetBatchesByStatus(ctx context.Context, statuses []string) ([]*model.Batch, error)                                 // Retrieves all batches in the given states
	AdmitRequest(ctx context.Context, batchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error   // Atomically admits a request into an open batch
	TransitionBatch(ctx context.Context, batchID, toStatus string) (*model.Batch, error)                               // Applies a validated state transition with an audit record
	SetBatchUploaded(ctx context.Context, batchID, inputFileID string) error                                           // Marks the input file upload complete
	SetBatchSubmitted(ctx context.Context, batchID, remoteJobID string, expiresAt time.Time) error                     // Records the remote job and moves the batch to polling
	SetBatchResults(ctx context.Context, batchID, outputFileID, errorFileID string) error                              // Records the provider result file IDs
	SetBatchError(ctx context.Context, batchID, message string) error                                                  // Stores the failure message on a batch
	TouchBatchPolled(ctx context.Context, batchID string) error                                                        // Updates the last-polled timestamp
	GetIdleOpenBatches(ctx context.Context, idleFor time.Duration, maxAge time.Duration) ([]*model.Batch, error)       // Finds open batches past the idle or age threshold
	GetBatchTransitions(ctx context.Context, batchID string) ([]model.Transition, error)                               // Retrieves the audit trail for a batch
	DeleteTerminalBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error)                                  // Prunes terminal batches older than the cutoff
	DeleteBatch(ctx context.Context, batchID string) error                                                             // Deletes a single terminal batch
	DeleteEmptyOpenBatch(ctx context.Context, batchID string) error                                                    // Deletes a building batch with no requests
	GetBatchRequestCounts(ctx context.Context, batchID string) (map[string]int, error)                                 // Counts a batch's requests per status
}

// request defines methods for handling requests.
type request interface {
	GetRequest(ctx context.Context, requestID string) (*model.Request, error)                                                          // Retrieves a request by ID
	GetRequestByCustomID(ctx context.Context, customID string) (*model.Request, error)                                                 // Retrieves a request by its caller-supplied key
	GetRequestsByBatch(ctx context.Context, batchID string, limit, offset int) ([]*model.Request, error)                               // Retrieves a batch's requests in a paginated manner
	GetRequestsByBatchAndStatus(ctx context.Context, batchID string, statuses []string) ([]*model.Request, error)                      // Retrieves a batch's requests in the given states
	TransitionRequest(ctx context.Context, requestID, toStatus string) (*model.Request, error)                                         // Applies a validated state transition with an audit record
	BulkTransitionRequests(ctx context.Context, batchID, fromStatus, toStatus string) ([]string, error)                                // Transitions all matching requests in one statement
	SetRequestResult(ctx context.Context, requestID string, response []byte, toStatus string, errMsg string) error                     // Stores the provider result and final processing state
	ResubmitRequest(ctx context.Context, oldBatchID, newBatchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error // Moves one unresolved request into an open batch under the admission guards
	GetRequestTransitions(ctx context.Context, requestID string) ([]model.Transition, error)                                           // Retrieves the audit trail for a request
	GetStuckDeliveringRequests(ctx context.Context, olderThan time.Duration) ([]*model.Request, error)                                 // Finds requests stuck mid-delivery
}

// delivery defines methods for the append-only delivery audit trail.
type delivery interface {
	RecordDeliveryAttempt(ctx context.Context, requestID string, success bool, errMsg string, sink model.DeliveryConfig) (*model.DeliveryAttempt, error) // Appends the next numbered attempt
	GetDeliveryAttempts(ctx context.Context, requestID string) ([]model.DeliveryAttempt, error)                                                         // Retrieves a request's attempts in order
}

// capacity defines methods for operator token-budget overrides.
type capacity interface {
	CreateCapacityOverride(ctx context.Context, override model.ModelCapacityOverride) (model.ModelCapacityOverride, error) // Creates or replaces an override
	GetAllCapacityOverrides(ctx context.Context) ([]model.ModelCapacityOverride, error)                                    // Retrieves all overrides
	DeleteCapacityOverride(ctx context.Context, overrideID string) error                                                   // Deletes an override
}
