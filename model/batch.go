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

package model

import "time"

const (
	BatchStatusBuilding  = "building"
	BatchStatusUploading = "uploading"
	BatchStatusUploaded  = "uploaded"
	BatchStatusPolling   = "polling"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
	BatchStatusExpired   = "expired"
	BatchStatusCancelled = "cancelled"
)

// Batch is one unit of work submitted to the provider as a single file. All
// requests in a batch share the same endpoint and model, fixed at creation.
type Batch struct {
	BatchID         string                 `json:"batch_id"`
	Endpoint        string                 `json:"endpoint"`
	Model           string                 `json:"model"`
	Status          string                 `json:"status"`
	RemoteJobID     string                 `json:"remote_job_id,omitempty"`
	InputFileID     string                 `json:"input_file_id,omitempty"`
	OutputFileID    string                 `json:"output_file_id,omitempty"`
	ErrorFileID     string                 `json:"error_file_id,omitempty"`
	RequestCount    int                    `json:"request_count"`
	SizeBytes       int64                  `json:"size_bytes"`
	EstimatedTokens int64                  `json:"estimated_tokens"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ExpiresAt       time.Time              `json:"expires_at,omitempty"`
	LastPolledAt    time.Time              `json:"last_polled_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	MetaData        map[string]interface{} `json:"meta_data,omitempty"`
}

// Usage carries the provider-reported request totals for a remote job.
type Usage struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Transition is one append-only audit record of a state change. FromStatus is
// empty for the initial transition.
type Transition struct {
	ID         int64     `json:"id"`
	OwnerID    string    `json:"owner_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsTerminal reports whether the batch is in a terminal state. Terminal
// batches accept no transitions except the explicit resubmission restart.
func (b *Batch) IsTerminal() bool {
	return IsTerminalBatchStatus(b.Status)
}

// OpenForAdmission reports whether the batch can still accept new requests.
func (b *Batch) OpenForAdmission() bool {
	return b.Status == BatchStatusBuilding
}
