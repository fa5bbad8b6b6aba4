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

package batchlane

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
)

// newTestService wires a service against the mock datasource and an
// in-process Redis queue.
func newTestService(t *testing.T, db *MockDataSource) *Batchlane {
	t.Helper()
	mockQueueConfig()

	cfg, err := config.Fetch()
	require.NoError(t, err)

	b := &Batchlane{
		datasource: db,
		queue:      newTestQueue(t),
		capacity:   NewCapacityController(db, cfg),
	}
	b.aggregator = NewAggregator(b)
	return b
}

func TestAdmitIntoOpenBatch(t *testing.T) {
	openBatch := &model.Batch{
		BatchID:  "bat_open",
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Status:   model.BatchStatusBuilding,
	}
	db := &MockDataSource{
		MockFindOrCreateOpenBatch: func(ctx context.Context, endpoint, modelName string) (*model.Batch, error) {
			return openBatch, nil
		},
		MockAdmitRequest: func(ctx context.Context, batchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error {
			req.BatchID = batchID
			req.Status = model.RequestStatusPending
			return nil
		},
	}
	service := newTestService(t, db)

	req := &model.Request{
		RequestID:       "req_1",
		CustomID:        "cust-1",
		Endpoint:        "/v1/chat/completions",
		Model:           "gpt-4o-mini",
		EstimatedTokens: 100,
	}
	batch, err := service.aggregator.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "bat_open", batch.BatchID)
	assert.Equal(t, "bat_open", req.BatchID)
	assert.Equal(t, model.RequestStatusPending, req.Status)
}

func TestAdmitRejectsOversizedRequest(t *testing.T) {
	service := newTestService(t, &MockDataSource{})

	// An unknown model resolves to the conservative fallback budget.
	req := &model.Request{
		RequestID:       "req_huge",
		Endpoint:        "/v1/chat/completions",
		Model:           "mystery-model",
		EstimatedTokens: 1_000_000,
	}
	_, err := service.aggregator.Admit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))
}

func TestAdmitRollsOverFullBatch(t *testing.T) {
	fullBatch := &model.Batch{
		BatchID:  "bat_full",
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Status:   model.BatchStatusBuilding,
	}
	freshBatch := &model.Batch{
		BatchID:  "bat_fresh",
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Status:   model.BatchStatusBuilding,
	}

	var closedBatches []string
	finds := 0
	db := &MockDataSource{
		MockFindOrCreateOpenBatch: func(ctx context.Context, endpoint, modelName string) (*model.Batch, error) {
			finds++
			if finds == 1 {
				return fullBatch, nil
			}
			return freshBatch, nil
		},
		MockAdmitRequest: func(ctx context.Context, batchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error {
			if batchID == "bat_full" {
				return apierror.NewAPIError(apierror.ErrCapacity, "Batch is full", nil)
			}
			req.BatchID = batchID
			return nil
		},
		MockTransitionBatch: func(ctx context.Context, batchID, toStatus string) (*model.Batch, error) {
			closedBatches = append(closedBatches, batchID)
			sealed := *fullBatch
			sealed.Status = toStatus
			return &sealed, nil
		},
	}
	service := newTestService(t, db)

	req := &model.Request{
		RequestID:       "req_rollover",
		Endpoint:        "/v1/chat/completions",
		Model:           "gpt-4o-mini",
		EstimatedTokens: 100,
	}
	batch, err := service.aggregator.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "bat_fresh", batch.BatchID)
	assert.Equal(t, []string{"bat_full"}, closedBatches)
}

func TestAdmitClosesBatchAtTokenBudget(t *testing.T) {
	// gpt-4o carries a 90k default budget; the open batch is nearly there.
	nearFull := &model.Batch{
		BatchID:         "bat_near_budget",
		Endpoint:        "/v1/chat/completions",
		Model:           "gpt-4o",
		Status:          model.BatchStatusBuilding,
		RequestCount:    10,
		EstimatedTokens: 89_950,
	}
	freshBatch := &model.Batch{
		BatchID:  "bat_after_budget",
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o",
		Status:   model.BatchStatusBuilding,
	}

	finds := 0
	closed := false
	db := &MockDataSource{
		MockFindOrCreateOpenBatch: func(ctx context.Context, endpoint, modelName string) (*model.Batch, error) {
			finds++
			if finds == 1 {
				return nearFull, nil
			}
			return freshBatch, nil
		},
		MockAdmitRequest: func(ctx context.Context, batchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error {
			assert.Equal(t, "bat_after_budget", batchID)
			req.BatchID = batchID
			return nil
		},
		MockTransitionBatch: func(ctx context.Context, batchID, toStatus string) (*model.Batch, error) {
			closed = true
			assert.Equal(t, "bat_near_budget", batchID)
			assert.Equal(t, model.BatchStatusUploading, toStatus)
			sealed := *nearFull
			sealed.Status = toStatus
			return &sealed, nil
		},
	}
	service := newTestService(t, db)

	req := &model.Request{
		RequestID:       "req_budget",
		Endpoint:        "/v1/chat/completions",
		Model:           "gpt-4o",
		EstimatedTokens: 100,
	}
	batch, err := service.aggregator.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, "bat_after_budget", batch.BatchID)
}

func TestAdmitGivesUpAfterRollover(t *testing.T) {
	fullBatch := &model.Batch{
		BatchID:  "bat_always_full",
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Status:   model.BatchStatusBuilding,
	}
	db := &MockDataSource{
		MockFindOrCreateOpenBatch: func(ctx context.Context, endpoint, modelName string) (*model.Batch, error) {
			return fullBatch, nil
		},
		MockAdmitRequest: func(ctx context.Context, batchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error {
			return apierror.NewAPIError(apierror.ErrCapacity, "Batch is full", nil)
		},
		MockTransitionBatch: func(ctx context.Context, batchID, toStatus string) (*model.Batch, error) {
			sealed := *fullBatch
			sealed.Status = toStatus
			return &sealed, nil
		},
	}
	service := newTestService(t, db)

	req := &model.Request{
		RequestID:       "req_unlucky",
		Endpoint:        "/v1/chat/completions",
		Model:           "gpt-4o-mini",
		EstimatedTokens: 100,
	}
	_, err := service.aggregator.Admit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrCapacity))
}

func TestSubmitRequestValidation(t *testing.T) {
	service := newTestService(t, &MockDataSource{})

	_, _, err := service.SubmitRequest(context.Background(), &model.Request{
		CustomID: "cust-x",
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Payload:  []byte(`{}`),
		Delivery: model.DeliveryConfig{Type: "carrier-pigeon"},
	})
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))

	_, _, err = service.SubmitRequest(context.Background(), &model.Request{
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Payload:  []byte(`{}`),
		Delivery: model.DeliveryConfig{Type: model.SinkWebhook, URL: "https://example.com/hook"},
	})
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))
}

func TestQueueSubmissionValidatesBeforeEnqueue(t *testing.T) {
	service := newTestService(t, &MockDataSource{})

	err := service.QueueSubmission(context.Background(), &model.Request{
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Payload:  []byte(`{}`),
		Delivery: model.DeliveryConfig{Type: model.SinkWebhook, URL: "https://example.com/hook"},
	})
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))

	err = service.QueueSubmission(context.Background(), &model.Request{
		CustomID: "cust-async",
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Payload:  []byte(`{}`),
		Delivery: model.DeliveryConfig{Type: model.SinkWebhook, URL: "https://example.com/hook"},
	})
	require.NoError(t, err)

	cfg, err := config.Fetch()
	require.NoError(t, err)
	task, err := service.queue.Inspector.GetTaskInfo(cfg.Queue.AdmissionQueue, TaskAdmit+":cust-async")
	require.NoError(t, err)
	assert.Equal(t, TaskAdmit, task.Type)
}

func TestSubmitRequestAssignsIDAndEstimate(t *testing.T) {
	db := &MockDataSource{
		MockFindOrCreateOpenBatch: func(ctx context.Context, endpoint, modelName string) (*model.Batch, error) {
			return &model.Batch{BatchID: "bat_submit", Endpoint: endpoint, Model: modelName}, nil
		},
		MockAdmitRequest: func(ctx context.Context, batchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error {
			req.BatchID = batchID
			return nil
		},
	}
	service := newTestService(t, db)

	payload := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	req, batch, err := service.SubmitRequest(context.Background(), &model.Request{
		CustomID: "cust-submit",
		Endpoint: "/v1/chat/completions",
		Model:    "mystery-model",
		Payload:  payload,
		Delivery: model.DeliveryConfig{Type: model.SinkWebhook, URL: "https://example.com/hook"},
	})
	require.NoError(t, err)
	assert.Contains(t, req.RequestID, "req_")
	assert.Equal(t, int64(len(payload)), req.PayloadSize)
	assert.Greater(t, req.EstimatedTokens, int64(0))
	assert.Equal(t, "bat_submit", batch.BatchID)
}
