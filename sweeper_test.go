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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/model"
)

func TestSweepSealsIdleBatches(t *testing.T) {
	idle := &model.Batch{
		BatchID:      "bat_idle",
		Endpoint:     "/v1/chat/completions",
		Model:        "gpt-4o-mini",
		Status:       model.BatchStatusBuilding,
		RequestCount: 3,
	}
	var sealed []string
	db := &MockDataSource{
		MockGetIdleOpenBatches: func(ctx context.Context, idleFor, maxAge time.Duration) ([]*model.Batch, error) {
			return []*model.Batch{idle}, nil
		},
		MockTransitionBatch: func(ctx context.Context, batchID, toStatus string) (*model.Batch, error) {
			assert.Equal(t, model.BatchStatusUploading, toStatus)
			sealed = append(sealed, batchID)
			moved := *idle
			moved.Status = toStatus
			return &moved, nil
		},
	}
	service := newTestService(t, db)
	sweeper := NewSweeper(service)

	sweeper.Sweep(context.Background())
	assert.Equal(t, []string{"bat_idle"}, sealed)
}

func TestSweepDeletesEmptyIdleBatches(t *testing.T) {
	empty := &model.Batch{
		BatchID:  "bat_empty",
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Status:   model.BatchStatusBuilding,
	}
	var deleted []string
	db := &MockDataSource{
		MockGetIdleOpenBatches: func(ctx context.Context, idleFor, maxAge time.Duration) ([]*model.Batch, error) {
			return []*model.Batch{empty}, nil
		},
		MockDeleteEmptyOpenBatch: func(ctx context.Context, batchID string) error {
			deleted = append(deleted, batchID)
			return nil
		},
		MockTransitionBatch: func(ctx context.Context, batchID, toStatus string) (*model.Batch, error) {
			t.Fatalf("empty batch %s should be deleted, not sealed", batchID)
			return nil, nil
		},
	}
	service := newTestService(t, db)
	sweeper := NewSweeper(service)

	sweeper.Sweep(context.Background())
	assert.Equal(t, []string{"bat_empty"}, deleted)
}

func TestSweepResumesStalledBatches(t *testing.T) {
	stalled := &model.Batch{
		BatchID:   "bat_stalled",
		Endpoint:  "/v1/chat/completions",
		Model:     "gpt-4o-mini",
		Status:    model.BatchStatusPolling,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}
	moving := &model.Batch{
		BatchID:   "bat_moving",
		Endpoint:  "/v1/chat/completions",
		Model:     "gpt-4o-mini",
		Status:    model.BatchStatusUploading,
		UpdatedAt: time.Now(),
	}
	db := &MockDataSource{
		MockGetBatchesByStatus: func(ctx context.Context, statuses []string) ([]*model.Batch, error) {
			return []*model.Batch{stalled, moving}, nil
		},
	}
	service := newTestService(t, db)
	sweeper := NewSweeper(service)

	sweeper.Sweep(context.Background())

	task, err := service.queue.Inspector.GetTaskInfo(pipelineQueueFor(t, stalled), fmt.Sprintf("%s:%s", TaskPoll, stalled.BatchID))
	require.NoError(t, err)
	assert.Equal(t, TaskPoll, task.Type)

	// A batch that moved recently is left to its own stage task.
	_, err = service.queue.Inspector.GetTaskInfo(pipelineQueueFor(t, moving), fmt.Sprintf("%s:%s", TaskBuildUpload, moving.BatchID))
	assert.Error(t, err)
}

func TestSweepRequeuesStuckDeliveries(t *testing.T) {
	stuck := &model.Request{
		RequestID:        "req_stuck",
		Status:           model.RequestStatusDelivering,
		DeliveryAttempts: 2,
	}
	db := &MockDataSource{
		MockGetStuckDeliveringRequests: func(ctx context.Context, olderThan time.Duration) ([]*model.Request, error) {
			return []*model.Request{stuck}, nil
		},
	}
	service := newTestService(t, db)
	sweeper := NewSweeper(service)

	sweeper.Sweep(context.Background())

	cfg, err := config.Fetch()
	require.NoError(t, err)
	task, err := service.queue.Inspector.GetTaskInfo(cfg.Queue.DeliveryQueue, fmt.Sprintf("%s:%s:%d", TaskDeliver, "req_stuck", 3))
	require.NoError(t, err)
	assert.Equal(t, TaskDeliver, task.Type)
}

func TestSweepPrunesTerminalBatches(t *testing.T) {
	var cutoff time.Time
	db := &MockDataSource{
		MockDeleteTerminalBatchesBefore: func(ctx context.Context, c time.Time) (int64, error) {
			cutoff = c
			return 2, nil
		},
	}
	service := newTestService(t, db)
	sweeper := NewSweeper(service)

	sweeper.Sweep(context.Background())
	assert.False(t, cutoff.IsZero())
	assert.True(t, cutoff.Before(time.Now()))
}

func TestSweeperStartStop(t *testing.T) {
	service := newTestService(t, &MockDataSource{})
	sweeper := NewSweeper(service)

	sweeper.Start(context.Background())
	assert.True(t, sweeper.IsRunning())

	// A second start is a no-op.
	sweeper.Start(context.Background())

	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())
}

func TestResumeInFlightBatches(t *testing.T) {
	batches := []*model.Batch{
		{BatchID: "bat_up", Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", Status: model.BatchStatusUploading},
		{BatchID: "bat_sub", Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", Status: model.BatchStatusUploaded},
		{BatchID: "bat_poll", Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", Status: model.BatchStatusPolling},
	}
	db := &MockDataSource{
		MockGetBatchesByStatus: func(ctx context.Context, statuses []string) ([]*model.Batch, error) {
			return batches, nil
		},
	}
	service := newTestService(t, db)

	require.NoError(t, service.ResumeInFlightBatches(context.Background()))

	expected := map[string]string{
		"bat_up":   TaskBuildUpload,
		"bat_sub":  TaskCreateJob,
		"bat_poll": TaskPoll,
	}
	for batchID, taskType := range expected {
		batch := &model.Batch{BatchID: batchID, Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini"}
		task, err := service.queue.Inspector.GetTaskInfo(pipelineQueueFor(t, batch), fmt.Sprintf("%s:%s", taskType, batchID))
		require.NoError(t, err)
		assert.Equal(t, taskType, task.Type)
	}
}
