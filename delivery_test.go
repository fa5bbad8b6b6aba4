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
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/model"
)

func mockDeliveryConfig(retryEnabled bool) {
	config.MockConfig(&config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost:5432/test"},
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
		Provider:   config.ProviderConfig{ApiKey: "test-key"},
		Delivery:   config.DeliveryConfig{RetryEnabled: retryEnabled, MaxRetries: 3},
	})
}

func deliverableRequest() *model.Request {
	return &model.Request{
		RequestID: "req_deliver",
		BatchID:   "bat_deliver",
		CustomID:  "cust-deliver",
		Status:    model.RequestStatusProcessed,
		Response:  json.RawMessage(`{"choices":[]}`),
		Delivery:  model.DeliveryConfig{Type: model.SinkWebhook, URL: "https://example.com/hook"},
	}
}

func TestDeliverRequestWebhookSuccess(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder(http.MethodPost, "https://example.com/hook",
		httpmock.NewStringResponder(http.StatusOK, `{"received":true}`))

	req := deliverableRequest()
	var transitions []string
	var recordedSuccess bool
	db := &MockDataSource{
		MockGetRequest: func(ctx context.Context, requestID string) (*model.Request, error) {
			return req, nil
		},
		MockTransitionRequest: func(ctx context.Context, requestID, toStatus string) (*model.Request, error) {
			transitions = append(transitions, toStatus)
			moved := *req
			moved.Status = toStatus
			return &moved, nil
		},
		MockRecordDeliveryAttempt: func(ctx context.Context, requestID string, success bool, errMsg string, sink model.DeliveryConfig) (*model.DeliveryAttempt, error) {
			recordedSuccess = success
			return &model.DeliveryAttempt{RequestID: requestID, AttemptNumber: 1, Success: success}, nil
		},
	}
	service := newTestService(t, db)
	mockDeliveryConfig(true)

	err := service.DeliverRequest(context.Background(), "req_deliver")
	require.NoError(t, err)
	assert.Equal(t, []string{model.RequestStatusDelivering, model.RequestStatusDelivered}, transitions)
	assert.True(t, recordedSuccess)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestDeliverRequestSchedulesRetryOnFailure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder(http.MethodPost, "https://example.com/hook",
		httpmock.NewStringResponder(http.StatusBadGateway, ""))

	req := deliverableRequest()
	var transitions []string
	db := &MockDataSource{
		MockGetRequest: func(ctx context.Context, requestID string) (*model.Request, error) {
			return req, nil
		},
		MockTransitionRequest: func(ctx context.Context, requestID, toStatus string) (*model.Request, error) {
			transitions = append(transitions, toStatus)
			moved := *req
			moved.Status = toStatus
			return &moved, nil
		},
		MockRecordDeliveryAttempt: func(ctx context.Context, requestID string, success bool, errMsg string, sink model.DeliveryConfig) (*model.DeliveryAttempt, error) {
			assert.False(t, success)
			assert.NotEmpty(t, errMsg)
			return &model.DeliveryAttempt{RequestID: requestID, AttemptNumber: 1, Success: false, ErrorMessage: errMsg}, nil
		},
	}
	service := newTestService(t, db)
	mockDeliveryConfig(true)

	err := service.DeliverRequest(context.Background(), "req_deliver")
	require.NoError(t, err)
	assert.Equal(t, []string{model.RequestStatusDelivering}, transitions)

	cfg, err := config.Fetch()
	require.NoError(t, err)
	task, err := service.queue.Inspector.GetTaskInfo(cfg.Queue.DeliveryQueue, fmt.Sprintf("%s:%s:%d", TaskDeliver, "req_deliver", 2))
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStateScheduled, task.State)
}

func TestDeliverRequestExhaustsRetries(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder(http.MethodPost, "https://example.com/hook",
		httpmock.NewStringResponder(http.StatusBadGateway, ""))

	req := deliverableRequest()
	req.Status = model.RequestStatusDelivering
	var transitions []string
	db := &MockDataSource{
		MockGetRequest: func(ctx context.Context, requestID string) (*model.Request, error) {
			return req, nil
		},
		MockTransitionRequest: func(ctx context.Context, requestID, toStatus string) (*model.Request, error) {
			transitions = append(transitions, toStatus)
			moved := *req
			moved.Status = toStatus
			return &moved, nil
		},
		MockRecordDeliveryAttempt: func(ctx context.Context, requestID string, success bool, errMsg string, sink model.DeliveryConfig) (*model.DeliveryAttempt, error) {
			return &model.DeliveryAttempt{RequestID: requestID, AttemptNumber: 3, Success: false, ErrorMessage: errMsg}, nil
		},
	}
	service := newTestService(t, db)
	mockDeliveryConfig(true)

	err := service.DeliverRequest(context.Background(), "req_deliver")
	require.NoError(t, err)
	assert.Equal(t, []string{model.RequestStatusDelivering, model.RequestStatusDeliveryFailed}, transitions)
}

func TestDeliverRequestSkipsSettledRequest(t *testing.T) {
	req := deliverableRequest()
	req.Status = model.RequestStatusDelivered
	db := &MockDataSource{
		MockGetRequest: func(ctx context.Context, requestID string) (*model.Request, error) {
			return req, nil
		},
		MockTransitionRequest: func(ctx context.Context, requestID, toStatus string) (*model.Request, error) {
			t.Fatalf("unexpected transition to %s", toStatus)
			return nil, nil
		},
	}
	service := newTestService(t, db)
	mockDeliveryConfig(true)

	err := service.DeliverRequest(context.Background(), "req_deliver")
	require.NoError(t, err)
}

func TestDeliveryBackoffCurve(t *testing.T) {
	assert.Equal(t, 60*time.Second, deliveryBackoff(1))
	assert.Equal(t, 120*time.Second, deliveryBackoff(2))
	assert.Equal(t, 240*time.Second, deliveryBackoff(3))
	assert.Equal(t, 30*time.Minute, deliveryBackoff(10))
}
