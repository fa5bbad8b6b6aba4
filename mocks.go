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
	"time"

	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
)

// MockDataSource is a stub datasource for service-level tests. Each method
// delegates to its function field when set and returns a not-found or zero
// value otherwise.
type MockDataSource struct {
	MockFindOrCreateOpenBatch       func(ctx context.Context, endpoint, modelName string) (*model.Batch, error)
	MockGetBatch                    func(ctx context.Context, batchID string) (*model.Batch, error)
	MockGetAllBatches               func(ctx context.Context, limit, offset int, status string) ([]model.Batch, error)
	MockGetBatchesByStatus          func(ctx context.Context, statuses []string) ([]*model.Batch, error)
	MockAdmitRequest                func(ctx context.Context, batchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error
	MockTransitionBatch             func(ctx context.Context, batchID, toStatus string) (*model.Batch, error)
	MockSetBatchUploaded            func(ctx context.Context, batchID, inputFileID string) error
	MockSetBatchSubmitted           func(ctx context.Context, batchID, remoteJobID string, expiresAt time.Time) error
	MockSetBatchResults             func(ctx context.Context, batchID, outputFileID, errorFileID string) error
	MockSetBatchError               func(ctx context.Context, batchID, message string) error
	MockTouchBatchPolled            func(ctx context.Context, batchID string) error
	MockGetIdleOpenBatches          func(ctx context.Context, idleFor, maxAge time.Duration) ([]*model.Batch, error)
	MockGetBatchTransitions         func(ctx context.Context, batchID string) ([]model.Transition, error)
	MockDeleteTerminalBatchesBefore func(ctx context.Context, cutoff time.Time) (int64, error)
	MockDeleteBatch                 func(ctx context.Context, batchID string) error
	MockDeleteEmptyOpenBatch        func(ctx context.Context, batchID string) error
	MockGetBatchRequestCounts       func(ctx context.Context, batchID string) (map[string]int, error)
	MockGetRequest                  func(ctx context.Context, requestID string) (*model.Request, error)
	MockGetRequestByCustomID        func(ctx context.Context, customID string) (*model.Request, error)
	MockGetRequestsByBatch          func(ctx context.Context, batchID string, limit, offset int) ([]*model.Request, error)
	MockGetRequestsByBatchAndStatus func(ctx context.Context, batchID string, statuses []string) ([]*model.Request, error)
	MockTransitionRequest           func(ctx context.Context, requestID, toStatus string) (*model.Request, error)
	MockBulkTransitionRequests      func(ctx context.Context, batchID, fromStatus, toStatus string) ([]string, error)
	MockSetRequestResult            func(ctx context.Context, requestID string, response []byte, toStatus, errMsg string) error
	MockResubmitRequest             func(ctx context.Context, oldBatchID, newBatchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error
	MockGetRequestTransitions       func(ctx context.Context, requestID string) ([]model.Transition, error)
	MockGetStuckDeliveringRequests  func(ctx context.Context, olderThan time.Duration) ([]*model.Request, error)
	MockRecordDeliveryAttempt       func(ctx context.Context, requestID string, success bool, errMsg string, sink model.DeliveryConfig) (*model.DeliveryAttempt, error)
	MockGetDeliveryAttempts         func(ctx context.Context, requestID string) ([]model.DeliveryAttempt, error)
	MockCreateCapacityOverride      func(ctx context.Context, override model.ModelCapacityOverride) (model.ModelCapacityOverride, error)
	MockGetAllCapacityOverrides     func(ctx context.Context) ([]model.ModelCapacityOverride, error)
	MockDeleteCapacityOverride      func(ctx context.Context, overrideID string) error
}

func mockNotFound(what string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, what+" not found", nil)
}

func (m *MockDataSource) FindOrCreateOpenBatch(ctx context.Context, endpoint, modelName string) (*model.Batch, error) {
	if m.MockFindOrCreateOpenBatch != nil {
		return m.MockFindOrCreateOpenBatch(ctx, endpoint, modelName)
	}
	return nil, mockNotFound("batch")
}

func (m *MockDataSource) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	if m.MockGetBatch != nil {
		return m.MockGetBatch(ctx, batchID)
	}
	return nil, mockNotFound("batch")
}

func (m *MockDataSource) GetAllBatches(ctx context.Context, limit, offset int, status string) ([]model.Batch, error) {
	if m.MockGetAllBatches != nil {
		return m.MockGetAllBatches(ctx, limit, offset, status)
	}
	return nil, nil
}

func (m *MockDataSource) GetBatchesByStatus(ctx context.Context, statuses []string) ([]*model.Batch, error) {
	if m.MockGetBatchesByStatus != nil {
		return m.MockGetBatchesByStatus(ctx, statuses)
	}
	return nil, nil
}

func (m *MockDataSource) AdmitRequest(ctx context.Context, batchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error {
	if m.MockAdmitRequest != nil {
		return m.MockAdmitRequest(ctx, batchID, req, maxRequests, maxSizeBytes)
	}
	return nil
}

func (m *MockDataSource) TransitionBatch(ctx context.Context, batchID, toStatus string) (*model.Batch, error) {
	if m.MockTransitionBatch != nil {
		return m.MockTransitionBatch(ctx, batchID, toStatus)
	}
	return nil, mockNotFound("batch")
}

func (m *MockDataSource) SetBatchUploaded(ctx context.Context, batchID, inputFileID string) error {
	if m.MockSetBatchUploaded != nil {
		return m.MockSetBatchUploaded(ctx, batchID, inputFileID)
	}
	return nil
}

func (m *MockDataSource) SetBatchSubmitted(ctx context.Context, batchID, remoteJobID string, expiresAt time.Time) error {
	if m.MockSetBatchSubmitted != nil {
		return m.MockSetBatchSubmitted(ctx, batchID, remoteJobID, expiresAt)
	}
	return nil
}

func (m *MockDataSource) SetBatchResults(ctx context.Context, batchID, outputFileID, errorFileID string) error {
	if m.MockSetBatchResults != nil {
		return m.MockSetBatchResults(ctx, batchID, outputFileID, errorFileID)
	}
	return nil
}

func (m *MockDataSource) SetBatchError(ctx context.Context, batchID, message string) error {
	if m.MockSetBatchError != nil {
		return m.MockSetBatchError(ctx, batchID, message)
	}
	return nil
}

func (m *MockDataSource) TouchBatchPolled(ctx context.Context, batchID string) error {
	if m.MockTouchBatchPolled != nil {
		return m.MockTouchBatchPolled(ctx, batchID)
	}
	return nil
}

func (m *MockDataSource) GetIdleOpenBatches(ctx context.Context, idleFor, maxAge time.Duration) ([]*model.Batch, error) {
	if m.MockGetIdleOpenBatches != nil {
		return m.MockGetIdleOpenBatches(ctx, idleFor, maxAge)
	}
	return nil, nil
}

func (m *MockDataSource) GetBatchTransitions(ctx context.Context, batchID string) ([]model.Transition, error) {
	if m.MockGetBatchTransitions != nil {
		return m.MockGetBatchTransitions(ctx, batchID)
	}
	return nil, nil
}

func (m *MockDataSource) DeleteTerminalBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.MockDeleteTerminalBatchesBefore != nil {
		return m.MockDeleteTerminalBatchesBefore(ctx, cutoff)
	}
	return 0, nil
}

func (m *MockDataSource) DeleteBatch(ctx context.Context, batchID string) error {
	if m.MockDeleteBatch != nil {
		return m.MockDeleteBatch(ctx, batchID)
	}
	return nil
}

func (m *MockDataSource) DeleteEmptyOpenBatch(ctx context.Context, batchID string) error {
	if m.MockDeleteEmptyOpenBatch != nil {
		return m.MockDeleteEmptyOpenBatch(ctx, batchID)
	}
	return nil
}

func (m *MockDataSource) GetBatchRequestCounts(ctx context.Context, batchID string) (map[string]int, error) {
	if m.MockGetBatchRequestCounts != nil {
		return m.MockGetBatchRequestCounts(ctx, batchID)
	}
	return nil, nil
}

func (m *MockDataSource) GetRequest(ctx context.Context, requestID string) (*model.Request, error) {
	if m.MockGetRequest != nil {
		return m.MockGetRequest(ctx, requestID)
	}
	return nil, mockNotFound("request")
}

func (m *MockDataSource) GetRequestByCustomID(ctx context.Context, customID string) (*model.Request, error) {
	if m.MockGetRequestByCustomID != nil {
		return m.MockGetRequestByCustomID(ctx, customID)
	}
	return nil, mockNotFound("request")
}

func (m *MockDataSource) GetRequestsByBatch(ctx context.Context, batchID string, limit, offset int) ([]*model.Request, error) {
	if m.MockGetRequestsByBatch != nil {
		return m.MockGetRequestsByBatch(ctx, batchID, limit, offset)
	}
	return nil, nil
}

func (m *MockDataSource) GetRequestsByBatchAndStatus(ctx context.Context, batchID string, statuses []string) ([]*model.Request, error) {
	if m.MockGetRequestsByBatchAndStatus != nil {
		return m.MockGetRequestsByBatchAndStatus(ctx, batchID, statuses)
	}
	return nil, nil
}

func (m *MockDataSource) TransitionRequest(ctx context.Context, requestID, toStatus string) (*model.Request, error) {
	if m.MockTransitionRequest != nil {
		return m.MockTransitionRequest(ctx, requestID, toStatus)
	}
	return nil, mockNotFound("request")
}

func (m *MockDataSource) BulkTransitionRequests(ctx context.Context, batchID, fromStatus, toStatus string) ([]string, error) {
	if m.MockBulkTransitionRequests != nil {
		return m.MockBulkTransitionRequests(ctx, batchID, fromStatus, toStatus)
	}
	return nil, nil
}

func (m *MockDataSource) SetRequestResult(ctx context.Context, requestID string, response []byte, toStatus, errMsg string) error {
	if m.MockSetRequestResult != nil {
		return m.MockSetRequestResult(ctx, requestID, response, toStatus, errMsg)
	}
	return nil
}

func (m *MockDataSource) ResubmitRequest(ctx context.Context, oldBatchID, newBatchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error {
	if m.MockResubmitRequest != nil {
		return m.MockResubmitRequest(ctx, oldBatchID, newBatchID, req, maxRequests, maxSizeBytes)
	}
	return nil
}

func (m *MockDataSource) GetRequestTransitions(ctx context.Context, requestID string) ([]model.Transition, error) {
	if m.MockGetRequestTransitions != nil {
		return m.MockGetRequestTransitions(ctx, requestID)
	}
	return nil, nil
}

func (m *MockDataSource) GetStuckDeliveringRequests(ctx context.Context, olderThan time.Duration) ([]*model.Request, error) {
	if m.MockGetStuckDeliveringRequests != nil {
		return m.MockGetStuckDeliveringRequests(ctx, olderThan)
	}
	return nil, nil
}

func (m *MockDataSource) RecordDeliveryAttempt(ctx context.Context, requestID string, success bool, errMsg string, sink model.DeliveryConfig) (*model.DeliveryAttempt, error) {
	if m.MockRecordDeliveryAttempt != nil {
		return m.MockRecordDeliveryAttempt(ctx, requestID, success, errMsg, sink)
	}
	return &model.DeliveryAttempt{RequestID: requestID, AttemptNumber: 1, Success: success, ErrorMessage: errMsg}, nil
}

func (m *MockDataSource) GetDeliveryAttempts(ctx context.Context, requestID string) ([]model.DeliveryAttempt, error) {
	if m.MockGetDeliveryAttempts != nil {
		return m.MockGetDeliveryAttempts(ctx, requestID)
	}
	return nil, nil
}

func (m *MockDataSource) CreateCapacityOverride(ctx context.Context, override model.ModelCapacityOverride) (model.ModelCapacityOverride, error) {
	if m.MockCreateCapacityOverride != nil {
		return m.MockCreateCapacityOverride(ctx, override)
	}
	return override, nil
}

func (m *MockDataSource) GetAllCapacityOverrides(ctx context.Context) ([]model.ModelCapacityOverride, error) {
	if m.MockGetAllCapacityOverrides != nil {
		return m.MockGetAllCapacityOverrides(ctx)
	}
	return nil, nil
}

func (m *MockDataSource) DeleteCapacityOverride(ctx context.Context, overrideID string) error {
	if m.MockDeleteCapacityOverride != nil {
		return m.MockDeleteCapacityOverride(ctx, overrideID)
	}
	return nil
}
