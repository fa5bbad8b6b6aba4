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

	"github.com/sirupsen/logrus"

	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
)

// SubmitRequest validates and admits a caller request into the open batch for
// its (endpoint, model) key. On success the returned request carries its
// generated ID and owning batch.
func (b *Batchlane) SubmitRequest(ctx context.Context, req *model.Request) (*model.Request, *model.Batch, error) {
	ctx, span := tracer.Start(ctx, "Submitting Request")
	defer span.End()

	if err := validateSubmission(req); err != nil {
		return nil, nil, err
	}

	req.RequestID = model.GenerateUUIDWithSuffix("req")
	req.PayloadSize = int64(len(req.Payload))
	estimate := b.capacity.Estimate(req.Payload, req.Model)
	req.EstimatedTokens = estimate.Tokens
	req.CreatedAt = time.Now()

	batch, err := b.aggregator.Admit(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return req, batch, nil
}

func validateSubmission(req *model.Request) error {
	if err := req.Delivery.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	if req.CustomID == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "custom_id is required", nil)
	}
	if req.Endpoint == "" || req.Model == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "endpoint and model are required", nil)
	}
	if len(req.Payload) == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "payload is required", nil)
	}
	return nil
}

// QueueSubmission validates a caller request and hands it to the admission
// queue instead of admitting inline. Client errors still surface
// synchronously; admission itself happens in a worker and is deduplicated on
// the custom ID.
func (b *Batchlane) QueueSubmission(ctx context.Context, req *model.Request) error {
	ctx, span := tracer.Start(ctx, "Queueing Submission")
	defer span.End()

	if err := validateSubmission(req); err != nil {
		return err
	}
	return b.queue.EnqueueAdmission(ctx, req)
}

// GetRequest returns a request by ID.
func (b *Batchlane) GetRequest(ctx context.Context, requestID string) (*model.Request, error) {
	return b.datasource.GetRequest(ctx, requestID)
}

// GetRequestByCustomID returns a request by its caller-supplied key.
func (b *Batchlane) GetRequestByCustomID(ctx context.Context, customID string) (*model.Request, error) {
	return b.datasource.GetRequestByCustomID(ctx, customID)
}

// GetRequestTransitions returns a request's audit trail in order.
func (b *Batchlane) GetRequestTransitions(ctx context.Context, requestID string) ([]model.Transition, error) {
	return b.datasource.GetRequestTransitions(ctx, requestID)
}

// GetDeliveryAttempts returns a request's delivery attempts in order.
func (b *Batchlane) GetDeliveryAttempts(ctx context.Context, requestID string) ([]model.DeliveryAttempt, error) {
	return b.datasource.GetDeliveryAttempts(ctx, requestID)
}

// CancelRequest cancels a single request if it has not progressed past
// admission. Requests already serialized into an uploaded file can only be
// cancelled through their batch.
func (b *Batchlane) CancelRequest(ctx context.Context, requestID string) (*model.Request, error) {
	ctx, span := tracer.Start(ctx, "Cancelling Request")
	defer span.End()

	req, err := b.datasource.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != model.RequestStatusPending {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			"Only pending requests can be cancelled individually", nil)
	}
	return b.datasource.TransitionRequest(ctx, requestID, model.RequestStatusCancelled)
}

// GetBatch returns a batch by ID.
func (b *Batchlane) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	return b.datasource.GetBatch(ctx, batchID)
}

// GetAllBatches lists batches, optionally filtered by status.
func (b *Batchlane) GetAllBatches(ctx context.Context, limit, offset int, status string) ([]model.Batch, error) {
	if status != "" && !model.IsBatchStatus(status) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "unknown batch status", nil)
	}
	return b.datasource.GetAllBatches(ctx, limit, offset, status)
}

// GetBatchRequests lists a batch's requests in a paginated manner.
func (b *Batchlane) GetBatchRequests(ctx context.Context, batchID string, limit, offset int) ([]*model.Request, error) {
	if _, err := b.datasource.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return b.datasource.GetRequestsByBatch(ctx, batchID, limit, offset)
}

// GetBatchTransitions returns a batch's audit trail in order.
func (b *Batchlane) GetBatchTransitions(ctx context.Context, batchID string) ([]model.Transition, error) {
	return b.datasource.GetBatchTransitions(ctx, batchID)
}

// GetBatchUsage returns the per-status request counts for a batch.
func (b *Batchlane) GetBatchUsage(ctx context.Context, batchID string) (map[string]int, error) {
	if _, err := b.datasource.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return b.datasource.GetBatchRequestCounts(ctx, batchID)
}

// DeleteBatch removes a terminal batch and its audit trail ahead of the
// retention sweep. Remote files left behind at the provider are deleted
// best-effort; a failure there never blocks the local delete.
func (b *Batchlane) DeleteBatch(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "Deleting Batch")
	defer span.End()

	batch, err := b.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	for _, fileID := range []string{batch.InputFileID, batch.OutputFileID, batch.ErrorFileID} {
		if fileID == "" {
			continue
		}
		if err := b.provider.DeleteFile(ctx, fileID); err != nil {
			logrus.Warnf("failed to delete remote file %s for batch %s: %v", fileID, batchID, err)
		}
	}
	return b.datasource.DeleteBatch(ctx, batchID)
}

// CreateCapacityOverride registers an operator token budget for a model
// prefix.
func (b *Batchlane) CreateCapacityOverride(ctx context.Context, override model.ModelCapacityOverride) (model.ModelCapacityOverride, error) {
	if override.ModelPrefix == "" {
		return model.ModelCapacityOverride{}, apierror.NewAPIError(apierror.ErrInvalidInput, "model_prefix is required", nil)
	}
	if override.TokenLimit <= 0 {
		return model.ModelCapacityOverride{}, apierror.NewAPIError(apierror.ErrInvalidInput, "token_limit must be positive", nil)
	}
	return b.datasource.CreateCapacityOverride(ctx, override)
}

// GetCapacityOverrides lists all operator token budget overrides.
func (b *Batchlane) GetCapacityOverrides(ctx context.Context) ([]model.ModelCapacityOverride, error) {
	return b.datasource.GetAllCapacityOverrides(ctx)
}

// DeleteCapacityOverride removes an operator token budget override.
func (b *Batchlane) DeleteCapacityOverride(ctx context.Context, overrideID string) error {
	return b.datasource.DeleteCapacityOverride(ctx, overrideID)
}
