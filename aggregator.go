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
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
)

// admission is one unit of work for an aggregation worker. A set fromBatchID
// marks a resubmission out of an expired batch rather than a first admission.
type admission struct {
	ctx         context.Context
	request     *model.Request
	fromBatchID string
	result      chan admissionResult
}

type admissionResult struct {
	batch *model.Batch
	err   error
}

// Aggregator routes admissions to one worker goroutine per (endpoint, model)
// key, so each open batch has a single writer. The database constraints back
// this up, but the single writer keeps the common path free of conflict
// retries.
type Aggregator struct {
	service *Batchlane

	mu      sync.Mutex
	workers map[string]chan admission
}

func NewAggregator(service *Batchlane) *Aggregator {
	return &Aggregator{
		service: service,
		workers: make(map[string]chan admission),
	}
}

// Admit places a request into the open batch for its (endpoint, model) key,
// blocking until the admission is durably recorded or rejected.
func (a *Aggregator) Admit(ctx context.Context, req *model.Request) (*model.Batch, error) {
	ctx, span := tracer.Start(ctx, "Admitting Request")
	defer span.End()

	work := admission{ctx: ctx, request: req, result: make(chan admissionResult, 1)}
	a.workerFor(model.BatchKey(req.Endpoint, req.Model)) <- work

	select {
	case res := <-work.result:
		return res.batch, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resubmit moves an unresolved request from an expired batch into the open
// batch for its key, going through the same worker as first admissions so the
// open batch keeps its single writer and its capacity guards.
func (a *Aggregator) Resubmit(ctx context.Context, req *model.Request, fromBatchID string) (*model.Batch, error) {
	ctx, span := tracer.Start(ctx, "Resubmitting Request")
	defer span.End()

	work := admission{ctx: ctx, request: req, fromBatchID: fromBatchID, result: make(chan admissionResult, 1)}
	a.workerFor(model.BatchKey(req.Endpoint, req.Model)) <- work

	select {
	case res := <-work.result:
		return res.batch, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// workerFor returns the admission channel for a key, starting the worker
// goroutine on first use.
func (a *Aggregator) workerFor(key string) chan admission {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ch, ok := a.workers[key]; ok {
		return ch
	}
	ch := make(chan admission, 64)
	a.workers[key] = ch
	go a.run(ch)
	return ch
}

func (a *Aggregator) run(ch chan admission) {
	for work := range ch {
		batch, err := a.admit(work.ctx, work.request, work.fromBatchID)
		work.result <- admissionResult{batch: batch, err: err}
	}
}

// admit resolves the open batch and inserts the request. When the open batch
// is full, it is closed for upload and the admission is retried once against
// the fresh batch that takes its place. Resubmissions move an existing row
// instead of inserting one but pass through the same guards.
func (a *Aggregator) admit(ctx context.Context, req *model.Request, fromBatchID string) (*model.Batch, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	budget := a.service.capacity.BudgetFor(ctx, req.Model)
	if req.EstimatedTokens > budget.Limit {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			"Request alone exceeds the model token budget", nil)
	}

	for attempt := 0; attempt < 2; attempt++ {
		batch, err := a.service.datasource.FindOrCreateOpenBatch(ctx, req.Endpoint, req.Model)
		if err != nil {
			return nil, err
		}

		// The single writer per key makes this read-then-admit check safe:
		// nothing else grows this batch's token estimate concurrently.
		if batch.RequestCount > 0 && batch.EstimatedTokens+req.EstimatedTokens > budget.Limit {
			logrus.Infof("batch %s at token budget (%s), closing for upload", batch.BatchID, budget.Source)
			if closeErr := a.service.CloseBatchForUpload(ctx, batch.BatchID); closeErr != nil && !apierror.IsCode(closeErr, apierror.ErrInvalidTransition) {
				return nil, closeErr
			}
			continue
		}

		if fromBatchID == "" {
			err = a.service.datasource.AdmitRequest(ctx, batch.BatchID, req, cfg.Batch.MaxRequests, cfg.Batch.MaxSizeBytes)
		} else {
			err = a.service.datasource.ResubmitRequest(ctx, fromBatchID, batch.BatchID, req, cfg.Batch.MaxRequests, cfg.Batch.MaxSizeBytes)
		}
		if err == nil {
			return batch, nil
		}
		if !apierror.IsCode(err, apierror.ErrCapacity) {
			return nil, err
		}

		// The open batch is full. Close it for upload; the next iteration
		// creates a fresh one for this key.
		logrus.Infof("batch %s full, closing for upload", batch.BatchID)
		if closeErr := a.service.CloseBatchForUpload(ctx, batch.BatchID); closeErr != nil {
			// A concurrent close is fine; anything else is fatal for this
			// admission.
			if !apierror.IsCode(closeErr, apierror.ErrInvalidTransition) {
				return nil, closeErr
			}
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrCapacity, "Request could not be admitted after batch rollover", nil)
}
