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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/internal/notification"
	"github.com/batchlane/batchlane/model"
	"github.com/batchlane/batchlane/provider"
)

// inputLine is one line of the JSONL file submitted to the upstream API. The
// custom_id carries our request ID so results map back without a join.
type inputLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// resultLine is one line of an upstream output or error file.
type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CloseBatchForUpload seals an open batch and hands it to the pipeline. The
// building→uploading transition is the point after which no admission can
// touch the batch.
func (b *Batchlane) CloseBatchForUpload(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "Closing Batch For Upload")
	defer span.End()

	batch, err := b.datasource.TransitionBatch(ctx, batchID, model.BatchStatusUploading)
	if err != nil {
		return err
	}
	return b.queue.EnqueuePipelineStage(ctx, TaskBuildUpload, batch, 0)
}

// BuildAndUploadBatch serializes a sealed batch's requests into a JSONL
// scratch file and uploads it. Requests move pending→processing first, so a
// crash mid-upload leaves them in a state the sweeper can see.
func (b *Batchlane) BuildAndUploadBatch(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "Building And Uploading Batch")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	batch, err := b.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != model.BatchStatusUploading {
		logrus.Infof("batch %s is %s, skipping upload", batchID, batch.Status)
		return nil
	}

	if _, err := b.datasource.BulkTransitionRequests(ctx, batchID, model.RequestStatusPending, model.RequestStatusProcessing); err != nil {
		return err
	}

	// Local build errors are transient (a database read, a full scratch disk);
	// returning them lets the task queue run the stage again. Only a definitive
	// upstream rejection fails the batch.
	scratchPath := filepath.Join(cfg.Batch.ScratchDir, fmt.Sprintf("%s.jsonl", batchID))
	if err := b.writeInputFile(ctx, batch, scratchPath, cfg.Batch.ReconcileChunkSize); err != nil {
		_ = os.Remove(scratchPath)
		return err
	}
	defer func() {
		_ = os.Remove(scratchPath)
	}()

	f, err := os.Open(scratchPath)
	if err != nil {
		return err
	}
	defer f.Close()

	file, err := b.provider.UploadFile(ctx, filepath.Base(scratchPath), f)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrBadRequest) {
			return b.failBatch(ctx, batch, fmt.Sprintf("upload rejected: %v", err))
		}
		// Transient after retries; let the task queue run the stage again.
		return err
	}

	if err := b.datasource.SetBatchUploaded(ctx, batchID, file.ID); err != nil {
		return err
	}
	batch, err = b.datasource.TransitionBatch(ctx, batchID, model.BatchStatusUploaded)
	if err != nil {
		return err
	}
	return b.queue.EnqueuePipelineStage(ctx, TaskCreateJob, batch, 0)
}

// writeInputFile streams the batch's requests into a JSONL file in admission
// order, one chunk at a time.
func (b *Batchlane) writeInputFile(ctx context.Context, batch *model.Batch, path string, chunkSize int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for offset := 0; ; offset += chunkSize {
		requests, err := b.datasource.GetRequestsByBatch(ctx, batch.BatchID, chunkSize, offset)
		if err != nil {
			return err
		}
		if len(requests) == 0 {
			break
		}
		for _, req := range requests {
			line, err := json.Marshal(inputLine{
				CustomID: req.RequestID,
				Method:   "POST",
				URL:      req.Endpoint,
				Body:     req.Payload,
			})
			if err != nil {
				return err
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		if len(requests) < chunkSize {
			break
		}
	}
	return w.Flush()
}

// CreateRemoteJob submits an uploaded batch to the upstream API. A capacity
// rejection reschedules the stage after the controller's backoff instead of
// burning task retries.
func (b *Batchlane) CreateRemoteJob(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "Creating Remote Job")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	batch, err := b.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != model.BatchStatusUploaded {
		logrus.Infof("batch %s is %s, skipping job creation", batchID, batch.Status)
		return nil
	}

	remote, err := b.provider.CreateBatch(ctx, batch.InputFileID, batch.Endpoint, cfg.Provider.CompletionWindow)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrCapacity) {
			delay := b.capacity.OnCapacityRejection(batch.Model)
			logrus.Warnf("provider capacity rejection for model %s, retrying batch %s in %s", batch.Model, batchID, delay)
			return b.queue.EnqueuePipelineStage(ctx, TaskCreateJob, batch, delay)
		}
		if apierror.IsCode(err, apierror.ErrBadRequest) {
			return b.failBatch(ctx, batch, fmt.Sprintf("job creation rejected: %v", err))
		}
		return err
	}
	b.capacity.OnAccepted(batch.Model)

	expiresAt := time.Unix(remote.ExpiresAt, 0)
	if remote.ExpiresAt == 0 {
		expiresAt = time.Now().Add(24 * time.Hour)
	}
	if err := b.datasource.SetBatchSubmitted(ctx, batchID, remote.ID, expiresAt); err != nil {
		return err
	}
	batch, err = b.datasource.TransitionBatch(ctx, batchID, model.BatchStatusPolling)
	if err != nil {
		return err
	}
	return b.queue.EnqueuePipelineStage(ctx, TaskPoll, batch, time.Duration(cfg.Batch.PollIntervalSec)*time.Second)
}

// PollBatch checks a submitted batch's remote state and advances the local
// state machine accordingly.
func (b *Batchlane) PollBatch(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "Polling Batch")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	batch, err := b.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != model.BatchStatusPolling {
		logrus.Infof("batch %s is %s, skipping poll", batchID, batch.Status)
		return nil
	}

	remote, err := b.provider.GetBatch(ctx, batch.RemoteJobID)
	if err != nil {
		return err
	}
	if err := b.datasource.TouchBatchPolled(ctx, batchID); err != nil {
		return err
	}

	switch remote.Status {
	case provider.JobStatusValidating, provider.JobStatusInProgress, provider.JobStatusFinalizing, provider.JobStatusCancelling:
		return b.queue.EnqueuePipelineStage(ctx, TaskPoll, batch, time.Duration(cfg.Batch.PollIntervalSec)*time.Second)

	case provider.JobStatusCompleted:
		if err := b.datasource.SetBatchResults(ctx, batchID, remote.OutputFileID, remote.ErrorFileID); err != nil {
			return err
		}
		return b.queue.EnqueuePipelineStage(ctx, TaskReconcile, batch, 0)

	case provider.JobStatusExpired:
		if err := b.datasource.SetBatchResults(ctx, batchID, remote.OutputFileID, remote.ErrorFileID); err != nil {
			return err
		}
		return b.handleExpiredBatch(ctx, batch)

	case provider.JobStatusFailed:
		notification.NotifyError(fmt.Errorf("batch %s failed upstream", batchID))
		if _, err := b.datasource.BulkTransitionRequests(ctx, batchID, model.RequestStatusProcessing, model.RequestStatusFailed); err != nil {
			return err
		}
		if err := b.datasource.SetBatchError(ctx, batchID, "remote job failed"); err != nil {
			return err
		}
		_, err := b.datasource.TransitionBatch(ctx, batchID, model.BatchStatusFailed)
		return err

	case provider.JobStatusCancelled:
		if _, err := b.datasource.BulkTransitionRequests(ctx, batchID, model.RequestStatusProcessing, model.RequestStatusCancelled); err != nil {
			return err
		}
		_, err := b.datasource.TransitionBatch(ctx, batchID, model.BatchStatusCancelled)
		return err

	default:
		logrus.Warnf("batch %s reported unknown remote status %q, polling again", batchID, remote.Status)
		return b.queue.EnqueuePipelineStage(ctx, TaskPoll, batch, time.Duration(cfg.Batch.PollIntervalSec)*time.Second)
	}
}

// ReconcileBatch downloads the result files of a completed batch, stores the
// per-request outcomes and schedules delivery. Requests the upstream answered
// in neither file are marked failed. The batch reaches completed only after
// every request is accounted for.
func (b *Batchlane) ReconcileBatch(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "Reconciling Batch")
	defer span.End()

	batch, err := b.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != model.BatchStatusPolling {
		logrus.Infof("batch %s is %s, skipping reconciliation", batchID, batch.Status)
		return nil
	}

	if err := b.applyResultFiles(ctx, batch); err != nil {
		return err
	}

	// Anything still processing was silently dropped by the upstream.
	dropped, err := b.datasource.BulkTransitionRequests(ctx, batchID, model.RequestStatusProcessing, model.RequestStatusFailed)
	if err != nil {
		return err
	}
	for _, requestID := range dropped {
		if err := b.datasource.SetRequestResult(ctx, requestID, nil, model.RequestStatusFailed, "missing from provider results"); err != nil {
			logrus.Errorf("marking dropped request %s: %v", requestID, err)
		}
	}
	if len(dropped) > 0 {
		logrus.Warnf("batch %s: %d requests missing from provider results", batchID, len(dropped))
	}

	if _, err := b.datasource.TransitionBatch(ctx, batchID, model.BatchStatusCompleted); err != nil {
		return err
	}

	// The input file has served its purpose.
	if batch.InputFileID != "" {
		if err := b.provider.DeleteFile(ctx, batch.InputFileID); err != nil {
			logrus.Warnf("deleting input file %s: %v", batch.InputFileID, err)
		}
	}
	return nil
}

// applyResultFiles streams the output and error files, recording each line's
// outcome on its request.
func (b *Batchlane) applyResultFiles(ctx context.Context, batch *model.Batch) error {
	if batch.OutputFileID != "" {
		if err := b.streamResultFile(ctx, batch.OutputFileID, func(line resultLine) error {
			return b.applyResult(ctx, line)
		}); err != nil {
			return err
		}
	}
	if batch.ErrorFileID != "" {
		if err := b.streamResultFile(ctx, batch.ErrorFileID, func(line resultLine) error {
			return b.applyResult(ctx, line)
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyResult records one result line. A 2xx body makes the request
// processed and queues its delivery; anything else fails it. Lines for
// requests no longer in processing are skipped, which makes reconciliation
// safe to run twice.
func (b *Batchlane) applyResult(ctx context.Context, line resultLine) error {
	req, err := b.datasource.GetRequest(ctx, line.CustomID)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrNotFound) {
			logrus.Warnf("result line for unknown request %s, skipping", line.CustomID)
			return nil
		}
		return err
	}
	if req.Status != model.RequestStatusProcessing {
		return nil
	}

	if line.Response != nil && line.Response.StatusCode >= 200 && line.Response.StatusCode < 300 {
		if err := b.datasource.SetRequestResult(ctx, req.RequestID, line.Response.Body, model.RequestStatusProcessed, ""); err != nil {
			return err
		}
		return b.queue.EnqueueDelivery(ctx, req.RequestID, req.DeliveryAttempts+1, 0)
	}

	message := "provider returned an error"
	if line.Error != nil && line.Error.Message != "" {
		message = line.Error.Message
	} else if line.Response != nil {
		message = fmt.Sprintf("provider returned status %d", line.Response.StatusCode)
	}
	var body json.RawMessage
	if line.Response != nil {
		body = line.Response.Body
	}
	return b.datasource.SetRequestResult(ctx, req.RequestID, body, model.RequestStatusFailed, message)
}

// streamResultFile downloads a result file to scratch and feeds it line by
// line to apply.
func (b *Batchlane) streamResultFile(ctx context.Context, fileID string, apply func(resultLine) error) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.Batch.ScratchDir, fmt.Sprintf("%s.jsonl", fileID))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		_ = os.Remove(path)
	}()

	if err := b.provider.DownloadFile(ctx, fileID, f); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line resultLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			logrus.Errorf("malformed result line in file %s: %v", fileID, err)
			continue
		}
		if err := apply(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// handleExpiredBatch salvages what the upstream finished before the window
// closed and moves the unresolved remainder into a fresh open batch,
// preserving request and custom IDs.
func (b *Batchlane) handleExpiredBatch(ctx context.Context, batch *model.Batch) error {
	ctx, span := tracer.Start(ctx, "Handling Expired Batch")
	defer span.End()

	if err := b.applyResultFiles(ctx, batch); err != nil {
		return err
	}

	unresolved, err := b.datasource.GetRequestsByBatchAndStatus(ctx, batch.BatchID, []string{model.RequestStatusProcessing})
	if err != nil {
		return err
	}

	// Each request goes back through the aggregator so resubmission honors
	// the open batch's count, size and token guards, rolling over to a fresh
	// batch when it fills. A failure here leaves the rest in processing; the
	// task retry picks them up again.
	for _, req := range unresolved {
		fresh, err := b.aggregator.Resubmit(ctx, req, batch.BatchID)
		if err != nil {
			return err
		}
		logrus.Infof("batch %s expired, resubmitted request %s into batch %s", batch.BatchID, req.RequestID, fresh.BatchID)
	}

	_, err = b.datasource.TransitionBatch(ctx, batch.BatchID, model.BatchStatusExpired)
	return err
}

// CancelBatch cancels a batch from any non-terminal state, propagating the
// cancellation upstream when a remote job exists. Cancelling a batch that is
// already terminal is a no-op and returns the batch unchanged.
func (b *Batchlane) CancelBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	ctx, span := tracer.Start(ctx, "Cancelling Batch")
	defer span.End()

	batch, err := b.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.IsTerminal() {
		return batch, nil
	}

	if batch.Status == model.BatchStatusPolling && batch.RemoteJobID != "" {
		if _, err := b.provider.CancelBatch(ctx, batch.RemoteJobID); err != nil {
			logrus.Warnf("upstream cancel for batch %s: %v", batchID, err)
		}
	}

	for _, from := range []string{model.RequestStatusPending, model.RequestStatusProcessing} {
		if _, err := b.datasource.BulkTransitionRequests(ctx, batchID, from, model.RequestStatusCancelled); err != nil {
			return nil, err
		}
	}
	return b.datasource.TransitionBatch(ctx, batchID, model.BatchStatusCancelled)
}

// failBatch moves a batch and its in-flight requests to failed, recording the
// reason. By the time a batch can fail its requests are already processing;
// the pending→processing move is the first pipeline step.
func (b *Batchlane) failBatch(ctx context.Context, batch *model.Batch, message string) error {
	notification.NotifyError(fmt.Errorf("batch %s failed: %s", batch.BatchID, message))

	if _, err := b.datasource.BulkTransitionRequests(ctx, batch.BatchID, model.RequestStatusProcessing, model.RequestStatusFailed); err != nil {
		return err
	}
	if err := b.datasource.SetBatchError(ctx, batch.BatchID, message); err != nil {
		return err
	}
	_, err := b.datasource.TransitionBatch(ctx, batch.BatchID, model.BatchStatusFailed)
	return err
}
