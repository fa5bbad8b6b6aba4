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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
)

// Sweeper is the periodic janitor: it seals idle or aged open batches,
// requeues requests stuck mid-delivery and prunes terminal batches past the
// retention window.
type Sweeper struct {
	service        *Batchlane
	pollInterval   time.Duration
	idleThreshold  time.Duration
	maxBatchAge    time.Duration
	stuckThreshold time.Duration
	retention      time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewSweeper(service *Batchlane) *Sweeper {
	pollInterval := 60 * time.Second
	idleThreshold := 24 * time.Hour
	maxBatchAge := time.Hour
	retention := 30 * 24 * time.Hour

	cfg, err := config.Fetch()
	if err == nil {
		idleThreshold = time.Duration(cfg.Batch.IdleThresholdSec) * time.Second
		maxBatchAge = time.Duration(cfg.Batch.MaxAgeSec) * time.Second
		retention = time.Duration(cfg.Batch.RetentionDays) * 24 * time.Hour
	}

	return &Sweeper{
		service:        service,
		pollInterval:   pollInterval,
		idleThreshold:  idleThreshold,
		maxBatchAge:    maxBatchAge,
		stuckThreshold: time.Hour,
		retention:      retention,
		stopCh:         make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	logrus.Info("Sweeper started")
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logrus.Info("Sweeper stopped")
}

func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Sweeper context cancelled")
			return
		case <-s.stopCh:
			logrus.Info("Sweeper stop signal received")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Exposed for the manual trigger API endpoint.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sealIdleBatches(ctx)
	s.resumeStalledBatches(ctx)
	s.requeueStuckDeliveries(ctx)
	s.pruneExpiredBatches(ctx)
}

// sealIdleBatches closes open batches that have gone idle or exceeded the
// maximum building age, so a trickle of requests still ships within a
// bounded delay.
func (s *Sweeper) sealIdleBatches(ctx context.Context) {
	idle, err := s.service.datasource.GetIdleOpenBatches(ctx, s.idleThreshold, s.maxBatchAge)
	if err != nil {
		logrus.Errorf("failed to get idle open batches: %v", err)
		return
	}

	for _, batch := range idle {
		if batch.RequestCount == 0 {
			// Nothing to ship; an empty upload would be rejected upstream.
			if err := s.service.datasource.DeleteEmptyOpenBatch(ctx, batch.BatchID); err != nil {
				logrus.Errorf("failed to delete empty idle batch %s: %v", batch.BatchID, err)
			} else {
				logrus.Infof("deleted empty idle batch %s", batch.BatchID)
			}
			continue
		}
		if err := s.service.CloseBatchForUpload(ctx, batch.BatchID); err != nil {
			// A concurrent admission rollover may have sealed it already.
			if apierror.IsCode(err, apierror.ErrInvalidTransition) {
				continue
			}
			logrus.Errorf("failed to seal idle batch %s: %v", batch.BatchID, err)
			continue
		}
		logrus.Infof("sealed idle batch %s (%d requests)", batch.BatchID, batch.RequestCount)
	}
}

// resumeStalledBatches re-enqueues the pipeline stage for in-flight batches
// that have not moved within the stuck threshold. Their stage task was lost,
// to a crashed worker or an exhausted retry budget, and nothing else would
// touch them again. The task ID dedupes against a stage that is still live.
func (s *Sweeper) resumeStalledBatches(ctx context.Context) {
	batches, err := s.service.datasource.GetBatchesByStatus(ctx, []string{
		model.BatchStatusUploading, model.BatchStatusUploaded, model.BatchStatusPolling,
	})
	if err != nil {
		logrus.Errorf("failed to get in-flight batches: %v", err)
		return
	}

	cutoff := time.Now().Add(-s.stuckThreshold)
	for _, batch := range batches {
		if batch.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.service.queue.EnqueuePipelineStage(ctx, pipelineStageFor(batch.Status), batch, 0); err != nil {
			logrus.Errorf("failed to resume stalled batch %s at %s: %v", batch.BatchID, batch.Status, err)
			continue
		}
		logrus.Infof("resumed stalled batch %s at %s (idle since %s)",
			batch.BatchID, batch.Status, batch.UpdatedAt.Format(time.RFC3339))
	}
}

// requeueStuckDeliveries re-enqueues requests that entered delivering but
// whose dispatch task died before recording an outcome. The delivering edge
// permits re-entry, so the replay is a normal numbered attempt.
func (s *Sweeper) requeueStuckDeliveries(ctx context.Context) {
	stuck, err := s.service.datasource.GetStuckDeliveringRequests(ctx, s.stuckThreshold)
	if err != nil {
		logrus.Errorf("failed to get stuck delivering requests: %v", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	logrus.Infof("requeueing %d stuck deliveries (threshold=%v)", len(stuck), s.stuckThreshold)
	for _, req := range stuck {
		if err := s.service.queue.EnqueueDelivery(ctx, req.RequestID, req.DeliveryAttempts+1, 0); err != nil {
			logrus.Errorf("failed to requeue delivery for request %s: %v", req.RequestID, err)
		}
	}
}

// pruneExpiredBatches deletes terminal batches older than the retention
// window, taking their requests and audit trails with them.
func (s *Sweeper) pruneExpiredBatches(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	pruned, err := s.service.datasource.DeleteTerminalBatchesBefore(ctx, cutoff)
	if err != nil {
		logrus.Errorf("failed to prune terminal batches: %v", err)
		return
	}
	if pruned > 0 {
		logrus.Infof("pruned %d terminal batches older than %s", pruned, cutoff.Format(time.RFC3339))
	}
}

// ResumeInFlightBatches re-enqueues the pipeline stage matching each
// non-terminal batch's state. Called once at worker startup so batches
// sealed before a crash keep moving.
func (b *Batchlane) ResumeInFlightBatches(ctx context.Context) error {
	batches, err := b.datasource.GetBatchesByStatus(ctx, []string{
		model.BatchStatusUploading, model.BatchStatusUploaded, model.BatchStatusPolling,
	})
	if err != nil {
		return err
	}

	for _, batch := range batches {
		if err := b.queue.EnqueuePipelineStage(ctx, pipelineStageFor(batch.Status), batch, 0); err != nil {
			logrus.Errorf("failed to resume batch %s at %s: %v", batch.BatchID, batch.Status, err)
		}
	}
	if len(batches) > 0 {
		logrus.Infof("resumed %d in-flight batches", len(batches))
	}
	return nil
}

// pipelineStageFor maps an in-flight batch status to the task that advances
// it.
func pipelineStageFor(status string) string {
	switch status {
	case model.BatchStatusUploading:
		return TaskBuildUpload
	case model.BatchStatusUploaded:
		return TaskCreateJob
	default:
		return TaskPoll
	}
}
