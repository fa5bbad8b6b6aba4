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
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/batchlane/batchlane/config"
	redis_db "github.com/batchlane/batchlane/internal/redis-db"
	"github.com/batchlane/batchlane/model"
	"github.com/hibiken/asynq"
)

// Pipeline task types. Each batch moves through these in order; the handler
// for one stage enqueues the next.
const (
	TaskAdmit       = "admission:submit"
	TaskBuildUpload = "pipeline:build_upload"
	TaskCreateJob   = "pipeline:create_job"
	TaskPoll        = "pipeline:poll"
	TaskReconcile   = "pipeline:reconcile"
	TaskDeliver     = "delivery:dispatch"
)

// PipelinePayload is the task payload for all pipeline stages.
type PipelinePayload struct {
	BatchID string `json:"batch_id"`
}

// DeliveryPayload is the task payload for delivery dispatch.
type DeliveryPayload struct {
	RequestID string `json:"request_id"`
	Attempt   int    `json:"attempt"`
}

// Queue wraps the Redis-backed task queue used for the pipeline stages and
// result delivery.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueuePipelineStage enqueues a pipeline stage for a batch, optionally
// delayed. Batches are sharded across pipeline queues by their admission key
// so all stages of one batch run serially in the same queue, which keeps a
// batch from being uploaded twice by concurrent workers.
func (q *Queue) EnqueuePipelineStage(ctx context.Context, taskType string, batch *model.Batch, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Enqueueing Pipeline Stage")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(PipelinePayload{BatchID: batch.BatchID})
	if err != nil {
		return err
	}

	queueIndex := hashQueueKey(model.BatchKey(batch.Endpoint, batch.Model)) % cfg.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cfg.Queue.PipelineQueue, queueIndex+1)

	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s:%s", taskType, batch.BatchID)),
		asynq.Queue(queueName),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	if delay > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(taskType, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// The stage is already queued for this batch.
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued %s for batch: %s", taskType, batch.BatchID)
	return nil
}

// EnqueueDelivery enqueues a delivery dispatch for a processed request. The
// task ID carries the attempt number so a retry never collides with the task
// that scheduled it.
func (q *Queue) EnqueueDelivery(ctx context.Context, requestID string, attempt int, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Enqueueing Delivery")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(DeliveryPayload{RequestID: requestID, Attempt: attempt})
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s:%s:%d", TaskDeliver, requestID, attempt)),
		asynq.Queue(cfg.Queue.DeliveryQueue),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	if delay > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(TaskDeliver, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued delivery for request: %s attempt %d", requestID, attempt)
	return nil
}

// EnqueueAdmission queues a validated submission for asynchronous admission.
// The task ID carries the custom ID so a producer retrying its publish cannot
// admit the same submission twice.
func (q *Queue) EnqueueAdmission(ctx context.Context, req *model.Request) error {
	ctx, span := tracer.Start(ctx, "Enqueueing Admission")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskAdmit, payload,
		asynq.TaskID(fmt.Sprintf("%s:%s", TaskAdmit, req.CustomID)),
		asynq.Queue(cfg.Queue.AdmissionQueue),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued admission for custom_id: %s", req.CustomID)
	return nil
}

// PipelineQueueNames lists the sharded pipeline queues plus the admission and
// delivery queues, for wiring the worker server.
func PipelineQueueNames(cfg *config.Configuration) map[string]int {
	queues := map[string]int{
		cfg.Queue.AdmissionQueue: 1,
		cfg.Queue.DeliveryQueue:  1,
	}
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queues[fmt.Sprintf("%s_%d", cfg.Queue.PipelineQueue, i)] = 1
	}
	return queues
}

// hashQueueKey returns a consistent hash value for a queue sharding key.
func hashQueueKey(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32())
}
