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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/batchlane/batchlane"
	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/internal/apierror"
	redis_db "github.com/batchlane/batchlane/internal/redis-db"
	"github.com/batchlane/batchlane/model"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// handlePipelineStage adapts a batch pipeline method to an asynq handler.
// Stage handlers return errors for transient failures so asynq retries them;
// terminal failures are absorbed inside the stage itself.
func handlePipelineStage(name string, fn func(context.Context, string) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("batchlane.pipeline.worker").Start(ctx, name)
		defer span.End()

		var payload batchlane.PipelinePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logrus.Error(err)
			return err
		}
		return fn(ctx, payload.BatchID)
	}
}

// processAdmission admits a queued submission. Client errors (duplicate
// custom_id, bad input) are settled, not retried.
func (b *batchlaneInstance) processAdmission(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("batchlane.admission.worker").Start(ctx, "Admit Queued Submission")
	defer span.End()

	var req model.Request
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		logrus.Error(err)
		return err
	}

	_, _, err := b.service.SubmitRequest(ctx, &req)
	if apierror.IsCode(err, apierror.ErrConflict) || apierror.IsCode(err, apierror.ErrInvalidInput) {
		logrus.Warnf("dropping queued submission %s: %v", req.CustomID, err)
		return nil
	}
	return err
}

// processDelivery dispatches a processed request's result to its sink.
func (b *batchlaneInstance) processDelivery(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("batchlane.delivery.worker").Start(ctx, "Dispatch Result")
	defer span.End()

	var payload batchlane.DeliveryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	return b.service.DeliverRequest(ctx, payload.RequestID)
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *batchlaneInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(batchlane.TaskAdmit, b.processAdmission)
	mux.Handle(batchlane.TaskBuildUpload, handlePipelineStage("Build And Upload Batch", b.service.BuildAndUploadBatch))
	mux.Handle(batchlane.TaskCreateJob, handlePipelineStage("Create Remote Job", b.service.CreateRemoteJob))
	mux.Handle(batchlane.TaskPoll, handlePipelineStage("Poll Remote Job", b.service.PollBatch))
	mux.Handle(batchlane.TaskReconcile, handlePipelineStage("Reconcile Batch", b.service.ReconcileBatch))
	mux.HandleFunc(batchlane.TaskDeliver, b.processDelivery)
}

// workerCommands defines the "workers" command to start worker processes.
// The workers drive the upload, poll, reconcile and delivery queues, resume
// any batches that were mid-pipeline at the last shutdown and run the
// periodic sweeper.
func workerCommands(b *batchlaneInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start batchlane workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			queues := batchlane.PipelineQueueNames(conf)

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			if err := b.service.ResumeInFlightBatches(ctx); err != nil {
				log.Printf("Error resuming in-flight batches: %v", err)
			}

			sweeper := batchlane.NewSweeper(b.service)
			sweeper.Start(ctx)
			defer sweeper.Stop()

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
