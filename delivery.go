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
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/internal/notification"
	"github.com/batchlane/batchlane/internal/request"
	"github.com/batchlane/batchlane/model"
)

// DeliveryEnvelope is the body sent to the caller's sink when a request
// finishes.
type DeliveryEnvelope struct {
	RequestID   string          `json:"request_id"`
	CustomID    string          `json:"custom_id"`
	BatchID     string          `json:"batch_id"`
	Status      string          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	DeliveredAt time.Time       `json:"delivered_at"`
}

// DeliverRequest pushes one finished request's result to its configured sink.
// Every try is recorded as a numbered attempt before its outcome decides the
// next transition: delivered on success, a delayed retry while budget
// remains, delivery_failed once it runs out. The sink sees at-least-once
// semantics; a crash between send and record replays the attempt.
func (b *Batchlane) DeliverRequest(ctx context.Context, requestID string) error {
	ctx, span := tracer.Start(ctx, "Delivering Request")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	req, err := b.datasource.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	switch req.Status {
	case model.RequestStatusProcessed, model.RequestStatusDelivering:
		if _, err := b.datasource.TransitionRequest(ctx, requestID, model.RequestStatusDelivering); err != nil {
			return err
		}
	default:
		logrus.Infof("request %s is %s, skipping delivery", requestID, req.Status)
		return nil
	}

	sendErr := b.sendToSink(ctx, req, cfg)

	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	attempt, err := b.datasource.RecordDeliveryAttempt(ctx, requestID, sendErr == nil, errMsg, req.Delivery)
	if err != nil {
		return err
	}

	if sendErr == nil {
		_, err := b.datasource.TransitionRequest(ctx, requestID, model.RequestStatusDelivered)
		return err
	}

	logrus.Warnf("delivery attempt %d for request %s failed: %v", attempt.AttemptNumber, requestID, sendErr)
	if cfg.Delivery.RetryEnabled && attempt.AttemptNumber < cfg.Delivery.MaxRetries {
		delay := deliveryBackoff(attempt.AttemptNumber)
		return b.queue.EnqueueDelivery(ctx, requestID, attempt.AttemptNumber+1, delay)
	}

	notification.NotifyError(fmt.Errorf("request %s exhausted delivery attempts: %v", requestID, sendErr))
	_, err = b.datasource.TransitionRequest(ctx, requestID, model.RequestStatusDeliveryFailed)
	return err
}

// sendToSink dispatches the result envelope to the request's configured sink.
func (b *Batchlane) sendToSink(ctx context.Context, req *model.Request, cfg *config.Configuration) error {
	envelope := DeliveryEnvelope{
		RequestID:   req.RequestID,
		CustomID:    req.CustomID,
		BatchID:     req.BatchID,
		Status:      req.Status,
		Response:    req.Response,
		Error:       req.ErrorMessage,
		Attempt:     req.DeliveryAttempts + 1,
		DeliveredAt: time.Now(),
	}

	switch req.Delivery.Type {
	case model.SinkWebhook:
		return b.sendWebhook(req.Delivery, envelope)
	case model.SinkQueue:
		return b.sendAMQP(ctx, cfg, req.Delivery, envelope)
	default:
		return fmt.Errorf("unknown delivery sink type %q", req.Delivery.Type)
	}
}

// sendWebhook POSTs the envelope to the configured URL. Any non-2xx status is
// a failed attempt.
func (b *Batchlane) sendWebhook(sink model.DeliveryConfig, envelope DeliveryEnvelope) error {
	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range sink.Headers {
		headers[k] = v
	}

	payload, err := request.ToJsonReq(&envelope)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, sink.URL, payload)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sendAMQP publishes the envelope to the configured queue or exchange. The
// connection is per-attempt; delivery volume is bounded by batch completion,
// not request throughput.
func (b *Batchlane) sendAMQP(ctx context.Context, cfg *config.Configuration, sink model.DeliveryConfig, envelope DeliveryEnvelope) error {
	if cfg.Delivery.AmqpDns == "" {
		return fmt.Errorf("queue delivery requested but no AMQP DNS configured")
	}

	conn, err := amqp.Dial(cfg.Delivery.AmqpDns)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	exchange := sink.Exchange
	routingKey := sink.RoutingKey
	if exchange == "" {
		// Direct-to-queue publish through the default exchange.
		if _, err := ch.QueueDeclare(sink.Queue, true, false, false, false, nil); err != nil {
			return err
		}
		routingKey = sink.Queue
	}

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.RequestID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// deliveryBackoff returns the delay before the given attempt number retries.
func deliveryBackoff(attemptNumber int) time.Duration {
	delay := time.Duration(1<<attemptNumber) * 30 * time.Second
	if delay > 30*time.Minute {
		delay = 30 * time.Minute
	}
	return delay
}
