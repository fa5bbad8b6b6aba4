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

package model

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	RequestStatusPending        = "pending"
	RequestStatusProcessing     = "processing"
	RequestStatusProcessed      = "processed"
	RequestStatusDelivering     = "delivering"
	RequestStatusDelivered      = "delivered"
	RequestStatusDeliveryFailed = "delivery_failed"
	RequestStatusFailed         = "failed"
	RequestStatusExpired        = "expired"
	RequestStatusCancelled      = "cancelled"
)

const (
	SinkWebhook = "webhook"
	SinkQueue   = "queue"
)

// DeliveryConfig describes the caller-chosen sink a finished request is
// delivered to. Exactly one sink type is used per request; the config is
// snapshotted on the request at admission time.
type DeliveryConfig struct {
	Type       string            `json:"type"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Queue      string            `json:"queue,omitempty"`
	Exchange   string            `json:"exchange,omitempty"`
	RoutingKey string            `json:"routing_key,omitempty"`
}

// Validate checks the sink description for the invariants the delivery
// subsystem depends on. An exchange requires a routing key and vice versa.
func (d *DeliveryConfig) Validate() error {
	switch d.Type {
	case SinkWebhook:
		if d.URL == "" {
			return errors.New("webhook delivery requires a url")
		}
	case SinkQueue:
		if d.Queue == "" && d.Exchange == "" {
			return errors.New("queue delivery requires a queue or an exchange")
		}
		if (d.Exchange == "") != (d.RoutingKey == "") {
			return errors.New("exchange and routing_key must be set together")
		}
	default:
		return errors.New("delivery type must be webhook or queue")
	}
	return nil
}

// Request is one caller-submitted work item, owned by exactly one batch for
// its whole life. CustomID is the caller-supplied global deduplication key.
type Request struct {
	RequestID        string          `json:"request_id"`
	BatchID          string          `json:"batch_id"`
	CustomID         string          `json:"custom_id"`
	Endpoint         string          `json:"endpoint"`
	Model            string          `json:"model"`
	Payload          json.RawMessage `json:"payload"`
	PayloadSize      int64           `json:"payload_size"`
	EstimatedTokens  int64           `json:"estimated_tokens"`
	Status           string          `json:"status"`
	Response         json.RawMessage `json:"response,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Delivery         DeliveryConfig  `json:"delivery"`
	DeliveryAttempts int             `json:"delivery_attempts"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// DeliveryAttempt is one append-only audit record of a delivery try.
// AttemptNumber is strictly increasing per request with no gaps.
type DeliveryAttempt struct {
	AttemptID     string         `json:"attempt_id"`
	RequestID     string         `json:"request_id"`
	AttemptNumber int            `json:"attempt_number"`
	Success       bool           `json:"success"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Sink          DeliveryConfig `json:"sink"`
	CreatedAt     time.Time      `json:"created_at"`
}

// IsTerminal reports whether the request is in a terminal state.
func (r *Request) IsTerminal() bool {
	return IsTerminalRequestStatus(r.Status)
}
