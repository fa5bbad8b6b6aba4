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

	"github.com/batchlane/batchlane/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// SubmitRequest is the admission payload for a single work item.
type SubmitRequest struct {
	CustomID string             `json:"custom_id"`
	Endpoint string             `json:"endpoint"`
	Model    string             `json:"model"`
	Payload  json.RawMessage    `json:"payload"`
	Delivery DeliverySinkConfig `json:"delivery"`
}

// DeliverySinkConfig mirrors the sink description accepted at admission.
type DeliverySinkConfig struct {
	Type       string            `json:"type"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Queue      string            `json:"queue,omitempty"`
	Exchange   string            `json:"exchange,omitempty"`
	RoutingKey string            `json:"routing_key,omitempty"`
}

// CreateCapacityOverride is the payload for an operator token budget.
type CreateCapacityOverride struct {
	ModelPrefix string `json:"model_prefix"`
	TokenLimit  int64  `json:"token_limit"`
}

func (r *SubmitRequest) ValidateSubmitRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.CustomID, validation.Required),
		validation.Field(&r.Endpoint, validation.Required),
		validation.Field(&r.Model, validation.Required),
		validation.Field(&r.Payload, validation.Required, validation.By(func(value interface{}) error {
			payload, ok := value.(json.RawMessage)
			if !ok || !json.Valid(payload) {
				return errors.New("payload must be a valid JSON object")
			}
			return nil
		})),
		validation.Field(&r.Delivery, validation.Required, validation.By(func(value interface{}) error {
			sink, ok := value.(DeliverySinkConfig)
			if !ok {
				return errors.New("invalid delivery config")
			}
			cfg := sink.toDeliveryConfig()
			return cfg.Validate()
		})),
	)
}

func (o *CreateCapacityOverride) ValidateCreateCapacityOverride() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.ModelPrefix, validation.Required),
		validation.Field(&o.TokenLimit, validation.Required, validation.Min(int64(1))),
	)
}

// ToRequest converts the admission payload to a service request.
func (r *SubmitRequest) ToRequest() *model.Request {
	return &model.Request{
		CustomID: r.CustomID,
		Endpoint: r.Endpoint,
		Model:    r.Model,
		Payload:  r.Payload,
		Delivery: r.Delivery.toDeliveryConfig(),
	}
}

// ToOverride converts the override payload to a service override.
func (o *CreateCapacityOverride) ToOverride() model.ModelCapacityOverride {
	return model.ModelCapacityOverride{
		ModelPrefix: o.ModelPrefix,
		TokenLimit:  o.TokenLimit,
	}
}

func (d DeliverySinkConfig) toDeliveryConfig() model.DeliveryConfig {
	return model.DeliveryConfig{
		Type:       d.Type,
		URL:        d.URL,
		Headers:    d.Headers,
		Queue:      d.Queue,
		Exchange:   d.Exchange,
		RoutingKey: d.RoutingKey,
	}
}
