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
	"testing"

	"github.com/stretchr/testify/assert"
)

func validSubmit() SubmitRequest {
	return SubmitRequest{
		CustomID: "cust-1",
		Endpoint: "/v1/chat/completions",
		Model:    "gpt-4o-mini",
		Payload:  json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`),
		Delivery: DeliverySinkConfig{Type: "webhook", URL: "https://example.com/hook"},
	}
}

func TestValidateSubmitRequest(t *testing.T) {
	r := validSubmit()
	assert.NoError(t, r.ValidateSubmitRequest())
}

func TestValidateSubmitRequest_MissingFields(t *testing.T) {
	r := validSubmit()
	r.CustomID = ""
	assert.Error(t, r.ValidateSubmitRequest())

	r = validSubmit()
	r.Model = ""
	assert.Error(t, r.ValidateSubmitRequest())

	r = validSubmit()
	r.Payload = nil
	assert.Error(t, r.ValidateSubmitRequest())
}

func TestValidateSubmitRequest_InvalidPayload(t *testing.T) {
	r := validSubmit()
	r.Payload = json.RawMessage(`{"messages":`)
	assert.Error(t, r.ValidateSubmitRequest())
}

func TestValidateSubmitRequest_InvalidSink(t *testing.T) {
	r := validSubmit()
	r.Delivery = DeliverySinkConfig{Type: "webhook"}
	assert.Error(t, r.ValidateSubmitRequest())

	r = validSubmit()
	r.Delivery = DeliverySinkConfig{Type: "queue", Exchange: "results"}
	assert.Error(t, r.ValidateSubmitRequest())

	r = validSubmit()
	r.Delivery = DeliverySinkConfig{Type: "queue", Queue: "results"}
	assert.NoError(t, r.ValidateSubmitRequest())
}

func TestValidateCreateCapacityOverride(t *testing.T) {
	o := CreateCapacityOverride{ModelPrefix: "gpt-4o", TokenLimit: 100_000}
	assert.NoError(t, o.ValidateCreateCapacityOverride())

	o = CreateCapacityOverride{TokenLimit: 100_000}
	assert.Error(t, o.ValidateCreateCapacityOverride())

	o = CreateCapacityOverride{ModelPrefix: "gpt-4o"}
	assert.Error(t, o.ValidateCreateCapacityOverride())
}

func TestToRequestCarriesSink(t *testing.T) {
	r := validSubmit()
	req := r.ToRequest()
	assert.Equal(t, "cust-1", req.CustomID)
	assert.Equal(t, "webhook", req.Delivery.Type)
	assert.Equal(t, "https://example.com/hook", req.Delivery.URL)
}
