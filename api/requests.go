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
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/batchlane/batchlane/api/model"
	"github.com/batchlane/batchlane/internal/apierror"
)

// SubmitRequest handles the admission of a new request into an open batch.
// It binds the incoming JSON to a SubmitRequest object, validates it, and
// hands it to the aggregator. The response carries the generated request ID
// and the batch the request landed in.
//
// Responses:
// - 422 Unprocessable Entity: If validation fails.
// - 409 Conflict: If the custom_id has been seen before.
// - 429 Too Many Requests: If the request cannot fit any batch.
// - 202 Accepted: If the request is admitted.
func (a Api) SubmitRequest(c *gin.Context) {
	var newRequest model2.SubmitRequest
	if err := c.ShouldBindJSON(&newRequest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := newRequest.ValidateSubmitRequest(); err != nil {
		apiErr := apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
		c.JSON(apierror.MapErrorToHTTPStatus(apiErr), gin.H{"error": apiErr.Error()})
		return
	}

	req, batch, err := a.service.SubmitRequest(c.Request.Context(), newRequest.ToRequest())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"request_id":       req.RequestID,
		"custom_id":        req.CustomID,
		"batch_id":         batch.BatchID,
		"status":           req.Status,
		"estimated_tokens": req.EstimatedTokens,
	})
}

// QueueRequest accepts a submission for asynchronous admission. Validation
// errors surface synchronously; the admission itself happens in a worker, so
// the response carries no request or batch ID. Re-publishing the same
// custom_id before the worker has admitted it is a no-op.
func (a Api) QueueRequest(c *gin.Context) {
	var newRequest model2.SubmitRequest
	if err := c.ShouldBindJSON(&newRequest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := newRequest.ValidateSubmitRequest(); err != nil {
		apiErr := apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
		c.JSON(apierror.MapErrorToHTTPStatus(apiErr), gin.H{"error": apiErr.Error()})
		return
	}

	if err := a.service.QueueSubmission(c.Request.Context(), newRequest.ToRequest()); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"custom_id": newRequest.CustomID,
		"status":    "queued",
	})
}

// GetRequest retrieves a single request by ID.
func (a Api) GetRequest(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	req, err := a.service.GetRequest(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, req)
}

// GetRequestTransitions retrieves the ordered audit trail of a request.
func (a Api) GetRequestTransitions(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if _, err := a.service.GetRequest(c.Request.Context(), id); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	transitions, err := a.service.GetRequestTransitions(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, transitions)
}

// GetDeliveryAttempts retrieves the delivery attempt history of a request.
func (a Api) GetDeliveryAttempts(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if _, err := a.service.GetRequest(c.Request.Context(), id); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	attempts, err := a.service.GetDeliveryAttempts(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, attempts)
}

// CancelRequest cancels a request that is still pending in its batch.
//
// Responses:
// - 400 Bad Request: If the request has already progressed past admission.
// - 200 OK: If the request is cancelled.
func (a Api) CancelRequest(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	req, err := a.service.CancelRequest(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, req)
}
