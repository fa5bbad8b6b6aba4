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
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/batchlane/batchlane/internal/apierror"
)

// GetAllBatches lists batches with pagination, optionally filtered by status.
//
// Query parameters:
// - limit: Maximum number of batches to return (default 50).
// - offset: Number of batches to skip (default 0).
// - status: Optional status filter.
func (a Api) GetAllBatches(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	batches, err := a.service.GetAllBatches(c.Request.Context(), limit, offset, c.Query("status"))
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, batches)
}

// GetBatch retrieves a single batch by ID.
func (a Api) GetBatch(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	batch, err := a.service.GetBatch(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, batch)
}

// GetBatchRequests lists the requests of a batch with pagination.
func (a Api) GetBatchRequests(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	requests, err := a.service.GetBatchRequests(c.Request.Context(), id, limit, offset)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, requests)
}

// GetBatchTransitions retrieves the ordered audit trail of a batch.
func (a Api) GetBatchTransitions(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if _, err := a.service.GetBatch(c.Request.Context(), id); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	transitions, err := a.service.GetBatchTransitions(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, transitions)
}

// GetBatchUsage returns the per-status request counts of a batch.
func (a Api) GetBatchUsage(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	counts, err := a.service.GetBatchUsage(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"batch_id": id, "request_counts": counts})
}

// CloseBatch seals an open batch so it ships without waiting for the idle
// threshold. The batch enters the upload pipeline immediately.
//
// Responses:
// - 400 Bad Request: If the batch is not in a sealable state.
// - 202 Accepted: If the batch is sealed and queued for upload.
func (a Api) CloseBatch(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if err := a.service.CloseBatchForUpload(c.Request.Context(), id); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"batch_id": id, "status": "uploading"})
}

// CancelBatch cancels a batch and its unresolved requests, asking the
// upstream provider to cancel the remote job when one exists.
func (a Api) CancelBatch(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	batch, err := a.service.CancelBatch(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, batch)
}

// DeleteBatch removes a terminal batch and its audit trail. Batches still in
// flight cannot be deleted; cancel them first.
func (a Api) DeleteBatch(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if err := a.service.DeleteBatch(c.Request.Context(), id); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "batch deleted", "batch_id": id})
}

// TriggerSweep runs one sweep pass on demand instead of waiting for the
// next ticker interval.
func (a Api) TriggerSweep(c *gin.Context) {
	a.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": "sweep completed"})
}
