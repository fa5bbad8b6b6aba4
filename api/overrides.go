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

// CreateCapacityOverride registers an operator token budget for a model
// prefix. An existing override for the same prefix is replaced.
func (a Api) CreateCapacityOverride(c *gin.Context) {
	var newOverride model2.CreateCapacityOverride
	if err := c.ShouldBindJSON(&newOverride); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := newOverride.ValidateCreateCapacityOverride(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	override, err := a.service.CreateCapacityOverride(c.Request.Context(), newOverride.ToOverride())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, override)
}

// GetCapacityOverrides lists all operator token budget overrides.
func (a Api) GetCapacityOverrides(c *gin.Context) {
	overrides, err := a.service.GetCapacityOverrides(c.Request.Context())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, overrides)
}

// DeleteCapacityOverride removes an operator token budget override.
func (a Api) DeleteCapacityOverride(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if err := a.service.DeleteCapacityOverride(c.Request.Context(), id); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "capacity override deleted"})
}
