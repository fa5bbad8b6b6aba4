package api

import (
	"github.com/batchlane/batchlane"
	"github.com/batchlane/batchlane/api/middleware"
	"github.com/batchlane/batchlane/config"

	"github.com/gin-gonic/gin"
)

type Api struct {
	service *batchlane.Batchlane
	sweeper *batchlane.Sweeper
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/requests", a.SubmitRequest)
	router.POST("/requests/queue", a.QueueRequest)
	router.GET("/requests/:id", a.GetRequest)
	router.GET("/requests/:id/transitions", a.GetRequestTransitions)
	router.GET("/requests/:id/delivery-attempts", a.GetDeliveryAttempts)
	router.POST("/requests/:id/cancel", a.CancelRequest)

	router.GET("/batches", a.GetAllBatches)
	router.GET("/batches/:id", a.GetBatch)
	router.GET("/batches/:id/requests", a.GetBatchRequests)
	router.GET("/batches/:id/transitions", a.GetBatchTransitions)
	router.GET("/batches/:id/usage", a.GetBatchUsage)
	router.POST("/batches/:id/close", a.CloseBatch)
	router.POST("/batches/:id/cancel", a.CancelBatch)
	router.DELETE("/batches/:id", a.DeleteBatch)

	router.POST("/capacity-overrides", a.CreateCapacityOverride)
	router.GET("/capacity-overrides", a.GetCapacityOverrides)
	router.DELETE("/capacity-overrides/:id", a.DeleteCapacityOverride)

	router.POST("/sweep", a.TriggerSweep)
	return a.router
}

func NewAPI(b *batchlane.Batchlane, sweeper *batchlane.Sweeper) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{service: b, sweeper: sweeper, router: r}
}
