package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/delivery"
	"github.com/zachbroad/webhook-engine/internal/registry"
)

type Deps struct {
	Registry   *registry.Registry
	Executor   *delivery.Executor
	Dispatcher Dispatcher
	Publisher  Publisher
	Log        *zap.Logger
}

// NewRouter builds the API: administration under /api/subscriptions, event
// intake at /api/events, plus /healthz and /metrics.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Log))
	r.RedirectTrailingSlash = true

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	subH := NewSubscriptionHandler(d.Registry, d.Log)
	delH := NewDeliveryHandler(d.Registry, d.Executor, d.Log)
	evtH := NewEventHandler(d.Publisher, d.Dispatcher, d.Log)

	api := r.Group("/api")
	{
		api.POST("/events", evtH.Ingest)

		subs := api.Group("/subscriptions")
		{
			subs.POST("", subH.Create)
			subs.GET("", subH.List)
			sub := subs.Group("/:id")
			{
				sub.GET("", subH.Get)
				sub.PATCH("", subH.Update)
				sub.DELETE("", subH.Delete)
				sub.POST("/suspend", subH.Suspend)
				sub.POST("/resume", subH.Resume)
				sub.POST("/secret/rotate", subH.RotateSecret)
				sub.POST("/test", delH.Test)
				sub.GET("/deliveries", delH.History)
				sub.GET("/queue", delH.Queue)
				sub.POST("/queue/process", delH.ProcessQueue)
			}
		}
	}
	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
