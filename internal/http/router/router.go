package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"basegraph.app/batchinfer/internal/http/handler"
	"basegraph.app/batchinfer/internal/http/middleware"
)

type RouterConfig struct {
	ServiceName string // enables otelgin when set
	Gatherer    prometheus.Gatherer
	Tracker     *handler.RunTracker
}

// New builds the control API: health, metrics, run progress and cancellation.
func New(cfg RouterConfig) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	runHandler := handler.NewRunHandler(cfg.Tracker)
	RunRouter(router.Group("/run"), runHandler)

	return router
}

func RunRouter(rg *gin.RouterGroup, h *handler.RunHandler) {
	rg.GET("", h.Status)
	rg.POST("/cancel", h.Cancel)
}
