package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyFunc reports why the process cannot serve the queue yet.
type ReadyFunc func(ctx context.Context) error

// Handler serves the process-level endpoints.
type Handler struct {
	ready    ReadyFunc
	gatherer prometheus.Gatherer
}

// NewHandler creates a new handler instance. A nil gatherer serves the
// default registry.
func NewHandler(ready ReadyFunc, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{ready: ready, gatherer: gatherer}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.ReadinessCheck)
	r.GET("/health/live", h.LivenessCheck)
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"time":   time.Now(),
	})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	if h.ready != nil {
		if err := h.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"reason": err.Error(),
				"time":   time.Now(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now(),
	})
}

func (h *Handler) MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}
