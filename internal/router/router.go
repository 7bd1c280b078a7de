package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/chairqueue/internal/handler"
	"github.com/jwalitptl/chairqueue/internal/handler/queue"
	"github.com/jwalitptl/chairqueue/internal/middleware"
	"github.com/jwalitptl/chairqueue/pkg/logger"
)

type Router struct {
	engine  *gin.Engine
	h       *handler.Handler
	queueH  *queue.Handler
	log     *logger.Logger
	limiter *middleware.RateLimiter
	maxBody int64
	metrics *routerMetrics
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	errorTotal      *prometheus.CounterVec
}

type RouterConfig struct {
	// MutationRate throttles the mutating routes; zero disables it.
	MutationRate  rate.Limit
	MutationBurst int
	// AllowOrigins are the UI origins allowed cross-origin access.
	AllowOrigins  []string
	MaxBodyBytes  int64
	MetricsPrefix string
	// Registerer receives the HTTP metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
}

func NewRouter(h *handler.Handler, queueH *queue.Handler, log *logger.Logger, config RouterConfig) *Router {
	gin.SetMode(gin.ReleaseMode)
	if log == nil {
		log = logger.Nop()
	}
	if config.MetricsPrefix == "" {
		config.MetricsPrefix = "chairqueue_http"
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 4 << 10
	}

	r := &Router{
		engine:  gin.New(),
		maxBody: config.MaxBodyBytes,
		h:       h,
		queueH:  queueH,
		log:     log.Component("http"),
		metrics: initRouterMetrics(config.Registerer, config.MetricsPrefix),
	}
	if config.MutationRate > 0 {
		r.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.MutationRate,
			Burst: config.MutationBurst,
		})
	}

	// ErrorHandler must run inside Logger so the logged status is final.
	r.engine.Use(
		middleware.RequestID(r.log),
		middleware.CORS(middleware.CORSConfig{AllowOrigins: config.AllowOrigins, MaxAge: time.Hour}),
		middleware.Recovery(),
		middleware.Logger(),
		r.metricsMiddleware(),
		middleware.ErrorHandler(),
	)
	return r
}

func (r *Router) Setup() {
	r.h.RegisterRoutes(r.engine)
	r.engine.GET("/metrics", r.h.MetricsHandler())

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	mutations := api.Group("")
	mutations.Use(middleware.SizeLimit(r.maxBody))
	if r.limiter != nil {
		mutations.Use(r.limiter.RateLimit())
	}
	r.queueH.RegisterRoutes(api, mutations)
	r.queueH.RegisterStream(r.engine)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func initRouterMetrics(reg prometheus.Registerer, prefix string) *routerMetrics {
	f := promauto.With(reg)
	return &routerMetrics{
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: prefix + "_request_duration_seconds",
				Help: "Duration of HTTP requests in seconds",
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		errorTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_errors_total",
				Help: "Total number of HTTP errors",
			},
			[]string{"method", "path", "type"},
		),
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()

		if c.Writer.Status() >= 400 {
			kind := "client"
			if c.Writer.Status() >= 500 {
				kind = "server"
			}
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, kind).Inc()
		}
	}
}
