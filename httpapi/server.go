package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-dispatch/command"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/query"
	"github.com/goliatone/go-dispatch/webhooks"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Ingestor is the webhook edge. webhooks.Ingestor satisfies it.
type Ingestor interface {
	Ingest(ctx context.Context, req webhooks.Request) (webhooks.Result, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Operations are the handlers behind the operator endpoints. A nil entry
// answers 501.
type Operations struct {
	RetryEvent         gocmd.Commander[command.RetryEventMessage]
	CancelDispatch     gocmd.Commander[command.CancelDispatchMessage]
	RedispatchDelivery gocmd.Commander[command.RedispatchDeliveryMessage]

	ListEvents         gocmd.Querier[query.ListEventsMessage, []core.WebhookEvent]
	GetOrderSnapshot   gocmd.Querier[query.GetOrderSnapshotMessage, query.OrderSnapshot]
	ListDispatchAlerts gocmd.Querier[query.ListDispatchAlertsMessage, query.DispatchAlerts]
}

type Config struct {
	MaxBodyBytes int64
	HealthChecks map[string]HealthCheck
}

type Server struct {
	ingestor Ingestor
	ops      Operations
	observer *core.Observer
	cfg      Config
}

func NewServer(ingestor Ingestor, ops Operations, observer *core.Observer, cfg Config) *Server {
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{ingestor: ingestor, ops: ops, observer: observer, cfg: cfg}
}

// Router builds a gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())
	s.Mount(router)
	return router
}

// Mount registers the routes on an existing router.
func (s *Server) Mount(router gin.IRouter) {
	router.GET("/healthz", s.health)

	hooks := router.Group("/webhooks")
	hooks.POST("/platform", s.webhook(core.EventSourcePlatform))
	hooks.POST("/courier", s.webhook(core.EventSourceCourier))

	router.GET("/events", s.listEvents)
	router.POST("/events/:id/retry", s.retryEvent)
	router.GET("/orders/:store_id/:order_id", s.orderSnapshot)
	router.GET("/alerts", s.alerts)
	router.POST("/deliveries/:external_id/cancel", s.cancelDelivery)
	router.POST("/deliveries/:external_id/redispatch", s.redispatchDelivery)
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.Router()
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := "debug"
		if status >= http.StatusInternalServerError {
			level = "warn"
		}
		s.observer.Log(c.Request.Context(), level, "http request", map[string]any{
			"method":      c.Request.Method,
			"route":       c.FullPath(),
			"status":      status,
			"duration_ms": time.Since(startedAt).Milliseconds(),
		})
	}
}

func (s *Server) health(c *gin.Context) {
	checks := map[string]string{}
	healthy := true
	for name, check := range s.cfg.HealthChecks {
		if check == nil {
			continue
		}
		if err := check(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) == 0 {
			continue
		}
		out[key] = strings.TrimSpace(values[0])
	}
	return out
}
