// Package api exposes the tunnel supervisor over HTTP using gin. The daemon
// serves it on its unix socket and, optionally, on a TCP address.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudconnect/tunneld/internal/billing"
	"github.com/cloudconnect/tunneld/internal/db"
	"github.com/cloudconnect/tunneld/internal/supervisor"
)

// Store is the persistence the handlers need
type Store interface {
	CreateTunnel(ctx context.Context, t *db.Tunnel) error
	GetTunnel(ctx context.Context, id string) (*db.Tunnel, error)
	ListTunnels(ctx context.Context) ([]db.Tunnel, error)
	ListAccountTunnels(ctx context.Context, accountID string) ([]db.Tunnel, error)
	UpdateTunnel(ctx context.Context, t *db.Tunnel) error
	SetAutoReconnect(ctx context.Context, id string, enabled bool) error
	DeleteTunnel(ctx context.Context, id string) error
	GetRecentTunnelEvents(tunnelID string, limit int) ([]db.TunnelEvent, error)
	GetRecentDaemonEvents(limit int) ([]db.DaemonEvent, error)
	ListPayments(ctx context.Context, limit int) ([]db.Payment, error)
}

// Supervisor controls tunnel processes
type Supervisor interface {
	Start(ctx context.Context, t *db.Tunnel) error
	Stop(ctx context.Context, id string, manual bool) error
	Restart(ctx context.Context, id string) error
	Status(id string) supervisor.Status
	Statuses() []supervisor.Status
}

// PaymentSink accepts paid invoices from the webhook
type PaymentSink interface {
	Submit(inv billing.Invoice) error
}

// LogSource streams daemon log lines
type LogSource interface {
	SubscribeWithHistory(historyLines int) (chan string, []string)
	Unsubscribe(ch chan string)
}

// Deps wires the server. Payments, Logs and Shutdown may be nil.
type Deps struct {
	Store      Store
	Supervisor Supervisor
	Payments   PaymentSink
	Logs       LogSource
	Version    string
	Started    time.Time
	Shutdown   func()
}

// Server holds the handler dependencies
type Server struct {
	Deps
}

// New creates a Server
func New(deps Deps) *Server {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	return &Server{Deps: deps}
}

// Router builds the gin engine with every route under /api/v1
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	v1 := r.Group("/api/v1")

	tunnels := v1.Group("/tunnels")
	tunnels.GET("", s.listTunnels)
	tunnels.POST("", s.createTunnel)
	tunnels.GET("/:id", s.getTunnel)
	tunnels.PUT("/:id", s.updateTunnel)
	tunnels.DELETE("/:id", s.deleteTunnel)
	tunnels.POST("/:id/connect", s.connectTunnel)
	tunnels.POST("/:id/disconnect", s.disconnectTunnel)
	tunnels.POST("/:id/restart", s.restartTunnel)
	tunnels.GET("/:id/status", s.tunnelStatus)

	v1.GET("/status", s.status)
	v1.GET("/events", s.events)
	v1.GET("/events/daemon", s.daemonEvents)
	v1.GET("/payments", s.listPayments)
	v1.POST("/payments", s.paymentWebhook)
	v1.GET("/logs", s.logs)
	v1.GET("/version", s.version)
	v1.POST("/shutdown", s.shutdown)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("API request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyActive), errors.Is(err, supervisor.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrBinaryNotFound):
		return http.StatusInternalServerError
	case errors.Is(err, supervisor.ErrSpawnFailure):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrStorageUnavailable), errors.Is(err, supervisor.ErrClosed),
		errors.Is(err, billing.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonMsg replies with a single INFO message
func jsonMsg(c *gin.Context, status int, msg string) {
	resp := Response{}
	resp.AddMessage(msg, "INFO")
	c.JSON(status, resp)
}

// jsonObj replies with data and an optional message
func jsonObj(c *gin.Context, status int, obj any, msg string) {
	resp := Response{}
	if msg != "" {
		resp.AddMessage(msg, "INFO")
	}
	resp.AddData(obj)
	c.JSON(status, resp)
}

// jsonErr replies with an ERROR message and the status mapped from err.
// A spawn failure carries the ssh diagnostic as data.
func jsonErr(c *gin.Context, msg string, err error) {
	resp := Response{}
	resp.AddMessage(fmt.Sprintf("%s: %v", msg, err), "ERROR")

	var spawnErr *supervisor.SpawnError
	if errors.As(err, &spawnErr) {
		resp.AddData(gin.H{
			"reason":     spawnErr.Reason,
			"diagnostic": spawnErr.Diagnostic,
		})
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, resp)
}

// badRequest replies 400 for malformed input
func badRequest(c *gin.Context, msg string, err error) {
	resp := Response{}
	resp.AddMessage(fmt.Sprintf("%s: %v", msg, err), "ERROR")
	c.JSON(http.StatusBadRequest, resp)
}
