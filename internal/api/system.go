package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudconnect/tunneld/internal/billing"
	"github.com/cloudconnect/tunneld/internal/supervisor"
)

const defaultEventLimit = 50

// DaemonStatus is the body of GET /status
type DaemonStatus struct {
	Version string              `json:"version" yaml:"version"`
	Uptime  string              `json:"uptime" yaml:"uptime"`
	Tunnels []supervisor.Status `json:"tunnels" yaml:"tunnels"`
}

func (s *Server) status(c *gin.Context) {
	jsonObj(c, http.StatusOK, DaemonStatus{
		Version: s.Version,
		Uptime:  time.Since(s.Started).Truncate(time.Second).String(),
		Tunnels: s.Supervisor.Statuses(),
	}, "")
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEventLimit)))
	if err != nil || limit <= 0 {
		return defaultEventLimit
	}
	return limit
}

func (s *Server) events(c *gin.Context) {
	events, err := s.Store.GetRecentTunnelEvents(c.Query("tunnel_id"), queryLimit(c))
	if err != nil {
		jsonErr(c, "Failed to get events", err)
		return
	}
	jsonObj(c, http.StatusOK, events, "")
}

func (s *Server) daemonEvents(c *gin.Context) {
	events, err := s.Store.GetRecentDaemonEvents(queryLimit(c))
	if err != nil {
		jsonErr(c, "Failed to get daemon events", err)
		return
	}
	jsonObj(c, http.StatusOK, events, "")
}

func (s *Server) listPayments(c *gin.Context) {
	payments, err := s.Store.ListPayments(c.Request.Context(), queryLimit(c))
	if err != nil {
		jsonErr(c, "Failed to list payments", err)
		return
	}
	jsonObj(c, http.StatusOK, payments, "")
}

// paymentWebhook queues a paid invoice for the bootstrap loop
func (s *Server) paymentWebhook(c *gin.Context) {
	if s.Payments == nil {
		jsonMsg(c, http.StatusNotFound, "Payment processing is disabled")
		return
	}
	var inv billing.Invoice
	if err := c.ShouldBindJSON(&inv); err != nil {
		badRequest(c, "Invalid invoice", err)
		return
	}
	if err := s.Payments.Submit(inv); err != nil {
		jsonErr(c, "Failed to queue invoice", err)
		return
	}
	jsonMsg(c, http.StatusAccepted, "Invoice queued")
}

// logs streams daemon log lines until the client goes away
func (s *Server) logs(c *gin.Context) {
	if s.Logs == nil {
		jsonMsg(c, http.StatusNotFound, "Log streaming is disabled")
		return
	}
	history, err := strconv.Atoi(c.DefaultQuery("history", "20"))
	if err != nil || history < 0 {
		history = 20
	}
	follow := c.DefaultQuery("follow", "true") != "false"

	ch, past := s.Logs.SubscribeWithHistory(history)
	defer s.Logs.Unsubscribe(ch)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	for _, line := range past {
		if _, err := io.WriteString(c.Writer, line); err != nil {
			return
		}
	}
	c.Writer.Flush()
	if !follow {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case line, ok := <-ch:
			if !ok {
				return false
			}
			_, err := io.WriteString(w, line)
			return err == nil
		}
	})
}

func (s *Server) version(c *gin.Context) {
	jsonObj(c, http.StatusOK, gin.H{"version": s.Version}, "")
}

// shutdown replies first and then stops the daemon
func (s *Server) shutdown(c *gin.Context) {
	if s.Shutdown == nil {
		jsonMsg(c, http.StatusNotFound, "Shutdown is not available")
		return
	}
	jsonMsg(c, http.StatusAccepted, "Daemon shutting down")
	c.Writer.Flush()
	go s.Shutdown()
}
