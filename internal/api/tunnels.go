package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cloudconnect/tunneld/internal/db"
	"github.com/cloudconnect/tunneld/internal/keys"
	"github.com/cloudconnect/tunneld/internal/supervisor"
)

// tunnelRequest is the body of create and update
type tunnelRequest struct {
	AccountID      string `json:"account_id"`
	Name           string `json:"name"`
	RemoteHost     string `json:"remote_host" binding:"required"`
	RemoteUser     string `json:"remote_user" binding:"required"`
	RemotePort     int    `json:"remote_port" binding:"required,min=1,max=65535"`
	LocalPort      int    `json:"local_port" binding:"required,min=1,max=65535"`
	SSHPort        int    `json:"ssh_port" binding:"omitempty,min=1,max=65535"`
	AutoReconnect  *bool  `json:"auto_reconnect"`
	StartupEnabled *bool  `json:"startup_enabled"`
}

func (r *tunnelRequest) apply(t *db.Tunnel) {
	t.AccountID = r.AccountID
	t.Name = r.Name
	t.RemoteHost = r.RemoteHost
	t.RemoteUser = r.RemoteUser
	t.RemotePort = r.RemotePort
	t.LocalPort = r.LocalPort
	t.SSHPort = r.SSHPort
	if r.AutoReconnect != nil {
		t.AutoReconnect = *r.AutoReconnect
	}
	if r.StartupEnabled != nil {
		t.StartupEnabled = *r.StartupEnabled
	}
}

func (s *Server) listTunnels(c *gin.Context) {
	var (
		tunnels []db.Tunnel
		err     error
	)
	if account := c.Query("account_id"); account != "" {
		tunnels, err = s.Store.ListAccountTunnels(c.Request.Context(), account)
	} else {
		tunnels, err = s.Store.ListTunnels(c.Request.Context())
	}
	if err != nil {
		jsonErr(c, "Failed to list tunnels", err)
		return
	}
	if tunnels == nil {
		tunnels = []db.Tunnel{}
	}
	jsonObj(c, http.StatusOK, tunnels, "")
}

func (s *Server) createTunnel(c *gin.Context) {
	var req tunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid tunnel", err)
		return
	}

	t := &db.Tunnel{ID: uuid.NewString(), AutoReconnect: true}
	req.apply(t)
	if err := t.Validate(); err != nil {
		badRequest(c, "Invalid tunnel", err)
		return
	}

	private, public, err := keys.GenerateKeypair()
	if err != nil {
		jsonErr(c, "Failed to generate key pair", err)
		return
	}
	t.PrivateKey = keys.Seal(private)
	t.PublicKey = public

	if err := s.Store.CreateTunnel(c.Request.Context(), t); err != nil {
		jsonErr(c, "Failed to create tunnel", err)
		return
	}
	slog.Info(fmt.Sprintf("Created tunnel '%s'", t.DisplayName()), "tunnel", t.ID)
	jsonObj(c, http.StatusCreated, t, fmt.Sprintf("Tunnel '%s' created", t.DisplayName()))
}

func (s *Server) getTunnel(c *gin.Context) {
	t, err := s.Store.GetTunnel(c.Request.Context(), c.Param("id"))
	if err != nil {
		jsonErr(c, "Failed to get tunnel", err)
		return
	}
	jsonObj(c, http.StatusOK, t, "")
}

// updateTunnel edits the stored parameters. A live process keeps running
// with its old parameters until it is restarted.
func (s *Server) updateTunnel(c *gin.Context) {
	var req tunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid tunnel", err)
		return
	}

	ctx := c.Request.Context()
	t, err := s.Store.GetTunnel(ctx, c.Param("id"))
	if err != nil {
		jsonErr(c, "Failed to get tunnel", err)
		return
	}
	req.apply(t)
	if err := t.Validate(); err != nil {
		badRequest(c, "Invalid tunnel", err)
		return
	}
	if err := s.Store.UpdateTunnel(ctx, t); err != nil {
		jsonErr(c, "Failed to update tunnel", err)
		return
	}

	msg := fmt.Sprintf("Tunnel '%s' updated", t.DisplayName())
	if s.Supervisor.Status(t.ID).Active {
		msg += ", restart it to apply the new parameters"
	}
	jsonObj(c, http.StatusOK, t, msg)
}

func (s *Server) deleteTunnel(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	t, err := s.Store.GetTunnel(ctx, id)
	if err != nil {
		jsonErr(c, "Failed to get tunnel", err)
		return
	}
	if err := s.Supervisor.Stop(ctx, id, true); err != nil && !errors.Is(err, supervisor.ErrNotActive) {
		jsonErr(c, "Failed to stop tunnel", err)
		return
	}
	if err := s.Store.DeleteTunnel(ctx, id); err != nil {
		jsonErr(c, "Failed to delete tunnel", err)
		return
	}
	slog.Info(fmt.Sprintf("Deleted tunnel '%s'", t.DisplayName()), "tunnel", id)
	jsonMsg(c, http.StatusOK, fmt.Sprintf("Tunnel '%s' deleted", t.DisplayName()))
}

// connectTunnel re-enables auto reconnect and starts the tunnel
func (s *Server) connectTunnel(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := s.Store.GetTunnel(ctx, c.Param("id"))
	if err != nil {
		jsonErr(c, "Failed to get tunnel", err)
		return
	}

	if !t.AutoReconnect {
		if err := s.Store.SetAutoReconnect(ctx, t.ID, true); err != nil {
			jsonErr(c, "Failed to enable auto reconnect", err)
			return
		}
		t.AutoReconnect = true
	}

	if err := s.Supervisor.Start(ctx, t); err != nil {
		jsonErr(c, fmt.Sprintf("Failed to start tunnel '%s'", t.DisplayName()), err)
		return
	}
	jsonObj(c, http.StatusOK, s.Supervisor.Status(t.ID), fmt.Sprintf("Tunnel '%s' connected", t.DisplayName()))
}

func (s *Server) disconnectTunnel(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := s.Store.GetTunnel(ctx, c.Param("id"))
	if err != nil {
		jsonErr(c, "Failed to get tunnel", err)
		return
	}
	if err := s.Supervisor.Stop(ctx, t.ID, true); err != nil {
		jsonErr(c, fmt.Sprintf("Failed to stop tunnel '%s'", t.DisplayName()), err)
		return
	}
	jsonMsg(c, http.StatusOK, fmt.Sprintf("Tunnel '%s' disconnected", t.DisplayName()))
}

func (s *Server) restartTunnel(c *gin.Context) {
	id := c.Param("id")
	if err := s.Supervisor.Restart(c.Request.Context(), id); err != nil {
		jsonErr(c, "Failed to restart tunnel", err)
		return
	}
	jsonObj(c, http.StatusOK, s.Supervisor.Status(id), "Tunnel restarted")
}

func (s *Server) tunnelStatus(c *gin.Context) {
	id := c.Param("id")
	t, err := s.Store.GetTunnel(c.Request.Context(), id)
	if err != nil {
		jsonErr(c, "Failed to get tunnel", err)
		return
	}
	st := s.Supervisor.Status(id)
	st.Name = t.Name
	jsonObj(c, http.StatusOK, st, "")
}
