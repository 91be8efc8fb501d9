// Package reconcile runs the background sweeps that compare persisted
// tunnel state with the supervisor's live processes.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/cloudconnect/tunneld/internal/core"
	"github.com/cloudconnect/tunneld/internal/db"
	"github.com/cloudconnect/tunneld/internal/supervisor"
)

// Store lists persisted tunnels
type Store interface {
	ListTunnels(ctx context.Context) ([]db.Tunnel, error)
	ListConnectedTunnels(ctx context.Context) ([]db.Tunnel, error)
	ListStartupTunnels(ctx context.Context) ([]db.Tunnel, error)
	LogTunnelEvent(tunnelID, eventType, details string) error
}

// Supervisor is the part of the process supervisor the sweeps use
type Supervisor interface {
	Start(ctx context.Context, t *db.Tunnel) error
	LiveIDs() map[string]bool
	Statuses() []supervisor.Status
}

// Options configures the sweeps
type Options struct {
	HealthInterval time.Duration
	StartupDelay   time.Duration
	StartupSpacing time.Duration
	StartupPolicy  string
	Clock          clock.Clock
}

// OptionsFromConfig maps the reconcile block of the configuration
func OptionsFromConfig(cfg *core.Configuration) Options {
	return Options{
		HealthInterval: cfg.Reconcile.HealthInterval,
		StartupDelay:   cfg.Reconcile.StartupDelay,
		StartupSpacing: cfg.Reconcile.StartupSpacing,
		StartupPolicy:  cfg.Reconcile.StartupPolicy,
	}
}

// Scheduler runs the health sweep and the startup sweep
type Scheduler struct {
	store Store
	sup   Supervisor
	clock clock.Clock
	opts  Options

	// establishedConns counts ESTABLISHED TCP connections of a pid
	establishedConns func(pid int) (int, error)
}

// New creates a Scheduler. A nil clock means the wall clock.
func New(store Store, sup Supervisor, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = time.Minute
	}
	if opts.StartupPolicy == "" {
		opts.StartupPolicy = core.StartupPreviouslyConnected
	}
	return &Scheduler{
		store:            store,
		sup:              sup,
		clock:            opts.Clock,
		opts:             opts,
		establishedConns: establishedConnections,
	}
}

// RunHealthSweep checks for drift every HealthInterval until ctx is done
func (s *Scheduler) RunHealthSweep(ctx context.Context) {
	slog.Debug("Health sweep started", "interval", s.opts.HealthInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Health sweep stopped")
			return
		case <-s.clock.After(s.opts.HealthInterval):
			s.HealthCheck(ctx)
		}
	}
}

// HealthCheck runs one sweep and returns the ids of tunnels persisted as
// connected that have no live process. It only reports; healing is left to
// the monitor and reconnect path.
func (s *Scheduler) HealthCheck(ctx context.Context) []string {
	connected, err := s.store.ListConnectedTunnels(ctx)
	if err != nil {
		slog.Error("Health sweep failed to list connected tunnels", "error", err)
		return nil
	}

	live := s.sup.LiveIDs()
	var drifted []string
	for _, t := range connected {
		if live[t.ID] {
			continue
		}
		drifted = append(drifted, t.ID)
		slog.Warn(fmt.Sprintf("Tunnel '%s' is marked connected but has no live process", t.DisplayName()), "tunnel", t.ID)
		if err := s.store.LogTunnelEvent(t.ID, "drift", "connected in store, not live"); err != nil {
			slog.Error("Failed to log drift event", "error", err)
		}
	}

	for _, st := range s.sup.Statuses() {
		n, err := s.establishedConns(st.PID)
		if err != nil {
			slog.Debug("Failed to get connections for PID", "pid", st.PID, "error", err)
			continue
		}
		if n == 0 {
			slog.Warn(fmt.Sprintf("Tunnel '%s' has no established TCP connection", st.Name), "pid", st.PID)
		}
	}

	slog.Debug("Health sweep complete", "connected", len(connected), "live", len(live), "drifted", len(drifted))
	return drifted
}

// RunStartupSweep waits StartupDelay, then starts every candidate tunnel
// that is not live, StartupSpacing apart. Failures are logged and the sweep
// continues. It returns the number of tunnels started.
func (s *Scheduler) RunStartupSweep(ctx context.Context) int {
	select {
	case <-ctx.Done():
		return 0
	case <-s.clock.After(s.opts.StartupDelay):
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		slog.Error("Startup sweep failed to list tunnels", "error", err)
		return 0
	}
	slog.Info(fmt.Sprintf("Startup sweep: %d candidate tunnel(s)", len(candidates)), "policy", s.opts.StartupPolicy)

	started := 0
	attempted := false
	for i := range candidates {
		t := &candidates[i]
		if s.sup.LiveIDs()[t.ID] {
			continue
		}

		if attempted {
			select {
			case <-ctx.Done():
				return started
			case <-s.clock.After(s.opts.StartupSpacing):
			}
		}
		attempted = true

		if err := s.sup.Start(ctx, t); err != nil {
			slog.Warn(fmt.Sprintf("Startup sweep could not start tunnel '%s'", t.DisplayName()), "error", err)
			continue
		}
		started++
	}

	slog.Info(fmt.Sprintf("Startup sweep complete: %d tunnel(s) started", started))
	return started
}

// candidates lists tunnels for the configured startup policy
func (s *Scheduler) candidates(ctx context.Context) ([]db.Tunnel, error) {
	if s.opts.StartupPolicy == core.StartupEnabledOnly {
		return s.store.ListStartupTunnels(ctx)
	}

	all, err := s.store.ListTunnels(ctx)
	if err != nil {
		return nil, err
	}
	var out []db.Tunnel
	for _, t := range all {
		if t.IsConnected && t.AutoReconnect {
			out = append(out, t)
		}
	}
	return out, nil
}

func establishedConnections(pid int) (int, error) {
	conns, err := psnet.ConnectionsPid("tcp", int32(pid))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, conn := range conns {
		if conn.Status == "ESTABLISHED" {
			n++
		}
	}
	return n, nil
}
