// Package supervisor owns the ssh reverse-tunnel processes: it starts,
// stops and monitors them and writes their connection state to the store.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"

	"github.com/cloudconnect/tunneld/internal/core"
	"github.com/cloudconnect/tunneld/internal/db"
	"github.com/cloudconnect/tunneld/internal/keys"
)

// Store is the persisted tunnel state the supervisor reads and writes
type Store interface {
	GetTunnel(ctx context.Context, id string) (*db.Tunnel, error)
	UpdateConnectionStatus(ctx context.Context, id string, connected bool, pid *int) error
	SetAutoReconnect(ctx context.Context, id string, enabled bool) error
	LogTunnelEvent(tunnelID, eventType, details string) error
}

// SSHOptions controls the ssh command line. Reloadable.
type SSHOptions struct {
	Binary              string
	BindAddress         string
	ServerAliveInterval int
	ServerAliveCountMax int
	ConnectTimeout      int
	KeyDir              string
}

// Options configures a Supervisor
type Options struct {
	SSH              SSHOptions
	GracePeriod      time.Duration
	StopTimeout      time.Duration
	RestartPause     time.Duration
	ReconnectBackoff time.Duration // Delay before the first reconnect attempt
	MaxBackoff       time.Duration // Cap of the doubling reconnect delay
	MaxRetries       int           // Failed reconnect attempts before giving up
	Clock            clock.Clock
}

// Reconnect defaults used when Options leaves them unset
const (
	DefaultMaxBackoff = 5 * time.Minute
	DefaultMaxRetries = 5
)

// OptionsFromConfig maps the daemon configuration to supervisor options
func OptionsFromConfig(cfg *core.Configuration) Options {
	return Options{
		SSH:              SSHOptionsFromConfig(cfg),
		GracePeriod:      cfg.Supervisor.GracePeriod,
		StopTimeout:      cfg.Supervisor.StopTimeout,
		RestartPause:     cfg.Supervisor.RestartPause,
		ReconnectBackoff: cfg.Supervisor.ReconnectBackoff,
		MaxBackoff:       cfg.Supervisor.MaxBackoff,
		MaxRetries:       cfg.Supervisor.MaxRetries,
	}
}

// SSHOptionsFromConfig maps the ssh block of the configuration
func SSHOptionsFromConfig(cfg *core.Configuration) SSHOptions {
	return SSHOptions{
		Binary:              cfg.SSH.Binary,
		BindAddress:         cfg.SSH.BindAddress,
		ServerAliveInterval: cfg.SSH.ServerAliveInterval,
		ServerAliveCountMax: cfg.SSH.ServerAliveCountMax,
		ConnectTimeout:      cfg.SSH.ConnectTimeout,
		KeyDir:              cfg.SSH.KeyDir,
	}
}

// Status is the in-memory view of one tunnel
type Status struct {
	ID      string    `json:"id" yaml:"id"`
	Name    string    `json:"name,omitempty" yaml:"name,omitempty"`
	Active  bool      `json:"is_active" yaml:"is_active"`
	PID     int       `json:"process_id,omitempty" yaml:"process_id,omitempty"`
	Started time.Time `json:"started,omitempty" yaml:"started,omitempty"`
}

// Supervisor maps tunnel ids to live ssh processes. It is safe for
// concurrent use; operations on the same id are serialized.
type Supervisor struct {
	store Store
	clock clock.Clock
	locks *kmutex.Kmutex

	mu       sync.Mutex
	opts     Options
	tunnels  map[string]*handle
	starting map[string]bool
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
	monitors  sync.WaitGroup
}

// New creates a Supervisor. Zero timings are allowed; a nil clock means
// the wall clock and unset reconnect limits take the defaults.
func New(store Store, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.SSH.Binary == "" {
		opts.SSH.Binary = "ssh"
	}
	if opts.SSH.BindAddress == "" {
		opts.SSH.BindAddress = "127.0.0.1"
	}
	return &Supervisor{
		store:    store,
		clock:    opts.Clock,
		locks:    kmutex.New(),
		opts:     opts,
		tunnels:  make(map[string]*handle),
		starting: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// UpdateSSHOptions replaces the ssh options used by subsequent starts
func (s *Supervisor) UpdateSSHOptions(opts SSHOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.Binary == "" {
		opts.Binary = "ssh"
	}
	if opts.BindAddress == "" {
		opts.BindAddress = "127.0.0.1"
	}
	s.opts.SSH = opts
}

func (s *Supervisor) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// reserve marks id as starting. Concurrent starts are rejected, not queued.
func (s *Supervisor) reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, live := s.tunnels[id]; live || s.starting[id] {
		return ErrAlreadyActive
	}
	s.starting[id] = true
	return nil
}

func (s *Supervisor) unreserve(id string) {
	s.mu.Lock()
	delete(s.starting, id)
	s.mu.Unlock()
}

// Start spawns the tunnel process for t. It returns ErrAlreadyActive if the
// tunnel is live or another start is in flight, and a *SpawnError if the
// process could not be brought up.
func (s *Supervisor) Start(ctx context.Context, t *db.Tunnel) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := s.reserve(t.ID); err != nil {
		return err
	}
	defer s.unreserve(t.ID)

	s.locks.Lock(t.ID)
	defer s.locks.Unlock(t.ID)

	return s.start(ctx, t)
}

// start runs with the id lock held and the id reserved
func (s *Supervisor) start(ctx context.Context, t *db.Tunnel) error {
	s.mu.Lock()
	_, live := s.tunnels[t.ID]
	s.mu.Unlock()
	if live {
		return ErrAlreadyActive
	}

	opts := s.options()
	label := t.DisplayName()

	binary, err := exec.LookPath(opts.SSH.Binary)
	if err != nil {
		slog.Error(fmt.Sprintf("Cannot start tunnel '%s': ssh client %q not found", label, opts.SSH.Binary))
		s.recordFailure(ctx, t.ID, "ssh client not found")
		return &SpawnError{TunnelID: t.ID, Err: fmt.Errorf("%w: %v", ErrBinaryNotFound, err)}
	}

	keyPath, err := keys.Materialize(opts.SSH.KeyDir, keys.Unseal(t.PrivateKey))
	if err != nil {
		if errors.Is(err, keys.ErrPermission) {
			slog.Error(fmt.Sprintf("Cannot start tunnel '%s': key file permissions could not be restricted", label), "error", err)
		} else {
			slog.Error(fmt.Sprintf("Cannot start tunnel '%s': failed to write key file", label), "error", err)
		}
		s.recordFailure(ctx, t.ID, err.Error())
		return &SpawnError{TunnelID: t.ID, Err: err}
	}

	args := buildArgs(opts.SSH, t, keyPath)
	slog.Debug(fmt.Sprintf("Starting tunnel '%s'", label), "args", args)

	h, err := spawn(binary, args, t, keyPath)
	if err != nil {
		keys.Release(keyPath)
		slog.Error(fmt.Sprintf("Failed to launch ssh for '%s': %v", label, err))
		s.recordFailure(ctx, t.ID, err.Error())
		return &SpawnError{TunnelID: t.ID, Err: err}
	}

	// Immediate failures (bad credentials, unreachable host) exit within
	// the grace period.
	select {
	case <-h.exited:
		keys.Release(keyPath)
		diag := h.tail.String()
		spawnErr := &SpawnError{TunnelID: t.ID, Reason: classify(diag), Diagnostic: diag, Err: h.waitErr}
		slog.Warn(fmt.Sprintf("Tunnel '%s' exited immediately", label), "reason", spawnErr.Reason, "error", h.waitErr)
		s.recordFailure(ctx, t.ID, spawnErr.Error())
		return spawnErr
	case <-ctx.Done():
		s.kill(h)
		keys.Release(keyPath)
		return ctx.Err()
	case <-s.clock.After(opts.GracePeriod):
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.kill(h)
		keys.Release(keyPath)
		return ErrClosed
	}
	s.tunnels[t.ID] = h
	s.mu.Unlock()

	pid := h.pid
	if err := s.store.UpdateConnectionStatus(ctx, t.ID, true, &pid); err != nil {
		slog.Error(fmt.Sprintf("Failed to persist connected state for '%s', stopping it", label), "error", err)
		s.mu.Lock()
		h.stopping = true
		s.mu.Unlock()
		s.terminate(h, opts.StopTimeout)
		s.evict(h)
		return fmt.Errorf("persist connection status: %w", err)
	}

	slog.Info(fmt.Sprintf("Tunnel '%s' connected (pid %d)", label, pid))
	s.logEvent(t.ID, "connect", fmt.Sprintf("pid %d", pid))

	s.monitors.Add(1)
	go s.monitor(h)
	return nil
}

// recordFailure persists the disconnected state after a failed start
func (s *Supervisor) recordFailure(ctx context.Context, id, details string) {
	if err := s.store.UpdateConnectionStatus(ctx, id, false, nil); err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Warn("Failed to persist disconnected state", "tunnel", id, "error", err)
	}
	s.logEvent(id, "connect_failed", details)
}

func (s *Supervisor) logEvent(id, eventType, details string) {
	if err := s.store.LogTunnelEvent(id, eventType, details); err != nil {
		slog.Error("Failed to log tunnel event", "tunnel", id, "event", eventType, "error", err)
	}
}

// evict removes h from the live map if it is still current and releases
// its key file. Safe to call more than once.
func (s *Supervisor) evict(h *handle) {
	s.mu.Lock()
	if s.tunnels[h.id] == h {
		delete(s.tunnels, h.id)
	}
	s.mu.Unlock()
	keys.Release(h.keyPath)
}

// Stop terminates the live process of id. A manual stop also clears the
// persisted auto_reconnect flag so the monitor does not bring it back.
func (s *Supervisor) Stop(ctx context.Context, id string, manual bool) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	return s.stop(ctx, id, manual)
}

// stop runs with the id lock held
func (s *Supervisor) stop(ctx context.Context, id string, manual bool) error {
	s.mu.Lock()
	h, ok := s.tunnels[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotActive
	}
	h.stopping = true
	timeout := s.opts.StopTimeout
	s.mu.Unlock()

	if manual {
		s.disableAutoReconnect(ctx, id)
	}

	killErr := s.terminate(h, timeout)

	s.evict(h)
	if err := s.store.UpdateConnectionStatus(ctx, id, false, nil); err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error(fmt.Sprintf("Failed to persist disconnected state for '%s'", h.label), "error", err)
	}

	eventType := "disconnect"
	if manual {
		eventType = "manual_disconnect"
	}
	s.logEvent(id, eventType, "")
	slog.Info(fmt.Sprintf("Stopped tunnel '%s'.", h.label))

	if killErr != nil {
		return fmt.Errorf("failed to kill process for '%s': %w", h.label, killErr)
	}
	return nil
}

func (s *Supervisor) disableAutoReconnect(ctx context.Context, id string) {
	if err := s.store.SetAutoReconnect(ctx, id, false); err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error("Failed to disable auto-reconnect", "tunnel", id, "error", err)
	}
}

// Restart reloads the tunnel record, stops the live process if any
// (keeping auto_reconnect), pauses, then starts again.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	return s.restart(ctx, id)
}

// restart runs with the id lock held
func (s *Supervisor) restart(ctx context.Context, id string) error {
	t, err := s.store.GetTunnel(ctx, id)
	if err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	if err := s.stop(ctx, id, false); err != nil && !errors.Is(err, ErrNotActive) {
		slog.Warn(fmt.Sprintf("Restart of '%s': stop failed", t.DisplayName()), "error", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case <-s.clock.After(s.options().RestartPause):
	}

	if err := s.reserve(id); err != nil {
		return err
	}
	defer s.unreserve(id)
	return s.start(ctx, t)
}

// Status returns the in-memory state of id without touching the store
func (s *Supervisor) Status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tunnels[id]
	if !ok {
		return Status{ID: id}
	}
	return Status{ID: id, Name: h.label, Active: true, PID: h.pid, Started: h.started}
}

// Statuses returns every live tunnel ordered by id
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.tunnels))
	for id, h := range s.tunnels {
		out = append(out, Status{ID: id, Name: h.label, Active: true, PID: h.pid, Started: h.started})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LiveIDs returns the ids of all live tunnels
func (s *Supervisor) LiveIDs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(s.tunnels))
	for id := range s.tunnels {
		ids[id] = true
	}
	return ids
}

// Close rejects further starts and cancels pending reconnects.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

// StopAll closes the supervisor, stops every live tunnel as a manual stop
// and waits for all monitors to return.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.Close()

	ids := s.LiveIDs()
	var wg sync.WaitGroup
	for id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id, true); err != nil && !errors.Is(err, ErrNotActive) {
				slog.Error("Failed to stop tunnel during shutdown", "tunnel", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
	s.monitors.Wait()
}
