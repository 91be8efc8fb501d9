package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudconnect/tunneld/internal/db"
)

// backoffFactor multiplies the reconnect delay after every failed attempt
const backoffFactor = 2

// calculateBackoff returns the delay before reconnect attempt retry (zero
// based): initial * backoffFactor^retry, capped at maxBackoff.
func calculateBackoff(initial, maxBackoff time.Duration, retry int) time.Duration {
	backoff := initial
	for i := 0; i < retry && backoff < maxBackoff; i++ {
		backoff *= backoffFactor
	}
	if maxBackoff > 0 && backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// monitor waits for the process behind h to exit. Unless the exit was
// caused by Stop, it evicts the handle, persists the disconnect and, when
// the tunnel still wants auto-reconnect, restarts it with exponential
// backoff. After MaxRetries failed attempts it gives up and the tunnel
// stays idle. A successful reconnect starts a fresh monitor.
func (s *Supervisor) monitor(h *handle) {
	defer s.monitors.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("Monitor for '%s' panicked: %v", h.label, r))
			s.evict(h)
		}
	}()

	<-h.exited

	s.mu.Lock()
	stopping := h.stopping
	s.mu.Unlock()
	if stopping {
		// Stop owns cleanup and persistence
		return
	}

	if !s.handleExit(h) {
		return
	}

	for retry := 0; ; retry++ {
		opts := s.options()
		if retry >= opts.MaxRetries {
			slog.Warn(fmt.Sprintf("Tunnel '%s' exceeded max retry attempts (%d). Giving up.", h.label, opts.MaxRetries))
			s.logEvent(h.id, "max_retries_exceeded", fmt.Sprintf("Max retries (%d) exceeded", opts.MaxRetries))
			return
		}

		backoff := calculateBackoff(opts.ReconnectBackoff, opts.MaxBackoff, retry)
		slog.Info(fmt.Sprintf("Tunnel '%s' will reconnect in %v (attempt %d/%d)", h.label, backoff, retry+1, opts.MaxRetries))

		select {
		case <-s.done:
			return
		case <-s.clock.After(backoff):
		}

		if !s.reconnect(h.id, h.label) {
			return
		}
	}
}

// handleExit records an unexpected exit under the id lock and reports
// whether the tunnel should be reconnected.
func (s *Supervisor) handleExit(h *handle) bool {
	s.locks.Lock(h.id)
	defer s.locks.Unlock(h.id)

	s.mu.Lock()
	current := s.tunnels[h.id] == h
	s.mu.Unlock()
	if !current {
		// Stopped or replaced while we took the lock
		return false
	}

	exitDetails := ""
	if h.waitErr != nil {
		exitDetails = fmt.Sprintf("Error: %v", h.waitErr)
		slog.Info(fmt.Sprintf("Tunnel process for '%s' exited with an error: %v", h.label, h.waitErr))
	} else {
		slog.Info(fmt.Sprintf("Tunnel process for '%s' exited.", h.label))
	}
	if reason := classify(h.tail.String()); reason != "" {
		exitDetails += " (" + reason + ")"
	}

	s.evict(h)

	ctx := context.Background()
	if err := s.store.UpdateConnectionStatus(ctx, h.id, false, nil); err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Error(fmt.Sprintf("Failed to persist disconnected state for '%s'", h.label), "error", err)
	}
	s.logEvent(h.id, "disconnect", exitDetails)

	t, err := s.store.GetTunnel(ctx, h.id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			slog.Info(fmt.Sprintf("Tunnel '%s' was deleted. Not reconnecting.", h.label))
		} else {
			slog.Error(fmt.Sprintf("Failed to reload tunnel '%s'. Not reconnecting.", h.label), "error", err)
		}
		return false
	}
	if !t.AutoReconnect {
		slog.Info(fmt.Sprintf("Tunnel '%s' auto-reconnect disabled. Not reconnecting.", h.label))
		return false
	}
	return true
}

// reconnect restarts id unless something else brought it back meanwhile.
// It reports whether another attempt should follow; a successful restart
// has its own monitor.
func (s *Supervisor) reconnect(id, label string) (retry bool) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	s.mu.Lock()
	_, live := s.tunnels[id]
	s.mu.Unlock()
	if live {
		slog.Debug(fmt.Sprintf("Tunnel '%s' already reconnected", label))
		return false
	}

	// The flag may have been cleared during the backoff
	t, err := s.store.GetTunnel(context.Background(), id)
	if err != nil || !t.AutoReconnect {
		return false
	}

	slog.Info(fmt.Sprintf("Attempting to reconnect tunnel '%s'", label))
	if err := s.restart(context.Background(), id); err != nil {
		switch {
		case errors.Is(err, ErrClosed), errors.Is(err, ErrAlreadyActive),
			errors.Is(err, ErrNotFound), errors.Is(err, ErrConfigInvalid):
			return false
		}
		slog.Warn(fmt.Sprintf("Reconnect of tunnel '%s' failed", label), "error", err)
		s.logEvent(id, "reconnect_failed", err.Error())
		return true
	}
	s.logEvent(id, "reconnect", "")
	return false
}
