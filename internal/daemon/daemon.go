// Package daemon runs the tunnel supervisor as a long-lived process: it owns
// the database, the supervisor and sweeps, and serves the HTTP API on a
// unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/cloudconnect/tunneld/internal/api"
	"github.com/cloudconnect/tunneld/internal/billing"
	"github.com/cloudconnect/tunneld/internal/core"
	"github.com/cloudconnect/tunneld/internal/db"
	"github.com/cloudconnect/tunneld/internal/reconcile"
	"github.com/cloudconnect/tunneld/internal/supervisor"
)

// ErrAlreadyRunning is returned by Run when another daemon owns the socket
var ErrAlreadyRunning = errors.New("daemon is already running")

const shutdownTimeout = 10 * time.Second

// Daemon wires the supervisor, sweeps, bootstrap and API together
type Daemon struct {
	cfg          *core.Configuration
	stderr       io.Writer
	logLevel     *slog.LevelVar
	logBroadcast *LogBroadcaster

	database *db.DB
	sup      *supervisor.Supervisor
	sched    *reconcile.Scheduler
	boot     *billing.Bootstrap
	cron     *cron.Cron
	servers  []*http.Server

	ctx          context.Context
	cancelFunc   context.CancelFunc
	background   sync.WaitGroup
	shutdownOnce sync.Once
	stopped      chan struct{}
	started      time.Time
}

// New creates a daemon for cfg
func New(cfg *core.Configuration) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	level := new(slog.LevelVar)
	level.Set(levelFor(cfg.Verbose))
	return &Daemon{
		cfg:          cfg,
		stderr:       os.Stderr,
		logLevel:     level,
		logBroadcast: NewLogBroadcaster(1000),
		ctx:          ctx,
		cancelFunc:   cancel,
		stopped:      make(chan struct{}),
	}
}

func (d *Daemon) socketPath() string {
	return filepath.Join(d.cfg.ConfigPath, core.SocketName)
}

func (d *Daemon) pidFilePath() string {
	return filepath.Join(d.cfg.ConfigPath, core.PidFileName)
}

// Run starts every component and blocks until the daemon is shut down by
// a signal or the API.
func (d *Daemon) Run() error {
	d.setupLogging()
	d.started = time.Now()

	if err := os.MkdirAll(d.cfg.ConfigPath, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	listener, err := listenUnix(d.socketPath())
	if err != nil {
		return err
	}

	if err := os.WriteFile(d.pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		listener.Close()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	dbPath := filepath.Join(d.cfg.ConfigPath, core.DatabaseName)
	database, err := db.Open(dbPath)
	if err != nil {
		listener.Close()
		d.removeRuntimeFiles()
		return fmt.Errorf("failed to open database: %w", err)
	}
	d.database = database
	slog.Info("Database opened", "path", dbPath)

	version := core.FormatVersion(core.Version)
	if err := d.database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
		slog.Error("Failed to log daemon start", "error", err)
	}

	if n := d.cleanOrphanTunnels(d.ctx); n > 0 {
		slog.Info("Cleaned up orphan tunnels from previous daemon", "count", n)
	}

	d.sup = supervisor.New(d.database, supervisor.OptionsFromConfig(d.cfg))
	d.sched = reconcile.New(d.database, d.sup, reconcile.OptionsFromConfig(d.cfg))
	d.boot = billing.New(d.database, d.sched, d.cfg.Billing.Tag, d.cfg.Billing.QueueSize)

	d.background.Add(1)
	go func() {
		defer d.background.Done()
		d.boot.Run(d.ctx)
	}()

	if err := d.startMaintenance(); err != nil {
		slog.Error("Failed to schedule maintenance jobs", "error", err)
	}
	d.watchConfig()

	gin.SetMode(gin.ReleaseMode)
	router := api.New(api.Deps{
		Store:      d.database,
		Supervisor: d.sup,
		Payments:   d.boot,
		Logs:       d.logBroadcast,
		Version:    version,
		Started:    d.started,
		Shutdown:   d.Shutdown,
	}).Router()

	d.serve(listener, router)
	slog.Info(fmt.Sprintf("Daemon listening on %s", d.socketPath()))

	if addr := d.cfg.API.Listen; addr != "" {
		tcp, err := net.Listen("tcp", addr)
		if err != nil {
			slog.Error("Failed to listen on TCP address, serving unix socket only", "addr", addr, "error", err)
		} else {
			d.serve(tcp, router)
			slog.Info(fmt.Sprintf("Daemon listening on %s", tcp.Addr()))
		}
	}

	d.handleSignals()

	<-d.stopped
	return nil
}

func (d *Daemon) serve(l net.Listener, h http.Handler) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	d.servers = append(d.servers, srv)
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server stopped", "addr", l.Addr(), "error", err)
		}
	}()
}

// listenUnix listens on path, replacing a stale socket file left by a
// daemon that did not shut down cleanly
func listenUnix(path string) (net.Listener, error) {
	listener, err := net.Listen("unix", path)
	if err == nil {
		return listener, nil
	}

	if _, statErr := os.Stat(path); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	if conn, dialErr := net.Dial("unix", path); dialErr == nil {
		conn.Close()
		return nil, ErrAlreadyRunning
	}

	slog.Info(fmt.Sprintf("Removing stale socket file: %s", path))
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	listener, err = net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	return listener, nil
}

func (d *Daemon) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("Shutdown signal received. Closing all tunnels.", "signal", sig.String())
			d.Shutdown()
		case <-d.stopped:
		}
	}()
}

// Shutdown stops every tunnel and component. Safe to call more than once;
// later calls return immediately.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		d.cancelFunc()
		if d.cron != nil {
			<-d.cron.Stop().Done()
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		active := 0
		if d.sup != nil {
			active = len(d.sup.LiveIDs())
			d.sup.StopAll(ctx)
		}
		d.background.Wait()

		for _, srv := range d.servers {
			srvCtx, srvCancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := srv.Shutdown(srvCtx); err != nil {
				srv.Close()
			}
			srvCancel()
		}

		if d.database != nil {
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d, active tunnels: %d",
				core.FormatVersion(core.Version), os.Getpid(), active)
			if err := d.database.LogDaemonEvent("stop", details); err != nil {
				slog.Error("Failed to log daemon stop event", "error", err)
			}
			if err := d.database.Flush(); err != nil {
				slog.Error("Failed to flush database during shutdown", "error", err)
			}
			if err := d.database.Close(); err != nil {
				slog.Error("Failed to close database during shutdown", "error", err)
			} else {
				slog.Info("Database closed successfully")
			}
		}

		d.removeRuntimeFiles()
		close(d.stopped)
	})
}

func (d *Daemon) removeRuntimeFiles() {
	os.Remove(d.pidFilePath())
	os.Remove(d.socketPath())
}
