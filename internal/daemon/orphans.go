package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cloudconnect/tunneld/internal/db"
)

const orphanTermTimeout = 2 * time.Second

// cleanOrphanTunnels kills ssh processes recorded by a previous daemon that
// did not shut down cleanly. The persisted connection state is left alone
// so the startup sweep can bring those tunnels back. Returns the number of
// processes killed.
func (d *Daemon) cleanOrphanTunnels(ctx context.Context) int {
	connected, err := d.database.ListConnectedTunnels(ctx)
	if err != nil {
		slog.Warn("Failed to list tunnels for orphan cleanup", "error", err)
		return 0
	}

	killed := 0
	for i := range connected {
		t := &connected[i]
		if t.ProcessID == nil {
			continue
		}
		pid := *t.ProcessID

		p, ok := tunnelProcess(pid, t)
		if !ok {
			slog.Debug("Recorded PID is not a tunnel process", "tunnel", t.ID, "pid", pid)
			continue
		}

		slog.Warn(fmt.Sprintf("Found orphan SSH process for tunnel '%s', killing", t.DisplayName()), "pid", pid)
		if err := terminateProcess(p); err != nil {
			slog.Error("Failed to kill orphan process", "pid", pid, "error", err)
			continue
		}
		killed++
		if err := d.database.LogTunnelEvent(t.ID, "orphan_killed", fmt.Sprintf("Killed orphan SSH process with PID %d", pid)); err != nil {
			slog.Error("Failed to log orphan kill event", "error", err)
		}
	}
	return killed
}

// tunnelProcess returns the process for pid if its command line is the
// reverse forward of t. This guards against PID reuse.
func tunnelProcess(pid int, t *db.Tunnel) (*process.Process, bool) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, false
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return nil, false
	}
	return p, matchesCommandLine(cmdline, t)
}

// matchesCommandLine checks that cmdline carries the forward spec and
// destination of t. Contains matching tolerates extra options.
func matchesCommandLine(cmdline string, t *db.Tunnel) bool {
	if !strings.Contains(cmdline, " -R ") {
		return false
	}
	forward := fmt.Sprintf(":%d:localhost:%d", t.RemotePort, t.LocalPort)
	dest := fmt.Sprintf("%s@%s", t.RemoteUser, t.RemoteHost)
	return strings.Contains(cmdline, forward) && strings.Contains(cmdline, dest)
}

// terminateProcess sends SIGTERM and escalates to SIGKILL after
// orphanTermTimeout
func terminateProcess(p *process.Process) error {
	if err := p.Terminate(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(orphanTermTimeout)
	for time.Now().Before(deadline) {
		if running, err := p.IsRunning(); err != nil || !running {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	slog.Warn("Orphan did not exit after SIGTERM, sending SIGKILL", "pid", p.Pid)
	return p.Kill()
}
