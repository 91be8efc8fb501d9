package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cloudconnect/tunneld/internal/db"
)

const (
	tailLines    = 20
	maxLineBytes = 4096 // longer stderr lines are truncated
)

// killWait bounds how long we wait for exit after SIGKILL
const killWait = 2 * time.Second

// stderrWaitDelay bounds how long Wait keeps copying stderr after ssh
// exited while a descendant still holds the pipe open
const stderrWaitDelay = time.Second

// handle is the live state of one spawned ssh process
type handle struct {
	id      string
	label   string
	cmd     *exec.Cmd
	pid     int
	keyPath string
	started time.Time

	exited  chan struct{} // closed after cmd.Wait returns
	waitErr error         // valid once exited is closed
	tail    *tailBuffer

	stopping bool // guarded by Supervisor.mu
}

// tailBuffer keeps the last lines of ssh stderr for diagnostics
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) >= b.max {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// lineWriter splits ssh stderr into lines for the tail buffer and the
// debug log. Writes never fail, so stderr is always drained.
type lineWriter struct {
	label string
	tail  *tailBuffer

	mu      sync.Mutex
	buf     []byte
	discard bool // rest of an over-long line is dropped
}

func newLineWriter(label string) *lineWriter {
	return &lineWriter{label: label, tail: newTailBuffer(tailLines)}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		chunk := p
		if i >= 0 {
			chunk = p[:i]
		}
		if !w.discard {
			w.buf = append(w.buf, chunk...)
			if len(w.buf) > maxLineBytes {
				w.buf = append(w.buf[:maxLineBytes], "..."...)
				w.emit()
				w.discard = true
			}
		}
		if i < 0 {
			break
		}
		if !w.discard {
			w.emit()
		}
		w.discard = false
		p = p[i+1:]
	}
	return n, nil
}

// flush emits a trailing line that had no newline
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 && !w.discard {
		w.emit()
	}
	w.discard = false
}

func (w *lineWriter) emit() {
	line := strings.TrimSuffix(string(w.buf), "\r")
	w.buf = w.buf[:0]
	w.tail.add(line)
	slog.Debug(fmt.Sprintf("[%s] SSH: %s", w.label, line))
}

// failureMarkers maps ssh -v output to a short reason
var failureMarkers = []struct {
	marker string
	reason string
}{
	{"Permission denied", "authentication failed"},
	{"Connection refused", "connection refused"},
	{"No route to host", "no route to host"},
	{"Connection timed out", "connection timed out"},
	{"Could not resolve hostname", "could not resolve hostname"},
	{"Host key verification failed", "host key verification failed"},
	{"Too many authentication failures", "too many authentication failures"},
	{"remote port forwarding failed", "remote port forwarding failed"},
	{"Load key", "invalid key file"},
}

// classify returns the reason for the first known failure marker in output
func classify(output string) string {
	for _, m := range failureMarkers {
		if strings.Contains(output, m.marker) {
			return m.reason
		}
	}
	return ""
}

// buildArgs returns the ssh arguments for a reverse forward of t
func buildArgs(opts SSHOptions, t *db.Tunnel, keyPath string) []string {
	args := []string{
		"-N", "-v",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", fmt.Sprintf("ServerAliveInterval=%d", opts.ServerAliveInterval),
		"-o", fmt.Sprintf("ServerAliveCountMax=%d", opts.ServerAliveCountMax),
		"-o", fmt.Sprintf("ConnectTimeout=%d", opts.ConnectTimeout),
		"-o", "ExitOnForwardFailure=yes",
		"-i", keyPath,
	}
	if t.SSHPort != 0 && t.SSHPort != 22 {
		args = append(args, "-p", strconv.Itoa(t.SSHPort))
	}
	args = append(args,
		"-R", fmt.Sprintf("%s:%d:localhost:%d", opts.BindAddress, t.RemotePort, t.LocalPort),
		fmt.Sprintf("%s@%s", t.RemoteUser, t.RemoteHost),
	)
	return args
}

// spawn starts the ssh process in its own session. The returned handle's
// exited channel closes as soon as the process has been reaped.
func spawn(binary string, args []string, t *db.Tunnel, keyPath string) (*handle, error) {
	stderr := newLineWriter(t.DisplayName())

	cmd := exec.Command(binary, args...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Stderr = stderr
	cmd.WaitDelay = stderrWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &handle{
		id:      t.ID,
		label:   t.DisplayName(),
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		keyPath: keyPath,
		started: time.Now(),
		exited:  make(chan struct{}),
		tail:    stderr.tail,
	}
	go h.wait(stderr)
	return h, nil
}

// wait reaps the process. A descendant that inherited stderr delays the
// exit notification by at most stderrWaitDelay.
func (h *handle) wait(stderr *lineWriter) {
	err := h.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		slog.Debug(fmt.Sprintf("[%s] SSH stderr still held open after exit", h.label))
		err = nil
	}
	stderr.flush()

	h.waitErr = err
	close(h.exited)
}

// hasExited reports whether the process has been reaped
func (h *handle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// terminate sends SIGTERM and waits up to timeout for exit, then kills the
// whole process group. A process that is already gone counts as stopped.
func (s *Supervisor) terminate(h *handle, timeout time.Duration) error {
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-h.exited
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", h.label), "error", err)
		return s.kill(h)
	}

	select {
	case <-h.exited:
		slog.Info(fmt.Sprintf("Process for '%s' terminated gracefully", h.label))
		return nil
	case <-s.clock.After(timeout):
	}

	slog.Warn(fmt.Sprintf("Process for '%s' did not exit within %v, forcing kill", h.label, timeout))
	return s.kill(h)
}

// kill sends SIGKILL to the process group and waits for the reaper
func (s *Supervisor) kill(h *handle) error {
	// Setsid makes the pid the group id
	if err := unix.Kill(-h.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}

	select {
	case <-h.exited:
		return nil
	case <-time.After(killWait):
		slog.Error(fmt.Sprintf("Process for '%s' survived SIGKILL", h.label), "pid", h.pid)
		return fmt.Errorf("process %d survived SIGKILL", h.pid)
	}
}
