package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cloudconnect/tunneld/internal/api"
	"github.com/cloudconnect/tunneld/internal/core"
)

// APIError is a reply with a non-2xx status
type APIError struct {
	StatusCode int
	Response   api.Response
}

func (e *APIError) Error() string {
	var msgs []string
	for _, m := range e.Response.Messages {
		msgs = append(msgs, m.Message)
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("daemon returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return strings.Join(msgs, "; ")
}

// Client talks to the daemon API over its unix socket
type Client struct {
	http       *http.Client
	socketPath string
}

// NewClient returns a client for the socket of the current configuration
func NewClient() *Client {
	return NewClientForSocket(core.GetSocketPath())
}

// NewClientForSocket returns a client for the socket at path
func NewClientForSocket(path string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &Client{
		http:       &http.Client{Transport: transport},
		socketPath: path,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://tunneld"+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do sends a request and decodes the reply. A non-2xx status is returned
// as *APIError alongside the decoded response.
func (c *Client) Do(ctx context.Context, method, path string, body any) (api.Response, error) {
	response := api.Response{}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return response, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return response, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &response); err != nil {
			return response, fmt.Errorf("failed to parse response from daemon: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		return response, &APIError{StatusCode: resp.StatusCode, Response: response}
	}
	return response, nil
}

// Stream copies a streaming endpoint to w until ctx is done or the daemon
// closes the stream
func (c *Client) Stream(ctx context.Context, path string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var response api.Response
		json.NewDecoder(resp.Body).Decode(&response)
		return &APIError{StatusCode: resp.StatusCode, Response: response}
	}
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return err
	}
	return nil
}

// Ping reports whether the daemon answers
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, http.MethodGet, "/api/v1/version", nil)
	return err
}

// IsRunning reports whether a daemon answers on the socket
func (c *Client) IsRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.Ping(ctx) == nil
}

// EnsureDaemonIsRunning starts a detached daemon unless one already answers
// and waits for its socket to come up
func EnsureDaemonIsRunning(c *Client) error {
	if c.IsRunning() {
		return nil
	}

	slog.Info("Daemon not running. Starting it now...")
	args := []string{"daemon"}
	if core.Config != nil && core.Config.ConfigPath != "" {
		args = append(args, "--config-path", core.Config.ConfigPath)
	}
	cmd := exec.Command(os.Args[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Info(fmt.Sprintf("Daemon process launched with PID: %d", cmd.Process.Pid))
	cmd.Process.Release()

	return WaitForDaemon(c, 5*time.Second)
}

// WaitForDaemon polls until the daemon answers or timeout elapses
func WaitForDaemon(c *Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.IsRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("daemon process was launched but did not answer in time")
}

// WaitForShutdown polls until the socket is gone or timeout elapses
func WaitForShutdown(c *Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(c.socketPath); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("daemon did not shut down in time")
}
