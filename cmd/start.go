package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cloudconnect/tunneld/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the tunneld daemon",
		Long: `Start the tunneld daemon in the background.

The daemon supervises the SSH tunnels and serves the API on a unix socket. It
keeps running until explicitly stopped with 'tunneld stop'.

If the daemon is already running, this command will report its version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if c.IsRunning() {
				if v, err := daemonVersion(cmd.Context(), c); err == nil {
					slog.Info(fmt.Sprintf("Daemon is already running (version %s)", v))
				} else {
					slog.Info("Daemon is already running")
				}
				return nil
			}

			slog.Info("Starting tunneld daemon...")
			if err := daemon.EnsureDaemonIsRunning(c); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}
			slog.Info("Daemon started successfully")
			return nil
		},
	}
}

func daemonVersion(ctx context.Context, c *daemon.Client) (string, error) {
	resp, err := c.Do(ctx, "GET", "/api/v1/version", nil)
	if err != nil {
		return "", err
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := resp.DecodeData(&v); err != nil {
		return "", err
	}
	return v.Version, nil
}
