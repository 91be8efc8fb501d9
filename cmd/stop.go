package cmd

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudconnect/tunneld/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunneld daemon",
		Long: `Stop the tunneld daemon, disconnecting all SSH tunnels.

Tunnels stopped this way count as manually disconnected and are not
reconnected by the next daemon unless they are enabled for startup.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			resp, err := c.Do(cmd.Context(), http.MethodPost, "/api/v1/shutdown", nil)
			if err != nil {
				slog.Warn("Daemon is not running")
				return nil
			}
			resp.LogMessages()

			if err := daemon.WaitForShutdown(c, 15*time.Second); err != nil {
				slog.Warn("Daemon did not shut down within timeout, but stop command was sent")
				return nil
			}
			slog.Debug("Daemon shutdown confirmed")
			return nil
		},
	}
}
