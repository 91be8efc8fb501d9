package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cloudconnect/tunneld/internal/core"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientFormatted := core.FormatVersion(core.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Client version: %s\n", clientFormatted)

			version, err := daemonVersion(cmd.Context(), newClient())
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon: not running")
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon version: %s\n", version)

			if version != clientFormatted {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.", clientFormatted, version))
			}
		},
	}
}
