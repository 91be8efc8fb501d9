package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudconnect/tunneld/internal/api"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Shows the daemon and all currently active tunnels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if err := requireDaemon(c); err != nil {
				return err
			}
			resp, err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/status", nil)
			if err != nil {
				return err
			}
			var status api.DaemonStatus
			if err := resp.DecodeData(&status); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), formatOf(cmd), status, func(w io.Writer) {
				writeStatus(w, status, time.Now())
			})
		},
	}
	addFormatFlag(statusCmd)

	return statusCmd
}

func writeStatus(w io.Writer, status api.DaemonStatus, now time.Time) {
	fmt.Fprintf(w, "Daemon %s, up %s\n", status.Version, status.Uptime)
	if len(status.Tunnels) == 0 {
		fmt.Fprintln(w, "No active tunnels.")
		return
	}
	fmt.Fprintln(w, "Active Tunnels:")
	for _, st := range status.Tunnels {
		name := st.Name
		if name == "" {
			name = st.ID
		}
		fmt.Fprintf(w, "  - %s (PID: %d, Age: %s)\n", name, st.PID, now.Sub(st.Started).Round(time.Second))
	}
}
