package cmd

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudconnect/tunneld/internal/db"
)

// completeTunnelIDs completes the first argument with tunnel ids known to
// the daemon, described by their names
func completeTunnelIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := newClient().Do(ctx, http.MethodGet, "/api/v1/tunnels", nil)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var tunnels []db.Tunnel
	if err := resp.DecodeData(&tunnels); err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return tunnelCompletions(tunnels, toComplete), cobra.ShellCompDirectiveNoFileComp
}

func tunnelCompletions(tunnels []db.Tunnel, prefix string) []string {
	var out []string
	for _, t := range tunnels {
		if !strings.HasPrefix(t.ID, prefix) {
			continue
		}
		if t.Name != "" {
			out = append(out, t.ID+"\t"+t.Name)
		} else {
			out = append(out, t.ID)
		}
	}
	return out
}
