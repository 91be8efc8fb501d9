package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudconnect/tunneld/internal/db"
)

func NewEventsCommand() *cobra.Command {
	var limit int
	var daemonOnly bool
	eventsCmd := &cobra.Command{
		Use:               "events [id]",
		Short:             "Show recent tunnel lifecycle events",
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completeTunnelIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if err := requireDaemon(c); err != nil {
				return err
			}
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if daemonOnly {
				resp, err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/events/daemon?"+q.Encode(), nil)
				if err != nil {
					return err
				}
				var events []db.DaemonEvent
				if err := resp.DecodeData(&events); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), formatOf(cmd), events, func(w io.Writer) {
					writeDaemonEvents(w, events)
				})
			}
			if len(args) == 1 {
				q.Set("tunnel_id", args[0])
			}
			resp, err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/events?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			var events []db.TunnelEvent
			if err := resp.DecodeData(&events); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), formatOf(cmd), events, func(w io.Writer) {
				writeEvents(w, events)
			})
		},
	}
	eventsCmd.Flags().BoolVar(&daemonOnly, "daemon", false, "show daemon start and stop events instead")
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	addFormatFlag(eventsCmd)

	return eventsCmd
}

// writeEvents prints events oldest first
func writeEvents(w io.Writer, events []db.TunnelEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		line := fmt.Sprintf("%s  %-8.8s  %-18s", e.Timestamp.Local().Format(time.DateTime), e.TunnelID, e.EventType)
		if e.Details != "" {
			line += "  " + e.Details
		}
		fmt.Fprintln(w, line)
	}
}

func writeDaemonEvents(w io.Writer, events []db.DaemonEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		fmt.Fprintf(w, "%s  %-8s  %s\n", e.Timestamp.Local().Format(time.DateTime), e.EventType, e.Details)
	}
}
