package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filter categories:
  tunnel  - Tunnel and ssh output
  sweep   - Health and startup sweeps
  payment - Invoice processing
  system  - Daemon start/stop, config reload

Examples:
  tunneld logs             # Stream INFO and above
  tunneld logs --debug     # Include DEBUG logs and ssh output
  tunneld logs -f sweep    # Filter to reconciliation sweeps
  tunneld logs -L 50       # Show 50 history lines on connect

Automatically reconnects if the daemon is restarted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if err := requireDaemon(c); err != nil {
				return err
			}

			debug, _ := cmd.Flags().GetBool("debug")
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")
			follow, _ := cmd.Flags().GetBool("follow")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := &logFilter{w: cmd.OutOrStdout(), debug: debug, filter: filter, noColor: noColor}
			history := lines
			for {
				path := fmt.Sprintf("/api/v1/logs?history=%d&follow=%v", history, follow)
				err := c.Stream(ctx, path, out)
				out.flush()
				if ctx.Err() != nil {
					fmt.Fprintln(os.Stderr, "\nDisconnected from daemon logs.")
					return nil
				}
				if err != nil || !follow {
					return err
				}

				fmt.Fprintln(os.Stderr, "Connection lost. Reconnecting...")
				if !waitForDaemon(ctx, c.IsRunning, 10, 500*time.Millisecond) {
					slog.Error("Daemon not available. Exiting.")
					return nil
				}
				// History was already shown
				history = 0
			}
		},
	}

	logsCmd.Flags().Bool("debug", false, "Show DEBUG level logs")
	logsCmd.Flags().StringP("filter", "f", "", "Filter logs by keyword (e.g. tunnel, sweep, payment)")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().Bool("follow", true, "Keep streaming new lines")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")

	return logsCmd
}

func waitForDaemon(ctx context.Context, running func() bool, attempts int, interval time.Duration) bool {
	for range attempts {
		if running() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

// logFilter is an io.Writer that splits the stream into lines and drops
// those that do not pass the filters
type logFilter struct {
	w       io.Writer
	debug   bool
	filter  string
	noColor bool
	partial string
}

func (f *logFilter) Write(p []byte) (int, error) {
	data := f.partial + string(p)
	scanner := bufio.NewScanner(strings.NewReader(data))
	f.partial = ""
	complete := strings.HasSuffix(data, "\n")

	var pending []string
	for scanner.Scan() {
		pending = append(pending, scanner.Text())
	}
	if !complete && len(pending) > 0 {
		f.partial = pending[len(pending)-1]
		pending = pending[:len(pending)-1]
	}
	for _, line := range pending {
		f.emit(line)
	}
	return len(p), nil
}

func (f *logFilter) flush() {
	if f.partial != "" {
		f.emit(f.partial)
		f.partial = ""
	}
}

func (f *logFilter) emit(line string) {
	if !f.debug && isDebugLog(line) {
		return
	}
	if f.filter != "" && !matchesFilter(line, f.filter) {
		return
	}
	if f.noColor {
		line = stripANSI(line)
	}
	fmt.Fprintln(f.w, line)
}

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	stripped := stripANSI(line)
	return strings.Contains(stripped, " DBG ")
}

// matchesFilter checks if a log line matches the filter criteria
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(stripANSI(line))

	switch filter {
	case "tunnel":
		return strings.Contains(lineLower, "tunnel") ||
			strings.Contains(lineLower, "ssh")
	case "sweep":
		return strings.Contains(lineLower, "sweep") ||
			strings.Contains(lineLower, "drift")
	case "payment":
		return strings.Contains(lineLower, "invoice") ||
			strings.Contains(lineLower, "payment")
	case "system":
		return strings.Contains(lineLower, "daemon") ||
			strings.Contains(lineLower, "configuration") ||
			strings.Contains(lineLower, "database")
	default:
		return strings.Contains(lineLower, filter)
	}
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
