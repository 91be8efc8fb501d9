package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cloudconnect/tunneld/internal/core"
	"github.com/cloudconnect/tunneld/internal/daemon"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:           "tunneld",
		Short:         "tunneld - SSH reverse tunnel supervisor",
		Long:          `tunneld keeps SSH reverse tunnels up and exposes them over a local HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfigOrDefault(configPath)
			if err != nil {
				return err
			}
			cfg.ConfigPath = configPath
			if verbose > cfg.Verbose {
				cfg.Verbose = verbose
			}
			core.Config = cfg
			setupCLILogging(cfg.Verbose)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", core.DefaultConfigPath(), "config path")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewStatusCommand(),
		NewCreateCommand(),
		NewListCommand(),
		NewShowCommand(),
		NewUpdateCommand(),
		NewDeleteCommand(),
		NewConnectCommand(),
		NewDisconnectCommand(),
		NewRestartCommand(),
		NewEventsCommand(),
		NewLogsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupCLILogging sends client log output to stderr so data on stdout stays
// machine readable
func setupCLILogging(verbose int) {
	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})))
}

// newClient returns an API client for the configured daemon socket
func newClient() *daemon.Client {
	return daemon.NewClient()
}

// requireDaemon fails early with a hint when the daemon is down
func requireDaemon(c *daemon.Client) error {
	if !c.IsRunning() {
		return fmt.Errorf("daemon is not running, use 'tunneld start' to start it")
	}
	return nil
}
