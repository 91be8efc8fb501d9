package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cloudconnect/tunneld/internal/core"
	"github.com/cloudconnect/tunneld/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "daemon",
		Short:  "Run the daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.New(core.Config).Run()
		},
	}
}
