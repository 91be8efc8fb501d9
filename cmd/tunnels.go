package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cloudconnect/tunneld/internal/db"
)

// tunnelFlags are shared by create and update
type tunnelFlags struct {
	name          string
	account       string
	host          string
	user          string
	remotePort    int
	localPort     int
	sshPort       int
	autoReconnect bool
	startup       bool
}

func (f *tunnelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().StringVar(&f.account, "account", "", "owning account id")
	cmd.Flags().StringVar(&f.host, "host", "", "SSH server to connect to")
	cmd.Flags().StringVar(&f.user, "user", "", "SSH user on the server")
	cmd.Flags().IntVar(&f.remotePort, "remote-port", 0, "port opened on the server")
	cmd.Flags().IntVar(&f.localPort, "local-port", 0, "local port the server forwards to")
	cmd.Flags().IntVar(&f.sshPort, "ssh-port", 0, "SSH server port (default 22)")
	cmd.Flags().BoolVar(&f.autoReconnect, "auto-reconnect", true, "reconnect when the tunnel drops")
	cmd.Flags().BoolVar(&f.startup, "startup", false, "start the tunnel when the daemon starts")
}

// body builds the request body. Flags that were not given keep the values
// of base.
func (f *tunnelFlags) body(cmd *cobra.Command, base *db.Tunnel) map[string]any {
	b := map[string]any{
		"name":            base.Name,
		"account_id":      base.AccountID,
		"remote_host":     base.RemoteHost,
		"remote_user":     base.RemoteUser,
		"remote_port":     base.RemotePort,
		"local_port":      base.LocalPort,
		"ssh_port":        base.SSHPort,
		"auto_reconnect":  base.AutoReconnect,
		"startup_enabled": base.StartupEnabled,
	}
	set := func(flag, key string, v any) {
		if cmd.Flags().Changed(flag) {
			b[key] = v
		}
	}
	set("name", "name", f.name)
	set("account", "account_id", f.account)
	set("host", "remote_host", f.host)
	set("user", "remote_user", f.user)
	set("remote-port", "remote_port", f.remotePort)
	set("local-port", "local_port", f.localPort)
	set("ssh-port", "ssh_port", f.sshPort)
	set("auto-reconnect", "auto_reconnect", f.autoReconnect)
	set("startup", "startup_enabled", f.startup)
	return b
}

func NewCreateCommand() *cobra.Command {
	var flags tunnelFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tunnel and print its public key",
		Long: `Create a tunnel record with a freshly generated key pair.

Install the printed public key in the authorized_keys of the SSH user before
connecting the tunnel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if err := requireDaemon(c); err != nil {
				return err
			}
			body := flags.body(cmd, &db.Tunnel{AutoReconnect: true})
			resp, err := c.Do(cmd.Context(), http.MethodPost, "/api/v1/tunnels", body)
			if err != nil {
				return err
			}
			var t db.Tunnel
			if err := resp.DecodeData(&t); err != nil {
				return err
			}
			resp.LogMessages()
			return render(cmd.OutOrStdout(), formatOf(cmd), t, func(w io.Writer) {
				writeTunnel(w, &t)
			})
		},
	}
	flags.register(createCmd)
	createCmd.MarkFlagRequired("host")
	createCmd.MarkFlagRequired("user")
	createCmd.MarkFlagRequired("remote-port")
	createCmd.MarkFlagRequired("local-port")
	addFormatFlag(createCmd)

	return createCmd
}

func NewListCommand() *cobra.Command {
	var account string
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tunnels",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if err := requireDaemon(c); err != nil {
				return err
			}
			path := "/api/v1/tunnels"
			if account != "" {
				path += "?account_id=" + url.QueryEscape(account)
			}
			resp, err := c.Do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			var tunnels []db.Tunnel
			if err := resp.DecodeData(&tunnels); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), formatOf(cmd), tunnels, func(w io.Writer) {
				writeTunnelTable(w, tunnels)
			})
		},
	}
	listCmd.Flags().StringVar(&account, "account", "", "only list tunnels of this account")
	addFormatFlag(listCmd)

	return listCmd
}

func NewShowCommand() *cobra.Command {
	showCmd := &cobra.Command{
		Use:               "show <id>",
		Short:             "Show one tunnel",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeTunnelIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := fetchTunnel(cmd, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), formatOf(cmd), t, func(w io.Writer) {
				writeTunnel(w, t)
			})
		},
	}
	addFormatFlag(showCmd)

	return showCmd
}

func NewUpdateCommand() *cobra.Command {
	var flags tunnelFlags
	updateCmd := &cobra.Command{
		Use:               "update <id>",
		Short:             "Change tunnel parameters",
		Long:              `Change tunnel parameters. A connected tunnel keeps its old parameters until restarted.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeTunnelIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := fetchTunnel(cmd, args[0])
			if err != nil {
				return err
			}
			resp, err := newClient().Do(cmd.Context(), http.MethodPut, "/api/v1/tunnels/"+url.PathEscape(args[0]), flags.body(cmd, current))
			if err != nil {
				return err
			}
			resp.LogMessages()
			return nil
		},
	}
	flags.register(updateCmd)

	return updateCmd
}

// simpleCommand builds a command that posts to a tunnel action and logs
// the reply
func simpleCommand(use, short, method, action string) *cobra.Command {
	return &cobra.Command{
		Use:               use + " <id>",
		Short:             short,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeTunnelIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if err := requireDaemon(c); err != nil {
				return err
			}
			path := "/api/v1/tunnels/" + url.PathEscape(args[0])
			if action != "" {
				path += "/" + action
			}
			resp, err := c.Do(cmd.Context(), method, path, nil)
			if err != nil {
				logDiagnostic(resp.Data)
				return err
			}
			resp.LogMessages()
			return nil
		},
	}
}

func NewDeleteCommand() *cobra.Command {
	deleteCmd := simpleCommand("delete", "Stop and delete a tunnel", http.MethodDelete, "")
	deleteCmd.Aliases = []string{"rm"}
	return deleteCmd
}

func NewConnectCommand() *cobra.Command {
	return simpleCommand("connect", "Connect a tunnel and enable auto reconnect", http.MethodPost, "connect")
}

func NewDisconnectCommand() *cobra.Command {
	return simpleCommand("disconnect", "Disconnect a tunnel and disable auto reconnect", http.MethodPost, "disconnect")
}

func NewRestartCommand() *cobra.Command {
	return simpleCommand("restart", "Restart a tunnel with its current parameters", http.MethodPost, "restart")
}

func fetchTunnel(cmd *cobra.Command, id string) (*db.Tunnel, error) {
	c := newClient()
	if err := requireDaemon(c); err != nil {
		return nil, err
	}
	resp, err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/tunnels/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var t db.Tunnel
	if err := resp.DecodeData(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// logDiagnostic prints the ssh output carried by a failed connect
func logDiagnostic(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		return
	}
	if diag, _ := m["diagnostic"].(string); diag != "" {
		fmt.Fprintf(os.Stderr, "ssh output:\n%s\n", diag)
	}
}

func connectionState(t *db.Tunnel) string {
	if !t.IsConnected {
		return "disconnected"
	}
	if t.ProcessID != nil {
		return "connected (PID " + strconv.Itoa(*t.ProcessID) + ")"
	}
	return "connected"
}

func writeTunnelTable(w io.Writer, tunnels []db.Tunnel) {
	if len(tunnels) == 0 {
		fmt.Fprintln(w, "No tunnels.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFORWARD\tSTATE\tAUTO")
	for i := range tunnels {
		t := &tunnels[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", t.ID, t.Name, forwardSpec(t), connectionState(t), t.AutoReconnect)
	}
	tw.Flush()
}

func forwardSpec(t *db.Tunnel) string {
	return fmt.Sprintf("%s@%s:%d -> localhost:%d", t.RemoteUser, t.RemoteHost, t.RemotePort, t.LocalPort)
}

func writeTunnel(w io.Writer, t *db.Tunnel) {
	fmt.Fprintf(w, "ID:             %s\n", t.ID)
	if t.Name != "" {
		fmt.Fprintf(w, "Name:           %s\n", t.Name)
	}
	if t.AccountID != "" {
		fmt.Fprintf(w, "Account:        %s\n", t.AccountID)
	}
	fmt.Fprintf(w, "Forward:        %s\n", forwardSpec(t))
	if t.SSHPort != 0 {
		fmt.Fprintf(w, "SSH port:       %d\n", t.SSHPort)
	}
	fmt.Fprintf(w, "State:          %s\n", connectionState(t))
	fmt.Fprintf(w, "Auto reconnect: %v\n", t.AutoReconnect)
	fmt.Fprintf(w, "Startup:        %v\n", t.StartupEnabled)
	fmt.Fprintf(w, "Public key:     %s\n", t.PublicKey)
}
