package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/tunneld"
	ConfigFileName = "config.hcl"
	DatabaseName   = "tunneld.db"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"

	// ConfigDirEnv overrides the config directory for both client and daemon.
	ConfigDirEnv = "TUNNELD_CONFIG_DIR"
)

// Startup reconciliation policies
const (
	StartupPreviouslyConnected = "previously_connected"
	StartupEnabledOnly         = "startup_enabled"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete tunneld configuration
type Configuration struct {
	ConfigPath  string // Directory containing config, database, socket and pid file
	Verbose     int
	SSH         SSHConfig
	Supervisor  SupervisorConfig
	Reconcile   ReconcileConfig
	API         APIConfig
	Billing     BillingConfig
	Maintenance MaintenanceConfig
}

// SSHConfig controls how the external ssh client is invoked
type SSHConfig struct {
	Binary              string // ssh executable, looked up in PATH when not absolute
	BindAddress         string // Remote bind address of the -R forward
	ServerAliveInterval int    // Send keepalive every N seconds
	ServerAliveCountMax int    // Exit after N failed keepalives
	ConnectTimeout      int    // Seconds
	KeyDir              string // Directory for materialized key files, empty means os.TempDir
}

// SupervisorConfig holds process lifecycle timings
type SupervisorConfig struct {
	GracePeriod      time.Duration // Immediate-failure detection window after spawn
	StopTimeout      time.Duration // SIGTERM to SIGKILL escalation
	RestartPause     time.Duration // Pause between stop and start on restart
	ReconnectBackoff time.Duration // Delay before the first reconnect attempt
	MaxBackoff       time.Duration // Cap of the doubling reconnect delay
	MaxRetries       int           // Failed reconnect attempts before giving up
}

// ReconcileConfig holds the background sweep settings
type ReconcileConfig struct {
	HealthInterval time.Duration
	StartupDelay   time.Duration
	StartupSpacing time.Duration
	StartupPolicy  string
}

// APIConfig controls the HTTP API. The unix socket is always served.
type APIConfig struct {
	Listen string // Optional TCP address, e.g. "127.0.0.1:8750"
}

// BillingConfig controls which invoices trigger side effects
type BillingConfig struct {
	Tag       string
	QueueSize int
}

// MaintenanceConfig controls periodic housekeeping jobs
type MaintenanceConfig struct {
	PruneSchedule  string // cron spec
	EventRetention time.Duration
}

// HCL parsing structs

type hclConfig struct {
	Verbose     int             `hcl:"verbose,optional"`
	SSH         *hclSSH         `hcl:"ssh,block"`
	Supervisor  *hclSupervisor  `hcl:"supervisor,block"`
	Reconcile   *hclReconcile   `hcl:"reconcile,block"`
	API         *hclAPI         `hcl:"api,block"`
	Billing     *hclBilling     `hcl:"billing,block"`
	Maintenance *hclMaintenance `hcl:"maintenance,block"`
}

type hclSSH struct {
	Binary              string `hcl:"binary,optional"`
	BindAddress         string `hcl:"bind_address,optional"`
	ServerAliveInterval int    `hcl:"server_alive_interval,optional"`
	ServerAliveCountMax int    `hcl:"server_alive_count_max,optional"`
	ConnectTimeout      int    `hcl:"connect_timeout,optional"`
	KeyDir              string `hcl:"key_dir,optional"`
}

type hclSupervisor struct {
	GracePeriod      string `hcl:"grace_period,optional"`
	StopTimeout      string `hcl:"stop_timeout,optional"`
	RestartPause     string `hcl:"restart_pause,optional"`
	ReconnectBackoff string `hcl:"reconnect_backoff,optional"`
	MaxBackoff       string `hcl:"max_backoff,optional"`
	MaxRetries       int    `hcl:"max_retries,optional"`
}

type hclReconcile struct {
	HealthInterval string `hcl:"health_interval,optional"`
	StartupDelay   string `hcl:"startup_delay,optional"`
	StartupSpacing string `hcl:"startup_spacing,optional"`
	StartupPolicy  string `hcl:"startup_policy,optional"`
}

type hclAPI struct {
	Listen string `hcl:"listen,optional"`
}

type hclBilling struct {
	Tag       string `hcl:"tag,optional"`
	QueueSize int    `hcl:"queue_size,optional"`
}

type hclMaintenance struct {
	PruneSchedule  string `hcl:"prune_schedule,optional"`
	EventRetention string `hcl:"event_retention,optional"`
}

// LoadConfig loads the HCL configuration file on top of the defaults.
// Zero values in the file keep the default.
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.ConfigPath = filepath.Dir(filename)
	cfg.Verbose = hclCfg.Verbose

	if s := hclCfg.SSH; s != nil {
		setString(&cfg.SSH.Binary, s.Binary)
		setString(&cfg.SSH.BindAddress, s.BindAddress)
		setString(&cfg.SSH.KeyDir, s.KeyDir)
		setInt(&cfg.SSH.ServerAliveInterval, s.ServerAliveInterval)
		setInt(&cfg.SSH.ServerAliveCountMax, s.ServerAliveCountMax)
		setInt(&cfg.SSH.ConnectTimeout, s.ConnectTimeout)
	}

	var errs []error
	if s := hclCfg.Supervisor; s != nil {
		errs = append(errs,
			setDuration(&cfg.Supervisor.GracePeriod, "supervisor.grace_period", s.GracePeriod),
			setDuration(&cfg.Supervisor.StopTimeout, "supervisor.stop_timeout", s.StopTimeout),
			setDuration(&cfg.Supervisor.RestartPause, "supervisor.restart_pause", s.RestartPause),
			setDuration(&cfg.Supervisor.ReconnectBackoff, "supervisor.reconnect_backoff", s.ReconnectBackoff),
			setDuration(&cfg.Supervisor.MaxBackoff, "supervisor.max_backoff", s.MaxBackoff),
		)
		setInt(&cfg.Supervisor.MaxRetries, s.MaxRetries)
	}
	if r := hclCfg.Reconcile; r != nil {
		errs = append(errs,
			setDuration(&cfg.Reconcile.HealthInterval, "reconcile.health_interval", r.HealthInterval),
			setDuration(&cfg.Reconcile.StartupDelay, "reconcile.startup_delay", r.StartupDelay),
			setDuration(&cfg.Reconcile.StartupSpacing, "reconcile.startup_spacing", r.StartupSpacing),
		)
		setString(&cfg.Reconcile.StartupPolicy, r.StartupPolicy)
	}
	if a := hclCfg.API; a != nil {
		cfg.API.Listen = a.Listen
	}
	if b := hclCfg.Billing; b != nil {
		setString(&cfg.Billing.Tag, b.Tag)
		setInt(&cfg.Billing.QueueSize, b.QueueSize)
	}
	if m := hclCfg.Maintenance; m != nil {
		setString(&cfg.Maintenance.PruneSchedule, m.PruneSchedule)
		errs = append(errs, setDuration(&cfg.Maintenance.EventRetention, "maintenance.event_retention", m.EventRetention))
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	switch cfg.Reconcile.StartupPolicy {
	case StartupPreviouslyConnected, StartupEnabledOnly:
	default:
		return nil, fmt.Errorf("invalid reconcile.startup_policy %q (want %q or %q)",
			cfg.Reconcile.StartupPolicy, StartupPreviouslyConnected, StartupEnabledOnly)
	}

	return cfg, nil
}

// LoadConfigOrDefault loads the config file in configPath, falling back to
// defaults when it does not exist.
func LoadConfigOrDefault(configPath string) (*Configuration, error) {
	filename := filepath.Join(configPath, ConfigFileName)
	if !ConfigExists(filename) {
		cfg := GetDefaultConfig()
		cfg.ConfigPath = configPath
		return cfg, nil
	}
	return LoadConfig(filename)
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		ConfigPath: DefaultConfigPath(),
		SSH: SSHConfig{
			Binary:              "ssh",
			BindAddress:         "127.0.0.1",
			ServerAliveInterval: 30,
			ServerAliveCountMax: 3,
			ConnectTimeout:      10,
		},
		Supervisor: SupervisorConfig{
			GracePeriod:      2 * time.Second,
			StopTimeout:      5 * time.Second,
			RestartPause:     1 * time.Second,
			ReconnectBackoff: 5 * time.Second,
			MaxBackoff:       5 * time.Minute,
			MaxRetries:       5,
		},
		Reconcile: ReconcileConfig{
			HealthInterval: 60 * time.Second,
			StartupDelay:   30 * time.Second,
			StartupSpacing: 5 * time.Second,
			StartupPolicy:  StartupPreviouslyConnected,
		},
		Billing: BillingConfig{
			Tag:       "cloud_connect",
			QueueSize: 64,
		},
		Maintenance: MaintenanceConfig{
			PruneSchedule:  "@daily",
			EventRetention: 30 * 24 * time.Hour,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

// DefaultConfigPath returns $TUNNELD_CONFIG_DIR or ~/.config/tunneld
func DefaultConfigPath() string {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(homeDir, BaseDirName)
}

func configPath() string {
	if Config != nil && Config.ConfigPath != "" {
		return Config.ConfigPath
	}
	return DefaultConfigPath()
}

func GetSocketPath() string {
	return filepath.Join(configPath(), SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(configPath(), PidFileName)
}

func GetDatabasePath() string {
	return filepath.Join(configPath(), DatabaseName)
}

func GetConfigFilePath() string {
	return filepath.Join(configPath(), ConfigFileName)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	if d < 0 {
		return fmt.Errorf("invalid %s %q: must not be negative", name, v)
	}
	*dst = d
	return nil
}
