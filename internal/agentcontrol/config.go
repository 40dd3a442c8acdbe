// Package agentcontrol wires the supervisory kernel together: local and
// dynamic configuration, the top-level event loop, aggregated health and
// the uptime report.
package agentcontrol

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"sigs.k8s.io/yaml"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/values"
)

const (
	// DefaultLocalDir holds the read-only local configuration.
	DefaultLocalDir = "/etc/newrelic-agent-control"
	// DefaultRemoteDir holds the mutable per-agent state.
	DefaultRemoteDir = "/var/lib/newrelic-agent-control"
	// DefaultLogDir holds the agent-control and sub-agent log files.
	DefaultLogDir = "/var/log/newrelic-agent-control"
	// LocalConfigFileName is the local config file under the local dir.
	LocalConfigFileName = "config.yaml"

	defaultStatusAddr      = "localhost:51200"
	defaultGracePeriod     = 60 * time.Second
	defaultHealthInterval  = 30 * time.Second
	defaultStartupTimeout  = 30 * time.Second
	defaultUptimeInterval  = 5 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
)

// AgentEntry declares one sub-agent in the dynamic config.
type AgentEntry struct {
	AgentType string `json:"agent_type"`
}

// DynamicConfig is the mutable top-level configuration: which sub-agents
// should exist, plus the requested chart version of Agent Control itself on
// Kubernetes. It is seeded from the local config and may be overridden over
// OpAMP.
type DynamicConfig struct {
	Agents       map[string]AgentEntry `json:"agents"`
	ChartVersion string                `json:"chart_version,omitempty"`
}

// Desired resolves the dynamic config into validated entries.
func (d DynamicConfig) Desired() (map[agenttype.AgentID]agenttype.ID, error) {
	out := make(map[agenttype.AgentID]agenttype.ID, len(d.Agents))
	for rawID, entry := range d.Agents {
		id, err := agenttype.NewSubAgentID(rawID)
		if err != nil {
			return nil, err
		}
		typeID, err := agenttype.ParseID(entry.AgentType)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", rawID, err)
		}
		out[id] = typeID
	}
	return out, nil
}

// ParseDynamicConfig decodes a values document pushed as Agent Control's own
// remote config.
func ParseDynamicConfig(doc values.Doc) (DynamicConfig, error) {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return DynamicConfig{}, err
	}
	cfg := DynamicConfig{}
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return DynamicConfig{}, fmt.Errorf("parsing dynamic config: %w", err)
	}
	if _, err := cfg.Desired(); err != nil {
		return DynamicConfig{}, err
	}
	return cfg, nil
}

// FleetControlConfig configures the OpAMP connection.
type FleetControlConfig struct {
	Enabled  bool              `json:"enabled"`
	Endpoint string            `json:"endpoint"`
	FleetID  string            `json:"fleet_id"`
	Headers  map[string]string `json:"headers,omitempty"`

	SignatureValidation SignatureValidationConfig `json:"signature_validation"`
}

// SignatureValidationConfig gates remote-config signature verification.
type SignatureValidationConfig struct {
	Enabled        bool   `json:"enabled"`
	CertificateURL string `json:"certificate_url"`
	CertificateTTL Duration  `json:"certificate_ttl,omitempty"`
}

// ServerConfig configures the local status endpoint.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// HealthConfig configures aggregated health.
type HealthConfig struct {
	GracePeriod Duration `json:"grace_period"`
	Interval    Duration `json:"interval"`
}

// K8sConfig configures the Kubernetes environment.
type K8sConfig struct {
	Namespace   string `json:"namespace"`
	ClusterName string `json:"cluster_name"`
	// ReleaseName is the HelmRelease owning Agent Control, patched on
	// self-upgrade.
	ReleaseName string `json:"release_name"`
}

// LogConfig configures the logging subscriber.
type LogConfig struct {
	Level string `json:"level"`
	// File enables logging into <log_dir>/newrelic-agent-control.log in
	// addition to stderr.
	File bool `json:"file"`
}

// Duration is a human-readable duration ("30s") in config files.
type Duration = agenttype.Duration

// Config is the local Agent Control configuration loaded at startup.
type Config struct {
	Log          LogConfig             `json:"log"`
	FleetControl FleetControlConfig    `json:"fleet_control"`
	Server       ServerConfig          `json:"server"`
	Health       HealthConfig          `json:"health"`
	Agents       map[string]AgentEntry `json:"agents"`
	ChartVersion string                `json:"chart_version,omitempty"`
	HostID       string                `json:"host_id,omitempty"`
	K8s          *K8sConfig            `json:"k8s,omitempty"`

	LocalDir     string `json:"local_dir,omitempty"`
	RemoteDir    string `json:"remote_dir,omitempty"`
	LogDir       string `json:"log_dir,omitempty"`
	AgentTypeDir string `json:"agent_type_dir,omitempty"`

	StartupTimeout  Duration `json:"startup_timeout,omitempty"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"`
	UptimeInterval  Duration `json:"uptime_report_interval,omitempty"`

	// Raw is the whole document as parsed, backing variant indirection by
	// field name in agent type definitions.
	Raw map[string]any `json:"-"`
}

// envOverrides are environment overrides applied after the file, prefixed
// NR_AC (e.g. NR_AC_REMOTE_DIR).
type envOverrides struct {
	LocalDir  string `envconfig:"LOCAL_DIR"`
	RemoteDir string `envconfig:"REMOTE_DIR"`
	LogDir    string `envconfig:"LOG_DIR"`
	Endpoint  string `envconfig:"ENDPOINT"`
	LogLevel  string `envconfig:"LOG_LEVEL"`
}

// LoadConfig reads and defaults the local configuration. A missing file is
// an error: the installer always materializes one.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg.Raw); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	var env envOverrides
	if err := envconfig.Process("NR_AC", &env); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}
	if env.LocalDir != "" {
		cfg.LocalDir = env.LocalDir
	}
	if env.RemoteDir != "" {
		cfg.RemoteDir = env.RemoteDir
	}
	if env.LogDir != "" {
		cfg.LogDir = env.LogDir
	}
	if env.Endpoint != "" {
		cfg.FleetControl.Endpoint = env.Endpoint
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LocalDir == "" {
		c.LocalDir = DefaultLocalDir
	}
	if c.RemoteDir == "" {
		c.RemoteDir = DefaultRemoteDir
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.Server.Address == "" {
		c.Server.Address = defaultStatusAddr
	}
	if c.Health.GracePeriod == 0 {
		c.Health.GracePeriod = Duration(defaultGracePeriod)
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = Duration(defaultHealthInterval)
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = Duration(defaultStartupTimeout)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}
	if c.UptimeInterval == 0 {
		c.UptimeInterval = Duration(defaultUptimeInterval)
	}
	if c.Agents == nil {
		c.Agents = map[string]AgentEntry{}
	}
}

func (c *Config) validate() error {
	if c.FleetControl.Enabled && c.FleetControl.Endpoint == "" {
		return fmt.Errorf("fleet_control.enabled requires fleet_control.endpoint")
	}
	if c.FleetControl.SignatureValidation.Enabled && c.FleetControl.SignatureValidation.CertificateURL == "" {
		return fmt.Errorf("signature_validation.enabled requires signature_validation.certificate_url")
	}
	dynamic := c.Dynamic()
	if _, err := dynamic.Desired(); err != nil {
		return err
	}
	return nil
}

// Dynamic returns the dynamic config seeded by the local file.
func (c *Config) Dynamic() DynamicConfig {
	return DynamicConfig{Agents: c.Agents, ChartVersion: c.ChartVersion}
}

// LocalConfigPath is the path of the local config file.
func (c *Config) LocalConfigPath() string {
	return filepath.Join(c.LocalDir, LocalConfigFileName)
}
