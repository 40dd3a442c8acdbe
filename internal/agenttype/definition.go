package agenttype

import (
	"encoding/json"
	"fmt"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype/variable"
)

// Definition is a parsed agent type document. Leaf strings inside the
// deployment sections may contain variable references and are expanded by
// the renderer.
type Definition struct {
	Namespace string                         `json:"namespace"`
	Name      string                         `json:"name"`
	Version   string                         `json:"version"`
	Variables map[string]variable.Definition `json:"variables,omitempty"`
	Deployment Deployment                    `json:"deployment"`
}

// Deployment holds the per-environment sections. At least one must be set.
type Deployment struct {
	OnHost *OnHostConfig `json:"on_host,omitempty"`
	K8s    *K8sConfig    `json:"k8s,omitempty"`
}

// OnHostConfig is the unrendered on-host deployment section.
type OnHostConfig struct {
	Executables []ExecutableConfig `json:"executables,omitempty"`
	Filesystem  []FileEntryConfig  `json:"filesystem,omitempty"`
	Health      *HealthConfig      `json:"health,omitempty"`
	Version     *VersionConfig     `json:"version,omitempty"`
}

// ExecutableConfig declares one supervised process.
type ExecutableConfig struct {
	ID            string              `json:"id"`
	Path          string              `json:"path"`
	Args          string              `json:"args,omitempty"`
	Env           map[string]string   `json:"env,omitempty"`
	RestartPolicy RestartPolicyConfig `json:"restart_policy,omitempty"`
	// LogFile directs stdout/stderr into a rotated file under the agent
	// log dir instead of the main logging sink.
	LogFile bool `json:"log_file,omitempty"`
}

// FileEntryConfig declares a file materialized before spawn. Path is
// relative to the agent's generated-configs directory.
type FileEntryConfig struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RestartPolicyConfig declares the backoff strategy of an executable.
type RestartPolicyConfig struct {
	BackoffStrategy BackoffStrategyConfig `json:"backoff_strategy,omitempty"`
}

// BackoffStrategyConfig mirrors the on-disk shape. Its leaves are literal
// values: they are parsed as written and are not template-expanded.
type BackoffStrategyConfig struct {
	Type              string   `json:"type,omitempty"`
	BackoffDelay      Duration `json:"backoff_delay,omitempty"`
	MaxRetries        *int     `json:"max_retries,omitempty"`
	LastRetryInterval Duration `json:"last_retry_interval,omitempty"`
}

// HealthConfig declares how the sub-agent's health is probed. At most one of
// HTTP or File may be set; with neither, on-host agents fall back to the
// exec check (process is up) and k8s agents to resource readiness.
type HealthConfig struct {
	Interval     Duration          `json:"interval,omitempty"`
	InitialDelay Duration          `json:"initial_delay,omitempty"`
	Timeout      Duration          `json:"timeout,omitempty"`
	HTTP         *HTTPHealthConfig `json:"http,omitempty"`
	File         *FileHealthConfig `json:"file,omitempty"`
}

// HTTPHealthConfig declares an HTTP GET probe. Port is templated.
type HTTPHealthConfig struct {
	Host               string `json:"host,omitempty"`
	Path               string `json:"path,omitempty"`
	Port               string `json:"port"`
	HealthyStatusCodes []int  `json:"healthy_status_codes,omitempty"`
}

// FileHealthConfig declares a file-existence probe.
type FileHealthConfig struct {
	Path string `json:"path"`
}

// VersionConfig declares how to discover the running sub-agent version.
type VersionConfig struct {
	Path  string `json:"path"`
	Args  string `json:"args,omitempty"`
	Regex string `json:"regex,omitempty"`
}

// K8sConfig is the unrendered Kubernetes deployment section. Objects maps a
// short name to a full object manifest whose leaves may be templated.
type K8sConfig struct {
	Objects map[string]map[string]any `json:"objects"`
	Health  *HealthConfig             `json:"health,omitempty"`
	Version *VersionConfig            `json:"version,omitempty"`
}

// Duration parses YAML strings like "30s" and bare nanosecond numbers.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// ParseDefinition deserializes and validates a single agent type document.
func ParseDefinition(doc []byte) (*Definition, error) {
	def := &Definition{}
	if err := yaml.Unmarshal(doc, def); err != nil {
		return nil, fmt.Errorf("parsing agent type document: %w", err)
	}
	if _, err := ParseID(fmt.Sprintf("%s/%s:%s", def.Namespace, def.Name, def.Version)); err != nil {
		return nil, err
	}
	if def.Deployment.OnHost == nil && def.Deployment.K8s == nil {
		return nil, fmt.Errorf("agent type %s declares no deployment section", def.ID())
	}
	return def, nil
}

// ID returns the fully qualified id of the definition.
func (d *Definition) ID() ID {
	return ID{Namespace: d.Namespace, Name: d.Name, Version: d.Version}
}
