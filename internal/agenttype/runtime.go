package agenttype

import "time"

// Runtime is the rendered, environment-specific output of an agent type plus
// resolved variables.
type Runtime struct {
	OnHost *OnHostRuntime
	K8s    *K8sRuntime
}

// OnHostRuntime is the rendered on-host branch.
type OnHostRuntime struct {
	Executables []Executable
	Files       []FileEntry
	Health      *HealthSpec
	Version     *VersionCheck
}

// Executable is a rendered supervised process spec.
type Executable struct {
	ID            string
	Path          string
	Args          []string
	Env           map[string]string
	RestartPolicy RestartPolicy
	LogFile       bool
}

// FileEntry is a rendered file to materialize, relative to the agent's
// generated-configs directory.
type FileEntry struct {
	Path    string
	Content string
}

// BackoffType selects the restart backoff strategy.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// RestartPolicy is the rendered restart policy of an executable.
type RestartPolicy struct {
	Type              BackoffType
	BackoffDelay      time.Duration
	MaxRetries        int
	LastRetryInterval time.Duration
}

// DefaultRestartPolicy applies when an executable declares none.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Type:              BackoffFixed,
		BackoffDelay:      2 * time.Second,
		MaxRetries:        5,
		LastRetryInterval: 60 * time.Second,
	}
}

// HealthSpec is the rendered health-check spec shared by both environments.
type HealthSpec struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Timeout      time.Duration
	HTTP         *HTTPHealth
	File         *FileHealth
}

// HTTPHealth probes GET host:port/path, healthy when the status code is in
// the allow-list.
type HTTPHealth struct {
	Host               string
	Path               string
	Port               int
	HealthyStatusCodes []int
}

// FileHealth probes that a file exists and is readable.
type FileHealth struct {
	Path string
}

// DefaultHealthSpec applies when an agent type declares no health section.
func DefaultHealthSpec() *HealthSpec {
	return &HealthSpec{
		Interval:     30 * time.Second,
		InitialDelay: 10 * time.Second,
		Timeout:      5 * time.Second,
	}
}

// VersionCheck is the rendered version-discovery spec.
type VersionCheck struct {
	Path  string
	Args  []string
	Regex string
}

// K8sObject is a rendered cluster object, ready to wrap as unstructured.
type K8sObject struct {
	// Name is the short name used inside the agent type document.
	Name   string
	Object map[string]any
}

// K8sRuntime is the rendered Kubernetes branch.
type K8sRuntime struct {
	Objects []K8sObject
	Health  *HealthSpec
	Version *VersionCheck
}
