package agenttype

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype/variable"
)

// ErrValuesNotPopulated aggregates the keys of required variables which the
// merged values document did not supply.
var ErrValuesNotPopulated = errors.New("required values not populated")

// Renderer turns an agent type definition plus resolved variables into a
// Runtime. It is initialized once with the identity attributes and the raw
// Agent Control configuration (backing variant indirection) and is safe for
// concurrent use.
type Renderer struct {
	identity IdentityAttributes
	acConfig map[string]any
	environ  func() []string
}

// NewRenderer builds a renderer. environ supplies the process environment,
// exposed to templates under the "env" namespace.
func NewRenderer(identity IdentityAttributes, acConfig map[string]any, environ func() []string) *Renderer {
	return &Renderer{identity: identity, acConfig: acConfig, environ: environ}
}

// Render assembles the variable set in layers (sub-agent attributes, process
// environment, identity attributes, user values with defaults applied) and
// templates the deployment sections. Layer key conflicts fail loudly.
func (r *Renderer) Render(def *Definition, attrs AgentAttributes, values map[string]any) (*Runtime, error) {
	vars, err := r.assemble(def, attrs, values)
	if err != nil {
		return nil, err
	}

	runtime := &Runtime{}
	if def.Deployment.OnHost != nil {
		runtime.OnHost, err = renderOnHost(def.Deployment.OnHost, vars)
		if err != nil {
			return nil, fmt.Errorf("rendering on_host deployment of %s: %w", def.ID(), err)
		}
	}
	if def.Deployment.K8s != nil {
		runtime.K8s, err = renderK8s(def.Deployment.K8s, vars)
		if err != nil {
			return nil, fmt.Errorf("rendering k8s deployment of %s: %w", def.ID(), err)
		}
	}
	return runtime, nil
}

func (r *Renderer) assemble(def *Definition, attrs AgentAttributes, values map[string]any) (variable.Set, error) {
	vars := variable.Set{}
	if err := vars.Merge(attrs.Variables()); err != nil {
		return nil, err
	}
	if err := vars.Merge(r.envVariables()); err != nil {
		return nil, err
	}
	if err := vars.Merge(r.identity.Variables()); err != nil {
		return nil, err
	}

	userVars := variable.Set{}
	var missing []string
	for name, d := range def.Variables {
		key := variable.NamespaceVar.Key(name)
		v, err := d.Resolve(key, lookupValue(values, name), r.acConfig)
		if err != nil {
			if errors.Is(err, variable.ErrMissingValue) {
				missing = append(missing, key)
				continue
			}
			return nil, err
		}
		userVars[key] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrValuesNotPopulated, strings.Join(missing, ", "))
	}
	if err := vars.Merge(userVars); err != nil {
		return nil, err
	}
	return vars, nil
}

func (r *Renderer) envVariables() variable.Set {
	vars := variable.Set{}
	for _, entry := range r.environ() {
		name, value, found := strings.Cut(entry, "=")
		if !found || name == "" {
			continue
		}
		vars[variable.NamespaceEnv.Key(name)] = variable.NewEnv(value)
	}
	return vars
}

// lookupValue resolves a possibly dotted variable name inside the values
// document.
func lookupValue(values map[string]any, name string) any {
	if v, ok := values[name]; ok {
		return v
	}
	parts := strings.Split(name, ".")
	current := any(values)
	for _, p := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[p]
		if !ok {
			return nil
		}
	}
	return current
}

func renderOnHost(cfg *OnHostConfig, vars variable.Set) (*OnHostRuntime, error) {
	out := &OnHostRuntime{}
	for _, e := range cfg.Executables {
		exec, err := renderExecutable(e, vars)
		if err != nil {
			return nil, fmt.Errorf("executable %q: %w", e.ID, err)
		}
		out.Executables = append(out.Executables, exec)
	}
	for _, f := range cfg.Filesystem {
		entry, err := renderFileEntry(f, vars)
		if err != nil {
			return nil, fmt.Errorf("filesystem entry %q: %w", f.Path, err)
		}
		out.Files = append(out.Files, entry)
	}
	health, err := renderHealth(cfg.Health, vars)
	if err != nil {
		return nil, err
	}
	out.Health = health
	out.Version, err = renderVersion(cfg.Version, vars)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func renderExecutable(cfg ExecutableConfig, vars variable.Set) (Executable, error) {
	path, err := variable.ExpandString(cfg.Path, vars)
	if err != nil {
		return Executable{}, err
	}
	args, err := variable.ExpandArgs(cfg.Args, vars)
	if err != nil {
		return Executable{}, err
	}
	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		expanded, err := variable.ExpandString(v, vars)
		if err != nil {
			return Executable{}, fmt.Errorf("env %s: %w", k, err)
		}
		env[k] = expanded
	}
	return Executable{
		ID:            cfg.ID,
		Path:          path,
		Args:          args,
		Env:           env,
		RestartPolicy: renderRestartPolicy(cfg.RestartPolicy),
		LogFile:       cfg.LogFile,
	}, nil
}

func renderRestartPolicy(cfg RestartPolicyConfig) RestartPolicy {
	policy := DefaultRestartPolicy()
	s := cfg.BackoffStrategy
	if s.Type != "" {
		policy.Type = BackoffType(s.Type)
	}
	if s.BackoffDelay != 0 {
		policy.BackoffDelay = s.BackoffDelay.Duration()
	}
	if s.MaxRetries != nil {
		policy.MaxRetries = *s.MaxRetries
	}
	if s.LastRetryInterval != 0 {
		policy.LastRetryInterval = s.LastRetryInterval.Duration()
	}
	return policy
}

func renderFileEntry(cfg FileEntryConfig, vars variable.Set) (FileEntry, error) {
	path, err := variable.ExpandString(cfg.Path, vars)
	if err != nil {
		return FileEntry{}, err
	}
	content, err := variable.ExpandValue(cfg.Content, vars)
	if err != nil {
		return FileEntry{}, err
	}
	text, ok := content.(string)
	if !ok {
		raw, err := yaml.Marshal(content)
		if err != nil {
			return FileEntry{}, fmt.Errorf("serializing content: %w", err)
		}
		text = string(raw)
	}
	return FileEntry{Path: path, Content: text}, nil
}

func renderHealth(cfg *HealthConfig, vars variable.Set) (*HealthSpec, error) {
	spec := DefaultHealthSpec()
	if cfg == nil {
		return spec, nil
	}
	if cfg.HTTP != nil && cfg.File != nil {
		return nil, fmt.Errorf("health declares both an http and a file probe; at most one may be set")
	}
	if cfg.Interval != 0 {
		spec.Interval = cfg.Interval.Duration()
	}
	if cfg.InitialDelay != 0 {
		spec.InitialDelay = cfg.InitialDelay.Duration()
	}
	if cfg.Timeout != 0 {
		spec.Timeout = cfg.Timeout.Duration()
	}
	if cfg.HTTP != nil {
		portStr, err := variable.ExpandString(cfg.HTTP.Port, vars)
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("health port %q is not a number: %w", portStr, err)
		}
		host, err := variable.ExpandString(cfg.HTTP.Host, vars)
		if err != nil {
			return nil, err
		}
		path, err := variable.ExpandString(cfg.HTTP.Path, vars)
		if err != nil {
			return nil, err
		}
		codes := cfg.HTTP.HealthyStatusCodes
		if len(codes) == 0 {
			codes = []int{200}
		}
		spec.HTTP = &HTTPHealth{Host: host, Path: path, Port: port, HealthyStatusCodes: codes}
	}
	if cfg.File != nil {
		path, err := variable.ExpandString(cfg.File.Path, vars)
		if err != nil {
			return nil, err
		}
		spec.File = &FileHealth{Path: path}
	}
	return spec, nil
}

func renderVersion(cfg *VersionConfig, vars variable.Set) (*VersionCheck, error) {
	if cfg == nil {
		return nil, nil
	}
	path, err := variable.ExpandString(cfg.Path, vars)
	if err != nil {
		return nil, err
	}
	args, err := variable.ExpandArgs(cfg.Args, vars)
	if err != nil {
		return nil, err
	}
	return &VersionCheck{Path: path, Args: args, Regex: cfg.Regex}, nil
}

func renderK8s(cfg *K8sConfig, vars variable.Set) (*K8sRuntime, error) {
	out := &K8sRuntime{}
	names := make([]string, 0, len(cfg.Objects))
	for name := range cfg.Objects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rendered, err := expandTree(cfg.Objects[name], vars)
		if err != nil {
			return nil, fmt.Errorf("object %q: %w", name, err)
		}
		obj, ok := rendered.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("object %q did not render to a mapping", name)
		}
		out.Objects = append(out.Objects, K8sObject{Name: name, Object: obj})
	}
	health, err := renderHealth(cfg.Health, vars)
	if err != nil {
		return nil, err
	}
	out.Health = health
	out.Version, err = renderVersion(cfg.Version, vars)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// expandTree walks a YAML tree expanding every string leaf. Whole-cell
// references may substitute structured values in place of the string.
func expandTree(node any, vars variable.Set) (any, error) {
	switch v := node.(type) {
	case string:
		return variable.ExpandValue(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			expanded, err := expandTree(child, vars)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			expanded, err := expandTree(child, vars)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return node, nil
	}
}
