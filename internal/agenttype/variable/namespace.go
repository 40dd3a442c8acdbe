package variable

// Namespace qualifies every variable key. The namespace prefix is mandatory
// in templates, so names in different namespaces never collide.
type Namespace string

const (
	// NamespaceVar holds variables declared by the agent type and filled
	// from user values.
	NamespaceVar Namespace = "var"
	// NamespaceSub holds the sub-agent attributes (agent id, directories).
	NamespaceSub Namespace = "sub"
	// NamespaceEnv holds process environment variables.
	NamespaceEnv Namespace = "env"
	// NamespaceAC holds identity attributes of Agent Control itself.
	NamespaceAC Namespace = "ac"
)

// Key returns the namespaced lookup key used in rendered variable sets and
// in templates, e.g. "var:backend_port".
func (n Namespace) Key(name string) string {
	return string(n) + ":" + name
}
