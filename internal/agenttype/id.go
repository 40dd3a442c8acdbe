package agenttype

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// AgentControlID is the reserved agent id denoting Agent Control itself.
// Every other valid id names a sub-agent.
const AgentControlID = "agent-control"

var agentIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// AgentID identifies a managed sub-agent (or Agent Control itself).
type AgentID string

// NewAgentID validates and returns an agent id.
func NewAgentID(s string) (AgentID, error) {
	if !agentIDPattern.MatchString(s) {
		return "", fmt.Errorf("invalid agent id %q: must be lowercase alphanumeric with dashes, at most 64 characters", s)
	}
	return AgentID(s), nil
}

// NewSubAgentID validates an agent id and rejects the reserved id.
func NewSubAgentID(s string) (AgentID, error) {
	id, err := NewAgentID(s)
	if err != nil {
		return "", err
	}
	if id.IsAgentControl() {
		return "", fmt.Errorf("agent id %q is reserved", s)
	}
	return id, nil
}

func (a AgentID) String() string { return string(a) }

// IsAgentControl reports whether the id is the reserved supervisor id.
func (a AgentID) IsAgentControl() bool { return string(a) == AgentControlID }

// ID is a fully qualified agent type identifier, "namespace/name:version".
type ID struct {
	Namespace string
	Name      string
	Version   string
}

// ParseID parses "namespace/name:version" validating the version as semver.
func ParseID(s string) (ID, error) {
	slash := strings.Index(s, "/")
	colon := strings.LastIndex(s, ":")
	if slash <= 0 || colon <= slash+1 || colon == len(s)-1 {
		return ID{}, fmt.Errorf("invalid agent type id %q: expected namespace/name:version", s)
	}
	version := s[colon+1:]
	if _, err := semver.StrictNewVersion(version); err != nil {
		return ID{}, fmt.Errorf("invalid agent type version %q: %w", version, err)
	}
	return ID{
		Namespace: s[:slash],
		Name:      s[slash+1 : colon],
		Version:   version,
	}, nil
}

func (id ID) String() string {
	return id.Namespace + "/" + id.Name + ":" + id.Version
}
