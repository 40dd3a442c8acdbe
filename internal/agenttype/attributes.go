package agenttype

import (
	"fmt"
	"path/filepath"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype/variable"
)

// AgentFilesystemFolderName is the directory under the remote dir holding
// per-agent generated files.
const AgentFilesystemFolderName = "auto-generated"

// AgentAttributes are the sub-agent facts exposed to templates under the
// "sub" namespace.
type AgentAttributes struct {
	AgentID       AgentID
	FilesystemDir string
	RemoteDir     string
}

// NewAgentAttributes derives the attributes for a sub-agent rooted at
// agentDir (the agent's directory under the remote dir).
func NewAgentAttributes(id AgentID, agentDir string) (AgentAttributes, error) {
	if id.IsAgentControl() {
		return AgentAttributes{}, fmt.Errorf("agent attributes require a sub-agent id, got the reserved id %q", id)
	}
	return AgentAttributes{
		AgentID:       id,
		FilesystemDir: filepath.Join(agentDir, AgentFilesystemFolderName),
		RemoteDir:     agentDir,
	}, nil
}

// Variables returns the attribute variable set.
func (a AgentAttributes) Variables() variable.Set {
	return variable.Set{
		variable.NamespaceSub.Key("agent_id"):             variable.NewString(a.AgentID.String()),
		variable.NamespaceSub.Key("filesystem_agent_dir"): variable.NewString(a.FilesystemDir),
		variable.NamespaceSub.Key("remote_dir"):           variable.NewString(a.RemoteDir),
	}
}

// IdentityAttributes are the Agent Control facts exposed to templates under
// the "ac" namespace and reported upstream in the agent description.
type IdentityAttributes struct {
	Version     string
	HostID      string
	ClusterName string
	FleetID     string
}

// Variables returns the identity variable set.
func (a IdentityAttributes) Variables() variable.Set {
	return variable.Set{
		variable.NamespaceAC.Key("version"):      variable.NewString(a.Version),
		variable.NamespaceAC.Key("host_id"):      variable.NewString(a.HostID),
		variable.NamespaceAC.Key("cluster_name"): variable.NewString(a.ClusterName),
		variable.NamespaceAC.Key("fleet_id"):     variable.NewString(a.FleetID),
	}
}
