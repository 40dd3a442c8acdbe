// Package values persists per-agent values documents in two layers: a
// read-only local layer seeded from disk and a read-write remote layer fed
// by the fleet controller.
package values

import (
	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
)

// Doc is a parsed, free-form values document.
type Doc = map[string]any

// LocalStore is the read-only local layer.
type LocalStore interface {
	// LoadLocal returns the local values for an agent, nil when absent.
	LoadLocal(id agenttype.AgentID) (Doc, error)
}

// RemoteStore is the read-write remote layer.
type RemoteStore interface {
	// LoadRemote returns the stored remote values, nil when absent.
	LoadRemote(id agenttype.AgentID) (Doc, error)
	// StoreRemote atomically replaces the remote values.
	StoreRemote(id agenttype.AgentID, doc Doc) error
	// DeleteRemote removes the remote values. Deleting an absent document
	// is not an error.
	DeleteRemote(id agenttype.AgentID) error
}

// Store combines both layers.
type Store interface {
	LocalStore
	RemoteStore
}

// Source records which layer supplied the effective values.
type Source string

const (
	SourceNone   Source = "none"
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Loader resolves the effective values for an agent. The remote layer wins
// wholesale when present, but only when remote management is enabled and
// the sub-agent accepts it.
type Loader struct {
	store         Store
	remoteEnabled bool
}

func NewLoader(store Store, remoteEnabled bool) *Loader {
	return &Loader{store: store, remoteEnabled: remoteEnabled}
}

// Effective returns the values in force for the agent and their source.
func (l *Loader) Effective(id agenttype.AgentID, acceptsRemote bool) (Doc, Source, error) {
	if l.remoteEnabled && acceptsRemote {
		remote, err := l.store.LoadRemote(id)
		if err != nil {
			return nil, SourceNone, err
		}
		if remote != nil {
			return remote, SourceRemote, nil
		}
	}
	local, err := l.store.LoadLocal(id)
	if err != nil {
		return nil, SourceNone, err
	}
	if local != nil {
		return local, SourceLocal, nil
	}
	return Doc{}, SourceNone, nil
}
