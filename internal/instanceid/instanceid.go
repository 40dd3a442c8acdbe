// Package instanceid mints and persists the stable per-agent instance
// identifier reported over OpAMP.
package instanceid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
)

// ID is a time-ordered 128-bit instance identifier (UUIDv7), stable across
// restarts while the identifier attributes are unchanged.
type ID string

func (i ID) String() string { return string(i) }

// Identifiers are the identity attributes observed when the instance id was
// minted. Any change re-mints the id.
type Identifiers struct {
	HostID      string `json:"host_id,omitempty"`
	ClusterName string `json:"cluster_name,omitempty"`
	FleetID     string `json:"fleet_id,omitempty"`
}

// Record is the persisted instance id plus its minting attributes.
type Record struct {
	InstanceID  ID          `json:"instance_id"`
	Identifiers Identifiers `json:"identifiers"`
}

// Storer persists instance id records per agent id.
type Storer interface {
	Load(id agenttype.AgentID) (*Record, error)
	Store(id agenttype.AgentID, record Record) error
	Delete(id agenttype.AgentID) error
}

// Getter returns the stored instance id for an agent, minting and persisting
// a fresh one when none exists or when the identifier attributes drifted.
type Getter struct {
	storer      Storer
	identifiers Identifiers
}

func NewGetter(storer Storer, identifiers Identifiers) *Getter {
	return &Getter{storer: storer, identifiers: identifiers}
}

// Get implements the contract: stable while attributes are unchanged,
// re-minted if and only if any attribute changes.
func (g *Getter) Get(id agenttype.AgentID) (ID, error) {
	record, err := g.storer.Load(id)
	if err != nil {
		return "", fmt.Errorf("loading instance id for %s: %w", id, err)
	}
	if record != nil && record.Identifiers == g.identifiers && record.InstanceID != "" {
		return record.InstanceID, nil
	}

	minted, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("minting instance id for %s: %w", id, err)
	}
	fresh := Record{InstanceID: ID(minted.String()), Identifiers: g.identifiers}
	if err := g.storer.Store(id, fresh); err != nil {
		return "", fmt.Errorf("persisting instance id for %s: %w", id, err)
	}
	return fresh.InstanceID, nil
}

// Delete removes the persisted record, as part of sub-agent destruction.
func (g *Getter) Delete(id agenttype.AgentID) error {
	return g.storer.Delete(id)
}
