// Package opamp bridges the synchronous event loop to the opamp-go client:
// it translates callbacks into typed events and status setters into OpAMP
// messages.
package opamp

import (
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
)

// EventKind discriminates bridge events.
type EventKind int

const (
	// EventRemoteConfig carries a fresh AgentRemoteConfig.
	EventRemoteConfig EventKind = iota
	// EventConnected reports an established control-plane connection.
	EventConnected
	// EventConnectFailed reports a failed connection attempt.
	EventConnectFailed
)

// Event is one OpAMP occurrence delivered to the event loop. Each managed
// agent owns its own connection, so every event carries the agent identity.
type Event struct {
	Kind EventKind

	// AgentID identifies the connection the event arrived on: the
	// reserved id for Agent Control itself, a sub-agent id otherwise.
	AgentID agenttype.AgentID

	// RemoteConfig is set for EventRemoteConfig.
	RemoteConfig *protobufs.AgentRemoteConfig
	// Signature is the detached config signature, when the server sent
	// one beside the config.
	Signature []byte

	// Err is set for EventConnectFailed.
	Err error
}
