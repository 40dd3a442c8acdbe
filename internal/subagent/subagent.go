// Package subagent holds the running sub-agent representation and the
// lifecycle manager reconciling the desired set against the running set.
package subagent

import (
	"context"
	"time"

	"github.com/mitchellh/hashstructure"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/internal/supervisor/k8s"
	"github.com/newrelic/newrelic-agent-control/internal/supervisor/onhost"
	"github.com/newrelic/newrelic-agent-control/internal/values"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// Event is a sub-agent internal event routed to the top-level loop.
type Event struct {
	AgentID agenttype.AgentID
	Health  health.Health
}

// Desired is one entry of the effective dynamic config.
type Desired struct {
	ID     agenttype.AgentID
	TypeID agenttype.ID
	Values values.Doc
}

// specHash fingerprints the agent-type version plus effective values, used
// by the diff to detect mutations.
func (d Desired) specHash() (uint64, error) {
	return hashstructure.Hash(struct {
		TypeID string
		Values values.Doc
	}{TypeID: d.TypeID.String(), Values: d.Values}, nil)
}

// SubAgent is one running sub-agent. Exactly one of the environment
// branches is set; dispatch is by match on the set branch.
type SubAgent struct {
	ID     agenttype.AgentID
	TypeID agenttype.ID

	hash uint64

	OnHost *onhost.Supervisor
	K8s    *k8s.Supervisor

	// pump forwards the supervisor's health reports to the shared event
	// channel, annotated with the agent identity.
	healthConsumer *event.Consumer[health.Health]
	pumpDone       chan struct{}
}

// StartTime is the start of the current incarnation.
func (s *SubAgent) StartTime() time.Time {
	switch {
	case s.OnHost != nil:
		return s.OnHost.StartTime()
	case s.K8s != nil:
		return s.K8s.StartTime()
	}
	return time.Time{}
}

// startPump routes health reports into the shared channel until the
// supervisor stops publishing.
func (s *SubAgent) startPump(events *event.Publisher[Event]) {
	s.pumpDone = make(chan struct{})
	go func() {
		defer close(s.pumpDone)
		for {
			report, ok := s.healthConsumer.Recv()
			if !ok {
				return
			}
			if err := events.Publish(Event{AgentID: s.ID, Health: report}); err != nil {
				return
			}
		}
	}()
}

// stop shuts the supervisor down and joins the pump.
func (s *SubAgent) stop() {
	switch {
	case s.OnHost != nil:
		s.OnHost.Stop()
	case s.K8s != nil:
		s.K8s.Stop()
	}
	s.healthConsumer.Close()
	<-s.pumpDone
}

// clean removes the environment-owned resources on destruction.
func (s *SubAgent) clean(ctx context.Context) error {
	if s.K8s != nil {
		return s.K8s.Clean(ctx)
	}
	return nil
}
