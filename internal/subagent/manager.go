package subagent

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/internal/instanceid"
	"github.com/newrelic/newrelic-agent-control/internal/remoteconfig"
	"github.com/newrelic/newrelic-agent-control/internal/values"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// Builder renders and starts one sub-agent in its environment. The returned
// SubAgent is already running and publishing health to healthPublisher.
type Builder interface {
	Build(ctx context.Context, desired Desired, healthPublisher *event.Publisher[health.Health]) (*SubAgent, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, desired Desired, healthPublisher *event.Publisher[health.Health]) (*SubAgent, error)

func (f BuilderFunc) Build(ctx context.Context, desired Desired, healthPublisher *event.Publisher[health.Health]) (*SubAgent, error) {
	return f(ctx, desired, healthPublisher)
}

// ResourceCleaner removes leftover environment resources after a sub-agent
// is destroyed. On-host destruction needs none; Kubernetes destruction runs
// the garbage collector.
type ResourceCleaner interface {
	Clean(ctx context.Context, current map[agenttype.AgentID]struct{}) error
}

// NoopCleaner is the on-host resource cleaner.
type NoopCleaner struct{}

func (NoopCleaner) Clean(context.Context, map[agenttype.AgentID]struct{}) error { return nil }

// Manager owns the running set and reconciles it against each new desired
// set with deterministic semantics: removals precede additions, mutations
// are stop-then-start.
type Manager struct {
	running map[agenttype.AgentID]*SubAgent

	builder     Builder
	cleaner     ResourceCleaner
	remote      values.RemoteStore
	hashes      remoteconfig.HashStore
	instanceIDs *instanceid.Getter
	events      *event.Publisher[Event]
	log         *logrus.Entry
}

func NewManager(
	builder Builder,
	cleaner ResourceCleaner,
	remote values.RemoteStore,
	hashes remoteconfig.HashStore,
	instanceIDs *instanceid.Getter,
	events *event.Publisher[Event],
	log *logrus.Entry,
) *Manager {
	return &Manager{
		running:     map[agenttype.AgentID]*SubAgent{},
		builder:     builder,
		cleaner:     cleaner,
		remote:      remote,
		hashes:      hashes,
		instanceIDs: instanceIDs,
		events:      events,
		log:         log,
	}
}

// Running returns the ids of the running set.
func (m *Manager) Running() []agenttype.AgentID {
	ids := make([]agenttype.AgentID, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Get returns the running sub-agent for an id.
func (m *Manager) Get(id agenttype.AgentID) (*SubAgent, bool) {
	agent, ok := m.running[id]
	return agent, ok
}

// Reconcile computes the three-way diff against the desired set and applies
// it. Per-agent failures are reported without aborting the rest.
func (m *Manager) Reconcile(ctx context.Context, desired map[agenttype.AgentID]Desired) map[agenttype.AgentID]error {
	failures := map[agenttype.AgentID]error{}

	var toRemove []agenttype.AgentID
	for id := range m.running {
		if _, keep := desired[id]; !keep {
			toRemove = append(toRemove, id)
		}
	}
	sort.Slice(toRemove, func(i, j int) bool { return toRemove[i] < toRemove[j] })
	for _, id := range toRemove {
		if err := m.destroy(ctx, id); err != nil {
			failures[id] = err
		}
	}

	currentIDs := make(map[agenttype.AgentID]struct{}, len(desired))
	for id := range desired {
		currentIDs[id] = struct{}{}
	}
	if len(toRemove) > 0 {
		if err := m.cleaner.Clean(ctx, currentIDs); err != nil {
			m.log.WithError(err).Error("Cleaning orphaned resources failed")
		}
	}

	ids := make([]agenttype.AgentID, 0, len(desired))
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		want := desired[id]
		hash, err := want.specHash()
		if err != nil {
			failures[id] = err
			continue
		}

		if current, ok := m.running[id]; ok {
			if current.hash == hash {
				continue
			}
			// mutation: stop then start fresh, in-place update is not
			// attempted
			current.stop()
			delete(m.running, id)
		}

		agent, err := m.start(ctx, want, hash)
		if err != nil {
			failures[id] = err
			continue
		}
		m.running[id] = agent
	}
	return failures
}

func (m *Manager) start(ctx context.Context, want Desired, hash uint64) (*SubAgent, error) {
	healthPublisher, healthConsumer := event.NewChannel[health.Health](16)
	agent, err := m.builder.Build(ctx, want, healthPublisher)
	if err != nil {
		healthConsumer.Close()
		return nil, err
	}
	agent.hash = hash
	agent.healthConsumer = healthConsumer
	agent.startPump(m.events)
	m.log.WithField("agent_id", want.ID.String()).Info("Sub-agent started")
	return agent, nil
}

// destroy stops the sub-agent and erases its persisted remote state: values,
// hash and instance id. Its ownership over auxiliary state ends here.
func (m *Manager) destroy(ctx context.Context, id agenttype.AgentID) error {
	agent := m.running[id]
	agent.stop()
	delete(m.running, id)

	var firstErr error
	if err := agent.clean(ctx); err != nil {
		firstErr = err
	}
	if err := m.remote.DeleteRemote(id); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.hashes.Delete(id); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.instanceIDs.Delete(id); err != nil && firstErr == nil {
		firstErr = err
	}
	m.log.WithField("agent_id", id.String()).Info("Sub-agent removed")
	return firstErr
}

// StopAll stops every running sub-agent without destroying persisted state,
// as part of process shutdown.
func (m *Manager) StopAll() {
	for id, agent := range m.running {
		agent.stop()
		delete(m.running, id)
	}
}
