package subagent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/internal/instanceid"
	"github.com/newrelic/newrelic-agent-control/internal/remoteconfig"
	"github.com/newrelic/newrelic-agent-control/internal/values"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

type recordingCleaner struct {
	calls []map[agenttype.AgentID]struct{}
}

func (c *recordingCleaner) Clean(_ context.Context, current map[agenttype.AgentID]struct{}) error {
	c.calls = append(c.calls, current)
	return nil
}

type managerFixture struct {
	manager  *Manager
	store    *values.FileStore
	hashes   *remoteconfig.FileHashStore
	ids      *instanceid.Getter
	cleaner  *recordingCleaner
	consumer *event.Consumer[Event]
	builds   map[agenttype.AgentID]int
	failing  map[agenttype.AgentID]error
	// publishers keeps the health publisher of each built agent so tests
	// can emit reports as a running supervisor would.
	publishers map[agenttype.AgentID]*event.Publisher[health.Health]
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	store := values.NewFileStore(t.TempDir(), t.TempDir())
	hashes := remoteconfig.NewFileHashStore(store.AgentDir)
	ids := instanceid.NewGetter(instanceid.NewFileStorer(store.AgentDir), instanceid.Identifiers{HostID: "host-1"})
	cleaner := &recordingCleaner{}
	publisher, consumer := event.NewChannel[Event](100)

	f := &managerFixture{
		store:      store,
		hashes:     hashes,
		ids:        ids,
		cleaner:    cleaner,
		consumer:   consumer,
		builds:     map[agenttype.AgentID]int{},
		failing:    map[agenttype.AgentID]error{},
		publishers: map[agenttype.AgentID]*event.Publisher[health.Health]{},
	}
	builder := BuilderFunc(func(_ context.Context, desired Desired, healthPublisher *event.Publisher[health.Health]) (*SubAgent, error) {
		if err := f.failing[desired.ID]; err != nil {
			return nil, err
		}
		f.builds[desired.ID]++
		f.publishers[desired.ID] = healthPublisher
		return &SubAgent{ID: desired.ID, TypeID: desired.TypeID}, nil
	})
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	f.manager = NewManager(builder, cleaner, store, hashes, ids, publisher, logrus.NewEntry(log))
	return f
}

func desiredAgent(t *testing.T, id string, vals values.Doc) Desired {
	t.Helper()
	agentID, err := agenttype.NewSubAgentID(id)
	require.NoError(t, err)
	typeID, err := agenttype.ParseID("newrelic/com.newrelic.infrastructure:0.1.0")
	require.NoError(t, err)
	return Desired{ID: agentID, TypeID: typeID, Values: vals}
}

func asMap(agents ...Desired) map[agenttype.AgentID]Desired {
	out := map[agenttype.AgentID]Desired{}
	for _, a := range agents {
		out[a.ID] = a
	}
	return out
}

func TestReconcileAddsAgents(t *testing.T) {
	f := newFixture(t)
	desired := asMap(
		desiredAgent(t, "nr-infra", values.Doc{"license_key": "a"}),
		desiredAgent(t, "otel", values.Doc{"license_key": "b"}),
	)
	failures := f.manager.Reconcile(context.Background(), desired)
	assert.Empty(t, failures)
	assert.Equal(t, []agenttype.AgentID{"nr-infra", "otel"}, f.manager.Running())
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	desired := asMap(desiredAgent(t, "nr-infra", values.Doc{"license_key": "a"}))

	require.Empty(t, f.manager.Reconcile(context.Background(), desired))
	require.Empty(t, f.manager.Reconcile(context.Background(), desired))

	assert.Equal(t, 1, f.builds["nr-infra"], "unchanged agent must not be rebuilt")
}

func TestReconcileUpdatesOnValueChange(t *testing.T) {
	f := newFixture(t)
	require.Empty(t, f.manager.Reconcile(context.Background(),
		asMap(desiredAgent(t, "nr-infra", values.Doc{"license_key": "a"}))))
	require.Empty(t, f.manager.Reconcile(context.Background(),
		asMap(desiredAgent(t, "nr-infra", values.Doc{"license_key": "b"}))))

	assert.Equal(t, 2, f.builds["nr-infra"], "changed values must stop and start fresh")
	assert.Equal(t, []agenttype.AgentID{"nr-infra"}, f.manager.Running())
}

func TestReconcileRemovesAgentsAndErasesState(t *testing.T) {
	f := newFixture(t)
	infra := desiredAgent(t, "nr-infra", values.Doc{"license_key": "a"})
	require.Empty(t, f.manager.Reconcile(context.Background(), asMap(infra)))

	// seed persisted remote state for the agent
	require.NoError(t, f.store.StoreRemote(infra.ID, values.Doc{"license_key": "remote"}))
	require.NoError(t, f.hashes.Store(infra.ID, remoteconfig.Entry{Hash: "h1", State: remoteconfig.StateApplied}))
	_, err := f.ids.Get(infra.ID)
	require.NoError(t, err)

	failures := f.manager.Reconcile(context.Background(), map[agenttype.AgentID]Desired{})
	assert.Empty(t, failures)
	assert.Empty(t, f.manager.Running())

	remote, err := f.store.LoadRemote(infra.ID)
	require.NoError(t, err)
	assert.Nil(t, remote, "remote values must be deleted")
	entry, err := f.hashes.Load(infra.ID)
	require.NoError(t, err)
	assert.Nil(t, entry, "hash must be deleted")

	require.Len(t, f.cleaner.calls, 1)
	assert.Empty(t, f.cleaner.calls[0], "cleaner sees the post-removal id set")
}

func TestReconcileIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	broken := desiredAgent(t, "broken", values.Doc{})
	f.failing[broken.ID] = errors.New("missing required variable")

	failures := f.manager.Reconcile(context.Background(), asMap(
		broken,
		desiredAgent(t, "nr-infra", values.Doc{"license_key": "a"}),
	))
	require.Len(t, failures, 1)
	assert.ErrorContains(t, failures[broken.ID], "missing required variable")
	assert.Equal(t, []agenttype.AgentID{"nr-infra"}, f.manager.Running())
}

func TestHealthEventsCarryAgentIdentity(t *testing.T) {
	f := newFixture(t)
	infra := desiredAgent(t, "nr-infra", values.Doc{"license_key": "a"})
	require.Empty(t, f.manager.Reconcile(context.Background(), asMap(infra)))

	start := time.Now()
	require.NoError(t, f.publishers[infra.ID].Publish(health.NewHealthy(start)))

	select {
	case ev := <-f.consumer.Channel():
		assert.Equal(t, infra.ID, ev.AgentID)
		assert.True(t, ev.Health.Healthy)
		assert.Equal(t, start, ev.Health.StartTime)
	case <-time.After(2 * time.Second):
		t.Fatal("no event routed")
	}
}

func TestStopAllLeavesPersistedState(t *testing.T) {
	f := newFixture(t)
	infra := desiredAgent(t, "nr-infra", values.Doc{"license_key": "a"})
	require.Empty(t, f.manager.Reconcile(context.Background(), asMap(infra)))
	require.NoError(t, f.store.StoreRemote(infra.ID, values.Doc{"k": "v"}))

	f.manager.StopAll()
	assert.Empty(t, f.manager.Running())

	remote, err := f.store.LoadRemote(infra.ID)
	require.NoError(t, err)
	assert.NotNil(t, remote, "shutdown must not erase remote state")
}
