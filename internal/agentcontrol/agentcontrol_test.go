package agentcontrol

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/internal/instanceid"
	"github.com/newrelic/newrelic-agent-control/internal/opamp"
	"github.com/newrelic/newrelic-agent-control/internal/remoteconfig"
	"github.com/newrelic/newrelic-agent-control/internal/subagent"
	"github.com/newrelic/newrelic-agent-control/internal/values"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

type fakeOpAMPClient struct {
	id     agenttype.AgentID
	events *event.Publisher[opamp.Event]

	mu        sync.Mutex
	started   bool
	stopped   bool
	statuses  []remoteconfig.Entry
	effective [][]byte
}

func (c *fakeOpAMPClient) Start(context.Context, *protobufs.AgentDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeOpAMPClient) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *fakeOpAMPClient) SetHealth(health.Health, map[string]health.Health) error { return nil }

func (c *fakeOpAMPClient) SetRemoteConfigStatus(entry remoteconfig.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, entry)
	return nil
}

func (c *fakeOpAMPClient) ReportEffectiveConfig(_ context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.effective = append(c.effective, raw)
	return nil
}

func (c *fakeOpAMPClient) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *fakeOpAMPClient) lastStatus() (remoteconfig.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.statuses) == 0 {
		return remoteconfig.Entry{}, false
	}
	return c.statuses[len(c.statuses)-1], true
}

// pushRemoteConfig emulates a server push on this agent's connection.
func (c *fakeOpAMPClient) pushRemoteConfig(t *testing.T, hash, body string) {
	t.Helper()
	require.NoError(t, c.events.Publish(opamp.Event{
		Kind:    opamp.EventRemoteConfig,
		AgentID: c.id,
		RemoteConfig: &protobufs.AgentRemoteConfig{
			ConfigHash: []byte(hash),
			Config: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{"": {Body: []byte(body)}},
			},
		},
	}))
}

type countingBuilder struct {
	mu     sync.Mutex
	builds map[agenttype.AgentID]int
	values map[agenttype.AgentID]values.Doc
}

func (b *countingBuilder) Build(_ context.Context, desired subagent.Desired, _ *event.Publisher[health.Health]) (*subagent.SubAgent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds[desired.ID]++
	b.values[desired.ID] = desired.Values
	return &subagent.SubAgent{ID: desired.ID, TypeID: desired.TypeID}, nil
}

func (b *countingBuilder) count(id agenttype.AgentID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[id]
}

func (b *countingBuilder) lastValues(id agenttype.AgentID) values.Doc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.values[id]
}

type kernelFixture struct {
	ac      *AgentControl
	builder *countingBuilder
	store   *values.FileStore
	clients map[agenttype.AgentID]*fakeOpAMPClient
	mu      sync.Mutex
	done    chan struct{}
}

func (f *kernelFixture) client(id agenttype.AgentID) *fakeOpAMPClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[id]
}

func startKernel(t *testing.T, localValues map[string]string) *kernelFixture {
	t.Helper()

	localDir, remoteDir := t.TempDir(), t.TempDir()
	cfgPath := writeConfigIn(t, localDir, `
fleet_control:
  enabled: true
  endpoint: https://opamp.example.com/v1/opamp
agents:
  nr-infra:
    agent_type: newrelic/com.newrelic.infrastructure:0.1.0
`)
	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	cfg.LocalDir = localDir
	cfg.RemoteDir = remoteDir
	cfg.Server.Enabled = false

	store := values.NewFileStore(localDir, remoteDir)
	for agent, doc := range localValues {
		writeLocalValues(t, localDir, agent, doc)
	}

	registry, err := agenttype.NewRegistry()
	require.NoError(t, err)
	renderer := agenttype.NewRenderer(
		agenttype.IdentityAttributes{Version: "1.0.0", HostID: "host-1"},
		cfg.Raw,
		func() []string { return nil },
	)

	fixture := &kernelFixture{
		builder: &countingBuilder{builds: map[agenttype.AgentID]int{}, values: map[agenttype.AgentID]values.Doc{}},
		store:   store,
		clients: map[agenttype.AgentID]*fakeOpAMPClient{},
		done:    make(chan struct{}),
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	deps := Deps{
		Builder:     fixture.builder,
		Cleaner:     subagent.NoopCleaner{},
		Store:       store,
		Hashes:      remoteconfig.NewFileHashStore(store.AgentDir),
		InstanceIDs: instanceid.NewGetter(instanceid.NewFileStorer(store.AgentDir), instanceid.Identifiers{HostID: "host-1"}),
		Identity:    agenttype.IdentityAttributes{Version: "1.0.0", HostID: "host-1"},
		AgentDir:    store.AgentDir,
		OpAMPFactory: func(id agenttype.AgentID, _ instanceid.ID, events *event.Publisher[opamp.Event]) OpAMPClient {
			client := &fakeOpAMPClient{id: id, events: events}
			fixture.mu.Lock()
			fixture.clients[id] = client
			fixture.mu.Unlock()
			return client
		},
	}
	fixture.ac = New(cfg, registry, renderer, deps, logger)

	go func() {
		defer close(fixture.done)
		_ = fixture.ac.Run(context.Background())
	}()
	t.Cleanup(func() {
		_ = fixture.ac.AppEventPublisher().Publish(AppEvent{Kind: AppStopRequested})
		select {
		case <-fixture.done:
		case <-time.After(10 * time.Second):
			t.Error("event loop did not stop")
		}
	})
	return fixture
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

func writeConfigIn(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, LocalConfigFileName)
	require.NoError(t, writeFile(path, content))
	return path
}

func writeLocalValues(t *testing.T, localDir, agent, doc string) {
	t.Helper()
	path := filepath.Join(localDir, values.LocalAgentsSubdir, agent, "values.yaml")
	require.NoError(t, writeFile(path, doc))
}

func infraValues() map[string]string {
	return map[string]string{
		"nr-infra": "license_key: local-key\nconfig_agent:\n  verbose: 1\n",
	}
}

func TestKernelStartsAgentsFromLocalConfig(t *testing.T) {
	f := startKernel(t, infraValues())

	require.Eventually(t, func() bool {
		return f.builder.count("nr-infra") == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "local-key", f.builder.lastValues("nr-infra")["license_key"])
}

func TestKernelAppliesRemoteValues(t *testing.T) {
	f := startKernel(t, infraValues())
	require.Eventually(t, func() bool { return f.builder.count("nr-infra") == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.client("nr-infra") != nil }, 5*time.Second, 10*time.Millisecond)

	f.client("nr-infra").pushRemoteConfig(t, "hash-1", "license_key: remote-key\nconfig_agent: {}\n")

	require.Eventually(t, func() bool { return f.builder.count("nr-infra") == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "remote-key", f.builder.lastValues("nr-infra")["license_key"])

	status, ok := f.client("nr-infra").lastStatus()
	require.True(t, ok)
	assert.Equal(t, remoteconfig.StateApplied, status.State)
	assert.Equal(t, remoteconfig.Hash("hash-1"), status.Hash)
}

func TestKernelRejectsInvalidRemoteValues(t *testing.T) {
	f := startKernel(t, infraValues())
	require.Eventually(t, func() bool { return f.client("nr-infra") != nil }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.builder.count("nr-infra") == 1 }, 5*time.Second, 10*time.Millisecond)

	// missing required license_key
	f.client("nr-infra").pushRemoteConfig(t, "hash-bad", "config_agent: {}\n")

	require.Eventually(t, func() bool {
		status, ok := f.client("nr-infra").lastStatus()
		return ok && status.State == remoteconfig.StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	// the previous incarnation keeps running untouched
	assert.Equal(t, 1, f.builder.count("nr-infra"))
	remote, err := f.store.LoadRemote("nr-infra")
	require.NoError(t, err)
	assert.Nil(t, remote)
}

func TestKernelRemovesAgentOnDynamicConfigChange(t *testing.T) {
	f := startKernel(t, infraValues())
	require.Eventually(t, func() bool { return f.client(agenttype.AgentControlID) != nil }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.builder.count("nr-infra") == 1 }, 5*time.Second, 10*time.Millisecond)

	f.client(agenttype.AgentControlID).pushRemoteConfig(t, "ac-hash-1", "agents: {}\n")

	// the removed agent's fleet connection is torn down with it
	require.Eventually(t, func() bool {
		client := f.client("nr-infra")
		return client != nil && client.isStopped()
	}, 5*time.Second, 10*time.Millisecond)

	status, ok := f.client(agenttype.AgentControlID).lastStatus()
	require.True(t, ok)
	assert.Equal(t, remoteconfig.StateApplied, status.State)
}

func TestKernelClearRevertsToLocalDynamicConfig(t *testing.T) {
	f := startKernel(t, infraValues())
	require.Eventually(t, func() bool { return f.client(agenttype.AgentControlID) != nil }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.builder.count("nr-infra") == 1 }, 5*time.Second, 10*time.Millisecond)

	// remote dynamic config drops the agent
	f.client(agenttype.AgentControlID).pushRemoteConfig(t, "ac-hash-1", "agents: {}\n")
	require.Eventually(t, func() bool {
		client := f.client("nr-infra")
		return client != nil && client.isStopped()
	}, 5*time.Second, 10*time.Millisecond)

	// the empty body clears the override: the local layer wins again
	f.client(agenttype.AgentControlID).pushRemoteConfig(t, "ac-hash-2", "")
	require.Eventually(t, func() bool { return f.builder.count("nr-infra") == 2 }, 5*time.Second, 10*time.Millisecond)
}
