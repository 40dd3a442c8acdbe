package agentcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
)

func TestAggregatorHealthyWithNoAgents(t *testing.T) {
	start := time.Now()
	a := NewHealthAggregator(time.Minute, start)
	verdict := a.AgentControlHealth()
	assert.True(t, verdict.Healthy)
	assert.Equal(t, start, verdict.StartTime)
}

func TestAggregatorGracePeriod(t *testing.T) {
	a := NewHealthAggregator(time.Minute, time.Now())
	now := time.Now()
	a.now = func() time.Time { return now }
	id := agenttype.AgentID("nr-infra")

	a.Observe(id, health.NewUnhealthy("unhealthy", "exit 3", now))

	// still inside the grace period
	assert.True(t, a.AgentControlHealth().Healthy)

	// past the grace period
	now = now.Add(2 * time.Minute)
	verdict := a.AgentControlHealth()
	require.False(t, verdict.Healthy)
	assert.Contains(t, verdict.LastError, "nr-infra")

	// recovery clears the degradation
	a.Observe(id, health.NewHealthy(now))
	assert.True(t, a.AgentControlHealth().Healthy)
}

func TestAggregatorDiscardsStaleIncarnation(t *testing.T) {
	a := NewHealthAggregator(time.Minute, time.Now())
	id := agenttype.AgentID("nr-infra")

	newStart := time.Now()
	oldStart := newStart.Add(-time.Hour)

	a.Observe(id, health.NewHealthy(newStart))
	// a late event from the previous incarnation must not regress state
	a.Observe(id, health.NewUnhealthy("unhealthy", "old crash", oldStart))

	snapshot := a.SubAgentHealth()
	require.Contains(t, snapshot, "nr-infra")
	assert.True(t, snapshot["nr-infra"].Healthy)
}

func TestAggregatorForget(t *testing.T) {
	a := NewHealthAggregator(time.Nanosecond, time.Now())
	id := agenttype.AgentID("nr-infra")
	a.Observe(id, health.NewUnhealthy("unhealthy", "gone", time.Now()))
	a.Forget(id)

	assert.True(t, a.AgentControlHealth().Healthy)
	assert.Empty(t, a.SubAgentHealth())
}

func TestAggregatorStatusDocument(t *testing.T) {
	start := time.Now()
	a := NewHealthAggregator(time.Minute, start)
	a.Observe(agenttype.AgentID("otel"), health.NewHealthy(start))

	status := a.Status()
	assert.True(t, status.AgentControl.Healthy)
	require.Contains(t, status.SubAgents, "otel")
	assert.True(t, status.SubAgents["otel"].Healthy)
	assert.NotEmpty(t, status.SubAgents["otel"].StartTime)
}
