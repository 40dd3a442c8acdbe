package agentcontrol

import (
	"fmt"
	"sync"
	"time"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/internal/httpserver"
)

// agentHealth is the last observation for one sub-agent.
type agentHealth struct {
	last           health.Health
	unhealthySince time.Time
}

// HealthAggregator folds sub-agent health into Agent Control's own: any
// sub-agent unhealthy for longer than the grace period degrades Agent
// Control. Observations arrive on the event loop; snapshots are read from
// the HTTP serving goroutine, hence the lock.
type HealthAggregator struct {
	gracePeriod time.Duration
	startTime   time.Time
	now         func() time.Time

	mu     sync.RWMutex
	agents map[agenttype.AgentID]agentHealth
}

func NewHealthAggregator(gracePeriod time.Duration, startTime time.Time) *HealthAggregator {
	return &HealthAggregator{
		gracePeriod: gracePeriod,
		startTime:   startTime,
		now:         time.Now,
		agents:      map[agenttype.AgentID]agentHealth{},
	}
}

// Observe records a health report. Reports from a previous incarnation
// (older start time than the current record) are discarded.
func (a *HealthAggregator) Observe(id agenttype.AgentID, report health.Health) {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, seen := a.agents[id]
	if seen && report.StartTime.Before(current.last.StartTime) {
		return
	}
	next := agentHealth{last: report}
	if !report.Healthy {
		next.unhealthySince = current.unhealthySince
		if current.last.Healthy || !seen || next.unhealthySince.IsZero() {
			next.unhealthySince = a.now()
		}
	}
	a.agents[id] = next
}

// Forget drops a removed sub-agent from the aggregate.
func (a *HealthAggregator) Forget(id agenttype.AgentID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.agents, id)
}

// AgentControlHealth is the aggregate verdict.
func (a *HealthAggregator) AgentControlHealth() health.Health {
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := a.now()
	for id, state := range a.agents {
		if state.last.Healthy || state.unhealthySince.IsZero() {
			continue
		}
		if now.Sub(state.unhealthySince) > a.gracePeriod {
			return health.NewUnhealthy(
				"degraded",
				fmt.Sprintf("sub-agent %s unhealthy since %s: %s", id, state.unhealthySince.Format(time.RFC3339), state.last.LastError),
				a.startTime,
			)
		}
	}
	return health.NewHealthy(a.startTime)
}

// SubAgentHealth returns the per-agent observations.
func (a *HealthAggregator) SubAgentHealth() map[string]health.Health {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]health.Health, len(a.agents))
	for id, state := range a.agents {
		out[id.String()] = state.last
	}
	return out
}

// knownIDs returns the observed agent ids.
func (a *HealthAggregator) knownIDs() []agenttype.AgentID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]agenttype.AgentID, 0, len(a.agents))
	for id := range a.agents {
		ids = append(ids, id)
	}
	return ids
}

// Status renders the snapshot served on the HTTP endpoint.
func (a *HealthAggregator) Status() httpserver.Status {
	own := a.AgentControlHealth()
	subAgents := a.SubAgentHealth()
	status := httpserver.Status{
		AgentControl: toAgentStatus(own),
		SubAgents:    make(map[string]httpserver.AgentStatus, len(subAgents)),
	}
	for id, h := range subAgents {
		status.SubAgents[id] = toAgentStatus(h)
	}
	return status
}

func toAgentStatus(h health.Health) httpserver.AgentStatus {
	status := httpserver.AgentStatus{
		Healthy:   h.Healthy,
		Status:    h.Status,
		LastError: h.LastError,
	}
	if !h.StartTime.IsZero() {
		status.StartTime = h.StartTime.UTC().Format(time.RFC3339)
	}
	return status
}
