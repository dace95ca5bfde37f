package metrics

import "sync/atomic"

// AgentHealthSource is the minimal surface the adapter needs from the
// agent registry: a snapshot of the last report_status result per agent.
type AgentHealthSource interface {
	HealthSnapshots() map[string]AgentHealthSample
}

// AgentHealthSample is the subset of AgentStatus the adapter exports.
type AgentHealthSample struct {
	HealthScore float64
	IsStalled   bool
	Strategy    string
}

// AgentHealthAdapter exposes per-agent health_score/is_stalled as Prometheus
// or OTel gauges via the Provider abstraction, without the registry needing
// to know which backend is active.
type AgentHealthAdapter struct {
	source AgentHealthSource
	health Gauge // labels: agent
	stall  Gauge // labels: agent

	lastSyncUnixNano atomic.Int64
}

// NewAgentHealthAdapter constructs the adapter; returns nil if either
// argument is nil (no-op wiring).
func NewAgentHealthAdapter(source AgentHealthSource, p Provider) *AgentHealthAdapter {
	if source == nil || p == nil {
		return nil
	}
	return &AgentHealthAdapter{
		source: source,
		health: p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "ember", Subsystem: "agent", Name: "health_score", Help: "Most recent report_status health score per agent", Labels: []string{"agent"}}}),
		stall:  p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "ember", Subsystem: "agent", Name: "is_stalled", Help: "1 if the agent reported stalled on its last status poll", Labels: []string{"agent"}}}),
	}
}

// SyncOnce snapshots the registry and updates the gauges with current
// values; Set is idempotent per call, so repeated syncs are safe.
func (a *AgentHealthAdapter) SyncOnce() {
	if a == nil {
		return
	}
	for agent, sample := range a.source.HealthSnapshots() {
		a.health.Set(sample.HealthScore, agent)
		stalled := 0.0
		if sample.IsStalled {
			stalled = 1.0
		}
		a.stall.Set(stalled, agent)
	}
}
