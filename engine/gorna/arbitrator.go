// Package gorna implements Goal-Oriented Resource Negotiation &
// Allocation: the arbitration round that turns an analysis report and
// the situational context into one ResourceBudget per registered agent.
// A round proceeds through four phases: health check with an
// emergency-stop path, effective-budget derivation, per-agent
// negotiation, and global fitting followed by issuance. Each agent is
// mutated at most once per round, always under its own lock, and a lock
// that cannot be acquired within the bounded timeout causes that agent
// to be skipped and logged, never waited on.
package gorna

import (
	"time"

	"github.com/ember-engine/ember/engine/agents"
	engmodels "github.com/ember-engine/ember/engine/models"
)

// DefaultLockTimeout bounds the spin-yield wait for any single agent
// lock during an arbitration round.
const DefaultLockTimeout = 100 * time.Millisecond

// emergencyTimeLimit is the time_limit every agent receives on the
// emergency-stop path.
const emergencyTimeLimit = 2 * time.Millisecond

// stalledThreshold is the minimum count of stalled agents that forces
// emergency-stop even absent a death-spiral report.
const stalledThreshold = 2

// priorityTable fixes, per phase, the weight each agent negotiates at.
// These values are design contracts, not tunables.
var priorityTable = map[engmodels.Phase]map[engmodels.AgentId]float32{
	engmodels.PhaseBoot: {
		engmodels.Asset: 1.0, engmodels.Renderer: 0.3, engmodels.Physics: 0.3, engmodels.Audio: 0.3, engmodels.Ecs: 0.3,
	},
	engmodels.PhaseMenu: {
		engmodels.Asset: 1.0, engmodels.Audio: 0.8, engmodels.Renderer: 0.6, engmodels.Physics: 0.3, engmodels.Ecs: 0.3,
	},
	engmodels.PhaseSimulation: {
		engmodels.Renderer: 1.0, engmodels.Physics: 1.0, engmodels.Ecs: 0.8, engmodels.Audio: 0.6, engmodels.Asset: 0.5,
	},
	engmodels.PhaseBackground: {
		engmodels.Renderer: 0.1, engmodels.Physics: 0.1, engmodels.Audio: 0.1, engmodels.Asset: 0.1, engmodels.Ecs: 0.1,
	},
}

// criticalAgents lists, per phase, the agents that must receive at least
// their cheapest option.
var criticalAgents = map[engmodels.Phase]map[engmodels.AgentId]bool{
	engmodels.PhaseBoot:       {engmodels.Asset: true},
	engmodels.PhaseMenu:       {engmodels.Renderer: true},
	engmodels.PhaseSimulation: {engmodels.Renderer: true, engmodels.Physics: true, engmodels.Ecs: true},
	engmodels.PhaseBackground: {},
}

func priorityOf(phase engmodels.Phase, id engmodels.AgentId) float32 {
	if p, ok := priorityTable[phase][id]; ok {
		return p
	}
	return 0.3
}

func isCritical(phase engmodels.Phase, id engmodels.AgentId) bool {
	return criticalAgents[phase][id]
}

// EffectiveMultiplier derives the global budget multiplier from thermal
// and battery state: nominal 1.0, throttling 0.6, critical thermal 0.35,
// battery saver 0.5, composed multiplicatively and clamped to [0.2, 1.2].
func EffectiveMultiplier(hw engmodels.Hardware) float32 {
	m := float32(1.0)
	switch hw.Thermal {
	case engmodels.ThermalThrottling:
		m *= 0.6
	case engmodels.ThermalCritical:
		m *= 0.35
	}
	if hw.Battery == engmodels.BatterySaver {
		m *= 0.5
	}
	if m < 0.2 {
		m = 0.2
	}
	if m > 1.2 {
		m = 1.2
	}
	return m
}

// RoundResult summarizes one arbitration round for the history ledger,
// the tracing span attributes, and tests.
type RoundResult struct {
	EmergencyStop     bool
	StalledCount      int
	EffectiveBudgetMs float32
	Allocations       map[engmodels.AgentId]engmodels.ResourceBudget
	OvershootAlert    bool
	VRAMOvershoot     bool
	DroppedAgents     []engmodels.AgentId
	SkippedAgents     []engmodels.AgentId
}

// Logger is the minimal logging surface the arbitrator needs; satisfied
// by log/slog or a test stub. A nil logger disables the skip warnings.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Arbitrate runs one full round against the registry with the default
// lock timeout.
func Arbitrate(registry *agents.Registry, ctx engmodels.Context, report engmodels.AnalysisReport, log Logger) RoundResult {
	return ArbitrateTimeout(registry, ctx, report, log, DefaultLockTimeout)
}

// ArbitrateTimeout runs one full round with a caller-chosen bound on
// each agent-lock acquisition.
func ArbitrateTimeout(registry *agents.Registry, ctx engmodels.Context, report engmodels.AnalysisReport, log Logger, lockTimeout time.Duration) RoundResult {
	if log == nil {
		log = noopLogger{}
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	result := RoundResult{Allocations: make(map[engmodels.AgentId]engmodels.ResourceBudget)}

	// Phase 0 — health check. Every lockable agent reports status before
	// any agent negotiates.
	statuses := make(map[engmodels.AgentId]engmodels.AgentStatus)
	registry.ForEachLocked(lockTimeout, func(a agents.Agent) {
		statuses[a.ID()] = a.ReportStatus()
	}, func(id engmodels.AgentId) {
		result.SkippedAgents = append(result.SkippedAgents, id)
		log.Warn("gorna: lock timeout during health check", "agent", id)
	})

	for _, st := range statuses {
		if st.IsStalled {
			result.StalledCount++
		}
	}
	if result.StalledCount >= stalledThreshold || report.DeathSpiralDetected {
		result.EmergencyStop = true
		budget := engmodels.ResourceBudget{StrategyID: engmodels.StrategyId{Kind: engmodels.LowPower}, TimeLimit: emergencyTimeLimit}
		registry.ForEachLocked(lockTimeout, func(a agents.Agent) {
			a.ApplyBudget(budget)
			result.Allocations[a.ID()] = budget
		}, func(id engmodels.AgentId) {
			result.SkippedAgents = append(result.SkippedAgents, id)
			log.Warn("gorna: lock timeout during emergency-stop issuance", "agent", id)
		})
		return result
	}

	// Phase 1 — effective budget.
	multiplier := ctx.GlobalBudgetMultiplier
	if multiplier == 0 {
		multiplier = EffectiveMultiplier(ctx.Hardware)
	}
	result.EffectiveBudgetMs = report.SuggestedLatencyMs * multiplier

	// Phase 2 — negotiation, each agent under its own lock. Empty
	// responses drop the agent from this round; options are sorted
	// cheapest-first for the solver.
	var cands []candidate
	registry.ForEachLocked(lockTimeout, func(a agents.Agent) {
		id := a.ID()
		prio := priorityOf(ctx.Phase, id)
		req := engmodels.NegotiationRequest{
			TargetLatency:  time.Duration(float64(result.EffectiveBudgetMs*prio) * float64(time.Millisecond)),
			PriorityWeight: prio,
			Constraints:    engmodels.ResourceConstraints{MustRun: isCritical(ctx.Phase, id)},
		}
		resp := a.Negotiate(req)
		if len(resp.Options) == 0 {
			return
		}
		opts := append([]engmodels.StrategyOption(nil), resp.Options...)
		sortByTimeAscending(opts)
		cands = append(cands, candidate{id: id, options: opts})
	}, func(id engmodels.AgentId) {
		result.SkippedAgents = append(result.SkippedAgents, id)
		log.Warn("gorna: lock timeout during negotiation", "agent", id)
	})

	// Phase 3 — global fitting against the time and VRAM envelopes.
	fitted := fit(ctx.Phase, cands, result.EffectiveBudgetMs, ctx.Hardware.AvailableVRAM)
	result.OvershootAlert = fitted.overshoot
	result.VRAMOvershoot = fitted.vramOvershoot
	result.DroppedAgents = fitted.dropped
	if fitted.overshoot {
		log.Warn("gorna: minimum allocations exceed effective budget", "budget_ms", result.EffectiveBudgetMs)
	}

	// Phase 4 — issuance, reacquiring each agent's lock.
	registry.ForEachLocked(lockTimeout, func(a agents.Agent) {
		alloc, ok := fitted.picks[a.ID()]
		if !ok {
			return
		}
		memLimit := alloc.EstimatedVRAM
		budget := engmodels.ResourceBudget{
			StrategyID:  alloc.ID,
			TimeLimit:   alloc.EstimatedTime,
			MemoryLimit: &memLimit,
		}
		a.ApplyBudget(budget)
		result.Allocations[a.ID()] = budget
	}, func(id engmodels.AgentId) {
		result.SkippedAgents = append(result.SkippedAgents, id)
		log.Warn("gorna: lock timeout during issuance", "agent", id)
	})

	return result
}

func sortByTimeAscending(opts []engmodels.StrategyOption) {
	for i := 1; i < len(opts); i++ {
		for j := i; j > 0 && opts[j-1].EstimatedTime > opts[j].EstimatedTime; j-- {
			opts[j-1], opts[j] = opts[j], opts[j-1]
		}
	}
}
