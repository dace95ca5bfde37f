// Package heuristics turns the metric store and situational context into
// an AnalysisReport. Analyze is a pure function of its inputs; the only
// state that crosses tick boundaries is the caller-owned rolling State,
// so the heuristic layer itself never accumulates hidden history.
package heuristics

import (
	"fmt"

	engmodels "github.com/ember-engine/ember/engine/models"
	"github.com/ember-engine/ember/engine/telemetry/store"
)

// FrameTimeMetricID is the well-known metric id the heuristic engine
// reads to detect sustained frame-time overshoot.
const FrameTimeMetricID = "engine/frame_time_ms"

// DefaultTargetFrameRateHz is the nominal target frame rate used to
// derive suggested_latency_ms before phase adjustment when the caller
// does not supply one.
const DefaultTargetFrameRateHz = 60.0

// phaseLatencyFactor loosens or tightens the nominal per-frame budget by
// macroscopic phase: boot/menu tolerate looser budgets than simulation;
// background is near-zero since nothing need render promptly.
var phaseLatencyFactor = map[engmodels.Phase]float32{
	engmodels.PhaseBoot:       2.0,
	engmodels.PhaseMenu:       1.5,
	engmodels.PhaseSimulation: 1.0,
	engmodels.PhaseBackground: 0.1,
}

// State carries what a pure per-tick function still needs to see death
// spirals across ticks: two streak counters and the previously observed
// phase. The caller owns it (typically the DCC worker) and passes it back
// in each tick, keeping Analyze itself free of hidden state.
type State struct {
	// ConsecutiveOvershoots counts consecutive ticks where measured frame
	// time exceeded 2x the suggested latency.
	ConsecutiveOvershoots int
	// ConsecutiveDegradedMajority counts consecutive ticks where a
	// majority of agents reported degraded health.
	ConsecutiveDegradedMajority int
	// LastPhase is the phase observed on the previous tick; a change
	// forces renegotiation.
	LastPhase engmodels.Phase
}

const vramAlertThreshold = 0.85

// Options tunes one Analyze call; the zero value selects the defaults.
type Options struct {
	// TargetFrameRateHz derives the nominal per-frame budget; 0 selects
	// DefaultTargetFrameRateHz.
	TargetFrameRateHz float64
	// RefreshEveryNTicks forces needs_negotiation every N ticks as a
	// periodic refresh; 0 disables.
	RefreshEveryNTicks int
	// Tick is the DCC worker's tick counter, consumed by the periodic
	// refresh.
	Tick int64
}

// Analyze derives an AnalysisReport from the current context, the metric
// store, the latest agent statuses, and the caller-owned rolling state
// (which Analyze both reads and mutates in place — the only state that
// crosses tick boundaries lives here, never inside this package).
func Analyze(ctx engmodels.Context, m *store.MetricStore, statuses []engmodels.AgentStatus, st *State, opts Options) engmodels.AnalysisReport {
	fps := opts.TargetFrameRateHz
	if fps <= 0 {
		fps = DefaultTargetFrameRateHz
	}
	factor, ok := phaseLatencyFactor[ctx.Phase]
	if !ok {
		factor = 1.0
	}
	suggested := float32(1000.0/fps) * factor

	report := engmodels.AnalysisReport{SuggestedLatencyMs: suggested}

	frameTime := m.RecentAvg(FrameTimeMetricID, 1)
	overshoot := frameTime > 0 && float32(frameTime) > 2*suggested
	if overshoot {
		st.ConsecutiveOvershoots++
	} else {
		st.ConsecutiveOvershoots = 0
	}

	degradedMajority := isDegradedMajority(statuses)
	if degradedMajority {
		st.ConsecutiveDegradedMajority++
	} else {
		st.ConsecutiveDegradedMajority = 0
	}

	report.DeathSpiralDetected = st.ConsecutiveOvershoots >= 2 || st.ConsecutiveDegradedMajority >= 2

	if ctx.Hardware.Thermal == engmodels.ThermalThrottling {
		report.Alerts = append(report.Alerts, "thermal throttling active")
	}
	if ctx.Hardware.Thermal == engmodels.ThermalCritical {
		report.Alerts = append(report.Alerts, "thermal state critical")
	}
	if ctx.Hardware.Battery == engmodels.BatterySaver {
		report.Alerts = append(report.Alerts, "battery saver active")
	}
	if ctx.Hardware.TotalVRAM > 0 {
		used := ctx.Hardware.TotalVRAM - ctx.Hardware.AvailableVRAM
		if float64(used)/float64(ctx.Hardware.TotalVRAM) > vramAlertThreshold {
			report.Alerts = append(report.Alerts, fmt.Sprintf("VRAM usage above %.0f%%", vramAlertThreshold*100))
		}
	}
	if st.ConsecutiveOvershoots > 0 {
		report.Alerts = append(report.Alerts, fmt.Sprintf("sustained frame-time overshoot (%d ticks)", st.ConsecutiveOvershoots))
	}

	phaseChanged := st.LastPhase != "" && st.LastPhase != ctx.Phase
	st.LastPhase = ctx.Phase

	periodic := opts.RefreshEveryNTicks > 0 && opts.Tick%int64(opts.RefreshEveryNTicks) == 0
	report.NeedsNegotiation = phaseChanged || overshoot || degradedMajority || ctx.GlobalBudgetMultiplier == 0 || periodic

	return report
}

func isDegradedMajority(statuses []engmodels.AgentStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	degraded := 0
	for _, s := range statuses {
		if s.HealthScore < 0.5 || s.IsStalled {
			degraded++
		}
	}
	return degraded*2 > len(statuses)
}
