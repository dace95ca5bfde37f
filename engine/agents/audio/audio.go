// Package audio implements the Audio ISA: owns the mixing
// lanes and switches between a full spatial mixer and a cheaper
// pan+volume fallback as budget tightens.
package audio

import (
	"context"
	"sync"
	"time"

	"github.com/ember-engine/ember/engine/lanes"
	audiolanes "github.com/ember-engine/ember/engine/lanes/audio"
	engmodels "github.com/ember-engine/ember/engine/models"
)

type Agent struct {
	mu sync.Mutex

	registry *lanes.Registry
	mix      *audiolanes.Mix

	current     engmodels.StrategyId
	timeBudget  time.Duration
	sourceCount int

	lastFrameAt    time.Time
	observedFrame  time.Duration
	framesAdvanced uint64
}

// New wires an Audio agent around a lane registry populated with the
// spatial-mixer and pan-volume lanes from engine/lanes/audio.
func New(registry *lanes.Registry) *Agent {
	return &Agent{
		registry: registry,
		mix:      &audiolanes.Mix{OutputSampleRate: 48000, Output: make([]float64, 1024)},
		current:  engmodels.StrategyId{Kind: engmodels.Balanced},
	}
}

// Mix exposes the shared mixing state; callers attach sources and the
// listener through it between ticks.
func (a *Agent) Mix() *audiolanes.Mix {
	return a.mix
}

func (a *Agent) ID() engmodels.AgentId { return engmodels.Audio }

// SetSourceCount feeds the rolling active-source count consulted by
// Negotiate.
func (a *Agent) SetSourceCount(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sourceCount = n
}

func (a *Agent) Negotiate(req engmodels.NegotiationRequest) engmodels.NegotiationResponse {
	a.mu.Lock()
	n := a.sourceCount
	a.mu.Unlock()

	perSource := 0.01 * float64(n)
	return engmodels.NegotiationResponse{Options: []engmodels.StrategyOption{
		{ID: engmodels.StrategyId{Kind: engmodels.LowPower}, EstimatedTime: time.Duration((0.3 + perSource*0.4) * float64(time.Millisecond)), EstimatedVRAM: 2 << 20},
		{ID: engmodels.StrategyId{Kind: engmodels.Balanced}, EstimatedTime: time.Duration((0.6 + perSource) * float64(time.Millisecond)), EstimatedVRAM: 4 << 20},
		{ID: engmodels.StrategyId{Kind: engmodels.HighPerformance}, EstimatedTime: time.Duration((1.0 + perSource*1.5) * float64(time.Millisecond)), EstimatedVRAM: 8 << 20},
	}}
}

func (a *Agent) ApplyBudget(budget engmodels.ResourceBudget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = budget.StrategyID
	a.timeBudget = budget.TimeLimit
}

// laneName selects the spatial mixer for Balanced/HighPerformance
// (Custom takes the Balanced route) and the cheaper pan+volume lane
// under LowPower.
func laneName(kind engmodels.StrategyKind) string {
	if kind == engmodels.LowPower {
		return "pan-volume"
	}
	return "spatial-mixer"
}

func (a *Agent) Update(ctx context.Context) error {
	a.mu.Lock()
	name := laneName(a.current.Kind)
	registry := a.registry
	mix := a.mix
	a.mu.Unlock()

	lane, ok := registry.Lookup(name)
	if !ok {
		return nil
	}

	lc := lanes.NewContext()
	lanes.Put(lc, mix)
	start := time.Now()
	if err := lane.OnInitialize(lc); err != nil {
		return err
	}
	if err := lane.Execute(lc); err != nil {
		return err
	}
	if err := lane.OnShutdown(lc); err != nil {
		return err
	}

	a.mu.Lock()
	a.observedFrame = time.Since(start)
	a.lastFrameAt = time.Now()
	a.framesAdvanced++
	a.mu.Unlock()
	return nil
}

func (a *Agent) ReportStatus() engmodels.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	health := float32(1.0)
	if a.observedFrame > 0 && a.timeBudget > 0 {
		health = float32(a.timeBudget) / float32(a.observedFrame)
		if health > 1.0 {
			health = 1.0
		}
	}
	stalled := a.framesAdvanced > 0 && time.Since(a.lastFrameAt) > 100*time.Millisecond
	return engmodels.AgentStatus{AgentID: engmodels.Audio, HealthScore: health, CurrentStrategy: a.current, IsStalled: stalled}
}

func (a *Agent) Execute(ctx context.Context) error { return nil }

func (a *Agent) Downcast() any { return a }
