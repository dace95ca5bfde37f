// Package physics implements the Physics ISA: owns the
// broadphase/solver lane pipeline and maps the issued strategy onto a
// fixed timestep.
package physics

import (
	"context"
	"sync"
	"time"

	"github.com/ember-engine/ember/engine/lanes"
	physicslanes "github.com/ember-engine/ember/engine/lanes/physics"
	engmodels "github.com/ember-engine/ember/engine/models"
)

// Agent is the Physics ISA.
type Agent struct {
	mu sync.Mutex

	registry *lanes.Registry
	world    *physicslanes.World
	debug    bool

	current    engmodels.StrategyId
	timestep   time.Duration
	timeBudget time.Duration

	bodyCount int

	lastFrameAt    time.Time
	observedFrame  time.Duration
	framesAdvanced uint64
}

// New wires a Physics agent around a lane registry populated with the
// standard-physics and physics-debug lanes from engine/lanes/physics.
func New(registry *lanes.Registry) *Agent {
	return &Agent{
		registry: registry,
		world:    &physicslanes.World{Gravity: physicslanes.Vec3{Y: -9.81}},
		current:  engmodels.StrategyId{Kind: engmodels.Balanced},
		timestep: time.Second / 60,
	}
}

// World exposes the simulation state the lanes step; callers add and
// remove bodies through it between ticks.
func (a *Agent) World() *physicslanes.World {
	return a.world
}

func (a *Agent) ID() engmodels.AgentId { return engmodels.Physics }

// SetBodyCount feeds the rolling body count consulted by Negotiate when
// it differs from the owned world's live count (e.g. streamed-ahead
// scenes).
func (a *Agent) SetBodyCount(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bodyCount = n
}

// SetDebugLane toggles whether Update drives the physics-debug lane
// instead of standard-physics (both still honor the current timestep).
func (a *Agent) SetDebugLane(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.debug = enabled
}

// quadraticCapMs bounds the body-count-quadratic cost estimate so a very
// large scene can't make negotiate return an unusably huge time option.
const quadraticCapMs = 40.0

func (a *Agent) Negotiate(req engmodels.NegotiationRequest) engmodels.NegotiationResponse {
	a.mu.Lock()
	n := a.bodyCount
	a.mu.Unlock()

	base := float64(n) * float64(n) * 0.0005
	if base > quadraticCapMs {
		base = quadraticCapMs
	}
	tiers := []struct {
		kind   engmodels.StrategyKind
		factor float64
		vram   uint64
	}{
		{engmodels.LowPower, 0.6, 16 << 20},
		{engmodels.Balanced, 1.0, 32 << 20},
		{engmodels.HighPerformance, 1.8, 64 << 20},
	}
	opts := make([]engmodels.StrategyOption, 0, len(tiers))
	for _, t := range tiers {
		opts = append(opts, engmodels.StrategyOption{
			ID:            engmodels.StrategyId{Kind: t.kind},
			EstimatedTime: time.Duration(base*t.factor*float64(time.Millisecond)) + time.Millisecond,
			EstimatedVRAM: t.vram,
		})
	}
	return engmodels.NegotiationResponse{Options: opts}
}

// timestepFor maps a strategy kind to a fixed timestep: LowPower 1/30,
// Balanced 1/60, HighPerformance 1/120.
func timestepFor(kind engmodels.StrategyKind) time.Duration {
	switch kind {
	case engmodels.LowPower:
		return time.Second / 30
	case engmodels.HighPerformance:
		return time.Second / 120
	default:
		return time.Second / 60
	}
}

func (a *Agent) ApplyBudget(budget engmodels.ResourceBudget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = budget.StrategyID
	a.timestep = timestepFor(budget.StrategyID.Kind)
	a.timeBudget = budget.TimeLimit
}

func (a *Agent) laneName() string {
	if a.debug {
		return "physics-debug"
	}
	return "standard-physics"
}

// Update drives the broadphase lane, then the selected solver lane,
// at the current fixed timestep; the World value carried in the
// LaneContext is shared across both so the solver sees the broadphase's
// pairs.
func (a *Agent) Update(ctx context.Context) error {
	a.mu.Lock()
	name := a.laneName()
	dt := a.timestep
	registry := a.registry
	world := a.world
	a.mu.Unlock()

	lane, ok := registry.Lookup(name)
	if !ok {
		return nil
	}
	broadphase, hasBroadphase := registry.Lookup("broadphase")

	lc := lanes.NewContext()
	lanes.Put(lc, dt)
	lanes.Put(lc, world)

	start := time.Now()
	if hasBroadphase {
		if err := broadphase.Execute(lc); err != nil {
			return err
		}
	}
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
	stalled := a.framesAdvanced > 0 && time.Since(a.lastFrameAt) > 2*a.timestep

	return engmodels.AgentStatus{
		AgentID:         engmodels.Physics,
		HealthScore:     health,
		CurrentStrategy: a.current,
		IsStalled:       stalled,
	}
}

func (a *Agent) Execute(ctx context.Context) error { return nil }

func (a *Agent) Downcast() any { return a }
