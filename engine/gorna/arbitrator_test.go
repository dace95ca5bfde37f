package gorna

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-engine/ember/engine/agents"
	engmodels "github.com/ember-engine/ember/engine/models"
)

// stubAgent is a scripted agent: a fixed option menu, a recorded budget
// trail, and togglable stall state.
type stubAgent struct {
	mu      sync.Mutex
	id      engmodels.AgentId
	options []engmodels.StrategyOption
	stalled bool

	applied     []engmodels.ResourceBudget
	lastRequest engmodels.NegotiationRequest
}

func newStub(id engmodels.AgentId, menu ...engmodels.StrategyOption) *stubAgent {
	return &stubAgent{id: id, options: menu}
}

// menu builds the canonical {2, 8, 14}ms three-tier menu.
func menu(vram ...uint64) []engmodels.StrategyOption {
	v := []uint64{1 << 10, 10 << 20, 20 << 20}
	if len(vram) == 3 {
		v = vram
	}
	return []engmodels.StrategyOption{
		{ID: engmodels.StrategyId{Kind: engmodels.LowPower}, EstimatedTime: 2 * time.Millisecond, EstimatedVRAM: v[0]},
		{ID: engmodels.StrategyId{Kind: engmodels.Balanced}, EstimatedTime: 8 * time.Millisecond, EstimatedVRAM: v[1]},
		{ID: engmodels.StrategyId{Kind: engmodels.HighPerformance}, EstimatedTime: 14 * time.Millisecond, EstimatedVRAM: v[2]},
	}
}

func (s *stubAgent) ID() engmodels.AgentId { return s.id }

func (s *stubAgent) Negotiate(req engmodels.NegotiationRequest) engmodels.NegotiationResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRequest = req
	return engmodels.NegotiationResponse{Options: append([]engmodels.StrategyOption(nil), s.options...)}
}

func (s *stubAgent) ApplyBudget(b engmodels.ResourceBudget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, b)
}

func (s *stubAgent) Update(ctx context.Context) error  { return nil }
func (s *stubAgent) Execute(ctx context.Context) error { return nil }
func (s *stubAgent) Downcast() any                     { return s }

func (s *stubAgent) ReportStatus() engmodels.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return engmodels.AgentStatus{AgentID: s.id, HealthScore: 1, IsStalled: s.stalled}
}

func (s *stubAgent) lastBudget() (engmodels.ResourceBudget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.applied) == 0 {
		return engmodels.ResourceBudget{}, false
	}
	return s.applied[len(s.applied)-1], true
}

func simulationCtx() engmodels.Context {
	return engmodels.Context{
		Phase:                  engmodels.PhaseSimulation,
		GlobalBudgetMultiplier: 1.0,
		Hardware:               engmodels.Hardware{Thermal: engmodels.ThermalNominal, Battery: engmodels.BatteryNormal},
	}
}

func report(latencyMs float32) engmodels.AnalysisReport {
	return engmodels.AnalysisReport{NeedsNegotiation: true, SuggestedLatencyMs: latencyMs}
}

func TestSingleRendererGenerousBudget(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	reg.Register(rend)

	result := Arbitrate(reg, simulationCtx(), report(16.66), nil)

	require.Len(t, result.Allocations, 1)
	b, ok := rend.lastBudget()
	require.True(t, ok)
	assert.Equal(t, engmodels.HighPerformance, b.StrategyID.Kind)
	assert.Equal(t, 14*time.Millisecond, b.TimeLimit)
}

func TestTwoEqualPriorityAgentsTightBudget(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	phys := newStub(engmodels.Physics, menu()...)
	reg.Register(rend)
	reg.Register(phys)

	result := Arbitrate(reg, simulationCtx(), report(16.66), nil)

	require.Len(t, result.Allocations, 2)
	var total time.Duration
	for _, a := range []*stubAgent{rend, phys} {
		b, ok := a.lastBudget()
		require.True(t, ok)
		assert.NotEqual(t, engmodels.HighPerformance, b.StrategyID.Kind, "agent %s", a.id)
		total += b.TimeLimit
	}
	assert.LessOrEqual(t, total, 16660*time.Microsecond)
}

func TestThermalThrottlingReducesBudget(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	reg.Register(rend)

	ctx := simulationCtx()
	ctx.Hardware.Thermal = engmodels.ThermalThrottling
	ctx.GlobalBudgetMultiplier = EffectiveMultiplier(ctx.Hardware)
	require.InDelta(t, 0.6, ctx.GlobalBudgetMultiplier, 1e-6)

	result := Arbitrate(reg, ctx, report(33.33), nil)

	assert.InDelta(t, 20.0, result.EffectiveBudgetMs, 0.01)
	b, ok := rend.lastBudget()
	require.True(t, ok)
	assert.Equal(t, engmodels.HighPerformance, b.StrategyID.Kind)
}

func TestDeathSpiralForcesEmergency(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	phys := newStub(engmodels.Physics, menu()...)
	reg.Register(rend)
	reg.Register(phys)

	rep := report(16.66)
	rep.DeathSpiralDetected = true
	result := Arbitrate(reg, simulationCtx(), rep, nil)

	assert.True(t, result.EmergencyStop)
	for _, a := range []*stubAgent{rend, phys} {
		b, ok := a.lastBudget()
		require.True(t, ok)
		assert.Equal(t, engmodels.LowPower, b.StrategyID.Kind)
		assert.Equal(t, 2*time.Millisecond, b.TimeLimit)
	}
}

func TestStalledMajorityForcesEmergency(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	phys := newStub(engmodels.Physics, menu()...)
	rend.stalled = true
	phys.stalled = true
	reg.Register(rend)
	reg.Register(phys)

	result := Arbitrate(reg, simulationCtx(), report(16.66), nil)

	assert.True(t, result.EmergencyStop)
	assert.Equal(t, 2, result.StalledCount)
	for _, a := range []*stubAgent{rend, phys} {
		b, ok := a.lastBudget()
		require.True(t, ok)
		assert.Equal(t, engmodels.LowPower, b.StrategyID.Kind)
	}
}

func TestPriorityOrderingUpgradesRendererFirst(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	ast := newStub(engmodels.Asset, menu()...)
	reg.Register(ast) // registration order must not matter
	reg.Register(rend)

	result := Arbitrate(reg, simulationCtx(), report(10), nil)

	require.Len(t, result.Allocations, 2)
	rb, _ := rend.lastBudget()
	ab, _ := ast.lastBudget()
	assert.Equal(t, engmodels.Balanced, rb.StrategyID.Kind)
	assert.Equal(t, engmodels.LowPower, ab.StrategyID.Kind)
	assert.Equal(t, 10*time.Millisecond, rb.TimeLimit+ab.TimeLimit)
}

func TestEmptyRegistry(t *testing.T) {
	reg := agents.NewRegistry()
	result := Arbitrate(reg, simulationCtx(), report(16.66), nil)
	assert.Empty(t, result.Allocations)
	assert.False(t, result.EmergencyStop)
}

func TestBudgetBelowMinimaKeepsEveryoneAtMinimum(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	phys := newStub(engmodels.Physics, menu()...)
	reg.Register(rend)
	reg.Register(phys)

	result := Arbitrate(reg, simulationCtx(), report(3), nil)

	assert.True(t, result.OvershootAlert)
	for _, a := range []*stubAgent{rend, phys} {
		b, ok := a.lastBudget()
		require.True(t, ok)
		assert.Equal(t, engmodels.LowPower, b.StrategyID.Kind)
	}
}

func TestAllocationsNeverExceedBudget(t *testing.T) {
	budgets := []float32{4, 10, 16.66, 24, 40}
	for _, budget := range budgets {
		reg := agents.NewRegistry()
		members := []*stubAgent{
			newStub(engmodels.Renderer, menu()...),
			newStub(engmodels.Physics, menu()...),
			newStub(engmodels.Audio, menu()...),
			newStub(engmodels.Ecs, menu()...),
		}
		for _, m := range members {
			reg.Register(m)
		}
		result := Arbitrate(reg, simulationCtx(), report(budget), nil)
		if result.OvershootAlert {
			continue
		}
		var total float64
		for _, b := range result.Allocations {
			total += b.TimeLimit.Seconds() * 1000
		}
		assert.LessOrEqualf(t, total, float64(budget)+0.001, "budget %v", budget)
	}
}

func TestCriticalAgentsAlwaysReceiveAtLeastMinimum(t *testing.T) {
	reg := agents.NewRegistry()
	members := map[engmodels.AgentId]*stubAgent{}
	for _, id := range engmodels.AgentOrder {
		m := newStub(id, menu()...)
		members[id] = m
		reg.Register(m)
	}

	result := Arbitrate(reg, simulationCtx(), report(16.66), nil)
	require.False(t, result.EmergencyStop)
	for _, id := range []engmodels.AgentId{engmodels.Renderer, engmodels.Physics, engmodels.Ecs} {
		b, ok := members[id].lastBudget()
		require.Truef(t, ok, "critical agent %s missing allocation", id)
		assert.GreaterOrEqual(t, b.TimeLimit, 2*time.Millisecond)
	}
}

func TestVRAMConstraintDropsNonCriticalKeepsCritical(t *testing.T) {
	reg := agents.NewRegistry()
	// Renderer (critical in Simulation) and Audio (non-critical) each fit
	// the envelope at minimum alone, but not both together.
	rend := newStub(engmodels.Renderer, menu(100<<20, 200<<20, 400<<20)...)
	aud := newStub(engmodels.Audio, menu(100<<20, 200<<20, 400<<20)...)
	reg.Register(rend)
	reg.Register(aud)

	ctx := simulationCtx()
	ctx.Hardware.AvailableVRAM = 150 << 20

	result := Arbitrate(reg, ctx, report(40), nil)

	_, rendGot := rend.lastBudget()
	_, audGot := aud.lastBudget()
	assert.True(t, rendGot, "critical agent must still be issued its minimum")
	assert.False(t, audGot, "non-critical agent over the VRAM envelope must be dropped")
	assert.Contains(t, result.DroppedAgents, engmodels.Audio)
}

func TestIdempotentRounds(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	phys := newStub(engmodels.Physics, menu()...)
	reg.Register(rend)
	reg.Register(phys)

	ctx := simulationCtx()
	first := Arbitrate(reg, ctx, report(16.66), nil)
	second := Arbitrate(reg, ctx, report(16.66), nil)

	require.Equal(t, len(first.Allocations), len(second.Allocations))
	for id, b := range first.Allocations {
		assert.Equal(t, b.StrategyID, second.Allocations[id].StrategyID)
		assert.Equal(t, b.TimeLimit, second.Allocations[id].TimeLimit)
	}
}

func TestEmptyNegotiationDropsAgentFromRound(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	mute := newStub(engmodels.Audio) // offers nothing
	reg.Register(rend)
	reg.Register(mute)

	result := Arbitrate(reg, simulationCtx(), report(16.66), nil)

	assert.Contains(t, result.Allocations, engmodels.Renderer)
	assert.NotContains(t, result.Allocations, engmodels.Audio)
}

type captureLog struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureLog) Warn(msg string, args ...any) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func TestLockTimeoutSkipsAgent(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	reg.Register(rend)

	// Hold the agent's cell lock by parking inside ForEachLocked on
	// another goroutine for longer than the arbitration timeout.
	hold := make(chan struct{})
	held := make(chan struct{})
	go reg.ForEachLocked(time.Second, func(a agents.Agent) {
		close(held)
		<-hold
	}, nil)
	<-held

	log := &captureLog{}
	result := ArbitrateTimeout(reg, simulationCtx(), report(16.66), log, 20*time.Millisecond)
	close(hold)

	assert.Contains(t, result.SkippedAgents, engmodels.Renderer)
	assert.Empty(t, result.Allocations)
	log.mu.Lock()
	defer log.mu.Unlock()
	assert.NotEmpty(t, log.msgs)
}

func TestNegotiationRequestCarriesPriorityAndCriticality(t *testing.T) {
	reg := agents.NewRegistry()
	rend := newStub(engmodels.Renderer, menu()...)
	aud := newStub(engmodels.Audio, menu()...)
	reg.Register(rend)
	reg.Register(aud)

	Arbitrate(reg, simulationCtx(), report(16.66), nil)

	assert.InDelta(t, 1.0, rend.lastRequest.PriorityWeight, 1e-6)
	assert.True(t, rend.lastRequest.Constraints.MustRun)
	assert.InDelta(t, 0.6, aud.lastRequest.PriorityWeight, 1e-6)
	assert.False(t, aud.lastRequest.Constraints.MustRun)
}

func TestEffectiveMultiplierComposition(t *testing.T) {
	cases := []struct {
		thermal engmodels.ThermalState
		battery engmodels.BatteryState
		want    float32
	}{
		{engmodels.ThermalNominal, engmodels.BatteryNormal, 1.0},
		{engmodels.ThermalThrottling, engmodels.BatteryNormal, 0.6},
		{engmodels.ThermalCritical, engmodels.BatteryNormal, 0.35},
		{engmodels.ThermalNominal, engmodels.BatterySaver, 0.5},
		{engmodels.ThermalThrottling, engmodels.BatterySaver, 0.3},
		{engmodels.ThermalCritical, engmodels.BatterySaver, 0.2}, // 0.175 clamped up
	}
	for _, tc := range cases {
		got := EffectiveMultiplier(engmodels.Hardware{Thermal: tc.thermal, Battery: tc.battery})
		assert.InDeltaf(t, tc.want, got, 1e-6, "%s/%s", tc.thermal, tc.battery)
	}
}
