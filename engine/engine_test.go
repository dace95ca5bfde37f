package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-engine/ember/engine/config"
	"github.com/ember-engine/ember/engine/telemetry/health"
	engmodels "github.com/ember-engine/ember/engine/models"
)

type scriptedAgent struct {
	mu         sync.Mutex
	id         engmodels.AgentId
	applied    []engmodels.ResourceBudget
	failUpdate bool
}

func (s *scriptedAgent) ID() engmodels.AgentId { return s.id }

func (s *scriptedAgent) Negotiate(req engmodels.NegotiationRequest) engmodels.NegotiationResponse {
	return engmodels.NegotiationResponse{Options: []engmodels.StrategyOption{
		{ID: engmodels.StrategyId{Kind: engmodels.LowPower}, EstimatedTime: 2 * time.Millisecond},
		{ID: engmodels.StrategyId{Kind: engmodels.Balanced}, EstimatedTime: 8 * time.Millisecond},
		{ID: engmodels.StrategyId{Kind: engmodels.HighPerformance}, EstimatedTime: 14 * time.Millisecond},
	}}
}

func (s *scriptedAgent) ApplyBudget(b engmodels.ResourceBudget) {
	s.mu.Lock()
	s.applied = append(s.applied, b)
	s.mu.Unlock()
}

func (s *scriptedAgent) Update(ctx context.Context) error {
	if s.failUpdate {
		return assert.AnError
	}
	return nil
}

func (s *scriptedAgent) Execute(ctx context.Context) error { return nil }

func (s *scriptedAgent) ReportStatus() engmodels.AgentStatus {
	return engmodels.AgentStatus{AgentID: s.id, HealthScore: 1}
}

func (s *scriptedAgent) Downcast() any { return s }

func (s *scriptedAgent) budgets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.HistoryPath = filepath.Join(t.TempDir(), "rounds.db")
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.DCCTickHz = 0
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestPhaseChangeDrivesArbitration(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = eng.Stop() }()

	rend := &scriptedAgent{id: engmodels.Renderer}
	eng.RegisterAgent(rend)

	ctx := context.Background()
	eng.SetPhase(engmodels.PhaseSimulation)
	eng.ReportHardware(engmodels.Hardware{Thermal: engmodels.ThermalNominal, Battery: engmodels.BatteryNormal})
	eng.StepDCC(ctx) // absorbs phase + hardware; first tick seeds LastPhase

	eng.SetPhase(engmodels.PhaseMenu)
	eng.StepDCC(ctx) // phase change forces a round

	assert.Equal(t, engmodels.PhaseMenu, eng.Context().Phase)
	assert.GreaterOrEqual(t, rend.budgets(), 1)

	snap := eng.Snapshot()
	assert.GreaterOrEqual(t, snap.Rounds, int64(1))
	require.NotNil(t, snap.LastRound)
	assert.False(t, snap.LastRound.EmergencyStop)
}

func TestHardwareReportRecomputesMultiplier(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = eng.Stop() }()

	eng.ReportHardware(engmodels.Hardware{Thermal: engmodels.ThermalThrottling, Battery: engmodels.BatteryNormal})
	eng.StepDCC(context.Background())
	assert.InDelta(t, 0.6, eng.Context().GlobalBudgetMultiplier, 1e-6)
}

func TestFailingUpdateTriggersOffCycleRound(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = eng.Stop() }()

	rend := &scriptedAgent{id: engmodels.Renderer, failUpdate: true}
	eng.RegisterAgent(rend)

	ctx := context.Background()
	eng.SetPhase(engmodels.PhaseSimulation)
	eng.StepDCC(ctx)

	before := rend.budgets()
	eng.TickAgents(ctx) // update fails, renegotiation requested
	eng.StepDCC(ctx)
	assert.Greater(t, rend.budgets(), before)
}

func TestStartStopLifecycle(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	assert.Error(t, eng.Start(ctx), "second start must fail")
	require.NoError(t, eng.Stop())
	require.NoError(t, eng.Stop(), "stop is idempotent")
}

func TestDCCWorkerTicksInBackground(t *testing.T) {
	cfg := testConfig(t)
	cfg.DCCTickHz = 200
	eng, err := New(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, eng.Stop())

	assert.Greater(t, eng.Snapshot().DCCTicks, int64(0))
}

func TestHealthSnapshotUnknownBeforeFirstPoll(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = eng.Stop() }()

	snap := eng.HealthSnapshot(context.Background())
	// The agents probe reports unknown before any status poll; the
	// rollup stays healthy-or-unknown, never unhealthy.
	assert.NotEqual(t, health.StatusUnhealthy, snap.Overall)
}

func TestSnapshotCarriesAgentStatuses(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = eng.Stop() }()

	eng.RegisterAgent(&scriptedAgent{id: engmodels.Renderer})
	eng.RegisterAgent(&scriptedAgent{id: engmodels.Physics})
	eng.StepDCC(context.Background())

	snap := eng.Snapshot()
	assert.Len(t, snap.Agents, 2)
}

func TestApplyConfigSwapsHotTunables(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = eng.Stop() }()

	next := config.Defaults()
	next.DCCTickHz = 5
	next.RenegotiateEveryNTicks = 7
	require.NoError(t, eng.ApplyConfig(next))

	bad := config.Defaults()
	bad.DCCTickHz = 0
	assert.Error(t, eng.ApplyConfig(bad))
}

func TestRenegotiationThrottled(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer func() { _ = eng.Stop() }()

	assert.True(t, eng.RequestRenegotiation(engmodels.Renderer))
	assert.False(t, eng.RequestRenegotiation(engmodels.Renderer), "immediate repeat is throttled")
}

func TestHistoryLedgerRecordsRounds(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = eng.Stop() }()

	eng.RegisterAgent(&scriptedAgent{id: engmodels.Renderer})
	ctx := context.Background()
	eng.SetPhase(engmodels.PhaseSimulation)
	eng.StepDCC(ctx)
	eng.SetPhase(engmodels.PhaseMenu)
	eng.StepDCC(ctx)

	n, err := eng.ledger.RoundCount(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
