// Package engine composes the adaptive control core behind a single
// facade: the agent registry, the situational context, the telemetry
// bus, the metric store, the heuristic state, and the background DCC
// worker that arbitrates budgets at a fixed rate. Embedders construct an
// Engine, register agents, feed telemetry, and drive the tactical path
// with TickAgents from their own frame loop.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ember-engine/ember/engine/agents"
	"github.com/ember-engine/ember/engine/config"
	"github.com/ember-engine/ember/engine/gorna"
	"github.com/ember-engine/ember/engine/heuristics"
	"github.com/ember-engine/ember/engine/history"
	engmodels "github.com/ember-engine/ember/engine/models"
	"github.com/ember-engine/ember/engine/telemetry/events"
	"github.com/ember-engine/ember/engine/telemetry/health"
	"github.com/ember-engine/ember/engine/telemetry/logging"
	"github.com/ember-engine/ember/engine/telemetry/metrics"
	"github.com/ember-engine/ember/engine/telemetry/store"
	"github.com/ember-engine/ember/engine/telemetry/tracing"
)

// Snapshot is a unified view of engine state for the CLI and tests.
type Snapshot struct {
	StartedAt  time.Time               `json:"started_at"`
	Uptime     time.Duration           `json:"uptime"`
	Phase      engmodels.Phase         `json:"phase"`
	Multiplier float32                 `json:"global_budget_multiplier"`
	DCCTicks   int64                   `json:"dcc_ticks"`
	Rounds     int64                   `json:"arbitration_rounds"`
	Bus        events.BusStats         `json:"bus"`
	Agents     []engmodels.AgentStatus `json:"agents"`
	LastRound  *RoundSummary           `json:"last_round,omitempty"`
}

// RoundSummary is the reduced view of the most recent arbitration round.
type RoundSummary struct {
	EffectiveBudgetMs float32                      `json:"effective_budget_ms"`
	EmergencyStop     bool                         `json:"emergency_stop"`
	Overshoot         bool                         `json:"overshoot"`
	StalledCount      int                          `json:"stalled_count"`
	Strategies        map[engmodels.AgentId]string `json:"strategies"`
}

// Engine owns the control core's process-wide state. One Engine per
// process; construct with New, register agents, then Start.
type Engine struct {
	cfg  atomic.Pointer[config.Config]
	log  *slog.Logger
	clog logging.Logger

	registry *agents.Registry
	bus      events.Bus
	sub      events.Subscription
	metricsP metrics.Provider
	tracer   *tracing.Tracer
	ledger   *history.Ledger

	healthEval    *health.Evaluator
	healthAdapter *metrics.AgentHealthAdapter
	throttle      *gorna.Throttle

	ctxMu     sync.RWMutex
	situation engmodels.Context

	metricStore *store.MetricStore // DCC-worker exclusive after Start
	heurState   heuristics.State   // DCC-worker exclusive after Start

	started   atomic.Bool
	startedAt time.Time
	stop      context.CancelFunc
	group     *errgroup.Group

	dccTicks atomic.Int64
	rounds   atomic.Int64

	lastRoundMu sync.Mutex
	lastRound   *RoundSummary

	statusMu     sync.RWMutex
	lastStatuses []engmodels.AgentStatus
}

// New constructs an Engine from cfg. Logging falls back to slog.Default
// when log is nil.
func New(cfg config.Config, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:         log,
		clog:        logging.New(log),
		registry:    agents.NewRegistry(),
		metricStore: store.New(cfg.MetricCapacity),
		tracer:      tracing.New(cfg.TracingEnabled),
		throttle:    gorna.NewThrottle(250*time.Millisecond, 3, 2*time.Second),
		startedAt:   time.Now(),
	}
	e.cfg.Store(&cfg)
	e.situation = engmodels.Context{Phase: engmodels.PhaseBoot, GlobalBudgetMultiplier: 1.0}

	e.metricsP = selectMetricsProvider(cfg)
	e.bus = events.NewBus(e.metricsP)
	e.sub = e.bus.Subscribe()

	if cfg.HistoryPath != "" {
		ledger, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return nil, err
		}
		e.ledger = ledger
	}

	e.healthAdapter = metrics.NewAgentHealthAdapter(e, e.metricsP)
	e.healthEval = health.NewEvaluator(2*time.Second, e.healthProbes()...)
	return e, nil
}

// selectMetricsProvider maps the configured backend onto a provider;
// disabled metrics yield nil so consumers fall back to no-ops.
func selectMetricsProvider(cfg config.Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return nil
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	default:
		return metrics.NewNoopProvider()
	}
}

// RegisterAgent adds an agent to the registry and announces it on the
// bus. Agents register once at startup and live until shutdown.
func (e *Engine) RegisterAgent(a agents.Agent) {
	e.registry.Register(a)
	e.bus.Publish(events.Event{
		Kind:    events.KindAgentRegistered,
		Message: string(a.ID()),
	})
}

// Bus returns the telemetry bus producers publish into.
func (e *Engine) Bus() events.Bus { return e.bus }

// MetricsHandler returns the Prometheus exposition handler, or nil when
// metrics are disabled or the backend has no HTTP surface.
func (e *Engine) MetricsHandler() http.Handler {
	if hp, ok := e.metricsP.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Context returns the current situational model.
func (e *Engine) Context() engmodels.Context {
	e.ctxMu.RLock()
	defer e.ctxMu.RUnlock()
	return e.situation
}

// SetPhase publishes a phase change onto the bus; the DCC worker applies
// it on its next tick so phase transitions follow the same path as every
// other telemetry input.
func (e *Engine) SetPhase(phase engmodels.Phase) {
	e.bus.Publish(events.Event{Kind: events.KindPhaseChange, Phase: string(phase)})
}

// ReportHardware publishes a hardware snapshot.
func (e *Engine) ReportHardware(hw engmodels.Hardware) {
	e.bus.Publish(events.Event{Kind: events.KindHardwareReport, Fields: map[string]any{"hardware": hw}})
}

// ReportMetric publishes one metric sample.
func (e *Engine) ReportMetric(id string, value float64) {
	e.bus.Publish(events.Event{Kind: events.KindMetricUpdate, MetricID: id, Value: value})
}

// ReportGpuTimings publishes the profiler's smoothed frame timings.
func (e *Engine) ReportGpuTimings(mainPassMs, frameTotalMs float64) {
	e.bus.Publish(events.Event{Kind: events.KindGpuReport, Fields: map[string]any{
		"main_pass_ms":   mainPassMs,
		"frame_total_ms": frameTotalMs,
	}})
}

// RequestRenegotiation asks for an off-cycle arbitration round on behalf
// of id (e.g. after a lane failure). The per-agent throttle decides
// whether the request is honored; the return value reports the decision.
func (e *Engine) RequestRenegotiation(id engmodels.AgentId) bool {
	if !e.throttle.Allow(id, time.Now()) {
		return false
	}
	e.bus.Publish(events.Event{Kind: events.KindResourceReport, Message: "renegotiate", Labels: map[string]string{"agent": string(id)}})
	return true
}

// Start launches the DCC worker. Safe to call once; a second call
// returns an error.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.stop = cancel
	g, gctx := errgroup.WithContext(runCtx)
	e.group = g
	g.Go(func() error { return e.dccLoop(gctx) })
	return nil
}

// Stop terminates the DCC worker at its next tick boundary and joins it,
// then closes the ledger. Idempotent.
func (e *Engine) Stop() error {
	if !e.started.Load() {
		return nil
	}
	if e.stop != nil {
		e.stop()
	}
	var err error
	if e.group != nil {
		if werr := e.group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}
	e.sub.Close()
	if e.ledger != nil {
		if cerr := e.ledger.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	e.started.Store(false)
	return err
}

// ApplyConfig swaps in the hot-reloadable tunables from cfg: the DCC
// tick rate, the renegotiation period, the lock timeout, and the target
// frame rate. The rest of cfg is ignored; startup-only settings cannot
// change live.
func (e *Engine) ApplyConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cur := *e.cfg.Load()
	cur.DCCTickHz = cfg.DCCTickHz
	cur.RenegotiateEveryNTicks = cfg.RenegotiateEveryNTicks
	cur.LockTimeout = cfg.LockTimeout
	cur.TargetFrameRateHz = cfg.TargetFrameRateHz
	e.cfg.Store(&cur)
	e.log.Info("engine: applied hot-reloaded config",
		"dcc_tick_hz", cur.DCCTickHz,
		"renegotiate_every_n_ticks", cur.RenegotiateEveryNTicks,
		"lock_timeout", cur.LockTimeout)
	return nil
}

// TickAgents drives the tactical path once: each agent's Update then
// Execute, under its own lock with the configured bounded timeout. An
// Update failure is logged and requests an off-cycle renegotiation
// (subject to the renegotiation throttle); an Execute failure is only
// logged. Neither is propagated to the caller.
func (e *Engine) TickAgents(ctx context.Context) {
	cfg := e.cfg.Load()
	e.registry.ForEachLocked(cfg.LockTimeout, func(a agents.Agent) {
		if err := a.Update(ctx); err != nil {
			e.log.Warn("engine: agent update failed", "agent", a.ID(), "err", err)
			e.RequestRenegotiation(a.ID())
		}
		if err := a.Execute(ctx); err != nil {
			e.log.Warn("engine: agent execute failed", "agent", a.ID(), "err", err)
		}
	}, func(id engmodels.AgentId) {
		e.log.Warn("engine: lock timeout during agent tick", "agent", id)
	})
}

// dccLoop is the strategic path: a fixed-rate ticker that drains
// telemetry, refreshes the situational model, runs the heuristics, and
// arbitrates when warranted.
func (e *Engine) dccLoop(ctx context.Context) error {
	interval := func() time.Duration {
		hz := e.cfg.Load().DCCTickHz
		return time.Second / time.Duration(hz)
	}
	ticker := time.NewTicker(interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.dccTick(ctx)
			ticker.Reset(interval())
		}
	}
}

// dccTick runs one strategic iteration.
func (e *Engine) dccTick(ctx context.Context) {
	tick := e.dccTicks.Add(1)
	forced := e.drainTelemetry()

	statuses := e.registry.Snapshot()
	e.statusMu.Lock()
	e.lastStatuses = statuses
	e.statusMu.Unlock()
	e.healthAdapter.SyncOnce()

	cfg := e.cfg.Load()
	situation := e.Context()
	report := heuristics.Analyze(situation, e.metricStore, statuses, &e.heurState, heuristics.Options{
		TargetFrameRateHz:  cfg.TargetFrameRateHz,
		RefreshEveryNTicks: cfg.RenegotiateEveryNTicks,
		Tick:               tick,
	})
	for _, alert := range report.Alerts {
		e.log.Warn("heuristics: " + alert)
		e.bus.Publish(events.Event{Kind: events.KindAdvisory, Message: alert})
	}

	if !report.NeedsNegotiation && !report.DeathSpiralDetected && !forced {
		return
	}

	spanCtx, span := e.tracer.StartRound(ctx, string(situation.Phase))
	result := gorna.ArbitrateTimeout(e.registry, situation, report, slogWarn{e.log}, cfg.LockTimeout)
	tracing.AnnotateRound(span, result.StalledCount, result.EmergencyStop, float64(result.EffectiveBudgetMs), len(result.Allocations))
	e.clog.InfoCtx(spanCtx, "gorna: round complete",
		"phase", situation.Phase,
		"effective_budget_ms", result.EffectiveBudgetMs,
		"allocations", len(result.Allocations),
		"emergency", result.EmergencyStop)
	span.End()
	e.rounds.Add(1)

	summary := &RoundSummary{
		EffectiveBudgetMs: result.EffectiveBudgetMs,
		EmergencyStop:     result.EmergencyStop,
		Overshoot:         result.OvershootAlert,
		StalledCount:      result.StalledCount,
		Strategies:        make(map[engmodels.AgentId]string, len(result.Allocations)),
	}
	for id, b := range result.Allocations {
		summary.Strategies[id] = b.StrategyID.String()
	}
	e.lastRoundMu.Lock()
	e.lastRound = summary
	e.lastRoundMu.Unlock()

	if e.ledger != nil {
		rec := history.Round{
			Phase:             situation.Phase,
			EffectiveBudgetMs: float64(result.EffectiveBudgetMs),
			EmergencyStop:     result.EmergencyStop,
			Overshoot:         result.OvershootAlert,
			StalledCount:      result.StalledCount,
		}
		for id, b := range result.Allocations {
			rec.Allocations = append(rec.Allocations, history.Allocation{
				Agent:       id,
				Strategy:    b.StrategyID.String(),
				TimeLimitMs: b.TimeLimit.Seconds() * 1000,
				VRAMBytes:   b.MemoryLimit,
			})
		}
		if _, err := e.ledger.RecordRound(spanCtx, rec); err != nil {
			e.log.Warn("engine: history record failed", "err", err)
		}
	}
}

// drainTelemetry empties the bus subscription without ever blocking on
// producers, reporting whether any event forces an off-cycle
// renegotiation. When the subscription's pump is mid-delivery the loop
// yields briefly instead of returning, so everything published before
// the tick is observed by the tick.
func (e *Engine) drainTelemetry() bool {
	forced := false
	for {
		select {
		case ev, ok := <-e.sub.C():
			if !ok {
				return forced
			}
			e.applyEvent(ev, &forced)
		default:
			if e.sub.Pending() == 0 {
				return forced
			}
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func (e *Engine) applyEvent(ev events.Event, forced *bool) {
	switch ev.Kind {
	case events.KindMetricUpdate:
		e.metricStore.Push(ev.MetricID, ev.Value)
	case events.KindGpuReport:
		if v, ok := ev.Fields["main_pass_ms"].(float64); ok {
			e.metricStore.Push("gpu/main_pass_ms", v)
		}
		if v, ok := ev.Fields["frame_total_ms"].(float64); ok {
			e.metricStore.Push("gpu/frame_total_ms", v)
			e.metricStore.Push(heuristics.FrameTimeMetricID, v)
		}
	case events.KindHardwareReport:
		if hw, ok := ev.Fields["hardware"].(engmodels.Hardware); ok {
			e.ctxMu.Lock()
			e.situation.Hardware = hw
			e.situation.GlobalBudgetMultiplier = gorna.EffectiveMultiplier(hw)
			e.ctxMu.Unlock()
		}
	case events.KindPhaseChange:
		e.ctxMu.Lock()
		e.situation.Phase = engmodels.Phase(ev.Phase)
		e.ctxMu.Unlock()
	case events.KindResourceReport:
		if ev.Message == "renegotiate" {
			*forced = true
		}
	}
}

// Snapshot returns a unified state view.
func (e *Engine) Snapshot() Snapshot {
	situation := e.Context()
	e.statusMu.RLock()
	statuses := append([]engmodels.AgentStatus(nil), e.lastStatuses...)
	e.statusMu.RUnlock()
	e.lastRoundMu.Lock()
	last := e.lastRound
	e.lastRoundMu.Unlock()
	return Snapshot{
		StartedAt:  e.startedAt,
		Uptime:     time.Since(e.startedAt),
		Phase:      situation.Phase,
		Multiplier: situation.GlobalBudgetMultiplier,
		DCCTicks:   e.dccTicks.Load(),
		Rounds:     e.rounds.Load(),
		Bus:        e.bus.Stats(),
		Agents:     statuses,
		LastRound:  last,
	}
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	return e.healthEval.Evaluate(ctx)
}

// HealthHandler serves the health rollup over HTTP.
func (e *Engine) HealthHandler() http.Handler { return e.healthEval.Handler() }

// HealthSnapshots implements metrics.AgentHealthSource over the most
// recent status poll.
func (e *Engine) HealthSnapshots() map[string]metrics.AgentHealthSample {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	out := make(map[string]metrics.AgentHealthSample, len(e.lastStatuses))
	for _, st := range e.lastStatuses {
		out[string(st.AgentID)] = metrics.AgentHealthSample{
			HealthScore: float64(st.HealthScore),
			IsStalled:   st.IsStalled,
			Strategy:    st.CurrentStrategy.String(),
		}
	}
	return out
}

// healthProbes builds the evaluator's probe set: the agent registry
// (stalled majority degrades, all-stalled is unhealthy), the bus (deep
// backlog degrades), and the metrics provider.
func (e *Engine) healthProbes() []health.Probe {
	agentsProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		e.statusMu.RLock()
		statuses := append([]engmodels.AgentStatus(nil), e.lastStatuses...)
		e.statusMu.RUnlock()
		if len(statuses) == 0 {
			return health.Unknown("agents", "no status poll yet")
		}
		stalled := 0
		for _, st := range statuses {
			if st.IsStalled {
				stalled++
			}
		}
		switch {
		case stalled == len(statuses):
			return health.Unhealthy("agents", "all agents stalled")
		case stalled*2 > len(statuses):
			return health.Degraded("agents", "stalled majority")
		default:
			return health.Healthy("agents")
		}
	})
	busProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		stats := e.bus.Stats()
		if stats.Queued > 10000 {
			return health.Degraded("telemetry_bus", "deep consumer backlog")
		}
		return health.Healthy("telemetry_bus")
	})
	metricsProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if e.metricsP == nil {
			return health.Healthy("metrics")
		}
		if err := e.metricsP.Health(ctx); err != nil {
			return health.Degraded("metrics", err.Error())
		}
		return health.Healthy("metrics")
	})
	return []health.Probe{agentsProbe, busProbe, metricsProbe}
}

// StepDCC executes one strategic iteration synchronously. The running
// worker drives this from its own ticker; callers that never Start the
// worker (the snapshot command, tests) step it directly instead.
func (e *Engine) StepDCC(ctx context.Context) { e.dccTick(ctx) }

// slogWarn adapts *slog.Logger to the arbitrator's Logger surface.
type slogWarn struct{ log *slog.Logger }

func (s slogWarn) Warn(msg string, args ...any) { s.log.Warn(msg, args...) }
