// Package ecs implements the Ecs-maintenance ISA: owns
// compaction lanes, translating budgets into how many orphaned
// component-page slots are cleaned per tick.
package ecs

import (
	"context"
	"sync"
	"time"

	"github.com/ember-engine/ember/engine/lanes"
	engmodels "github.com/ember-engine/ember/engine/models"
)

type Agent struct {
	mu sync.Mutex

	registry *lanes.Registry
	pages    *lanes.PageStore

	current       engmodels.StrategyId
	slotsPerTick  int
	orphanedPages int

	lastFrameAt    time.Time
	observedFrame  time.Duration
	framesAdvanced uint64
}

// New wires an Ecs agent around a lane registry populated with the
// compaction lane(s) from engine/lanes.
func New(registry *lanes.Registry) *Agent {
	return &Agent{
		registry:     registry,
		pages:        &lanes.PageStore{},
		current:      engmodels.StrategyId{Kind: engmodels.Balanced},
		slotsPerTick: 16,
	}
}

// Pages exposes the component-page backlog the compaction lane drains;
// the ECS store appends orphaned pages here as entities die.
func (a *Agent) Pages() *lanes.PageStore {
	return a.pages
}

func (a *Agent) ID() engmodels.AgentId { return engmodels.Ecs }

// SetOrphanedPages feeds the current orphaned-page backlog consulted by
// Negotiate (a larger backlog raises the time estimate at every tier).
func (a *Agent) SetOrphanedPages(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orphanedPages = n
}

func (a *Agent) Negotiate(req engmodels.NegotiationRequest) engmodels.NegotiationResponse {
	a.mu.Lock()
	backlog := a.orphanedPages
	a.mu.Unlock()

	load := float64(backlog) * 0.02
	return engmodels.NegotiationResponse{Options: []engmodels.StrategyOption{
		{ID: engmodels.StrategyId{Kind: engmodels.LowPower}, EstimatedTime: time.Duration((0.1 + load*0.3) * float64(time.Millisecond))},
		{ID: engmodels.StrategyId{Kind: engmodels.Balanced}, EstimatedTime: time.Duration((0.3 + load) * float64(time.Millisecond))},
		{ID: engmodels.StrategyId{Kind: engmodels.HighPerformance}, EstimatedTime: time.Duration((0.6 + load*2) * float64(time.Millisecond))},
	}}
}

// slotsPerTickFor maps a strategy kind to how many orphaned
// component-page slots get cleaned per tick.
func slotsPerTickFor(kind engmodels.StrategyKind) int {
	switch kind {
	case engmodels.LowPower:
		return 4
	case engmodels.HighPerformance:
		return 64
	default:
		return 16
	}
}

func (a *Agent) ApplyBudget(budget engmodels.ResourceBudget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = budget.StrategyID
	a.slotsPerTick = slotsPerTickFor(budget.StrategyID.Kind)
}

func (a *Agent) Update(ctx context.Context) error {
	a.mu.Lock()
	slots := a.slotsPerTick
	registry := a.registry
	pages := a.pages
	a.mu.Unlock()

	lane, ok := registry.Lookup("compaction")
	if !ok {
		return nil
	}
	lc := lanes.NewContext()
	lanes.Put(lc, slots)
	lanes.Put(lc, pages)

	start := time.Now()
	if err := lane.Execute(lc); err != nil {
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
	return engmodels.AgentStatus{AgentID: engmodels.Ecs, HealthScore: 1.0, CurrentStrategy: a.current}
}

func (a *Agent) Execute(ctx context.Context) error { return nil }

func (a *Agent) Downcast() any { return a }
