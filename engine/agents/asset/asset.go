// Package asset implements the Asset ISA: owns loader lanes
// keyed by content type, translating budgets into a concurrency cap on
// in-flight loads rather than a per-frame time slice (asset loading is
// not a per-tick operation).
package asset

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
	queue    *lanes.LoadQueue

	current        engmodels.StrategyId
	concurrencyCap int
	inFlight       int

	health float32
}

// New wires an Asset agent around a lane registry populated with one
// loader lane per content type.
func New(registry *lanes.Registry) *Agent {
	return &Agent{
		registry:       registry,
		queue:          &lanes.LoadQueue{},
		current:        engmodels.StrategyId{Kind: engmodels.Balanced},
		concurrencyCap: 4,
		health:         1.0,
	}
}

// Enqueue adds a pending load the next Execute routes to the matching
// loader lane.
func (a *Agent) Enqueue(req lanes.LoadRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue.Pending = append(a.queue.Pending, req)
}

func (a *Agent) ID() engmodels.AgentId { return engmodels.Asset }

func (a *Agent) Negotiate(req engmodels.NegotiationRequest) engmodels.NegotiationResponse {
	return engmodels.NegotiationResponse{Options: []engmodels.StrategyOption{
		{ID: engmodels.StrategyId{Kind: engmodels.LowPower}, EstimatedTime: 20 * time.Millisecond, EstimatedVRAM: 32 << 20},
		{ID: engmodels.StrategyId{Kind: engmodels.Balanced}, EstimatedTime: 50 * time.Millisecond, EstimatedVRAM: 96 << 20},
		{ID: engmodels.StrategyId{Kind: engmodels.HighPerformance}, EstimatedTime: 120 * time.Millisecond, EstimatedVRAM: 256 << 20},
	}}
}

// concurrencyFor maps a strategy kind to a concurrent in-flight-load cap.
func concurrencyFor(kind engmodels.StrategyKind) int {
	switch kind {
	case engmodels.LowPower:
		return 1
	case engmodels.HighPerformance:
		return 8
	default:
		return 4
	}
}

func (a *Agent) ApplyBudget(budget engmodels.ResourceBudget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = budget.StrategyID
	a.concurrencyCap = concurrencyFor(budget.StrategyID.Kind)
}

// Acquire reserves one in-flight load slot, returning false if the
// current concurrency cap is already saturated.
func (a *Agent) Acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight >= a.concurrencyCap {
		return false
	}
	a.inFlight++
	return true
}

// Release frees an in-flight load slot reserved by Acquire.
func (a *Agent) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight > 0 {
		a.inFlight--
	}
}

func (a *Agent) Update(ctx context.Context) error { return nil }

func (a *Agent) ReportStatus() engmodels.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return engmodels.AgentStatus{AgentID: engmodels.Asset, HealthScore: a.health, CurrentStrategy: a.current}
}

// Execute processes queued loader lane work on the tactical path,
// honoring the current concurrency cap via Acquire/Release around each
// lane's Execute call.
func (a *Agent) Execute(ctx context.Context) error {
	a.mu.Lock()
	registry := a.registry
	queue := a.queue
	a.mu.Unlock()
	for _, lane := range registry.FilterByKind(engmodels.LaneAsset) {
		if !a.Acquire() {
			break
		}
		lc := lanes.NewContext()
		lanes.Put(lc, queue)
		err := lane.Execute(lc)
		a.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) Downcast() any { return a }
