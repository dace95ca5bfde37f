// Package agents defines the uniform agent protocol: every ISA
// implements negotiate/apply_budget/update/report_status/execute plus a
// downcast escape hatch, and is held in a mutex-guarded, ordered registry
// so both the DCC worker (strategic path) and the engine tick thread
// (tactical path) can safely call into it. Concrete agents (renderer,
// physics, audio, asset, ecs) live in sibling packages and depend only on
// this package's interfaces, never on the GORNA arbitrator.
package agents

import (
	"context"
	"sync"
	"time"

	engmodels "github.com/ember-engine/ember/engine/models"
)

// Agent is the capability set every ISA implements. execute is a no-op
// for agents that do their work in update (physics, renderer); the
// separation lets the strategic (DCC-driven) and tactical
// (engine-tick-driven) paths evolve independently.
type Agent interface {
	ID() engmodels.AgentId
	Negotiate(req engmodels.NegotiationRequest) engmodels.NegotiationResponse
	ApplyBudget(budget engmodels.ResourceBudget)
	Update(ctx context.Context) error
	ReportStatus() engmodels.AgentStatus
	Execute(ctx context.Context) error
	// Downcast recovers a concrete pointer for observability tooling (the
	// one acceptable use of dynamic type recovery per the design notes).
	Downcast() any
}

// cell wraps each registered Agent together with its own mutex, so
// implementations never need to embed locking themselves.
type cell struct {
	mu    sync.Mutex
	agent Agent
}

// Registry is the mutex-guarded ordered sequence of owned agents, the
// process-wide home for every registered ISA from startup to shutdown.
type Registry struct {
	mu    sync.RWMutex // guards the slice itself, not individual agents
	cells []*cell
}

// NewRegistry returns an empty agent registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds an agent to the registry. Order of registration is the
// iteration order of the registry; priority ties are not broken by it but
// by models.AgentRank, so they do not depend on registration order.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cells = append(r.cells, &cell{agent: a})
}

// Len reports the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cells)
}

// ErrLockTimeout reports that the bounded spin-yield timeout elapsed
// without acquiring an agent's mutex. Never fatal: the caller logs and
// skips the agent for that round.
type ErrLockTimeout struct{ Agent engmodels.AgentId }

func (e *ErrLockTimeout) Error() string { return "agents: lock timeout acquiring " + string(e.Agent) }

// defaultLockTimeout bounds spin-yield agent-lock acquisition.
const defaultLockTimeout = 100 * time.Millisecond
const spinYieldInterval = 2 * time.Millisecond

// ForEachLocked iterates every registered agent, attempting to acquire
// its mutex with a bounded spin-yield timeout (never blocking
// unboundedly). fn is called with the lock held; agents whose lock
// cannot be acquired in time are skipped (the skip is reported via the
// onTimeout callback, typically a logger, never by panicking or
// aborting the round).
func (r *Registry) ForEachLocked(timeout time.Duration, fn func(Agent), onTimeout func(engmodels.AgentId)) {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	r.mu.RLock()
	cells := append([]*cell(nil), r.cells...)
	r.mu.RUnlock()

	for _, c := range cells {
		if !tryLockWithTimeout(&c.mu, timeout) {
			if onTimeout != nil {
				onTimeout(c.agent.ID())
			}
			continue
		}
		fn(c.agent)
		c.mu.Unlock()
	}
}

// tryLockWithTimeout spin-yields until the mutex is acquired or the
// deadline passes.
func tryLockWithTimeout(mu *sync.Mutex, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(spinYieldInterval)
	}
}

// Snapshot returns each agent's current ReportStatus, acquiring each
// agent's lock with the default timeout; agents that cannot be locked in
// time are omitted.
func (r *Registry) Snapshot() []engmodels.AgentStatus {
	var out []engmodels.AgentStatus
	r.ForEachLocked(defaultLockTimeout, func(a Agent) {
		out = append(out, a.ReportStatus())
	}, nil)
	return out
}
