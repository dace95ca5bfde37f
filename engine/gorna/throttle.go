package gorna

import (
	"sync"
	"time"

	engmodels "github.com/ember-engine/ember/engine/models"
)

// Throttle rate-limits how often a single agent may be forced through a
// fresh negotiate/apply_budget cycle outside its normal periodic slot,
// protecting the system from a flapping heuristic report (an agent
// whose health oscillates near a threshold every tick) turning into
// thrash. One entry per agent, lazily created and mutex-guarded, with a
// trip/cool-down circuit breaker in place of token-bucket refill.
type Throttle struct {
	mu       sync.Mutex
	entries  map[engmodels.AgentId]*entry
	minGap   time.Duration
	tripAt   int // consecutive forced re-negotiations before tripping
	cooldown time.Duration
}

type entry struct {
	lastAt       time.Time
	consecutive  int
	trippedUntil time.Time
}

// NewThrottle builds a Throttle that allows at most one off-cycle
// re-negotiation per agent every minGap, trips into a cooldown window
// after tripAt consecutive off-cycle requests, and suppresses further
// requests until cooldown elapses.
func NewThrottle(minGap time.Duration, tripAt int, cooldown time.Duration) *Throttle {
	if tripAt <= 0 {
		tripAt = 3
	}
	return &Throttle{
		entries:  make(map[engmodels.AgentId]*entry),
		minGap:   minGap,
		tripAt:   tripAt,
		cooldown: cooldown,
	}
}

// Allow reports whether id may be forced through an off-cycle
// re-negotiation at time now. A false result means the caller must wait
// for the next regular round instead.
func (t *Throttle) Allow(id engmodels.AgentId, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}

	if !e.trippedUntil.IsZero() && now.Before(e.trippedUntil) {
		return false
	}
	if !e.trippedUntil.IsZero() && !now.Before(e.trippedUntil) {
		e.trippedUntil = time.Time{}
		e.consecutive = 0
	}

	if !e.lastAt.IsZero() && now.Sub(e.lastAt) < t.minGap {
		e.consecutive++
		if e.consecutive >= t.tripAt {
			e.trippedUntil = now.Add(t.cooldown)
		}
		return false
	}

	e.lastAt = now
	e.consecutive = 0
	return true
}

// Reset clears throttle state for id, used when an agent is
// re-registered or the engine performs a full reset.
func (t *Throttle) Reset(id engmodels.AgentId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}
