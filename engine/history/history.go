// Package history persists arbitration rounds to a local sqlite ledger
// so operators can post-mortem budget decisions offline: which phase a
// round ran in, what the effective budget was, and which strategy each
// agent walked away with.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	engmodels "github.com/ember-engine/ember/engine/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS rounds (
	id                  TEXT PRIMARY KEY,
	at                  INTEGER NOT NULL,
	phase               TEXT NOT NULL,
	effective_budget_ms REAL NOT NULL,
	emergency_stop      INTEGER NOT NULL,
	overshoot           INTEGER NOT NULL,
	stalled_count       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS allocations (
	round_id      TEXT NOT NULL REFERENCES rounds(id),
	agent         TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	time_limit_ms REAL NOT NULL,
	vram_bytes    INTEGER,
	PRIMARY KEY (round_id, agent)
);
CREATE INDEX IF NOT EXISTS idx_rounds_at ON rounds(at);
`

// Allocation is one agent's outcome within a recorded round.
type Allocation struct {
	Agent       engmodels.AgentId
	Strategy    string
	TimeLimitMs float64
	VRAMBytes   *uint64
}

// Round is one ledger entry.
type Round struct {
	ID                uuid.UUID
	At                time.Time
	Phase             engmodels.Phase
	EffectiveBudgetMs float64
	EmergencyStop     bool
	Overshoot         bool
	StalledCount      int
	Allocations       []Allocation
}

// Ledger is the sqlite-backed arbitration history.
type Ledger struct {
	db *sql.DB
}

// Open creates (or opens) the ledger at path and applies the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// The ledger is written from a single goroutine; one connection
	// avoids sqlite's multi-writer lock contention entirely.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// RecordRound inserts one round and its allocations atomically. A zero
// round id is assigned a fresh uuid; the assigned id is returned.
func (l *Ledger) RecordRound(ctx context.Context, r Round) (uuid.UUID, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("history: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rounds (id, at, phase, effective_budget_ms, emergency_stop, overshoot, stalled_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.At.UnixNano(), string(r.Phase), r.EffectiveBudgetMs,
		boolInt(r.EmergencyStop), boolInt(r.Overshoot), r.StalledCount,
	); err != nil {
		return uuid.Nil, fmt.Errorf("history: insert round: %w", err)
	}
	for _, a := range r.Allocations {
		var vram any
		if a.VRAMBytes != nil {
			vram = int64(*a.VRAMBytes)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO allocations (round_id, agent, strategy, time_limit_ms, vram_bytes)
			 VALUES (?, ?, ?, ?, ?)`,
			r.ID.String(), string(a.Agent), a.Strategy, a.TimeLimitMs, vram,
		); err != nil {
			return uuid.Nil, fmt.Errorf("history: insert allocation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("history: commit: %w", err)
	}
	return r.ID, nil
}

// RecentRounds returns the most recent n rounds, newest first, with
// their allocations attached.
func (l *Ledger) RecentRounds(ctx context.Context, n int) ([]Round, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, at, phase, effective_budget_ms, emergency_stop, overshoot, stalled_count
		 FROM rounds ORDER BY at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query rounds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Round
	for rows.Next() {
		var (
			id        string
			atNano    int64
			phase     string
			emergency int
			overshoot int
			r         Round
		)
		if err := rows.Scan(&id, &atNano, &phase, &r.EffectiveBudgetMs, &emergency, &overshoot, &r.StalledCount); err != nil {
			return nil, fmt.Errorf("history: scan round: %w", err)
		}
		r.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("history: bad round id %q: %w", id, err)
		}
		r.At = time.Unix(0, atNano)
		r.Phase = engmodels.Phase(phase)
		r.EmergencyStop = emergency != 0
		r.Overshoot = overshoot != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rounds: %w", err)
	}

	for i := range out {
		allocs, err := l.allocationsFor(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Allocations = allocs
	}
	return out, nil
}

func (l *Ledger) allocationsFor(ctx context.Context, roundID uuid.UUID) ([]Allocation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT agent, strategy, time_limit_ms, vram_bytes FROM allocations WHERE round_id = ? ORDER BY agent`,
		roundID.String())
	if err != nil {
		return nil, fmt.Errorf("history: query allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Allocation
	for rows.Next() {
		var (
			a    Allocation
			vram sql.NullInt64
		)
		var agent string
		if err := rows.Scan(&agent, &a.Strategy, &a.TimeLimitMs, &vram); err != nil {
			return nil, fmt.Errorf("history: scan allocation: %w", err)
		}
		a.Agent = engmodels.AgentId(agent)
		if vram.Valid {
			v := uint64(vram.Int64)
			a.VRAMBytes = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RoundCount reports how many rounds the ledger holds.
func (l *Ledger) RoundCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rounds`).Scan(&n)
	return n, err
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
