package health

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyEvaluatorIsUnknown(t *testing.T) {
	e := NewEvaluator(time.Second)
	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusUnknown, snap.Overall)
}

func TestWorstProbeWins(t *testing.T) {
	e := NewEvaluator(time.Second,
		ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("a") }),
		ProbeFunc(func(ctx context.Context) ProbeResult { return Degraded("b", "meh") }),
	)
	assert.Equal(t, StatusDegraded, e.Evaluate(context.Background()).Overall)

	e.Register(ProbeFunc(func(ctx context.Context) ProbeResult { return Unhealthy("c", "down") }))
	e.Invalidate()
	assert.Equal(t, StatusUnhealthy, e.Evaluate(context.Background()).Overall)
}

func TestSnapshotCachedWithinTTL(t *testing.T) {
	calls := 0
	e := NewEvaluator(time.Hour, ProbeFunc(func(ctx context.Context) ProbeResult {
		calls++
		return Healthy("probe")
	}))
	e.Evaluate(context.Background())
	e.Evaluate(context.Background())
	assert.Equal(t, 1, calls)

	e.Invalidate()
	e.Evaluate(context.Background())
	assert.Equal(t, 2, calls)
}

func TestHandlerStatusCodes(t *testing.T) {
	healthy := NewEvaluator(time.Second, ProbeFunc(func(ctx context.Context) ProbeResult { return Healthy("a") }))
	rec := httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	down := NewEvaluator(time.Second, ProbeFunc(func(ctx context.Context) ProbeResult { return Unhealthy("a", "x") }))
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestProbeTimestampsFilledIn(t *testing.T) {
	e := NewEvaluator(time.Second, ProbeFunc(func(ctx context.Context) ProbeResult {
		return ProbeResult{Name: "bare", Status: StatusHealthy}
	}))
	snap := e.Evaluate(context.Background())
	require.Len(t, snap.Probes, 1)
	assert.False(t, snap.Probes[0].CheckedAt.IsZero())
}
