package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engmodels "github.com/ember-engine/ember/engine/models"
)

type fakeAgent struct {
	id      engmodels.AgentId
	stalled bool
	updates int
}

func (f *fakeAgent) ID() engmodels.AgentId { return f.id }
func (f *fakeAgent) Negotiate(req engmodels.NegotiationRequest) engmodels.NegotiationResponse {
	return engmodels.NegotiationResponse{}
}
func (f *fakeAgent) ApplyBudget(b engmodels.ResourceBudget) {}
func (f *fakeAgent) Update(ctx context.Context) error {
	f.updates++
	return nil
}
func (f *fakeAgent) Execute(ctx context.Context) error { return nil }
func (f *fakeAgent) ReportStatus() engmodels.AgentStatus {
	return engmodels.AgentStatus{AgentID: f.id, HealthScore: 1, IsStalled: f.stalled}
}
func (f *fakeAgent) Downcast() any { return f }

func TestRegistryRegisterAndLen(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())
	r.Register(&fakeAgent{id: engmodels.Renderer})
	r.Register(&fakeAgent{id: engmodels.Physics})
	assert.Equal(t, 2, r.Len())
}

func TestForEachLockedVisitsInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAgent{id: engmodels.Audio})
	r.Register(&fakeAgent{id: engmodels.Renderer})

	var order []engmodels.AgentId
	r.ForEachLocked(time.Second, func(a Agent) {
		order = append(order, a.ID())
	}, nil)
	assert.Equal(t, []engmodels.AgentId{engmodels.Audio, engmodels.Renderer}, order)
}

func TestForEachLockedSkipsHeldLock(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAgent{id: engmodels.Renderer})

	hold := make(chan struct{})
	held := make(chan struct{})
	go r.ForEachLocked(time.Second, func(a Agent) {
		close(held)
		<-hold
	}, nil)
	<-held

	var visited, skipped []engmodels.AgentId
	r.ForEachLocked(20*time.Millisecond, func(a Agent) {
		visited = append(visited, a.ID())
	}, func(id engmodels.AgentId) {
		skipped = append(skipped, id)
	})
	close(hold)

	assert.Empty(t, visited)
	assert.Equal(t, []engmodels.AgentId{engmodels.Renderer}, skipped)
}

func TestSnapshotOmitsUnlockableAgents(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAgent{id: engmodels.Renderer, stalled: true})
	r.Register(&fakeAgent{id: engmodels.Physics})

	statuses := r.Snapshot()
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].IsStalled)
	assert.False(t, statuses[1].IsStalled)
}

func TestErrLockTimeoutMessage(t *testing.T) {
	err := &ErrLockTimeout{Agent: engmodels.Asset}
	assert.Contains(t, err.Error(), "asset")
}
