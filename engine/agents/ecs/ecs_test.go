package ecs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-engine/ember/engine/lanes"
	engmodels "github.com/ember-engine/ember/engine/models"
)

func testAgent() *Agent {
	reg := lanes.NewRegistry()
	reg.Register(lanes.NewCompactionLane())
	return New(reg)
}

func TestSlotsPerTickMapping(t *testing.T) {
	assert.Equal(t, 4, slotsPerTickFor(engmodels.LowPower))
	assert.Equal(t, 16, slotsPerTickFor(engmodels.Balanced))
	assert.Equal(t, 64, slotsPerTickFor(engmodels.HighPerformance))
	assert.Equal(t, 16, slotsPerTickFor(engmodels.Custom))
}

func TestUpdateCompactsOwnedBacklog(t *testing.T) {
	a := testAgent()
	a.ApplyBudget(engmodels.ResourceBudget{StrategyID: engmodels.StrategyId{Kind: engmodels.LowPower}})
	for i := 0; i < 10; i++ {
		a.Pages().Pages = append(a.Pages().Pages, lanes.Page{ID: i, Orphaned: true})
	}

	require.NoError(t, a.Update(context.Background()))
	assert.Len(t, a.Pages().Pages, 6, "LowPower reclaims four slots per tick")

	require.NoError(t, a.Update(context.Background()))
	assert.Len(t, a.Pages().Pages, 2)
}

func TestNegotiateScalesWithBacklog(t *testing.T) {
	a := testAgent()
	a.SetOrphanedPages(0)
	idle := a.Negotiate(engmodels.NegotiationRequest{})
	a.SetOrphanedPages(500)
	busy := a.Negotiate(engmodels.NegotiationRequest{})
	require.Len(t, idle.Options, 3)
	for i := range idle.Options {
		assert.Greater(t, busy.Options[i].EstimatedTime, idle.Options[i].EstimatedTime)
	}
}
