package renderer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-engine/ember/engine/lanes"
	"github.com/ember-engine/ember/engine/lanes/render"
	engmodels "github.com/ember-engine/ember/engine/models"
	"github.com/ember-engine/ember/engine/platform"
	"github.com/ember-engine/ember/engine/profiler"
)

func testAgent(t *testing.T) (*Agent, *platform.NullDevice) {
	t.Helper()
	dev := platform.NewNullDevice()
	window := platform.NewNullWindow(1280, 720)
	prof, err := profiler.New(dev, nil)
	require.NoError(t, err)

	reg := lanes.NewRegistry()
	reg.Register(render.NewShadowPassLane())
	reg.Register(render.NewUnlitLane())
	reg.Register(render.NewLitForwardLane())
	reg.Register(render.NewForwardPlusLane())

	a := New(reg, dev, window, prof)

	colorTex, err := dev.CreateTexture(platform.TextureDesc{Width: 1280, Height: 720, Layers: 1, Format: "bgra8-unorm"})
	require.NoError(t, err)
	colorView, err := dev.CreateTextureView(colorTex, "color")
	require.NoError(t, err)
	a.SetTargets(colorView, platform.InvalidId, [4]float32{0, 0, 0, 1})
	return a, dev
}

func demoScene(objects, lights int) render.Scene {
	s := render.Scene{
		Camera: render.CameraData{
			ViewProjection: render.Perspective(60, 16.0/9.0, 0.1, 100).
				Mul(render.LookAt([3]float32{0, 2, 8}, [3]float32{0, 0, 0}, [3]float32{0, 1, 0})),
			NearZ: 0.1, FarZ: 100,
		},
	}
	for i := 0; i < objects; i++ {
		s.Objects = append(s.Objects, render.Object{Triangles: 100, Model: render.Identity()})
	}
	for i := 0; i < lights; i++ {
		s.Lights = append(s.Lights, render.Light{Kind: render.LightPoint, Intensity: 1, Range: 10})
	}
	return s
}

func TestNegotiateOffersThreeTiersScaledByComplexity(t *testing.T) {
	a, _ := testAgent(t)

	quiet := a.Negotiate(engmodels.NegotiationRequest{})
	require.Len(t, quiet.Options, 3)
	assert.Equal(t, engmodels.LowPower, quiet.Options[0].ID.Kind)
	assert.Equal(t, engmodels.Balanced, quiet.Options[1].ID.Kind)
	assert.Equal(t, engmodels.HighPerformance, quiet.Options[2].ID.Kind)

	a.SubmitScene(demoScene(200, 20))
	busy := a.Negotiate(engmodels.NegotiationRequest{})
	for i := range quiet.Options {
		assert.Greater(t, busy.Options[i].EstimatedTime, quiet.Options[i].EstimatedTime)
	}
}

func TestApplyBudgetMapsStrategyToLane(t *testing.T) {
	assert.Equal(t, "unlit", selectedLaneName(engmodels.LowPower))
	assert.Equal(t, "lit-forward", selectedLaneName(engmodels.Balanced))
	assert.Equal(t, "forward-plus", selectedLaneName(engmodels.HighPerformance))
	assert.Equal(t, "lit-forward", selectedLaneName(engmodels.Custom))
}

func TestApplyBudgetIdempotent(t *testing.T) {
	a, _ := testAgent(t)
	b := engmodels.ResourceBudget{StrategyID: engmodels.StrategyId{Kind: engmodels.LowPower}, TimeLimit: 2 * time.Millisecond}
	a.ApplyBudget(b)
	first := a.ReportStatus()
	a.ApplyBudget(b)
	second := a.ReportStatus()
	assert.Equal(t, first.CurrentStrategy, second.CurrentStrategy)
}

func TestExplicitOverrideWinsOverBudget(t *testing.T) {
	a, _ := testAgent(t)
	a.SetOverride(Explicit, engmodels.StrategyId{Kind: engmodels.HighPerformance})
	a.ApplyBudget(engmodels.ResourceBudget{StrategyID: engmodels.StrategyId{Kind: engmodels.LowPower}})
	assert.Equal(t, engmodels.HighPerformance, a.ReportStatus().CurrentStrategy.Kind)

	a.SetOverride(Auto, engmodels.StrategyId{})
	a.ApplyBudget(engmodels.ResourceBudget{StrategyID: engmodels.StrategyId{Kind: engmodels.LowPower}})
	assert.Equal(t, engmodels.LowPower, a.ReportStatus().CurrentStrategy.Kind)
}

func TestUpdateUnlitEncodesAndSubmits(t *testing.T) {
	a, dev := testAgent(t)
	a.ApplyBudget(engmodels.ResourceBudget{StrategyID: engmodels.StrategyId{Kind: engmodels.LowPower}, TimeLimit: 4 * time.Millisecond})
	a.SubmitScene(demoScene(6, 0))

	require.NoError(t, a.Update(context.Background()))

	stats := dev.Stats()
	assert.Equal(t, 6, stats.Draws)
	assert.Equal(t, 1, stats.Submits)
}

func TestUpdateLitForwardRunsShadowPassFirst(t *testing.T) {
	a, dev := testAgent(t)
	a.ApplyBudget(engmodels.ResourceBudget{StrategyID: engmodels.StrategyId{Kind: engmodels.Balanced}, TimeLimit: 8 * time.Millisecond})
	scene := demoScene(4, 2)
	scene.Lights[0] = render.Light{Kind: render.LightDirectional, Direction: [3]float32{0, -1, 0}, CastsShadows: true}
	a.SubmitScene(scene)

	require.NoError(t, a.Update(context.Background()))

	// Four scene draws in the main pass plus four in the shadow pass.
	assert.Equal(t, 8, dev.Stats().Draws)
}

func TestReportStatusHealthFormula(t *testing.T) {
	a, _ := testAgent(t)
	a.ApplyBudget(engmodels.ResourceBudget{StrategyID: engmodels.StrategyId{Kind: engmodels.LowPower}, TimeLimit: 4 * time.Millisecond})
	a.SubmitScene(demoScene(2, 0))
	require.NoError(t, a.Update(context.Background()))

	st := a.ReportStatus()
	assert.Greater(t, st.HealthScore, float32(0))
	assert.LessOrEqual(t, st.HealthScore, float32(1))
	assert.False(t, st.IsStalled, "a frame just landed")
}

func TestExecuteIsANoOp(t *testing.T) {
	a, dev := testAgent(t)
	require.NoError(t, a.Execute(context.Background()))
	assert.Equal(t, 0, dev.Stats().Submits)
}

func TestDowncastRecoversConcreteAgent(t *testing.T) {
	a, _ := testAgent(t)
	recovered, ok := a.Downcast().(*Agent)
	require.True(t, ok)
	assert.Same(t, a, recovered)
}
