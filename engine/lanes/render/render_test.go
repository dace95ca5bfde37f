package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-engine/ember/engine/lanes"
	"github.com/ember-engine/ember/engine/platform"
)

func testScene(objects, lights int) *Scene {
	s := &Scene{
		Camera: CameraData{
			ViewProjection: Perspective(60, 16.0/9.0, 0.1, 100).
				Mul(LookAt([3]float32{0, 2, 8}, [3]float32{0, 0, 0}, [3]float32{0, 1, 0})),
			NearZ: 0.1, FarZ: 100,
		},
	}
	for i := 0; i < objects; i++ {
		s.Objects = append(s.Objects, Object{Triangles: 100, Model: Identity(), MaterialIndex: i % 3})
	}
	for i := 0; i < lights; i++ {
		kind := LightPoint
		if i == 0 {
			kind = LightDirectional
		}
		s.Lights = append(s.Lights, Light{
			Kind: kind, Direction: [3]float32{0, -1, 0}, Intensity: 1, Range: 10,
			CastsShadows: i == 0,
		})
	}
	return s
}

func frameCtx(t *testing.T, dev *platform.NullDevice, scene *Scene) (*lanes.Context, platform.ResourceId) {
	t.Helper()
	encoder, err := dev.BeginCommandEncoder()
	require.NoError(t, err)
	colorTex, err := dev.CreateTexture(platform.TextureDesc{Width: 1280, Height: 720, Layers: 1, Format: "bgra8-unorm"})
	require.NoError(t, err)
	colorView, err := dev.CreateTextureView(colorTex, "color")
	require.NoError(t, err)

	c := lanes.NewContext()
	lanes.Put(c, Frame{
		Device:    dev,
		Encoder:   lanes.NewSlot(&encoder),
		ColorView: colorView,
		Size:      FrameSize{Width: 1280, Height: 720},
	})
	lanes.Put(c, scene)
	lanes.Put(c, StatsOf(scene))
	return c, encoder
}

func TestUnlitCostModel(t *testing.T) {
	lane := NewUnlitLane()
	c := lanes.NewContext()
	lanes.Put(c, SceneStats{TriangleCount: 1000, DrawCalls: 10})
	// 1000*0.001 + 10*0.1*1.0 = 2.0
	assert.InDelta(t, 2.0, lane.EstimateCost(c), 1e-5)
}

func TestLitForwardCostModelAppliesLightFactor(t *testing.T) {
	lane := NewLitForwardLane()
	c := lanes.NewContext()
	lanes.Put(c, SceneStats{TriangleCount: 1000, DrawCalls: 10, Lights: 4})
	// base = 1000*0.001 + 10*0.1*1.5 = 2.5; light factor 1 + 4*0.05 = 1.2
	assert.InDelta(t, 3.0, lane.EstimateCost(c), 1e-5)
}

func TestLitForwardCostCapsLightCount(t *testing.T) {
	lane := NewLitForwardLane()
	capped := lanes.NewContext()
	lanes.Put(capped, SceneStats{TriangleCount: 100, DrawCalls: 1, Lights: MaxDirectional + MaxPoint + MaxSpot})
	over := lanes.NewContext()
	lanes.Put(over, SceneStats{TriangleCount: 100, DrawCalls: 1, Lights: 500})
	assert.Equal(t, lane.EstimateCost(capped), lane.EstimateCost(over))
}

func TestForwardPlusTileCounts(t *testing.T) {
	lane := NewForwardPlusLane()
	lane.SetTiling(16, 256)
	tx, ty := lane.tileCounts(FrameSize{Width: 1920, Height: 1080})
	assert.Equal(t, 120, tx)
	assert.Equal(t, 68, ty) // ceil(1080/16)

	lane.SetTiling(32, 256)
	tx, ty = lane.tileCounts(FrameSize{Width: 1920, Height: 1080})
	assert.Equal(t, 60, tx)
	assert.Equal(t, 34, ty) // ceil(1080/32)
}

func TestForwardPlusRejectsBadTileSize(t *testing.T) {
	lane := NewForwardPlusLane()
	lane.SetTiling(24, 0)
	assert.Equal(t, 16, lane.tileSize)
	assert.Equal(t, 256, lane.maxLightsPerTile)
}

func TestUnlitExecuteEncodesDraws(t *testing.T) {
	dev := platform.NewNullDevice()
	scene := testScene(5, 0)
	c, encoder := frameCtx(t, dev, scene)

	lane := NewUnlitLane()
	require.NoError(t, lane.OnInitialize(c))
	require.NoError(t, lane.Execute(c))
	_ = encoder

	stats := dev.Stats()
	assert.Equal(t, 5, stats.Draws)
	assert.Equal(t, 1, stats.PipelineSwitches, "one pipeline bound once across all draws")
	require.NoError(t, lane.OnShutdown(c))
}

func TestUnlitExecuteBeforeInitialize(t *testing.T) {
	lane := NewUnlitLane()
	dev := platform.NewNullDevice()
	c, _ := frameCtx(t, dev, testScene(1, 0))
	assert.ErrorIs(t, lane.Execute(c), lanes.ErrNotInitialized)
}

func TestUnlitRingAdvancesOncePerFrame(t *testing.T) {
	dev := platform.NewNullDevice()
	lane := NewUnlitLane()
	scene := testScene(1, 0)

	c, _ := frameCtx(t, dev, scene)
	require.NoError(t, lane.OnInitialize(c))

	slots := []int{}
	groups := []platform.ResourceId{}
	for i := 0; i < 4; i++ {
		c, _ = frameCtx(t, dev, scene)
		written := lane.CurrentSlot()
		require.NoError(t, lane.Execute(c))
		slots = append(slots, written)
		groups = append(groups, lane.CurrentCameraBindGroup())
	}
	assert.Equal(t, []int{0, 1, 2, 0}, slots)
	// The bind group reported after each frame corresponds to the slot
	// just written, so frame 0 and frame 3 share one.
	assert.Equal(t, groups[0], groups[3])
	assert.NotEqual(t, groups[0], groups[1])
}

func TestLitForwardPacksAndCapsLights(t *testing.T) {
	dev := platform.NewNullDevice()
	scene := testScene(3, 0)
	for i := 0; i < 6; i++ {
		scene.Lights = append(scene.Lights, Light{Kind: LightDirectional})
	}
	for i := 0; i < 20; i++ {
		scene.Lights = append(scene.Lights, Light{Kind: LightPoint})
	}
	for i := 0; i < 10; i++ {
		scene.Lights = append(scene.Lights, Light{Kind: LightSpot})
	}
	c, _ := frameCtx(t, dev, scene)

	lane := NewLitForwardLane()
	require.NoError(t, lane.OnInitialize(c))
	require.NoError(t, lane.Execute(c))

	d, p, s := lane.PackedCounts()
	assert.Equal(t, MaxDirectional, d)
	assert.Equal(t, MaxPoint, p)
	assert.Equal(t, MaxSpot, s)
	assert.Equal(t, 3, dev.Stats().Draws)
}

func TestShadowPassAssignsAtlasLayers(t *testing.T) {
	dev := platform.NewNullDevice()
	scene := testScene(2, 0)
	scene.Lights = []Light{
		{Kind: LightDirectional, Direction: [3]float32{0, -1, 0}, CastsShadows: true},
		{Kind: LightSpot, Position: [3]float32{0, 5, 0}, Direction: [3]float32{0, -1, 0}, OuterConeDeg: 30, Range: 20, CastsShadows: true},
		{Kind: LightPoint, Position: [3]float32{1, 1, 1}, CastsShadows: true},
		{Kind: LightDirectional, CastsShadows: false}, // no shadow requested
	}
	c, _ := frameCtx(t, dev, scene)

	lane := NewShadowPassLane()
	require.NoError(t, lane.OnInitialize(c))
	require.NoError(t, lane.Execute(c))

	got := lane.Assignments()
	require.Len(t, got, 3)
	assert.Equal(t, 0, got[0].AtlasIndex)
	assert.Equal(t, 1, got[1].AtlasIndex)
	assert.Equal(t, 2, got[2].AtlasIndex, "point light reserves the next layer")

	// The assignments are patched into the context for the main pass.
	fromCtx, err := lanes.Get[[]ShadowAssignment](c)
	require.NoError(t, err)
	assert.Equal(t, got, fromCtx)
}

func TestShadowSpotProjectionUsesDoubleConeAngle(t *testing.T) {
	// A spot with a 30 degree outer cone projects with a 60 degree FOV;
	// points just inside the cone edge must land inside NDC.
	view := LookAt([3]float32{0, 0, 0}, [3]float32{0, 0, -1}, [3]float32{0, 1, 0})
	proj := Perspective(60, 1, 0.1, 100)
	vp := proj.Mul(view)

	inside := vp.TransformPoint([3]float32{0, 0.5, -1}) // ~26.5 degrees off axis
	assert.InDelta(t, 0, inside[0], 0.01)
	assert.Less(t, absf(inside[1]), float32(1.0))

	outside := vp.TransformPoint([3]float32{0, 2, -1}) // ~63 degrees off axis
	assert.Greater(t, absf(outside[1]), float32(1.0))
}

func TestDirectionalShadowProjectionCoversFrustum(t *testing.T) {
	cam := Perspective(60, 16.0/9.0, 0.1, 50).
		Mul(LookAt([3]float32{0, 2, 8}, [3]float32{0, 0, 0}, [3]float32{0, 1, 0}))
	corners := frustumCorners(cam)
	vp := directionalShadowProjection([3]float32{0.3, -1, 0.2}, corners)

	for _, corner := range corners {
		p := vp.TransformPoint(corner)
		assert.LessOrEqual(t, absf(p[0]), float32(1.01))
		assert.LessOrEqual(t, absf(p[1]), float32(1.01))
		assert.GreaterOrEqual(t, p[2], float32(-0.01))
		assert.LessOrEqual(t, p[2], float32(1.01))
	}
}

func TestForwardPlusExecuteDispatchesCullGrid(t *testing.T) {
	dev := platform.NewNullDevice()
	scene := testScene(4, 8)
	c, _ := frameCtx(t, dev, scene)

	lane := NewForwardPlusLane()
	require.NoError(t, lane.OnInitialize(c))
	require.NoError(t, lane.Execute(c))

	tx, ty := lane.TileCounts()
	assert.Equal(t, 80, tx)  // ceil(1280/16)
	assert.Equal(t, 45, ty)  // ceil(720/16)
	stats := dev.Stats()
	assert.Equal(t, 1, stats.Dispatches)
	assert.Equal(t, 4, stats.Draws)
}

func TestMatrixInvertRoundTrip(t *testing.T) {
	m := Perspective(60, 1.5, 0.1, 100).
		Mul(LookAt([3]float32{3, 4, 5}, [3]float32{0, 1, 0}, [3]float32{0, 1, 0}))
	inv := invert(m)
	id := m.Mul(inv)
	want := Identity()
	for i := range id {
		assert.InDeltaf(t, want[i], id[i], 1e-3, "element %d", i)
	}
}

func TestInvertSingularFallsBackToIdentity(t *testing.T) {
	var zero Mat4
	assert.Equal(t, Identity(), invert(zero))
}

func TestStatsOf(t *testing.T) {
	s := testScene(3, 2)
	stats := StatsOf(s)
	assert.Equal(t, 300, stats.TriangleCount)
	assert.Equal(t, 3, stats.DrawCalls)
	assert.Equal(t, 2, stats.Lights)
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(256), alignUp(1, 256))
	assert.Equal(t, uint64(256), alignUp(256, 256))
	assert.Equal(t, uint64(512), alignUp(257, 256))
	assert.Equal(t, uint64(7), alignUp(7, 0))
}

func TestSurfaceAcquisitionRecoverability(t *testing.T) {
	lost := &SurfaceAcquisitionError{Kind: SurfaceLost, Detail: "swapchain gone"}
	outdated := &SurfaceAcquisitionError{Kind: SurfaceOutdated, Detail: "resized"}
	oom := &SurfaceAcquisitionError{Kind: SurfaceOutOfMemory, Detail: "vram"}
	timeout := &SurfaceAcquisitionError{Kind: SurfaceTimeout, Detail: "stall"}

	assert.True(t, lost.Recoverable())
	assert.True(t, outdated.Recoverable())
	assert.False(t, oom.Recoverable())
	assert.False(t, timeout.Recoverable())
	assert.Contains(t, lost.Error(), "lost")
}
