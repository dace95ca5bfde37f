package render

import (
	"math"

	"github.com/ember-engine/ember/engine/lanes"
	engmodels "github.com/ember-engine/ember/engine/models"
	"github.com/ember-engine/ember/engine/platform"
)

const fpLightStride = 8 * 4 // position+range, color+intensity

// ForwardPlusLane bins lights into screen-space tiles with a compute
// pass, then evaluates only each tile's light list during the render
// pass. Tile size (16 or 32 pixels) and max-lights-per-tile are adaptive
// and may be changed between frames by the owning renderer agent; buffer
// reallocation happens lazily on the next Execute.
type ForwardPlusLane struct {
	device platform.Device

	tileSize         int
	maxLightsPerTile int

	lightBuf    platform.ResourceId // storage: packed light data
	tileListBuf platform.ResourceId // storage: per-tile light index list
	tileGridBuf platform.ResourceId // storage: per-tile (offset, count)
	cullUniform platform.ResourceId

	allocTiles  int
	allocLights int

	cullPipeline   platform.ResourceId
	renderPipeline platform.ResourceId
	cullGroup      platform.ResourceId
	renderGroup    platform.ResourceId
	layout         platform.ResourceId

	initialized bool
	frame       uint64

	lastTileCounts [2]int // tilesX, tilesY from the most recent Execute
}

// NewForwardPlusLane defaults to 16px tiles and 256 lights per tile.
func NewForwardPlusLane() *ForwardPlusLane {
	return &ForwardPlusLane{tileSize: 16, maxLightsPerTile: 256}
}

// SetTiling adapts tile size and the per-tile light cap between frames.
// Values other than 16 or 32 fall back to 16.
func (l *ForwardPlusLane) SetTiling(tileSize, maxLightsPerTile int) {
	if tileSize != 16 && tileSize != 32 {
		tileSize = 16
	}
	if maxLightsPerTile <= 0 {
		maxLightsPerTile = 256
	}
	l.tileSize = tileSize
	l.maxLightsPerTile = maxLightsPerTile
}

func (l *ForwardPlusLane) StrategyName() string         { return "forward-plus" }
func (l *ForwardPlusLane) LaneKind() engmodels.LaneKind { return engmodels.LaneRender }

func (l *ForwardPlusLane) tileCounts(size FrameSize) (int, int) {
	return ceilDiv(size.Width, l.tileSize), ceilDiv(size.Height, l.tileSize)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func (l *ForwardPlusLane) EstimateCost(ctx *lanes.Context) float32 {
	stats, err := lanes.Get[SceneStats](ctx)
	if err != nil {
		return 0
	}
	size, sizeErr := lanes.Get[FrameSize](ctx)
	if sizeErr != nil {
		size = FrameSize{Width: 1920, Height: 1080}
	}
	tx, ty := l.tileCounts(size)
	tiles := tx * ty

	lights := stats.Lights
	lightFactor := float32(math.Sqrt(float64(lights))) * LightFactorFP
	if limit := float32(l.maxLightsPerTile) * LightFactorFP; lightFactor > limit {
		lightFactor = limit
	}
	perTileCost := float32(0.00002)
	computeOverhead := float32(0.5) + perTileCost*float32(tiles) + 0.00001*float32(tiles)*float32(lights)

	return baseCost(stats, ShaderFullPBR)*lightFactor + computeOverhead
}

func (l *ForwardPlusLane) OnInitialize(ctx *lanes.Context) error {
	if l.initialized {
		return nil
	}
	frame, err := lanes.Get[Frame](ctx)
	if err != nil {
		return err
	}
	dev := frame.Device

	if l.cullUniform, err = dev.CreateBuffer(16*4, platform.BufferUniform|platform.BufferCopyDst, "fp-cull-uniforms"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.layout, err = dev.CreateBindGroupLayout("forward-plus"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	cullModule, err := dev.CreateShaderModule("fp_light_cull", "fp-cull")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	renderModule, err := dev.CreateShaderModule("fp_shade", "fp-shade")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	pl, err := dev.CreatePipelineLayout([]platform.ResourceId{l.layout}, "forward-plus")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.cullPipeline, err = dev.CreateComputePipeline(platform.ComputePipelineDesc{Layout: pl, ShaderModule: cullModule, Label: "fp-cull"}); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.renderPipeline, err = dev.CreateRenderPipeline(platform.RenderPipelineDesc{Layout: pl, ShaderModule: renderModule, Label: "fp-shade"}); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}

	l.device = dev
	l.initialized = true
	return nil
}

// ensureBuffers grows the storage buffers when the tile count or light
// count exceeds the current allocation (never shrinks mid-session).
func (l *ForwardPlusLane) ensureBuffers(tiles, lights int) error {
	if tiles <= l.allocTiles && lights <= l.allocLights {
		return nil
	}
	dev := l.device
	if l.lightBuf != platform.InvalidId {
		_ = dev.DestroyBuffer(l.lightBuf)
		_ = dev.DestroyBuffer(l.tileListBuf)
		_ = dev.DestroyBuffer(l.tileGridBuf)
	}
	var err error
	if lights < 1 {
		lights = 1
	}
	if tiles < 1 {
		tiles = 1
	}
	if l.lightBuf, err = dev.CreateBuffer(uint64(lights)*fpLightStride, platform.BufferStorage|platform.BufferCopyDst, "fp-lights"); err != nil {
		return err
	}
	if l.tileListBuf, err = dev.CreateBuffer(uint64(tiles)*uint64(l.maxLightsPerTile)*4, platform.BufferStorage|platform.BufferCopyDst, "fp-tile-list"); err != nil {
		return err
	}
	if l.tileGridBuf, err = dev.CreateBuffer(uint64(tiles)*8, platform.BufferStorage|platform.BufferCopyDst, "fp-tile-grid"); err != nil {
		return err
	}
	if l.cullGroup, err = dev.CreateBindGroup(l.layout, []platform.BindGroupEntry{
		{Binding: 0, Resource: l.cullUniform},
		{Binding: 1, Resource: l.lightBuf},
		{Binding: 2, Resource: l.tileListBuf},
		{Binding: 3, Resource: l.tileGridBuf},
	}, "fp-cull"); err != nil {
		return err
	}
	if l.renderGroup, err = dev.CreateBindGroup(l.layout, []platform.BindGroupEntry{
		{Binding: 0, Resource: l.lightBuf},
		{Binding: 1, Resource: l.tileListBuf},
		{Binding: 2, Resource: l.tileGridBuf},
	}, "fp-shade"); err != nil {
		return err
	}
	l.allocTiles = tiles
	l.allocLights = lights
	return nil
}

// TileCounts reports the tile grid dimensions from the most recent
// Execute.
func (l *ForwardPlusLane) TileCounts() (tilesX, tilesY int) {
	return l.lastTileCounts[0], l.lastTileCounts[1]
}

func (l *ForwardPlusLane) Execute(ctx *lanes.Context) error {
	if !l.initialized {
		return lanes.ErrNotInitialized
	}
	frame, err := lanes.Get[Frame](ctx)
	if err != nil {
		return err
	}
	scene, err := lanes.Get[*Scene](ctx)
	if err != nil {
		return err
	}
	dev := frame.Device
	size := frame.Size
	if size.Width == 0 || size.Height == 0 {
		size = FrameSize{Width: 1920, Height: 1080}
	}
	tx, ty := l.tileCounts(size)
	l.lastTileCounts = [2]int{tx, ty}
	tiles := tx * ty

	if err := l.ensureBuffers(tiles, len(scene.Lights)); err != nil {
		return &lanes.ExecutionFailedError{Cause: err}
	}

	// (a) write light data and culling uniforms.
	lightData := make([]byte, 0, len(scene.Lights)*fpLightStride)
	for _, lt := range scene.Lights {
		lightData = append(lightData, floatBytes(
			lt.Position[0], lt.Position[1], lt.Position[2], lt.Range,
			lt.Color[0], lt.Color[1], lt.Color[2], lt.Intensity,
		)...)
	}
	if len(lightData) > 0 {
		if err := dev.WriteBuffer(l.lightBuf, 0, lightData); err != nil {
			return &lanes.ExecutionFailedError{Cause: err}
		}
	}
	if err := dev.WriteBuffer(l.cullUniform, 0, floatBytes(
		float32(size.Width), float32(size.Height),
		float32(l.tileSize), float32(l.maxLightsPerTile),
		float32(len(scene.Lights)), float32(tx), float32(ty), 0,
	)); err != nil {
		return &lanes.ExecutionFailedError{Cause: err}
	}

	encoder := *frame.Encoder.Get()

	// (b) compute pass: one workgroup per tile bins the lights.
	cull, err := dev.BeginComputePass(encoder, "fp-light-cull")
	if err != nil {
		return &lanes.ExecutionFailedError{Cause: err}
	}
	cull.SetPipeline(l.cullPipeline)
	cull.SetBindGroup(0, l.cullGroup)
	cull.Dispatch(uint32(tx), uint32(ty), 1)
	cull.End()

	// (c) render pass: shade objects against per-tile light lists.
	pass, err := dev.BeginRenderPass(encoder, platform.RenderPassDesc{
		ColorTarget: frame.ColorView,
		DepthTarget: frame.DepthView,
		ClearColor:  frame.ClearColor,
		ClearDepth:  1,
		Label:       "forward-plus",
	})
	if err != nil {
		return &lanes.ExecutionFailedError{Cause: err}
	}
	pass.SetPipeline(l.renderPipeline)
	pass.SetBindGroup(0, l.renderGroup)
	for _, o := range scene.Objects {
		pass.Draw(uint32(o.Triangles*3), 1)
	}
	pass.End()

	l.frame++
	return nil
}

func (l *ForwardPlusLane) OnShutdown(ctx *lanes.Context) error {
	if !l.initialized {
		return nil
	}
	if l.lightBuf != platform.InvalidId {
		_ = l.device.DestroyBuffer(l.lightBuf)
		_ = l.device.DestroyBuffer(l.tileListBuf)
		_ = l.device.DestroyBuffer(l.tileGridBuf)
	}
	_ = l.device.DestroyBuffer(l.cullUniform)
	l.initialized = false
	return nil
}
