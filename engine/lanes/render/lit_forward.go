package render

import (
	"github.com/ember-engine/ember/engine/lanes"
	engmodels "github.com/ember-engine/ember/engine/models"
	"github.com/ember-engine/ember/engine/platform"
)

// packedLightStride is the per-light footprint in the lighting uniform
// buffer: position+range, direction+kind, color+intensity, cone params.
const packedLightStride = 16 * 4

// lightingUniformSize holds the packed light arrays plus a 16-byte
// header carrying the per-kind counts.
const lightingUniformSize = 16 + (MaxDirectional+MaxPoint+MaxSpot)*packedLightStride

// LitForwardLane packs up to MaxDirectional/MaxPoint/MaxSpot lights into
// a single uniform buffer and emits one render pass with four bind
// groups {camera, model, material, lighting}. Shadow assignments left in
// the context by a preceding shadow pass are consumed here by patching
// each packed light's atlas index.
type LitForwardLane struct {
	device platform.Device

	modelStride    uint64
	materialStride uint64

	cameraBuf   platform.ResourceId
	modelBuf    platform.ResourceId
	materialBuf platform.ResourceId
	lightingBuf platform.ResourceId

	cameraGroups   [ringSlots]platform.ResourceId
	modelGroups    [ringSlots]platform.ResourceId
	materialGroups [ringSlots]platform.ResourceId
	lightingGroups [ringSlots]platform.ResourceId

	pipeline platform.ResourceId

	frame       uint64
	initialized bool

	cmds []drawCommand

	lastPacked packedCounts
}

// packedCounts records how many lights of each kind the most recent
// Execute packed (after capping), for observability and tests.
type packedCounts struct {
	Directional, Point, Spot int
}

func NewLitForwardLane() *LitForwardLane { return &LitForwardLane{} }

func (l *LitForwardLane) StrategyName() string         { return "lit-forward" }
func (l *LitForwardLane) LaneKind() engmodels.LaneKind { return engmodels.LaneRender }

func (l *LitForwardLane) EstimateCost(ctx *lanes.Context) float32 {
	stats, err := lanes.Get[SceneStats](ctx)
	if err != nil {
		return 0
	}
	lights := stats.Lights
	if maxLights := MaxDirectional + MaxPoint + MaxSpot; lights > maxLights {
		lights = maxLights
	}
	lightFactor := 1 + float32(lights)*LightFactorFwd
	return baseCost(stats, ShaderSimpleLit) * lightFactor
}

func (l *LitForwardLane) OnInitialize(ctx *lanes.Context) error {
	if l.initialized {
		return nil
	}
	frame, err := lanes.Get[Frame](ctx)
	if err != nil {
		return err
	}
	dev := frame.Device
	align := dev.Limits().MinUniformBufferOffsetAlignment
	l.modelStride = alignUp(modelUniformSize, align)
	l.materialStride = alignUp(materialUniformSize, align)
	camSlot := alignUp(cameraUniformSize, align)
	lightSlot := alignUp(lightingUniformSize, align)

	if l.cameraBuf, err = dev.CreateBuffer(camSlot*ringSlots, platform.BufferUniform|platform.BufferCopyDst, "lit-camera-ring"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.modelBuf, err = dev.CreateBuffer(l.modelStride*maxObjectsPerFrame*ringSlots, platform.BufferUniform|platform.BufferCopyDst, "lit-model-ring"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.materialBuf, err = dev.CreateBuffer(l.materialStride*maxObjectsPerFrame*ringSlots, platform.BufferUniform|platform.BufferCopyDst, "lit-material-ring"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.lightingBuf, err = dev.CreateBuffer(lightSlot*ringSlots, platform.BufferUniform|platform.BufferCopyDst, "lit-lighting-ring"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}

	layout, err := dev.CreateBindGroupLayout("lit-forward")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	for slot := 0; slot < ringSlots; slot++ {
		if l.cameraGroups[slot], err = dev.CreateBindGroup(layout, []platform.BindGroupEntry{{Binding: 0, Resource: l.cameraBuf}}, "lit-camera"); err != nil {
			return &lanes.InitializationFailedError{Cause: err}
		}
		if l.modelGroups[slot], err = dev.CreateBindGroup(layout, []platform.BindGroupEntry{{Binding: 0, Resource: l.modelBuf, Size: modelUniformSize}}, "lit-model"); err != nil {
			return &lanes.InitializationFailedError{Cause: err}
		}
		if l.materialGroups[slot], err = dev.CreateBindGroup(layout, []platform.BindGroupEntry{{Binding: 0, Resource: l.materialBuf, Size: materialUniformSize}}, "lit-material"); err != nil {
			return &lanes.InitializationFailedError{Cause: err}
		}
		if l.lightingGroups[slot], err = dev.CreateBindGroup(layout, []platform.BindGroupEntry{{Binding: 0, Resource: l.lightingBuf}}, "lit-lighting"); err != nil {
			return &lanes.InitializationFailedError{Cause: err}
		}
	}

	module, err := dev.CreateShaderModule("lit_forward", "lit-forward")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	pl, err := dev.CreatePipelineLayout([]platform.ResourceId{layout, layout, layout, layout}, "lit-forward")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.pipeline, err = dev.CreateRenderPipeline(platform.RenderPipelineDesc{Layout: pl, ShaderModule: module, Label: "lit-forward"}); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}

	l.device = dev
	l.initialized = true
	return nil
}

// packLights fills the lighting uniform bytes, capping each kind at its
// array size and patching shadow atlas indices when assignments exist.
func packLights(lights []Light, assignments []ShadowAssignment) ([]byte, packedCounts) {
	var counts packedCounts
	buf := make([]byte, 0, lightingUniformSize)
	var dir, point, spot []Light
	atlas := make([]float32, len(lights))
	for i := range atlas {
		atlas[i] = -1
	}
	assignIdx := 0
	for i, lt := range lights {
		if lt.CastsShadows && assignIdx < len(assignments) {
			atlas[i] = float32(assignments[assignIdx].AtlasIndex)
			assignIdx++
		}
		switch lt.Kind {
		case LightDirectional:
			if len(dir) < MaxDirectional {
				dir = append(dir, lt)
			}
		case LightPoint:
			if len(point) < MaxPoint {
				point = append(point, lt)
			}
		case LightSpot:
			if len(spot) < MaxSpot {
				spot = append(spot, lt)
			}
		}
	}
	counts = packedCounts{Directional: len(dir), Point: len(point), Spot: len(spot)}
	buf = append(buf, floatBytes(float32(len(dir)), float32(len(point)), float32(len(spot)), 0)...)
	packOne := func(lt Light) {
		buf = append(buf, floatBytes(
			lt.Position[0], lt.Position[1], lt.Position[2], lt.Range,
			lt.Direction[0], lt.Direction[1], lt.Direction[2], float32(lt.Kind),
			lt.Color[0], lt.Color[1], lt.Color[2], lt.Intensity,
			lt.OuterConeDeg, 0, 0, 0,
		)...)
	}
	for _, lt := range dir {
		packOne(lt)
	}
	for _, lt := range point {
		packOne(lt)
	}
	for _, lt := range spot {
		packOne(lt)
	}
	return buf, counts
}

// PackedCounts reports the per-kind light counts from the most recent
// Execute.
func (l *LitForwardLane) PackedCounts() (directional, point, spot int) {
	return l.lastPacked.Directional, l.lastPacked.Point, l.lastPacked.Spot
}

func (l *LitForwardLane) Execute(ctx *lanes.Context) error {
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
	slot := l.frame % ringSlots
	align := dev.Limits().MinUniformBufferOffsetAlignment

	// (a) advance rings, write camera + lighting + per-object uniforms.
	cam := scene.Camera
	camSlot := alignUp(cameraUniformSize, align)
	camData := append(floatBytes(cam.ViewProjection[:]...), floatBytes(cam.Position[0], cam.Position[1], cam.Position[2], cam.NearZ)...)
	if err := dev.WriteBuffer(l.cameraBuf, slot*camSlot, camData); err != nil {
		return &lanes.ExecutionFailedError{Cause: err}
	}

	assignments, _ := lanes.Get[[]ShadowAssignment](ctx)
	lightData, counts := packLights(scene.Lights, assignments)
	l.lastPacked = counts
	lightSlot := alignUp(lightingUniformSize, align)
	if err := dev.WriteBuffer(l.lightingBuf, slot*lightSlot, lightData); err != nil {
		return &lanes.ExecutionFailedError{Cause: err}
	}

	objects := scene.Objects
	if len(objects) > maxObjectsPerFrame {
		objects = objects[:maxObjectsPerFrame]
	}
	modelBase := slot * l.modelStride * maxObjectsPerFrame
	materialBase := slot * l.materialStride * maxObjectsPerFrame
	for i, o := range objects {
		if err := dev.WriteBuffer(l.modelBuf, modelBase+uint64(i)*l.modelStride, floatBytes(o.Model[:]...)); err != nil {
			return &lanes.ExecutionFailedError{Cause: err}
		}
		if err := dev.WriteBuffer(l.materialBuf, materialBase+uint64(i)*l.materialStride, floatBytes(float32(o.MaterialIndex), 0, 0, 1)); err != nil {
			return &lanes.ExecutionFailedError{Cause: err}
		}
	}

	// (b) pre-collect.
	l.cmds = l.cmds[:0]
	for i, o := range objects {
		l.cmds = append(l.cmds, drawCommand{
			pipeline:       l.pipeline,
			modelOffset:    uint32(uint64(i) * l.modelStride),
			materialOffset: uint32(uint64(i) * l.materialStride),
			vertexCount:    uint32(o.Triangles * 3),
		})
	}

	// (c) single pass, four bind groups.
	pass, err := dev.BeginRenderPass(*frame.Encoder.Get(), platform.RenderPassDesc{
		ColorTarget: frame.ColorView,
		DepthTarget: frame.DepthView,
		ClearColor:  frame.ClearColor,
		ClearDepth:  1,
		Label:       "lit-forward",
	})
	if err != nil {
		return &lanes.ExecutionFailedError{Cause: err}
	}
	pass.SetBindGroup(3, l.lightingGroups[slot])
	replay(pass, l.cmds, l.cameraGroups[slot], l.modelGroups[slot], l.materialGroups[slot])
	pass.End()

	l.frame++
	return nil
}

func (l *LitForwardLane) OnShutdown(ctx *lanes.Context) error {
	if !l.initialized {
		return nil
	}
	_ = l.device.DestroyBuffer(l.cameraBuf)
	_ = l.device.DestroyBuffer(l.modelBuf)
	_ = l.device.DestroyBuffer(l.materialBuf)
	_ = l.device.DestroyBuffer(l.lightingBuf)
	l.initialized = false
	return nil
}
