package render

import (
	"github.com/ember-engine/ember/engine/lanes"
	engmodels "github.com/ember-engine/ember/engine/models"
	"github.com/ember-engine/ember/engine/platform"
)

const ringSlots = 3 // frames in flight

const (
	cameraUniformSize   = 16*4 + 4*4 // view-projection + position/near/far
	modelUniformSize    = 16 * 4
	materialUniformSize = 4 * 4
	maxObjectsPerFrame  = 1024
)

// UnlitLane renders a single pass into the color target with persistent
// camera, per-object model, and material uniform rings. Each ring
// advances once per frame and writes exactly one slot's worth of bytes;
// bind groups are pre-created per slot and bound by dynamic offset for
// model/material, so the hot path performs no allocation.
type UnlitLane struct {
	device platform.Device

	modelStride    uint64
	materialStride uint64

	cameraBuf   platform.ResourceId
	modelBuf    platform.ResourceId
	materialBuf platform.ResourceId

	cameraGroups   [ringSlots]platform.ResourceId
	modelGroups    [ringSlots]platform.ResourceId
	materialGroups [ringSlots]platform.ResourceId

	pipeline platform.ResourceId

	frame       uint64
	initialized bool

	cmds []drawCommand // reused across frames
}

func NewUnlitLane() *UnlitLane { return &UnlitLane{} }

func (l *UnlitLane) StrategyName() string         { return "unlit" }
func (l *UnlitLane) LaneKind() engmodels.LaneKind { return engmodels.LaneRender }

func (l *UnlitLane) EstimateCost(ctx *lanes.Context) float32 {
	stats, err := lanes.Get[SceneStats](ctx)
	if err != nil {
		return 0
	}
	return baseCost(stats, ShaderUnlit)
}

func (l *UnlitLane) OnInitialize(ctx *lanes.Context) error {
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
	if l.cameraBuf, err = dev.CreateBuffer(camSlot*ringSlots, platform.BufferUniform|platform.BufferCopyDst, "unlit-camera-ring"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.modelBuf, err = dev.CreateBuffer(l.modelStride*maxObjectsPerFrame*ringSlots, platform.BufferUniform|platform.BufferCopyDst, "unlit-model-ring"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.materialBuf, err = dev.CreateBuffer(l.materialStride*maxObjectsPerFrame*ringSlots, platform.BufferUniform|platform.BufferCopyDst, "unlit-material-ring"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}

	layout, err := dev.CreateBindGroupLayout("unlit")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	for slot := 0; slot < ringSlots; slot++ {
		if l.cameraGroups[slot], err = dev.CreateBindGroup(layout, []platform.BindGroupEntry{{Binding: 0, Resource: l.cameraBuf}}, "unlit-camera"); err != nil {
			return &lanes.InitializationFailedError{Cause: err}
		}
		if l.modelGroups[slot], err = dev.CreateBindGroup(layout, []platform.BindGroupEntry{{Binding: 0, Resource: l.modelBuf, Size: modelUniformSize}}, "unlit-model"); err != nil {
			return &lanes.InitializationFailedError{Cause: err}
		}
		if l.materialGroups[slot], err = dev.CreateBindGroup(layout, []platform.BindGroupEntry{{Binding: 0, Resource: l.materialBuf, Size: materialUniformSize}}, "unlit-material"); err != nil {
			return &lanes.InitializationFailedError{Cause: err}
		}
	}

	module, err := dev.CreateShaderModule("unlit", "unlit")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	pl, err := dev.CreatePipelineLayout([]platform.ResourceId{layout, layout, layout}, "unlit")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.pipeline, err = dev.CreateRenderPipeline(platform.RenderPipelineDesc{Layout: pl, ShaderModule: module, Label: "unlit"}); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}

	l.device = dev
	l.initialized = true
	return nil
}

// CurrentSlot reports the ring slot the next Execute will write.
func (l *UnlitLane) CurrentSlot() int { return int(l.frame % ringSlots) }

// CurrentCameraBindGroup returns the camera bind group for the slot most
// recently written by Execute.
func (l *UnlitLane) CurrentCameraBindGroup() platform.ResourceId {
	return l.cameraGroups[(l.frame+ringSlots-1)%ringSlots]
}

func (l *UnlitLane) Execute(ctx *lanes.Context) error {
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

	// (a) advance rings, write uniforms.
	align := dev.Limits().MinUniformBufferOffsetAlignment
	camSlot := alignUp(cameraUniformSize, align)
	cam := scene.Camera
	camData := append(floatBytes(cam.ViewProjection[:]...), floatBytes(cam.Position[0], cam.Position[1], cam.Position[2], cam.NearZ)...)
	if err := dev.WriteBuffer(l.cameraBuf, slot*camSlot, camData); err != nil {
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
		mat := floatBytes(float32(o.MaterialIndex), 0, 0, 1)
		if err := dev.WriteBuffer(l.materialBuf, materialBase+uint64(i)*l.materialStride, mat); err != nil {
			return &lanes.ExecutionFailedError{Cause: err}
		}
	}

	// (b) pre-collect draw commands.
	l.cmds = l.cmds[:0]
	for i, o := range objects {
		l.cmds = append(l.cmds, drawCommand{
			pipeline:       l.pipeline,
			modelOffset:    uint32(uint64(i) * l.modelStride),
			materialOffset: uint32(uint64(i) * l.materialStride),
			vertexCount:    uint32(o.Triangles * 3),
		})
	}

	// (c) begin the pass and replay.
	pass, err := dev.BeginRenderPass(*frame.Encoder.Get(), platform.RenderPassDesc{
		ColorTarget: frame.ColorView,
		DepthTarget: frame.DepthView,
		ClearColor:  frame.ClearColor,
		ClearDepth:  1,
		Label:       "unlit",
	})
	if err != nil {
		return &lanes.ExecutionFailedError{Cause: err}
	}
	replay(pass, l.cmds, l.cameraGroups[slot], l.modelGroups[slot], l.materialGroups[slot])
	pass.End()

	l.frame++
	return nil
}

func (l *UnlitLane) OnShutdown(ctx *lanes.Context) error {
	if !l.initialized {
		return nil
	}
	_ = l.device.DestroyBuffer(l.cameraBuf)
	_ = l.device.DestroyBuffer(l.modelBuf)
	_ = l.device.DestroyBuffer(l.materialBuf)
	l.initialized = false
	return nil
}
