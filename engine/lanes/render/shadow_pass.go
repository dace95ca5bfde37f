package render

import (
	"github.com/ember-engine/ember/engine/lanes"
	engmodels "github.com/ember-engine/ember/engine/models"
	"github.com/ember-engine/ember/engine/platform"
)

// ShadowAtlasSize is the per-layer resolution of the 2D array depth
// texture the shadow pass renders into.
const ShadowAtlasSize = 2048

// shadowAtlasLayers bounds how many atlas layers one frame may consume:
// enough for every directional and spot cap plus one point light's six
// reserved faces.
const shadowAtlasLayers = MaxDirectional + MaxSpot + 6

// directionalPadding extends the fitted orthographic volume along the
// light direction so casters behind the visible frustum still shadow it.
const directionalPadding float32 = 50

// ShadowAssignment is what the shadow pass hands to the following
// lit/forward-plus pass for one shadow-casting light: the projection it
// was rendered with and the atlas layer its depth lives in.
type ShadowAssignment struct {
	ViewProjection Mat4
	AtlasIndex     int
}

// ShadowPassLane computes per-light shadow projections and renders
// caster depth into a shared 2D array atlas. It always precedes the main
// lit/forward-plus pass when any light casts shadows. Directional lights
// fit the main camera's world-space frustum corners in the light's view
// basis under an orthographic projection padded along the light
// direction; spot lights use a perspective projection whose FOV is twice
// the outer cone angle; point lights reserve six cubemap faces, which a
// minimal core allocates but does not populate.
type ShadowPassLane struct {
	device platform.Device

	atlas        platform.ResourceId
	atlasViews   [shadowAtlasLayers]platform.ResourceId
	sampler      platform.ResourceId
	pipeline     platform.ResourceId
	casterGroups [ringSlots]platform.ResourceId
	casterBuf    platform.ResourceId
	casterStride uint64

	frame       uint64
	initialized bool

	lastAssignments []ShadowAssignment
}

func NewShadowPassLane() *ShadowPassLane { return &ShadowPassLane{} }

func (l *ShadowPassLane) StrategyName() string         { return "shadow-pass" }
func (l *ShadowPassLane) LaneKind() engmodels.LaneKind { return engmodels.LaneShadow }

// EstimateCost charges each shadow-casting light as an extra pass over
// the scene's draw calls; point lights cost six faces.
func (l *ShadowPassLane) EstimateCost(ctx *lanes.Context) float32 {
	scene, err := lanes.Get[*Scene](ctx)
	if err != nil {
		return 0
	}
	passes := 0
	for _, lt := range scene.Lights {
		if !lt.CastsShadows {
			continue
		}
		if lt.Kind == LightPoint {
			passes += 6
		} else {
			passes++
		}
	}
	return float32(passes) * float32(len(scene.Objects)) * DrawCallCost
}

func (l *ShadowPassLane) OnInitialize(ctx *lanes.Context) error {
	if l.initialized {
		return nil
	}
	frame, err := lanes.Get[Frame](ctx)
	if err != nil {
		return err
	}
	dev := frame.Device

	if l.atlas, err = dev.CreateTexture(platform.TextureDesc{
		Width: ShadowAtlasSize, Height: ShadowAtlasSize,
		Layers: shadowAtlasLayers, Format: "depth32float", DepthStencil: true,
		Label: "shadow-atlas",
	}); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	for i := 0; i < shadowAtlasLayers; i++ {
		if l.atlasViews[i], err = dev.CreateTextureView(l.atlas, "shadow-atlas-layer"); err != nil {
			return &lanes.InitializationFailedError{Cause: err}
		}
	}
	if l.sampler, err = dev.CreateSampler(true, "shadow-compare"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}

	align := dev.Limits().MinUniformBufferOffsetAlignment
	l.casterStride = alignUp(16*4, align) // one view-projection per caster
	if l.casterBuf, err = dev.CreateBuffer(l.casterStride*shadowAtlasLayers*ringSlots, platform.BufferUniform|platform.BufferCopyDst, "shadow-caster-ring"); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	layout, err := dev.CreateBindGroupLayout("shadow")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	for slot := 0; slot < ringSlots; slot++ {
		if l.casterGroups[slot], err = dev.CreateBindGroup(layout, []platform.BindGroupEntry{{Binding: 0, Resource: l.casterBuf, Size: 16 * 4}}, "shadow-caster"); err != nil {
			return &lanes.InitializationFailedError{Cause: err}
		}
	}

	module, err := dev.CreateShaderModule("shadow_depth", "shadow")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	pl, err := dev.CreatePipelineLayout([]platform.ResourceId{layout}, "shadow")
	if err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}
	if l.pipeline, err = dev.CreateRenderPipeline(platform.RenderPipelineDesc{Layout: pl, ShaderModule: module, Label: "shadow"}); err != nil {
		return &lanes.InitializationFailedError{Cause: err}
	}

	l.device = dev
	l.initialized = true
	return nil
}

func (l *ShadowPassLane) Execute(ctx *lanes.Context) error {
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

	corners := frustumCorners(scene.Camera.ViewProjection)

	assignments := l.lastAssignments[:0]
	atlasIndex := 0
	for _, lt := range scene.Lights {
		if !lt.CastsShadows || atlasIndex >= shadowAtlasLayers {
			continue
		}
		switch lt.Kind {
		case LightDirectional:
			vp := directionalShadowProjection(lt.Direction, corners)
			assignments = append(assignments, ShadowAssignment{ViewProjection: vp, AtlasIndex: atlasIndex})
			atlasIndex++
		case LightSpot:
			view := LookAt(lt.Position, addScaled(lt.Position, lt.Direction, 1), [3]float32{0, 1, 0})
			proj := Perspective(2*lt.OuterConeDeg, 1, 0.1, maxf(lt.Range, 1))
			assignments = append(assignments, ShadowAssignment{ViewProjection: proj.Mul(view), AtlasIndex: atlasIndex})
			atlasIndex++
		case LightPoint:
			// Six cubemap faces reserved; the minimal core assigns the
			// layers without rendering them.
			assignments = append(assignments, ShadowAssignment{AtlasIndex: atlasIndex})
			atlasIndex += 6
		}
	}
	l.lastAssignments = assignments

	// One depth-only pass per directional or spot assignment, replaying
	// the scene's casters.
	base := slot * l.casterStride * shadowAtlasLayers
	for i, a := range assignments {
		if err := dev.WriteBuffer(l.casterBuf, base+uint64(i)*l.casterStride, floatBytes(a.ViewProjection[:]...)); err != nil {
			return &lanes.ExecutionFailedError{Cause: err}
		}
		// Point-light assignments carry no projection; their reserved
		// layers are left unrendered.
		if a.AtlasIndex >= shadowAtlasLayers || a.ViewProjection == (Mat4{}) {
			continue
		}
		pass, err := dev.BeginRenderPass(*frame.Encoder.Get(), platform.RenderPassDesc{
			DepthTarget: l.atlasViews[a.AtlasIndex],
			ClearDepth:  1,
			Label:       "shadow-pass",
		})
		if err != nil {
			return &lanes.ExecutionFailedError{Cause: err}
		}
		pass.SetPipeline(l.pipeline)
		pass.SetBindGroup(0, l.casterGroups[slot], uint32(uint64(i)*l.casterStride))
		for _, o := range scene.Objects {
			pass.Draw(uint32(o.Triangles*3), 1)
		}
		pass.End()
	}

	// Patch the assignments back for the following lit/forward-plus pass.
	lanes.Put(ctx, append([]ShadowAssignment(nil), assignments...))
	l.frame++
	return nil
}

func (l *ShadowPassLane) OnShutdown(ctx *lanes.Context) error {
	if !l.initialized {
		return nil
	}
	_ = l.device.DestroyBuffer(l.casterBuf)
	_ = l.device.DestroyTexture(l.atlas)
	l.initialized = false
	return nil
}

// Assignments returns the most recently computed shadow assignments.
func (l *ShadowPassLane) Assignments() []ShadowAssignment { return l.lastAssignments }

// frustumCorners unprojects the eight NDC cube corners through the
// inverse of the camera's view-projection into world space.
func frustumCorners(viewProjection Mat4) [8][3]float32 {
	inv := invert(viewProjection)
	var out [8][3]float32
	i := 0
	for _, x := range [2]float32{-1, 1} {
		for _, y := range [2]float32{-1, 1} {
			for _, z := range [2]float32{0, 1} {
				out[i] = inv.TransformPoint([3]float32{x, y, z})
				i++
			}
		}
	}
	return out
}

// directionalShadowProjection fits the frustum corners in the light's
// view basis and builds an orthographic projection padded along the
// light direction.
func directionalShadowProjection(direction [3]float32, corners [8][3]float32) Mat4 {
	dir := normalize3(direction)
	up := [3]float32{0, 1, 0}
	if absf(dot3(dir, up)) > 0.99 {
		up = [3]float32{1, 0, 0}
	}
	center := [3]float32{}
	for _, c := range corners {
		center[0] += c[0] / 8
		center[1] += c[1] / 8
		center[2] += c[2] / 8
	}
	view := LookAt(center, addScaled(center, dir, 1), up)

	first := view.TransformPoint(corners[0])
	min, max := first, first
	for _, c := range corners[1:] {
		p := view.TransformPoint(c)
		for i := 0; i < 3; i++ {
			if p[i] < min[i] {
				min[i] = p[i]
			}
			if p[i] > max[i] {
				max[i] = p[i]
			}
		}
	}
	// View space looks down -Z: near/far come from the Z extent, padded
	// toward the light so off-screen casters are kept.
	near := -max[2] - directionalPadding
	far := -min[2] + directionalPadding
	proj := Orthographic(min[0], max[0], min[1], max[1], near, far)
	return proj.Mul(view)
}

func addScaled(p, d [3]float32, s float32) [3]float32 {
	return [3]float32{p[0] + d[0]*s, p[1] + d[1]*s, p[2] + d[2]*s}
}

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// invert computes a general 4x4 inverse via the adjugate; returns
// identity for singular input (a degenerate camera) so the shadow fit
// degrades instead of producing NaNs.
func invert(m Mat4) Mat4 {
	var inv Mat4

	inv[0] = m[5]*m[10]*m[15] - m[5]*m[11]*m[14] - m[9]*m[6]*m[15] +
		m[9]*m[7]*m[14] + m[13]*m[6]*m[11] - m[13]*m[7]*m[10]
	inv[4] = -m[4]*m[10]*m[15] + m[4]*m[11]*m[14] + m[8]*m[6]*m[15] -
		m[8]*m[7]*m[14] - m[12]*m[6]*m[11] + m[12]*m[7]*m[10]
	inv[8] = m[4]*m[9]*m[15] - m[4]*m[11]*m[13] - m[8]*m[5]*m[15] +
		m[8]*m[7]*m[13] + m[12]*m[5]*m[11] - m[12]*m[7]*m[9]
	inv[12] = -m[4]*m[9]*m[14] + m[4]*m[10]*m[13] + m[8]*m[5]*m[14] -
		m[8]*m[6]*m[13] - m[12]*m[5]*m[10] + m[12]*m[6]*m[9]
	inv[1] = -m[1]*m[10]*m[15] + m[1]*m[11]*m[14] + m[9]*m[2]*m[15] -
		m[9]*m[3]*m[14] - m[13]*m[2]*m[11] + m[13]*m[3]*m[10]
	inv[5] = m[0]*m[10]*m[15] - m[0]*m[11]*m[14] - m[8]*m[2]*m[15] +
		m[8]*m[3]*m[14] + m[12]*m[2]*m[11] - m[12]*m[3]*m[10]
	inv[9] = -m[0]*m[9]*m[15] + m[0]*m[11]*m[13] + m[8]*m[1]*m[15] -
		m[8]*m[3]*m[13] - m[12]*m[1]*m[11] + m[12]*m[3]*m[9]
	inv[13] = m[0]*m[9]*m[14] - m[0]*m[10]*m[13] - m[8]*m[1]*m[14] +
		m[8]*m[2]*m[13] + m[12]*m[1]*m[10] - m[12]*m[2]*m[9]
	inv[2] = m[1]*m[6]*m[15] - m[1]*m[7]*m[14] - m[5]*m[2]*m[15] +
		m[5]*m[3]*m[14] + m[13]*m[2]*m[7] - m[13]*m[3]*m[6]
	inv[6] = -m[0]*m[6]*m[15] + m[0]*m[7]*m[14] + m[4]*m[2]*m[15] -
		m[4]*m[3]*m[14] - m[12]*m[2]*m[7] + m[12]*m[3]*m[6]
	inv[10] = m[0]*m[5]*m[15] - m[0]*m[7]*m[13] - m[4]*m[1]*m[15] +
		m[4]*m[3]*m[13] + m[12]*m[1]*m[7] - m[12]*m[3]*m[5]
	inv[14] = -m[0]*m[5]*m[14] + m[0]*m[6]*m[13] + m[4]*m[1]*m[14] -
		m[4]*m[2]*m[13] - m[12]*m[1]*m[6] + m[12]*m[2]*m[5]
	inv[3] = -m[1]*m[6]*m[11] + m[1]*m[7]*m[10] + m[5]*m[2]*m[11] -
		m[5]*m[3]*m[10] - m[9]*m[2]*m[7] + m[9]*m[3]*m[6]
	inv[7] = m[0]*m[6]*m[11] - m[0]*m[7]*m[10] - m[4]*m[2]*m[11] +
		m[4]*m[3]*m[10] + m[8]*m[2]*m[7] - m[8]*m[3]*m[6]
	inv[11] = -m[0]*m[5]*m[11] + m[0]*m[7]*m[9] + m[4]*m[1]*m[11] -
		m[4]*m[3]*m[9] - m[8]*m[1]*m[7] + m[8]*m[3]*m[5]
	inv[15] = m[0]*m[5]*m[10] - m[0]*m[6]*m[9] - m[4]*m[1]*m[10] +
		m[4]*m[2]*m[9] + m[8]*m[1]*m[6] - m[8]*m[2]*m[5]

	det := m[0]*inv[0] + m[1]*inv[4] + m[2]*inv[8] + m[3]*inv[12]
	if det == 0 {
		return Identity()
	}
	for i := range inv {
		inv[i] /= det
	}
	return inv
}
