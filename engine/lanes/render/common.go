// Package render implements the render lanes: unlit, lit-forward,
// shadow-pass and forward-plus. Each carries the cost model the GORNA
// arbitrator consults via EstimateCost. The unlit and lit-forward lanes
// run each frame in three phases: advance ring buffers and write
// uniforms, pre-collect draw commands into a linear sequence, then begin
// the pass and replay the commands while tracking the last-bound pipeline
// to minimize rebinds. The shadow-pass and forward-plus lanes write their
// buffers and encode their draws directly; they build no command list.
package render

import (
	"math"

	"github.com/ember-engine/ember/engine/lanes"
	"github.com/ember-engine/ember/engine/platform"
)

// Cost-model constants. These are design contracts, not tunables; the
// arbitrator's fitting behavior depends on them staying fixed.
const (
	TriangleCost float32 = 0.001 // ms per triangle
	DrawCallCost float32 = 0.1   // ms per draw call

	LightFactorFwd float32 = 0.05 // forward: 1 + lights*LightFactorFwd
	LightFactorFP  float32 = 0.02 // forward-plus: sqrt(lights)*LightFactorFP
)

// Shader-complexity multipliers.
const (
	ShaderUnlit     float32 = 1.0
	ShaderSimpleLit float32 = 1.5
	ShaderFullPBR   float32 = 2.5
)

// Light-packing caps for the lit-forward uniform buffer.
const (
	MaxDirectional = 4
	MaxPoint       = 16
	MaxSpot        = 8
)

// LightKind discriminates the light types the lanes pack and cull.
type LightKind int

const (
	LightDirectional LightKind = iota
	LightPoint
	LightSpot
)

// Light is one extracted scene light.
type Light struct {
	Kind         LightKind
	Position     [3]float32
	Direction    [3]float32
	Color        [3]float32
	Intensity    float32
	Range        float32
	OuterConeDeg float32
	CastsShadows bool
}

// CameraData is the extracted main-camera state.
type CameraData struct {
	ViewProjection Mat4
	Position       [3]float32
	NearZ, FarZ    float32
}

// Object is one drawable: enough state to cost it and to write its
// model/material uniforms.
type Object struct {
	Triangles     int
	Model         Mat4
	MaterialIndex int
}

// Scene is the per-tick extracted render input a lane reads from the
// LaneContext.
type Scene struct {
	Camera  CameraData
	Objects []Object
	Lights  []Light
}

// SceneStats is the complexity snapshot cost models consume; the
// renderer agent derives it from the extracted scene once per tick.
type SceneStats struct {
	TriangleCount int
	DrawCalls     int
	Lights        int
}

// StatsOf derives SceneStats from an extracted scene.
func StatsOf(s *Scene) SceneStats {
	tris := 0
	for _, o := range s.Objects {
		tris += o.Triangles
	}
	return SceneStats{TriangleCount: tris, DrawCalls: len(s.Objects), Lights: len(s.Lights)}
}

// FrameSize is the surface size in pixels, read by forward-plus to
// compute tile counts.
type FrameSize struct{ Width, Height int }

// Frame carries the per-tick device resources a lane renders with. The
// encoder travels in a Slot because the owning agent keeps the encoder
// alive across the shadow and main passes and the lane must not retain
// it past Execute.
type Frame struct {
	Device     platform.Device
	Encoder    lanes.Slot[platform.ResourceId]
	ColorView  platform.ResourceId
	DepthView  platform.ResourceId
	ClearColor [4]float32
	Size       FrameSize
}

func baseCost(stats SceneStats, shaderMul float32) float32 {
	return float32(stats.TriangleCount)*TriangleCost + float32(stats.DrawCalls)*DrawCallCost*shaderMul
}

// drawCommand is one pre-collected draw: phase (b) fills a slice of
// these, phase (c) replays them into the open pass.
type drawCommand struct {
	pipeline       platform.ResourceId
	modelOffset    uint32
	materialOffset uint32
	vertexCount    uint32
}

// replay binds and draws each command, skipping redundant pipeline
// rebinds. modelGroup/materialGroup are dynamic-offset bind groups.
func replay(pass platform.Pass, cmds []drawCommand, cameraGroup, modelGroup, materialGroup platform.ResourceId) {
	var lastPipeline platform.ResourceId
	pass.SetBindGroup(0, cameraGroup)
	for _, c := range cmds {
		if c.pipeline != lastPipeline {
			pass.SetPipeline(c.pipeline)
			lastPipeline = c.pipeline
		}
		pass.SetBindGroup(1, modelGroup, c.modelOffset)
		pass.SetBindGroup(2, materialGroup, c.materialOffset)
		pass.Draw(c.vertexCount, 1)
	}
}

// alignUp rounds v up to the next multiple of align.
func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// Mat4 is a column-major 4x4 matrix. The control core carries only the
// operations the shadow pass needs; a full math library is out of scope.
type Mat4 [16]float32

// Identity returns the identity matrix.
func Identity() Mat4 {
	return Mat4{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

// Mul returns a*b.
func (a Mat4) Mul(b Mat4) Mat4 {
	var out Mat4
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += a[k*4+row] * b[col*4+k]
			}
			out[col*4+row] = sum
		}
	}
	return out
}

// TransformPoint applies the matrix to a point (w=1) and performs the
// perspective divide.
func (a Mat4) TransformPoint(p [3]float32) [3]float32 {
	x := a[0]*p[0] + a[4]*p[1] + a[8]*p[2] + a[12]
	y := a[1]*p[0] + a[5]*p[1] + a[9]*p[2] + a[13]
	z := a[2]*p[0] + a[6]*p[1] + a[10]*p[2] + a[14]
	w := a[3]*p[0] + a[7]*p[1] + a[11]*p[2] + a[15]
	if w != 0 && w != 1 {
		x, y, z = x/w, y/w, z/w
	}
	return [3]float32{x, y, z}
}

// Orthographic builds an orthographic projection over the given bounds.
func Orthographic(left, right, bottom, top, near, far float32) Mat4 {
	var m Mat4
	m[0] = 2 / (right - left)
	m[5] = 2 / (top - bottom)
	m[10] = 1 / (near - far)
	m[12] = (left + right) / (left - right)
	m[13] = (bottom + top) / (bottom - top)
	m[14] = near / (near - far)
	m[15] = 1
	return m
}

// Perspective builds a perspective projection from a vertical FOV in
// degrees.
func Perspective(fovYDeg, aspect, near, far float32) Mat4 {
	f := float32(1.0 / math.Tan(float64(fovYDeg)*math.Pi/360.0))
	var m Mat4
	m[0] = f / aspect
	m[5] = f
	m[10] = far / (near - far)
	m[11] = -1
	m[14] = near * far / (near - far)
	return m
}

// LookAt builds a view matrix from eye toward target with the given up
// vector.
func LookAt(eye, target, up [3]float32) Mat4 {
	fwd := normalize3(sub3(target, eye))
	right := normalize3(cross3(fwd, up))
	u := cross3(right, fwd)
	var m Mat4
	m[0], m[4], m[8] = right[0], right[1], right[2]
	m[1], m[5], m[9] = u[0], u[1], u[2]
	m[2], m[6], m[10] = -fwd[0], -fwd[1], -fwd[2]
	m[12] = -dot3(right, eye)
	m[13] = -dot3(u, eye)
	m[14] = dot3(fwd, eye)
	m[15] = 1
	return m
}

func sub3(a, b [3]float32) [3]float32 { return [3]float32{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func dot3(a, b [3]float32) float32    { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func cross3(a, b [3]float32) [3]float32 {
	return [3]float32{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize3(v [3]float32) [3]float32 {
	l := float32(math.Sqrt(float64(dot3(v, v))))
	if l == 0 {
		return v
	}
	return [3]float32{v[0] / l, v[1] / l, v[2] / l}
}

// floatBytes serializes float32 values little-endian for write_buffer.
func floatBytes(vals ...float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		bits := math.Float32bits(v)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}
