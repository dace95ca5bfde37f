// Package platform defines the narrow boundary the control core crosses
// to reach real hardware: a graphics-device capability, a window/surface
// capability, and shader program storage. Concrete backends (wgpu,
// Vulkan, a windowing toolkit) implement these interfaces outside this
// module; platform also ships null implementations so lanes, the
// profiler, and the engine can run headless without a GPU.
package platform

import "errors"

// ResourceId is an opaque handle for any device-owned resource (buffer,
// texture, view, sampler, shader module, pipeline, bind group, encoder,
// command buffer). Invalid ids surface as ResourceError rather than
// panicking.
type ResourceId uint64

// InvalidId is the zero ResourceId; no valid resource ever carries it.
const InvalidId ResourceId = 0

// ResourceError wraps a backend-specific failure from a graphics
// resource operation. Non-fatal at the frame level unless the device
// itself is lost.
type ResourceError struct {
	Op    string
	Cause error
}

func (e *ResourceError) Error() string { return "platform: " + e.Op + ": " + e.Cause.Error() }
func (e *ResourceError) Unwrap() error { return e.Cause }

// ErrDeviceLost indicates the graphics device itself is gone; callers
// must treat this as an unrecoverable initialization failure at the host
// boundary rather than retry locally.
var ErrDeviceLost = errors.New("platform: device lost")

// ErrUnknownResource is wrapped by ResourceError when an operation names
// an id the device never issued (or already destroyed).
var ErrUnknownResource = errors.New("unknown resource id")

// AdapterInfo is the backend-neutral adapter query result.
type AdapterInfo struct {
	Name        string
	BackendType string
	DeviceType  string
}

// Limits carries the device limits the core consults: uniform-offset
// alignment for the dynamic-offset rings and the timestamp tick period
// for the GPU profiler.
type Limits struct {
	MinUniformBufferOffsetAlignment uint64
	TimestampPeriodNs               float64
}

// BufferUsage describes what a buffer will be bound as. Backends may
// validate against it; the null device only records it.
type BufferUsage uint32

const (
	BufferUniform BufferUsage = 1 << iota
	BufferStorage
	BufferCopySrc
	BufferCopyDst
	BufferMapRead
)

// TextureDesc describes a texture creation request. Layers > 1 yields a
// 2D array texture (the shadow atlas uses this).
type TextureDesc struct {
	Width, Height uint32
	Layers        uint32
	Format        string
	DepthStencil  bool
	Label         string
}

// RenderPipelineDesc is the reduced pipeline description the core needs;
// a real backend expands it into full vertex/fragment state.
type RenderPipelineDesc struct {
	Layout       ResourceId
	ShaderModule ResourceId
	Label        string
}

// ComputePipelineDesc mirrors RenderPipelineDesc for compute.
type ComputePipelineDesc struct {
	Layout       ResourceId
	ShaderModule ResourceId
	Label        string
}

// BindGroupEntry binds one resource at one binding slot.
type BindGroupEntry struct {
	Binding  uint32
	Resource ResourceId
	// Size > 0 marks a dynamic-offset uniform binding of that many bytes.
	Size uint64
}

// RenderPassDesc names the attachments for one render pass.
type RenderPassDesc struct {
	ColorTarget ResourceId // a texture view; InvalidId for depth-only passes
	DepthTarget ResourceId
	ClearColor  [4]float32
	ClearDepth  float32
	Label       string
}

// Pass is an open render or compute pass on a command encoder. All
// methods record; nothing executes until the encoder is finished and
// submitted.
type Pass interface {
	SetPipeline(pipeline ResourceId)
	SetBindGroup(slot uint32, group ResourceId, dynamicOffsets ...uint32)
	Draw(vertexCount, instanceCount uint32)
	Dispatch(x, y, z uint32)
	WriteTimestamp(querySlot uint32)
	End()
}

// Device is the graphics-device capability boundary. Every create call
// returns an opaque ResourceId; operations on unknown ids return a
// ResourceError wrapping ErrUnknownResource.
type Device interface {
	CreateBuffer(sizeBytes uint64, usage BufferUsage, label string) (ResourceId, error)
	DestroyBuffer(id ResourceId) error
	CreateTexture(desc TextureDesc) (ResourceId, error)
	DestroyTexture(id ResourceId) error
	CreateTextureView(texture ResourceId, label string) (ResourceId, error)
	CreateSampler(compare bool, label string) (ResourceId, error)
	CreateShaderModule(source, label string) (ResourceId, error)
	CreateBindGroupLayout(label string) (ResourceId, error)
	CreateBindGroup(layout ResourceId, entries []BindGroupEntry, label string) (ResourceId, error)
	CreatePipelineLayout(bindGroupLayouts []ResourceId, label string) (ResourceId, error)
	CreateRenderPipeline(desc RenderPipelineDesc) (ResourceId, error)
	CreateComputePipeline(desc ComputePipelineDesc) (ResourceId, error)

	WriteBuffer(id ResourceId, offset uint64, data []byte) error
	WriteTexture(id ResourceId, data []byte) error

	BeginCommandEncoder() (ResourceId, error)
	BeginRenderPass(encoder ResourceId, desc RenderPassDesc) (Pass, error)
	BeginComputePass(encoder ResourceId, label string) (Pass, error)
	// ResolveTimestamps serializes the encoder's recorded timestamp
	// queries (little-endian uint64 ticks) into dst at dstOffset.
	ResolveTimestamps(encoder ResourceId, dst ResourceId, dstOffset uint64) error
	FinishEncoder(encoder ResourceId) (ResourceId, error)
	SubmitCommandBuffer(id ResourceId) error

	CopyBufferToBuffer(src ResourceId, srcOffset uint64, dst ResourceId, dstOffset, size uint64) error
	// MapBufferAsync schedules a read-back of a mappable buffer. The
	// callback fires from Poll once the copy has completed on the device
	// timeline, never synchronously from MapBufferAsync itself.
	MapBufferAsync(id ResourceId, callback func(data []byte, err error)) error
	UnmapBuffer(id ResourceId) error

	Poll(blocking bool)
	SurfaceFormat() string
	AdapterInfo() AdapterInfo
	HasFeature(name string) bool
	Limits() Limits
}

// Window is the window/surface capability boundary: a size query plus a
// handle token. Concrete windowing toolkits translate native events into
// InputEvent before they reach the core.
type Window interface {
	InnerSize() (width, height uint32)
	Handle() uintptr
}

// InputEventKind enumerates the backend-neutral input events the core
// consumes.
type InputEventKind string

const (
	KeyPressed          InputEventKind = "key_pressed"
	KeyReleased         InputEventKind = "key_released"
	MouseButtonPressed  InputEventKind = "mouse_button_pressed"
	MouseButtonReleased InputEventKind = "mouse_button_released"
	MouseMoved          InputEventKind = "mouse_moved"
	MouseWheelScrolled  InputEventKind = "mouse_wheel_scrolled"
)

// InputEvent is one translated input event; exactly one field group is
// meaningful per Kind.
type InputEvent struct {
	Kind   InputEventKind
	Code   int
	Button int
	X, Y   float64
	DX, DY float64
}

// ShaderStorage is the shader-program-storage capability: lanes fetch
// source by stable string name and receive an opaque module id. The core
// does not specify a shader language.
type ShaderStorage interface {
	Load(name string) (ResourceId, error)
}
