package platform

import (
	"fmt"
	"sync"
)

// NullDevice satisfies Device without a real graphics backend. Buffers
// hold real bytes so write/copy/map round-trips behave like a mapped
// staging path; timestamps advance a monotonic tick counter so the GPU
// profiler's resolve/read-back pipeline can be driven end to end. It
// exists so lanes and agents can be unit tested and so the engine can
// run headless without a GPU.
type NullDevice struct {
	mu     sync.Mutex
	nextID ResourceId

	buffers  map[ResourceId][]byte
	mapped   map[ResourceId]bool
	textures map[ResourceId]TextureDesc
	other    map[ResourceId]string // views, samplers, shaders, layouts, pipelines, bind groups

	encoders map[ResourceId]*nullEncoder
	pending  []pendingMap

	clock uint64 // synthetic GPU tick counter

	// Recorded activity, readable by tests via Stats.
	draws      int
	dispatches int
	switches   int // pipeline rebinds across all passes
	submits    int
}

type pendingMap struct {
	id ResourceId
	cb func(data []byte, err error)
}

type nullEncoder struct {
	timestamps []uint64
	finished   bool
}

// NullDeviceStats is the activity snapshot tests assert against.
type NullDeviceStats struct {
	Draws            int
	Dispatches       int
	PipelineSwitches int
	Submits          int
	LiveBuffers      int
}

// NewNullDevice returns a ready-to-use NullDevice.
func NewNullDevice() *NullDevice {
	return &NullDevice{
		buffers:  make(map[ResourceId][]byte),
		mapped:   make(map[ResourceId]bool),
		textures: make(map[ResourceId]TextureDesc),
		other:    make(map[ResourceId]string),
		encoders: make(map[ResourceId]*nullEncoder),
	}
}

func (d *NullDevice) alloc() ResourceId {
	d.nextID++
	return d.nextID
}

func unknown(op string, id ResourceId) error {
	return &ResourceError{Op: op, Cause: fmt.Errorf("%w: %d", ErrUnknownResource, id)}
}

// Stats returns the recorded activity counters.
func (d *NullDevice) Stats() NullDeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return NullDeviceStats{
		Draws:            d.draws,
		Dispatches:       d.dispatches,
		PipelineSwitches: d.switches,
		Submits:          d.submits,
		LiveBuffers:      len(d.buffers),
	}
}

func (d *NullDevice) CreateBuffer(sizeBytes uint64, usage BufferUsage, label string) (ResourceId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.alloc()
	d.buffers[id] = make([]byte, sizeBytes)
	return id, nil
}

func (d *NullDevice) DestroyBuffer(id ResourceId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[id]; !ok {
		return unknown("destroy buffer", id)
	}
	delete(d.buffers, id)
	delete(d.mapped, id)
	return nil
}

func (d *NullDevice) CreateTexture(desc TextureDesc) (ResourceId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.alloc()
	d.textures[id] = desc
	return id, nil
}

func (d *NullDevice) DestroyTexture(id ResourceId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[id]; !ok {
		return unknown("destroy texture", id)
	}
	delete(d.textures, id)
	return nil
}

func (d *NullDevice) CreateTextureView(texture ResourceId, label string) (ResourceId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[texture]; !ok {
		return InvalidId, unknown("create texture view", texture)
	}
	id := d.alloc()
	d.other[id] = "view:" + label
	return id, nil
}

func (d *NullDevice) CreateSampler(compare bool, label string) (ResourceId, error) {
	return d.allocOther("sampler:" + label), nil
}

func (d *NullDevice) CreateShaderModule(source, label string) (ResourceId, error) {
	return d.allocOther("shader:" + label), nil
}

func (d *NullDevice) CreateBindGroupLayout(label string) (ResourceId, error) {
	return d.allocOther("bgl:" + label), nil
}

func (d *NullDevice) CreateBindGroup(layout ResourceId, entries []BindGroupEntry, label string) (ResourceId, error) {
	return d.allocOther("bg:" + label), nil
}

func (d *NullDevice) CreatePipelineLayout(bindGroupLayouts []ResourceId, label string) (ResourceId, error) {
	return d.allocOther("pl:" + label), nil
}

func (d *NullDevice) CreateRenderPipeline(desc RenderPipelineDesc) (ResourceId, error) {
	return d.allocOther("pipeline:" + desc.Label), nil
}

func (d *NullDevice) CreateComputePipeline(desc ComputePipelineDesc) (ResourceId, error) {
	return d.allocOther("compute:" + desc.Label), nil
}

func (d *NullDevice) allocOther(label string) ResourceId {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.alloc()
	d.other[id] = label
	return id
}

func (d *NullDevice) WriteBuffer(id ResourceId, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[id]
	if !ok {
		return unknown("write buffer", id)
	}
	if offset+uint64(len(data)) > uint64(len(buf)) {
		return &ResourceError{Op: "write buffer", Cause: fmt.Errorf("write of %d bytes at %d exceeds buffer size %d", len(data), offset, len(buf))}
	}
	copy(buf[offset:], data)
	return nil
}

func (d *NullDevice) WriteTexture(id ResourceId, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[id]; !ok {
		return unknown("write texture", id)
	}
	return nil
}

func (d *NullDevice) BeginCommandEncoder() (ResourceId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.alloc()
	d.encoders[id] = &nullEncoder{}
	return id, nil
}

func (d *NullDevice) BeginRenderPass(encoder ResourceId, desc RenderPassDesc) (Pass, error) {
	return d.beginPass(encoder)
}

func (d *NullDevice) BeginComputePass(encoder ResourceId, label string) (Pass, error) {
	return d.beginPass(encoder)
}

func (d *NullDevice) beginPass(encoder ResourceId) (Pass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	enc, ok := d.encoders[encoder]
	if !ok || enc.finished {
		return nil, unknown("begin pass", encoder)
	}
	return &nullPass{device: d, encoder: enc}, nil
}

func (d *NullDevice) ResolveTimestamps(encoder ResourceId, dst ResourceId, dstOffset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	enc, ok := d.encoders[encoder]
	if !ok {
		return unknown("resolve timestamps", encoder)
	}
	buf, ok := d.buffers[dst]
	if !ok {
		return unknown("resolve timestamps", dst)
	}
	need := dstOffset + uint64(len(enc.timestamps))*8
	if need > uint64(len(buf)) {
		return &ResourceError{Op: "resolve timestamps", Cause: fmt.Errorf("resolve needs %d bytes, buffer has %d", need, len(buf))}
	}
	for i, ts := range enc.timestamps {
		putUint64LE(buf[dstOffset+uint64(i)*8:], ts)
	}
	return nil
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (d *NullDevice) FinishEncoder(encoder ResourceId) (ResourceId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	enc, ok := d.encoders[encoder]
	if !ok || enc.finished {
		return InvalidId, unknown("finish encoder", encoder)
	}
	enc.finished = true
	return encoder, nil
}

func (d *NullDevice) SubmitCommandBuffer(id ResourceId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.encoders[id]; !ok {
		return unknown("submit", id)
	}
	delete(d.encoders, id)
	d.submits++
	return nil
}

func (d *NullDevice) CopyBufferToBuffer(src ResourceId, srcOffset uint64, dst ResourceId, dstOffset, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sb, ok := d.buffers[src]
	if !ok {
		return unknown("copy buffer", src)
	}
	db, ok := d.buffers[dst]
	if !ok {
		return unknown("copy buffer", dst)
	}
	if srcOffset+size > uint64(len(sb)) || dstOffset+size > uint64(len(db)) {
		return &ResourceError{Op: "copy buffer", Cause: fmt.Errorf("copy of %d bytes out of range", size)}
	}
	copy(db[dstOffset:dstOffset+size], sb[srcOffset:srcOffset+size])
	return nil
}

func (d *NullDevice) MapBufferAsync(id ResourceId, callback func(data []byte, err error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[id]; !ok {
		return unknown("map buffer", id)
	}
	if d.mapped[id] {
		return &ResourceError{Op: "map buffer", Cause: fmt.Errorf("buffer %d already mapped", id)}
	}
	d.pending = append(d.pending, pendingMap{id: id, cb: callback})
	return nil
}

func (d *NullDevice) UnmapBuffer(id ResourceId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[id]; !ok {
		return unknown("unmap buffer", id)
	}
	d.mapped[id] = false
	return nil
}

// Poll flushes every pending map callback, which is the null rendition
// of the device timeline catching up. Blocking and non-blocking behave
// identically here since the null timeline is always caught up.
func (d *NullDevice) Poll(blocking bool) {
	d.mu.Lock()
	pend := d.pending
	d.pending = nil
	for _, p := range pend {
		d.mapped[p.id] = true
	}
	d.mu.Unlock()
	for _, p := range pend {
		d.mu.Lock()
		data := append([]byte(nil), d.buffers[p.id]...)
		d.mu.Unlock()
		p.cb(data, nil)
	}
}

func (d *NullDevice) SurfaceFormat() string { return "bgra8-unorm" }

func (d *NullDevice) AdapterInfo() AdapterInfo {
	return AdapterInfo{Name: "null", BackendType: "null", DeviceType: "cpu"}
}

func (d *NullDevice) HasFeature(name string) bool { return name == "timestamp-query" }

func (d *NullDevice) Limits() Limits {
	return Limits{MinUniformBufferOffsetAlignment: 256, TimestampPeriodNs: 1.0}
}

// nullPass records into the shared activity counters and stamps the
// synthetic clock for timestamp queries.
type nullPass struct {
	device  *NullDevice
	encoder *nullEncoder

	lastPipeline ResourceId
	ended        bool
}

func (p *nullPass) SetPipeline(pipeline ResourceId) {
	if pipeline == p.lastPipeline {
		return
	}
	p.lastPipeline = pipeline
	p.device.mu.Lock()
	p.device.switches++
	p.device.mu.Unlock()
}

func (p *nullPass) SetBindGroup(slot uint32, group ResourceId, dynamicOffsets ...uint32) {}

func (p *nullPass) Draw(vertexCount, instanceCount uint32) {
	p.device.mu.Lock()
	p.device.draws++
	p.device.mu.Unlock()
}

func (p *nullPass) Dispatch(x, y, z uint32) {
	p.device.mu.Lock()
	p.device.dispatches++
	p.device.mu.Unlock()
}

func (p *nullPass) WriteTimestamp(querySlot uint32) {
	p.device.mu.Lock()
	p.device.clock += 100 // 100 synthetic ticks between consecutive stamps
	for uint32(len(p.encoder.timestamps)) <= querySlot {
		p.encoder.timestamps = append(p.encoder.timestamps, 0)
	}
	p.encoder.timestamps[querySlot] = p.device.clock
	p.device.mu.Unlock()
}

func (p *nullPass) End() { p.ended = true }

// NullWindow satisfies Window with a fixed client size.
type NullWindow struct {
	Width, Height uint32
}

// NewNullWindow returns a NullWindow of the given size (1280x720 if
// either dimension is zero).
func NewNullWindow(width, height uint32) *NullWindow {
	if width == 0 || height == 0 {
		width, height = 1280, 720
	}
	return &NullWindow{Width: width, Height: height}
}

func (w *NullWindow) InnerSize() (uint32, uint32) { return w.Width, w.Height }
func (w *NullWindow) Handle() uintptr             { return 0 }

// NullShaderStorage resolves every name to a distinct id without ever
// touching a filesystem or asset pack.
type NullShaderStorage struct {
	mu     sync.Mutex
	nextID ResourceId
	names  map[string]ResourceId
}

func NewNullShaderStorage() *NullShaderStorage {
	return &NullShaderStorage{names: make(map[string]ResourceId)}
}

// Load resolves name to a stable id: repeated loads of the same name
// return the same module.
func (s *NullShaderStorage) Load(name string) (ResourceId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.names[name]; ok {
		return id, nil
	}
	s.nextID++
	s.names[name] = s.nextID
	return s.nextID, nil
}
