// Package profiler implements the GPU timestamp profiler that closes the
// adaptive-rendering feedback loop: four timestamps per frame recorded at
// two compute-pass boundaries, resolved into a GPU-side buffer, copied
// into one of three CPU-mappable staging buffers, and mapped two frames
// later so the CPU read-back never blocks on GPU completion.
package profiler

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/ember-engine/ember/engine/platform"
)

// Hook indexes the four timestamp query slots recorded per frame.
type Hook uint32

const (
	FrameStart Hook = iota
	MainPassBegin
	MainPassEnd
	FrameEnd
	hookCount
)

const (
	stagingCount = 3
	emaAlpha     = 0.2
	bufferBytes  = uint64(hookCount) * 8
	mapLatency   = 2 // frames between copy and map_async
)

// Logger is the minimal logging surface the profiler needs; nil disables
// warnings.
type Logger interface {
	Warn(msg string, args ...any)
}

type stagingSlot struct {
	buffer     platform.ResourceId
	ready      atomic.Bool // mapping callback completed, data consumable
	pending    atomic.Bool // map_async issued, callback not yet fired
	frameIndex int64
	data       [hookCount]uint64
}

// Profiler owns the timestamp query pipeline for one device. All methods
// are called from the tick thread; the only cross-thread touch is the
// mapping callback flipping the ready flag, which uses release/acquire
// atomics.
type Profiler struct {
	device   platform.Device
	log      Logger
	periodNs float64

	resolveBuf platform.ResourceId
	staging    [stagingCount]*stagingSlot

	frame int64

	haveSample       bool
	smoothMainPassMs float64
	smoothFrameMs    float64
}

// New creates the profiler's resolve and staging buffers on device. The
// timestamp tick period is taken from the device limits.
func New(device platform.Device, log Logger) (*Profiler, error) {
	p := &Profiler{device: device, log: log, periodNs: device.Limits().TimestampPeriodNs}
	var err error
	if p.resolveBuf, err = device.CreateBuffer(bufferBytes, platform.BufferCopySrc, "gpu-profiler-resolve"); err != nil {
		return nil, err
	}
	for i := range p.staging {
		slot := &stagingSlot{frameIndex: -1}
		if slot.buffer, err = device.CreateBuffer(bufferBytes, platform.BufferCopyDst|platform.BufferMapRead, "gpu-profiler-staging"); err != nil {
			return nil, err
		}
		p.staging[i] = slot
	}
	return p, nil
}

func (p *Profiler) warn(msg string, args ...any) {
	if p.log != nil {
		p.log.Warn(msg, args...)
	}
}

// BeginFramePass opens compute pass A on the encoder, stamping
// FrameStart and MainPassBegin. Call before the frame's main pass.
func (p *Profiler) BeginFramePass(encoder platform.ResourceId) error {
	pass, err := p.device.BeginComputePass(encoder, "gpu-profiler-begin")
	if err != nil {
		return err
	}
	pass.WriteTimestamp(uint32(FrameStart))
	pass.WriteTimestamp(uint32(MainPassBegin))
	pass.End()
	return nil
}

// EndFramePass opens compute pass B, stamping MainPassEnd and FrameEnd,
// then resolves the query set into the GPU resolve buffer and copies it
// into this frame's staging slot. If that slot is still pending or
// unconsumed from a previous use, the copy is skipped and a warning is
// logged; correctness over throughput under unusual GPU stalls.
func (p *Profiler) EndFramePass(encoder platform.ResourceId) error {
	pass, err := p.device.BeginComputePass(encoder, "gpu-profiler-end")
	if err != nil {
		return err
	}
	pass.WriteTimestamp(uint32(MainPassEnd))
	pass.WriteTimestamp(uint32(FrameEnd))
	pass.End()

	if err := p.device.ResolveTimestamps(encoder, p.resolveBuf, 0); err != nil {
		return err
	}

	slot := p.staging[p.frame%stagingCount]
	if slot.pending.Load() || slot.ready.Load() {
		p.warn("gpu profiler: staging slot busy, skipping copy", "frame", p.frame)
		return nil
	}
	if err := p.device.CopyBufferToBuffer(p.resolveBuf, 0, slot.buffer, 0, bufferBytes); err != nil {
		return err
	}
	slot.frameIndex = p.frame
	return nil
}

// EndFrame schedules the read-back for the frame finished two frames
// ago, then advances the frame counter. The staging slot written at
// frame N is mapped at the end of frame N+2, so the GPU has two full
// frames to complete the copy before the CPU asks for it.
func (p *Profiler) EndFrame() {
	target := p.frame - mapLatency
	if target >= 0 {
		slot := p.staging[target%stagingCount]
		if slot.frameIndex == target && !slot.pending.Load() && !slot.ready.Load() {
			slot.pending.Store(true)
			err := p.device.MapBufferAsync(slot.buffer, func(data []byte, err error) {
				if err != nil {
					slot.pending.Store(false)
					return
				}
				for h := Hook(0); h < hookCount; h++ {
					slot.data[h] = binary.LittleEndian.Uint64(data[h*8:])
				}
				slot.pending.Store(false)
				slot.ready.Store(true)
			})
			if err != nil {
				slot.pending.Store(false)
				p.warn("gpu profiler: map_async failed", "frame", target, "err", err)
			}
		} else if slot.frameIndex == target {
			p.warn("gpu profiler: staging slot still in flight, skipping map", "frame", target)
		}
	}
	p.frame++
}

// Poll consumes every staging slot whose mapping callback has fired,
// folding the extracted durations into the EMA-smoothed outputs and
// unmapping the buffer for reuse. Call once per frame's pre-work, after
// the device's own poll.
func (p *Profiler) Poll() {
	for _, slot := range p.staging {
		if !slot.ready.Load() {
			continue
		}
		mainPassMs := p.toMillis(slot.data[MainPassEnd] - slot.data[MainPassBegin])
		frameMs := p.toMillis(slot.data[FrameEnd] - slot.data[FrameStart])

		if !p.haveSample {
			p.smoothMainPassMs = mainPassMs
			p.smoothFrameMs = frameMs
			p.haveSample = true
		} else {
			p.smoothMainPassMs = emaAlpha*mainPassMs + (1-emaAlpha)*p.smoothMainPassMs
			p.smoothFrameMs = emaAlpha*frameMs + (1-emaAlpha)*p.smoothFrameMs
		}
		_ = p.device.UnmapBuffer(slot.buffer)
		slot.frameIndex = -1
		slot.ready.Store(false)
	}
}

func (p *Profiler) toMillis(ticks uint64) float64 {
	return float64(ticks) * p.periodNs / 1e6
}

// SmoothMainPassMs returns the EMA-smoothed main-pass duration in
// milliseconds, or 0 until a valid frame has been read.
func (p *Profiler) SmoothMainPassMs() float64 {
	if !p.haveSample {
		return 0
	}
	return p.smoothMainPassMs
}

// SmoothFrameTotalMs returns the EMA-smoothed total frame duration in
// milliseconds, or 0 until a valid frame has been read.
func (p *Profiler) SmoothFrameTotalMs() float64 {
	if !p.haveSample {
		return 0
	}
	return p.smoothFrameMs
}

// Shutdown blocks on the device until in-flight work completes, unmaps
// any still-mapped staging buffers, and releases the profiler's buffers.
func (p *Profiler) Shutdown() {
	p.device.Poll(true)
	for _, slot := range p.staging {
		if slot.ready.Load() || slot.pending.Load() {
			_ = p.device.UnmapBuffer(slot.buffer)
			slot.ready.Store(false)
			slot.pending.Store(false)
		}
		_ = p.device.DestroyBuffer(slot.buffer)
	}
	_ = p.device.DestroyBuffer(p.resolveBuf)
}
