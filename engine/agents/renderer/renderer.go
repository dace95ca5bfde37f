// Package renderer implements the Renderer ISA: owns the render-lane
// sequence, negotiates time/VRAM options that scale with scene
// complexity, and maps each issued strategy onto a lane selection.
package renderer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ember-engine/ember/engine/lanes"
	"github.com/ember-engine/ember/engine/lanes/render"
	engmodels "github.com/ember-engine/ember/engine/models"
	"github.com/ember-engine/ember/engine/platform"
	"github.com/ember-engine/ember/engine/profiler"
)

// OverrideMode controls whether the renderer honors GORNA-issued budgets
// or a caller-pinned strategy (e.g. a debug build forcing forward-plus).
type OverrideMode int

const (
	Auto OverrideMode = iota
	Explicit
)

// Agent is the Renderer ISA.
type Agent struct {
	mu sync.Mutex

	registry *lanes.Registry
	shadow   lanes.Lane // optional, always precedes the lit main lanes
	device   platform.Device
	window   platform.Window
	profiler *profiler.Profiler // may be nil when timestamp queries are unavailable

	current    engmodels.StrategyId
	timeBudget time.Duration
	override   OverrideMode

	scene      render.Scene
	colorView  platform.ResourceId
	depthView  platform.ResourceId
	clearColor [4]float32

	lastFrameAt    time.Time
	observedFrame  time.Duration
	framesAdvanced uint64
}

// New wires a Renderer agent around a lane registry already populated
// with the unlit, lit-forward, forward-plus and (optionally) shadow-pass
// lanes. prof may be nil.
func New(registry *lanes.Registry, device platform.Device, window platform.Window, prof *profiler.Profiler) *Agent {
	shadow, _ := registry.Lookup("shadow-pass")
	return &Agent{
		registry: registry,
		shadow:   shadow,
		device:   device,
		window:   window,
		profiler: prof,
		current:  engmodels.StrategyId{Kind: engmodels.Balanced},
	}
}

func (a *Agent) ID() engmodels.AgentId { return engmodels.Renderer }

// SubmitScene replaces the extracted scene the next Update renders.
func (a *Agent) SubmitScene(scene render.Scene) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scene = scene
}

// SetTargets points the agent at the frame's color/depth views and clear
// color; the engine calls this after surface (re)configuration.
func (a *Agent) SetTargets(color, depth platform.ResourceId, clear [4]float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.colorView = color
	a.depthView = depth
	a.clearColor = clear
}

// complexityFactor scales the negotiated base costs by recent draw-call
// and light counts.
func complexityFactor(drawCalls, lights int) float32 {
	return 1.0 + float32(drawCalls)*0.0002 + float32(lights)*0.01
}

func (a *Agent) Negotiate(req engmodels.NegotiationRequest) engmodels.NegotiationResponse {
	a.mu.Lock()
	f := complexityFactor(len(a.scene.Objects), len(a.scene.Lights))
	a.mu.Unlock()

	base := []time.Duration{4 * time.Millisecond, 8 * time.Millisecond, 14 * time.Millisecond}
	vram := []uint64{64 << 20, 160 << 20, 320 << 20}
	kinds := []engmodels.StrategyKind{engmodels.LowPower, engmodels.Balanced, engmodels.HighPerformance}

	opts := make([]engmodels.StrategyOption, 0, 3)
	for i, k := range kinds {
		opts = append(opts, engmodels.StrategyOption{
			ID:            engmodels.StrategyId{Kind: k},
			EstimatedTime: time.Duration(float32(base[i]) * f),
			EstimatedVRAM: vram[i],
		})
	}
	return engmodels.NegotiationResponse{Options: opts}
}

func (a *Agent) ApplyBudget(budget engmodels.ResourceBudget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.override == Explicit {
		return
	}
	a.current = budget.StrategyID
	a.timeBudget = budget.TimeLimit
}

// SetOverride pins (or releases) an explicit strategy, bypassing GORNA
// issuance until released back to Auto.
func (a *Agent) SetOverride(mode OverrideMode, strategy engmodels.StrategyId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.override = mode
	if mode == Explicit {
		a.current = strategy
	}
}

// selectedLaneName maps a strategy kind to a lane: LowPower renders
// unlit, HighPerformance forward-plus, Balanced and Custom lit-forward.
func selectedLaneName(kind engmodels.StrategyKind) string {
	switch kind {
	case engmodels.LowPower:
		return "unlit"
	case engmodels.HighPerformance:
		return "forward-plus"
	default:
		return "lit-forward"
	}
}

// Update runs one frame: begins a command encoder, stamps the profiler's
// frame boundaries, drives the shadow pass (when the selected lane is
// lit) and then the selected main lane through a fresh LaneContext, and
// submits. The context is constructed here and dropped at return; the
// encoder travels into the lanes behind a Slot so no lane can retain it.
func (a *Agent) Update(ctx context.Context) error {
	a.mu.Lock()
	laneName := selectedLaneName(a.current.Kind)
	registry := a.registry
	shadow := a.shadow
	dev := a.device
	prof := a.profiler
	scene := a.scene
	colorView, depthView, clearColor := a.colorView, a.depthView, a.clearColor
	a.mu.Unlock()

	lane, ok := registry.Lookup(laneName)
	if !ok || dev == nil {
		return nil
	}

	encoder, err := dev.BeginCommandEncoder()
	if err != nil {
		return wrapDeviceErr(err)
	}
	if prof != nil {
		if err := prof.BeginFramePass(encoder); err != nil {
			return err
		}
	}

	var width, height uint32 = 1280, 720
	if a.window != nil {
		width, height = a.window.InnerSize()
	}

	lc := lanes.NewContext()
	lanes.Put(lc, render.Frame{
		Device:     dev,
		Encoder:    lanes.NewSlot(&encoder),
		ColorView:  colorView,
		DepthView:  depthView,
		ClearColor: clearColor,
		Size:       render.FrameSize{Width: int(width), Height: int(height)},
	})
	lanes.Put(lc, &scene)
	lanes.Put(lc, render.StatsOf(&scene))

	start := time.Now()
	if shadow != nil && laneName != "unlit" {
		if err := shadow.OnInitialize(lc); err != nil {
			return err
		}
		if err := shadow.Execute(lc); err != nil {
			return err
		}
	}
	if err := lane.OnInitialize(lc); err != nil {
		return err
	}
	if err := lane.Execute(lc); err != nil {
		return err
	}

	if prof != nil {
		if err := prof.EndFramePass(encoder); err != nil {
			return err
		}
	}
	cmd, err := dev.FinishEncoder(encoder)
	if err != nil {
		return wrapDeviceErr(err)
	}
	if err := dev.SubmitCommandBuffer(cmd); err != nil {
		return wrapDeviceErr(err)
	}
	if prof != nil {
		prof.EndFrame()
	}

	a.mu.Lock()
	a.observedFrame = time.Since(start)
	a.lastFrameAt = time.Now()
	a.framesAdvanced++
	a.mu.Unlock()
	return nil
}

// ObservedFrameMs reports the profiler's smoothed frame-total time when
// available, else the CPU-side observation from the last Update.
func (a *Agent) ObservedFrameMs() float64 {
	a.mu.Lock()
	prof := a.profiler
	observed := a.observedFrame
	a.mu.Unlock()
	if prof != nil {
		if ms := prof.SmoothFrameTotalMs(); ms > 0 {
			return ms
		}
	}
	return observed.Seconds() * 1000
}

// ReportStatus computes health as min(1, time_limit/observed frame time);
// stalled is reported when frames were advancing but none has landed
// within twice the current budget.
func (a *Agent) ReportStatus() engmodels.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	health := float32(1.0)
	if a.observedFrame > 0 && a.timeBudget > 0 {
		health = float32(a.timeBudget) / float32(a.observedFrame)
		if health > 1.0 {
			health = 1.0
		}
	}
	stalled := a.framesAdvanced > 0 && a.timeBudget > 0 && time.Since(a.lastFrameAt) > 2*a.timeBudget

	return engmodels.AgentStatus{
		AgentID:         engmodels.Renderer,
		HealthScore:     health,
		CurrentStrategy: a.current,
		IsStalled:       stalled,
	}
}

// Execute is a no-op: the renderer does its work on the tactical path in
// Update.
func (a *Agent) Execute(ctx context.Context) error { return nil }

// Shutdown releases every lane's device resources. Call once when the
// graphics device is going away; Update must not run afterwards.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	registry := a.registry
	a.mu.Unlock()
	lc := lanes.NewContext()
	for _, lane := range registry.All() {
		_ = lane.OnShutdown(lc)
	}
}

func (a *Agent) Downcast() any { return a }

// wrapDeviceErr converts a device failure into the render error family:
// a lost device is fatal at the host boundary, anything else skips the
// frame and retries next tick.
func wrapDeviceErr(err error) error {
	if errors.Is(err, platform.ErrDeviceLost) {
		return &render.InitializationError{Detail: "device lost", Cause: err}
	}
	return &render.InternalError{Cause: err}
}
