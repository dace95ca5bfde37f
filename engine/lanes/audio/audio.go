// Package audio implements the spatial mixing lane and its cheaper
// pan+volume fallback.
package audio

import (
	"math"

	"github.com/ember-engine/ember/engine/lanes"
	engmodels "github.com/ember-engine/ember/engine/models"
)

// Vec3 mirrors the minimal vector the physics lanes use; audio needs
// only enough of it to express listener-relative direction.
type Vec3 struct{ X, Y, Z float64 }

func (a Vec3) Sub(b Vec3) Vec3   { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
func (a Vec3) Dot(b Vec3) float64 { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func (a Vec3) Length() float64   { return math.Sqrt(a.Dot(a)) }
func (a Vec3) Normalized() Vec3 {
	l := a.Length()
	if l == 0 {
		return a
	}
	return Vec3{a.X / l, a.Y / l, a.Z / l}
}

// Listener is the spatial reference point audio sources are mixed
// against.
type Listener struct {
	Position Vec3
	Right    Vec3 // normalized right vector, for equal-power panning
}

// Source is one playing audio source.
type Source struct {
	Position       Vec3
	SampleRate     int
	Samples        []float64
	Cursor         float64
	Looping        bool
	Finished       bool
}

// Mix is the shared input/output buffer the lanes read sources from and
// write the mixed signal into.
type Mix struct {
	Listener       *Listener // nil if no listener exists this tick
	Sources        []*Source
	OutputSampleRate int
	Output         []float64
}

const referenceDistance = 1.0

func attenuation(distance float64) float64 {
	if distance < referenceDistance {
		distance = referenceDistance
	}
	return referenceDistance / (distance * distance)
}

// SpatialMixerLane mixes every source into the output buffer with
// inverse-square attenuation and equal-power panning resolved from the
// listener, linear-interpolated resampling, and a final [-1,1] limiter.
type SpatialMixerLane struct{}

func NewSpatialMixerLane() *SpatialMixerLane { return &SpatialMixerLane{} }

func (l *SpatialMixerLane) StrategyName() string        { return "spatial-mixer" }
func (l *SpatialMixerLane) LaneKind() engmodels.LaneKind { return engmodels.LaneAudio }

func (l *SpatialMixerLane) EstimateCost(ctx *lanes.Context) float32 {
	mix, err := lanes.Get[*Mix](ctx)
	if err != nil {
		return 0
	}
	return float32(len(mix.Sources)) * 0.02
}

func (l *SpatialMixerLane) OnInitialize(ctx *lanes.Context) error { return nil }

func (l *SpatialMixerLane) Execute(ctx *lanes.Context) error {
	mix, err := lanes.Get[*Mix](ctx)
	if err != nil {
		return err
	}
	mixSources(mix, true)
	return nil
}

func (l *SpatialMixerLane) OnShutdown(ctx *lanes.Context) error { return nil }

// PanVolumeLane is the cheaper fallback: a flat volume with a static
// pan, no distance attenuation, used under LowPower budgets.
type PanVolumeLane struct{}

func NewPanVolumeLane() *PanVolumeLane { return &PanVolumeLane{} }

func (l *PanVolumeLane) StrategyName() string        { return "pan-volume" }
func (l *PanVolumeLane) LaneKind() engmodels.LaneKind { return engmodels.LaneAudio }

func (l *PanVolumeLane) EstimateCost(ctx *lanes.Context) float32 {
	mix, err := lanes.Get[*Mix](ctx)
	if err != nil {
		return 0
	}
	return float32(len(mix.Sources)) * 0.006
}

func (l *PanVolumeLane) OnInitialize(ctx *lanes.Context) error { return nil }

func (l *PanVolumeLane) Execute(ctx *lanes.Context) error {
	mix, err := lanes.Get[*Mix](ctx)
	if err != nil {
		return err
	}
	mixSources(mix, false)
	return nil
}

func (l *PanVolumeLane) OnShutdown(ctx *lanes.Context) error { return nil }

func mixSources(mix *Mix, spatial bool) {
	if len(mix.Output) == 0 {
		return
	}
	for i := range mix.Output {
		mix.Output[i] = 0
	}
	for _, src := range mix.Sources {
		if src.Finished {
			continue
		}
		volume, pan := 1.0, 0.0
		if spatial && mix.Listener != nil {
			toSource := src.Position.Sub(mix.Listener.Position)
			volume = attenuation(toSource.Length())
			if dir := toSource.Normalized(); dir.Length() > 0 {
				pan = dir.Dot(mix.Listener.Right)
			}
		}
		ratio := float64(src.SampleRate) / float64(mix.OutputSampleRate)
		leftGain := volume * (1 - (pan+1)/2)
		rightGain := volume * ((pan + 1) / 2)
		if spatial && mix.Listener != nil {
			// Equal-power law: left² + right² stays volume² across the pan range.
			theta := (pan + 1) * math.Pi / 4
			leftGain, rightGain = volume*math.Cos(theta), volume*math.Sin(theta)
		}
		for i := range mix.Output {
			idx := src.Cursor + float64(i)*ratio
			sample := sampleLinear(src.Samples, idx, src.Looping)
			gain := leftGain
			if i%2 == 1 {
				gain = rightGain
			}
			mix.Output[i] += sample * gain
		}
		src.Cursor += float64(len(mix.Output)) * ratio
		if !src.Looping && src.Cursor >= float64(len(src.Samples)) {
			src.Finished = true
		}
		if src.Looping && len(src.Samples) > 0 {
			src.Cursor = math.Mod(src.Cursor, float64(len(src.Samples)))
		}
	}
	for i, v := range mix.Output {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		mix.Output[i] = v
	}
}

func sampleLinear(samples []float64, idx float64, looping bool) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	i0 := int(math.Floor(idx))
	frac := idx - float64(i0)
	i1 := i0 + 1
	if looping {
		i0 = ((i0 % n) + n) % n
		i1 = ((i1 % n) + n) % n
	} else {
		if i0 < 0 || i0 >= n {
			return 0
		}
		if i1 >= n {
			i1 = n - 1
		}
	}
	return samples[i0]*(1-frac) + samples[i1]*frac
}
