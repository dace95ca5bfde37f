// Package physics implements the broadphase and sequential-impulse
// solver lanes, plus a debug variant that runs the same pipeline with
// contact data retained for inspection.
package physics

import (
	"math"
	"time"

	"github.com/ember-engine/ember/engine/lanes"
	engmodels "github.com/ember-engine/ember/engine/models"
)

// Vec3 is a minimal 3-vector; the control core does not depend on a
// full math library since it only needs enough to express the solver's
// contract, not a production-grade physics backend.
type Vec3 struct{ X, Y, Z float64 }

func (a Vec3) Add(b Vec3) Vec3     { return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }
func (a Vec3) Scale(s float64) Vec3 { return Vec3{a.X * s, a.Y * s, a.Z * s} }
func (a Vec3) Sub(b Vec3) Vec3      { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
func (a Vec3) Dot(b Vec3) float64   { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func (a Vec3) Length() float64      { return math.Sqrt(a.Dot(a)) }

// Quat is a unit quaternion (w, x, y, z) carrying a body's orientation.
type Quat struct{ W, X, Y, Z float64 }

// IdentityQuat is the no-rotation orientation.
func IdentityQuat() Quat { return Quat{W: 1} }

// mul returns q*r (apply r, then q).
func (q Quat) mul(r Quat) Quat {
	return Quat{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

func (q Quat) normalized() Quat {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n == 0 {
		return IdentityQuat()
	}
	return Quat{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// integrateOrientation advances q by the quaternion exponential of
// angularVel*dt/2: the axis-angle rotation the body sweeps during dt.
func integrateOrientation(q Quat, angularVel Vec3, dt float64) Quat {
	speed := angularVel.Length()
	if speed == 0 || dt == 0 {
		return q
	}
	half := speed * dt / 2
	s := math.Sin(half) / speed
	dq := Quat{W: math.Cos(half), X: angularVel.X * s, Y: angularVel.Y * s, Z: angularVel.Z * s}
	return dq.mul(q).normalized()
}

// AABB is an axis-aligned bounding box.
type AABB struct{ Min, Max Vec3 }

func (b AABB) Overlaps(o AABB) bool {
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}

// Body is a rigid body scanned by the broadphase and moved by the solver. A
// zero-valued Orientation is treated as identity.
type Body struct {
	ID          int
	Position    Vec3
	Orientation Quat
	LinearVel   Vec3
	AngularVel  Vec3
	Bounds      AABB
	InverseMass float64 // 0 for static bodies
	Restitution float64
}

// CollisionPair is emitted by the broadphase into a singleton world
// component for the solver to consume.
type CollisionPair struct{ A, B int }

// World is the minimal state the physics lanes operate over; a real
// engine's ECS owns this, the lane just mutates it in place each tick.
type World struct {
	Bodies []Body
	Pairs  []CollisionPair
	Gravity Vec3
}

// BroadphaseLane finds overlapping bodies with a flat pairwise AABB scan
// and emits CollisionPair entries for the solver. It keeps no AABB tree
// between ticks, so its cost grows with the square of the body count.
type BroadphaseLane struct{}

func NewBroadphaseLane() *BroadphaseLane { return &BroadphaseLane{} }

func (l *BroadphaseLane) StrategyName() string        { return "broadphase" }
func (l *BroadphaseLane) LaneKind() engmodels.LaneKind { return engmodels.LanePhysics }

func (l *BroadphaseLane) EstimateCost(ctx *lanes.Context) float32 {
	w, err := lanes.Get[*World](ctx)
	if err != nil {
		return 0
	}
	n := float32(len(w.Bodies))
	return n * n * 0.0002 // self-pair query cost scales with body-count^2
}

func (l *BroadphaseLane) OnInitialize(ctx *lanes.Context) error { return nil }

// Execute performs self-pair queries over all bodies, static ones
// included, emitting
// CollisionPair entries into World.Pairs.
func (l *BroadphaseLane) Execute(ctx *lanes.Context) error {
	w, err := lanes.Get[*World](ctx)
	if err != nil {
		return err
	}
	w.Pairs = w.Pairs[:0]
	for i := 0; i < len(w.Bodies); i++ {
		for j := i + 1; j < len(w.Bodies); j++ {
			if w.Bodies[i].Bounds.Overlaps(w.Bodies[j].Bounds) {
				w.Pairs = append(w.Pairs, CollisionPair{A: w.Bodies[i].ID, B: w.Bodies[j].ID})
			}
		}
	}
	return nil
}

func (l *BroadphaseLane) OnShutdown(ctx *lanes.Context) error { return nil }

// SolverLane applies the Sequential Impulse method: gravity
// integration, one impulse per pair along the center-to-center normal, then
// position/orientation integration.
type SolverLane struct{}

func NewSolverLane() *SolverLane { return &SolverLane{} }

func (l *SolverLane) StrategyName() string        { return "standard-physics" }
func (l *SolverLane) LaneKind() engmodels.LaneKind { return engmodels.LanePhysics }

func (l *SolverLane) EstimateCost(ctx *lanes.Context) float32 {
	w, err := lanes.Get[*World](ctx)
	if err != nil {
		return 0
	}
	return float32(len(w.Pairs)) * 0.01
}

func (l *SolverLane) OnInitialize(ctx *lanes.Context) error { return nil }

func (l *SolverLane) Execute(ctx *lanes.Context) error {
	w, err := lanes.Get[*World](ctx)
	if err != nil {
		return err
	}
	dt, dtErr := lanes.Get[time.Duration](ctx)
	if dtErr != nil {
		dt = time.Second / 60
	}
	seconds := dt.Seconds()

	byID := make(map[int]*Body, len(w.Bodies))
	for i := range w.Bodies {
		b := &w.Bodies[i]
		if b.InverseMass > 0 {
			b.LinearVel = b.LinearVel.Add(w.Gravity.Scale(seconds))
		}
		byID[b.ID] = b
	}

	for _, pair := range w.Pairs {
		a, okA := byID[pair.A]
		b, okB := byID[pair.B]
		if !okA || !okB {
			continue
		}
		resolveContact(a, b)
	}

	for i := range w.Bodies {
		b := &w.Bodies[i]
		b.Position = b.Position.Add(b.LinearVel.Scale(seconds))
		if b.Orientation == (Quat{}) {
			b.Orientation = IdentityQuat()
		}
		b.Orientation = integrateOrientation(b.Orientation, b.AngularVel, seconds)
	}
	return nil
}

// resolveContact applies a single-iteration impulse along the contact
// normal, combining restitution and inverse mass; static bodies
// (InverseMass == 0) contribute no velocity response.
func resolveContact(a, b *Body) {
	normal := b.Position.Sub(a.Position)
	dist := normal.Length()
	if dist == 0 {
		return
	}
	normal = normal.Scale(1 / dist)

	relVel := b.LinearVel.Sub(a.LinearVel)
	closingSpeed := relVel.Dot(normal)
	if closingSpeed >= 0 {
		return // separating, no impulse needed
	}

	restitution := math.Min(a.Restitution, b.Restitution)
	invMassSum := a.InverseMass + b.InverseMass
	if invMassSum == 0 {
		return
	}
	j := -(1 + restitution) * closingSpeed / invMassSum

	impulse := normal.Scale(j)
	a.LinearVel = a.LinearVel.Sub(impulse.Scale(a.InverseMass))
	b.LinearVel = b.LinearVel.Add(impulse.Scale(b.InverseMass))
}

func (l *SolverLane) OnShutdown(ctx *lanes.Context) error { return nil }

// DebugLane runs the identical solver pipeline but retains the last
// computed pairs for external inspection (e.g. a debug overlay).
type DebugLane struct {
	SolverLane
	lastPairs []CollisionPair
}

func NewDebugLane() *DebugLane { return &DebugLane{} }

func (l *DebugLane) StrategyName() string { return "physics-debug" }

func (l *DebugLane) Execute(ctx *lanes.Context) error {
	if w, err := lanes.Get[*World](ctx); err == nil {
		l.lastPairs = append([]CollisionPair(nil), w.Pairs...)
	}
	return l.SolverLane.Execute(ctx)
}

// LastPairs returns the collision pairs observed during the most recent
// debug-lane execution.
func (l *DebugLane) LastPairs() []CollisionPair { return l.lastPairs }
