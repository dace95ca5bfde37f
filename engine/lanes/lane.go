// Package lanes implements the lane substrate: the polymorphic
// abstraction behind every interchangeable subsystem strategy, the
// type-indexed Context that carries per-frame data to a lane, and the
// registry agents use to pick a lane consistent with their current
// strategy.
package lanes

import (
	engmodels "github.com/ember-engine/ember/engine/models"
)

// Lane is the polymorphic abstraction behind every interchangeable
// subsystem strategy.
type Lane interface {
	StrategyName() string
	LaneKind() engmodels.LaneKind
	EstimateCost(ctx *Context) float32
	OnInitialize(ctx *Context) error
	Execute(ctx *Context) error
	OnShutdown(ctx *Context) error
}

// Registry holds a heterogeneous ordered sequence of owned lanes and
// supports lookup by strategy name or filter by lane kind. Ordering is
// preserved (insertion order) so that, e.g., a shadow-pass lane
// registered before the lit-forward lane it feeds keeps that relative
// position under FilterByKind.
type Registry struct {
	lanes []Lane
	byName map[string]Lane
}

// NewRegistry returns an empty lane registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Lane)}
}

// Register adds a lane to the registry. A later registration with the
// same strategy name replaces the earlier one in the byName index but
// both remain in the ordered slice: last registration wins for lookup.
func (r *Registry) Register(l Lane) {
	r.lanes = append(r.lanes, l)
	r.byName[l.StrategyName()] = l
}

// Lookup returns the lane registered under name, if any.
func (r *Registry) Lookup(name string) (Lane, bool) {
	l, ok := r.byName[name]
	return l, ok
}

// FilterByKind returns all lanes of the given kind, in registration order.
func (r *Registry) FilterByKind(kind engmodels.LaneKind) []Lane {
	var out []Lane
	for _, l := range r.lanes {
		if l.LaneKind() == kind {
			out = append(out, l)
		}
	}
	return out
}

// All returns every registered lane in registration order.
func (r *Registry) All() []Lane { return append([]Lane(nil), r.lanes...) }
