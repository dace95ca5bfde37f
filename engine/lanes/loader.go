package lanes

import engmodels "github.com/ember-engine/ember/engine/models"

// LoadRequest is one pending asset load, keyed by content type so the
// asset agent can route it to the matching loader lane.
type LoadRequest struct {
	ContentType string
	Path        string
}

// LoadQueue is the asset agent's pending-work queue, carried into the
// LaneContext each time Execute drains it.
type LoadQueue struct {
	Pending []LoadRequest
}

// LoaderLane loads assets of one content type (e.g. "mesh", "texture",
// "audio-clip"); budgets translate to a concurrency cap enforced by the
// owning asset agent, not by the lane itself.
type LoaderLane struct {
	contentType string
	loaded      int
}

// NewLoaderLane returns a loader lane keyed by contentType, registered
// under a strategy name of "load:<contentType>".
func NewLoaderLane(contentType string) *LoaderLane {
	return &LoaderLane{contentType: contentType}
}

func (l *LoaderLane) StrategyName() string        { return "load:" + l.contentType }
func (l *LoaderLane) LaneKind() engmodels.LaneKind { return engmodels.LaneAsset }

func (l *LoaderLane) EstimateCost(ctx *Context) float32 {
	q, err := Get[*LoadQueue](ctx)
	if err != nil {
		return 0
	}
	n := 0
	for _, r := range q.Pending {
		if r.ContentType == l.contentType {
			n++
		}
	}
	return float32(n) * 2.0
}

func (l *LoaderLane) OnInitialize(ctx *Context) error { return nil }

// Execute pops and "loads" every pending request matching this lane's
// content type (a minimal core has no real asset I/O to perform; the
// count is tracked for observability).
func (l *LoaderLane) Execute(ctx *Context) error {
	q, err := Get[*LoadQueue](ctx)
	if err != nil {
		return nil
	}
	remaining := q.Pending[:0]
	for _, r := range q.Pending {
		if r.ContentType == l.contentType {
			l.loaded++
			continue
		}
		remaining = append(remaining, r)
	}
	q.Pending = remaining
	return nil
}

func (l *LoaderLane) OnShutdown(ctx *Context) error { return nil }

// Loaded reports the cumulative count of assets this lane has loaded.
func (l *LoaderLane) Loaded() int { return l.loaded }
