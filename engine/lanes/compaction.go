package lanes

import engmodels "github.com/ember-engine/ember/engine/models"

// Page is a single orphaned component-page slot awaiting reclamation.
type Page struct {
	ID      int
	Orphaned bool
}

// PageStore is the ECS-owned backlog the compaction lane drains from,
// carried into the LaneContext by the ecs agent each tick.
type PageStore struct {
	Pages []Page
}

// CompactionLane reclaims up to N orphaned component-page slots per
// tick, where N is read from the LaneContext (populated by the ecs
// agent from its current budget).
type CompactionLane struct {
	lastReclaimed int
}

func NewCompactionLane() *CompactionLane { return &CompactionLane{} }

func (l *CompactionLane) StrategyName() string        { return "compaction" }
func (l *CompactionLane) LaneKind() engmodels.LaneKind { return engmodels.LaneEcs }

func (l *CompactionLane) EstimateCost(ctx *Context) float32 {
	store, err := Get[*PageStore](ctx)
	if err != nil {
		return 0
	}
	return float32(len(store.Pages)) * 0.002
}

func (l *CompactionLane) OnInitialize(ctx *Context) error { return nil }

func (l *CompactionLane) Execute(ctx *Context) error {
	store, err := Get[*PageStore](ctx)
	if err != nil {
		return err
	}
	limit, limErr := Get[int](ctx)
	if limErr != nil {
		limit = len(store.Pages)
	}

	reclaimed := 0
	kept := store.Pages[:0]
	for _, p := range store.Pages {
		if p.Orphaned && reclaimed < limit {
			reclaimed++
			continue
		}
		kept = append(kept, p)
	}
	store.Pages = kept
	l.lastReclaimed = reclaimed
	return nil
}

func (l *CompactionLane) OnShutdown(ctx *Context) error { return nil }

// LastReclaimed reports how many slots the most recent Execute freed.
func (l *CompactionLane) LastReclaimed() int { return l.lastReclaimed }
