package gorna

import (
	"time"

	engmodels "github.com/ember-engine/ember/engine/models"
)

// candidate is the solver's view of one negotiating agent: its id (for
// priority and criticality lookup) and its options sorted ascending by
// EstimatedTime.
type candidate struct {
	id      engmodels.AgentId
	options []engmodels.StrategyOption
}

// fitResult carries the solver's picks plus the alert flags the caller
// surfaces.
type fitResult struct {
	picks         map[engmodels.AgentId]engmodels.StrategyOption
	overshoot     bool
	vramOvershoot bool
	dropped       []engmodels.AgentId
}

func ms(d time.Duration) float32 { return float32(d.Seconds() * 1000) }

// fit is the priority-weighted, upgrade-only greedy solver. Every
// candidate is first pinned to its cheapest option; upgrades then
// proceed one tier at a time, highest priority first (ties broken by the
// agent-id declaration order), as long as both the cumulative time and
// the cumulative VRAM stay inside their envelopes. Stepping one tier per
// visit rather than jumping each agent to its most expensive fitting
// option keeps equal-priority agents at comparable tiers under a tight
// budget instead of letting the first agent starve its peer. No agent is
// ever downgraded once upgraded; a re-run on the next tick rebalances if
// this pass was suboptimal.
//
// vramBudget of 0 means no VRAM envelope. A candidate whose cheapest
// option alone does not fit the VRAM envelope is dropped from the round
// if non-critical; a critical candidate keeps its minimum and the
// vramOvershoot flag is raised instead.
func fit(phase engmodels.Phase, candidates []candidate, budgetMs float32, vramBudget uint64) fitResult {
	res := fitResult{picks: make(map[engmodels.AgentId]engmodels.StrategyOption, len(candidates))}
	idx := make(map[engmodels.AgentId]int, len(candidates))
	byID := make(map[engmodels.AgentId]candidate, len(candidates))

	var totalMs float32
	var totalVRAM uint64
	for _, c := range candidates {
		if len(c.options) == 0 {
			continue
		}
		cheapest := c.options[0]
		if vramBudget > 0 && totalVRAM+cheapest.EstimatedVRAM > vramBudget {
			if !isCritical(phase, c.id) {
				res.dropped = append(res.dropped, c.id)
				continue
			}
			res.vramOvershoot = true
		}
		res.picks[c.id] = cheapest
		idx[c.id] = 0
		byID[c.id] = c
		totalMs += ms(cheapest.EstimatedTime)
		totalVRAM += cheapest.EstimatedVRAM
	}

	if totalMs > budgetMs {
		res.overshoot = true
		return res
	}

	ordered := append([]candidate(nil), candidates...)
	sortByPriorityDesc(phase, ordered)

	for upgraded := true; upgraded; {
		upgraded = false
		for _, c := range ordered {
			base, ok := byID[c.id]
			if !ok {
				continue
			}
			opts := base.options
			if idx[c.id]+1 >= len(opts) {
				continue
			}
			next := opts[idx[c.id]+1]
			cur := opts[idx[c.id]]
			deltaMs := ms(next.EstimatedTime) - ms(cur.EstimatedTime)
			var deltaVRAM uint64
			if next.EstimatedVRAM > cur.EstimatedVRAM {
				deltaVRAM = next.EstimatedVRAM - cur.EstimatedVRAM
			}
			if totalMs+deltaMs > budgetMs {
				continue
			}
			if vramBudget > 0 && totalVRAM+deltaVRAM > vramBudget {
				continue
			}
			totalMs += deltaMs
			totalVRAM += deltaVRAM
			idx[c.id]++
			res.picks[c.id] = next
			upgraded = true
		}
	}

	return res
}

func sortByPriorityDesc(phase engmodels.Phase, items []candidate) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && belongsAfter(phase, items[j-1].id, items[j].id); j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}

// belongsAfter reports whether a sorts after b in a descending-priority
// ordering; ties break by the agent-id declaration order so rounds are
// deterministic regardless of registration order.
func belongsAfter(phase engmodels.Phase, a, b engmodels.AgentId) bool {
	pa, pb := priorityOf(phase, a), priorityOf(phase, b)
	if pa != pb {
		return pa < pb
	}
	return engmodels.AgentRank(a) > engmodels.AgentRank(b)
}
