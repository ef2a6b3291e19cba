// Package leaderboard implements the stable sort and split-gap computation
// from spec.md §4.5. Pure functions over domain.Participant slices — no
// store or network access.
package leaderboard

import (
	"sort"

	"github.com/speedfog/racing-core/internal/domain"
)

// statusRank gives each status its sort bucket in the order spec.md §4.5
// lists them: FINISHED, PLAYING, READY, REGISTERED, ABANDONED.
func statusRank(s domain.ParticipantStatus) int {
	switch s {
	case domain.ParticipantFinished:
		return 0
	case domain.ParticipantPlaying:
		return 1
	case domain.ParticipantReady:
		return 2
	case domain.ParticipantRegistered:
		return 3
	case domain.ParticipantAbandoned:
		return 4
	default:
		return 5
	}
}

// Sort orders participants per spec.md §4.5 and returns a new slice; the
// input is never mutated so callers can reuse detached store snapshots.
func Sort(participants []domain.Participant) []domain.Participant {
	out := make([]domain.Participant, len(participants))
	copy(out, participants)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ra, rb := statusRank(a.Status), statusRank(b.Status)
		if ra != rb {
			return ra < rb
		}
		switch a.Status {
		case domain.ParticipantFinished:
			return a.IGTMs < b.IGTMs
		case domain.ParticipantPlaying, domain.ParticipantAbandoned:
			if a.CurrentLayer != b.CurrentLayer {
				return a.CurrentLayer > b.CurrentLayer
			}
			return a.IGTMs < b.IGTMs
		default: // READY, REGISTERED: arrival order
			return a.ArrivalOrder < b.ArrivalOrder
		}
	})
	return out
}

// LeaderSplits walks the current leader's zone_history and records, for
// each layer, the earliest igt_ms at which it was first reached. Entries
// whose node isn't in the graph are skipped (spec.md §4.5).
func LeaderSplits(leader *domain.Participant, graph *domain.Graph) map[int]int64 {
	splits := make(map[int]int64)
	for _, v := range leader.ZoneHistory {
		node := graph.NodeByID(v.NodeID)
		if node == nil {
			continue
		}
		if existing, ok := splits[node.Layer]; !ok || v.IGTMs < existing {
			splits[node.Layer] = v.IGTMs
		}
	}
	return splits
}

// Gap computes participant p's gap versus the leader per the table in
// spec.md §4.5. A nil return means "no gap" (the table's "none" outcomes).
func Gap(p, leader *domain.Participant, splits map[int]int64, graph *domain.Graph) *int64 {
	if p.ID == leader.ID {
		return nil
	}

	switch p.Status {
	case domain.ParticipantFinished:
		g := p.IGTMs - leader.IGTMs
		return &g

	case domain.ParticipantPlaying:
		currentSplit, hasCurrent := splits[p.CurrentLayer]
		nextSplit, hasNext := splits[p.CurrentLayer+1]
		if !hasCurrent {
			return nil
		}
		if hasNext && p.IGTMs <= nextSplit {
			// Within budget: hasn't yet spent more time on this layer than
			// the leader did.
			entryIGT := layerEntryIGT(p, p.CurrentLayer, graph)
			g := entryIGT - currentSplit
			return &g
		}
		if hasNext {
			g := p.IGTMs - nextSplit
			return &g
		}
		return nil

	default:
		return nil
	}
}

// layerEntryIGT returns the igt_ms at which p first reached layer, by
// scanning zone_history for the earliest visit whose node sits on that
// layer in graph.
func layerEntryIGT(p *domain.Participant, layer int, graph *domain.Graph) int64 {
	for _, v := range p.ZoneHistory {
		node := graph.NodeByID(v.NodeID)
		if node != nil && node.Layer == layer {
			return v.IGTMs
		}
	}
	return p.IGTMs
}
