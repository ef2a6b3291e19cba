// Package view converts domain entities into the wire shapes in
// internal/protocol, applying the leaderboard sort/gap engine (C5) so every
// caller that needs a participants[] payload — auth_ok, leaderboard_update,
// race_state — builds it the same way.
package view

import (
	"github.com/speedfog/racing-core/internal/domain"
	"github.com/speedfog/racing-core/internal/leaderboard"
	"github.com/speedfog/racing-core/internal/protocol"
)

// RaceSummary converts a domain.Race into its wire shape.
func RaceSummary(r *domain.Race) protocol.RaceSummary {
	return protocol.RaceSummary{ID: r.ID, Name: r.Name, Status: string(r.Status)}
}

// SeedSummary converts a domain.Seed's graph into the opaque auth_ok shape:
// sorted event ids, never the node each id maps to (spec.md §6.3).
func SeedSummary(s *domain.Seed) protocol.SeedSummary {
	ids := make([]int64, 0, len(s.Graph.EventMap)+1)
	for flagID := range s.Graph.EventMap {
		ids = append(ids, flagID)
	}
	ids = append(ids, s.Graph.FinishEvent)
	sortInt64s(ids)
	return protocol.SeedSummary{
		TotalLayers: s.Graph.TotalLayers,
		EventIDs:    ids,
		FinishEvent: s.Graph.FinishEvent,
	}
}

func sortInt64s(ids []int64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// ParticipantViews sorts participants per C5 and attaches each one's gap
// versus the current leader. includeHistory controls whether zone_history
// rides along — spec.md §6.1 says leaderboard_update includes it only for
// finish-only fields, and §4.7 gates it behind the race being FINISHED.
func ParticipantViews(participants []domain.Participant, graph *domain.Graph, includeHistory bool) []protocol.ParticipantView {
	sorted := leaderboard.Sort(participants)
	views := make([]protocol.ParticipantView, 0, len(sorted))
	if len(sorted) == 0 {
		return views
	}

	leader := &sorted[0]
	var splits map[int]int64
	if graph != nil {
		splits = leaderboard.LeaderSplits(leader, graph)
	}

	for i := range sorted {
		p := &sorted[i]
		views = append(views, ParticipantView(p, leader, splits, graph, includeHistory))
	}
	return views
}

// ParticipantView converts a single participant, computing its gap against
// leader (nil splits/graph mean "don't compute a gap", used when no graph is
// available yet, e.g. before a seed is assigned).
func ParticipantView(p, leader *domain.Participant, splits map[int]int64, graph *domain.Graph, includeHistory bool) protocol.ParticipantView {
	var gap *int64
	if graph != nil {
		gap = leaderboard.Gap(p, leader, splits, graph)
	}

	view := protocol.ParticipantView{
		ID:           p.ID,
		UserID:       p.UserID,
		Status:       string(p.Status),
		CurrentZone:  p.CurrentZone,
		CurrentLayer: p.CurrentLayer,
		IGTMs:        p.IGTMs,
		DeathCount:   p.DeathCount,
		ColorIndex:   p.ColorIndex,
		Gap:          gap,
	}
	if includeHistory || p.Status == domain.ParticipantFinished {
		view.ZoneHistory = make([]protocol.ZoneVisitView, len(p.ZoneHistory))
		for i, v := range p.ZoneHistory {
			view.ZoneHistory[i] = protocol.ZoneVisitView{NodeID: v.NodeID, IGTMs: v.IGTMs, Deaths: v.Deaths}
		}
	}
	return view
}

// ZoneUpdate builds the node-detail payload sent on any zone transition.
func ZoneUpdate(node *domain.GraphNode) protocol.ZoneUpdate {
	exits := make([]protocol.ExitView, len(node.Exits))
	for i, e := range node.Exits {
		exits[i] = protocol.ExitView{Text: e.Text, ToName: e.ToName, Discovered: e.Discovered}
	}
	return protocol.ZoneUpdate{
		Type:        protocol.OutZoneUpdate,
		NodeID:      node.ID,
		DisplayName: node.Name,
		Tier:        node.Tier,
		Exits:       exits,
	}
}
