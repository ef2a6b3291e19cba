// Package resolver implements the two stateless lookups spec.md §4.3-4.4
// describe: turning a zone_query hint or an event_flag into a DAG node, or
// into "finish", or into nothing. Neither function touches the store or the
// network — they take a domain.Graph and return an answer.
package resolver

import "github.com/speedfog/racing-core/internal/domain"

// ZoneQuery is the set of hints a mod's zone_query message may carry.
// Exactly which fields are populated varies by what the game client could
// read from memory at that moment.
type ZoneQuery struct {
	GraceEntityID string
	MapID         string
	PlayRegionID  string
	Position      string
}

// graceZoneTable maps a grace entity id (a static in-game bonfire/checkpoint
// identifier) to the zone_id namespace seeds use in GraphNode.Zones. It is a
// fixed table because grace entity ids are stable across seeds of the same
// game version — only which DAG node owns a zone_id varies per seed.
var graceZoneTable = map[string]string{}

// mapZoneTable maps a map id to the candidate zone_ids it could belong to.
// Coarser than graceZoneTable: a single in-game map commonly straddles
// several DAG nodes, hence "candidates" rather than a single answer.
var mapZoneTable = map[string][]string{}

// RegisterGraceZone and RegisterMapZones let the process wire the static
// tables above at startup (they are game-data, not seed-data, so they don't
// belong in config.yaml or the seed's graph_json).
func RegisterGraceZone(graceEntityID, zoneID string) {
	graceZoneTable[graceEntityID] = zoneID
}

func RegisterMapZones(mapID string, zoneIDs []string) {
	mapZoneTable[mapID] = zoneIDs
}

// ResolveZoneQuery runs the three-strategy cascade from spec.md §4.3 and
// returns the first node id a strategy can name, or "" if none can. visited
// is the participant's zone_history, used only to narrow an ambiguous map
// lookup to nodes the player could plausibly already be in.
func ResolveZoneQuery(q ZoneQuery, graph *domain.Graph, visited []domain.ZoneVisit) string {
	if node := resolveByGrace(q, graph); node != "" {
		return node
	}
	if node := resolveByMap(q, graph, visited); node != "" {
		return node
	}
	return ""
}

func resolveByGrace(q ZoneQuery, graph *domain.Graph) string {
	if q.GraceEntityID == "" {
		return ""
	}
	zoneID, ok := graceZoneTable[q.GraceEntityID]
	if !ok {
		return ""
	}
	var match string
	matches := 0
	for _, n := range graph.Nodes {
		if containsZone(n.Zones, zoneID) {
			match = n.ID
			matches++
		}
	}
	if matches == 1 {
		return match
	}
	return ""
}

func resolveByMap(q ZoneQuery, graph *domain.Graph, visited []domain.ZoneVisit) string {
	if q.MapID == "" {
		return ""
	}
	candidates, ok := mapZoneTable[q.MapID]
	if !ok {
		return ""
	}

	var nodeIDs []string
	for _, n := range graph.Nodes {
		for _, zoneID := range candidates {
			if containsZone(n.Zones, zoneID) {
				nodeIDs = append(nodeIDs, n.ID)
				break
			}
		}
	}

	switch len(nodeIDs) {
	case 0:
		return ""
	case 1:
		return nodeIDs[0]
	default:
		// Ambiguous: restrict to nodes the participant has already visited —
		// they cannot be standing in an unvisited node without a fog-gate
		// event having fired first (spec.md §4.3).
		var inHistory []string
		for _, id := range nodeIDs {
			for _, v := range visited {
				if v.NodeID == id {
					inHistory = append(inHistory, id)
					break
				}
			}
		}
		if len(inHistory) == 1 {
			return inHistory[0]
		}
		return ""
	}
}

func containsZone(zones []string, zoneID string) bool {
	for _, z := range zones {
		if z == zoneID {
			return true
		}
	}
	return false
}
