package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/speedfog/racing-core/internal/domain"
)

func graphForTest() *domain.Graph {
	return &domain.Graph{
		Nodes: []domain.GraphNode{
			{ID: "n_s", Layer: 0, Zones: []string{"zone_start"}},
			{ID: "n_a", Layer: 1, Zones: []string{"zone_a"}},
			{ID: "n_b", Layer: 2, Zones: []string{"zone_b"}},
		},
		EventMap:    map[int64]string{1001: "n_a", 1002: "n_b"},
		FinishEvent: 1010,
		TotalLayers: 3,
	}
}

func TestResolveEventFlag(t *testing.T) {
	graph := graphForTest()

	assert.Equal(t, EventFlagOutcome{Finish: true}, ResolveEventFlag(1010, graph))
	assert.Equal(t, EventFlagOutcome{NodeID: "n_a"}, ResolveEventFlag(1001, graph))
	assert.True(t, ResolveEventFlag(9999, graph).Unknown)
}

func TestResolveZoneQuery_GraceLookup(t *testing.T) {
	RegisterGraceZone("grace-42", "zone_a")
	defer delete(graceZoneTable, "grace-42")

	graph := graphForTest()
	got := ResolveZoneQuery(ZoneQuery{GraceEntityID: "grace-42"}, graph, nil)
	assert.Equal(t, "n_a", got)
}

func TestResolveZoneQuery_MapLookupNarrowsToVisited(t *testing.T) {
	RegisterMapZones("map-1", []string{"zone_a", "zone_b"})
	defer delete(mapZoneTable, "map-1")

	graph := graphForTest()
	visited := []domain.ZoneVisit{{NodeID: "n_b", IGTMs: 1000}}

	got := ResolveZoneQuery(ZoneQuery{MapID: "map-1"}, graph, visited)
	assert.Equal(t, "n_b", got)
}

func TestResolveZoneQuery_NoMatchReturnsEmpty(t *testing.T) {
	graph := graphForTest()
	got := ResolveZoneQuery(ZoneQuery{GraceEntityID: "unknown"}, graph, nil)
	assert.Equal(t, "", got)
}
