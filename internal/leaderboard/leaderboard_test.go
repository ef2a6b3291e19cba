package leaderboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedfog/racing-core/internal/domain"
)

func testGraph() *domain.Graph {
	return &domain.Graph{
		Nodes: []domain.GraphNode{
			{ID: "n_s", Layer: 0},
			{ID: "n_a", Layer: 1},
			{ID: "n_b", Layer: 2},
		},
		TotalLayers: 3,
	}
}

func TestSort_FollowsSpecOrder(t *testing.T) {
	participants := []domain.Participant{
		{ID: "reg", Status: domain.ParticipantRegistered, ArrivalOrder: 0},
		{ID: "playing-ahead", Status: domain.ParticipantPlaying, CurrentLayer: 2, IGTMs: 5000},
		{ID: "finished", Status: domain.ParticipantFinished, IGTMs: 90000},
		{ID: "playing-behind", Status: domain.ParticipantPlaying, CurrentLayer: 1, IGTMs: 1000},
		{ID: "abandoned", Status: domain.ParticipantAbandoned, CurrentLayer: 1, IGTMs: 2000},
	}

	sorted := Sort(participants)
	ids := make([]string, len(sorted))
	for i, p := range sorted {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"finished", "playing-ahead", "playing-behind", "reg", "abandoned"}, ids)
}

func TestSort_StableWithinSameBucket(t *testing.T) {
	participants := []domain.Participant{
		{ID: "first", Status: domain.ParticipantReady, ArrivalOrder: 0},
		{ID: "second", Status: domain.ParticipantReady, ArrivalOrder: 1},
	}
	sorted := Sort(participants)
	assert.Equal(t, "first", sorted[0].ID)
	assert.Equal(t, "second", sorted[1].ID)
}

func TestGap_FinishedVersusLeader(t *testing.T) {
	leader := &domain.Participant{ID: "leader", Status: domain.ParticipantFinished, IGTMs: 90000}
	p := &domain.Participant{ID: "p2", Status: domain.ParticipantFinished, IGTMs: 100000}

	gap := Gap(p, leader, nil, testGraph())
	require.NotNil(t, gap)
	assert.Equal(t, int64(10000), *gap)
}

func TestGap_SelfVersusSelfIsNil(t *testing.T) {
	leader := &domain.Participant{ID: "leader", Status: domain.ParticipantFinished, IGTMs: 90000}
	assert.Nil(t, Gap(leader, leader, nil, testGraph()))
}

func TestGap_PlayingWithinBudget(t *testing.T) {
	graph := testGraph()
	leader := &domain.Participant{
		ID:     "leader",
		Status: domain.ParticipantPlaying,
		ZoneHistory: []domain.ZoneVisit{
			{NodeID: "n_s", IGTMs: 0},
			{NodeID: "n_a", IGTMs: 30000},
			{NodeID: "n_b", IGTMs: 60000},
		},
	}
	splits := LeaderSplits(leader, graph)

	p := &domain.Participant{
		ID:           "p2",
		Status:       domain.ParticipantPlaying,
		CurrentLayer: 1,
		IGTMs:        50000,
		ZoneHistory:  []domain.ZoneVisit{{NodeID: "n_s", IGTMs: 0}, {NodeID: "n_a", IGTMs: 40000}},
	}

	gap := Gap(p, leader, splits, graph)
	require.NotNil(t, gap)
	assert.Equal(t, int64(10000), *gap) // entered layer 1 at 40000, leader entered at 30000
}
