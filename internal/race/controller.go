// Package race implements C9: the status-transition orchestration layer
// that wraps internal/store's optimistic updates with the broadcast
// sequences spec.md §4.9 specifies, each emitted atomically per race via a
// per-room broadcast lock (spec.md §5).
package race

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/speedfog/racing-core/internal/domain"
	"github.com/speedfog/racing-core/internal/metrics"
	"github.com/speedfog/racing-core/internal/notify"
	"github.com/speedfog/racing-core/internal/protocol"
	"github.com/speedfog/racing-core/internal/room"
	"github.com/speedfog/racing-core/internal/seed"
	"github.com/speedfog/racing-core/internal/store"
	"github.com/speedfog/racing-core/internal/view"
)

// Subscribers resolves the webhook subscribers for a race's organizer, kept
// as a collaborator interface so Controller doesn't need to know where that
// configuration lives (spec.md §9 supplemented organizer audit trail).
type Subscribers func(ctx context.Context, raceID string) []notify.Subscriber

// Controller owns every race status transition and its broadcast sequence.
type Controller struct {
	store       *store.Store
	rooms       *room.Registry
	notify      notify.Publisher
	subscribers Subscribers
	seeds       *seed.Service
	metrics     *metrics.Metrics
	log         *slog.Logger

	// broadcastLocks serializes the multi-step sequences in spec.md §4.9 per
	// race, so no other broadcast for the same race can interleave between
	// steps of one sequence.
	broadcastLocks sync.Map // raceID -> *sync.Mutex
}

func New(st *store.Store, rooms *room.Registry, pub notify.Publisher, subs Subscribers, seeds *seed.Service, m *metrics.Metrics, log *slog.Logger) *Controller {
	return &Controller{store: st, rooms: rooms, notify: pub, subscribers: subs, seeds: seeds, metrics: m, log: log}
}

func (c *Controller) lockFor(raceID string) *sync.Mutex {
	v, _ := c.broadcastLocks.LoadOrStore(raceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Start implements Open/Start (SETUP → RUNNING) and its four-step broadcast
// sequence (spec.md §4.9).
func (c *Controller) Start(ctx context.Context, raceID string, version int64) (*domain.Race, error) {
	lock := c.lockFor(raceID)
	lock.Lock()
	defer lock.Unlock()

	race, err := c.store.TransitionRace(ctx, raceID, []domain.RaceStatus{domain.RaceSetup}, domain.RaceRunning, version, store.RaceMutation{SetStartedAtNow: true})
	if err != nil {
		return nil, err
	}

	seed, err := c.store.GetSeed(ctx, race.SeedID)
	if err != nil {
		return nil, fmt.Errorf("race: start: load seed: %w", err)
	}
	participants, err := c.store.ListParticipants(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("race: start: list participants: %w", err)
	}

	r := c.rooms.Get(raceID)

	r.BroadcastToMods(protocol.Envelope{Type: protocol.OutRaceStart})

	startNode := seed.Graph.NodeByID(seed.Graph.StartNode)
	if startNode != nil {
		zu := view.ZoneUpdate(startNode)
		for i := range participants {
			r.UnicastToMod(participants[i].ID, zu)
		}
	}

	started := race.StartedAt.UnixMilli()
	statusChange := protocol.RaceStatusChange{Type: protocol.OutRaceStatusChange, Status: string(race.Status), StartedAt: &started}
	r.BroadcastToMods(statusChange)
	r.BroadcastToSpectators(func(room.Conn) any { return statusChange })

	c.broadcastRaceState(r, race, seed, participants)

	return race, nil
}

// AutoFinishCheck implements the RUNNING → FINISHED check spec.md §4.9 says
// to run "whenever a participant reaches a terminal state", in its own
// transaction separate from the participant transition that triggered it.
// A lost optimistic race here is a silent no-op (P4): the winner already
// broadcast.
func (c *Controller) AutoFinishCheck(ctx context.Context, raceID string) error {
	allTerminal, err := c.store.AllParticipantsTerminal(ctx, raceID)
	if err != nil {
		return fmt.Errorf("race: auto-finish check: %w", err)
	}
	if !allTerminal {
		return nil
	}
	return c.finish(ctx, raceID, true)
}

// ForceFinish is the organizer-triggered equivalent of AutoFinishCheck: the
// same transition and broadcast sequence, without the all-terminal gate.
func (c *Controller) ForceFinish(ctx context.Context, raceID string) error {
	return c.finish(ctx, raceID, false)
}

func (c *Controller) finish(ctx context.Context, raceID string, auto bool) error {
	race, err := c.store.GetRace(ctx, raceID)
	if err != nil {
		return fmt.Errorf("race: finish: load race: %w", err)
	}
	if race.Status != domain.RaceRunning {
		return nil
	}

	lock := c.lockFor(raceID)
	lock.Lock()
	defer lock.Unlock()

	race, err = c.store.TransitionRace(ctx, raceID, []domain.RaceStatus{domain.RaceRunning}, domain.RaceFinished, race.Version, store.RaceMutation{})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			c.metrics.OptimisticConflicts.WithLabelValues("finish").Inc()
			return nil
		}
		return fmt.Errorf("race: finish: transition: %w", err)
	}
	if auto {
		c.metrics.AutoFinishes.Inc()
	}

	seed, err := c.store.GetSeed(ctx, race.SeedID)
	if err != nil {
		return fmt.Errorf("race: finish: load seed: %w", err)
	}
	participants, err := c.store.ListParticipants(ctx, raceID)
	if err != nil {
		return fmt.Errorf("race: finish: list participants: %w", err)
	}

	r := c.rooms.Get(raceID)

	c.broadcastRaceStateWithHistory(r, race, seed, participants)

	statusChange := protocol.RaceStatusChange{Type: protocol.OutRaceStatusChange, Status: string(race.Status)}
	r.BroadcastToMods(statusChange)
	r.BroadcastToSpectators(func(room.Conn) any { return statusChange })

	lb := protocol.LeaderboardUpdate{Type: protocol.OutLeaderboardUpdate, Participants: view.ParticipantViews(participants, &seed.Graph, false)}
	r.BroadcastToMods(lb)
	r.BroadcastToSpectators(func(room.Conn) any { return lb })

	if c.subscribers != nil && c.notify != nil {
		subs := c.subscribers(ctx, raceID)
		c.notify.Emit(notify.EventRaceFinished, raceID, subs, map[string]any{"status": string(race.Status)})
	}

	return nil
}

// Reroll implements C8's reroll operation (spec.md §4.8): releases the
// race's current seed back to its pool (unless already DISCARDED) and
// assigns a new one, then re-broadcasts race_state so connected viewers see
// the new graph. Only valid while the race is still in SETUP.
func (c *Controller) Reroll(ctx context.Context, raceID string) (*domain.Seed, error) {
	lock := c.lockFor(raceID)
	lock.Lock()
	defer lock.Unlock()

	race, err := c.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("race: reroll: load race: %w", err)
	}

	var poolName string
	if race.SeedID != "" {
		prevSeed, err := c.store.GetSeed(ctx, race.SeedID)
		if err != nil {
			return nil, fmt.Errorf("race: reroll: load current seed: %w", err)
		}
		poolName = prevSeed.Pool
	}

	newSeed, err := c.seeds.Reroll(ctx, race, poolName)
	if err != nil {
		return nil, err
	}

	race, err = c.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("race: reroll: reload race: %w", err)
	}
	participants, err := c.store.ListParticipants(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("race: reroll: list participants: %w", err)
	}

	r := c.rooms.Get(raceID)
	c.broadcastRaceState(r, race, newSeed, participants)

	if c.subscribers != nil && c.notify != nil {
		subs := c.subscribers(ctx, raceID)
		c.notify.Emit(notify.EventSeedRerolled, raceID, subs, map[string]any{"seed_id": newSeed.ID, "pool": poolName})
	}

	return newSeed, nil
}

// DiscardPool implements C8's discard_pool operation (spec.md §4.8):
// retires every AVAILABLE and CONSUMED seed in poolName so none can be
// assigned to a future race.
func (c *Controller) DiscardPool(ctx context.Context, poolName string) error {
	return c.seeds.DiscardPool(ctx, poolName)
}

// Reset implements RUNNING|FINISHED → SETUP: closes the room first (spec.md
// §4.9 — mods reconnect on their own), then resets race and participants in
// one transaction.
func (c *Controller) Reset(ctx context.Context, raceID string, version int64) (*domain.Race, error) {
	c.rooms.CloseRoom(raceID, 1000, "race reset")

	race, err := c.store.ResetRaceAndParticipants(ctx, raceID, version)
	if err != nil {
		return nil, err
	}

	if c.subscribers != nil && c.notify != nil {
		subs := c.subscribers(ctx, raceID)
		c.notify.Emit(notify.EventRaceReset, raceID, subs, nil)
	}

	return race, nil
}

// BroadcastLeaderboard sends a leaderboard_update to mods and spectators
// under the per-race broadcast lock; callers are message handlers (C6) that
// just mutated a participant and need to fan out the new ordering.
func (c *Controller) BroadcastLeaderboard(ctx context.Context, raceID string) error {
	lock := c.lockFor(raceID)
	lock.Lock()
	defer lock.Unlock()

	race, err := c.store.GetRace(ctx, raceID)
	if err != nil {
		return err
	}
	var graph *domain.Graph
	if race.SeedID != "" {
		seed, err := c.store.GetSeed(ctx, race.SeedID)
		if err == nil {
			graph = &seed.Graph
		}
	}
	participants, err := c.store.ListParticipants(ctx, raceID)
	if err != nil {
		return err
	}

	lb := protocol.LeaderboardUpdate{Type: protocol.OutLeaderboardUpdate, Participants: view.ParticipantViews(participants, graph, false)}
	r := c.rooms.Get(raceID)
	r.BroadcastToMods(lb)
	r.BroadcastToSpectators(func(room.Conn) any { return lb })
	return nil
}

func (c *Controller) broadcastRaceState(r *room.Room, race *domain.Race, seed *domain.Seed, participants []domain.Participant) {
	c.doBroadcastRaceState(r, race, seed, participants, false)
}

func (c *Controller) broadcastRaceStateWithHistory(r *room.Room, race *domain.Race, seed *domain.Seed, participants []domain.Participant) {
	c.doBroadcastRaceState(r, race, seed, participants, true)
}

// doBroadcastRaceState sends race_state to every spectator, gating the
// graph per-viewer per spec.md §4.7's table.
func (c *Controller) doBroadcastRaceState(r *room.Room, race *domain.Race, seed *domain.Seed, participants []domain.Participant, includeHistory bool) {
	totalNodes := len(seed.Graph.Nodes)
	totalPaths := 0
	for _, n := range seed.Graph.Nodes {
		totalPaths += len(n.Exits)
	}

	r.BroadcastToSpectators(func(conn room.Conn) any {
		viewer, _ := conn.(viewerIdentity)
		showGraph := graphVisibleTo(race.Status, viewer)

		state := protocol.RaceState{
			Type:         protocol.OutRaceState,
			Race:         view.RaceSummary(race),
			TotalNodes:   totalNodes,
			TotalPaths:   totalPaths,
			Participants: view.ParticipantViews(participants, &seed.Graph, includeHistory),
		}
		if showGraph {
			if raw, err := marshalGraph(seed); err == nil {
				state.Graph = raw
			}
		}
		return state
	})
}

// viewerIdentity is implemented by spectator connections that carry an
// authenticated identity; room.Conn itself stays minimal so this is an
// optional assertion.
type viewerIdentity interface {
	IsOrganizerOrCaster() bool
	IsParticipant() bool
}

func marshalGraph(seed *domain.Seed) (json.RawMessage, error) {
	return json.Marshal(seed.Graph)
}

func graphVisibleTo(status domain.RaceStatus, viewer viewerIdentity) bool {
	switch status {
	case domain.RaceFinished:
		return true
	case domain.RaceRunning:
		return viewer == nil || !viewer.IsParticipant()
	case domain.RaceSetup:
		return viewer != nil && viewer.IsOrganizerOrCaster() && !viewer.IsParticipant()
	default:
		return false
	}
}
