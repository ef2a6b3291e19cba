package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/speedfog/racing-core/internal/metrics"
	"github.com/speedfog/racing-core/internal/protocol"
)

// Registry is the process-wide map[race_id]*Room from spec.md §4.2, guarded
// by a single mutex — the same one-mutex-per-hub idiom the teacher's
// DAGStreamer uses, generalized to many hubs instead of one.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	sendTimeout time.Duration
	presence    Presence
	metrics     *metrics.Metrics
	log         *slog.Logger
}

func NewRegistry(sendTimeout time.Duration, presence Presence, m *metrics.Metrics, log *slog.Logger) *Registry {
	return &Registry{
		rooms:       make(map[string]*Room),
		sendTimeout: sendTimeout,
		presence:    presence,
		metrics:     m,
		log:         log,
	}
}

// Get returns the Room for raceID, creating it if this is the first
// connection of any kind for that race.
func (reg *Registry) Get(raceID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[raceID]
	if !ok {
		r = newRoom(raceID, reg.sendTimeout, reg.metrics, reg.log)
		reg.rooms[raceID] = r
	}
	return r
}

// ReleaseIfEmpty deletes raceID's Room once both connection collections are
// empty, per spec.md §4.2's room-lifecycle note. Safe to call speculatively
// after any disconnect.
func (reg *Registry) ReleaseIfEmpty(raceID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[raceID]
	if !ok {
		return
	}
	if r.IsEmpty() {
		delete(reg.rooms, raceID)
	}
}

// CloseRoom closes every connection in raceID's room (if any) with code and
// removes it from the registry — used by the race controller's Reset.
// Graceful shutdown goes through CloseAll instead.
func (reg *Registry) CloseRoom(raceID string, code int, reason string) {
	reg.mu.Lock()
	r, ok := reg.rooms[raceID]
	delete(reg.rooms, raceID)
	reg.mu.Unlock()
	if ok {
		r.Close(code, reason)
	}
}

// ConnectMod registers conn for participantID in raceID's room (creating it
// if needed) and updates the connected-mods gauge. Before touching the
// local room, it claims participantID in the cross-process presence set
// (I7 beyond a single instance, SPEC_FULL's Redis DOMAIN STACK row) — a
// claim that is already held (by this or another instance) is rejected the
// same way a local duplicate is. If presence itself errors (Redis hiccup),
// the claim degrades to "granted" and I7 falls back to the local room map
// only, matching the single-instance behavior noopPresence always provides.
func (reg *Registry) ConnectMod(ctx context.Context, raceID, participantID string, conn Conn) error {
	claimed, err := reg.presence.TryClaim(ctx, raceID, participantID)
	if err != nil {
		reg.log.Warn("room: presence claim failed, falling back to local-only dedup", "race_id", raceID, "participant_id", participantID, "error", err)
		claimed = true
	} else if !claimed {
		return ErrDuplicateMod{ParticipantID: participantID}
	}

	r := reg.Get(raceID)
	if err := r.ConnectMod(participantID, conn); err != nil {
		if relErr := reg.presence.Release(ctx, raceID, participantID); relErr != nil {
			reg.log.Warn("room: presence release after failed local connect", "race_id", raceID, "participant_id", participantID, "error", relErr)
		}
		return err
	}
	reg.observeGauges(raceID, r)
	return nil
}

// DisconnectMod removes conn from raceID's room, releases the presence
// claim so another instance (or a reconnect) can take it, updates gauges,
// and releases the room if it is now empty.
func (reg *Registry) DisconnectMod(ctx context.Context, raceID, participantID string, conn Conn) {
	r := reg.Get(raceID)
	r.DisconnectMod(participantID, conn)
	if err := reg.presence.Release(ctx, raceID, participantID); err != nil {
		reg.log.Warn("room: presence release failed", "race_id", raceID, "participant_id", participantID, "error", err)
	}
	reg.observeGauges(raceID, r)
	reg.ReleaseIfEmpty(raceID)
}

// ConnectSpectator appends conn to raceID's room, updates gauges, and
// broadcasts the new spectator_count to the room (spec.md §6.2).
func (reg *Registry) ConnectSpectator(raceID string, conn Conn) {
	r := reg.Get(raceID)
	r.ConnectSpectator(conn)
	reg.observeGauges(raceID, r)
	reg.broadcastSpectatorCount(raceID, r)
}

// DisconnectSpectator removes conn from raceID's room, updates gauges,
// broadcasts the new spectator_count, and releases the room if it is now
// empty.
func (reg *Registry) DisconnectSpectator(raceID string, conn Conn) {
	r := reg.Get(raceID)
	r.DisconnectSpectator(conn)
	reg.observeGauges(raceID, r)
	reg.broadcastSpectatorCount(raceID, r)
	reg.ReleaseIfEmpty(raceID)
}

// broadcastSpectatorCount fans out spectator_count to every spectator in
// raceID's room (spec.md §6.2's outbound spectator message), coalesced
// naturally since connect/disconnect already rate-limits itself to one
// event per connection change.
func (reg *Registry) broadcastSpectatorCount(raceID string, r *Room) {
	count := protocol.SpectatorCount{Type: protocol.OutSpectatorCount, Count: r.SpectatorCount()}
	r.BroadcastToSpectators(func(Conn) any { return count })
}

func (reg *Registry) observeGauges(raceID string, r *Room) {
	if reg.metrics == nil {
		return
	}
	reg.metrics.ConnectedMods.WithLabelValues(raceID).Set(float64(r.ModCount()))
	reg.metrics.ConnectedSpectators.WithLabelValues(raceID).Set(float64(r.SpectatorCount()))
}

// CloseAll shuts down every room, used during process shutdown (spec.md
// §9 supplemented features: graceful close with code 1001).
func (reg *Registry) CloseAll(code int, reason string) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, r := range rooms {
		r.Close(code, reason)
	}
}
