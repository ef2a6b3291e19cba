// Package room implements the per-race in-memory registry from spec.md
// §4.2: mod connections keyed by participant, an ordered list of spectator
// connections, and the snapshot-before-broadcast idiom that keeps sends
// lock-free. Grounded on the teacher's DAGStreamer hub (single mutex guards
// the shared maps) generalized to two connection kinds and per-send
// timeouts, plus the Redis cross-process presence idiom from the teacher's
// infra.GoRedisAdapter for I7 beyond a single process.
package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speedfog/racing-core/internal/metrics"
)

// Conn is anything a Room can send JSON to and close with a code. wsConn
// (built by NewConn) implements it for both mods and spectators; kept minimal
// so broadcasting code doesn't care which kind it's talking to.
type Conn interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
	ID() string
}

// wsConn adapts a *websocket.Conn to Conn, serializing writes with its own
// mutex — gorilla/websocket forbids concurrent writers on one connection,
// and a Room's heartbeat task and message-handler goroutine both write.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewConn(id string, conn *websocket.Conn) Conn {
	return &wsConn{id: id, conn: conn}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// Room holds every live connection for one race. All methods lock mu; the
// snapshot-before-broadcast idiom (spec.md §4.2, §9) copies the map/slice
// under the lock and does the actual I/O outside it, so a slow or dead peer
// never blocks connect/disconnect.
type Room struct {
	raceID     string
	mu         sync.Mutex
	mods       map[string]Conn // participant_id -> conn
	spectators []Conn

	sendTimeout time.Duration
	metrics     *metrics.Metrics
	log         *slog.Logger
}

func newRoom(raceID string, sendTimeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Room {
	return &Room{
		raceID:      raceID,
		mods:        make(map[string]Conn),
		sendTimeout: sendTimeout,
		metrics:     m,
		log:         log,
	}
}

func (r *Room) recordBroadcastFailure(audience string) {
	if r.metrics == nil {
		return
	}
	r.metrics.BroadcastFailures.WithLabelValues(audience).Inc()
}

// ErrDuplicateMod is returned by ConnectMod when a participant already has a
// live connection (I7).
type ErrDuplicateMod struct{ ParticipantID string }

func (e ErrDuplicateMod) Error() string {
	return "room: participant already connected: " + e.ParticipantID
}

// ConnectMod registers conn for participantID, rejecting a second
// connection for the same participant (I7, P5).
func (r *Room) ConnectMod(participantID string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mods[participantID]; exists {
		return ErrDuplicateMod{ParticipantID: participantID}
	}
	r.mods[participantID] = conn
	return nil
}

// DisconnectMod removes participantID's connection if it is still the one
// passed in (a connect/disconnect race must not remove a newer connection).
func (r *Room) DisconnectMod(participantID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.mods[participantID]; ok && existing == conn {
		delete(r.mods, participantID)
	}
}

// ConnectSpectator appends conn; duplicates are permitted (spec.md §4.2).
func (r *Room) ConnectSpectator(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spectators = append(r.spectators, conn)
}

func (r *Room) DisconnectSpectator(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.spectators {
		if c == conn {
			r.spectators = append(r.spectators[:i], r.spectators[i+1:]...)
			return
		}
	}
}

// IsEmpty reports whether both collections are empty, the registry's signal
// to delete the Room (spec.md §4.2).
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mods) == 0 && len(r.spectators) == 0
}

func (r *Room) ModCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mods)
}

func (r *Room) SpectatorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spectators)
}

// BroadcastToMods takes a snapshot of the mod map under the lock, then sends
// payload to each one outside the lock, bounded by sendTimeout. Failed
// identities are removed after the whole broadcast completes.
func (r *Room) BroadcastToMods(payload any) {
	r.mu.Lock()
	snapshot := make(map[string]Conn, len(r.mods))
	for id, c := range r.mods {
		snapshot[id] = c
	}
	r.mu.Unlock()

	var failed []string
	for id, c := range snapshot {
		if err := r.sendWithTimeout(c, payload); err != nil {
			r.log.Warn("room: mod send failed, dropping connection", "race_id", r.raceID, "participant_id", id, "error", err)
			r.recordBroadcastFailure("mod")
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range failed {
		if c, ok := r.mods[id]; ok && snapshot[id] == c {
			delete(r.mods, id)
		}
	}
	r.mu.Unlock()
}

// UnicastToMod sends payload to a single participant's connection, if live.
func (r *Room) UnicastToMod(participantID string, payload any) {
	r.mu.Lock()
	c, ok := r.mods[participantID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.sendWithTimeout(c, payload); err != nil {
		r.log.Warn("room: mod unicast failed, dropping connection", "race_id", r.raceID, "participant_id", participantID, "error", err)
		r.recordBroadcastFailure("mod")
		r.DisconnectMod(participantID, c)
	}
}

// BroadcastToSpectators calls buildPayload once per viewer connection (DAG
// visibility and locale are per-viewer, spec.md §4.2) and sends the result,
// again snapshot-before-broadcast.
func (r *Room) BroadcastToSpectators(buildPayload func(c Conn) any) {
	r.mu.Lock()
	snapshot := make([]Conn, len(r.spectators))
	copy(snapshot, r.spectators)
	r.mu.Unlock()

	var failed []Conn
	for _, c := range snapshot {
		payload := buildPayload(c)
		if payload == nil {
			continue
		}
		if err := r.sendWithTimeout(c, payload); err != nil {
			r.log.Warn("room: spectator send failed, dropping connection", "race_id", r.raceID, "spectator_id", c.ID(), "error", err)
			r.recordBroadcastFailure("spectator")
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return
	}
	r.mu.Lock()
	for _, dead := range failed {
		for i, c := range r.spectators {
			if c == dead {
				r.spectators = append(r.spectators[:i], r.spectators[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
}

// Close closes every connection with code, then clears both collections.
// Clients reconnect on their own (spec.md §4.2).
func (r *Room) Close(code int, reason string) {
	r.mu.Lock()
	mods := make([]Conn, 0, len(r.mods))
	for _, c := range r.mods {
		mods = append(mods, c)
	}
	spectators := r.spectators
	r.mods = make(map[string]Conn)
	r.spectators = nil
	r.mu.Unlock()

	for _, c := range mods {
		_ = c.Close(code, reason)
	}
	for _, c := range spectators {
		_ = c.Close(code, reason)
	}
}

// sendWithTimeout bounds one send by r.sendTimeout (spec.md §4.2, §5: "each
// send is wrapped by a 5s timeout"). WriteJSON itself has no context
// parameter, so the timeout is enforced by racing it against a timer in a
// goroutine; the goroutine leaks only if the underlying write never returns,
// which a correctly configured websocket.Conn write deadline prevents in
// combination with this.
func (r *Room) sendWithTimeout(c Conn, payload any) error {
	done := make(chan error, 1)
	go func() {
		done <- c.WriteJSON(payload)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(r.sendTimeout):
		return context.DeadlineExceeded
	}
}
