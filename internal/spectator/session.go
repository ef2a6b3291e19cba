// Package spectator implements C7: the read-only WebSocket endpoint, with
// its optional short auth grace and the per-viewer DAG-visibility gating
// table from spec.md §4.7. Grounded on the teacher's DAGStreamer registration
// idiom, generalized with an identity the race controller's broadcast
// sequence can query (internal/race.viewerIdentity).
package spectator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speedfog/racing-core/internal/config"
	"github.com/speedfog/racing-core/internal/domain"
	"github.com/speedfog/racing-core/internal/protocol"
	"github.com/speedfog/racing-core/internal/room"
	"github.com/speedfog/racing-core/internal/store"
	"github.com/speedfog/racing-core/internal/view"
)

// Identity is resolved from an optional auth token; its zero value is the
// anonymous viewer.
type Identity struct {
	UserID        string
	Role          domain.UserRole
	participating bool
}

func (i Identity) IsOrganizerOrCaster() bool {
	return i.Role == domain.RoleOrganizer || i.Role == domain.RoleAdmin
}

func (i Identity) IsParticipant() bool { return i.participating }

// IdentityResolver validates an optional auth token into an Identity,
// supplied by the HTTP layer so this package stays free of auth/session
// concerns (out of scope per spec.md's OAuth non-goal).
type IdentityResolver func(ctx context.Context, token string) (Identity, bool)

// conn wraps room.Conn with the resolved viewer identity so
// internal/race's per-viewer graph gating can type-assert it.
type conn struct {
	room.Conn
	identity Identity
}

func (c *conn) IsOrganizerOrCaster() bool { return c.identity.IsOrganizerOrCaster() }
func (c *conn) IsParticipant() bool       { return c.identity.IsParticipant() }

// Session runs one spectator connection's lifecycle.
type Session struct {
	raceID string
	ws     *websocket.Conn

	store    *store.Store
	rooms    *room.Registry
	cfg      config.RoomConfig
	resolve  IdentityResolver
	log      *slog.Logger
}

func New(raceID string, ws *websocket.Conn, st *store.Store, rooms *room.Registry, cfg config.RoomConfig, resolve IdentityResolver, log *slog.Logger) *Session {
	return &Session{raceID: raceID, ws: ws, store: st, rooms: rooms, cfg: cfg, resolve: resolve, log: log}
}

func (s *Session) Run(ctx context.Context) {
	identity := s.awaitOptionalAuth(ctx)

	race_, err := s.store.GetRace(ctx, s.raceID)
	if err != nil {
		_ = s.ws.Close()
		return
	}
	participants, err := s.store.ListParticipants(ctx, s.raceID)
	if err != nil {
		_ = s.ws.Close()
		return
	}
	identity.participating = isParticipant(identity.UserID, participants)

	c := &conn{Conn: room.NewConn(identity.UserID+":"+randomSuffix(), s.ws), identity: identity}

	var seed *domain.Seed
	if race_.SeedID != "" {
		seed, _ = s.store.GetSeed(ctx, race_.SeedID)
	}
	s.sendInitialState(race_, seed, participants, identity)

	s.rooms.ConnectSpectator(s.raceID, c)
	defer s.rooms.DisconnectSpectator(s.raceID, c)

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeat(heartbeatCtx, c)

	s.drain()
}

// awaitOptionalAuth waits up to cfg.SpectatorAuthGrace for an optional
// {type:"auth", token} message; any other first message, or none, proceeds
// anonymously without treating it as an error (spec.md §4.7).
func (s *Session) awaitOptionalAuth(ctx context.Context) Identity {
	_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.SpectatorAuthGrace()))
	_, raw, err := s.ws.ReadMessage()
	_ = s.ws.SetReadDeadline(time.Time{})
	if err != nil {
		return Identity{}
	}

	msgType, err := protocol.DecodeType(raw)
	if err != nil || msgType != protocol.InAuth {
		return Identity{}
	}
	var in protocol.SpectatorAuthIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return Identity{}
	}
	if s.resolve == nil {
		return Identity{}
	}
	identity, ok := s.resolve(ctx, in.Token)
	if !ok {
		return Identity{}
	}
	return identity
}

func (s *Session) sendInitialState(race_ *domain.Race, seed *domain.Seed, participants []domain.Participant, identity Identity) {
	state := protocol.RaceState{
		Type: protocol.OutRaceState,
		Race: view.RaceSummary(race_),
	}
	includeHistory := race_.Status == domain.RaceFinished
	if seed != nil {
		state.TotalNodes = len(seed.Graph.Nodes)
		for _, n := range seed.Graph.Nodes {
			state.TotalPaths += len(n.Exits)
		}
		state.Participants = view.ParticipantViews(participants, &seed.Graph, includeHistory)
		if graphVisible(race_.Status, identity) {
			if raw, err := json.Marshal(seed.Graph); err == nil {
				state.Graph = raw
			}
		}
	} else {
		state.Participants = view.ParticipantViews(participants, nil, includeHistory)
	}
	_ = s.ws.WriteJSON(state)
}

// graphVisible mirrors internal/race's gating table (spec.md §4.7); kept as
// a free function here because internal/race's own graphVisibleTo is
// unexported, and it operates on the Identity this package defines.
func graphVisible(status domain.RaceStatus, identity Identity) bool {
	switch status {
	case domain.RaceFinished:
		return true
	case domain.RaceRunning:
		return !identity.IsParticipant()
	case domain.RaceSetup:
		return identity.IsOrganizerOrCaster() && !identity.IsParticipant()
	default:
		return false
	}
}

func isParticipant(userID string, participants []domain.Participant) bool {
	if userID == "" {
		return false
	}
	for _, p := range participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Session) heartbeat(ctx context.Context, c room.Conn) {
	ticker := time.NewTicker(s.cfg.Heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.WriteJSON(protocol.Ping{Type: protocol.OutPing}); err != nil {
				_ = s.ws.Close()
				return
			}
		}
	}
}

// drain discards inbound frames for the life of the connection; spectators
// have no write semantics beyond the optional initial auth (spec.md §4.7).
func (s *Session) drain() {
	for {
		if _, _, err := s.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func randomSuffix() string {
	return time.Now().UTC().Format("150405.000000000")
}
