// Package modsession implements C6: the per-connection state machine for a
// game mod's WebSocket, grounded on the teacher's DAGStreamer read-loop
// idiom (one goroutine per connection, context-cancelled heartbeat) but
// generalized to the OPEN→AUTHENTICATED→LOOP→CLOSED machine and message
// handlers spec.md §4.6 names.
package modsession

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speedfog/racing-core/internal/config"
	"github.com/speedfog/racing-core/internal/domain"
	"github.com/speedfog/racing-core/internal/metrics"
	"github.com/speedfog/racing-core/internal/protocol"
	"github.com/speedfog/racing-core/internal/race"
	"github.com/speedfog/racing-core/internal/resolver"
	"github.com/speedfog/racing-core/internal/room"
	"github.com/speedfog/racing-core/internal/store"
	"github.com/speedfog/racing-core/internal/view"
)

// Close codes from spec.md §6.1.
const (
	CloseAuthTimeout = 4001
	CloseAuthFailed  = 4003
)

// Session runs one mod connection's entire lifecycle: Run blocks until the
// connection closes.
type Session struct {
	raceID string
	conn   *websocket.Conn
	roomConn room.Conn

	store   *store.Store
	rooms   *room.Registry
	ctrl    *race.Controller
	cfg     config.RoomConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	participantID string
	lastBroadcast time.Time
}

func New(raceID string, conn *websocket.Conn, st *store.Store, rooms *room.Registry, ctrl *race.Controller, cfg config.RoomConfig, m *metrics.Metrics, log *slog.Logger) *Session {
	return &Session{
		raceID:  raceID,
		conn:    conn,
		store:   st,
		rooms:   rooms,
		ctrl:    ctrl,
		cfg:     cfg,
		metrics: m,
		log:     log,
	}
}

// Run executes the full OPEN→AUTHENTICATED→LOOP→CLOSED machine. It returns
// once the connection is gone; the caller (the HTTP handler) need only call
// Run and then return.
func (s *Session) Run(ctx context.Context) {
	participant, err := s.authenticate(ctx)
	if err != nil {
		s.log.Info("modsession: auth failed", "race_id", s.raceID, "error", err)
		return
	}
	s.participantID = participant.ID
	s.roomConn = room.NewConn(participant.ID, s.conn)

	if err := s.rooms.ConnectMod(ctx, s.raceID, participant.ID, s.roomConn); err != nil {
		var dup room.ErrDuplicateMod
		if errors.As(err, &dup) {
			s.sendAuthError("participant already connected")
			s.closeWithCode(CloseAuthFailed, "participant already connected")
			return
		}
		s.log.Error("modsession: connect mod failed", "error", err)
		return
	}
	// A fresh context: ctx may already be cancelled by the time this runs
	// (the connection is unwinding), but the presence release still needs
	// to reach Redis so another instance can claim the participant.
	defer s.rooms.DisconnectMod(context.Background(), s.raceID, participant.ID, s.roomConn)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go s.heartbeat(heartbeatCtx)

	if err := s.ctrl.BroadcastLeaderboard(ctx, s.raceID); err != nil {
		s.log.Warn("modsession: initial leaderboard broadcast failed", "error", err)
	}

	s.loop(ctx)
}

// authenticate runs the OPEN→AUTHENTICATED phase: the first message must be
// {type:"auth", mod_token} within cfg.ModAuthTimeout.
func (s *Session) authenticate(ctx context.Context) (*domain.Participant, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ModAuthTimeout()))
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		s.closeWithCode(CloseAuthTimeout, "auth timeout")
		return nil, fmt.Errorf("modsession: %w", domain.ErrAuthTimeout)
	}

	msgType, err := protocol.DecodeType(raw)
	if err != nil || msgType != protocol.InAuth {
		s.closeWithCode(CloseAuthFailed, "first message must be auth")
		return nil, fmt.Errorf("modsession: %w", domain.ErrAuthFailed)
	}

	var in protocol.AuthIn
	if err := json.Unmarshal(raw, &in); err != nil {
		s.closeWithCode(CloseAuthFailed, "malformed auth payload")
		return nil, fmt.Errorf("modsession: %w", domain.ErrAuthFailed)
	}

	race_, err := s.store.GetRace(ctx, s.raceID)
	if err != nil {
		s.sendAuthError("race not found")
		s.closeWithCode(CloseAuthFailed, "race not found")
		return nil, fmt.Errorf("modsession: %w", domain.ErrAuthFailed)
	}
	if race_.Status == domain.RaceFinished {
		s.sendAuthError("race finished")
		s.closeWithCode(CloseAuthFailed, "race finished")
		return nil, fmt.Errorf("modsession: %w", domain.ErrRaceFinished)
	}

	tokenHash := hashModToken(in.ModToken)
	participant, err := s.store.FindParticipantByModTokenHash(ctx, s.raceID, tokenHash)
	if err != nil {
		s.sendAuthError("invalid mod token")
		s.closeWithCode(CloseAuthFailed, "invalid mod token")
		return nil, fmt.Errorf("modsession: %w", domain.ErrAuthFailed)
	}

	seed, err := s.store.GetSeed(ctx, race_.SeedID)
	if err != nil {
		s.sendAuthError("seed not available")
		s.closeWithCode(CloseAuthFailed, "seed not available")
		return nil, fmt.Errorf("modsession: %w", domain.ErrAuthFailed)
	}
	participants, err := s.store.ListParticipants(ctx, s.raceID)
	if err != nil {
		s.sendAuthError("internal error")
		s.closeWithCode(CloseAuthFailed, "internal error")
		return nil, fmt.Errorf("modsession: load participants: %w", err)
	}

	authOK := protocol.AuthOK{
		Type:          protocol.OutAuthOK,
		ParticipantID: participant.ID,
		Race:          view.RaceSummary(race_),
		Seed:          view.SeedSummary(seed),
		Participants:  view.ParticipantViews(participants, &seed.Graph, false),
	}
	if err := s.conn.WriteJSON(authOK); err != nil {
		return nil, fmt.Errorf("modsession: send auth_ok: %w", err)
	}

	if race_.Status == domain.RaceRunning {
		if node := seed.Graph.NodeByID(participant.CurrentZone); node != nil {
			_ = s.conn.WriteJSON(view.ZoneUpdate(node))
		}
	}

	_ = s.conn.SetReadDeadline(time.Time{})
	return participant, nil
}

func (s *Session) sendAuthError(message string) {
	_ = s.conn.WriteJSON(protocol.AuthError{Type: protocol.OutAuthError, Message: message})
}

func (s *Session) closeWithCode(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// heartbeat sends a ping every cfg.Heartbeat; a failed send closes the
// socket, which unwinds the read loop in Run (spec.md §4.6, §5).
func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.roomConn.WriteJSON(protocol.Ping{Type: protocol.OutPing}); err != nil {
				s.log.Info("modsession: heartbeat send failed, closing", "participant_id", s.participantID, "error", err)
				_ = s.conn.Close()
				return
			}
		}
	}
}

// loop reads inbound messages until the connection closes. Each handler
// opens its own transaction (spec.md §4.6).
func (s *Session) loop(ctx context.Context) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		msgType, err := protocol.DecodeType(raw)
		if err != nil {
			continue
		}

		start := time.Now()
		outcome := "ok"
		if err := s.handle(ctx, msgType, raw); err != nil {
			outcome = "error"
			s.log.Warn("modsession: handler error", "type", msgType, "error", err)
		}
		if s.metrics != nil {
			s.metrics.MessagesProcessed.WithLabelValues(msgType, outcome).Inc()
			s.metrics.MessageLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Session) handle(ctx context.Context, msgType string, raw []byte) error {
	switch msgType {
	case protocol.InReady:
		return s.handleReady(ctx)
	case protocol.InStatus:
		return s.handleStatusUpdate(ctx, raw)
	case protocol.InEventFlag:
		return s.handleEventFlag(ctx, raw)
	case protocol.InZoneQuery:
		return s.handleZoneQuery(ctx, raw)
	case protocol.InPong:
		return nil
	default:
		return nil
	}
}

func (s *Session) handleReady(ctx context.Context) error {
	_, err := s.store.UpdateParticipant(ctx, s.participantID, func(p *domain.Participant) error {
		if p.Status == domain.ParticipantRegistered {
			p.Status = domain.ParticipantReady
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.ctrl.BroadcastLeaderboard(ctx, s.raceID)
}

func (s *Session) currentRaceStatus(ctx context.Context) (domain.RaceStatus, error) {
	r, err := s.store.GetRace(ctx, s.raceID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

func (s *Session) handleStatusUpdate(ctx context.Context, raw []byte) error {
	race_, err := s.store.GetRace(ctx, s.raceID)
	if err != nil {
		return err
	}
	if race_.Status != domain.RaceRunning {
		return s.conn.WriteJSON(protocol.ErrorOut{Type: protocol.OutError, Message: "Race not running"})
	}
	seed, err := s.store.GetSeed(ctx, race_.SeedID)
	if err != nil {
		return err
	}

	var in protocol.StatusUpdateIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	p, err := s.store.UpdateParticipant(ctx, s.participantID, func(p *domain.Participant) error {
		if p.Status.IsTerminal() {
			return nil // silently dropped
		}
		if p.Status == domain.ParticipantReady {
			p.Status = domain.ParticipantPlaying
			p.CurrentZone = seed.Graph.StartNode
			p.ZoneHistory = append(p.ZoneHistory, domain.ZoneVisit{NodeID: p.CurrentZone, IGTMs: 0})
		}

		igtChanged := in.IGTMs != p.IGTMs
		deathDelta := in.DeathCount - p.DeathCount

		p.IGTMs = in.IGTMs
		p.DeathCount = in.DeathCount
		if igtChanged {
			now := time.Now().UTC()
			p.LastIGTChangeAt = &now
		}
		if deathDelta > 0 {
			if idx := p.MostRecentVisit(p.CurrentZone); idx >= 0 {
				p.ZoneHistory[idx].Deaths += deathDelta
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return nil
	}

	if time.Since(s.lastBroadcast) < s.cfg.StatusThrottle() {
		return nil
	}
	s.lastBroadcast = time.Now()
	return s.ctrl.BroadcastLeaderboard(ctx, s.raceID)
}

func (s *Session) handleEventFlag(ctx context.Context, raw []byte) error {
	race_, err := s.store.GetRace(ctx, s.raceID)
	if err != nil {
		return err
	}
	if race_.Status != domain.RaceRunning {
		return nil
	}
	seed, err := s.store.GetSeed(ctx, race_.SeedID)
	if err != nil {
		return err
	}

	var in protocol.EventFlagIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	outcome := resolver.ResolveEventFlag(in.FlagID, &seed.Graph)
	if outcome.Unknown {
		s.log.Info("modsession: unknown event flag", "flag_id", in.FlagID, "race_id", s.raceID)
		return nil
	}

	var finished, isRevisit bool
	var updatedNode *domain.GraphNode
	var snapshot domain.Participant

	p, err := s.store.UpdateParticipant(ctx, s.participantID, func(p *domain.Participant) error {
		if p.Status.IsTerminal() {
			return nil
		}
		if outcome.Finish {
			p.CurrentLayer = seed.Graph.TotalLayers
			now := time.Now().UTC()
			p.FinishedAt = &now
			p.Status = domain.ParticipantFinished
			finished = true
			return nil
		}

		node := seed.Graph.NodeByID(outcome.NodeID)
		if node == nil {
			return nil
		}
		updatedNode = node
		isRevisit = p.HasVisited(outcome.NodeID)
		p.CurrentZone = outcome.NodeID
		p.IGTMs = in.IGTMs
		p.ZoneHistory = append(p.ZoneHistory, domain.ZoneVisit{NodeID: outcome.NodeID, IGTMs: in.IGTMs})
		if !isRevisit && node.Layer > p.CurrentLayer {
			p.CurrentLayer = node.Layer
		}
		return nil
	})
	if err != nil {
		return err
	}
	if p != nil {
		snapshot = *p
	}

	if finished {
		if err := s.ctrl.BroadcastLeaderboard(ctx, s.raceID); err != nil {
			return err
		}
		return s.ctrl.AutoFinishCheck(ctx, s.raceID)
	}

	if updatedNode == nil {
		return nil
	}

	s.rooms.Get(s.raceID).UnicastToMod(s.participantID, view.ZoneUpdate(updatedNode))

	if isRevisit {
		// Revisit (I3 high watermark preserved): spectators get a
		// per-participant update, not a full leaderboard re-sort.
		playerUpdate := protocol.PlayerUpdate{Type: protocol.OutPlayerUpdate, Player: view.ParticipantView(&snapshot, &snapshot, nil, nil, false)}
		s.rooms.Get(s.raceID).BroadcastToSpectators(func(room.Conn) any { return playerUpdate })
		return nil
	}
	return s.ctrl.BroadcastLeaderboard(ctx, s.raceID)
}

func (s *Session) handleZoneQuery(ctx context.Context, raw []byte) error {
	status, err := s.currentRaceStatus(ctx)
	if err != nil {
		return err
	}
	if status != domain.RaceRunning {
		return nil
	}

	var in protocol.ZoneQueryIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	race_, err := s.store.GetRace(ctx, s.raceID)
	if err != nil {
		return err
	}
	seed, err := s.store.GetSeed(ctx, race_.SeedID)
	if err != nil {
		return err
	}

	var resolvedNode *domain.GraphNode
	_, err = s.store.UpdateParticipant(ctx, s.participantID, func(p *domain.Participant) error {
		if p.Status.IsTerminal() {
			return nil
		}
		q := resolver.ZoneQuery{GraceEntityID: in.GraceEntityID, MapID: in.MapID, PlayRegionID: in.PlayRegionID, Position: in.Position}
		nodeID := resolver.ResolveZoneQuery(q, &seed.Graph, p.ZoneHistory)
		if nodeID == "" {
			return nil
		}
		resolvedNode = seed.Graph.NodeByID(nodeID)
		p.CurrentZone = nodeID
		return nil
	})
	if err != nil {
		return err
	}

	if resolvedNode != nil {
		s.rooms.Get(s.raceID).UnicastToMod(s.participantID, view.ZoneUpdate(resolvedNode))
	}
	return nil
}

func hashModToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
