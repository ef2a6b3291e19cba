package modsession

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/speedfog/racing-core/internal/config"
	"github.com/speedfog/racing-core/internal/domain"
	"github.com/speedfog/racing-core/internal/metrics"
	"github.com/speedfog/racing-core/internal/protocol"
	"github.com/speedfog/racing-core/internal/race"
	"github.com/speedfog/racing-core/internal/room"
	"github.com/speedfog/racing-core/internal/seed"
	"github.com/speedfog/racing-core/internal/store"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

var testMetrics = metrics.New()

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// dialTestDB connects to a live PostgreSQL gated by DATABASE_URL, grounded
// on internal/store's integration test pattern — a real socket needs a real
// auth lookup, so this package's scenario tests are integration tests too.
func dialTestDB(t *testing.T) (*pgxpool.Pool, context.Context) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool, ctx
}

// fixture wires one race/seed/participant plus an httptest.Server serving
// /ws/mod/{race_id}, so scenario tests can dial a real gorilla/websocket
// client against a real Session.
type fixture struct {
	st       *store.Store
	rooms    *room.Registry
	ctrl     *race.Controller
	raceID   string
	partID   string
	modToken string
	server   *httptest.Server
}

func newFixture(t *testing.T, ctx context.Context, pool *pgxpool.Pool, raceStatus string) *fixture {
	t.Helper()
	st := store.New(pool)
	require.NoError(t, st.Bootstrap(ctx))

	userID := uuid.New().String()
	_, err := pool.Exec(ctx, `INSERT INTO users (id, external_user, display_name) VALUES ($1, $2, $2);`, userID, fmt.Sprintf("tester-%s", userID))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM users WHERE id = $1;`, userID) })

	seedID := uuid.New().String()
	_, err = pool.Exec(ctx, `INSERT INTO seeds (id, pool, number, graph_json) VALUES ($1, 'pool-a', 1, '{"start_node":"n_s","total_layers":3,"nodes":[{"id":"n_s","layer":0,"exits":[]}]}');`, seedID)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM seeds WHERE id = $1;`, seedID) })

	raceID := uuid.New().String()
	_, err = pool.Exec(ctx, `INSERT INTO races (id, name, organizer_user_id, seed_id, status) VALUES ($1, 'Test Race', $2, $3, $4);`, raceID, userID, seedID, raceStatus)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM races WHERE id = $1;`, raceID) })

	modToken := "tok-" + uuid.New().String()
	partID := uuid.New().String()
	_, err = pool.Exec(ctx, `INSERT INTO participants (id, race_id, user_id, mod_token_hash, current_zone) VALUES ($1, $2, $3, $4, 'n_s');`,
		partID, raceID, userID, hashModToken(modToken))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM participants WHERE id = $1;`, partID) })

	rooms := room.NewRegistry(time.Second, room.NewNoopPresence(), testMetrics, testLogger())
	seeds := seed.New(st, seed.NewNoopPool(), testLogger())
	ctrl := race.New(st, rooms, nil, nil, seeds, testMetrics, testLogger())
	cfg := config.RoomConfig{SendTimeoutSec: 2, HeartbeatSec: 30, ModAuthTimeoutSec: 2, SpectatorAuthGraceSec: 2, StatusThrottleMs: 0}

	router := mux.NewRouter()
	router.HandleFunc("/ws/mod/{race_id}", func(w http.ResponseWriter, r *http.Request) {
		rid := mux.Vars(r)["race_id"]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := New(rid, conn, st, rooms, ctrl, cfg, testMetrics, testLogger())
		session.Run(r.Context())
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{st: st, rooms: rooms, ctrl: ctrl, raceID: raceID, partID: partID, modToken: modToken, server: server}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/mod/" + f.raceID
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestSession_AuthOK_ThenReady walks the OPEN -> AUTHENTICATED -> LOOP path:
// a valid mod_token gets auth_ok, and a ready message flips the participant
// to READY and rebroadcasts the leaderboard.
func TestSession_AuthOK_ThenReady(t *testing.T) {
	pool, ctx := dialTestDB(t)
	fx := newFixture(t, ctx, pool, "SETUP")

	conn := dial(t, fx.wsURL())
	require.NoError(t, conn.WriteJSON(protocol.AuthIn{Type: protocol.InAuth, ModToken: fx.modToken}))

	var authOK protocol.AuthOK
	require.NoError(t, conn.ReadJSON(&authOK))
	require.Equal(t, protocol.OutAuthOK, authOK.Type)
	require.Equal(t, fx.partID, authOK.ParticipantID)

	// Run sends one leaderboard_update right after connecting, before the
	// client gets a chance to send anything — drain it before ready's.
	var initial protocol.LeaderboardUpdate
	require.NoError(t, conn.ReadJSON(&initial))
	require.Equal(t, protocol.OutLeaderboardUpdate, initial.Type)
	require.Equal(t, string(domain.ParticipantRegistered), initial.Participants[0].Status)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": protocol.InReady}))

	var lb protocol.LeaderboardUpdate
	require.NoError(t, conn.ReadJSON(&lb))
	require.Equal(t, protocol.OutLeaderboardUpdate, lb.Type)
	require.Len(t, lb.Participants, 1)
	require.Equal(t, string(domain.ParticipantReady), lb.Participants[0].Status)

	participant, err := fx.st.GetParticipant(ctx, fx.partID)
	require.NoError(t, err)
	require.Equal(t, domain.ParticipantReady, participant.Status)
}

// TestSession_AuthFails_WrongToken rejects an unknown mod_token with
// auth_error and closes the socket (CloseAuthFailed, spec.md §6.1).
func TestSession_AuthFails_WrongToken(t *testing.T) {
	pool, ctx := dialTestDB(t)
	fx := newFixture(t, ctx, pool, "SETUP")

	conn := dial(t, fx.wsURL())
	require.NoError(t, conn.WriteJSON(protocol.AuthIn{Type: protocol.InAuth, ModToken: "not-the-right-token"}))

	var authErr protocol.AuthError
	require.NoError(t, conn.ReadJSON(&authErr))
	require.Equal(t, protocol.OutAuthError, authErr.Type)
}

// TestSession_DuplicateConnection_Rejected enforces I7: a second connection
// for the same participant gets an auth_error and is closed rather than
// evicting the first.
func TestSession_DuplicateConnection_Rejected(t *testing.T) {
	pool, ctx := dialTestDB(t)
	fx := newFixture(t, ctx, pool, "SETUP")

	first := dial(t, fx.wsURL())
	require.NoError(t, first.WriteJSON(protocol.AuthIn{Type: protocol.InAuth, ModToken: fx.modToken}))
	var authOK protocol.AuthOK
	require.NoError(t, first.ReadJSON(&authOK))
	require.Equal(t, protocol.OutAuthOK, authOK.Type)

	// Give Run's ConnectMod call time to register before the second dial.
	time.Sleep(50 * time.Millisecond)

	second := dial(t, fx.wsURL())
	require.NoError(t, second.WriteJSON(protocol.AuthIn{Type: protocol.InAuth, ModToken: fx.modToken}))

	// authenticate() itself succeeds and sends auth_ok for any connection
	// whose mod_token resolves — I7's duplicate check only happens
	// afterward, in Run's ConnectMod call, so the second socket gets its
	// own auth_ok before the auth_error that ultimately closes it.
	var secondAuthOK protocol.AuthOK
	require.NoError(t, second.ReadJSON(&secondAuthOK))
	require.Equal(t, protocol.OutAuthOK, secondAuthOK.Type)

	var authErr protocol.AuthError
	require.NoError(t, second.ReadJSON(&authErr))
	require.Equal(t, protocol.OutAuthError, authErr.Type)
}
