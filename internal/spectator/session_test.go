package spectator

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
	"github.com/speedfog/racing-core/internal/protocol"
	"github.com/speedfog/racing-core/internal/room"
	"github.com/speedfog/racing-core/internal/store"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

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

type fixture struct {
	st     *store.Store
	rooms  *room.Registry
	raceID string
	server *httptest.Server
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

	rooms := room.NewRegistry(time.Second, room.NewNoopPresence(), nil, testLogger())
	cfg := config.RoomConfig{SendTimeoutSec: 2, HeartbeatSec: 30, ModAuthTimeoutSec: 2, SpectatorAuthGraceSec: 1, StatusThrottleMs: 0}

	router := mux.NewRouter()
	router.HandleFunc("/ws/race/{race_id}", func(w http.ResponseWriter, r *http.Request) {
		rid := mux.Vars(r)["race_id"]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := New(rid, conn, st, rooms, cfg, nil, testLogger())
		session.Run(r.Context())
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{st: st, rooms: rooms, raceID: raceID, server: server}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/race/" + f.raceID
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestSession_AnonymousSpectator_NoGraphInSetup walks spec.md §4.7's gating
// table: an anonymous (non-organizer) viewer of a SETUP race gets
// race_state without the graph.
func TestSession_AnonymousSpectator_NoGraphInSetup(t *testing.T) {
	pool, ctx := dialTestDB(t)
	fx := newFixture(t, ctx, pool, "SETUP")

	conn := dial(t, fx.wsURL())
	var state protocol.RaceState
	require.NoError(t, conn.ReadJSON(&state))
	require.Equal(t, protocol.OutRaceState, state.Type)
	require.Nil(t, state.Graph)
}

// TestSession_AnonymousSpectator_GraphVisibleOnceRunning confirms the same
// gating table flips once the race is RUNNING: anonymous non-participants
// see the graph.
func TestSession_AnonymousSpectator_GraphVisibleOnceRunning(t *testing.T) {
	pool, ctx := dialTestDB(t)
	fx := newFixture(t, ctx, pool, "RUNNING")

	conn := dial(t, fx.wsURL())
	var state protocol.RaceState
	require.NoError(t, conn.ReadJSON(&state))
	require.Equal(t, protocol.OutRaceState, state.Type)
	require.NotNil(t, state.Graph)
}

// TestSession_SpectatorCount_BroadcastsOnConnectAndDisconnect covers
// spec.md §6.2's outbound spectator_count message: a second spectator
// joining bumps the count to 2 for everyone, and leaving drops it back.
func TestSession_SpectatorCount_BroadcastsOnConnectAndDisconnect(t *testing.T) {
	pool, ctx := dialTestDB(t)
	fx := newFixture(t, ctx, pool, "RUNNING")

	v1 := dial(t, fx.wsURL())
	var v1State protocol.RaceState
	require.NoError(t, v1.ReadJSON(&v1State))
	var v1CountAlone protocol.SpectatorCount
	require.NoError(t, v1.ReadJSON(&v1CountAlone))
	require.Equal(t, 1, v1CountAlone.Count)

	v2 := dial(t, fx.wsURL())
	var v2State protocol.RaceState
	require.NoError(t, v2.ReadJSON(&v2State))

	var v2Count protocol.SpectatorCount
	require.NoError(t, v2.ReadJSON(&v2Count))
	require.Equal(t, protocol.OutSpectatorCount, v2Count.Type)
	require.Equal(t, 2, v2Count.Count)

	var v1Count protocol.SpectatorCount
	require.NoError(t, v1.ReadJSON(&v1Count))
	require.Equal(t, 2, v1Count.Count)

	require.NoError(t, v2.Close())
	var v1CountAfterLeave protocol.SpectatorCount
	require.NoError(t, v1.ReadJSON(&v1CountAfterLeave))
	require.Equal(t, 1, v1CountAfterLeave.Count)
}
