package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedfog/racing-core/internal/protocol"
)

// fakePresence is an in-memory Presence double recording claims so tests can
// assert Registry.ConnectMod/DisconnectMod actually call through to it.
type fakePresence struct {
	mu       sync.Mutex
	claimed  map[string]bool
	failNext bool
}

func newFakePresence() *fakePresence { return &fakePresence{claimed: make(map[string]bool)} }

func (p *fakePresence) TryClaim(ctx context.Context, raceID, participantID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return false, errors.New("presence unavailable")
	}
	key := raceID + ":" + participantID
	if p.claimed[key] {
		return false, nil
	}
	p.claimed[key] = true
	return true, nil
}

func (p *fakePresence) Release(ctx context.Context, raceID, participantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claimed, raceID+":"+participantID)
	return nil
}

func (p *fakePresence) Members(ctx context.Context, raceID string) ([]string, error) {
	return nil, nil
}

func (p *fakePresence) isClaimed(raceID, participantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed[raceID+":"+participantID]
}

// fakeConn is an in-memory Conn double so tests don't need a real socket.
type fakeConn struct {
	id      string
	mu      sync.Mutex
	sent    []any
	closed  bool
	failErr error
	delay   time.Duration
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteJSON(v any) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestConnectMod_RejectsDuplicate(t *testing.T) {
	r := newRoom("race-1", time.Second, nil, testLogger())
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}

	require.NoError(t, r.ConnectMod("p1", c1))
	err := r.ConnectMod("p1", c2)
	require.Error(t, err)
	var dup ErrDuplicateMod
	assert.True(t, errors.As(err, &dup))
	assert.Equal(t, "p1", dup.ParticipantID)
}

func TestDisconnectMod_OnlyRemovesMatchingConn(t *testing.T) {
	r := newRoom("race-1", time.Second, nil, testLogger())
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	require.NoError(t, r.ConnectMod("p1", c1))

	// A stale disconnect for an old connection must not evict a newer one.
	r.DisconnectMod("p1", c2)
	assert.Equal(t, 1, r.ModCount())

	r.DisconnectMod("p1", c1)
	assert.Equal(t, 0, r.ModCount())
}

func TestBroadcastToMods_DropsFailedConnection(t *testing.T) {
	r := newRoom("race-1", 50*time.Millisecond, nil, testLogger())
	good := &fakeConn{id: "good"}
	bad := &fakeConn{id: "bad", failErr: errors.New("broken pipe")}
	require.NoError(t, r.ConnectMod("good", good))
	require.NoError(t, r.ConnectMod("bad", bad))

	r.BroadcastToMods(map[string]string{"type": "ping"})

	assert.Equal(t, 1, good.sentCount())
	assert.Equal(t, 1, r.ModCount())
	_, stillPresent := r.mods["bad"]
	assert.False(t, stillPresent)
}

func TestBroadcastToMods_TimesOutSlowConnection(t *testing.T) {
	r := newRoom("race-1", 10*time.Millisecond, nil, testLogger())
	slow := &fakeConn{id: "slow", delay: 100 * time.Millisecond}
	require.NoError(t, r.ConnectMod("p1", slow))

	r.BroadcastToMods(map[string]string{"type": "ping"})
	assert.Equal(t, 0, r.ModCount())
}

func TestBroadcastToSpectators_PerViewerPayload(t *testing.T) {
	r := newRoom("race-1", time.Second, nil, testLogger())
	v1 := &fakeConn{id: "v1"}
	v2 := &fakeConn{id: "v2"}
	r.ConnectSpectator(v1)
	r.ConnectSpectator(v2)

	r.BroadcastToSpectators(func(c Conn) any {
		return map[string]string{"for": c.ID()}
	})

	require.Len(t, v1.sent, 1)
	require.Len(t, v2.sent, 1)
	assert.Equal(t, map[string]string{"for": "v1"}, v1.sent[0])
	assert.Equal(t, map[string]string{"for": "v2"}, v2.sent[0])
}

func TestIsEmpty(t *testing.T) {
	r := newRoom("race-1", time.Second, nil, testLogger())
	assert.True(t, r.IsEmpty())
	c := &fakeConn{id: "c"}
	require.NoError(t, r.ConnectMod("p1", c))
	assert.False(t, r.IsEmpty())
	r.DisconnectMod("p1", c)
	assert.True(t, r.IsEmpty())
}

func TestClose_ClosesAllAndClears(t *testing.T) {
	r := newRoom("race-1", time.Second, nil, testLogger())
	m := &fakeConn{id: "m"}
	s := &fakeConn{id: "s"}
	require.NoError(t, r.ConnectMod("p1", m))
	r.ConnectSpectator(s)

	r.Close(1001, "race finished")

	assert.True(t, m.closed)
	assert.True(t, s.closed)
	assert.True(t, r.IsEmpty())
}

func TestRegistry_GetCreatesAndReleaseIfEmptyRemoves(t *testing.T) {
	reg := NewRegistry(time.Second, NewNoopPresence(), nil, testLogger())
	r := reg.Get("race-1")
	require.NotNil(t, r)
	assert.Same(t, r, reg.Get("race-1"))

	c := &fakeConn{id: "c"}
	require.NoError(t, r.ConnectMod("p1", c))
	reg.ReleaseIfEmpty("race-1")
	assert.Same(t, r, reg.Get("race-1")) // still present, not empty

	r.DisconnectMod("p1", c)
	reg.ReleaseIfEmpty("race-1")
	fresh := reg.Get("race-1")
	assert.NotSame(t, r, fresh) // old room was dropped, a new one was created
}

func TestRegistry_ConnectMod_ClaimsAndReleasesPresence(t *testing.T) {
	presence := newFakePresence()
	reg := NewRegistry(time.Second, presence, nil, testLogger())
	c := &fakeConn{id: "c"}

	require.NoError(t, reg.ConnectMod(context.Background(), "race-1", "p1", c))
	assert.True(t, presence.isClaimed("race-1", "p1"))

	reg.DisconnectMod(context.Background(), "race-1", "p1", c)
	assert.False(t, presence.isClaimed("race-1", "p1"))
}

func TestRegistry_ConnectMod_RejectsWhenPresenceAlreadyClaimed(t *testing.T) {
	presence := newFakePresence()
	reg := NewRegistry(time.Second, presence, nil, testLogger())
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}

	require.NoError(t, reg.ConnectMod(context.Background(), "race-1", "p1", c1))

	err := reg.ConnectMod(context.Background(), "race-1", "p1", c2)
	require.Error(t, err)
	var dup ErrDuplicateMod
	assert.True(t, errors.As(err, &dup))
}

func TestRegistry_ConnectMod_DegradesToLocalDedupOnPresenceError(t *testing.T) {
	presence := newFakePresence()
	presence.failNext = true
	reg := NewRegistry(time.Second, presence, nil, testLogger())
	c := &fakeConn{id: "c"}

	// A presence error must not block the connection — it falls back to
	// the in-process Room map for I7.
	require.NoError(t, reg.ConnectMod(context.Background(), "race-1", "p1", c))
}

func TestRegistry_ConnectSpectator_BroadcastsSpectatorCount(t *testing.T) {
	reg := NewRegistry(time.Second, NewNoopPresence(), nil, testLogger())
	v1 := &fakeConn{id: "v1"}
	v2 := &fakeConn{id: "v2"}

	reg.ConnectSpectator("race-1", v1)
	reg.ConnectSpectator("race-1", v2)

	require.Len(t, v1.sent, 2)
	require.Len(t, v2.sent, 1)
	last := v2.sent[len(v2.sent)-1]
	assert.Equal(t, 2, last.(protocol.SpectatorCount).Count)

	reg.DisconnectSpectator("race-1", v2)
	require.Len(t, v1.sent, 3)
	last = v1.sent[len(v1.sent)-1]
	assert.Equal(t, 1, last.(protocol.SpectatorCount).Count)
}
