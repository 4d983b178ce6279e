package db

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volley-project/volley/internal/events"
	"github.com/volley-project/volley/internal/network"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(filepath.Join(t.TempDir(), "journal", "volley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	start := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.RecordLevel("arena", start))
	require.NoError(t, s.RecordConnect(events.SessionPayload{SessionID: "a", Peer: "10.0.0.1:4000", PlayerID: 12345}, start))
	require.NoError(t, s.RecordDisconnect(events.SessionPayload{
		SessionID: "a",
		Peer:      "10.0.0.1:4000",
		Stats:     &network.Stats{RTT: 42, LossPercent: 1.5, PacketsSent: 900, PacketsReceived: 880, PacketsLost: 12},
	}, start.Add(time.Minute)))

	sessions, err := s.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	sess := sessions[0]
	assert.Equal(t, "a", sess.ID)
	assert.Equal(t, uint32(12345), sess.PlayerID)
	assert.Equal(t, "arena", sess.Level)
	require.NotNil(t, sess.ConnectedAt)
	require.NotNil(t, sess.DisconnectedAt)
	assert.True(t, sess.ConnectedAt.Equal(start))
	assert.Equal(t, time.Minute, sess.DisconnectedAt.Sub(*sess.ConnectedAt))
	assert.Equal(t, 42.0, sess.RTT)
	assert.Equal(t, uint64(880), sess.PacketsReceived)
	assert.Equal(t, uint64(12), sess.PacketsLost)
}

func TestDisconnectBeforeConnect(t *testing.T) {
	s := newTestStore(t)
	at := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.RecordDisconnect(events.SessionPayload{SessionID: "b", Peer: "10.0.0.2:4000"}, at.Add(time.Second)))
	require.NoError(t, s.RecordConnect(events.SessionPayload{SessionID: "b", Peer: "10.0.0.2:4000", PlayerID: 7}, at))

	sessions, err := s.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, uint32(7), sessions[0].PlayerID)
	assert.NotNil(t, sessions[0].ConnectedAt)
	assert.NotNil(t, sessions[0].DisconnectedAt)
}

func TestRecentOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	for i, id := range []string{"old", "mid", "new"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.RecordConnect(events.SessionPayload{SessionID: id, Peer: "p"}, at))
		require.NoError(t, s.RecordLevel(id, at))
	}

	sessions, err := s.RecentSessions(2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].ID)
	assert.Equal(t, "mid", sessions[1].ID)

	levels, err := s.RecentLevels(5)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, "new", levels[0].Name)
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volley.db")
	s, err := NewSessionStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordLevel("arena", time.UnixMilli(1_700_000_000_000)))
	require.NoError(t, s.Close())

	s, err = NewSessionStore(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.db.Version()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	levels, err := s.RecentLevels(10)
	require.NoError(t, err)
	assert.Len(t, levels, 1)
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	d, err := NewDatabase(filepath.Join(t.TempDir(), "future.db"))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	assert.Error(t, d.Migrate(migrations))
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.RecordConnect(events.SessionPayload{SessionID: "done", Peer: "p"}, base))
	require.NoError(t, s.RecordDisconnect(events.SessionPayload{SessionID: "done", Peer: "p"}, base.Add(time.Minute)))
	require.NoError(t, s.RecordConnect(events.SessionPayload{SessionID: "open", Peer: "q"}, base))
	require.NoError(t, s.RecordConnect(events.SessionPayload{SessionID: "recent", Peer: "r"}, base.Add(time.Hour)))
	require.NoError(t, s.RecordDisconnect(events.SessionPayload{SessionID: "recent", Peer: "r"}, base.Add(2*time.Hour)))
	require.NoError(t, s.RecordLevel("arena", base))

	deleted, err := s.Prune(base.Add(30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	levels, err := s.RecentLevels(10)
	require.NoError(t, err)
	assert.Empty(t, levels)
}

func TestSubscribeJournalsBusEvents(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewEventBus()
	s.Subscribe(bus)

	j := events.NewJournal(bus, "test")
	peer := netip.MustParseAddrPort("10.0.0.3:4000")
	j.LevelLoaded("arena")
	j.PeerConnected(peer, 99)
	bus.Stop()

	sessions, err := s.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, uint32(99), sessions[0].PlayerID)

	levels, err := s.RecentLevels(10)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, "arena", levels[0].Name)

	assert.NoError(t, bus.EmitSync(context.Background(), events.Event{Type: events.EventShutdown}))
}
