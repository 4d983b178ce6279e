package netgame

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volley-project/volley/internal/demo"
	"github.com/volley-project/volley/internal/gamestate"
	"github.com/volley-project/volley/internal/level"
	"github.com/volley-project/volley/internal/network"
	"github.com/volley-project/volley/internal/protocol"
	"github.com/volley-project/volley/internal/vars"
)

const testLevel = `name: arena
static:
  - kind: wall
    position: {x: 0, y: 0}
    size: {x: 640, y: 10}
dynamic:
  - kind: orb
    position: {x: 100, y: 50}
    velocity: {x: 30, y: 0}
`

type recordingJournal struct {
	mu           sync.Mutex
	connected    []uint32
	disconnected int
	levels       []string
}

func (j *recordingJournal) PeerConnected(peer netip.AddrPort, playerID uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.connected = append(j.connected, playerID)
}

func (j *recordingJournal) PeerDisconnected(peer netip.AddrPort, st network.Stats) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.disconnected++
}

func (j *recordingJournal) LevelLoaded(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.levels = append(j.levels, name)
}

type testGame struct {
	server  *Server
	client  *Client
	journal *recordingJournal
}

func newTestStore(t *testing.T) *level.Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arena"+level.Extension), []byte(testLevel), 0o644))
	return level.NewStore(dir)
}

func newTestGame(t *testing.T) *testGame {
	t.Helper()
	ctx := context.Background()
	proto := protocol.New("volley-test", "1")
	store := newTestStore(t)

	spc, err := network.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	smsgs := NewMessages()
	smgr := network.NewManager(proto, smsgs.Types, spc, network.Options{})

	cpc, err := network.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	cmsgs := NewMessages()
	cmgr := network.NewManager(proto, cmsgs.Types, cpc, network.Options{})

	t.Cleanup(func() {
		cmgr.Close()
		smgr.Close()
	})

	svars := vars.NewSet()
	srv := NewServer(ServerConfig{DefaultLevel: "arena"}, smgr, smsgs, demo.NewRegistry(), demo.NewGame(svars), store, svars)
	journal := &recordingJournal{}
	srv.SetJournal(journal)
	require.NoError(t, srv.Start())

	right := func(_, dt float64) gamestate.InputCommand {
		return gamestate.NewInputCommand(dt, 127, 0, 0)
	}
	csvars := vars.NewSet()
	cl := NewClient(ClientConfig{Input: right}, cmgr, cmsgs, demo.NewRegistry(), demo.NewGame(csvars), store, nil, csvars)
	cl.Connect(spc.LocalAddr().(*net.UDPAddr).AddrPort())

	return &testGame{server: srv, client: cl, journal: journal}
}

// run ticks server and client until cond holds.
func (g *testGame) run(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Now()
		require.NoError(t, g.server.Tick(now))
		require.NoError(t, g.client.Tick(now, 0.01))
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func (g *testGame) clientHasPlayer() bool {
	id, ok := g.client.PlayerID()
	if !ok {
		return false
	}
	_, ok = g.client.State().Entity(id)
	return ok
}

func TestServerClientSession(t *testing.T) {
	g := newTestGame(t)
	g.run(t, g.clientHasPlayer)

	pid, _ := g.client.PlayerID()
	assert.GreaterOrEqual(t, pid, uint32(gamestate.FirstDynamicID))
	assert.Len(t, g.client.State().Static(), 1, "the wall is loaded from the level file")

	peers := g.server.Network().ConnectedPeers()
	require.Len(t, peers, 1)
	serverPid, ok := g.server.PlayerID(peers[0])
	require.True(t, ok)
	assert.Equal(t, serverPid, pid)

	start := g.server.Controller().State()
	e, ok := start.Entity(pid)
	require.True(t, ok)
	startX := e.Position().X

	g.run(t, func() bool {
		e, ok := g.server.Controller().State().Entity(pid)
		return ok && e.Position().X > startX+5
	})

	g.run(t, func() bool {
		return g.client.Status().Entities >= 2
	})

	g.journal.mu.Lock()
	assert.Equal(t, []uint32{pid}, g.journal.connected)
	assert.Equal(t, []string{"arena"}, g.journal.levels)
	g.journal.mu.Unlock()
}

func TestServerSvarRoundTrip(t *testing.T) {
	g := newTestGame(t)
	g.run(t, g.clientHasPlayer)

	require.NoError(t, g.client.RequestSvar("sv_player_speed", "300"))
	g.run(t, func() bool {
		v, err := g.client.Svars().Get("sv_player_speed")
		return err == nil && v == "300"
	})
	v, err := g.server.Svars().Get("sv_player_speed")
	require.NoError(t, err)
	assert.Equal(t, "300", v)

	require.NoError(t, g.client.RequestSvar("sv_player_speed", "5000"))
	ticks := 0
	g.run(t, func() bool {
		ticks++
		return ticks == 20
	})
	v, err = g.server.Svars().Get("sv_player_speed")
	require.NoError(t, err)
	assert.Equal(t, "300", v, "out of range values are rejected")
}

func TestServerReloadAssignsNewPlayers(t *testing.T) {
	g := newTestGame(t)
	g.run(t, g.clientHasPlayer)
	old, _ := g.client.PlayerID()

	assert.Error(t, g.server.LoadLevel("missing", netip.AddrPort{}))
	assert.Equal(t, "arena", g.server.Status().Level)

	require.NoError(t, g.server.LoadLevel("arena", netip.AddrPort{}))
	for _, pd := range g.server.players {
		assert.False(t, pd.hasInput)
		assert.Equal(t, uint32(NoInputAck), pd.lastInputAck, "no command is acknowledged for the new player")
	}
	g.run(t, func() bool {
		id, ok := g.client.PlayerID()
		return ok && id != old && g.clientHasPlayer()
	})

	g.journal.mu.Lock()
	assert.Equal(t, []string{"arena", "arena"}, g.journal.levels)
	g.journal.mu.Unlock()
}

func TestServerRejectsPeersWhenFull(t *testing.T) {
	g := newTestGame(t)
	require.NoError(t, g.server.Svars().Set("sv_max_players", "1"))
	g.run(t, g.clientHasPlayer)

	pc, err := network.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	msgs := NewMessages()
	mgr := network.NewManager(protocol.New("volley-test", "1"), msgs.Types, pc, network.Options{})
	t.Cleanup(func() { mgr.Close() })

	svars := vars.NewSet()
	late := NewClient(ClientConfig{}, mgr, msgs, demo.NewRegistry(), demo.NewGame(svars), newTestStore(t), nil, svars)
	late.Connect(g.server.Network().LocalAddr().(*net.UDPAddr).AddrPort())

	deadline := time.Now().Add(5 * time.Second)
	for g.server.rejectedTotal == 0 && time.Now().Before(deadline) {
		now := time.Now()
		require.NoError(t, g.server.Tick(now))
		require.NoError(t, g.client.Tick(now, 0.01))
		require.NoError(t, late.Tick(now, 0.01))
		time.Sleep(5 * time.Millisecond)
	}

	assert.NotZero(t, g.server.rejectedTotal)
	assert.Len(t, g.server.players, 1)
	g.journal.mu.Lock()
	assert.Len(t, g.journal.connected, 1)
	g.journal.mu.Unlock()
}

func TestServerDo(t *testing.T) {
	g := newTestGame(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.server.Run(ctx) }()

	got := make(chan string, 1)
	require.NoError(t, g.server.Do(ctx, func(s *Server) {
		got <- s.Controller().LevelName()
	}))
	select {
	case name := <-got:
		assert.Equal(t, "arena", name)
	case <-time.After(2 * time.Second):
		t.Fatal("command did not run")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
