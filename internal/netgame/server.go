package netgame

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/codec"
	"github.com/volley-project/volley/internal/gamestate"
	"github.com/volley-project/volley/internal/level"
	"github.com/volley-project/volley/internal/network"
	"github.com/volley-project/volley/internal/protocol"
	"github.com/volley-project/volley/internal/vars"
)

const (
	maxFrameTime      = 500 * time.Millisecond
	rateCheckInterval = time.Second
	rateSlack         = 3
)

// newMaxPlayers is the sv_max_players variable shared by server and client.
func newMaxPlayers() *vars.Value[int] { return vars.NewRange(16, 1, 64) }

// Game is the content a server or client runs.
type Game interface {
	NewPlayer() gamestate.Entity
	Instantiate(l *level.Level) (static, dynamic []gamestate.Entity, err error)
}

// Journal records session events. Implementations must not block.
type Journal interface {
	PeerConnected(peer netip.AddrPort, playerID uint32)
	PeerDisconnected(peer netip.AddrPort, stats network.Stats)
	LevelLoaded(name string)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Timing       Timing
	LogInterval  time.Duration
	DefaultLevel string
	// Now replaces the wall clock in Run.
	Now func() time.Time
}

// Status is a point-in-time summary of a running server. It is safe to
// read from any goroutine.
type Status struct {
	Level            string    `json:"level"`
	GameTime         float64   `json:"game_time"`
	Players          int       `json:"players"`
	StaticEntities   int       `json:"static_entities"`
	DynamicEntities  int       `json:"dynamic_entities"`
	UpdatesPerSecond float64   `json:"updates_per_second"`
	NetPerSecond     float64   `json:"net_updates_per_second"`
	RejectedPeers    int       `json:"rejected_peers"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type playerData struct {
	id             uint32
	lastInputAck   uint32
	hasInput       bool
	lastUpdateTime float64
	acked          gamestate.IDSet
}

// Server runs the authoritative simulation and streams snapshots to every
// connected peer. All game state is owned by the loop in Run; other
// goroutines interact through Do and Status.
type Server struct {
	cfg        ServerConfig
	net        *network.Manager
	msgs       *Messages
	reg        *codec.Registry
	game       Game
	levels     *level.Store
	svars      *vars.Set
	controller *gamestate.ServerController
	journal    Journal
	logger     zerolog.Logger

	players       map[netip.AddrPort]*playerData
	maxPlayers    *vars.Value[int]
	rejected      []netip.AddrPort // dropped after the current network update
	rejectedTotal int

	gametime    float64
	accumulator float64
	lastTick    time.Time
	frames      int
	netUpdates  int
	lastLog     time.Time
	lastRate    time.Time

	commands chan func(*Server)

	statusMu sync.RWMutex
	status   Status
}

// NewServer wires a server to an existing network manager. It registers
// its handlers and connection callbacks on mgr.
func NewServer(cfg ServerConfig, mgr *network.Manager, msgs *Messages, reg *codec.Registry, game Game, levels *level.Store, svars *vars.Set) *Server {
	cfg.Timing = cfg.Timing.withDefaults()
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:        cfg,
		net:        mgr,
		msgs:       msgs,
		reg:        reg,
		game:       game,
		levels:     levels,
		svars:      svars,
		controller: gamestate.NewServerController(game.NewPlayer),
		logger:     log.With().Str("component", "server").Logger(),
		players:    make(map[netip.AddrPort]*playerData),
		commands:   make(chan func(*Server), 16),
		maxPlayers: newMaxPlayers(),
	}
	svars.Add("sv_max_players", s.maxPlayers)

	mgr.RegisterReceiveHandler(msgs.InputCommand, s.onInputCommand)
	mgr.RegisterReceiveHandler(msgs.SetSvar, s.onSetSvar)
	mgr.RegisterReceiveHandler(msgs.LoadLevel, s.onLoadLevel)
	mgr.RegisterConnectionCallbacks(s)
	return s
}

// SetJournal attaches a session journal.
func (s *Server) SetJournal(j Journal) { s.journal = j }

// Controller exposes the authoritative world to the loop goroutine.
func (s *Server) Controller() *gamestate.ServerController { return s.controller }

// Svars returns the server variables.
func (s *Server) Svars() *vars.Set { return s.svars }

// Network returns the underlying manager.
func (s *Server) Network() *network.Manager { return s.net }

// GameTime returns the simulated seconds since start.
func (s *Server) GameTime() float64 { return s.gametime }

// PlayerID returns the entity id controlled by peer.
func (s *Server) PlayerID(peer netip.AddrPort) (uint32, bool) {
	pd, ok := s.players[peer]
	if !ok {
		return 0, false
	}
	return pd.id, true
}

// Do schedules fn to run on the loop goroutine during the next tick.
func (s *Server) Do(ctx context.Context, fn func(*Server)) error {
	select {
	case s.commands <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last published summary.
func (s *Server) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Start loads the default level.
func (s *Server) Start() error {
	now := s.cfg.Now()
	s.lastTick = now
	s.lastLog = now
	s.lastRate = now
	if err := s.LoadLevel(s.cfg.DefaultLevel, netip.AddrPort{}); err != nil {
		return fmt.Errorf("failed to load default level: %w", err)
	}
	return nil
}

// Run ticks the server at its frame rate until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("level", s.controller.LevelName()).
		Str("address", s.net.LocalAddr().String()).
		Msg("Server running")

	frame := s.cfg.Timing.FrameTime
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Server stopping")
			return nil
		case <-timer.C:
		}

		start := s.cfg.Now()
		if err := s.Tick(start); err != nil {
			if errors.Is(err, network.ErrClosed) {
				return nil
			}
			return err
		}

		sleep := frame - s.cfg.Now().Sub(start)
		if sleep < 0 {
			sleep = 0
		}
		timer.Reset(sleep)
	}
}

// Tick runs one loop iteration: queued commands, snapshots, network
// bookkeeping, periodic reporting and as many fixed simulation steps as the
// elapsed time requires.
func (s *Server) Tick(now time.Time) error {
	elapsed := now.Sub(s.lastTick)
	if elapsed > maxFrameTime {
		elapsed = maxFrameTime
	}
	if elapsed < 0 {
		elapsed = 0
	}
	s.lastTick = now
	s.accumulator += elapsed.Seconds()

	s.runCommands()
	s.sendClientUpdates(now)

	if err := s.net.Update(); err != nil {
		return err
	}
	s.netUpdates++
	s.dropRejected()

	if now.Sub(s.lastLog) > s.cfg.LogInterval {
		s.logState(now)
	}
	if now.Sub(s.lastRate) > rateCheckInterval {
		s.checkUpdateRate(now)
	}

	step := s.cfg.Timing.FrameTime.Seconds()
	for s.accumulator > step {
		s.frames++
		s.controller.UpdateShared(s.gametime, step)
		s.controller.Update(s.gametime, step)
		s.gametime += step
		s.accumulator -= step
	}
	return nil
}

func (s *Server) runCommands() {
	for {
		select {
		case fn := <-s.commands:
			fn(s)
		default:
			return
		}
	}
}

// LoadLevel switches every peer to the named level. When from is valid and
// loading fails, from is told why.
func (s *Server) LoadLevel(name string, from netip.AddrPort) error {
	static, dynamic, err := s.instantiate(name)
	if err != nil {
		s.logger.Warn().Err(err).Str("level", name).Msg("Failed to load level")
		if from.IsValid() {
			s.sendInvalidCmd(from, fmt.Sprintf("Map %s is invalid", name))
		}
		return err
	}

	if dropped := s.controller.LoadLevel(name, static, dynamic, s.gametime); dropped > 0 {
		s.logger.Warn().Int("dropped", dropped).Msg("Level has too many static entities")
	}
	s.logger.Info().
		Str("level", name).
		Int("static", len(static)).
		Int("dynamic", len(dynamic)).
		Msg("Loaded level")

	for _, addr := range s.sortedPeers() {
		pd := s.players[addr]
		pd.id = s.controller.CreatePlayer(s.gametime)
		pd.hasInput = false
		pd.lastInputAck = NoInputAck
		s.sendInitLevel(addr, pd.id)
	}
	if s.journal != nil {
		s.journal.LevelLoaded(name)
	}
	s.publishStatus(s.cfg.Now(), 0, 0)
	return nil
}

func (s *Server) instantiate(name string) (static, dynamic []gamestate.Entity, err error) {
	l, err := s.levels.Load(name)
	if err != nil {
		return nil, nil, err
	}
	return s.game.Instantiate(l)
}

// SetSvar validates and applies a server variable, broadcasting the new
// value. Invalid requests from a peer are answered with the valid values.
func (s *Server) SetSvar(name, value string, from netip.AddrPort) error {
	v, ok := s.svars.Var(name)
	if !ok {
		err := fmt.Errorf("%w: %s", vars.ErrUnknownVar, name)
		if from.IsValid() {
			s.sendInvalidCmd(from, err.Error())
		}
		return err
	}
	if !v.IsValid(value) {
		s.logger.Info().Str("name", name).Str("value", value).Str("peer", from.String()).Msg("Rejected invalid svar value")
		if from.IsValid() {
			s.sendInvalidCmd(from, v.ValidValues())
		}
		return fmt.Errorf("%s: %w: %s", name, vars.ErrInvalidValue, v.ValidValues())
	}
	if err := v.Set(value); err != nil {
		return err
	}
	s.logger.Info().Str("name", name).Str("value", v.String()).Str("peer", from.String()).Msg("Svar changed")

	data, err := s.reg.Pack(&SvarMsg{Name: name, Value: v.String()})
	if err != nil {
		return fmt.Errorf("failed to pack svar update: %w", err)
	}
	return s.net.Broadcast(s.msgs.SvarUpdate, data)
}

// Kick disconnects a peer.
func (s *Server) Kick(peer netip.AddrPort) error {
	return s.net.Disconnect(peer)
}

// OnConnect creates the peer's player and sends it the level and svars.
func (s *Server) OnConnect(addr netip.AddrPort) {
	if _, exists := s.players[addr]; exists {
		s.logger.Error().Str("peer", addr.String()).Msg("Player already exists")
		return
	}

	if len(s.players) >= s.maxPlayers.Get() {
		s.logger.Warn().Str("peer", addr.String()).Int("max", s.maxPlayers.Get()).Msg("Server full, rejecting peer")
		s.rejectPeer(addr, "Server is full")
		return
	}

	id := s.controller.CreatePlayer(s.gametime)
	s.players[addr] = &playerData{id: id, lastInputAck: NoInputAck, acked: make(gamestate.IDSet)}
	s.logger.Info().Str("peer", addr.String()).Uint32("player", id).Msg("Adding player")

	s.sendInitLevel(addr, id)
	for _, name := range s.svars.Names() {
		value, _ := s.svars.Get(name)
		data, err := s.reg.Pack(&SvarMsg{Name: name, Value: value})
		if err != nil {
			s.logger.Warn().Err(err).Str("name", name).Msg("Failed to pack svar")
			continue
		}
		if _, err := s.net.Queue(addr, s.msgs.SvarUpdate, data); err != nil {
			s.logger.Warn().Err(err).Str("peer", addr.String()).Msg("Failed to queue svar")
		}
	}

	if s.journal != nil {
		s.journal.PeerConnected(addr, id)
	}
}

func (s *Server) rejectPeer(addr netip.AddrPort, reason string) {
	data, err := s.reg.Pack(&InvalidCmdMsg{Message: reason})
	if err == nil {
		_, err = s.net.SendImmediate(addr, s.msgs.InvalidCmd, data)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", addr.String()).Msg("Failed to notify rejected peer")
	}
	s.rejected = append(s.rejected, addr)
	s.rejectedTotal++
}

func (s *Server) dropRejected() {
	for _, addr := range s.rejected {
		if err := s.net.Disconnect(addr); err != nil {
			s.logger.Debug().Err(err).Str("peer", addr.String()).Msg("Rejected peer already gone")
		}
	}
	s.rejected = s.rejected[:0]
}

// OnDisconnect removes the peer's player.
func (s *Server) OnDisconnect(addr netip.AddrPort) {
	pd, ok := s.players[addr]
	if !ok {
		s.logger.Info().Str("peer", addr.String()).Msg("Disconnected peer had no player")
		return
	}
	s.logger.Info().Str("peer", addr.String()).Uint32("player", pd.id).Msg("Dropping player")
	s.controller.RemovePlayer(pd.id, s.gametime)
	delete(s.players, addr)

	if s.journal != nil {
		stats, _ := s.net.Board().Get(addr.String())
		s.journal.PeerDisconnected(addr, stats)
	}
}

func (s *Server) onInputCommand(id uint16, payload []byte, peer netip.AddrPort) error {
	pd, ok := s.players[peer]
	if !ok {
		return nil
	}
	var cmd gamestate.InputCommand
	if _, err := s.reg.Unpack(payload, &cmd); err != nil {
		return fmt.Errorf("input command: %w", err)
	}

	s.controller.SimulatePlayerInput(s.gametime, pd.id, cmd)
	if !pd.hasInput || protocol.SequenceLessThan(uint16(pd.lastInputAck), id) {
		pd.lastInputAck = uint32(id)
		pd.hasInput = true
	}
	return nil
}

func (s *Server) onSetSvar(id uint16, payload []byte, peer netip.AddrPort) error {
	if _, ok := s.players[peer]; !ok {
		return nil
	}
	var msg SvarMsg
	if _, err := s.reg.Unpack(payload, &msg); err != nil {
		return fmt.Errorf("set svar: %w", err)
	}
	if err := s.SetSvar(msg.Name, msg.Value, peer); err != nil && !errors.Is(err, vars.ErrInvalidValue) && !errors.Is(err, vars.ErrUnknownVar) {
		return err
	}
	return nil
}

func (s *Server) onLoadLevel(id uint16, payload []byte, peer netip.AddrPort) error {
	if _, ok := s.players[peer]; !ok {
		return nil
	}
	var msg LoadLevelMsg
	if _, err := s.reg.Unpack(payload, &msg); err != nil {
		return fmt.Errorf("load level: %w", err)
	}
	_ = s.LoadLevel(msg.Name, peer)
	return nil
}

func (s *Server) sendInitLevel(addr netip.AddrPort, player uint32) {
	data, err := s.reg.Pack(&InitLevelMsg{LevelPath: s.controller.LevelName(), PlayerID: player})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to pack init level")
		return
	}
	if _, err := s.net.SendImmediate(addr, s.msgs.InitLevel, data); err != nil {
		s.logger.Warn().Err(err).Str("peer", addr.String()).Msg("Failed to send init level")
	}
}

func (s *Server) sendInvalidCmd(addr netip.AddrPort, message string) {
	if len(message) > 255 {
		message = message[:255]
	}
	data, err := s.reg.Pack(&InvalidCmdMsg{Message: message})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to pack invalid command")
		return
	}
	if _, err := s.net.Queue(addr, s.msgs.InvalidCmd, data); err != nil {
		s.logger.Warn().Err(err).Str("peer", addr.String()).Msg("Failed to queue invalid command")
	}
}

func (s *Server) sendClientUpdates(now time.Time) {
	for _, addr := range s.net.ConnectedPeers() {
		pd, ok := s.players[addr]
		if !ok {
			continue
		}
		conn, err := s.net.Connection(addr)
		if err != nil {
			continue
		}
		if now.Sub(conn.LastSendTime()) <= s.cfg.Timing.sendInterval(conn) {
			continue
		}
		if err := s.sendSnapshot(addr, pd); err != nil {
			s.logger.Warn().Err(err).Str("peer", addr.String()).Msg("Failed to send snapshot")
		}
	}
}

func (s *Server) sendSnapshot(addr netip.AddrPort, pd *playerData) error {
	ts, err := s.reg.Pack(&TimestampMsg{Timestamp: float32(s.gametime)})
	if err != nil {
		return err
	}
	if _, err := s.net.Queue(addr, s.msgs.Timestamp, ts); err != nil {
		return err
	}

	life, acked := s.controller.LifeDelta(pd.acked, gamestate.MaxLifeMessages)
	update, err := s.reg.Pack(&GamestateUpdateMsg{
		LastInputAck: pd.lastInputAck,
		State:        s.controller.State().Dynamic(),
		LifeMsgs:     life,
	})
	if err != nil {
		return fmt.Errorf("failed to pack snapshot: %w", err)
	}
	if _, err := s.net.Queue(addr, s.msgs.GamestateUpdate, update); err != nil {
		return err
	}
	if err := s.net.SendAll(addr); err != nil {
		return err
	}

	pd.lastUpdateTime = s.gametime
	pd.acked = acked
	return nil
}

func (s *Server) sortedPeers() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(s.players))
	for addr := range s.players {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (s *Server) logState(now time.Time) {
	s.lastLog = now

	for _, st := range s.net.Board().Snapshot() {
		ev := s.logger.Info().
			Str("peer", st.Peer).
			Str("state", st.State).
			Float64("rtt", st.RTT).
			Float64("loss", st.LossPercent).
			Str("flow", st.FlowMode)
		addr, err := netip.ParseAddrPort(st.Peer)
		pd, ok := s.players[addr]
		switch {
		case err != nil || !ok:
			ev.Msg("Connection has no player")
		case s.controller.EntityIsAlive(pd.id):
			e, _ := s.controller.State().Entity(pd.id)
			ev.Uint32("player", pd.id).Stringer("position", e.Position()).Msg("Connection")
		default:
			ev.Uint32("player", pd.id).Msg("Connection")
		}
	}

	s.logger.Info().
		Str("level", s.controller.LevelName()).
		Int("static", len(s.controller.State().Static())).
		Int("dynamic", len(s.controller.State().Dynamic().Entities)).
		Int("lifecycle", s.controller.Lifecycle().Len()).
		Msg("World")
}

func (s *Server) checkUpdateRate(now time.Time) {
	delta := now.Sub(s.lastRate).Seconds()
	s.lastRate = now

	updates := float64(s.frames) / delta
	net := float64(s.netUpdates) / delta
	s.frames = 0
	s.netUpdates = 0

	requested := 1 / s.cfg.Timing.FrameTime.Seconds()
	if updates+rateSlack < requested {
		s.logger.Warn().
			Float64("updates_per_sec", updates).
			Float64("net_updates_per_sec", net).
			Msg("Problems keeping up")
	}
	s.publishStatus(now, updates, net)
}

func (s *Server) publishStatus(now time.Time, updates, net float64) {
	st := Status{
		Level:            s.controller.LevelName(),
		GameTime:         s.gametime,
		Players:          len(s.players),
		StaticEntities:   len(s.controller.State().Static()),
		DynamicEntities:  len(s.controller.State().Dynamic().Entities),
		UpdatesPerSecond: updates,
		NetPerSecond:     net,
		RejectedPeers:    s.rejectedTotal,
		UpdatedAt:        now,
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if updates == 0 && net == 0 {
		st.UpdatesPerSecond = s.status.UpdatesPerSecond
		st.NetPerSecond = s.status.NetPerSecond
	}
	s.status = st
}
