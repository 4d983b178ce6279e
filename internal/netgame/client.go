package netgame

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/codec"
	"github.com/volley-project/volley/internal/gamestate"
	"github.com/volley-project/volley/internal/level"
	"github.com/volley-project/volley/internal/network"
	"github.com/volley-project/volley/internal/vars"
)

// InputFunc samples local input for one tick of length dt.
type InputFunc func(t, dt float64) gamestate.InputCommand

// ClientConfig configures a Client.
type ClientConfig struct {
	Timing Timing
	// Interpolation is the initial cl_interpolation value in seconds.
	Interpolation float64
	// Input drives the local player. Nil sends no input.
	Input InputFunc
}

// ClientStatus is a point-in-time summary of a running client. It is safe
// to read from any goroutine.
type ClientStatus struct {
	Server    string  `json:"server"`
	Connected bool    `json:"connected"`
	Level     string  `json:"level"`
	PlayerID  uint32  `json:"player_id"`
	LocalTime float64 `json:"local_time"`
	Snapshots int     `json:"snapshots"`
	Entities  int     `json:"entities"`
	Pending   int     `json:"pending_inputs"`
	Position  string  `json:"position,omitempty"`
}

// Client connects to one server, mirrors its world from snapshots and
// predicts the local player.
type Client struct {
	cfg        ClientConfig
	net        *network.Manager
	msgs       *Messages
	reg        *codec.Registry
	game       Game
	levels     *level.Store
	downloader *level.Downloader
	svars      *vars.Set
	cvars      *vars.Set
	interp     *vars.Value[float64]
	logger     zerolog.Logger

	remote    netip.AddrPort
	playerID  uint32
	playing   bool
	levelName string

	state          *gamestate.State
	snapshots      SnapshotBuffer
	predictor      *Predictor
	localtime      float64
	lastServerTime float64

	ctx      context.Context
	commands chan func(*Client)

	statusMu sync.RWMutex
	status   ClientStatus
}

// NewClient wires a client to a network manager. svars mirrors the
// server's variables and receives SVAR_UPDATE values.
func NewClient(cfg ClientConfig, mgr *network.Manager, msgs *Messages, reg *codec.Registry, game Game, levels *level.Store, downloader *level.Downloader, svars *vars.Set) *Client {
	cfg.Timing = cfg.Timing.withDefaults()
	if cfg.Interpolation <= 0 {
		cfg.Interpolation = 0.1
	}

	logger := log.With().Str("component", "client").Logger()
	c := &Client{
		cfg:        cfg,
		net:        mgr,
		msgs:       msgs,
		reg:        reg,
		game:       game,
		levels:     levels,
		downloader: downloader,
		svars:      svars,
		cvars:      vars.NewSet(),
		interp:     vars.NewRange(cfg.Interpolation, 0, 1),
		logger:     logger,
		state:      gamestate.NewState(),
		predictor:  NewPredictor(logger),
		ctx:        context.Background(),
		commands:   make(chan func(*Client), 16),
	}
	c.cvars.Add("cl_interpolation", c.interp)
	if !svars.Has("sv_max_players") {
		svars.Add("sv_max_players", newMaxPlayers())
	}

	mgr.RegisterReceiveHandler(msgs.GamestateUpdate, c.onGamestateUpdate)
	mgr.RegisterReceiveHandler(msgs.InitLevel, c.onInitLevel)
	mgr.RegisterReceiveHandler(msgs.Timestamp, c.onTimestamp)
	mgr.RegisterReceiveHandler(msgs.SvarUpdate, c.onSvarUpdate)
	mgr.RegisterReceiveHandler(msgs.InvalidCmd, c.onInvalidCmd)
	mgr.RegisterConnectionCallbacks(c)
	return c
}

// Svars returns the mirrored server variables.
func (c *Client) Svars() *vars.Set { return c.svars }

// Cvars returns the client variables.
func (c *Client) Cvars() *vars.Set { return c.cvars }

// State returns the displayed world.
func (c *Client) State() *gamestate.State { return c.state }

// PlayerID returns the id of the local player, if assigned.
func (c *Client) PlayerID() (uint32, bool) { return c.playerID, c.playing }

// LocalTime returns the client's estimate of the server game time.
func (c *Client) LocalTime() float64 { return c.localtime }

// Network returns the underlying manager.
func (c *Client) Network() *network.Manager { return c.net }

// Connect starts connecting to addr. The client keeps retrying every tick.
func (c *Client) Connect(addr netip.AddrPort) {
	c.remote = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	c.net.Connect(c.remote)
}

// Do schedules fn to run on the loop goroutine during the next tick.
func (c *Client) Do(ctx context.Context, fn func(*Client)) error {
	select {
	case c.commands <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last published summary.
func (c *Client) Status() ClientStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Run ticks the client at its frame rate until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.ctx = ctx
	frame := c.cfg.Timing.FrameTime
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	last := time.Now()
	accumulator := 0.0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			accumulator += now.Sub(last).Seconds()
			last = now
			for accumulator > frame.Seconds() {
				if err := c.Tick(now, frame.Seconds()); err != nil {
					if errors.Is(err, network.ErrClosed) {
						return nil
					}
					return err
				}
				accumulator -= frame.Seconds()
			}
		}
	}
}

// Tick runs one fixed step: handoffs from other goroutines, interpolation
// and prediction, input, and network bookkeeping.
func (c *Client) Tick(now time.Time, dt float64) error {
	c.runCommands()
	c.drainDownloads()

	conn, connected := c.connection()
	if connected {
		c.updateConnected(now, conn, dt)
	}

	if c.remote.IsValid() {
		c.net.Connect(c.remote)
	}
	if err := c.net.Update(); err != nil {
		return err
	}

	if connected {
		c.localtime += dt
	}
	c.publishStatus(connected)
	return nil
}

func (c *Client) connection() (*network.Connection, bool) {
	if !c.remote.IsValid() {
		return nil, false
	}
	conn, err := c.net.Connection(c.remote)
	if err != nil {
		return nil, false
	}
	return conn, true
}

func (c *Client) updateConnected(now time.Time, conn *network.Connection, dt float64) {
	if c.playing {
		Interpolate(c.state, &c.snapshots, c.renderTime(), c.playerID)
	}
	c.state.UpdateShared(c.localtime, dt)

	if c.playing && c.cfg.Input != nil {
		c.sendInput(c.cfg.Input(c.localtime, dt))
	}

	if now.Sub(conn.LastSendTime()) > c.cfg.Timing.sendInterval(conn) {
		if err := c.net.SendAll(c.remote); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to flush messages")
		}
	}
}

func (c *Client) sendInput(cmd gamestate.InputCommand) {
	data, err := c.reg.Pack(&cmd)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to pack input")
		return
	}
	id, err := c.net.Queue(c.remote, c.msgs.InputCommand, data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to queue input")
		return
	}
	c.predictor.Record(id, cmd)
	c.state.SimulatePlayerInput(c.localtime, c.playerID, cmd)
}

func (c *Client) renderTime() float64 {
	return c.localtime - c.interp.Get()
}

func (c *Client) runCommands() {
	for {
		select {
		case fn := <-c.commands:
			fn(c)
		default:
			return
		}
	}
}

func (c *Client) drainDownloads() {
	if c.downloader == nil {
		return
	}
	for {
		select {
		case res := <-c.downloader.Results():
			if res.Err != nil {
				continue
			}
			if res.Name != c.levelName {
				c.logger.Debug().Str("level", res.Name).Msg("Ignoring stale level download")
				continue
			}
			c.initLevel(res.Level)
		default:
			return
		}
	}
}

func (c *Client) initLevel(l *level.Level) {
	static, _, err := c.game.Instantiate(l)
	if err != nil {
		c.logger.Warn().Err(err).Str("level", l.Name).Msg("Failed to build level")
		return
	}
	c.state.LoadStatic(static)
	c.logger.Info().Str("level", l.Name).Int("static", len(static)).Msg("Level ready")
}

// OnConnect implements network.ConnectionCallbacks.
func (c *Client) OnConnect(addr netip.AddrPort) {
	c.logger.Info().Str("server", addr.String()).Msg("Connected")
}

// OnDisconnect implements network.ConnectionCallbacks.
func (c *Client) OnDisconnect(addr netip.AddrPort) {
	c.logger.Warn().Str("server", addr.String()).Msg("Connection lost")
	c.playing = false
	c.snapshots.Reset()
	c.predictor.Reset()
}

func (c *Client) onGamestateUpdate(id uint16, payload []byte, peer netip.AddrPort) error {
	if !c.playing {
		return nil
	}
	var msg GamestateUpdateMsg
	if _, err := c.reg.Unpack(payload, &msg); err != nil {
		return fmt.Errorf("gamestate update: %w", err)
	}
	if msg.State == nil {
		msg.State = gamestate.NewDynamicState()
	}

	c.snapshots.Push(Snapshot{State: msg.State, Time: c.lastServerTime, Life: msg.LifeMsgs})
	c.snapshots.Purge(c.renderTime())
	c.predictor.Reconcile(c.state, msg.State, c.playerID, msg.LastInputAck, c.localtime)
	return nil
}

func (c *Client) onInitLevel(id uint16, payload []byte, peer netip.AddrPort) error {
	var msg InitLevelMsg
	if _, err := c.reg.Unpack(payload, &msg); err != nil {
		return fmt.Errorf("init level: %w", err)
	}

	c.playerID = msg.PlayerID
	c.playing = true
	c.levelName = msg.LevelPath
	c.logger.Info().Str("level", msg.LevelPath).Uint32("player", msg.PlayerID).Msg("Init level")

	c.snapshots.Reset()
	c.predictor.Reset()
	c.lastServerTime = 0

	l, err := c.levels.Load(msg.LevelPath)
	switch {
	case err == nil:
		c.initLevel(l)
	case errors.Is(err, level.ErrNotFound) && c.downloader != nil:
		c.state.LoadStatic(nil)
		c.downloader.Fetch(c.ctx, msg.LevelPath)
	default:
		c.logger.Warn().Err(err).Str("level", msg.LevelPath).Msg("Cannot load level")
		c.state.LoadStatic(nil)
	}
	return nil
}

func (c *Client) onTimestamp(id uint16, payload []byte, peer netip.AddrPort) error {
	var msg TimestampMsg
	if _, err := c.reg.Unpack(payload, &msg); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	rtt := 0.0
	if conn, err := c.net.Connection(peer); err == nil {
		rtt = conn.RTT()
	}
	c.localtime = float64(msg.Timestamp) + rtt/2000
	c.lastServerTime = float64(msg.Timestamp)
	return nil
}

func (c *Client) onSvarUpdate(id uint16, payload []byte, peer netip.AddrPort) error {
	var msg SvarMsg
	if _, err := c.reg.Unpack(payload, &msg); err != nil {
		return fmt.Errorf("svar update: %w", err)
	}
	if err := c.svars.Set(msg.Name, msg.Value); err != nil {
		c.logger.Warn().Err(err).Msg("Server sent an svar we cannot apply")
		return nil
	}
	c.logger.Debug().Str("name", msg.Name).Str("value", msg.Value).Msg("Svar update")
	return nil
}

func (c *Client) onInvalidCmd(id uint16, payload []byte, peer netip.AddrPort) error {
	var msg InvalidCmdMsg
	if _, err := c.reg.Unpack(payload, &msg); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	c.logger.Warn().Str("reason", msg.Message).Msg("Server rejected command")
	return nil
}

// RequestSvar asks the server to set an svar.
func (c *Client) RequestSvar(name, value string) error {
	if len(name) > 255 || len(value) > 255 {
		return fmt.Errorf("svar name or value is too long")
	}
	return c.sendCommand(c.msgs.SetSvar, &SvarMsg{Name: name, Value: value})
}

// RequestLevel asks the server to load a level.
func (c *Client) RequestLevel(name string) error {
	if len(name) > 255 {
		return fmt.Errorf("level name is too long")
	}
	return c.sendCommand(c.msgs.LoadLevel, &LoadLevelMsg{Name: name})
}

func (c *Client) sendCommand(t network.MessageType, msg any) error {
	if _, ok := c.connection(); !ok {
		return network.ErrNotConnected
	}
	data, err := c.reg.Pack(msg)
	if err != nil {
		return err
	}
	_, err = c.net.SendImmediate(c.remote, t, data)
	return err
}

func (c *Client) publishStatus(connected bool) {
	st := ClientStatus{
		Server:    c.remote.String(),
		Connected: connected,
		Level:     c.levelName,
		LocalTime: c.localtime,
		Snapshots: c.snapshots.Len(),
		Entities:  len(c.state.Dynamic().Entities),
		Pending:   len(c.predictor.Pending()),
	}
	if c.playing {
		st.PlayerID = c.playerID
		if e, ok := c.state.Entity(c.playerID); ok {
			st.Position = e.Position().String()
		}
	}

	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}
