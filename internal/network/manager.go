package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/protocol"
)

const (
	defaultInboundQueue = 1024
	minReadBuffer       = 2048
)

var (
	// ErrUnknownPeer is returned when addressing a peer the manager has no
	// connection for.
	ErrUnknownPeer = errors.New("network: unknown peer")
	// ErrNotConnected is returned when sending to a peer that has not
	// completed the handshake.
	ErrNotConnected = errors.New("network: peer not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("network: manager closed")
)

// PacketConn is the datagram socket a Manager owns. *net.UDPConn
// implements it.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Listen opens a UDP socket on address with SO_REUSEADDR set. An empty
// host listens on every interface; port 0 picks a free port.
func Listen(ctx context.Context, address string) (*net.UDPConn, error) {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	return pc.(*net.UDPConn), nil
}

// Options tunes a Manager. The zero value is usable.
type Options struct {
	// MaxPacketSize caps outbound datagrams; 0 means DefaultMaxPacketSize.
	MaxPacketSize int
	// RateLimit is the inbound datagrams per second accepted from one
	// source address; 0 disables limiting.
	RateLimit float64
	// RateBurst is the limiter bucket size; 0 means twice RateLimit.
	RateBurst int
	// InboundQueue is the capacity of the reader-to-loop channel.
	InboundQueue int
	// Observer receives transport counters.
	Observer Observer
	// Now replaces the wall clock for connection timing.
	Now func() time.Time
}

type datagram struct {
	from netip.AddrPort
	data []byte
}

type peer struct {
	conn       *Connection
	sender     *Sender
	dispatcher *Dispatcher
}

// Manager owns a datagram socket and one Connection, Sender and Dispatcher
// per remote address. A reader goroutine moves datagrams into a channel;
// every other method, Update included, must be called from a single loop.
type Manager struct {
	proto  *protocol.Protocol
	types  *MessageTypes
	pc     PacketConn
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	peers     map[netip.AddrPort]*peer
	handlers  map[MessageType]ReceiveHandler
	callbacks []ConnectionCallbacks
	board     *StatsBoard

	inbound chan datagram
	limiter *sourceLimiter
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewManager starts reading from pc. The manager takes ownership of pc and
// closes it on Close.
func NewManager(proto *protocol.Protocol, types *MessageTypes, pc PacketConn, opts Options) *Manager {
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = DefaultMaxPacketSize
	}
	if opts.InboundQueue <= 0 {
		opts.InboundQueue = defaultInboundQueue
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		proto:    proto,
		types:    types,
		pc:       pc,
		opts:     opts,
		now:      now,
		logger:   log.With().Str("component", "netmanager").Str("local", pc.LocalAddr().String()).Logger(),
		peers:    make(map[netip.AddrPort]*peer),
		handlers: make(map[MessageType]ReceiveHandler),
		board:    NewStatsBoard(),
		inbound:  make(chan datagram, opts.InboundQueue),
		limiter:  newSourceLimiter(opts.RateLimit, opts.RateBurst),
		closed:   make(chan struct{}),
	}

	m.wg.Add(1)
	go m.readLoop()

	m.logger.Info().Str("protocol", proto.String()).Msg("network manager started")
	return m
}

func (m *Manager) readLoop() {
	defer m.wg.Done()

	size := m.opts.MaxPacketSize * 2
	if size < minReadBuffer {
		size = minReadBuffer
	}
	buf := make([]byte, size)

	for {
		n, from, err := m.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable surfaces here on some platforms.
			m.logger.Debug().Err(err).Msg("udp read error")
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if m.limiter != nil && !m.limiter.Allow(from, time.Now()) {
			m.opts.Observer.PacketDropped("rate_limited")
			continue
		}

		dg := datagram{from: from, data: append([]byte(nil), buf[:n]...)}
		select {
		case m.inbound <- dg:
		case <-m.closed:
			return
		default:
			m.opts.Observer.PacketDropped("queue_full")
		}
	}
}

// Update drains every datagram received since the last call, then runs
// loss detection, timeouts and heartbeats on every connection. Call once
// per loop tick.
func (m *Manager) Update() error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

drain:
	for {
		select {
		case dg := <-m.inbound:
			m.receive(dg)
		default:
			break drain
		}
	}

	for addr, p := range m.peers {
		if err := p.conn.Update(); err != nil {
			m.logger.Debug().Err(err).Str("peer", addr.String()).Msg("connection update failed")
		}
	}

	m.board.Publish(m.Stats())
	return nil
}

func (m *Manager) receive(dg datagram) {
	p, ok := m.peers[dg.from]
	if !ok {
		if !m.admit(dg) {
			return
		}
		p = m.addPeer(dg.from)
	}

	pkt, err := p.conn.ReceiveData(dg.data)
	if err != nil {
		m.logger.Debug().Err(err).Str("peer", dg.from.String()).Msg("dropping packet")
		m.opts.Observer.PacketDropped(dropReason(err))
		return
	}
	if len(pkt.Payload) == 0 {
		return
	}
	if err := p.dispatcher.Receive(pkt.Payload); err != nil {
		m.logger.Warn().Err(err).Str("peer", dg.from.String()).Msg("malformed packet payload")
	}
}

// admit decides whether a datagram from an unknown address may create a peer.
func (m *Manager) admit(dg datagram) bool {
	pkt, err := protocol.DecodePacket(dg.data)
	if err != nil {
		m.logger.Debug().Err(err).Str("from", dg.from.String()).Msg("ignoring undecodable datagram")
		m.opts.Observer.PacketDropped(dropReason(err))
		return false
	}
	if !m.proto.IsValid(pkt.Version) {
		m.logger.Debug().Str("from", dg.from.String()).Uint32("version", pkt.Version).Msg("ignoring incompatible protocol version")
		m.opts.Observer.PacketDropped("version")
		return false
	}
	return true
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrVersionMismatch):
		return "version"
	case errors.Is(err, protocol.ErrShortPacket):
		return "short"
	case errors.Is(err, ErrStalePacket):
		return "stale"
	case errors.Is(err, ErrDuplicatePacket):
		return "duplicate"
	default:
		return "other"
	}
}

func (m *Manager) addPeer(addr netip.AddrPort) *peer {
	if p, ok := m.peers[addr]; ok {
		return p
	}

	conn := NewConnection(m.proto, m.pc, addr, m.now)
	conn.SetObserver(m.opts.Observer)
	conn.RegisterCallbacks(peerEvents{m})

	d := NewDispatcher(m.types, addr)
	d.SetObserver(m.opts.Observer)
	for t, fn := range m.handlers {
		d.RegisterHandler(t, fn)
	}

	p := &peer{
		conn:       conn,
		sender:     NewSender(conn, m.types, m.opts.MaxPacketSize),
		dispatcher: d,
	}
	m.peers[addr] = p
	m.logger.Info().Str("peer", addr.String()).Msg("new peer")
	return p
}

// peerEvents forwards connection lifecycle events to the manager.
type peerEvents struct{ m *Manager }

func (e peerEvents) OnConnect(addr netip.AddrPort) {
	for _, cb := range e.m.callbacks {
		cb.OnConnect(addr)
	}
}

func (e peerEvents) OnDisconnect(addr netip.AddrPort) {
	if p, ok := e.m.peers[addr]; ok {
		p.dispatcher.Reset()
		delete(e.m.peers, addr)
	}
	e.m.logger.Info().Str("peer", addr.String()).Msg("peer removed")
	for _, cb := range e.m.callbacks {
		cb.OnDisconnect(addr)
	}
}

// Connect starts a handshake with addr. It is a no-op for a known peer.
func (m *Manager) Connect(addr netip.AddrPort) {
	m.addPeer(netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
}

func (m *Manager) connected(addr netip.AddrPort) (*peer, error) {
	p, ok := m.peers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	if p.conn.State() != StateConnected {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, addr, p.conn.State())
	}
	return p, nil
}

// SendImmediate writes a message to addr now. It returns the message id.
func (m *Manager) SendImmediate(addr netip.AddrPort, t MessageType, data []byte) (uint16, error) {
	p, err := m.connected(addr)
	if err != nil {
		return 0, err
	}
	return p.sender.SendImmediate(t, data)
}

// Queue holds a message for addr until the next SendAll.
func (m *Manager) Queue(addr netip.AddrPort, t MessageType, data []byte) (uint16, error) {
	p, err := m.connected(addr)
	if err != nil {
		return 0, err
	}
	return p.sender.Queue(t, data)
}

// SendAll flushes the messages queued for addr.
func (m *Manager) SendAll(addr netip.AddrPort) error {
	p, err := m.connected(addr)
	if err != nil {
		return err
	}
	return p.sender.SendAll()
}

// Broadcast sends a message to every connected peer immediately.
func (m *Manager) Broadcast(t MessageType, data []byte) error {
	var errs []error
	for _, addr := range m.ConnectedPeers() {
		if _, err := m.SendImmediate(addr, t, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterReceiveHandler sets the handler for t on every current and
// future peer.
func (m *Manager) RegisterReceiveHandler(t MessageType, fn ReceiveHandler) {
	m.handlers[t] = fn
	for _, p := range m.peers {
		p.dispatcher.RegisterHandler(t, fn)
	}
}

// RegisterConnectionCallbacks adds a connect/disconnect listener.
func (m *Manager) RegisterConnectionCallbacks(cb ConnectionCallbacks) {
	m.callbacks = append(m.callbacks, cb)
}

// Connection returns the connection to a connected peer.
func (m *Manager) Connection(addr netip.AddrPort) (*Connection, error) {
	p, err := m.connected(addr)
	if err != nil {
		return nil, err
	}
	return p.conn, nil
}

// ConnectedPeers lists connected peers in address order.
func (m *Manager) ConnectedPeers() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(m.peers))
	for addr, p := range m.peers {
		if p.conn.State() == StateConnected {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// PeerCount returns the number of known peers in any state.
func (m *Manager) PeerCount() int { return len(m.peers) }

// Disconnect drops a peer immediately, firing the disconnect callbacks.
func (m *Manager) Disconnect(addr netip.AddrPort) error {
	p, ok := m.peers[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	p.conn.Disconnect()
	return nil
}

// Stats returns the stats of every known peer.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.conn.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Board returns the stats snapshot published after every Update. It is safe
// to read from any goroutine.
func (m *Manager) Board() *StatsBoard { return m.board }

// LocalAddr returns the socket address.
func (m *Manager) LocalAddr() net.Addr { return m.pc.LocalAddr() }

// Close disconnects every peer, closes the socket and waits for the reader.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		for _, p := range m.peers {
			p.conn.Disconnect()
		}
		close(m.closed)
		err = m.pc.Close()
		m.wg.Wait()
		m.logger.Info().Msg("network manager stopped")
	})
	return err
}
