// Package network implements the per-peer reliability layer on top of UDP:
// connections with sequencing, acknowledgment and RTT estimation, the
// fragmenting sender and reassembling dispatcher, and the manager that owns
// the socket and drives every peer from the caller's loop.
package network

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/protocol"
)

// Connection timing.
const (
	ConnectionTimeout = 5 * time.Second
	PacketLostAfter   = time.Second
	rttFilterFactor   = 0.1
	initialRTT        = 50.0 // ms
	receiveHistoryLen = protocol.AckWindow + 1
	sizeWindowLen     = 64
)

var (
	// ErrStalePacket is returned for packets older than every sequence in
	// the receive history while connected.
	ErrStalePacket = errors.New("network: stale packet")
	// ErrDuplicatePacket is returned for a sequence already in the receive history.
	ErrDuplicatePacket = errors.New("network: duplicate packet")
	// ErrDisconnected is returned when sending on a terminated connection.
	ErrDisconnected = errors.New("network: connection is disconnected")
)

// State is the lifecycle stage of a Connection. Transitions only move
// forward; a dropped peer needs a new Connection.
type State int

const (
	StateInitializing State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionCallbacks is notified when a peer connects or disconnects.
type ConnectionCallbacks interface {
	OnConnect(peer netip.AddrPort)
	OnDisconnect(peer netip.AddrPort)
}

// DatagramWriter sends one datagram to a peer. *net.UDPConn implements it.
type DatagramWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Connection tracks sequencing, acknowledgment and link quality for one
// remote peer. It is not safe for concurrent use; the owning loop calls
// every method.
type Connection struct {
	proto  *protocol.Protocol
	out    DatagramWriter
	peer   netip.AddrPort
	now    func() time.Time
	logger zerolog.Logger

	state    State
	sequence uint16

	// received sequences; newest first once connected
	history        []uint16
	lastReceivedAt time.Time

	lastSendTime  time.Time
	lastAckedTime time.Time
	inFlight      map[uint16]time.Time
	reliable      map[uint16][]byte

	rtt        float64
	lastRTT    float64
	netRTT     float64
	netLastRTT float64

	packetsSent     uint64
	packetsAcked    uint64
	packetsReceived uint64
	packetsLost     uint64

	sentSizes     sizeWindow
	receivedSizes sizeWindow

	flow      *FlowControl
	callbacks []ConnectionCallbacks
	observer  Observer
}

// NewConnection creates a connection to peer in the initializing state.
// now may be nil to use the wall clock.
func NewConnection(proto *protocol.Protocol, out DatagramWriter, peer netip.AddrPort, now func() time.Time) *Connection {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Connection{
		proto:         proto,
		out:           out,
		peer:          peer,
		now:           now,
		logger:        log.With().Str("component", "connection").Str("peer", peer.String()).Logger(),
		lastAckedTime: t,
		inFlight:      make(map[uint16]time.Time),
		reliable:      make(map[uint16][]byte),
		rtt:           initialRTT,
		netRTT:        initialRTT,
		flow:          NewFlowControl(t),
		observer:      nopObserver{},
	}
}

// RegisterCallbacks adds a connect/disconnect listener.
func (c *Connection) RegisterCallbacks(cb ConnectionCallbacks) {
	c.callbacks = append(c.callbacks, cb)
}

// SetObserver routes packet counters to o.
func (c *Connection) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.observer = o
}

// SendData frames data into a packet and writes it. It returns the packet
// sequence.
func (c *Connection) SendData(data []byte) (uint16, error) {
	if c.state == StateDisconnected {
		return 0, ErrDisconnected
	}

	now := c.now()
	p := protocol.Packet{
		Header: protocol.Header{
			Version:         c.proto.Tag(),
			Sequence:        c.sequence,
			AckReceivedTime: protocol.Millis16(c.lastReceivedAt),
			PacketSentTime:  protocol.Millis16(now),
		},
		Payload: data,
	}
	p.LastAck, p.AckBitfield = c.ackFields()

	buf := p.Encode(make([]byte, 0, protocol.HeaderSize+len(data)))

	seq := c.sequence
	c.sequence = protocol.NextSequence(c.sequence)
	c.inFlight[seq] = now
	c.lastSendTime = now
	c.packetsSent++
	c.sentSizes.add(now, len(buf))

	if _, err := c.out.WriteToUDPAddrPort(buf, c.peer); err != nil {
		// Counted as sent so the loss accounting and resend still apply.
		return seq, fmt.Errorf("write to %s: %w", c.peer, err)
	}
	c.observer.PacketSent(len(buf))
	return seq, nil
}

// SendDataReliable sends data and resends it under a new sequence each time
// the carrying packet is declared lost.
func (c *Connection) SendDataReliable(data []byte) (uint16, error) {
	seq, err := c.SendData(data)
	if errors.Is(err, ErrDisconnected) {
		return seq, err
	}
	c.reliable[seq] = data
	return seq, err
}

// ackFields builds last_ack and the bitfield of the 32 sequences before it.
func (c *Connection) ackFields() (uint16, uint32) {
	if len(c.history) == 0 {
		return 0, 0
	}

	last := c.history[0]
	var bits uint32
	for _, s := range c.history[1:] {
		d := last - s
		if d >= 1 && d <= protocol.AckWindow {
			bits |= 1 << (d - 1)
		}
	}
	return last, bits
}

// ReceiveData validates an inbound datagram, consumes its acknowledgments and
// returns the decoded packet for dispatch.
func (c *Connection) ReceiveData(data []byte) (*protocol.Packet, error) {
	p, err := protocol.DecodePacket(data)
	if err != nil {
		return nil, err
	}
	if !c.proto.IsValid(p.Version) {
		return nil, fmt.Errorf("%w: tag %08x from %s", protocol.ErrVersionMismatch, p.Version, c.peer)
	}

	// Connected history is sorted newest first, so its last entry is the
	// oldest sequence still tracked. Anything between it and the newest may
	// arrive out of order.
	if c.state == StateConnected && len(c.history) > 0 {
		oldest := c.history[len(c.history)-1]
		if protocol.SequenceLessThan(p.Sequence, oldest) {
			return nil, fmt.Errorf("%w: %d behind %d", ErrStalePacket, p.Sequence, oldest)
		}
		if slices.Contains(c.history, p.Sequence) {
			return nil, fmt.Errorf("%w: %d", ErrDuplicatePacket, p.Sequence)
		}
	}

	now := c.now()
	c.packetsReceived++
	c.receivedSizes.add(now, len(data))
	c.lastReceivedAt = now
	c.observer.PacketReceived(len(data))

	connected := false
	for _, ack := range p.Acked() {
		if c.processAck(ack, p.ProcessingDelay(), now) && c.state != StateConnected {
			c.connect(now)
			connected = true
		}
	}

	c.history = append([]uint16{p.Sequence}, c.history...)
	if c.state == StateConnected {
		sort.SliceStable(c.history, func(i, j int) bool {
			return protocol.SequenceLessThan(c.history[j], c.history[i])
		})
	}
	if len(c.history) > receiveHistoryLen {
		c.history = c.history[:receiveHistoryLen]
	}

	if connected {
		c.logger.Info().Float64("rtt", c.rtt).Msg("connected")
		for _, cb := range c.callbacks {
			cb.OnConnect(c.peer)
		}
	}
	return p, nil
}

// processAck consumes one acknowledged sequence and reports whether it
// matched a tracked packet.
func (c *Connection) processAck(ack, delay uint16, now time.Time) bool {
	sentAt, ok := c.inFlight[ack]
	if !ok {
		return false
	}
	delete(c.inFlight, ack)
	delete(c.reliable, ack)

	sample := float64(now.Sub(sentAt)) / float64(time.Millisecond)
	c.lastRTT = sample
	c.rtt = lowPass(c.rtt, sample)

	net := float64(int64(sample) - int64(delay))
	if net < 0 {
		net = 0
	}
	c.netLastRTT = net
	c.netRTT = lowPass(c.netRTT, net)

	c.packetsAcked++
	c.lastAckedTime = now
	c.observer.RTT(sample)
	return true
}

// connect resets the bookkeeping for the new session. Reliable payloads stay
// tracked so they are still resent if lost.
func (c *Connection) connect(now time.Time) {
	inFlight := make(map[uint16]time.Time, len(c.reliable))
	for seq := range c.reliable {
		if at, ok := c.inFlight[seq]; ok {
			inFlight[seq] = at
		}
	}
	c.inFlight = inFlight
	c.history = nil
	c.packetsSent = 0
	c.packetsReceived = 0
	c.packetsAcked = 0
	c.packetsLost = 0
	c.state = StateConnected
	c.flow = NewFlowControl(now)
}

// Update runs once per loop tick: loss detection and resend, timeout,
// flow control and heartbeats.
func (c *Connection) Update() error {
	if c.state == StateDisconnected {
		return nil
	}

	now := c.now()
	if err := c.purgeInFlight(now); err != nil {
		return err
	}

	sinceAck := now.Sub(c.lastAckedTime)
	if c.state == StateConnected {
		c.flow.Update(c.netRTT, sinceAck, now)
	}
	if sinceAck > ConnectionTimeout {
		c.logger.Info().Dur("since_last_ack", sinceAck).Str("state", c.state.String()).Msg("connection timed out")
		c.Disconnect()
		return nil
	}

	if now.Sub(c.lastSendTime) > HeartbeatInterval {
		if _, err := c.SendData(nil); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
	}
	return nil
}

func (c *Connection) purgeInFlight(now time.Time) error {
	var expired []uint16
	for seq, sentAt := range c.inFlight {
		if now.Sub(sentAt) > PacketLostAfter {
			expired = append(expired, seq)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return protocol.SequenceLessThan(expired[i], expired[j]) })

	var errs []error
	for _, seq := range expired {
		delete(c.inFlight, seq)
		c.packetsLost++
		c.observer.PacketLost()

		data, ok := c.reliable[seq]
		if !ok {
			continue
		}
		delete(c.reliable, seq)
		newSeq, err := c.SendData(data)
		c.reliable[newSeq] = data
		if err != nil {
			errs = append(errs, err)
		}
		c.logger.Debug().Uint16("lost", seq).Uint16("resent_as", newSeq).Msg("resending reliable packet")
	}
	return errors.Join(errs...)
}

// Disconnect terminates the connection and notifies callbacks. In-flight
// and pending reliable data are discarded.
func (c *Connection) Disconnect() {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	c.history = nil
	c.inFlight = make(map[uint16]time.Time)
	c.reliable = make(map[uint16][]byte)

	for _, cb := range c.callbacks {
		cb.OnDisconnect(c.peer)
	}
}

// Peer returns the remote address.
func (c *Connection) Peer() netip.AddrPort { return c.peer }

// State returns the lifecycle stage.
func (c *Connection) State() State { return c.state }

// RTT returns the filtered round-trip time in milliseconds.
func (c *Connection) RTT() float64 { return c.rtt }

// NetRTT returns the filtered RTT minus remote processing time, in milliseconds.
func (c *Connection) NetRTT() float64 { return c.netRTT }

// Flow returns the current flow control classifier.
func (c *Connection) Flow() *FlowControl { return c.flow }

// LastSendTime returns when the last packet was written.
func (c *Connection) LastSendTime() time.Time { return c.lastSendTime }

// PendingReliable returns the number of reliable payloads awaiting an ack.
func (c *Connection) PendingReliable() int { return len(c.reliable) }

// InFlight returns the number of sent packets not yet acked or lost.
func (c *Connection) InFlight() int { return len(c.inFlight) }

// Stats returns a copy of the connection counters.
func (c *Connection) Stats() Stats {
	now := c.now()
	loss := 0.0
	if c.packetsSent > 0 {
		loss = float64(c.packetsLost) / float64(c.packetsSent) * 100
	}
	return Stats{
		Peer:            c.peer.String(),
		State:           c.state.String(),
		SinceLastAck:    now.Sub(c.lastAckedTime).Seconds(),
		RTT:             c.rtt,
		LastRTT:         c.lastRTT,
		NetRTT:          c.netRTT,
		NetLastRTT:      c.netLastRTT,
		LastSentSize:    c.sentSizes.last(),
		AvgSentBytes:    c.sentSizes.rate(),
		LastRecvSize:    c.receivedSizes.last(),
		AvgRecvBytes:    c.receivedSizes.rate(),
		PacketsSent:     c.packetsSent,
		PacketsReceived: c.packetsReceived,
		PacketsAcked:    c.packetsAcked,
		PacketsLost:     c.packetsLost,
		LossPercent:     loss,
		FlowMode:        c.flow.Mode(),
		Hysteresis:      c.flow.Hysteresis().Seconds(),
	}
}

func lowPass(old, sample float64) float64 {
	return rttFilterFactor*sample + (1-rttFilterFactor)*old
}

type sizeSample struct {
	at   time.Time
	size int
}

// sizeWindow keeps the last packet sizes for a bytes/sec average.
type sizeWindow struct {
	samples [sizeWindowLen]sizeSample
	next    int
	count   int
}

func (w *sizeWindow) add(at time.Time, size int) {
	w.samples[w.next] = sizeSample{at: at, size: size}
	w.next = (w.next + 1) % sizeWindowLen
	if w.count < sizeWindowLen {
		w.count++
	}
}

func (w *sizeWindow) last() int {
	if w.count == 0 {
		return 0
	}
	return w.samples[(w.next+sizeWindowLen-1)%sizeWindowLen].size
}

func (w *sizeWindow) rate() float64 {
	if w.count < 2 {
		return 0
	}
	first := w.samples[(w.next+sizeWindowLen-w.count)%sizeWindowLen]
	last := w.samples[(w.next+sizeWindowLen-1)%sizeWindowLen]
	window := last.at.Sub(first.at).Seconds()
	if window <= 0 {
		return 0
	}
	total := 0
	for i := 0; i < w.count; i++ {
		total += w.samples[(w.next+sizeWindowLen-w.count+i)%sizeWindowLen].size
	}
	return float64(total) / window
}
