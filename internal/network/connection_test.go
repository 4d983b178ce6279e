package network

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volley-project/volley/internal/protocol"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: epoch} }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// captureWriter records every datagram written through it.
type captureWriter struct {
	sent [][]byte
}

func (w *captureWriter) WriteToUDPAddrPort(b []byte, _ netip.AddrPort) (int, error) {
	w.sent = append(w.sent, append([]byte(nil), b...))
	return len(b), nil
}

func (w *captureWriter) take() [][]byte {
	out := w.sent
	w.sent = nil
	return out
}

type recordingCallbacks struct {
	connects    []netip.AddrPort
	disconnects []netip.AddrPort
}

func (r *recordingCallbacks) OnConnect(p netip.AddrPort)    { r.connects = append(r.connects, p) }
func (r *recordingCallbacks) OnDisconnect(p netip.AddrPort) { r.disconnects = append(r.disconnects, p) }

var (
	testProto = protocol.New("volley-test", "1")
	addrA     = netip.MustParseAddrPort("10.0.0.1:4000")
	addrB     = netip.MustParseAddrPort("10.0.0.2:5000")
)

type connPair struct {
	clock  *fakeClock
	a, b   *Connection
	wa, wb *captureWriter
	ca, cb *recordingCallbacks
}

func newConnPair() *connPair {
	p := &connPair{
		clock: newFakeClock(),
		wa:    &captureWriter{},
		wb:    &captureWriter{},
		ca:    &recordingCallbacks{},
		cb:    &recordingCallbacks{},
	}
	p.a = NewConnection(testProto, p.wa, addrB, p.clock.Now)
	p.b = NewConnection(testProto, p.wb, addrA, p.clock.Now)
	p.a.RegisterCallbacks(p.ca)
	p.b.RegisterCallbacks(p.cb)
	return p
}

func deliver(t *testing.T, to *Connection, packets [][]byte) {
	t.Helper()
	for _, pkt := range packets {
		_, err := to.ReceiveData(pkt)
		require.NoError(t, err)
	}
}

func (p *connPair) handshake(t *testing.T) {
	t.Helper()
	require.NoError(t, p.a.Update())
	deliver(t, p.b, p.wa.take())
	require.NoError(t, p.b.Update())
	deliver(t, p.a, p.wb.take())
	require.Equal(t, StateConnected, p.a.State())

	_, err := p.a.SendData(nil)
	require.NoError(t, err)
	deliver(t, p.b, p.wa.take())
	require.Equal(t, StateConnected, p.b.State())
}

func TestConnectionHandshake(t *testing.T) {
	p := newConnPair()
	assert.Equal(t, StateInitializing, p.a.State())

	p.handshake(t)

	assert.Equal(t, []netip.AddrPort{addrB}, p.ca.connects)
	assert.Equal(t, []netip.AddrPort{addrA}, p.cb.connects)
	assert.Empty(t, p.ca.disconnects)
}

func TestConnectionAckBitfield(t *testing.T) {
	p := newConnPair()

	for i := 0; i < 5; i++ {
		_, err := p.a.SendData([]byte{byte(i)})
		require.NoError(t, err)
	}
	sent := p.wa.take()
	require.Len(t, sent, 5)
	deliver(t, p.b, [][]byte{sent[0], sent[1], sent[3], sent[4]})

	_, err := p.b.SendData(nil)
	require.NoError(t, err)
	out := p.wb.take()
	require.Len(t, out, 1)

	pkt, err := protocol.DecodePacket(out[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(4), pkt.LastAck)
	assert.Equal(t, uint32(0b1101), pkt.AckBitfield)
	assert.Equal(t, []uint16{4, 3, 1, 0}, pkt.Acked())
}

func TestConnectionEmptyHistoryAcksNothing(t *testing.T) {
	p := newConnPair()
	_, err := p.a.SendData(nil)
	require.NoError(t, err)

	pkt, err := protocol.DecodePacket(p.wa.take()[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(0), pkt.LastAck)
	assert.Equal(t, uint32(0), pkt.AckBitfield)
}

func TestConnectionDropsStaleAndDuplicatePackets(t *testing.T) {
	p := newConnPair()
	p.handshake(t)

	_, err := p.a.SendData([]byte("first"))
	require.NoError(t, err)
	_, err = p.a.SendData([]byte("second"))
	require.NoError(t, err)
	sent := p.wa.take()

	got, err := p.b.ReceiveData(sent[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got.Payload)

	got, err = p.b.ReceiveData(sent[0])
	require.NoError(t, err, "reordered packets inside the history window are kept")
	assert.Equal(t, []byte("first"), got.Payload)

	_, err = p.b.ReceiveData(sent[1])
	assert.ErrorIs(t, err, ErrDuplicatePacket)
	_, err = p.b.ReceiveData(sent[0])
	assert.ErrorIs(t, err, ErrDuplicatePacket)

	_, err = p.a.SendData([]byte("late"))
	require.NoError(t, err)
	late := p.wa.take()[0]
	for i := 0; i < receiveHistoryLen+2; i++ {
		_, err := p.a.SendData(nil)
		require.NoError(t, err)
	}
	deliver(t, p.b, p.wa.take())

	_, err = p.b.ReceiveData(late)
	assert.ErrorIs(t, err, ErrStalePacket)
}

func TestConnectionAcceptsOutOfOrderWhileInitializing(t *testing.T) {
	p := newConnPair()
	for i := 0; i < 2; i++ {
		_, err := p.a.SendData(nil)
		require.NoError(t, err)
	}
	sent := p.wa.take()

	deliver(t, p.b, [][]byte{sent[1], sent[0]})
	assert.Equal(t, StateInitializing, p.b.State())
}

func TestConnectionRejectsVersionMismatch(t *testing.T) {
	p := newConnPair()
	other := NewConnection(protocol.New("volley-test", "2"), &captureWriter{}, addrA, p.clock.Now)

	_, err := p.a.SendData(nil)
	require.NoError(t, err)

	_, err = other.ReceiveData(p.wa.take()[0])
	assert.ErrorIs(t, err, protocol.ErrVersionMismatch)
	assert.Equal(t, StateInitializing, other.State())
	assert.Zero(t, other.Stats().PacketsReceived)
}

func TestConnectionAcceptsCompatibleVersion(t *testing.T) {
	clock := newFakeClock()
	old := NewConnection(protocol.New("volley-test", "1"), &captureWriter{}, addrA, clock.Now)
	w := &captureWriter{}
	sender := NewConnection(protocol.New("volley-test", "1"), w, addrB, clock.Now)
	current := NewConnection(protocol.New("volley-test", "2", "1"), &captureWriter{}, addrA, clock.Now)

	_, err := sender.SendData(nil)
	require.NoError(t, err)
	pkt := w.take()[0]

	_, err = current.ReceiveData(pkt)
	assert.NoError(t, err)
	_, err = old.ReceiveData(pkt)
	assert.NoError(t, err)
}

func TestConnectionShortPacket(t *testing.T) {
	p := newConnPair()
	_, err := p.a.ReceiveData([]byte{1, 2, 3})
	assert.ErrorIs(t, err, protocol.ErrShortPacket)
}

func TestConnectionRTTSubtractsProcessingDelay(t *testing.T) {
	p := newConnPair()

	require.NoError(t, p.a.Update())
	sent := p.wa.take()

	p.clock.Advance(40 * time.Millisecond)
	deliver(t, p.b, sent)

	p.clock.Advance(30 * time.Millisecond)
	_, err := p.b.SendData(nil)
	require.NoError(t, err)
	reply := p.wb.take()

	p.clock.Advance(40 * time.Millisecond)
	deliver(t, p.a, reply)

	s := p.a.Stats()
	assert.InDelta(t, 110, s.LastRTT, 0.001)
	assert.InDelta(t, 80, s.NetLastRTT, 0.001)
	assert.InDelta(t, 0.9*initialRTT+0.1*110, s.RTT, 0.001)
	assert.InDelta(t, 0.9*initialRTT+0.1*80, s.NetRTT, 0.001)
}

func TestConnectionResendsLostReliablePayload(t *testing.T) {
	p := newConnPair()
	p.handshake(t)
	p.wa.take()

	seq, err := p.a.SendDataReliable([]byte("hello"))
	require.NoError(t, err)
	p.wa.take()
	assert.Equal(t, 1, p.a.PendingReliable())

	p.clock.Advance(PacketLostAfter + time.Millisecond)
	require.NoError(t, p.a.Update())

	resent := p.wa.take()
	require.Len(t, resent, 1)
	pkt, err := protocol.DecodePacket(resent[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pkt.Payload)
	assert.NotEqual(t, seq, pkt.Sequence)
	assert.Equal(t, 1, p.a.PendingReliable())
	assert.NotZero(t, p.a.Stats().PacketsLost)

	// Acknowledging the new sequence clears the payload.
	deliver(t, p.b, resent)
	_, err = p.b.SendData(nil)
	require.NoError(t, err)
	deliver(t, p.a, p.wb.take())
	assert.Zero(t, p.a.PendingReliable())
}

func TestConnectionHeartbeat(t *testing.T) {
	p := newConnPair()
	p.handshake(t)
	p.wa.take()

	p.clock.Advance(50 * time.Millisecond)
	require.NoError(t, p.a.Update())
	assert.Empty(t, p.wa.take())

	p.clock.Advance(60 * time.Millisecond)
	require.NoError(t, p.a.Update())
	beats := p.wa.take()
	require.Len(t, beats, 1)

	pkt, err := protocol.DecodePacket(beats[0])
	require.NoError(t, err)
	assert.Empty(t, pkt.Payload)
}

func TestConnectionTimesOut(t *testing.T) {
	p := newConnPair()
	p.handshake(t)

	p.clock.Advance(ConnectionTimeout + time.Millisecond)
	require.NoError(t, p.a.Update())

	assert.Equal(t, StateDisconnected, p.a.State())
	assert.Equal(t, []netip.AddrPort{addrB}, p.ca.disconnects)
	assert.Zero(t, p.a.InFlight())

	_, err := p.a.SendData(nil)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestConnectionInitializingTimesOut(t *testing.T) {
	p := newConnPair()
	require.NoError(t, p.a.Update())

	p.clock.Advance(ConnectionTimeout + time.Millisecond)
	require.NoError(t, p.a.Update())
	assert.Equal(t, StateDisconnected, p.a.State())
}

func TestSequenceWrapInHistory(t *testing.T) {
	p := newConnPair()
	p.a.sequence = protocol.MaxSequence - 1

	for i := 0; i < 4; i++ {
		_, err := p.a.SendData(nil)
		require.NoError(t, err)
	}
	deliver(t, p.b, p.wa.take())

	_, err := p.b.SendData(nil)
	require.NoError(t, err)
	pkt, err := protocol.DecodePacket(p.wb.take()[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(1), pkt.LastAck)
	assert.Equal(t, []uint16{1, 0, 65535, 65534}, pkt.Acked()[:4])
}

func TestSizeWindowRate(t *testing.T) {
	var w sizeWindow
	assert.Zero(t, w.rate())

	w.add(epoch, 100)
	w.add(epoch.Add(time.Second), 300)
	assert.Equal(t, 300, w.last())
	assert.InDelta(t, 400, w.rate(), 0.001)
}
