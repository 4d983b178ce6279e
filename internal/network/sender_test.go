package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volley-project/volley/internal/protocol"
)

func newTestSender() (*Sender, *Connection, *captureWriter, testTable) {
	tt := newTestTable()
	w := &captureWriter{}
	conn := NewConnection(testProto, w, addrB, newFakeClock().Now)
	return NewSender(conn, tt.types, 0), conn, w, tt
}

func decodeAll(t *testing.T, raw [][]byte) [][]protocol.Fragment {
	t.Helper()
	out := make([][]protocol.Fragment, 0, len(raw))
	for _, r := range raw {
		pkt, err := protocol.DecodePacket(r)
		require.NoError(t, err)
		frags, err := protocol.ParseFragments(pkt.Payload)
		require.NoError(t, err)
		out = append(out, frags)
	}
	return out
}

func TestSenderSeparateIDCounters(t *testing.T) {
	s, _, _, tt := newTestSender()

	for want := uint16(0); want < 3; want++ {
		id, err := s.SendImmediate(tt.reliable, []byte("r"))
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	id, err := s.Queue(tt.state, []byte("u"))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), id)
	id, err = s.Queue(tt.reliable, []byte("r"))
	require.NoError(t, err)
	assert.Equal(t, uint16(3), id)
}

func TestSenderRejectsOversizedMessageBeforeIO(t *testing.T) {
	s, _, w, tt := newTestSender()

	_, err := s.SendImmediate(tt.reliable, make([]byte, s.MaxMessageSize()+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	_, err = s.Queue(tt.state, make([]byte, s.MaxMessageSize()+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Empty(t, w.sent)
	assert.Zero(t, s.Queued())

	id, err := s.SendImmediate(tt.reliable, make([]byte, s.MaxMessageSize()))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), id)

	packets := decodeAll(t, w.take())
	require.Len(t, packets, protocol.MaxFragments)
	for i, frags := range packets {
		require.Len(t, frags, 1)
		assert.Equal(t, uint8(i), frags[0].Index)
		assert.Equal(t, uint8(protocol.MaxFragments), frags[0].Count)
		assert.LessOrEqual(t, protocol.HeaderSize+frags[0].WireSize(), DefaultMaxPacketSize)
	}
}

func TestSenderUnknownType(t *testing.T) {
	s, _, _, _ := newTestSender()
	_, err := s.SendImmediate(MessageType(99), nil)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestSenderEmptyMessageIsOneFragment(t *testing.T) {
	s, _, w, tt := newTestSender()
	_, err := s.SendImmediate(tt.unordered, nil)
	require.NoError(t, err)

	packets := decodeAll(t, w.take())
	require.Len(t, packets, 1)
	require.Len(t, packets[0], 1)
	assert.Equal(t, uint8(1), packets[0][0].Count)
	assert.Empty(t, packets[0][0].Data)
}

func TestSenderSendAllBundlesByReliability(t *testing.T) {
	s, conn, w, tt := newTestSender()

	for i := 0; i < 3; i++ {
		_, err := s.Queue(tt.state, []byte("state"))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := s.Queue(tt.reliable, []byte("cmd"))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, s.Queued())
	assert.Empty(t, w.sent)

	require.NoError(t, s.SendAll())
	assert.Zero(t, s.Queued())

	packets := decodeAll(t, w.take())
	require.Len(t, packets, 2)
	assert.Len(t, packets[0], 3)
	assert.Len(t, packets[1], 2)
	for _, f := range packets[0] {
		assert.Equal(t, uint8(tt.state), f.Type)
	}
	for _, f := range packets[1] {
		assert.Equal(t, uint8(tt.reliable), f.Type)
	}
	assert.Equal(t, 1, conn.PendingReliable())

	require.NoError(t, s.SendAll())
	assert.Empty(t, w.sent)
}

func TestSenderSendAllSplitsFullPackets(t *testing.T) {
	s, _, w, tt := newTestSender()

	for i := 0; i < 3; i++ {
		_, err := s.Queue(tt.state, make([]byte, 600))
		require.NoError(t, err)
	}
	require.NoError(t, s.SendAll())

	raw := w.take()
	require.Len(t, raw, 2)
	for _, r := range raw {
		assert.LessOrEqual(t, len(r), DefaultMaxPacketSize)
	}
}
