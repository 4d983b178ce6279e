package network

import (
	"bytes"
	"errors"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volley-project/volley/internal/protocol"
)

type testTable struct {
	types     *MessageTypes
	reliable  MessageType
	state     MessageType
	unordered MessageType
}

func newTestTable() testTable {
	mt := NewMessageTypes()
	return testTable{
		types:     mt,
		reliable:  mt.AddReliable("command"),
		state:     mt.AddUnreliable("state", 2),
		unordered: mt.AddUnreliable("ping", Unordered),
	}
}

type delivery struct {
	id      uint16
	payload []byte
}

type recorder struct {
	got []delivery
}

func (r *recorder) handler(id uint16, payload []byte, _ netip.AddrPort) error {
	r.got = append(r.got, delivery{id: id, payload: append([]byte(nil), payload...)})
	return nil
}

func (r *recorder) ids() []uint16 {
	out := make([]uint16, 0, len(r.got))
	for _, d := range r.got {
		out = append(out, d.id)
	}
	return out
}

func single(t MessageType, id uint16, data string) []byte {
	return protocol.AppendFragment(nil, protocol.Fragment{Type: uint8(t), ID: id, Count: 1, Data: []byte(data)})
}

func TestDispatcherReliableInOrder(t *testing.T) {
	tt := newTestTable()
	d := NewDispatcher(tt.types, addrA)
	rec := &recorder{}
	d.RegisterHandler(tt.reliable, rec.handler)

	require.NoError(t, d.Receive(single(tt.reliable, 0, "zero")))
	require.NoError(t, d.Receive(single(tt.reliable, 2, "two")))
	assert.Equal(t, 1, d.Pending())
	require.NoError(t, d.Receive(single(tt.reliable, 1, "one")))
	require.NoError(t, d.Receive(single(tt.reliable, 3, "three")))

	assert.Equal(t, []uint16{0, 1, 2, 3}, rec.ids())
	assert.Equal(t, []byte("two"), rec.got[2].payload)
	assert.Zero(t, d.Pending())

	require.NoError(t, d.Receive(single(tt.reliable, 2, "two")))
	assert.Len(t, rec.got, 4)
}

func TestDispatcherReliableWaitsForGap(t *testing.T) {
	tt := newTestTable()
	d := NewDispatcher(tt.types, addrA)
	rec := &recorder{}
	d.RegisterHandler(tt.reliable, rec.handler)

	require.NoError(t, d.Receive(single(tt.reliable, 1, "one")))
	require.NoError(t, d.Receive(single(tt.reliable, 2, "two")))
	assert.Empty(t, rec.got)
	assert.Equal(t, 2, d.Pending())

	require.NoError(t, d.Receive(single(tt.reliable, 0, "zero")))
	assert.Equal(t, []uint16{0, 1, 2}, rec.ids())
}

func TestDispatcherReliableAcrossWrap(t *testing.T) {
	tt := newTestTable()
	d := NewDispatcher(tt.types, addrA)
	rec := &recorder{}
	d.RegisterHandler(tt.reliable, rec.handler)
	d.newestReliable = 65533

	for _, id := range []uint16{65535, 65534, 1, 0} {
		require.NoError(t, d.Receive(single(tt.reliable, id, "x")))
	}
	assert.Equal(t, []uint16{65534, 65535, 0, 1}, rec.ids())
}

func TestDispatcherUnreliableTolerance(t *testing.T) {
	tt := newTestTable()

	t.Run("far behind is discarded", func(t *testing.T) {
		d := NewDispatcher(tt.types, addrA)
		rec := &recorder{}
		d.RegisterHandler(tt.state, rec.handler)

		require.NoError(t, d.Receive(single(tt.state, 13, "")))
		require.NoError(t, d.Receive(single(tt.state, 10, "")))
		assert.Equal(t, []uint16{13}, rec.ids())
	})

	t.Run("slightly behind is accepted", func(t *testing.T) {
		d := NewDispatcher(tt.types, addrA)
		rec := &recorder{}
		d.RegisterHandler(tt.state, rec.handler)

		require.NoError(t, d.Receive(single(tt.state, 11, "")))
		require.NoError(t, d.Receive(single(tt.state, 10, "")))
		assert.Equal(t, []uint16{11, 10}, rec.ids())
	})

	t.Run("newest never rewinds", func(t *testing.T) {
		d := NewDispatcher(tt.types, addrA)
		rec := &recorder{}
		d.RegisterHandler(tt.state, rec.handler)

		for _, id := range []uint16{13, 12, 11, 10} {
			require.NoError(t, d.Receive(single(tt.state, id, "")))
		}
		assert.Equal(t, []uint16{13, 12, 11}, rec.ids())
	})

	t.Run("unordered accepts anything", func(t *testing.T) {
		d := NewDispatcher(tt.types, addrA)
		rec := &recorder{}
		d.RegisterHandler(tt.unordered, rec.handler)

		for _, id := range []uint16{100, 1, 50} {
			require.NoError(t, d.Receive(single(tt.unordered, id, "")))
		}
		assert.Equal(t, []uint16{100, 1, 50}, rec.ids())
	})
}

func fragmentsOf(t *testing.T, tt testTable, size int) ([]byte, [][]byte) {
	t.Helper()
	w := &captureWriter{}
	conn := NewConnection(testProto, w, addrB, newFakeClock().Now)
	s := NewSender(conn, tt.types, 0)

	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	_, err := s.SendImmediate(tt.reliable, data)
	require.NoError(t, err)

	var payloads [][]byte
	for _, raw := range w.take() {
		pkt, err := protocol.DecodePacket(raw)
		require.NoError(t, err)
		payloads = append(payloads, pkt.Payload)
	}
	return data, payloads
}

func TestDispatcherReassemblesInAnyOrder(t *testing.T) {
	tt := newTestTable()
	chunk := DefaultMaxPacketSize - protocol.HeaderSize - protocol.FragmentHeaderSize
	data, payloads := fragmentsOf(t, tt, 3*chunk+10)
	require.Len(t, payloads, 4)

	for seed := int64(0); seed < 20; seed++ {
		d := NewDispatcher(tt.types, addrA)
		rec := &recorder{}
		d.RegisterHandler(tt.reliable, rec.handler)

		for _, i := range rand.New(rand.NewSource(seed)).Perm(len(payloads)) {
			require.NoError(t, d.Receive(payloads[i]))
		}
		require.Len(t, rec.got, 1, "seed %d", seed)
		assert.True(t, bytes.Equal(data, rec.got[0].payload), "seed %d", seed)
		assert.Zero(t, d.Partial())

		// A retransmitted copy is a duplicate.
		for _, p := range payloads {
			require.NoError(t, d.Receive(p))
		}
		assert.Len(t, rec.got, 1)
	}
}

func TestDispatcherIncompleteMessageNeverDelivered(t *testing.T) {
	tt := newTestTable()
	chunk := DefaultMaxPacketSize - protocol.HeaderSize - protocol.FragmentHeaderSize
	_, payloads := fragmentsOf(t, tt, 5*chunk)
	require.Len(t, payloads, 5)

	d := NewDispatcher(tt.types, addrA)
	rec := &recorder{}
	d.RegisterHandler(tt.reliable, rec.handler)

	for _, p := range payloads[1:] {
		require.NoError(t, d.Receive(p))
		require.NoError(t, d.Receive(p))
	}
	assert.Empty(t, rec.got)
	assert.Equal(t, 1, d.Partial())

	d.Reset()
	assert.Zero(t, d.Partial())
}

func TestDispatcherEvictsOldestPartial(t *testing.T) {
	tt := newTestTable()
	d := NewDispatcher(tt.types, addrA)

	for i := 0; i <= MaxPartialMessages; i++ {
		frag := protocol.AppendFragment(nil, protocol.Fragment{
			Type: uint8(tt.state), ID: uint16(i), Index: 0, Count: 2, Data: []byte("a"),
		})
		require.NoError(t, d.Receive(frag))
	}
	assert.Equal(t, MaxPartialMessages, d.Partial())
	_, kept := d.partial[partialKey{typ: tt.state, id: 0}]
	assert.False(t, kept)
}

func TestDispatcherBundledFragments(t *testing.T) {
	tt := newTestTable()
	d := NewDispatcher(tt.types, addrA)
	rec := &recorder{}
	d.RegisterHandler(tt.reliable, rec.handler)
	d.RegisterHandler(tt.unordered, rec.handler)

	payload := append(single(tt.reliable, 0, "a"), single(tt.unordered, 7, "b")...)
	require.NoError(t, d.Receive(payload))
	assert.Equal(t, []uint16{0, 7}, rec.ids())
}

func TestDispatcherMalformedPayload(t *testing.T) {
	tt := newTestTable()
	d := NewDispatcher(tt.types, addrA)
	rec := &recorder{}
	d.RegisterHandler(tt.unordered, rec.handler)

	payload := append(single(tt.unordered, 1, "ok"), 0x02, 0x00)
	err := d.Receive(payload)
	assert.ErrorIs(t, err, protocol.ErrShortPacket)
	assert.Equal(t, []uint16{1}, rec.ids())
}

func TestDispatcherUnknownTypeAndHandlerErrors(t *testing.T) {
	tt := newTestTable()
	d := NewDispatcher(tt.types, addrA)

	require.NoError(t, d.Receive(single(MessageType(200), 0, "x")))

	calls := 0
	d.RegisterHandler(tt.unordered, func(uint16, []byte, netip.AddrPort) error {
		calls++
		return errors.New("boom")
	})
	require.NoError(t, d.Receive(single(tt.unordered, 0, "x")))
	assert.Equal(t, 1, calls)
}

func TestDispatcherUnhandledReliableStillAdvances(t *testing.T) {
	tt := newTestTable()
	d := NewDispatcher(tt.types, addrA)

	require.NoError(t, d.Receive(single(tt.reliable, 0, "dropped")))

	rec := &recorder{}
	d.RegisterHandler(tt.reliable, rec.handler)
	require.NoError(t, d.Receive(single(tt.reliable, 1, "kept")))
	assert.Equal(t, []uint16{1}, rec.ids())
}
