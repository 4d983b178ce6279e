package network

import (
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/protocol"
)

const (
	// RecentReliableWindow is how many delivered reliable ids are remembered
	// for duplicate detection.
	RecentReliableWindow = 32
	// MaxPartialMessages bounds the multi-fragment messages buffered per peer.
	MaxPartialMessages = 128
)

// ReceiveHandler is called once per delivered message.
type ReceiveHandler func(id uint16, payload []byte, peer netip.AddrPort) error

type partialKey struct {
	typ MessageType
	id  uint16
}

type partialMessage struct {
	parts    [][]byte
	received int
}

type pendingMessage struct {
	typ     MessageType
	payload []byte
}

// Dispatcher reassembles fragments from one peer and enforces per-type
// delivery rules: reliable messages are handed over once each in id order,
// unreliable ones are dropped when they fall too far behind the newest.
type Dispatcher struct {
	types    *MessageTypes
	peer     netip.AddrPort
	handlers map[MessageType]ReceiveHandler
	observer Observer
	logger   zerolog.Logger

	recent      [RecentReliableWindow]uint16
	recentNext  int
	recentCount int

	newestReliable uint16
	pending        map[uint16]pendingMessage

	newestUnreliable uint16

	partial      map[partialKey]*partialMessage
	partialOrder []partialKey
}

// NewDispatcher creates the dispatcher for messages from peer.
func NewDispatcher(types *MessageTypes, peer netip.AddrPort) *Dispatcher {
	return &Dispatcher{
		types:            types,
		peer:             peer,
		handlers:         make(map[MessageType]ReceiveHandler),
		observer:         nopObserver{},
		logger:           log.With().Str("component", "dispatcher").Str("peer", peer.String()).Logger(),
		newestReliable:   protocol.MaxSequence,
		newestUnreliable: protocol.MaxSequence,
		pending:          make(map[uint16]pendingMessage),
		partial:          make(map[partialKey]*partialMessage),
	}
}

// RegisterHandler sets the handler for t, replacing any previous one.
func (d *Dispatcher) RegisterHandler(t MessageType, fn ReceiveHandler) {
	d.handlers[t] = fn
}

// SetObserver routes drop counters to o.
func (d *Dispatcher) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	d.observer = o
}

// Receive processes the fragment records of one packet payload. A malformed
// record aborts the rest of the payload; fragments before it are kept.
func (d *Dispatcher) Receive(payload []byte) error {
	frags, err := protocol.ParseFragments(payload)
	for _, f := range frags {
		d.receiveFragment(f)
	}
	if err != nil {
		d.observer.MessageDropped("malformed")
		return fmt.Errorf("dispatch from %s: %w", d.peer, err)
	}
	return nil
}

func (d *Dispatcher) receiveFragment(f protocol.Fragment) {
	t := MessageType(f.Type)
	if !d.types.Valid(t) {
		d.logger.Warn().Uint8("type", f.Type).Msg("dropping fragment of unknown message type")
		d.observer.MessageDropped("unknown_type")
		return
	}

	if f.Count == 1 {
		d.process(t, f.ID, f.Data)
		return
	}

	key := partialKey{typ: t, id: f.ID}
	msg, ok := d.partial[key]
	if ok && len(msg.parts) != int(f.Count) {
		d.logger.Warn().Uint16("id", f.ID).Uint8("count", f.Count).Int("expected", len(msg.parts)).
			Msg("dropping fragment with inconsistent part count")
		d.observer.MessageDropped("inconsistent_fragment")
		return
	}
	if !ok {
		msg = &partialMessage{parts: make([][]byte, f.Count)}
		d.addPartial(key, msg)
	}

	if msg.parts[f.Index] == nil {
		msg.received++
	}
	msg.parts[f.Index] = append([]byte{}, f.Data...)
	if msg.received < len(msg.parts) {
		return
	}

	d.removePartial(key)
	size := 0
	for _, p := range msg.parts {
		size += len(p)
	}
	data := make([]byte, 0, size)
	for _, p := range msg.parts {
		data = append(data, p...)
	}
	d.process(t, f.ID, data)
}

func (d *Dispatcher) addPartial(key partialKey, msg *partialMessage) {
	if len(d.partialOrder) >= MaxPartialMessages {
		oldest := d.partialOrder[0]
		d.partialOrder = d.partialOrder[1:]
		delete(d.partial, oldest)
		d.observer.MessageDropped("reassembly_evicted")
	}
	d.partial[key] = msg
	d.partialOrder = append(d.partialOrder, key)
}

func (d *Dispatcher) removePartial(key partialKey) {
	delete(d.partial, key)
	for i, k := range d.partialOrder {
		if k == key {
			d.partialOrder = append(d.partialOrder[:i], d.partialOrder[i+1:]...)
			break
		}
	}
}

// process applies the delivery rules to a complete message.
func (d *Dispatcher) process(t MessageType, id uint16, payload []byte) {
	if d.types.IsReliable(t) {
		d.processReliable(t, id, payload)
		return
	}
	d.processUnreliable(t, id, payload)
}

func (d *Dispatcher) processReliable(t MessageType, id uint16, payload []byte) {
	if d.seenRecently(id) {
		d.logger.Debug().Uint16("id", id).Str("type", d.types.Name(t)).Msg("discarding duplicate reliable message")
		d.observer.MessageDropped("duplicate")
		return
	}
	d.remember(id)

	if id != protocol.NextSequence(d.newestReliable) {
		d.pending[id] = pendingMessage{typ: t, payload: payload}
		return
	}

	d.deliverReliable(t, id, payload)
	for {
		next := protocol.NextSequence(d.newestReliable)
		msg, ok := d.pending[next]
		if !ok {
			break
		}
		delete(d.pending, next)
		d.deliverReliable(msg.typ, next, msg.payload)
	}
	d.purgePending()
}

func (d *Dispatcher) deliverReliable(t MessageType, id uint16, payload []byte) {
	d.newestReliable = id
	d.handle(t, id, payload)
}

// purgePending drops buffered messages that are no longer ahead of the
// delivered stream; they are retransmissions that missed the duplicate window.
func (d *Dispatcher) purgePending() {
	for id := range d.pending {
		if !protocol.SequenceLessThan(d.newestReliable, id) {
			delete(d.pending, id)
			d.observer.MessageDropped("duplicate")
		}
	}
}

func (d *Dispatcher) seenRecently(id uint16) bool {
	for i := 0; i < d.recentCount; i++ {
		if d.recent[i] == id {
			return true
		}
	}
	return false
}

func (d *Dispatcher) remember(id uint16) {
	d.recent[d.recentNext] = id
	d.recentNext = (d.recentNext + 1) % RecentReliableWindow
	if d.recentCount < RecentReliableWindow {
		d.recentCount++
	}
}

func (d *Dispatcher) processUnreliable(t MessageType, id uint16, payload []byte) {
	if tolerance := d.types.Tolerance(t); tolerance >= 0 {
		threshold := d.newestUnreliable - uint16(tolerance)
		if protocol.SequenceLessThan(id, threshold) {
			d.logger.Debug().Uint16("id", id).Uint16("newest", d.newestUnreliable).Str("type", d.types.Name(t)).
				Msg("discarding out of order message")
			d.observer.MessageDropped("out_of_order")
			return
		}
	}

	if protocol.SequenceLessThan(d.newestUnreliable, id) {
		d.newestUnreliable = id
	}
	d.handle(t, id, payload)
}

func (d *Dispatcher) handle(t MessageType, id uint16, payload []byte) {
	fn, ok := d.handlers[t]
	if !ok {
		d.logger.Debug().Str("type", d.types.Name(t)).Msg("no handler registered, dropping message")
		d.observer.MessageDropped("unhandled")
		return
	}
	if err := fn(id, payload, d.peer); err != nil {
		d.logger.Warn().Err(err).Uint16("id", id).Str("type", d.types.Name(t)).Msg("message handler failed")
		d.observer.MessageDropped("handler_error")
	}
}

// Pending returns the number of reliable messages waiting for a gap to fill.
func (d *Dispatcher) Pending() int { return len(d.pending) }

// Partial returns the number of incomplete multi-fragment messages.
func (d *Dispatcher) Partial() int { return len(d.partial) }

// Reset discards buffered and reassembly state.
func (d *Dispatcher) Reset() {
	d.pending = make(map[uint16]pendingMessage)
	d.partial = make(map[partialKey]*partialMessage)
	d.partialOrder = nil
}
