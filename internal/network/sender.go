package network

import (
	"errors"
	"fmt"

	"github.com/volley-project/volley/internal/protocol"
)

// DefaultMaxPacketSize is the largest datagram the sender produces.
const DefaultMaxPacketSize = 1400

var (
	// ErrMessageTooLarge is returned when a message needs more than
	// protocol.MaxFragments fragments.
	ErrMessageTooLarge = errors.New("network: message too large")
	// ErrUnknownMessageType is returned for a type missing from the table.
	ErrUnknownMessageType = errors.New("network: unknown message type")
)

// Sender splits messages into fragments and hands them to a Connection,
// either right away or bundled on the next SendAll. Reliable and
// unreliable fragments never share a packet.
type Sender struct {
	conn       *Connection
	types      *MessageTypes
	maxPayload int

	reliableID   uint16
	unreliableID uint16

	queued         [][]byte
	queuedReliable [][]byte
}

// NewSender creates a sender writing through conn. maxPacketSize <= 0 uses
// DefaultMaxPacketSize.
func NewSender(conn *Connection, types *MessageTypes, maxPacketSize int) *Sender {
	if maxPacketSize <= protocol.HeaderSize+protocol.FragmentHeaderSize {
		maxPacketSize = DefaultMaxPacketSize
	}
	return &Sender{
		conn:       conn,
		types:      types,
		maxPayload: maxPacketSize - protocol.HeaderSize,
	}
}

// MaxMessageSize returns the largest payload a single message can carry.
func (s *Sender) MaxMessageSize() int {
	return s.chunkSize() * protocol.MaxFragments
}

func (s *Sender) chunkSize() int {
	return s.maxPayload - protocol.FragmentHeaderSize
}

// Queue fragments data and holds it for the next SendAll. It returns the
// message id.
func (s *Sender) Queue(t MessageType, data []byte) (uint16, error) {
	reliable, err := s.check(t, data)
	if err != nil {
		return 0, err
	}

	id := s.nextID(reliable)
	for _, frag := range s.fragments(t, id, data) {
		if reliable {
			s.queuedReliable = append(s.queuedReliable, frag)
		} else {
			s.queued = append(s.queued, frag)
		}
	}
	return id, nil
}

// SendImmediate fragments data and writes one packet per fragment.
func (s *Sender) SendImmediate(t MessageType, data []byte) (uint16, error) {
	reliable, err := s.check(t, data)
	if err != nil {
		return 0, err
	}

	id := s.nextID(reliable)
	var errs []error
	for _, frag := range s.fragments(t, id, data) {
		if reliable {
			_, err = s.conn.SendDataReliable(frag)
		} else {
			_, err = s.conn.SendData(frag)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return id, errors.Join(errs...)
}

// SendAll bundles every queued fragment into as few packets as fit and
// clears the queues.
func (s *Sender) SendAll() error {
	var errs []error
	for _, payload := range s.bundle(s.queued) {
		if _, err := s.conn.SendData(payload); err != nil {
			errs = append(errs, err)
		}
	}
	for _, payload := range s.bundle(s.queuedReliable) {
		if _, err := s.conn.SendDataReliable(payload); err != nil {
			errs = append(errs, err)
		}
	}
	s.queued = nil
	s.queuedReliable = nil
	return errors.Join(errs...)
}

// Queued returns the number of fragments waiting for SendAll.
func (s *Sender) Queued() int {
	return len(s.queued) + len(s.queuedReliable)
}

func (s *Sender) check(t MessageType, data []byte) (bool, error) {
	if !s.types.Valid(t) {
		return false, fmt.Errorf("%w: %d", ErrUnknownMessageType, t)
	}
	if n := s.fragmentCount(len(data)); n > protocol.MaxFragments {
		return false, fmt.Errorf("%w: %s needs %d fragments for %d bytes, limit %d",
			ErrMessageTooLarge, s.types.Name(t), n, len(data), protocol.MaxFragments)
	}
	return s.types.IsReliable(t), nil
}

func (s *Sender) nextID(reliable bool) uint16 {
	if reliable {
		id := s.reliableID
		s.reliableID = protocol.NextSequence(id)
		return id
	}
	id := s.unreliableID
	s.unreliableID = protocol.NextSequence(id)
	return id
}

func (s *Sender) fragmentCount(size int) int {
	chunk := s.chunkSize()
	if size == 0 {
		return 1
	}
	return (size + chunk - 1) / chunk
}

// fragments returns the encoded fragment records of one message.
func (s *Sender) fragments(t MessageType, id uint16, data []byte) [][]byte {
	chunk := s.chunkSize()
	count := s.fragmentCount(len(data))
	out := make([][]byte, 0, count)

	for i := 0; i < count; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(data) {
			end = len(data)
		}
		f := protocol.Fragment{
			Type:  uint8(t),
			ID:    id,
			Index: uint8(i),
			Count: uint8(count),
			Data:  data[start:end],
		}
		out = append(out, protocol.AppendFragment(make([]byte, 0, f.WireSize()), f))
	}
	return out
}

// bundle concatenates fragment records into payloads no larger than
// maxPayload.
func (s *Sender) bundle(frags [][]byte) [][]byte {
	var out [][]byte
	var cur []byte

	for _, f := range frags {
		if len(cur) > 0 && len(cur)+len(f) > s.maxPayload {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, f...)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
