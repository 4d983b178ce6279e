// Package protocol implements the datagram framing shared by every peer:
// the fixed packet header with sequence and acknowledgment fields, the
// message fragment records that follow it, sequence wraparound arithmetic
// and protocol version tags. All integers are big-endian.
package protocol

import (
	"errors"
	"fmt"
)

// Sizes of the fixed wire records.
const (
	// HeaderSize is version:4 sequence:2 last_ack:2 ack_bitfield:4
	// ack_received_time:2 packet_sent_time:2.
	HeaderSize = 16
	// FragmentHeaderSize is type:1 id:2 parts:1 message_size:2.
	FragmentHeaderSize = 6
	// MaxFragments is the most fragments one message may be split into.
	MaxFragments = 15
	// AckWindow is the number of sequences before last_ack carried in the bitfield.
	AckWindow = 32
)

var (
	// ErrShortPacket is returned when a datagram is smaller than its declared records.
	ErrShortPacket = errors.New("protocol: short packet")
	// ErrVersionMismatch is returned for a version tag no compatible protocol produces.
	ErrVersionMismatch = errors.New("protocol: version mismatch")
	// ErrBadFragment is returned for fragment records with an impossible index or count.
	ErrBadFragment = errors.New("protocol: malformed fragment")
)

// Header is the fixed prefix of every datagram.
type Header struct {
	Version         uint32
	Sequence        uint16
	LastAck         uint16
	AckBitfield     uint32
	AckReceivedTime uint16
	PacketSentTime  uint16
}

// ProcessingDelay is the time in milliseconds the remote peer held the
// acknowledged packet before answering, modulo 2^16.
func (h Header) ProcessingDelay() uint16 {
	return h.PacketSentTime - h.AckReceivedTime
}

// Acked returns last_ack followed by every sequence flagged in the bitfield,
// newest first.
func (h Header) Acked() []uint16 {
	out := make([]uint16, 0, 1+AckWindow)
	out = append(out, h.LastAck)
	for i := 0; i < AckWindow; i++ {
		if h.AckBitfield&(1<<uint(i)) != 0 {
			out = append(out, h.LastAck-1-uint16(i))
		}
	}
	return out
}

// Packet is one datagram: the header and the concatenated fragment records.
type Packet struct {
	Header
	Payload []byte
}

// Encode appends the wire form of the packet to dst.
func (p *Packet) Encode(dst []byte) []byte {
	b := NewPacketBuilderFrom(dst)
	b.WriteUint32(p.Version).
		WriteUint16(p.Sequence).
		WriteUint16(p.LastAck).
		WriteUint32(p.AckBitfield).
		WriteUint16(p.AckReceivedTime).
		WriteUint16(p.PacketSentTime).
		WriteBytes(p.Payload)
	return b.Build()
}

// DecodePacket parses a datagram. The returned payload aliases data.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrShortPacket, len(data), HeaderSize)
	}

	r := NewPacketReader(data)
	p := &Packet{}
	p.Version = r.ReadUint32()
	p.Sequence = r.ReadUint16()
	p.LastAck = r.ReadUint16()
	p.AckBitfield = r.ReadUint32()
	p.AckReceivedTime = r.ReadUint16()
	p.PacketSentTime = r.ReadUint16()
	p.Payload = r.Rest()
	return p, r.Err()
}
