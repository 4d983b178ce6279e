package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketBuilder appends big-endian wire records to a byte slice.
type PacketBuilder struct {
	buf []byte
}

// NewPacketBuilder creates an empty PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// NewPacketBuilderFrom creates a PacketBuilder that appends to dst.
func NewPacketBuilderFrom(dst []byte) *PacketBuilder {
	return &PacketBuilder{buf: dst}
}

// Reset clears the builder for reuse, keeping its capacity.
func (b *PacketBuilder) Reset() {
	b.buf = b.buf[:0]
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v byte) *PacketBuilder {
	b.buf = append(b.buf, v)
	return b
}

// WriteUint16 writes a uint16.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

// WriteUint32 writes a uint32.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf = append(b.buf, data...)
	return b
}

// Build returns the constructed bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return len(b.buf)
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(b.buf), b.buf)
}

// PacketReader consumes big-endian wire records. The first short read sets
// Err and every later read returns zero.
type PacketReader struct {
	data []byte
	off  int
	err  error
}

// NewPacketReader wraps data for reading.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

func (r *PacketReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortPacket, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// ReadUint8 reads one byte.
func (r *PacketReader) ReadUint8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

// ReadUint16 reads a uint16.
func (r *PacketReader) ReadUint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

// ReadUint32 reads a uint32.
func (r *PacketReader) ReadUint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// ReadBytes reads n bytes. The result aliases the input.
func (r *PacketReader) ReadBytes(n int) []byte {
	return r.take(n)
}

// Rest returns all unread bytes.
func (r *PacketReader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	b := r.data[r.off:]
	r.off = len(r.data)
	return b
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.off
}

// Err returns the first read error.
func (r *PacketReader) Err() error {
	return r.err
}
