package protocol

import "fmt"

// Fragment is one message piece carried inside a packet payload.
type Fragment struct {
	Type  uint8
	ID    uint16
	Index uint8
	Count uint8
	Data  []byte
}

// Parts packs index and count into the wire nibbles.
func (f Fragment) Parts() uint8 {
	return f.Count<<4 | f.Index&0x0f
}

// WireSize is the number of bytes the fragment occupies in a payload.
func (f Fragment) WireSize() int {
	return FragmentHeaderSize + len(f.Data)
}

// AppendFragment appends the wire form of f to dst.
func AppendFragment(dst []byte, f Fragment) []byte {
	return NewPacketBuilderFrom(dst).
		WriteUint8(f.Type).
		WriteUint16(f.ID).
		WriteUint8(f.Parts()).
		WriteUint16(uint16(len(f.Data))).
		WriteBytes(f.Data).
		Build()
}

// ParseFragments splits a packet payload into its fragments. Data slices
// alias payload.
func ParseFragments(payload []byte) ([]Fragment, error) {
	var out []Fragment
	r := NewPacketReader(payload)

	for r.Remaining() > 0 {
		f := Fragment{}
		f.Type = r.ReadUint8()
		f.ID = r.ReadUint16()
		parts := r.ReadUint8()
		size := r.ReadUint16()
		f.Data = r.ReadBytes(int(size))
		if err := r.Err(); err != nil {
			return out, fmt.Errorf("fragment %d: %w", len(out), err)
		}

		f.Index = parts & 0x0f
		f.Count = parts >> 4
		if f.Count == 0 || f.Index >= f.Count {
			return out, fmt.Errorf("%w: index %d of %d", ErrBadFragment, f.Index, f.Count)
		}
		out = append(out, f)
	}

	return out, nil
}
