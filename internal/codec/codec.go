// Package codec implements the declarative binary serialization used for every
// message payload on the wire.
//
// A record is any struct whose serialized fields carry a `wire` tag:
//
//	type InitLevel struct {
//		LevelPath string `wire:"level_path,len=255"`
//		PlayerID  uint32 `wire:"player_id"`
//	}
//
// The tag holds the field name followed by options: len=N sets the fixed
// width of string values (default 255, max 255), prefix=1|2|4 sets the width
// of a collection's element count (default 1). Untagged fields and fields
// tagged "-" are transient and never packed.
//
// Field kinds follow the Go type: fixed-width integers, float32/float64, bool
// and string are primitives; structs and pointers to structs are nested
// records; interface fields are polymorphic and resolved through unions
// registered on the Registry; slices and maps are length-prefixed
// collections.
//
// Pack order is derived once per type: primitives, then collection counts,
// then nested and polymorphic records, then collection contents. Each group
// is sorted by field name. Integers are big-endian.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrTruncated is returned when input ends before a record is complete.
	ErrTruncated = errors.New("codec: truncated input")
	// ErrUnknownTag is returned when a polymorphic tag has no registered variant.
	ErrUnknownTag = errors.New("codec: unknown polymorphic tag")
	// ErrTooLong is returned when a string or collection exceeds its declared width.
	ErrTooLong = errors.New("codec: value exceeds declared width")
	// ErrUnsupported is returned for Go types that have no wire representation.
	ErrUnsupported = errors.New("codec: unsupported type")
)

// BeforePacker is implemented by records that derive transient state before
// being packed.
type BeforePacker interface {
	BeforePack() error
}

// AfterUnpacker is implemented by records that rebuild transient state after
// being unpacked.
type AfterUnpacker interface {
	AfterUnpack() error
}

// Registry caches record schemas and owns the polymorphic unions. Build one at
// startup, register every union, then share it between the packing sites.
type Registry struct {
	mu      sync.RWMutex
	schemas map[reflect.Type]*Schema
	unions  map[reflect.Type]*union
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[reflect.Type]*Schema),
		unions:  make(map[reflect.Type]*union),
	}
}

// Pack serializes the record pointed to by v.
func (r *Registry) Pack(v any) ([]byte, error) {
	return r.AppendPack(nil, v)
}

// AppendPack serializes v and appends the bytes to dst.
func (r *Registry) AppendPack(dst []byte, v any) ([]byte, error) {
	rv, err := recordValue(v)
	if err != nil {
		return dst, err
	}

	s, err := r.Schema(rv.Type())
	if err != nil {
		return dst, err
	}

	e := encoder{reg: r, buf: dst}
	if err := e.record(s, rv); err != nil {
		return dst, fmt.Errorf("pack %s: %w", rv.Type(), err)
	}
	return e.buf, nil
}

// Unpack decodes a record from data into the struct pointed to by v and
// returns the bytes that follow it.
func (r *Registry) Unpack(data []byte, v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return data, fmt.Errorf("%w: unpack target must be a non-nil struct pointer, got %T", ErrUnsupported, v)
	}
	rv = rv.Elem()

	s, err := r.Schema(rv.Type())
	if err != nil {
		return data, err
	}

	d := decoder{reg: r, data: data}
	if err := d.record(s, rv); err != nil {
		return data, fmt.Errorf("unpack %s: %w", rv.Type(), err)
	}
	return data[d.off:], nil
}

func recordValue(v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return rv, fmt.Errorf("%w: nil record %T", ErrUnsupported, v)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return rv, fmt.Errorf("%w: %T is not a record", ErrUnsupported, v)
	}
	return rv, nil
}
