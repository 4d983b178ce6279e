package codec

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

type kind uint8

const (
	kindBool kind = iota + 1
	kindInt8
	kindInt16
	kindInt32
	kindInt64
	kindUint8
	kindUint16
	kindUint32
	kindUint64
	kindFloat32
	kindFloat64
	kindString
	kindRecord
	kindUnion
	kindSlice
	kindMap
)

const (
	defaultStringLen = 255
	maxStringLen     = 255
	defaultPrefix    = 1
)

func (k kind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindInt8:
		return "int8"
	case kindInt16:
		return "int16"
	case kindInt32:
		return "int32"
	case kindInt64:
		return "int64"
	case kindUint8:
		return "uint8"
	case kindUint16:
		return "uint16"
	case kindUint32:
		return "uint32"
	case kindUint64:
		return "uint64"
	case kindFloat32:
		return "float32"
	case kindFloat64:
		return "float64"
	case kindString:
		return "string"
	case kindRecord:
		return "record"
	case kindUnion:
		return "union"
	case kindSlice:
		return "slice"
	case kindMap:
		return "map"
	default:
		return "unknown"
	}
}

func (k kind) primitive() bool { return k >= kindBool && k <= kindString }

func (k kind) collection() bool { return k == kindSlice || k == kindMap }

// valueCodec describes how one field, element, key or value is encoded.
type valueCodec struct {
	kind   kind
	typ    reflect.Type
	strLen int
	prefix int
	record *Schema
	ptr    bool
	key    *valueCodec
	elem   *valueCodec
}

func (c *valueCodec) size() int {
	switch c.kind {
	case kindBool, kindInt8, kindUint8:
		return 1
	case kindInt16, kindUint16:
		return 2
	case kindInt32, kindUint32, kindFloat32:
		return 4
	case kindInt64, kindUint64, kindFloat64:
		return 8
	case kindString:
		return 1 + c.strLen
	}
	return 0
}

// minSize is the smallest encoding of the value, used to reject element
// counts that cannot fit in the remaining input.
func (c *valueCodec) minSize() int {
	switch {
	case c.kind.primitive():
		return c.size()
	case c.kind == kindUnion:
		return 1
	case c.kind.collection():
		return c.prefix
	case c.kind == kindRecord && c.record != nil:
		return c.record.min
	}
	return 0
}

func (c *valueCodec) maxCount() uint64 {
	switch c.prefix {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	default:
		return 0xffffffff
	}
}

// Field is one serialized member of a record.
type Field struct {
	Name  string
	Kind  string
	index int
	codec *valueCodec
}

// Schema is the derived pack layout of a record type.
type Schema struct {
	typ         reflect.Type
	fixed       []Field
	collections []Field
	nested      []Field
	min         int
}

// Type returns the record type the schema describes.
func (s *Schema) Type() reflect.Type { return s.typ }

// Fields returns the fields in the order their headers appear on the wire:
// primitives, collections, then nested records.
func (s *Schema) Fields() []Field {
	out := make([]Field, 0, len(s.fixed)+len(s.collections)+len(s.nested))
	out = append(out, s.fixed...)
	out = append(out, s.collections...)
	out = append(out, s.nested...)
	return out
}

// FixedSize returns the number of bytes taken by the primitive block.
func (s *Schema) FixedSize() int {
	n := 0
	for _, f := range s.fixed {
		n += f.codec.size()
	}
	return n
}

// Schema returns the cached schema for a struct type, building it on first use.
func (r *Registry) Schema(t reflect.Type) (*Schema, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.RLock()
	s, ok := r.schemas[t]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schemaLocked(t)
}

func (r *Registry) schemaLocked(t reflect.Type) (*Schema, error) {
	if s, ok := r.schemas[t]; ok {
		return s, nil
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrUnsupported, t)
	}

	// Registered before the fields resolve so self-referencing records terminate.
	s := &Schema{typ: t}
	r.schemas[t] = s

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag, ok := sf.Tag.Lookup("wire")
		if !ok || tag == "-" || !sf.IsExported() {
			continue
		}

		name, opts, err := parseTag(tag)
		if err != nil {
			delete(r.schemas, t)
			return nil, fmt.Errorf("%s.%s: %w", t.Name(), sf.Name, err)
		}
		if name == "" {
			name = sf.Name
		}

		c, err := r.codecFor(sf.Type, opts, true)
		if err != nil {
			delete(r.schemas, t)
			return nil, fmt.Errorf("%s.%s: %w", t.Name(), sf.Name, err)
		}

		f := Field{Name: name, Kind: c.kind.String(), index: i, codec: c}
		switch {
		case c.kind.primitive():
			s.fixed = append(s.fixed, f)
		case c.kind.collection():
			s.collections = append(s.collections, f)
		default:
			s.nested = append(s.nested, f)
		}
		s.min += c.minSize()
	}

	byName := func(fs []Field) {
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].Name < fs[j].Name })
	}
	byName(s.fixed)
	byName(s.collections)
	byName(s.nested)

	for _, group := range [][]Field{s.fixed, s.collections, s.nested} {
		for i := 1; i < len(group); i++ {
			if group[i].Name == group[i-1].Name {
				delete(r.schemas, t)
				return nil, fmt.Errorf("%s: duplicate wire name %q", t.Name(), group[i].Name)
			}
		}
	}

	return s, nil
}

type tagOptions struct {
	strLen int
	prefix int
}

func parseTag(tag string) (string, tagOptions, error) {
	opts := tagOptions{strLen: defaultStringLen, prefix: defaultPrefix}
	parts := strings.Split(tag, ",")

	for _, p := range parts[1:] {
		key, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			return "", opts, fmt.Errorf("malformed wire option %q", p)
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return "", opts, fmt.Errorf("wire option %s: %w", key, err)
		}

		switch key {
		case "len":
			if n < 0 || n > maxStringLen {
				return "", opts, fmt.Errorf("string length %d out of range [0,%d]", n, maxStringLen)
			}
			opts.strLen = n
		case "prefix":
			if n != 1 && n != 2 && n != 4 {
				return "", opts, fmt.Errorf("collection prefix must be 1, 2 or 4, got %d", n)
			}
			opts.prefix = n
		default:
			return "", opts, fmt.Errorf("unknown wire option %q", key)
		}
	}

	return strings.TrimSpace(parts[0]), opts, nil
}

func (r *Registry) codecFor(t reflect.Type, opts tagOptions, top bool) (*valueCodec, error) {
	c := &valueCodec{typ: t}

	switch t.Kind() {
	case reflect.Bool:
		c.kind = kindBool
	case reflect.Int8:
		c.kind = kindInt8
	case reflect.Int16:
		c.kind = kindInt16
	case reflect.Int32:
		c.kind = kindInt32
	case reflect.Int64:
		c.kind = kindInt64
	case reflect.Uint8:
		c.kind = kindUint8
	case reflect.Uint16:
		c.kind = kindUint16
	case reflect.Uint32:
		c.kind = kindUint32
	case reflect.Uint64:
		c.kind = kindUint64
	case reflect.Float32:
		c.kind = kindFloat32
	case reflect.Float64:
		c.kind = kindFloat64
	case reflect.String:
		c.kind = kindString
		c.strLen = opts.strLen
	case reflect.Struct:
		s, err := r.schemaLocked(t)
		if err != nil {
			return nil, err
		}
		c.kind = kindRecord
		c.record = s
	case reflect.Pointer:
		if t.Elem().Kind() != reflect.Struct {
			return nil, fmt.Errorf("%w: pointer to %s", ErrUnsupported, t.Elem())
		}
		s, err := r.schemaLocked(t.Elem())
		if err != nil {
			return nil, err
		}
		c.kind = kindRecord
		c.record = s
		c.ptr = true
	case reflect.Interface:
		c.kind = kindUnion
	case reflect.Slice:
		if !top {
			return nil, fmt.Errorf("%w: nested collection %s", ErrUnsupported, t)
		}
		elem, err := r.codecFor(t.Elem(), opts, false)
		if err != nil {
			return nil, err
		}
		c.kind = kindSlice
		c.prefix = opts.prefix
		c.elem = elem
	case reflect.Map:
		if !top {
			return nil, fmt.Errorf("%w: nested collection %s", ErrUnsupported, t)
		}
		key, err := r.codecFor(t.Key(), opts, false)
		if err != nil {
			return nil, err
		}
		if !key.kind.primitive() || key.kind == kindFloat32 || key.kind == kindFloat64 {
			return nil, fmt.Errorf("%w: map key %s", ErrUnsupported, t.Key())
		}
		elem, err := r.codecFor(t.Elem(), opts, false)
		if err != nil {
			return nil, err
		}
		c.kind = kindMap
		c.prefix = opts.prefix
		c.key = key
		c.elem = elem
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}

	return c, nil
}
