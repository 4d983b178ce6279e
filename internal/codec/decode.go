package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

type decoder struct {
	reg  *Registry
	data []byte
	off  int
}

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.data)-d.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, d.off, len(d.data)-d.off)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) record(s *Schema, v reflect.Value) error {
	for _, f := range s.fixed {
		if err := d.value(f.codec, v.Field(f.index)); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}

	counts := make([]int, len(s.collections))
	for i, f := range s.collections {
		n, err := d.count(f.codec.prefix)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		counts[i] = n
	}

	for _, f := range s.nested {
		if err := d.value(f.codec, v.Field(f.index)); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}

	for i, f := range s.collections {
		if err := d.contents(f.codec, v.Field(f.index), counts[i]); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}

	if h, ok := v.Addr().Interface().(AfterUnpacker); ok {
		if err := h.AfterUnpack(); err != nil {
			return fmt.Errorf("after unpack: %w", err)
		}
	}
	return nil
}

func (d *decoder) count(prefix int) (int, error) {
	b, err := d.take(prefix)
	if err != nil {
		return 0, err
	}
	switch prefix {
	case 1:
		return int(b[0]), nil
	case 2:
		return int(binary.BigEndian.Uint16(b)), nil
	default:
		return int(binary.BigEndian.Uint32(b)), nil
	}
}

func (d *decoder) contents(c *valueCodec, v reflect.Value, n int) error {
	if n == 0 {
		v.Set(reflect.Zero(c.typ))
		return nil
	}

	per := c.elem.minSize()
	if c.kind == kindMap {
		per += c.key.minSize()
	}
	if per > 0 && n > (len(d.data)-d.off)/per {
		return fmt.Errorf("%w: %d elements cannot fit in %d bytes", ErrTruncated, n, len(d.data)-d.off)
	}

	if c.kind == kindSlice {
		sl := reflect.MakeSlice(c.typ, n, n)
		for i := 0; i < n; i++ {
			if err := d.value(c.elem, sl.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		v.Set(sl)
		return nil
	}

	m := reflect.MakeMapWithSize(c.typ, n)
	for i := 0; i < n; i++ {
		key := reflect.New(c.typ.Key()).Elem()
		if err := d.value(c.key, key); err != nil {
			return fmt.Errorf("key %d: %w", i, err)
		}
		val := reflect.New(c.typ.Elem()).Elem()
		if err := d.value(c.elem, val); err != nil {
			return fmt.Errorf("[%v]: %w", key, err)
		}
		m.SetMapIndex(key, val)
	}
	v.Set(m)
	return nil
}

func (d *decoder) value(c *valueCodec, v reflect.Value) error {
	if n := c.size(); n > 0 {
		b, err := d.take(n)
		if err != nil {
			return err
		}
		return d.primitive(c, v, b)
	}

	switch c.kind {
	case kindRecord:
		if c.ptr {
			p := reflect.New(c.typ.Elem())
			if err := d.record(c.record, p.Elem()); err != nil {
				return err
			}
			v.Set(p)
			return nil
		}
		return d.record(c.record, v)
	case kindUnion:
		return d.union(c, v)
	}
	return fmt.Errorf("%w: %s outside a record", ErrUnsupported, c.kind)
}

func (d *decoder) primitive(c *valueCodec, v reflect.Value, b []byte) error {
	switch c.kind {
	case kindBool:
		v.SetBool(b[0] != 0)
	case kindInt8:
		v.SetInt(int64(int8(b[0])))
	case kindInt16:
		v.SetInt(int64(int16(binary.BigEndian.Uint16(b))))
	case kindInt32:
		v.SetInt(int64(int32(binary.BigEndian.Uint32(b))))
	case kindInt64:
		v.SetInt(int64(binary.BigEndian.Uint64(b)))
	case kindUint8:
		v.SetUint(uint64(b[0]))
	case kindUint16:
		v.SetUint(uint64(binary.BigEndian.Uint16(b)))
	case kindUint32:
		v.SetUint(uint64(binary.BigEndian.Uint32(b)))
	case kindUint64:
		v.SetUint(binary.BigEndian.Uint64(b))
	case kindFloat32:
		v.SetFloat(float64(math.Float32frombits(binary.BigEndian.Uint32(b))))
	case kindFloat64:
		v.SetFloat(math.Float64frombits(binary.BigEndian.Uint64(b)))
	case kindString:
		n := int(b[0])
		if n > c.strLen {
			return fmt.Errorf("%w: string length %d exceeds width %d", ErrTooLong, n, c.strLen)
		}
		v.SetString(string(b[1 : 1+n]))
	}
	return nil
}

func (d *decoder) union(c *valueCodec, v reflect.Value) error {
	b, err := d.take(1)
	if err != nil {
		return err
	}
	if b[0] == TagNone {
		v.Set(reflect.Zero(c.typ))
		return nil
	}

	vt, err := d.reg.variantFor(c.typ, b[0])
	if err != nil {
		return err
	}

	s, err := d.reg.Schema(vt)
	if err != nil {
		return err
	}

	p := reflect.New(indirect(vt))
	if err := d.record(s, p.Elem()); err != nil {
		return err
	}
	if vt.Kind() == reflect.Pointer {
		v.Set(p)
	} else {
		v.Set(p.Elem())
	}
	return nil
}
