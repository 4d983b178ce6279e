package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"
)

type encoder struct {
	reg *Registry
	buf []byte
}

func (e *encoder) record(s *Schema, v reflect.Value) error {
	if !v.CanAddr() {
		tmp := reflect.New(v.Type()).Elem()
		tmp.Set(v)
		v = tmp
	}
	if h, ok := v.Addr().Interface().(BeforePacker); ok {
		if err := h.BeforePack(); err != nil {
			return fmt.Errorf("before pack: %w", err)
		}
	}

	for _, f := range s.fixed {
		if err := e.value(f.codec, v.Field(f.index)); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}

	for _, f := range s.collections {
		n := v.Field(f.index).Len()
		if uint64(n) > f.codec.maxCount() {
			return fmt.Errorf("%s: %w: %d elements with %d-byte prefix", f.Name, ErrTooLong, n, f.codec.prefix)
		}
		e.count(f.codec.prefix, n)
	}

	for _, f := range s.nested {
		if err := e.value(f.codec, v.Field(f.index)); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}

	for _, f := range s.collections {
		if err := e.contents(f.codec, v.Field(f.index)); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}

	return nil
}

func (e *encoder) count(prefix, n int) {
	switch prefix {
	case 1:
		e.buf = append(e.buf, byte(n))
	case 2:
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(n))
	default:
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(n))
	}
}

func (e *encoder) contents(c *valueCodec, v reflect.Value) error {
	if c.kind == kindSlice {
		for i := 0; i < v.Len(); i++ {
			if err := e.value(c.elem, v.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	}

	keys := v.MapKeys()
	sortKeys(keys)
	for _, k := range keys {
		if err := e.value(c.key, k); err != nil {
			return fmt.Errorf("key %v: %w", k, err)
		}
		if err := e.value(c.elem, v.MapIndex(k)); err != nil {
			return fmt.Errorf("[%v]: %w", k, err)
		}
	}
	return nil
}

func sortKeys(keys []reflect.Value) {
	if len(keys) == 0 {
		return
	}
	switch keys[0].Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		sort.Slice(keys, func(i, j int) bool { return keys[i].Int() < keys[j].Int() })
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		sort.Slice(keys, func(i, j int) bool { return keys[i].Uint() < keys[j].Uint() })
	case reflect.String:
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	case reflect.Bool:
		sort.Slice(keys, func(i, j int) bool { return !keys[i].Bool() && keys[j].Bool() })
	}
}

func (e *encoder) value(c *valueCodec, v reflect.Value) error {
	switch c.kind {
	case kindBool:
		if v.Bool() {
			e.buf = append(e.buf, 1)
		} else {
			e.buf = append(e.buf, 0)
		}
	case kindInt8:
		e.buf = append(e.buf, byte(v.Int()))
	case kindInt16:
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v.Int()))
	case kindInt32:
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v.Int()))
	case kindInt64:
		e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v.Int()))
	case kindUint8:
		e.buf = append(e.buf, byte(v.Uint()))
	case kindUint16:
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v.Uint()))
	case kindUint32:
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v.Uint()))
	case kindUint64:
		e.buf = binary.BigEndian.AppendUint64(e.buf, v.Uint())
	case kindFloat32:
		e.buf = binary.BigEndian.AppendUint32(e.buf, math.Float32bits(float32(v.Float())))
	case kindFloat64:
		e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v.Float()))
	case kindString:
		s := v.String()
		if len(s) > c.strLen {
			return fmt.Errorf("%w: string of %d bytes, max %d", ErrTooLong, len(s), c.strLen)
		}
		e.buf = append(e.buf, byte(len(s)))
		e.buf = append(e.buf, s...)
		for i := len(s); i < c.strLen; i++ {
			e.buf = append(e.buf, 0)
		}
	case kindRecord:
		if c.ptr {
			if v.IsNil() {
				v = reflect.New(c.typ.Elem()).Elem()
			} else {
				v = v.Elem()
			}
		}
		return e.record(c.record, v)
	case kindUnion:
		return e.union(c, v)
	default:
		return fmt.Errorf("%w: %s outside a record", ErrUnsupported, c.kind)
	}
	return nil
}

func (e *encoder) union(c *valueCodec, v reflect.Value) error {
	if v.IsNil() {
		e.buf = append(e.buf, TagNone)
		return nil
	}

	concrete := v.Elem()
	tag, err := e.reg.tagFor(c.typ, concrete.Type())
	if err != nil {
		return err
	}

	s, err := e.reg.Schema(concrete.Type())
	if err != nil {
		return err
	}

	e.buf = append(e.buf, tag)
	if concrete.Kind() == reflect.Pointer {
		if concrete.IsNil() {
			concrete = reflect.New(concrete.Type().Elem())
		}
		concrete = concrete.Elem()
	}
	return e.record(s, concrete)
}
