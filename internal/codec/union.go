package codec

import (
	"fmt"
	"reflect"
)

// TagNone is the polymorphic tag packed for a nil interface value.
const TagNone byte = 0

const maxVariants = 255

// union is the closed set of concrete types allowed behind one interface.
type union struct {
	iface    reflect.Type
	variants []reflect.Type
	tags     map[reflect.Type]byte
}

// RegisterUnion declares the concrete variants of an interface type. iface is
// a nil pointer to the interface, e.g. (*Entity)(nil). Variants receive tags
// 1..n in argument order; the order must match on every peer.
func (r *Registry) RegisterUnion(iface any, variants ...any) error {
	it := reflect.TypeOf(iface)
	if it == nil || it.Kind() != reflect.Pointer || it.Elem().Kind() != reflect.Interface {
		return fmt.Errorf("%w: union key must be a nil interface pointer, got %T", ErrUnsupported, iface)
	}
	it = it.Elem()

	if len(variants) == 0 || len(variants) > maxVariants {
		return fmt.Errorf("union %s: need 1..%d variants, got %d", it, maxVariants, len(variants))
	}

	u := &union{iface: it, tags: make(map[reflect.Type]byte, len(variants))}
	for i, v := range variants {
		vt := reflect.TypeOf(v)
		if vt == nil || !vt.Implements(it) {
			return fmt.Errorf("union %s: variant %T does not implement it", it, v)
		}
		base := vt
		if base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		if base.Kind() != reflect.Struct {
			return fmt.Errorf("%w: union %s variant %s is not a record", ErrUnsupported, it, vt)
		}
		if _, dup := u.tags[vt]; dup {
			return fmt.Errorf("union %s: variant %s registered twice", it, vt)
		}
		u.tags[vt] = byte(i + 1)
		u.variants = append(u.variants, vt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.unions[it]; exists {
		return fmt.Errorf("union %s already registered", it)
	}
	for _, vt := range u.variants {
		if _, err := r.schemaLocked(indirect(vt)); err != nil {
			return fmt.Errorf("union %s: %w", it, err)
		}
	}
	r.unions[it] = u
	return nil
}

// MustRegisterUnion is RegisterUnion for static setup code.
func (r *Registry) MustRegisterUnion(iface any, variants ...any) {
	if err := r.RegisterUnion(iface, variants...); err != nil {
		panic(err)
	}
}

// Tag returns the tag assigned to v within the union of interface iface.
func (r *Registry) Tag(iface reflect.Type, v any) (byte, error) {
	if v == nil {
		return TagNone, nil
	}
	return r.tagFor(iface, reflect.TypeOf(v))
}

func (r *Registry) tagFor(iface, concrete reflect.Type) (byte, error) {
	r.mu.RLock()
	u, ok := r.unions[iface]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: no union registered for %s", ErrUnsupported, iface)
	}

	tag, ok := u.tags[concrete]
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a variant of %s", ErrUnknownTag, concrete, iface)
	}
	return tag, nil
}

func (r *Registry) variantFor(iface reflect.Type, tag byte) (reflect.Type, error) {
	r.mu.RLock()
	u, ok := r.unions[iface]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no union registered for %s", ErrUnsupported, iface)
	}

	if int(tag) > len(u.variants) {
		return nil, fmt.Errorf("%w: %d for %s", ErrUnknownTag, tag, iface)
	}
	return u.variants[tag-1], nil
}

func indirect(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}
