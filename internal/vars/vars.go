// Package vars implements the typed, validated variables that configure a
// running server (svars) or client (cvars) from the console and the network.
package vars

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrInvalidValue is returned when a value fails a variable's validation.
	ErrInvalidValue = errors.New("invalid value")
	// ErrUnknownVar is returned for names missing from a Set.
	ErrUnknownVar = errors.New("unknown variable")
)

// Var is a named setting whose value travels as text.
type Var interface {
	// String formats the current value.
	String() string
	// Set parses and stores value, or returns ErrInvalidValue.
	Set(value string) error
	IsValid(value string) bool
	// ValidValues describes the accepted input for error messages.
	ValidValues() string
}

// Scalar lists the value types a Value can hold.
type Scalar interface {
	int | float64 | string
}

// Number lists the value types a range can bound.
type Number interface {
	int | float64
}

// Value is a typed variable with an optional acceptance check.
type Value[T Scalar] struct {
	value  T
	accept func(T) bool
	valid  string
}

// NewTyped accepts any input that parses as T.
func NewTyped[T Scalar](def T) *Value[T] {
	return &Value[T]{value: def, valid: "please input a " + typeName[T]()}
}

// NewRange accepts numbers within [lo, hi].
func NewRange[T Number](def, lo, hi T) *Value[T] {
	return &Value[T]{
		value:  def,
		accept: func(v T) bool { return v >= lo && v <= hi },
		valid:  fmt.Sprintf("valid numbers are between %s - %s", format(lo), format(hi)),
	}
}

// NewOption accepts one of a fixed list of values.
func NewOption[T Scalar](def T, options ...T) *Value[T] {
	names := make([]string, len(options))
	for i, o := range options {
		names[i] = format(o)
	}
	return &Value[T]{
		value: def,
		accept: func(v T) bool {
			for _, o := range options {
				if o == v {
					return true
				}
			}
			return false
		},
		valid: "valid options are " + strings.Join(names, ", "),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T { return v.value }

func (v *Value[T]) String() string { return format(v.value) }

func (v *Value[T]) IsValid(s string) bool {
	_, ok := v.parse(s)
	return ok
}

func (v *Value[T]) Set(s string) error {
	val, ok := v.parse(s)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidValue, v.valid)
	}
	v.value = val
	return nil
}

func (v *Value[T]) ValidValues() string { return v.valid }

func (v *Value[T]) parse(s string) (T, bool) {
	var out T
	s = strings.TrimSpace(s)

	switch p := any(&out).(type) {
	case *int:
		n, err := strconv.Atoi(s)
		if err != nil {
			return out, false
		}
		*p = n
	case *float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return out, false
		}
		*p = f
	case *string:
		*p = s
	default:
		return out, false
	}

	if v.accept != nil && !v.accept(out) {
		return out, false
	}
	return out, true
}

func typeName[T Scalar]() string {
	var zero T
	switch any(zero).(type) {
	case int:
		return "int"
	case float64:
		return "float"
	default:
		return "string"
	}
}

func format[T Scalar](v T) string {
	switch x := any(v).(type) {
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

var (
	truthy = []string{"yes", "true", "t", "1"}
	falsy  = []string{"no", "false", "f", "0"}
)

// Bool is a boolean variable accepting yes/no, true/false, t/f and 1/0.
type Bool struct {
	value bool
}

// NewBool creates a boolean variable.
func NewBool(def bool) *Bool { return &Bool{value: def} }

func (b *Bool) Get() bool { return b.value }

func (b *Bool) String() string { return strconv.FormatBool(b.value) }

func (b *Bool) IsValid(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return contains(truthy, s) || contains(falsy, s)
}

func (b *Bool) Set(s string) error {
	if !b.IsValid(s) {
		return fmt.Errorf("%w: %s", ErrInvalidValue, b.ValidValues())
	}
	b.value = contains(truthy, strings.ToLower(strings.TrimSpace(s)))
	return nil
}

func (b *Bool) ValidValues() string { return "valid options are true and false" }

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Set is a named collection of variables. It is not safe for concurrent
// use; the owning loop serializes access.
type Set struct {
	vars map[string]Var
}

// NewSet creates an empty collection.
func NewSet() *Set {
	return &Set{vars: make(map[string]Var)}
}

// Add registers v under name, replacing any previous variable.
func (s *Set) Add(name string, v Var) {
	s.vars[name] = v
}

func (s *Set) Has(name string) bool {
	_, ok := s.vars[name]
	return ok
}

// Var returns the variable registered under name.
func (s *Set) Var(name string) (Var, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// Get returns the formatted value of name.
func (s *Set) Get(name string) (string, error) {
	v, ok := s.vars[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownVar, name)
	}
	return v.String(), nil
}

// Set validates and stores value under name.
func (s *Set) Set(name, value string) error {
	v, ok := s.vars[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVar, name)
	}
	if err := v.Set(value); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Names returns every variable name in sorted order.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.vars))
	for name := range s.vars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
