package network

import "fmt"

// MessageType indexes a MessageTypes table.
type MessageType uint8

// Unordered disables the out-of-order check for an unreliable type.
const Unordered = -1

type messageTypeInfo struct {
	name      string
	reliable  bool
	tolerance int
}

// MessageTypes is the static table of message kinds a protocol version
// speaks. Indices are assigned in declaration order and must match on both
// peers.
type MessageTypes struct {
	types  []messageTypeInfo
	byName map[string]MessageType
}

// NewMessageTypes creates an empty table.
func NewMessageTypes() *MessageTypes {
	return &MessageTypes{byName: make(map[string]MessageType)}
}

// AddReliable declares a type delivered exactly once, in order.
func (m *MessageTypes) AddReliable(name string) MessageType {
	return m.add(messageTypeInfo{name: name, reliable: true})
}

// AddUnreliable declares a fire-and-forget type. A message more than
// maxOutOfOrder ids behind the newest one seen is discarded; pass Unordered
// to accept any order.
func (m *MessageTypes) AddUnreliable(name string, maxOutOfOrder int) MessageType {
	return m.add(messageTypeInfo{name: name, tolerance: maxOutOfOrder})
}

func (m *MessageTypes) add(info messageTypeInfo) MessageType {
	if _, dup := m.byName[info.name]; dup {
		panic(fmt.Sprintf("message type %q declared twice", info.name))
	}
	if len(m.types) > 0xff {
		panic("more than 256 message types")
	}
	t := MessageType(len(m.types))
	m.types = append(m.types, info)
	m.byName[info.name] = t
	return t
}

// Valid reports whether t is declared.
func (m *MessageTypes) Valid(t MessageType) bool {
	return int(t) < len(m.types)
}

// IsReliable reports whether t is a reliable type.
func (m *MessageTypes) IsReliable(t MessageType) bool {
	return m.Valid(t) && m.types[t].reliable
}

// Tolerance returns the allowed out-of-orderness of an unreliable type.
func (m *MessageTypes) Tolerance(t MessageType) int {
	if !m.Valid(t) {
		return 0
	}
	return m.types[t].tolerance
}

// Name returns the declared name of t, or its number if unknown.
func (m *MessageTypes) Name(t MessageType) string {
	if !m.Valid(t) {
		return fmt.Sprintf("type(%d)", t)
	}
	return m.types[t].name
}

// Lookup finds a type by name.
func (m *MessageTypes) Lookup(name string) (MessageType, bool) {
	t, ok := m.byName[name]
	return t, ok
}

// Len returns the number of declared types.
func (m *MessageTypes) Len() int {
	return len(m.types)
}
