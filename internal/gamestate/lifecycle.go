package gamestate

// DefaultLifecycleLimit bounds the lifecycle log.
const DefaultLifecycleLimit = 4096

// EventKind distinguishes births from deaths.
type EventKind uint8

const (
	Birth EventKind = iota + 1
	Death
)

func (k EventKind) String() string {
	switch k {
	case Birth:
		return "birth"
	case Death:
		return "death"
	default:
		return "unknown"
	}
}

// LifecycleEvent records an entity copy at the moment it spawned or died.
type LifecycleEvent struct {
	Kind EventKind
	Obj  Entity
	Time float64
}

// LifecycleLog keeps the latest event per entity id in insertion order and
// evicts the oldest ids past its limit.
type LifecycleLog struct {
	limit  int
	events map[uint32]LifecycleEvent
	order  []uint32
}

// NewLifecycleLog creates a log holding at most limit ids.
func NewLifecycleLog(limit int) *LifecycleLog {
	if limit <= 0 {
		limit = DefaultLifecycleLimit
	}
	return &LifecycleLog{limit: limit, events: make(map[uint32]LifecycleEvent)}
}

// Add records an event. A second event for the same id replaces the first
// but keeps its position.
func (l *LifecycleLog) Add(id uint32, kind EventKind, obj Entity, t float64) {
	if _, ok := l.events[id]; !ok {
		l.order = append(l.order, id)
	}
	l.events[id] = LifecycleEvent{Kind: kind, Obj: obj, Time: t}
}

// Get returns the event for id.
func (l *LifecycleLog) Get(id uint32) (LifecycleEvent, bool) {
	ev, ok := l.events[id]
	return ev, ok
}

// Trim evicts the oldest ids until the log fits its limit.
func (l *LifecycleLog) Trim() {
	n := len(l.order) - l.limit
	if n <= 0 {
		return
	}
	for _, id := range l.order[:n] {
		delete(l.events, id)
	}
	l.order = append(l.order[:0:0], l.order[n:]...)
}

// Len returns the number of ids in the log.
func (l *LifecycleLog) Len() int { return len(l.events) }
