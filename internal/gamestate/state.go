package gamestate

import (
	"sort"
)

// FirstDynamicID is the lowest id handed to dynamic entities. Static level
// entities use the ids below it.
const FirstDynamicID = 10000

// IDSet is a set of entity ids.
type IDSet map[uint32]struct{}

// Has reports whether id is in the set.
func (s IDSet) Has(id uint32) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []uint32 {
	out := make([]uint32, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DynamicState is the authoritative map of dynamic entities, sent whole in
// every snapshot.
type DynamicState struct {
	Entities map[uint32]Entity `wire:"entities,prefix=2"`
}

// NewDynamicState creates an empty map.
func NewDynamicState() *DynamicState {
	return &DynamicState{Entities: make(map[uint32]Entity)}
}

// IDs returns the set of entity ids.
func (d *DynamicState) IDs() IDSet {
	out := make(IDSet, len(d.Entities))
	for id := range d.Entities {
		out[id] = struct{}{}
	}
	return out
}

// AfterUnpack keeps an empty map non-nil and restores entity ids.
func (d *DynamicState) AfterUnpack() error {
	if d.Entities == nil {
		d.Entities = make(map[uint32]Entity)
	}
	for id, e := range d.Entities {
		if e != nil {
			e.Added(id)
		}
	}
	return nil
}

// LifeHolder pairs an entity copy with the game time of its birth or death.
type LifeHolder struct {
	Time float32 `wire:"time"`
	Obj  Entity  `wire:"obj"`
}

// LifeMessages carries the births and deaths since the previous snapshot
// sent to a peer.
type LifeMessages struct {
	Births map[uint32]LifeHolder `wire:"births,prefix=1"`
	Deaths map[uint32]LifeHolder `wire:"deaths,prefix=1"`
}

// MaxLifeMessages is the most births or deaths one snapshot can carry.
const MaxLifeMessages = 255

// NewLifeMessages creates empty birth and death maps.
func NewLifeMessages() *LifeMessages {
	return &LifeMessages{
		Births: make(map[uint32]LifeHolder),
		Deaths: make(map[uint32]LifeHolder),
	}
}

// AfterUnpack keeps empty maps non-nil.
func (l *LifeMessages) AfterUnpack() error {
	if l.Births == nil {
		l.Births = make(map[uint32]LifeHolder)
	}
	if l.Deaths == nil {
		l.Deaths = make(map[uint32]LifeHolder)
	}
	return nil
}

// State is one view of the world: static level entities plus the dynamic
// entity map. The server keeps the authoritative State; a client keeps the
// interpolated and predicted one it displays.
type State struct {
	static  map[uint32]Entity
	dynamic *DynamicState
}

// NewState creates an empty world.
func NewState() *State {
	return &State{
		static:  make(map[uint32]Entity),
		dynamic: NewDynamicState(),
	}
}

// Clear removes every entity.
func (s *State) Clear() {
	for _, e := range s.dynamic.Entities {
		e.Removed()
	}
	s.static = make(map[uint32]Entity)
	s.dynamic = NewDynamicState()
}

// LoadStatic clears the world and installs static entities under ids
// 0..n-1. Entities past FirstDynamicID are dropped and counted.
func (s *State) LoadStatic(entities []Entity) (dropped int) {
	s.Clear()
	for i, e := range entities {
		if i >= FirstDynamicID {
			return len(entities) - FirstDynamicID
		}
		e.Added(uint32(i))
		s.static[uint32(i)] = e
	}
	return 0
}

// SetEntity adds or replaces a dynamic entity.
func (s *State) SetEntity(id uint32, e Entity) {
	e.Added(id)
	s.dynamic.Entities[id] = e
}

// RemoveEntity deletes a dynamic entity and reports whether it existed.
func (s *State) RemoveEntity(id uint32) bool {
	e, ok := s.dynamic.Entities[id]
	if !ok {
		return false
	}
	e.Removed()
	delete(s.dynamic.Entities, id)
	return true
}

// Entity returns a dynamic entity.
func (s *State) Entity(id uint32) (Entity, bool) {
	e, ok := s.dynamic.Entities[id]
	return e, ok
}

// Dynamic returns the dynamic entity map.
func (s *State) Dynamic() *DynamicState { return s.dynamic }

// Static returns the static entity map.
func (s *State) Static() map[uint32]Entity { return s.static }

// Entities returns static entities then dynamic ones, each in id order.
func (s *State) Entities() []Entity {
	out := make([]Entity, 0, len(s.static)+len(s.dynamic.Entities))
	for _, id := range sortedKeys(s.static) {
		out = append(out, s.static[id])
	}
	for _, id := range sortedKeys(s.dynamic.Entities) {
		out = append(out, s.dynamic.Entities[id])
	}
	return out
}

// SimulatePlayerInput applies one input command to the entity with id.
func (s *State) SimulatePlayerInput(t float64, id uint32, in InputCommand) bool {
	e, ok := s.dynamic.Entities[id]
	if !ok {
		return false
	}
	e.SimulateInput(t, in)
	return true
}

// UpdateShared steps every dynamic entity in id order.
func (s *State) UpdateShared(t, dt float64) {
	for _, id := range sortedKeys(s.dynamic.Entities) {
		s.dynamic.Entities[id].UpdateShared(t, dt)
	}
}

func sortedKeys(m map[uint32]Entity) []uint32 {
	out := make([]uint32, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
