package gamestate

import (
	"math"
	"math/rand/v2"
)

// PlayerFactory creates the entity a newly connected player controls.
type PlayerFactory func() Entity

// ServerController owns the authoritative world on the server. It assigns
// entity ids and logs every spawn and removal so per-peer life deltas can be
// resolved.
type ServerController struct {
	state     *State
	lifecycle *LifecycleLog
	newPlayer PlayerFactory
	level     string
	nextID    uint32
	players   IDSet
	// issued holds every dynamic id handed out, live or not.
	issued IDSet
}

// NewServerController creates a controller with an empty world.
func NewServerController(newPlayer PlayerFactory) *ServerController {
	return &ServerController{
		state:     NewState(),
		lifecycle: NewLifecycleLog(DefaultLifecycleLimit),
		newPlayer: newPlayer,
		nextID:    FirstDynamicID,
		players:   make(IDSet),
		issued:    make(IDSet),
	}
}

// State returns the authoritative world.
func (c *ServerController) State() *State { return c.state }

// LevelName returns the name of the loaded level.
func (c *ServerController) LevelName() string { return c.level }

// Lifecycle returns the spawn and removal log.
func (c *ServerController) Lifecycle() *LifecycleLog { return c.lifecycle }

// Players returns the ids of player entities.
func (c *ServerController) Players() IDSet { return c.players }

// LoadLevel replaces the world with a level's entities. Dynamic entities that
// existed before are logged as deaths; player entities are dropped and must be
// recreated by the caller.
func (c *ServerController) LoadLevel(name string, static, dynamic []Entity, t float64) (dropped int) {
	for _, id := range sortedKeys(c.state.Dynamic().Entities) {
		e := c.state.Dynamic().Entities[id]
		c.lifecycle.Add(id, Death, e.Copy(), t)
	}

	dropped = c.state.LoadStatic(static)
	c.players = make(IDSet)
	c.level = name

	for _, e := range dynamic {
		c.AddEntity(e, t)
	}
	c.lifecycle.Trim()
	return dropped
}

// CreatePlayer spawns a player entity under a fresh random id.
func (c *ServerController) CreatePlayer(t float64) uint32 {
	id := c.randomID()
	c.spawn(id, c.newPlayer(), t)
	c.players[id] = struct{}{}
	return id
}

// RemovePlayer removes a player entity.
func (c *ServerController) RemovePlayer(id uint32, t float64) bool {
	delete(c.players, id)
	return c.RemoveEntity(id, t)
}

// AddEntity spawns e under the next free sequential id.
func (c *ServerController) AddEntity(e Entity, t float64) uint32 {
	id := c.sequentialID()
	c.spawn(id, e, t)
	return id
}

// RemoveEntity removes a dynamic entity and logs its death.
func (c *ServerController) RemoveEntity(id uint32, t float64) bool {
	e, ok := c.state.Entity(id)
	if !ok {
		return false
	}
	c.lifecycle.Add(id, Death, e.Copy(), t)
	return c.state.RemoveEntity(id)
}

// EntityIsAlive reports whether id names a live dynamic entity.
func (c *ServerController) EntityIsAlive(id uint32) bool {
	e, ok := c.state.Entity(id)
	return ok && e.Alive()
}

// SimulatePlayerInput applies a player's input to its entity.
func (c *ServerController) SimulatePlayerInput(t float64, id uint32, in InputCommand) bool {
	return c.state.SimulatePlayerInput(t, id, in)
}

// UpdateShared runs the step shared with client prediction.
func (c *ServerController) UpdateShared(t, dt float64) {
	c.state.UpdateShared(t, dt)
}

// Update runs the server-only step: entities may spawn others and dead ones
// are removed. Player entities are never removed here.
func (c *ServerController) Update(t, dt float64) {
	var spawned []Entity
	for _, id := range sortedKeys(c.state.Dynamic().Entities) {
		spawned = append(spawned, c.state.Dynamic().Entities[id].Update(t, dt)...)
	}
	for _, e := range spawned {
		c.AddEntity(e, t)
	}

	for _, id := range sortedKeys(c.state.Dynamic().Entities) {
		if c.players.Has(id) {
			continue
		}
		if !c.state.Dynamic().Entities[id].Alive() {
			c.RemoveEntity(id, t)
		}
	}
	c.lifecycle.Trim()
}

// LifeDelta builds the births and deaths a peer has not seen, given the id
// set of the last snapshot sent to it. It returns the messages and the id set
// the peer will hold after applying them. At most limit births and limit
// deaths are sent; the rest stay pending for the next snapshot.
func (c *ServerController) LifeDelta(prev IDSet, limit int) (*LifeMessages, IDSet) {
	current := c.state.Dynamic().IDs()
	msgs := NewLifeMessages()
	acked := make(IDSet, len(current))
	for id := range current {
		acked[id] = struct{}{}
	}

	for _, id := range current.Sorted() {
		if prev.Has(id) {
			continue
		}
		if len(msgs.Births) >= limit {
			delete(acked, id)
			continue
		}
		if ev, ok := c.lifecycle.Get(id); ok && ev.Kind == Birth {
			msgs.Births[id] = LifeHolder{Time: float32(ev.Time), Obj: ev.Obj}
		}
	}

	for _, id := range prev.Sorted() {
		if current.Has(id) {
			continue
		}
		if len(msgs.Deaths) >= limit {
			acked[id] = struct{}{}
			continue
		}
		if ev, ok := c.lifecycle.Get(id); ok && ev.Kind == Death {
			msgs.Deaths[id] = LifeHolder{Time: float32(ev.Time), Obj: ev.Obj}
		}
	}
	return msgs, acked
}

func (c *ServerController) spawn(id uint32, e Entity, t float64) {
	c.state.SetEntity(id, e)
	c.lifecycle.Add(id, Birth, e.Copy(), t)
}

func (c *ServerController) randomID() uint32 {
	for {
		id := FirstDynamicID + rand.Uint32N(math.MaxUint32-FirstDynamicID)
		if c.claim(id) {
			return id
		}
	}
}

func (c *ServerController) sequentialID() uint32 {
	for {
		id := c.nextID
		c.nextID++
		if c.nextID < FirstDynamicID {
			c.nextID = FirstDynamicID
		}
		if c.claim(id) {
			return id
		}
	}
}

// claim records id as issued unless it was issued before.
func (c *ServerController) claim(id uint32) bool {
	if _, used := c.issued[id]; used {
		return false
	}
	c.issued[id] = struct{}{}
	return true
}
