package gamestate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volley-project/volley/internal/codec"
)

type mover struct {
	Base `wire:"base"`
	Vel  Vec2 `wire:"velocity"`

	spawns int
	ttl    float64
}

func (m *mover) UpdateShared(t, dt float64) {
	m.Pos = m.Pos.Add(m.Vel.Scale(float32(dt)))
}

func (m *mover) Update(t, dt float64) []Entity {
	if m.spawns > 0 {
		m.spawns--
		return []Entity{&mover{}}
	}
	if m.ttl > 0 {
		m.ttl -= dt
		if m.ttl <= 0 {
			m.Kill()
		}
	}
	return nil
}

func (m *mover) SimulateInput(t float64, in InputCommand) {
	m.Pos = m.Pos.Add(in.Direction().Scale(float32(100 * in.Duration())))
}

func (m *mover) Interpolate(newer Entity, alpha float64) Entity {
	out := m.Copy().(*mover)
	out.Pos = Lerp(m.Pos, newer.Position(), alpha)
	return out
}

func (m *mover) Copy() Entity {
	c := *m
	return &c
}

func newMover() Entity { return &mover{} }

func TestVec2(t *testing.T) {
	a := V(3, 4)
	assert.Equal(t, float32(5), a.Len())
	assert.True(t, a.CloserThan(V(3, 5), 2))
	assert.False(t, a.CloserThan(V(3, 6), 2), "distance equal to the limit is not closer")
	assert.Equal(t, V(25, 0), Lerp(V(0, 0), V(50, 0), 0.5))
	assert.Equal(t, "(3.00, 4.00)", a.String())
}

func TestInputCommandClamps(t *testing.T) {
	c := NewInputCommand(0.5, 300, -300, 1)
	assert.Equal(t, uint8(255), c.DurationMS)
	assert.Equal(t, int8(127), c.MoveX)
	assert.Equal(t, int8(-127), c.MoveY)

	c.SetDuration(-1)
	assert.Equal(t, uint8(0), c.DurationMS)

	c = NewInputCommand(0.016, 127, 0, 0)
	assert.Equal(t, uint8(16), c.DurationMS)
	assert.InDelta(t, 0.016, c.Duration(), 1e-9)
	assert.Equal(t, V(1, 0), c.Direction())
}

func TestBasePredictionMode(t *testing.T) {
	m := &mover{}
	assert.Equal(t, Interpolated, m.PredictionMode(0), "unassigned entity is never predicted")

	m.Added(10001)
	assert.Equal(t, Predicted, m.PredictionMode(10001))
	assert.Equal(t, Interpolated, m.PredictionMode(10002))
	assert.Equal(t, "predicted", Predicted.String())

	m.Removed()
	assert.Equal(t, uint32(0), m.ID())
}

func TestStateLoadStatic(t *testing.T) {
	s := NewState()
	s.SetEntity(FirstDynamicID, &mover{})

	dropped := s.LoadStatic([]Entity{&mover{}, &mover{}})
	assert.Zero(t, dropped)
	assert.Len(t, s.Static(), 2)
	assert.Empty(t, s.Dynamic().Entities, "loading clears the dynamic map")
	assert.Equal(t, uint32(1), s.Static()[1].ID())
}

func TestStateDynamicEntities(t *testing.T) {
	s := NewState()
	s.SetEntity(10002, &mover{Vel: V(10, 0)})
	s.SetEntity(10001, &mover{Vel: V(0, 10)})

	s.UpdateShared(0, 0.5)
	e, ok := s.Entity(10002)
	require.True(t, ok)
	assert.Equal(t, V(5, 0), e.Position())

	ids := []uint32{}
	for _, e := range s.Entities() {
		ids = append(ids, e.ID())
	}
	assert.Equal(t, []uint32{10001, 10002}, ids)

	assert.True(t, s.SimulatePlayerInput(0, 10001, NewInputCommand(0.1, 127, 0, 0)))
	assert.False(t, s.SimulatePlayerInput(0, 4, InputCommand{}))

	assert.True(t, s.RemoveEntity(10001))
	assert.False(t, s.RemoveEntity(10001))
	assert.Equal(t, IDSet{10002: {}}, s.Dynamic().IDs())
}

func TestLifecycleLogKeepsFirstPosition(t *testing.T) {
	l := NewLifecycleLog(2)
	l.Add(1, Birth, &mover{}, 0)
	l.Add(2, Birth, &mover{}, 1)
	l.Add(1, Death, &mover{}, 2)
	l.Add(3, Birth, &mover{}, 3)
	l.Trim()

	assert.Equal(t, 2, l.Len())
	_, ok := l.Get(1)
	assert.False(t, ok, "id 1 was inserted first and is evicted despite the later death")
	ev, ok := l.Get(3)
	require.True(t, ok)
	assert.Equal(t, Birth, ev.Kind)
	assert.Equal(t, 3.0, ev.Time)
}

func TestControllerIDs(t *testing.T) {
	c := NewServerController(newMover)

	p1 := c.CreatePlayer(0)
	p2 := c.CreatePlayer(0)
	assert.GreaterOrEqual(t, p1, uint32(FirstDynamicID))
	assert.NotEqual(t, p1, p2)
	assert.True(t, c.Players().Has(p1))

	a := c.AddEntity(&mover{}, 0)
	b := c.AddEntity(&mover{}, 0)
	assert.Equal(t, uint32(FirstDynamicID), a)
	assert.Equal(t, uint32(FirstDynamicID+1), b)

	ev, ok := c.Lifecycle().Get(a)
	require.True(t, ok)
	assert.Equal(t, Birth, ev.Kind)

	assert.True(t, c.RemovePlayer(p1, 1))
	assert.False(t, c.Players().Has(p1))
	ev, _ = c.Lifecycle().Get(p1)
	assert.Equal(t, Death, ev.Kind)
	assert.Equal(t, 1.0, ev.Time)
	assert.False(t, c.EntityIsAlive(p1))
	assert.True(t, c.EntityIsAlive(p2))
}

func TestControllerNeverReissuesIDs(t *testing.T) {
	c := NewServerController(newMover)
	p := c.CreatePlayer(0)
	a := c.AddEntity(&mover{}, 0)
	require.True(t, c.RemovePlayer(p, 1))
	require.True(t, c.RemoveEntity(a, 1))

	c.nextID = p
	assert.NotEqual(t, p, c.AddEntity(&mover{}, 2), "a removed player's id stays retired")
	c.nextID = a
	assert.NotEqual(t, a, c.AddEntity(&mover{}, 2))

	c.LoadLevel("arena", nil, []Entity{&mover{}}, 3)
	for id := range c.State().Dynamic().Entities {
		assert.NotEqual(t, a, id)
		assert.NotEqual(t, p, id)
	}
	assert.False(t, c.claim(p))
}

func TestControllerUpdateSpawnsAndRemoves(t *testing.T) {
	c := NewServerController(newMover)
	player := c.CreatePlayer(0)
	spawner := c.AddEntity(&mover{spawns: 1}, 0)
	doomed := c.AddEntity(&mover{ttl: 0.01}, 0)

	pe, _ := c.State().Entity(player)
	pe.(*mover).Kill()

	c.Update(1, 0.01)

	ids := c.State().Dynamic().IDs()
	assert.True(t, ids.Has(player), "players are never reaped by the server update")
	assert.True(t, ids.Has(spawner))
	assert.False(t, ids.Has(doomed))
	assert.Len(t, ids, 3)

	ev, ok := c.Lifecycle().Get(doomed)
	require.True(t, ok)
	assert.Equal(t, Death, ev.Kind)
}

func TestControllerLoadLevelLogsDeaths(t *testing.T) {
	c := NewServerController(newMover)
	old := c.AddEntity(&mover{}, 0)
	p := c.CreatePlayer(0)

	c.LoadLevel("arena", []Entity{&mover{}}, []Entity{&mover{}, &mover{}}, 5)

	assert.Equal(t, "arena", c.LevelName())
	assert.Len(t, c.State().Static(), 1)
	assert.Len(t, c.State().Dynamic().Entities, 2)
	assert.Empty(t, c.Players())
	for _, id := range []uint32{old, p} {
		ev, ok := c.Lifecycle().Get(id)
		require.True(t, ok)
		assert.Equal(t, Death, ev.Kind)
		assert.Equal(t, 5.0, ev.Time)
	}
}

func TestLifeDelta(t *testing.T) {
	c := NewServerController(newMover)
	a := c.AddEntity(&mover{}, 1)
	b := c.AddEntity(&mover{}, 2)

	msgs, acked := c.LifeDelta(IDSet{}, MaxLifeMessages)
	assert.Len(t, msgs.Births, 2)
	assert.Empty(t, msgs.Deaths)
	assert.Equal(t, float32(2), msgs.Births[b].Time)
	assert.Equal(t, IDSet{a: {}, b: {}}, acked)

	msgs, acked = c.LifeDelta(acked, MaxLifeMessages)
	assert.Empty(t, msgs.Births, "nothing new since the last snapshot")

	c.RemoveEntity(a, 3)
	msgs, acked = c.LifeDelta(acked, MaxLifeMessages)
	assert.Empty(t, msgs.Births)
	require.Contains(t, msgs.Deaths, a)
	assert.Equal(t, float32(3), msgs.Deaths[a].Time)
	assert.Equal(t, IDSet{b: {}}, acked)
}

func TestLifeDeltaDefersPastLimit(t *testing.T) {
	c := NewServerController(newMover)
	ids := []uint32{c.AddEntity(&mover{}, 0), c.AddEntity(&mover{}, 0), c.AddEntity(&mover{}, 0)}

	msgs, acked := c.LifeDelta(IDSet{}, 2)
	assert.Len(t, msgs.Births, 2)
	assert.Len(t, acked, 2)
	assert.False(t, acked.Has(ids[2]))

	msgs, acked = c.LifeDelta(acked, 2)
	assert.Equal(t, []uint32{ids[2]}, keys(msgs.Births))
	assert.Len(t, acked, 3)

	for _, id := range ids {
		c.RemoveEntity(id, 1)
	}
	msgs, acked = c.LifeDelta(acked, 2)
	assert.Len(t, msgs.Deaths, 2)
	assert.Equal(t, IDSet{ids[2]: {}}, acked, "deferred death stays acked until sent")

	msgs, acked = c.LifeDelta(acked, 2)
	assert.Equal(t, []uint32{ids[2]}, keys(msgs.Deaths))
	assert.Empty(t, acked)
}

func TestLifeDeltaSkipsMissingEvents(t *testing.T) {
	c := NewServerController(newMover)
	c.state.SetEntity(20000, &mover{})

	msgs, acked := c.LifeDelta(IDSet{}, MaxLifeMessages)
	assert.Empty(t, msgs.Births)
	assert.True(t, acked.Has(20000))
}

func TestDynamicStateRoundTrip(t *testing.T) {
	reg := codec.NewRegistry()
	reg.MustRegisterUnion((*Entity)(nil), &mover{})

	in := NewDynamicState()
	in.Entities[10001] = &mover{Base: Base{Pos: V(1, 2)}, Vel: V(3, 4)}
	in.Entities[10002] = &mover{Base: Base{Pos: V(-5, 0)}}

	data, err := reg.Pack(in)
	require.NoError(t, err)

	out := &DynamicState{}
	rest, err := reg.Unpack(data, out)
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Len(t, out.Entities, 2)

	m := out.Entities[10001].(*mover)
	assert.Equal(t, V(1, 2), m.Pos)
	assert.Equal(t, V(3, 4), m.Vel)
	assert.Equal(t, uint32(10001), m.ID(), "ids are restored from the map keys")

	life := &LifeMessages{}
	data, err = reg.Pack(NewLifeMessages())
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)
	_, err = reg.Unpack(data, life)
	require.NoError(t, err)
	assert.NotNil(t, life.Births)
	assert.NotNil(t, life.Deaths)
}

func keys(m map[uint32]LifeHolder) []uint32 {
	out := make([]uint32, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
