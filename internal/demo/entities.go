// Package demo is the sample game content run by the volley server and
// client: players steered by input, bouncing orbs, fountains that emit them
// and static walls.
package demo

import (
	"github.com/volley-project/volley/internal/gamestate"
)

// Arena bounds shared by every level.
var (
	ArenaMin = gamestate.V(0, 0)
	ArenaMax = gamestate.V(640, 480)
)

// Player is an entity steered by its owner's input commands.
type Player struct {
	gamestate.Base `wire:"base"`
	Speed          float32 `wire:"speed"`
}

func (p *Player) SimulateInput(t float64, in gamestate.InputCommand) {
	step := in.Direction().Scale(p.Speed * float32(in.Duration()))
	p.Pos = clamp(p.Pos.Add(step))
}

func (p *Player) Interpolate(newer gamestate.Entity, alpha float64) gamestate.Entity {
	out := p.Copy().(*Player)
	out.Pos = gamestate.Lerp(p.Pos, newer.Position(), alpha)
	return out
}

func (p *Player) Copy() gamestate.Entity {
	c := *p
	return &c
}

// Orb drifts at a constant velocity, bounces off the arena edges and expires
// after Life seconds. A zero Life never expires.
type Orb struct {
	gamestate.Base `wire:"base"`
	Vel            gamestate.Vec2 `wire:"velocity"`
	Life           float32        `wire:"life"`
}

func (o *Orb) UpdateShared(t, dt float64) {
	o.Pos = o.Pos.Add(o.Vel.Scale(float32(dt)))
	if o.Pos.X < ArenaMin.X || o.Pos.X > ArenaMax.X {
		o.Vel.X = -o.Vel.X
	}
	if o.Pos.Y < ArenaMin.Y || o.Pos.Y > ArenaMax.Y {
		o.Vel.Y = -o.Vel.Y
	}
	o.Pos = clamp(o.Pos)
}

func (o *Orb) Update(t, dt float64) []gamestate.Entity {
	if o.Life == 0 {
		return nil
	}
	o.Life -= float32(dt)
	if o.Life <= 0 {
		o.Kill()
	}
	return nil
}

func (o *Orb) Interpolate(newer gamestate.Entity, alpha float64) gamestate.Entity {
	out := o.Copy().(*Orb)
	out.Pos = gamestate.Lerp(o.Pos, newer.Position(), alpha)
	return out
}

func (o *Orb) Copy() gamestate.Entity {
	c := *o
	return &c
}

// Fountain emits an orb every Interval seconds. Its state only changes on the
// server, so clients show the newest copy.
type Fountain struct {
	gamestate.Base `wire:"base"`
	Interval       float32        `wire:"interval"`
	OrbVel         gamestate.Vec2 `wire:"orb_velocity"`
	OrbLife        float32        `wire:"orb_life"`
	Emitted        uint32         `wire:"emitted"`

	elapsed float64
}

func (f *Fountain) PredictionMode(controller uint32) gamestate.PredictionMode {
	return gamestate.Newest
}

func (f *Fountain) Update(t, dt float64) []gamestate.Entity {
	if f.Interval <= 0 {
		return nil
	}
	f.elapsed += dt
	if f.elapsed < float64(f.Interval) {
		return nil
	}
	f.elapsed -= float64(f.Interval)
	f.Emitted++

	vel := f.OrbVel
	if f.Emitted%2 == 0 {
		vel.X = -vel.X
	}
	orb := &Orb{Vel: vel, Life: f.OrbLife}
	orb.Pos = f.Pos
	return []gamestate.Entity{orb}
}

func (f *Fountain) Interpolate(newer gamestate.Entity, alpha float64) gamestate.Entity {
	return newer.Copy()
}

func (f *Fountain) Copy() gamestate.Entity {
	c := *f
	return &c
}

// Wall is static level geometry.
type Wall struct {
	gamestate.Base `wire:"base"`
	Size           gamestate.Vec2 `wire:"size"`
}

func (w *Wall) PredictionMode(controller uint32) gamestate.PredictionMode {
	return gamestate.Newest
}

func (w *Wall) Interpolate(newer gamestate.Entity, alpha float64) gamestate.Entity {
	return newer.Copy()
}

func (w *Wall) Copy() gamestate.Entity {
	c := *w
	return &c
}

func clamp(v gamestate.Vec2) gamestate.Vec2 {
	return gamestate.V(
		min(max(v.X, ArenaMin.X), ArenaMax.X),
		min(max(v.Y, ArenaMin.Y), ArenaMax.Y),
	)
}
