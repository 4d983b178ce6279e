package demo

import (
	"fmt"

	"github.com/volley-project/volley/internal/codec"
	"github.com/volley-project/volley/internal/gamestate"
	"github.com/volley-project/volley/internal/level"
	"github.com/volley-project/volley/internal/vars"
)

// Entity kinds as named in level files.
const (
	KindPlayer   = "player"
	KindOrb      = "orb"
	KindFountain = "fountain"
	KindWall     = "wall"
)

// NewRegistry returns a codec registry with the entity union registered.
// Variant order is part of the wire format.
func NewRegistry() *codec.Registry {
	reg := codec.NewRegistry()
	reg.MustRegisterUnion((*gamestate.Entity)(nil), &Player{}, &Orb{}, &Fountain{}, &Wall{})
	return reg
}

// Game binds the demo content to the server variables that tune it.
type Game struct {
	playerSpeed *vars.Value[float64]
	orbLife     *vars.Value[float64]
	fountains   *vars.Bool
}

// NewGame registers the demo svars on svars.
func NewGame(svars *vars.Set) *Game {
	g := &Game{
		playerSpeed: vars.NewRange(200.0, 10, 1000),
		orbLife:     vars.NewRange(8.0, 0, 120),
		fountains:   vars.NewBool(true),
	}
	svars.Add("sv_player_speed", g.playerSpeed)
	svars.Add("sv_orb_life", g.orbLife)
	svars.Add("sv_fountains", g.fountains)
	return g
}

// NewPlayer creates a player at the arena center.
func (g *Game) NewPlayer() gamestate.Entity {
	p := &Player{Speed: float32(g.playerSpeed.Get())}
	p.Pos = gamestate.V((ArenaMin.X+ArenaMax.X)/2, (ArenaMin.Y+ArenaMax.Y)/2)
	return p
}

// Build creates the entity an EntitySpec describes.
func (g *Game) Build(spec level.EntitySpec) (gamestate.Entity, error) {
	var e gamestate.Entity
	switch spec.Kind {
	case KindPlayer:
		p := g.NewPlayer().(*Player)
		p.Pos = spec.Position
		e = p
	case KindOrb:
		o := &Orb{Vel: spec.Velocity, Life: float32(g.orbLife.Get())}
		o.Pos = spec.Position
		e = o
	case KindFountain:
		if !g.fountains.Get() {
			return nil, nil
		}
		f := &Fountain{Interval: 1, OrbVel: spec.Velocity, OrbLife: float32(g.orbLife.Get())}
		f.Pos = spec.Position
		e = f
	case KindWall:
		w := &Wall{Size: spec.Size}
		w.Pos = spec.Position
		e = w
	default:
		return nil, fmt.Errorf("%w: unknown entity kind %q", level.ErrInvalidLevel, spec.Kind)
	}
	return e, nil
}

// Instantiate builds every entity of a level.
func (g *Game) Instantiate(l *level.Level) (static, dynamic []gamestate.Entity, err error) {
	for i, spec := range l.Static {
		e, err := g.Build(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("static entity %d: %w", i, err)
		}
		if e != nil {
			static = append(static, e)
		}
	}
	for i, spec := range l.Dynamic {
		e, err := g.Build(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("dynamic entity %d: %w", i, err)
		}
		if e != nil {
			dynamic = append(dynamic, e)
		}
	}
	return static, dynamic, nil
}
