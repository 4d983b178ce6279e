// Package gamestate holds the simulation state shared by server and client:
// the entity capability set, static and dynamic entity maps, the snapshot
// records sent over the wire and the authoritative server controller.
package gamestate

import "math"

// PredictionMode selects how a client displays an entity.
type PredictionMode uint8

const (
	// Predicted entities are re-simulated locally from unacknowledged input.
	Predicted PredictionMode = iota
	// Interpolated entities are blended between buffered snapshots.
	Interpolated
	// Newest entities always show the latest snapshot.
	Newest
)

func (m PredictionMode) String() string {
	switch m {
	case Predicted:
		return "predicted"
	case Interpolated:
		return "interpolated"
	case Newest:
		return "newest"
	default:
		return "unknown"
	}
}

// Entity is the capability set the sync layer needs from game content.
// Concrete types are packed through a codec union registered on Entity.
type Entity interface {
	ID() uint32
	// Added is called when the entity enters a state under id.
	Added(id uint32)
	// Removed is called when the entity leaves the state for good.
	Removed()
	Alive() bool
	Position() Vec2
	PredictionMode(controller uint32) PredictionMode
	// UpdateShared runs on the server and during client prediction.
	UpdateShared(t, dt float64)
	// Update runs on the server only and returns newly spawned entities.
	Update(t, dt float64) []Entity
	SimulateInput(t float64, in InputCommand)
	// Interpolate returns a new entity alpha of the way toward newer.
	Interpolate(newer Entity, alpha float64) Entity
	Copy() Entity
}

// Base implements the bookkeeping part of Entity. Embed it with a wire tag
// so its position is packed.
type Base struct {
	Pos Vec2 `wire:"position"`

	id   uint32
	dead bool
}

func (b *Base) ID() uint32 { return b.id }

func (b *Base) Added(id uint32) { b.id = id }

func (b *Base) Removed() { b.id = 0 }

func (b *Base) Alive() bool { return !b.dead }

// Kill marks the entity for removal on the next server update.
func (b *Base) Kill() { b.dead = true }

func (b *Base) Position() Vec2 { return b.Pos }

// PredictionMode predicts the entity its controller owns and interpolates
// everything else.
func (b *Base) PredictionMode(controller uint32) PredictionMode {
	if b.id != 0 && controller == b.id {
		return Predicted
	}
	return Interpolated
}

func (b *Base) UpdateShared(t, dt float64) {}

func (b *Base) Update(t, dt float64) []Entity { return nil }

func (b *Base) SimulateInput(t float64, in InputCommand) {}

// CopyBase returns a copy of the bookkeeping state for use in Copy
// implementations.
func (b *Base) CopyBase() Base { return *b }

// InputCommand is one client tick of player input.
type InputCommand struct {
	DurationMS uint8 `wire:"duration_ms"`
	MoveX      int8  `wire:"move_x"`
	MoveY      int8  `wire:"move_y"`
	Buttons    uint8 `wire:"buttons"`
}

// NewInputCommand builds a command covering dt seconds. Movement axes are
// clamped to [-127, 127].
func NewInputCommand(dt float64, moveX, moveY int, buttons uint8) InputCommand {
	c := InputCommand{MoveX: clampAxis(moveX), MoveY: clampAxis(moveY), Buttons: buttons}
	c.SetDuration(dt)
	return c
}

// Duration returns the covered time in seconds.
func (c InputCommand) Duration() float64 { return float64(c.DurationMS) / 1000 }

// SetDuration stores dt seconds, clamped to [0, 0.255].
func (c *InputCommand) SetDuration(dt float64) {
	ms := int(math.Round(dt * 1000))
	if ms < 0 {
		ms = 0
	}
	if ms > 255 {
		ms = 255
	}
	c.DurationMS = uint8(ms)
}

// Direction returns the movement axes scaled to [-1, 1].
func (c InputCommand) Direction() Vec2 {
	return Vec2{float32(c.MoveX) / 127, float32(c.MoveY) / 127}
}

func clampAxis(v int) int8 {
	if v > 127 {
		return 127
	}
	if v < -127 {
		return -127
	}
	return int8(v)
}
