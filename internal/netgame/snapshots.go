package netgame

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/volley-project/volley/internal/gamestate"
	"github.com/volley-project/volley/internal/protocol"
)

// Snapshot is a received dynamic map tagged with the server time it
// describes.
type Snapshot struct {
	State *gamestate.DynamicState
	Time  float64
	Life  *gamestate.LifeMessages
}

// SnapshotBuffer holds received snapshots in arrival order.
type SnapshotBuffer struct {
	states []Snapshot
}

// Push appends a snapshot.
func (b *SnapshotBuffer) Push(s Snapshot) {
	if s.Life == nil {
		s.Life = gamestate.NewLifeMessages()
	}
	b.states = append(b.states, s)
}

// Purge drops the oldest snapshots while the second oldest is already
// older than renderTime. At least two snapshots are kept.
func (b *SnapshotBuffer) Purge(renderTime float64) {
	n := 0
	for len(b.states)-n > 2 && b.states[n+1].Time < renderTime {
		n++
	}
	if n > 0 {
		b.states = append(b.states[:0], b.states[n:]...)
	}
}

// Reset drops every snapshot.
func (b *SnapshotBuffer) Reset() { b.states = b.states[:0] }

// Len returns the number of buffered snapshots.
func (b *SnapshotBuffer) Len() int { return len(b.states) }

// Bracket returns the newest snapshot at or before renderTime and the
// oldest snapshot after it, scanning from the newest. Either may be nil.
func (b *SnapshotBuffer) Bracket(renderTime float64) (older, newer *Snapshot) {
	for i := len(b.states) - 1; i >= 0; i-- {
		s := &b.states[i]
		if s.Time > renderTime {
			newer = s
		} else {
			older = s
			break
		}
	}
	return older, newer
}

// Interpolate updates every entity of dst except the local player to its
// render-time pose from the bracketing snapshots.
func Interpolate(dst *gamestate.State, buf *SnapshotBuffer, renderTime float64, player uint32) {
	older, newer := buf.Bracket(renderTime)
	base := newer
	if base == nil {
		base = older
	}
	if base == nil {
		return
	}

	ids := dst.Dynamic().IDs()
	for _, s := range []*Snapshot{older, newer} {
		if s == nil {
			continue
		}
		for id := range s.State.Entities {
			ids[id] = struct{}{}
		}
	}

	for _, id := range ids.Sorted() {
		if id == player {
			continue
		}

		if e, ok := base.State.Entities[id]; ok {
			mode := e.PredictionMode(player)
			if mode == gamestate.Newest || mode == gamestate.Predicted {
				dst.SetEntity(id, e.Copy())
				continue
			}
		}

		if older == nil || newer == nil {
			if e, ok := base.State.Entities[id]; ok {
				dst.SetEntity(id, e.Copy())
			} else {
				dst.RemoveEntity(id)
			}
			continue
		}

		interpolateEntity(dst, id, older, newer, renderTime)
	}
}

func interpolateEntity(dst *gamestate.State, id uint32, older, newer *Snapshot, renderTime float64) {
	oldE, inOld := older.State.Entities[id]
	newE, inNew := newer.State.Entities[id]

	switch {
	case inOld && inNew:
		alpha := (renderTime - older.Time) / (newer.Time - older.Time)
		dst.SetEntity(id, oldE.Interpolate(newE, alpha))

	case inNew:
		birth, ok := newer.Life.Births[id]
		if !ok {
			dst.SetEntity(id, newE.Copy())
			return
		}
		born := float64(birth.Time)
		if newer.Time > born {
			alpha := (renderTime - born) / (newer.Time - born)
			if alpha >= 0 && alpha <= 1 {
				dst.SetEntity(id, birth.Obj.Interpolate(newE, alpha))
			}
		}

	case inOld:
		death, ok := newer.Life.Deaths[id]
		if !ok {
			dst.SetEntity(id, oldE.Copy())
			return
		}
		died := float64(death.Time)
		if died > older.Time {
			alpha := (renderTime - older.Time) / (died - older.Time)
			if alpha >= 0 && alpha <= 1 {
				dst.SetEntity(id, oldE.Interpolate(death.Obj, alpha))
				return
			}
		}
		dst.RemoveEntity(id)

	default:
		dst.RemoveEntity(id)
	}
}

// PendingInput is an input command sent to the server and not yet
// acknowledged.
type PendingInput struct {
	ID  uint16
	Cmd gamestate.InputCommand
}

// Reconciliation reports what one Reconcile call did.
type Reconciliation struct {
	Applied  bool
	Replayed int
	Warped   bool
}

// Predictor replays unacknowledged input on top of authoritative player
// state.
type Predictor struct {
	// WarpDistance is the divergence at which the predicted position snaps
	// to the replayed one instead of blending.
	WarpDistance float32
	// Blend is the fraction moved toward the replayed position per snapshot.
	Blend float64

	inputs []PendingInput
	logger zerolog.Logger
}

// NewPredictor snaps beyond 10 units and otherwise blends 10%.
func NewPredictor(logger zerolog.Logger) *Predictor {
	return &Predictor{WarpDistance: 10, Blend: 0.1, logger: logger}
}

// Record remembers a command sent under message id.
func (p *Predictor) Record(id uint16, cmd gamestate.InputCommand) {
	p.inputs = append(p.inputs, PendingInput{ID: id, Cmd: cmd})
}

// Pending returns the unacknowledged commands, oldest first.
func (p *Predictor) Pending() []PendingInput { return p.inputs }

// Reset forgets every pending command.
func (p *Predictor) Reset() { p.inputs = p.inputs[:0] }

// Reconcile installs the player's authoritative copy from snap into dst,
// drops commands up to ack and replays the rest. An ack of NoInputAck
// drops nothing.
func (p *Predictor) Reconcile(dst *gamestate.State, snap *gamestate.DynamicState, player, ack uint32, t float64) Reconciliation {
	var res Reconciliation

	var previous gamestate.Entity
	if e, ok := dst.Entity(player); ok {
		previous = e.Copy()
	}

	authoritative, ok := snap.Entities[player]
	if !ok {
		return res
	}
	res.Applied = true
	dst.SetEntity(player, authoritative.Copy())

	hasAck := ack <= math.MaxUint16
	acked := uint16(ack)
	kept := p.inputs[:0]
	for _, in := range p.inputs {
		if hasAck && (in.ID == acked || protocol.SequenceLessThan(in.ID, acked)) {
			continue
		}
		dst.SimulatePlayerInput(t, player, in.Cmd)
		kept = append(kept, in)
		res.Replayed++
	}
	p.inputs = kept

	if previous == nil {
		return res
	}
	replayed, _ := dst.Entity(player)
	if !replayed.Position().CloserThan(previous.Position(), p.WarpDistance) {
		p.logger.Info().
			Stringer("from", previous.Position()).
			Stringer("to", replayed.Position()).
			Msg("Warping player")
		res.Warped = true
		return res
	}
	dst.SetEntity(player, previous.Interpolate(replayed, p.Blend))
	return res
}
