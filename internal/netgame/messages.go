// Package netgame runs the game layer on top of the network stack: the
// authoritative server loop that streams snapshots, and the client that
// buffers, interpolates and predicts them.
package netgame

import (
	"math"
	"time"

	"github.com/volley-project/volley/internal/gamestate"
	"github.com/volley-project/volley/internal/network"
)

// Messages is the message type table of the game protocol. Declaration order
// fixes the wire indices.
type Messages struct {
	Types *network.MessageTypes

	SetSvar    network.MessageType
	LoadLevel  network.MessageType
	InitLevel  network.MessageType
	SvarUpdate network.MessageType
	InvalidCmd network.MessageType

	InputCommand    network.MessageType
	GamestateUpdate network.MessageType
	Timestamp       network.MessageType
}

// NewMessages declares the game message types.
func NewMessages() *Messages {
	t := network.NewMessageTypes()
	return &Messages{
		Types: t,

		// client commands
		SetSvar:   t.AddReliable("SET_SVAR"),
		LoadLevel: t.AddReliable("LOAD_LEVEL"),

		// server updates
		InitLevel:  t.AddReliable("INIT_LEVEL"),
		SvarUpdate: t.AddReliable("SVAR_UPDATE"),
		InvalidCmd: t.AddReliable("INVALID_CMD"),

		InputCommand:    t.AddUnreliable("INPUT_COMMAND", network.Unordered),
		GamestateUpdate: t.AddUnreliable("GAMESTATE_UPDATE", 0),
		Timestamp:       t.AddUnreliable("TIMESTAMP", 0),
	}
}

// SvarMsg carries SET_SVAR requests and SVAR_UPDATE notifications.
type SvarMsg struct {
	Name  string `wire:"name,len=255"`
	Value string `wire:"value,len=255"`
}

// LoadLevelMsg asks the server to switch levels.
type LoadLevelMsg struct {
	Name string `wire:"name,len=255"`
}

// InvalidCmdMsg explains why the server rejected a command.
type InvalidCmdMsg struct {
	Message string `wire:"message,len=255"`
}

// TimestampMsg carries the server game time for clock synchronization.
type TimestampMsg struct {
	Timestamp float32 `wire:"timestamp"`
}

// InitLevelMsg tells a client which level is loaded and which entity it
// controls.
type InitLevelMsg struct {
	LevelPath string `wire:"level_path,len=255"`
	PlayerID  uint32 `wire:"player_id"`
}

// NoInputAck is sent as LastInputAck until the peer's first input command
// has been applied. Command ids are 16 bits, so it never names one.
const NoInputAck = math.MaxUint32

// GamestateUpdateMsg is one snapshot: the whole dynamic map, the births and
// deaths the peer has not seen, and the newest input command applied.
type GamestateUpdateMsg struct {
	LastInputAck uint32                  `wire:"last_input_ack"`
	State        *gamestate.DynamicState `wire:"state"`
	LifeMsgs     *gamestate.LifeMessages `wire:"life_msgs"`
}

// Timing holds the loop cadences shared by server and client.
type Timing struct {
	FrameTime   time.Duration
	SendTime    time.Duration
	SendTimeBad time.Duration
}

// DefaultTiming runs 100 frames per second and sends 30 updates per second
// on a good link, 10 on a bad one.
func DefaultTiming() Timing {
	return Timing{
		FrameTime:   10 * time.Millisecond,
		SendTime:    time.Second / 30,
		SendTimeBad: time.Second / 10,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.FrameTime <= 0 {
		t.FrameTime = d.FrameTime
	}
	if t.SendTime <= 0 {
		t.SendTime = d.SendTime
	}
	if t.SendTimeBad <= 0 {
		t.SendTimeBad = d.SendTimeBad
	}
	return t
}

func (t Timing) sendInterval(conn *network.Connection) time.Duration {
	if conn.Flow().Good() {
		return t.SendTime
	}
	return t.SendTimeBad
}
