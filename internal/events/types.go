// Package events defines the event types published by the game server and
// the bus that fans them out to the journal, telemetry and logs.
package events

import (
	"time"

	"github.com/volley-project/volley/internal/network"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session events
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"

	// World events
	EventLevelLoaded EventType = "level_loaded"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// SessionPayload describes one peer session. SessionID is assigned on
// connect and repeated on disconnect.
type SessionPayload struct {
	SessionID string
	Peer      string
	PlayerID  uint32
	// Stats is set on disconnect only.
	Stats *network.Stats
}

// LevelPayload names the level a server switched to.
type LevelPayload struct {
	Name string
}
