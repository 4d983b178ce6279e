package events

import (
	"context"
	"net/netip"

	"github.com/google/uuid"

	"github.com/volley-project/volley/internal/network"
)

// Journal turns server session callbacks into bus events. It is called
// from the server loop only.
type Journal struct {
	bus      *EventBus
	source   string
	sessions map[netip.AddrPort]string
}

// NewJournal publishes on bus with source as the event source.
func NewJournal(bus *EventBus, source string) *Journal {
	return &Journal{
		bus:      bus,
		source:   source,
		sessions: make(map[netip.AddrPort]string),
	}
}

func (j *Journal) PeerConnected(peer netip.AddrPort, playerID uint32) {
	id := uuid.NewString()
	j.sessions[peer] = id
	j.bus.Emit(context.Background(), Event{
		Type:    EventPeerConnected,
		Source:  j.source,
		Payload: SessionPayload{SessionID: id, Peer: peer.String(), PlayerID: playerID},
	})
}

func (j *Journal) PeerDisconnected(peer netip.AddrPort, stats network.Stats) {
	id, ok := j.sessions[peer]
	if !ok {
		id = uuid.NewString()
	}
	delete(j.sessions, peer)
	j.bus.Emit(context.Background(), Event{
		Type:    EventPeerDisconnected,
		Source:  j.source,
		Payload: SessionPayload{SessionID: id, Peer: peer.String(), Stats: &stats},
	})
}

func (j *Journal) LevelLoaded(name string) {
	j.bus.Emit(context.Background(), Event{
		Type:    EventLevelLoaded,
		Source:  j.source,
		Payload: LevelPayload{Name: name},
	})
}
