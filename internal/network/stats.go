package network

import (
	"sort"
	"sync"
)

// Stats is a point-in-time copy of one connection's counters.
type Stats struct {
	Peer            string  `json:"peer"`
	State           string  `json:"state"`
	SinceLastAck    float64 `json:"since_last_ack_s"`
	RTT             float64 `json:"rtt_ms"`
	LastRTT         float64 `json:"last_rtt_ms"`
	NetRTT          float64 `json:"net_rtt_ms"`
	NetLastRTT      float64 `json:"net_last_rtt_ms"`
	LastSentSize    int     `json:"last_sent_size"`
	AvgSentBytes    float64 `json:"avg_sent_bytes_per_s"`
	LastRecvSize    int     `json:"last_recv_size"`
	AvgRecvBytes    float64 `json:"avg_recv_bytes_per_s"`
	PacketsSent     uint64  `json:"packets_sent"`
	PacketsReceived uint64  `json:"packets_received"`
	PacketsAcked    uint64  `json:"packets_acked"`
	PacketsLost     uint64  `json:"packets_lost"`
	LossPercent     float64 `json:"loss_percent"`
	FlowMode        string  `json:"flow_mode"`
	Hysteresis      float64 `json:"hysteresis_s"`
}

// Observer receives transport counters. Implementations must be safe for
// use from the reader goroutine and the loop.
type Observer interface {
	PacketSent(bytes int)
	PacketReceived(bytes int)
	PacketLost()
	PacketDropped(reason string)
	MessageDropped(reason string)
	RTT(ms float64)
}

type nopObserver struct{}

func (nopObserver) PacketSent(int)        {}
func (nopObserver) PacketReceived(int)    {}
func (nopObserver) PacketLost()           {}
func (nopObserver) PacketDropped(string)  {}
func (nopObserver) MessageDropped(string) {}
func (nopObserver) RTT(float64)           {}

// StatsBoard holds the latest connection stats published by the loop so
// other goroutines (HTTP, telemetry, console) can read them.
type StatsBoard struct {
	mu    sync.RWMutex
	stats map[string]Stats
}

// NewStatsBoard creates an empty board.
func NewStatsBoard() *StatsBoard {
	return &StatsBoard{stats: make(map[string]Stats)}
}

// Publish replaces the board contents.
func (b *StatsBoard) Publish(all []Stats) {
	m := make(map[string]Stats, len(all))
	for _, s := range all {
		m[s.Peer] = s
	}
	b.mu.Lock()
	b.stats = m
	b.mu.Unlock()
}

// Snapshot returns every published entry sorted by peer.
func (b *StatsBoard) Snapshot() []Stats {
	b.mu.RLock()
	out := make([]Stats, 0, len(b.stats))
	for _, s := range b.stats {
		out = append(out, s)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Get returns the entry for one peer.
func (b *StatsBoard) Get(peer string) (Stats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.stats[peer]
	return s, ok
}

// Len returns the number of peers on the board.
func (b *StatsBoard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.stats)
}
