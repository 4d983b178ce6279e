package network

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Flow control thresholds.
const (
	HeartbeatInterval    = 100 * time.Millisecond
	MaxTimeBetweenAcks   = 2 * HeartbeatInterval
	MaxNetRTT            = 300.0 // ms
	MinHysteresis        = time.Second
	MaxHysteresis        = 60 * time.Second
	InitialHysteresis    = 10 * time.Second
	hysteresisDecayAfter = 10 * time.Second
)

// FlowControl classifies a link as good or bad. Switching to bad while the
// last switch is still within the hysteresis window doubles the window;
// every ten seconds spent good halves it again.
type FlowControl struct {
	good                 bool
	netRTT               float64
	sinceLastAck         time.Duration
	hysteresis           time.Duration
	lastModeChange       time.Time
	lastHysteresisChange time.Time
	goodSince            time.Time
	logger               zerolog.Logger
}

// NewFlowControl starts in good mode at now.
func NewFlowControl(now time.Time) *FlowControl {
	return &FlowControl{
		good:                 true,
		hysteresis:           InitialHysteresis,
		lastModeChange:       now,
		lastHysteresisChange: now,
		goodSince:            now,
		logger:               log.With().Str("component", "flowcontrol").Logger(),
	}
}

// Update feeds the latest net RTT in milliseconds and the time since the
// last acknowledged packet.
func (f *FlowControl) Update(netRTT float64, sinceLastAck time.Duration, now time.Time) {
	f.netRTT = netRTT
	f.sinceLastAck = sinceLastAck

	currentlyGood := netRTT <= MaxNetRTT && sinceLastAck <= MaxTimeBetweenAcks
	if !currentlyGood {
		f.goodSince = now
	}

	if f.good && !currentlyGood {
		f.good = false
		if now.Sub(f.lastModeChange) < f.hysteresis {
			f.hysteresis = clampDuration(f.hysteresis*2, MinHysteresis, MaxHysteresis)
			f.lastHysteresisChange = now
		}
		f.lastModeChange = now
		f.logger.Info().
			Float64("net_rtt", netRTT).
			Dur("since_last_ack", sinceLastAck).
			Dur("hysteresis", f.hysteresis).
			Msg("switching to bad mode")
	}

	if !f.good && now.Sub(f.goodSince) > f.hysteresis {
		f.good = true
		f.lastModeChange = now
		f.logger.Info().Dur("hysteresis", f.hysteresis).Msg("switching to good mode")
	}

	if f.good && now.Sub(f.lastHysteresisChange) > hysteresisDecayAfter {
		f.hysteresis = clampDuration(f.hysteresis/2, MinHysteresis, MaxHysteresis)
		f.lastHysteresisChange = now
	}
}

// Good reports whether the link is currently classified good.
func (f *FlowControl) Good() bool { return f.good }

// Hysteresis returns the current time required in good conditions before
// leaving bad mode.
func (f *FlowControl) Hysteresis() time.Duration { return f.hysteresis }

// Mode returns "good" or "bad".
func (f *FlowControl) Mode() string {
	if f.good {
		return "good"
	}
	return "bad"
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
