package network

import (
	"net/netip"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTimeout = time.Minute

// sourceLimiter applies a token bucket per source address to inbound
// datagrams. Only the reader goroutine touches it.
type sourceLimiter struct {
	limit   rate.Limit
	burst   int
	sources map[netip.AddrPort]*sourceBucket
	swept   time.Time
}

type sourceBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSourceLimiter returns nil when perSecond is not positive.
func newSourceLimiter(perSecond float64, burst int) *sourceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond * 2)
		if burst < 1 {
			burst = 1
		}
	}
	return &sourceLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		sources: make(map[netip.AddrPort]*sourceBucket),
	}
}

// Allow reports whether a datagram from src at now fits within its budget.
func (l *sourceLimiter) Allow(src netip.AddrPort, now time.Time) bool {
	if l == nil {
		return true
	}

	b, ok := l.sources[src]
	if !ok {
		b = &sourceBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.sources[src] = b
	}
	b.lastSeen = now

	if now.Sub(l.swept) > limiterIdleTimeout {
		l.sweep(now)
	}
	return b.limiter.AllowN(now, 1)
}

func (l *sourceLimiter) sweep(now time.Time) {
	for src, b := range l.sources {
		if now.Sub(b.lastSeen) > limiterIdleTimeout {
			delete(l.sources, src)
		}
	}
	l.swept = now
}
