package network

import (
	"net"
	"time"
)

// rateTracker caps datagrams accepted per source IP per one-second window.
// It is owned by a single polling goroutine and takes the caller's clock.
type rateTracker struct {
	counts    map[string]*rateBucket
	maxPerSec int
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
	}
}

func (rt *rateTracker) allow(ip string, now time.Time) bool {
	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

// prune drops buckets whose window ended before now.
func (rt *rateTracker) prune(now time.Time) {
	for ip, b := range rt.counts {
		if now.Sub(b.windowStart) >= time.Second {
			delete(rt.counts, ip)
		}
	}
}

func extractIP(addr net.Addr) string {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	host, _, _ := net.SplitHostPort(addr.String())
	return host
}
