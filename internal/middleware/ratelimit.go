package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFailuresPerMinute is the default number of failed channel
	// authentications tolerated per peer.
	DefaultMaxFailuresPerMinute = 10

	// DefaultMaxTrackedPeers bounds the limiter's memory.
	DefaultMaxTrackedPeers = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles failed authentications per peer host.
type RateLimiter struct {
	mu              sync.Mutex
	peers           map[string]*peerEntry
	maxPerMinute    int
	maxTrackedPeers int
	cancel          context.CancelFunc
}

// NewRateLimiter starts a limiter allowing maxPerMinute failures per peer.
// Pass 0 for [DefaultMaxFailuresPerMinute]. The cleanup goroutine stops with
// ctx or [RateLimiter.Stop].
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxFailuresPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		peers:           make(map[string]*peerEntry),
		maxPerMinute:    maxPerMinute,
		maxTrackedPeers: DefaultMaxTrackedPeers,
		cancel:          cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow reports whether host may attempt authentication again.
func (rl *RateLimiter) Allow(host string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.peers[host]
	if !ok {
		return true
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// RecordFailureAndAllow records a failed attempt for host and reports whether
// it is still within the limit.
func (rl *RateLimiter) RecordFailureAndAllow(host string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.entryLocked(host, time.Now()).limiter.Allow()
}

func (rl *RateLimiter) entryLocked(host string, now time.Time) *peerEntry {
	e, ok := rl.peers[host]
	if !ok {
		if len(rl.peers) >= rl.maxTrackedPeers {
			rl.evictOldestLocked()
		}
		e = &peerEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.peers[host] = e
	}
	e.lastSeen = now
	return e
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.removeStale(now)
		}
	}
}

func (rl *RateLimiter) removeStale(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for host, e := range rl.peers {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.peers, host)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var (
		oldest     string
		oldestSeen time.Time
	)
	for host, e := range rl.peers {
		if oldest == "" || e.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = host, e.lastSeen
		}
	}
	delete(rl.peers, oldest)
}

// ExtractHost strips the port from a peer address. Addresses without a port,
// such as Unix socket paths, are returned unchanged.
func ExtractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
