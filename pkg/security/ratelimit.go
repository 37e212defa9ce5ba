// Package security provides request rate limiting and input validation for
// the relay's public surfaces.
package security

import (
	"context"
	"sync"
	"time"

	"github.com/armorclaw/relay/pkg/logger"
)

const rateLimitWindow = time.Minute

// RateLimiter enforces a fixed-window request budget per identifier
// (typically a client IP or device ID). The window is anchored at the
// identifier's first request; once it ages past the window span the next
// request opens a fresh one. Identifiers that exceed the budget are
// blocked for a fixed penalty period.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateEntry

	maxPerWindow int
	blockFor     time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	log      *logger.Logger
}

type rateEntry struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// NewRateLimiter creates a rate limiter allowing maxPerMinute requests per
// identifier per minute, blocking offenders for blockFor.
func NewRateLimiter(maxPerMinute int, blockFor time.Duration) *RateLimiter {
	return &RateLimiter{
		entries:      make(map[string]*rateEntry),
		maxPerWindow: maxPerMinute,
		blockFor:     blockFor,
		stopCh:       make(chan struct{}),
		log:          logger.Global().WithComponent("ratelimit"),
	}
}

// Start launches the background sweeper that drops idle identifiers
func (r *RateLimiter) Start(ctx context.Context) {
	go r.sweepLoop(ctx)
}

// Stop terminates the background sweeper
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func (r *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(rateLimitWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep drops identifiers idle for more than twice the window and not blocked
func (r *RateLimiter) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, e := range r.entries {
		if now.Sub(e.lastSeen) > 2*rateLimitWindow && now.After(e.blockedUntil) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Check records a request for the identifier and reports whether it is
// within budget. Exceeding the budget blocks the identifier.
func (r *RateLimiter) Check(identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, ok := r.entries[identifier]
	if !ok {
		e = &rateEntry{}
		r.entries[identifier] = e
	}
	e.lastSeen = now

	if now.Before(e.blockedUntil) {
		return false
	}

	// First request, or the window aged out: open a fresh window
	if e.count == 0 || now.Sub(e.windowStart) >= rateLimitWindow {
		e.windowStart = now
		e.count = 1
		return true
	}

	e.count++
	if e.count > r.maxPerWindow {
		e.blockedUntil = now.Add(r.blockFor)
		e.count = 0
		r.log.Warn("identifier exceeded rate limit, blocking",
			"identifier", identifier,
			"blocked_until", e.blockedUntil.Format(time.RFC3339),
		)
		return false
	}
	return true
}

// Reset clears all state for an identifier, lifting any block
func (r *RateLimiter) Reset(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, identifier)
}

// IdentifierStats describes the limiter's view of a single identifier
type IdentifierStats struct {
	RequestCount int       `json:"request_count"`
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// IdentifierStats reports the current window and block state for one
// identifier without recording a request
func (r *RateLimiter) IdentifierStats(identifier string) IdentifierStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identifier]
	if !ok {
		return IdentifierStats{}
	}

	now := time.Now()
	s := IdentifierStats{}
	if now.Sub(e.windowStart) < rateLimitWindow {
		s.RequestCount = e.count
	}
	if now.Before(e.blockedUntil) {
		s.Blocked = true
		s.BlockedUntil = e.blockedUntil
	}
	return s
}

// Stats summarizes limiter state
type Stats struct {
	TrackedIdentifiers int `json:"tracked_identifiers"`
	BlockedIdentifiers int `json:"blocked_identifiers"`
}

// Stats returns a snapshot of limiter state
func (r *RateLimiter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{TrackedIdentifiers: len(r.entries)}
	now := time.Now()
	for _, e := range r.entries {
		if now.Before(e.blockedUntil) {
			s.BlockedIdentifiers++
		}
	}
	return s
}
