package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from senders rotating numbers.
	maxTrackedKeys = 4096

	DefaultWebhookWindow  = 60 * time.Second
	DefaultWebhookMaxHits = 30
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter is a fixed-window counter per key (sender phone or
// remote address) with a bounded number of tracked keys.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	window  time.Duration
	maxHits int
	now     func() time.Time
}

// NewWebhookRateLimiter creates a limiter allowing maxHits per window per key.
// Non-positive arguments fall back to the defaults.
func NewWebhookRateLimiter(maxHits int, window time.Duration) *WebhookRateLimiter {
	if maxHits <= 0 {
		maxHits = DefaultWebhookMaxHits
	}
	if window <= 0 {
		window = DefaultWebhookWindow
	}
	return &WebhookRateLimiter{
		entries: make(map[string]*rateLimitEntry),
		window:  window,
		maxHits: maxHits,
		now:     time.Now,
	}
}

// Allow returns true if the key is within rate limits.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap.
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
