package channels

import (
	"sync"
	"time"
)

// Webhook traffic is throttled per source key before any channel-specific
// signature check runs. Counting is fixed-window: a key's first hit opens
// a window, hits beyond the allowance inside it are rejected, and the
// first hit after expiry opens a fresh window.
const (
	rateLimitWindow  = time.Minute
	rateLimitMaxHits = 30

	// The key map is bounded so rotating source addresses cannot grow it
	// without limit.
	maxTrackedKeys = 4096
)

type hitWindow struct {
	openedAt time.Time
	hits     int
}

// WebhookRateLimiter throttles inbound webhook calls per source key.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	windows map[string]hitWindow
}

// NewWebhookRateLimiter creates a limiter with the package defaults.
func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{windows: make(map[string]hitWindow)}
}

// Allow records one hit for key and reports whether it stays inside the
// allowance.
func (l *WebhookRateLimiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[key]; ok && now.Sub(w.openedAt) < rateLimitWindow {
		w.hits++
		l.windows[key] = w
		return w.hits <= rateLimitMaxHits
	}

	if len(l.windows) >= maxTrackedKeys {
		l.sweep(now)
	}
	l.windows[key] = hitWindow{openedAt: now, hits: 1}
	return true
}

// sweep drops expired windows, then arbitrary ones until a slot frees up.
// Caller holds the lock.
func (l *WebhookRateLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.openedAt) >= rateLimitWindow {
			delete(l.windows, k)
		}
	}
	for k := range l.windows {
		if len(l.windows) < maxTrackedKeys {
			break
		}
		delete(l.windows, k)
	}
}
