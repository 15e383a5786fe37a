// ABOUTME: Per-principal rolling-window rate limiter for agent send endpoints
// ABOUTME: Standard agents get 10 req/min, elevated 30; exceeded requests get 429 with retry-after

package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/2389/byoa-gateway/internal/auth"
	"github.com/2389/byoa-gateway/internal/registry"
)

const (
	// Window is the rolling measurement window.
	Window = time.Minute

	// StandardLimit and ElevatedLimit are requests per Window by trust level.
	StandardLimit = 10
	ElevatedLimit = 30
)

// Limiter tracks request timestamps per principal.
type Limiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	now     func() time.Time
}

// New creates a limiter.
func New() *Limiter {
	return &Limiter{
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// limitFor maps trust level to the per-window request budget.
func limitFor(trust registry.TrustLevel) int {
	if trust == registry.TrustElevated {
		return ElevatedLimit
	}
	return StandardLimit
}

// Allow records a request for the principal and reports whether it fits
// the window. remaining is the budget left after this request; retryAfter
// is how long until a slot frees up when denied.
func (l *Limiter) Allow(principalID string, trust registry.TrustLevel) (allowed bool, remaining int, retryAfter time.Duration) {
	limit := limitFor(trust)
	now := l.now()
	cutoff := now.Add(-Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.history[principalID][:0]
	for _, t := range l.history[principalID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= limit {
		l.history[principalID] = recent
		oldest := recent[0]
		return false, 0, oldest.Add(Window).Sub(now)
	}

	l.history[principalID] = append(recent, now)
	return true, limit - len(recent) - 1, 0
}

// Sweep drops principals whose newest request is older than the window.
// Allow only trims a principal's slice when that principal sends again,
// so departed principals accumulate without this.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-Window)
	removed := 0
	for id, stamps := range l.history {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.history, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle principals every few minutes until done is closed.
func (l *Limiter) Run(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-done:
			return
		}
	}
}

// Middleware enforces the limit for the authenticated agent. It must
// run after the auth middleware.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := auth.FromContext(r.Context())
		if agent == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, retryAfter := l.Allow(agent.ID, agent.TrustLevel)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limitFor(agent.TrustLevel)))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":      "RATE_LIMITED",
				"retryAfter": seconds,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
