// ABOUTME: Loop guard applying pairwise cooldowns and rate caps to agent-to-agent traffic
// ABOUTME: Consulted only for non-mention deliveries where the sender is an AI principal

package guard

import (
	"strings"
	"sync"
	"time"
)

const (
	// Cooldown is the minimum gap between exchanges for one agent pair.
	Cooldown = 30 * time.Second

	// Window and WindowMax bound how many exchanges a pair may have in
	// any rolling window.
	Window    = 60 * time.Second
	WindowMax = 5

	// staleAfter is how long past its window reset a pair entry may sit
	// before the sweep drops it.
	staleAfter = 10 * time.Minute
)

// pairState tracks one unordered agent pair.
type pairState struct {
	lastExchange time.Time
	count        int
	windowReset  time.Time
}

// Guard decides whether an AI-authored message may be delivered to another
// agent. State is in-memory only; losing it permits at most one extra
// exchange per pair.
type Guard struct {
	mu    sync.Mutex
	pairs map[string]*pairState
	now   func() time.Time
}

// New creates a Guard.
func New() *Guard {
	return &Guard{
		pairs: make(map[string]*pairState),
		now:   time.Now,
	}
}

// pairKey builds the unordered key for two principal ids.
func pairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

// Allow reports whether a delivery from AI sender to target may proceed,
// given the target's elevated trust. On allow it records the exchange.
// Standard-trust targets and self-loops must be rejected by the caller
// before consulting pair state; AllowElevated only handles the pair policy.
func (g *Guard) AllowElevated(senderID, targetID string) bool {
	if senderID == targetID {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := pairKey(senderID, targetID)

	state, ok := g.pairs[key]
	if !ok {
		g.pairs[key] = &pairState{
			lastExchange: now,
			count:        1,
			windowReset:  now.Add(Window),
		}
		return true
	}

	// Rolling window resets once now crosses the stored reset time.
	if now.After(state.windowReset) {
		state.count = 0
		state.windowReset = now.Add(Window)
	}

	if now.Sub(state.lastExchange) < Cooldown {
		return false
	}
	if state.count >= WindowMax {
		return false
	}

	state.count++
	state.lastExchange = now
	return true
}

// RecordExchange notes an exchange that happened outside the guard's
// decision, such as a direct-mention delivery that bypassed the check.
// The pair cooldown still starts from it.
func (g *Guard) RecordExchange(senderID, targetID string) {
	if senderID == targetID {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := pairKey(senderID, targetID)

	state, ok := g.pairs[key]
	if !ok {
		g.pairs[key] = &pairState{
			lastExchange: now,
			count:        1,
			windowReset:  now.Add(Window),
		}
		return
	}

	if now.After(state.windowReset) {
		state.count = 0
		state.windowReset = now.Add(Window)
	}
	state.count++
	state.lastExchange = now
}

// Sweep drops pair entries whose window reset is long past. Not on the
// routing hot path; call it from a periodic ticker.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for key, state := range g.pairs {
		if now.Sub(state.windowReset) > staleAfter {
			delete(g.pairs, key)
			removed++
		}
	}
	return removed
}

// Run sweeps stale pairs every few minutes until ctx is done.
func (g *Guard) Run(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Sweep()
		case <-done:
			return
		}
	}
}
