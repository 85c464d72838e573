// Package dedup collapses duplicate deliveries of the same user gesture
// (gateway retries, impatient double clicks) into a single effect.
// Fingerprints live only in memory: the window is seconds, not the
// blocker's lifetime, so losing them on restart is acceptable.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultClickTTL guards single-click actions (claim, re-escalate).
	DefaultClickTTL = 10 * time.Second
	// DefaultFormTTL guards slow multi-step form submissions.
	DefaultFormTTL = 30 * time.Second
)

// Guard is a TTL-evicting fingerprint table. Safe for concurrent use.
// Entries carry their own expiry so actions with different windows
// share one table.
type Guard struct {
	Now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

func NewGuard() *Guard {
	return &Guard{expires: make(map[string]time.Time)}
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// ContentHash derives a stable digest of the significant fields of an
// action, so retried deliveries with identical content collide.
func ContentHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// ShouldProceed reports whether this actor+action+content tuple has not
// been seen within ttl, recording the fingerprint when it proceeds.
// Expired entries are purged on every call so the table stays bounded.
func (g *Guard) ShouldProceed(actorID, actionKind, contentHash string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultClickTTL
	}
	key := fmt.Sprintf("%s|%s|%s", actorID, actionKind, contentHash)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expires == nil {
		g.expires = make(map[string]time.Time)
	}
	for k, deadline := range g.expires {
		if now.After(deadline) {
			delete(g.expires, k)
		}
	}
	if deadline, ok := g.expires[key]; ok && !now.After(deadline) {
		return false
	}
	g.expires[key] = now.Add(ttl)
	return true
}
