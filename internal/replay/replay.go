// Package replay drops queries that were already seen or
// whose timestamp is too far from the local clock. Hubs and
// nodes both guard their query handlers with it.
package replay

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/wire"
)

// DefaultTolerance is how far a query timestamp may be
// from the local clock. Generous, since clocks drift.
const DefaultTolerance = 10 * time.Minute

// Cache remembers recently seen fingerprints. Expired
// entries are evicted inline during Record.
type Cache struct { // A
	mu      sync.Mutex
	entries map[[32]byte]time.Time
	window  time.Duration
	clock   clock.Clock
}

// NewCache creates a Cache that remembers fingerprints for
// window.
func NewCache(window time.Duration, clk clock.Clock) *Cache { // A
	return &Cache{
		entries: make(map[[32]byte]time.Time),
		window:  window,
		clock:   clk,
	}
}

// Fingerprint binds a query nonce to the node that sent
// it.
func Fingerprint(nonce [wire.NonceSize]byte, requester interfaces.NodeID) [32]byte { // A
	h := blake3.New()
	_, _ = h.Write(nonce[:])
	_, _ = h.Write(requester[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Record stores fp and returns true if it was fresh.
// Returns false for a replay.
func (c *Cache) Record(fp [32]byte) bool { // A
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanup()

	if _, exists := c.entries[fp]; exists {
		return false
	}
	c.entries[fp] = c.clock.Now()
	return true
}

// Len returns the number of remembered fingerprints.
func (c *Cache) Len() int { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cleanup evicts expired entries. Must be called with mu
// held.
func (c *Cache) cleanup() { // A
	cutoff := c.clock.Now().Add(-c.window)
	for k, v := range c.entries {
		if v.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}

// Guard admits a query once, and only while its timestamp
// is within tolerance of the local clock.
type Guard struct { // A
	seen      *Cache
	tolerance time.Duration
	clock     clock.Clock
}

// NewGuard creates a Guard. Fingerprints are kept for twice
// the tolerance, long enough that a replayed query is
// rejected by its timestamp once its nonce is forgotten.
func NewGuard(tolerance time.Duration, clk clock.Clock) *Guard { // A
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Guard{
		seen:      NewCache(2*tolerance, clk),
		tolerance: tolerance,
		clock:     clk,
	}
}

// Admit returns ErrReplay when the query posed at
// timestamp is stale or fp was seen before.
func (g *Guard) Admit(fp [32]byte, timestamp int64) error { // A
	skew := g.clock.Now().Sub(time.Unix(timestamp, 0)).Abs()
	if skew > g.tolerance {
		return fmt.Errorf("%w: query timestamp off by %s", sderrors.ErrReplay, skew.Round(time.Second))
	}
	if !g.seen.Record(fp) {
		return fmt.Errorf("%w: nonce already seen", sderrors.ErrReplay)
	}
	return nil
}

// Len returns the number of remembered fingerprints.
func (g *Guard) Len() int { return g.seen.Len() } // A
