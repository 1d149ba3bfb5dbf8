package keeper

import (
	"sync"
	"time"
)

// Dedup suppresses repeated unwind requests for the same position within a
// time-to-live window. The risk monitor enqueues a fresh request on every
// sweep while a position stays in a risky band; only the first request in
// each window should reach the venue. Safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // position ID -> last seen
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a position as a duplicate if it has
// been seen within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if the position has been seen within the TTL
// window. An unseen (or expired) position is recorded and false is
// returned.
func (d *Dedup) IsDuplicate(positionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSeen, ok := d.seen[positionID]; ok {
		if now.Sub(lastSeen) < d.ttl {
			return true
		}
	}

	d.seen[positionID] = now
	return false
}

// Cleanup removes entries that have expired beyond the TTL. Call
// periodically to keep the map bounded.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
