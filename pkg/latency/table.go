// Package latency implements the per-peer exponentially smoothed
// one-way latency estimate used to pace resends (spec.md §4.D).
// Grounded on appnet-org-arpc/pkg/custom/reliable/handlers.go's
// mutex-protected rttMin field, generalized here to a map keyed by
// peer IP with an atomic value per entry so reads never block a
// writer inserting an unrelated peer.
package latency

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEstimate is the baseline latency assumed for a peer that has
// never been observed.
const DefaultEstimate = 100 * time.Millisecond

// smoothingDenominator implements the EWMA update
// new = (9*old + sample) / 10, i.e. alpha = 0.1.
const smoothingDenominator = 10

// Table maps a peer's IP address (not IP+port — distinct ports on one
// host share a link) to a smoothed latency estimate in milliseconds.
type Table struct {
	mu sync.RWMutex
	m  map[netip.Addr]*atomic.Uint64
}

// New returns an empty latency table.
func New() *Table {
	return &Table{m: make(map[netip.Addr]*atomic.Uint64)}
}

// Get returns the current estimate for addr, or false if no ack has
// ever been observed from it (spec.md §3 invariant: a peer IP appears
// in the table iff at least one ack has been observed from it).
func (t *Table) Get(addr netip.Addr) (time.Duration, bool) {
	t.mu.RLock()
	v, ok := t.m[addr]
	t.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Duration(v.Load()) * time.Millisecond, true
}

// GetOrDefault returns the estimate for addr, or DefaultEstimate if
// the peer has never been observed. Used by the resend pass, which
// needs a latency value regardless of whether one has been measured
// yet (spec.md §4.C).
func (t *Table) GetOrDefault(addr netip.Addr) time.Duration {
	if d, ok := t.Get(addr); ok {
		return d
	}
	return DefaultEstimate
}

// Observe folds a new latency sample for addr into its EWMA estimate,
// inserting the peer at DefaultEstimate first if this is its first
// observation.
func (t *Table) Observe(addr netip.Addr, sample time.Duration) {
	t.mu.RLock()
	v, ok := t.m[addr]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		if v, ok = t.m[addr]; !ok {
			v = &atomic.Uint64{}
			v.Store(uint64(DefaultEstimate / time.Millisecond))
			t.m[addr] = v
		}
		t.mu.Unlock()
	}

	sampleMs := uint64(sample / time.Millisecond)
	for {
		old := v.Load()
		next := (9*old + sampleMs) / smoothingDenominator
		if v.CompareAndSwap(old, next) {
			return
		}
	}
}
