// Package reassembly implements the per-message fragment buffer a
// receiver uses to rebuild a multi-frame message from its
// MultiFrameBegin/Fragment/End frames. Grounded on
// appnet-org-arpc/pkg/transport/fragmentation.go's DataReassembler,
// adapted from its request/response RPC fragments to this transport's
// Begin/Fragment/End state machine (spec.md §4.B).
package reassembly

import (
	"time"

	"github.com/skylineproto/udptransport/pkg/wire"
)

// Reassembler owns every in-progress multi-frame message this socket
// has received. It is intended to be owned and mutated exclusively by
// the I/O loop goroutine (spec.md §5): no internal locking, matching
// the ack tracker's single-owner discipline.
type Reassembler struct {
	entries map[uint64]*entry
	now     func() time.Time
}

type entry struct {
	lastActivity   time.Time
	totalFragments uint32
	totalSize      uint32
	received       []bool
	receivedCount  uint32
	payload        []byte
}

// New creates an empty reassembler. A standard Go map is used here on
// purpose: message ids are peer-supplied and untrusted, but Go's
// built-in map hasher is seeded per-process at runtime, which already
// defeats the predictable-hash-flooding attack spec.md §9 warns
// against — there is no need to bring in a separate keyed hash (e.g.
// cespare/xxhash) the way a language with a fixed default hasher would.
func New() *Reassembler {
	return &Reassembler{
		entries: make(map[uint64]*entry),
		now:     time.Now,
	}
}

// NewWithClock is New but lets tests control the passage of time for
// GC behavior.
func NewWithClock(now func() time.Time) *Reassembler {
	r := New()
	r.now = now
	return r
}

// validBegin checks spec.md §3's MultiFrameBegin invariant:
// total_size ∈ ((total_fragments-1)*FRAGMENT_SIZE, total_fragments*FRAGMENT_SIZE].
func validBegin(totalFragments, totalSize uint32) bool {
	if totalFragments < 2 {
		return false
	}
	if uint64(totalSize) >= wire.MaxTotalSize {
		return false
	}
	lo := uint64(totalFragments-1) * wire.FragmentSize
	hi := uint64(totalFragments) * wire.FragmentSize
	size := uint64(totalSize)
	return size > lo && size <= hi
}

// OnBegin creates a reassembly entry for id if none exists yet and the
// declared sizes pass validation. A duplicate or late Begin for an id
// already being accumulated is a no-op (spec.md §4.B).
func (r *Reassembler) OnBegin(id uint64, totalFragments, totalSize uint32) {
	if _, exists := r.entries[id]; exists {
		return
	}
	if !validBegin(totalFragments, totalSize) {
		return
	}
	r.entries[id] = &entry{
		lastActivity:   r.now(),
		totalFragments: totalFragments,
		totalSize:      totalSize,
		received:       make([]bool, totalFragments),
		payload:        make([]byte, totalSize),
	}
}

// OnFragment writes one fragment's data into the message's payload
// buffer. Anything that doesn't fit the entry's declared bounds is
// silently dropped, per spec.md §4.B.
func (r *Reassembler) OnFragment(id uint64, fragmentID uint32, data []byte) {
	e, ok := r.entries[id]
	if !ok {
		return
	}
	if fragmentID >= e.totalFragments {
		return
	}
	if uint32(len(data)) > wire.FragmentSize {
		return
	}
	start := uint64(fragmentID) * wire.FragmentSize
	end := start + uint64(len(data))
	if end > uint64(e.totalSize) {
		return
	}

	copy(e.payload[start:end], data)
	if !e.received[fragmentID] {
		e.received[fragmentID] = true
		e.receivedCount++
	}
	e.lastActivity = r.now()
}

// OnEnd evaluates completeness for id. If every fragment has arrived
// it removes the entry and returns the reassembled payload with
// complete=true. Otherwise the entry is kept and the first (up to
// MaxMissingFragments) missing fragment indices are returned for an
// AckFail frame.
func (r *Reassembler) OnEnd(id uint64) (payload []byte, missing []uint32, complete bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, nil, false
	}

	if e.receivedCount == e.totalFragments {
		delete(r.entries, id)
		return e.payload, nil, true
	}

	for i := uint32(0); i < e.totalFragments && len(missing) < wire.MaxMissingFragments; i++ {
		if !e.received[i] {
			missing = append(missing, i)
		}
	}
	return nil, missing, false
}

// GC discards entries whose last activity is older than maxAge
// (spec.md §3/§4.B: 60s idle timeout).
func (r *Reassembler) GC(maxAge time.Duration) {
	cutoff := r.now().Add(-maxAge)
	for id, e := range r.entries {
		if e.lastActivity.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}

// Len reports how many messages are currently being accumulated.
// Exposed for tests asserting a reassembly entry is cleared after
// delivery (spec.md §8 scenario 2).
func (r *Reassembler) Len() int {
	return len(r.entries)
}
