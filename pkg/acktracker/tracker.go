// Package acktracker implements the sender-side bookkeeping that
// drives reliable delivery: which frames are still unacknowledged,
// when each is next due for a resend, and how an incoming ack or
// ack-fail should update that schedule (spec.md §4.C). Grounded on
// appnet-org-arpc/pkg/custom/reliable/handlers.go's MsgTx/RTT
// tracking, generalized from that package's per-request map to this
// transport's single-frame/multi-frame split and its
// send_count-scaled backoff instead of a fixed RTO.
//
// A Tracker is owned exclusively by the socket's I/O loop goroutine
// (spec.md §5) and, like pkg/reassembly.Reassembler, carries no
// internal locking.
package acktracker

import (
	"net/netip"
	"time"

	"github.com/skylineproto/udptransport/pkg/wire"
)

// ResendFrame is one encoded frame a resend pass decided to put back
// on the wire.
type ResendFrame struct {
	Addr netip.AddrPort
	Data []byte
}

type pendingSingle struct {
	addr          netip.AddrPort
	frame         []byte
	sendCount     uint32
	firstSentAt   time.Time
	nextResendAt  time.Time
	hardTimeoutAt time.Time
}

type pendingMulti struct {
	addr      netip.AddrPort
	begin     []byte
	fragments [][]byte
	end       []byte

	// pendingFragmentIDs narrows a resend to just the fragments an
	// AckFail reported missing. nil means "no AckFail seen yet",
	// i.e. a resend must assume the whole sequence, including Begin,
	// may have been lost.
	pendingFragmentIDs []uint32

	sendCount     uint32
	firstSentAt   time.Time
	nextResendAt  time.Time
	hardTimeoutAt time.Time
}

// Tracker tracks every in-flight reliable message this socket has
// sent, keyed by message id.
type Tracker struct {
	single map[uint64]*pendingSingle
	multi  map[uint64]*pendingMulti
	now    func() time.Time
}

// New creates an empty tracker. As with pkg/reassembly, the message
// ids keying these maps are peer-influenced but Go's per-process
// randomized map hash already neutralizes a predictable-hash DoS, so
// no keyed hash library is needed (spec.md §9).
func New() *Tracker {
	return &Tracker{
		single: make(map[uint64]*pendingSingle),
		multi:  make(map[uint64]*pendingMulti),
		now:    time.Now,
	}
}

// NewWithClock is New but lets tests control elapsed time.
func NewWithClock(now func() time.Time) *Tracker {
	t := New()
	t.now = now
	return t
}

// TrackSingle registers a just-sent SingleFrame as awaiting an ack.
// Callers are expected to have already classified addr as a unicast
// peer; broadcast and multicast sends bypass the tracker entirely
// (spec.md §4.C — there is no single peer to ack a one-to-many send).
// timeout is the caller-supplied hard deadline for this specific
// message (spec.md §3/§6): it is independent of any other message's
// timeout, including other in-flight sends to the same peer.
func (t *Tracker) TrackSingle(id uint64, addr netip.AddrPort, frame []byte, timeout time.Duration) {
	now := t.now()
	t.single[id] = &pendingSingle{
		addr:          addr,
		frame:         frame,
		sendCount:     1,
		firstSentAt:   now,
		nextResendAt:  now.Add(initialTimeout),
		hardTimeoutAt: now.Add(timeout),
	}
}

// TrackMulti registers a just-sent Begin/Fragment.../End sequence.
// timeout is this message's own hard deadline, per TrackSingle.
func (t *Tracker) TrackMulti(id uint64, addr netip.AddrPort, begin []byte, fragments [][]byte, end []byte, timeout time.Duration) {
	now := t.now()
	t.multi[id] = &pendingMulti{
		addr:          addr,
		begin:         begin,
		fragments:     fragments,
		end:           end,
		sendCount:     1,
		firstSentAt:   now,
		nextResendAt:  now.Add(initialTimeout),
		hardTimeoutAt: now.Add(timeout),
	}
}

// initialTimeout is the resend deadline set for the first send of any
// message, before a latency estimate for its peer exists.
const initialTimeout = 2 * wire.MinAckTimeout

// OnSingleFrameAck removes id's tracked state and reports the
// round-trip sample to feed the latency estimator. ok is false if no
// such id was pending (a late duplicate ack, or one for an id this
// socket never sent).
func (t *Tracker) OnSingleFrameAck(id uint64) (addr netip.AddrPort, sample time.Duration, ok bool) {
	p, found := t.single[id]
	if !found {
		return netip.AddrPort{}, 0, false
	}
	delete(t.single, id)
	return p.addr, t.now().Sub(p.firstSentAt), true
}

// OnMultiFrameAck removes id's tracked state, signaling the whole
// message was reassembled successfully.
func (t *Tracker) OnMultiFrameAck(id uint64) (addr netip.AddrPort, sample time.Duration, ok bool) {
	p, found := t.multi[id]
	if !found {
		return netip.AddrPort{}, 0, false
	}
	delete(t.multi, id)
	return p.addr, t.now().Sub(p.firstSentAt), true
}

// OnMultiFrameAckFail narrows id's pending retransmission to exactly
// the fragments the receiver reports missing, and schedules an
// immediate resend. It returns false if id is not a message this
// socket is tracking.
func (t *Tracker) OnMultiFrameAckFail(id uint64, missing []uint32) bool {
	p, found := t.multi[id]
	if !found {
		return false
	}
	p.pendingFragmentIDs = missing
	p.nextResendAt = t.now()
	return true
}

// ResendDue scans both tracking maps for entries whose resend
// deadline has passed, advances their schedule, and returns the
// frames that should be put back on the wire. latencyOf supplies the
// current latency estimate for a peer (pkg/latency.Table.GetOrDefault)
// used to pace the next deadline.
func (t *Tracker) ResendDue(latencyOf func(netip.Addr) time.Duration) []ResendFrame {
	now := t.now()
	var out []ResendFrame

	for _, p := range t.single {
		if now.Before(p.nextResendAt) {
			continue
		}
		p.sendCount++
		p.nextResendAt = now.Add(backoff(p.sendCount, latencyOf(p.addr.Addr())))
		out = append(out, ResendFrame{Addr: p.addr, Data: p.frame})
	}

	for _, p := range t.multi {
		if now.Before(p.nextResendAt) {
			continue
		}
		p.sendCount++
		p.nextResendAt = now.Add(backoff(p.sendCount, latencyOf(p.addr.Addr())))
		out = append(out, multiResendFrames(p)...)
	}

	return out
}

func multiResendFrames(p *pendingMulti) []ResendFrame {
	if p.pendingFragmentIDs == nil {
		frames := make([]ResendFrame, 0, len(p.fragments)+2)
		frames = append(frames, ResendFrame{Addr: p.addr, Data: p.begin})
		for _, f := range p.fragments {
			frames = append(frames, ResendFrame{Addr: p.addr, Data: f})
		}
		frames = append(frames, ResendFrame{Addr: p.addr, Data: p.end})
		return frames
	}

	frames := make([]ResendFrame, 0, len(p.pendingFragmentIDs)+1)
	for _, id := range p.pendingFragmentIDs {
		if int(id) < len(p.fragments) {
			frames = append(frames, ResendFrame{Addr: p.addr, Data: p.fragments[id]})
		}
	}
	frames = append(frames, ResendFrame{Addr: p.addr, Data: p.end})
	return frames
}

// backoff implements spec.md §4.C's resend pacing:
// clamp(5 * send_count * peer_latency, MinAckTimeout, MaxAckTimeout).
func backoff(sendCount uint32, peerLatency time.Duration) time.Duration {
	d := time.Duration(5) * time.Duration(sendCount) * peerLatency
	if d < wire.MinAckTimeout {
		return wire.MinAckTimeout
	}
	if d > wire.MaxAckTimeout {
		return wire.MaxAckTimeout
	}
	return d
}

// GC drops any tracked message whose own hard_timeout_deadline
// (spec.md §3) has passed, treating it as permanently lost — peer
// gone, or undeliverable within the caller's requested timeout. Each
// entry's deadline was fixed at Track time from that call's own
// timeout argument, so two concurrent sends to the same peer expire
// independently instead of sharing one process-wide idle window.
func (t *Tracker) GC() {
	now := t.now()
	for id, p := range t.single {
		if !now.Before(p.hardTimeoutAt) {
			delete(t.single, id)
		}
	}
	for id, p := range t.multi {
		if !now.Before(p.hardTimeoutAt) {
			delete(t.multi, id)
		}
	}
}

// PendingSingleCount and PendingMultiCount expose tracker size for
// tests.
func (t *Tracker) PendingSingleCount() int { return len(t.single) }
func (t *Tracker) PendingMultiCount() int  { return len(t.multi) }
