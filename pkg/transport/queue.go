package transport

import "net/netip"

// queuedFrame is one encoded wire frame waiting to go out on the UDP
// socket, paired with its destination.
type queuedFrame struct {
	addr netip.AddrPort
	data []byte
}

// sendQueue implements spec.md §4.E's two-FIFO send scheduler: fresh
// application sends and scheduled resends are queued separately so a
// burst of new traffic can't starve retries (or vice versa), and are
// drained round-robin. A frame that hits a would-block write is
// pushed back onto the front of whichever queue it came from so the
// next flush pass retries it first.
type sendQueue struct {
	fresh   []queuedFrame
	resend  []queuedFrame
	takeFresh bool
}

func newSendQueue() *sendQueue {
	return &sendQueue{}
}

func (q *sendQueue) pushFresh(f queuedFrame)  { q.fresh = append(q.fresh, f) }
func (q *sendQueue) pushResend(f queuedFrame) { q.resend = append(q.resend, f) }

func (q *sendQueue) pushFrontFresh(f queuedFrame) {
	q.fresh = append([]queuedFrame{f}, q.fresh...)
}

func (q *sendQueue) pushFrontResend(f queuedFrame) {
	q.resend = append([]queuedFrame{f}, q.resend...)
}

// next pops the next frame to send, alternating between the fresh and
// resend queues so neither monopolizes the link, and reports which
// queue it came from (so a failed write can be pushed back to the
// right place).
func (q *sendQueue) next() (f queuedFrame, fromFresh bool, ok bool) {
	if len(q.fresh) == 0 && len(q.resend) == 0 {
		return queuedFrame{}, false, false
	}
	// alternate, but fall back to whichever queue is non-empty.
	tryFresh := q.takeFresh
	if tryFresh && len(q.fresh) == 0 {
		tryFresh = false
	}
	if !tryFresh && len(q.resend) == 0 {
		tryFresh = true
	}
	q.takeFresh = !q.takeFresh

	if tryFresh {
		f, q.fresh = q.fresh[0], q.fresh[1:]
		return f, true, true
	}
	f, q.resend = q.resend[0], q.resend[1:]
	return f, false, true
}

func (q *sendQueue) empty() bool {
	return len(q.fresh) == 0 && len(q.resend) == 0
}
