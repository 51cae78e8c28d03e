// Package transport implements the public, generic reliable-datagram
// socket (spec.md §§2,4.E-4.G). It is the centerpiece component: a
// Socket[T] owns a UDP connection, an ack tracker, a fragment
// reassembler, and a peer latency table, all driven by a single I/O
// loop goroutine, and exposes a bounded-channel interface to the
// application goroutine(s) that use it.
//
// Grounded on appnet-org-arpc/pkg/transport/transport.go's
// UDPTransport — generalized from that type's fixed request/response
// framing to spec.md's Single/MultiFrame state machine, and from a
// concrete payload type to a type parameter bound by Codec[T].
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/skylineproto/udptransport/pkg/acktracker"
	"github.com/skylineproto/udptransport/pkg/latency"
	"github.com/skylineproto/udptransport/pkg/logging"
	"github.com/skylineproto/udptransport/pkg/mcast"
	"github.com/skylineproto/udptransport/pkg/reassembly"
)

// ErrClosed is returned by Socket operations attempted after Close.
var ErrClosed = errors.New("transport: socket is closed")

// ErrBroadcastDisabled is returned by SendBroadcast until
// EnableBroadcast has been called.
var ErrBroadcastDisabled = errors.New("transport: broadcast sends are disabled")

// Received pairs an inbound, decoded application message with the
// peer address it arrived from.
type Received[T any] struct {
	From netip.AddrPort
	Msg  T
}

type outgoingMsg[T any] struct {
	addr      netip.AddrPort
	msg       T
	timeout   time.Duration
	broadcast bool
}

// Socket is a generic reliable-datagram endpoint for payload type T.
// The zero value is not usable; construct with New.
type Socket[T any] struct {
	conn  *net.UDPConn
	codec Codec[T]
	log   *zap.Logger

	group *mcast.GroupMembership

	latencyTable *latency.Table

	sendCh chan outgoingMsg[T]
	recvCh chan Received[T]

	broadcastEnabled atomic.Bool
	closed           atomic.Bool
	closeOnce        sync.Once
	stopCh           chan struct{}
	wg               sync.WaitGroup

	cfg *config

	// tracker is owned by the I/O loop goroutine but kept as a field
	// (rather than a loop-local variable) so tests in this package can
	// observe in-flight send counts directly.
	tracker *acktracker.Tracker
}

// New creates a Socket bound to laddr (e.g. "0.0.0.0:9000" or ":0" for
// an ephemeral port) using codec to marshal and unmarshal payloads of
// type T, and starts its I/O loop goroutine.
func New[T any](laddr string, codec Codec[T], opts ...Option) (*Socket[T], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", laddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", laddr, err)
	}

	log := cfg.logger
	if log == nil {
		log = logging.L()
	}

	s := &Socket[T]{
		conn:         conn,
		codec:        codec,
		log:          log,
		group:        mcast.NewGroupMembership(conn),
		latencyTable: latency.New(),
		sendCh:       make(chan outgoingMsg[T], cfg.bufferSize),
		recvCh:       make(chan Received[T], cfg.bufferSize),
		stopCh:       make(chan struct{}),
		cfg:          cfg,
		tracker:      acktracker.New(),
	}

	s.wg.Add(1)
	go s.ioLoop(s.tracker, reassembly.New())

	return s, nil
}

// LocalAddr reports the address this socket is bound to.
func (s *Socket[T]) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// IsLoopback reports whether addr is a loopback address. It checks
// the address passed in, not the address this socket is bound to.
func (s *Socket[T]) IsLoopback(addr netip.Addr) bool {
	return addr.IsLoopback()
}

// LocalIPAddr reports the best-effort external IP address this socket
// is reachable on, matching spec.md §6's local_ip_addr(). If the
// socket was bound to a concrete, non-loopback address, that address
// is returned directly. Otherwise — bound to a wildcard or loopback
// address, which tells a peer nothing useful — it falls back to a
// single cross-platform net.InterfaceAddrs scan, replacing the
// original's platform-split local_ip_mac/local_ip_windows/Linux-None
// implementations with one idiomatic Go path. It returns false if no
// usable address could be found.
func (s *Socket[T]) LocalIPAddr() (netip.Addr, bool) {
	bound := s.LocalAddr().Addr()
	if !bound.IsUnspecified() && !bound.IsLoopback() {
		return bound, true
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		s.log.Warn("local ip discovery failed", zap.Error(err))
		return netip.Addr{}, false
	}

	var fallback netip.Addr
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		if ip.Is4() {
			return ip, true
		}
		if !fallback.IsValid() {
			fallback = ip
		}
	}
	return fallback, fallback.IsValid()
}

// Send queues msg for reliable delivery to addr, matching spec.md
// §6's send(peer, message, timeout). timeout is the hard deadline for
// this specific message: per spec.md §3's data model, it is added to
// the send's original timestamp to produce the ack tracker entry's
// hard_timeout_deadline, independently of any other message in
// flight to the same or a different peer. Send blocks if the outgoing
// channel is at capacity (spec.md §4.G backpressure) and returns
// ErrClosed if the socket has been closed.
func (s *Socket[T]) Send(ctx context.Context, addr netip.AddrPort, msg T, timeout time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.sendCh <- outgoingMsg[T]{addr: addr, msg: msg, timeout: timeout}:
		return nil
	case <-s.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendBroadcast queues msg for a one-to-many, unacknowledged send to
// the IPv4 limited-broadcast address on port. EnableBroadcast must
// have been called first. Broadcast sends are never tracked for
// retry, but timeout is still threaded through to admitOne for
// symmetry with Send and in case a future unicast fallback needs it.
func (s *Socket[T]) SendBroadcast(ctx context.Context, port uint16, msg T, timeout time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.broadcastEnabled.Load() {
		return ErrBroadcastDisabled
	}
	addr := netip.AddrPortFrom(netip.MustParseAddr("255.255.255.255"), port)
	select {
	case s.sendCh <- outgoingMsg[T]{addr: addr, msg: msg, timeout: timeout, broadcast: true}:
		return nil
	case <-s.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecvBlocking waits for the next inbound message, or returns
// ErrClosed once the socket is closed and drained.
func (s *Socket[T]) RecvBlocking(ctx context.Context) (Received[T], error) {
	select {
	case m, ok := <-s.recvCh:
		if !ok {
			return Received[T]{}, ErrClosed
		}
		return m, nil
	case <-ctx.Done():
		return Received[T]{}, ctx.Err()
	}
}

// TryRecv returns the next inbound message without blocking.
func (s *Socket[T]) TryRecv() (Received[T], bool) {
	select {
	case m, ok := <-s.recvCh:
		return m, ok
	default:
		return Received[T]{}, false
	}
}

// TryRecvAll drains every message currently buffered without
// blocking.
func (s *Socket[T]) TryRecvAll() []Received[T] {
	var out []Received[T]
	for {
		m, ok := s.TryRecv()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

// TryRecvTimeout waits up to d for the next inbound message.
func (s *Socket[T]) TryRecvTimeout(d time.Duration) (Received[T], bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case m, ok := <-s.recvCh:
		return m, ok
	case <-timer.C:
		return Received[T]{}, false
	}
}

// LatencyOf returns the current smoothed one-way latency estimate to
// addr, or latency.DefaultEstimate if no ack has been observed from
// it yet.
func (s *Socket[T]) LatencyOf(addr netip.Addr) time.Duration {
	return s.latencyTable.GetOrDefault(addr)
}

// EnableBroadcast allows SendBroadcast and sets SO_BROADCAST on the
// underlying socket.
func (s *Socket[T]) EnableBroadcast() error {
	if err := setBroadcast(s.conn, true); err != nil {
		return err
	}
	s.broadcastEnabled.Store(true)
	return nil
}

// DisableBroadcast reverts EnableBroadcast.
func (s *Socket[T]) DisableBroadcast() error {
	s.broadcastEnabled.Store(false)
	return setBroadcast(s.conn, false)
}

// JoinMulticast starts receiving datagrams sent to group.
func (s *Socket[T]) JoinMulticast(group netip.Addr, iface *net.Interface) error {
	return s.group.Join(group, iface)
}

// LeaveMulticast stops receiving datagrams sent to group.
func (s *Socket[T]) LeaveMulticast(group netip.Addr, iface *net.Interface) error {
	return s.group.Leave(group, iface)
}

// Close stops the I/O loop and releases the underlying UDP socket.
// Per the original's Drop impl, it first gives the loop a short grace
// period to flush any frames already queued before signaling it to
// stop, then joins the goroutine. The only failure it can report is
// the error from closing the UDP connection, collected via multierr.
func (s *Socket[T]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		time.Sleep(2 * time.Millisecond)
		close(s.stopCh)
		s.wg.Wait()
		err = multierr.Append(err, s.conn.Close())
		close(s.recvCh)
	})
	return err
}

func nextMessageID() uint64 {
	return rand.Uint64()
}
