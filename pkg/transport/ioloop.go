package transport

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/skylineproto/udptransport/pkg/acktracker"
	"github.com/skylineproto/udptransport/pkg/mcast"
	"github.com/skylineproto/udptransport/pkg/reassembly"
	"github.com/skylineproto/udptransport/pkg/wire"
)

// singleFrameOverhead is a generous upper bound on everything in an
// encoded SingleFrame besides its payload (protocol id + varint frame
// id + varint discriminator + varint length prefix), used to decide
// whether a payload needs fragmentation.
const singleFrameOverhead = 4 + 10 + 1 + 5

// ioLoop is the single goroutine that owns the ack tracker, the
// reassembler, and the UDP connection, following spec.md §4.F's fixed
// pass order: flush queued sends, drain inbound datagrams, admit new
// application sends, run the resend pass, garbage collect, then
// sleep. Grounded on the ordering of
// ion_common/src/net/udp_network_socket.rs's I/O thread loop
// (execute_frame_sends -> execute_frame_receives -> process_msg_sends
// -> process_msg_resends -> GC -> sleep).
func (s *Socket[T]) ioLoop(tracker *acktracker.Tracker, reasm *reassembly.Reassembler) {
	defer s.wg.Done()

	queue := newSendQueue()
	readBuf := make([]byte, wire.MaxUDPPayload)

	for {
		select {
		case <-s.stopCh:
			s.flushSends(queue, true)
			return
		default:
		}

		s.flushSends(queue, false)
		s.drainReceives(readBuf, tracker, reasm, queue)
		s.admitNewSends(queue, tracker)

		for _, rf := range tracker.ResendDue(s.latencyTable.GetOrDefault) {
			queue.pushResend(queuedFrame{addr: rf.Addr, data: rf.Data})
		}

		reasm.GC(s.cfg.reassemblyIdle)
		tracker.GC()

		time.Sleep(s.cfg.ioInterval)
	}
}

// flushSends drains queue, writing each frame to the UDP socket. If a
// write would block, the frame is pushed back to the front of its
// originating queue and the pass stops early so the next iteration
// retries it first (spec.md §4.E). When drain is true (socket
// closing) it keeps retrying after a would-block instead of yielding,
// giving up once maxDrainRetries would-blocks have been hit; frames
// still queued then are not sent.
func (s *Socket[T]) flushSends(queue *sendQueue, drain bool) {
	const maxDrainRetries = 1000
	retries := 0
	for {
		f, fromFresh, ok := queue.next()
		if !ok {
			return
		}
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeAttemptTTL))
		_, err := s.conn.WriteToUDPAddrPort(f.data, f.addr)
		if err != nil {
			if isWouldBlock(err) {
				if fromFresh {
					queue.pushFrontFresh(f)
				} else {
					queue.pushFrontResend(f)
				}
				retries++
				if drain && retries < maxDrainRetries {
					continue
				}
				return
			}
			s.log.Warn("udp write failed", zap.String("addr", f.addr.String()), zap.Error(err))
		}
	}
}

func isWouldBlock(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// drainReceives reads every datagram currently available on the
// socket and dispatches it by frame body, mirroring
// execute_frame_receives in the original.
func (s *Socket[T]) drainReceives(buf []byte, tracker *acktracker.Tracker, reasm *reassembly.Reassembler, queue *sendQueue) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.writeAttemptTTL))
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("udp read failed", zap.Error(err))
			return
		}
		s.handleFrame(buf[:n], from, tracker, reasm, queue)
	}
}

func (s *Socket[T]) handleFrame(data []byte, from netip.AddrPort, tracker *acktracker.Tracker, reasm *reassembly.Reassembler, queue *sendQueue) {
	frame, err := wire.Decode(data)
	if err != nil {
		s.log.Debug("dropping malformed frame", zap.String("from", from.String()), zap.Error(err))
		return
	}

	switch body := frame.Body.(type) {
	case wire.SingleFrame:
		s.deliverPayload(from, body.Data)
		if f, ok := s.encodeAckFrame(frame.FrameID, wire.SingleFrameAck{}, from); ok {
			queue.pushFresh(f)
		}

	case wire.SingleFrameAck:
		if addr, sample, ok := tracker.OnSingleFrameAck(frame.FrameID); ok {
			s.latencyTable.Observe(addr.Addr(), sample/2)
		}

	case wire.MultiFrameBegin:
		reasm.OnBegin(frame.FrameID, body.TotalFragments, body.TotalSize)

	case wire.MultiFrameFragment:
		reasm.OnFragment(frame.FrameID, body.FragmentID, body.Data)

	case wire.MultiFrameEnd:
		payload, missing, complete := reasm.OnEnd(frame.FrameID)
		if complete {
			s.deliverPayload(from, payload)
			if f, ok := s.encodeAckFrame(frame.FrameID, wire.MultiFrameAck{}, from); ok {
				queue.pushFresh(f)
			}
		} else {
			if f, ok := s.encodeAckFrame(frame.FrameID, wire.MultiFrameAckFail{MissingFragments: missing}, from); ok {
				queue.pushFresh(f)
			}
		}

	case wire.MultiFrameAck:
		if addr, sample, ok := tracker.OnMultiFrameAck(frame.FrameID); ok {
			s.latencyTable.Observe(addr.Addr(), sample/2)
		}

	case wire.MultiFrameAckFail:
		tracker.OnMultiFrameAckFail(frame.FrameID, body.MissingFragments)
	}
}

func (s *Socket[T]) encodeAckFrame(id uint64, body wire.FrameBody, to netip.AddrPort) (queuedFrame, bool) {
	data, err := wire.Encode(wire.Frame{ProtocolID: wire.ProtocolID, FrameID: id, Body: body})
	if err != nil {
		s.log.Error("failed to encode ack frame", zap.Error(err))
		return queuedFrame{}, false
	}
	return queuedFrame{addr: to, data: data}, true
}

func (s *Socket[T]) deliverPayload(from netip.AddrPort, data []byte) {
	msg, err := s.codec.Unmarshal(data)
	if err != nil {
		s.log.Warn("dropping payload that failed to decode", zap.String("from", from.String()), zap.Error(err))
		return
	}
	select {
	case s.recvCh <- Received[T]{From: from, Msg: msg}:
	default:
		s.log.Warn("recv buffer full, dropping message", zap.String("from", from.String()))
	}
}

// admitNewSends drains everything currently queued on sendCh without
// blocking, encoding each into one or more wire frames and handing
// unicast sends to the ack tracker for retry.
func (s *Socket[T]) admitNewSends(queue *sendQueue, tracker *acktracker.Tracker) {
	for {
		select {
		case out, ok := <-s.sendCh:
			if !ok {
				return
			}
			s.admitOne(out, queue, tracker)
		default:
			return
		}
	}
}

func (s *Socket[T]) admitOne(out outgoingMsg[T], queue *sendQueue, tracker *acktracker.Tracker) {
	payload, err := s.codec.Marshal(out.msg)
	if err != nil {
		s.log.Error("failed to marshal outgoing payload", zap.Error(err))
		return
	}

	id := nextMessageID()
	track := !out.broadcast && mcast.Classify(out.addr.Addr()) == mcast.Unicast

	if len(payload)+singleFrameOverhead <= wire.MaxUDPPayload {
		s.admitSingleFrame(id, out.addr, payload, out.timeout, track, queue, tracker)
		return
	}
	s.admitMultiFrame(id, out.addr, payload, out.timeout, track, queue, tracker)
}

func (s *Socket[T]) admitSingleFrame(id uint64, addr netip.AddrPort, payload []byte, timeout time.Duration, track bool, queue *sendQueue, tracker *acktracker.Tracker) {
	data, err := wire.Encode(wire.Frame{ProtocolID: wire.ProtocolID, FrameID: id, Body: wire.SingleFrame{Data: payload}})
	if err != nil {
		s.log.Error("failed to encode single frame", zap.Error(err))
		return
	}
	queue.pushFresh(queuedFrame{addr: addr, data: data})
	if track {
		tracker.TrackSingle(id, addr, data, timeout)
	}
}

func (s *Socket[T]) admitMultiFrame(id uint64, addr netip.AddrPort, payload []byte, timeout time.Duration, track bool, queue *sendQueue, tracker *acktracker.Tracker) {
	if len(payload) >= wire.MaxTotalSize {
		s.log.Warn("dropping outgoing message at or above MaxTotalSize", zap.Int("size", len(payload)))
		return
	}
	totalFragments := (len(payload) + wire.FragmentSize - 1) / wire.FragmentSize
	fragments := make([][]byte, totalFragments)

	for i := 0; i < totalFragments; i++ {
		start := i * wire.FragmentSize
		end := start + wire.FragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		data, err := wire.Encode(wire.Frame{
			ProtocolID: wire.ProtocolID,
			FrameID:    id,
			Body:       wire.MultiFrameFragment{FragmentID: uint32(i), Data: payload[start:end]},
		})
		if err != nil {
			s.log.Error("failed to encode fragment", zap.Int("fragment", i), zap.Error(err))
			return
		}
		fragments[i] = data
	}

	begin, err := wire.Encode(wire.Frame{
		ProtocolID: wire.ProtocolID,
		FrameID:    id,
		Body:       wire.MultiFrameBegin{TotalFragments: uint32(totalFragments), TotalSize: uint32(len(payload))},
	})
	if err != nil {
		s.log.Error("failed to encode multi-frame begin", zap.Error(err))
		return
	}
	end, err := wire.Encode(wire.Frame{ProtocolID: wire.ProtocolID, FrameID: id, Body: wire.MultiFrameEnd{}})
	if err != nil {
		s.log.Error("failed to encode multi-frame end", zap.Error(err))
		return
	}

	queue.pushFresh(queuedFrame{addr: addr, data: begin})
	for _, f := range fragments {
		queue.pushFresh(queuedFrame{addr: addr, data: f})
	}
	queue.pushFresh(queuedFrame{addr: addr, data: end})

	if track {
		tracker.TrackMulti(id, addr, begin, fragments, end, timeout)
	}
}
