// Package wire implements the on-wire frame codec: framing,
// fragmentation markers, and acknowledgement bodies shared by every
// datagram this transport sends or receives.
package wire

import "time"

const (
	// ProtocolID tags every frame belonging to this protocol so it can
	// be told apart from unrelated UDP traffic sharing the same port.
	ProtocolID uint32 = 0x4918_9CEF

	// MaxUDPPayload is the hard ceiling on an encoded frame's length.
	MaxUDPPayload = 1128

	// FragmentSize is the maximum payload carried by a single
	// MultiFrameFragment body.
	FragmentSize = 1024

	// MaxTotalSize bounds the message payload this transport will
	// fragment and send. Anything at or above this is rejected at send
	// time.
	MaxTotalSize = 250 * 1024 * 1024

	// BufferSize is the capacity of both the inbound and outbound
	// application-facing channels.
	BufferSize = 512

	// MinAckTimeout and MaxAckTimeout clamp the resend backoff computed
	// from send_count and peer latency.
	MinAckTimeout = 50 * time.Millisecond
	MaxAckTimeout = 1000 * time.Millisecond

	// MaxMissingFragments caps the AckFail missing-list to bound
	// worst-case frame inflation.
	MaxMissingFragments = 200
)
