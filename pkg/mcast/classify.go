// Package mcast classifies destination addresses as unicast,
// broadcast, or multicast, and wraps golang.org/x/net/ipv4 group
// membership for the multicast send/receive path (spec.md §4.H).
// Grounded on rcarmo-codebits-tv/internal/mcast/mcast.go's
// ipv4.PacketConn-based Sender/Receiver, adapted from that repo's
// fixed group+TTL helper to this transport's per-socket join/leave
// API.
package mcast

import "net/netip"

// Class is the delivery class of a destination address, which
// determines whether the ack tracker registers the send for retry
// (spec.md §4.C: only unicast sends are tracked).
type Class int

const (
	Unicast Class = iota
	Broadcast
	Multicast
)

// Classify reports addr's delivery class.
func Classify(addr netip.Addr) Class {
	switch {
	case addr.IsMulticast():
		return Multicast
	case isLimitedBroadcast(addr) || isSubnetBroadcastGuess(addr):
		return Broadcast
	default:
		return Unicast
	}
}

// isLimitedBroadcast matches the universal IPv4 broadcast address
// 255.255.255.255, the only broadcast address this package can
// recognize without knowing the local subnet mask.
func isLimitedBroadcast(addr netip.Addr) bool {
	return addr.Is4() && addr == netip.MustParseAddr("255.255.255.255")
}

// isSubnetBroadcastGuess is a placeholder for directed-broadcast
// detection (e.g. 192.168.1.255 on a /24). Without a route table this
// package cannot know the subnet mask for an arbitrary destination,
// so it only ever recognizes the limited-broadcast address; a socket
// that needs directed broadcast on an interface enables it explicitly
// via EnableBroadcast rather than relying on address sniffing.
func isSubnetBroadcastGuess(addr netip.Addr) bool {
	return false
}
