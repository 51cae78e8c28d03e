//go:build !unix

package transport

import "net"

// setBroadcast is a no-op on platforms without an x/sys/unix socket
// option binding; EnableBroadcast still flips the in-process flag
// that gates SendBroadcast.
func setBroadcast(conn *net.UDPConn, on bool) error {
	return nil
}
