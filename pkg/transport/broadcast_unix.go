//go:build unix

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// setBroadcast toggles SO_BROADCAST on conn's underlying file
// descriptor. Grounded on the rest of the example pack's use of
// golang.org/x/sys for raw socket option control where net's portable
// API has no equivalent (net.UDPConn exposes no broadcast toggle).
func setBroadcast(conn *net.UDPConn, on bool) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		v := 0
		if on {
			v = 1
		}
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, v)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return setErr
}
