//go:build linux

package dhcp

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// sendBound writes payload to dst from a UDP socket bound to dev.
func sendBound(ctx context.Context, dev string, dst *net.UDPAddr, payload []byte) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, dev)
				if serr == nil {
					serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	conn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.WriteTo(payload, dst)
	return err
}
