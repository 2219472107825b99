//go:build linux

package sockopt

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// control stops an IPv4 socket from receiving datagrams for groups joined by
// other sockets of this host.
func control(network, _ string, c syscall.RawConn) error {
	if network != "udp4" {
		return nil
	}
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_ALL, 0)
	})
	if err != nil {
		return err
	}
	return serr
}

// IsAddrInUse reports whether err comes from binding a port that is taken.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
