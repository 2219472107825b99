//go:build unix && !linux

package sockopt

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func control(string, string, syscall.RawConn) error { return nil }

// IsAddrInUse reports whether err comes from binding a port that is taken.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
