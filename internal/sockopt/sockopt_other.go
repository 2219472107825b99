//go:build !unix

package sockopt

import (
	"strings"
	"syscall"
)

func control(string, string, syscall.RawConn) error { return nil }

// IsAddrInUse reports whether err comes from binding a port that is taken.
func IsAddrInUse(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
