package session

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"lanshare/internal/wire"
)

const inboundReadTimeout = 10 * time.Second

// serve accepts connections until ln is closed, handling each on its own
// goroutine.
func (s *Session) serve(ln net.Listener, handle func(net.Conn)) {
	defer s.serving.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", "addr", ln.Addr(), slog.Any("error", err))
			}
			return
		}
		go handle(conn)
	}
}

func (s *Session) logInbound(kind string, conn net.Conn, err error) {
	if errors.Is(err, wire.ErrDisallowedType) {
		s.logger.Warn("refused inbound object", "kind", kind, "from", conn.RemoteAddr(), slog.Any("error", err))
		return
	}
	s.logger.Info("bad inbound connection", "kind", kind, "from", conn.RemoteAddr(), slog.Any("error", err))
}

func remoteAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
