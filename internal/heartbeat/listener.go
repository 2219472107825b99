package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"lanshare/internal/common"
	"lanshare/internal/metrics"
	"lanshare/internal/netif"
	"lanshare/internal/sockopt"
)

// Sink receives decoded heartbeats.
type Sink interface {
	RecordHeartbeat(addr netip.Addr, id int32, viaMulticast bool)
	RecordOffline(id int32)
}

// Listener receives heartbeats on the well-known port and keeps the
// discovery group memberships in line with the eligible interfaces.
type Listener struct {
	sink   Sink
	logger *slog.Logger
	port   int

	mu     sync.Mutex
	v4     *ipv4.PacketConn
	v6     *ipv6.PacketConn
	joined map[string]netif.Interface
	wg     sync.WaitGroup
}

// NewListener creates a listener for port; 0 picks an ephemeral port.
func NewListener(sink Sink, port int, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		sink:   sink,
		logger: logger.With("component", "ping-listener"),
		port:   port,
		joined: make(map[string]netif.Interface),
	}
}

// Listen binds the heartbeat port for both address families and starts
// reading. The IPv4 bind is mandatory; IPv6 is skipped on hosts without it
// unless the port is taken.
func (l *Listener) Listen(ctx context.Context) error {
	lc := sockopt.ListenConfig()
	addr := fmt.Sprintf(":%d", l.port)

	c4, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("bind heartbeat port %d: %w", l.port, err)
	}
	c6, err := lc.ListenPacket(ctx, "udp6", addr)
	if err != nil {
		if sockopt.IsAddrInUse(err) {
			c4.Close()
			return fmt.Errorf("bind heartbeat port %d: %w", l.port, err)
		}
		l.logger.Info("ipv6 heartbeat listener unavailable", slog.Any("error", err))
		c6 = nil
	}

	l.mu.Lock()
	l.v4 = ipv4.NewPacketConn(c4)
	l.wg.Add(1)
	go l.readV4(l.v4)
	if c6 != nil {
		l.v6 = ipv6.NewPacketConn(c6)
		l.wg.Add(1)
		go l.readV6(l.v6)
	}
	l.mu.Unlock()
	return nil
}

// Addr returns the bound IPv4 address.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.v4 == nil {
		return nil
	}
	return l.v4.LocalAddr()
}

// UpdateInterfaces joins the discovery groups on new interfaces and leaves
// them on removed ones.
func (l *Listener) UpdateInterfaces(ifaces []netif.Interface) {
	want := make(map[string]netif.Interface, len(ifaces))
	for _, i := range ifaces {
		if i.Multicast {
			want[i.Name] = i
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.v4 == nil {
		return
	}
	for name, iface := range l.joined {
		if w, ok := want[name]; ok && w == iface {
			continue
		}
		l.leave(iface)
		delete(l.joined, name)
	}
	for name, iface := range want {
		if _, ok := l.joined[name]; ok {
			continue
		}
		if l.join(iface) {
			l.joined[name] = iface
		}
	}
}

func (l *Listener) join(iface netif.Interface) bool {
	ifi, err := net.InterfaceByIndex(iface.Index)
	if err != nil {
		l.logger.Debug("interface vanished", "interface", iface.Name, slog.Any("error", err))
		return false
	}
	ok := false
	if iface.HasIPv4() {
		if err := l.v4.JoinGroup(ifi, &net.UDPAddr{IP: common.MulticastGroupV4.AsSlice()}); err != nil {
			l.logger.Info("join ipv4 group failed", "interface", iface.Name, slog.Any("error", err))
		} else {
			ok = true
		}
	}
	if iface.HasIPv6 && l.v6 != nil {
		if err := l.v6.JoinGroup(ifi, &net.UDPAddr{IP: common.MulticastGroupV6.AsSlice()}); err != nil {
			l.logger.Info("join ipv6 group failed", "interface", iface.Name, slog.Any("error", err))
		} else {
			ok = true
		}
	}
	return ok
}

func (l *Listener) leave(iface netif.Interface) {
	ifi, err := net.InterfaceByIndex(iface.Index)
	if err != nil {
		return
	}
	if iface.HasIPv4() {
		l.v4.LeaveGroup(ifi, &net.UDPAddr{IP: common.MulticastGroupV4.AsSlice()})
	}
	if iface.HasIPv6 && l.v6 != nil {
		l.v6.LeaveGroup(ifi, &net.UDPAddr{IP: common.MulticastGroupV6.AsSlice()})
	}
}

// Close stops reading and releases both sockets.
func (l *Listener) Close() error {
	l.mu.Lock()
	var errs []error
	if l.v4 != nil {
		errs = append(errs, l.v4.Close())
		l.v4 = nil
	}
	if l.v6 != nil {
		errs = append(errs, l.v6.Close())
		l.v6 = nil
	}
	clear(l.joined)
	l.mu.Unlock()
	l.wg.Wait()
	return errors.Join(errs...)
}

func (l *Listener) readV4(c *ipv4.PacketConn) {
	defer l.wg.Done()
	buf := make([]byte, 64)
	for {
		n, _, src, err := c.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Warn("heartbeat read failed", slog.Any("error", err))
			}
			return
		}
		l.handle(buf[:n], src)
	}
}

func (l *Listener) readV6(c *ipv6.PacketConn) {
	defer l.wg.Done()
	buf := make([]byte, 64)
	for {
		n, _, src, err := c.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Warn("heartbeat read failed", slog.Any("error", err))
			}
			return
		}
		l.handle(buf[:n], src)
	}
}

func (l *Listener) handle(b []byte, src net.Addr) {
	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	l.Dispatch(b, udp.AddrPort().Addr().Unmap())
}

// Dispatch decodes one datagram received from addr and feeds the sink.
// Malformed packets are dropped.
func (l *Listener) Dispatch(b []byte, addr netip.Addr) {
	p, err := Parse(b)
	if err != nil {
		metrics.MalformedPackets.Inc()
		l.logger.Debug("dropping packet", "from", addr, slog.Any("error", err))
		return
	}
	metrics.HeartbeatsReceived.WithLabelValues(p.Mode.String()).Inc()
	switch p.Mode {
	case ModeMulticast:
		l.sink.RecordHeartbeat(addr, p.ID, true)
	case ModeDirect:
		l.sink.RecordHeartbeat(addr, p.ID, false)
	case ModeOffline:
		l.sink.RecordOffline(p.ID)
	}
}
