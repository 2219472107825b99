package heartbeat

import (
	"fmt"
	"net/netip"

	"lanshare/internal/common"
	"lanshare/internal/netif"
)

// SubnetSweep unicasts every heartbeat to each host of the interface's IPv4
// subnet. Networks wider than /24 are swept only across the /24 around the
// interface address.
type SubnetSweep struct {
	Conn UnicastConn
	Port int
}

func (s SubnetSweep) Send(iface netif.Interface, packet []byte) error {
	if !iface.HasIPv4() {
		return nil
	}
	port := s.Port
	if port == 0 {
		port = common.HeartbeatPort
	}
	var errs []error
	for _, host := range SweepTargets(iface.IPv4, iface.IPv4Bits) {
		if _, err := s.Conn.WriteToUDPAddrPort(packet, netip.AddrPortFrom(host, uint16(port))); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d sweep sends failed: %w", len(errs), errs[0])
	}
	return nil
}

// SweepTargets lists the hosts of self's subnet, excluding self and the
// network and broadcast addresses.
func SweepTargets(self netip.Addr, bits int) []netip.Addr {
	if !self.Is4() {
		return nil
	}
	if bits < 24 || bits > 30 {
		bits = 24
	}
	prefix := netip.PrefixFrom(self, bits).Masked()
	network := prefix.Addr()
	size := 1 << (32 - bits)

	out := make([]netip.Addr, 0, size-3)
	addr := network.Next()
	for i := 1; i < size-1; i++ {
		if addr != self {
			out = append(out, addr)
		}
		addr = addr.Next()
	}
	return out
}
