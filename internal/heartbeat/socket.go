package heartbeat

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"lanshare/internal/common"
	"lanshare/internal/netif"
)

// ErrNoMulticast is returned for interfaces that cannot send multicast.
var ErrNoMulticast = errors.New("interface does not support multicast")

// Socket sends a packet to the discovery groups reachable through one
// interface.
type Socket interface {
	Send(b []byte) error
	Close() error
}

// Opener creates the outbound socket for an interface.
type Opener func(iface netif.Interface) (Socket, error)

type multicastSocket struct {
	v4 *ipv4.PacketConn
	v6 *ipv6.PacketConn

	group4 *net.UDPAddr
	group6 *net.UDPAddr
}

// OpenMulticast binds the outbound multicast socket(s) for iface: one per
// address family the interface carries.
func OpenMulticast(iface netif.Interface) (Socket, error) {
	if !iface.Multicast {
		return nil, ErrNoMulticast
	}
	ifi, err := net.InterfaceByIndex(iface.Index)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", iface.Name, err)
	}

	s := &multicastSocket{}
	if iface.HasIPv4() {
		c, err := net.ListenPacket("udp4", net.JoinHostPort(iface.IPv4.String(), "0"))
		if err != nil {
			return nil, fmt.Errorf("bind %s ipv4: %w", iface.Name, err)
		}
		p := ipv4.NewPacketConn(c)
		if err := errors.Join(
			p.SetMulticastInterface(ifi),
			p.SetMulticastTTL(common.MulticastTTL),
			p.SetMulticastLoopback(false),
		); err != nil {
			p.Close()
			return nil, fmt.Errorf("configure %s ipv4: %w", iface.Name, err)
		}
		s.v4 = p
		s.group4 = &net.UDPAddr{IP: common.MulticastGroupV4.AsSlice(), Port: common.HeartbeatPort}
	}
	if iface.HasIPv6 {
		c, err := net.ListenPacket("udp6", "[::]:0")
		if err == nil {
			p := ipv6.NewPacketConn(c)
			if err := errors.Join(
				p.SetMulticastInterface(ifi),
				p.SetMulticastHopLimit(common.MulticastTTL),
				p.SetMulticastLoopback(false),
			); err != nil {
				p.Close()
			} else {
				s.v6 = p
				s.group6 = &net.UDPAddr{IP: common.AllNodesV6.AsSlice(), Port: common.HeartbeatPort, Zone: ifi.Name}
			}
		}
	}
	if s.v4 == nil && s.v6 == nil {
		return nil, fmt.Errorf("interface %s: no usable address family", iface.Name)
	}
	return s, nil
}

func (s *multicastSocket) Send(b []byte) error {
	var errs []error
	if s.v4 != nil {
		if _, err := s.v4.WriteTo(b, nil, s.group4); err != nil {
			errs = append(errs, fmt.Errorf("ipv4: %w", err))
		}
	}
	if s.v6 != nil {
		if _, err := s.v6.WriteTo(b, nil, s.group6); err != nil {
			errs = append(errs, fmt.Errorf("ipv6: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *multicastSocket) Close() error {
	var errs []error
	if s.v4 != nil {
		errs = append(errs, s.v4.Close())
	}
	if s.v6 != nil {
		errs = append(errs, s.v6.Close())
	}
	return errors.Join(errs...)
}
