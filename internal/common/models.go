package common

import (
	"net/netip"
	"time"
)

const (
	// HeartbeatPort is the UDP port heartbeats are multicast and unicast to.
	HeartbeatPort = 27716
	// ListPort is the TCP port file manifests are pushed to.
	ListPort = 27717
	// FilePort is the TCP port download requests are sent to.
	FilePort = 27719

	// ServiceName is the mDNS service name instances advertise.
	ServiceName = "_lanshare._tcp"
	// ServiceDomain is the mDNS service domain.
	ServiceDomain = "local."
)

var (
	// MulticastGroupV4 is the IPv4 group heartbeats are sent to.
	MulticastGroupV4 = netip.MustParseAddr("225.4.5.6")
	// MulticastGroupV6 is the IPv6 group the ping listener joins.
	MulticastGroupV6 = netip.MustParseAddr("ff15::4c61:6e58:6368:616e:6765")
	// AllNodesV6 is the link-local all-nodes group heartbeats are sent to.
	AllNodesV6 = netip.MustParseAddr("ff02::1")
)

const (
	BurstCount        = 5
	BurstInterval     = time.Second
	HeartbeatInterval = 20 * time.Second
	SweepInterval     = 30 * time.Second
	InstanceTimeout   = 60 * time.Second
	InterfacePoll     = 5 * time.Second
	ListTimeout       = 2 * time.Second
	DepartureTimeout  = time.Second

	// MulticastTTL is used for both the IPv4 TTL and the IPv6 hop limit.
	MulticastTTL = 254
)

// Single byte replies to a file request.
const (
	ReplyAccept  byte = 'y'
	ReplyDecline byte = 'n'
)
