package heartbeat

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/internal/netif"
)

type fakeSocket struct {
	name string
	fail bool

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (s *fakeSocket) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("network unreachable")
	}
	s.sent = append(s.sent, append([]byte(nil), b...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) packets() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	sockets map[string]*fakeSocket
	failing map[string]bool
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{sockets: map[string]*fakeSocket{}, failing: map[string]bool{}}
}

func (o *fakeOpener) open(iface netif.Interface) (Socket, error) {
	if !iface.Multicast {
		return nil, ErrNoMulticast
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &fakeSocket{name: iface.Name, fail: o.failing[iface.Name]}
	o.sockets[iface.Name] = s
	return s, nil
}

func (o *fakeOpener) socket(name string) *fakeSocket {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sockets[name]
}

type fakeUnicast struct {
	mu   sync.Mutex
	sent map[netip.AddrPort][][]byte
}

func (u *fakeUnicast) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sent == nil {
		u.sent = map[netip.AddrPort][][]byte{}
	}
	u.sent[addr] = append(u.sent[addr], append([]byte(nil), b...))
	return len(b), nil
}

func (u *fakeUnicast) to(addr netip.AddrPort) [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent[addr]
}

var (
	eth0  = netif.Interface{Name: "eth0", Index: 2, Multicast: true, IPv4: netip.MustParseAddr("192.168.1.5"), IPv4Bits: 24}
	wlan0 = netif.Interface{Name: "wlan0", Index: 3, Multicast: true, HasIPv6: true}
	tun0  = netif.Interface{Name: "tun0", Index: 4}
	peer  = netip.MustParseAddr("192.168.1.20")
)

func newTestSender(o *fakeOpener, u *fakeUnicast) *Sender {
	opts := SenderOptions{
		Open:  o.open,
		Peers: func() []netip.Addr { return []netip.Addr{peer} },
	}
	if u != nil {
		opts.Unicast = u
	}
	s := NewSender(7, opts)
	s.burstInterval = time.Millisecond
	s.interval = time.Hour
	return s
}

func TestSender_SendNowReachesEveryInterfaceAndPeer(t *testing.T) {
	o, u := newFakeOpener(), &fakeUnicast{}
	s := newTestSender(o, u)
	s.UpdateInterfaces([]netif.Interface{eth0, wlan0, tun0})

	s.SendNow()

	assert.Equal(t, [][]byte{{0, 0, 0, 7, 'h'}}, o.socket("eth0").packets())
	assert.Equal(t, [][]byte{{0, 0, 0, 7, 'h'}}, o.socket("wlan0").packets())
	assert.Nil(t, o.socket("tun0"), "interfaces without multicast are skipped")
	assert.Equal(t, [][]byte{{0, 0, 0, 7, 'H'}}, u.to(netip.AddrPortFrom(peer, 27716)))
}

func TestSender_FailingInterfaceDoesNotStopOthers(t *testing.T) {
	o, u := newFakeOpener(), &fakeUnicast{}
	o.failing["eth0"] = true
	s := newTestSender(o, u)
	s.UpdateInterfaces([]netif.Interface{eth0, wlan0})

	s.SendNow()

	assert.Empty(t, o.socket("eth0").packets())
	assert.Len(t, o.socket("wlan0").packets(), 1)
	assert.Len(t, u.to(netip.AddrPortFrom(peer, 27716)), 1)
}

func TestSender_UpdateInterfacesReplacesSockets(t *testing.T) {
	o := newFakeOpener()
	s := newTestSender(o, nil)
	s.UpdateInterfaces([]netif.Interface{eth0, wlan0})
	first := o.socket("eth0")

	s.UpdateInterfaces([]netif.Interface{wlan0})
	assert.True(t, first.isClosed())
	assert.False(t, o.socket("wlan0").isClosed())

	changed := eth0
	changed.IPv4 = netip.MustParseAddr("192.168.1.6")
	s.UpdateInterfaces([]netif.Interface{changed, wlan0})
	assert.NotSame(t, first, o.socket("eth0"))
}

func TestSender_BurstThenDeparture(t *testing.T) {
	o, u := newFakeOpener(), &fakeUnicast{}
	s := newTestSender(o, u)
	s.UpdateInterfaces([]netif.Interface{eth0})

	s.Start()
	sock := o.socket("eth0")
	require.Eventually(t, func() bool { return len(sock.packets()) == 5 }, time.Second, time.Millisecond)

	s.Stop()
	packets := sock.packets()
	require.Len(t, packets, 6)
	assert.Equal(t, []byte{0, 0, 0, 7, 'o'}, packets[5])
	assert.True(t, sock.isClosed())

	direct := u.to(netip.AddrPortFrom(peer, 27716))
	assert.Equal(t, []byte{0, 0, 0, 7, 'o'}, direct[len(direct)-1])

	s.Stop()
	assert.Len(t, sock.packets(), 6)
}

func TestSender_DirectFanOutIsCapped(t *testing.T) {
	u := &fakeUnicast{}
	many := make([]netip.Addr, 0, maxDirectTargets+10)
	addr := netip.MustParseAddr("10.0.0.1")
	for i := 0; i < maxDirectTargets+10; i++ {
		many = append(many, addr)
		addr = addr.Next()
	}
	s := NewSender(7, SenderOptions{Open: newFakeOpener().open, Unicast: u, Peers: func() []netip.Addr { return many }})

	s.SendNow()

	u.mu.Lock()
	defer u.mu.Unlock()
	assert.Len(t, u.sent, maxDirectTargets)
}

type recordingHelper struct {
	mu     sync.Mutex
	ifaces []string
}

func (h *recordingHelper) Send(iface netif.Interface, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ifaces = append(h.ifaces, iface.Name)
	return nil
}

func TestSender_RunsHelpersPerInterface(t *testing.T) {
	h := &recordingHelper{}
	s := NewSender(7, SenderOptions{Open: newFakeOpener().open, Helpers: []Helper{h}})
	s.UpdateInterfaces([]netif.Interface{eth0})

	s.SendNow()

	assert.Equal(t, []string{"eth0"}, h.ifaces)
}
