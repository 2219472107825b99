package discovery

import (
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	mu   sync.Mutex
	seen []netip.Addr
	ids  []int32
}

func (s *recordingSink) RecordHeartbeat(addr netip.Addr, id int32, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, addr)
	s.ids = append(s.ids, id)
}

func (s *recordingSink) RecordOffline(int32) {}

func TestEntryID(t *testing.T) {
	id, ok := EntryID([]string{"txtv=0", "id=-123"})
	assert.True(t, ok)
	assert.Equal(t, int32(-123), id)

	_, ok = EntryID([]string{"id=notanumber"})
	assert.False(t, ok)
	_, ok = EntryID([]string{"id=99999999999"})
	assert.False(t, ok)
	_, ok = EntryID(nil)
	assert.False(t, ok)
}

func TestRecordFeedsSink(t *testing.T) {
	s := NewService(1, 27717, nil)
	sink := &recordingSink{}
	entry := zeroconf.NewServiceEntry("lanshare-7", "_lanshare._tcp", "local.")
	entry.Text = []string{"id=7"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.7")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::7")}

	s.record(entry, sink)

	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.1.7"), netip.MustParseAddr("fe80::7")}, sink.seen)
	assert.Equal(t, []int32{7, 7}, sink.ids)
}

func TestRecordIgnoresSelfAndUntagged(t *testing.T) {
	s := NewService(1, 27717, nil)
	sink := &recordingSink{}
	self := zeroconf.NewServiceEntry("lanshare-1", "_lanshare._tcp", "local.")
	self.Text = []string{"id=1"}
	self.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.1")}
	other := zeroconf.NewServiceEntry("printer", "_lanshare._tcp", "local.")
	other.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.2")}

	s.record(self, sink)
	s.record(other, sink)

	assert.Empty(t, sink.seen)
}
