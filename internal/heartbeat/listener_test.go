package heartbeat

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heartbeatEvent struct {
	addr      netip.Addr
	id        int32
	multicast bool
	offline   bool
}

type recordingSink struct {
	mu     sync.Mutex
	events []heartbeatEvent
}

func (s *recordingSink) RecordHeartbeat(addr netip.Addr, id int32, viaMulticast bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, heartbeatEvent{addr: addr, id: id, multicast: viaMulticast})
}

func (s *recordingSink) RecordOffline(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, heartbeatEvent{id: id, offline: true})
}

func (s *recordingSink) snapshot() []heartbeatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]heartbeatEvent(nil), s.events...)
}

func TestListener_Dispatch(t *testing.T) {
	sink := &recordingSink{}
	l := NewListener(sink, 0, nil)
	from := netip.MustParseAddr("192.168.1.9")

	l.Dispatch([]byte{0, 0, 0, 1, 'h'}, from)
	l.Dispatch([]byte{0, 0, 0, 1, 'H'}, from)
	l.Dispatch([]byte{0, 0, 0, 1, 'o'}, from)
	l.Dispatch([]byte{0, 0, 0, 1, 'z'}, from)
	l.Dispatch([]byte{0, 0, 1, 'h'}, from)

	assert.Equal(t, []heartbeatEvent{
		{addr: from, id: 1, multicast: true},
		{addr: from, id: 1, multicast: false},
		{id: 1, offline: true},
	}, sink.snapshot())
}

func TestListener_ReceivesUnicastDatagram(t *testing.T) {
	sink := &recordingSink{}
	l := NewListener(sink, 0, nil)
	require.NoError(t, l.Listen(context.Background()))
	defer l.Close()

	port := l.Addr().(*net.UDPAddr).Port
	c, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer c.Close()

	pkt := Packet{ID: 42, Mode: ModeDirect}.Encode()
	_, err = c.Write(pkt[:])
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	ev := sink.snapshot()[0]
	assert.Equal(t, int32(42), ev.id)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), ev.addr)
	assert.False(t, ev.multicast)
}

func TestListener_SecondBindFails(t *testing.T) {
	first := NewListener(&recordingSink{}, 0, nil)
	require.NoError(t, first.Listen(context.Background()))
	defer first.Close()

	second := NewListener(&recordingSink{}, first.Addr().(*net.UDPAddr).Port, nil)
	err := second.Listen(context.Background())
	assert.Error(t, err)
}
