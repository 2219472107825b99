package heartbeat

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"lanshare/internal/common"
	"lanshare/internal/metrics"
	"lanshare/internal/netif"
)

// maxDirectTargets caps the unicast fan-out of a single heartbeat.
const maxDirectTargets = 256

// UnicastConn sends datagrams to single hosts. *net.UDPConn implements it.
type UnicastConn interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Helper is an extra delivery path run for every interface after the regular
// multicast send, for networks that drop multicast.
type Helper interface {
	Send(iface netif.Interface, packet []byte) error
}

type SenderOptions struct {
	// Open defaults to OpenMulticast.
	Open Opener
	// Unicast carries the direct heartbeats; nil disables them.
	Unicast UnicastConn
	// Peers returns the primary address of every known remote instance.
	Peers   func() []netip.Addr
	Helpers []Helper
	Logger  *slog.Logger
	Port    int
}

type ifaceSocket struct {
	iface netif.Interface
	sock  Socket
}

// Sender emits heartbeats on every eligible interface and directly to every
// known peer.
type Sender struct {
	id      int32
	open    Opener
	unicast UnicastConn
	peers   func() []netip.Addr
	helpers []Helper
	logger  *slog.Logger
	port    int

	burst         int
	burstInterval time.Duration
	interval      time.Duration
	departure     time.Duration

	mu      sync.Mutex
	sockets map[string]ifaceSocket
	mode    Mode
	stop    chan struct{}
	done    chan struct{}
}

func NewSender(id int32, opts SenderOptions) *Sender {
	s := &Sender{
		id:            id,
		open:          opts.Open,
		unicast:       opts.Unicast,
		peers:         opts.Peers,
		helpers:       opts.Helpers,
		logger:        opts.Logger,
		port:          opts.Port,
		burst:         common.BurstCount,
		burstInterval: common.BurstInterval,
		interval:      common.HeartbeatInterval,
		departure:     common.DepartureTimeout,
		sockets:       make(map[string]ifaceSocket),
		mode:          ModeMulticast,
	}
	if s.open == nil {
		s.open = OpenMulticast
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "heartbeat")
	if s.port == 0 {
		s.port = common.HeartbeatPort
	}
	return s
}

// UpdateInterfaces opens sockets for new interfaces and closes the ones for
// interfaces that went away or changed.
func (s *Sender) UpdateInterfaces(ifaces []netif.Interface) {
	want := make(map[string]netif.Interface, len(ifaces))
	for _, i := range ifaces {
		want[i.Name] = i
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, is := range s.sockets {
		if w, ok := want[name]; ok && w == is.iface {
			continue
		}
		is.sock.Close()
		delete(s.sockets, name)
		s.logger.Debug("closed heartbeat socket", "interface", name)
	}
	for name, iface := range want {
		if _, ok := s.sockets[name]; ok {
			continue
		}
		sock, err := s.open(iface)
		if err != nil {
			s.logger.Info("skipping interface", "interface", name, slog.Any("error", err))
			continue
		}
		s.sockets[name] = ifaceSocket{iface: iface, sock: sock}
		s.logger.Debug("opened heartbeat socket", "interface", name)
	}
}

// Start sends a burst of heartbeats and then settles into the steady
// cadence.
func (s *Sender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.mode = ModeMulticast
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
}

func (s *Sender) run(stop, done chan struct{}) {
	defer close(done)
	for i := 0; i < s.burst; i++ {
		s.SendNow()
		select {
		case <-stop:
			return
		case <-time.After(s.burstInterval):
		}
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.SendNow()
		}
	}
}

// Stop announces departure once, waiting at most a second for it to go out,
// and then releases every socket.
func (s *Sender) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done

	s.mu.Lock()
	s.mode = ModeOffline
	s.mu.Unlock()

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		s.SendNow()
	}()
	select {
	case <-sent:
	case <-time.After(s.departure):
		s.logger.Debug("departure heartbeat timed out")
	}

	s.mu.Lock()
	for name, is := range s.sockets {
		is.sock.Close()
		delete(s.sockets, name)
	}
	s.mu.Unlock()
}

// SendNow sends one heartbeat on every interface and to every known peer.
// Failures are logged per target and never abort the rest of the send.
func (s *Sender) SendNow() {
	s.mu.Lock()
	mode := s.mode
	targets := make([]ifaceSocket, 0, len(s.sockets))
	for _, is := range s.sockets {
		targets = append(targets, is)
	}
	s.mu.Unlock()

	pkt := Packet{ID: s.id, Mode: mode}.Encode()
	for _, is := range targets {
		if err := is.sock.Send(pkt[:]); err != nil {
			s.logger.Debug("heartbeat send failed", "interface", is.iface.Name, slog.Any("error", err))
			continue
		}
		metrics.HeartbeatsSent.WithLabelValues(mode.String(), "multicast").Inc()
		for _, h := range s.helpers {
			if err := h.Send(is.iface, pkt[:]); err != nil {
				s.logger.Debug("heartbeat helper failed", "interface", is.iface.Name, slog.Any("error", err))
			}
		}
	}
	s.sendDirect(mode)
}

func (s *Sender) sendDirect(mode Mode) {
	if s.unicast == nil || s.peers == nil {
		return
	}
	direct := ModeDirect
	if mode == ModeOffline {
		direct = ModeOffline
	}
	pkt := Packet{ID: s.id, Mode: direct}.Encode()

	peers := s.peers()
	if len(peers) > maxDirectTargets {
		s.logger.Debug("direct heartbeat fan-out capped", "peers", len(peers), "cap", maxDirectTargets)
		peers = peers[:maxDirectTargets]
	}
	for _, addr := range peers {
		dst := netip.AddrPortFrom(addr, uint16(s.port))
		if _, err := s.unicast.WriteToUDPAddrPort(pkt[:], dst); err != nil {
			s.logger.Debug("direct heartbeat failed", "addr", dst, slog.Any("error", err))
			continue
		}
		metrics.HeartbeatsSent.WithLabelValues(direct.String(), "unicast").Inc()
	}
}
