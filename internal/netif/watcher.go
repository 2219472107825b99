package netif

import (
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"lanshare/internal/common"
)

// Interface is a network interface eligible for discovery traffic.
type Interface struct {
	Name      string
	Index     int
	Multicast bool
	// IPv4 is the first IPv4 address of the interface, if any.
	IPv4 netip.Addr
	// IPv4Bits is the prefix length of IPv4.
	IPv4Bits int
	HasIPv6  bool
}

func (i Interface) HasIPv4() bool { return i.IPv4.IsValid() }

// Subscriber receives the full eligible set every time it changes.
type Subscriber interface {
	UpdateInterfaces(ifaces []Interface)
}

// Source lists the host's interfaces.
type Source func() ([]Interface, error)

// Watcher polls the host interfaces and notifies subscribers when the
// eligible set changes.
type Watcher struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers []Subscriber
	current     []Interface
	stop        chan struct{}
	done        chan struct{}
}

// NewWatcher creates a watcher. A nil source lists the real host interfaces.
func NewWatcher(source Source, logger *slog.Logger) *Watcher {
	if source == nil {
		source = HostInterfaces
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		source:   source,
		interval: common.InterfacePoll,
		logger:   logger.With("component", "netif"),
	}
}

// Subscribe adds s. Only call before Start.
func (w *Watcher) Subscribe(s Subscriber) {
	w.mu.Lock()
	w.subscribers = append(w.subscribers, s)
	w.mu.Unlock()
}

// Start polls once synchronously and then in the background.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.stop != nil {
		w.mu.Unlock()
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stop, w.done
	w.mu.Unlock()

	w.Poll()
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				w.Poll()
			}
		}
	}()
}

// Stop ends polling and reports an empty set so subscribers release their
// sockets.
func (w *Watcher) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	w.apply(nil)
}

// Poll lists interfaces once and notifies subscribers on change.
func (w *Watcher) Poll() {
	ifaces, err := w.source()
	if err != nil {
		w.logger.Warn("listing interfaces failed", slog.Any("error", err))
		return
	}
	w.apply(ifaces)
}

// Current returns the last reported set.
func (w *Watcher) Current() []Interface {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.current)
}

func (w *Watcher) apply(ifaces []Interface) {
	ifaces = slices.Clone(ifaces)
	slices.SortFunc(ifaces, func(a, b Interface) int { return strings.Compare(a.Name, b.Name) })

	w.mu.Lock()
	if slices.Equal(ifaces, w.current) {
		w.mu.Unlock()
		return
	}
	w.current = ifaces
	subs := slices.Clone(w.subscribers)
	w.mu.Unlock()

	names := make([]string, 0, len(ifaces))
	for _, i := range ifaces {
		names = append(names, i.Name)
	}
	w.logger.Info("eligible interfaces changed", "interfaces", names)
	for _, s := range subs {
		s.UpdateInterfaces(slices.Clone(ifaces))
	}
}

// HostInterfaces returns the host interfaces that are up and neither
// loopback nor point-to-point.
func HostInterfaces() ([]Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Interface
	for _, ni := range all {
		if !Eligible(ni.Flags) {
			continue
		}
		iface := Interface{
			Name:      ni.Name,
			Index:     ni.Index,
			Multicast: ni.Flags&net.FlagMulticast != 0,
		}
		addrs, err := ni.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if ip.Is4() && !iface.IPv4.IsValid() {
				iface.IPv4 = ip
				iface.IPv4Bits, _ = ipnet.Mask.Size()
			} else if ip.Is6() {
				iface.HasIPv6 = true
			}
		}
		out = append(out, iface)
	}
	return out, nil
}

// Eligible reports whether an interface with flags may carry discovery
// traffic.
func Eligible(flags net.Flags) bool {
	return flags&net.FlagUp != 0 &&
		flags&net.FlagLoopback == 0 &&
		flags&net.FlagPointToPoint == 0
}
