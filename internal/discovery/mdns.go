package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"lanshare/internal/common"
	"lanshare/internal/heartbeat"
)

// browseInterval is how long one browse round lasts before it is restarted.
const browseInterval = time.Minute

// Service advertises the local instance over mDNS and reports instances it
// finds to a heartbeat sink.
type Service struct {
	id     int32
	port   int
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(id int32, port int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{id: id, port: port, logger: logger.With("component", "mdns")}
}

// Start publishes the service and browses for others until Stop.
func (s *Service) Start(ctx context.Context, sink heartbeat.Sink) error {
	server, err := Advertise(s.id, s.port)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.server, s.cancel = server, cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ctx.Err() == nil {
			if err := s.Browse(ctx, sink); err != nil {
				s.logger.Info("mdns browse failed", slog.Any("error", err))
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	server, cancel := s.server, s.cancel
	s.server, s.cancel = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if server != nil {
		server.Shutdown()
	}
}

// Browse runs one browse round, feeding found instances into sink.
func (s *Service) Browse(ctx context.Context, sink heartbeat.Sink) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, browseInterval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				s.record(entry, sink)
			case <-ctx.Done():
				return
			}
		}
	}()
	if err := resolver.Browse(ctx, common.ServiceName, common.ServiceDomain, entries); err != nil {
		return fmt.Errorf("failed to browse: %w", err)
	}
	<-ctx.Done()
	<-done
	return nil
}

func (s *Service) record(entry *zeroconf.ServiceEntry, sink heartbeat.Sink) {
	id, ok := EntryID(entry.Text)
	if !ok || id == s.id {
		return
	}
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		s.logger.Debug("instance seen via mdns", "id", id, "addr", addr)
		sink.RecordHeartbeat(addr.Unmap(), id, false)
	}
}

// Advertise registers the instance with the id in its TXT record.
func Advertise(id int32, port int) (*zeroconf.Server, error) {
	name := fmt.Sprintf("lanshare-%d", id)
	server, err := zeroconf.Register(name, common.ServiceName, common.ServiceDomain, port, []string{"id=" + strconv.FormatInt(int64(id), 10)}, nil)
	if err != nil {
		return nil, fmt.Errorf("could not register service: %w", err)
	}
	return server, nil
}

// EntryID extracts the instance id from TXT records.
func EntryID(txt []string) (int32, bool) {
	for _, t := range txt {
		v, ok := strings.CutPrefix(t, "id=")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return 0, false
		}
		return int32(id), true
	}
	return 0, false
}
