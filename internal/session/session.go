// Package session wires discovery, the instance registry and the file list
// together and drives transfers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lanshare/internal/common"
	"lanshare/internal/files"
	"lanshare/internal/heartbeat"
	"lanshare/internal/instance"
	"lanshare/internal/netif"
	"lanshare/internal/sockopt"
)

var (
	ErrAlreadyRunning = errors.New("another instance is already running on this host")
	ErrUnreachable    = errors.New("remote instance unreachable")
	ErrDeclined       = errors.New("download request declined")
	ErrNotLocked      = errors.New("file must be locked before requesting a download")
	ErrStopped        = errors.New("session is not running")
)

// Advertiser is an optional extra discovery mechanism feeding the registry.
type Advertiser interface {
	Start(ctx context.Context, sink heartbeat.Sink) error
	Stop()
}

type Options struct {
	// Local defaults to a new instance with a random id.
	Local    *instance.Instance
	Listener Listener
	Logger   *slog.Logger
	Resolver instance.NameResolver
	// Interfaces defaults to the host's interfaces.
	Interfaces netif.Source
	// OpenMulticast defaults to real multicast sockets.
	OpenMulticast heartbeat.Opener
	// SubnetSweep additionally unicasts heartbeats across each IPv4 subnet.
	SubnetSweep bool
	Advertiser  Advertiser
}

type ports struct {
	list, file, ping             int
	peerList, peerFile, peerPing int
}

var defaultPorts = ports{
	list:     common.ListPort,
	file:     common.FilePort,
	ping:     common.HeartbeatPort,
	peerList: common.ListPort,
	peerFile: common.FilePort,
	peerPing: common.HeartbeatPort,
}

// Session is the façade the rest of the application talks to.
type Session struct {
	local      *instance.Instance
	registry   *instance.Registry
	files      *files.Reconciler
	listener   Listener
	logger     *slog.Logger
	ifaces     netif.Source
	open       heartbeat.Opener
	sweep      bool
	advertiser Advertiser
	pulls      *rate.Limiter
	ports      ports
	push       func(ctx context.Context, m *files.Manifest, inst *instance.Instance) bool

	mu      sync.Mutex
	jobs    map[uuid.UUID]*files.Job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	listLn  net.Listener
	fileLn  net.Listener
	ping    *heartbeat.Listener
	sender  *heartbeat.Sender
	watcher *netif.Watcher
	unicast *net.UDPConn
	serving sync.WaitGroup
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	local := opts.Local
	if local == nil {
		local = instance.NewLocal()
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}
	s := &Session{
		local:      local,
		files:      files.NewReconciler(local, logger),
		listener:   listener,
		logger:     logger.With("component", "session"),
		ifaces:     opts.Interfaces,
		open:       opts.OpenMulticast,
		sweep:      opts.SubnetSweep,
		advertiser: opts.Advertiser,
		pulls:      rate.NewLimiter(rate.Every(time.Second), 3),
		ports:      defaultPorts,
		jobs:       make(map[uuid.UUID]*files.Job),
	}
	s.push = s.pushTo
	s.registry = instance.NewRegistry(local, instance.Options{
		Listener: s,
		Resolver: opts.Resolver,
		Logger:   logger,
	})
	return s
}

// Start binds the list, file and heartbeat ports, then starts discovery.
// ErrAlreadyRunning is returned when any of the ports is taken.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)

	lc := sockopt.ListenConfig()
	ping := heartbeat.NewListener(s.registry, s.ports.ping, s.logger)
	var listLn, fileLn net.Listener
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		listLn, err = lc.Listen(gctx, "tcp", fmt.Sprintf(":%d", s.ports.list))
		return err
	})
	g.Go(func() (err error) {
		fileLn, err = lc.Listen(gctx, "tcp", fmt.Sprintf(":%d", s.ports.file))
		return err
	})
	g.Go(func() error { return ping.Listen(gctx) })
	err := g.Wait()
	var unicast *net.UDPConn
	if err == nil {
		unicast, err = net.ListenUDP("udp", &net.UDPAddr{})
	}
	if err != nil {
		for _, ln := range []net.Listener{listLn, fileLn} {
			if ln != nil {
				ln.Close()
			}
		}
		ping.Close()
		cancel()
		s.mu.Unlock()
		if sockopt.IsAddrInUse(err) {
			return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
		}
		return err
	}

	var helpers []heartbeat.Helper
	if s.sweep {
		helpers = append(helpers, heartbeat.SubnetSweep{Conn: unicast, Port: s.ports.peerPing})
	}
	sender := heartbeat.NewSender(s.local.ID(), heartbeat.SenderOptions{
		Open:    s.open,
		Unicast: unicast,
		Peers:   s.peerAddresses,
		Helpers: helpers,
		Logger:  s.logger,
		Port:    s.ports.peerPing,
	})
	watcher := netif.NewWatcher(s.ifaces, s.logger)
	watcher.Subscribe(ping)
	watcher.Subscribe(sender)

	s.ctx, s.cancel = ctx, cancel
	s.listLn, s.fileLn, s.ping = listLn, fileLn, ping
	s.sender, s.watcher, s.unicast = sender, watcher, unicast
	s.running = true
	s.mu.Unlock()

	s.serving.Add(2)
	go s.serve(listLn, s.handleList)
	go s.serve(fileLn, s.handleFileRequest)
	s.registry.Start(ctx)
	watcher.Start()
	sender.Start()
	if s.advertiser != nil {
		if err := s.advertiser.Start(ctx, s.registry); err != nil {
			s.logger.Warn("advertiser unavailable", slog.Any("error", err))
		}
	}
	s.logger.Info("session started", "id", s.local.ID())
	return nil
}

// Stop announces departure, releases every socket and aborts all running
// jobs without waiting for them to drain.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	sender, watcher, ping := s.sender, s.watcher, s.ping
	listLn, fileLn, unicast := s.listLn, s.fileLn, s.unicast
	cancel := s.cancel
	jobs := make([]*files.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	sender.Stop()
	watcher.Stop()
	listLn.Close()
	fileLn.Close()
	ping.Close()
	s.registry.Stop()
	for _, j := range jobs {
		j.Abort()
	}
	if s.advertiser != nil {
		s.advertiser.Stop()
	}
	unicast.Close()
	cancel()
	s.serving.Wait()
	s.logger.Info("session stopped")
}

func (s *Session) Local() *instance.Instance { return s.local }

func (s *Session) Registry() *instance.Registry { return s.registry }

func (s *Session) Remotes() []*instance.Instance { return s.registry.Remotes() }

func (s *Session) Files() []*files.OfferedFile { return s.files.Files() }

// Jobs returns the running jobs.
func (s *Session) Jobs() []*files.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*files.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Offer shares paths as one file and tells every known instance.
func (s *Session) Offer(paths ...string) (*files.OfferedFile, error) {
	f, err := files.NewLocal(paths, s.local)
	if err != nil {
		return nil, err
	}
	if !s.files.AddLocal(f) {
		existing, _ := s.files.LocalRepresentation(f.Descriptor)
		return existing, nil
	}
	s.logger.Info("offering file", "file", f.Name, "size", f.Size)
	s.listener.RefreshGUI()
	s.BroadcastManifest()
	return f, nil
}

// Unshare stops offering a local file.
func (s *Session) Unshare(f *files.OfferedFile) {
	if !f.IsLocal() || !s.files.Remove(f) {
		return
	}
	s.logger.Info("no longer offering file", "file", f.Name)
	s.listener.RefreshGUI()
	s.BroadcastManifest()
}

// ResetDownloaded makes a downloaded file downloadable again. f must be a
// remote, available and unlocked file.
func (s *Session) ResetDownloaded(f *files.OfferedFile) {
	s.files.ResetDownloaded(f)
	s.listener.RefreshGUI()
}

// InstanceAdded pushes our list to a newly discovered instance.
func (s *Session) InstanceAdded(inst *instance.Instance) {
	s.mu.Lock()
	running, ctx := s.running, s.ctx
	s.mu.Unlock()
	if !running {
		return
	}
	m := s.files.BuildOutgoingManifest()
	go s.push(ctx, &m, inst)
}

// InstanceRemoved drops the files of an instance that left.
func (s *Session) InstanceRemoved(inst *instance.Instance) {
	s.files.EvictInstance(inst)
	s.listener.InstanceRemoved(inst)
	s.listener.RefreshGUI()
}

func (s *Session) peerAddresses() []netip.Addr {
	remotes := s.registry.Remotes()
	out := make([]netip.Addr, 0, len(remotes))
	for _, inst := range remotes {
		if a, ok := inst.PrimaryAddress(); ok {
			out = append(out, a)
		}
	}
	return out
}

func (s *Session) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
