package instance

import (
	"cmp"
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"lanshare/internal/common"
	"lanshare/internal/metrics"
)

// Listener is told about instances entering and leaving the registry. Calls
// happen outside the registry lock.
type Listener interface {
	InstanceAdded(inst *Instance)
	InstanceRemoved(inst *Instance)
}

// NameResolver turns an address into a human readable host name.
type NameResolver interface {
	LookupName(ctx context.Context, addr netip.Addr) (string, error)
}

type Options struct {
	Listener Listener
	Resolver NameResolver
	Logger   *slog.Logger

	// Timeout and SweepInterval default to the protocol values.
	Timeout       time.Duration
	SweepInterval time.Duration
}

// Registry tracks every known instance keyed by id.
type Registry struct {
	local    *Instance
	listener Listener
	resolver NameResolver
	logger   *slog.Logger
	now      func() time.Time

	timeout  time.Duration
	interval time.Duration

	mu    sync.Mutex
	byID  map[int32]*Instance
	gen   uint64
	stop  chan struct{}
	swept sync.WaitGroup
}

func NewRegistry(local *Instance, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		local:    local,
		listener: opts.Listener,
		resolver: opts.Resolver,
		logger:   logger.With("component", "registry"),
		now:      time.Now,
		timeout:  opts.Timeout,
		interval: opts.SweepInterval,
		byID:     make(map[int32]*Instance),
	}
	if r.timeout <= 0 {
		r.timeout = common.InstanceTimeout
	}
	if r.interval <= 0 {
		r.interval = common.SweepInterval
	}
	return r
}

// SetListener replaces the listener. Only call before Start.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

func (r *Registry) Local() *Instance { return r.local }

// GetOrCreate returns the instance with the given id, recording addr on it.
// A new remote instance is created if the id is unknown. Instances sharing
// an address stay distinct.
func (r *Registry) GetOrCreate(addr netip.Addr, id int32, source Source) *Instance {
	if id == r.local.id {
		return r.local
	}
	addr = addr.Unmap()
	now := r.now()

	r.mu.Lock()
	inst, ok := r.byID[id]
	if ok {
		if inst.observe(addr, now) {
			r.gen++
			r.logger.Debug("new address for instance", "id", id, "addr", addr, "source", source.String())
		}
	} else {
		inst = newRemote(id, addr, now)
		r.byID[id] = inst
		r.gen++
	}
	listener := r.listener
	metrics.InstancesKnown.Set(float64(len(r.byID)))
	r.mu.Unlock()

	if !ok {
		r.logger.Info("instance discovered", "id", id, "addr", addr, "source", source.String())
		go r.resolveName(inst, addr)
		if listener != nil {
			listener.InstanceAdded(inst)
		}
	}
	return inst
}

// RecordHeartbeat is GetOrCreate for heartbeats; the local id is ignored.
func (r *Registry) RecordHeartbeat(addr netip.Addr, id int32, viaMulticast bool) {
	if id == r.local.id {
		return
	}
	source := SourceUnicast
	if viaMulticast {
		source = SourceMulticast
	}
	r.GetOrCreate(addr, id, source)
}

// RecordOffline evicts the instance immediately. Unknown ids are ignored.
func (r *Registry) RecordOffline(id int32) {
	r.mu.Lock()
	inst, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		r.gen++
		metrics.InstancesKnown.Set(float64(len(r.byID)))
	}
	listener := r.listener
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Info("instance went offline", "id", id)
	metrics.InstanceEvictions.WithLabelValues("offline").Inc()
	if listener != nil {
		listener.InstanceRemoved(inst)
	}
}

// Lookup returns the instance with the given id, the local one included.
func (r *Registry) Lookup(id int32) (*Instance, bool) {
	if id == r.local.id {
		return r.local, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byID[id]
	return inst, ok
}

// ByAddress returns the remote instance seen under addr.
func (r *Registry) ByAddress(addr netip.Addr) (*Instance, bool) {
	addr = addr.Unmap()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.byID {
		if inst.HasAddress(addr) {
			return inst, true
		}
	}
	return nil, false
}

// Remotes returns a snapshot of all remote instances ordered by id.
func (r *Registry) Remotes() []*Instance {
	r.mu.Lock()
	out := make([]*Instance, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Instance) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Generation changes whenever the remote set or an address list changes.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// Start runs the timeout sweep until Stop or ctx is done.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.stop = stop
	r.mu.Unlock()

	r.swept.Add(1)
	go func() {
		defer r.swept.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				r.sweep(r.now())
			}
		}
	}()
}

func (r *Registry) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
		r.swept.Wait()
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var expired []*Instance
	for id, inst := range r.byID {
		if now.Sub(inst.LastHeartbeat()) > r.timeout {
			expired = append(expired, inst)
			delete(r.byID, id)
		}
	}
	if len(expired) > 0 {
		r.gen++
		metrics.InstancesKnown.Set(float64(len(r.byID)))
	}
	listener := r.listener
	r.mu.Unlock()

	for _, inst := range expired {
		r.logger.Info("instance timed out", "id", inst.id, "last_heartbeat", inst.LastHeartbeat())
		metrics.InstanceEvictions.WithLabelValues("timeout").Inc()
		if listener != nil {
			listener.InstanceRemoved(inst)
		}
	}
}

func (r *Registry) resolveName(inst *Instance, addr netip.Addr) {
	if r.resolver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	name, err := r.resolver.LookupName(ctx, addr)
	if err != nil || name == "" {
		r.logger.Debug("name lookup failed", "id", inst.id, "addr", addr, "error", err)
		return
	}
	inst.setName(name)
}
