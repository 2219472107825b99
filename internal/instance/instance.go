package instance

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Source says how an instance was observed.
type Source int

const (
	SourceList Source = iota
	SourceMulticast
	SourceUnicast
	SourceMDNS
)

func (s Source) String() string {
	switch s {
	case SourceList:
		return "list"
	case SourceMulticast:
		return "multicast"
	case SourceUnicast:
		return "unicast"
	case SourceMDNS:
		return "mdns"
	default:
		return "unknown"
	}
}

// Instance is one running peer, local or remote. Identity is the id alone.
type Instance struct {
	id    int32
	local bool

	mu            sync.RWMutex
	addrs         []netip.Addr
	name          string
	lastHeartbeat time.Time
}

// NewLocal creates the local instance with a random id.
func NewLocal() *Instance {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("instance: no randomness for local id: " + err.Error())
	}
	return NewLocalWithID(int32(binary.BigEndian.Uint32(b[:])))
}

// NewLocalWithID creates the local instance with a fixed id.
func NewLocalWithID(id int32) *Instance {
	return &Instance{id: id, local: true, name: "localhost"}
}

func newRemote(id int32, addr netip.Addr, now time.Time) *Instance {
	return &Instance{
		id:            id,
		addrs:         []netip.Addr{addr},
		name:          strconv.FormatInt(int64(id), 10),
		lastHeartbeat: now,
	}
}

func (i *Instance) ID() int32 { return i.id }

func (i *Instance) IsLocal() bool { return i.local }

// Addresses returns every address the instance was seen under, in the order
// they were first observed.
func (i *Instance) Addresses() []netip.Addr {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return slices.Clone(i.addrs)
}

// PrimaryAddress is the first address the instance was seen under.
func (i *Instance) PrimaryAddress() (netip.Addr, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if len(i.addrs) == 0 {
		return netip.Addr{}, false
	}
	return i.addrs[0], true
}

func (i *Instance) HasAddress(addr netip.Addr) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return slices.Contains(i.addrs, addr)
}

func (i *Instance) Name() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.name
}

func (i *Instance) setName(name string) {
	i.mu.Lock()
	i.name = name
	i.mu.Unlock()
}

func (i *Instance) LastHeartbeat() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastHeartbeat
}

// observe records addr (if unseen) and refreshes liveness. It reports whether
// the address was new.
func (i *Instance) observe(addr netip.Addr, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastHeartbeat = now
	if slices.Contains(i.addrs, addr) {
		return false
	}
	i.addrs = append(i.addrs, addr)
	return true
}

// Equal compares by id.
func (i *Instance) Equal(other *Instance) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.id == other.id
}

func (i *Instance) String() string {
	return i.Name() + " (" + strconv.FormatInt(int64(i.id), 10) + ")"
}
