package peer

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/raskyld/courier/pkg/wire"
)

// State of the discovery of a peer. It only ever moves forward.
type State uint32

const (
	NotDiscovered State = iota
	Discovered
)

func (s State) String() string {
	switch s {
	case NotDiscovered:
		return "not-discovered"
	case Discovered:
		return "discovered"
	default:
		return "unknown"
	}
}

// Context is everything we know about one remote peer. A single instance
// exists per peer id for the lifetime of the [Registry].
type Context struct {
	id wire.PeerID

	lk         sync.RWMutex
	state      State
	descriptor wire.Descriptor
	addr       netip.AddrPort
	lastSeen   time.Time

	// closed exactly once, on the transition to Discovered.
	discoveredCh chan struct{}
}

func newContext(id wire.PeerID) *Context {
	return &Context{
		id:           id,
		discoveredCh: make(chan struct{}),
	}
}

func (pc *Context) ID() wire.PeerID {
	return pc.id
}

func (pc *Context) State() State {
	pc.lk.RLock()
	defer pc.lk.RUnlock()
	return pc.state
}

// Discovered is closed once the peer has been discovered.
func (pc *Context) Discovered() <-chan struct{} {
	return pc.discoveredCh
}

// Descriptor returns a copy of the last descriptor the peer announced.
func (pc *Context) Descriptor() wire.Descriptor {
	pc.lk.RLock()
	defer pc.lk.RUnlock()
	return pc.descriptor.Clone()
}

// Addr is the last known UDP address of the peer.
func (pc *Context) Addr() netip.AddrPort {
	pc.lk.RLock()
	defer pc.lk.RUnlock()
	return pc.addr
}

func (pc *Context) LastSeen() time.Time {
	pc.lk.RLock()
	defer pc.lk.RUnlock()
	return pc.lastSeen
}

func (pc *Context) LogValue() slog.Value {
	pc.lk.RLock()
	defer pc.lk.RUnlock()

	attrs := []slog.Attr{
		slog.String("id", pc.id.String()),
		slog.String("state", pc.state.String()),
	}
	if pc.descriptor.Name != "" {
		attrs = append(attrs, slog.String("name", pc.descriptor.Name))
	}
	if pc.addr.IsValid() {
		attrs = append(attrs, slog.String("addr", pc.addr.String()))
	}
	return slog.GroupValue(attrs...)
}
