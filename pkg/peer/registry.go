// Package peer keeps track of the remote peers a node knows about and of
// their discovery.
package peer

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/raskyld/courier/pkg/wire"
)

var (
	// ErrBroadcastPeer is returned when the broadcast wildcard is used where
	// an actual peer is expected.
	ErrBroadcastPeer = errors.New("peer: broadcast id is not a peer")
	ErrClosed        = errors.New("peer: registry closed")
)

// Registry maps peer ids to their [Context]. Contexts are inserted with an
// atomic insert-if-absent and then mutated under their own lock, so
// unrelated peers never contend.
type Registry struct {
	peers  sync.Map
	clock  clock.Clock
	logger *slog.Logger

	subsLk sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Event is published once per peer, when it gets discovered.
type Event struct {
	Peer       *Context
	Descriptor wire.Descriptor
	Addr       netip.AddrPort
}

// Update describes the effect of an announcement.
type Update struct {
	Peer *Context

	// Discovered is only true for the announcement which transitioned the
	// peer to [Discovered].
	Discovered bool

	// PrevAddr is the address known before this announcement, it differs
	// from Peer.Addr() when the peer moved.
	PrevAddr netip.AddrPort
}

// Moved reports whether the announcement changed the peer address.
func (u Update) Moved() bool {
	return u.PrevAddr.IsValid() && u.PrevAddr != u.Peer.Addr()
}

func NewRegistry(logger *slog.Logger, clk clock.Clock) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:  clk,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// GetOrAdd returns the context of id, creating it if needed. Concurrent
// callers for the same id always get the same instance.
func (r *Registry) GetOrAdd(id wire.PeerID) (*Context, error) {
	if id == wire.Broadcast {
		return nil, ErrBroadcastPeer
	}
	if val, ok := r.peers.Load(id); ok {
		return val.(*Context), nil
	}
	val, _ := r.peers.LoadOrStore(id, newContext(id))
	return val.(*Context), nil
}

// Get returns the context of id if we ever heard of it.
func (r *Registry) Get(id wire.PeerID) (*Context, bool) {
	val, ok := r.peers.Load(id)
	if !ok {
		return nil, false
	}
	return val.(*Context), true
}

// HandleAnnouncement records what a peer announced about itself, addr
// being where it can be reached over UDP. The first announcement of a peer
// discovers it: its waiters are released and subscribers notified. Later
// ones only refresh its descriptor and address.
func (r *Registry) HandleAnnouncement(desc wire.Descriptor, addr netip.AddrPort) (Update, error) {
	pc, err := r.GetOrAdd(desc.ID)
	if err != nil {
		return Update{}, err
	}

	pc.lk.Lock()
	update := Update{Peer: pc, PrevAddr: pc.addr}
	pc.descriptor = desc.Clone()
	if addr.IsValid() {
		pc.addr = addr
	}
	pc.lastSeen = r.clock.Now()
	if pc.state == NotDiscovered {
		pc.state = Discovered
		update.Discovered = true
		close(pc.discoveredCh)
	}
	pc.lk.Unlock()

	if update.Discovered {
		r.logger.Info("peer discovered", "peer", pc)
		r.publish(Event{Peer: pc, Descriptor: desc.Clone(), Addr: addr})
	}
	return update, nil
}

// Touch records activity from an already known peer.
func (r *Registry) Touch(id wire.PeerID) {
	if pc, ok := r.Get(id); ok {
		pc.lk.Lock()
		pc.lastSeen = r.clock.Now()
		pc.lk.Unlock()
	}
}

// WaitForDiscovery blocks until id is discovered or ctx is done.
func (r *Registry) WaitForDiscovery(ctx context.Context, id wire.PeerID) (*Context, error) {
	pc, err := r.GetOrAdd(id)
	if err != nil {
		return nil, err
	}

	select {
	case <-pc.discoveredCh:
		return pc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// All iterates over every known peer, discovered or not.
func (r *Registry) All() iter.Seq[*Context] {
	return func(yield func(*Context) bool) {
		r.peers.Range(func(_, val any) bool {
			return yield(val.(*Context))
		})
	}
}

func (r *Registry) Len() (n int) {
	r.peers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return
}

// Subscribe returns a subscription receiving discovery events. Publishing
// never blocks: when the buffer is full, the event is dropped for this
// subscriber.
func (r *Registry) Subscribe(buffer int) (*Subscription, error) {
	sub := &Subscription{
		ch:  make(chan Event, buffer),
		reg: r,
	}

	r.subsLk.Lock()
	defer r.subsLk.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.subs[sub] = struct{}{}
	return sub, nil
}

func (r *Registry) publish(ev Event) {
	r.subsLk.RLock()
	defer r.subsLk.RUnlock()

	for sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			r.logger.Warn("discovery event dropped, subscriber is too slow", "peer", ev.Peer)
		}
	}
}

// Close terminates every subscription.
func (r *Registry) Close() {
	r.subsLk.Lock()
	defer r.subsLk.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for sub := range r.subs {
		delete(r.subs, sub)
		close(sub.ch)
	}
}

// Subscription is a stream of discovery events.
type Subscription struct {
	ch      chan Event
	dropped atomic.Uint64
	reg     *Registry
}

// Events is closed when the subscription or the registry is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped is how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.reg.subsLk.Lock()
	defer s.reg.subsLk.Unlock()
	if _, ok := s.reg.subs[s]; ok {
		delete(s.reg.subs, s)
		close(s.ch)
	}
}
