// Package route selects, among the live paths to a peer, the one an
// outbound packet should take.
package route

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/raskyld/courier/pkg/wire"
)

var ErrNilPath = errors.New("route: nil path")

// Path is one concrete way to reach a peer: a UDP address, a QUIC
// connection... Paths are compared with ==, so implementations should be
// comparable values or pointers.
type Path interface {
	// Send transmits a single encoded packet.
	Send(packet []byte) error
	String() string
}

// Entry is a registered path with its relative weight.
type Entry struct {
	Path   Path
	Weight uint32
}

func (e Entry) String() string {
	return fmt.Sprintf("%s (weight %d)", e.Path, e.Weight)
}

// Table holds the paths of every peer. Each peer has an immutable snapshot
// of its entries which writers replace atomically, so readers never lock.
type Table struct {
	slots sync.Map
}

type slot struct {
	// serializes writers of this peer only.
	lk      sync.Mutex
	entries atomic.Pointer[[]Entry]
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) slot(id wire.PeerID) *slot {
	if val, ok := t.slots.Load(id); ok {
		return val.(*slot)
	}
	val, _ := t.slots.LoadOrStore(id, &slot{})
	return val.(*slot)
}

func (s *slot) snapshot() []Entry {
	if entries := s.entries.Load(); entries != nil {
		return *entries
	}
	return nil
}

// Register adds entry to the paths of id. Registering an already known
// path only updates its weight. A zero weight is accepted, such a path is
// only picked when every path of id has a zero weight.
func (t *Table) Register(id wire.PeerID, entry Entry) error {
	if entry.Path == nil {
		return ErrNilPath
	}

	s := t.slot(id)
	s.lk.Lock()
	defer s.lk.Unlock()

	current := s.snapshot()
	next := make([]Entry, 0, len(current)+1)
	replaced := false
	for _, e := range current {
		if e.Path == entry.Path {
			e.Weight = entry.Weight
			replaced = true
		}
		next = append(next, e)
	}
	if !replaced {
		next = append(next, entry)
	}
	s.entries.Store(&next)
	return nil
}

// Unregister removes path from the paths of id and reports whether it was
// registered.
func (t *Table) Unregister(id wire.PeerID, path Path) bool {
	val, ok := t.slots.Load(id)
	if !ok {
		return false
	}
	s := val.(*slot)

	s.lk.Lock()
	defer s.lk.Unlock()

	current := s.snapshot()
	idx := slices.IndexFunc(current, func(e Entry) bool {
		return e.Path == path
	})
	if idx < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	s.entries.Store(&next)
	return true
}

// Select picks one path of id with a probability proportional to its
// weight. When every weight is zero, the pick is uniform.
func (t *Table) Select(id wire.PeerID) (Entry, bool) {
	entries := t.Entries(id)
	switch len(entries) {
	case 0:
		return Entry{}, false
	case 1:
		return entries[0], true
	}

	var total uint64
	for _, e := range entries {
		total += uint64(e.Weight)
	}
	if total == 0 {
		return entries[rand.IntN(len(entries))], true
	}

	pick := rand.Uint64N(total)
	for _, e := range entries {
		if pick < uint64(e.Weight) {
			return e, true
		}
		pick -= uint64(e.Weight)
	}

	// unreachable as long as total is the sum of the weights.
	return entries[len(entries)-1], true
}

// Entries returns the current snapshot of the paths of id. It must not be
// modified.
func (t *Table) Entries(id wire.PeerID) []Entry {
	val, ok := t.slots.Load(id)
	if !ok {
		return nil
	}
	return val.(*slot).snapshot()
}

// Enumerate lazily iterates over the peers which have at least one path.
// Each peer yields the snapshot current at the time it is visited.
func (t *Table) Enumerate() iter.Seq2[wire.PeerID, []Entry] {
	return func(yield func(wire.PeerID, []Entry) bool) {
		t.slots.Range(func(key, val any) bool {
			entries := val.(*slot).snapshot()
			if len(entries) == 0 {
				return true
			}
			return yield(key.(wire.PeerID), entries)
		})
	}
}

// Peers is the number of peers with at least one path.
func (t *Table) Peers() (n int) {
	for range t.Enumerate() {
		n++
	}
	return
}
