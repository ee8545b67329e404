// Package ack tracks reliable packets awaiting an acknowledgement.
//
// The [Coordinator] is a pure wait/resolve primitive: it never retransmits
// anything. Whoever owns the socket may resend the same packet as many times
// as it wants against a single registered [Wait].
package ack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/raskyld/courier/pkg/wire"
)

var (
	// ErrTimedOut is the only network failure surfaced to reliable senders.
	ErrTimedOut = errors.New("ack: timed out")

	// ErrAlreadyAwaited means the same PacketID was registered twice
	// concurrently, which is a programming error.
	ErrAlreadyAwaited = errors.New("ack: packet already awaited")
)

// Coordinator is safe for concurrent use.
type Coordinator struct {
	pending sync.Map
	clock   clock.Clock
}

// Wait is the single-waiter handle of one in-flight packet.
type Wait struct {
	id         wire.PacketID
	registered time.Time
	done       chan struct{}
	once       sync.Once
	err        error
}

// NewCoordinator returns an empty coordinator. A nil clock means the wall
// clock.
func NewCoordinator(clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{clock: clk}
}

// Register creates the wait for id. It must happen before the packet is
// transmitted, otherwise a fast acknowledgement could be lost.
func (c *Coordinator) Register(id wire.PacketID) (*Wait, error) {
	w := &Wait{
		id:         id,
		registered: c.clock.Now(),
		done:       make(chan struct{}),
	}
	if _, loaded := c.pending.LoadOrStore(id, w); loaded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAwaited, id)
	}
	return w, nil
}

// Wait blocks until w completes, ctx is cancelled or timeout elapses.
// A timeout of zero waits without deadline. On timeout or cancellation,
// w is removed from the coordinator so a late acknowledgement is a no-op.
func (c *Coordinator) Wait(ctx context.Context, w *Wait, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := c.clock.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.done:
		return w.err
	case <-expired:
		c.abandon(w, ErrTimedOut)
	case <-ctx.Done():
		c.abandon(w, ctx.Err())
	}

	// the wait may have been resolved concurrently, whatever came first wins.
	<-w.done
	return w.err
}

// Await is Register followed by Wait.
func (c *Coordinator) Await(ctx context.Context, id wire.PacketID, timeout time.Duration) error {
	w, err := c.Register(id)
	if err != nil {
		return err
	}
	return c.Wait(ctx, w, timeout)
}

// Resolve completes the wait registered for id successfully. It reports
// whether a wait existed. Late or duplicate acknowledgements are not errors.
func (c *Coordinator) Resolve(id wire.PacketID) bool {
	return c.Fail(id, nil)
}

// Fail completes the wait registered for id with err.
func (c *Coordinator) Fail(id wire.PacketID, err error) bool {
	val, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	val.(*Wait).complete(err)
	return true
}

// FailAll completes every outstanding wait with err and returns how many
// there were.
func (c *Coordinator) FailAll(err error) (failed int) {
	c.pending.Range(func(key, _ any) bool {
		if c.Fail(key.(wire.PacketID), err) {
			failed++
		}
		return true
	})
	return
}

// Pending reports whether id is still awaited.
func (c *Coordinator) Pending(id wire.PacketID) bool {
	_, ok := c.pending.Load(id)
	return ok
}

func (c *Coordinator) Len() (n int) {
	c.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return
}

func (c *Coordinator) abandon(w *Wait, err error) {
	if c.pending.CompareAndDelete(w.id, w) {
		w.complete(err)
	}
}

func (w *Wait) complete(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func (w *Wait) ID() wire.PacketID {
	return w.id
}

// Registered is when the wait was created.
func (w *Wait) Registered() time.Time {
	return w.registered
}

// Done is closed once the wait completed.
func (w *Wait) Done() <-chan struct{} {
	return w.done
}

// Err is only meaningful once Done is closed.
func (w *Wait) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}
