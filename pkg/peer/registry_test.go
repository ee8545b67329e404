package peer

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/raskyld/courier/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrAddIsAtomic(t *testing.T) {
	reg := NewRegistry(nil, nil)
	id := uuid.New()

	var wg sync.WaitGroup
	got := make([]*Context, 64)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := reg.GetOrAdd(id)
			assert.NoError(t, err)
			got[i] = pc
		}()
	}
	wg.Wait()

	for _, pc := range got {
		require.Same(t, got[0], pc)
	}
	require.Equal(t, 1, reg.Len())
	require.Equal(t, NotDiscovered, got[0].State())
}

func TestRegistry_RejectsBroadcast(t *testing.T) {
	reg := NewRegistry(nil, nil)

	_, err := reg.GetOrAdd(wire.Broadcast)
	require.ErrorIs(t, err, ErrBroadcastPeer)

	_, err = reg.HandleAnnouncement(wire.Descriptor{ID: wire.Broadcast}, netip.AddrPort{})
	require.ErrorIs(t, err, ErrBroadcastPeer)

	_, err = reg.WaitForDiscovery(context.Background(), wire.Broadcast)
	require.ErrorIs(t, err, ErrBroadcastPeer)
	require.Zero(t, reg.Len())
}

func TestRegistry_DiscoveryIsMonotonic(t *testing.T) {
	mock := clock.NewMock()
	reg := NewRegistry(nil, mock)
	sub, err := reg.Subscribe(16)
	require.NoError(t, err)

	id := uuid.New()
	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:6174"),
		netip.MustParseAddrPort("10.0.0.2:6174"),
	}

	var wg sync.WaitGroup
	discoveries := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := addrs[rand.IntN(len(addrs))]
			update, err := reg.HandleAnnouncement(wire.Descriptor{ID: id, Name: "b"}, addr)
			assert.NoError(t, err)
			assert.Equal(t, Discovered, update.Peer.State())
			if update.Discovered {
				discoveries <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(discoveries)

	require.Len(t, discoveries, 1)
	require.Len(t, sub.Events(), 1)
	ev := <-sub.Events()
	require.Equal(t, id, ev.Peer.ID())
	require.Equal(t, "b", ev.Descriptor.Name)
	require.Contains(t, addrs, ev.Peer.Addr())
	require.Equal(t, mock.Now(), ev.Peer.LastSeen())
}

func TestRegistry_ReannouncementUpdatesAddress(t *testing.T) {
	reg := NewRegistry(nil, nil)
	id := uuid.New()
	first := netip.MustParseAddrPort("10.0.0.1:6174")
	second := netip.MustParseAddrPort("10.0.0.1:7000")

	update, err := reg.HandleAnnouncement(wire.Descriptor{ID: id}, first)
	require.NoError(t, err)
	require.True(t, update.Discovered)
	require.False(t, update.Moved())

	update, err = reg.HandleAnnouncement(wire.Descriptor{ID: id, Meta: map[string]string{"k": "v"}}, second)
	require.NoError(t, err)
	require.False(t, update.Discovered)
	require.True(t, update.Moved())
	require.Equal(t, first, update.PrevAddr)
	require.Equal(t, second, update.Peer.Addr())
	require.Equal(t, "v", update.Peer.Descriptor().Meta["k"])

	// an announcement without a usable address keeps the known one.
	update, err = reg.HandleAnnouncement(wire.Descriptor{ID: id}, netip.AddrPort{})
	require.NoError(t, err)
	require.False(t, update.Moved())
	require.Equal(t, second, update.Peer.Addr())
}

func TestRegistry_WaitForDiscovery(t *testing.T) {
	reg := NewRegistry(nil, nil)
	id := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := reg.WaitForDiscovery(context.Background(), id)
			assert.NoError(t, err)
			assert.Equal(t, Discovered, pc.State())
		}()
	}

	time.Sleep(10 * time.Millisecond)
	_, err := reg.HandleAnnouncement(wire.Descriptor{ID: id}, netip.AddrPort{})
	require.NoError(t, err)
	wg.Wait()

	// later waiters are released immediately.
	pc, err := reg.WaitForDiscovery(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, pc.ID())
}

func TestRegistry_WaitForDiscoveryCancelled(t *testing.T) {
	reg := NewRegistry(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := reg.WaitForDiscovery(ctx, uuid.New())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_SlowSubscriberDropsEvents(t *testing.T) {
	reg := NewRegistry(nil, nil)
	slow, err := reg.Subscribe(1)
	require.NoError(t, err)
	fast, err := reg.Subscribe(8)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := reg.HandleAnnouncement(wire.Descriptor{ID: uuid.New()}, netip.AddrPort{})
		require.NoError(t, err)
	}

	require.Equal(t, uint64(3), slow.Dropped())
	require.Zero(t, fast.Dropped())
	require.Len(t, fast.Events(), 4)

	slow.Close()
	_, ok := <-slow.Events()
	require.True(t, ok, "buffered event still readable")
	_, ok = <-slow.Events()
	require.False(t, ok)

	reg.Close()
	for range fast.Events() {
	}
	_, err = reg.Subscribe(1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestRegistry_All(t *testing.T) {
	reg := NewRegistry(nil, nil)
	ids := map[wire.PeerID]bool{}
	for i := 0; i < 5; i++ {
		id := uuid.New()
		ids[id] = true
		_, err := reg.GetOrAdd(id)
		require.NoError(t, err)
	}

	for pc := range reg.All() {
		require.True(t, ids[pc.ID()])
		delete(ids, pc.ID())
	}
	require.Empty(t, ids)

	reg.Touch(uuid.New())
	require.Equal(t, 5, reg.Len(), "touch never creates peers")
}
