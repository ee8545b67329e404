package route

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPath struct {
	mock.Mock
	name string
}

func (m *mockPath) Send(packet []byte) error {
	args := m.Called(packet)
	return args.Error(0)
}

func (m *mockPath) String() string {
	return m.name
}

func TestTable_SelectEmpty(t *testing.T) {
	table := NewTable()
	_, ok := table.Select(uuid.New())
	require.False(t, ok)

	id := uuid.New()
	path := &mockPath{name: "a"}
	require.NoError(t, table.Register(id, Entry{Path: path, Weight: 1}))
	require.True(t, table.Unregister(id, path))

	_, ok = table.Select(id)
	require.False(t, ok, "empty once the last path is gone")
	require.False(t, table.Unregister(id, path))
}

func TestTable_RegisterIsIdempotent(t *testing.T) {
	table := NewTable()
	id := uuid.New()
	path := &mockPath{name: "a"}

	require.NoError(t, table.Register(id, Entry{Path: path, Weight: 1}))
	require.NoError(t, table.Register(id, Entry{Path: path, Weight: 5}))

	entries := table.Entries(id)
	require.Len(t, entries, 1)
	require.Equal(t, uint32(5), entries[0].Weight)

	require.ErrorIs(t, table.Register(id, Entry{}), ErrNilPath)
}

func TestTable_SnapshotsAreImmutable(t *testing.T) {
	table := NewTable()
	id := uuid.New()
	a, b := &mockPath{name: "a"}, &mockPath{name: "b"}

	require.NoError(t, table.Register(id, Entry{Path: a, Weight: 1}))
	before := table.Entries(id)

	require.NoError(t, table.Register(id, Entry{Path: b, Weight: 1}))
	require.True(t, table.Unregister(id, a))

	require.Len(t, before, 1)
	require.Same(t, a, before[0].Path)
	require.Len(t, table.Entries(id), 1)
	require.Same(t, b, table.Entries(id)[0].Path)
}

func TestTable_WeightedSelection(t *testing.T) {
	table := NewTable()
	id := uuid.New()
	heavy, light, dead := &mockPath{name: "heavy"}, &mockPath{name: "light"}, &mockPath{name: "dead"}

	require.NoError(t, table.Register(id, Entry{Path: heavy, Weight: 9}))
	require.NoError(t, table.Register(id, Entry{Path: light, Weight: 1}))
	require.NoError(t, table.Register(id, Entry{Path: dead, Weight: 0}))

	counts := map[Path]int{}
	for i := 0; i < 10_000; i++ {
		e, ok := table.Select(id)
		require.True(t, ok)
		counts[e.Path]++
	}

	require.Zero(t, counts[dead])
	require.InDelta(t, 9000, counts[heavy], 500)
	require.InDelta(t, 1000, counts[light], 500)
}

func TestTable_ZeroWeightsAreUniform(t *testing.T) {
	table := NewTable()
	id := uuid.New()
	a, b := &mockPath{name: "a"}, &mockPath{name: "b"}
	require.NoError(t, table.Register(id, Entry{Path: a}))
	require.NoError(t, table.Register(id, Entry{Path: b}))

	counts := map[Path]int{}
	for i := 0; i < 1000; i++ {
		e, ok := table.Select(id)
		require.True(t, ok)
		counts[e.Path]++
	}
	require.Positive(t, counts[a])
	require.Positive(t, counts[b])
}

func TestTable_SelectNeverReturnsUnregistered(t *testing.T) {
	table := NewTable()
	id := uuid.New()
	paths := make([]*mockPath, 8)
	for i := range paths {
		paths[i] = &mockPath{name: string(rune('a' + i))}
	}

	stable := paths[0]
	require.NoError(t, table.Register(id, Entry{Path: stable, Weight: 1}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for _, p := range paths[1:] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					table.Unregister(id, p)
					return
				default:
					_ = table.Register(id, Entry{Path: p, Weight: 3})
					table.Unregister(id, p)
				}
			}
		}()
	}

	for i := 0; i < 5000; i++ {
		e, ok := table.Select(id)
		require.True(t, ok, "the stable path is always there")
		require.Contains(t, paths, e.Path)
	}
	close(stop)
	wg.Wait()

	require.Len(t, table.Entries(id), 1)
	e, ok := table.Select(id)
	require.True(t, ok)
	require.Same(t, stable, e.Path)
}

func TestTable_Enumerate(t *testing.T) {
	table := NewTable()
	withPath, emptied := uuid.New(), uuid.New()
	path := &mockPath{name: "a"}

	require.NoError(t, table.Register(withPath, Entry{Path: path, Weight: 1}))
	require.NoError(t, table.Register(emptied, Entry{Path: path, Weight: 1}))
	table.Unregister(emptied, path)

	seen := 0
	for id, entries := range table.Enumerate() {
		require.Equal(t, withPath, id)
		require.Len(t, entries, 1)
		seen++
	}
	require.Equal(t, 1, seen)
	require.Equal(t, 1, table.Peers())
}
