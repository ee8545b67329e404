package fragment

import (
	"context"
	"crypto/rand"
	mrand "math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/raskyld/courier/pkg/wire"
	"github.com/stretchr/testify/require"
)

func randomPayload(t *testing.T, size int) []byte {
	payload := make([]byte, size)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	return payload
}

func TestSplit(t *testing.T) {
	e := NewEngine()
	payload := randomPayload(t, 10_000)

	chunks, err := e.Split(payload, 1500)
	require.NoError(t, err)
	require.Len(t, chunks, 7)

	for i, c := range chunks {
		require.Equal(t, uint32(i), c.Index)
		require.Equal(t, uint32(7), c.Count)
		require.Equal(t, chunks[0].MessageID, c.MessageID)
		if i < 6 {
			require.Len(t, c.Body, 1500)
		}
	}
	require.Len(t, chunks[6].Body, 1000)

	again, err := e.Split(payload, 1500)
	require.NoError(t, err)
	require.NotEqual(t, chunks[0].MessageID, again[0].MessageID, "ids are never reused")

	empty, err := e.Split(nil, 1500)
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = e.Split(payload, 0)
	require.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = NewEngine(WithMaxChunkCount(4)).Split(payload, 1500)
	require.ErrorIs(t, err, ErrTooManyChunks)
}

func TestIngest_OutOfOrderWithDuplicate(t *testing.T) {
	e := NewEngine()
	payload := randomPayload(t, 10_000)

	chunks, err := e.Split(payload, 1500)
	require.NoError(t, err)

	var assembled [][]byte
	for _, idx := range []int{6, 0, 2, 1, 2, 4, 3, 5} {
		got, ok, err := e.Ingest(chunks[idx])
		require.NoError(t, err)
		if ok {
			assembled = append(assembled, got)
		}
	}

	require.Len(t, assembled, 1)
	require.Equal(t, payload, assembled[0])
	require.Zero(t, e.Pending())

	// late duplicate of the final chunk.
	got, ok, err := e.Ingest(chunks[5])
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)
	require.Zero(t, e.Pending())
}

func TestIngest_AnyPermutation(t *testing.T) {
	e := NewEngine()

	for _, tc := range []struct{ size, chunk int }{
		{1, 1}, {1, 100}, {99, 10}, {100, 10}, {101, 10}, {4096, 1000}, {65_000, 1100},
	} {
		payload := randomPayload(t, tc.size)
		chunks, err := e.Split(payload, tc.chunk)
		require.NoError(t, err)

		order := mrand.Perm(len(chunks))
		// sprinkle duplicates.
		for i := 0; i < len(chunks)/3+1; i++ {
			order = append(order, mrand.IntN(len(chunks)))
		}
		mrand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var assembled [][]byte
		for _, idx := range order {
			got, ok, err := e.Ingest(chunks[idx])
			require.NoError(t, err)
			if ok {
				assembled = append(assembled, got)
			}
		}
		require.Len(t, assembled, 1, "size=%d chunk=%d", tc.size, tc.chunk)
		require.Equal(t, payload, assembled[0])
	}
	require.Zero(t, e.Pending())
}

func TestIngest_CopiesBody(t *testing.T) {
	e := NewEngine()
	payload := []byte("abcdef")
	chunks, err := e.Split(payload, 3)
	require.NoError(t, err)

	_, ok, err := e.Ingest(chunks[0])
	require.NoError(t, err)
	require.False(t, ok)

	// the receive buffer gets reused by the transport.
	copy(payload, "xxx")

	got, ok, err := e.Ingest(chunks[1])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("abcdef"), got)
}

func TestIngest_Violations(t *testing.T) {
	e := NewEngine(WithMaxChunkCount(16))
	id := uuid.New()

	_, _, err := e.Ingest(wire.ChunkFrame{MessageID: id, Index: 0, Count: 2, Body: []byte("a")})
	require.NoError(t, err)

	_, _, err = e.Ingest(wire.ChunkFrame{MessageID: id, Index: 1, Count: 3, Body: []byte("b")})
	require.ErrorIs(t, err, ErrCountMismatch)
	require.ErrorIs(t, err, wire.ErrProtocolViolation)

	_, _, err = e.Ingest(wire.ChunkFrame{MessageID: id, Index: 2, Count: 2})
	require.ErrorIs(t, err, ErrInvalidChunk)

	_, _, err = e.Ingest(wire.ChunkFrame{MessageID: uuid.New(), Index: 0, Count: 17})
	require.ErrorIs(t, err, ErrTooManyChunks)

	// the violation did not damage the pending reassembly.
	got, ok, err := e.Ingest(wire.ChunkFrame{MessageID: id, Index: 1, Count: 2, Body: []byte("b")})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("ab"), got)
}

func TestIngestFunc_RefusedPayloadIsKept(t *testing.T) {
	e := NewEngine()
	payload := randomPayload(t, 1000)
	chunks, err := e.Split(payload, 300)
	require.NoError(t, err)

	refuse := func([]byte) bool { return false }
	for _, chunk := range chunks {
		consumed, err := e.IngestFunc(chunk, refuse)
		require.NoError(t, err)
		require.False(t, consumed)
	}
	require.Equal(t, 1, e.Pending(), "a refused payload must stay pending")

	// the resend of the final chunk hands it over again.
	var got []byte
	consumed, err := e.IngestFunc(chunks[len(chunks)-1], func(assembled []byte) bool {
		got = assembled
		return true
	})
	require.NoError(t, err)
	require.True(t, consumed)
	require.Equal(t, payload, got)
	require.Zero(t, e.Pending())

	_, ok, err := e.Ingest(chunks[0])
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, e.Pending())
}

func TestIngest_TombstonesFollowClock(t *testing.T) {
	mock := clock.NewMock()
	e := NewEngine(WithClock(mock), WithExpiry(10*time.Second))

	chunks, err := e.Split(randomPayload(t, 200), 100)
	require.NoError(t, err)
	for _, chunk := range chunks {
		_, _, err := e.Ingest(chunk)
		require.NoError(t, err)
	}
	require.Zero(t, e.Pending())

	mock.Add(9 * time.Second)
	_, ok, err := e.Ingest(chunks[0])
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, e.Pending(), "late duplicates of a completed message are ignored")

	mock.Add(time.Second)
	_, ok, err = e.Ingest(chunks[0])
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, e.Pending(), "tombstones expire with the reassembly window")
}

func TestReap(t *testing.T) {
	mock := clock.NewMock()
	e := NewEngine(WithClock(mock), WithExpiry(10*time.Second))

	chunks, err := e.Split(randomPayload(t, 300), 100)
	require.NoError(t, err)

	_, _, err = e.Ingest(chunks[0])
	require.NoError(t, err)
	_, _, err = e.Ingest(chunks[1])
	require.NoError(t, err)
	require.Equal(t, 1, e.Pending())

	require.Zero(t, e.Reap(mock.Now().Add(9*time.Second)))
	require.Equal(t, 1, e.Pending())

	require.Equal(t, 1, e.Reap(mock.Now().Add(10*time.Second)))
	require.Zero(t, e.Pending())

	// the last chunk alone must not complete the discarded message.
	got, ok, err := e.Ingest(chunks[2])
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)
	require.Equal(t, 1, e.Pending())
}

func TestRun(t *testing.T) {
	e := NewEngine(WithExpiry(20 * time.Millisecond))
	_, _, err := e.Ingest(wire.ChunkFrame{MessageID: uuid.New(), Index: 0, Count: 2})
	require.NoError(t, err)

	var reaped atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- e.Run(ctx, 5*time.Millisecond, func(n int) {
			reaped.Add(int64(n))
		})
	}()

	require.Eventually(t, func() bool {
		return reaped.Load() == 1
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, e.Pending())

	cancel()
	require.NoError(t, <-done)
}
