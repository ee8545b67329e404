package ack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_Resolve(t *testing.T) {
	c := NewCoordinator(nil)
	id := uuid.New()

	w, err := c.Register(id)
	require.NoError(t, err)
	require.True(t, c.Pending(id))
	require.Equal(t, 1, c.Len())

	go func() {
		assert.True(t, c.Resolve(id))
	}()

	require.NoError(t, c.Wait(context.Background(), w, time.Second))
	require.False(t, c.Pending(id))
	require.Zero(t, c.Len())
}

func TestCoordinator_ResolveIsIdempotent(t *testing.T) {
	c := NewCoordinator(nil)
	id := uuid.New()

	require.False(t, c.Resolve(id), "never registered")

	w, err := c.Register(id)
	require.NoError(t, err)
	require.True(t, c.Resolve(id))
	require.False(t, c.Resolve(id), "duplicate ack")
	require.NoError(t, c.Wait(context.Background(), w, 0))
	require.NoError(t, w.Err())
}

func TestCoordinator_AlreadyAwaited(t *testing.T) {
	c := NewCoordinator(nil)
	id := uuid.New()

	_, err := c.Register(id)
	require.NoError(t, err)

	err = c.Await(context.Background(), id, time.Second)
	require.ErrorIs(t, err, ErrAlreadyAwaited)

	// once resolved, the id may be awaited again.
	c.Resolve(id)
	_, err = c.Register(id)
	require.NoError(t, err)
}

func TestCoordinator_TimeoutRemovesWait(t *testing.T) {
	c := NewCoordinator(nil)
	id := uuid.New()

	start := time.Now()
	err := c.Await(context.Background(), id, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.False(t, c.Pending(id))
	require.False(t, c.Resolve(id), "late ack")
}

func TestCoordinator_CancelRemovesWait(t *testing.T) {
	c := NewCoordinator(nil)
	id := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	w, err := c.Register(id)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = c.Wait(ctx, w, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, c.Pending(id))
	require.ErrorIs(t, w.Err(), context.Canceled)
}

func TestCoordinator_FailAll(t *testing.T) {
	c := NewCoordinator(nil)
	errStop := errors.New("stop")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		w, err := c.Register(uuid.New())
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Wait(context.Background(), w, 0)
		}()
	}

	require.Equal(t, 10, c.FailAll(errStop))
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, errStop)
	}
	require.Zero(t, c.Len())
}

func TestCoordinator_ConcurrentResolveAndTimeout(t *testing.T) {
	c := NewCoordinator(nil)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		id := uuid.New()
		w, err := c.Register(id)
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			err := c.Wait(context.Background(), w, time.Millisecond)
			if err != nil {
				assert.ErrorIs(t, err, ErrTimedOut)
			}
		}()
		go func() {
			defer wg.Done()
			c.Resolve(id)
		}()
	}
	wg.Wait()
	require.Zero(t, c.Len())
}
