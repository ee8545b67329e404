// Package fragment splits payloads too large for a single datagram into
// chunks and reassembles them on the receiving side.
package fragment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raskyld/courier/pkg/wire"
)

const (
	// DefaultExpiry is how long an incomplete reassembly is kept.
	DefaultExpiry = 30 * time.Second

	// DefaultMaxChunkCount bounds the number of chunks of a single message.
	DefaultMaxChunkCount = 1 << 16

	// DefaultTombstones is how many completed messages are remembered.
	DefaultTombstones = 4096
)

var (
	ErrCountMismatch = fmt.Errorf("%w: chunk count mismatch", wire.ErrProtocolViolation)
	ErrTooManyChunks = fmt.Errorf("%w: too many chunks", wire.ErrProtocolViolation)
	ErrInvalidChunk  = fmt.Errorf("%w: chunk index out of range", wire.ErrProtocolViolation)

	ErrInvalidChunkSize = errors.New("fragment: chunk size must be positive")
)

// Engine is safe for concurrent use. Buffers are locked individually so
// unrelated messages never contend.
type Engine struct {
	pending sync.Map

	// completion time of recent messages, so late duplicates of their
	// chunks do not seed a buffer that will never complete. Entries are
	// honoured for the expiry window, measured with clock.
	completed *lru.Cache[wire.MessageID, time.Time]

	expiry        time.Duration
	maxChunkCount uint32
	tombstones    int
	clock         clock.Clock
}

type buffer struct {
	lk       sync.Mutex
	count    uint32
	chunks   map[uint32][]byte
	size     int
	created  time.Time
	finished bool
}

type Option func(*Engine)

// WithExpiry sets how long an incomplete reassembly survives.
func WithExpiry(expiry time.Duration) Option {
	return func(e *Engine) {
		e.expiry = expiry
	}
}

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clk
	}
}

func WithMaxChunkCount(count uint32) Option {
	return func(e *Engine) {
		e.maxChunkCount = count
	}
}

// WithTombstones sets how many completed message ids are remembered.
func WithTombstones(size int) Option {
	return func(e *Engine) {
		e.tombstones = size
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}

	if e.expiry <= 0 {
		e.expiry = DefaultExpiry
	}
	if e.maxChunkCount == 0 {
		e.maxChunkCount = DefaultMaxChunkCount
	}
	if e.tombstones <= 0 {
		e.tombstones = DefaultTombstones
	}
	if e.clock == nil {
		e.clock = clock.New()
	}

	// only fails on a non-positive size.
	e.completed, _ = lru.New[wire.MessageID, time.Time](e.tombstones)
	return e
}

// tombstoned reports whether id completed less than the expiry window ago.
func (e *Engine) tombstoned(id wire.MessageID) bool {
	at, ok := e.completed.Peek(id)
	if !ok {
		return false
	}
	if e.clock.Since(at) >= e.expiry {
		e.completed.Remove(id)
		return false
	}
	return true
}

// Split cuts payload in chunks of at most maxChunk bytes under a freshly
// minted message id. The chunk bodies alias payload.
func (e *Engine) Split(payload []byte, maxChunk int) ([]wire.ChunkFrame, error) {
	if maxChunk <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if len(payload) == 0 {
		return nil, nil
	}

	count := (len(payload) + maxChunk - 1) / maxChunk
	if uint64(count) > uint64(e.maxChunkCount) {
		return nil, fmt.Errorf("%w: %d chunks of %d bytes", ErrTooManyChunks, count, maxChunk)
	}

	id := uuid.New()
	chunks := make([]wire.ChunkFrame, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*maxChunk, len(payload))
		chunks = append(chunks, wire.ChunkFrame{
			MessageID: id,
			Index:     uint32(i),
			Count:     uint32(count),
			Body:      payload[i*maxChunk : end : end],
		})
	}
	return chunks, nil
}

// Ingest records one chunk. When it was the last missing one, the whole
// payload is returned with ok set to true and the reassembly is forgotten.
// Duplicated chunks overwrite the previous copy.
func (e *Engine) Ingest(chunk wire.ChunkFrame) (payload []byte, ok bool, err error) {
	ok, err = e.IngestFunc(chunk, func(assembled []byte) bool {
		payload = assembled
		return true
	})
	return payload, ok, err
}

// IngestFunc is like Ingest but hands the payload to consume, with the
// reassembly locked. If consume returns false the reassembly is kept
// complete and the next copy of any of its chunks hands it over again.
// It reports whether the payload was consumed.
func (e *Engine) IngestFunc(chunk wire.ChunkFrame, consume func([]byte) bool) (bool, error) {
	if chunk.Count == 0 || chunk.Index >= chunk.Count {
		return false, fmt.Errorf("%w: %d of %d", ErrInvalidChunk, chunk.Index, chunk.Count)
	}
	if chunk.Count > e.maxChunkCount {
		return false, fmt.Errorf("%w: %d", ErrTooManyChunks, chunk.Count)
	}

	for {
		if e.tombstoned(chunk.MessageID) {
			return false, nil
		}

		val, _ := e.pending.LoadOrStore(chunk.MessageID, &buffer{
			count:   chunk.Count,
			chunks:  make(map[uint32][]byte),
			created: e.clock.Now(),
		})
		buf := val.(*buffer)

		buf.lk.Lock()
		if buf.finished {
			// completed or reaped while we were getting it, start over.
			buf.lk.Unlock()
			continue
		}

		// the message may have completed between the tombstone check and
		// the creation of this buffer.
		if len(buf.chunks) == 0 && e.tombstoned(chunk.MessageID) {
			buf.finished = true
			e.pending.CompareAndDelete(chunk.MessageID, buf)
			buf.lk.Unlock()
			return false, nil
		}

		if buf.count != chunk.Count {
			buf.lk.Unlock()
			return false, fmt.Errorf("%w: got %d, expected %d", ErrCountMismatch, chunk.Count, buf.count)
		}

		if prev, dup := buf.chunks[chunk.Index]; dup {
			buf.size -= len(prev)
		}
		buf.chunks[chunk.Index] = bytes.Clone(chunk.Body)
		buf.size += len(chunk.Body)

		if uint32(len(buf.chunks)) < buf.count {
			buf.lk.Unlock()
			return false, nil
		}

		payload := make([]byte, 0, buf.size)
		for i := uint32(0); i < buf.count; i++ {
			payload = append(payload, buf.chunks[i]...)
		}
		if !consume(payload) {
			buf.lk.Unlock()
			return false, nil
		}

		buf.finished = true
		e.pending.CompareAndDelete(chunk.MessageID, buf)
		e.completed.Add(chunk.MessageID, e.clock.Now())
		buf.lk.Unlock()
		return true, nil
	}
}

// Reap discards every reassembly older than the expiry window at now and
// returns how many were discarded.
func (e *Engine) Reap(now time.Time) (reaped int) {
	e.pending.Range(func(key, val any) bool {
		buf := val.(*buffer)
		buf.lk.Lock()
		if !buf.finished && now.Sub(buf.created) >= e.expiry {
			buf.finished = true
			e.pending.CompareAndDelete(key, buf)
			reaped++
		}
		buf.lk.Unlock()
		return true
	})
	return
}

// Run reaps expired reassemblies every interval until ctx is done.
// onReap, if not nil, is told how many buffers each sweep discarded.
func (e *Engine) Run(ctx context.Context, interval time.Duration, onReap func(int)) error {
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := e.Reap(now); n > 0 && onReap != nil {
				onReap(n)
			}
		}
	}
}

// Pending is the number of incomplete reassemblies.
func (e *Engine) Pending() (n int) {
	e.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return
}

// Expiry is the configured reassembly window.
func (e *Engine) Expiry() time.Duration {
	return e.expiry
}
