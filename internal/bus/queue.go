package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"md-gateway/internal/metrics"
)

type queued struct {
	channel string
	payload []byte
}

// QueuedPublisher places a bounded queue in front of another Publisher so
// message handling never blocks on a bus round trip. Publish is
// non-blocking; when the queue is full the record is dropped and counted.
type QueuedPublisher struct {
	inner Publisher
	queue chan queued
	drops atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueuedPublisher wraps inner with a queue of the given capacity and
// starts the drain goroutine.
func NewQueuedPublisher(inner Publisher, size int) *QueuedPublisher {
	q := &QueuedPublisher{
		inner: inner,
		queue: make(chan queued, size),
	}
	q.wg.Add(1)
	go q.drain()
	return q
}

func (q *QueuedPublisher) drain() {
	defer q.wg.Done()
	for m := range q.queue {
		if err := q.inner.Publish(context.Background(), m.channel, m.payload); err != nil {
			log.Error().Err(err).Str("channel", m.channel).Msg("Queued publish failed")
		}
		metrics.PublishQueueDepth.Set(float64(len(q.queue)))
	}
}

// Publish enqueues the payload. A full queue drops the record rather than
// stalling the caller; drops are visible via Drops and the queue metrics.
func (q *QueuedPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil
	}

	select {
	case q.queue <- queued{channel: channel, payload: payload}:
		metrics.PublishQueueDepth.Set(float64(len(q.queue)))
	default:
		q.drops.Add(1)
		metrics.RecordQueueDrop()
	}
	return nil
}

// Drops reports how many records were discarded because the queue was full.
func (q *QueuedPublisher) Drops() uint64 {
	return q.drops.Load()
}

// Close stops accepting records, drains what is queued, and waits for the
// drain goroutine to finish.
func (q *QueuedPublisher) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.queue)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

var _ Publisher = (*QueuedPublisher)(nil)
