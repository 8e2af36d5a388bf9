package tsstorage

import (
	"context"
	"time"
)

// writeJob is one queued persistence write.
type writeJob struct {
	key   string
	value []byte
	ttl   time.Duration
}

// ErrorFunc receives a non-fatal persistence failure. Components use it to
// emit a storage:error event without failing the request path.
type ErrorFunc func(operation string, err error)

// AsyncWriter runs a single background goroutine per component that drains
// a bounded channel of writes against a Store. On back-pressure (the
// channel is full) the oldest queued write is dropped in favor of the new
// one, per design note "Fire-and-forget persistence": never block the
// request path.
type AsyncWriter struct {
	store   Store
	queue   chan writeJob
	onError ErrorFunc
	done    chan struct{}
}

// NewAsyncWriter starts the background worker. capacity bounds the queue;
// a typical value is in the low hundreds.
func NewAsyncWriter(store Store, capacity int, onError ErrorFunc) *AsyncWriter {
	if capacity <= 0 {
		capacity = 128
	}
	if onError == nil {
		onError = func(string, error) {}
	}
	w := &AsyncWriter{
		store:   store,
		queue:   make(chan writeJob, capacity),
		onError: onError,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	for {
		select {
		case job, ok := <-w.queue:
			if !ok {
				close(w.done)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := w.store.Set(ctx, job.key, job.value, job.ttl)
			cancel()
			if err != nil {
				w.onError("set", err)
			}
		}
	}
}

// Enqueue schedules a write without blocking the caller. If the queue is
// full, the oldest pending write is dropped to make room — a request
// never waits on persistence.
func (w *AsyncWriter) Enqueue(key string, value []byte, ttl time.Duration) {
	job := writeJob{key: key, value: value, ttl: ttl}
	select {
	case w.queue <- job:
		return
	default:
	}
	// Back-pressure: drop the oldest, then retry once.
	select {
	case <-w.queue:
	default:
	}
	select {
	case w.queue <- job:
	default:
		w.onError("set", errQueueFull)
	}
}

// Close stops accepting new writes and waits for the worker to drain.
func (w *AsyncWriter) Close() {
	close(w.queue)
	<-w.done
}

var errQueueFull = queueFullError{}

type queueFullError struct{}

func (queueFullError) Error() string { return "tsstorage: async write queue full, write dropped" }
