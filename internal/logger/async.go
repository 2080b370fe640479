package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes buffered records.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncQueue is shared by an AsyncHandler and every handler derived from it.
type asyncQueue struct {
	records chan asyncRecord
	workers sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

type asyncRecord struct {
	handler slog.Handler
	rec     slog.Record
}

// AsyncHandler moves record formatting off the calling goroutine, which
// keeps ledger transactions and loop ticks from waiting on stdout. When the
// buffer is full, records below WarnLevel are dropped and counted. Warnings
// and errors (gate bypasses among them) block until there is room.
type AsyncHandler struct {
	inner slog.Handler
	q     *asyncQueue
}

// NewAsyncHandler starts workers draining a buffer of size records.
func NewAsyncHandler(inner slog.Handler, size, workers int) *AsyncHandler {
	q := &asyncQueue{records: make(chan asyncRecord, size)}
	for range max(workers, 1) {
		q.workers.Add(1)
		go q.drain()
	}
	return &AsyncHandler{inner: inner, q: q}
}

func (q *asyncQueue) drain() {
	defer q.workers.Done()
	for r := range q.records {
		_ = r.handler.Handle(context.Background(), r.rec)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle queues rec for the handler it was logged through.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler signature
	r := asyncRecord{handler: h.inner, rec: rec.Clone()}
	if rec.Level >= slog.LevelWarn {
		h.q.records <- r
		return nil
	}
	select {
	case h.q.records <- r:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// DroppedCount reports how many info and debug records were discarded.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close drains the buffer and stops the workers. Records handled after
// Close panic, so it runs last during shutdown. Repeated calls are no-ops.
func (h *AsyncHandler) Close() {
	h.q.once.Do(func() {
		close(h.q.records)
		h.q.workers.Wait()
	})
}
