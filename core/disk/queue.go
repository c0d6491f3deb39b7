// Package disk composes the stream pool, the memory cache and the writer
// queue into the disk service: page reads through pooled reader streams,
// asynchronous log appends and direct checkpoint writes.
package disk

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/streams"
)

// ErrQueueNotShared is returned when a buffer without a reader reference is
// enqueued; the queue owns one reference per queued page and releases it
// after the write.
var ErrQueueNotShared = errors.New("disk: enqueued buffer must hold a reader reference")

// ErrDiskFatal wraps the first I/O error seen by the writer queue. Once
// latched, every subsequent mutation fails with it until the engine is
// reopened.
var ErrDiskFatal = errors.New("disk: writer queue failed, engine is read-only until restart")

// DiskWriterQueue is the single background consumer of dirty log pages.
type DiskWriterQueue struct {
	logger *zap.Logger
	writer streams.Stream

	mu      sync.Mutex
	cond    *sync.Cond
	items   []*pages.PageBuffer
	running bool
	fatal   error
}

// NewDiskWriterQueue wires the queue to the single writer stream.
func NewDiskWriterQueue(writer streams.Stream, logger *zap.Logger) *DiskWriterQueue {
	q := &DiskWriterQueue{logger: logger, writer: writer}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a readable page to the write queue. The queue takes over the
// caller's reader reference.
func (q *DiskWriterQueue) Enqueue(buf *pages.PageBuffer) error {
	if buf.ShareCounter() <= 0 {
		return ErrQueueNotShared
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fatal != nil {
		buf.Release()
		return q.fatal
	}
	q.items = append(q.items, buf)
	return nil
}

// Run starts the background worker if it is idle.
func (q *DiskWriterQueue) Run() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.fatal != nil || len(q.items) == 0 {
		return
	}
	q.running = true
	go q.worker()
}

func (q *DiskWriterQueue) worker() {
	for {
		q.mu.Lock()
		if q.fatal != nil {
			q.drainLocked()
			q.running = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			// Queue observed empty: issue the durability barrier, then
			// re-check for pages enqueued during the flush.
			if err := q.writer.FlushToDisk(); err != nil {
				q.latch(err)
			}
			q.mu.Lock()
			if len(q.items) == 0 || q.fatal != nil {
				q.running = false
				q.cond.Broadcast()
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			continue
		}
		buf := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		_, err := q.writer.Write(buf.Array, buf.Position())
		buf.Release()
		if err != nil {
			q.latch(err)
		}
	}
}

// drainLocked releases references of pages that will never be written.
// Caller holds q.mu.
func (q *DiskWriterQueue) drainLocked() {
	for _, buf := range q.items {
		buf.Release()
	}
	q.items = nil
}

func (q *DiskWriterQueue) latch(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fatal == nil {
		q.fatal = fmt.Errorf("%w: %v", ErrDiskFatal, err)
		q.logger.Error("disk writer queue failed", zap.Error(err))
	}
}

// Wait blocks until the worker has observed an empty queue and flushed.
// It returns the latched error, if any.
func (q *DiskWriterQueue) Wait() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running || (len(q.items) > 0 && q.fatal == nil) {
		if len(q.items) > 0 && !q.running && q.fatal == nil {
			q.running = true
			go q.worker()
		}
		q.cond.Wait()
	}
	if q.fatal != nil {
		q.drainLocked()
	}
	return q.fatal
}

// Err returns the latched fatal error, or nil.
func (q *DiskWriterQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fatal
}
