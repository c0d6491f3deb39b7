// Package cache implements the multi-segment memory cache of page buffers,
// indexed by file position. Buffers move between three states: free (counter
// zero, unindexed), readable (counter >= 0, indexed) and writable (counter at
// the BufferWritable sentinel, owned by one transaction).
package cache

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/pages"
)

var (
	// ErrNotWritable is returned when a state transition requires exclusive
	// ownership the caller does not hold.
	ErrNotWritable = errors.New("cache: buffer is not writable")
	// ErrPositionNotSet is returned when publishing a buffer that was never
	// assigned a file position.
	ErrPositionNotSet = errors.New("cache: buffer position is not set")
)

// Factory fills a fresh buffer with the page stored at a position.
type Factory func(position int64, buffer *pages.PageBuffer) error

// Stats is a snapshot of cache counters for telemetry.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Segments  int
	FreePages int
	UsedPages int
}

// MemoryCache is the engine-wide page buffer pool.
type MemoryCache struct {
	logger       *zap.Logger
	segmentPages int
	maxSegments  int

	mu       sync.Mutex
	readable map[int64]*pages.PageBuffer
	free     []*pages.PageBuffer
	segments [][]byte

	tick      atomic.Uint64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewMemoryCache pre-allocates the first segment. segmentPages buffers are
// carved per segment; maxSegments is the growth ceiling before eviction.
func NewMemoryCache(segmentPages, maxSegments int, logger *zap.Logger) *MemoryCache {
	if segmentPages <= 0 {
		segmentPages = 50
	}
	if maxSegments <= 0 {
		maxSegments = 20
	}
	c := &MemoryCache{
		logger:       logger,
		segmentPages: segmentPages,
		maxSegments:  maxSegments,
		readable:     make(map[int64]*pages.PageBuffer),
	}
	c.mu.Lock()
	c.addSegment()
	c.mu.Unlock()
	return c
}

// addSegment carves a new segment into free buffers. Caller holds c.mu.
func (c *MemoryCache) addSegment() {
	segment := make([]byte, c.segmentPages*pages.PageSize)
	c.segments = append(c.segments, segment)
	for i := 0; i < c.segmentPages; i++ {
		offset := i * pages.PageSize
		c.free = append(c.free, pages.NewPageBuffer(segment[offset:offset+pages.PageSize], offset))
	}
	c.logger.Debug("memory cache segment allocated",
		zap.Int("segments", len(c.segments)),
		zap.Int("segmentPages", c.segmentPages))
}

// GetReadablePage returns the cached readable buffer at position, or loads
// one through factory. The returned buffer carries one reader reference the
// caller must Release.
func (c *MemoryCache) GetReadablePage(position int64, factory Factory) (*pages.PageBuffer, error) {
	c.mu.Lock()
	if buf, ok := c.readable[position]; ok {
		if buf.TryShare() {
			buf.Touch(c.tick.Add(1))
			c.mu.Unlock()
			c.hits.Add(1)
			return buf, nil
		}
		// Writable sentinel can never be indexed; a failed share means the
		// entry was concurrently reclaimed.
		delete(c.readable, position)
	}
	buf := c.getFreeBufferLocked()
	c.mu.Unlock()
	c.misses.Add(1)

	buf.SetPosition(position)
	if err := factory(position, buf); err != nil {
		buf.Reset()
		c.mu.Lock()
		c.free = append(c.free, buf)
		c.mu.Unlock()
		return nil, err
	}
	buf.Share()
	buf.Touch(c.tick.Add(1))

	c.mu.Lock()
	if existing, ok := c.readable[position]; ok && existing.TryShare() {
		// Lost the race: another reader inserted first. Hand back ours.
		existing.Touch(c.tick.Add(1))
		buf.Reset()
		c.free = append(c.free, buf)
		c.mu.Unlock()
		return existing, nil
	}
	c.readable[position] = buf
	c.mu.Unlock()
	return buf, nil
}

// GetWritablePage returns an exclusively owned copy of the page at position.
// If a readable buffer exists its bytes are snapshotted; otherwise factory
// loads them. The buffer is never indexed until MoveToReadable.
func (c *MemoryCache) GetWritablePage(position int64, factory Factory) (*pages.PageBuffer, error) {
	c.mu.Lock()
	buf := c.getFreeBufferLocked()
	source := c.readable[position]
	shared := source != nil && source.TryShare()
	c.mu.Unlock()

	if !buf.MakeWritable() {
		return nil, ErrNotWritable
	}
	buf.SetPosition(position)

	if shared {
		buf.CopyFrom(source)
		source.Release()
		c.hits.Add(1)
		return buf, nil
	}
	c.misses.Add(1)
	if err := factory(position, buf); err != nil {
		buf.Reset()
		c.mu.Lock()
		c.free = append(c.free, buf)
		c.mu.Unlock()
		return nil, err
	}
	return buf, nil
}

// NewPage returns a zeroed writable buffer with no position assigned.
func (c *MemoryCache) NewPage() *pages.PageBuffer {
	c.mu.Lock()
	buf := c.getFreeBufferLocked()
	c.mu.Unlock()
	buf.MakeWritable()
	buf.Clear()
	return buf
}

// MoveToReadable publishes a writable buffer into the readable index. The
// buffer must have a position assigned; on return the caller holds the
// single reader reference.
func (c *MemoryCache) MoveToReadable(buf *pages.PageBuffer) error {
	if !buf.IsWritable() {
		return ErrNotWritable
	}
	if buf.Position() == pages.PositionNotSet {
		return ErrPositionNotSet
	}
	if !buf.MakeReadable() {
		return ErrNotWritable
	}
	buf.Touch(c.tick.Add(1))

	c.mu.Lock()
	if existing, ok := c.readable[buf.Position()]; ok && existing != buf {
		// A stale version at this position can only be unreferenced (log
		// offsets are not reused while referenced); reclaim it.
		if existing.MakeWritable() {
			existing.Reset()
			c.free = append(c.free, existing)
		}
	}
	c.readable[buf.Position()] = buf
	c.mu.Unlock()
	return nil
}

// DiscardPage returns a writable buffer to the free pool without publishing.
func (c *MemoryCache) DiscardPage(buf *pages.PageBuffer) {
	buf.Reset()
	c.mu.Lock()
	c.free = append(c.free, buf)
	c.mu.Unlock()
}

// getFreeBufferLocked pops a free buffer, growing segments up to the ceiling
// and evicting unreferenced readable entries past it. Caller holds c.mu.
func (c *MemoryCache) getFreeBufferLocked() *pages.PageBuffer {
	for {
		if n := len(c.free); n > 0 {
			buf := c.free[n-1]
			c.free = c.free[:n-1]
			return buf
		}
		if len(c.segments) < c.maxSegments {
			c.addSegment()
			continue
		}
		if reclaimed := c.evictLocked(); reclaimed > 0 {
			continue
		}
		// Every buffer is referenced. Growing past the ceiling beats
		// deadlocking the caller.
		c.logger.Warn("memory cache over ceiling, adding segment",
			zap.Int("segments", len(c.segments)))
		c.addSegment()
	}
}

// evictLocked reclaims unreferenced readable buffers in timestamp order,
// up to one segment's worth. Caller holds c.mu.
func (c *MemoryCache) evictLocked() int {
	type candidate struct {
		position  int64
		buf       *pages.PageBuffer
		timestamp uint64
	}
	candidates := make([]candidate, 0, len(c.readable))
	for position, buf := range c.readable {
		if buf.ShareCounter() == 0 {
			candidates = append(candidates, candidate{position, buf, buf.Timestamp()})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].timestamp < candidates[j].timestamp
	})

	reclaimed := 0
	for _, cand := range candidates {
		if reclaimed >= c.segmentPages {
			break
		}
		// Claim via the writable CAS so a racing TryShare loses cleanly.
		if !cand.buf.MakeWritable() {
			continue
		}
		delete(c.readable, cand.position)
		cand.buf.Reset()
		c.free = append(c.free, cand.buf)
		reclaimed++
	}
	if reclaimed > 0 {
		c.evictions.Add(int64(reclaimed))
		c.logger.Debug("memory cache evicted pages", zap.Int("count", reclaimed))
	}
	return reclaimed
}

// Clear drops every unreferenced readable entry. Called after the log is
// reset so stale log-offset entries cannot shadow reused positions.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for position, buf := range c.readable {
		if buf.MakeWritable() {
			delete(c.readable, position)
			buf.Reset()
			c.free = append(c.free, buf)
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Segments:  len(c.segments),
		FreePages: len(c.free),
		UsedPages: len(c.readable),
	}
}
