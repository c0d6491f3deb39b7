package streams

import (
	"sync"

	"go.uber.org/zap"
)

// Factory creates a new reader stream over the same data the writer sees.
type Factory func() (Stream, error)

// StreamPool owns exactly one writer stream and lends reader streams to
// concurrent readers, growing the reader set on demand.
type StreamPool struct {
	logger  *zap.Logger
	factory Factory

	writer Stream

	mu      sync.Mutex
	readers []Stream
	created int
	closed  bool
}

// NewStreamPool wires the single writer stream and the reader factory.
func NewStreamPool(writer Stream, factory Factory, logger *zap.Logger) *StreamPool {
	return &StreamPool{
		logger:  logger,
		factory: factory,
		writer:  writer,
	}
}

// Writer returns the pool's single writer stream.
func (p *StreamPool) Writer() Stream {
	return p.writer
}

// Rent borrows a reader stream, creating one when none is idle.
func (p *StreamPool) Rent() (Stream, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(p.readers); n > 0 {
		s := p.readers[n-1]
		p.readers = p.readers[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	p.created++
	created := p.created
	p.mu.Unlock()

	s, err := p.factory()
	if err != nil {
		return nil, err
	}
	p.logger.Debug("stream pool grew", zap.Int("readers", created))
	return s, nil
}

// Return gives a rented reader stream back to the pool.
func (p *StreamPool) Return(s Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = s.Close()
		return
	}
	p.readers = append(p.readers, s)
}

// Close closes the writer and every idle reader. Rented readers are closed
// as they are returned.
func (p *StreamPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, s := range p.readers {
		_ = s.Close()
	}
	p.readers = nil
	return p.writer.Close()
}
