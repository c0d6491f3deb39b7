package disk

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/cache"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/streams"
)

var (
	// ErrPasswordRequired is returned when opening an encrypted file without
	// a password.
	ErrPasswordRequired = errors.New("disk: file is encrypted, password required")
	// ErrNotEncrypted is returned when a password is supplied for a plain
	// file.
	ErrNotEncrypted = errors.New("disk: file is not encrypted")
)

// Settings configures the disk service.
type Settings struct {
	// Filename is the data file path; empty or ":memory:" selects an
	// in-memory database.
	Filename string
	// Password enables the encrypted stream wrappers.
	Password string
	// ReadOnly opens the file without write access.
	ReadOnly bool
	// InitialSize zero-fills the file up to this many bytes on creation.
	InitialSize int64
}

// DiskService owns the stream pool, the writer queue and the log position
// accounting over a single data file.
type DiskService struct {
	logger   *zap.Logger
	settings Settings

	cache *cache.MemoryCache
	pool  *streams.StreamPool
	queue *DiskWriterQueue

	logStart atomic.Int64
	logEnd   atomic.Int64

	isNew bool
}

// NewDiskService opens (or creates) the data file and wires the stream pool
// and writer queue. The header page itself is bootstrapped by the caller
// through WriteBytes when IsNew reports true.
func NewDiskService(settings Settings, pageCache *cache.MemoryCache, logger *zap.Logger) (*DiskService, error) {
	s := &DiskService{
		logger:   logger,
		settings: settings,
		cache:    pageCache,
	}

	writer, factory, isNew, err := buildStreams(settings)
	if err != nil {
		return nil, err
	}
	s.isNew = isNew
	s.pool = streams.NewStreamPool(writer, factory, logger)
	s.queue = NewDiskWriterQueue(writer, logger)

	if isNew && settings.InitialSize > pages.PageSize {
		if err := writer.SetLength(settings.InitialSize); err != nil {
			_ = s.pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// buildStreams constructs the single writer stream and the reader factory,
// detecting encryption on existing files.
func buildStreams(settings Settings) (streams.Stream, streams.Factory, bool, error) {
	memory := settings.Filename == "" || settings.Filename == ":memory:"

	if memory {
		shared := streams.NewMemoryStream()
		var mu sync.Mutex
		writer := streams.NewConcurrentStream(shared, &mu)
		factory := func() (streams.Stream, error) {
			return streams.NewConcurrentStream(shared, &mu), nil
		}
		return writer, factory, true, nil
	}

	base, err := streams.OpenFileStream(settings.Filename, settings.ReadOnly)
	if err != nil {
		return nil, nil, false, err
	}
	length, err := base.Length()
	if err != nil {
		_ = base.Close()
		return nil, nil, false, err
	}
	isNew := length == 0

	if !isNew {
		marker := make([]byte, 1)
		if _, err := base.Read(marker, 0); err != nil {
			_ = base.Close()
			return nil, nil, false, err
		}
		encrypted := marker[0] == byte(streams.EncryptionAesEcb) || marker[0] == byte(streams.EncryptionAesXts)
		if encrypted && settings.Password == "" {
			_ = base.Close()
			return nil, nil, false, ErrPasswordRequired
		}
		if !encrypted && settings.Password != "" {
			_ = base.Close()
			return nil, nil, false, ErrNotEncrypted
		}
	}

	if settings.Password == "" {
		factory := func() (streams.Stream, error) {
			return streams.OpenFileStream(settings.Filename, true)
		}
		return base, factory, isNew, nil
	}

	writer, err := streams.NewAesStream(settings.Password, base)
	if err != nil {
		_ = base.Close()
		return nil, nil, false, err
	}
	factory := func() (streams.Stream, error) {
		inner, err := streams.OpenFileStream(settings.Filename, true)
		if err != nil {
			return nil, err
		}
		return streams.NewAesStream(settings.Password, inner)
	}
	return writer, factory, isNew, nil
}

// IsNew reports whether the data file was created by this open.
func (s *DiskService) IsNew() bool { return s.isNew }

// Cache exposes the page buffer cache.
func (s *DiskService) Cache() *cache.MemoryCache { return s.cache }

// Queue exposes the writer queue for Wait and latched-error sampling.
func (s *DiskService) Queue() *DiskWriterQueue { return s.queue }

// Length returns the current stream length.
func (s *DiskService) Length() (int64, error) {
	return s.pool.Writer().Length()
}

// SetLogPosition initializes both log cursors after the header is read.
func (s *DiskService) SetLogPosition(position int64) {
	s.logStart.Store(position)
	s.logEnd.Store(position)
}

// SetLogEndPosition moves only the append cursor; used by log replay.
func (s *DiskService) SetLogEndPosition(position int64) {
	s.logEnd.Store(position)
}

// LogStartPosition returns the first byte of the log region.
func (s *DiskService) LogStartPosition() int64 { return s.logStart.Load() }

// LogEndPosition returns the current append cursor.
func (s *DiskService) LogEndPosition() int64 { return s.logEnd.Load() }

// LogLength returns the active log size in bytes.
func (s *DiskService) LogLength() int64 {
	return s.logEnd.Load() - s.logStart.Load()
}

// ResetLogPosition rewinds the log to a new start (the page after the data
// region), optionally cropping the file. Stale cache entries for old log
// offsets are dropped.
func (s *DiskService) ResetLogPosition(position int64, crop bool) error {
	s.logStart.Store(position)
	s.logEnd.Store(position)
	s.cache.Clear()
	if crop {
		if err := s.pool.Writer().SetLength(position); err != nil {
			return err
		}
	}
	return nil
}

// WriteLogPages assigns each buffer the next log offset, publishes it to the
// readable cache and enqueues it for the background writer. Returns the
// assigned log offsets in input order.
func (s *DiskService) WriteLogPages(bufs []*pages.PageBuffer) ([]int64, error) {
	if err := s.queue.Err(); err != nil {
		return nil, err
	}
	positions := make([]int64, 0, len(bufs))
	for _, buf := range bufs {
		position := s.logEnd.Add(pages.PageSize) - pages.PageSize
		buf.SetPosition(position)
		if err := s.cache.MoveToReadable(buf); err != nil {
			return positions, err
		}
		if err := s.queue.Enqueue(buf); err != nil {
			return positions, err
		}
		positions = append(positions, position)
	}
	s.queue.Run()
	return positions, nil
}

// WriteDataPages writes buffers synchronously at their home positions and
// flushes. Callers hold the exclusive database lock. Checkpoint and header
// bootstrap do not use it; they write through WriteBytes.
func (s *DiskService) WriteDataPages(bufs []*pages.PageBuffer) error {
	writer := s.pool.Writer()
	for _, buf := range bufs {
		if buf.Position() == pages.PositionNotSet {
			return cache.ErrPositionNotSet
		}
		if _, err := writer.Write(buf.Array, buf.Position()); err != nil {
			return err
		}
	}
	return writer.FlushToDisk()
}

// WriteBytes writes a raw page-sized span at a position through the writer
// stream without flushing.
func (s *DiskService) WriteBytes(data []byte, position int64) error {
	_, err := s.pool.Writer().Write(data, position)
	return err
}

// Flush issues the durability barrier on the writer stream.
func (s *DiskService) Flush() error {
	return s.pool.Writer().FlushToDisk()
}

// ReadDirect reads a page-sized span at a position into a fresh slice,
// bypassing the cache. Used by log replay and checkpoint.
func (s *DiskService) ReadDirect(position int64) ([]byte, error) {
	reader, err := s.pool.Rent()
	if err != nil {
		return nil, err
	}
	defer s.pool.Return(reader)

	data := make([]byte, pages.PageSize)
	n, err := reader.Read(data, position)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n < pages.PageSize && err == io.EOF {
		return nil, io.EOF
	}
	return data, nil
}

// NewReader rents a reader stream for the lifetime of one snapshot.
func (s *DiskService) NewReader() (*Reader, error) {
	stream, err := s.pool.Rent()
	if err != nil {
		return nil, err
	}
	return &Reader{service: s, stream: stream}, nil
}

// Close drains the queue and closes every stream.
func (s *DiskService) Close() error {
	_ = s.queue.Wait()
	return s.pool.Close()
}

// Reader is a snapshot-scoped page reader holding one rented stream.
type Reader struct {
	service *DiskService
	stream  streams.Stream
	closed  bool
}

// ReadPage materializes the page at a file position. With writable true the
// buffer is an exclusive copy; otherwise it is a shared readable buffer the
// caller must Release.
func (r *Reader) ReadPage(position int64, writable bool) (*pages.PageBuffer, error) {
	factory := func(position int64, buf *pages.PageBuffer) error {
		n, err := r.stream.Read(buf.Array, position)
		if err != nil && err != io.EOF {
			return fmt.Errorf("disk: read page at %d: %w", position, err)
		}
		if n < pages.PageSize {
			// Reading past the end yields a zero page; the page codec
			// rejects it if it is not meant to be empty.
			for i := n; i < pages.PageSize; i++ {
				buf.Array[i] = 0
			}
		}
		return nil
	}
	if writable {
		return r.service.cache.GetWritablePage(position, factory)
	}
	return r.service.cache.GetReadablePage(position, factory)
}

// NewPage returns a zeroed writable buffer for a page being created.
func (r *Reader) NewPage() *pages.PageBuffer {
	return r.service.cache.NewPage()
}

// Dispose returns the rented stream to the pool.
func (r *Reader) Dispose() {
	if r.closed {
		return
	}
	r.closed = true
	r.service.pool.Return(r.stream)
}
