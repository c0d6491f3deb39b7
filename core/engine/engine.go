// Package engine is the public facade of the storage engine: it composes
// the cache, disk service, WAL index, lock service and transaction monitor
// over a single data file and exposes collection and document operations.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/bson"
	"github.com/ProKn1fe/LiteDB/core/cache"
	"github.com/ProKn1fe/LiteDB/core/disk"
	"github.com/ProKn1fe/LiteDB/core/locks"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/transactions"
	"github.com/ProKn1fe/LiteDB/core/wal"
	"github.com/ProKn1fe/LiteDB/pkg/telemetry"
)

// Engine is a single open database instance. All methods are safe for
// concurrent use; a single writer is serialized per collection by the lock
// service.
type Engine struct {
	logger     *zap.Logger
	instanceID uuid.UUID
	options    Options

	cache       *cache.MemoryCache
	disk        *disk.DiskService
	walIndex    *wal.WalIndex
	lockService *locks.LockService
	header      *transactions.HeaderContainer
	monitor     *transactions.TransactionService
	collation   *bson.Collation

	metrics           *engineMetrics
	tracer            trace.Tracer
	telemetryShutdown telemetry.ShutdownFunc

	closed atomic.Bool
}

// Open creates or opens a database per the options and recovers the log.
func Open(options Options) (*Engine, error) {
	options.applyDefaults()

	log, err := options.buildLogger()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		instanceID: uuid.New(),
		options:    options,
	}
	e.logger = log.With(zap.String("engine", e.instanceID.String()))

	tel, telShutdown, err := telemetry.New(options.Telemetry)
	if err != nil {
		return nil, err
	}
	e.tracer = tel.Tracer
	e.telemetryShutdown = telShutdown

	if err := e.openServices(); err != nil {
		_ = telShutdown(context.Background())
		return nil, err
	}

	if e.metrics, err = newEngineMetrics(tel.Meter, e); err != nil {
		e.logger.Warn("metrics registration failed", zap.Error(err))
	}

	e.logger.Info("database open",
		zap.String("filename", options.Filename),
		zap.Bool("new", e.disk.IsNew()),
		zap.Uint32("lastPageID", e.header.Borrow().LastPageID()))
	return e, nil
}

// openServices builds the cache/disk/WAL/lock/transaction stack. Also used
// by Rebuild to reopen over a swapped data file.
func (e *Engine) openServices() error {
	e.cache = cache.NewMemoryCache(e.options.CacheSegmentPages, e.options.MaxCacheSegments, e.logger)

	diskService, err := disk.NewDiskService(disk.Settings{
		Filename:    e.options.Filename,
		Password:    e.options.Password,
		ReadOnly:    e.options.ReadOnly,
		InitialSize: e.options.InitialSize,
	}, e.cache, e.logger)
	if err != nil {
		return err
	}
	e.disk = diskService

	headerPage, err := e.bootstrapHeader()
	if err != nil {
		_ = diskService.Close()
		return err
	}
	e.header = transactions.NewHeaderContainer(headerPage)

	pragmas := headerPage.Pragmas()
	if e.collation, err = bson.ParseCollation(pragmas.Collation); err != nil {
		_ = diskService.Close()
		return err
	}

	timeout := time.Duration(pragmas.Timeout) * time.Second
	if e.options.Timeout > 0 {
		timeout = e.options.Timeout
	}
	if e.lockService == nil {
		// Rebuild reopens services while holding the existing lock service
		// exclusively; waiters must resume on the same locks.
		e.lockService = locks.NewLockService(timeout, e.logger)
	} else {
		e.lockService.SetTimeout(timeout)
	}

	e.disk.SetLogPosition((int64(headerPage.LastPageID()) + 1) * pages.PageSize)

	e.walIndex = wal.NewWalIndex(e.disk, e.logger)
	e.walIndex.SetRateLimit(e.options.CheckpointBytesPerSec)
	if err := e.walIndex.RestoreIndex(); err != nil {
		_ = diskService.Close()
		return err
	}

	// The log may carry a newer header than the data file; re-read it
	// through the WAL so the free list and catalog are current.
	if err := e.refreshHeaderFromWal(); err != nil {
		_ = diskService.Close()
		return err
	}

	e.monitor = transactions.NewTransactionService(e.header, e.disk, e.walIndex, e.lockService, e.logger)
	return nil
}

// bootstrapHeader creates page 0 on a new file or loads and validates it on
// an existing one. The header lives in its own standalone buffer for the
// lifetime of the engine.
func (e *Engine) bootstrapHeader() (*pages.HeaderPage, error) {
	buffer := pages.NewPageBuffer(make([]byte, pages.PageSize), 0)
	buffer.SetPosition(0)

	if e.disk.IsNew() {
		headerPage := pages.NewHeaderPage(buffer)
		headerPage.SetCollation(e.options.Collation)
		if e.options.LimitSize > 0 {
			if err := headerPage.SetPragma(pages.PragmaLimitSize, bson.Int64(e.options.LimitSize)); err != nil {
				return nil, err
			}
		}
		headerPage.UpdateBuffer()
		headerPage.SetDirty(false)
		if err := e.disk.WriteBytes(buffer.Array, 0); err != nil {
			return nil, err
		}
		if err := e.disk.Flush(); err != nil {
			return nil, err
		}
		return headerPage, nil
	}

	data, err := e.disk.ReadDirect(0)
	if err != nil {
		return nil, err
	}
	copy(buffer.Array, data)
	headerPage, err := pages.LoadHeaderPage(buffer)
	if err != nil {
		if e.options.Password != "" {
			// An unreadable signature under a supplied password means the
			// key is wrong, not that the file is damaged.
			return nil, fmt.Errorf("%w: %v", ErrWrongPassword, err)
		}
		return nil, err
	}
	headerPage.SetDirty(false)
	return headerPage, nil
}

// refreshHeaderFromWal replaces the in-memory header with the newest
// committed version found in the log, if any.
func (e *Engine) refreshHeaderFromWal() error {
	position, ok := e.walIndex.GetPageIndex(0, e.walIndex.CurrentReadVersion())
	if !ok {
		return nil
	}
	data, err := e.disk.ReadDirect(position)
	if err != nil {
		return err
	}
	pages.ClearPageStampBytes(data)

	buffer := pages.NewPageBuffer(make([]byte, pages.PageSize), 0)
	buffer.SetPosition(0)
	copy(buffer.Array, data)
	headerPage, err := pages.LoadHeaderPage(buffer)
	if err != nil {
		return err
	}
	headerPage.SetDirty(false)
	e.header.Replace(headerPage)
	return nil
}

// Close flushes and checkpoints the database, then releases every resource.
// A latched disk error skips the checkpoint and closes read-only.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if err := e.disk.Queue().Wait(); err != nil {
		firstErr = err
	} else if !e.options.ReadOnly {
		if err := e.monitor.Checkpoint(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := e.disk.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.metrics.unregister()
	if e.telemetryShutdown != nil {
		_ = e.telemetryShutdown(context.Background())
	}
	_ = e.logger.Sync()

	e.logger.Info("database closed")
	return firstErr
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrDatabaseClosed
	}
	return e.disk.Queue().Err()
}

func (e *Engine) checkWritable() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if e.options.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// Checkpoint copies all committed log pages to their home positions and
// truncates the log, under the exclusive database lock.
func (e *Engine) Checkpoint() error {
	ctx, span := e.tracer.Start(context.Background(), "Checkpoint")
	defer span.End()

	if err := e.checkWritable(); err != nil {
		span.RecordError(err)
		return err
	}
	if err := e.monitor.Checkpoint(); err != nil {
		span.RecordError(err)
		return err
	}
	if e.metrics != nil {
		e.metrics.checkpoints.Add(ctx, 1)
	}
	return nil
}

// startSpan opens an operation span carrying the target collection.
func (e *Engine) startSpan(name, collection string) (context.Context, trace.Span) {
	return e.tracer.Start(context.Background(), name,
		trace.WithAttributes(attribute.String("collection", collection)))
}

// Pragma reads a persisted pragma value.
func (e *Engine) Pragma(name string) (bson.Value, error) {
	if err := e.checkOpen(); err != nil {
		return bson.Value{}, err
	}
	h := e.header.Lock()
	defer e.header.Unlock()
	return h.Pragma(name)
}

// SetPragma updates a pragma through a committed header write.
func (e *Engine) SetPragma(name string, value bson.Value) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	transaction, err := e.monitor.Begin()
	if err != nil {
		return err
	}
	defer e.monitor.Release(transaction)

	transaction.Pages().OnCommit(func(h *pages.HeaderPage) error {
		return h.SetPragma(name, value)
	})
	if err := transaction.Commit(); err != nil {
		return err
	}

	if name == pages.PragmaTimeout {
		e.lockService.SetTimeout(time.Duration(value.AsInt32()) * time.Second)
	}
	return nil
}

// Collation returns the database collation.
func (e *Engine) Collation() *bson.Collation { return e.collation }

// LogLength returns the active log size in bytes.
func (e *Engine) LogLength() int64 { return e.disk.LogLength() }

// checkpointPragma samples the CHECKPOINT pragma for the auto-checkpoint.
func (e *Engine) checkpointPragma() uint32 {
	h := e.header.Lock()
	defer e.header.Unlock()
	return h.Pragmas().Checkpoint
}

// afterCommit runs bookkeeping shared by every mutating operation.
func (e *Engine) afterCommit() {
	if e.metrics != nil {
		e.metrics.commits.Add(context.Background(), 1)
	}
	if err := e.monitor.TryCheckpoint(e.checkpointPragma()); err != nil {
		e.logger.Warn("auto checkpoint failed", zap.Error(err))
	}
}
