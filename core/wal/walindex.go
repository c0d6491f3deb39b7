// Package wal implements the write-ahead log index: the in-memory map from
// (page, version) to log offset, the confirm protocol that publishes a
// committed transaction atomically, crash recovery over the log region, and
// the checkpoint that copies log pages to their home positions.
package wal

import (
	"context"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ProKn1fe/LiteDB/core/disk"
	"github.com/ProKn1fe/LiteDB/core/pages"
)

type versionEntry struct {
	version  uint32
	position int64
}

// WalIndex maps page versions to log offsets and owns the read-version
// counter sampled by snapshots.
type WalIndex struct {
	logger *zap.Logger
	disk   *disk.DiskService

	mu                 sync.RWMutex
	index              map[uint32][]versionEntry
	confirmed          map[uint32]struct{}
	currentReadVersion uint32

	// limiter throttles checkpoint page copies when configured.
	limiter *rate.Limiter

	checkpoints int64
}

// NewWalIndex creates an empty index over the disk service's log region.
func NewWalIndex(diskService *disk.DiskService, logger *zap.Logger) *WalIndex {
	return &WalIndex{
		logger:    logger,
		disk:      diskService,
		index:     make(map[uint32][]versionEntry),
		confirmed: make(map[uint32]struct{}),
	}
}

// SetRateLimit throttles checkpoint copies to bytesPerSec. Zero disables.
func (w *WalIndex) SetRateLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		w.limiter = nil
		return
	}
	w.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), pages.PageSize)
}

// CurrentReadVersion returns the version new snapshots read at.
func (w *WalIndex) CurrentReadVersion() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentReadVersion
}

// Checkpoints returns how many checkpoints have completed.
func (w *WalIndex) Checkpoints() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.checkpoints
}

// GetPageIndex resolves the newest log offset of a page visible at a read
// version. The boolean reports whether any visible version exists; callers
// fall back to the data file otherwise.
func (w *WalIndex) GetPageIndex(pageID, readVersion uint32) (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	entries := w.index[pageID]
	// Entries are appended in ascending version order; find the greatest
	// version <= readVersion.
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].version > readVersion
	})
	if i == 0 {
		return 0, false
	}
	return entries[i-1].position, true
}

// ConfirmTransaction atomically publishes a committed transaction's pages at
// the next version and advances the read version. Readers that sampled the
// version before this call keep the pre-commit view.
func (w *WalIndex) ConfirmTransaction(transactionID uint32, positions map[uint32]int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	version := w.currentReadVersion + 1
	for pageID, position := range positions {
		w.index[pageID] = append(w.index[pageID], versionEntry{version: version, position: position})
	}
	w.confirmed[transactionID] = struct{}{}
	w.currentReadVersion = version
}

// IsConfirmed reports whether a transaction has been published.
func (w *WalIndex) IsConfirmed(transactionID uint32) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.confirmed[transactionID]
	return ok
}

// Clear empties the index after a checkpoint.
func (w *WalIndex) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.index = make(map[uint32][]versionEntry)
	w.confirmed = make(map[uint32]struct{})
	w.currentReadVersion = 0
}

// RestoreIndex replays the log region after a crash: pages are grouped by
// transaction and registered only when a confirmed page of the same
// transaction appears later in the scan. The log end is truncated to the
// last confirmed page; unconfirmed tails are discarded.
func (w *WalIndex) RestoreIndex() error {
	start := w.disk.LogStartPosition()
	length, err := w.disk.Length()
	if err != nil {
		return err
	}

	type pendingPage struct {
		pageID   uint32
		position int64
	}
	pending := make(map[uint32][]pendingPage)
	lastConfirmedEnd := start
	replayed := 0

	for position := start; position+pages.PageSize <= length; position += pages.PageSize {
		data, err := w.disk.ReadDirect(position)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Torn tail: everything after the last confirmed page is
			// discarded.
			w.logger.Warn("log replay stopped at unreadable page",
				zap.Int64("position", position), zap.Error(err))
			break
		}
		pageID, transactionID, confirmed := pages.ReadPageStamp(data)
		if transactionID == 0 {
			continue
		}
		pending[transactionID] = append(pending[transactionID], pendingPage{pageID: pageID, position: position})
		if confirmed {
			positions := make(map[uint32]int64, len(pending[transactionID]))
			for _, p := range pending[transactionID] {
				positions[p.pageID] = p.position
			}
			w.ConfirmTransaction(transactionID, positions)
			replayed += len(positions)
			delete(pending, transactionID)
			lastConfirmedEnd = position + pages.PageSize
		}
	}

	w.disk.SetLogEndPosition(lastConfirmedEnd)
	if len(pending) > 0 || replayed > 0 {
		w.logger.Info("log replay complete",
			zap.Int("replayedPages", replayed),
			zap.Int("discardedTransactions", len(pending)),
			zap.Int64("logEnd", lastConfirmedEnd))
	}
	return nil
}

// Checkpoint copies every visible log page to its home position and resets
// the log. Callers hold the exclusive database lock and have drained the
// writer queue; newLogPosition is (LastPageID+1) * PageSize as of the
// current header.
func (w *WalIndex) Checkpoint(newLogPosition int64, crop bool) (int, error) {
	w.mu.Lock()
	readVersion := w.currentReadVersion
	type copyEntry struct {
		pageID   uint32
		position int64
	}
	entries := make([]copyEntry, 0, len(w.index))
	for pageID, versions := range w.index {
		i := sort.Search(len(versions), func(i int) bool {
			return versions[i].version > readVersion
		})
		if i > 0 {
			entries = append(entries, copyEntry{pageID: pageID, position: versions[i-1].position})
		}
	}
	w.mu.Unlock()

	// Read in log order so the read side stays sequential. All pages are
	// buffered before the first home write: a new page's home offset can
	// land inside the log region and would otherwise clobber an uncopied
	// log page.
	sort.Slice(entries, func(i, j int) bool { return entries[i].position < entries[j].position })

	buffered := make([][]byte, len(entries))
	for i, entry := range entries {
		data, err := w.disk.ReadDirect(entry.position)
		if err != nil {
			return 0, err
		}
		pages.ClearPageStampBytes(data)
		buffered[i] = data
	}
	for i, entry := range entries {
		if w.limiter != nil {
			_ = w.limiter.WaitN(context.Background(), pages.PageSize)
		}
		if err := w.disk.WriteBytes(buffered[i], int64(entry.pageID)*pages.PageSize); err != nil {
			return 0, err
		}
	}
	if err := w.disk.Flush(); err != nil {
		return 0, err
	}

	w.Clear()
	if err := w.disk.ResetLogPosition(newLogPosition, crop); err != nil {
		return len(entries), err
	}

	w.mu.Lock()
	w.checkpoints++
	w.mu.Unlock()

	w.logger.Info("checkpoint complete",
		zap.Int("pages", len(entries)),
		zap.Int64("logPosition", newLogPosition))
	return len(entries), nil
}
