package transactions

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/disk"
	"github.com/ProKn1fe/LiteDB/core/locks"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/wal"
)

// TransactionState tracks the lifecycle of a transaction.
type TransactionState int

const (
	TxnStateActive TransactionState = iota
	TxnStateCommitted
	TxnStateAborted
)

// ErrTransactionClosed is returned for operations on a finished transaction.
var ErrTransactionClosed = errors.New("transactions: transaction is not active")

// Transaction owns one snapshot per touched collection plus the shared page
// bookkeeping, and drives the commit/rollback protocol.
type Transaction struct {
	logger *zap.Logger

	id    uint32
	state TransactionState

	header      *HeaderContainer
	disk        *disk.DiskService
	walIndex    *wal.WalIndex
	lockService *locks.LockService

	transPages *TransactionPages
	snapshots  map[string]*Snapshot

	maxTransactionSize int
	dbLocked           bool
}

func newTransaction(
	id uint32,
	header *HeaderContainer,
	diskService *disk.DiskService,
	walIndex *wal.WalIndex,
	lockService *locks.LockService,
	maxTransactionSize int,
	logger *zap.Logger,
) (*Transaction, error) {
	if err := lockService.EnterTransaction(); err != nil {
		return nil, err
	}
	return &Transaction{
		logger:             logger,
		id:                 id,
		header:             header,
		disk:               diskService,
		walIndex:           walIndex,
		lockService:        lockService,
		transPages:         NewTransactionPages(),
		snapshots:          make(map[string]*Snapshot),
		maxTransactionSize: maxTransactionSize,
		dbLocked:           true,
	}, nil
}

// ID returns the transaction identifier stamped into log pages.
func (t *Transaction) ID() uint32 { return t.id }

// State returns the lifecycle state.
func (t *Transaction) State() TransactionState { return t.state }

// Pages exposes the shared page bookkeeping.
func (t *Transaction) Pages() *TransactionPages { return t.transPages }

// CreateSnapshot opens (or reuses) the snapshot for one collection. A write
// request over an existing read snapshot recreates it with the collection
// lock held.
func (t *Transaction) CreateSnapshot(mode SnapshotMode, collection string, addIfNotExists bool) (*Snapshot, error) {
	if t.state != TxnStateActive {
		return nil, ErrTransactionClosed
	}
	if existing, ok := t.snapshots[collection]; ok {
		if mode == SnapshotRead || existing.Mode() == SnapshotWrite {
			return existing, nil
		}
		existing.Dispose()
		delete(t.snapshots, collection)
	}
	snapshot, err := NewSnapshot(mode, collection, t.id, t.header, t.disk, t.walIndex, t.lockService, t.transPages, addIfNotExists, t.logger)
	if err != nil {
		return nil, err
	}
	t.snapshots[collection] = snapshot
	return snapshot, nil
}

// Safepoint flushes the transaction's dirty pages to the log (unconfirmed)
// once the materialized page count passes the limit, releasing cache
// pressure for huge transactions.
func (t *Transaction) Safepoint() error {
	if t.state != TxnStateActive || t.transPages.TransactionSize < t.maxTransactionSize {
		return nil
	}
	t.logger.Debug("transaction safepoint",
		zap.Uint32("transactionID", t.id),
		zap.Int("pages", t.transPages.TransactionSize))

	var batch []*pages.PageBuffer
	var pageIDs []uint32
	for _, snapshot := range t.snapshots {
		for _, page := range snapshot.collectDirtyPages() {
			base := page.Base()
			base.SetTransactionStamp(t.id, false)
			batch = append(batch, page.UpdateBuffer())
			pageIDs = append(pageIDs, base.ID())
		}
	}
	positions, err := t.disk.WriteLogPages(batch)
	if err != nil {
		return err
	}
	for i, pageID := range pageIDs {
		t.transPages.DirtyPages[pageID] = positions[i]
	}

	for _, snapshot := range t.snapshots {
		snapshot.clearLocalPages()
		if err := snapshot.reloadCollectionPage(); err != nil {
			return err
		}
	}
	t.transPages.TransactionSize = 0
	return nil
}

// Commit publishes the transaction: dirty pages are stamped and appended to
// the log, the confirm page is made durable, and only then does the WAL
// index expose the new version.
func (t *Transaction) Commit() error {
	if t.state != TxnStateActive {
		return ErrTransactionClosed
	}

	h := t.header.Lock()
	savepoint := h.Savepoint()
	err := t.commitLocked(h)
	if err != nil {
		if restoreErr := h.Restore(savepoint); restoreErr != nil {
			t.logger.Error("header restore failed after commit error", zap.Error(restoreErr))
		}
		t.header.Unlock()
		t.state = TxnStateAborted
		t.dispose()
		return err
	}
	t.header.Unlock()

	t.state = TxnStateCommitted
	t.dispose()
	return nil
}

func (t *Transaction) commitLocked(h *pages.HeaderPage) error {
	t.transPages.SpliceDeletedPages(h)
	for _, action := range t.transPages.onCommit {
		if err := action(h); err != nil {
			return err
		}
	}

	var dirty []pages.Page
	for _, snapshot := range t.snapshots {
		dirty = append(dirty, snapshot.collectDirtyPages()...)
	}

	headerChanged := t.transPages.HeaderChanged() || h.IsDirty()
	if len(dirty) == 0 && !headerChanged {
		return nil
	}

	batch := make([]*pages.PageBuffer, 0, len(dirty)+1)
	pageIDs := make([]uint32, 0, len(dirty)+1)
	for i, page := range dirty {
		base := page.Base()
		confirmed := !headerChanged && i == len(dirty)-1
		base.SetTransactionStamp(t.id, confirmed)
		batch = append(batch, page.UpdateBuffer())
		pageIDs = append(pageIDs, base.ID())
	}

	if headerChanged {
		batch = append(batch, t.headerLogCopy(h, true))
		pageIDs = append(pageIDs, 0)
	}

	positions, err := t.disk.WriteLogPages(batch)
	if err != nil {
		return err
	}
	if err := t.disk.Queue().Wait(); err != nil {
		return err
	}

	walPositions := make(map[uint32]int64, len(pageIDs))
	for i, pageID := range pageIDs {
		walPositions[pageID] = positions[i]
	}
	t.walIndex.ConfirmTransaction(t.id, walPositions)

	t.logger.Debug("transaction committed",
		zap.Uint32("transactionID", t.id),
		zap.Int("pages", len(batch)))
	return nil
}

// headerLogCopy snapshots the shared header into a cache buffer stamped for
// this transaction, ready for the log. The in-memory header keeps a clear
// stamp.
func (t *Transaction) headerLogCopy(h *pages.HeaderPage, confirmed bool) *pages.PageBuffer {
	h.SetTransactionStamp(t.id, confirmed)
	h.UpdateBuffer()
	buf := t.disk.Cache().NewPage()
	copy(buf.Array, h.Buffer().Array)
	h.ClearTransactionStamp()
	h.MarshalHeader()
	h.SetDirty(false)
	return buf
}

// Rollback abandons the transaction. Newly allocated pages are returned to
// the free list through a confirmed mini-commit; everything else is simply
// discarded, since unconfirmed log pages are invisible and dropped at the
// next recovery.
func (t *Transaction) Rollback() error {
	if t.state != TxnStateActive {
		return ErrTransactionClosed
	}
	var err error
	if len(t.transPages.NewPages) > 0 {
		err = t.returnNewPages()
	}
	t.state = TxnStateAborted
	t.dispose()
	return err
}

// returnNewPages writes the transaction's allocated pages back as empty
// pages chained onto the free list, so rollback does not leak file space.
func (t *Transaction) returnNewPages() error {
	h := t.header.Lock()
	defer t.header.Unlock()

	savepoint := h.Savepoint()
	newPages := t.transPages.NewPages

	batch := make([]*pages.PageBuffer, 0, len(newPages)+1)
	pageIDs := make([]uint32, 0, len(newPages)+1)
	for i, pageID := range newPages {
		buf := t.disk.Cache().NewPage()
		base := pages.NewBasePage(buf, pageID, pages.PageTypeEmpty)
		if i+1 < len(newPages) {
			base.SetNextPageID(newPages[i+1])
		} else {
			base.SetNextPageID(h.FreeEmptyPageList())
		}
		base.SetTransactionStamp(t.id, false)
		base.UpdateBuffer()
		batch = append(batch, buf)
		pageIDs = append(pageIDs, pageID)
	}
	h.SetFreeEmptyPageList(newPages[0])

	batch = append(batch, t.headerLogCopy(h, true))
	pageIDs = append(pageIDs, 0)

	positions, err := t.disk.WriteLogPages(batch)
	if err == nil {
		err = t.disk.Queue().Wait()
	}
	if err != nil {
		if restoreErr := h.Restore(savepoint); restoreErr != nil {
			t.logger.Error("header restore failed after rollback error", zap.Error(restoreErr))
		}
		return err
	}

	walPositions := make(map[uint32]int64, len(pageIDs))
	for i, pageID := range pageIDs {
		walPositions[pageID] = positions[i]
	}
	t.walIndex.ConfirmTransaction(t.id, walPositions)
	return nil
}

func (t *Transaction) dispose() {
	for _, snapshot := range t.snapshots {
		snapshot.Dispose()
	}
	t.snapshots = make(map[string]*Snapshot)
	if t.dbLocked {
		t.lockService.ExitTransaction()
		t.dbLocked = false
	}
}
