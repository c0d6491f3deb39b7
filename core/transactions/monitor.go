package transactions

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/disk"
	"github.com/ProKn1fe/LiteDB/core/locks"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/wal"
)

// DefaultMaxTransactionSize is the materialized-page count that triggers a
// safepoint flush.
const DefaultMaxTransactionSize = 100_000

// TransactionService is the transaction monitor: it mints transaction IDs,
// tracks open transactions and runs the auto-checkpoint after commits.
type TransactionService struct {
	logger *zap.Logger

	header      *HeaderContainer
	disk        *disk.DiskService
	walIndex    *wal.WalIndex
	lockService *locks.LockService

	lastTransactionID atomic.Uint32

	mu           sync.Mutex
	transactions map[uint32]*Transaction

	maxTransactionSize int

	committed  atomic.Int64
	rolledBack atomic.Int64
}

// NewTransactionService wires the monitor over the shared engine services.
func NewTransactionService(
	header *HeaderContainer,
	diskService *disk.DiskService,
	walIndex *wal.WalIndex,
	lockService *locks.LockService,
	logger *zap.Logger,
) *TransactionService {
	return &TransactionService{
		logger:             logger,
		header:             header,
		disk:               diskService,
		walIndex:           walIndex,
		lockService:        lockService,
		transactions:       make(map[uint32]*Transaction),
		maxTransactionSize: DefaultMaxTransactionSize,
	}
}

// Begin opens a new transaction holding the shared database lock.
func (m *TransactionService) Begin() (*Transaction, error) {
	id := m.lastTransactionID.Add(1)
	transaction, err := newTransaction(id, m.header, m.disk, m.walIndex, m.lockService, m.maxTransactionSize, m.logger)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.transactions[id] = transaction
	m.mu.Unlock()
	return transaction, nil
}

// Release unregisters a finished transaction and records its outcome.
func (m *TransactionService) Release(t *Transaction) {
	m.mu.Lock()
	delete(m.transactions, t.ID())
	m.mu.Unlock()
	switch t.State() {
	case TxnStateCommitted:
		m.committed.Add(1)
	case TxnStateAborted:
		m.rolledBack.Add(1)
	}
}

// OpenTransactions returns the number of live transactions.
func (m *TransactionService) OpenTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

// Committed returns the total committed transaction count.
func (m *TransactionService) Committed() int64 { return m.committed.Load() }

// RolledBack returns the total rolled-back transaction count.
func (m *TransactionService) RolledBack() int64 { return m.rolledBack.Load() }

// TryCheckpoint runs a checkpoint when the log passed the pragma threshold
// and the exclusive lock is free right now. Called after commits; a busy
// engine simply defers to a later attempt.
func (m *TransactionService) TryCheckpoint(checkpointPages uint32) error {
	if checkpointPages == 0 {
		return nil
	}
	if m.disk.LogLength() < int64(checkpointPages)*pages.PageSize {
		return nil
	}
	if !m.lockService.TryEnterExclusive() {
		return nil
	}
	defer m.lockService.ExitExclusive()
	return m.checkpointLocked()
}

// Checkpoint blocks for the exclusive lock and copies the log home.
func (m *TransactionService) Checkpoint() error {
	if err := m.lockService.EnterExclusive(); err != nil {
		return err
	}
	defer m.lockService.ExitExclusive()
	return m.checkpointLocked()
}

func (m *TransactionService) checkpointLocked() error {
	if err := m.disk.Queue().Wait(); err != nil {
		return err
	}
	h := m.header.Lock()
	newLogPosition := (int64(h.LastPageID()) + 1) * pages.PageSize
	m.header.Unlock()

	_, err := m.walIndex.Checkpoint(newLogPosition, true)
	return err
}
