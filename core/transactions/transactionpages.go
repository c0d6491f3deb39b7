// Package transactions implements the snapshot/transaction state machine:
// per-transaction local page maps, free-page and free-space maintenance, the
// commit/rollback protocol over the WAL, and the transaction monitor with
// auto-checkpoint.
package transactions

import (
	"sync"

	"github.com/ProKn1fe/LiteDB/core/pages"
)

// TransactionPages aggregates page bookkeeping shared by every snapshot of
// one transaction.
type TransactionPages struct {
	// DirtyPages maps pages already flushed to the log mid-transaction
	// (safepoint) to their log offsets.
	DirtyPages map[uint32]int64

	// NewPages lists pages allocated by this transaction, for rollback.
	NewPages []uint32

	// Deleted-page chain: pages emptied by this transaction, linked through
	// NextPageID, spliced onto the header free list at commit.
	FirstDeletedPageID uint32
	LastDeletedPageID  uint32
	DeletedPages       int
	lastDeletedPage    *pages.BasePage

	// TransactionSize counts pages materialized by the transaction; the
	// monitor forces a safepoint flush past its limit.
	TransactionSize int

	// onCommit carries header mutations (collection create/drop, pragma
	// changes) applied under the header mutex inside commit.
	onCommit []func(h *pages.HeaderPage) error

	headerChanged bool
}

// NewTransactionPages returns an empty aggregate.
func NewTransactionPages() *TransactionPages {
	return &TransactionPages{
		DirtyPages:         make(map[uint32]int64),
		FirstDeletedPageID: pages.EmptyPageID,
		LastDeletedPageID:  pages.EmptyPageID,
	}
}

// OnCommit schedules a header mutation for commit time.
func (t *TransactionPages) OnCommit(action func(h *pages.HeaderPage) error) {
	t.onCommit = append(t.onCommit, action)
	t.headerChanged = true
}

// MarkHeaderChanged flags that the header must be written with this commit
// (page allocation, deletions).
func (t *TransactionPages) MarkHeaderChanged() {
	t.headerChanged = true
}

// HeaderChanged reports whether the commit must include the header page.
func (t *TransactionPages) HeaderChanged() bool {
	return t.headerChanged || t.DeletedPages > 0 || len(t.NewPages) > 0
}

// AddDeletedPage links an emptied page onto the transaction's deleted chain.
func (t *TransactionPages) AddDeletedPage(page *pages.BasePage) {
	page.SetNextPageID(pages.EmptyPageID)
	if t.FirstDeletedPageID == pages.EmptyPageID {
		t.FirstDeletedPageID = page.ID()
	} else {
		// Chain head-to-tail so the splice keeps log order.
		t.lastDeletedPage.SetNextPageID(page.ID())
	}
	t.LastDeletedPageID = page.ID()
	t.lastDeletedPage = page
	t.DeletedPages++
}

// SpliceDeletedPages links the deleted chain onto the header free list.
// Called under the header mutex at commit.
func (t *TransactionPages) SpliceDeletedPages(h *pages.HeaderPage) {
	if t.DeletedPages == 0 {
		return
	}
	t.lastDeletedPage.SetNextPageID(h.FreeEmptyPageList())
	h.SetFreeEmptyPageList(t.FirstDeletedPageID)
}

// HeaderContainer is the single shared in-memory header page, guarded by a
// mutex: page allocation and commit serialize on it.
type HeaderContainer struct {
	mu   sync.Mutex
	page *pages.HeaderPage
}

// NewHeaderContainer wraps the loaded header page.
func NewHeaderContainer(page *pages.HeaderPage) *HeaderContainer {
	return &HeaderContainer{page: page}
}

// Lock takes the header mutex and returns the page.
func (h *HeaderContainer) Lock() *pages.HeaderPage {
	h.mu.Lock()
	return h.page
}

// Unlock releases the header mutex.
func (h *HeaderContainer) Unlock() {
	h.mu.Unlock()
}

// Borrow reads the page without locking; safe only for fields the caller
// knows are stable (pragmas snapshot at engine open).
func (h *HeaderContainer) Borrow() *pages.HeaderPage {
	return h.page
}

// Replace swaps the header page after a rebuild.
func (h *HeaderContainer) Replace(page *pages.HeaderPage) {
	h.mu.Lock()
	h.page = page
	h.mu.Unlock()
}
