package transactions

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/disk"
	"github.com/ProKn1fe/LiteDB/core/locks"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/wal"
)

// SnapshotMode selects reader or writer behavior for one snapshot.
type SnapshotMode int

const (
	SnapshotRead SnapshotMode = iota
	SnapshotWrite
)

var (
	// ErrSizeExceeded is returned when extending the file would pass the
	// LIMIT_SIZE pragma.
	ErrSizeExceeded = errors.New("transactions: data file size limit exceeded")
	// ErrReadOnlySnapshot is returned for mutations through a read snapshot.
	ErrReadOnlySnapshot = errors.New("transactions: snapshot is read-only")
	// ErrCollectionNotFound is returned when the snapshot's collection does
	// not exist and creation was not requested.
	ErrCollectionNotFound = errors.New("transactions: collection not found")
)

// Snapshot is a transactional view of one collection at a fixed read
// version. Write snapshots hold the collection lock and materialize pages as
// exclusive writable copies; read snapshots share cached buffers.
type Snapshot struct {
	logger *zap.Logger

	mode           SnapshotMode
	collectionName string
	transactionID  uint32
	readVersion    uint32

	header      *HeaderContainer
	disk        *disk.DiskService
	walIndex    *wal.WalIndex
	lockService *locks.LockService
	reader      *disk.Reader
	transPages  *TransactionPages

	localPages       map[uint32]pages.Page
	collectionPage   *pages.CollectionPage
	collectionPageID uint32

	collectionLocked bool
	disposed         bool
}

// NewSnapshot opens a snapshot over one collection. Write mode takes the
// collection lock first; addIfNotExists creates the collection page (the
// caller wires the PK head/tail nodes afterwards).
func NewSnapshot(
	mode SnapshotMode,
	collectionName string,
	transactionID uint32,
	header *HeaderContainer,
	diskService *disk.DiskService,
	walIndex *wal.WalIndex,
	lockService *locks.LockService,
	transPages *TransactionPages,
	addIfNotExists bool,
	logger *zap.Logger,
) (*Snapshot, error) {
	s := &Snapshot{
		logger:         logger,
		mode:           mode,
		collectionName: collectionName,
		transactionID:  transactionID,
		header:         header,
		disk:           diskService,
		walIndex:       walIndex,
		lockService:    lockService,
		transPages:       transPages,
		localPages:       make(map[uint32]pages.Page),
		collectionPageID: pages.EmptyPageID,
	}

	if mode == SnapshotWrite {
		if err := lockService.EnterLock(collectionName); err != nil {
			return nil, err
		}
		s.collectionLocked = true
	}

	s.readVersion = walIndex.CurrentReadVersion()

	reader, err := diskService.NewReader()
	if err != nil {
		s.unlock()
		return nil, err
	}
	s.reader = reader

	h := header.Lock()
	pageID, found := h.GetCollectionPageID(collectionName)
	header.Unlock()

	switch {
	case found:
		if err := s.loadCollectionPage(pageID); err != nil {
			s.Dispose()
			return nil, err
		}
	case addIfNotExists && mode == SnapshotWrite:
		if err := s.createCollectionPage(); err != nil {
			s.Dispose()
			return nil, err
		}
	}
	return s, nil
}

func (s *Snapshot) unlock() {
	if s.collectionLocked {
		s.lockService.ExitLock(s.collectionName)
		s.collectionLocked = false
	}
}

// Mode returns the snapshot mode.
func (s *Snapshot) Mode() SnapshotMode { return s.mode }

// CollectionName returns the snapshot's collection.
func (s *Snapshot) CollectionName() string { return s.collectionName }

// ReadVersion returns the WAL version sampled at creation.
func (s *Snapshot) ReadVersion() uint32 { return s.readVersion }

// CollectionPage returns the materialized collection page, or nil when the
// collection does not exist.
func (s *Snapshot) CollectionPage() *pages.CollectionPage { return s.collectionPage }

func (s *Snapshot) loadCollectionPage(pageID uint32) error {
	buf, err := s.materialize(pageID)
	if err != nil {
		return err
	}
	page, err := pages.LoadCollectionPage(buf)
	if err != nil {
		s.returnBuffer(buf)
		return err
	}
	s.localPages[pageID] = page
	s.collectionPage = page
	s.collectionPageID = pageID
	s.transPages.TransactionSize++
	return nil
}

func (s *Snapshot) createCollectionPage() error {
	pageID, buf, err := s.allocPage()
	if err != nil {
		return err
	}
	page := pages.NewCollectionPage(buf, pageID)
	s.localPages[pageID] = page
	s.collectionPage = page
	s.collectionPageID = pageID

	name := s.collectionName
	s.transPages.OnCommit(func(h *pages.HeaderPage) error {
		return h.InsertCollection(name, pageID)
	})
	return nil
}

// materialize resolves a page's bytes following the read order: local cache,
// transaction dirty positions, WAL index at the read version, then the data
// file home offset. Write snapshots get exclusive copies.
func (s *Snapshot) materialize(pageID uint32) (*pages.PageBuffer, error) {
	writable := s.mode == SnapshotWrite

	if position, ok := s.transPages.DirtyPages[pageID]; ok {
		return s.reader.ReadPage(position, writable)
	}
	if position, ok := s.walIndex.GetPageIndex(pageID, s.readVersion); ok {
		buf, err := s.reader.ReadPage(position, writable)
		if err != nil {
			return nil, err
		}
		// Pages re-read through the log still carry the writer's stamp;
		// readers must never observe it.
		pages.ClearPageStampBytes(buf.Array)
		return buf, nil
	}
	return s.reader.ReadPage(int64(pageID)*pages.PageSize, writable)
}

// returnBuffer hands a buffer back according to its state.
func (s *Snapshot) returnBuffer(buf *pages.PageBuffer) {
	if buf.IsWritable() {
		s.disk.Cache().DiscardPage(buf)
	} else {
		buf.Release()
	}
}

// GetDataPage materializes a data page into the snapshot.
func (s *Snapshot) GetDataPage(pageID uint32) (*pages.DataPage, error) {
	if cached, ok := s.localPages[pageID]; ok {
		page, ok := cached.(*pages.DataPage)
		if !ok {
			return nil, fmt.Errorf("%w: page %d cached as %v", pages.ErrInvalidPageType, pageID, cached.Base().Type())
		}
		return page, nil
	}
	buf, err := s.materialize(pageID)
	if err != nil {
		return nil, err
	}
	page, err := pages.LoadDataPage(buf)
	if err != nil {
		s.returnBuffer(buf)
		return nil, err
	}
	s.localPages[pageID] = page
	s.transPages.TransactionSize++
	return page, nil
}

// GetIndexPage materializes an index page into the snapshot.
func (s *Snapshot) GetIndexPage(pageID uint32) (*pages.IndexPage, error) {
	if cached, ok := s.localPages[pageID]; ok {
		page, ok := cached.(*pages.IndexPage)
		if !ok {
			return nil, fmt.Errorf("%w: page %d cached as %v", pages.ErrInvalidPageType, pageID, cached.Base().Type())
		}
		return page, nil
	}
	buf, err := s.materialize(pageID)
	if err != nil {
		return nil, err
	}
	page, err := pages.LoadIndexPage(buf)
	if err != nil {
		s.returnBuffer(buf)
		return nil, err
	}
	s.localPages[pageID] = page
	s.transPages.TransactionSize++
	return page, nil
}

// GetIndexNode resolves a node address through the snapshot's page cache.
func (s *Snapshot) GetIndexNode(addr pages.PageAddress) (*pages.IndexNode, error) {
	page, err := s.GetIndexPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	return page.GetNode(addr.Index)
}

// allocPage produces a fresh writable page buffer: either the head of the
// global free list or an extension of the file. Header access is serialized
// by the container mutex.
func (s *Snapshot) allocPage() (uint32, *pages.PageBuffer, error) {
	if s.mode != SnapshotWrite {
		return 0, nil, ErrReadOnlySnapshot
	}

	h := s.header.Lock()
	defer s.header.Unlock()

	if free := h.FreeEmptyPageList(); free != pages.EmptyPageID {
		buf, err := s.materialize(free)
		if err != nil {
			return 0, nil, err
		}
		base, err := pages.LoadBasePage(buf)
		if err != nil {
			s.returnBuffer(buf)
			return 0, nil, err
		}
		h.SetFreeEmptyPageList(base.NextPageID())
		delete(s.localPages, free)
		buf.Clear()

		s.transPages.NewPages = append(s.transPages.NewPages, free)
		s.transPages.MarkHeaderChanged()
		s.transPages.TransactionSize++
		return free, buf, nil
	}

	last := h.LastPageID()
	next := last + 1
	if limit := h.Pragmas().LimitSize; limit > 0 && (int64(next)+1)*pages.PageSize > limit {
		return 0, nil, fmt.Errorf("%w: limit %d bytes", ErrSizeExceeded, limit)
	}
	h.SetLastPageID(next)

	buf := s.reader.NewPage()
	s.transPages.NewPages = append(s.transPages.NewPages, next)
	s.transPages.MarkHeaderChanged()
	s.transPages.TransactionSize++
	return next, buf, nil
}

// NewDataPage allocates a data page for the snapshot's collection.
func (s *Snapshot) NewDataPage() (*pages.DataPage, error) {
	pageID, buf, err := s.allocPage()
	if err != nil {
		return nil, err
	}
	page := pages.NewDataPage(buf, pageID, s.collectionPage.ID())
	s.localPages[pageID] = page
	return page, nil
}

// NewIndexPage allocates an index page for the snapshot's collection.
func (s *Snapshot) NewIndexPage() (*pages.IndexPage, error) {
	pageID, buf, err := s.allocPage()
	if err != nil {
		return nil, err
	}
	page := pages.NewIndexPage(buf, pageID, s.collectionPage.ID())
	s.localPages[pageID] = page
	return page, nil
}

// DeletePage empties a materialized page and chains it onto the
// transaction's deleted list. The caller removes it from any free list
// first.
func (s *Snapshot) DeletePage(pageID uint32) error {
	cached, ok := s.localPages[pageID]
	if !ok {
		return fmt.Errorf("transactions: page %d not materialized for delete", pageID)
	}
	base := cached.Base()
	base.MarkEmpty()
	// Re-cache as a plain base page; the typed view is gone.
	s.localPages[pageID] = base
	s.transPages.AddDeletedPage(base)
	s.transPages.MarkHeaderChanged()
	return nil
}

// GetFreeDataPage returns a data page guaranteed to fit length bytes,
// preferring free-list pages over extending the file.
func (s *Snapshot) GetFreeDataPage(length int) (*pages.DataPage, error) {
	startSlot := pages.MinimumSlotFor(length)
	for slot := startSlot; slot >= 0; slot-- {
		head := s.collectionPage.FreeDataPageList(byte(slot))
		if head == pages.EmptyPageID {
			continue
		}
		return s.GetDataPage(head)
	}
	page, err := s.NewDataPage()
	if err != nil {
		return nil, err
	}
	return page, nil
}

// AddOrRemoveFreeDataList reconciles a data page's free-list membership
// after its free byte count changed. Pages that became empty are deleted.
func (s *Snapshot) AddOrRemoveFreeDataList(page *pages.DataPage) error {
	currentSlot := page.PageListSlot()

	if page.ItemsCount() == 0 {
		if currentSlot != pages.EmptySlot {
			if err := s.removeFreeDataList(page, currentSlot); err != nil {
				return err
			}
		}
		return s.DeletePage(page.ID())
	}

	newSlot := pages.FreeSlotFor(page.FreeBytes())
	if currentSlot == newSlot {
		return nil
	}
	if currentSlot != pages.EmptySlot {
		if err := s.removeFreeDataList(page, currentSlot); err != nil {
			return err
		}
	}
	return s.addFreeDataList(page, newSlot)
}

func (s *Snapshot) addFreeDataList(page *pages.DataPage, slot byte) error {
	head := s.collectionPage.FreeDataPageList(slot)
	if head != pages.EmptyPageID {
		headPage, err := s.GetDataPage(head)
		if err != nil {
			return err
		}
		headPage.SetPrevPageID(page.ID())
	}
	page.SetPrevPageID(pages.EmptyPageID)
	page.SetNextPageID(head)
	page.SetPageListSlot(slot)
	s.collectionPage.SetFreeDataPageList(slot, page.ID())
	return nil
}

func (s *Snapshot) removeFreeDataList(page *pages.DataPage, slot byte) error {
	prev, next := page.PrevPageID(), page.NextPageID()
	if prev != pages.EmptyPageID {
		prevPage, err := s.GetDataPage(prev)
		if err != nil {
			return err
		}
		prevPage.SetNextPageID(next)
	} else {
		s.collectionPage.SetFreeDataPageList(slot, next)
	}
	if next != pages.EmptyPageID {
		nextPage, err := s.GetDataPage(next)
		if err != nil {
			return err
		}
		nextPage.SetPrevPageID(prev)
	}
	page.SetPrevPageID(pages.EmptyPageID)
	page.SetNextPageID(pages.EmptyPageID)
	page.SetPageListSlot(pages.EmptySlot)
	return nil
}

// GetFreeIndexPage returns an index page with room for a maximum-size node,
// using the index's free page list before allocating.
func (s *Snapshot) GetFreeIndexPage(index *pages.CollectionIndex) (*pages.IndexPage, error) {
	if index.FreeIndexPageList != pages.EmptyPageID {
		return s.GetIndexPage(index.FreeIndexPageList)
	}
	return s.NewIndexPage()
}

// AddOrRemoveFreeIndexList reconciles an index page's membership in its
// index's free page list. Pages that became empty are deleted.
func (s *Snapshot) AddOrRemoveFreeIndexList(page *pages.IndexPage, index *pages.CollectionIndex) error {
	inList := page.PageListSlot() == 0

	if page.ItemsCount() == 0 {
		if inList {
			if err := s.removeFreeIndexList(page, index); err != nil {
				return err
			}
		}
		return s.DeletePage(page.ID())
	}

	hasRoom := page.FreeBytes() >= pages.MaxIndexNodeSize
	switch {
	case hasRoom && !inList:
		return s.addFreeIndexList(page, index)
	case !hasRoom && inList:
		return s.removeFreeIndexList(page, index)
	}
	return nil
}

func (s *Snapshot) addFreeIndexList(page *pages.IndexPage, index *pages.CollectionIndex) error {
	head := index.FreeIndexPageList
	if head != pages.EmptyPageID {
		headPage, err := s.GetIndexPage(head)
		if err != nil {
			return err
		}
		headPage.SetPrevPageID(page.ID())
	}
	page.SetPrevPageID(pages.EmptyPageID)
	page.SetNextPageID(head)
	page.SetPageListSlot(0)
	index.FreeIndexPageList = page.ID()
	s.collectionPage.MarkIndexesDirty()
	return nil
}

func (s *Snapshot) removeFreeIndexList(page *pages.IndexPage, index *pages.CollectionIndex) error {
	prev, next := page.PrevPageID(), page.NextPageID()
	if prev != pages.EmptyPageID {
		prevPage, err := s.GetIndexPage(prev)
		if err != nil {
			return err
		}
		prevPage.SetNextPageID(next)
	} else {
		index.FreeIndexPageList = next
		s.collectionPage.MarkIndexesDirty()
	}
	if next != pages.EmptyPageID {
		nextPage, err := s.GetIndexPage(next)
		if err != nil {
			return err
		}
		nextPage.SetPrevPageID(prev)
	}
	page.SetPrevPageID(pages.EmptyPageID)
	page.SetNextPageID(pages.EmptyPageID)
	page.SetPageListSlot(pages.EmptySlot)
	return nil
}

// DropCollection walks every index collecting index pages, follows the PK
// data block chains collecting data pages, deletes them all and schedules
// the catalog removal. The cancel callback is sampled between pages.
func (s *Snapshot) DropCollection(cancel func() bool) error {
	if s.mode != SnapshotWrite {
		return ErrReadOnlySnapshot
	}
	if s.collectionPage == nil {
		return ErrCollectionNotFound
	}

	seen := make(map[uint32]bool)

	// Data pages first, reached through PK node data blocks.
	pk := s.collectionPage.PK()
	for addr := pk.Head; !addr.IsEmpty(); {
		node, err := s.GetIndexNode(addr)
		if err != nil {
			return err
		}
		if block := node.DataBlock(); !block.IsEmpty() {
			for !block.IsEmpty() {
				if cancel != nil && cancel() {
					return errOperationCancelled
				}
				dataPage, err := s.GetDataPage(block.PageID)
				if err != nil {
					return err
				}
				seen[dataPage.ID()] = true
				fragment, err := dataPage.GetBlock(block.Index)
				if err != nil {
					return err
				}
				block = fragment.NextBlock()
			}
		}
		addr = node.GetNext(0)
	}

	// Index pages: level-0 chains plus free index lists.
	for _, index := range s.collectionPage.GetCollectionIndexes() {
		for addr := index.Head; !addr.IsEmpty(); {
			if cancel != nil && cancel() {
				return errOperationCancelled
			}
			node, err := s.GetIndexNode(addr)
			if err != nil {
				return err
			}
			seen[addr.PageID] = true
			addr = node.GetNext(0)
		}
		for pageID := index.FreeIndexPageList; pageID != pages.EmptyPageID; {
			page, err := s.GetIndexPage(pageID)
			if err != nil {
				return err
			}
			seen[pageID] = true
			pageID = page.NextPageID()
		}
	}

	// Free data pages still linked in the slot lists.
	for slot := byte(0); slot < pages.FreeDataPageSlots; slot++ {
		for pageID := s.collectionPage.FreeDataPageList(slot); pageID != pages.EmptyPageID; {
			page, err := s.GetDataPage(pageID)
			if err != nil {
				return err
			}
			seen[pageID] = true
			pageID = page.NextPageID()
		}
	}

	for pageID := range seen {
		if _, ok := s.localPages[pageID]; !ok {
			// Every page was materialized during the walk; this is a guard
			// against dangling references.
			continue
		}
		if err := s.DeletePage(pageID); err != nil {
			return err
		}
	}

	collectionPageID := s.collectionPage.ID()
	if err := s.DeletePage(collectionPageID); err != nil {
		return err
	}
	s.collectionPage = nil
	s.collectionPageID = pages.EmptyPageID

	name := s.collectionName
	s.transPages.OnCommit(func(h *pages.HeaderPage) error {
		h.DeleteCollection(name)
		return nil
	})
	return nil
}

var errOperationCancelled = errors.New("transactions: operation cancelled")

// collectDirtyPages removes and returns every dirty page of the snapshot.
// Clean writable pages stay local and are discarded on Dispose.
func (s *Snapshot) collectDirtyPages() []pages.Page {
	var out []pages.Page
	for pageID, page := range s.localPages {
		if page.Base().IsDirty() {
			out = append(out, page)
			delete(s.localPages, pageID)
		}
	}
	if s.collectionPage != nil {
		s.collectionPage = nil
	}
	return out
}

// clearLocalPages releases every remaining local page without disposing the
// snapshot; used by the safepoint flush.
func (s *Snapshot) clearLocalPages() {
	for _, page := range s.localPages {
		s.returnBuffer(page.Base().Buffer())
	}
	s.localPages = make(map[uint32]pages.Page)
	s.collectionPage = nil
}

// reloadCollectionPage re-materializes the collection page after a safepoint
// flush; the dirty position map routes the read back to the log.
func (s *Snapshot) reloadCollectionPage() error {
	if s.collectionPage != nil || s.collectionPageID == pages.EmptyPageID {
		return nil
	}
	return s.loadCollectionPage(s.collectionPageID)
}

// Dispose releases every local page and the rented reader stream, and drops
// the collection lock.
func (s *Snapshot) Dispose() {
	if s.disposed {
		return
	}
	s.disposed = true
	for _, page := range s.localPages {
		s.returnBuffer(page.Base().Buffer())
	}
	s.localPages = nil
	s.collectionPage = nil
	if s.reader != nil {
		s.reader.Dispose()
	}
	s.unlock()
}
