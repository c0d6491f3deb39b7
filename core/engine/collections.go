package engine

import (
	"fmt"

	"github.com/ProKn1fe/LiteDB/core/bson"
	"github.com/ProKn1fe/LiteDB/core/indexing/skiplist"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/transactions"
)

// CollectionNames lists the collections in the catalog.
func (e *Engine) CollectionNames() ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	h := e.header.Lock()
	defer e.header.Unlock()
	return h.CollectionNames(), nil
}

// CreateCollection creates an empty collection with a wired primary key.
func (e *Engine) CreateCollection(name string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	h := e.header.Lock()
	_, exists := h.GetCollectionPageID(name)
	e.header.Unlock()
	if exists {
		return fmt.Errorf("%w: %q", ErrCollectionAlreadyExists, name)
	}

	transaction, err := e.monitor.Begin()
	if err != nil {
		return err
	}
	defer e.monitor.Release(transaction)

	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotWrite, name, true)
	if err != nil {
		e.rollback(transaction)
		return err
	}
	indexService := skiplist.NewIndexService(snapshot, e.collation)
	if err := indexService.WirePK(); err != nil {
		e.rollback(transaction)
		return err
	}
	if err := transaction.Commit(); err != nil {
		return err
	}
	e.afterCommit()
	return nil
}

// DropCollection removes a collection and returns all its pages to the free
// list. Returns false when the collection does not exist.
func (e *Engine) DropCollection(name string) (bool, error) {
	if err := e.checkWritable(); err != nil {
		return false, err
	}
	transaction, err := e.monitor.Begin()
	if err != nil {
		return false, err
	}
	defer e.monitor.Release(transaction)

	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotWrite, name, false)
	if err != nil {
		e.rollback(transaction)
		return false, err
	}
	if snapshot.CollectionPage() == nil {
		e.rollback(transaction)
		return false, nil
	}
	if err := snapshot.DropCollection(nil); err != nil {
		e.rollback(transaction)
		return false, err
	}
	if err := transaction.Commit(); err != nil {
		return false, err
	}
	e.afterCommit()
	return true, nil
}

// RenameCollection moves a collection to a new catalog name.
func (e *Engine) RenameCollection(oldName, newName string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	h := e.header.Lock()
	_, exists := h.GetCollectionPageID(newName)
	e.header.Unlock()
	if exists {
		return fmt.Errorf("%w: %q", ErrCollectionAlreadyExists, newName)
	}

	transaction, err := e.monitor.Begin()
	if err != nil {
		return err
	}
	defer e.monitor.Release(transaction)

	// Lock the source collection so no writer races the catalog change.
	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotWrite, oldName, false)
	if err != nil {
		e.rollback(transaction)
		return err
	}
	if snapshot.CollectionPage() == nil {
		e.rollback(transaction)
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, oldName)
	}

	transaction.Pages().OnCommit(func(h *pages.HeaderPage) error {
		return h.RenameCollection(oldName, newName)
	})
	if err := transaction.Commit(); err != nil {
		return err
	}
	e.afterCommit()
	return nil
}

// CreateIndex builds a secondary index over an expression like "$.name" and
// backfills it from existing documents.
func (e *Engine) CreateIndex(collection, name, expr string, unique bool) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	transaction, err := e.monitor.Begin()
	if err != nil {
		return err
	}
	defer e.monitor.Release(transaction)

	if err := e.createIndex(transaction, collection, name, expr, unique); err != nil {
		e.rollback(transaction)
		return err
	}
	if err := transaction.Commit(); err != nil {
		return err
	}
	e.afterCommit()
	return nil
}

func (e *Engine) createIndex(transaction *transactions.Transaction, collection, name, expr string, unique bool) error {
	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotWrite, collection, false)
	if err != nil {
		return err
	}
	if snapshot.CollectionPage() == nil {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, collection)
	}
	if existing, ok := snapshot.CollectionPage().GetCollectionIndex(name); ok {
		if existing.Expr == expr && existing.Unique == unique {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrIndexAlreadyExists, name)
	}

	indexService := skiplist.NewIndexService(snapshot, e.collation)
	index, err := indexService.CreateIndex(name, expr, unique)
	if err != nil {
		return err
	}

	// Backfill from every existing document, appending the new node to each
	// document's index chain.
	pkNodes, err := indexService.FindAll(snapshot.CollectionPage().PK(), skiplist.Ascending)
	if err != nil {
		return err
	}
	for _, pkNode := range pkNodes {
		doc, err := e.readDocument(snapshot, pkNode.DataBlock())
		if err != nil {
			return err
		}
		last := pkNode
		for {
			nextAddr := last.NextNode()
			if nextAddr.IsEmpty() {
				break
			}
			next, err := snapshot.GetIndexNode(nextAddr)
			if err != nil {
				return err
			}
			last = next
		}
		key := extractPath(doc, expr)
		if _, err := indexService.Add(index, key, pkNode.DataBlock(), last); err != nil {
			return err
		}
	}
	return nil
}

// DropIndex removes a secondary index, unlinking its nodes from every
// document chain.
func (e *Engine) DropIndex(collection, name string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if name == "_id" {
		return fmt.Errorf("%w: cannot drop the primary key", ErrIndexNotFound)
	}
	transaction, err := e.monitor.Begin()
	if err != nil {
		return err
	}
	defer e.monitor.Release(transaction)

	if err := e.dropIndex(transaction, collection, name); err != nil {
		e.rollback(transaction)
		return err
	}
	if err := transaction.Commit(); err != nil {
		return err
	}
	e.afterCommit()
	return nil
}

func (e *Engine) dropIndex(transaction *transactions.Transaction, collection, name string) error {
	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotWrite, collection, false)
	if err != nil {
		return err
	}
	if snapshot.CollectionPage() == nil {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, collection)
	}
	index, ok := snapshot.CollectionPage().GetCollectionIndex(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrIndexNotFound, name)
	}

	indexService := skiplist.NewIndexService(snapshot, e.collation)

	// Unlink this index's node from every document chain, then delete it.
	pkNodes, err := indexService.FindAll(snapshot.CollectionPage().PK(), skiplist.Ascending)
	if err != nil {
		return err
	}
	for _, pkNode := range pkNodes {
		prev := pkNode
		for {
			currentAddr := prev.NextNode()
			if currentAddr.IsEmpty() {
				break
			}
			current, err := snapshot.GetIndexNode(currentAddr)
			if err != nil {
				return err
			}
			if current.Slot == index.Slot {
				prev.SetNextNode(current.NextNode())
				if err := indexService.DeleteSingle(index, current); err != nil {
					return err
				}
				continue
			}
			prev = current
		}
	}

	// Drop the sentinels by hand: they have no live neighbors to unsplice.
	for _, addr := range []pages.PageAddress{index.Head, index.Tail} {
		page, err := snapshot.GetIndexPage(addr.PageID)
		if err != nil {
			return err
		}
		if err := page.DeleteNode(addr.Index); err != nil {
			return err
		}
		if err := snapshot.AddOrRemoveFreeIndexList(page, index); err != nil {
			return err
		}
	}

	return snapshot.CollectionPage().DeleteCollectionIndex(name)
}

// IndexNames lists the indexes of a collection, PK first.
func (e *Engine) IndexNames(collection string) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	transaction, err := e.monitor.Begin()
	if err != nil {
		return nil, err
	}
	defer e.monitor.Release(transaction)
	defer func() { _ = transaction.Commit() }()

	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotRead, collection, false)
	if err != nil {
		return nil, err
	}
	if snapshot.CollectionPage() == nil {
		return nil, ErrCollectionNotFound
	}
	indexes := snapshot.CollectionPage().GetCollectionIndexes()
	names := make([]string, 0, len(indexes))
	for _, index := range indexes {
		names = append(names, index.Name)
	}
	return names, nil
}

// FindByIndex returns the documents whose indexed key equals value.
func (e *Engine) FindByIndex(collection, indexName string, value bson.Value) ([]*bson.Document, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	transaction, err := e.monitor.Begin()
	if err != nil {
		return nil, err
	}
	defer e.monitor.Release(transaction)
	defer func() { _ = transaction.Commit() }()

	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotRead, collection, false)
	if err != nil {
		return nil, err
	}
	if snapshot.CollectionPage() == nil {
		return nil, ErrCollectionNotFound
	}
	index, ok := snapshot.CollectionPage().GetCollectionIndex(indexName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexNotFound, indexName)
	}

	indexService := skiplist.NewIndexService(snapshot, e.collation)
	node, err := indexService.Find(index, value, false, skiplist.Ascending)
	if err != nil {
		return nil, err
	}
	var docs []*bson.Document
	for node != nil && node.Key.Compare(value, e.collation) == 0 {
		doc, err := e.readDocument(snapshot, node.DataBlock())
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		node, err = indexService.Next(node, skiplist.Ascending)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}
