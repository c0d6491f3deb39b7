package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/bson"
	"github.com/ProKn1fe/LiteDB/core/indexing/skiplist"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/transactions"
)

// Insert stores one document, creating the collection on first use. The
// document's _id (assigned when absent) is returned.
func (e *Engine) Insert(collection string, doc *bson.Document) (bson.Value, error) {
	ctx, span := e.startSpan("Insert", collection)
	defer span.End()

	if err := e.checkWritable(); err != nil {
		span.RecordError(err)
		return bson.Value{}, err
	}
	transaction, err := e.monitor.Begin()
	if err != nil {
		span.RecordError(err)
		return bson.Value{}, err
	}
	defer e.monitor.Release(transaction)

	id, err := e.insertDocument(transaction, collection, doc)
	if err != nil {
		span.RecordError(err)
		e.rollback(transaction)
		return bson.Value{}, err
	}
	if err := transaction.Commit(); err != nil {
		span.RecordError(err)
		return bson.Value{}, err
	}
	e.afterCommit()
	if e.metrics != nil {
		e.metrics.inserts.Add(ctx, 1)
	}
	return id, nil
}

func (e *Engine) insertDocument(transaction *transactions.Transaction, collection string, doc *bson.Document) (bson.Value, error) {
	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotWrite, collection, true)
	if err != nil {
		return bson.Value{}, err
	}
	indexService := skiplist.NewIndexService(snapshot, e.collation)
	if snapshot.CollectionPage().PK().Head.IsEmpty() {
		if err := indexService.WirePK(); err != nil {
			return bson.Value{}, err
		}
	}

	id := doc.Get("_id")
	if id.IsNull() {
		id = bson.ObjectId(bson.NewObjectID())
		doc.Set("_id", id)
	}

	data, err := bson.EncodeDocument(doc)
	if err != nil {
		return bson.Value{}, err
	}
	firstBlock, err := e.writeDocumentBlocks(snapshot, data)
	if err != nil {
		return bson.Value{}, err
	}

	collectionPage := snapshot.CollectionPage()
	pkNode, err := indexService.Add(collectionPage.PK(), id, firstBlock, nil)
	if err != nil {
		return bson.Value{}, err
	}

	last := pkNode
	for _, index := range collectionPage.GetCollectionIndexes()[1:] {
		key := extractPath(doc, index.Expr)
		node, err := indexService.Add(index, key, firstBlock, last)
		if err != nil {
			return bson.Value{}, err
		}
		last = node
	}

	if err := transaction.Safepoint(); err != nil {
		return bson.Value{}, err
	}
	return id, nil
}

// Delete removes the document with the given _id. Returns false when no
// such document exists.
func (e *Engine) Delete(collection string, id bson.Value) (bool, error) {
	ctx, span := e.startSpan("Delete", collection)
	defer span.End()

	if err := e.checkWritable(); err != nil {
		span.RecordError(err)
		return false, err
	}
	transaction, err := e.monitor.Begin()
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	defer e.monitor.Release(transaction)

	deleted, err := e.deleteDocument(transaction, collection, id)
	if err != nil {
		span.RecordError(err)
		e.rollback(transaction)
		return false, err
	}
	if !deleted {
		e.rollback(transaction)
		return false, nil
	}
	if err := transaction.Commit(); err != nil {
		span.RecordError(err)
		return false, err
	}
	e.afterCommit()
	if e.metrics != nil {
		e.metrics.deletes.Add(ctx, 1)
	}
	return true, nil
}

func (e *Engine) deleteDocument(transaction *transactions.Transaction, collection string, id bson.Value) (bool, error) {
	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotWrite, collection, false)
	if err != nil {
		return false, err
	}
	if snapshot.CollectionPage() == nil {
		return false, nil
	}

	indexService := skiplist.NewIndexService(snapshot, e.collation)
	pkNode, err := indexService.Find(snapshot.CollectionPage().PK(), id, false, skiplist.Ascending)
	if err != nil {
		return false, err
	}
	if pkNode == nil {
		return false, nil
	}

	if err := e.deleteDocumentBlocks(snapshot, pkNode.DataBlock()); err != nil {
		return false, err
	}
	if err := indexService.DeleteAll(pkNode); err != nil {
		return false, err
	}
	return true, transaction.Safepoint()
}

// FindByID returns the document with the given _id.
func (e *Engine) FindByID(collection string, id bson.Value) (*bson.Document, error) {
	_, span := e.startSpan("FindByID", collection)
	defer span.End()

	if err := e.checkOpen(); err != nil {
		span.RecordError(err)
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

	indexService := skiplist.NewIndexService(snapshot, e.collation)
	node, err := indexService.Find(snapshot.CollectionPage().PK(), id, false, skiplist.Ascending)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, ErrDocumentNotFound
	}
	return e.readDocument(snapshot, node.DataBlock())
}

// FindAll returns every document of a collection in _id order.
func (e *Engine) FindAll(collection string) ([]*bson.Document, error) {
	_, span := e.startSpan("FindAll", collection)
	defer span.End()

	if err := e.checkOpen(); err != nil {
		span.RecordError(err)
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

	indexService := skiplist.NewIndexService(snapshot, e.collation)
	nodes, err := indexService.FindAll(snapshot.CollectionPage().PK(), skiplist.Ascending)
	if err != nil {
		return nil, err
	}
	docs := make([]*bson.Document, 0, len(nodes))
	for _, node := range nodes {
		doc, err := e.readDocument(snapshot, node.DataBlock())
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Count returns the number of documents in a collection.
func (e *Engine) Count(collection string) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	transaction, err := e.monitor.Begin()
	if err != nil {
		return 0, err
	}
	defer e.monitor.Release(transaction)
	defer func() { _ = transaction.Commit() }()

	snapshot, err := transaction.CreateSnapshot(transactions.SnapshotRead, collection, false)
	if err != nil {
		return 0, err
	}
	if snapshot.CollectionPage() == nil {
		return 0, nil
	}
	return int64(snapshot.CollectionPage().PK().KeyCount), nil
}

func (e *Engine) rollback(transaction *transactions.Transaction) {
	if err := transaction.Rollback(); err != nil {
		e.logger.Warn("rollback failed", zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.rollbacks.Add(context.Background(), 1)
	}
}

// writeDocumentBlocks splits encoded document bytes into fragments across
// free data pages and returns the head of the chain.
func (e *Engine) writeDocumentBlocks(snapshot *transactions.Snapshot, data []byte) (pages.PageAddress, error) {
	first := pages.EmptyAddress
	prev := pages.EmptyAddress
	remaining := data

	for {
		chunk := len(remaining)
		if chunk > pages.MaxDataBlockPayload {
			chunk = pages.MaxDataBlockPayload
		}
		page, err := snapshot.GetFreeDataPage(chunk + pages.DataBlockHeaderSize + pages.SlotSize)
		if err != nil {
			return pages.EmptyAddress, err
		}
		available := page.FreeBytes() - pages.DataBlockHeaderSize - pages.SlotSize
		if available <= 0 {
			if page, err = snapshot.NewDataPage(); err != nil {
				return pages.EmptyAddress, err
			}
			available = page.FreeBytes() - pages.DataBlockHeaderSize - pages.SlotSize
		}
		if chunk > available {
			chunk = available
		}

		block, err := page.InsertBlock(chunk)
		if err != nil {
			return pages.EmptyAddress, err
		}
		copy(block.Payload(), remaining[:chunk])

		if first.IsEmpty() {
			first = block.Position
		} else {
			// Re-fetch the previous block: its span may have moved if the
			// page defragmented since.
			prevPage, err := snapshot.GetDataPage(prev.PageID)
			if err != nil {
				return pages.EmptyAddress, err
			}
			prevBlock, err := prevPage.GetBlock(prev.Index)
			if err != nil {
				return pages.EmptyAddress, err
			}
			prevBlock.SetNextBlock(block.Position)
		}
		prev = block.Position

		if err := snapshot.AddOrRemoveFreeDataList(page); err != nil {
			return pages.EmptyAddress, err
		}
		remaining = remaining[chunk:]
		if len(remaining) == 0 {
			return first, nil
		}
	}
}

// readDocument concatenates a fragment chain and decodes the document,
// applying the UTC_DATE pragma to DateTime fields.
func (e *Engine) readDocument(snapshot *transactions.Snapshot, addr pages.PageAddress) (*bson.Document, error) {
	var data []byte
	for !addr.IsEmpty() {
		page, err := snapshot.GetDataPage(addr.PageID)
		if err != nil {
			return nil, err
		}
		block, err := page.GetBlock(addr.Index)
		if err != nil {
			return nil, err
		}
		data = append(data, block.Payload()...)
		addr = block.NextBlock()
	}
	doc, err := bson.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	if !e.header.Borrow().Pragmas().UtcDate {
		applyLocalDates(doc)
	}
	return doc, nil
}

// deleteDocumentBlocks removes a fragment chain, reconciling each touched
// page's free-list membership.
func (e *Engine) deleteDocumentBlocks(snapshot *transactions.Snapshot, addr pages.PageAddress) error {
	for !addr.IsEmpty() {
		page, err := snapshot.GetDataPage(addr.PageID)
		if err != nil {
			return err
		}
		block, err := page.GetBlock(addr.Index)
		if err != nil {
			return err
		}
		next := block.NextBlock()
		if err := page.DeleteBlock(addr.Index); err != nil {
			return err
		}
		if err := snapshot.AddOrRemoveFreeDataList(page); err != nil {
			return err
		}
		addr = next
	}
	return nil
}

// extractPath evaluates a "$.a.b" index expression against a document.
// Missing fields yield Null, which indexes like any other value.
func extractPath(doc *bson.Document, expr string) bson.Value {
	if expr == "$" {
		return bson.DocumentValue(doc)
	}
	value := bson.DocumentValue(doc)
	for _, part := range strings.Split(strings.TrimPrefix(expr, "$."), ".") {
		inner := value.AsDocument()
		if inner == nil {
			return bson.Null()
		}
		value = inner.Get(part)
	}
	return value
}

// applyLocalDates converts DateTime fields to local time in place, per the
// UTC_DATE pragma.
func applyLocalDates(doc *bson.Document) {
	for _, field := range doc.Fields() {
		switch field.Value.Type() {
		case bson.TypeDateTime:
			doc.Set(field.Name, bson.DateTime(field.Value.AsDateTime().In(time.Local)))
		case bson.TypeDocument:
			applyLocalDates(field.Value.AsDocument())
		}
	}
}
