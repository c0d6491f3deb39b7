package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ProKn1fe/LiteDB/core/bson"
	"github.com/ProKn1fe/LiteDB/core/indexing/skiplist"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/transactions"
)

func openTestEngine(t *testing.T, options Options) *Engine {
	t.Helper()
	e, err := Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func doc(id int32, fields ...bson.Field) *bson.Document {
	d := bson.NewDocument().Set("_id", bson.Int32(id))
	for _, f := range fields {
		d.Set(f.Name, f.Value)
	}
	return d
}

func TestEngine_BasicRoundTripMemory(t *testing.T) {
	e := openTestEngine(t, Options{})

	inserted := doc(1, bson.Field{Name: "n", Value: bson.String("a")})
	id, err := e.Insert("c", inserted)
	require.NoError(t, err)
	require.Equal(t, int32(1), id.AsInt32())

	got, err := e.FindByID("c", bson.Int32(1))
	require.NoError(t, err)
	require.True(t, inserted.Equal(got))

	count, err := e.Count("c")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestEngine_BasicRoundTripFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basic.db")

	e, err := Open(Options{Filename: path})
	require.NoError(t, err)
	_, err = e.Insert("c", doc(1, bson.Field{Name: "n", Value: bson.String("a")}))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2 := openTestEngine(t, Options{Filename: path})
	got, err := e2.FindByID("c", bson.Int32(1))
	require.NoError(t, err)
	require.Equal(t, "a", got.Get("n").AsString())

	// After a clean close the file holds exactly the data region.
	info, err := os.Stat(path)
	require.NoError(t, err)
	lastPageID := e2.header.Borrow().LastPageID()
	require.Equal(t, int64(lastPageID+1)*pages.PageSize, info.Size())
}

func TestEngine_TornLogDiscardedOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.db")

	e, err := Open(Options{Filename: path})
	require.NoError(t, err)
	_, err = e.Insert("c", doc(1))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Simulate a crash mid-commit: an unconfirmed transaction tail sits in
	// the log region with no confirm page.
	torn := pages.NewPageBuffer(make([]byte, pages.PageSize), 0)
	page := pages.NewBasePage(torn, 42, pages.PageTypeData)
	page.SetTransactionStamp(99, false)
	page.UpdateBuffer()
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = file.Write(torn.Array)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	e2 := openTestEngine(t, Options{Filename: path})
	require.Equal(t, int64(0), e2.LogLength(), "unconfirmed tail must be discarded")

	count, err := e2.Count("c")
	require.NoError(t, err)
	require.Equal(t, int64(1), count, "state equals the last confirmed commit")
}

func TestEngine_UniqueIndexViolation(t *testing.T) {
	e := openTestEngine(t, Options{})

	require.NoError(t, e.CreateCollection("c"))
	require.NoError(t, e.CreateIndex("c", "byName", "$.name", true))

	_, err := e.Insert("c", doc(1, bson.Field{Name: "name", Value: bson.String("x")}))
	require.NoError(t, err)

	_, err = e.Insert("c", doc(2, bson.Field{Name: "name", Value: bson.String("x")}))
	require.ErrorIs(t, err, ErrIndexDuplicateKey)

	count, err := e.Count("c")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	docs, err := e.FindByIndex("c", "byName", bson.String("x"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestEngine_CheckpointShrinksLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	e := openTestEngine(t, Options{Filename: path})

	for i := int32(0); i < 50; i++ {
		_, err := e.Insert("c", doc(i, bson.Field{Name: "n", Value: bson.Int32(i)}))
		require.NoError(t, err)
	}
	require.Positive(t, e.LogLength())

	require.NoError(t, e.Checkpoint())
	require.Equal(t, int64(0), e.LogLength())

	info, err := os.Stat(path)
	require.NoError(t, err)
	lastPageID := e.header.Borrow().LastPageID()
	require.Equal(t, int64(lastPageID+1)*pages.PageSize, info.Size())

	// All prior reads still return identical documents.
	for i := int32(0); i < 50; i++ {
		got, err := e.FindByID("c", bson.Int32(i))
		require.NoError(t, err)
		require.Equal(t, i, got.Get("n").AsInt32())
	}
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	e := openTestEngine(t, Options{})

	_, err := e.Insert("c", doc(1))
	require.NoError(t, err)

	countVisible := func(transaction *transactions.Transaction) int {
		snapshot, err := transaction.CreateSnapshot(transactions.SnapshotRead, "c", false)
		require.NoError(t, err)
		indexService := skiplist.NewIndexService(snapshot, e.collation)
		nodes, err := indexService.FindAll(snapshot.CollectionPage().PK(), skiplist.Ascending)
		require.NoError(t, err)
		return len(nodes)
	}

	// Reader samples its version before the second insert.
	early, err := e.monitor.Begin()
	require.NoError(t, err)
	require.Equal(t, 1, countVisible(early))

	_, err = e.Insert("c", doc(2))
	require.NoError(t, err)

	// The early reader keeps the pre-commit world.
	require.Equal(t, 1, countVisible(early))

	// A reader sampling after the publish sees both documents.
	late, err := e.monitor.Begin()
	require.NoError(t, err)
	require.Equal(t, 2, countVisible(late))

	require.NoError(t, late.Commit())
	e.monitor.Release(late)
	require.NoError(t, early.Commit())
	e.monitor.Release(early)
}

func TestEngine_FreeListReuse(t *testing.T) {
	e := openTestEngine(t, Options{})

	const docs = 200
	payload := bson.String("some payload to give the documents a bit of body")

	for i := int32(0); i < docs; i++ {
		_, err := e.Insert("c", doc(i, bson.Field{Name: "p", Value: payload}))
		require.NoError(t, err)
	}
	peak := e.header.Borrow().LastPageID()

	for i := int32(0); i < docs; i++ {
		deleted, err := e.Delete("c", bson.Int32(i))
		require.NoError(t, err)
		require.True(t, deleted)
	}
	count, err := e.Count("c")
	require.NoError(t, err)
	require.Zero(t, count)

	for i := int32(0); i < docs; i++ {
		_, err := e.Insert("c", doc(i, bson.Field{Name: "p", Value: payload}))
		require.NoError(t, err)
	}

	final := e.header.Borrow().LastPageID()
	require.LessOrEqual(t, float64(final), 1.2*float64(peak),
		"pages freed by the delete pass must be recycled")
}

func TestEngine_DeleteAndMissing(t *testing.T) {
	e := openTestEngine(t, Options{})

	_, err := e.Insert("c", doc(1))
	require.NoError(t, err)

	deleted, err := e.Delete("c", bson.Int32(1))
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = e.Delete("c", bson.Int32(1))
	require.NoError(t, err)
	require.False(t, deleted)

	_, err = e.FindByID("c", bson.Int32(1))
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestEngine_LargeDocumentChainsAcrossPages(t *testing.T) {
	e := openTestEngine(t, Options{})

	big := make([]byte, 3*pages.PageSize)
	for i := range big {
		big[i] = byte(i % 251)
	}
	_, err := e.Insert("c", doc(1, bson.Field{Name: "blob", Value: bson.Binary(big)}))
	require.NoError(t, err)

	got, err := e.FindByID("c", bson.Int32(1))
	require.NoError(t, err)
	require.Equal(t, big, got.Get("blob").AsBinary())
}

func TestEngine_CollectionsLifecycle(t *testing.T) {
	e := openTestEngine(t, Options{})

	require.NoError(t, e.CreateCollection("a"))
	require.NoError(t, e.CreateCollection("b"))
	require.ErrorIs(t, e.CreateCollection("a"), ErrCollectionAlreadyExists)

	names, err := e.CollectionNames()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, e.RenameCollection("b", "z"))
	names, _ = e.CollectionNames()
	require.Equal(t, []string{"a", "z"}, names)

	dropped, err := e.DropCollection("z")
	require.NoError(t, err)
	require.True(t, dropped)
	dropped, err = e.DropCollection("z")
	require.NoError(t, err)
	require.False(t, dropped)

	_, err = e.FindByID("z", bson.Int32(1))
	require.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestEngine_DropCollectionFreesPages(t *testing.T) {
	e := openTestEngine(t, Options{})

	for i := int32(0); i < 20; i++ {
		_, err := e.Insert("big", doc(i, bson.Field{Name: "p", Value: bson.Binary(make([]byte, 2000))}))
		require.NoError(t, err)
	}
	dropped, err := e.DropCollection("big")
	require.NoError(t, err)
	require.True(t, dropped)

	// The freed pages feed the next collection instead of growing the file.
	peak := e.header.Borrow().LastPageID()
	for i := int32(0); i < 20; i++ {
		_, err := e.Insert("next", doc(i, bson.Field{Name: "p", Value: bson.Binary(make([]byte, 2000))}))
		require.NoError(t, err)
	}
	require.LessOrEqual(t, e.header.Borrow().LastPageID(), peak+4)
}

func TestEngine_SecondaryIndexBackfillAndDrop(t *testing.T) {
	e := openTestEngine(t, Options{})

	for i := int32(0); i < 10; i++ {
		name := "even"
		if i%2 == 1 {
			name = "odd"
		}
		_, err := e.Insert("c", doc(i, bson.Field{Name: "kind", Value: bson.String(name)}))
		require.NoError(t, err)
	}

	// Backfill over existing documents.
	require.NoError(t, e.CreateIndex("c", "byKind", "$.kind", false))

	docs, err := e.FindByIndex("c", "byKind", bson.String("odd"))
	require.NoError(t, err)
	require.Len(t, docs, 5)

	// Creating the same index again is a no-op; a conflicting one fails.
	require.NoError(t, e.CreateIndex("c", "byKind", "$.kind", false))
	require.ErrorIs(t, e.CreateIndex("c", "byKind", "$.other", false), ErrIndexAlreadyExists)

	// Deletes maintain the secondary index through the node chain.
	deleted, err := e.Delete("c", bson.Int32(1))
	require.NoError(t, err)
	require.True(t, deleted)
	docs, err = e.FindByIndex("c", "byKind", bson.String("odd"))
	require.NoError(t, err)
	require.Len(t, docs, 4)

	require.NoError(t, e.DropIndex("c", "byKind"))
	_, err = e.FindByIndex("c", "byKind", bson.String("odd"))
	require.ErrorIs(t, err, ErrIndexNotFound)

	names, err := e.IndexNames("c")
	require.NoError(t, err)
	require.Equal(t, []string{"_id"}, names)
}

func TestEngine_Pragmas(t *testing.T) {
	e := openTestEngine(t, Options{})

	v, err := e.Pragma(pages.PragmaUserVersion)
	require.NoError(t, err)
	require.Zero(t, v.AsInt32())

	require.NoError(t, e.SetPragma(pages.PragmaUserVersion, bson.Int32(42)))
	v, err = e.Pragma(pages.PragmaUserVersion)
	require.NoError(t, err)
	require.Equal(t, int32(42), v.AsInt32())

	require.Error(t, e.SetPragma(pages.PragmaCollation, bson.String("en")))
}

func TestEngine_PragmaPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pragma.db")
	e, err := Open(Options{Filename: path})
	require.NoError(t, err)
	require.NoError(t, e.SetPragma(pages.PragmaUserVersion, bson.Int32(7)))
	require.NoError(t, e.Close())

	e2 := openTestEngine(t, Options{Filename: path})
	v, err := e2.Pragma(pages.PragmaUserVersion)
	require.NoError(t, err)
	require.Equal(t, int32(7), v.AsInt32())
}

func TestEngine_EncryptedOpenPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enc.db")
	e, err := Open(Options{Filename: path, Password: "secret"})
	require.NoError(t, err)
	_, err = e.Insert("c", doc(1, bson.Field{Name: "n", Value: bson.String("a")}))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = Open(Options{Filename: path})
	require.ErrorIs(t, err, ErrEncryptionRequired)

	_, err = Open(Options{Filename: path, Password: "wrong"})
	require.ErrorIs(t, err, ErrWrongPassword)

	e2 := openTestEngine(t, Options{Filename: path, Password: "secret"})
	got, err := e2.FindByID("c", bson.Int32(1))
	require.NoError(t, err)
	require.Equal(t, "a", got.Get("n").AsString())
}

func TestEngine_ChangePassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rekey.db")
	e, err := Open(Options{Filename: path, Password: "one"})
	require.NoError(t, err)
	_, err = e.Insert("c", doc(1, bson.Field{Name: "n", Value: bson.String("keep")}))
	require.NoError(t, err)

	require.NoError(t, e.ChangePassword("two"))

	// The running instance keeps working against the re-keyed file.
	got, err := e.FindByID("c", bson.Int32(1))
	require.NoError(t, err)
	require.Equal(t, "keep", got.Get("n").AsString())
	require.NoError(t, e.Close())

	_, err = Open(Options{Filename: path, Password: "one"})
	require.ErrorIs(t, err, ErrWrongPassword)

	e2 := openTestEngine(t, Options{Filename: path, Password: "two"})
	got, err = e2.FindByID("c", bson.Int32(1))
	require.NoError(t, err)
	require.Equal(t, "keep", got.Get("n").AsString())
}

func TestEngine_RebuildMemoryRejected(t *testing.T) {
	e := openTestEngine(t, Options{})
	require.ErrorIs(t, e.Rebuild(""), ErrRebuildMemory)
}

func TestEngine_ClosedOperationsFail(t *testing.T) {
	e, err := Open(Options{})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Insert("c", doc(1))
	require.ErrorIs(t, err, ErrDatabaseClosed)
	_, err = e.Count("c")
	require.ErrorIs(t, err, ErrDatabaseClosed)
}

func TestEngine_AutoIDAssignment(t *testing.T) {
	e := openTestEngine(t, Options{})

	inserted := bson.NewDocument().Set("n", bson.String("auto"))
	id, err := e.Insert("c", inserted)
	require.NoError(t, err)
	require.Equal(t, bson.TypeObjectID, id.Type())

	got, err := e.FindByID("c", id)
	require.NoError(t, err)
	require.Equal(t, "auto", got.Get("n").AsString())
}
