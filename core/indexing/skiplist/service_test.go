package skiplist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/bson"
	"github.com/ProKn1fe/LiteDB/core/cache"
	"github.com/ProKn1fe/LiteDB/core/disk"
	"github.com/ProKn1fe/LiteDB/core/locks"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/transactions"
	"github.com/ProKn1fe/LiteDB/core/wal"
)

// setupIndexService builds a write snapshot over an in-memory disk with a
// fresh collection page, enough stack for the skip list to operate on.
func setupIndexService(t *testing.T, unique bool) (*IndexService, *pages.CollectionIndex) {
	t.Helper()
	logger := zap.NewNop()

	pageCache := cache.NewMemoryCache(32, 8, logger)
	diskService, err := disk.NewDiskService(disk.Settings{Filename: ":memory:"}, pageCache, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = diskService.Close() })
	diskService.SetLogPosition(pages.PageSize)

	header := transactions.NewHeaderContainer(pages.NewHeaderPage(pages.NewPageBuffer(make([]byte, pages.PageSize), 0)))
	walIndex := wal.NewWalIndex(diskService, logger)
	lockService := locks.NewLockService(time.Second, logger)

	snapshot, err := transactions.NewSnapshot(
		transactions.SnapshotWrite, "c", 1,
		header, diskService, walIndex, lockService,
		transactions.NewTransactionPages(), true, logger)
	require.NoError(t, err)
	t.Cleanup(snapshot.Dispose)

	collation, err := bson.ParseCollation(bson.BinaryCollation)
	require.NoError(t, err)

	service := NewIndexService(snapshot, collation)
	pk := snapshot.CollectionPage().PK()
	pk.Unique = unique
	require.NoError(t, service.WirePK())
	return service, pk
}

func TestFlip_Bounds(t *testing.T) {
	service, _ := setupIndexService(t, true)
	seen := make(map[byte]int)
	for i := 0; i < 2000; i++ {
		level := service.Flip()
		require.GreaterOrEqual(t, level, byte(1))
		require.LessOrEqual(t, level, byte(pages.MaxLevelLength))
		seen[level]++
	}
	// Geometric distribution: level 1 dominates.
	require.Greater(t, seen[1], seen[2])
}

func TestAdd_RejectsInvalidKeys(t *testing.T) {
	service, pk := setupIndexService(t, true)

	_, err := service.Add(pk, bson.MinValue, pages.EmptyAddress, nil)
	require.ErrorIs(t, err, ErrInvalidIndexKey)
	_, err = service.Add(pk, bson.MaxValue, pages.EmptyAddress, nil)
	require.ErrorIs(t, err, ErrInvalidIndexKey)

	longKey := make([]byte, pages.MaxIndexKeyLength+1)
	_, err = service.Add(pk, bson.Binary(longKey), pages.EmptyAddress, nil)
	require.ErrorIs(t, err, ErrInvalidIndexKey)
}

func TestAdd_OrderedTraversal(t *testing.T) {
	service, pk := setupIndexService(t, true)

	for _, k := range []int32{5, 1, 9, 3, 7, 2, 8, 4, 6, 0} {
		_, err := service.Add(pk, bson.Int32(k), pages.PageAddress{PageID: 100, Index: byte(k)}, nil)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(10), pk.KeyCount)

	ascending, err := service.FindAll(pk, Ascending)
	require.NoError(t, err)
	require.Len(t, ascending, 10)
	for i, node := range ascending {
		require.Equal(t, int32(i), node.Key.AsInt32())
	}

	descending, err := service.FindAll(pk, Descending)
	require.NoError(t, err)
	for i, node := range descending {
		require.Equal(t, int32(9-i), node.Key.AsInt32())
	}
}

func TestAdd_UniqueViolation(t *testing.T) {
	service, pk := setupIndexService(t, true)

	_, err := service.Add(pk, bson.String("x"), pages.EmptyAddress, nil)
	require.NoError(t, err)
	_, err = service.Add(pk, bson.String("x"), pages.EmptyAddress, nil)
	require.ErrorIs(t, err, ErrDuplicateKey)

	// Non-unique indexes accept duplicates.
	nonUnique, idx := setupIndexService(t, false)
	_, err = nonUnique.Add(idx, bson.String("x"), pages.EmptyAddress, nil)
	require.NoError(t, err)
	_, err = nonUnique.Add(idx, bson.String("x"), pages.EmptyAddress, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx.KeyCount)
}

func TestFind_ExactAndSibling(t *testing.T) {
	service, pk := setupIndexService(t, true)
	for _, k := range []int32{10, 20, 30} {
		_, err := service.Add(pk, bson.Int32(k), pages.EmptyAddress, nil)
		require.NoError(t, err)
	}

	node, err := service.Find(pk, bson.Int32(20), false, Ascending)
	require.NoError(t, err)
	require.NotNil(t, node)
	require.Equal(t, int32(20), node.Key.AsInt32())

	// Miss without sibling yields nothing.
	node, err = service.Find(pk, bson.Int32(25), false, Ascending)
	require.NoError(t, err)
	require.Nil(t, node)

	// Miss with sibling returns the neighbor in the requested order.
	node, err = service.Find(pk, bson.Int32(25), true, Ascending)
	require.NoError(t, err)
	require.Equal(t, int32(30), node.Key.AsInt32())

	node, err = service.Find(pk, bson.Int32(25), true, Descending)
	require.NoError(t, err)
	require.Equal(t, int32(20), node.Key.AsInt32())

	// Beyond the edges the sibling is the head/tail sentinel: nothing.
	node, err = service.Find(pk, bson.Int32(99), true, Ascending)
	require.NoError(t, err)
	require.Nil(t, node)
	node, err = service.Find(pk, bson.Int32(1), true, Descending)
	require.NoError(t, err)
	require.Nil(t, node)
}

func TestDeleteSingle_Unsplices(t *testing.T) {
	service, pk := setupIndexService(t, true)
	for _, k := range []int32{1, 2, 3} {
		_, err := service.Add(pk, bson.Int32(k), pages.EmptyAddress, nil)
		require.NoError(t, err)
	}

	node, err := service.Find(pk, bson.Int32(2), false, Ascending)
	require.NoError(t, err)
	require.NoError(t, service.DeleteSingle(pk, node))
	require.Equal(t, uint64(2), pk.KeyCount)

	remaining, err := service.FindAll(pk, Ascending)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.Equal(t, int32(1), remaining[0].Key.AsInt32())
	require.Equal(t, int32(3), remaining[1].Key.AsInt32())

	gone, err := service.Find(pk, bson.Int32(2), false, Ascending)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestNodeChain_LinksDocuments(t *testing.T) {
	service, pk := setupIndexService(t, true)

	first, err := service.Add(pk, bson.Int32(1), pages.PageAddress{PageID: 50, Index: 0}, nil)
	require.NoError(t, err)
	second, err := service.Add(pk, bson.Int32(2), pages.PageAddress{PageID: 50, Index: 1}, first)
	require.NoError(t, err)

	require.Equal(t, second.Position, first.NextNode())
	require.True(t, second.NextNode().IsEmpty())
}
