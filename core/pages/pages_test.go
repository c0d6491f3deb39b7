package pages

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ProKn1fe/LiteDB/core/bson"
)

func newTestBuffer() *PageBuffer {
	return NewPageBuffer(make([]byte, PageSize), 0)
}

func TestBasePage_HeaderRoundTrip(t *testing.T) {
	buf := newTestBuffer()
	page := NewBasePage(buf, 7, PageTypeData)
	page.SetPrevPageID(3)
	page.SetNextPageID(9)
	page.SetColID(2)
	page.SetPageListSlot(1)
	page.SetTransactionStamp(99, true)
	page.MarshalHeader()

	loaded, err := LoadBasePage(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(7), loaded.ID())
	require.Equal(t, PageTypeData, loaded.Type())
	require.Equal(t, uint32(3), loaded.PrevPageID())
	require.Equal(t, uint32(9), loaded.NextPageID())
	require.Equal(t, uint32(2), loaded.ColID())
	require.Equal(t, byte(1), loaded.PageListSlot())
	require.Equal(t, uint32(99), loaded.TransactionID())
	require.True(t, loaded.IsConfirmed())
}

func TestBasePage_InvalidTypeTag(t *testing.T) {
	buf := newTestBuffer()
	buf.Array[offPageType] = 0x77
	_, err := LoadBasePage(buf)
	require.ErrorIs(t, err, ErrInvalidPageType)
}

func TestBasePage_InsertGetDelete(t *testing.T) {
	page := NewBasePage(newTestBuffer(), 1, PageTypeData)

	index, span, err := page.Insert(11)
	require.NoError(t, err)
	require.Equal(t, byte(0), index)
	copy(span, "hello world")

	got, err := page.Get(index)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
	require.Equal(t, 1, page.ItemsCount())
	require.Equal(t, 11, page.UsedBytes())

	require.NoError(t, page.Delete(index))
	require.Equal(t, 0, page.ItemsCount())
	require.Equal(t, 0, page.UsedBytes())
	require.Equal(t, EmptySlot, page.HighestIndex())

	_, err = page.Get(index)
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func TestBasePage_SlotReuseStaysDense(t *testing.T) {
	page := NewBasePage(newTestBuffer(), 1, PageTypeData)

	i0, _, err := page.Insert(10)
	require.NoError(t, err)
	i1, _, err := page.Insert(10)
	require.NoError(t, err)
	i2, _, err := page.Insert(10)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2}, []byte{i0, i1, i2})

	require.NoError(t, page.Delete(i1))
	reused, _, err := page.Insert(10)
	require.NoError(t, err)
	require.Equal(t, i1, reused, "deleted slot must be reused")
	require.Equal(t, byte(2), page.HighestIndex())
	_ = i2
}

func TestBasePage_DefragmentOnFragmentedInsert(t *testing.T) {
	page := NewBasePage(newTestBuffer(), 1, PageTypeData)

	// Fill the page with chunks, delete every other one, then ask for a
	// record larger than any single hole.
	var indexes []byte
	for {
		index, span, err := page.Insert(500)
		if err != nil {
			break
		}
		for i := range span {
			span[i] = index
		}
		indexes = append(indexes, index)
	}
	require.GreaterOrEqual(t, len(indexes), 10)

	for i := 0; i < len(indexes); i += 2 {
		require.NoError(t, page.Delete(indexes[i]))
	}
	require.Positive(t, page.FragmentedBytes())

	index, span, err := page.Insert(900)
	require.NoError(t, err, "insert after defragment must succeed")
	require.Equal(t, 900, len(span))
	require.Zero(t, page.FragmentedBytes())

	// Surviving records kept their content through the compaction.
	for i := 1; i < len(indexes); i += 2 {
		got, err := page.Get(indexes[i])
		require.NoError(t, err)
		require.Equal(t, indexes[i], got[0])
	}
	_ = index
}

func TestBasePage_Update(t *testing.T) {
	page := NewBasePage(newTestBuffer(), 1, PageTypeData)
	index, span, err := page.Insert(5)
	require.NoError(t, err)
	copy(span, "aaaaa")

	span, err = page.Update(index, 8)
	require.NoError(t, err)
	require.Equal(t, 8, len(span))
	copy(span, "bbbbbbbb")

	got, err := page.Get(index)
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbb", string(got))
	require.Equal(t, 1, page.ItemsCount())
}

func TestFreeSlots(t *testing.T) {
	require.Equal(t, byte(0), FreeSlotFor(5000))
	require.Equal(t, byte(0), FreeSlotFor(1000))
	require.Equal(t, byte(1), FreeSlotFor(999))
	require.Equal(t, byte(2), FreeSlotFor(400))
	require.Equal(t, byte(3), FreeSlotFor(100))
	require.Equal(t, byte(4), FreeSlotFor(10))

	require.Equal(t, 0, MinimumSlotFor(700))
	require.Equal(t, 1, MinimumSlotFor(600))
	require.Equal(t, 2, MinimumSlotFor(250))
	require.Equal(t, 3, MinimumSlotFor(90))
	require.Equal(t, -1, MinimumSlotFor(1001))
}

func TestHeaderPage_RoundTrip(t *testing.T) {
	buf := newTestBuffer()
	header := NewHeaderPage(buf)
	header.SetLastPageID(12)
	header.SetFreeEmptyPageList(5)
	header.SetCollation("en/IgnoreCase")
	require.NoError(t, header.SetPragma(PragmaUserVersion, bson.Int32(7)))
	require.NoError(t, header.SetPragma(PragmaTimeout, bson.Int32(30)))
	require.NoError(t, header.SetPragma(PragmaUtcDate, bson.Bool(true)))
	require.NoError(t, header.InsertCollection("people", 4))
	require.NoError(t, header.InsertCollection("orders", 8))
	header.UpdateBuffer()

	loaded, err := LoadHeaderPage(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(12), loaded.LastPageID())
	require.Equal(t, uint32(5), loaded.FreeEmptyPageList())
	require.Equal(t, "en/IgnoreCase", loaded.Pragmas().Collation)
	require.Equal(t, uint32(7), loaded.Pragmas().UserVersion)
	require.Equal(t, uint32(30), loaded.Pragmas().Timeout)
	require.True(t, loaded.Pragmas().UtcDate)

	id, ok := loaded.GetCollectionPageID("people")
	require.True(t, ok)
	require.Equal(t, uint32(4), id)
	require.Equal(t, []string{"orders", "people"}, loaded.CollectionNames())
}

func TestHeaderPage_SignatureMismatch(t *testing.T) {
	buf := newTestBuffer()
	header := NewHeaderPage(buf)
	header.UpdateBuffer()
	buf.Array[offHeaderInfo] ^= 0xFF

	_, err := LoadHeaderPage(buf)
	require.ErrorIs(t, err, ErrInvalidDatabase)
}

func TestHeaderPage_PragmaValidation(t *testing.T) {
	header := NewHeaderPage(newTestBuffer())
	require.ErrorIs(t, header.SetPragma(PragmaCollation, bson.String("en")), ErrPragmaReadOnly)
	require.ErrorIs(t, header.SetPragma(PragmaTimeout, bson.Int32(0)), ErrPragmaInvalid)
	require.ErrorIs(t, header.SetPragma("NO_SUCH", bson.Int32(1)), ErrPragmaUnknown)
	_, err := header.Pragma("NO_SUCH")
	require.ErrorIs(t, err, ErrPragmaUnknown)
}

func TestHeaderPage_SavepointRestore(t *testing.T) {
	header := NewHeaderPage(newTestBuffer())
	require.NoError(t, header.InsertCollection("keep", 3))
	savepoint := header.Savepoint()

	header.SetLastPageID(99)
	require.NoError(t, header.InsertCollection("extra", 9))

	require.NoError(t, header.Restore(savepoint))
	require.Equal(t, uint32(0), header.LastPageID())
	_, ok := header.GetCollectionPageID("extra")
	require.False(t, ok)
	_, ok = header.GetCollectionPageID("keep")
	require.True(t, ok)
}

func TestCollectionPage_RoundTrip(t *testing.T) {
	buf := newTestBuffer()
	page := NewCollectionPage(buf, 4)
	page.SetFreeDataPageList(2, 77)

	index, err := page.InsertCollectionIndex("byName", "$.name", true)
	require.NoError(t, err)
	index.Head = PageAddress{PageID: 10, Index: 0}
	index.Tail = PageAddress{PageID: 10, Index: 1}
	index.MaxLevel = 4
	index.KeyCount = 123
	page.PK().Head = PageAddress{PageID: 9, Index: 0}
	page.PK().Tail = PageAddress{PageID: 9, Index: 1}
	page.UpdateBuffer()

	loaded, err := LoadCollectionPage(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(77), loaded.FreeDataPageList(2))
	require.Equal(t, EmptyPageID, loaded.FreeDataPageList(0))

	pk := loaded.PK()
	require.Equal(t, "_id", pk.Name)
	require.True(t, pk.Unique)
	require.Equal(t, PageAddress{PageID: 9, Index: 0}, pk.Head)

	byName, ok := loaded.GetCollectionIndex("byName")
	require.True(t, ok)
	require.Equal(t, "$.name", byName.Expr)
	require.Equal(t, byte(4), byName.MaxLevel)
	require.Equal(t, uint64(123), byName.KeyCount)
}

func TestCollectionPage_CannotDropPK(t *testing.T) {
	page := NewCollectionPage(newTestBuffer(), 4)
	require.Error(t, page.DeleteCollectionIndex("_id"))
}

func TestDataPage_Blocks(t *testing.T) {
	page := NewDataPage(newTestBuffer(), 3, 4)
	block, err := page.InsertBlock(6)
	require.NoError(t, err)
	copy(block.Payload(), "abcdef")
	require.True(t, block.NextBlock().IsEmpty())

	block.SetNextBlock(PageAddress{PageID: 8, Index: 2})

	got, err := page.GetBlock(block.Position.Index)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(got.Payload()))
	require.Equal(t, PageAddress{PageID: 8, Index: 2}, got.NextBlock())

	require.NoError(t, page.DeleteBlock(block.Position.Index))
	require.Equal(t, 0, page.ItemsCount())
}

func TestIndexPage_Nodes(t *testing.T) {
	page := NewIndexPage(newTestBuffer(), 6, 4)

	key := bson.String("alpha")
	encoded, err := bson.EncodeValue(key)
	require.NoError(t, err)

	node, err := page.InsertNode(1, 3, key, PageAddress{PageID: 2, Index: 0}, len(encoded))
	require.NoError(t, err)
	require.Equal(t, byte(1), node.Slot)
	require.Equal(t, byte(3), node.Levels)
	require.Equal(t, PageAddress{PageID: 2, Index: 0}, node.DataBlock())
	require.True(t, node.GetNext(0).IsEmpty())

	node.SetNext(1, PageAddress{PageID: 9, Index: 4})
	node.SetPrev(0, PageAddress{PageID: 7, Index: 1})
	node.SetNextNode(PageAddress{PageID: 5, Index: 5})

	reloaded, err := page.GetNode(node.Position.Index)
	require.NoError(t, err)
	require.Zero(t, reloaded.Key.Compare(key, nil))
	require.Equal(t, PageAddress{PageID: 9, Index: 4}, reloaded.GetNext(1))
	require.Equal(t, PageAddress{PageID: 7, Index: 1}, reloaded.GetPrev(0))
	require.Equal(t, PageAddress{PageID: 5, Index: 5}, reloaded.NextNode())
}

func TestPageBuffer_ShareStateMachine(t *testing.T) {
	buf := newTestBuffer()
	require.Equal(t, int32(0), buf.ShareCounter())

	require.True(t, buf.TryShare())
	require.Equal(t, int32(1), buf.ShareCounter())
	require.False(t, buf.MakeWritable(), "shared buffer cannot become writable")
	require.Equal(t, int32(0), buf.Release())

	require.True(t, buf.MakeWritable())
	require.True(t, buf.IsWritable())
	require.False(t, buf.TryShare(), "writable buffer cannot be shared")

	require.True(t, buf.MakeReadable())
	require.Equal(t, int32(1), buf.ShareCounter())
}
