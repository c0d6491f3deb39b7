package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/cache"
	"github.com/ProKn1fe/LiteDB/core/disk"
	"github.com/ProKn1fe/LiteDB/core/pages"
)

func setupWal(t *testing.T) (*WalIndex, *disk.DiskService) {
	t.Helper()
	pageCache := cache.NewMemoryCache(16, 8, zap.NewNop())
	service, err := disk.NewDiskService(disk.Settings{Filename: ":memory:"}, pageCache, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	service.SetLogPosition(pages.PageSize)
	return NewWalIndex(service, zap.NewNop()), service
}

func appendLogPage(t *testing.T, service *disk.DiskService, pageID, transactionID uint32, confirmed bool, fill byte) int64 {
	t.Helper()
	buf := service.Cache().NewPage()
	page := pages.NewBasePage(buf, pageID, pages.PageTypeData)
	page.SetTransactionStamp(transactionID, confirmed)
	page.UpdateBuffer()
	buf.Array[pages.PageHeaderSize] = fill
	positions, err := service.WriteLogPages([]*pages.PageBuffer{buf})
	require.NoError(t, err)
	require.NoError(t, service.Queue().Wait())
	return positions[0]
}

func TestWalIndex_ConfirmAndVersions(t *testing.T) {
	w, _ := setupWal(t)
	require.Equal(t, uint32(0), w.CurrentReadVersion())

	w.ConfirmTransaction(1, map[uint32]int64{5: 8192, 6: 16384})
	require.Equal(t, uint32(1), w.CurrentReadVersion())
	require.True(t, w.IsConfirmed(1))

	// Readers at version 0 keep the pre-commit view.
	_, ok := w.GetPageIndex(5, 0)
	require.False(t, ok)

	position, ok := w.GetPageIndex(5, 1)
	require.True(t, ok)
	require.Equal(t, int64(8192), position)

	// A newer version of the same page shadows the old one.
	w.ConfirmTransaction(2, map[uint32]int64{5: 24576})
	position, ok = w.GetPageIndex(5, 2)
	require.True(t, ok)
	require.Equal(t, int64(24576), position)

	// ...but version-1 readers still resolve the old copy.
	position, ok = w.GetPageIndex(5, 1)
	require.True(t, ok)
	require.Equal(t, int64(8192), position)
}

func TestWalIndex_RestoreIndex_ReplaysOnlyConfirmed(t *testing.T) {
	_, service := setupWal(t)

	// Transaction 7: two pages, confirmed.
	pos1 := appendLogPage(t, service, 10, 7, false, 0x01)
	pos2 := appendLogPage(t, service, 11, 7, true, 0x02)
	// Transaction 8: torn tail, never confirmed.
	appendLogPage(t, service, 12, 8, false, 0x03)

	restored := NewWalIndex(service, zap.NewNop())
	service.SetLogPosition(pages.PageSize)
	require.NoError(t, restored.RestoreIndex())

	position, ok := restored.GetPageIndex(10, restored.CurrentReadVersion())
	require.True(t, ok)
	require.Equal(t, pos1, position)
	position, ok = restored.GetPageIndex(11, restored.CurrentReadVersion())
	require.True(t, ok)
	require.Equal(t, pos2, position)

	// The unconfirmed page is invisible and the log end is truncated to the
	// last confirmed page.
	_, ok = restored.GetPageIndex(12, restored.CurrentReadVersion())
	require.False(t, ok)
	require.Equal(t, pos2+pages.PageSize, service.LogEndPosition())
}

func TestWalIndex_Checkpoint(t *testing.T) {
	w, service := setupWal(t)

	pos := appendLogPage(t, service, 1, 3, true, 0xEE)
	w.ConfirmTransaction(3, map[uint32]int64{1: pos})

	copied, err := w.Checkpoint(2*pages.PageSize, true)
	require.NoError(t, err)
	require.Equal(t, 1, copied)
	require.Equal(t, int64(1), w.Checkpoints())

	// The page landed at its home offset with a clean stamp.
	data, err := service.ReadDirect(1 * pages.PageSize)
	require.NoError(t, err)
	pageID, transactionID, confirmed := pages.ReadPageStamp(data)
	require.Equal(t, uint32(1), pageID)
	require.Zero(t, transactionID)
	require.False(t, confirmed)
	require.Equal(t, byte(0xEE), data[pages.PageHeaderSize])

	// Index cleared, log reset and cropped.
	_, ok := w.GetPageIndex(1, w.CurrentReadVersion())
	require.False(t, ok)
	require.Equal(t, int64(0), service.LogLength())
	length, err := service.Length()
	require.NoError(t, err)
	require.Equal(t, int64(2*pages.PageSize), length)
}
