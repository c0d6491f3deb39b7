package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/cache"
	"github.com/ProKn1fe/LiteDB/core/pages"
)

func setupDiskService(t *testing.T, settings Settings) *DiskService {
	t.Helper()
	pageCache := cache.NewMemoryCache(8, 4, zap.NewNop())
	service, err := NewDiskService(settings, pageCache, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	return service
}

func newLogPage(t *testing.T, service *DiskService, pageID, transactionID uint32, confirmed bool) *pages.PageBuffer {
	t.Helper()
	buf := service.Cache().NewPage()
	page := pages.NewBasePage(buf, pageID, pages.PageTypeData)
	page.SetTransactionStamp(transactionID, confirmed)
	page.UpdateBuffer()
	return buf
}

func TestDiskService_MemoryBootstrap(t *testing.T) {
	service := setupDiskService(t, Settings{Filename: ":memory:"})
	require.True(t, service.IsNew())

	length, err := service.Length()
	require.NoError(t, err)
	require.Equal(t, int64(0), length)
}

func TestDiskService_WriteLogPages(t *testing.T) {
	service := setupDiskService(t, Settings{Filename: ":memory:"})
	service.SetLogPosition(pages.PageSize)

	bufs := []*pages.PageBuffer{
		newLogPage(t, service, 1, 10, false),
		newLogPage(t, service, 2, 10, true),
	}
	positions, err := service.WriteLogPages(bufs)
	require.NoError(t, err)
	require.Equal(t, []int64{pages.PageSize, 2 * pages.PageSize}, positions)
	require.NoError(t, service.Queue().Wait())

	require.Equal(t, int64(2*pages.PageSize), service.LogLength())

	// The pages are durable and readable back by position.
	data, err := service.ReadDirect(positions[1])
	require.NoError(t, err)
	pageID, transactionID, confirmed := pages.ReadPageStamp(data)
	require.Equal(t, uint32(2), pageID)
	require.Equal(t, uint32(10), transactionID)
	require.True(t, confirmed)
}

func TestDiskService_ResetLogPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reset.db")
	service := setupDiskService(t, Settings{Filename: path})
	service.SetLogPosition(pages.PageSize)

	_, err := service.WriteLogPages([]*pages.PageBuffer{newLogPage(t, service, 1, 5, true)})
	require.NoError(t, err)
	require.NoError(t, service.Queue().Wait())

	require.NoError(t, service.ResetLogPosition(pages.PageSize, true))
	require.Equal(t, int64(0), service.LogLength())

	length, err := service.Length()
	require.NoError(t, err)
	require.Equal(t, int64(pages.PageSize), length)
}

func TestDiskService_EncryptionDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enc.db")

	encrypted := setupDiskService(t, Settings{Filename: path, Password: "secret"})
	require.True(t, encrypted.IsNew())
	buf := make([]byte, pages.PageSize)
	for i := range buf {
		buf[i] = 0xAA
	}
	require.NoError(t, encrypted.WriteBytes(buf, 0))
	require.NoError(t, encrypted.Flush())
	require.NoError(t, encrypted.Close())

	pageCache := cache.NewMemoryCache(8, 4, zap.NewNop())
	_, err := NewDiskService(Settings{Filename: path}, pageCache, zap.NewNop())
	require.ErrorIs(t, err, ErrPasswordRequired)

	plainPath := filepath.Join(dir, "plain.db")
	plain := setupDiskService(t, Settings{Filename: plainPath})
	require.NoError(t, plain.WriteBytes(buf, 0))
	require.NoError(t, plain.Flush())
	require.NoError(t, plain.Close())

	_, err = NewDiskService(Settings{Filename: plainPath, Password: "secret"}, pageCache, zap.NewNop())
	require.ErrorIs(t, err, ErrNotEncrypted)
}

func TestDiskWriterQueue_WaitFlushes(t *testing.T) {
	service := setupDiskService(t, Settings{Filename: ":memory:"})
	service.SetLogPosition(0)

	const count = 20
	bufs := make([]*pages.PageBuffer, 0, count)
	for i := uint32(0); i < count; i++ {
		bufs = append(bufs, newLogPage(t, service, i+1, 7, i == count-1))
	}
	_, err := service.WriteLogPages(bufs)
	require.NoError(t, err)
	require.NoError(t, service.Queue().Wait())

	// After Wait every page is written and every reference released.
	for i, buf := range bufs {
		require.Equal(t, int32(0), buf.ShareCounter(), "page %d still referenced", i)
	}
	length, err := service.Length()
	require.NoError(t, err)
	require.Equal(t, int64(count*pages.PageSize), length)
}

func TestDiskService_ReaderReadPage(t *testing.T) {
	service := setupDiskService(t, Settings{Filename: ":memory:"})
	service.SetLogPosition(pages.PageSize)

	_, err := service.WriteLogPages([]*pages.PageBuffer{newLogPage(t, service, 3, 9, true)})
	require.NoError(t, err)
	require.NoError(t, service.Queue().Wait())

	reader, err := service.NewReader()
	require.NoError(t, err)
	defer reader.Dispose()

	buf, err := reader.ReadPage(pages.PageSize, false)
	require.NoError(t, err)
	pageID, _, _ := pages.ReadPageStamp(buf.Array)
	require.Equal(t, uint32(3), pageID)
	buf.Release()

	writable, err := reader.ReadPage(pages.PageSize, true)
	require.NoError(t, err)
	require.True(t, writable.IsWritable())
	service.Cache().DiscardPage(writable)
}
