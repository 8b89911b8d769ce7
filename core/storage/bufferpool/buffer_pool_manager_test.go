package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronolog-db/chronolog/core/storage/dberrors"
	"github.com/chronolog-db/chronolog/core/storage/disk"
	"github.com/chronolog-db/chronolog/core/storage/page"
	"github.com/chronolog-db/chronolog/pkg/telemetry"
)

func setupPool(t *testing.T, poolSize int) (*BufferPoolManager, *disk.DiskManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := disk.NewDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	bpm := NewBufferPoolManager(poolSize, dm, zap.NewNop())
	t.Cleanup(func() {
		bpm.Close()
		dm.Close()
	})
	return bpm, dm, path
}

// fileBytes reads the backing file region of one page. Missing or truncated
// regions read as zeros, like the disk manager's own reads.
func fileBytes(t *testing.T, path string, pageID page.PageID) []byte {
	t.Helper()
	data := make([]byte, page.PageSize)
	raw, err := os.ReadFile(path)
	if err != nil {
		require.True(t, os.IsNotExist(err))
		return data
	}
	off := int(pageID) * page.PageSize
	if off < len(raw) {
		copy(data, raw[off:])
	}
	return data
}

func TestNewPageStartsCleanAndStamped(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	pg, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, page.PageID(0), id)
	require.Equal(t, id, pg.ID())
	require.Equal(t, id, pg.HeaderPageID())
	require.Equal(t, uint32(1), pg.PinCount())
	require.False(t, pg.IsDirty())
}

func TestSimulatedCrash(t *testing.T) {
	bpm, _, path := setupPool(t, 5)

	pg, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(pg.Payload(), "CrucialData")
	require.True(t, bpm.UnpinPage(id, true))

	// Before the flush the bytes only live in the pool; a crash here would
	// lose them.
	onDisk := fileBytes(t, path, id)
	require.NotEqual(t, []byte("CrucialData"), onDisk[page.PageHeaderSize:page.PageHeaderSize+11])

	ok, err := bpm.FlushPage(id)
	require.NoError(t, err)
	require.True(t, ok)

	onDisk = fileBytes(t, path, id)
	require.Equal(t, []byte("CrucialData"), onDisk[page.PageHeaderSize:page.PageHeaderSize+11])
}

func TestLRUEvictionPreservesDirtyData(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	ids := make([]page.PageID, 5)
	for i := 0; i < 5; i++ {
		pg, id, err := bpm.NewPage()
		require.NoError(t, err)
		copy(pg.Payload(), fmt.Sprintf("Page-%d", i))
		require.True(t, bpm.UnpinPage(id, true))
		ids[i] = id
	}

	// The pool is full; the next allocation evicts the LRU frame, which
	// holds page 0, and must write it back first.
	_, _, err := bpm.NewPage()
	require.NoError(t, err)

	pg, err := bpm.FetchPage(ids[0])
	require.NoError(t, err)
	require.Equal(t, []byte("Page-0"), pg.Payload()[:6])
	require.True(t, bpm.UnpinPage(ids[0], false))
}

func TestDeleteClearsCache(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	pg, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(pg.Payload(), "Secret")
	require.True(t, bpm.UnpinPage(id, false))

	require.True(t, bpm.DeletePage(id))

	// The bytes were never flushed, so a re-fetch reads zeros from disk.
	pg, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.NotEqual(t, []byte("Secret"), pg.Payload()[:6])
	require.True(t, bpm.UnpinPage(id, false))
}

func TestAllPinnedRefusal(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	ids := make([]page.PageID, 5)
	for i := 0; i < 5; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.Equal(t, page.PageID(i), id)
		ids[i] = id
	}

	_, _, err := bpm.NewPage()
	require.ErrorIs(t, err, dberrors.ErrBufferPoolFull)
	_, err = bpm.FetchPage(999)
	require.ErrorIs(t, err, dberrors.ErrBufferPoolFull)

	// The pool stays operational: free one frame and retry.
	require.True(t, bpm.UnpinPage(ids[0], false))
	_, _, err = bpm.NewPage()
	require.NoError(t, err)
}

func TestStressSmallPool(t *testing.T) {
	bpm, _, _ := setupPool(t, 10)

	const pages = 1000
	for i := 0; i < pages; i++ {
		pg, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.Equal(t, page.PageID(i), id)
		copy(pg.Payload(), fmt.Sprintf("val:%d", i))
		require.True(t, bpm.UnpinPage(id, true))
	}

	for i := 0; i < pages; i++ {
		pg, err := bpm.FetchPage(page.PageID(i))
		require.NoError(t, err)
		want := fmt.Sprintf("val:%d", i)
		require.Equal(t, []byte(want), pg.Payload()[:len(want)])
		require.Equal(t, page.PageID(i), pg.HeaderPageID())
		require.True(t, bpm.UnpinPage(page.PageID(i), false))
	}
}

func TestDeleteIdempotent(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	_, id, err := bpm.NewPage()
	require.NoError(t, err)

	// Pinned pages cannot be deleted.
	require.False(t, bpm.DeletePage(id))
	require.True(t, bpm.UnpinPage(id, false))

	require.True(t, bpm.DeletePage(id))
	require.True(t, bpm.DeletePage(id))
}

func TestFlushIsUnconditional(t *testing.T) {
	bpm, dm, _ := setupPool(t, 5)

	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(id, false))

	// The page was never dirtied, yet both flushes must hit the disk.
	before := dm.NumFlushes()
	ok, err := bpm.FlushPage(id)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = bpm.FlushPage(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, before+2, dm.NumFlushes())
}

func TestFlushOfAbsentPage(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)
	ok, err := bpm.FlushPage(42)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnpinPreconditions(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	require.False(t, bpm.UnpinPage(42, false))

	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(id, false))
	// Second unpin would drive the pin count negative.
	require.False(t, bpm.UnpinPage(id, false))
}

func TestDirtyBitIsSticky(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	pg, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(pg.Payload(), "sticky")
	require.True(t, bpm.UnpinPage(id, true))

	// A later clean unpin must not wash out the dirty bit.
	_, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(id, false))
	require.Contains(t, bpm.DirtyPageIDs(), id)
}

func TestFramePartition(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	check := func() {
		require.Equal(t, 5, bpm.ResidentCount()+bpm.FreeCount())
	}
	check()

	ids := make([]page.PageID, 3)
	for i := range ids {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		ids[i] = id
		check()
	}
	for _, id := range ids {
		require.True(t, bpm.UnpinPage(id, true))
		check()
	}
	require.True(t, bpm.DeletePage(ids[1]))
	check()
	require.Equal(t, 2, bpm.ResidentCount())
	require.Equal(t, 3, bpm.FreeCount())
}

func TestFlushAllPages(t *testing.T) {
	bpm, _, path := setupPool(t, 5)

	contents := map[page.PageID]string{}
	for i := 0; i < 4; i++ {
		pg, id, err := bpm.NewPage()
		require.NoError(t, err)
		payload := fmt.Sprintf("flush-all-%d", i)
		copy(pg.Payload(), payload)
		contents[id] = payload
		require.True(t, bpm.UnpinPage(id, true))
	}

	require.NoError(t, bpm.FlushAllPages())
	require.Empty(t, bpm.DirtyPageIDs())

	for id, payload := range contents {
		onDisk := fileBytes(t, path, id)
		require.Equal(t, []byte(payload), onDisk[page.PageHeaderSize:page.PageHeaderSize+len(payload)])
	}
}

func TestFetchRejectsInvalidID(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)
	_, err := bpm.FetchPage(page.InvalidPageID)
	require.Error(t, err)
	require.True(t, errors.Is(err, dberrors.ErrInvalidPageID))
}

func TestCacheMetricsWiring(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: false})
	require.NoError(t, err)
	defer shutdown(context.Background())
	bpm.SetMetrics(tel.Cache)

	// Exercise every instrumented path: miss, hit, eviction with
	// write-back, explicit flush, and the pinned-frames gauge closure.
	ids := make([]page.PageID, 5)
	for i := range ids {
		pg, id, err := bpm.NewPage()
		require.NoError(t, err)
		copy(pg.Payload(), "metrics")
		ids[i] = id
	}
	require.Equal(t, int64(5), bpm.pinnedFrames())

	for _, id := range ids {
		require.True(t, bpm.UnpinPage(id, true))
	}
	require.Equal(t, int64(0), bpm.pinnedFrames())

	_, _, err = bpm.NewPage() // evicts a dirty page
	require.NoError(t, err)
	_, err = bpm.FetchPage(ids[0]) // miss, then hit
	require.NoError(t, err)
	_, err = bpm.FetchPage(ids[0])
	require.NoError(t, err)
	ok, err := bpm.FlushPage(ids[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), bpm.pinnedFrames())
}

func TestPinCountAccountsForEachBorrower(t *testing.T) {
	bpm, _, _ := setupPool(t, 5)

	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
	}
	count, ok := bpm.PinCount(id)
	require.True(t, ok)
	require.Equal(t, uint32(4), count)

	for i := 0; i < 4; i++ {
		require.True(t, bpm.UnpinPage(id, false))
	}
	count, _ = bpm.PinCount(id)
	require.Equal(t, uint32(0), count)
}
