package bufferpool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/chronolog-db/chronolog/core/storage/dberrors"
	"github.com/chronolog-db/chronolog/core/storage/disk"
	"github.com/chronolog-db/chronolog/core/storage/page"
	"github.com/chronolog-db/chronolog/pkg/logger"
	"github.com/chronolog-db/chronolog/pkg/telemetry"
)

// BufferPoolManager keeps a bounded set of pages resident in memory. It
// presents pinnable page buffers to callers, guarantees at most one resident
// copy of any page, writes dirty pages back lazily on eviction, and never
// evicts a pinned page.
//
// Every public operation acquires mu on entry and holds it until return,
// disk I/O included. The DiskManager has its own lock; the two are always
// taken in the order BufferPoolManager -> DiskManager.
type BufferPoolManager struct {
	poolSize    int
	diskManager *disk.DiskManager
	logger      *zap.Logger
	metrics     *telemetry.CacheMetrics

	mu        sync.Mutex
	pages     []*page.Page
	pageTable map[page.PageID]page.FrameID
	freeList  []page.FrameID
	replacer  *LRUReplacer
}

// NewBufferPoolManager creates a pool of poolSize frames, all initially on
// the free list.
func NewBufferPoolManager(poolSize int, diskManager *disk.DiskManager, lg *zap.Logger) *BufferPoolManager {
	lg = logger.Component(lg, logger.ComponentBufferPool)
	bpm := &BufferPoolManager{
		poolSize:    poolSize,
		diskManager: diskManager,
		logger:      lg,
		pages:       make([]*page.Page, poolSize),
		pageTable:   make(map[page.PageID]page.FrameID),
		freeList:    make([]page.FrameID, 0, poolSize),
		replacer:    NewLRUReplacer(),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = page.NewPage()
		bpm.freeList = append(bpm.freeList, page.FrameID(i))
	}
	lg.Info("buffer pool initialized", zap.Int("pool_size", poolSize))
	return bpm
}

// SetMetrics attaches cache instruments and publishes the pool's
// pinned-frame count as a gauge. Safe to leave unset.
func (bpm *BufferPoolManager) SetMetrics(m *telemetry.CacheMetrics) {
	bpm.metrics = m
	if err := m.RegisterPinnedFrames(bpm.pinnedFrames); err != nil {
		bpm.logger.Warn("failed to register pinned frames gauge", zap.Error(err))
	}
}

// pinnedFrames counts resident frames with at least one borrower.
func (bpm *BufferPoolManager) pinnedFrames() int64 {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var n int64
	for _, frameID := range bpm.pageTable {
		if bpm.pages[frameID].PinCount() > 0 {
			n++
		}
	}
	return n
}

// FetchPage returns the requested page pinned once, reading it from disk if
// it is not resident. Returns ErrBufferPoolFull when every frame is pinned.
func (bpm *BufferPoolManager) FetchPage(pageID page.PageID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if pageID < 0 {
		return nil, fmt.Errorf("%w: fetch of page %d", dberrors.ErrInvalidPageID, pageID)
	}

	if frameID, ok := bpm.pageTable[pageID]; ok {
		pg := bpm.pages[frameID]
		pg.IncPin()
		bpm.replacer.Pin(frameID)
		bpm.metrics.Hit(context.Background())
		bpm.logger.Debug("fetch hit",
			zap.Int32("page_id", int32(pageID)),
			zap.Int32("frame_id", int32(frameID)),
			zap.Uint32("pin_count", pg.PinCount()),
		)
		return pg, nil
	}

	frameID, ok := bpm.findVictim()
	if !ok {
		bpm.logger.Warn("fetch failed, all frames pinned", zap.Int32("page_id", int32(pageID)))
		return nil, fmt.Errorf("%w: fetching page %d", dberrors.ErrBufferPoolFull, pageID)
	}

	pg := bpm.pages[frameID]
	if err := bpm.evictResident(pg); err != nil {
		// Write-back failed; the frame still holds the victim intact.
		bpm.requeueVictim(pg, frameID)
		return nil, err
	}

	pg.Reset()
	if err := bpm.diskManager.ReadPage(pageID, pg.Data()); err != nil {
		// The frame holds nothing now; hand it back to the free list.
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("reading page %d: %w", pageID, err)
	}
	pg.StampHeaderPageID(pageID)
	pg.SetID(pageID)
	pg.SetPinCount(1)
	pg.SetDirty(false)
	bpm.pageTable[pageID] = frameID
	bpm.replacer.Pin(frameID)

	bpm.metrics.Miss(context.Background())
	bpm.logger.Debug("fetch miss, loaded from disk",
		zap.Int32("page_id", int32(pageID)),
		zap.Int32("frame_id", int32(frameID)),
	)
	return pg, nil
}

// NewPage allocates a fresh page on disk and returns it pinned once with a
// zeroed buffer whose header carries the new id. The page starts clean;
// callers declare dirtiness when they unpin.
func (bpm *BufferPoolManager) NewPage() (*page.Page, page.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.findVictim()
	if !ok {
		bpm.logger.Warn("new page failed, all frames pinned")
		return nil, page.InvalidPageID, fmt.Errorf("%w: allocating new page", dberrors.ErrBufferPoolFull)
	}

	pg := bpm.pages[frameID]
	if err := bpm.evictResident(pg); err != nil {
		bpm.requeueVictim(pg, frameID)
		return nil, page.InvalidPageID, err
	}

	pageID := bpm.diskManager.AllocatePage()
	pg.Reset()
	pg.StampHeaderPageID(pageID)
	pg.SetID(pageID)
	pg.SetPinCount(1)
	pg.SetDirty(false)
	bpm.pageTable[pageID] = frameID
	bpm.replacer.Pin(frameID)

	bpm.logger.Debug("new page",
		zap.Int32("page_id", int32(pageID)),
		zap.Int32("frame_id", int32(frameID)),
	)
	return pg, pageID, nil
}

// UnpinPage drops one pin on the page. When isDirty is true the frame is
// marked dirty; the dirty bit is sticky and only cleared by flush or
// eviction. Returns false if the page is not resident or its pin count is
// already zero.
func (bpm *BufferPoolManager) UnpinPage(pageID page.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false
	}
	pg := bpm.pages[frameID]
	if pg.PinCount() == 0 {
		bpm.logger.Warn("unpin of page with zero pin count", zap.Int32("page_id", int32(pageID)))
		return false
	}

	if isDirty {
		pg.SetDirty(true)
	}
	pg.DecPin()
	if pg.PinCount() == 0 {
		bpm.replacer.Unpin(frameID)
	}
	return true
}

// FlushPage writes the page's full 4KiB to disk and clears its dirty flag.
// The write is unconditional: a clean page is written all the same, since
// callers treat "I declared it dirty" as the contract. Returns false when
// the page is not resident.
func (bpm *BufferPoolManager) FlushPage(pageID page.PageID) (bool, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false, nil
	}
	pg := bpm.pages[frameID]
	if err := bpm.diskManager.WritePage(pageID, pg.Data()); err != nil {
		return false, fmt.Errorf("flushing page %d: %w", pageID, err)
	}
	pg.SetDirty(false)
	bpm.metrics.Flush(context.Background())
	bpm.logger.Debug("flushed page", zap.Int32("page_id", int32(pageID)))
	return true, nil
}

// FlushAllPages writes every dirty resident page to disk and clears its
// dirty flag, then syncs the backing file.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.flushAllLocked()
}

func (bpm *BufferPoolManager) flushAllLocked() error {
	var firstErr error
	for pageID, frameID := range bpm.pageTable {
		pg := bpm.pages[frameID]
		if !pg.IsDirty() {
			continue
		}
		if err := bpm.diskManager.WritePage(pageID, pg.Data()); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("flushing page %d: %w", pageID, err)
			}
			bpm.logger.Error("flush-all write failed", zap.Int32("page_id", int32(pageID)), zap.Error(err))
			continue
		}
		pg.SetDirty(false)
		bpm.metrics.Flush(context.Background())
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DeletePage discards the page's in-memory copy and frees its frame. The
// bytes are not written back; whatever is on disk stays as it is. Deleting
// a page that is not resident succeeds trivially. Returns false while the
// page is pinned.
func (bpm *BufferPoolManager) DeletePage(pageID page.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return true
	}
	pg := bpm.pages[frameID]
	if pg.PinCount() > 0 {
		bpm.logger.Debug("delete refused, page pinned",
			zap.Int32("page_id", int32(pageID)),
			zap.Uint32("pin_count", pg.PinCount()),
		)
		return false
	}

	bpm.replacer.Pin(frameID)
	delete(bpm.pageTable, pageID)
	pg.Reset()
	bpm.freeList = append(bpm.freeList, frameID)
	bpm.logger.Debug("deleted page", zap.Int32("page_id", int32(pageID)))
	return true
}

// Close flushes all dirty pages. The frames stay allocated; the pool is
// simply quiesced before its disk manager is closed by the owner.
func (bpm *BufferPoolManager) Close() error {
	return bpm.FlushAllPages()
}

// findVictim picks the frame to load into: the free list first, then the
// LRU replacer. It never writes back; the caller handles the victim's dirty
// state and page-table entry.
func (bpm *BufferPoolManager) findVictim() (page.FrameID, bool) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, true
	}
	return bpm.replacer.Victim()
}

// evictResident writes back a dirty victim and removes its page-table
// entry. A frame fresh off the free list holds no page and passes through
// untouched.
func (bpm *BufferPoolManager) evictResident(pg *page.Page) error {
	if pg.ID() == page.InvalidPageID {
		return nil
	}
	if pg.IsDirty() {
		if err := bpm.diskManager.WritePage(pg.ID(), pg.Data()); err != nil {
			return fmt.Errorf("writing back victim page %d: %w", pg.ID(), err)
		}
		pg.SetDirty(false)
		bpm.metrics.WriteBack(context.Background())
	}
	delete(bpm.pageTable, pg.ID())
	bpm.metrics.Eviction(context.Background())
	bpm.logger.Debug("evicted page", zap.Int32("page_id", int32(pg.ID())))
	return nil
}

// requeueVictim puts a frame back where findVictim took it from after a
// failed write-back, so the pool stays consistent.
func (bpm *BufferPoolManager) requeueVictim(pg *page.Page, frameID page.FrameID) {
	if pg.ID() == page.InvalidPageID {
		bpm.freeList = append(bpm.freeList, frameID)
		return
	}
	bpm.replacer.Unpin(frameID)
}

// DirtyPageIDs snapshots the ids of resident pages whose dirty flag is set.
func (bpm *BufferPoolManager) DirtyPageIDs() []page.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var ids []page.PageID
	for pageID, frameID := range bpm.pageTable {
		if bpm.pages[frameID].IsDirty() {
			ids = append(ids, pageID)
		}
	}
	return ids
}

// PinCount reports the pin count of a resident page. For tests.
func (bpm *BufferPoolManager) PinCount(pageID page.PageID) (uint32, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return 0, false
	}
	return bpm.pages[frameID].PinCount(), true
}

// ResidentCount reports how many frames currently hold a page.
func (bpm *BufferPoolManager) ResidentCount() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return len(bpm.pageTable)
}

// FreeCount reports the length of the free list.
func (bpm *BufferPoolManager) FreeCount() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return len(bpm.freeList)
}

// PoolSize reports the fixed number of frames.
func (bpm *BufferPoolManager) PoolSize() int {
	return bpm.poolSize
}
