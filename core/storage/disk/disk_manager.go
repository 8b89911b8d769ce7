package disk

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronolog-db/chronolog/core/storage/dberrors"
	"github.com/chronolog-db/chronolog/core/storage/page"
	"github.com/chronolog-db/chronolog/pkg/logger"
)

// openRetries bounds the retry loop when an existing file refuses to open
// (typically held by another process for a moment during tests).
const (
	openRetries    = 10
	openRetryDelay = 100 * time.Millisecond
)

// DiskManager performs the reading and writing of 4KiB pages to and from a
// single backing file. Page i lives at byte offset i*PageSize. It also hands
// out page IDs from a monotonically increasing counter.
type DiskManager struct {
	filePath string
	file     *os.File
	logger   *zap.Logger

	nextPageID page.PageID
	numFlushes int

	// mu serializes every file operation so that a size check and the
	// transfer that follows it are atomic relative to other DiskManager calls.
	mu sync.Mutex
}

// NewDiskManager opens the backing file read/write, creating it if absent.
// The next-page-id counter is derived from the file length so that a
// reopened file does not hand out IDs that would overwrite existing pages.
func NewDiskManager(filePath string, lg *zap.Logger) (*DiskManager, error) {
	lg = logger.Component(lg, logger.ComponentDisk)

	var file *os.File
	var err error

	if _, statErr := os.Stat(filePath); os.IsNotExist(statErr) {
		// Create, then reopen in plain read/write mode.
		file, err = os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", dberrors.ErrIO, filePath, err)
		}
		if err = file.Close(); err != nil {
			return nil, fmt.Errorf("%w: closing new file %s: %v", dberrors.ErrIO, filePath, err)
		}
		file, err = os.OpenFile(filePath, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: reopening file %s: %v", dberrors.ErrIO, filePath, err)
		}
	} else if statErr != nil {
		return nil, fmt.Errorf("%w: stating file %s: %v", dberrors.ErrIO, filePath, statErr)
	} else {
		for attempt := 0; ; attempt++ {
			file, err = os.OpenFile(filePath, os.O_RDWR, 0666)
			if err == nil {
				break
			}
			if attempt+1 >= openRetries {
				return nil, fmt.Errorf("%w: opening existing file %s: %v", dberrors.ErrIO, filePath, err)
			}
			time.Sleep(openRetryDelay)
		}
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: getting file info for %s: %v", dberrors.ErrIO, filePath, err)
	}

	dm := &DiskManager{
		filePath:   filePath,
		file:       file,
		logger:     lg,
		nextPageID: page.PageID(fi.Size() / page.PageSize),
	}
	lg.Info("disk manager opened",
		zap.String("file", filePath),
		zap.Int32("next_page_id", int32(dm.nextPageID)),
	)
	return dm, nil
}

// ReadPage reads the page's full 4KiB block into data. Reads at or past the
// end of the file yield zeros; a short read at the end of the file has its
// tail zero-filled.
func (dm *DiskManager) ReadPage(pageID page.PageID, data []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if pageID < 0 {
		return fmt.Errorf("%w: read of page %d", dberrors.ErrInvalidPageID, pageID)
	}
	if len(data) != page.PageSize {
		return fmt.Errorf("%w: read buffer size %d != page size %d", dberrors.ErrIO, len(data), page.PageSize)
	}

	offset := int64(pageID) * page.PageSize
	fi, err := dm.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stating %s: %v", dberrors.ErrIO, dm.filePath, err)
	}
	if offset >= fi.Size() {
		for i := range data {
			data[i] = 0
		}
		return nil
	}

	n, err := dm.file.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", dberrors.ErrIO, pageID, offset, err)
	}
	// Partial read at end of file: zero the tail.
	for i := n; i < page.PageSize; i++ {
		data[i] = 0
	}
	return nil
}

// WritePage writes the page's full 4KiB block at its offset, extending the
// file as needed. os.File keeps no user-space buffer, so the bytes have been
// handed to the OS when it returns; it does not fsync (see Sync).
func (dm *DiskManager) WritePage(pageID page.PageID, data []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if pageID < 0 {
		return fmt.Errorf("%w: write of page %d", dberrors.ErrInvalidPageID, pageID)
	}
	if len(data) != page.PageSize {
		return fmt.Errorf("%w: write buffer size %d != page size %d", dberrors.ErrIO, len(data), page.PageSize)
	}

	offset := int64(pageID) * page.PageSize
	n, err := dm.file.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", dberrors.ErrIO, pageID, offset, err)
	}
	if n != page.PageSize {
		return fmt.Errorf("%w: page %d, wrote %d of %d bytes", dberrors.ErrShortWrite, pageID, n, page.PageSize)
	}

	dm.numFlushes++
	dm.logger.Debug("wrote page", zap.Int32("page_id", int32(pageID)), zap.Int64("offset", offset))
	return nil
}

// AllocatePage returns the next page ID. IDs are never reused.
func (dm *DiskManager) AllocatePage() page.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	id := dm.nextPageID
	dm.nextPageID++
	return id
}

// NumFlushes reports the number of successful WritePage calls since the
// manager was constructed. Exposed for test observability.
func (dm *DiskManager) NumFlushes() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numFlushes
}

// Sync forces all written data down to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", dberrors.ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the backing file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("sync on close failed", zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
