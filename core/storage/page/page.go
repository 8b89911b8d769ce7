package page

import (
	"encoding/binary"
	"sync"
)

// PageID identifies a 4KiB page inside the backing file. Valid IDs are
// non-negative and handed out by the DiskManager in allocation order.
type PageID int32

// FrameID names a slot in the buffer pool's in-memory frame array.
type FrameID int32

const (
	InvalidPageID  PageID  = -1
	InvalidFrameID FrameID = -1

	// PageSize is the fixed on-disk page size. Every disk transfer moves
	// exactly this many bytes.
	PageSize = 4096

	// PageHeaderSize is the number of bytes at the front of every page
	// reserved for the header. Payload starts at this offset.
	PageHeaderSize = 16
)

// Version numbers committed snapshots of the index. Stored in the page
// header so a page can be attributed to the version that produced it.
type Version uint64

const InvalidVersion Version = 0

// Header byte offsets inside the page buffer. All fields little-endian.
//
//	[0:4)   page id (int32)
//	[4:12)  creation version (uint64)
//	[12:14) key count (uint16)
//	[14]    leaf flag
//	[15]    reserved
const (
	headerPageIDOff   = 0
	headerVersionOff  = 4
	headerKeyCountOff = 12
	headerLeafOff     = 14
)

// Page is an in-memory copy of a disk page plus the bookkeeping the buffer
// pool needs. The metadata fields (id, pinCount, isDirty) are owned by the
// BufferPoolManager and only mutated under its latch; callers observe them
// through the read-only accessors.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool

	// latch protects the page contents between concurrent pinners. The
	// cache itself never takes it; clients coordinate through it.
	latch sync.RWMutex
}

// NewPage creates an empty, unpinned frame buffer.
func NewPage() *Page {
	return &Page{
		id:   InvalidPageID,
		data: make([]byte, PageSize),
	}
}

// Data returns the full 4KiB buffer, header included. This is the slice the
// cache reads from and writes to disk.
func (p *Page) Data() []byte { return p.data }

// Payload returns the domain bytes after the header.
func (p *Page) Payload() []byte { return p.data[PageHeaderSize:] }

// HeaderBytes returns the raw header region.
func (p *Page) HeaderBytes() []byte { return p.data[:PageHeaderSize] }

// ID reports which page this frame currently holds, or InvalidPageID.
func (p *Page) ID() PageID { return p.id }

// PinCount reports the number of active borrowers. Read-only, for tests.
func (p *Page) PinCount() uint32 { return p.pinCount }

// IsDirty reports whether the in-memory bytes differ from the disk copy.
func (p *Page) IsDirty() bool { return p.isDirty }

// HeaderPageID decodes the page id stamped in the header.
func (p *Page) HeaderPageID() PageID {
	return PageID(int32(binary.LittleEndian.Uint32(p.data[headerPageIDOff:])))
}

// StampHeaderPageID writes id into the header's page-id field.
func (p *Page) StampHeaderPageID(id PageID) {
	binary.LittleEndian.PutUint32(p.data[headerPageIDOff:], uint32(id))
}

// HeaderVersion decodes the creation version field.
func (p *Page) HeaderVersion() Version {
	return Version(binary.LittleEndian.Uint64(p.data[headerVersionOff:]))
}

// SetHeaderVersion stamps the creation version field.
func (p *Page) SetHeaderVersion(v Version) {
	binary.LittleEndian.PutUint64(p.data[headerVersionOff:], uint64(v))
}

// KeyCount decodes the key-count header field. Maintained by the index
// adapters; opaque to the cache.
func (p *Page) KeyCount() uint16 {
	return binary.LittleEndian.Uint16(p.data[headerKeyCountOff:])
}

// SetKeyCount stamps the key-count header field.
func (p *Page) SetKeyCount(n uint16) {
	binary.LittleEndian.PutUint16(p.data[headerKeyCountOff:], n)
}

// IsLeaf decodes the leaf flag.
func (p *Page) IsLeaf() bool { return p.data[headerLeafOff] == 1 }

// SetLeaf stamps the leaf flag.
func (p *Page) SetLeaf(leaf bool) {
	if leaf {
		p.data[headerLeafOff] = 1
	} else {
		p.data[headerLeafOff] = 0
	}
}

// Reset zeroes the buffer and clears all metadata, returning the frame to
// its never-used state.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	for i := range p.data {
		p.data[i] = 0
	}
}

// SetID, SetPinCount, IncPin, DecPin and SetDirty are the mutation points
// for frame metadata. They must only be called by the buffer pool while its
// latch is held.

func (p *Page) SetID(id PageID)      { p.id = id }
func (p *Page) SetPinCount(n uint32) { p.pinCount = n }
func (p *Page) IncPin()              { p.pinCount++ }
func (p *Page) SetDirty(dirty bool)  { p.isDirty = dirty }

func (p *Page) DecPin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// RLock acquires a shared latch on the page contents.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a shared latch.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires an exclusive latch on the page contents.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases an exclusive latch.
func (p *Page) Unlock() { p.latch.Unlock() }
