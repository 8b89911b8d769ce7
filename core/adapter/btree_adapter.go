package adapter

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/chronolog-db/chronolog/core/storage/dberrors"
	"github.com/chronolog-db/chronolog/core/storage/page"
)

// B+tree node layouts inside the 4080-byte payload. The leaf flag and key
// count live in the page header.
//
// Leaf:     [next leaf id int32] then keyCount entries of
//           [key len uint16][val len uint16][key][val], sorted by key.
// Internal: [child0 id int32] then keyCount entries of
//           [key len uint16][key][child id int32], keys sorted. Child i+1
//           covers keys >= separator i.
const nodePrefixSize = 4

type leafEntry struct {
	key   string
	value string
}

// BTreeAdapter implements TreeAdapter with an order-preserving B+tree node
// codec. Parent pointers are deliberately absent from the layout: the
// version manager tracks the path on its stack, which is what makes
// copy-on-write node copies cheap.
type BTreeAdapter struct {
	logger *zap.Logger

	mu    sync.RWMutex
	roots map[page.Version]page.PageID
}

// NewBTreeAdapter creates an adapter with an empty version-root registry.
func NewBTreeAdapter(logger *zap.Logger) *BTreeAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BTreeAdapter{
		logger: logger,
		roots:  make(map[page.Version]page.PageID),
	}
}

func (a *BTreeAdapter) InitLeaf(pg *page.Page) {
	pg.SetLeaf(true)
	pg.SetKeyCount(0)
	putPageID(pg.Payload()[:nodePrefixSize], page.InvalidPageID)
}

func (a *BTreeAdapter) InitInternal(pg *page.Page) {
	pg.SetLeaf(false)
	pg.SetKeyCount(0)
	putPageID(pg.Payload()[:nodePrefixSize], page.InvalidPageID)
}

func (a *BTreeAdapter) IsLeaf(pg *page.Page) bool { return pg.IsLeaf() }

func (a *BTreeAdapter) RootForVersion(v page.Version) page.PageID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if root, ok := a.roots[v]; ok {
		return root
	}
	return page.InvalidPageID
}

func (a *BTreeAdapter) SetRootForVersion(v page.Version, root page.PageID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roots[v] = root
}

// NextLeaf returns the right-sibling pointer of a leaf.
func (a *BTreeAdapter) NextLeaf(pg *page.Page) page.PageID {
	return getPageID(pg.Payload()[:nodePrefixSize])
}

// SetNextLeaf rewrites the right-sibling pointer of a leaf.
func (a *BTreeAdapter) SetNextLeaf(pg *page.Page, next page.PageID) {
	putPageID(pg.Payload()[:nodePrefixSize], next)
}

func (a *BTreeAdapter) FindChild(internalPage *page.Page, key string) (page.PageID, error) {
	if internalPage.IsLeaf() {
		return page.InvalidPageID, dberrors.ErrNotInternal
	}
	keys, children := decodeInternal(internalPage)
	i := sort.Search(len(keys), func(i int) bool { return key < keys[i] })
	return children[i], nil
}

func (a *BTreeAdapter) ApplyUpdateToLeaf(leafPage *page.Page, key, value string) error {
	if !leafPage.IsLeaf() {
		return dberrors.ErrNotLeaf
	}
	entries := decodeLeaf(leafPage)
	i := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
	if i < len(entries) && entries[i].key == key {
		entries[i].value = value
	} else {
		entries = append(entries, leafEntry{})
		copy(entries[i+1:], entries[i:])
		entries[i] = leafEntry{key: key, value: value}
	}
	if leafSize(entries) > page.PageSize-page.PageHeaderSize {
		return fmt.Errorf("%w: leaf %d inserting key %q", dberrors.ErrPageFull, leafPage.ID(), key)
	}
	encodeLeaf(leafPage, entries, a.NextLeaf(leafPage))
	return nil
}

func (a *BTreeAdapter) LeafLookup(leafPage *page.Page, key string) (string, bool) {
	entries := decodeLeaf(leafPage)
	i := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
	if i < len(entries) && entries[i].key == key {
		return entries[i].value, true
	}
	return "", false
}

func (a *BTreeAdapter) UpdateChildPointer(parentPage *page.Page, oldChildID, newChildID page.PageID) error {
	if parentPage.IsLeaf() {
		return dberrors.ErrNotInternal
	}
	keys, children := decodeInternal(parentPage)
	for i, child := range children {
		if child == oldChildID {
			children[i] = newChildID
			encodeInternal(parentPage, keys, children)
			return nil
		}
	}
	return fmt.Errorf("child %d not found in internal page %d", oldChildID, parentPage.ID())
}

func (a *BTreeAdapter) InsertIntoInternal(internalPage *page.Page, key string, rightChildID page.PageID) error {
	if internalPage.IsLeaf() {
		return dberrors.ErrNotInternal
	}
	keys, children := decodeInternal(internalPage)
	i := sort.Search(len(keys), func(i int) bool { return keys[i] >= key })

	keys = append(keys, "")
	copy(keys[i+1:], keys[i:])
	keys[i] = key

	children = append(children, page.InvalidPageID)
	copy(children[i+2:], children[i+1:])
	children[i+1] = rightChildID

	if internalSize(keys) > page.PageSize-page.PageHeaderSize {
		return fmt.Errorf("%w: internal %d inserting key %q", dberrors.ErrPageFull, internalPage.ID(), key)
	}
	encodeInternal(internalPage, keys, children)
	return nil
}

func (a *BTreeAdapter) SplitNode(nodeToSplit, newRightPage *page.Page) (SplitResult, error) {
	result := SplitResult{
		LeftPageID:  nodeToSplit.ID(),
		RightPageID: newRightPage.ID(),
	}

	if nodeToSplit.IsLeaf() {
		entries := decodeLeaf(nodeToSplit)
		if len(entries) < 2 {
			return result, fmt.Errorf("cannot split leaf %d with %d entries", nodeToSplit.ID(), len(entries))
		}
		mid := len(entries) / 2

		a.InitLeaf(newRightPage)
		encodeLeaf(newRightPage, entries[mid:], a.NextLeaf(nodeToSplit))
		encodeLeaf(nodeToSplit, entries[:mid], newRightPage.ID())

		result.DidSplit = true
		result.PromotedKey = entries[mid].key
		a.logger.Debug("split leaf",
			zap.Int32("left", int32(result.LeftPageID)),
			zap.Int32("right", int32(result.RightPageID)),
		)
		return result, nil
	}

	keys, children := decodeInternal(nodeToSplit)
	if len(keys) < 3 {
		return result, fmt.Errorf("cannot split internal %d with %d keys", nodeToSplit.ID(), len(keys))
	}
	mid := len(keys) / 2

	// The middle key moves up; it appears in neither half.
	a.InitInternal(newRightPage)
	encodeInternal(newRightPage, append([]string(nil), keys[mid+1:]...), append([]page.PageID(nil), children[mid+1:]...))
	encodeInternal(nodeToSplit, keys[:mid], children[:mid+1])

	result.DidSplit = true
	result.PromotedKey = keys[mid]
	a.logger.Debug("split internal",
		zap.Int32("left", int32(result.LeftPageID)),
		zap.Int32("right", int32(result.RightPageID)),
	)
	return result, nil
}

func (a *BTreeAdapter) CreateNewRoot(newRootPage *page.Page, leftChildID, rightChildID page.PageID, key string) {
	a.InitInternal(newRootPage)
	encodeInternal(newRootPage, []string{key}, []page.PageID{leftChildID, rightChildID})
}

// --- Node codecs ---

func getPageID(b []byte) page.PageID {
	return page.PageID(int32(binary.LittleEndian.Uint32(b)))
}

func putPageID(b []byte, id page.PageID) {
	binary.LittleEndian.PutUint32(b, uint32(id))
}

func decodeLeaf(pg *page.Page) []leafEntry {
	payload := pg.Payload()
	entries := make([]leafEntry, 0, pg.KeyCount())
	off := nodePrefixSize
	for i := 0; i < int(pg.KeyCount()); i++ {
		keyLen := int(binary.LittleEndian.Uint16(payload[off:]))
		valLen := int(binary.LittleEndian.Uint16(payload[off+2:]))
		off += 4
		key := string(payload[off : off+keyLen])
		off += keyLen
		val := string(payload[off : off+valLen])
		off += valLen
		entries = append(entries, leafEntry{key: key, value: val})
	}
	return entries
}

func encodeLeaf(pg *page.Page, entries []leafEntry, next page.PageID) {
	payload := pg.Payload()
	putPageID(payload[:nodePrefixSize], next)
	off := nodePrefixSize
	for _, e := range entries {
		binary.LittleEndian.PutUint16(payload[off:], uint16(len(e.key)))
		binary.LittleEndian.PutUint16(payload[off+2:], uint16(len(e.value)))
		off += 4
		off += copy(payload[off:], e.key)
		off += copy(payload[off:], e.value)
	}
	// Clear the tail so stale entries cannot be re-decoded.
	for i := off; i < len(payload); i++ {
		payload[i] = 0
	}
	pg.SetKeyCount(uint16(len(entries)))
}

func leafSize(entries []leafEntry) int {
	size := nodePrefixSize
	for _, e := range entries {
		size += 4 + len(e.key) + len(e.value)
	}
	return size
}

func decodeInternal(pg *page.Page) ([]string, []page.PageID) {
	payload := pg.Payload()
	n := int(pg.KeyCount())
	keys := make([]string, 0, n)
	children := make([]page.PageID, 0, n+1)
	children = append(children, getPageID(payload[:nodePrefixSize]))
	off := nodePrefixSize
	for i := 0; i < n; i++ {
		keyLen := int(binary.LittleEndian.Uint16(payload[off:]))
		off += 2
		keys = append(keys, string(payload[off:off+keyLen]))
		off += keyLen
		children = append(children, getPageID(payload[off:]))
		off += 4
	}
	return keys, children
}

func encodeInternal(pg *page.Page, keys []string, children []page.PageID) {
	payload := pg.Payload()
	putPageID(payload[:nodePrefixSize], children[0])
	off := nodePrefixSize
	for i, key := range keys {
		binary.LittleEndian.PutUint16(payload[off:], uint16(len(key)))
		off += 2
		off += copy(payload[off:], key)
		putPageID(payload[off:], children[i+1])
		off += 4
	}
	for i := off; i < len(payload); i++ {
		payload[i] = 0
	}
	pg.SetKeyCount(uint16(len(keys)))
}

func internalSize(keys []string) int {
	size := nodePrefixSize
	for _, key := range keys {
		size += 2 + len(key) + 4
	}
	return size
}
