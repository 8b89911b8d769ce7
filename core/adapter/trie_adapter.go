package adapter

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/chronolog-db/chronolog/core/storage/dberrors"
	"github.com/chronolog-db/chronolog/core/storage/page"
)

// Trie node layout inside the payload. Unlike B+tree nodes, trie nodes never
// split horizontally; they grow vertically, one page per node. The edge
// count lives in the page header's key-count field.
//
//	[0]       terminal flag
//	[4:8)     subtree terminal count (int32) - number of complete words in
//	          the subtree rooted here, kept for prefix COUNT queries
//	[8:10)    value length (uint16)
//	[16:272)  value buffer
//	[272:...) edge array: keyCount entries of [char byte][child id int32],
//	          sorted by char for binary search
const (
	trieTerminalOff  = 0
	trieSubtreeOff   = 4
	trieValueLenOff  = 8
	trieValueOff     = 16
	trieMaxValueSize = 256
	trieEntriesOff   = trieValueOff + trieMaxValueSize
	trieEntrySize    = 5

	// MaxTrieChildren is bounded by the byte alphabet, not by page space:
	// 256 edges need 1280 bytes and the payload has room to spare.
	MaxTrieChildren = 256
)

// TrieAdapter manipulates page-resident trie nodes for the text index.
// It is stateless; every method operates on a pinned page the caller owns.
type TrieAdapter struct{}

// NewTrieAdapter returns a trie node codec.
func NewTrieAdapter() *TrieAdapter {
	return &TrieAdapter{}
}

// InitNode formats a zeroed page as an empty, non-terminal trie node.
func (a *TrieAdapter) InitNode(pg *page.Page) {
	pg.SetLeaf(false)
	pg.SetKeyCount(0)
	payload := pg.Payload()
	payload[trieTerminalOff] = 0
	binary.LittleEndian.PutUint32(payload[trieSubtreeOff:], 0)
	binary.LittleEndian.PutUint16(payload[trieValueLenOff:], 0)
}

// IsTerminal reports whether the node marks the end of a complete word.
func (a *TrieAdapter) IsTerminal(pg *page.Page) bool {
	return pg.Payload()[trieTerminalOff] == 1
}

// Value returns the payload stored at a terminal node.
func (a *TrieAdapter) Value(pg *page.Page) string {
	payload := pg.Payload()
	n := int(binary.LittleEndian.Uint16(payload[trieValueLenOff:]))
	return string(payload[trieValueOff : trieValueOff+n])
}

// SetTerminal marks or unmarks the node as a word end and stores its value.
func (a *TrieAdapter) SetTerminal(pg *page.Page, terminal bool, value string) error {
	if len(value) > trieMaxValueSize {
		return fmt.Errorf("%w: trie value of %d bytes exceeds %d", dberrors.ErrPageFull, len(value), trieMaxValueSize)
	}
	payload := pg.Payload()
	if terminal {
		payload[trieTerminalOff] = 1
	} else {
		payload[trieTerminalOff] = 0
		value = ""
	}
	binary.LittleEndian.PutUint16(payload[trieValueLenOff:], uint16(len(value)))
	copy(payload[trieValueOff:trieValueOff+trieMaxValueSize], value)
	for i := trieValueOff + len(value); i < trieValueOff+trieMaxValueSize; i++ {
		payload[i] = 0
	}
	return nil
}

// SubtreeCount returns the number of terminal nodes under this node,
// itself included. Lets a prefix COUNT answer without walking the subtree.
func (a *TrieAdapter) SubtreeCount(pg *page.Page) int32 {
	return int32(binary.LittleEndian.Uint32(pg.Payload()[trieSubtreeOff:]))
}

// AdjustSubtreeCount adds delta to the subtree terminal count. Callers
// propagate the same delta up the path to the root.
func (a *TrieAdapter) AdjustSubtreeCount(pg *page.Page, delta int32) {
	payload := pg.Payload()
	count := int32(binary.LittleEndian.Uint32(payload[trieSubtreeOff:])) + delta
	if count < 0 {
		count = 0
	}
	binary.LittleEndian.PutUint32(payload[trieSubtreeOff:], uint32(count))
}

// FindChild returns the child covering edge character c, or InvalidPageID.
func (a *TrieAdapter) FindChild(pg *page.Page, c byte) page.PageID {
	n := int(pg.KeyCount())
	payload := pg.Payload()
	i := sort.Search(n, func(i int) bool { return a.entryChar(payload, i) >= c })
	if i < n && a.entryChar(payload, i) == c {
		return a.entryChild(payload, i)
	}
	return page.InvalidPageID
}

// InsertChild links character c to childID, keeping the edge array sorted.
// Inserting an existing edge rewrites its pointer.
func (a *TrieAdapter) InsertChild(pg *page.Page, c byte, childID page.PageID) error {
	n := int(pg.KeyCount())
	payload := pg.Payload()
	i := sort.Search(n, func(i int) bool { return a.entryChar(payload, i) >= c })
	if i < n && a.entryChar(payload, i) == c {
		a.putEntry(payload, i, c, childID)
		return nil
	}
	if n >= MaxTrieChildren {
		return fmt.Errorf("%w: trie node %d has %d children", dberrors.ErrPageFull, pg.ID(), n)
	}
	// Shift the tail one entry right to open the slot.
	start := trieEntriesOff + i*trieEntrySize
	end := trieEntriesOff + n*trieEntrySize
	copy(payload[start+trieEntrySize:end+trieEntrySize], payload[start:end])
	a.putEntry(payload, i, c, childID)
	pg.SetKeyCount(uint16(n + 1))
	return nil
}

// UpdateChildPointer redirects the edge for c to a new page id. This is the
// copy-on-write hook: when a child is copied, its parent re-points here.
func (a *TrieAdapter) UpdateChildPointer(pg *page.Page, c byte, newChildID page.PageID) error {
	n := int(pg.KeyCount())
	payload := pg.Payload()
	i := sort.Search(n, func(i int) bool { return a.entryChar(payload, i) >= c })
	if i >= n || a.entryChar(payload, i) != c {
		return fmt.Errorf("trie node %d has no edge %q", pg.ID(), c)
	}
	a.putEntry(payload, i, c, newChildID)
	return nil
}

// RemoveChild deletes the edge for c. Removing a missing edge is a no-op.
func (a *TrieAdapter) RemoveChild(pg *page.Page, c byte) {
	n := int(pg.KeyCount())
	payload := pg.Payload()
	i := sort.Search(n, func(i int) bool { return a.entryChar(payload, i) >= c })
	if i >= n || a.entryChar(payload, i) != c {
		return
	}
	start := trieEntriesOff + i*trieEntrySize
	end := trieEntriesOff + n*trieEntrySize
	copy(payload[start:], payload[start+trieEntrySize:end])
	for j := end - trieEntrySize; j < end; j++ {
		payload[j] = 0
	}
	pg.SetKeyCount(uint16(n - 1))
}

// ChildCount reports the number of outgoing edges.
func (a *TrieAdapter) ChildCount(pg *page.Page) int {
	return int(pg.KeyCount())
}

func (a *TrieAdapter) entryChar(payload []byte, i int) byte {
	return payload[trieEntriesOff+i*trieEntrySize]
}

func (a *TrieAdapter) entryChild(payload []byte, i int) page.PageID {
	return getPageID(payload[trieEntriesOff+i*trieEntrySize+1:])
}

func (a *TrieAdapter) putEntry(payload []byte, i int, c byte, childID page.PageID) {
	off := trieEntriesOff + i*trieEntrySize
	payload[off] = c
	putPageID(payload[off+1:], childID)
}
