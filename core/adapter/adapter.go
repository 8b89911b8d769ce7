// Package adapter decouples the versioning layer from the concrete buffer
// pool and index implementations. The version manager only ever talks to
// these interfaces: it pins pages through a BufferPool and performs logical
// node operations through a TreeAdapter.
package adapter

import (
	"github.com/chronolog-db/chronolog/core/storage/page"
)

// BufferPool is the surface the versioning layer needs from the page cache.
// *bufferpool.BufferPoolManager satisfies it.
type BufferPool interface {
	// FetchPage returns the page pinned once, loading it from disk if needed.
	FetchPage(pageID page.PageID) (*page.Page, error)

	// NewPage allocates a page on disk and returns it pinned with a zeroed
	// buffer.
	NewPage() (*page.Page, page.PageID, error)

	// UnpinPage drops one pin, optionally marking the page dirty.
	UnpinPage(pageID page.PageID, isDirty bool) bool

	// FlushPage forces the page's bytes to disk.
	FlushPage(pageID page.PageID) (bool, error)

	// FlushAllPages writes every dirty resident page back.
	FlushAllPages() error

	// DeletePage discards a resident page without write-back.
	DeletePage(pageID page.PageID) bool
}

// SplitResult captures the outcome of splitting a full node, to be
// propagated into the parent.
type SplitResult struct {
	DidSplit    bool
	LeftPageID  page.PageID
	RightPageID page.PageID
	// PromotedKey is the separator to insert into the parent.
	PromotedKey string
}

// TreeAdapter is the logical node interface an index implementation exposes
// to the version manager. All operations work on pinned pages; the adapter
// never pins or unpins anything itself.
type TreeAdapter interface {
	// InitLeaf formats a zeroed page as an empty leaf node.
	InitLeaf(pg *page.Page)

	// InitInternal formats a zeroed page as an empty internal node.
	InitInternal(pg *page.Page)

	// IsLeaf reports whether the page is a leaf node.
	IsLeaf(pg *page.Page) bool

	// RootForVersion returns the root page of a committed version, or
	// InvalidPageID if the version has no root.
	RootForVersion(v page.Version) page.PageID

	// SetRootForVersion records the root page of a committed version.
	SetRootForVersion(v page.Version, root page.PageID)

	// FindChild returns the child of an internal node that covers key.
	FindChild(internalPage *page.Page, key string) (page.PageID, error)

	// ApplyUpdateToLeaf inserts or overwrites key in a leaf. Returns
	// ErrPageFull when the leaf must split first.
	ApplyUpdateToLeaf(leafPage *page.Page, key, value string) error

	// LeafLookup searches a leaf for key.
	LeafLookup(leafPage *page.Page, key string) (string, bool)

	// UpdateChildPointer rewrites a child reference after the child was
	// copied to a new page id.
	UpdateChildPointer(parentPage *page.Page, oldChildID, newChildID page.PageID) error

	// InsertIntoInternal adds a promoted key and its right child to an
	// internal node. Returns ErrPageFull when the node must split first.
	InsertIntoInternal(internalPage *page.Page, key string, rightChildID page.PageID) error

	// SplitNode moves the upper half of nodeToSplit into newRightPage and
	// reports the separator to promote.
	SplitNode(nodeToSplit, newRightPage *page.Page) (SplitResult, error)

	// CreateNewRoot formats newRootPage as an internal node with exactly
	// two children, growing the tree by one level.
	CreateNewRoot(newRootPage *page.Page, leftChildID, rightChildID page.PageID, key string)
}
