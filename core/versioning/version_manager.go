// Package versioning coordinates copy-on-write index updates on top of the
// page cache. A version stages private copies of every page it touches;
// commit makes the staged pages durable and publishes the new root, abort
// discards them. Committed versions are immutable and always readable.
package versioning

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronolog-db/chronolog/core/adapter"
	"github.com/chronolog-db/chronolog/core/storage/dberrors"
	"github.com/chronolog-db/chronolog/core/storage/page"
	"github.com/chronolog-db/chronolog/pkg/logger"
)

// VersionInfo describes a committed version.
type VersionInfo struct {
	Version     page.Version
	RootPageID  page.PageID
	CommitID    uuid.UUID
	CommittedAt time.Time
}

// versionState tracks an in-flight, uncommitted version.
type versionState struct {
	root   page.PageID
	staged map[page.PageID]struct{}
	// order preserves allocation order so abort can discard deterministically.
	order []page.PageID
}

func (st *versionState) stage(id page.PageID) {
	st.staged[id] = struct{}{}
	st.order = append(st.order, id)
}

func (st *versionState) isStaged(id page.PageID) bool {
	_, ok := st.staged[id]
	return ok
}

// VersionManager owns version lifecycles and the CoW traversal logic. It
// talks to the cache through adapter.BufferPool and to the index through
// adapter.TreeAdapter, never to concrete types.
type VersionManager struct {
	bpm    adapter.BufferPool
	tree   adapter.TreeAdapter
	logger *zap.Logger

	mu            sync.Mutex
	nextVersion   page.Version
	active        map[page.Version]*versionState
	committed     map[page.Version]VersionInfo
	lastCommitted page.Version
}

// NewVersionManager wires a version manager over a buffer pool and a tree
// adapter.
func NewVersionManager(bpm adapter.BufferPool, tree adapter.TreeAdapter, lg *zap.Logger) *VersionManager {
	return &VersionManager{
		bpm:       bpm,
		tree:      tree,
		logger:    logger.Component(lg, logger.ComponentVersioning),
		active:    make(map[page.Version]*versionState),
		committed: make(map[page.Version]VersionInfo),
	}
}

// CreateVersion starts a new uncommitted version and returns its id.
func (vm *VersionManager) CreateVersion() page.Version {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.nextVersion++
	v := vm.nextVersion
	vm.active[v] = &versionState{
		root:   page.InvalidPageID,
		staged: make(map[page.PageID]struct{}),
	}
	vm.logger.Debug("created version", zap.Uint64("version", uint64(v)))
	return v
}

// ApplyUpdate inserts or overwrites key within version v. The first update
// starts from base's committed root; later updates continue from the
// version's own working root. Pages on the root-to-leaf path are copied on
// first touch, splits propagate upward, and a root split grows the tree.
func (vm *VersionManager) ApplyUpdate(v, base page.Version, key, value string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	st, ok := vm.active[v]
	if !ok {
		return fmt.Errorf("%w: version %d", dberrors.ErrVersionNotFound, v)
	}

	root := st.root
	if root == page.InvalidPageID {
		root = vm.tree.RootForVersion(base)
	}

	// Empty tree: the first update creates the root leaf.
	if root == page.InvalidPageID {
		pg, id, err := vm.bpm.NewPage()
		if err != nil {
			return fmt.Errorf("allocating root leaf: %w", err)
		}
		vm.tree.InitLeaf(pg)
		pg.SetHeaderVersion(v)
		err = vm.tree.ApplyUpdateToLeaf(pg, key, value)
		vm.bpm.UnpinPage(id, err == nil)
		if err != nil {
			return err
		}
		st.stage(id)
		st.root = id
		return nil
	}

	newRoot, split, err := vm.update(st, v, root, key, value)
	if err != nil {
		return err
	}
	if split.DidSplit {
		rootPg, rootID, err := vm.bpm.NewPage()
		if err != nil {
			return fmt.Errorf("allocating new root: %w", err)
		}
		vm.tree.CreateNewRoot(rootPg, split.LeftPageID, split.RightPageID, split.PromotedKey)
		rootPg.SetHeaderVersion(v)
		vm.bpm.UnpinPage(rootID, true)
		st.stage(rootID)
		newRoot = rootID
	}
	st.root = newRoot
	return nil
}

// update recursively applies the change below pageID, copying each node on
// the path into the version before modifying it. It returns the (possibly
// new) page id of the node and any split the parent must absorb.
func (vm *VersionManager) update(st *versionState, v page.Version, pageID page.PageID, key, value string) (page.PageID, adapter.SplitResult, error) {
	var noSplit adapter.SplitResult

	pg, workID, err := vm.copyForWrite(st, v, pageID)
	if err != nil {
		return page.InvalidPageID, noSplit, err
	}

	if vm.tree.IsLeaf(pg) {
		err := vm.tree.ApplyUpdateToLeaf(pg, key, value)
		if err == nil {
			vm.bpm.UnpinPage(workID, true)
			return workID, noSplit, nil
		}
		if !errors.Is(err, dberrors.ErrPageFull) {
			vm.bpm.UnpinPage(workID, true)
			return page.InvalidPageID, noSplit, err
		}
		split, err := vm.splitAndApply(st, v, pg, workID, key, value)
		vm.bpm.UnpinPage(workID, true)
		if err != nil {
			return page.InvalidPageID, noSplit, err
		}
		return workID, split, nil
	}

	childID, err := vm.tree.FindChild(pg, key)
	if err != nil {
		vm.bpm.UnpinPage(workID, true)
		return page.InvalidPageID, noSplit, err
	}

	newChildID, childSplit, err := vm.update(st, v, childID, key, value)
	if err != nil {
		vm.bpm.UnpinPage(workID, true)
		return page.InvalidPageID, noSplit, err
	}
	if newChildID != childID {
		if err := vm.tree.UpdateChildPointer(pg, childID, newChildID); err != nil {
			vm.bpm.UnpinPage(workID, true)
			return page.InvalidPageID, noSplit, err
		}
	}

	if !childSplit.DidSplit {
		vm.bpm.UnpinPage(workID, true)
		return workID, noSplit, nil
	}

	err = vm.tree.InsertIntoInternal(pg, childSplit.PromotedKey, childSplit.RightPageID)
	if err == nil {
		vm.bpm.UnpinPage(workID, true)
		return workID, noSplit, nil
	}
	if !errors.Is(err, dberrors.ErrPageFull) {
		vm.bpm.UnpinPage(workID, true)
		return page.InvalidPageID, noSplit, err
	}

	split, err := vm.splitInternalAndInsert(st, v, pg, workID, childSplit)
	vm.bpm.UnpinPage(workID, true)
	if err != nil {
		return page.InvalidPageID, noSplit, err
	}
	return workID, split, nil
}

// splitAndApply splits a full leaf and lands the pending entry in whichever
// half now covers it.
func (vm *VersionManager) splitAndApply(st *versionState, v page.Version, pg *page.Page, workID page.PageID, key, value string) (adapter.SplitResult, error) {
	var noSplit adapter.SplitResult

	rightPg, rightID, err := vm.bpm.NewPage()
	if err != nil {
		return noSplit, fmt.Errorf("allocating split page: %w", err)
	}
	st.stage(rightID)

	split, err := vm.tree.SplitNode(pg, rightPg)
	if err != nil {
		vm.bpm.UnpinPage(rightID, false)
		return noSplit, err
	}
	rightPg.SetHeaderVersion(v)

	target := pg
	if key >= split.PromotedKey {
		target = rightPg
	}
	err = vm.tree.ApplyUpdateToLeaf(target, key, value)
	vm.bpm.UnpinPage(rightID, true)
	if err != nil {
		return noSplit, err
	}
	split.LeftPageID = workID
	return split, nil
}

// splitInternalAndInsert splits a full internal node and inserts the
// pending promoted key into the correct half.
func (vm *VersionManager) splitInternalAndInsert(st *versionState, v page.Version, pg *page.Page, workID page.PageID, pending adapter.SplitResult) (adapter.SplitResult, error) {
	var noSplit adapter.SplitResult

	rightPg, rightID, err := vm.bpm.NewPage()
	if err != nil {
		return noSplit, fmt.Errorf("allocating split page: %w", err)
	}
	st.stage(rightID)

	split, err := vm.tree.SplitNode(pg, rightPg)
	if err != nil {
		vm.bpm.UnpinPage(rightID, false)
		return noSplit, err
	}
	rightPg.SetHeaderVersion(v)

	target := pg
	if pending.PromotedKey >= split.PromotedKey {
		target = rightPg
	}
	err = vm.tree.InsertIntoInternal(target, pending.PromotedKey, pending.RightPageID)
	vm.bpm.UnpinPage(rightID, true)
	if err != nil {
		return noSplit, err
	}
	split.LeftPageID = workID
	return split, nil
}

// copyForWrite returns a pinned page the version may mutate. Pages already
// staged by this version are returned as-is; anything else is copied to a
// freshly allocated page first, leaving the base version untouched.
func (vm *VersionManager) copyForWrite(st *versionState, v page.Version, pageID page.PageID) (*page.Page, page.PageID, error) {
	src, err := vm.bpm.FetchPage(pageID)
	if err != nil {
		return nil, page.InvalidPageID, fmt.Errorf("fetching page %d: %w", pageID, err)
	}
	if st.isStaged(pageID) {
		return src, pageID, nil
	}

	dst, newID, err := vm.bpm.NewPage()
	if err != nil {
		vm.bpm.UnpinPage(pageID, false)
		return nil, page.InvalidPageID, fmt.Errorf("allocating CoW copy of page %d: %w", pageID, err)
	}
	copy(dst.Data(), src.Data())
	// The byte copy clobbered the header; restamp identity and provenance.
	dst.StampHeaderPageID(newID)
	dst.SetHeaderVersion(v)
	vm.bpm.UnpinPage(pageID, false)
	st.stage(newID)

	vm.logger.Debug("copied page for write",
		zap.Int32("base_page", int32(pageID)),
		zap.Int32("copy_page", int32(newID)),
		zap.Uint64("version", uint64(v)),
	)
	return dst, newID, nil
}

// CommitVersion makes a version durable: every staged page is flushed, the
// root is published, and the version becomes readable. Returns the commit
// record.
func (vm *VersionManager) CommitVersion(v page.Version) (VersionInfo, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	st, ok := vm.active[v]
	if !ok {
		if _, done := vm.committed[v]; done {
			return VersionInfo{}, fmt.Errorf("%w: version %d", dberrors.ErrVersionCommitted, v)
		}
		return VersionInfo{}, fmt.Errorf("%w: version %d", dberrors.ErrVersionNotFound, v)
	}

	for _, id := range st.order {
		if _, err := vm.bpm.FlushPage(id); err != nil {
			return VersionInfo{}, fmt.Errorf("flushing staged page %d: %w", id, err)
		}
	}

	info := VersionInfo{
		Version:     v,
		RootPageID:  st.root,
		CommitID:    uuid.New(),
		CommittedAt: time.Now(),
	}
	vm.tree.SetRootForVersion(v, st.root)
	vm.committed[v] = info
	if v > vm.lastCommitted {
		vm.lastCommitted = v
	}
	delete(vm.active, v)

	vm.logger.Info("committed version",
		zap.Uint64("version", uint64(v)),
		zap.Int32("root_page", int32(info.RootPageID)),
		zap.String("commit_id", info.CommitID.String()),
		zap.Int("staged_pages", len(st.order)),
	)
	return info, nil
}

// AbortVersion discards a version: every staged page is dropped from the
// cache without write-back. Aborting an unknown version is a no-op.
func (vm *VersionManager) AbortVersion(v page.Version) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	st, ok := vm.active[v]
	if !ok {
		return
	}
	for _, id := range st.order {
		if !vm.bpm.DeletePage(id) {
			vm.logger.Warn("staged page still pinned during abort", zap.Int32("page_id", int32(id)))
		}
	}
	delete(vm.active, v)
	vm.logger.Info("aborted version",
		zap.Uint64("version", uint64(v)),
		zap.Int("discarded_pages", len(st.order)),
	)
}

// Get looks key up in a committed version.
func (vm *VersionManager) Get(v page.Version, key string) (string, bool, error) {
	current := vm.tree.RootForVersion(v)
	if current == page.InvalidPageID {
		return "", false, nil
	}

	for {
		pg, err := vm.bpm.FetchPage(current)
		if err != nil {
			return "", false, fmt.Errorf("fetching page %d: %w", current, err)
		}
		if vm.tree.IsLeaf(pg) {
			value, found := vm.tree.LeafLookup(pg, key)
			vm.bpm.UnpinPage(current, false)
			return value, found, nil
		}
		next, err := vm.tree.FindChild(pg, key)
		vm.bpm.UnpinPage(current, false)
		if err != nil {
			return "", false, err
		}
		current = next
	}
}

// Info returns the commit record of a committed version.
func (vm *VersionManager) Info(v page.Version) (VersionInfo, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	info, ok := vm.committed[v]
	return info, ok
}

// LastCommitted returns the highest committed version, or InvalidVersion.
func (vm *VersionManager) LastCommitted() page.Version {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.lastCommitted
}
