package bufferpool

import (
	"container/list"
	"sync"

	"github.com/chronolog-db/chronolog/core/storage/page"
)

// LRUReplacer tracks the frames whose resident page has pin count zero and
// picks the least recently used of them as the eviction victim.
//
// The list front is the MRU end, the back is the LRU end. A frame's recency
// is the time of its most recent Unpin: unpin, pin, unpin again moves the
// frame to the MRU end.
type LRUReplacer struct {
	mu      sync.Mutex
	lruList *list.List
	lruMap  map[page.FrameID]*list.Element
}

// NewLRUReplacer creates an empty replacer.
func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		lruList: list.New(),
		lruMap:  make(map[page.FrameID]*list.Element),
	}
}

// Victim removes and returns the least recently used frame. The second
// return is false when no frame is evictable.
func (r *LRUReplacer) Victim() (page.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem := r.lruList.Back()
	if elem == nil {
		return page.InvalidFrameID, false
	}
	frameID := r.lruList.Remove(elem).(page.FrameID)
	delete(r.lruMap, frameID)
	return frameID, true
}

// Pin removes the frame from eviction candidacy. Pinning an untracked frame
// is a no-op.
func (r *LRUReplacer) Pin(frameID page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.lruMap[frameID]; ok {
		r.lruList.Remove(elem)
		delete(r.lruMap, frameID)
	}
}

// Unpin adds the frame as the most recently used candidate. Unpinning a
// frame that is already tracked leaves its position unchanged.
func (r *LRUReplacer) Unpin(frameID page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.lruMap[frameID]; ok {
		return
	}
	r.lruMap[frameID] = r.lruList.PushFront(frameID)
}

// Size returns the number of frames currently evictable.
func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lruMap)
}
