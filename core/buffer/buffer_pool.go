package buffer

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chiseldb/chiseldb/core/lock"
	"github.com/chiseldb/chiseldb/core/storage"
	"github.com/chiseldb/chiseldb/core/txn"
)

// ErrBufferFull is returned when a page must be brought in but every cached
// page is dirty. Dirty pages are never evicted, so the caller has to commit
// or abort something first.
var ErrBufferFull = errors.New("buffer pool full: all pages dirty")

// WAL is the slice of the log manager the buffer pool needs: update records
// must be durable before the page they describe reaches disk.
type WAL interface {
	LogUpdate(tid txn.TransactionID, before, after *storage.Page) error
	Force() error
}

// Stats are monotonic counters the buffer pool maintains for telemetry.
type Stats struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Flushes   atomic.Int64
}

type pageEntry struct {
	page *storage.Page
	elem *list.Element
}

// BufferPool is a bounded page cache with LRU eviction restricted to clean
// pages. Every page access acquires the page lock first, so transactions
// never observe each other's uncommitted changes.
//
// bp.mu guards the cache structures. It is acquired after page locks and
// before the log manager's mutex; whole-log operations that need a quiesced
// cache take bp.mu through the PageCache hooks and keep it for the
// duration.
type BufferPool struct {
	mu       sync.Mutex
	capacity int
	pages    map[storage.PageID]*pageEntry
	lru      *list.List // front is most recently used

	catalog *storage.Catalog
	locks   *lock.LockManager
	wal     WAL

	stats  Stats
	logger *zap.Logger
}

// NewBufferPool builds a pool holding at most capacity pages.
func NewBufferPool(capacity int, catalog *storage.Catalog, locks *lock.LockManager, logger *zap.Logger) *BufferPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BufferPool{
		capacity: capacity,
		pages:    make(map[storage.PageID]*pageEntry, capacity),
		lru:      list.New(),
		catalog:  catalog,
		locks:    locks,
		logger:   logger,
	}
}

// AttachWAL wires the log manager in after construction. Pages cannot be
// flushed until it is set.
func (bp *BufferPool) AttachWAL(wal WAL) {
	bp.wal = wal
}

// GetPage returns the cached copy of pid after acquiring the lock that perm
// demands, reading the page from disk on a miss. The lock is acquired
// before the cache guard so a blocked transaction never stalls the pool.
func (bp *BufferPool) GetPage(tid txn.TransactionID, pid storage.PageID, perm storage.Perm) (*storage.Page, error) {
	if err := bp.locks.Acquire(tid, pid, perm); err != nil {
		return nil, err
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	if entry, ok := bp.pages[pid]; ok {
		bp.lru.MoveToFront(entry.elem)
		bp.stats.Hits.Add(1)
		return entry.page, nil
	}
	bp.stats.Misses.Add(1)

	file, err := bp.catalog.FileFor(pid)
	if err != nil {
		return nil, err
	}
	page, err := file.ReadPage(pid)
	if err != nil {
		return nil, err
	}
	if err := bp.makeRoomLocked(); err != nil {
		return nil, err
	}
	bp.installLocked(page)
	return page, nil
}

// InsertTuple inserts t into the named table on behalf of tid and marks
// every touched page dirty. The storage file acquires its page locks back
// through GetPage, so the cache guard is not held across the call.
func (bp *BufferPool) InsertTuple(tid txn.TransactionID, tableID uint64, t *storage.Tuple) error {
	file, err := bp.catalog.FileFor(storage.PageID{TableID: tableID})
	if err != nil {
		return err
	}
	dirtied, err := file.InsertTuple(tid, t)
	if err != nil {
		return err
	}
	bp.markDirty(tid, dirtied)
	return nil
}

// DeleteTuple removes the tuple named by t.RID on behalf of tid and marks
// every touched page dirty.
func (bp *BufferPool) DeleteTuple(tid txn.TransactionID, t *storage.Tuple) error {
	file, err := bp.catalog.FileFor(t.RID.PageID)
	if err != nil {
		return err
	}
	dirtied, err := file.DeleteTuple(tid, t)
	if err != nil {
		return err
	}
	bp.markDirty(tid, dirtied)
	return nil
}

func (bp *BufferPool) markDirty(tid txn.TransactionID, pages []*storage.Page) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, p := range pages {
		p.MarkDirty(tid)
		// Re-install so the dirtied object is the cached copy even if the
		// clean one was evicted between the read and the mutation.
		if entry, ok := bp.pages[p.ID()]; ok {
			entry.page = p
			bp.lru.MoveToFront(entry.elem)
			continue
		}
		// Best effort: a dirty page must be cached, even if that briefly
		// overshoots capacity when every other page is dirty too.
		if err := bp.makeRoomLocked(); err != nil {
			bp.logger.Warn("caching dirty page over capacity",
				zap.String("page", p.ID().String()))
		}
		bp.installLocked(p)
	}
}

// FlushPages writes every page dirtied by tid to disk, logging and forcing
// the matching update records first. Called on the commit path before the
// commit record is written.
func (bp *BufferPool) FlushPages(tid txn.TransactionID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for pid, entry := range bp.pages {
		if entry.page.Dirtier() == tid {
			if err := bp.flushPageLocked(pid); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushAllPages writes every dirty page to disk regardless of owner. Used
// by checkpoints; uncommitted data reaching disk this way is covered by the
// logged before-images.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.FlushAllLocked()
}

// TransactionComplete ends tid's interaction with the pool. On commit any
// remaining dirty pages are flushed; on abort they are discarded so the
// next read returns the on-disk state. All of tid's locks are released
// afterwards.
func (bp *BufferPool) TransactionComplete(tid txn.TransactionID, commit bool) error {
	bp.mu.Lock()
	var err error
	for pid, entry := range bp.pages {
		if entry.page.Dirtier() != tid {
			continue
		}
		if commit {
			if err = bp.flushPageLocked(pid); err != nil {
				break
			}
		} else {
			bp.removeLocked(pid)
		}
	}
	bp.mu.Unlock()

	bp.locks.ReleaseAll(tid)
	return err
}

// ReleasePage drops tid's lock on a single page without ending the
// transaction. This steps outside two-phase locking, so it is only safe on
// pages the caller knows it did not and will not depend on.
func (bp *BufferPool) ReleasePage(tid txn.TransactionID, pid storage.PageID) {
	bp.locks.Release(tid, pid)
}

// HoldsLock reports whether tid holds a lock on pid.
func (bp *BufferPool) HoldsLock(tid txn.TransactionID, pid storage.PageID) bool {
	return bp.locks.HoldsLock(tid, pid)
}

// DiscardPage removes a page from the cache without writing it.
func (bp *BufferPool) DiscardPage(pid storage.PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.removeLocked(pid)
}

// Stats exposes the pool's counters for telemetry.
func (bp *BufferPool) Stats() *Stats {
	return &bp.stats
}

// Lock, Unlock, FlushAllLocked and DiscardLocked are the hooks the log
// manager uses to quiesce the cache for whole-log operations (checkpoint,
// rollback, recovery).

func (bp *BufferPool) Lock() { bp.mu.Lock() }

func (bp *BufferPool) Unlock() { bp.mu.Unlock() }

// FlushAllLocked flushes every dirty page. Caller holds the cache guard.
func (bp *BufferPool) FlushAllLocked() error {
	for pid, entry := range bp.pages {
		if entry.page.IsDirty() {
			if err := bp.flushPageLocked(pid); err != nil {
				return err
			}
		}
	}
	return nil
}

// DiscardLocked removes a page from the cache. Caller holds the cache
// guard.
func (bp *BufferPool) DiscardLocked(pid storage.PageID) {
	bp.removeLocked(pid)
}

// flushPageLocked logs the page's update, forces the log, writes the page,
// and resets its before-image to the now-durable contents. Caller holds the
// cache guard.
func (bp *BufferPool) flushPageLocked(pid storage.PageID) error {
	entry, ok := bp.pages[pid]
	if !ok || !entry.page.IsDirty() {
		return nil
	}
	if bp.wal == nil {
		return fmt.Errorf("flushing page %s: no wal attached", pid)
	}
	page := entry.page
	dirtier := page.Dirtier()

	if err := bp.wal.LogUpdate(dirtier, page.BeforeImage(), page); err != nil {
		return err
	}
	if err := bp.wal.Force(); err != nil {
		return err
	}

	file, err := bp.catalog.FileFor(pid)
	if err != nil {
		return err
	}
	if err := file.WritePage(page); err != nil {
		return err
	}
	page.SetBeforeImage()
	bp.stats.Flushes.Add(1)
	bp.logger.Debug("page flushed",
		zap.String("page", pid.String()),
		zap.Uint64("tid", uint64(dirtier)))
	return nil
}

// makeRoomLocked evicts the least recently used clean page if the pool is
// at capacity. Dirty pages are never evicted.
func (bp *BufferPool) makeRoomLocked() error {
	if len(bp.pages) < bp.capacity {
		return nil
	}
	for elem := bp.lru.Back(); elem != nil; elem = elem.Prev() {
		pid := elem.Value.(storage.PageID)
		if bp.pages[pid].page.IsDirty() {
			continue
		}
		bp.removeLocked(pid)
		bp.stats.Evictions.Add(1)
		bp.logger.Debug("page evicted", zap.String("page", pid.String()))
		return nil
	}
	return fmt.Errorf("%w: capacity %d", ErrBufferFull, bp.capacity)
}

func (bp *BufferPool) installLocked(p *storage.Page) {
	elem := bp.lru.PushFront(p.ID())
	bp.pages[p.ID()] = &pageEntry{page: p, elem: elem}
}

func (bp *BufferPool) removeLocked(pid storage.PageID) {
	entry, ok := bp.pages[pid]
	if !ok {
		return
	}
	bp.lru.Remove(entry.elem)
	delete(bp.pages, pid)
}
