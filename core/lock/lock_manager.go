package lock

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chiseldb/chiseldb/core/storage"
	"github.com/chiseldb/chiseldb/core/txn"
)

// ErrDeadlock is returned when granting a lock would deadlock, either
// because the wait would close a cycle in the waits-for graph or because a
// timed wait expired. The caller is expected to abort the transaction.
var ErrDeadlock = errors.New("deadlock detected")

// Policy selects how lock waits are policed.
type Policy int

const (
	// PolicyGraph maintains a waits-for graph and rejects, before ever
	// blocking, any wait that would close a cycle.
	PolicyGraph Policy = iota

	// PolicyTimeout lets waits block and presumes deadlock once a wait
	// outlives the configured timeout.
	PolicyTimeout
)

func (p Policy) String() string {
	if p == PolicyTimeout {
		return "timeout"
	}
	return "graph"
}

// Stats are monotonic counters the lock manager maintains for telemetry.
type Stats struct {
	Acquired  atomic.Int64
	Waits     atomic.Int64
	Deadlocks atomic.Int64
}

// LockManager grants page-level shared and exclusive locks under strict
// two-phase locking. Locks are held until ReleaseAll at transaction end;
// the sole exception is the buffer pool's explicit single-page Release.
//
// One mutex guards the whole lock table, with a single condition variable
// for waiters. Waiters re-check grantability on every broadcast.
type LockManager struct {
	mu   sync.Mutex
	cond *sync.Cond

	shared    map[storage.PageID]map[txn.TransactionID]struct{}
	exclusive map[storage.PageID]txn.TransactionID

	graph   *waitsForGraph
	policy  Policy
	timeout time.Duration

	stats  Stats
	logger *zap.Logger
}

// NewLockManager builds a lock manager. timeout is only consulted under
// PolicyTimeout.
func NewLockManager(policy Policy, timeout time.Duration, logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	lm := &LockManager{
		shared:    make(map[storage.PageID]map[txn.TransactionID]struct{}),
		exclusive: make(map[storage.PageID]txn.TransactionID),
		graph:     newWaitsForGraph(),
		policy:    policy,
		timeout:   timeout,
		logger:    logger,
	}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

// Acquire blocks until tid holds the requested lock on pid, or fails with
// ErrDeadlock. Re-acquiring a lock already held is a no-op, and a shared
// request is satisfied by an exclusive lock already held. A transaction
// that is the sole shared holder upgrades in place.
func (lm *LockManager) Acquire(tid txn.TransactionID, pid storage.PageID, perm storage.Perm) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var deadline time.Time
	var timer *time.Timer
	waited := false
	for {
		if lm.grantable(tid, pid, perm) {
			lm.grant(tid, pid, perm)
			lm.graph.removeOutgoing(tid)
			lm.stats.Acquired.Add(1)
			if timer != nil {
				timer.Stop()
			}
			return nil
		}

		blockers := lm.blockers(tid, pid, perm)
		if lm.policy == PolicyGraph {
			// The blocker set changes as locks move, so rebuild this
			// waiter's edges from scratch on every pass.
			lm.graph.removeOutgoing(tid)
			for blocker := range blockers {
				if !lm.graph.addEdge(tid, blocker) {
					lm.graph.removeOutgoing(tid)
					lm.stats.Deadlocks.Add(1)
					lm.logger.Warn("lock wait would deadlock",
						zap.Uint64("tid", uint64(tid)),
						zap.String("page", pid.String()),
						zap.String("perm", perm.String()))
					return fmt.Errorf("%w: transaction %d waiting for %s lock on page %s",
						ErrDeadlock, tid, perm, pid)
				}
			}
		} else {
			if deadline.IsZero() {
				deadline = time.Now().Add(lm.timeout)
				timer = time.AfterFunc(lm.timeout, lm.cond.Broadcast)
			} else if !time.Now().Before(deadline) {
				lm.stats.Deadlocks.Add(1)
				lm.logger.Warn("lock wait timed out",
					zap.Uint64("tid", uint64(tid)),
					zap.String("page", pid.String()),
					zap.Duration("timeout", lm.timeout))
				return fmt.Errorf("%w: transaction %d timed out after %s waiting for %s lock on page %s",
					ErrDeadlock, tid, lm.timeout, perm, pid)
			}
		}

		if !waited {
			waited = true
			lm.stats.Waits.Add(1)
		}
		lm.cond.Wait()
	}
}

// Release drops tid's lock on a single page. Releasing a page before
// transaction end breaks two-phase locking, so this exists only for the
// buffer pool's explicit early-release escape hatch.
func (lm *LockManager) Release(tid txn.TransactionID, pid storage.PageID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.releaseLocked(tid, pid)
	lm.cond.Broadcast()
}

// ReleaseAll drops every lock tid holds and removes it from the waits-for
// graph. Called once at commit or abort.
func (lm *LockManager) ReleaseAll(tid txn.TransactionID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for pid, holders := range lm.shared {
		if _, ok := holders[tid]; ok {
			lm.releaseLocked(tid, pid)
		}
	}
	for pid, holder := range lm.exclusive {
		if holder == tid {
			lm.releaseLocked(tid, pid)
		}
	}
	lm.graph.removeAll(tid)
	lm.cond.Broadcast()
}

// HoldsLock reports whether tid holds any lock on pid.
func (lm *LockManager) HoldsLock(tid txn.TransactionID, pid storage.PageID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.exclusive[pid] == tid {
		return true
	}
	_, ok := lm.shared[pid][tid]
	return ok
}

// Stats exposes the manager's counters for telemetry.
func (lm *LockManager) Stats() *Stats {
	return &lm.stats
}

func (lm *LockManager) releaseLocked(tid txn.TransactionID, pid storage.PageID) {
	if holders, ok := lm.shared[pid]; ok {
		delete(holders, tid)
		if len(holders) == 0 {
			delete(lm.shared, pid)
		}
	}
	if lm.exclusive[pid] == tid {
		delete(lm.exclusive, pid)
	}
}

// grantable and the helpers below assume lm.mu is held.
func (lm *LockManager) grantable(tid txn.TransactionID, pid storage.PageID, perm storage.Perm) bool {
	holder, hasX := lm.exclusive[pid]
	if hasX {
		// An exclusive lock held by tid satisfies either request.
		return holder == tid
	}
	if perm == storage.ReadPerm {
		return true
	}
	holders := lm.shared[pid]
	if len(holders) == 0 {
		return true
	}
	// Upgrade is allowed only for the sole shared holder.
	if len(holders) == 1 {
		_, soleHolder := holders[tid]
		return soleHolder
	}
	return false
}

func (lm *LockManager) grant(tid txn.TransactionID, pid storage.PageID, perm storage.Perm) {
	if perm == storage.ReadPerm {
		if lm.exclusive[pid] == tid {
			return
		}
		if lm.shared[pid] == nil {
			lm.shared[pid] = make(map[txn.TransactionID]struct{})
		}
		lm.shared[pid][tid] = struct{}{}
		return
	}
	// Exclusive: absorb a shared lock held by tid (the upgrade path).
	if holders, ok := lm.shared[pid]; ok {
		delete(holders, tid)
		if len(holders) == 0 {
			delete(lm.shared, pid)
		}
	}
	lm.exclusive[pid] = tid
}

func (lm *LockManager) blockers(tid txn.TransactionID, pid storage.PageID, perm storage.Perm) map[txn.TransactionID]struct{} {
	out := make(map[txn.TransactionID]struct{})
	if holder, ok := lm.exclusive[pid]; ok && holder != tid {
		out[holder] = struct{}{}
	}
	if perm == storage.WritePerm {
		for holder := range lm.shared[pid] {
			if holder != tid {
				out[holder] = struct{}{}
			}
		}
	}
	return out
}
