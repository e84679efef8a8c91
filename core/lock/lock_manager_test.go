package lock

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chiseldb/chiseldb/core/storage"
	"github.com/chiseldb/chiseldb/core/txn"
)

func setupLockManager(t *testing.T, policy Policy, timeout time.Duration) *LockManager {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewLockManager(policy, timeout, logger)
}

func pid(n uint64) storage.PageID {
	return storage.PageID{TableID: 1, PageNo: n}
}

func TestSharedLocksCoexist(t *testing.T) {
	lm := setupLockManager(t, PolicyGraph, 0)

	require.NoError(t, lm.Acquire(1, pid(0), storage.ReadPerm))
	require.NoError(t, lm.Acquire(2, pid(0), storage.ReadPerm))
	require.True(t, lm.HoldsLock(1, pid(0)))
	require.True(t, lm.HoldsLock(2, pid(0)))
}

func TestReacquireIsNoOp(t *testing.T) {
	lm := setupLockManager(t, PolicyGraph, 0)

	require.NoError(t, lm.Acquire(1, pid(0), storage.WritePerm))
	require.NoError(t, lm.Acquire(1, pid(0), storage.WritePerm))
	// A shared request is satisfied by the exclusive lock already held.
	require.NoError(t, lm.Acquire(1, pid(0), storage.ReadPerm))
	require.True(t, lm.HoldsLock(1, pid(0)))
}

func TestSoleSharedHolderUpgrades(t *testing.T) {
	lm := setupLockManager(t, PolicyGraph, 0)

	require.NoError(t, lm.Acquire(1, pid(0), storage.ReadPerm))
	require.NoError(t, lm.Acquire(1, pid(0), storage.WritePerm))

	// The page is now exclusively held, so a second reader must wait.
	done := make(chan error, 1)
	go func() { done <- lm.Acquire(2, pid(0), storage.ReadPerm) }()
	select {
	case err := <-done:
		t.Fatalf("reader acquired lock on exclusively held page: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	lm.ReleaseAll(1)
	require.NoError(t, <-done)
}

func TestExclusiveBlocksUntilRelease(t *testing.T) {
	lm := setupLockManager(t, PolicyGraph, 0)

	require.NoError(t, lm.Acquire(1, pid(0), storage.ReadPerm))
	require.NoError(t, lm.Acquire(2, pid(0), storage.ReadPerm))

	done := make(chan error, 1)
	go func() { done <- lm.Acquire(3, pid(0), storage.WritePerm) }()
	select {
	case err := <-done:
		t.Fatalf("writer acquired lock over two readers: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	lm.ReleaseAll(1)
	lm.ReleaseAll(2)
	require.NoError(t, <-done)
	require.True(t, lm.HoldsLock(3, pid(0)))
}

func TestSinglePageRelease(t *testing.T) {
	lm := setupLockManager(t, PolicyGraph, 0)

	require.NoError(t, lm.Acquire(1, pid(0), storage.WritePerm))
	require.NoError(t, lm.Acquire(1, pid(1), storage.WritePerm))

	lm.Release(1, pid(0))
	require.False(t, lm.HoldsLock(1, pid(0)))
	require.True(t, lm.HoldsLock(1, pid(1)))

	require.NoError(t, lm.Acquire(2, pid(0), storage.WritePerm))
}

func TestGraphPolicyRejectsCycle(t *testing.T) {
	lm := setupLockManager(t, PolicyGraph, 0)

	require.NoError(t, lm.Acquire(1, pid(0), storage.WritePerm))
	require.NoError(t, lm.Acquire(2, pid(1), storage.WritePerm))

	// T1 blocks waiting on T2's page.
	firstWait := make(chan error, 1)
	go func() { firstWait <- lm.Acquire(1, pid(1), storage.WritePerm) }()
	select {
	case err := <-firstWait:
		t.Fatalf("expected wait, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// T2 asking for T1's page would close the cycle and must fail fast,
	// while its originally granted lock stays held.
	err := lm.Acquire(2, pid(0), storage.WritePerm)
	require.ErrorIs(t, err, ErrDeadlock)
	require.True(t, lm.HoldsLock(2, pid(1)))

	// Once T2 is aborted, T1's wait completes.
	lm.ReleaseAll(2)
	require.NoError(t, <-firstWait)
	require.Equal(t, int64(1), lm.Stats().Deadlocks.Load())
}

func TestTimeoutPolicyPresumesDeadlock(t *testing.T) {
	lm := setupLockManager(t, PolicyTimeout, 50*time.Millisecond)

	require.NoError(t, lm.Acquire(1, pid(0), storage.WritePerm))

	start := time.Now()
	err := lm.Acquire(2, pid(0), storage.WritePerm)
	require.ErrorIs(t, err, ErrDeadlock)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTimeoutPolicyGrantsBeforeDeadline(t *testing.T) {
	lm := setupLockManager(t, PolicyTimeout, time.Second)

	require.NoError(t, lm.Acquire(1, pid(0), storage.WritePerm))

	done := make(chan error, 1)
	go func() { done <- lm.Acquire(2, pid(0), storage.WritePerm) }()

	time.Sleep(20 * time.Millisecond)
	lm.ReleaseAll(1)
	require.NoError(t, <-done)
}

func TestReleaseAllClearsEverything(t *testing.T) {
	lm := setupLockManager(t, PolicyGraph, 0)

	require.NoError(t, lm.Acquire(1, pid(0), storage.ReadPerm))
	require.NoError(t, lm.Acquire(1, pid(1), storage.WritePerm))

	lm.ReleaseAll(1)
	require.False(t, lm.HoldsLock(1, pid(0)))
	require.False(t, lm.HoldsLock(1, pid(1)))
}

func TestConcurrentWritersSerialize(t *testing.T) {
	lm := setupLockManager(t, PolicyGraph, 0)

	var mu sync.Mutex
	var order []txn.TransactionID

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(tid txn.TransactionID) {
			defer wg.Done()
			require.NoError(t, lm.Acquire(tid, pid(0), storage.WritePerm))
			mu.Lock()
			order = append(order, tid)
			mu.Unlock()
			lm.ReleaseAll(tid)
		}(txn.TransactionID(i))
	}
	wg.Wait()
	require.Len(t, order, 8)
}

func TestWaitsForGraphStaysAcyclic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := newWaitsForGraph()

	// Insert random edges; accepted edges must never produce a cycle, which
	// we check by asserting no node can reach itself.
	const nodes = 12
	for i := 0; i < 500; i++ {
		from := txn.TransactionID(rng.Intn(nodes) + 1)
		to := txn.TransactionID(rng.Intn(nodes) + 1)
		accepted := g.addEdge(from, to)
		if from != to && !accepted {
			// The rejected edge means to already reaches from.
			require.True(t, g.reaches(to, from))
		}
		if i%50 == 0 {
			g.removeAll(txn.TransactionID(rng.Intn(nodes) + 1))
		}
	}
	for n := txn.TransactionID(1); n <= nodes; n++ {
		for next := range g.edges[n] {
			require.False(t, g.reaches(next, n), "cycle through %d -> %d", n, next)
		}
	}
}

func TestWaitsForGraphRemoveOutgoing(t *testing.T) {
	g := newWaitsForGraph()
	require.True(t, g.addEdge(1, 2))
	require.True(t, g.addEdge(3, 1))

	g.removeOutgoing(1)
	require.False(t, g.reaches(1, 2))
	// Incoming edges survive.
	require.True(t, g.reaches(3, 1))
}
