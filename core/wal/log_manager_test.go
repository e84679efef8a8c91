package wal_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chiseldb/chiseldb/core/buffer"
	"github.com/chiseldb/chiseldb/core/lock"
	"github.com/chiseldb/chiseldb/core/storage"
	"github.com/chiseldb/chiseldb/core/txn"
	"github.com/chiseldb/chiseldb/core/wal"
)

type fixture struct {
	dir  string
	file *storage.HeapFile
	pool *buffer.BufferPool
	log  *wal.LogManager
}

// openStack wires a catalog, heap file, lock manager, buffer pool and log
// manager over the files in dir, the way the engine does. Calling it twice
// on the same dir simulates a restart.
func openStack(t *testing.T, dir string) *fixture {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	cat := storage.NewCatalog(logger)
	hf, err := storage.NewHeapFile(filepath.Join(dir, "data.dat"), 1, 1, 256, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hf.Close() })
	require.NoError(t, cat.AddTable("t", hf))

	locks := lock.NewLockManager(lock.PolicyGraph, 0, logger)
	pool := buffer.NewBufferPool(16, cat, locks, logger)
	hf.AttachPageSource(pool)

	lm, err := wal.NewLogManager(filepath.Join(dir, "wal.log"), cat, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Close() })

	pool.AttachWAL(lm)
	lm.AttachCache(pool)
	return &fixture{dir: dir, file: hf, pool: pool, log: lm}
}

func commitTxn(t *testing.T, fx *fixture, tid txn.TransactionID) {
	t.Helper()
	require.NoError(t, fx.pool.FlushPages(tid))
	require.NoError(t, fx.log.LogCommit(tid))
	require.NoError(t, fx.pool.TransactionComplete(tid, true))
}

// insertCommitted runs one transaction inserting the given values.
func insertCommitted(t *testing.T, fx *fixture, tid txn.TransactionID, values ...int64) {
	t.Helper()
	require.NoError(t, fx.log.LogBegin(tid))
	for _, v := range values {
		require.NoError(t, fx.pool.InsertTuple(tid, 1, &storage.Tuple{Values: []int64{v}}))
	}
	commitTxn(t, fx, tid)
}

// readValues returns every committed value visible on page 0.
func readValues(t *testing.T, fx *fixture, tid txn.TransactionID) []int64 {
	t.Helper()
	n, err := fx.file.NumPages()
	require.NoError(t, err)
	var out []int64
	for pageNo := 0; pageNo < n; pageNo++ {
		p, err := fx.pool.GetPage(tid, storage.PageID{TableID: 1, PageNo: uint64(pageNo)}, storage.ReadPerm)
		require.NoError(t, err)
		for _, tup := range fx.file.TuplesOn(p) {
			out = append(out, tup.Values[0])
		}
	}
	return out
}

func TestCommittedDataSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	fx := openStack(t, dir)
	insertCommitted(t, fx, 1, 10, 20, 30)

	fx2 := openStack(t, dir)
	require.NoError(t, fx2.log.Recover())
	require.ElementsMatch(t, []int64{10, 20, 30}, readValues(t, fx2, 50))
}

func TestUncommittedDataUndoneOnRecover(t *testing.T) {
	dir := t.TempDir()
	fx := openStack(t, dir)
	insertCommitted(t, fx, 1, 10)

	// A second transaction pushes uncommitted changes to disk, then the
	// process "crashes" before committing.
	require.NoError(t, fx.log.LogBegin(2))
	require.NoError(t, fx.pool.InsertTuple(2, 1, &storage.Tuple{Values: []int64{99}}))
	require.NoError(t, fx.pool.FlushAllPages())

	fx2 := openStack(t, dir)
	require.NoError(t, fx2.log.Recover())
	require.ElementsMatch(t, []int64{10}, readValues(t, fx2, 50))
}

func TestAbortRestoresBeforeImages(t *testing.T) {
	fx := openStack(t, t.TempDir())
	insertCommitted(t, fx, 1, 10)

	require.NoError(t, fx.log.LogBegin(2))
	require.NoError(t, fx.pool.InsertTuple(2, 1, &storage.Tuple{Values: []int64{99}}))
	// Force the uncommitted change to disk so the abort has real undo work.
	require.NoError(t, fx.pool.FlushAllPages())

	require.NoError(t, fx.log.LogAbort(2))
	require.NoError(t, fx.pool.TransactionComplete(2, false))

	require.ElementsMatch(t, []int64{10}, readValues(t, fx, 50))
}

func TestAbortWithNothingFlushedLeavesNoTrace(t *testing.T) {
	fx := openStack(t, t.TempDir())
	insertCommitted(t, fx, 1, 10)

	require.NoError(t, fx.log.LogBegin(2))
	require.NoError(t, fx.pool.InsertTuple(2, 1, &storage.Tuple{Values: []int64{99}}))
	require.NoError(t, fx.log.LogAbort(2))
	require.NoError(t, fx.pool.TransactionComplete(2, false))

	require.ElementsMatch(t, []int64{10}, readValues(t, fx, 50))
}

func TestCheckpointThenRecoverChangesNothing(t *testing.T) {
	dir := t.TempDir()
	fx := openStack(t, dir)
	insertCommitted(t, fx, 1, 10, 20)
	require.NoError(t, fx.log.LogCheckpoint())

	fx2 := openStack(t, dir)
	require.NoError(t, fx2.log.Recover())
	require.ElementsMatch(t, []int64{10, 20}, readValues(t, fx2, 50))
}

func TestCheckpointTruncatesLog(t *testing.T) {
	fx := openStack(t, t.TempDir())
	for tid := txn.TransactionID(1); tid <= 5; tid++ {
		insertCommitted(t, fx, tid, int64(tid))
	}
	before := fx.log.Size()

	require.NoError(t, fx.log.LogCheckpoint())
	require.Less(t, fx.log.Size(), before)

	// The truncated log still recovers to the same contents.
	require.NoError(t, fx.log.Recover())
	require.ElementsMatch(t, []int64{1, 2, 3, 4, 5}, readValues(t, fx, 50))
}

func TestCheckpointKeepsActiveTransactionRecords(t *testing.T) {
	dir := t.TempDir()
	fx := openStack(t, dir)
	insertCommitted(t, fx, 1, 10)

	// T2 is still running at checkpoint time; its flushed update must
	// survive truncation so recovery can undo it.
	require.NoError(t, fx.log.LogBegin(2))
	require.NoError(t, fx.pool.InsertTuple(2, 1, &storage.Tuple{Values: []int64{99}}))
	require.NoError(t, fx.log.LogCheckpoint())

	fx2 := openStack(t, dir)
	require.NoError(t, fx2.log.Recover())
	require.ElementsMatch(t, []int64{10}, readValues(t, fx2, 50))
}

func TestRecoverIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	fx := openStack(t, dir)
	insertCommitted(t, fx, 1, 10)

	fx2 := openStack(t, dir)
	require.NoError(t, fx2.log.Recover())
	require.NoError(t, fx2.log.Recover())
	require.ElementsMatch(t, []int64{10}, readValues(t, fx2, 50))
}

func TestAppendWithoutRecoverResetsStaleLog(t *testing.T) {
	dir := t.TempDir()
	fx := openStack(t, dir)
	insertCommitted(t, fx, 1, 10)
	staleSize := fx.log.Size()
	require.Greater(t, staleSize, int64(8))

	// Reopen and append without recovering: the old records are discarded.
	fx2 := openStack(t, dir)
	require.NoError(t, fx2.log.LogBegin(7))
	require.Less(t, fx2.log.Size(), staleSize)
}

func TestRecoverRejectsCorruptLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	// A header with no checkpoint followed by garbage where a record type
	// should be.
	raw := []byte{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0x09, 0x09, 0x09, 0x09, 0x09, 0x09, 0x09, 0x09,
		0x09, 0x09, 0x09, 0x09, 0x09, 0x09, 0x09, 0x09,
	}
	require.NoError(t, os.WriteFile(path, raw, 0666))

	fx := openStack(t, dir)
	require.ErrorIs(t, fx.log.Recover(), wal.ErrLogCorrupt)
}

func TestDoubleBeginRejected(t *testing.T) {
	fx := openStack(t, t.TempDir())
	require.NoError(t, fx.log.LogBegin(1))
	require.ErrorIs(t, fx.log.LogBegin(1), wal.ErrDoubleBegin)
}

func TestAbortUnknownTransaction(t *testing.T) {
	fx := openStack(t, t.TempDir())
	require.ErrorIs(t, fx.log.LogAbort(42), wal.ErrUnknownTransaction)
}

func TestDumpListsRecords(t *testing.T) {
	fx := openStack(t, t.TempDir())
	insertCommitted(t, fx, 1, 10)
	require.NoError(t, fx.log.LogBegin(2))
	require.NoError(t, fx.log.LogCheckpoint())

	var buf bytes.Buffer
	require.NoError(t, fx.log.Dump(&buf))
	out := buf.String()
	require.Contains(t, out, "CHECKPOINT")
	require.Contains(t, out, "BEGIN")
	require.Contains(t, out, "checkpoint at offset")
}

func TestDumpFileStandalone(t *testing.T) {
	dir := t.TempDir()
	fx := openStack(t, dir)
	insertCommitted(t, fx, 1, 10)
	require.NoError(t, fx.log.Force())

	var buf bytes.Buffer
	require.NoError(t, wal.DumpFile(filepath.Join(dir, "wal.log"), &buf))
	require.Contains(t, buf.String(), "UPDATE")
	require.Contains(t, buf.String(), "COMMIT")
}
