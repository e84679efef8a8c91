package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chiseldb/chiseldb/core/txn"
)

// directSource serves pages straight from the file with a trivial cache,
// standing in for the buffer pool.
type directSource struct {
	file  *HeapFile
	pages map[PageID]*Page
}

func (s *directSource) GetPage(tid txn.TransactionID, pid PageID, perm Perm) (*Page, error) {
	if p, ok := s.pages[pid]; ok {
		return p, nil
	}
	p, err := s.file.ReadPage(pid)
	if err != nil {
		return nil, err
	}
	s.pages[pid] = p
	return p, nil
}

func setupHeapFile(t *testing.T, numFields, pageSize int) (*HeapFile, *directSource) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "test.dat")
	hf, err := NewHeapFile(path, 1, numFields, pageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hf.Close() })

	src := &directSource{file: hf, pages: make(map[PageID]*Page)}
	hf.AttachPageSource(src)
	return hf, src
}

func TestHeapFileInsertAndScan(t *testing.T) {
	hf, src := setupHeapFile(t, 2, 4096)

	tid := txn.TransactionID(1)
	for i := int64(0); i < 10; i++ {
		_, err := hf.InsertTuple(tid, &Tuple{Values: []int64{i, i * 10}})
		require.NoError(t, err)
	}

	p, err := src.GetPage(tid, PageID{TableID: 1, PageNo: 0}, ReadPerm)
	require.NoError(t, err)

	tuples := hf.TuplesOn(p)
	require.Len(t, tuples, 10)
	for i, tup := range tuples {
		require.Equal(t, int64(i), tup.Values[0])
		require.Equal(t, int64(i*10), tup.Values[1])
	}
}

func TestHeapFileExtendsWhenFull(t *testing.T) {
	hf, _ := setupHeapFile(t, 2, 128)

	tid := txn.TransactionID(1)
	perPage := hf.SlotsPerPage()
	for i := 0; i < perPage+1; i++ {
		_, err := hf.InsertTuple(tid, &Tuple{Values: []int64{int64(i), 0}})
		require.NoError(t, err)
	}

	n, err := hf.NumPages()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestHeapFileDelete(t *testing.T) {
	hf, src := setupHeapFile(t, 1, 4096)

	tid := txn.TransactionID(1)
	tup := &Tuple{Values: []int64{42}}
	_, err := hf.InsertTuple(tid, tup)
	require.NoError(t, err)

	_, err = hf.DeleteTuple(tid, tup)
	require.NoError(t, err)

	p, err := src.GetPage(tid, tup.RID.PageID, ReadPerm)
	require.NoError(t, err)
	require.Empty(t, hf.TuplesOn(p))

	_, err = hf.DeleteTuple(tid, tup)
	require.ErrorIs(t, err, ErrTupleNotFound)
}

func TestHeapFileDeleteReusesSlot(t *testing.T) {
	hf, _ := setupHeapFile(t, 1, 4096)

	tid := txn.TransactionID(1)
	first := &Tuple{Values: []int64{1}}
	_, err := hf.InsertTuple(tid, first)
	require.NoError(t, err)
	_, err = hf.InsertTuple(tid, &Tuple{Values: []int64{2}})
	require.NoError(t, err)

	_, err = hf.DeleteTuple(tid, first)
	require.NoError(t, err)

	third := &Tuple{Values: []int64{3}}
	_, err = hf.InsertTuple(tid, third)
	require.NoError(t, err)
	require.Equal(t, first.RID, third.RID)
}

func TestHeapFileInsertWrongArity(t *testing.T) {
	hf, _ := setupHeapFile(t, 2, 4096)

	_, err := hf.InsertTuple(txn.TransactionID(1), &Tuple{Values: []int64{1}})
	require.ErrorIs(t, err, ErrInvalidTuple)
}

func TestHeapFileReadPageOutOfRange(t *testing.T) {
	hf, _ := setupHeapFile(t, 1, 4096)

	_, err := hf.ReadPage(PageID{TableID: 1, PageNo: 5})
	require.ErrorIs(t, err, ErrPageNotFound)
}

func TestHeapFileWritePageMarksClean(t *testing.T) {
	hf, src := setupHeapFile(t, 1, 4096)

	tid := txn.TransactionID(1)
	tup := &Tuple{Values: []int64{7}}
	_, err := hf.InsertTuple(tid, tup)
	require.NoError(t, err)

	p, err := src.GetPage(tid, tup.RID.PageID, WritePerm)
	require.NoError(t, err)
	p.MarkDirty(tid)

	require.NoError(t, hf.WritePage(p))
	require.False(t, p.IsDirty())

	reread, err := hf.ReadPage(tup.RID.PageID)
	require.NoError(t, err)
	require.Equal(t, p.Data(), reread.Data())
}
