package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/chiseldb/chiseldb/core/txn"
)

// HeapFile stores fixed-width int64 tuples in fixed-size slotted pages.
// Each page starts with a used-slot bitmap followed by the tuple slots.
//
// All tuple-level operations go through the attached PageSource so that
// page locks are acquired and the cached copy (which may be dirty) is the
// one mutated. ReadPage and WritePage are the raw disk ends the buffer pool
// and recovery drive directly.
type HeapFile struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	tableID   uint64
	numFields int
	pageSize  int
	slots     int
	bitmapLen int
	src       PageSource
	logger    *zap.Logger
}

// NewHeapFile opens or creates the backing file.
func NewHeapFile(path string, tableID uint64, numFields, pageSize int, logger *zap.Logger) (*HeapFile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if numFields <= 0 {
		return nil, fmt.Errorf("%w: table %d must have at least one field", ErrInvalidTuple, tableID)
	}
	tupleSize := 8 * numFields
	// Solve for the largest slot count whose bitmap still fits.
	slots := (pageSize * 8) / (tupleSize*8 + 1)
	for slots > 0 && (slots+7)/8+slots*tupleSize > pageSize {
		slots--
	}
	if slots == 0 {
		return nil, fmt.Errorf("%w: tuple of %d bytes does not fit a %d byte page",
			ErrInvalidTuple, tupleSize, pageSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening heap file %s: %v", ErrIO, path, err)
	}

	hf := &HeapFile{
		file:      file,
		path:      path,
		tableID:   tableID,
		numFields: numFields,
		pageSize:  pageSize,
		slots:     slots,
		bitmapLen: (slots + 7) / 8,
		logger:    logger,
	}
	logger.Debug("heap file opened",
		zap.String("path", path),
		zap.Uint64("table", tableID),
		zap.Int("slots_per_page", slots))
	return hf, nil
}

// AttachPageSource wires the buffer pool in after construction. Tuple
// operations fail until a source is attached.
func (hf *HeapFile) AttachPageSource(src PageSource) {
	hf.src = src
}

func (hf *HeapFile) TableID() uint64 { return hf.tableID }

func (hf *HeapFile) PageSize() int { return hf.pageSize }

// SlotsPerPage reports the tuple capacity of one page.
func (hf *HeapFile) SlotsPerPage() int { return hf.slots }

func (hf *HeapFile) NumPages() (int, error) {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.numPagesLocked()
}

func (hf *HeapFile) numPagesLocked() (int, error) {
	fi, err := hf.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, hf.path, err)
	}
	return int(fi.Size()) / hf.pageSize, nil
}

// ReadPage reads a page from disk. The returned page is clean.
func (hf *HeapFile) ReadPage(pid PageID) (*Page, error) {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	n, err := hf.numPagesLocked()
	if err != nil {
		return nil, err
	}
	if pid.TableID != hf.tableID || pid.PageNo >= uint64(n) {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, pid)
	}
	data := make([]byte, hf.pageSize)
	if _, err := hf.file.ReadAt(data, int64(pid.PageNo)*int64(hf.pageSize)); err != nil {
		return nil, fmt.Errorf("%w: reading page %s: %v", ErrIO, pid, err)
	}
	return NewPage(KindHeap, pid, data), nil
}

// WritePage writes the page to disk, syncs, and clears its dirty flag. The
// caller is responsible for having made the matching log record durable
// first.
func (hf *HeapFile) WritePage(p *Page) error {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	if len(p.Data()) != hf.pageSize {
		return fmt.Errorf("%w: page %s has %d bytes", ErrPageSizeMismatch, p.ID(), len(p.Data()))
	}
	offset := int64(p.ID().PageNo) * int64(hf.pageSize)
	if _, err := hf.file.WriteAt(p.Data(), offset); err != nil {
		return fmt.Errorf("%w: writing page %s: %v", ErrIO, p.ID(), err)
	}
	if err := hf.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, hf.path, err)
	}
	p.MarkClean()
	return nil
}

// InsertTuple places t in the first page with a free slot, extending the
// file when every page is full. Mutated pages are returned for the caller
// to mark dirty.
func (hf *HeapFile) InsertTuple(tid txn.TransactionID, t *Tuple) ([]*Page, error) {
	if hf.src == nil {
		return nil, fmt.Errorf("heap file %d has no page source attached", hf.tableID)
	}
	if len(t.Values) != hf.numFields {
		return nil, fmt.Errorf("%w: got %d fields, want %d", ErrInvalidTuple, len(t.Values), hf.numFields)
	}

	n, err := hf.NumPages()
	if err != nil {
		return nil, err
	}
	for pageNo := 0; pageNo < n; pageNo++ {
		pid := PageID{TableID: hf.tableID, PageNo: uint64(pageNo)}
		p, err := hf.src.GetPage(tid, pid, WritePerm)
		if err != nil {
			return nil, err
		}
		if slot, ok := hf.freeSlot(p); ok {
			hf.writeTuple(p, slot, t)
			return []*Page{p}, nil
		}
	}

	pid, err := hf.allocatePage()
	if err != nil {
		return nil, err
	}
	p, err := hf.src.GetPage(tid, pid, WritePerm)
	if err != nil {
		return nil, err
	}
	hf.writeTuple(p, 0, t)
	return []*Page{p}, nil
}

// DeleteTuple clears the slot named by t.RID. The mutated page is returned
// for the caller to mark dirty.
func (hf *HeapFile) DeleteTuple(tid txn.TransactionID, t *Tuple) ([]*Page, error) {
	if hf.src == nil {
		return nil, fmt.Errorf("heap file %d has no page source attached", hf.tableID)
	}
	if t.RID.PageID.TableID != hf.tableID {
		return nil, fmt.Errorf("%w: rid %v does not belong to table %d", ErrTupleNotFound, t.RID, hf.tableID)
	}
	p, err := hf.src.GetPage(tid, t.RID.PageID, WritePerm)
	if err != nil {
		return nil, err
	}
	if !hf.slotUsed(p, t.RID.Slot) {
		return nil, fmt.Errorf("%w: %v", ErrTupleNotFound, t.RID)
	}
	hf.clearSlot(p, t.RID.Slot)
	return []*Page{p}, nil
}

// TuplesOn decodes the live tuples on a page.
func (hf *HeapFile) TuplesOn(p *Page) []*Tuple {
	var out []*Tuple
	for slot := 0; slot < hf.slots; slot++ {
		if !hf.slotUsed(p, slot) {
			continue
		}
		t := &Tuple{
			Values: make([]int64, hf.numFields),
			RID:    RecordID{PageID: p.ID(), Slot: slot},
		}
		base := hf.bitmapLen + slot*8*hf.numFields
		for f := 0; f < hf.numFields; f++ {
			t.Values[f] = int64(binary.BigEndian.Uint64(p.Data()[base+8*f:]))
		}
		out = append(out, t)
	}
	return out
}

// Close syncs and closes the backing file.
func (hf *HeapFile) Close() error {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	if err := hf.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s on close: %v", ErrIO, hf.path, err)
	}
	return hf.file.Close()
}

// allocatePage extends the file with one zeroed page.
func (hf *HeapFile) allocatePage() (PageID, error) {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	n, err := hf.numPagesLocked()
	if err != nil {
		return PageID{}, err
	}
	empty := make([]byte, hf.pageSize)
	if _, err := hf.file.WriteAt(empty, int64(n)*int64(hf.pageSize)); err != nil {
		return PageID{}, fmt.Errorf("%w: extending %s: %v", ErrIO, hf.path, err)
	}
	return PageID{TableID: hf.tableID, PageNo: uint64(n)}, nil
}

func (hf *HeapFile) slotUsed(p *Page, slot int) bool {
	return p.Data()[slot/8]&(1<<(slot%8)) != 0
}

func (hf *HeapFile) setSlot(p *Page, slot int) {
	p.Data()[slot/8] |= 1 << (slot % 8)
}

func (hf *HeapFile) clearSlot(p *Page, slot int) {
	p.Data()[slot/8] &^= 1 << (slot % 8)
}

func (hf *HeapFile) freeSlot(p *Page) (int, bool) {
	for slot := 0; slot < hf.slots; slot++ {
		if !hf.slotUsed(p, slot) {
			return slot, true
		}
	}
	return 0, false
}

func (hf *HeapFile) writeTuple(p *Page, slot int, t *Tuple) {
	base := hf.bitmapLen + slot*8*hf.numFields
	for f, v := range t.Values {
		binary.BigEndian.PutUint64(p.Data()[base+8*f:], uint64(v))
	}
	hf.setSlot(p, slot)
	t.RID = RecordID{PageID: p.ID(), Slot: slot}
}
