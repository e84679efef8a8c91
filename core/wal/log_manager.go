package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chiseldb/chiseldb/core/storage"
	"github.com/chiseldb/chiseldb/core/txn"
)

var (
	// ErrLogCorrupt means a record failed to parse during rollback,
	// truncation or recovery. The log cannot be trusted past that point.
	ErrLogCorrupt = errors.New("log corrupt")

	// ErrUnknownTransaction is returned for log operations naming a
	// transaction with no begin record.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrDoubleBegin is returned when a transaction logs begin twice.
	ErrDoubleBegin = errors.New("transaction already began")
)

// RecordType tags a log record.
type RecordType int32

const (
	RecordAbort      RecordType = 1
	RecordCommit     RecordType = 2
	RecordUpdate     RecordType = 3
	RecordBegin      RecordType = 4
	RecordCheckpoint RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case RecordAbort:
		return "ABORT"
	case RecordCommit:
		return "COMMIT"
	case RecordUpdate:
		return "UPDATE"
	case RecordBegin:
		return "BEGIN"
	case RecordCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// headerSize is the fixed prefix holding the last checkpoint offset.
const headerSize = 8

// noCheckpoint is the header value when no checkpoint has been taken.
const noCheckpoint = int64(-1)

// PageCache is the slice of the buffer pool the log manager needs. Whole-log
// operations quiesce the cache by holding its guard for their duration;
// FlushAllLocked and DiscardLocked assume the guard is held.
type PageCache interface {
	Lock()
	Unlock()
	FlushAllLocked() error
	DiscardLocked(pid storage.PageID)
}

// Stats are monotonic counters the log manager maintains for telemetry.
type Stats struct {
	Records     atomic.Int64
	Forces      atomic.Int64
	Checkpoints atomic.Int64
	Rollbacks   atomic.Int64
	Recoveries  atomic.Int64
}

// LogManager is a write-ahead log with force-on-commit semantics. Update
// records carry full before and after page images; every record ends with
// its own start offset so the log can be walked backwards.
//
// Lock order: callers touching both the page cache and the log take the
// cache guard first. The composite operations here (abort, checkpoint,
// rollback, recovery) do so themselves through the PageCache hooks.
type LogManager struct {
	mu   sync.Mutex
	file *os.File
	path string

	// currentOffset is the append position, i.e. the file size.
	currentOffset int64

	// recoveryUndecided is set when the log opened non-empty. If the first
	// append arrives before any Recover call, the old contents are
	// discarded: appending means the caller has decided not to recover.
	recoveryUndecided bool
	appended          bool

	tidToFirstRecord map[txn.TransactionID]int64

	catalog *storage.Catalog
	cache   PageCache

	stats  Stats
	logger *zap.Logger
}

// NewLogManager opens or creates the log file. A fresh file gets the empty
// header written immediately.
func NewLogManager(path string, catalog *storage.Catalog, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}

	lm := &LogManager{
		file:             file,
		path:             path,
		tidToFirstRecord: make(map[txn.TransactionID]int64),
		catalog:          catalog,
		logger:           logger,
	}
	if fi.Size() == 0 {
		if err := lm.resetLocked(); err != nil {
			return nil, err
		}
	} else {
		lm.currentOffset = fi.Size()
		lm.recoveryUndecided = true
	}
	return lm, nil
}

// AttachCache wires the buffer pool in after construction. Abort,
// checkpoint, rollback and recovery fail until it is set.
func (lm *LogManager) AttachCache(cache PageCache) {
	lm.cache = cache
}

// Stats exposes the manager's counters for telemetry.
func (lm *LogManager) Stats() *Stats {
	return &lm.stats
}

// LogBegin appends a begin record and remembers its offset as the
// transaction's first.
func (lm *LogManager) LogBegin(tid txn.TransactionID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, ok := lm.tidToFirstRecord[tid]; ok {
		return fmt.Errorf("%w: %d", ErrDoubleBegin, tid)
	}
	if err := lm.preAppendLocked(); err != nil {
		return err
	}
	start := lm.currentOffset
	buf := newRecordBuf(RecordBegin, tid)
	if err := lm.appendLocked(buf, start); err != nil {
		return err
	}
	lm.tidToFirstRecord[tid] = start
	return nil
}

// LogUpdate appends an update record holding the page's before and after
// images. It does not force; the caller forces before the page itself is
// written.
func (lm *LogManager) LogUpdate(tid txn.TransactionID, before, after *storage.Page) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.preAppendLocked(); err != nil {
		return err
	}
	start := lm.currentOffset
	buf := newRecordBuf(RecordUpdate, tid)
	encodePageImage(buf, before)
	encodePageImage(buf, after)
	return lm.appendLocked(buf, start)
}

// LogCommit appends a commit record and forces it to disk. The transaction
// is durable once this returns.
func (lm *LogManager) LogCommit(tid txn.TransactionID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.preAppendLocked(); err != nil {
		return err
	}
	start := lm.currentOffset
	buf := newRecordBuf(RecordCommit, tid)
	if err := lm.appendLocked(buf, start); err != nil {
		return err
	}
	if err := lm.forceLocked(); err != nil {
		return err
	}
	delete(lm.tidToFirstRecord, tid)
	return nil
}

// LogAbort rolls the transaction's pages back to their before-images, then
// appends and forces an abort record. The cache guard is held throughout so
// no page moves mid-rollback.
func (lm *LogManager) LogAbort(tid txn.TransactionID) error {
	lm.cache.Lock()
	defer lm.cache.Unlock()
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.rollbackLocked(tid); err != nil {
		return err
	}
	start := lm.currentOffset
	buf := newRecordBuf(RecordAbort, tid)
	if err := lm.appendLocked(buf, start); err != nil {
		return err
	}
	if err := lm.forceLocked(); err != nil {
		return err
	}
	delete(lm.tidToFirstRecord, tid)
	return nil
}

// Rollback restores the before-image of every page the transaction updated,
// without writing an abort record. Exposed for recovery tooling; the normal
// abort path is LogAbort.
func (lm *LogManager) Rollback(tid txn.TransactionID) error {
	lm.cache.Lock()
	defer lm.cache.Unlock()
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.rollbackLocked(tid)
}

// LogCheckpoint flushes every dirty page, appends a checkpoint record
// naming the still-active transactions, points the header at it, and
// truncates the prefix of the log no future recovery can need.
func (lm *LogManager) LogCheckpoint() error {
	lm.cache.Lock()
	defer lm.cache.Unlock()

	// Flush before taking the log mutex: each flush appends and forces its
	// own update record.
	if err := lm.cache.FlushAllLocked(); err != nil {
		return err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.preAppendLocked(); err != nil {
		return err
	}
	if err := lm.forceLocked(); err != nil {
		return err
	}

	start := lm.currentOffset
	buf := newRecordBuf(RecordCheckpoint, txn.InvalidID)
	binary.Write(buf, binary.BigEndian, int32(len(lm.tidToFirstRecord)))
	for tid, first := range lm.tidToFirstRecord {
		binary.Write(buf, binary.BigEndian, int64(tid))
		binary.Write(buf, binary.BigEndian, first)
	}
	if err := lm.appendLocked(buf, start); err != nil {
		return err
	}
	if err := lm.forceLocked(); err != nil {
		return err
	}
	if err := lm.writeHeaderLocked(start); err != nil {
		return err
	}
	lm.stats.Checkpoints.Add(1)
	lm.logger.Info("checkpoint taken",
		zap.Int64("offset", start),
		zap.Int("active_transactions", len(lm.tidToFirstRecord)))

	return lm.truncateLocked(start)
}

// Recover brings the data files to a consistent state after a crash: replay
// every logged after-image in order, then undo the transactions that never
// committed. Must run before any new transaction appends to the log.
func (lm *LogManager) Recover() error {
	lm.cache.Lock()
	defer lm.cache.Unlock()
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.recoveryUndecided = false

	cp, err := lm.readHeaderLocked()
	if err != nil {
		return err
	}

	start := int64(headerSize)
	active := make(map[txn.TransactionID]int64)
	if cp != noCheckpoint {
		rec, err := readRecordAt(lm.file, lm.currentOffset, cp)
		if err != nil {
			return err
		}
		if rec.typ != RecordCheckpoint {
			return fmt.Errorf("%w: header points at %s record at offset %d",
				ErrLogCorrupt, rec.typ, cp)
		}
		start = rec.end
		for _, entry := range rec.active {
			active[entry.tid] = entry.first
			// A loser's updates may predate the checkpoint; the scan must
			// cover them so their before-images are collected for undo.
			if entry.first < start {
				start = entry.first
			}
		}
	}

	undo := make(map[txn.TransactionID][]*storage.Page)
	for pos := start; pos < lm.currentOffset; {
		rec, err := readRecordAt(lm.file, lm.currentOffset, pos)
		if err != nil {
			return err
		}
		switch rec.typ {
		case RecordBegin:
			active[rec.tid] = pos
		case RecordUpdate:
			if err := lm.writePageLocked(rec.after); err != nil {
				return err
			}
			undo[rec.tid] = append(undo[rec.tid], rec.before)
		case RecordCommit:
			delete(active, rec.tid)
			delete(undo, rec.tid)
		case RecordAbort:
			// The rollback's compensating page writes are not themselves
			// logged, so redoing this transaction's updates re-applied
			// them; put the before-images back.
			if err := lm.undoLocked(undo[rec.tid]); err != nil {
				return err
			}
			delete(active, rec.tid)
			delete(undo, rec.tid)
		case RecordCheckpoint:
			// Only reachable when the scan started before it; nothing to do.
		default:
			return fmt.Errorf("%w: unknown record type %d at offset %d",
				ErrLogCorrupt, int32(rec.typ), pos)
		}
		pos = rec.end
	}

	for tid := range active {
		if err := lm.undoLocked(undo[tid]); err != nil {
			return err
		}
		lm.logger.Info("rolled back unfinished transaction", zap.Uint64("tid", uint64(tid)))
	}

	lm.tidToFirstRecord = make(map[txn.TransactionID]int64)
	lm.stats.Recoveries.Add(1)
	lm.logger.Info("recovery complete",
		zap.Int64("log_size", lm.currentOffset),
		zap.Int("undone_transactions", len(active)))
	return nil
}

// Force syncs the log file to disk.
func (lm *LogManager) Force() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.forceLocked()
}

// Close syncs and closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("syncing log on close: %w", err)
	}
	return lm.file.Close()
}

// Size reports the current log size in bytes.
func (lm *LogManager) Size() int64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentOffset
}

// rollbackLocked walks the log backwards from the tail to the transaction's
// first record, restoring the before-image of every page it updated. The
// backward walk means the earliest before-image per page lands last. Caller
// holds both the cache guard and lm.mu.
func (lm *LogManager) rollbackLocked(tid txn.TransactionID) error {
	first, ok := lm.tidToFirstRecord[tid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, tid)
	}
	pos := lm.currentOffset
	for pos > first {
		var trailer [8]byte
		if _, err := lm.file.ReadAt(trailer[:], pos-8); err != nil {
			return fmt.Errorf("%w: reading record trailer at %d: %v", ErrLogCorrupt, pos-8, err)
		}
		start := int64(binary.BigEndian.Uint64(trailer[:]))
		if start < headerSize || start >= pos {
			return fmt.Errorf("%w: trailer at %d points to %d", ErrLogCorrupt, pos-8, start)
		}
		rec, err := readRecordAt(lm.file, pos, start)
		if err != nil {
			return err
		}
		if rec.typ == RecordUpdate && rec.tid == tid {
			if err := lm.writePageLocked(rec.before); err != nil {
				return err
			}
		}
		pos = start
	}
	lm.stats.Rollbacks.Add(1)
	lm.logger.Debug("transaction rolled back", zap.Uint64("tid", uint64(tid)))
	return nil
}

// undoLocked applies before-images in reverse append order.
func (lm *LogManager) undoLocked(images []*storage.Page) error {
	for i := len(images) - 1; i >= 0; i-- {
		if err := lm.writePageLocked(images[i]); err != nil {
			return err
		}
	}
	return nil
}

// writePageLocked pushes a page image to its data file and drops any cached
// copy. Caller holds the cache guard.
func (lm *LogManager) writePageLocked(p *storage.Page) error {
	file, err := lm.catalog.FileFor(p.ID())
	if err != nil {
		return err
	}
	if err := file.WritePage(p); err != nil {
		return err
	}
	lm.cache.DiscardLocked(p.ID())
	return nil
}

// truncateLocked rewrites the log keeping only records a future rollback or
// recovery can still need: everything from the earliest first-record of a
// live transaction, or the checkpoint itself if nothing older is live. All
// offsets shift uniformly. Caller holds the cache guard and lm.mu.
func (lm *LogManager) truncateLocked(cpOffset int64) error {
	minOffset := cpOffset
	for _, first := range lm.tidToFirstRecord {
		if first < minOffset {
			minOffset = first
		}
	}
	if minOffset <= headerSize {
		return nil
	}
	shift := minOffset - headerSize

	tmpPath := fmt.Sprintf("%s.%s.tmp", lm.path, uuid.NewString())
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating truncation file: %w", err)
	}
	defer os.Remove(tmpPath)

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(cpOffset-shift))
	if _, err := tmp.Write(header[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("writing truncated header: %w", err)
	}

	// Copy surviving records one at a time, rewriting each trailing offset
	// for its new position. Checkpoint payloads embed first-record offsets,
	// so those are re-encoded with the shift applied.
	newPos := int64(headerSize)
	for pos := minOffset; pos < lm.currentOffset; {
		rec, err := readRecordAt(lm.file, lm.currentOffset, pos)
		if err != nil {
			tmp.Close()
			return err
		}
		var body []byte
		if rec.typ == RecordCheckpoint {
			buf := newRecordBuf(RecordCheckpoint, rec.tid)
			binary.Write(buf, binary.BigEndian, int32(len(rec.active)))
			for _, entry := range rec.active {
				binary.Write(buf, binary.BigEndian, int64(entry.tid))
				binary.Write(buf, binary.BigEndian, entry.first-shift)
			}
			body = buf.Bytes()
		} else {
			body = make([]byte, rec.end-pos-8)
			if _, err := lm.file.ReadAt(body, pos); err != nil {
				tmp.Close()
				return fmt.Errorf("%w: rereading record at %d: %v", ErrLogCorrupt, pos, err)
			}
		}
		if _, err := tmp.Write(body); err != nil {
			tmp.Close()
			return fmt.Errorf("copying record: %w", err)
		}
		var trailer [8]byte
		binary.BigEndian.PutUint64(trailer[:], uint64(newPos))
		if _, err := tmp.Write(trailer[:]); err != nil {
			tmp.Close()
			return fmt.Errorf("copying record trailer: %w", err)
		}
		newPos += rec.end - pos
		pos = rec.end
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing truncated log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing truncated log: %w", err)
	}

	if err := lm.file.Close(); err != nil {
		return fmt.Errorf("closing old log: %w", err)
	}
	if err := os.Rename(tmpPath, lm.path); err != nil {
		return fmt.Errorf("swapping truncated log in: %w", err)
	}
	file, err := os.OpenFile(lm.path, os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("reopening truncated log: %w", err)
	}
	lm.file = file
	lm.currentOffset = newPos
	for tid, first := range lm.tidToFirstRecord {
		lm.tidToFirstRecord[tid] = first - shift
	}
	lm.logger.Info("log truncated",
		zap.Int64("dropped_bytes", shift),
		zap.Int64("new_size", newPos))
	return nil
}

// preAppendLocked implements the open-then-append contract: if the log
// opened non-empty and the caller starts appending without recovering, the
// stale contents are discarded.
func (lm *LogManager) preAppendLocked() error {
	if !lm.appended && lm.recoveryUndecided {
		lm.recoveryUndecided = false
		if err := lm.resetLocked(); err != nil {
			return err
		}
	}
	lm.appended = true
	return nil
}

// resetLocked truncates the file to an empty log with a no-checkpoint
// header.
func (lm *LogManager) resetLocked() error {
	if err := lm.file.Truncate(0); err != nil {
		return fmt.Errorf("resetting log: %w", err)
	}
	var header [8]byte
	cp := noCheckpoint
	binary.BigEndian.PutUint64(header[:], uint64(cp))
	if _, err := lm.file.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("writing log header: %w", err)
	}
	lm.currentOffset = headerSize
	lm.tidToFirstRecord = make(map[txn.TransactionID]int64)
	return nil
}

func (lm *LogManager) appendLocked(buf *bytes.Buffer, start int64) error {
	if err := binary.Write(buf, binary.BigEndian, start); err != nil {
		return err
	}
	if _, err := lm.file.WriteAt(buf.Bytes(), start); err != nil {
		return fmt.Errorf("appending log record at %d: %w", start, err)
	}
	lm.currentOffset = start + int64(buf.Len())
	lm.stats.Records.Add(1)
	return nil
}

func (lm *LogManager) forceLocked() error {
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("forcing log: %w", err)
	}
	lm.stats.Forces.Add(1)
	return nil
}

func (lm *LogManager) readHeaderLocked() (int64, error) {
	var header [8]byte
	if _, err := lm.file.ReadAt(header[:], 0); err != nil {
		return 0, fmt.Errorf("%w: reading header: %v", ErrLogCorrupt, err)
	}
	return int64(binary.BigEndian.Uint64(header[:])), nil
}

func (lm *LogManager) writeHeaderLocked(cpOffset int64) error {
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(cpOffset))
	if _, err := lm.file.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("writing checkpoint header: %w", err)
	}
	return lm.forceLocked()
}

func newRecordBuf(rt RecordType, tid txn.TransactionID) *bytes.Buffer {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(rt))
	binary.Write(buf, binary.BigEndian, int64(tid))
	return buf
}

func encodePageImage(buf *bytes.Buffer, p *storage.Page) {
	binary.Write(buf, binary.BigEndian, int32(p.Kind()))
	binary.Write(buf, binary.BigEndian, int32(2))
	binary.Write(buf, binary.BigEndian, int64(p.ID().TableID))
	binary.Write(buf, binary.BigEndian, int64(p.ID().PageNo))
	binary.Write(buf, binary.BigEndian, int32(len(p.Data())))
	buf.Write(p.Data())
}
