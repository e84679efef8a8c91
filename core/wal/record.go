package wal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chiseldb/chiseldb/core/storage"
	"github.com/chiseldb/chiseldb/core/txn"
)

// maxPageImage bounds a page image length read from disk so a corrupt
// record cannot trigger a huge allocation.
const maxPageImage = 1 << 26

type checkpointEntry struct {
	tid   txn.TransactionID
	first int64
}

// logRecord is one parsed record. end is the offset just past the trailing
// start-offset field, i.e. where the next record begins.
type logRecord struct {
	typ    RecordType
	tid    txn.TransactionID
	before *storage.Page
	after  *storage.Page
	active []checkpointEntry
	end    int64
}

// readRecordAt parses the record starting at offset. limit is the end of
// valid log data; any truncated or inconsistent field yields ErrLogCorrupt.
func readRecordAt(r io.ReaderAt, limit, offset int64) (*logRecord, error) {
	if offset < headerSize || offset >= limit {
		return nil, fmt.Errorf("%w: record offset %d outside log bounds", ErrLogCorrupt, offset)
	}
	sec := io.NewSectionReader(r, offset, limit-offset)

	var rawType int32
	var rawTid int64
	if err := binary.Read(sec, binary.BigEndian, &rawType); err != nil {
		return nil, fmt.Errorf("%w: reading record type at %d: %v", ErrLogCorrupt, offset, err)
	}
	if err := binary.Read(sec, binary.BigEndian, &rawTid); err != nil {
		return nil, fmt.Errorf("%w: reading record tid at %d: %v", ErrLogCorrupt, offset, err)
	}

	rec := &logRecord{typ: RecordType(rawType), tid: txn.TransactionID(rawTid)}
	switch rec.typ {
	case RecordBegin, RecordCommit, RecordAbort:
		// no payload
	case RecordUpdate:
		var err error
		if rec.before, err = readPageImage(sec); err != nil {
			return nil, fmt.Errorf("%w: before-image at %d: %v", ErrLogCorrupt, offset, err)
		}
		if rec.after, err = readPageImage(sec); err != nil {
			return nil, fmt.Errorf("%w: after-image at %d: %v", ErrLogCorrupt, offset, err)
		}
	case RecordCheckpoint:
		var count int32
		if err := binary.Read(sec, binary.BigEndian, &count); err != nil {
			return nil, fmt.Errorf("%w: checkpoint count at %d: %v", ErrLogCorrupt, offset, err)
		}
		if count < 0 {
			return nil, fmt.Errorf("%w: checkpoint count %d at %d", ErrLogCorrupt, count, offset)
		}
		for i := int32(0); i < count; i++ {
			var tid, first int64
			if err := binary.Read(sec, binary.BigEndian, &tid); err != nil {
				return nil, fmt.Errorf("%w: checkpoint entry at %d: %v", ErrLogCorrupt, offset, err)
			}
			if err := binary.Read(sec, binary.BigEndian, &first); err != nil {
				return nil, fmt.Errorf("%w: checkpoint entry at %d: %v", ErrLogCorrupt, offset, err)
			}
			rec.active = append(rec.active, checkpointEntry{tid: txn.TransactionID(tid), first: first})
		}
	default:
		return nil, fmt.Errorf("%w: unknown record type %d at offset %d", ErrLogCorrupt, rawType, offset)
	}

	var start int64
	if err := binary.Read(sec, binary.BigEndian, &start); err != nil {
		return nil, fmt.Errorf("%w: reading record trailer at %d: %v", ErrLogCorrupt, offset, err)
	}
	if start != offset {
		return nil, fmt.Errorf("%w: record at %d claims start %d", ErrLogCorrupt, offset, start)
	}
	consumed, err := sec.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	rec.end = offset + consumed
	return rec, nil
}

func readPageImage(r io.Reader) (*storage.Page, error) {
	var kind, nFields int32
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &nFields); err != nil {
		return nil, err
	}
	if nFields != 2 {
		return nil, fmt.Errorf("page id with %d fields", nFields)
	}
	var tableID, pageNo int64
	if err := binary.Read(r, binary.BigEndian, &tableID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &pageNo); err != nil {
		return nil, err
	}
	var length int32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length < 0 || length > maxPageImage {
		return nil, fmt.Errorf("page image of %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	pid := storage.PageID{TableID: uint64(tableID), PageNo: uint64(pageNo)}
	return storage.DecodePage(storage.PageKind(kind), pid, data)
}
