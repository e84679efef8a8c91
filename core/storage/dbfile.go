package storage

import (
	"github.com/chiseldb/chiseldb/core/txn"
)

// RecordID locates a tuple: the page it lives on and its slot within that
// page.
type RecordID struct {
	PageID PageID
	Slot   int
}

// Tuple is a fixed-width record of int64 fields. RID is filled in by the
// storage file on insert.
type Tuple struct {
	Values []int64
	RID    RecordID
}

// DBFile is the on-disk storage collaborator the transactional core drives.
// ReadPage and WritePage move whole pages; InsertTuple and DeleteTuple
// perform the mutation and return every page they touched, which the buffer
// pool then marks dirty.
type DBFile interface {
	TableID() uint64

	// ReadPage reads the page from disk. The returned page is clean.
	ReadPage(pid PageID) (*Page, error)

	// WritePage writes the page to disk and clears its dirty flag.
	WritePage(p *Page) error

	// InsertTuple adds t on behalf of tid, locking pages through the
	// attached page source, and returns the mutated pages.
	InsertTuple(tid txn.TransactionID, t *Tuple) ([]*Page, error)

	// DeleteTuple removes the tuple identified by t.RID on behalf of tid
	// and returns the mutated pages.
	DeleteTuple(tid txn.TransactionID, t *Tuple) ([]*Page, error)

	// NumPages reports how many pages the file currently holds.
	NumPages() (int, error)
}

// PageSource hands out locked, cached pages. The buffer pool implements it;
// storage files go through it for every page access so that two-phase
// locking and caching are never bypassed.
type PageSource interface {
	GetPage(tid txn.TransactionID, pid PageID, perm Perm) (*Page, error)
}
