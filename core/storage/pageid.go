package storage

import "fmt"

// PageID identifies a single fixed-size page: the table it belongs to and
// its page number within that table's file. It is an immutable value and is
// used directly as a cache and lock-table key.
type PageID struct {
	TableID uint64
	PageNo  uint64
}

func (p PageID) String() string {
	return fmt.Sprintf("%d.%d", p.TableID, p.PageNo)
}

// Perm is the access mode a transaction requests on a page. ReadPerm maps
// to a shared lock, WritePerm to an exclusive lock.
type Perm int

const (
	ReadPerm Perm = iota
	WritePerm
)

func (p Perm) String() string {
	if p == WritePerm {
		return "write"
	}
	return "read"
}
