// Package txn defines transaction identifiers and their lifecycle states.
package txn

import "sync/atomic"

// TransactionID is an opaque handle identifying a transaction. It is
// created at BEGIN and untracked again once the transaction commits or
// aborts.
type TransactionID uint64

// InvalidID marks "no transaction", e.g. a page that is not dirty.
const InvalidID TransactionID = 0

// State represents the lifecycle state of a transaction as seen by the
// recovery subsystem.
type State int

const (
	StateRunning State = iota // active, operations are being applied
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Allocator hands out unique transaction ids for one engine instance.
// There is deliberately no process-wide allocator: each engine owns one.
type Allocator struct {
	next atomic.Uint64
}

// NewAllocator creates an Allocator whose first id is 1.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns a fresh TransactionID.
func (a *Allocator) Next() TransactionID {
	return TransactionID(a.next.Add(1))
}
