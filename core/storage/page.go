package storage

import (
	"github.com/chiseldb/chiseldb/core/txn"
)

// Page is an in-memory copy of one disk page. It carries a dirty flag plus
// the id of the transaction that dirtied it, and keeps a before-image
// snapshot of its contents for undo logging.
//
// A Page has no internal locking: the lock manager serializes access at
// page granularity, and whole-cache operations run under the buffer pool
// guard.
type Page struct {
	kind    PageKind
	id      PageID
	data    []byte
	dirty   bool
	dirtier txn.TransactionID

	// beforeImage is a snapshot of data taken while the page was clean,
	// i.e. the contents prior to the current transaction's mutations.
	beforeImage []byte
}

// NewPage wraps raw page bytes. The page starts clean and its before-image
// snapshot is the provided contents.
func NewPage(kind PageKind, id PageID, data []byte) *Page {
	p := &Page{
		kind: kind,
		id:   id,
		data: data,
	}
	p.SetBeforeImage()
	return p
}

func (p *Page) Kind() PageKind { return p.kind }

func (p *Page) ID() PageID { return p.id }

// Data returns the page bytes. Callers mutating them must hold an exclusive
// lock on the page and mark it dirty.
func (p *Page) Data() []byte { return p.data }

func (p *Page) IsDirty() bool { return p.dirty }

// Dirtier returns the transaction that dirtied the page, or txn.InvalidID
// if the page is clean.
func (p *Page) Dirtier() txn.TransactionID {
	if !p.dirty {
		return txn.InvalidID
	}
	return p.dirtier
}

// MarkDirty records tid as the owner of the page's uncommitted changes.
func (p *Page) MarkDirty(tid txn.TransactionID) {
	p.dirty = true
	p.dirtier = tid
}

// MarkClean clears the dirty flag and the owning transaction. It does not
// touch the before-image; callers reset that explicitly once the flushed
// state is durable.
func (p *Page) MarkClean() {
	p.dirty = false
	p.dirtier = txn.InvalidID
}

// SetBeforeImage snapshots the current contents as the page's before-image.
// Called when a page is loaded and again after its changes become durable,
// so the snapshot always reflects the last committed state.
func (p *Page) SetBeforeImage() {
	p.beforeImage = append(p.beforeImage[:0], p.data...)
}

// BeforeImage returns a clean page holding the before-image snapshot.
func (p *Page) BeforeImage() *Page {
	data := make([]byte, len(p.beforeImage))
	copy(data, p.beforeImage)
	return NewPage(p.kind, p.id, data)
}

// Clone returns a clean deep copy of the page's current contents.
func (p *Page) Clone() *Page {
	data := make([]byte, len(p.data))
	copy(data, p.data)
	return NewPage(p.kind, p.id, data)
}
