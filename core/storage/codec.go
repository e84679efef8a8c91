package storage

import "fmt"

// PageKind tags the concrete variant of a serialized page. The set of kinds
// is closed: log records carry the tag, and deserialization dispatches
// through a static table instead of reflection.
type PageKind int32

const (
	// KindHeap is a slotted heap-file page of fixed-width tuples.
	KindHeap PageKind = 1
)

func (k PageKind) String() string {
	switch k {
	case KindHeap:
		return "heap"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// pageDecoders is the static deserializer table for the closed set of page
// kinds.
var pageDecoders = map[PageKind]func(id PageID, data []byte) *Page{
	KindHeap: func(id PageID, data []byte) *Page {
		return NewPage(KindHeap, id, data)
	},
}

// DecodePage reconstructs an in-memory page from a serialized image. An
// unregistered tag means the log (or its reader) is corrupt.
func DecodePage(kind PageKind, id PageID, data []byte) (*Page, error) {
	decode, ok := pageDecoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPageKind, int32(kind))
	}
	return decode(id, data), nil
}
