package storage

import "errors"

// --- Error Definitions ---

var (
	ErrIO               = errors.New("i/o error")
	ErrPageNotFound     = errors.New("page not found")
	ErrTableNotFound    = errors.New("table not found in catalog")
	ErrTableExists      = errors.New("table already registered")
	ErrTupleNotFound    = errors.New("tuple not found")
	ErrUnknownPageKind  = errors.New("unknown page kind tag")
	ErrInvalidTuple     = errors.New("tuple does not match table schema")
	ErrPageSizeMismatch = errors.New("page data size does not match configured page size")
)
