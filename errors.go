package colgrove

import (
	"github.com/colgrove/colgrove/internal/store"
	"github.com/colgrove/colgrove/internal/table"
	"github.com/colgrove/colgrove/internal/zindex"
)

// Error taxonomy of the engine core, re-exported for callers.
var (
	// ErrInvalidArgument covers bad schemas, out-of-range ids and index
	// operations against non-tail rows.
	ErrInvalidArgument = table.ErrInvalidArgument

	// ErrNotFound is returned for deleted rows.
	ErrNotFound = table.ErrNotFound

	// ErrOutOfRange is returned when a record id is outside a store.
	ErrOutOfRange = store.ErrOutOfRange

	// ErrTooManySegments is returned when the reserved segment capacity
	// is exhausted.
	ErrTooManySegments = table.ErrTooManySegments

	// ErrAlreadyInitialized is returned by CreateTable when the table
	// directory already holds a dbmeta file or a subdirectory.
	ErrAlreadyInitialized = table.ErrAlreadyInitialized

	// ErrCorrupt is returned when on-disk state fails validation.
	ErrCorrupt = store.ErrCorrupt

	// ErrKeyExists is returned on unique index violations.
	ErrKeyExists = zindex.ErrKeyExists

	// ErrClosed is returned when an operation reaches a closed table.
	ErrClosed = table.ErrClosed
)
