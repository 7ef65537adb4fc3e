package cowdb

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a key is absent, the tree is empty, or a
	// cursor has run past either end.
	ErrNotFound = errors.New("key/data pair not found")

	// ErrKeyExist is returned by Put with NoOverwrite (or NoDupData) when
	// the key (or key/value pair) is already present.
	ErrKeyExist = errors.New("key already exists")

	// ErrVersionMismatch is returned when the data file or lock region was
	// written by an incompatible version.
	ErrVersionMismatch = errors.New("database version mismatch")

	// ErrInvalid covers malformed arguments, a corrupt meta page, and
	// operations on a transaction in the wrong state.
	ErrInvalid = errors.New("invalid argument or database state")

	// ErrPerm is returned when committing a read-only transaction or
	// beginning a write transaction on a read-only environment.
	ErrPerm = errors.New("operation not permitted on this transaction")

	// ErrReadersFull is returned when the reader table has no free slot.
	ErrReadersFull = errors.New("reader table is full")

	// errNoSpace signals that a page cannot accommodate an update. Inserts
	// respond by splitting the page. When a rebalance after a delete cannot
	// fit a moved node or an updated separator, Del returns it and the
	// transaction is marked failed.
	errNoSpace = errors.New("page has no room for update")
)
