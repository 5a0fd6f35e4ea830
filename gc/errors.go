package gc

import (
	"errors"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

var (
	// ErrOutOfMemory is returned by Allocate when a request cannot be
	// satisfied even after a synchronous collection attempt. It is fatal to
	// the requesting allocation but recoverable at the host level.
	ErrOutOfMemory = errors.New("out of memory after collection")

	// ErrRememberedSetOverflow marks a remembered set that hit its
	// configured edge limit. It is recovered locally: the next scoped
	// collection degrades to a full-heap rescan. It never fails an
	// operation; it surfaces only in cycle reports and logs.
	ErrRememberedSetOverflow = errors.New("remembered set overflow")

	// ErrCorruptGraph indicates a memory-safety invariant violation such as
	// a forwarding cycle or a trace reaching a freed slot. Once detected the
	// heap is unusable and every subsequent operation returns this error.
	ErrCorruptGraph = errors.New("object graph corrupted")

	// ErrHeapClosed is returned by operations on a heap after Close.
	ErrHeapClosed = errors.New("heap closed")

	// ErrUnknownObject is returned when an identity does not name a live
	// object and has no forwarding entry.
	ErrUnknownObject = errors.New("unknown object identity")

	// ErrInvalidSize is returned for zero-sized allocations and requests
	// larger than a single region.
	ErrInvalidSize = errors.New("invalid allocation size")
)

// errCycleAborted flows out of a concurrent mark cancelled by Close. Marks
// are discarded and the cycle is published with Aborted set; the error
// never reaches callers.
var errCycleAborted = errors.New("collection cycle aborted during marking")

