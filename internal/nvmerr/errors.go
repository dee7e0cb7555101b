// Package nvmerr defines the typed error taxonomy shared by every layer of
// the allocator: the free-segment manager, the slab subsystem, the index,
// and the allocator façade all return (or wrap) one of these kinds so that
// callers can branch on Kind without depending on message text.
package nvmerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the abstract error categories from the allocator's
// error-handling design. It intentionally stays flat - a Slab or a
// FreeSegmentManager doesn't need its own private error type hierarchy.
type Kind int

const (
	// InvalidArgument covers a null base, a zero or oversize request, or a
	// pointer outside the managed region.
	InvalidArgument Kind = iota
	// NoSpace means the free-segment manager has nothing large enough to
	// carve an arena from.
	NoSpace
	// OutOfHostMemory means a descriptor or index node could not be
	// allocated from host (DRAM) memory.
	OutOfHostMemory
	// Uninitialized means an operation ran before Init or after Destroy.
	Uninitialized
	// AlreadyInitialized means Init was called a second time.
	AlreadyInitialized
	// Conflict is restore-only: size-class mismatch with an existing slab,
	// or the requested arena window wasn't wholly free.
	Conflict
	// Unavailable means a FreeSegmentManager.ReserveAt window wasn't
	// wholly contained in one free segment. The allocator façade
	// surfaces this to restore() callers as Conflict (spec.md §7 folds
	// it into the same public-facing kind as a size-class mismatch).
	Unavailable
	// Unmanaged is free-only: the pointer doesn't resolve to a known slab.
	// Free never surfaces this as an error - it's here so the diagnostic
	// path can classify what it's ignoring.
	Unmanaged
	// Full means a slab has no free block and its cache is empty.
	Full
	// OutOfRange means a block index fell outside a slab's block count.
	OutOfRange
	// DuplicateKey means a SlabIndex insert collided with an existing key.
	DuplicateKey
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid-argument"
	case NoSpace:
		return "no-space"
	case OutOfHostMemory:
		return "out-of-host-memory"
	case Uninitialized:
		return "uninitialized"
	case AlreadyInitialized:
		return "already-initialized"
	case Conflict:
		return "conflict"
	case Unavailable:
		return "unavailable"
	case Unmanaged:
		return "unmanaged"
	case Full:
		return "full"
	case OutOfRange:
		return "out-of-range"
	case DuplicateKey:
		return "duplicate-key"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries. It
// carries a Kind for programmatic branching and a message string; a cause
// folded in by Wrap survives only as text inside that message.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// New builds a bare Error of the given kind with a formatted message.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error. The cause is combined with
// the formatted context via errors.Wrap and kept only as message text:
// the result neither unwraps to the cause nor carries its stack trace.
func Wrap(k Kind, cause error, format string, args ...interface{}) *Error {
	wrapped := errors.Wrap(cause, fmt.Sprintf(format, args...))
	return &Error{Kind: k, msg: wrapped.Error()}
}

// Is reports whether err is an *Error of kind k, unwrapping as needed.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
