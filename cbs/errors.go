package cbs

import (
	"errors"
	"fmt"
)

// Kind classifies why a CBS operation failed, letting callers branch on
// failure category without string matching.
type Kind int

const (
	// KindNone is the zero value; no error occurred.
	KindNone Kind = iota
	// KindParam means an argument violated a precondition (bad alignment,
	// zero-size range, inverted range, and so on).
	KindParam
	// KindOverlap means the requested range intersects a range the
	// instance already tracks.
	KindOverlap
	// KindNotFound means the requested range is not entirely tracked.
	KindNotFound
	// KindOOM means the record pool had no free record and either inlining
	// was disabled or no emergency fallback could hold the range.
	KindOOM
)

func (k Kind) String() string {
	switch k {
	case KindParam:
		return "param"
	case KindOverlap:
		return "overlap"
	case KindNotFound:
		return "not_found"
	case KindOOM:
		return "oom"
	default:
		return "none"
	}
}

// Sentinel errors, one per Kind, suitable for errors.Is comparisons.
var (
	ErrParam    = errors.New("cbs: invalid parameter")
	ErrOverlap  = errors.New("cbs: range overlaps an existing tracked range")
	ErrNotFound = errors.New("cbs: range is not fully tracked")
	ErrOOM      = errors.New("cbs: record pool exhausted and range too small for an emergency fallback")
)

// KindOf maps err to the Kind of its deepest matching sentinel, or
// KindNone if err does not wrap one of the sentinels above.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrParam):
		return KindParam
	case errors.Is(err, ErrOverlap):
		return KindOverlap
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrOOM):
		return KindOOM
	default:
		return KindNone
	}
}

// opError annotates a sentinel with the operation that produced it while
// preserving errors.Is against the sentinel.
func opError(op string, sentinel error) error {
	return fmt.Errorf("cbs: %s: %w", op, sentinel)
}

// opErrorf is opError with extra free-form context appended.
func opErrorf(op string, sentinel error, format string, args ...any) error {
	return fmt.Errorf("cbs: %s: %w: "+format, append([]any{op, sentinel}, args...)...)
}
