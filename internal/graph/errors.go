package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("artifact not found")
	// ErrResolverReclaimed is returned by a Resolver whose owning node has
	// been garbage collected.
	ErrResolverReclaimed = errors.New("resolver owner reclaimed")
)

type NotFoundError struct {
	URI string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact %s not found", e.URI)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError attributes a failure to a single unit and, when known, to a
// line of its content.
type ValidationError struct {
	URI  string
	Line int
	Err  error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validate ")
	b.WriteString(e.URI)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// LineError lets a compiler attach a source line to an error. Validate
// copies the line into the resulting ValidationError.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *LineError) Unwrap() error { return e.Err }

// AtLine wraps err with a source line.
func AtLine(line int, err error) error {
	if err == nil {
		return nil
	}
	return &LineError{Line: line, Err: err}
}

// InvariantViolationError reports inconsistent reference bookkeeping. It
// indicates a bug and the transaction that hit it must be abandoned.
type InvariantViolationError struct {
	URI    string
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation at %s: %s", e.URI, e.Detail)
}

// StoreCorruptionError is returned when a backing store yields a different
// number of rows than it announced.
type StoreCorruptionError struct {
	Expected int
	Actual   int
}

func (e *StoreCorruptionError) Error() string {
	return fmt.Sprintf("store corrupted: expected %d artifacts, read %d", e.Expected, e.Actual)
}

// AggregateError collects the failures of independent units. The first error
// is the primary one; the rest are suppressed but still reachable through
// errors.Is and errors.As.
type AggregateError struct {
	Errs []error
}

func (e *AggregateError) Primary() error {
	if len(e.Errs) == 0 {
		return nil
	}
	return e.Errs[0]
}

func (e *AggregateError) Suppressed() []error {
	if len(e.Errs) < 2 {
		return nil
	}
	return e.Errs[1:]
}

func (e *AggregateError) Error() string {
	switch len(e.Errs) {
	case 0:
		return "no errors"
	case 1:
		return e.Errs[0].Error()
	}
	var b strings.Builder
	b.WriteString(e.Errs[0].Error())
	fmt.Fprintf(&b, " (and %d more:", len(e.Errs)-1)
	for _, err := range e.Errs[1:] {
		b.WriteString(" [")
		b.WriteString(err.Error())
		b.WriteString("]")
	}
	b.WriteString(")")
	return b.String()
}

func (e *AggregateError) Unwrap() []error { return e.Errs }

// joinErrors returns nil, the single error, or an *AggregateError.
func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &AggregateError{Errs: errs}
	}
}
