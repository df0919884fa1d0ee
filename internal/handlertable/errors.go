// Package handlertable implements the shared-handler table (spec §3,
// §4.3): a slotted, mutex-guarded collection of program, map, perf-event,
// link, and epoll handles addressed by small dense integer identifiers.
package handlertable

import "fmt"

// TableError is the structured diagnostic returned by every table
// operation that fails, per spec §7's table-error taxonomy.
type TableError struct {
	Kind string // "full", "not-allocated", "type-mismatch", "invariant-violation"
	ID   int    // the slot concerned; -1 when the error is not tied to a slot
	Msg  string
}

func (e *TableError) Error() string {
	if e.ID >= 0 {
		return fmt.Sprintf("handlertable: id=%d: %s: %s", e.ID, e.Kind, e.Msg)
	}
	return fmt.Sprintf("handlertable: %s: %s", e.Kind, e.Msg)
}

func errFull(maxSize int) error {
	return &TableError{Kind: "full", ID: -1, Msg: fmt.Sprintf("table has reached its configured maximum of %d slots", maxSize)}
}

func errNotAllocated(id int) error {
	return &TableError{Kind: "not-allocated", ID: id, Msg: "slot is not allocated"}
}

func errTypeMismatch(id int, want, got Kind) error {
	return &TableError{Kind: "type-mismatch", ID: id, Msg: fmt.Sprintf("expected %s, found %s", want, got)}
}

func errInvariant(id int, format string, args ...interface{}) error {
	return &TableError{Kind: "invariant-violation", ID: id, Msg: fmt.Sprintf(format, args...)}
}
