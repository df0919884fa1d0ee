package attach

import "fmt"

// AttachError is the structured diagnostic for attach/detach failures
// (spec §7's attach-error taxonomy).
type AttachError struct {
	Kind string // "not-found", "unsupported-target", "conflict", "back-end-error"
	Addr uintptr
	Msg  string
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach: addr=%#x: %s: %s", e.Addr, e.Kind, e.Msg)
}

func errNotFound(format string, args ...interface{}) error {
	return &AttachError{Kind: "not-found", Msg: fmt.Sprintf(format, args...)}
}

func errUnsupportedTarget(addr uintptr, format string, args ...interface{}) error {
	return &AttachError{Kind: "unsupported-target", Addr: addr, Msg: fmt.Sprintf(format, args...)}
}

func errConflict(addr uintptr, format string, args ...interface{}) error {
	return &AttachError{Kind: "conflict", Addr: addr, Msg: fmt.Sprintf(format, args...)}
}

func errBackend(addr uintptr, format string, args ...interface{}) error {
	return &AttachError{Kind: "back-end-error", Addr: addr, Msg: fmt.Sprintf(format, args...)}
}
