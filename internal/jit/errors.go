package jit

import "fmt"

// GenerationError is the single structured diagnostic returned when JIT
// compilation fails (spec: "Errors during generation are collected and
// returned as a single diagnostic; partial output is discarded").
type GenerationError struct {
	Kind   string // e.g. "unknown-opcode", "illegal-target", "invalid-endian-imm", "missing-helper"
	PC     int
	Target int // meaningful for illegal-target; -1 otherwise
	Msg    string
}

func (e *GenerationError) Error() string {
	if e.Target >= 0 {
		return fmt.Sprintf("jit: pc=%d target=%d: %s: %s", e.PC, e.Target, e.Kind, e.Msg)
	}
	return fmt.Sprintf("jit: pc=%d: %s: %s", e.PC, e.Kind, e.Msg)
}

func errAt(pc int, kind, format string, args ...interface{}) error {
	return &GenerationError{Kind: kind, PC: pc, Target: -1, Msg: fmt.Sprintf(format, args...)}
}

func errIllegalTarget(pc, target int) error {
	return &GenerationError{
		Kind:   "illegal-target",
		PC:     pc,
		Target: target,
		Msg:    fmt.Sprintf("branch target %d is not a valid instruction boundary", target),
	}
}
