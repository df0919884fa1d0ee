package jit

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DisasmLine is one decoded native instruction, keyed by its byte offset
// into Program.Code.
type DisasmLine struct {
	Offset int
	Length int
	Text   string
}

// Disassemble walks p.Code with the x86asm decoder and returns one line
// per native instruction. It never executes anything; it exists so
// tests and operator tooling can inspect generated code without running
// it, and so internal/attach can reuse the same decoder to measure how
// many bytes of a target function's prologue a trampoline needs to
// relocate before patching in a jump.
func Disassemble(code []byte) ([]DisasmLine, error) {
	var lines []DisasmLine
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return lines, fmt.Errorf("jit: disassemble at offset %d: %w", off, err)
		}
		if inst.Len == 0 {
			return lines, fmt.Errorf("jit: disassemble at offset %d: zero-length instruction", off)
		}
		lines = append(lines, DisasmLine{
			Offset: off,
			Length: inst.Len,
			Text:   x86asm.GNUSyntax(inst, uint64(off), nil),
		})
		off += inst.Len
	}
	return lines, nil
}

// PrologueLength returns the number of leading bytes of code that form
// whole instructions summing to at least minBytes — the minimum size an
// attach trampoline's replacement jump needs to overwrite without
// splitting an instruction in the middle (spec §4.2's code-patching
// primitive).
func PrologueLength(code []byte, minBytes int) (int, error) {
	total := 0
	for total < minBytes {
		if total >= len(code) {
			return 0, fmt.Errorf("jit: prologue shorter than required %d bytes", minBytes)
		}
		inst, err := x86asm.Decode(code[total:], 64)
		if err != nil {
			return 0, fmt.Errorf("jit: decode prologue at offset %d: %w", total, err)
		}
		if inst.Len == 0 {
			return 0, fmt.Errorf("jit: zero-length instruction decoding prologue at offset %d", total)
		}
		total += inst.Len
	}
	return total, nil
}
