package jit

import "github.com/bpftimego/bpftime/internal/ebpf"

// Stack frame layout for a compiled program, relative to RBP after the
// standard `push rbp; mov rbp, rsp` prologue:
//
//	rbp-8*(r+1)   register slot for abstract register r, r in [0, 10]
//	rbp-regsSize-1 .. rbp-regsSize-stackAreaSize   the 512-byte area r10 points into
//
// Register lowering (spec §4.1) keeps all eleven abstract registers
// stack-resident and addressed by pointer; this mirrors the teacher's own
// `emitLoadLocal`/`emitStoreLocal` rbp-relative addressing, generalized
// from "one local per Go variable" to "one slot per eBPF register".
const (
	numRegs       = ebpf.NumRegisters
	regSlotSize   = 8
	regsSize      = numRegs * regSlotSize // 88
	stackAreaSize = 512
	frameSize     = (regsSize + stackAreaSize + 15) &^ 15 // 16-byte aligned
)

// regSlotOffset returns the (negative, from RBP) byte offset of the stack
// slot holding abstract register r.
func regSlotOffset(r ebpf.Register) int {
	return -(int(r) + 1) * regSlotSize
}

// stackAreaTop is the offset from RBP of the byte one past the 512-byte
// scratch area; r10 is initialized to RBP+this offset, matching "the
// frame pointer r10 is initialized to point at a per-invocation stack
// area sized 512 bytes" (spec §4.1), with the area growing down from
// there exactly like the real eBPF stack.
const stackAreaTop = -regsSize
