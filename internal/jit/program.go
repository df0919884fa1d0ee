// Package jit translates a decoded eBPF instruction stream into native
// x86-64 machine code: one stack-resident slot per abstract register,
// fixed-signature native helper calls, and BPF-to-BPF calls lowered as
// plain native calls into the same stack frame. A local callee shares the
// caller's register slots and 512-byte stack area, so r6-r9 and the
// stack contents are not preserved across such a call.
package jit

import (
	"github.com/sirupsen/logrus"

	"github.com/bpftimego/bpftime/internal/ebpf"
)

// fixup records a not-yet-patched rel32 operand and the program counter
// it must eventually resolve to.
type fixup struct {
	offset   int
	targetPC int
}

// compiler holds the state threaded through one Compile call.
type compiler struct {
	insts      []ebpf.Inst
	boundary   []bool
	helpers    *HelperTable
	a          *asm
	codeOffset map[int]int
	jumpFixups []fixup
	callFixups []fixup
}

// Program is the native code produced by Compile, together with the
// per-program-counter table of code addresses spec §4.1 requires for
// diagnostics and for BPF-to-BPF call resolution by other tooling.
type Program struct {
	Code       []byte
	PCOffsets  map[int]int
	EntryPC    int
}

// Compile decodes raw and lowers it to native x86-64 machine code. The
// returned Program's Code is position-independent relative to its own
// start; mem.go is responsible for placing it in executable memory.
func Compile(raw []byte, helpers *HelperTable) (*Program, error) {
	insts, err := ebpf.Decode(raw)
	if err != nil {
		return nil, err
	}
	if len(insts) == 0 {
		return nil, errAt(0, "unknown-opcode", "empty instruction stream")
	}
	boundary := computeBoundaries(insts)
	if _, err := computeLeaders(insts, boundary); err != nil {
		return nil, err
	}

	c := &compiler{
		insts:      insts,
		boundary:   boundary,
		helpers:    helpers,
		a:          &asm{},
		codeOffset: make(map[int]int),
	}

	c.emitEntryThunk()

	for pc := 0; pc < len(insts); pc++ {
		if !boundary[pc] {
			continue
		}
		c.codeOffset[pc] = c.a.offset()
		if err := c.lower(pc, insts[pc]); err != nil {
			return nil, err
		}
	}

	// Control falling off the end of the body behaves like an exit.
	c.emitBodyReturn()

	for _, fx := range c.jumpFixups {
		target, ok := c.codeOffset[fx.targetPC]
		if !ok {
			return nil, errIllegalTarget(-1, fx.targetPC)
		}
		c.a.patchRel32(fx.offset, target)
	}
	for _, fx := range c.callFixups {
		target, ok := c.codeOffset[fx.targetPC]
		if !ok {
			return nil, errIllegalTarget(-1, fx.targetPC)
		}
		c.a.patchRel32(fx.offset, target)
	}

	logrus.WithFields(logrus.Fields{
		"component":  "jit",
		"insns":      len(insts),
		"code_bytes": len(c.a.code),
	}).Debug("program compiled")

	return &Program{
		Code:      c.a.code,
		PCOffsets: c.codeOffset,
		EntryPC:   0,
	}, nil
}

// emitEntryThunk establishes the stack frame, zeroes every register slot
// (so r6-r9 start at a defined value even though no caller populates
// them), copies the five SysV argument registers into r1..r5, initializes
// r10 to point at the top of the per-invocation stack area, then calls
// into the body at pc 0. Lowering the body entry as a call target is what
// makes BPF-to-BPF calls and exits compose: every exit instruction is a
// plain `ret`, returning either to a local call site or to this thunk,
// which tears down the frame and hands r0 back in RAX. RBX is preserved
// around the body because lowered memory and atomic instructions use it
// as their address scratch register and the SysV ABI marks it
// callee-saved.
func (c *compiler) emitEntryThunk() {
	a := c.a
	a.pushR(regRBP)
	a.movRR(regRBP, regRSP, 8)
	a.subRI32(regRSP, int32(frameSize), 8)
	a.pushR(regRBX)

	a.xorSelf(regRAX, 8)
	for r := 0; r < numRegs; r++ {
		a.storeMem(regRBP, regSlotOffset(ebpf.Register(r)), regRAX, 8)
	}

	for i := 0; i < 5; i++ {
		a.storeMem(regRBP, regSlotOffset(ebpf.Register(i+1)), argRegs[i], 8)
	}

	a.movRR(regRAX, regRBP, 8)
	a.addRI32(regRAX, int32(stackAreaTop), 8)
	a.storeMem(regRBP, regSlotOffset(ebpf.R10), regRAX, 8)

	off := a.callRel32()
	c.callFixups = append(c.callFixups, fixup{offset: off, targetPC: 0})

	a.popR(regRBX)
	a.movRR(regRSP, regRBP, 8)
	a.popR(regRBP)
	a.ret()
}

// emitBodyReturn emits the body-level exit sequence: load r0 into RAX and
// return to whoever called this body (the entry thunk or a BPF-to-BPF
// call site).
func (c *compiler) emitBodyReturn() {
	a := c.a
	a.loadMem(regRAX, regRBP, regSlotOffset(ebpf.R0), 8)
	a.ret()
}
