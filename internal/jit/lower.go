package jit

import "github.com/bpftimego/bpftime/internal/ebpf"

// lower emits native code for one BPF instruction into c.a, recording any
// fixups that must be patched once the full program has been emitted.
func (c *compiler) lower(pc int, in ebpf.Inst) error {
	class := in.Class()
	switch {
	case class.IsAlu():
		return c.lowerAlu(pc, in, class)
	case class.IsJmp():
		return c.lowerJmp(pc, in, class)
	case class == ebpf.ClassLdx:
		return c.lowerLdx(pc, in)
	case class == ebpf.ClassStx:
		if in.Mode() == ebpf.ModeAtom {
			return c.lowerAtomic(pc, in)
		}
		return c.lowerStx(pc, in)
	case class == ebpf.ClassSt:
		return c.lowerSt(pc, in)
	case class == ebpf.ClassLd:
		return c.lowerWideLoad(pc, in)
	default:
		return errAt(pc, "unknown-opcode", "opcode %#x: unrecognized class", in.Opcode)
	}
}

// aluWidth returns the ALU operand width in bytes for an ALU32/ALU64
// instruction's class.
func aluWidth(class ebpf.Class) int {
	if class == ebpf.ClassAlu64 {
		return 8
	}
	return 4
}

func jmpWidth(class ebpf.Class) int {
	if class == ebpf.ClassJmp64 {
		return 8
	}
	return 4
}

func (c *compiler) lowerAlu(pc int, in ebpf.Inst, class ebpf.Class) error {
	width := aluWidth(class)
	dstOff := regSlotOffset(in.DstReg)
	a := c.a

	if in.AluOp() == ebpf.AluEnd {
		return c.lowerEndian(pc, in)
	}

	a.loadMem(regRAX, regRBP, dstOff, 8)

	if in.AluOp() != ebpf.AluNeg {
		if in.Source() == ebpf.SourceReg {
			a.loadMem(regRCX, regRBP, regSlotOffset(in.SrcReg), 8)
		} else {
			a.movRI32(regRCX, in.Imm, 8)
		}
	}

	switch in.AluOp() {
	case ebpf.AluAdd:
		a.addRR(regRAX, regRCX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluSub:
		a.subRR(regRAX, regRCX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluOr:
		a.orRR(regRAX, regRCX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluAnd:
		a.andRR(regRAX, regRCX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluXor:
		a.xorRR(regRAX, regRCX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluMul:
		a.imulRR(regRAX, regRCX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluMov:
		if width == 4 {
			// The other ALU32 ops zero-extend for free as 32-bit x86
			// operations; mov has no arithmetic step, so force it here.
			a.clearHi32(regRCX)
		}
		a.storeMem(regRBP, dstOff, regRCX, 8)
	case ebpf.AluNeg:
		a.negR(regRAX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluLsh:
		a.shlCl(regRAX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluRsh:
		a.shrCl(regRAX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluArsh:
		a.sarCl(regRAX, width)
		a.storeMem(regRBP, dstOff, regRAX, 8)
	case ebpf.AluDiv:
		c.lowerDivMod(width, dstOff, true)
	case ebpf.AluMod:
		c.lowerDivMod(width, dstOff, false)
	default:
		return errAt(pc, "unknown-opcode", "unrecognized ALU op %#x", uint8(in.AluOp()))
	}
	return nil
}

// lowerDivMod implements unsigned div/mod with the "division by zero
// leaves the destination unchanged" rule (spec §8 Boundary behaviors).
// Entry state: RAX holds dst, RCX holds the divisor operand.
func (c *compiler) lowerDivMod(width int, dstOff int, wantQuotient bool) {
	a := c.a
	a.testRR(regRCX, regRCX, width)
	skip := a.jccRel32(ccE)
	a.xorSelf(regRDX, width)
	a.divR(regRCX, width)
	result := regRAX
	if !wantQuotient {
		result = regRDX
	}
	a.storeMem(regRBP, dstOff, result, 8)
	a.patchRel32(skip, a.offset())
}

// lowerEndian implements BPF_END: the source bit selects to-LE (no-op on
// a little-endian host, which x86-64 is) vs to-BE (explicit byte
// reversal of the low 16/32/64 bits).
func (c *compiler) lowerEndian(pc int, in ebpf.Inst) error {
	if in.Opcode&0x08 != ebpf.EndianToBE {
		return nil // to-LE is a no-op on this host
	}
	a := c.a
	dstOff := regSlotOffset(in.DstReg)
	a.loadMem(regRAX, regRBP, dstOff, 8)
	switch in.Imm {
	case 16:
		a.rol16By8(regRAX)
		a.movzxW32(regRAX)
	case 32:
		a.bswap(regRAX, 4)
	case 64:
		a.bswap(regRAX, 8)
	default:
		return errAt(pc, "invalid-endian-imm", "endian conversion immediate must be 16, 32, or 64, got %d", in.Imm)
	}
	a.storeMem(regRBP, dstOff, regRAX, 8)
	return nil
}

func (c *compiler) lowerJmp(pc int, in ebpf.Inst, class ebpf.Class) error {
	a := c.a
	switch in.JmpOp() {
	case ebpf.JmpExit:
		// Returns to the BPF-to-BPF call site for a local callee, or to
		// the entry thunk for the outermost body.
		a.loadMem(regRAX, regRBP, regSlotOffset(ebpf.R0), 8)
		a.ret()
		return nil
	case ebpf.JmpCall:
		return c.lowerCall(pc, in)
	case ebpf.JmpJA:
		target := pc + 1 + int(in.Offset)
		off := a.jmpRel32()
		c.jumpFixups = append(c.jumpFixups, fixup{offset: off, targetPC: target})
		return nil
	default:
		return c.lowerConditional(pc, in, class)
	}
}

func (c *compiler) lowerConditional(pc int, in ebpf.Inst, class ebpf.Class) error {
	a := c.a
	width := jmpWidth(class)

	a.loadMem(regRAX, regRBP, regSlotOffset(in.DstReg), 8)
	if in.Source() == ebpf.SourceReg {
		a.loadMem(regRCX, regRBP, regSlotOffset(in.SrcReg), 8)
	} else {
		a.movRI32(regRCX, in.Imm, 8)
	}

	var cc byte
	switch in.JmpOp() {
	case ebpf.JmpJEQ:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccE
	case ebpf.JmpJNE:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccNE
	case ebpf.JmpJGT:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccA
	case ebpf.JmpJGE:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccAE
	case ebpf.JmpJLT:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccB
	case ebpf.JmpJLE:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccBE
	case ebpf.JmpJSGT:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccG
	case ebpf.JmpJSGE:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccGE
	case ebpf.JmpJSLT:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccL
	case ebpf.JmpJSLE:
		a.cmpRR(regRAX, regRCX, width)
		cc = ccLE
	case ebpf.JmpJSET:
		a.testRR(regRAX, regRCX, width)
		cc = ccNE
	default:
		return errAt(pc, "unknown-opcode", "unrecognized jump op %#x", uint8(in.JmpOp()))
	}

	target := pc + 1 + int(in.Offset)
	off := a.jccRel32(cc)
	c.jumpFixups = append(c.jumpFixups, fixup{offset: off, targetPC: target})
	return nil
}

// argRegs is the SysV-equivalent register order this package uses to pass
// r1..r5 to both helper calls and BPF-to-BPF calls.
var argRegs = [5]int{regRDI, regRSI, regRDX, regRCX, regR8}

func (c *compiler) lowerCall(pc int, in ebpf.Inst) error {
	a := c.a
	for i := 0; i < 5; i++ {
		a.loadMem(argRegs[i], regRBP, regSlotOffset(ebpf.Register(i+1)), 8)
	}
	switch in.SrcReg {
	case 0:
		fn, err := c.helpers.Lookup(in.Imm)
		if err != nil {
			return errAt(pc, "missing-helper", "%s", err)
		}
		a.movRegImm64(regR11, uint64(fn))
		a.callReg(regR11)
	case 1:
		target := pc + 1 + int(in.Imm)
		off := a.callRel32()
		c.callFixups = append(c.callFixups, fixup{offset: off, targetPC: target})
	default:
		return errAt(pc, "unknown-opcode", "call instruction src_reg must be 0 or 1, got %d", in.SrcReg)
	}
	a.storeMem(regRBP, regSlotOffset(ebpf.R0), regRAX, 8)
	return nil
}

func (c *compiler) lowerLdx(pc int, in ebpf.Inst) error {
	size, err := ebpf.SizeBytes(in.Size())
	if err != nil {
		return errAt(pc, "unknown-opcode", "%s", err)
	}
	a := c.a
	a.loadMem(regRBX, regRBP, regSlotOffset(in.SrcReg), 8)
	a.loadMemSized(regRAX, regRBX, int(in.Offset), size)
	a.storeMem(regRBP, regSlotOffset(in.DstReg), regRAX, 8)
	return nil
}

func (c *compiler) lowerStx(pc int, in ebpf.Inst) error {
	size, err := ebpf.SizeBytes(in.Size())
	if err != nil {
		return errAt(pc, "unknown-opcode", "%s", err)
	}
	a := c.a
	a.loadMem(regRBX, regRBP, regSlotOffset(in.DstReg), 8)
	a.loadMem(regRAX, regRBP, regSlotOffset(in.SrcReg), 8)
	a.storeMemSized(regRBX, int(in.Offset), regRAX, size)
	return nil
}

func (c *compiler) lowerSt(pc int, in ebpf.Inst) error {
	size, err := ebpf.SizeBytes(in.Size())
	if err != nil {
		return errAt(pc, "unknown-opcode", "%s", err)
	}
	a := c.a
	a.loadMem(regRBX, regRBP, regSlotOffset(in.DstReg), 8)
	a.movRI32(regRAX, in.Imm, 8)
	a.storeMemSized(regRBX, int(in.Offset), regRAX, size)
	return nil
}

func (c *compiler) lowerWideLoad(pc int, in ebpf.Inst) error {
	if !in.IsWideLoad() {
		return errAt(pc, "unknown-opcode", "LD class instruction with mode %#x is not a supported wide-immediate load", in.Mode())
	}
	a := c.a
	a.movRegImm64(regRAX, in.Imm64())
	a.storeMem(regRBP, regSlotOffset(in.DstReg), regRAX, 8)
	return nil
}

// lowerAtomic implements the ATOMIC variants: fetch-add, fetch-and,
// fetch-or, fetch-xor, exchange, and compare-exchange, all with
// monotonic ordering (spec §4.1). width is 32 or 64 bits per the
// instruction's size field; the fetch bit (0x01) selects whether the
// pre-operation value is written back into src_reg.
func (c *compiler) lowerAtomic(pc int, in ebpf.Inst) error {
	sizeBytes, err := ebpf.SizeBytes(in.Size())
	if err != nil {
		return errAt(pc, "unknown-opcode", "%s", err)
	}
	if sizeBytes != 4 && sizeBytes != 8 {
		return errAt(pc, "unknown-opcode", "atomic operand width must be 32 or 64 bits, got %d bytes", sizeBytes)
	}
	width := sizeBytes
	a := c.a
	base := regRBX
	off := int(in.Offset)
	fetch := in.Imm&ebpf.AtomicFetch != 0
	op := in.Imm &^ int32(ebpf.AtomicFetch)

	a.loadMem(base, regRBP, regSlotOffset(in.DstReg), 8)

	switch op {
	case int32(ebpf.AtomicAdd):
		a.loadMem(regRCX, regRBP, regSlotOffset(in.SrcReg), 8)
		a.lockXaddMem(base, off, regRCX, width)
		if fetch {
			a.storeMem(regRBP, regSlotOffset(in.SrcReg), regRCX, 8)
		}
	case int32(ebpf.AtomicOr), int32(ebpf.AtomicAnd), int32(ebpf.AtomicXor):
		a.loadMem(regRCX, regRBP, regSlotOffset(in.SrcReg), 8)
		if !fetch {
			a.lockAluMem(aluLockOpcode(op), base, off, regRCX, width)
			return nil
		}
		c.lowerAtomicFetchBitwise(op, base, off, in.SrcReg, width)
	case int32(ebpf.AtomicXchg) &^ int32(ebpf.AtomicFetch):
		a.loadMem(regRCX, regRBP, regSlotOffset(in.SrcReg), 8)
		a.xchgMem(base, off, regRCX, width)
		a.storeMem(regRBP, regSlotOffset(in.SrcReg), regRCX, 8)
	case int32(ebpf.AtomicCmpXchg) &^ int32(ebpf.AtomicFetch):
		a.loadMem(regRAX, regRBP, regSlotOffset(ebpf.R0), 8)
		a.loadMem(regRDX, regRBP, regSlotOffset(in.SrcReg), 8)
		a.lockCmpxchgMem(base, off, regRDX, width)
		if width == 4 {
			// On a successful 32-bit exchange EAX keeps its pre-compare
			// value and the hardware leaves RAX's high half alone; r0 is
			// defined to end up zero-extended either way.
			a.clearHi32(regRAX)
		}
		a.storeMem(regRBP, regSlotOffset(ebpf.R0), regRAX, 8)
	default:
		return errAt(pc, "unknown-opcode", "unrecognized atomic op imm %#x", in.Imm)
	}
	return nil
}

// lowerAtomicFetchBitwise implements the fetching OR/AND/XOR atomics via a
// CMPXCHG retry loop, since x86 has no single locked instruction that
// both applies a bitwise op to memory and reports the pre-op value. The
// operand (src_reg's value) must already be in RCX.
func (c *compiler) lowerAtomicFetchBitwise(op int32, base, off int, srcReg ebpf.Register, width int) {
	a := c.a
	loopStart := a.offset()
	a.loadMem(regRAX, base, off, width)
	a.movRR(regRDX, regRAX, width)
	switch op {
	case int32(ebpf.AtomicOr):
		a.orRR(regRDX, regRCX, width)
	case int32(ebpf.AtomicAnd):
		a.andRR(regRDX, regRCX, width)
	case int32(ebpf.AtomicXor):
		a.xorRR(regRDX, regRCX, width)
	}
	a.lockCmpxchgMem(base, off, regRDX, width)
	retry := a.jccRel32(ccNE)
	a.patchRel32(retry, loopStart)
	a.storeMem(regRBP, regSlotOffset(srcReg), regRAX, 8)
}

func aluLockOpcode(op int32) byte {
	switch op {
	case int32(ebpf.AtomicOr):
		return 0x09
	case int32(ebpf.AtomicAnd):
		return 0x21
	case int32(ebpf.AtomicXor):
		return 0x31
	default:
		return 0x09
	}
}
