package jit

// === x86-64 assembler: mnemonic-level instruction encoding ===
//
// This is the teacher project's own encoder (std/compiler/x64.go,
// backend.go) generalized from a one-shot AOT compiler backend to a
// JIT: the REX/ModR/M construction, the RSP/RBP special-casing in
// loadMem/storeMem, and the byte-emission helpers are kept verbatim in
// spirit. This file holds only the encoder; the BPF-specific lowering
// that drives it lives in lower.go and program.go.

// General-purpose register numbers (REX.B/REX.R extend these to r8-r15).
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRBX = 3
	regRSP = 4
	regRBP = 5
	regRSI = 6
	regRDI = 7
	regR8  = 8
	regR9  = 9
	regR10 = 10
	regR11 = 11
	regR12 = 12
	regR13 = 13
	regR14 = 14
	regR15 = 15
)

// Condition codes for Jcc/SETcc (second opcode byte, 0x80 + cc).
const (
	ccO  = 0x0
	ccNO = 0x1
	ccB  = 0x2 // below (unsigned <)
	ccAE = 0x3 // above or equal (unsigned >=)
	ccE  = 0x4
	ccNE = 0x5
	ccBE = 0x6 // below or equal (unsigned <=)
	ccA  = 0x7 // above (unsigned >)
	ccS  = 0x8
	ccNS = 0x9
	ccL  = 0xc // less (signed <)
	ccGE = 0xd // greater or equal (signed >=)
	ccLE = 0xe // less or equal (signed <=)
	ccG  = 0xf // greater (signed >)
)

// asm accumulates native code for one program. It knows nothing about
// the eBPF instructions being lowered beyond the offset bookkeeping
// needed to patch relative jumps and calls once all code has been emitted.
type asm struct {
	code []byte
}

func (a *asm) emitByte(b byte) { a.code = append(a.code, b) }

func (a *asm) emitBytes(bs ...byte) { a.code = append(a.code, bs...) }

func (a *asm) emitU32(v uint32) {
	a.code = append(a.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *asm) emitU64(v uint64) {
	a.code = append(a.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func (a *asm) offset() int { return len(a.code) }

func putU32At(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

// rexRR computes a REX prefix for a 64-bit reg-reg operation, REX.R
// extending the ModR/M reg field and REX.B extending the r/m field.
func rexRR(regField, rmField int) byte {
	rex := byte(0x48)
	if regField >= 8 {
		rex |= 0x04
	}
	if rmField >= 8 {
		rex |= 0x01
	}
	return rex
}

// rex32RR is rexRR without REX.W, for 32-bit operand-size operations.
func rex32RR(regField, rmField int) byte {
	rex := byte(0x40)
	if regField >= 8 {
		rex |= 0x04
	}
	if rmField >= 8 {
		rex |= 0x01
	}
	return rex
}

func modrmRR(regField, rmField int) byte {
	return byte(0xc0 | ((regField & 7) << 3) | (rmField & 7))
}

func emitRexIfNeeded(a *asm, rex byte) {
	if rex != 0x40 {
		a.emitByte(rex)
	}
}

// movRR emits `mov dst, src` at the given operand width (8 or 4 bytes).
func (a *asm) movRR(dst, src int, width int) {
	if width == 8 {
		a.emitBytes(rexRR(src, dst), 0x89, modrmRR(src, dst))
	} else {
		emitRexIfNeeded(a, rex32RR(src, dst))
		a.emitBytes(0x89, modrmRR(src, dst))
	}
}

func (a *asm) addRR(dst, src int, width int) { a.aluRR(0x01, dst, src, width) }
func (a *asm) subRR(dst, src int, width int) { a.aluRR(0x29, dst, src, width) }
func (a *asm) andRR(dst, src int, width int) { a.aluRR(0x21, dst, src, width) }
func (a *asm) orRR(dst, src int, width int)  { a.aluRR(0x09, dst, src, width) }
func (a *asm) xorRR(dst, src int, width int) { a.aluRR(0x31, dst, src, width) }
func (a *asm) cmpRR(a1, b int, width int)    { a.aluRR(0x39, a1, b, width) }
func (a *asm) testRR(a1, b int, width int)   { a.aluRR(0x85, a1, b, width) }

func (a *asm) aluRR(opcode byte, dst, src, width int) {
	if width == 8 {
		a.emitBytes(rexRR(src, dst), opcode, modrmRR(src, dst))
	} else {
		emitRexIfNeeded(a, rex32RR(src, dst))
		a.emitBytes(opcode, modrmRR(src, dst))
	}
}

// imulRR emits `imul dst, src` (two-byte opcode 0F AF); low bits of the
// product are identical for signed and unsigned multiplication, so this
// alone implements BPF's width-truncating "mul".
func (a *asm) imulRR(dst, src int, width int) {
	if width == 8 {
		a.emitBytes(rexRR(dst, src), 0x0f, 0xaf, modrmRR(dst, src))
	} else {
		emitRexIfNeeded(a, rex32RR(dst, src))
		a.emitBytes(0x0f, 0xaf, modrmRR(dst, src))
	}
}

func (a *asm) movRI32(reg int, imm int32, width int) {
	if width == 8 {
		a.emitBytes(0x48|btoi(reg >= 8), 0xc7, byte(0xc0|(reg&7)))
		a.emitU32(uint32(imm))
		return
	}
	if reg >= 8 {
		a.emitByte(0x41)
	}
	a.emitByte(byte(0xb8 + (reg & 7)))
	a.emitU32(uint32(imm))
}

// movRegImm64 emits `movabs reg, imm64`.
func (a *asm) movRegImm64(reg int, val uint64) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	a.emitByte(rex)
	a.emitByte(byte(0xb8 + (reg & 7)))
	a.emitU64(val)
}

func btoi(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// pushR/popR handle r8-r15 via REX.B.
func (a *asm) pushR(reg int) {
	if reg >= 8 {
		a.emitBytes(0x41, byte(0x50+(reg&7)))
	} else {
		a.emitByte(byte(0x50 + reg))
	}
}

func (a *asm) popR(reg int) {
	if reg >= 8 {
		a.emitBytes(0x41, byte(0x58+(reg&7)))
	} else {
		a.emitByte(byte(0x58 + reg))
	}
}

func (a *asm) ret()  { a.emitByte(0xc3) }
func (a *asm) nop()  { a.emitByte(0x90) }
func (a *asm) int3() { a.emitByte(0xcc) }

// loadMem emits `mov dst, [base+off]` at the given width, handling the
// RSP-needs-SIB and RBP-disp0-means-RIP-relative special cases the way
// the teacher's x64.go does.
func (a *asm) loadMem(dst, base, off, width int) {
	rex := rexRR(dst, base)
	if width != 8 {
		rex = rex32RR(dst, base)
	}
	a.memOp(0x8b, rex, dst, base, off, width == 8)
}

func (a *asm) storeMem(base, off, src, width int) {
	rex := rexRR(src, base)
	if width != 8 {
		rex = rex32RR(src, base)
	}
	a.memOp(0x89, rex, src, base, off, width == 8)
}

// memOp is the shared encoder for loadMem/storeMem at 32/64-bit width;
// 8/16-bit accesses go through loadMemSized/storeMemSized below which add
// the 0x66 and 0x0f-prefixed opcodes.
func (a *asm) memOp(opcode byte, rex byte, regField, base, off int, wide bool) {
	if wide {
		a.emitByte(rex)
	} else {
		emitRexIfNeeded(a, rex)
	}
	if off == 0 && (base&7) != regRBP {
		a.emitByte(opcode)
		a.emitByte(byte((regField&7)<<3 | (base & 7)))
		if (base & 7) == regRSP {
			a.emitByte(0x24)
		}
	} else if off >= -128 && off <= 127 {
		a.emitByte(opcode)
		if (base & 7) == regRSP {
			a.emitByte(byte(0x44 | (regField&7)<<3))
			a.emitByte(0x24)
		} else {
			a.emitByte(byte(0x40 | (regField&7)<<3 | (base & 7)))
		}
		a.emitByte(byte(int8(off)))
	} else {
		a.emitByte(opcode)
		if (base & 7) == regRSP {
			a.emitByte(byte(0x84 | (regField&7)<<3))
			a.emitByte(0x24)
		} else {
			a.emitByte(byte(0x80 | (regField&7)<<3 | (base & 7)))
		}
		a.emitU32(uint32(int32(off)))
	}
}

// loadMemSized/storeMemSized implement the {1,2,4,8}-byte LDX/STX/ST
// widths spec §4.1 requires, zero-extending loads into the full 64-bit
// destination.
func (a *asm) loadMemSized(dst, base, off, size int) {
	switch size {
	case 8, 4:
		a.loadMem(dst, base, off, size)
	case 2:
		rex := rexRR(dst, base)
		a.emitByte(rex)
		a.emitByte(0x0f)
		a.memOpTail(0xb7, dst, base, off)
	case 1:
		rex := rexRR(dst, base)
		a.emitByte(rex)
		a.emitByte(0x0f)
		a.memOpTail(0xb6, dst, base, off)
	}
}

func (a *asm) memOpTail(opcode byte, regField, base, off int) {
	if off == 0 && (base&7) != regRBP {
		a.emitBytes(opcode, byte((regField&7)<<3|(base&7)))
		if (base & 7) == regRSP {
			a.emitByte(0x24)
		}
		return
	}
	if off >= -128 && off <= 127 {
		if (base & 7) == regRSP {
			a.emitBytes(opcode, byte(0x44|(regField&7)<<3), 0x24, byte(int8(off)))
		} else {
			a.emitBytes(opcode, byte(0x40|(regField&7)<<3|(base&7)), byte(int8(off)))
		}
		return
	}
	if (base & 7) == regRSP {
		a.emitBytes(opcode, byte(0x84|(regField&7)<<3), 0x24)
	} else {
		a.emitBytes(opcode, byte(0x80|(regField&7)<<3|(base&7)))
	}
	a.emitU32(uint32(int32(off)))
}

func (a *asm) storeMemSized(base, off, src, size int) {
	switch size {
	case 8, 4:
		a.storeMem(base, off, src, size)
	case 2:
		a.emitByte(0x66) // operand-size override
		rex := rex32RR(src, base)
		emitRexIfNeeded(a, rex)
		a.memOpTail(0x89, src, base, off)
	case 1:
		rex := byte(0x40)
		if src >= 8 {
			rex |= 0x04
		}
		if base >= 8 {
			rex |= 0x01
		}
		emitRexIfNeeded(a, rex)
		a.memOpTail(0x88, src, base, off)
	}
}

// movzx/movsx zero/sign-extend the low bits of reg into itself.
func (a *asm) movzxB32(reg int) {
	rex := rex32RR(reg, reg)
	emitRexIfNeeded(a, rex)
	a.emitBytes(0x0f, 0xb6, modrmRR(reg, reg))
}
func (a *asm) movzxW32(reg int) {
	rex := rex32RR(reg, reg)
	emitRexIfNeeded(a, rex)
	a.emitBytes(0x0f, 0xb7, modrmRR(reg, reg))
}

// clearHi32 zero-extends the low 32 bits of reg into the full 64-bit
// register: `mov e_reg, e_reg` implicitly clears the upper half. This is
// the ALU32 zero-extension rule spec §4.1 mandates.
func (a *asm) clearHi32(reg int) {
	emitRexIfNeeded(a, rex32RR(reg, reg))
	a.emitBytes(0x89, modrmRR(reg, reg))
}

func (a *asm) negR(reg int, width int) {
	if width == 8 {
		a.emitBytes(rex64Single(reg), 0xf7, byte(0xd8|(reg&7)))
	} else {
		emitRexIfNeeded(a, rex32Single(reg))
		a.emitBytes(0xf7, byte(0xd8|(reg&7)))
	}
}

func (a *asm) notR(reg int, width int) {
	if width == 8 {
		a.emitBytes(rex64Single(reg), 0xf7, byte(0xd0|(reg&7)))
	} else {
		emitRexIfNeeded(a, rex32Single(reg))
		a.emitBytes(0xf7, byte(0xd0|(reg&7)))
	}
}

func rex64Single(reg int) byte {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	return rex
}

func rex32Single(reg int) byte {
	rex := byte(0x40)
	if reg >= 8 {
		rex |= 0x01
	}
	return rex
}

// cqo/cdq sign-extends rax/eax into rdx:rax or edx:eax.
func (a *asm) cqo() { a.emitBytes(0x48, 0x99) }
func (a *asm) cdq() { a.emitByte(0x99) }

// xorSelf clears a register (rdx before an unsigned divide).
func (a *asm) xorSelf(reg int, width int) { a.xorRR(reg, reg, width) }

// divR/idivR emit unsigned/signed `div reg`/`idiv reg`. Dividend is
// rdx:rax (or edx:eax); quotient ends in rax/eax, remainder in rdx/edx.
func (a *asm) divR(reg int, width int) {
	if width == 8 {
		a.emitBytes(rex64Single(reg), 0xf7, byte(0xf0|(reg&7)))
	} else {
		emitRexIfNeeded(a, rex32Single(reg))
		a.emitBytes(0xf7, byte(0xf0|(reg&7)))
	}
}

// shlCl/shrCl/sarCl shift reg by the count in CL.
func (a *asm) shlCl(reg int, width int) { a.shiftCl(0xe0, reg, width) }
func (a *asm) shrCl(reg int, width int) { a.shiftCl(0xe8, reg, width) }
func (a *asm) sarCl(reg int, width int) { a.shiftCl(0xf8, reg, width) }

func (a *asm) shiftCl(modrmBase byte, reg int, width int) {
	if width == 8 {
		a.emitBytes(rex64Single(reg), 0xd3, byte(int(modrmBase)|(reg&7)))
	} else {
		emitRexIfNeeded(a, rex32Single(reg))
		a.emitBytes(0xd3, byte(int(modrmBase)|(reg&7)))
	}
}

// bswap reverses the byte order of the low 32 or 64 bits of reg.
func (a *asm) bswap(reg int, width int) {
	if width == 8 {
		a.emitBytes(rex64Single(reg), 0x0f, byte(0xc8+(reg&7)))
	} else {
		emitRexIfNeeded(a, rex32Single(reg))
		a.emitBytes(0x0f, byte(0xc8+(reg&7)))
	}
}

// rol16By8 rotates the low 16 bits left by 8, used to byte-swap a 16-bit
// quantity (x86 has no bswap16).
func (a *asm) rol16By8(reg int) {
	a.emitByte(0x66) // operand-size override -> 16-bit
	if reg >= 8 {
		a.emitByte(0x41)
	}
	a.emitBytes(0xc1, byte(0xc0|(reg&7)), 0x08)
}

// andRI32/xorRI32 etc apply an immediate to reg.
func (a *asm) andRI32(reg int, imm int32, width int) { a.aluRI(4, reg, imm, width) }
func (a *asm) orRI32(reg int, imm int32, width int)  { a.aluRI(1, reg, imm, width) }
func (a *asm) xorRI32(reg int, imm int32, width int) { a.aluRI(6, reg, imm, width) }
func (a *asm) addRI32(reg int, imm int32, width int) { a.aluRI(0, reg, imm, width) }
func (a *asm) subRI32(reg int, imm int32, width int) { a.aluRI(5, reg, imm, width) }
func (a *asm) cmpRI32(reg int, imm int32, width int) { a.aluRI(7, reg, imm, width) }

// aluRI emits `<op> reg, imm32` using opcode group 0x81 /ext.
func (a *asm) aluRI(ext byte, reg int, imm int32, width int) {
	if width == 8 {
		a.emitByte(rex64Single(reg))
	} else {
		emitRexIfNeeded(a, rex32Single(reg))
	}
	a.emitBytes(0x81, byte(0xc0|int(ext<<3)|(reg&7)))
	a.emitU32(uint32(imm))
}

func (a *asm) testRI32(reg int, imm int32, width int) {
	if width == 8 {
		a.emitByte(rex64Single(reg))
	} else {
		emitRexIfNeeded(a, rex32Single(reg))
	}
	a.emitBytes(0xf7, byte(0xc0|(reg&7)))
	a.emitU32(uint32(imm))
}

// setcc emits `setCC reg_lo8`.
func (a *asm) setcc(cc byte, reg int) {
	if reg >= 8 {
		a.emitBytes(0x41, 0x0f, byte(0x90|cc), byte(0xc0|(reg&7)))
	} else {
		a.emitBytes(0x0f, byte(0x90|cc), byte(0xc0|(reg&7)))
	}
}

// jccRel32/jmpRel32 emit a near conditional/unconditional jump with a
// placeholder rel32, returning the offset of that rel32 for later
// patching once the target's code offset is known.
func (a *asm) jccRel32(cc byte) int {
	a.emitBytes(0x0f, byte(0x80|cc))
	off := a.offset()
	a.emitU32(0)
	return off
}

func (a *asm) jmpRel32() int {
	a.emitByte(0xe9)
	off := a.offset()
	a.emitU32(0)
	return off
}

func (a *asm) callRel32() int {
	a.emitByte(0xe8)
	off := a.offset()
	a.emitU32(0)
	return off
}

// patchRel32 overwrites the placeholder at fixupOff with the distance
// from the end of that rel32 field to targetOff.
func (a *asm) patchRel32(fixupOff, targetOff int) {
	rel := int32(targetOff - (fixupOff + 4))
	putU32At(a.code, fixupOff, uint32(rel))
}

// callReg emits `call reg` (FF /2).
func (a *asm) callReg(reg int) {
	if reg >= 8 {
		a.emitByte(0x41)
	}
	a.emitBytes(0xff, byte(0xd0|(reg&7)))
}

// lock-prefixed atomics: xadd, cmpxchg, and a plain xchg (which is
// implicitly locked on memory operands).
func (a *asm) lockXaddMem(base, off, src, width int) {
	a.emitByte(0xf0) // LOCK
	rex := rexRR(src, base)
	if width != 8 {
		rex = rex32RR(src, base)
		emitRexIfNeeded(a, rex)
	} else {
		a.emitByte(rex)
	}
	a.emitByte(0x0f)
	a.memOpTail(0xc1, src, base, off)
}

func (a *asm) xchgMem(base, off, src, width int) {
	rex := rexRR(src, base)
	if width != 8 {
		rex = rex32RR(src, base)
		emitRexIfNeeded(a, rex)
	} else {
		a.emitByte(rex)
	}
	a.memOpTail(0x87, src, base, off)
}

// lockCmpxchgMem compares rax/eax against [base+off]; on equality stores
// src there and sets ZF, otherwise loads the memory value into rax/eax.
func (a *asm) lockCmpxchgMem(base, off, src, width int) {
	a.emitByte(0xf0) // LOCK
	rex := rexRR(src, base)
	if width != 8 {
		rex = rex32RR(src, base)
		emitRexIfNeeded(a, rex)
	} else {
		a.emitByte(rex)
	}
	a.emitByte(0x0f)
	a.memOpTail(0xb1, src, base, off)
}

// lockAluMem applies a LOCK'd bitwise op (opcode 0x09/0x21/0x31 for
// or/and/xor) directly against memory, used for the non-fetching
// ATOMIC_OR/AND/XOR variants.
func (a *asm) lockAluMem(opcode byte, base, off, src, width int) {
	a.emitByte(0xf0)
	rex := rexRR(src, base)
	if width != 8 {
		rex = rex32RR(src, base)
		emitRexIfNeeded(a, rex)
	} else {
		a.emitByte(rex)
	}
	a.memOpTail(opcode, src, base, off)
}
