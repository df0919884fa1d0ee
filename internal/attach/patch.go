package attach

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bpftimego/bpftime/internal/jit"
)

// patchLen is the size in bytes of the absolute jump this back-end
// writes over a target's prologue: `movabs rax, imm64; jmp rax`.
const patchLen = 12

// codeSlice views length bytes of native code starting at addr as a Go
// byte slice, for reading/writing through the process's own address
// space. The caller is responsible for ensuring the mapping is
// readable/writable for the duration of use.
func codeSlice(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// pageFor returns the page-aligned base and length covering [addr,
// addr+length).
func pageFor(addr uintptr, length int) (uintptr, int) {
	const pageSize = 4096
	base := addr &^ (pageSize - 1)
	end := (addr + uintptr(length) + pageSize - 1) &^ (pageSize - 1)
	return base, int(end - base)
}

// withWritableCode makes the pages covering [addr, addr+length)
// read+write+execute, runs fn, and restores read+execute permissions
// afterwards. The pages stay executable while they are being written.
func withWritableCode(addr uintptr, length int, fn func()) error {
	base, size := pageFor(addr, length)
	region := codeSlice(base, size)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return errBackend(addr, "mprotect rwx: %s", err)
	}
	fn()
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errBackend(addr, "mprotect r-x: %s", err)
	}
	return nil
}

// buildAbsoluteJump encodes `movabs rax, target; jmp rax`.
func buildAbsoluteJump(target uintptr) []byte {
	buf := make([]byte, patchLen)
	buf[0] = 0x48
	buf[1] = 0xb8
	t := uint64(target)
	for i := 0; i < 8; i++ {
		buf[2+i] = byte(t >> (8 * i))
	}
	buf[10] = 0xff
	buf[11] = 0xe0
	return buf
}

// relocateOriginal builds a small executable "trampoline island":
// the original function's displaced prologue bytes followed by an
// absolute jump back into the target past the patched region. It lets
// entry/return probes (which do not replace the function body) still
// invoke the real implementation. RIP-relative operands within the
// relocated bytes are not adjusted — a known limitation documented in
// DESIGN.md, analogous to the JIT trusting the handler table's bytecode
// rather than re-verifying it.
func relocateOriginal(addr uintptr, prologue []byte) (*jit.Loaded, error) {
	resumeAt := addr + uintptr(len(prologue))
	code := make([]byte, len(prologue)+patchLen)
	copy(code, prologue)
	copy(code[len(prologue):], buildAbsoluteJump(resumeAt))
	return jit.Load(&jit.Program{Code: code})
}

// capturePrologue reads and returns the first N whole-instruction bytes
// of the function at addr that together span at least patchLen bytes,
// using the same x86 decoder internal/jit's disassembly collaborator
// uses to measure safe patch boundaries.
func capturePrologue(addr uintptr) ([]byte, error) {
	// Read a generous window up front; PrologueLength only consumes as
	// many bytes as it needs to decode whole instructions.
	const probeWindow = 64
	window := codeSlice(addr, probeWindow)
	cp := make([]byte, probeWindow)
	copy(cp, window)

	n, err := jit.PrologueLength(cp, patchLen)
	if err != nil {
		return nil, errUnsupportedTarget(addr, "cannot determine a relocatable prologue: %s", err)
	}
	return cp[:n], nil
}

// installJump overwrites the prologue at addr with an absolute jump to
// dispatcher.
func installJump(addr uintptr, dispatcher uintptr) error {
	return withWritableCode(addr, patchLen, func() {
		commitBytes(addr, buildAbsoluteJump(dispatcher))
	})
}

// restoreOriginal writes back the captured original bytes at addr.
func restoreOriginal(addr uintptr, original []byte) error {
	return withWritableCode(addr, len(original), func() {
		commitBytes(addr, original)
	})
}

// commitBytes writes code over live instructions tail-first: everything
// past the first byte lands before the first byte itself, so the
// transition point is a single atomic byte store. Paired with the
// quiescer's sync-core membarrier this is the ordering half of the
// patch-publication protocol quiesce.go describes.
func commitBytes(addr uintptr, code []byte) {
	dst := codeSlice(addr, len(code))
	copy(dst[1:], code[1:])
	dst[0] = code[0]
}
