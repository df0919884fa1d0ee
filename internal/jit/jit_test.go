//go:build linux && amd64

package jit

import (
	"encoding/binary"
	"errors"
	"runtime"
	"testing"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/bpftimego/bpftime/internal/ebpf"
)

// insn assembles one 8-byte eBPF instruction word in the wire format
// ebpf.Decode expects.
func insn(op byte, dst, src ebpf.Register, off int16, imm int32) []byte {
	b := make([]byte, ebpf.InstructionSize)
	b[0] = op
	b[1] = byte(dst) | byte(src)<<4
	binary.LittleEndian.PutUint16(b[2:], uint16(off))
	binary.LittleEndian.PutUint32(b[4:], uint32(imm))
	return b
}

// lddw assembles the two-instruction wide-immediate load of a 64-bit
// constant into dst.
func lddw(dst ebpf.Register, v uint64) []byte {
	first := insn(0x18, dst, 0, 0, int32(uint32(v)))
	second := insn(0x00, 0, 0, 0, int32(uint32(v>>32)))
	return append(first, second...)
}

func stream(words ...[]byte) []byte {
	var out []byte
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

// load compiles raw and places it in executable memory, returning a
// Go-callable wrapper following the `(context_ptr, context_len) -> int64`
// contract, via the same purego.RegisterFunc bridge internal/attach uses
// for its native test targets.
func load(t *testing.T, raw []byte, helpers *HelperTable) func(ctx, length uintptr) uint64 {
	t.Helper()
	if helpers == nil {
		helpers = NewHelperTable()
	}
	prog, err := Compile(raw, helpers)
	if err != nil {
		t.Fatalf("Compile: %s", err)
	}
	loaded, err := Load(prog)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	t.Cleanup(func() { loaded.Release() })
	var fn func(ctx, length uintptr) uint64
	purego.RegisterFunc(&fn, loaded.Entry())
	return fn
}

func run(t *testing.T, raw []byte, a, b uintptr) uint64 {
	t.Helper()
	return load(t, raw, nil)(a, b)
}

func TestReturnImmediate(t *testing.T) {
	raw := stream(
		insn(0xb7, ebpf.R0, 0, 0, 42), // mov r0, 42
		insn(0x95, 0, 0, 0, 0),        // exit
	)
	if got := run(t, raw, 0, 0); got != 42 {
		t.Fatalf("exec = %d, want 42", got)
	}
}

func TestArgumentsArriveInR1R2(t *testing.T) {
	raw := stream(
		insn(0xbf, ebpf.R0, ebpf.R1, 0, 0), // mov r0, r1
		insn(0x0f, ebpf.R0, ebpf.R2, 0, 0), // add r0, r2
		insn(0x95, 0, 0, 0, 0),
	)
	if got := run(t, raw, 7, 8); got != 15 {
		t.Fatalf("exec(7, 8) = %d, want 15", got)
	}
}

func TestExecIsPure(t *testing.T) {
	raw := stream(
		insn(0xbf, ebpf.R0, ebpf.R1, 0, 0),
		insn(0x27, ebpf.R0, 0, 0, 3), // mul r0, 3
		insn(0x95, 0, 0, 0, 0),
	)
	fn := load(t, raw, nil)
	first := fn(14, 0)
	for i := 0; i < 10; i++ {
		if got := fn(14, 0); got != first {
			t.Fatalf("call %d = %d, differs from first call %d", i, got, first)
		}
	}
	if first != 42 {
		t.Fatalf("exec(14) = %d, want 42", first)
	}
}

func TestDivModByZeroLeavesDestinationUnchanged(t *testing.T) {
	tests := []struct {
		name string
		op   byte
		want uint64
	}{
		{"div64", 0x3f, 7},
		{"mod64", 0x9f, 7},
		{"div32", 0x3c, 7},
		{"mod32", 0x9c, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := stream(
				insn(0xb7, ebpf.R0, 0, 0, 7),       // mov r0, 7
				insn(0xb7, ebpf.R3, 0, 0, 0),       // mov r3, 0
				insn(tc.op, ebpf.R0, ebpf.R3, 0, 0), // div/mod r0, r3
				insn(0x95, 0, 0, 0, 0),
			)
			if got := run(t, raw, 0, 0); got != tc.want {
				t.Fatalf("%s by zero = %d, want %d", tc.name, got, tc.want)
			}
		})
	}
}

func TestDivMod(t *testing.T) {
	tests := []struct {
		name     string
		op       byte
		dividend int32
		divisor  int32
		want     uint64
	}{
		{"div64", 0x37, 42, 5, 8},
		{"mod64", 0x97, 42, 5, 2},
		{"div32", 0x34, 42, 5, 8},
		{"mod32", 0x94, 42, 5, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := stream(
				insn(0xb7, ebpf.R0, 0, 0, tc.dividend),
				insn(tc.op, ebpf.R0, 0, 0, tc.divisor),
				insn(0x95, 0, 0, 0, 0),
			)
			if got := run(t, raw, 0, 0); got != tc.want {
				t.Fatalf("%s(%d, %d) = %d, want %d", tc.name, tc.dividend, tc.divisor, got, tc.want)
			}
		})
	}
}

func TestAlu32ZeroExtends(t *testing.T) {
	t.Run("add", func(t *testing.T) {
		raw := stream(
			lddw(ebpf.R0, 0xffffffffffffffff),
			insn(0x04, ebpf.R0, 0, 0, 1), // add32 r0, 1
			insn(0x95, 0, 0, 0, 0),
		)
		if got := run(t, raw, 0, 0); got != 0 {
			t.Fatalf("add32 wrapped = %#x, want 0", got)
		}
	})
	t.Run("mov-imm", func(t *testing.T) {
		raw := stream(
			insn(0xb4, ebpf.R0, 0, 0, -1), // mov32 r0, -1
			insn(0x95, 0, 0, 0, 0),
		)
		if got := run(t, raw, 0, 0); got != 0xffffffff {
			t.Fatalf("mov32 -1 = %#x, want 0xffffffff", got)
		}
	})
	t.Run("mov-reg", func(t *testing.T) {
		raw := stream(
			lddw(ebpf.R3, 0x1122334455667788),
			insn(0xbc, ebpf.R0, ebpf.R3, 0, 0), // mov32 r0, r3
			insn(0x95, 0, 0, 0, 0),
		)
		if got := run(t, raw, 0, 0); got != 0x55667788 {
			t.Fatalf("mov32 reg = %#x, want 0x55667788", got)
		}
	})
}

func TestShiftCountMasksModuloWidth(t *testing.T) {
	tests := []struct {
		name  string
		op    byte
		count int32
		want  uint64
	}{
		{"lsh64-by-65", 0x67, 65, 2},
		{"lsh32-by-33", 0x64, 33, 2},
		{"rsh64-by-64", 0x77, 64, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := stream(
				insn(0xb7, ebpf.R0, 0, 0, 1),
				insn(tc.op, ebpf.R0, 0, 0, tc.count),
				insn(0x95, 0, 0, 0, 0),
			)
			if got := run(t, raw, 0, 0); got != tc.want {
				t.Fatalf("%s = %d, want %d", tc.name, got, tc.want)
			}
		})
	}
}

func TestArithmeticRightShift(t *testing.T) {
	raw := stream(
		lddw(ebpf.R0, 0xffffffffffffff00), // -256
		insn(0xc7, ebpf.R0, 0, 0, 4),      // arsh r0, 4
		insn(0x95, 0, 0, 0, 0),
	)
	if got := run(t, raw, 0, 0); got != 0xfffffffffffffff0 {
		t.Fatalf("arsh(-256, 4) = %#x, want %#x", got, uint64(0xfffffffffffffff0))
	}
}

func TestEndianConversion(t *testing.T) {
	tests := []struct {
		name string
		op   byte
		imm  int32
		want uint64
	}{
		{"be16", 0xdc, 16, 0x8877},
		{"be32", 0xdc, 32, 0x88776655},
		{"be64", 0xdc, 64, 0x8877665544332211},
		{"le64", 0xd4, 64, 0x1122334455667788},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := stream(
				lddw(ebpf.R0, 0x1122334455667788),
				insn(tc.op, ebpf.R0, 0, 0, tc.imm),
				insn(0x95, 0, 0, 0, 0),
			)
			if got := run(t, raw, 0, 0); got != tc.want {
				t.Fatalf("%s = %#x, want %#x", tc.name, got, tc.want)
			}
		})
	}
}

func TestLoadZeroExtendsBySize(t *testing.T) {
	tests := []struct {
		name string
		op   byte
		want uint64
	}{
		{"ldxb", 0x71, 0x88},
		{"ldxh", 0x69, 0x7788},
		{"ldxw", 0x61, 0x55667788},
		{"ldxdw", 0x79, 0x1122334455667788},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := stream(
				lddw(ebpf.R2, 0x1122334455667788),
				insn(0x7b, ebpf.R10, ebpf.R2, -8, 0),  // stxdw [r10-8], r2
				insn(tc.op, ebpf.R0, ebpf.R10, -8, 0), // ldx r0, [r10-8]
				insn(0x95, 0, 0, 0, 0),
			)
			if got := run(t, raw, 0, 0); got != tc.want {
				t.Fatalf("%s = %#x, want %#x", tc.name, got, tc.want)
			}
		})
	}
}

func TestStoreImmediateSignExtends(t *testing.T) {
	raw := stream(
		insn(0x62, ebpf.R10, 0, -16, -2), // st w [r10-16], -2
		insn(0x61, ebpf.R0, ebpf.R10, -16, 0),
		insn(0x95, 0, 0, 0, 0),
	)
	if got := run(t, raw, 0, 0); got != 0xfffffffe {
		t.Fatalf("st/ldxw = %#x, want 0xfffffffe", got)
	}
}

func TestWideImmediateLoad(t *testing.T) {
	raw := stream(
		lddw(ebpf.R0, 0x0123456789abcdef),
		insn(0x95, 0, 0, 0, 0),
	)
	if got := run(t, raw, 0, 0); got != 0x0123456789abcdef {
		t.Fatalf("lddw = %#x, want %#x", got, uint64(0x0123456789abcdef))
	}
}

func TestConditionalBranchUnsignedMax(t *testing.T) {
	raw := stream(
		insn(0x2d, ebpf.R1, ebpf.R2, 2, 0), // jgt r1, r2, +2
		insn(0xbf, ebpf.R0, ebpf.R2, 0, 0), // mov r0, r2
		insn(0x05, 0, 0, 1, 0),             // ja +1
		insn(0xbf, ebpf.R0, ebpf.R1, 0, 0), // mov r0, r1
		insn(0x95, 0, 0, 0, 0),
	)
	fn := load(t, raw, nil)
	if got := fn(7, 3); got != 7 {
		t.Fatalf("max(7, 3) = %d, want 7", got)
	}
	if got := fn(3, 9); got != 9 {
		t.Fatalf("max(3, 9) = %d, want 9", got)
	}
}

func TestJmp32ComparesSigned32(t *testing.T) {
	// r2 = 0xfffffffb, which is -5 under a 32-bit signed compare; the
	// JMP32 jslt must take the branch even though the full 64-bit value
	// is a large positive number.
	raw := stream(
		insn(0xb7, ebpf.R0, 0, 0, 1),  // mov r0, 1
		insn(0xb4, ebpf.R2, 0, 0, -5), // mov32 r2, -5
		insn(0xc6, ebpf.R2, 0, 1, 0),  // jslt32 r2, 0, +1
		insn(0xb7, ebpf.R0, 0, 0, 0),  // mov r0, 0
		insn(0x95, 0, 0, 0, 0),
	)
	if got := run(t, raw, 0, 0); got != 1 {
		t.Fatalf("jslt32 on 0xfffffffb did not branch: r0 = %d, want 1", got)
	}
}

func TestAtomicFetchAddWritesPreValueToSrc(t *testing.T) {
	mem := new(uint64)
	*mem = 100
	raw := stream(
		insn(0xb7, ebpf.R2, 0, 0, 5),       // mov r2, 5
		insn(0xdb, ebpf.R1, ebpf.R2, 0, 1), // atomic fetch-add dw [r1], r2
		insn(0xbf, ebpf.R0, ebpf.R2, 0, 0), // mov r0, r2
		insn(0x95, 0, 0, 0, 0),
	)
	got := run(t, raw, uintptr(unsafe.Pointer(mem)), 0)
	if got != 100 {
		t.Fatalf("fetch-add returned %d in src_reg, want pre-op value 100", got)
	}
	if *mem != 105 {
		t.Fatalf("memory after fetch-add = %d, want 105", *mem)
	}
	runtime.KeepAlive(mem)
}

func TestAtomicAddWithoutFetchLeavesSrcAlone(t *testing.T) {
	mem := new(uint64)
	*mem = 100
	raw := stream(
		insn(0xb7, ebpf.R2, 0, 0, 5),
		insn(0xdb, ebpf.R1, ebpf.R2, 0, 0), // atomic add dw [r1], r2 (no fetch)
		insn(0xbf, ebpf.R0, ebpf.R2, 0, 0),
		insn(0x95, 0, 0, 0, 0),
	)
	got := run(t, raw, uintptr(unsafe.Pointer(mem)), 0)
	if got != 5 {
		t.Fatalf("non-fetching add overwrote src_reg: got %d, want 5", got)
	}
	if *mem != 105 {
		t.Fatalf("memory after add = %d, want 105", *mem)
	}
	runtime.KeepAlive(mem)
}

func TestAtomicExchange(t *testing.T) {
	mem := new(uint64)
	*mem = 7
	raw := stream(
		insn(0xb7, ebpf.R2, 0, 0, 42),
		insn(0xdb, ebpf.R1, ebpf.R2, 0, 0xe1), // atomic xchg dw [r1], r2
		insn(0xbf, ebpf.R0, ebpf.R2, 0, 0),
		insn(0x95, 0, 0, 0, 0),
	)
	got := run(t, raw, uintptr(unsafe.Pointer(mem)), 0)
	if got != 7 {
		t.Fatalf("xchg returned %d, want old value 7", got)
	}
	if *mem != 42 {
		t.Fatalf("memory after xchg = %d, want 42", *mem)
	}
	runtime.KeepAlive(mem)
}

func TestAtomicCompareExchange(t *testing.T) {
	buildRaw := func() []byte {
		return stream(
			insn(0xb7, ebpf.R0, 0, 0, 10),         // r0 = expected
			insn(0xb7, ebpf.R2, 0, 0, 99),         // r2 = new value
			insn(0xdb, ebpf.R1, ebpf.R2, 0, 0xf1), // atomic cmpxchg dw [r1], r2
			insn(0x95, 0, 0, 0, 0),                // r0 = loaded value
		)
	}

	t.Run("success", func(t *testing.T) {
		mem := new(uint64)
		*mem = 10
		got := run(t, buildRaw(), uintptr(unsafe.Pointer(mem)), 0)
		if got != 10 {
			t.Fatalf("cmpxchg success returned %d, want 10", got)
		}
		if *mem != 99 {
			t.Fatalf("memory after successful cmpxchg = %d, want 99", *mem)
		}
		runtime.KeepAlive(mem)
	})
	t.Run("failure", func(t *testing.T) {
		mem := new(uint64)
		*mem = 7
		got := run(t, buildRaw(), uintptr(unsafe.Pointer(mem)), 0)
		if got != 7 {
			t.Fatalf("cmpxchg failure returned %d, want current value 7", got)
		}
		if *mem != 7 {
			t.Fatalf("memory after failed cmpxchg = %d, want unchanged 7", *mem)
		}
		runtime.KeepAlive(mem)
	})
}

func TestAtomicFetchOr32(t *testing.T) {
	mem := new(uint32)
	*mem = 0xf0f0
	raw := stream(
		insn(0xb7, ebpf.R2, 0, 0, 0x0f0f),
		insn(0xc3, ebpf.R1, ebpf.R2, 0, 0x41), // atomic fetch-or w [r1], r2
		insn(0xbf, ebpf.R0, ebpf.R2, 0, 0),
		insn(0x95, 0, 0, 0, 0),
	)
	got := run(t, raw, uintptr(unsafe.Pointer(mem)), 0)
	if got != 0xf0f0 {
		t.Fatalf("fetch-or returned %#x, want pre-op 0xf0f0", got)
	}
	if *mem != 0xffff {
		t.Fatalf("memory after fetch-or = %#x, want 0xffff", *mem)
	}
	runtime.KeepAlive(mem)
}

func TestHelperCall(t *testing.T) {
	sum := purego.NewCallback(func(a1, a2, a3, a4, a5 uintptr) uintptr {
		return a1 + a2 + a3 + a4 + a5
	})
	helpers := NewHelperTable()
	helpers.Register(1, HelperFunc(sum))

	raw := stream(
		insn(0xb7, ebpf.R1, 0, 0, 1),
		insn(0xb7, ebpf.R2, 0, 0, 2),
		insn(0xb7, ebpf.R3, 0, 0, 3),
		insn(0xb7, ebpf.R4, 0, 0, 4),
		insn(0xb7, ebpf.R5, 0, 0, 5),
		insn(0x85, 0, 0, 0, 1), // call helper 1
		insn(0x95, 0, 0, 0, 0),
	)
	if got := load(t, raw, helpers)(0, 0); got != 15 {
		t.Fatalf("helper call = %d, want 15", got)
	}
}

func TestBpfToBpfCall(t *testing.T) {
	raw := stream(
		insn(0xb7, ebpf.R1, 0, 0, 10),      // mov r1, 10
		insn(0xb7, ebpf.R2, 0, 0, 32),      // mov r2, 32
		insn(0x85, 0, 1, 0, 1),             // call +1 (local function at pc 4)
		insn(0x95, 0, 0, 0, 0),             // exit with r0 = callee result
		insn(0xbf, ebpf.R0, ebpf.R1, 0, 0), // callee: mov r0, r1
		insn(0x0f, ebpf.R0, ebpf.R2, 0, 0), // add r0, r2
		insn(0x95, 0, 0, 0, 0),             // return to the call site
	)
	if got := run(t, raw, 0, 0); got != 42 {
		t.Fatalf("bpf-to-bpf call = %d, want 42", got)
	}
}

func TestIllegalBranchTargetDiagnostic(t *testing.T) {
	raw := insn(0x05, 0, 0, 100, 0) // ja +100 as the only instruction
	_, err := Compile(raw, NewHelperTable())
	if err == nil {
		t.Fatal("Compile accepted a branch past the end of the program")
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error is %T, want *GenerationError", err)
	}
	if genErr.Kind != "illegal-target" {
		t.Fatalf("Kind = %q, want illegal-target", genErr.Kind)
	}
	if genErr.PC != 0 || genErr.Target != 101 {
		t.Fatalf("locus = pc=%d target=%d, want pc=0 target=101", genErr.PC, genErr.Target)
	}
}

func TestMissingHelperFailsGeneration(t *testing.T) {
	raw := stream(
		insn(0x85, 0, 0, 0, 99), // call helper 99, never registered
		insn(0x95, 0, 0, 0, 0),
	)
	_, err := Compile(raw, NewHelperTable())
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Kind != "missing-helper" {
		t.Fatalf("Compile error = %v, want missing-helper GenerationError", err)
	}
}

func TestInvalidEndianImmediateFailsGeneration(t *testing.T) {
	raw := stream(
		insn(0xdc, ebpf.R0, 0, 0, 8), // be8: not a legal conversion width
		insn(0x95, 0, 0, 0, 0),
	)
	_, err := Compile(raw, NewHelperTable())
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Kind != "invalid-endian-imm" {
		t.Fatalf("Compile error = %v, want invalid-endian-imm GenerationError", err)
	}
}

func TestPCOffsetsCoverEveryBoundary(t *testing.T) {
	raw := stream(
		lddw(ebpf.R0, 1),
		insn(0x05, 0, 0, 0, 0), // ja +0
		insn(0x95, 0, 0, 0, 0),
	)
	prog, err := Compile(raw, NewHelperTable())
	if err != nil {
		t.Fatalf("Compile: %s", err)
	}
	// pc 1 is the second word of the wide load and has no code address;
	// every other pc must.
	for _, pc := range []int{0, 2, 3} {
		if _, ok := prog.PCOffsets[pc]; !ok {
			t.Fatalf("PCOffsets missing pc %d", pc)
		}
	}
	if _, ok := prog.PCOffsets[1]; ok {
		t.Fatal("PCOffsets contains the second word of a wide immediate load")
	}
}
