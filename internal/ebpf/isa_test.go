package ebpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(opcode uint8, dst, src Register, offset int16, imm int32) []byte {
	b := make([]byte, InstructionSize)
	b[0] = opcode
	b[1] = byte(dst&0x0f) | byte(src&0x0f)<<4
	b[2] = byte(offset)
	b[3] = byte(offset >> 8)
	b[4] = byte(imm)
	b[5] = byte(imm >> 8)
	b[6] = byte(imm >> 16)
	b[7] = byte(imm >> 24)
	return b
}

func TestDecodeSingleAluInstruction(t *testing.T) {
	// ALU64 | ADD | SOURCE_IMM : r1 += 5
	opcode := uint8(ClassAlu64) | uint8(AluAdd) | uint8(SourceImm)
	raw := encode(opcode, R1, R0, 0, 5)

	insts, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, insts, 1)

	in := insts[0]
	assert.Equal(t, ClassAlu64, in.Class())
	assert.Equal(t, AluAdd, in.AluOp())
	assert.Equal(t, SourceImm, in.Source())
	assert.Equal(t, R1, in.DstReg)
	assert.EqualValues(t, 5, in.Imm)
}

func TestDecodeWideImmediateLoad(t *testing.T) {
	opcode := uint8(ClassLd) | ModeImm | SizeDW
	lowBits := uint32(0xdeadbeef)
	highBits := uint32(0xcafebabe)
	first := encode(opcode, R3, 0, 0, int32(lowBits))
	second := encode(0, 0, 0, 0, int32(highBits))
	raw := append(first, second...)

	insts, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	require.True(t, insts[0].IsWideLoad())
	assert.Equal(t, uint64(0xcafebabedeadbeef), insts[0].Imm64())
}

func TestDecodeRejectsTruncatedStream(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeRejectsOutOfRangeRegister(t *testing.T) {
	raw := make([]byte, InstructionSize)
	raw[0] = uint8(ClassAlu64)
	raw[1] = 0x0f // dst_reg = 15, invalid
	_, err := Decode(raw)
	assert.Error(t, err)
}

func TestSizeBytes(t *testing.T) {
	cases := map[uint8]int{SizeB: 1, SizeH: 2, SizeW: 4, SizeDW: 8}
	for size, want := range cases {
		got, err := SizeBytes(size)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
