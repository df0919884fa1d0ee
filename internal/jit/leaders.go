package jit

import "github.com/bpftimego/bpftime/internal/ebpf"

// computeBoundaries marks which program counters are valid instruction
// boundaries: every pc except the second word of a two-instruction wide
// immediate load, which Decode keeps in the slice purely so that
// `pc+1+offset` arithmetic over the raw instruction count stays correct.
func computeBoundaries(insts []ebpf.Inst) []bool {
	boundary := make([]bool, len(insts))
	for pc := 0; pc < len(insts); pc++ {
		boundary[pc] = true
		if insts[pc].IsWideLoad() {
			if pc+1 < len(boundary) {
				boundary[pc+1] = false
			}
		}
	}
	return boundary
}

// computeLeaders builds the forced-block-head set per spec §4.1: index 0,
// every branch target, the instruction immediately following a branch or
// call, and any explicit BPF-to-BPF call target.
func computeLeaders(insts []ebpf.Inst, boundary []bool) (map[int]bool, error) {
	leaders := map[int]bool{0: true}
	for pc, in := range insts {
		if !boundary[pc] {
			continue
		}
		class := in.Class()
		if !class.IsJmp() {
			continue
		}
		op := in.JmpOp()
		switch op {
		case ebpf.JmpExit:
			// no successors
			continue
		case ebpf.JmpCall:
			if in.SrcReg == 1 {
				target := pc + 1 + int(in.Imm)
				if err := checkTarget(pc, target, len(insts), boundary); err != nil {
					return nil, err
				}
				leaders[target] = true
			}
			if pc+1 < len(insts) {
				leaders[pc+1] = true
			}
		case ebpf.JmpJA:
			target := pc + 1 + int(in.Offset)
			if err := checkTarget(pc, target, len(insts), boundary); err != nil {
				return nil, err
			}
			leaders[target] = true
			if pc+1 < len(insts) {
				leaders[pc+1] = true
			}
		default:
			// conditional branch: both successors are forced block heads.
			target := pc + 1 + int(in.Offset)
			if err := checkTarget(pc, target, len(insts), boundary); err != nil {
				return nil, err
			}
			leaders[target] = true
			if pc+1 < len(insts) {
				if err := checkTarget(pc, pc+1, len(insts), boundary); err != nil {
					return nil, err
				}
				leaders[pc+1] = true
			}
		}
	}
	return leaders, nil
}

func checkTarget(pc, target, count int, boundary []bool) error {
	if target < 0 || target >= count || !boundary[target] {
		return errIllegalTarget(pc, target)
	}
	return nil
}
