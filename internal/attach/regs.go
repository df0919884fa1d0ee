// Package attach implements the attach manager (spec §4.2): installing
// and removing entry, return, and replace probes on arbitrary function
// addresses in the current process via runtime code patching.
package attach

// Regs is the attach callback ABI spec §6 defines: the x86-64
// integer-argument and return registers plus instruction/stack/base
// pointers. The dispatcher fills Di..R9 from the call's arguments, sets
// Ip to the target function's address, and sets Ax to the result before
// return callbacks run; Sp and Bp are always zero.
type Regs struct {
	Di, Si, Dx, Cx, R8, R9 uint64
	Ax                     uint64
	Ip, Sp, Bp             uint64
}

// EntryCallback observes a target function's argument registers just
// before its body executes. It cannot alter control flow or arguments.
type EntryCallback func(regs *Regs)

// ReturnCallback observes a target function's return value (Regs.Ax)
// just after it returns. Other fields are unspecified.
type ReturnCallback func(regs *Regs)

// ReplaceCallback replaces a target function entirely; its return value
// becomes the target's return value.
type ReplaceCallback func(regs *Regs) uint64
