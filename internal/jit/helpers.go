package jit

import "fmt"

// HelperFunc is the address of a natively callable helper: a function
// following the SysV AMD64 integer calling convention with signature
// `(uint64,uint64,uint64,uint64,uint64) -> uint64`, exactly the
// GLOSSARY's "native function callable from a program by index, with a
// fixed five-argument calling convention". Helpers are native code (cgo
// exports, dlopen'd symbols, or the entry address of another compiled
// program); this package never attempts to call a plain Go closure
// through a hand-rolled call site, since Go's internal calling convention
// is not SysV and is not a contract this package should depend on.
type HelperFunc uintptr

// HelperTable is the integer-indexed table of registered helpers,
// installed at JIT start per spec §4.1 ("index the immediate into the
// helper-function table installed at JIT start").
type HelperTable struct {
	funcs map[int32]HelperFunc
}

// NewHelperTable returns an empty helper table.
func NewHelperTable() *HelperTable {
	return &HelperTable{funcs: make(map[int32]HelperFunc)}
}

// Register installs a helper at the given index, overwriting any
// previous registration.
func (t *HelperTable) Register(index int32, fn HelperFunc) {
	t.funcs[index] = fn
}

// Lookup returns the helper at index, or an error if none is registered —
// "If the helper index is not registered, generation fails" (spec §4.1).
func (t *HelperTable) Lookup(index int32) (HelperFunc, error) {
	fn, ok := t.funcs[index]
	if !ok {
		return 0, fmt.Errorf("jit: no helper registered at index %d", index)
	}
	return fn, nil
}
