package attach

// dispatch is the function purego.NewCallback wraps into this site's
// native trampoline target. It receives the same six integer argument
// registers the target function itself would have received (spec §4.2:
// "regs reflects integer argument registers at call entry"), fires entry
// callbacks in install order, invokes either the replacement or the
// relocated original body, fires return callbacks in install order with
// the result in Ax, and returns that result — becoming the target's
// return value for both the replaced and non-replaced cases.
func (s *site) dispatch(a1, a2, a3, a4, a5, a6 uintptr) uintptr {
	regs := &Regs{
		Di: uint64(a1), Si: uint64(a2), Dx: uint64(a3),
		Cx: uint64(a4), R8: uint64(a5), R9: uint64(a6),
		Ip: uint64(s.addr),
	}

	for _, e := range s.entries {
		e.fn(regs)
	}

	var ret uint64
	switch {
	case s.replace != nil:
		ret = s.replace.fn(regs)
	case s.originalFn != nil:
		ret = uint64(s.originalFn(a1, a2, a3, a4, a5, a6))
	}

	regs.Ax = ret
	for _, r := range s.returns {
		r.fn(regs)
	}
	return uintptr(ret)
}
