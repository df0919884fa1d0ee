package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Loaded is a program's Code placed in an anonymous, page-aligned
// executable mapping, together with its entry address, generalizing the teacher's own
// `SysMmap`/raw mmap(2) syscall pattern (std/runtime/runtime_linux_amd64.go)
// from allocating an operand stack to allocating generated program text.
// The returned Loaded must be released with Release once the program is
// no longer attached anywhere.
type Loaded struct {
	mem   []byte
	entry uintptr
}

// Entry returns the native entry address of the compiled program, the
// address an attach-manager trampoline calls into.
func (l *Loaded) Entry() uintptr { return l.entry }

// Load copies p.Code into a fresh RW-then-RX mapping. Code is written
// with the mapping still writable and the permissions are dropped to
// read+execute only afterwards, matching the W^X discipline the teacher's
// runtime also follows for its own generated code pages.
func Load(p *Program) (*Loaded, error) {
	size := pageAlign(len(p.Code))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap executable region: %w", err)
	}
	copy(mem, p.Code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("jit: mprotect executable region: %w", err)
	}
	return &Loaded{mem: mem, entry: sliceAddr(mem)}, nil
}

// Release unmaps the code page. Callers must ensure no attach site still
// holds the entry address before calling this.
func (l *Loaded) Release() error {
	if l.mem == nil {
		return nil
	}
	err := unix.Munmap(l.mem)
	l.mem = nil
	return err
}

func pageAlign(n int) int {
	const pageSize = 4096
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// sliceAddr returns the address of a mapping's first byte. Safe here
// because mem is backed by an mmap'd region the kernel will not move or
// garbage-collect out from under us.
func sliceAddr(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}
