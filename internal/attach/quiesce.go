package attach

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// Quiescer serializes code patching across concurrent installers and
// publishes each patch to every other thread of the process before the
// installer proceeds. Admission goes through a weighted semaphore of
// size 1, whose internal waiter queue is FIFO — the fairness property
// spec §4.2 requires ("Suspension must be FIFO-fair to prevent livelock
// between concurrent installers").
//
// On Linux, stop signals are process-scoped: tgkill(SIGSTOP) halts every
// thread including the installer, and a per-thread park signal needs a
// handler the Go runtime owns. So instead of suspending threads this
// port makes the patch itself safe to race: patch.go commits each
// overwrite with a single-byte final store, and Quiesce issues an
// expedited sync-core membarrier afterwards — the kernel's primitive for
// cross-modifying code, forcing every core to serialize its instruction
// stream before the installer's call returns.
type Quiescer struct {
	sem *semaphore.Weighted
}

// Linux membarrier(2) commands (linux/membarrier.h). golang.org/x/sys/unix
// does not wrap this syscall, so we invoke it directly via unix.Syscall.
const (
	membarrierCmdRegisterPrivateExpeditedSyncCore = 1 << 6
	membarrierCmdPrivateExpeditedSyncCore         = 1 << 5
)

func membarrier(cmd, flags int) error {
	_, _, errno := unix.Syscall(unix.SYS_MEMBARRIER, uintptr(cmd), uintptr(flags), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// NewQuiescer returns a ready-to-use quiescence primitive, registering
// the process for expedited sync-core membarriers. Registration failure
// (pre-4.16 kernels) is tolerated; Quiesce then degrades to mutual
// exclusion plus the commit-byte ordering alone.
func NewQuiescer() *Quiescer {
	membarrier(membarrierCmdRegisterPrivateExpeditedSyncCore, 0)
	return &Quiescer{sem: semaphore.NewWeighted(1)}
}

// Quiesce acquires exclusive admission (blocking in FIFO order behind
// any installer already waiting), runs fn, and synchronizes the
// instruction stream of every core before releasing admission.
func (q *Quiescer) Quiesce(fn func() error) error {
	if err := q.sem.Acquire(context.Background(), 1); err != nil {
		return fmt.Errorf("attach: quiescence admission: %w", err)
	}
	defer q.sem.Release(1)
	defer syncCores()

	return fn()
}

// syncCores forces every core running a thread of this process to
// serialize its instruction stream, so no thread keeps executing stale
// bytes from before the patch.
func syncCores() {
	membarrier(membarrierCmdPrivateExpeditedSyncCore, 0)
}
