package handlertable

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Segment is the named shared-memory segment spec §6 describes: a region
// identified by a configurable name (default `bpftime_maps_shm`) that the
// loader process and the target process both open. Go cannot safely share
// GC-managed pointers across that boundary the way the original's
// `boost::interprocess` arena does, so this port narrows the segment's
// job to exactly what spec §6 leaves load-bearing across the ABI: a named,
// flock-able region any process can agree exists, used as the table's
// cross-process mutex (spec §3: "mutations are guarded by a table-wide
// mutex"). The authoritative table contents live in ordinary Go memory in
// whichever process currently holds them; the snapshot codec (spec §4.4)
// is the actual state hand-off mechanism between processes, exactly as
// spec §6 names it ("Snapshot file ... Used for hand-off between
// processes").
type Segment struct {
	name string
	file *os.File
}

// DefaultSegmentName is the default shared-memory segment name spec §6
// names.
const DefaultSegmentName = "bpftime_maps_shm"

// OpenSegment opens (creating if necessary) the named segment under
// /dev/shm. Multiple processes calling OpenSegment with the same name
// observe the same underlying file and can serialize through its
// exclusive lock via Lock/Unlock.
func OpenSegment(name string) (*Segment, error) {
	if name == "" {
		name = DefaultSegmentName
	}
	path := filepath.Join("/dev/shm", name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("handlertable: open shared segment %q: %w", path, err)
	}
	return &Segment{name: name, file: f}, nil
}

// Name returns the segment's configured name.
func (s *Segment) Name() string { return s.name }

// Lock acquires the segment's exclusive, cross-process advisory lock.
// Contending lockers are served in kernel wait-queue order, which on
// Linux's flock(2) implementation is FIFO for blocking waiters — the
// same fairness property spec §5 requires of attach installation's
// quiescence primitive.
func (s *Segment) Lock() error {
	return unix.Flock(int(s.file.Fd()), unix.LOCK_EX)
}

// Unlock releases the lock acquired by Lock.
func (s *Segment) Unlock() error {
	return unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
}

// Close releases the segment's file descriptor. It does not remove the
// backing file, so other processes may continue to use the segment.
func (s *Segment) Close() error {
	return s.file.Close()
}
