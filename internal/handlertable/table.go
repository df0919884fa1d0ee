package handlertable

import "sync"

// DefaultMaxSize is the table's default maximum slot count (spec §4.3).
const DefaultMaxSize = 65536

type slot struct {
	allocated bool
	handler   Handler
}

// Table is the slotted, mutex-guarded handler table spec §3/§4.3
// describes. The zero value is not usable; construct with New or
// NewWithSegment.
type Table struct {
	mu      sync.Mutex
	shm     *Segment
	slots   []slot
	maxSize int
}

// New returns an in-process table (no cross-process shared-memory
// backing), useful for tests and for a target process that has already
// imported a snapshot into its own memory.
func New(maxSize int) *Table {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Table{maxSize: maxSize}
}

// NewWithSegment returns a table whose mutations are additionally
// serialized against seg's cross-process lock, for the controller/target
// split spec §6 describes.
func NewWithSegment(seg *Segment, maxSize int) *Table {
	t := New(maxSize)
	t.shm = seg
	return t
}

// withLock runs fn with the table-wide mutex held, additionally taking
// the shared-memory segment's cross-process lock when one is configured.
func (t *Table) withLock(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shm != nil {
		if err := t.shm.Lock(); err != nil {
			return err
		}
		defer t.shm.Unlock()
	}
	return fn()
}

// allocate finds the lowest free slot, growing the table if every
// existing slot is in use and the configured maximum has not been
// reached. Slots are never compacted on removal (spec §4.3).
func (t *Table) allocate() (int, error) {
	for i := range t.slots {
		if !t.slots[i].allocated {
			return i, nil
		}
	}
	if len(t.slots) >= t.maxSize {
		return 0, errFull(t.maxSize)
	}
	t.slots = append(t.slots, slot{})
	return len(t.slots) - 1, nil
}

func (t *Table) put(id int, h Handler) {
	t.slots[id] = slot{allocated: true, handler: h}
}

// AddProgram installs a program handle and returns its identifier.
func (t *Table) AddProgram(progType ProgType, name string, insns []byte) (int, error) {
	if len(insns)%8 != 0 {
		return 0, errInvariant(-1, "instruction stream length %d is not a multiple of 8", len(insns))
	}
	cp := make([]byte, len(insns))
	copy(cp, insns)
	var id int
	err := t.withLock(func() error {
		var aerr error
		id, aerr = t.allocate()
		if aerr != nil {
			return aerr
		}
		t.put(id, &ProgramHandle{Type: progType, Name: name, Insns: cp})
		return nil
	})
	return id, err
}

// AddMap installs a map handle with freshly constructed storage.
func (t *Table) AddMap(name string, attr MapAttr) (int, error) {
	storage, err := NewMapStorage(attr)
	if err != nil {
		return 0, errInvariant(-1, "%s", err.Error())
	}
	var id int
	err = t.withLock(func() error {
		var aerr error
		id, aerr = t.allocate()
		if aerr != nil {
			return aerr
		}
		t.put(id, &MapHandle{Name: name, Attr: attr, Storage: storage})
		return nil
	})
	return id, err
}

// AddUprobe installs an entry-uprobe perf-event handle.
func (t *Table) AddUprobe(module string, offset uint64, pid int32, refCtrOff uint64) (int, error) {
	return t.addPerfEvent(&PerfEventHandle{
		Type: PerfEntryUprobe, ModuleName: module, Offset: offset, Pid: pid, RefCtrOffset: refCtrOff,
	})
}

// AddUretprobe installs a return-uprobe perf-event handle.
func (t *Table) AddUretprobe(module string, offset uint64, pid int32, refCtrOff uint64) (int, error) {
	return t.addPerfEvent(&PerfEventHandle{
		Type: PerfReturnUprobe, ModuleName: module, Offset: offset, Pid: pid, RefCtrOffset: refCtrOff,
	})
}

// AddTracepoint installs a tracepoint perf-event handle.
func (t *Table) AddTracepoint(pid int32, tracepointID int32) (int, error) {
	return t.addPerfEvent(&PerfEventHandle{Type: PerfTracepoint, Pid: pid, TracepointID: tracepointID})
}

func (t *Table) addPerfEvent(h *PerfEventHandle) (int, error) {
	var id int
	err := t.withLock(func() error {
		var aerr error
		id, aerr = t.allocate()
		if aerr != nil {
			return aerr
		}
		t.put(id, h)
		return nil
	})
	return id, err
}

// AddLink installs a link handle recording that progID is attached to
// targetID, enforcing invariant I2: both identifiers must already be
// live.
func (t *Table) AddLink(progID, targetID int) (int, error) {
	var id int
	err := t.withLock(func() error {
		if !t.isAllocatedLocked(progID) {
			return errNotAllocated(progID)
		}
		if !t.isAllocatedLocked(targetID) {
			return errNotAllocated(targetID)
		}
		var aerr error
		id, aerr = t.allocate()
		if aerr != nil {
			return aerr
		}
		t.put(id, &LinkHandle{ProgID: progID, TargetID: targetID})
		return nil
	})
	return id, err
}

// AddEpoll installs an epoll handle.
func (t *Table) AddEpoll() (int, error) {
	var id int
	err := t.withLock(func() error {
		var aerr error
		id, aerr = t.allocate()
		if aerr != nil {
			return aerr
		}
		t.put(id, &EpollHandle{})
		return nil
	})
	return id, err
}

// AddAttachTarget appends perfID to the attach-target set of the program
// at progID. It fails if either identifier is not live, if progID does
// not name a program, if perfID does not name a perf-event, or if perfID
// is already present in the set (spec §4.3).
func (t *Table) AddAttachTarget(progID, perfID int) error {
	return t.withLock(func() error {
		if !t.isAllocatedLocked(progID) {
			return errNotAllocated(progID)
		}
		if !t.isAllocatedLocked(perfID) {
			return errNotAllocated(perfID)
		}
		prog, ok := t.slots[progID].handler.(*ProgramHandle)
		if !ok {
			return errTypeMismatch(progID, KindProgram, t.slots[progID].handler.Kind())
		}
		if _, ok := t.slots[perfID].handler.(*PerfEventHandle); !ok {
			return errTypeMismatch(perfID, KindPerfEvent, t.slots[perfID].handler.Kind())
		}
		for _, existing := range prog.AttachTargets {
			if existing == perfID {
				return errInvariant(progID, "perf-event %d is already an attach target", perfID)
			}
		}
		prog.AttachTargets = append(prog.AttachTargets, perfID)
		return nil
	})
}

// Remove deallocates the slot at id. No cascading deletion is performed
// (spec §3 Lifecycle: "cascades only when the same controller explicitly
// deletes dependents").
func (t *Table) Remove(id int) error {
	return t.withLock(func() error {
		if !t.isAllocatedLocked(id) {
			return errNotAllocated(id)
		}
		t.slots[id] = slot{}
		return nil
	})
}

// Get returns the handler at id.
func (t *Table) Get(id int) (Handler, error) {
	var h Handler
	err := t.withLock(func() error {
		if !t.isAllocatedLocked(id) {
			return errNotAllocated(id)
		}
		h = t.slots[id].handler
		return nil
	})
	return h, err
}

// Size returns the current number of slots (allocated or not); the valid
// index range for IsAllocated is [0, Size()).
func (t *Table) Size() int {
	var n int
	t.withLock(func() error { n = len(t.slots); return nil })
	return n
}

// IsAllocated reports whether slot i currently holds a handler.
func (t *Table) IsAllocated(i int) bool {
	var ok bool
	t.withLock(func() error { ok = t.isAllocatedLocked(i); return nil })
	return ok
}

func (t *Table) isAllocatedLocked(i int) bool {
	return i >= 0 && i < len(t.slots) && t.slots[i].allocated
}

// Iterate calls fn once for every allocated slot in ascending identifier
// order, stopping early if fn returns false.
func (t *Table) Iterate(fn func(id int, h Handler) bool) {
	t.withLock(func() error {
		for i := range t.slots {
			if !t.slots[i].allocated {
				continue
			}
			if !fn(i, t.slots[i].handler) {
				return nil
			}
		}
		return nil
	})
}

// Restore places h at the specific identifier id, growing the table as
// needed and overwriting any existing content. Unlike the Add* methods it
// does not allocate the lowest free slot — it exists solely for the
// snapshot codec (spec §4.4), which "preserves original identifiers".
func (t *Table) Restore(id int, h Handler) error {
	if id < 0 {
		return errInvariant(id, "negative identifier")
	}
	return t.withLock(func() error {
		for len(t.slots) <= id {
			t.slots = append(t.slots, slot{})
		}
		t.put(id, h)
		return nil
	})
}

// Clear empties every slot without touching the table's configured
// maximum size. Snapshot import does not call it; callers that want an
// empty table before Import clear it themselves.
func (t *Table) Clear() {
	t.withLock(func() error {
		t.slots = nil
		return nil
	})
}
