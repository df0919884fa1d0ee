package handlertable

// Kind discriminates the five handler variants a slot may hold (spec §3).
// No two variants ever share a slot (invariant I3).
type Kind uint8

const (
	KindProgram Kind = iota
	KindMap
	KindPerfEvent
	KindLink
	KindEpoll
)

func (k Kind) String() string {
	switch k {
	case KindProgram:
		return "bpf_prog_handler"
	case KindMap:
		return "bpf_map_handler"
	case KindPerfEvent:
		return "bpf_perf_event_handler"
	case KindLink:
		return "bpf_link_handler"
	case KindEpoll:
		return "epoll_handler"
	default:
		return "unknown_handler"
	}
}

// Handler is implemented by every variant a table slot may hold.
type Handler interface {
	Kind() Kind
}

// ProgType names one of the eBPF program types spec §3 enumerates
// ("kprobe/uprobe/tracepoint/xdp/...").
type ProgType int

const (
	ProgKprobe ProgType = iota
	ProgUprobe
	ProgTracepoint
	ProgXDP
	ProgSyscallTrace
	ProgSocketFilter
)

// ProgramHandle is the program variant: immutable bytecode, a type tag, a
// name, and the set of perf-event identifiers it is currently attached to.
// Instructions are never rewritten after creation; AttachTargets is the
// only field later mutations touch (via AddAttachTarget), mirroring
// `prog_handler.hpp`'s `add_attach_fd`, which only ever appends.
type ProgramHandle struct {
	Type ProgType
	Name string
	// Insns is the raw little-endian eBPF bytecode, immutable after
	// creation. Its length is always a multiple of ebpf.InstructionSize
	// (invariant I4).
	Insns []byte
	// AttachTargets holds the identifiers of perf-event handles this
	// program is currently attached to (invariant I1: every entry here
	// names a live perf-event slot).
	AttachTargets []int
}

func (*ProgramHandle) Kind() Kind { return KindProgram }

// InsnCount returns the number of 8-byte eBPF instructions this program
// holds.
func (p *ProgramHandle) InsnCount() int { return len(p.Insns) / 8 }

// MapType names the storage discipline a map handle's keyed collection
// follows.
type MapType int

const (
	MapHash MapType = iota
	MapArray
	MapPerCPUHash
	MapPerCPUArray
	MapRingBuf
	MapLRUHash
)

func (t MapType) String() string {
	switch t {
	case MapHash:
		return "hash"
	case MapArray:
		return "array"
	case MapPerCPUHash:
		return "percpu_hash"
	case MapPerCPUArray:
		return "percpu_array"
	case MapRingBuf:
		return "ringbuf"
	case MapLRUHash:
		return "lru_hash"
	default:
		return "unknown"
	}
}

// MapAttr carries every field spec §3 names for the map variant, laid
// out in the exact order `bpftime_shm_json.cpp`'s `bpf_map_attr_to_json`
// serializes them.
type MapAttr struct {
	MapType                MapType
	KeySize                uint32
	ValueSize              uint32
	MaxEntries             uint32
	Flags                  uint32
	Ifindex                uint32
	BTFVmlinuxValueTypeID  uint32
	BTFID                  uint32
	BTFKeyTypeID           uint32
	BTFValueTypeID         uint32
	MapExtra               uint64
	KernelBPFMapID         uint32
}

// MapHandle is the map variant: its type-specific attribute block plus a
// live Storage backing the keyed collection spec §3 calls out as
// "separate" from the handle itself.
type MapHandle struct {
	Name    string
	Attr    MapAttr
	Storage MapStorage
}

func (*MapHandle) Kind() Kind { return KindMap }

// PerfEventType selects one of the perf-event variants spec §3 names.
type PerfEventType int

const (
	PerfEntryUprobe PerfEventType = iota
	PerfReturnUprobe
	PerfTracepoint
	PerfOther
)

func (t PerfEventType) String() string {
	switch t {
	case PerfEntryUprobe:
		return "uprobe"
	case PerfReturnUprobe:
		return "uretprobe"
	case PerfTracepoint:
		return "tracepoint"
	default:
		return "other"
	}
}

// PerfEventHandle is the perf-event variant.
type PerfEventHandle struct {
	Type PerfEventType
	// ModuleName is the target module's file path, empty for the main
	// binary.
	ModuleName string
	Offset     uint64
	// Pid is the owning pid, or -1 for "any".
	Pid int32
	// RefCtrOffset supports USDT semaphore increment; zero when unused.
	RefCtrOffset uint64
	// TracepointID is only meaningful when Type == PerfTracepoint.
	TracepointID int32
}

func (*PerfEventHandle) Kind() Kind { return KindPerfEvent }

// LinkHandle records that ProgID is attached via this link to TargetID,
// an identifier of a perf-event handle (invariant I2: both identifiers
// are live for as long as the link is live).
type LinkHandle struct {
	ProgID   int
	TargetID int
}

func (*LinkHandle) Kind() Kind { return KindLink }

// EpollHandle is a stand-in for an epoll-managed event source; it holds
// no further state at the table level (spec §3).
type EpollHandle struct{}

func (*EpollHandle) Kind() Kind { return KindEpoll }
