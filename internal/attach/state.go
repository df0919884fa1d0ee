package attach

import "github.com/bpftimego/bpftime/internal/jit"

// probeState is the per-address state machine spec §4.2 defines:
// unhooked, entry-only, return-only, entry-and-return, replaced.
type probeState int

const (
	stateUnhooked probeState = iota
	stateEntryOnly
	stateReturnOnly
	stateEntryAndReturn
	stateReplaced
)

// entryRegistration and returnRegistration pair a stable identifier with
// the callback installed under it, kept in install order (spec §4.2:
// "Multiple entry callbacks at the same address are invoked in install
// order; same for return callbacks").
type entryRegistration struct {
	id int
	fn EntryCallback
}

type returnRegistration struct {
	id int
	fn ReturnCallback
}

type replaceRegistration struct {
	id int
	fn ReplaceCallback
}

// site is all per-address bookkeeping the manager keeps: the current
// state, every live registration in install order, and the bytes needed
// to undo a patch.
type site struct {
	addr     uintptr
	entries  []entryRegistration
	returns  []returnRegistration
	replace  *replaceRegistration
	original []byte // captured prologue bytes, for exact restoration
	patched  bool

	// dispatcherAddr is the native-callable entry point purego.NewCallback
	// produced for this site's dispatch method, built lazily on first
	// install and reused for the site's lifetime.
	dispatcherAddr uintptr
	// island is the relocated-original-prologue trampoline built lazily
	// for non-replace installs; nil for sites that have only ever seen a
	// replace probe.
	island *jit.Loaded
	// originalFn calls into island with the SysV calling convention, via
	// purego.RegisterFunc.
	originalFn func(a1, a2, a3, a4, a5, a6 uintptr) uintptr
}

func (s *site) state() probeState {
	switch {
	case s.replace != nil:
		return stateReplaced
	case len(s.entries) > 0 && len(s.returns) > 0:
		return stateEntryAndReturn
	case len(s.entries) > 0:
		return stateEntryOnly
	case len(s.returns) > 0:
		return stateReturnOnly
	default:
		return stateUnhooked
	}
}

// canInstallEntry reports whether an entry probe may be added given the
// site's current state. Only install-replace is exclusive; install-entry
// is legal from every other state (spec §4.2 transition table).
func (s *site) canInstallEntry() bool { return s.state() != stateReplaced }

func (s *site) canInstallReturn() bool { return s.state() != stateReplaced }

// canInstallReplace reports whether a replace probe may be installed.
// spec §4.2 states install-replace is only legal from *unhooked*; this
// repo's Open Question resolution (SPEC_FULL.md §4) applies that rule
// symmetrically: replace also refuses over an existing replace, matching
// the spec's own "otherwise fails with conflict".
func (s *site) canInstallReplace() bool { return s.state() == stateUnhooked }

// removeEntry removes the entry registration with the given id, if
// present, returning whether anything was removed.
func (s *site) removeEntry(id int) bool {
	for i, r := range s.entries {
		if r.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (s *site) removeReturn(id int) bool {
	for i, r := range s.returns {
		if r.id == id {
			s.returns = append(s.returns[:i], s.returns[i+1:]...)
			return true
		}
	}
	return false
}

func (s *site) removeReplace(id int) bool {
	if s.replace != nil && s.replace.id == id {
		s.replace = nil
		return true
	}
	return false
}

// empty reports whether no registrations remain, meaning the underlying
// patch can be fully reverted.
func (s *site) empty() bool {
	return len(s.entries) == 0 && len(s.returns) == 0 && s.replace == nil
}
