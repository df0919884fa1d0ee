package attach

import (
	"sync"

	"github.com/ebitengine/purego"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "attach")

// Manager is the attach manager (spec §4.2): it owns every patched
// address in the current process, serializes installation across
// threads, and dispatches entry/return/replace callbacks through native
// trampolines built with purego — purego.NewCallback turns a Go
// dispatch function into a C-ABI-callable address the patched jump can
// target, and purego.RegisterFunc lets that dispatcher call back into
// the relocated original function body using the same SysV calling
// convention, without either direction needing a hand-written assembly
// bridge.
type Manager struct {
	mu       sync.Mutex
	quiescer *Quiescer
	resolver SymbolResolver
	sites    map[uintptr]*site
	nextID   int
}

// NewManager returns a Manager that resolves symbol names through
// resolver.
func NewManager(resolver SymbolResolver) *Manager {
	return &Manager{
		quiescer: NewQuiescer(),
		resolver: resolver,
		sites:    make(map[uintptr]*site),
	}
}

// Close releases the manager's symbol resolver.
func (m *Manager) Close() error {
	return m.resolver.Close()
}

// ResolveSymbol looks up name in module (empty for the main binary).
func (m *Manager) ResolveSymbol(module, name string) (uintptr, error) {
	return m.resolver.Resolve(module, name)
}

func (m *Manager) allocID() int {
	id := m.nextID
	m.nextID++
	return id
}

func (m *Manager) ensureSite(addr uintptr) (*site, error) {
	if s, ok := m.sites[addr]; ok {
		return s, nil
	}
	prologue, err := capturePrologue(addr)
	if err != nil {
		return nil, err
	}
	s := &site{addr: addr, original: prologue}
	m.sites[addr] = s
	return s, nil
}

// AttachEntry installs an entry probe at addr. Legal from every state
// except *replaced*.
func (m *Manager) AttachEntry(addr uintptr, cb EntryCallback) (int, error) {
	var id int
	err := m.quiescer.Quiesce(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, err := m.ensureSite(addr)
		if err != nil {
			return err
		}
		if !s.canInstallEntry() {
			return errConflict(addr, "a replace probe is already installed at this address")
		}
		id = m.allocID()
		s.entries = append(s.entries, entryRegistration{id: id, fn: cb})
		return m.rebuildDispatch(s)
	})
	if err == nil {
		log.WithFields(logrus.Fields{"addr": addr, "id": id, "kind": "entry"}).Debug("probe installed")
	}
	return id, err
}

// AttachReturn installs a return probe at addr.
func (m *Manager) AttachReturn(addr uintptr, cb ReturnCallback) (int, error) {
	var id int
	err := m.quiescer.Quiesce(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, err := m.ensureSite(addr)
		if err != nil {
			return err
		}
		if !s.canInstallReturn() {
			return errConflict(addr, "a replace probe is already installed at this address")
		}
		id = m.allocID()
		s.returns = append(s.returns, returnRegistration{id: id, fn: cb})
		return m.rebuildDispatch(s)
	})
	if err == nil {
		log.WithFields(logrus.Fields{"addr": addr, "id": id, "kind": "return"}).Debug("probe installed")
	}
	return id, err
}

// AttachReplace installs a replace probe at addr. Legal only from
// *unhooked* — any existing probe, of any kind, causes a conflict
// (spec §4.2; Open Question resolved in SPEC_FULL.md §4).
func (m *Manager) AttachReplace(addr uintptr, cb ReplaceCallback) (int, error) {
	var id int
	err := m.quiescer.Quiesce(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, err := m.ensureSite(addr)
		if err != nil {
			return err
		}
		if !s.canInstallReplace() {
			return errConflict(addr, "a probe is already installed at this address")
		}
		id = m.allocID()
		s.replace = &replaceRegistration{id: id, fn: cb}
		return m.rebuildDispatch(s)
	})
	if err == nil {
		log.WithFields(logrus.Fields{"addr": addr, "id": id, "kind": "replace"}).Debug("probe installed")
	}
	return id, err
}

// AttachEntryByName resolves name in module and installs an entry probe.
func (m *Manager) AttachEntryByName(module, name string, cb EntryCallback) (int, error) {
	addr, err := m.resolver.Resolve(module, name)
	if err != nil {
		return 0, err
	}
	return m.AttachEntry(addr, cb)
}

// AttachReturnByName resolves name in module and installs a return
// probe.
func (m *Manager) AttachReturnByName(module, name string, cb ReturnCallback) (int, error) {
	addr, err := m.resolver.Resolve(module, name)
	if err != nil {
		return 0, err
	}
	return m.AttachReturn(addr, cb)
}

// AttachReplaceByName resolves name in module and installs a replace
// probe.
func (m *Manager) AttachReplaceByName(module, name string, cb ReplaceCallback) (int, error) {
	addr, err := m.resolver.Resolve(module, name)
	if err != nil {
		return 0, err
	}
	return m.AttachReplace(addr, cb)
}

// Destroy removes the single probe registered under id, restoring the
// original code bytes if no probes remain at that address (spec §4.2:
// "Destroying a replace probe restores the original code bytes
// atomically").
func (m *Manager) Destroy(id int) error {
	err := m.quiescer.Quiesce(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, s := range m.sites {
			if s.removeEntry(id) || s.removeReturn(id) || s.removeReplace(id) {
				return m.rebuildDispatch(s)
			}
		}
		return errNotFound("no probe registered with id %d", id)
	})
	if err == nil {
		log.WithField("id", id).Debug("probe destroyed")
	}
	return err
}

// DestroyByAddress destroys every probe installed at addr at once.
func (m *Manager) DestroyByAddress(addr uintptr) error {
	return m.quiescer.Quiesce(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, ok := m.sites[addr]
		if !ok {
			return errNotFound("no probes installed at %#x", addr)
		}
		s.entries = nil
		s.returns = nil
		s.replace = nil
		return m.rebuildDispatch(s)
	})
}

// rebuildDispatch reconciles the patched bytes at s.addr with s's current
// registrations: restoring the original bytes once every registration is
// gone, or (re-)installing the jump to s's dispatcher once at least one
// registration exists. The dispatcher and the relocation island (for
// non-replace installs) are built lazily and cached on the site, since
// their behavior always reads the site's *current* registrations — no
// rebuild is needed across repeated install/destroy cycles at the same
// address.
func (m *Manager) rebuildDispatch(s *site) error {
	if s.empty() {
		if s.patched {
			if err := restoreOriginal(s.addr, s.original); err != nil {
				return err
			}
			s.patched = false
		}
		return nil
	}

	if s.dispatcherAddr == 0 {
		s.dispatcherAddr = purego.NewCallback(s.dispatch)
	}
	if s.replace == nil && s.island == nil {
		island, err := relocateOriginal(s.addr, s.original)
		if err != nil {
			return err
		}
		s.island = island
		purego.RegisterFunc(&s.originalFn, island.Entry())
	}
	if !s.patched {
		if err := installJump(s.addr, s.dispatcherAddr); err != nil {
			return err
		}
		s.patched = true
	}
	return nil
}
