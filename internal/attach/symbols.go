package attach

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// SymbolResolver resolves a function name to an address, spec §4.2's
// "(a) resolving a function name to an address using the dynamic
// loader's symbol tables (including loaded shared objects)".
type SymbolResolver interface {
	// Resolve looks up name in module (empty for the main binary) and
	// returns its address, or a not-found error.
	Resolve(module, name string) (uintptr, error)
	// Close releases any resources (open library handles) the resolver
	// holds.
	Close() error
}

// dlSymbolResolver resolves symbols via the dynamic loader (dlopen/dlsym)
// through purego, the same mechanism `/proc/<pid>/maps`-based tools use
// to find a loaded shared object before resolving a symbol inside it.
type dlSymbolResolver struct {
	mu      sync.Mutex
	handles map[string]uintptr // module path -> dlopen handle
}

// NewSymbolResolver returns a resolver backed by the host's dynamic
// loader.
func NewSymbolResolver() SymbolResolver {
	return &dlSymbolResolver{handles: make(map[string]uintptr)}
}

func (r *dlSymbolResolver) handleFor(module string) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[module]; ok {
		return h, nil
	}
	path := module
	if path == "" {
		// Re-opening the already-mapped main executable returns a
		// handle usable for dlsym without loading anything new.
		path = "/proc/self/exe"
	}
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, errNotFound("dlopen %q: %s", path, err)
	}
	r.handles[module] = h
	return h, nil
}

func (r *dlSymbolResolver) Resolve(module, name string) (uintptr, error) {
	h, err := r.handleFor(module)
	if err != nil {
		return 0, err
	}
	addr, err := purego.Dlsym(h, name)
	if err != nil {
		return 0, errNotFound("dlsym %q in %q: %s", name, module, err)
	}
	return addr, nil
}

func (r *dlSymbolResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for module, h := range r.handles {
		if err := purego.Dlclose(h); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dlclose %q: %w", module, err)
		}
	}
	r.handles = make(map[string]uintptr)
	return firstErr
}

// StaticResolver is a SymbolResolver backed by a fixed name->address
// table, used by tests and by callers that have already resolved
// addresses through some other channel (e.g. an ELF/BTF object parser
// collaborator, out of scope per spec §1).
type StaticResolver map[string]uintptr

func (r StaticResolver) Resolve(module, name string) (uintptr, error) {
	if addr, ok := r[name]; ok {
		return addr, nil
	}
	return 0, errNotFound("symbol %q not present in static resolver", name)
}

func (r StaticResolver) Close() error { return nil }
