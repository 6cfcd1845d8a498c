package kind

import (
	"errors"
	"sort"
	"sync"
)

// ErrUnknownKind indicates a record references a kind nobody registered.
var ErrUnknownKind = errors.New("unknown kind")

// Registry holds the kinds a server accepts.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry returns a registry containing the given kinds.
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind)}
	for _, k := range kinds {
		r.Register(k)
	}
	return r
}

// Default returns a registry with the builtin kinds.
func Default() *Registry {
	return NewRegistry(Builtin()...)
}

// Register adds a kind. Panics if a kind with the same name is already
// registered.
func (r *Registry) Register(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := k.Name()
	if _, exists := r.kinds[name]; exists {
		panic("kind already registered: " + name)
	}
	r.kinds[name] = k
}

// Get returns the kind with the given name.
func (r *Registry) Get(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kinds[name]
	if !ok {
		return nil, ErrUnknownKind
	}
	return k, nil
}

// Names returns the registered kind names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
