package rules

import (
	"fmt"
	"sync"
)

// Registry holds the current rule snapshot. Readers get a consistent Set;
// Reload swaps in a new one. Rule changes on disk are only visible after
// Reload.
type Registry struct {
	mu   sync.RWMutex
	set  *Set
	path string
}

// NewRegistry creates a registry around an already-loaded snapshot. path may
// be empty, in which case Reload is unavailable.
func NewRegistry(set *Set, path string) *Registry {
	if set == nil {
		set = NewSet(nil)
	}
	return &Registry{
		set:  set,
		path: path,
	}
}

// Open ensures the rules file exists, loads it, and returns a registry bound
// to it.
func Open(path string) (*Registry, error) {
	if err := EnsureFile(path); err != nil {
		return nil, err
	}

	set, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	return NewRegistry(set, path), nil
}

// Current returns the active snapshot.
func (r *Registry) Current() *Set {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.set
}

// Match looks up a rule in the active snapshot.
func (r *Registry) Match(repo, branch string) (Rule, bool) {
	return r.Current().Match(repo, branch)
}

// Path returns the rules file backing this registry.
func (r *Registry) Path() string {
	return r.path
}

// Reload re-reads the rules file. On error the previous snapshot stays
// active.
func (r *Registry) Reload() (*Set, error) {
	if r.path == "" {
		return nil, fmt.Errorf("registry has no rules file to reload from")
	}

	set, err := LoadFile(r.path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.set = set
	r.mu.Unlock()

	return set, nil
}
