package capture

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrModuleExists = errors.New("capture: module already registered")
	ErrModuleNil    = errors.New("capture: module is nil")
	ErrInvalidID    = errors.New("capture: invalid module id")
)

// Registry stores capture modules by stable identifier.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Module)}
}

// ValidateID checks the module id format. Ids name directories inside the
// session root.
func ValidateID(id string) error {
	if !isValidID(strings.TrimSpace(id)) || strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (r *Registry) Register(m Module) error {
	if m == nil {
		return ErrModuleNil
	}
	id := m.ID()
	if err := ValidateID(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, id)
	}
	r.items[id] = m
	return nil
}

func (r *Registry) Resolve(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.items[id]
	return m, ok
}

// IDs returns registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Modules returns registered modules ordered by id.
func (r *Registry) Modules() []Module {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.items[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
