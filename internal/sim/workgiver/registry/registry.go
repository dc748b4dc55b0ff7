// Package registry holds the ordered set of work modules.
//
// A Registry is immutable once built: modules are sorted by descending
// priority, ties keep registration order. Adding a module produces a new
// Registry.
package registry

import (
	"sort"

	"github.com/cockroachdb/errors"
)

type Registry struct {
	modules []*Module
	byID    map[string]*Module
}

// New validates and sorts modules. The first error aborts.
func New(modules ...Module) (*Registry, error) {
	return (*Registry)(nil).With(modules...)
}

// MustNew is New for static module tables.
func MustNew(modules ...Module) *Registry {
	r, err := New(modules...)
	if err != nil {
		panic(err)
	}
	return r
}

// With returns a new registry holding r's modules followed by extra.
func (r *Registry) With(extra ...Module) (*Registry, error) {
	out := &Registry{byID: map[string]*Module{}}
	if r != nil {
		out.modules = make([]*Module, 0, len(r.modules)+len(extra))
		for _, m := range r.modules {
			out.modules = append(out.modules, m)
			out.byID[m.ID] = m
		}
	}
	added := make([]*Module, 0, len(extra))
	for i := range extra {
		if err := extra[i].Check(); err != nil {
			return nil, err
		}
		m := extra[i].withDefaults()
		if _, dup := out.byID[m.ID]; dup {
			return nil, errors.Wrapf(ErrDuplicateModule, "%s", m.ID)
		}
		mp := &m
		out.byID[m.ID] = mp
		added = append(added, mp)
	}
	// Existing modules are already sorted; a stable sort of existing+added
	// keeps registration order among equal priorities.
	out.modules = append(out.modules, added...)
	sort.SliceStable(out.modules, func(i, j int) bool {
		return out.modules[i].Priority > out.modules[j].Priority
	})
	return out, nil
}

// Without returns a new registry lacking module id.
func (r *Registry) Without(id string) *Registry {
	out := &Registry{byID: map[string]*Module{}}
	if r == nil {
		return out
	}
	for _, m := range r.modules {
		if m.ID == id {
			continue
		}
		out.modules = append(out.modules, m)
		out.byID[m.ID] = m
	}
	return out
}

// Modules returns the modules in evaluation order. The slice must not be
// modified.
func (r *Registry) Modules() []*Module {
	if r == nil {
		return nil
	}
	return r.modules
}

func (r *Registry) Get(id string) (*Module, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.byID[id]
	return m, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.modules)
}

// IDs lists module ids in evaluation order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, r.Len())
	for _, m := range r.Modules() {
		out = append(out, m.ID)
	}
	return out
}
