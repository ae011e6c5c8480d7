package hookdb

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps replicator type names to their descriptors.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

func NewRegistry(descriptors ...Descriptor) *Registry {
	r := &Registry{descriptors: map[string]Descriptor{}}
	for _, d := range descriptors {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Descriptor) {
	name := normalizeServiceName(d.Name)
	if name == "" || d.New == nil {
		panic("invariant violation: replicator descriptor needs a name and constructor")
	}
	d.Name = name
	d.DependsOn = normalizeServiceName(d.DependsOn)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[name] = d
}

func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[normalizeServiceName(name)]
	if !ok {
		return Descriptor{}, &ConfigurationError{
			Message: fmt.Sprintf("%q is not a supported service, must be one of: %s", name, strings.Join(r.namesLocked(), ", ")),
		}
	}
	return d, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every declared dependency is registered and that no
// dependency chain loops back on itself.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.namesLocked() {
		seen := map[string]bool{name: true}
		cur := r.descriptors[name]
		for cur.DependsOn != "" {
			next, ok := r.descriptors[cur.DependsOn]
			if !ok {
				return configurationErrorf("%s depends on unknown service %s", cur.Name, cur.DependsOn)
			}
			if seen[next.Name] {
				return configurationErrorf("dependency cycle through %s", next.Name)
			}
			seen[next.Name] = true
			cur = next
		}
	}
	return nil
}

// Resolve builds the replicator for an integration record.
func (r *Registry) Resolve(env *Env) (Replicator, error) {
	d, err := r.Lookup(env.Integration.ServiceName)
	if err != nil {
		return nil, err
	}
	return d.New(env), nil
}

func normalizeServiceName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
