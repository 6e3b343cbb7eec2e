// Package registry holds the statically declared set of watchable targets.
// The host application registers every model and event it exposes at
// startup; the engine never inspects arbitrary types at runtime.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/hooksmith/hooksmith/internal/domain"
)

// Descriptor declares one watchable target: the fields a payload may carry
// and the event kinds a subscription may ask for.
type Descriptor struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"` // model or event
	Fields []string `json:"fields,omitempty"`
	Events []string `json:"events,omitempty"`
}

// Registry is a concurrency-safe name → descriptor map.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Descriptor
}

func New() *Registry {
	return &Registry{targets: make(map[string]Descriptor)}
}

// Register adds or replaces a target descriptor. Empty Events defaults to
// the full vocabulary for the descriptor's kind.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("descriptor name is required")
	}
	switch d.Kind {
	case "", domain.KindModel:
		d.Kind = domain.KindModel
		if len(d.Events) == 0 {
			d.Events = append([]string(nil), domain.ModelEvents...)
		}
	case domain.KindEvent:
		if len(d.Events) == 0 {
			d.Events = append([]string(nil), domain.EventEvents...)
		}
	default:
		return fmt.Errorf("descriptor kind %q is not model or event", d.Kind)
	}

	r.mu.Lock()
	r.targets[d.Name] = d
	r.mu.Unlock()
	return nil
}

// Lookup returns the descriptor for a target name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.targets[name]
	return d, ok
}

// Has reports whether a target is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// AllowsEvent reports whether the target accepts the given event kind.
// Unknown targets allow nothing.
func (r *Registry) AllowsEvent(name, event string) bool {
	d, ok := r.Lookup(name)
	if !ok {
		return false
	}
	for _, e := range d.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Names returns all registered target names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile registers descriptors from a JSON array file. Used when the host
// ships its target declarations alongside the deployment.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading registry file: %w", err)
	}

	var descriptors []Descriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return fmt.Errorf("parsing registry file: %w", err)
	}

	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return fmt.Errorf("registering %q: %w", d.Name, err)
		}
	}
	return nil
}
