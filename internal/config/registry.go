package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/capturebot/pkg/audio"
)

// ErrPlatformNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested name.
var ErrPlatformNotRegistered = errors.New("config: platform not registered")

// PlatformFactory builds an audio platform from its configuration entry.
type PlatformFactory func(PlatformEntry) (audio.Platform, error)

// Registry maps platform names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]PlatformFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]PlatformFactory)}
}

// Register registers factory under name. Registering the same name again
// overwrites the previous factory.
func (r *Registry) Register(name string, factory PlatformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Create instantiates the platform registered under entry.Name.
// Returns [ErrPlatformNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(entry PlatformEntry) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPlatformNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create platform %q for %s: %w", entry.Name, entry.Meeting, err)
	}
	return p, nil
}

// CreateAll instantiates every entry, keyed by meeting platform name. All
// failures are reported together.
func (r *Registry) CreateAll(entries []PlatformEntry) (map[string]audio.Platform, error) {
	out := make(map[string]audio.Platform, len(entries))
	var errs []error
	for _, e := range entries {
		p, err := r.Create(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[e.Meeting] = p
	}
	return out, errors.Join(errs...)
}
