package bus

import (
	"fmt"
	"sort"
	"sync"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// Registration binds one provider to the bus at a priority tier. Lower
// tiers are routed to first.
type Registration struct {
	Provider types.Provider
	Tier     types.Tier
}

// ProviderInfo describes a registration for operators.
type ProviderInfo struct {
	Name         string   `json:"name"`
	Tier         int      `json:"tier"`
	Capabilities []string `json:"capabilities"`
}

// Registry holds the capability providers known to the bus. Registrations
// are keyed by provider name; names must be unique across the registry.
type Registry struct {
	mu           sync.RWMutex
	providers    map[string]Registration
	byCapability map[types.Capability][]string
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:    make(map[string]Registration),
		byCapability: make(map[types.Capability][]string),
	}
}

// Register adds a provider at the given tier. The provider must carry a
// non-empty unique name and at least one valid capability.
func (r *Registry) Register(p types.Provider, tier types.Tier) error {
	if p == nil {
		return fmt.Errorf("register: nil provider")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("register: provider has no name")
	}
	caps := p.Capabilities()
	if len(caps) == 0 {
		return fmt.Errorf("register %q: no capabilities declared", name)
	}
	for _, c := range caps {
		if !c.IsValid() {
			return fmt.Errorf("register %q: unknown capability %q", name, c)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("register %q: name already registered", name)
	}
	r.providers[name] = Registration{Provider: p, Tier: tier}
	for _, c := range caps {
		r.byCapability[c] = append(r.byCapability[c], name)
	}

	logging.Bus("Registered provider %q tier=%d capabilities=%v", name, tier, caps)
	return nil
}

// Unregister removes a provider by name. Returns false when the name is
// unknown.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.providers[name]
	if !exists {
		return false
	}
	delete(r.providers, name)
	for _, c := range reg.Provider.Capabilities() {
		names := r.byCapability[c]
		for i, n := range names {
			if n == name {
				r.byCapability[c] = append(names[:i], names[i+1:]...)
				break
			}
		}
	}

	logging.Bus("Unregistered provider %q", name)
	return true
}

// Candidates returns the registrations serving a capability, in
// registration order. Tier ranking happens in the bus.
func (r *Registry) Candidates(capability types.Capability) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.byCapability[capability]
	out := make([]Registration, 0, len(names))
	for _, name := range names {
		if reg, ok := r.providers[name]; ok {
			out = append(out, reg)
		}
	}
	return out
}

// Get returns the registration for a provider name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[name]
	return reg, ok
}

// List describes every registration, sorted by name.
func (r *Registry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderInfo, 0, len(r.providers))
	for name, reg := range r.providers {
		caps := reg.Provider.Capabilities()
		capNames := make([]string, len(caps))
		for i, c := range caps {
			capNames[i] = string(c)
		}
		sort.Strings(capNames)
		out = append(out, ProviderInfo{
			Name:         name,
			Tier:         int(reg.Tier),
			Capabilities: capNames,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
