package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build when no builder is registered for
// the configured pub/sub system.
var ErrUnknownTransport = errors.New("unknown transport")

type entry struct {
	build Builder
	caps  Capabilities
}

// Registry maps pub/sub system names ("kafka", "rabbitmq") to builders and
// what the broker guarantees. Broker sub-packages register from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the registry the broker sub-packages register with.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces the builder for name. An empty caps.Name is
// filled with name.
func (r *Registry) Register(name string, build Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{build: build, caps: caps}
}

// Capabilities reports what the named transport guarantees. Unknown names
// return a Capabilities with only Name set, which supports nothing.
func (r *Registry) Capabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Capabilities{Name: name}, false
	}
	return e.caps, true
}

// Build creates the transport for cfg's pub/sub system. The result carries
// the registered capabilities.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}

	tr, err := e.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	tr.Capabilities = e.caps
	return tr, nil
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, build Builder, caps Capabilities) {
	DefaultRegistry.Register(name, build, caps)
}

// Build creates a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
