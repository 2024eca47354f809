package operation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/bulkop/pkg/types"
)

var (
	// ErrUnknownPlugin is returned for a plugin name nobody registered
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrDuplicatePlugin is returned when registering a name twice
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

// Plugin is one kind of bulk operation.
type Plugin interface {
	// Name is the value of the request's "plugin" field.
	Name() string
	// Async reports whether requests return immediately with status running.
	Async() bool
	// Run performs the operation. Per-item failures go through RunBulk;
	// a returned error fails the whole operation.
	Run(ctx context.Context, env *Env, req types.Document) error
}

// Registry maps plugin names to plugins. It is built once by the process
// and handed to the controller.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns a registry holding plugins.
func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p under p.Name().
func (r *Registry) Register(p Plugin) error {
	name := p.Name()
	if name == "" {
		return errors.New("plugin name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}
	r.plugins[name] = p
	return nil
}

// Lookup returns the plugin registered as name.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
