package dispatch

import (
	"context"
	"sync"

	"trigon/internal/engine/event"
	"trigon/internal/engine/mutation"
)

// Handler is the plugin contract for business-rule handlers. A handler
// reacts to one change event and returns its requested side-effect
// mutations as a partial batch; it must not apply mutations itself.
//
// A before-phase handler may veto the change entirely by returning an
// error, which aborts the whole dispatch transaction.
type Handler interface {
	Run(ctx context.Context, ev *event.Change) (*mutation.Batch, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev *event.Change) (*mutation.Batch, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
	return f(ctx, ev)
}

// Factory constructs a handler instance. One instance is created per
// invocation so handlers may keep per-dispatch state.
type Factory func() Handler

// Factories is the typed replacement for runtime type-name resolution:
// a mapping from stable handler name to constructor, populated at process
// start. An unknown name is a configuration error, never a crash.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

// NewFactories creates an empty factory registry.
func NewFactories() *Factories {
	return &Factories{m: make(map[string]Factory)}
}

// Register binds a handler name to its constructor.
// Later registrations replace earlier ones.
func (f *Factories) Register(name string, factory Factory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[name] = factory
}

// Resolve returns the constructor for a handler name.
func (f *Factories) Resolve(name string) (Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	factory, ok := f.m[name]
	return factory, ok && factory != nil
}

// Names returns the registered handler names (for the admin API).
func (f *Factories) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.m))
	for name := range f.m {
		names = append(names, name)
	}
	return names
}
