package registry

import (
	"context"
	"sort"
	"sync"

	"trigon/internal/engine/event"
	"trigon/pkg/logger"
)

// Memory is an in-memory descriptor store implementing Lookup and Installer.
// Used for tests and single-process deployments; production tenants use the
// postgres-backed lookup.
type Memory struct {
	mu          sync.RWMutex
	descriptors []Descriptor
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{}
}

// Install implements Installer.
func (m *Memory) Install(ctx context.Context, descriptors []Descriptor) error {
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptors = append(m.descriptors, descriptors...)
	return nil
}

// IsEmpty implements Lookup.
func (m *Memory) IsEmpty(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.descriptors) == 0, nil
}

// HandlersFor implements Lookup.
func (m *Memory) HandlersFor(ctx context.Context, kind string, action event.Action) ([]Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Descriptor
	for _, d := range m.descriptors {
		if d.AppliesTo(kind, action) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// Seeder installs built-in default descriptors on first run. The seeded
// flag is process-lifetime state: written once under the mutex, checked on
// every dispatch. A second call with a non-empty registry never reseeds.
type Seeder struct {
	mu        sync.Mutex
	seeded    bool
	lookup    Lookup
	installer Installer
	defaults  []Descriptor
}

// NewSeeder creates a seeder with the given default descriptor set.
func NewSeeder(lookup Lookup, installer Installer, defaults []Descriptor) *Seeder {
	return &Seeder{lookup: lookup, installer: installer, defaults: defaults}
}

// EnsureDefaults installs the defaults if the registry is empty.
// Idempotent: once the check has run (regardless of whether defaults were
// installed), subsequent calls are no-ops.
func (s *Seeder) EnsureDefaults(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seeded {
		return nil
	}

	empty, err := s.lookup.IsEmpty(ctx)
	if err != nil {
		return err
	}
	if empty {
		if err := s.installer.Install(ctx, s.defaults); err != nil {
			return err
		}
		logger.Info(ctx, "seeded default handler descriptors", "count", len(s.defaults))
	}

	s.seeded = true
	return nil
}
