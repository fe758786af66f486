// Package settings provides tenant-level operational flags.
package settings

import (
	"context"
	"sync"
)

// Provider provides settings flag evaluation.
// Abstraction allows different backends: in-memory, database, Redis, etc.
type Provider interface {
	// IsEnabled checks if flag is enabled for context
	IsEnabled(ctx context.Context, flag string) bool

	// GetValue returns typed value for flag configuration
	GetValue(ctx context.Context, flag string) any
}

// Flag names (constants for type safety)
const (
	// FlagDispatchDisabled is the operator kill switch: when enabled, no
	// dispatch runs any handler or applies any mutation.
	FlagDispatchDisabled = "dispatch_disabled"

	// FlagErrorHandlingDisabled suppresses rollback-on-error for mutation
	// batches: partial successes are committed instead.
	FlagErrorHandlingDisabled = "error_handling_disabled"
)

// InMemory is a simple in-memory settings provider.
// Suitable for MVP and testing.
type InMemory struct {
	mu     sync.RWMutex
	flags  map[string]bool
	values map[string]any
}

// NewInMemory creates an in-memory settings provider.
func NewInMemory() *InMemory {
	return &InMemory{
		flags:  make(map[string]bool),
		values: make(map[string]any),
	}
}

func (s *InMemory) IsEnabled(ctx context.Context, flag string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[flag]
}

func (s *InMemory) GetValue(ctx context.Context, flag string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[flag]
}

// SetFlag sets a boolean flag (for testing/admin).
func (s *InMemory) SetFlag(flag string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[flag] = enabled
}

// SetValue sets a configuration value.
func (s *InMemory) SetValue(flag string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[flag] = value
}
