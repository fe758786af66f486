package v1

import (
	"testing"

	"trigon/internal/engine/registry"
)

func TestSeeders_OnePerTenant(t *testing.T) {
	reg := registry.NewMemory()
	cache := newSeeders(reg, reg, nil)

	first := cache.forTenant("tenant-a")
	if cache.forTenant("tenant-a") != first {
		t.Error("same tenant must reuse its seeder")
	}
	if cache.forTenant("tenant-b") == first {
		t.Error("tenants must not share a seeder")
	}
}
