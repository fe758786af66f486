package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"trigon/internal/engine/event"
)

func descriptor(name string, rank int) Descriptor {
	return Descriptor{
		Name:   name,
		Rank:   rank,
		Active: true,
		Bindings: []Binding{
			{Kind: "task", Action: event.AfterUpdate},
		},
	}
}

func TestMemory_HandlersForRankOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Install(ctx, []Descriptor{
		descriptor("c", 30),
		descriptor("a", 10),
		descriptor("b", 20),
	}); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	got, err := m.HandlersFor(ctx, "task", event.AfterUpdate)
	if err != nil {
		t.Fatalf("HandlersFor failed: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d descriptors, got %d", len(want), len(got))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, got[i].Name)
		}
	}
}

func TestMemory_HandlersForFiltersBinding(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Install(ctx, []Descriptor{descriptor("a", 10)}); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	got, err := m.HandlersFor(ctx, "task", event.BeforeDelete)
	if err != nil {
		t.Fatalf("HandlersFor failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no descriptors for unbound action, got %d", len(got))
	}

	got, err = m.HandlersFor(ctx, "invoice", event.AfterUpdate)
	if err != nil {
		t.Fatalf("HandlersFor failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no descriptors for unbound kind, got %d", len(got))
	}
}

func TestDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{name: "valid", desc: descriptor("a", 10), wantErr: false},
		{name: "missing name", desc: Descriptor{Bindings: []Binding{{Kind: "task", Action: event.AfterUpdate}}}, wantErr: true},
		{name: "no bindings", desc: Descriptor{Name: "a"}, wantErr: true},
		{name: "binding without kind", desc: Descriptor{Name: "a", Bindings: []Binding{{Action: event.AfterUpdate}}}, wantErr: true},
		{name: "binding with bad action", desc: Descriptor{Name: "a", Bindings: []Binding{{Kind: "task", Action: "whenever"}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// countingInstaller wraps Memory to observe install calls.
type countingInstaller struct {
	inner    Installer
	installs int
}

func (c *countingInstaller) Install(ctx context.Context, descriptors []Descriptor) error {
	c.installs++
	return c.inner.Install(ctx, descriptors)
}

func TestSeeder_SeedsEmptyRegistryOnce(t *testing.T) {
	m := NewMemory()
	installer := &countingInstaller{inner: m}
	s := NewSeeder(m, installer, []Descriptor{descriptor("builtin", 100)})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.EnsureDefaults(ctx); err != nil {
			t.Fatalf("EnsureDefaults failed: %v", err)
		}
	}

	if installer.installs != 1 {
		t.Errorf("expected exactly 1 install, got %d", installer.installs)
	}

	got, err := m.HandlersFor(ctx, "task", event.AfterUpdate)
	if err != nil {
		t.Fatalf("HandlersFor failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "builtin" {
		t.Errorf("expected seeded descriptor, got %v", got)
	}
}

func TestSeeder_SkipsNonEmptyRegistry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Install(ctx, []Descriptor{descriptor("existing", 10)}); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	installer := &countingInstaller{inner: m}
	s := NewSeeder(m, installer, []Descriptor{descriptor("builtin", 100)})

	if err := s.EnsureDefaults(ctx); err != nil {
		t.Fatalf("EnsureDefaults failed: %v", err)
	}
	if installer.installs != 0 {
		t.Errorf("non-empty registry must not be seeded, got %d installs", installer.installs)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handlers.yaml")

	content := `handlers:
  - name: task.dependency_cascade
    rank: 100
    active: true
    async: true
    bindings:
      - kind: task
        action: after_update
  - name: task.audit
    rank: 200
    active: false
    condition: 'kind == "task"'
    bindings:
      - kind: task
        action: after_create
      - kind: task
        action: after_delete
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(got))
	}
	first := got[0]
	if first.Name != "task.dependency_cascade" || first.Rank != 100 || !first.Active || !first.Async {
		t.Errorf("unexpected first descriptor: %+v", first)
	}
	if len(got[1].Bindings) != 2 {
		t.Errorf("expected 2 bindings on second descriptor, got %d", len(got[1].Bindings))
	}
	if got[1].Condition != `kind == "task"` {
		t.Errorf("unexpected condition: %q", got[1].Condition)
	}
}

func TestLoadConfig_InvalidDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handlers.yaml")

	content := `handlers:
  - name: broken
    bindings: []
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for descriptor without bindings")
	}
}
