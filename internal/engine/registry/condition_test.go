package registry

import (
	"testing"

	"trigon/internal/core/entity"
	"trigon/internal/engine/event"
)

func changeEvent(action event.Action, status string) *event.Change {
	rec := entity.NewRecord("task")
	rec.Attributes.Set("status", status)
	return &event.Change{
		Action: action,
		Entity: entity.Descriptor{Kind: "task"},
		After:  []*entity.Record{rec},
	}
}

func TestConditions_Matches(t *testing.T) {
	c, err := NewConditions()
	if err != nil {
		t.Fatalf("NewConditions failed: %v", err)
	}

	tests := []struct {
		name string
		expr string
		ev   *event.Change
		want bool
	}{
		{
			name: "empty matches everything",
			expr: "",
			ev:   changeEvent(event.AfterUpdate, "open"),
			want: true,
		},
		{
			name: "kind match",
			expr: `kind == "task"`,
			ev:   changeEvent(event.AfterUpdate, "open"),
			want: true,
		},
		{
			name: "action match",
			expr: `action == "after_update"`,
			ev:   changeEvent(event.AfterUpdate, "open"),
			want: true,
		},
		{
			name: "attribute predicate true",
			expr: `after.exists(r, r.status == "completed")`,
			ev:   changeEvent(event.AfterUpdate, "completed"),
			want: true,
		},
		{
			name: "attribute predicate false",
			expr: `after.exists(r, r.status == "completed")`,
			ev:   changeEvent(event.AfterUpdate, "open"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Matches(tt.expr, tt.ev)
			if err != nil {
				t.Fatalf("Matches failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestConditions_Errors(t *testing.T) {
	c, err := NewConditions()
	if err != nil {
		t.Fatalf("NewConditions failed: %v", err)
	}
	ev := changeEvent(event.AfterUpdate, "open")

	if _, err := c.Matches(`1 +`, ev); err == nil {
		t.Error("expected compile error")
	}
	if _, err := c.Matches(`kind`, ev); err == nil {
		t.Error("expected non-boolean result error")
	}
}

func TestConditions_CachesPrograms(t *testing.T) {
	c, err := NewConditions()
	if err != nil {
		t.Fatalf("NewConditions failed: %v", err)
	}
	ev := changeEvent(event.AfterUpdate, "open")

	expr := `kind == "task"`
	for i := 0; i < 3; i++ {
		if _, err := c.Matches(expr, ev); err != nil {
			t.Fatalf("Matches failed: %v", err)
		}
	}

	c.mu.RLock()
	_, cached := c.cache[expr]
	c.mu.RUnlock()
	if !cached {
		t.Error("expected compiled program to be cached")
	}
}
