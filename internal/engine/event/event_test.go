package event

import (
	"testing"

	"trigon/internal/core/entity"
)

func TestParseAction(t *testing.T) {
	for _, a := range Actions {
		got, err := ParseAction(string(a))
		if err != nil {
			t.Errorf("ParseAction(%q) failed: %v", a, err)
		}
		if got != a {
			t.Errorf("ParseAction(%q) = %q", a, got)
		}
	}

	if _, err := ParseAction("whenever"); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestAction_Phases(t *testing.T) {
	afters := map[Action]bool{
		BeforeCreate: false,
		AfterCreate:  true,
		BeforeUpdate: false,
		AfterUpdate:  true,
		BeforeDelete: false,
		AfterDelete:  true,
		AfterRestore: true,
	}

	for action, wantAfter := range afters {
		if action.IsAfter() != wantAfter {
			t.Errorf("%s.IsAfter() = %v, want %v", action, action.IsAfter(), wantAfter)
		}
		if action.IsBefore() == wantAfter {
			t.Errorf("%s.IsBefore() must be the complement of IsAfter", action)
		}
	}
}

func TestChange_Records(t *testing.T) {
	before := entity.NewRecord("task")
	after := entity.NewRecord("task")

	update := &Change{Action: AfterUpdate, Before: []*entity.Record{before}, After: []*entity.Record{after}}
	if got := update.Records(); len(got) != 1 || got[0] != after {
		t.Error("Records() must prefer the after image")
	}

	del := &Change{Action: AfterDelete, Before: []*entity.Record{before}}
	if got := del.Records(); len(got) != 1 || got[0] != before {
		t.Error("Records() must fall back to the before image for deletes")
	}
}

func TestChange_BeforeByID(t *testing.T) {
	before := entity.NewRecord("task")
	created := entity.NewRecord("task")

	c := &Change{Before: []*entity.Record{before}}
	if c.BeforeByID(before.ID) != before {
		t.Error("expected before image by ID")
	}
	if c.BeforeByID(created.ID) != nil {
		t.Error("created record has no before image")
	}
}
