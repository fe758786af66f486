package mutation

import (
	"context"
	"errors"
	"testing"

	"trigon/internal/core/apperror"
	"trigon/internal/core/entity"
	"trigon/internal/core/id"
	"trigon/internal/core/settings"
	"trigon/internal/core/tx"
	"trigon/internal/engine/store"
)

// Mock objects

type applyCall struct {
	op      store.Operation
	kind    string
	records []*entity.Record
	opts    store.Options
}

type fakeStore struct {
	calls   []applyCall
	failIDs map[id.ID]error
}

func (s *fakeStore) Apply(ctx context.Context, op store.Operation, kind string, records []*entity.Record, opts store.Options) ([]store.Outcome, error) {
	s.calls = append(s.calls, applyCall{op: op, kind: kind, records: records, opts: opts})

	outcomes := make([]store.Outcome, 0, len(records))
	for _, rec := range records {
		outcomes = append(outcomes, store.Outcome{Record: rec, Err: s.failIDs[rec.ID]})
	}
	return outcomes, nil
}

func (s *fakeStore) GetByIDs(ctx context.Context, kind string, ids []id.ID) ([]*entity.Record, error) {
	return nil, nil
}

type fakeCheckpointer struct {
	checkpoints int
	rollbacks   int
	releases    int
}

func (c *fakeCheckpointer) Checkpoint(ctx context.Context) (tx.Checkpoint, error) {
	c.checkpoints++
	return &fakeCheckpoint{owner: c}, nil
}

type fakeCheckpoint struct {
	owner *fakeCheckpointer
}

func (c *fakeCheckpoint) Rollback(ctx context.Context) error {
	c.owner.rollbacks++
	return nil
}

func (c *fakeCheckpoint) Release(ctx context.Context) error {
	c.owner.releases++
	return nil
}

type fakeReporter struct {
	failures []Failure
	label    string
}

func (r *fakeReporter) Report(ctx context.Context, failures []Failure, contextLabel string) {
	r.failures = append(r.failures, failures...)
	r.label = contextLabel
}

func record(kind string) *entity.Record {
	return entity.NewRecord(kind)
}

func TestSubmit_EmptyBatch(t *testing.T) {
	cp := &fakeCheckpointer{}
	s := NewSubmitter(&fakeStore{}, cp, settings.NewInMemory(), nil)

	report, err := s.Submit(context.Background(), NewBatch(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.HasErrors() {
		t.Errorf("expected clean report, got %d failures", len(report.Failures))
	}
	if cp.checkpoints != 0 {
		t.Errorf("empty batch must not take a checkpoint, took %d", cp.checkpoints)
	}
}

func TestSubmit_AllSucceed(t *testing.T) {
	st := &fakeStore{}
	cp := &fakeCheckpointer{}
	s := NewSubmitter(st, cp, settings.NewInMemory(), nil)

	b := NewBatch()
	b.AddCreate(record("task"))
	b.AddUpdate(record("task"))
	b.AddDelete(record("task"))

	report, err := s.Submit(context.Background(), b, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.HasErrors() {
		t.Fatalf("expected clean report, got %d failures", len(report.Failures))
	}
	if cp.releases != 1 || cp.rollbacks != 0 {
		t.Errorf("expected 1 release / 0 rollbacks, got %d / %d", cp.releases, cp.rollbacks)
	}

	wantOps := []store.Operation{store.OpCreate, store.OpUpdate, store.OpDelete}
	if len(st.calls) != len(wantOps) {
		t.Fatalf("expected %d store calls, got %d", len(wantOps), len(st.calls))
	}
	for i, op := range wantOps {
		if st.calls[i].op != op {
			t.Errorf("call %d: expected op %s, got %s", i, op, st.calls[i].op)
		}
	}
}

func TestSubmit_PartialFailureRollsBack(t *testing.T) {
	bad := record("task")
	st := &fakeStore{failIDs: map[id.ID]error{bad.ID: errors.New("rejected")}}
	cp := &fakeCheckpointer{}
	reporter := &fakeReporter{}
	s := NewSubmitter(st, cp, settings.NewInMemory(), reporter)

	b := NewBatch()
	for i := 0; i < 4; i++ {
		b.AddUpdate(record("task"))
	}
	b.AddUpdate(bad)

	report, err := s.Submit(context.Background(), b, true)
	if err == nil {
		t.Fatal("expected batch-failed error")
	}
	appErr, ok := apperror.AsAppError(err)
	if !ok || appErr.Code != apperror.CodeBatchFailed {
		t.Fatalf("expected %s, got %v", apperror.CodeBatchFailed, err)
	}

	if len(report.Failures) != 1 {
		t.Fatalf("expected 1 failure in report, got %d", len(report.Failures))
	}
	if report.Failures[0].Record.ID != bad.ID {
		t.Errorf("failure references wrong record")
	}

	if cp.rollbacks != 1 || cp.releases != 0 {
		t.Errorf("expected 1 rollback / 0 releases, got %d / %d", cp.rollbacks, cp.releases)
	}
	if len(reporter.failures) != 1 {
		t.Errorf("expected reporter to receive 1 failure, got %d", len(reporter.failures))
	}
}

func TestSubmit_ErrorHandlingDisabledKeepsPartial(t *testing.T) {
	bad := record("task")
	st := &fakeStore{failIDs: map[id.ID]error{bad.ID: errors.New("rejected")}}
	cp := &fakeCheckpointer{}
	flags := settings.NewInMemory()
	flags.SetFlag(settings.FlagErrorHandlingDisabled, true)
	s := NewSubmitter(st, cp, flags, &fakeReporter{})

	b := NewBatch()
	b.AddUpdate(record("task"))
	b.AddUpdate(bad)

	report, err := s.Submit(context.Background(), b, true)
	if err != nil {
		t.Fatalf("disabled error handling must not fail the batch: %v", err)
	}
	if len(report.Failures) != 1 {
		t.Errorf("report must still carry the failure, got %d", len(report.Failures))
	}
	if cp.rollbacks != 0 || cp.releases != 1 {
		t.Errorf("expected 0 rollbacks / 1 release, got %d / %d", cp.rollbacks, cp.releases)
	}
}

func TestSubmit_NoRollbackWhenDisabledByCaller(t *testing.T) {
	bad := record("task")
	st := &fakeStore{failIDs: map[id.ID]error{bad.ID: errors.New("rejected")}}
	cp := &fakeCheckpointer{}
	s := NewSubmitter(st, cp, settings.NewInMemory(), &fakeReporter{})

	b := NewBatch()
	b.AddUpdate(bad)

	report, err := s.Submit(context.Background(), b, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.HasErrors() {
		t.Error("report must carry the failure")
	}
	if cp.rollbacks != 0 {
		t.Errorf("expected no rollback, got %d", cp.rollbacks)
	}
}

func TestSubmit_SplitsNotifyGroups(t *testing.T) {
	st := &fakeStore{}
	s := NewSubmitter(st, &fakeCheckpointer{}, settings.NewInMemory(), nil)

	b := NewBatch()
	b.AddUpdate(record("task"), WithNotify(true))
	b.AddUpdate(record("task"))
	b.AddUpdate(record("task"), WithNotify(true))
	b.AddUpdate(record("task"))

	if _, err := s.Submit(context.Background(), b, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.calls) != 2 {
		t.Fatalf("expected 2 store calls (silent + notifying), got %d", len(st.calls))
	}
	if st.calls[0].opts.Notify || !st.calls[1].opts.Notify {
		t.Errorf("expected silent group first, notifying second: %+v", st.calls)
	}
	if len(st.calls[0].records) != 2 || len(st.calls[1].records) != 2 {
		t.Errorf("expected 2 records per group, got %d and %d",
			len(st.calls[0].records), len(st.calls[1].records))
	}
}

func TestSubmit_GroupsByKind(t *testing.T) {
	st := &fakeStore{}
	s := NewSubmitter(st, &fakeCheckpointer{}, settings.NewInMemory(), nil)

	b := NewBatch()
	b.AddUpdate(record("task"))
	b.AddUpdate(record("approval"))
	b.AddUpdate(record("task"))

	if _, err := s.Submit(context.Background(), b, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.calls) != 2 {
		t.Fatalf("expected 2 store calls, got %d", len(st.calls))
	}
	if st.calls[0].kind != "approval" || st.calls[1].kind != "task" {
		t.Errorf("expected kinds grouped and sorted, got %s then %s",
			st.calls[0].kind, st.calls[1].kind)
	}
	if len(st.calls[1].records) != 2 {
		t.Errorf("expected both task updates in one call, got %d", len(st.calls[1].records))
	}
}

func TestCollect_DropsSuccesses(t *testing.T) {
	ok := record("task")
	bad := record("task")

	report := Collect(
		store.Outcome{Record: ok},
		store.Outcome{Record: bad, Err: errors.New("version conflict")},
	)

	if len(report.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(report.Failures))
	}
	if report.Failures[0].Record.ID != bad.ID {
		t.Error("failure references wrong record")
	}
	if len(report.Failures[0].Messages) != 1 || report.Failures[0].Messages[0] != "version conflict" {
		t.Errorf("unexpected messages: %v", report.Failures[0].Messages)
	}
}

func TestBatch_Merge(t *testing.T) {
	a := NewBatch()
	a.AddCreate(record("task"))

	b := NewBatch()
	b.AddCreate(record("task"))
	b.AddDelete(record("task"))

	a.Merge(b)
	a.Merge(nil)

	if a.Len() != 3 {
		t.Errorf("expected merged length 3, got %d", a.Len())
	}
}

func TestBatch_DeleteRestoreSyncDeletionMark(t *testing.T) {
	rec := record("task")

	b := NewBatch()
	b.AddDelete(rec)
	if !rec.DeletionMark {
		t.Error("AddDelete must mark the snapshot deleted")
	}

	b.AddRestore(rec)
	if rec.DeletionMark {
		t.Error("AddRestore must clear the deletion mark")
	}
}
