package dispatch

import (
	"context"
	"errors"
	"testing"

	"trigon/internal/core/entity"
	"trigon/internal/core/id"
	"trigon/internal/core/settings"
	"trigon/internal/core/tx"
	"trigon/internal/engine/deferred"
	"trigon/internal/engine/event"
	"trigon/internal/engine/mutation"
	"trigon/internal/engine/registry"
	"trigon/internal/engine/store"
)

// Mock objects

type fakeStore struct {
	applied []*entity.Record
	byID    map[id.ID]*entity.Record
}

func (s *fakeStore) Apply(ctx context.Context, op store.Operation, kind string, records []*entity.Record, opts store.Options) ([]store.Outcome, error) {
	s.applied = append(s.applied, records...)
	outcomes := make([]store.Outcome, 0, len(records))
	for _, rec := range records {
		outcomes = append(outcomes, store.Outcome{Record: rec})
	}
	return outcomes, nil
}

func (s *fakeStore) GetByIDs(ctx context.Context, kind string, ids []id.ID) ([]*entity.Record, error) {
	var out []*entity.Record
	for _, recID := range ids {
		if rec, ok := s.byID[recID]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeCheckpointer struct{}

func (fakeCheckpointer) Checkpoint(ctx context.Context) (tx.Checkpoint, error) {
	return fakeCheckpoint{}, nil
}

type fakeCheckpoint struct{}

func (fakeCheckpoint) Rollback(ctx context.Context) error { return nil }
func (fakeCheckpoint) Release(ctx context.Context) error  { return nil }

type fakeQueue struct {
	jobs []deferred.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job deferred.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

// testEngine wires an engine over in-memory collaborators.
type testEngine struct {
	engine    *Engine
	store     *fakeStore
	queue     *fakeQueue
	registry  *registry.Memory
	factories *Factories
	flags     *settings.InMemory
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	st := &fakeStore{byID: make(map[id.ID]*entity.Record)}
	queue := &fakeQueue{}
	mem := registry.NewMemory()
	factories := NewFactories()
	flags := settings.NewInMemory()

	conditions, err := registry.NewConditions()
	if err != nil {
		t.Fatalf("NewConditions failed: %v", err)
	}

	engine := New(Config{
		Lookup:     mem,
		Factories:  factories,
		Conditions: conditions,
		Store:      st,
		Submitter:  mutation.NewSubmitter(st, fakeCheckpointer{}, flags, nil),
		Queue:      queue,
		Settings:   flags,
	})

	return &testEngine{
		engine:    engine,
		store:     st,
		queue:     queue,
		registry:  mem,
		factories: factories,
		flags:     flags,
	}
}

func (te *testEngine) install(t *testing.T, descriptors ...registry.Descriptor) {
	t.Helper()
	if err := te.registry.Install(context.Background(), descriptors); err != nil {
		t.Fatalf("install descriptors: %v", err)
	}
}

func taskDescriptor(name string, rank int, mutate func(*registry.Descriptor)) registry.Descriptor {
	d := registry.Descriptor{
		Name:   name,
		Rank:   rank,
		Active: true,
		Bindings: []registry.Binding{
			{Kind: "task", Action: event.AfterUpdate},
		},
	}
	if mutate != nil {
		mutate(&d)
	}
	return d
}

func countingHandler(invocations *[]string, name string) Factory {
	return func() Handler {
		return HandlerFunc(func(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
			*invocations = append(*invocations, name)
			return mutation.NewBatch(), nil
		})
	}
}

var taskEntity = entity.Descriptor{Kind: "task"}

func TestDispatch_KillSwitch(t *testing.T) {
	te := newTestEngine(t)
	var invoked []string
	te.factories.Register("h", countingHandler(&invoked, "h"))
	te.install(t, taskDescriptor("h", 10, nil))
	te.flags.SetFlag(settings.FlagDispatchDisabled, true)

	rec := entity.NewRecord("task")
	report, err := te.engine.Dispatch(context.Background(), nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.HasErrors() {
		t.Error("expected empty report")
	}
	if len(invoked) != 0 {
		t.Errorf("kill switch must prevent handler invocation, got %v", invoked)
	}
}

func TestDispatch_NoDescriptorsIsNoop(t *testing.T) {
	te := newTestEngine(t)

	rec := entity.NewRecord("task")
	report, err := te.engine.Dispatch(context.Background(), nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.HasErrors() {
		t.Error("expected empty report")
	}
}

func TestDispatch_RankOrder(t *testing.T) {
	te := newTestEngine(t)
	var invoked []string
	te.factories.Register("second", countingHandler(&invoked, "second"))
	te.factories.Register("first", countingHandler(&invoked, "first"))
	te.install(t,
		taskDescriptor("second", 20, nil),
		taskDescriptor("first", 10, nil),
	)

	rec := entity.NewRecord("task")
	if _, err := te.engine.Dispatch(context.Background(), nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(invoked) != 2 || invoked[0] != "first" || invoked[1] != "second" {
		t.Errorf("expected rank order [first second], got %v", invoked)
	}
}

func TestDispatch_InactiveSkipped(t *testing.T) {
	te := newTestEngine(t)
	var invoked []string
	te.factories.Register("h", countingHandler(&invoked, "h"))
	te.install(t, taskDescriptor("h", 10, func(d *registry.Descriptor) { d.Active = false }))

	rec := entity.NewRecord("task")
	if _, err := te.engine.Dispatch(context.Background(), nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invoked) != 0 {
		t.Errorf("inactive handler must not run, got %v", invoked)
	}
}

func TestDispatch_Conditions(t *testing.T) {
	tests := []struct {
		name       string
		condition  string
		wantInvoke bool
	}{
		{name: "matching", condition: `kind == "task"`, wantInvoke: true},
		{name: "non-matching", condition: `kind == "invoice"`, wantInvoke: false},
		{name: "attribute match", condition: `after.exists(r, r.status == "completed")`, wantInvoke: true},
		{name: "broken expression skips", condition: `1 +`, wantInvoke: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t)
			var invoked []string
			te.factories.Register("h", countingHandler(&invoked, "h"))
			te.install(t, taskDescriptor("h", 10, func(d *registry.Descriptor) { d.Condition = tt.condition }))

			rec := entity.NewRecord("task")
			rec.Attributes.Set("status", "completed")

			_, err := te.engine.Dispatch(context.Background(), nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := len(invoked) > 0; got != tt.wantInvoke {
				t.Errorf("invoked = %v, want %v", got, tt.wantInvoke)
			}
		})
	}
}

func TestDispatch_AsyncDefersAfterPhase(t *testing.T) {
	te := newTestEngine(t)
	var invoked []string
	te.factories.Register("h", countingHandler(&invoked, "h"))
	te.install(t, taskDescriptor("h", 10, func(d *registry.Descriptor) { d.Async = true }))

	before := entity.NewRecord("task")
	after := entity.NewRecord("task")
	_, err := te.engine.Dispatch(context.Background(), []*entity.Record{before}, []*entity.Record{after}, event.AfterUpdate, taskEntity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(invoked) != 0 {
		t.Errorf("async handler must not run synchronously, got %v", invoked)
	}
	if len(te.queue.jobs) != 1 {
		t.Fatalf("expected 1 deferred job, got %d", len(te.queue.jobs))
	}

	job := te.queue.jobs[0]
	if job.Handler != "h" || job.EntityKind != "task" || job.Action != string(event.AfterUpdate) {
		t.Errorf("unexpected job: %+v", job)
	}
	if len(job.BeforeIDs) != 1 || job.BeforeIDs[0] != before.ID {
		t.Errorf("job must carry before IDs, got %v", job.BeforeIDs)
	}
	if len(job.AfterIDs) != 1 || job.AfterIDs[0] != after.ID {
		t.Errorf("job must carry after IDs, got %v", job.AfterIDs)
	}
}

func TestDispatch_AsyncRunsInlineInDeferredScope(t *testing.T) {
	te := newTestEngine(t)
	var invoked []string
	te.factories.Register("h", countingHandler(&invoked, "h"))
	te.install(t, taskDescriptor("h", 10, func(d *registry.Descriptor) { d.Async = true }))

	ctx := deferred.WithScope(context.Background())
	rec := entity.NewRecord("task")
	if _, err := te.engine.Dispatch(ctx, nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(invoked) != 1 {
		t.Errorf("deferred scope must run the handler inline, got %v", invoked)
	}
	if len(te.queue.jobs) != 0 {
		t.Errorf("deferred scope must not re-defer, got %d jobs", len(te.queue.jobs))
	}
}

func TestDispatch_AsyncIgnoredBeforePhase(t *testing.T) {
	te := newTestEngine(t)
	var invoked []string
	te.factories.Register("h", countingHandler(&invoked, "h"))
	te.install(t, registry.Descriptor{
		Name:   "h",
		Rank:   10,
		Active: true,
		Async:  true,
		Bindings: []registry.Binding{
			{Kind: "task", Action: event.BeforeUpdate},
		},
	})

	rec := entity.NewRecord("task")
	if _, err := te.engine.Dispatch(context.Background(), []*entity.Record{rec}, []*entity.Record{rec}, event.BeforeUpdate, taskEntity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(invoked) != 1 {
		t.Errorf("before-phase handler must run synchronously despite async flag, got %v", invoked)
	}
	if len(te.queue.jobs) != 0 {
		t.Errorf("before-phase must never defer, got %d jobs", len(te.queue.jobs))
	}
}

func TestDispatch_UnregisteredHandlerSkipped(t *testing.T) {
	te := newTestEngine(t)
	te.install(t, taskDescriptor("ghost", 10, nil))

	rec := entity.NewRecord("task")
	report, err := te.engine.Dispatch(context.Background(), nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity)
	if err != nil {
		t.Fatalf("unregistered handler must be skipped, got: %v", err)
	}
	if report.HasErrors() {
		t.Error("expected clean report")
	}
}

func TestDispatch_HandlerErrorAborts(t *testing.T) {
	te := newTestEngine(t)
	veto := errors.New("change rejected")
	te.factories.Register("veto", func() Handler {
		return HandlerFunc(func(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
			return nil, veto
		})
	})
	te.install(t, taskDescriptor("veto", 10, nil))

	rec := entity.NewRecord("task")
	_, err := te.engine.Dispatch(context.Background(), nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity)
	if !errors.Is(err, veto) {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
}

func TestDispatch_SubmitsHandlerMutations(t *testing.T) {
	te := newTestEngine(t)
	side := entity.NewRecord("task")
	te.factories.Register("h", func() Handler {
		return HandlerFunc(func(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
			b := mutation.NewBatch()
			b.AddUpdate(side)
			return b, nil
		})
	})
	te.install(t, taskDescriptor("h", 10, nil))

	rec := entity.NewRecord("task")
	if _, err := te.engine.Dispatch(context.Background(), nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(te.store.applied) != 1 || te.store.applied[0].ID != side.ID {
		t.Errorf("expected handler mutation applied, got %v", te.store.applied)
	}
}

func TestDispatch_SeedsDefaultsOnce(t *testing.T) {
	te := newTestEngine(t)
	var invoked []string
	te.factories.Register("h", countingHandler(&invoked, "h"))

	seeded := New(Config{
		Lookup:     te.registry,
		Factories:  te.factories,
		Store:      te.store,
		Submitter:  mutation.NewSubmitter(te.store, fakeCheckpointer{}, te.flags, nil),
		Queue:      te.queue,
		Settings:   te.flags,
		Seeder:     registry.NewSeeder(te.registry, te.registry, []registry.Descriptor{taskDescriptor("h", 10, nil)}),
	})

	rec := entity.NewRecord("task")
	if _, err := seeded.Dispatch(context.Background(), nil, []*entity.Record{rec}, event.AfterUpdate, taskEntity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(invoked) != 1 {
		t.Errorf("expected seeded descriptor to route the dispatch, got %v", invoked)
	}
}

func TestRunDeferred_RefetchesAndRuns(t *testing.T) {
	te := newTestEngine(t)

	current := entity.NewRecord("task")
	current.Attributes.Set("status", "completed")
	te.store.byID[current.ID] = current

	var seen []*entity.Record
	te.factories.Register("h", func() Handler {
		return HandlerFunc(func(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
			if !deferred.InDeferred(ctx) {
				t.Error("deferred run must be marked as deferred scope")
			}
			seen = ev.After
			return mutation.NewBatch(), nil
		})
	})

	job := deferred.NewJob("h", "task", string(event.AfterUpdate), nil, []id.ID{current.ID})
	if err := te.engine.RunDeferred(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(seen) != 1 || seen[0].ID != current.ID {
		t.Fatalf("expected handler to see refetched record, got %v", seen)
	}
	if seen[0].Attributes.GetString("status") != "completed" {
		t.Error("expected current record state, not the scheduled snapshot")
	}
}

func TestRunDeferred_DropsUnknownHandler(t *testing.T) {
	te := newTestEngine(t)

	job := deferred.NewJob("ghost", "task", string(event.AfterUpdate), nil, nil)
	if err := te.engine.RunDeferred(context.Background(), job); err != nil {
		t.Fatalf("stale job must be dropped without error, got: %v", err)
	}
}

func TestRunDeferred_InvalidAction(t *testing.T) {
	te := newTestEngine(t)

	job := deferred.NewJob("h", "task", "not_an_action", nil, nil)
	if err := te.engine.RunDeferred(context.Background(), job); err == nil {
		t.Fatal("expected error for unparseable action")
	}
}
