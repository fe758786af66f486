package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"trigon/internal/core/entity"
	"trigon/internal/core/id"
	"trigon/internal/core/settings"
	"trigon/internal/core/tx"
	"trigon/internal/engine/deferred"
	"trigon/internal/engine/dispatch"
	"trigon/internal/engine/event"
	"trigon/internal/engine/mutation"
	"trigon/internal/engine/registry"
	"trigon/internal/engine/store"
	"trigon/internal/infrastructure/http/v1/middleware"
)

// Mock objects

type memQueue struct {
	jobs []deferred.Job
}

func (q *memQueue) Enqueue(ctx context.Context, job deferred.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type rejectingStore struct {
	failIDs map[id.ID]bool
}

func (s *rejectingStore) Apply(ctx context.Context, op store.Operation, kind string, records []*entity.Record, opts store.Options) ([]store.Outcome, error) {
	outcomes := make([]store.Outcome, 0, len(records))
	for _, rec := range records {
		var err error
		if s.failIDs[rec.ID] {
			err = fmt.Errorf("record rejected")
		}
		outcomes = append(outcomes, store.Outcome{Record: rec, Err: err})
	}
	return outcomes, nil
}

func (s *rejectingStore) GetByIDs(ctx context.Context, kind string, ids []id.ID) ([]*entity.Record, error) {
	return nil, nil
}

type noopCheckpoint struct{}

func (noopCheckpoint) Rollback(ctx context.Context) error { return nil }
func (noopCheckpoint) Release(ctx context.Context) error  { return nil }

type noopCheckpointer struct{}

func (noopCheckpointer) Checkpoint(ctx context.Context) (tx.Checkpoint, error) {
	return noopCheckpoint{}, nil
}

// txBoundary mimics the transactional scope of a dispatch request: when the
// closure reports an error, everything enqueued inside it is discarded.
type txBoundary struct {
	queue      *memQueue
	rolledBack bool
}

func (b *txBoundary) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	mark := len(b.queue.jobs)
	if err := fn(ctx); err != nil {
		b.queue.jobs = b.queue.jobs[:mark]
		b.rolledBack = true
		return err
	}
	return nil
}

func installDescriptors(t *testing.T, reg *registry.Memory, descriptors []registry.Descriptor) {
	t.Helper()
	if err := reg.Install(context.Background(), descriptors); err != nil {
		t.Fatalf("install descriptors: %v", err)
	}
}

func newDispatchServer(engine *dispatch.Engine, boundary *txBoundary) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandler())

	h := NewDispatchHandler(NewBaseHandler(), func(c *gin.Context) (*dispatch.Engine, tx.Manager, error) {
		return engine, boundary, nil
	})
	router.POST("/dispatch", h.Dispatch)
	return router
}

func postDispatch(t *testing.T, router *gin.Engine, after *entity.Record) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"kind":   "task",
		"action": string(event.AfterUpdate),
		"after": []map[string]any{
			{"id": after.ID.String(), "version": after.Version},
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

var taskBindings = []registry.Binding{{Kind: "task", Action: event.AfterUpdate}}

func TestDispatch_BatchFailureKeepsDeferredJobs(t *testing.T) {
	reg := registry.NewMemory()
	installDescriptors(t, reg, []registry.Descriptor{
		{Name: "audit", Rank: 10, Active: true, Async: true, Bindings: taskBindings},
		{Name: "writer", Rank: 20, Active: true, Bindings: taskBindings},
	})

	rejected := entity.NewRecord("task")
	factories := dispatch.NewFactories()
	factories.Register("audit", func() dispatch.Handler {
		return dispatch.HandlerFunc(func(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
			t.Error("async handler must be deferred, not run inline")
			return nil, nil
		})
	})
	factories.Register("writer", func() dispatch.Handler {
		return dispatch.HandlerFunc(func(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
			b := mutation.NewBatch()
			b.AddUpdate(rejected)
			return b, nil
		})
	})

	queue := &memQueue{}
	st := &rejectingStore{failIDs: map[id.ID]bool{rejected.ID: true}}
	flags := settings.NewInMemory()
	engine := dispatch.New(dispatch.Config{
		Lookup:    reg,
		Factories: factories,
		Store:     st,
		Submitter: mutation.NewSubmitter(st, noopCheckpointer{}, flags, nil),
		Queue:     queue,
		Settings:  flags,
	})
	boundary := &txBoundary{queue: queue}
	router := newDispatchServer(engine, boundary)

	w := postDispatch(t, router, entity.NewRecord("task"))

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}

	var resp struct {
		Code     string `json:"code"`
		Failures []struct {
			RecordID string `json:"recordId"`
		} `json:"failures"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "MUTATION_BATCH_FAILED" {
		t.Errorf("code = %q, want MUTATION_BATCH_FAILED", resp.Code)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].RecordID != rejected.ID.String() {
		t.Errorf("failures = %+v, want the rejected record", resp.Failures)
	}

	// The batch rollback is confined to its checkpoint: the dispatch
	// transaction commits, keeping the jobs that were already handed off.
	if boundary.rolledBack {
		t.Error("batch failure must not abort the dispatch transaction")
	}
	if len(queue.jobs) != 1 || queue.jobs[0].Handler != "audit" {
		t.Fatalf("deferred jobs = %+v, want the handed-off audit job", queue.jobs)
	}
}

func TestDispatch_HandlerErrorRollsBackDeferredJobs(t *testing.T) {
	reg := registry.NewMemory()
	installDescriptors(t, reg, []registry.Descriptor{
		{Name: "audit", Rank: 10, Active: true, Async: true, Bindings: taskBindings},
		{Name: "writer", Rank: 20, Active: true, Bindings: taskBindings},
	})

	factories := dispatch.NewFactories()
	factories.Register("audit", func() dispatch.Handler {
		return dispatch.HandlerFunc(func(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
			return nil, nil
		})
	})
	factories.Register("writer", func() dispatch.Handler {
		return dispatch.HandlerFunc(func(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
			return nil, errors.New("handler exploded")
		})
	})

	queue := &memQueue{}
	st := &rejectingStore{}
	flags := settings.NewInMemory()
	engine := dispatch.New(dispatch.Config{
		Lookup:    reg,
		Factories: factories,
		Store:     st,
		Submitter: mutation.NewSubmitter(st, noopCheckpointer{}, flags, nil),
		Queue:     queue,
		Settings:  flags,
	})
	boundary := &txBoundary{queue: queue}
	router := newDispatchServer(engine, boundary)

	w := postDispatch(t, router, entity.NewRecord("task"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !boundary.rolledBack {
		t.Error("handler error must abort the dispatch transaction")
	}
	if len(queue.jobs) != 0 {
		t.Errorf("deferred jobs = %+v, want none after rollback", queue.jobs)
	}
}
