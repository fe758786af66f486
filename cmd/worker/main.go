// Package main is the entry point for the trigon background worker.
// Multi-tenant architecture: processes deferred jobs for all tenants.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	appctx "trigon/internal/core/context"
	"trigon/internal/core/settings"
	"trigon/internal/core/tenant"
	"trigon/internal/engine/dispatch"
	"trigon/internal/engine/mutation"
	"trigon/internal/engine/registry"
	"trigon/internal/handlers/cascade"
	"trigon/internal/infrastructure/cache"
	"trigon/internal/infrastructure/storage/postgres"
	"trigon/pkg/logger"
)

const (
	claimBatchSize = 20
	maxJobAttempts = 5
	retryDelay     = 30 * time.Second
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting trigon multi-tenant worker")

	metaPool, err := pgxpool.New(ctx, mustEnv("META_DATABASE_URL"))
	if err != nil {
		log.Fatalw("failed to connect to meta database", "error", err)
	}
	defer metaPool.Close()

	tenantRegistry := tenant.NewPostgresRegistry(metaPool)

	managerCfg := tenant.DefaultManagerConfig()
	managerCfg.DBUser = mustEnv("TENANT_DB_USER")
	managerCfg.DBPassword = mustEnv("TENANT_DB_PASSWORD")
	managerCfg.SSLMode = getEnv("TENANT_DB_SSLMODE", "disable")
	managerCfg.PoolIdleTimeout = 10 * time.Minute // Shorter for worker

	manager := tenant.NewManager(managerCfg, tenantRegistry, log)
	defer manager.Close()

	// Shared dispatch collaborators.
	factories := dispatch.NewFactories()
	ctxTxm := postgres.NewContextTxManager()
	factories.Register(cascade.HandlerName,
		cascade.Factory(postgres.NewTemplateRepo(ctxTxm), postgres.NewTaskRepo(ctxTxm, "tasks")))

	conditions, err := registry.NewConditions()
	if err != nil {
		log.Fatalw("failed to build condition evaluator", "error", err)
	}

	var flags settings.Provider
	if getEnv("SETTINGS_FROM_DB", "false") == "true" {
		flagsCache := cache.NewFlagsCache(metaPool, log)
		if err := flagsCache.Start(ctx); err != nil {
			log.Fatalw("failed to initialize settings cache", "error", err)
		}
		defer flagsCache.Stop()
		flags = flagsCache
	} else {
		inMem := settings.NewInMemory()
		inMem.SetFlag(settings.FlagDispatchDisabled, getEnv("DISPATCH_DISABLED", "false") == "true")
		inMem.SetFlag(settings.FlagErrorHandlingDisabled, getEnv("ERROR_HANDLING_DISABLED", "false") == "true")
		flags = inMem
	}

	worker := NewMultiTenantWorker(manager, factories, conditions, flags, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// MultiTenantWorker processes deferred dispatch jobs for all tenants.
type MultiTenantWorker struct {
	manager    *tenant.Manager
	factories  *dispatch.Factories
	conditions *registry.Conditions
	flags      settings.Provider
	log        *logger.Logger
}

func NewMultiTenantWorker(manager *tenant.Manager, factories *dispatch.Factories,
	conditions *registry.Conditions, flags settings.Provider, log *logger.Logger) *MultiTenantWorker {
	return &MultiTenantWorker{
		manager:    manager,
		factories:  factories,
		conditions: conditions,
		flags:      flags,
		log:        log.WithComponent("worker"),
	}
}

// Run starts worker goroutines for all active tenants and keeps the set in
// sync with the tenant registry.
func (w *MultiTenantWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	var wg sync.WaitGroup
	tenantContexts := make(map[string]context.CancelFunc) // tenant_id -> cancel
	var mu sync.Mutex

	w.refreshTenants(ctx, &wg, tenantContexts, &mu)

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			for _, cancel := range tenantContexts {
				cancel()
			}
			mu.Unlock()
			wg.Wait()
			return

		case <-ticker.C:
			w.refreshTenants(ctx, &wg, tenantContexts, &mu)
		}
	}
}

func (w *MultiTenantWorker) refreshTenants(ctx context.Context, wg *sync.WaitGroup, tenantContexts map[string]context.CancelFunc, mu *sync.Mutex) {
	tenants, err := w.manager.GetActiveTenants(ctx)
	if err != nil {
		w.log.Errorw("failed to get active tenants", "error", err)
		return
	}

	activeTenants := make(map[string]*tenant.Tenant, len(tenants))
	for _, t := range tenants {
		activeTenants[t.ID] = t
	}

	mu.Lock()
	defer mu.Unlock()

	for tenantID, cancel := range tenantContexts {
		if _, active := activeTenants[tenantID]; !active {
			cancel()
			delete(tenantContexts, tenantID)
			w.log.Infow("stopped worker for inactive tenant", "tenant_id", tenantID)
		}
	}

	for _, t := range tenants {
		if _, exists := tenantContexts[t.ID]; !exists {
			tenantCtx, tenantCancel := context.WithCancel(ctx)
			tenantContexts[t.ID] = tenantCancel

			wg.Add(1)
			go func(t *tenant.Tenant) {
				defer wg.Done()
				w.runTenantWorker(tenantCtx, t)
			}(t)

			w.log.Infow("started worker for tenant", "tenant_id", t.ID)
		}
	}
}

func (w *MultiTenantWorker) runTenantWorker(ctx context.Context, t *tenant.Tenant) {
	mp, err := w.manager.GetPool(ctx, t.ID)
	if err != nil {
		w.log.Errorw("failed to get pool for tenant", "tenant_id", t.ID, "error", err)
		return
	}

	txManager := postgres.NewTxManagerFromRawPool(mp.Pool())
	queue := postgres.NewDeferredJobs(txManager)

	recordStore := postgres.NewRecordStore(txManager, map[string]string{cascade.KindTask: "tasks"},
		postgres.NewOutboxNotifier(txManager))
	submitter := mutation.NewSubmitter(recordStore, txManager, w.flags,
		postgres.NewErrorLog(postgres.WrapPool(mp.Pool())))

	engine := dispatch.New(dispatch.Config{
		Lookup:     postgres.NewRegistryRepo(txManager),
		Factories:  w.factories,
		Conditions: w.conditions,
		Store:      recordStore,
		Submitter:  submitter,
		Queue:      queue,
		Settings:   w.flags,
	})

	// Worker-originated mutations carry the worker identity.
	ctx = appctx.WithOrigin(ctx, &appctx.Origin{TenantID: t.ID, Source: "worker"})

	pollInterval := getEnvDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	outboxTicker := time.NewTicker(2 * time.Second)
	defer outboxTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Infow("stopping worker for tenant", "tenant_id", t.ID)
			return
		case <-ticker.C:
			w.processDeferredJobs(ctx, engine, queue, txManager, t.ID)
		case <-outboxTicker.C:
			w.publishOutbox(ctx, mp.Pool(), t.ID)
		}
	}
}

// processDeferredJobs claims due jobs and runs each in its own transaction.
// A failed job is retried with a delay until the attempt limit.
func (w *MultiTenantWorker) processDeferredJobs(ctx context.Context, engine *dispatch.Engine, queue *postgres.DeferredJobs, txManager *postgres.TxManager, tenantID string) {
	jobs, err := queue.Claim(ctx, claimBatchSize)
	if err != nil {
		w.log.Errorw("failed to claim deferred jobs", "tenant_id", tenantID, "error", err)
		return
	}

	for _, job := range jobs {
		job := job
		runErr := txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			return engine.RunDeferred(ctx, job)
		})
		if runErr != nil {
			w.log.Warnw("deferred job failed",
				"tenant_id", tenantID, "job_id", job.ID, "handler", job.Handler,
				"attempt", job.Attempts, "error", runErr)
			if err := queue.MarkFailed(ctx, job.ID, runErr, maxJobAttempts, retryDelay); err != nil {
				w.log.Errorw("failed to mark job failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		if err := queue.MarkDone(ctx, job.ID); err != nil {
			w.log.Errorw("failed to mark job done", "job_id", job.ID, "error", err)
		}
	}

	if len(jobs) > 0 {
		w.log.Debugw("processed deferred batch", "tenant_id", tenantID, "count", len(jobs))
	}
}

// publishOutbox drains pending notification events. Actual delivery channels
// (mail, webhooks) subscribe downstream; here events are handed to the log
// sink and marked published so they are delivered at most once.
func (w *MultiTenantWorker) publishOutbox(ctx context.Context, pool *pgxpool.Pool, tenantID string) {
	tag, err := pool.Exec(ctx, `
		UPDATE sys_outbox SET status = 'published', published_at = now()
		WHERE id IN (
			SELECT id FROM sys_outbox
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 100
			FOR UPDATE SKIP LOCKED
		)
	`)
	if err != nil {
		w.log.Debugw("outbox publish failed", "tenant_id", tenantID, "error", err)
		return
	}

	if tag.RowsAffected() > 0 {
		w.log.Infow("published notification events", "tenant_id", tenantID, "count", tag.RowsAffected())
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
