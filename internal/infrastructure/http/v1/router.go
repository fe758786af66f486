// Package v1 provides HTTP API version 1.
package v1

import (
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"trigon/internal/core/settings"
	"trigon/internal/core/tenant"
	"trigon/internal/core/tx"
	"trigon/internal/engine/dispatch"
	"trigon/internal/engine/mutation"
	"trigon/internal/engine/registry"
	"trigon/internal/infrastructure/http/v1/handlers"
	"trigon/internal/infrastructure/http/v1/middleware"
	"trigon/internal/infrastructure/storage/postgres"
	"trigon/pkg/logger"
)

// RouterConfig holds router configuration for multi-tenant architecture.
type RouterConfig struct {
	// TenantManager manages database connections for all tenants
	TenantManager *tenant.Manager

	// MetaPool is connection to meta-database (for health checks)
	MetaPool *pgxpool.Pool

	// Logger for request logging
	Logger *logger.Logger

	// Factories resolves handler names to implementations
	Factories *dispatch.Factories

	// Conditions evaluates descriptor condition expressions
	Conditions *registry.Conditions

	// Settings provides operator kill-switch flags
	Settings settings.Provider

	// Defaults are the built-in descriptors seeded on first dispatch
	Defaults []registry.Descriptor

	// Tables maps entity kind to its physical table
	Tables map[string]string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no tenant required)
	healthHandler := handlers.NewHealthHandler(cfg.MetaPool, cfg.TenantManager)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
		health.GET("/tenants", healthHandler.TenantsStats)
	}

	// API v1 - everything below needs a tenant database
	api := router.Group("/api/v1")
	api.Use(middleware.TenantDB(cfg.TenantManager))
	api.Use(middleware.Origin())

	baseHandler := handlers.NewBaseHandler()

	dispatchHandler := handlers.NewDispatchHandler(baseHandler, engineFactory(cfg))
	api.POST("/dispatch", dispatchHandler.Dispatch)

	registryHandler := handlers.NewRegistryHandler(baseHandler, cfg.Factories)
	api.GET("/handlers", registryHandler.List)
	api.POST("/handlers", registryHandler.Install)

	return router
}

// seeders caches one Seeder per tenant so its seeded flag really is
// process-lifetime: without the cache every dispatch would pay the
// is-empty query and concurrent first dispatches would race on install.
// The shared registry repo resolves its querier from the request context,
// so one instance serves every tenant's transaction.
type seeders struct {
	mu        sync.Mutex
	byTenant  map[string]*registry.Seeder
	lookup    registry.Lookup
	installer registry.Installer
	defaults  []registry.Descriptor
}

func newSeeders(lookup registry.Lookup, installer registry.Installer, defaults []registry.Descriptor) *seeders {
	return &seeders{
		byTenant:  make(map[string]*registry.Seeder),
		lookup:    lookup,
		installer: installer,
		defaults:  defaults,
	}
}

func (s *seeders) forTenant(tenantID string) *registry.Seeder {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.byTenant[tenantID]
	if !ok {
		sd = registry.NewSeeder(s.lookup, s.installer, s.defaults)
		s.byTenant[tenantID] = sd
	}
	return sd
}

// engineFactory wires a dispatch engine per request against the tenant pool
// resolved by the TenantDB middleware. Repositories are cheap structs; the
// expensive parts (pool, condition programs, factories, seeders) are shared.
func engineFactory(cfg RouterConfig) handlers.EngineFactory {
	// The seeding repo runs inside the dispatch transaction only, so it
	// carries no pool of its own and works across tenants.
	seedRepo := postgres.NewRegistryRepo(postgres.NewContextTxManager())
	seedCache := newSeeders(seedRepo, seedRepo, cfg.Defaults)

	return func(c *gin.Context) (*dispatch.Engine, tx.Manager, error) {
		ctx := c.Request.Context()

		txm := middleware.GetTxManagerFromContext(c)
		if txm == nil {
			return nil, nil, fmt.Errorf("no tx manager in context")
		}
		rawPool, err := tenant.GetPool(ctx)
		if err != nil {
			return nil, nil, err
		}

		recordStore := postgres.NewRecordStore(txm, cfg.Tables, postgres.NewOutboxNotifier(txm))
		reporter := postgres.NewErrorLog(postgres.WrapPool(rawPool))
		submitter := mutation.NewSubmitter(recordStore, txm, cfg.Settings, reporter)

		engine := dispatch.New(dispatch.Config{
			Lookup:     postgres.NewRegistryRepo(txm),
			Factories:  cfg.Factories,
			Conditions: cfg.Conditions,
			Store:      recordStore,
			Submitter:  submitter,
			Queue:      postgres.NewDeferredJobs(txm),
			Settings:   cfg.Settings,
			Seeder:     seedCache.forTenant(tenant.GetTenantID(ctx)),
		})
		return engine, txm, nil
	}
}
