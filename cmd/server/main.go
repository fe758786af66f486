// Package main is the entry point for the trigon dispatch API server.
// Multi-tenant architecture: Database-per-Tenant.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"trigon/internal/core/settings"
	"trigon/internal/core/tenant"
	"trigon/internal/engine/dispatch"
	"trigon/internal/engine/event"
	"trigon/internal/engine/registry"
	"trigon/internal/handlers/cascade"
	"trigon/internal/infrastructure/cache"
	v1 "trigon/internal/infrastructure/http/v1"
	"trigon/internal/infrastructure/storage/postgres"
	"trigon/pkg/logger"
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

	ctx := context.Background()
	log.Info("starting trigon server (multi-tenant mode)")

	// --- Meta-database connection ---
	metaDSN := mustEnv("META_DATABASE_URL")
	metaPool, err := pgxpool.New(ctx, metaDSN)
	if err != nil {
		log.Fatalw("failed to connect to meta database", "error", err)
	}
	defer metaPool.Close()

	if err := metaPool.Ping(ctx); err != nil {
		log.Fatalw("failed to ping meta database", "error", err)
	}
	log.Info("meta database connection established")

	// --- Tenant Registry and Manager ---
	tenantRegistry := tenant.NewPostgresRegistry(metaPool)

	managerCfg := tenant.DefaultManagerConfig()
	managerCfg.DBUser = mustEnv("TENANT_DB_USER")
	managerCfg.DBPassword = mustEnv("TENANT_DB_PASSWORD")
	managerCfg.SSLMode = getEnv("TENANT_DB_SSLMODE", "disable")

	if maxPools := getEnvInt("TENANT_MAX_POOLS", 100); maxPools > 0 {
		managerCfg.MaxTotalPools = maxPools
	}
	if maxConns := getEnvInt("TENANT_MAX_CONNS_PER_POOL", 10); maxConns > 0 {
		managerCfg.MaxConnsPerTenant = int32(maxConns)
	}
	if idleTimeout := getEnvDuration("TENANT_POOL_IDLE_TIMEOUT", 30*time.Minute); idleTimeout > 0 {
		managerCfg.PoolIdleTimeout = idleTimeout
	}

	tenantManager := tenant.NewManager(managerCfg, tenantRegistry, log)
	defer tenantManager.Close()

	log.Infow("tenant manager initialized",
		"max_pools", managerCfg.MaxTotalPools,
		"max_conns_per_tenant", managerCfg.MaxConnsPerTenant,
		"idle_timeout", managerCfg.PoolIdleTimeout,
	)

	// --- Dispatch engine collaborators (shared across tenants) ---
	factories := dispatch.NewFactories()
	registerHandlers(factories)

	conditions, err := registry.NewConditions()
	if err != nil {
		log.Fatalw("failed to build condition evaluator", "error", err)
	}

	flags, stopFlags, err := buildSettings(ctx, metaPool, log)
	if err != nil {
		log.Fatalw("failed to initialize settings provider", "error", err)
	}
	defer stopFlags()

	defaults, err := defaultDescriptors()
	if err != nil {
		log.Fatalw("failed to load handler configuration", "error", err)
	}

	// --- Router ---
	router := v1.NewRouter(v1.RouterConfig{
		TenantManager: tenantManager,
		MetaPool:      metaPool,
		Logger:        log,
		Factories:     factories,
		Conditions:    conditions,
		Settings:      flags,
		Defaults:      defaults,
		Tables:        entityTables(),
	})

	// --- HTTP Server ---
	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port, "mode", "multi-tenant")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

// buildSettings picks the settings provider. With SETTINGS_FROM_DB=true
// flags live in sys_settings on the meta database and update live via
// LISTEN/NOTIFY; otherwise they are fixed from the environment at boot.
func buildSettings(ctx context.Context, metaPool *pgxpool.Pool, log *logger.Logger) (settings.Provider, func(), error) {
	if getEnv("SETTINGS_FROM_DB", "false") == "true" {
		flagsCache := cache.NewFlagsCache(metaPool, log)
		if err := flagsCache.Start(ctx); err != nil {
			return nil, nil, err
		}
		log.Info("settings provider: database-backed")
		return flagsCache, flagsCache.Stop, nil
	}

	flags := settings.NewInMemory()
	flags.SetFlag(settings.FlagDispatchDisabled, getEnv("DISPATCH_DISABLED", "false") == "true")
	flags.SetFlag(settings.FlagErrorHandlingDisabled, getEnv("ERROR_HANDLING_DISABLED", "false") == "true")
	return flags, func() {}, nil
}

// registerHandlers binds handler names to implementations. Repos built on a
// context-only TxManager always use the transaction of the dispatching
// tenant, so one registration serves every tenant database.
func registerHandlers(factories *dispatch.Factories) {
	ctxTxm := postgres.NewContextTxManager()
	templates := postgres.NewTemplateRepo(ctxTxm)
	tasks := postgres.NewTaskRepo(ctxTxm, "tasks")
	factories.Register(cascade.HandlerName, cascade.Factory(templates, tasks))
}

// defaultDescriptors returns the descriptors seeded into an empty tenant
// registry: the HANDLERS_CONFIG file when set, built-ins otherwise.
func defaultDescriptors() ([]registry.Descriptor, error) {
	if path := os.Getenv("HANDLERS_CONFIG"); path != "" {
		return registry.LoadConfig(path)
	}
	return []registry.Descriptor{
		{
			Name:   cascade.HandlerName,
			Rank:   100,
			Active: true,
			Async:  true,
			Bindings: []registry.Binding{
				{Kind: cascade.KindTask, Action: event.AfterUpdate},
			},
		},
	}, nil
}

// entityTables maps entity kinds to their physical tables.
func entityTables() map[string]string {
	return map[string]string{
		cascade.KindTask: "tasks",
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
