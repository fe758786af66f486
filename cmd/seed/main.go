// Package main provides a CLI tool for seeding a tenant database with
// handler descriptors and demo template data.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"trigon/internal/core/entity"
	"trigon/internal/core/id"
	"trigon/internal/engine/event"
	"trigon/internal/engine/registry"
	"trigon/internal/handlers/cascade"
	"trigon/internal/infrastructure/storage/postgres"
	"trigon/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       "info",
		Development: true,
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	poolCfg := postgres.DefaultPoolConfig(dbURL)
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	log.Info("connected to database")

	txManager := postgres.NewTxManager(pool)

	if err := seedHandlers(ctx, txManager, log); err != nil {
		log.Fatalw("failed to seed handler descriptors", "error", err)
	}

	if os.Getenv("SEED_DEMO_DATA") == "true" {
		if err := seedDemoPlan(ctx, txManager, log); err != nil {
			log.Fatalw("failed to seed demo plan", "error", err)
		}
	}

	log.Info("seeding completed successfully")
}

// seedHandlers installs the built-in handler descriptors unless descriptors
// already exist.
func seedHandlers(ctx context.Context, txManager *postgres.TxManager, log *logger.Logger) error {
	repo := postgres.NewRegistryRepo(txManager)

	empty, err := repo.IsEmpty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		log.Info("handler descriptors already present, skipping")
		return nil
	}

	descriptors := []registry.Descriptor{
		{
			Name:   cascade.HandlerName,
			Rank:   100,
			Active: true,
			Async:  true,
			Bindings: []registry.Binding{
				{Kind: cascade.KindTask, Action: event.AfterUpdate},
			},
		},
	}

	return txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := repo.Install(ctx, descriptors); err != nil {
			return err
		}
		log.Infow("installed handler descriptors", "count", len(descriptors))
		return nil
	})
}

// seedDemoPlan creates a template chain kickoff -> review -> delivery ->
// followup with offsets, and one open task per node linked to a demo plan.
func seedDemoPlan(ctx context.Context, txManager *postgres.TxManager, log *logger.Logger) error {
	log.Info("seeding demo plan...")

	templateID := id.New()
	planID := id.New()
	now := time.Now().UTC()

	type nodeSpec struct {
		name   string
		offset *int64
		notify bool
	}
	days := func(n int64) *int64 { return &n }

	specs := []nodeSpec{
		{name: "kickoff"},
		{name: "review", offset: days(3), notify: true},
		{name: "delivery", offset: days(5)},
		{name: "followup", offset: days(1), notify: true},
	}

	return txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		querier := txManager.GetQuerier(ctx)

		_, err := querier.Exec(ctx, `
			INSERT INTO task_templates (id, name, auto_update_due_dates, created_at)
			VALUES ($1, $2, true, $3)
		`, templateID, "demo onboarding", now)
		if err != nil {
			return fmt.Errorf("insert template: %w", err)
		}

		var parentID *id.ID
		for i, spec := range specs {
			nodeID := id.New()
			_, err := querier.Exec(ctx, `
				INSERT INTO task_template_nodes
					(id, parent_id, template_id, offset_days, notify_on_activate, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, nodeID, parentID, templateID, spec.offset, spec.notify, now)
			if err != nil {
				return fmt.Errorf("insert node %q: %w", spec.name, err)
			}

			status := cascade.StatusPending
			if i == 0 {
				status = cascade.StatusOpen
			}
			task := entity.NewRecord(cascade.KindTask)
			task.Attributes.Set("title", spec.name)
			task.Attributes.Set(cascade.FieldStatus, status)
			task.Attributes.Set(cascade.FieldPlanID, planID.String())
			task.Attributes.Set(cascade.FieldTemplateNodeID, nodeID.String())

			_, err = querier.Exec(ctx, `
				INSERT INTO tasks (id, deletion_mark, version, attributes, created_at, updated_at)
				VALUES ($1, false, 1, $2, $3, $3)
			`, task.ID, task.Attributes, now)
			if err != nil {
				return fmt.Errorf("insert task %q: %w", spec.name, err)
			}

			parentID = &nodeID
		}

		log.Infow("demo plan seeded",
			"template_id", templateID,
			"plan_id", planID,
			"nodes", len(specs),
		)
		return nil
	})
}
