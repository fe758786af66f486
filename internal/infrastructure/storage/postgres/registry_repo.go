package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"trigon/internal/core/id"
	"trigon/internal/engine/event"
	"trigon/internal/engine/registry"
)

// RegistryRepo stores handler descriptors in sys_handlers, implementing
// both the Lookup and Installer sides of the registry.
type RegistryRepo struct {
	txManager *TxManager
}

var (
	_ registry.Lookup    = (*RegistryRepo)(nil)
	_ registry.Installer = (*RegistryRepo)(nil)
)

// NewRegistryRepo creates a descriptor repository.
func NewRegistryRepo(txManager *TxManager) *RegistryRepo {
	return &RegistryRepo{txManager: txManager}
}

// descriptorRow is the scan target for sys_handlers.
type descriptorRow struct {
	Name      string    `db:"name"`
	Rank      int       `db:"rank"`
	Active    bool      `db:"active"`
	Async     bool      `db:"async"`
	Condition string    `db:"condition"`
	Bindings  []byte    `db:"bindings"`
	CreatedAt time.Time `db:"created_at"`
}

func (r descriptorRow) toDescriptor() (registry.Descriptor, error) {
	d := registry.Descriptor{
		Name:      r.Name,
		Rank:      r.Rank,
		Active:    r.Active,
		Async:     r.Async,
		Condition: r.Condition,
	}
	if err := json.Unmarshal(r.Bindings, &d.Bindings); err != nil {
		return d, fmt.Errorf("decode bindings for %q: %w", r.Name, err)
	}
	return d, nil
}

// IsEmpty implements registry.Lookup.
func (r *RegistryRepo) IsEmpty(ctx context.Context) (bool, error) {
	querier := r.txManager.GetQuerier(ctx)
	var count int64
	if err := querier.QueryRow(ctx, "SELECT count(*) FROM sys_handlers").Scan(&count); err != nil {
		return false, fmt.Errorf("count handlers: %w", err)
	}
	return count == 0, nil
}

// HandlersFor implements registry.Lookup. Binding match uses JSONB
// containment so the set of (kind, action) pairs stays one column.
func (r *RegistryRepo) HandlersFor(ctx context.Context, kind string, action event.Action) ([]registry.Descriptor, error) {
	binding, err := json.Marshal([]registry.Binding{{Kind: kind, Action: action}})
	if err != nil {
		return nil, err
	}

	sql, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("name", "rank", "active", "async", "condition", "bindings", "created_at").
		From("sys_handlers").
		Where(squirrel.Expr("bindings @> ?", binding)).
		OrderBy("rank ASC", "name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []descriptorRow
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select handlers: %w", err)
	}

	out := make([]registry.Descriptor, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDescriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// List returns every configured descriptor ordered by rank. Used by the
// admin API; the dispatch path goes through HandlersFor.
func (r *RegistryRepo) List(ctx context.Context) ([]registry.Descriptor, error) {
	var rows []descriptorRow
	querier := r.txManager.GetQuerier(ctx)
	err := pgxscan.Select(ctx, querier, &rows, `
		SELECT name, rank, active, async, condition, bindings, created_at
		FROM sys_handlers
		ORDER BY rank ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list handlers: %w", err)
	}

	out := make([]registry.Descriptor, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDescriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Install implements registry.Installer.
func (r *RegistryRepo) Install(ctx context.Context, descriptors []registry.Descriptor) error {
	querier := r.txManager.GetQuerier(ctx)
	now := time.Now().UTC()

	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return err
		}
		bindings, err := json.Marshal(d.Bindings)
		if err != nil {
			return fmt.Errorf("encode bindings for %q: %w", d.Name, err)
		}

		_, err = querier.Exec(ctx, `
			INSERT INTO sys_handlers (id, name, rank, active, async, condition, bindings, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id.New(), d.Name, d.Rank, d.Active, d.Async, d.Condition, bindings, now)
		if err != nil {
			return fmt.Errorf("insert handler %q: %w", d.Name, err)
		}
	}
	return nil
}
