package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"trigon/internal/core/entity"
	"trigon/internal/core/id"
	"trigon/internal/handlers/cascade"
)

// TemplateRepo supplies read-only template snapshots for the dependency
// cascade. Traversal state never writes back to these tables.
type TemplateRepo struct {
	txManager *TxManager
}

var _ cascade.TemplateSource = (*TemplateRepo)(nil)

// NewTemplateRepo creates a template snapshot source.
func NewTemplateRepo(txManager *TxManager) *TemplateRepo {
	return &TemplateRepo{txManager: txManager}
}

type templateNodeRow struct {
	ID               id.ID  `db:"id"`
	ParentID         *id.ID `db:"parent_id"`
	TemplateID       id.ID  `db:"template_id"`
	OffsetDays       *int64 `db:"offset_days"`
	NotifyOnActivate bool   `db:"notify_on_activate"`
}

// Snapshot fetches the given nodes and everything below them via child
// links. The recursive CTE uses UNION (not UNION ALL) so cyclic template
// data terminates the query instead of looping; the handler's own cycle
// guard reports the configuration error.
func (r *TemplateRepo) Snapshot(ctx context.Context, nodeIDs []id.ID) (*cascade.Snapshot, error) {
	if len(nodeIDs) == 0 {
		return &cascade.Snapshot{Nodes: map[id.ID]*cascade.TemplateNode{}, AutoUpdate: map[id.ID]bool{}}, nil
	}

	querier := r.txManager.GetQuerier(ctx)

	var rows []templateNodeRow
	err := pgxscan.Select(ctx, querier, &rows, `
		WITH RECURSIVE tree AS (
			SELECT id, parent_id, template_id, offset_days, notify_on_activate
			FROM task_template_nodes WHERE id = ANY($1)
			UNION
			SELECT n.id, n.parent_id, n.template_id, n.offset_days, n.notify_on_activate
			FROM task_template_nodes n JOIN tree t ON n.parent_id = t.id
		)
		SELECT id, parent_id, template_id, offset_days, notify_on_activate FROM tree
	`, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("select template tree: %w", err)
	}

	snapshot := &cascade.Snapshot{
		Nodes:      make(map[id.ID]*cascade.TemplateNode, len(rows)),
		AutoUpdate: make(map[id.ID]bool),
	}

	var templateIDs []id.ID
	for _, row := range rows {
		node := &cascade.TemplateNode{
			ID:               row.ID,
			ParentID:         row.ParentID,
			TemplateID:       row.TemplateID,
			OffsetDays:       row.OffsetDays,
			NotifyOnActivate: row.NotifyOnActivate,
		}
		snapshot.Nodes[node.ID] = node
		if _, seen := snapshot.AutoUpdate[row.TemplateID]; !seen {
			snapshot.AutoUpdate[row.TemplateID] = false
			templateIDs = append(templateIDs, row.TemplateID)
		}
	}

	// Child links come from the parent references.
	for _, node := range snapshot.Nodes {
		if node.ParentID == nil {
			continue
		}
		if parent, ok := snapshot.Nodes[*node.ParentID]; ok {
			parent.ChildIDs = append(parent.ChildIDs, node.ID)
		}
	}

	type templateRow struct {
		ID                 id.ID `db:"id"`
		AutoUpdateDueDates bool  `db:"auto_update_due_dates"`
	}
	var templates []templateRow
	err = pgxscan.Select(ctx, querier, &templates, `
		SELECT id, auto_update_due_dates FROM task_templates WHERE id = ANY($1)
	`, templateIDs)
	if err != nil {
		return nil, fmt.Errorf("select templates: %w", err)
	}
	for _, t := range templates {
		snapshot.AutoUpdate[t.ID] = t.AutoUpdateDueDates
	}

	return snapshot, nil
}

// TaskRepo loads dependent task records for the cascade.
type TaskRepo struct {
	txManager *TxManager
	table     string
}

var _ cascade.TaskSource = (*TaskRepo)(nil)

// NewTaskRepo creates a task source over the given task table.
func NewTaskRepo(txManager *TxManager, table string) *TaskRepo {
	return &TaskRepo{txManager: txManager, table: table}
}

type taskRow struct {
	ID           id.ID             `db:"id"`
	DeletionMark bool              `db:"deletion_mark"`
	Version      int               `db:"version"`
	Attributes   entity.Attributes `db:"attributes"`
	CreatedAt    time.Time         `db:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"`
}

// ByTemplateNodes implements cascade.TaskSource.
func (r *TaskRepo) ByTemplateNodes(ctx context.Context, planIDs, nodeIDs []id.ID) ([]*entity.Record, error) {
	if len(planIDs) == 0 || len(nodeIDs) == 0 {
		return nil, nil
	}

	querier := r.txManager.GetQuerier(ctx)

	var rows []taskRow
	err := pgxscan.Select(ctx, querier, &rows, fmt.Sprintf(`
		SELECT id, deletion_mark, version, attributes, created_at, updated_at
		FROM %s
		WHERE NOT deletion_mark
		  AND (attributes->>'plan_id')::uuid = ANY($1)
		  AND (attributes->>'template_node_id')::uuid = ANY($2)
	`, r.table), planIDs, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("select dependent tasks: %w", err)
	}

	records := make([]*entity.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, &entity.Record{
			ID:           row.ID,
			Kind:         cascade.KindTask,
			DeletionMark: row.DeletionMark,
			Version:      row.Version,
			Attributes:   row.Attributes,
			CreatedAt:    row.CreatedAt,
			UpdatedAt:    row.UpdatedAt,
		})
	}
	return records, nil
}
