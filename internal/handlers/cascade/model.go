// Package cascade implements the dependency-cascade handler: completing a
// plan task activates its direct dependent tasks and shifts the due dates
// of transitive dependents by accumulated template offsets.
package cascade

import (
	"context"

	"trigon/internal/core/entity"
	"trigon/internal/core/id"
)

// Entity kinds and record fields this handler works with.
const (
	KindTask = "task"

	FieldStatus         = "status"
	FieldDueDate        = "due_date"
	FieldTemplateNodeID = "template_node_id"
	FieldPlanID         = "plan_id"
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusOpen      = "open"
	StatusCompleted = "completed"
)

// TemplateNode is one step of a plan template. Nodes form a tree via
// parent/child links; the data source does not guarantee acyclicity, so
// traversal carries a cycle guard.
type TemplateNode struct {
	ID       id.ID
	ParentID *id.ID

	// TemplateID is the owning plan template.
	TemplateID id.ID

	// OffsetDays shifts the step's due date relative to its trigger.
	// Absent is treated as zero.
	OffsetDays *int64

	// NotifyOnActivate routes the task's activation through a notifying
	// submission.
	NotifyOnActivate bool

	ChildIDs []id.ID
}

// Offset returns the node's offset in days, treating absent as zero.
func (n *TemplateNode) Offset() int64 {
	if n == nil || n.OffsetDays == nil {
		return 0
	}
	return *n.OffsetDays
}

// Snapshot is the read-only template state fetched once per dispatch.
// It is never persisted by this handler; accumulated offsets live only in
// the traversal's own memory.
type Snapshot struct {
	Nodes map[id.ID]*TemplateNode

	// AutoUpdate holds the per-template "auto-update child due dates"
	// flag, keyed by template ID.
	AutoUpdate map[id.ID]bool
}

// Node returns a node by ID, or nil.
func (s *Snapshot) Node(nodeID id.ID) *TemplateNode {
	if s == nil {
		return nil
	}
	return s.Nodes[nodeID]
}

// AutoUpdateFor reports whether the node's template auto-updates child due
// dates.
func (s *Snapshot) AutoUpdateFor(node *TemplateNode) bool {
	if s == nil || node == nil {
		return false
	}
	return s.AutoUpdate[node.TemplateID]
}

// TemplateSource supplies the template snapshot for a set of nodes.
// The implementation must include every node reachable below the given
// nodes via child links.
type TemplateSource interface {
	Snapshot(ctx context.Context, nodeIDs []id.ID) (*Snapshot, error)
}

// TaskSource loads the open task records instantiated from template nodes
// within the given plans.
type TaskSource interface {
	ByTemplateNodes(ctx context.Context, planIDs, nodeIDs []id.ID) ([]*entity.Record, error)
}
