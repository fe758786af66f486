package cascade

import (
	"context"
	"time"

	"trigon/internal/core/apperror"
	"trigon/internal/core/entity"
	"trigon/internal/core/id"
	"trigon/internal/engine/dispatch"
	"trigon/internal/engine/event"
	"trigon/internal/engine/mutation"
	"trigon/pkg/logger"
)

// HandlerName is the factory key this handler registers under.
const HandlerName = "task.dependency_cascade"

// Handler reacts to task completion. Direct dependents (immediate children
// of the completed tasks' template nodes) are activated; indirect
// dependents (all further descendants) get their due dates shifted by the
// accumulated ancestor offsets, but only when the owning template opts in.
type Handler struct {
	templates TemplateSource
	tasks     TaskSource
	now       func() time.Time
}

var _ dispatch.Handler = (*Handler)(nil)

// New creates a cascade handler.
func New(templates TemplateSource, tasks TaskSource) *Handler {
	return &Handler{
		templates: templates,
		tasks:     tasks,
		now:       time.Now,
	}
}

// Factory returns the constructor to register with the dispatch engine.
func Factory(templates TemplateSource, tasks TaskSource) dispatch.Factory {
	return func() dispatch.Handler { return New(templates, tasks) }
}

// Run implements dispatch.Handler.
func (h *Handler) Run(ctx context.Context, ev *event.Change) (*mutation.Batch, error) {
	batch := mutation.NewBatch()

	completed := completedTasks(ev)
	if len(completed) == 0 {
		return batch, nil
	}

	completedNodes, planIDs := taskRefs(completed)
	if len(completedNodes) == 0 {
		return batch, nil
	}

	snapshot, err := h.templates.Snapshot(ctx, completedNodes)
	if err != nil {
		return nil, err
	}

	direct, indirect, err := dependents(snapshot, completedNodes)
	if err != nil {
		return nil, err
	}
	if len(direct) == 0 {
		return batch, nil
	}

	// Indirect dependents are only updated when the owning template opts
	// in; otherwise they are skipped entirely, not queued.
	wanted := make([]id.ID, 0, len(direct)+len(indirect))
	wanted = append(wanted, direct...)
	for nodeID := range indirect {
		if snapshot.AutoUpdateFor(snapshot.Node(nodeID)) {
			wanted = append(wanted, nodeID)
		}
	}

	tasks, err := h.tasks.ByTemplateNodes(ctx, planIDs, wanted)
	if err != nil {
		return nil, err
	}

	directSet := make(map[id.ID]bool, len(direct))
	for _, nodeID := range direct {
		directSet[nodeID] = true
	}

	base := h.now().UTC()
	for _, task := range tasks {
		nodeID, err := id.Parse(task.Attributes.GetString(FieldTemplateNodeID))
		if err != nil {
			continue
		}
		node := snapshot.Node(nodeID)
		if node == nil {
			continue
		}

		switch {
		case directSet[nodeID]:
			upd := activate(task, node, base)
			batch.AddUpdate(upd, mutation.WithNotify(node.NotifyOnActivate))
		default:
			offset, ok := indirect[nodeID]
			if !ok {
				continue
			}
			upd := shiftDueDate(task, base, offset)
			batch.AddUpdate(upd)
		}
	}

	logger.Debug(ctx, "dependency cascade computed",
		"completed", len(completed),
		"direct", len(direct),
		"indirect", len(indirect),
		"updates", batch.Len())

	return batch, nil
}

// completedTasks returns the after-images of tasks that transitioned to
// completed in this change.
func completedTasks(ev *event.Change) []*entity.Record {
	var out []*entity.Record
	for _, after := range ev.After {
		if after.Attributes.GetString(FieldStatus) != StatusCompleted {
			continue
		}
		if before := ev.BeforeByID(after.ID); before != nil &&
			before.Attributes.GetString(FieldStatus) == StatusCompleted {
			continue
		}
		out = append(out, after)
	}
	return out
}

// taskRefs extracts the distinct template node and plan IDs of the tasks.
func taskRefs(tasks []*entity.Record) (nodeIDs, planIDs []id.ID) {
	seenNode := make(map[id.ID]bool)
	seenPlan := make(map[id.ID]bool)
	for _, t := range tasks {
		if nodeID, err := id.Parse(t.Attributes.GetString(FieldTemplateNodeID)); err == nil && !seenNode[nodeID] {
			seenNode[nodeID] = true
			nodeIDs = append(nodeIDs, nodeID)
		}
		if planID, err := id.Parse(t.Attributes.GetString(FieldPlanID)); err == nil && !seenPlan[planID] {
			seenPlan[planID] = true
			planIDs = append(planIDs, planID)
		}
	}
	return nodeIDs, planIDs
}

// dependents computes the two disjoint dependent sets: the immediate
// children of the completed nodes, and every further descendant with its
// accumulated offset (the sum of ancestor offsets from the direct-dependent
// ancestor down to the node's parent). A node reachable via two paths is
// computed once per path with the later write winning; it still appears
// exactly once. A node already on the current path means the template data
// is cyclic, which is a configuration error.
func dependents(snapshot *Snapshot, completedNodes []id.ID) (direct []id.ID, indirect map[id.ID]int64, err error) {
	indirect = make(map[id.ID]int64)
	directSet := make(map[id.ID]bool)

	for _, nodeID := range completedNodes {
		node := snapshot.Node(nodeID)
		if node == nil {
			continue
		}
		for _, childID := range node.ChildIDs {
			if directSet[childID] {
				continue
			}
			directSet[childID] = true
			direct = append(direct, childID)
		}
	}

	var walk func(nodeID id.ID, acc int64, onPath map[id.ID]bool) error
	walk = func(nodeID id.ID, acc int64, onPath map[id.ID]bool) error {
		node := snapshot.Node(nodeID)
		if node == nil {
			return nil
		}
		for _, childID := range node.ChildIDs {
			if onPath[childID] {
				return apperror.NewTemplateCycle(childID)
			}
			indirect[childID] = acc + node.Offset()
			onPath[childID] = true
			if err := walk(childID, acc+node.Offset(), onPath); err != nil {
				return err
			}
			delete(onPath, childID)
		}
		return nil
	}

	for _, nodeID := range direct {
		onPath := map[id.ID]bool{nodeID: true}
		if err := walk(nodeID, 0, onPath); err != nil {
			return nil, nil, err
		}
	}

	// The sets are disjoint: direct dependents win.
	for _, nodeID := range direct {
		delete(indirect, nodeID)
	}
	return direct, indirect, nil
}

// activate clears the pending status and schedules the task relative to
// the trigger date using the node's own offset.
func activate(task *entity.Record, node *TemplateNode, base time.Time) *entity.Record {
	upd := task.Clone()
	upd.Attributes.Set(FieldStatus, StatusOpen)
	upd.Attributes.Set(FieldDueDate, dueDate(base, node.Offset()))
	return upd
}

// shiftDueDate recalculates the due date from the accumulated offset.
// Status is untouched.
func shiftDueDate(task *entity.Record, base time.Time, offsetDays int64) *entity.Record {
	upd := task.Clone()
	upd.Attributes.Set(FieldDueDate, dueDate(base, offsetDays))
	return upd
}

func dueDate(base time.Time, offsetDays int64) string {
	return base.AddDate(0, 0, int(offsetDays)).Format(time.RFC3339)
}
