package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"trigon/internal/core/apperror"
	"trigon/internal/core/entity"
	"trigon/internal/core/tx"
	"trigon/internal/engine/dispatch"
	"trigon/internal/engine/event"
	"trigon/internal/engine/mutation"
	"trigon/internal/infrastructure/http/v1/dto"
)

// EngineFactory builds a dispatch engine bound to the request's tenant
// database. Provided by the router, which owns the wiring.
type EngineFactory func(c *gin.Context) (*dispatch.Engine, tx.Manager, error)

// DispatchHandler exposes handler dispatch over HTTP.
type DispatchHandler struct {
	*BaseHandler
	engineFor EngineFactory
}

// NewDispatchHandler creates a dispatch handler.
func NewDispatchHandler(base *BaseHandler, engineFor EngineFactory) *DispatchHandler {
	return &DispatchHandler{BaseHandler: base, engineFor: engineFor}
}

// Dispatch runs all registered handlers for an entity change.
// POST /api/v1/dispatch
//
// The whole dispatch runs in one transaction. A handler error rolls back
// everything, including deferred jobs already enqueued. A failed batch
// submit does not: its checkpoint already undid the mutations, so the
// transaction commits and jobs handed off before the failure stay queued.
func (h *DispatchHandler) Dispatch(c *gin.Context) {
	var req dto.DispatchRequest
	if !h.BindJSON(c, &req) {
		return
	}

	action, err := event.ParseAction(req.Action)
	if err != nil {
		h.Error(c, apperror.NewValidation(err.Error()).WithDetail("action", req.Action))
		return
	}

	before, err := req.Records(req.Before)
	if err != nil {
		h.Error(c, err)
		return
	}
	after, err := req.Records(req.After)
	if err != nil {
		h.Error(c, err)
		return
	}

	engine, txm, err := h.engineFor(c)
	if err != nil {
		h.Error(c, apperror.NewInternal(err))
		return
	}

	desc := entity.Descriptor{Kind: req.Kind, Label: req.Label}

	var report *mutation.Report
	var batchErr *apperror.AppError
	err = txm.RunInTransaction(c.Request.Context(), func(ctx context.Context) error {
		var dispatchErr error
		report, dispatchErr = engine.Dispatch(ctx, before, after, action, desc)
		if appErr, ok := apperror.AsAppError(dispatchErr); ok && appErr.Code == apperror.CodeBatchFailed {
			// The submit checkpoint already rolled the mutations back.
			// Returning nil commits the transaction so jobs enqueued
			// before the checkpoint are not cancelled with it.
			batchErr = appErr
			return nil
		}
		return dispatchErr
	})
	if err != nil {
		h.Error(c, err)
		return
	}
	if batchErr != nil {
		// Batch failures carry the per-record report; other errors go
		// through the standard error middleware.
		resp := dto.FromReport(report)
		c.JSON(batchErr.HTTPStatus, gin.H{
			"code":     batchErr.Code,
			"message":  batchErr.Message,
			"failures": resp.Failures,
		})
		return
	}

	h.OK(c, dto.FromReport(report))
}
