package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"trigon/internal/core/apperror"
	"trigon/internal/engine/dispatch"
	"trigon/internal/engine/registry"
	"trigon/internal/infrastructure/http/v1/dto"
	"trigon/internal/infrastructure/http/v1/middleware"
	"trigon/internal/infrastructure/storage/postgres"
)

// RegistryHandler manages handler descriptor registrations.
type RegistryHandler struct {
	*BaseHandler
	factories *dispatch.Factories
}

// NewRegistryHandler creates a registry handler.
func NewRegistryHandler(base *BaseHandler, factories *dispatch.Factories) *RegistryHandler {
	return &RegistryHandler{BaseHandler: base, factories: factories}
}

// List returns all configured handler descriptors for the tenant.
// GET /api/v1/handlers
func (h *RegistryHandler) List(c *gin.Context) {
	txm := middleware.GetTxManagerFromContext(c)
	if txm == nil {
		h.Error(c, apperror.NewInternal(nil).WithDetail("reason", "no tx manager in context"))
		return
	}

	repo := postgres.NewRegistryRepo(txm)
	descriptors, err := repo.List(c.Request.Context())
	if err != nil {
		h.Error(c, apperror.NewInternal(err))
		return
	}

	resp := dto.ListHandlersResponse{Handlers: make([]dto.HandlerDescriptor, 0, len(descriptors))}
	for _, d := range descriptors {
		resp.Handlers = append(resp.Handlers, dto.FromDescriptor(d))
	}
	h.OK(c, resp)
}

// Install registers new handler descriptors.
// POST /api/v1/handlers
func (h *RegistryHandler) Install(c *gin.Context) {
	var req dto.InstallHandlersRequest
	if !h.BindJSON(c, &req) {
		return
	}

	// A descriptor naming a factory this process does not carry would be
	// silently skipped on every dispatch; reject it up front.
	for _, hd := range req.Handlers {
		if _, ok := h.factories.Resolve(hd.Name); !ok {
			h.Error(c, apperror.NewHandlerUnknown(hd.Name).
				WithDetail("registered", h.factories.Names()))
			return
		}
	}

	txm := middleware.GetTxManagerFromContext(c)
	if txm == nil {
		h.Error(c, apperror.NewInternal(nil).WithDetail("reason", "no tx manager in context"))
		return
	}

	repo := postgres.NewRegistryRepo(txm)
	err := txm.RunInTransaction(c.Request.Context(), func(ctx context.Context) error {
		toInstall := make([]registry.Descriptor, 0, len(req.Handlers))
		for _, hd := range req.Handlers {
			toInstall = append(toInstall, hd.ToDescriptor())
		}
		return repo.Install(ctx, toInstall)
	})
	if err != nil {
		if _, ok := apperror.AsAppError(err); ok {
			h.Error(c, err)
		} else {
			h.Error(c, apperror.NewValidation(err.Error()))
		}
		return
	}

	h.Success(c, "handlers installed")
}
