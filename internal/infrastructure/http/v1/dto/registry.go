package dto

import (
	"trigon/internal/engine/event"
	"trigon/internal/engine/registry"
)

// BindingPayload is one (kind, action) pair a handler applies to.
type BindingPayload struct {
	Kind   string `json:"kind" binding:"required"`
	Action string `json:"action" binding:"required"`
}

// HandlerDescriptor is the API shape of a handler registration.
type HandlerDescriptor struct {
	Name      string           `json:"name" binding:"required"`
	Rank      int              `json:"rank"`
	Active    bool             `json:"active"`
	Async     bool             `json:"async"`
	Condition string           `json:"condition,omitempty"`
	Bindings  []BindingPayload `json:"bindings" binding:"required"`
}

// ToDescriptor converts the API shape to a registry descriptor.
func (h HandlerDescriptor) ToDescriptor() registry.Descriptor {
	d := registry.Descriptor{
		Name:      h.Name,
		Rank:      h.Rank,
		Active:    h.Active,
		Async:     h.Async,
		Condition: h.Condition,
	}
	for _, b := range h.Bindings {
		d.Bindings = append(d.Bindings, registry.Binding{
			Kind:   b.Kind,
			Action: event.Action(b.Action),
		})
	}
	return d
}

// FromDescriptor converts a registry descriptor to the API shape.
func FromDescriptor(d registry.Descriptor) HandlerDescriptor {
	h := HandlerDescriptor{
		Name:      d.Name,
		Rank:      d.Rank,
		Active:    d.Active,
		Async:     d.Async,
		Condition: d.Condition,
	}
	for _, b := range d.Bindings {
		h.Bindings = append(h.Bindings, BindingPayload{
			Kind:   b.Kind,
			Action: string(b.Action),
		})
	}
	return h
}

// InstallHandlersRequest registers handler descriptors.
type InstallHandlersRequest struct {
	Handlers []HandlerDescriptor `json:"handlers" binding:"required,min=1"`
}

// ListHandlersResponse lists configured descriptors.
type ListHandlersResponse struct {
	Handlers []HandlerDescriptor `json:"handlers"`
}
