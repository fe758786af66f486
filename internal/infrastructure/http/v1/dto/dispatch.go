package dto

import (
	"time"

	"trigon/internal/core/apperror"
	"trigon/internal/core/entity"
	"trigon/internal/core/id"
	"trigon/internal/engine/mutation"
)

// RecordPayload is one record snapshot in a dispatch request.
type RecordPayload struct {
	ID           string            `json:"id" binding:"required"`
	DeletionMark bool              `json:"deletionMark"`
	Version      int               `json:"version"`
	Attributes   entity.Attributes `json:"attributes"`
}

// ToRecord converts the payload into a platform record of the given kind.
func (p RecordPayload) ToRecord(kind string) (*entity.Record, error) {
	recID, err := id.Parse(p.ID)
	if err != nil {
		return nil, apperror.NewValidation("invalid record id").
			WithDetail("id", p.ID)
	}
	return &entity.Record{
		ID:           recID,
		Kind:         kind,
		DeletionMark: p.DeletionMark,
		Version:      p.Version,
		Attributes:   p.Attributes,
	}, nil
}

// DispatchRequest triggers handler dispatch for an entity change.
type DispatchRequest struct {
	Kind   string          `json:"kind" binding:"required"`
	Label  string          `json:"label"`
	Action string          `json:"action" binding:"required"`
	Before []RecordPayload `json:"before"`
	After  []RecordPayload `json:"after"`
}

// Records converts a payload slice to records of the request's kind.
func (r DispatchRequest) Records(payloads []RecordPayload) ([]*entity.Record, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	out := make([]*entity.Record, 0, len(payloads))
	for _, p := range payloads {
		rec, err := p.ToRecord(r.Kind)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FailureResponse is one rejected record in a dispatch report.
type FailureResponse struct {
	RecordID   string   `json:"recordId,omitempty"`
	RecordKind string   `json:"recordKind,omitempty"`
	Messages   []string `json:"messages"`
}

// DispatchResponse summarizes a completed dispatch.
type DispatchResponse struct {
	DispatchedAt time.Time         `json:"dispatchedAt"`
	Failures     []FailureResponse `json:"failures,omitempty"`
}

// FromReport converts a mutation report into the API shape.
func FromReport(report *mutation.Report) DispatchResponse {
	resp := DispatchResponse{DispatchedAt: time.Now().UTC()}
	if report == nil {
		return resp
	}
	for _, f := range report.Failures {
		fr := FailureResponse{Messages: f.Messages}
		if f.Record != nil {
			fr.RecordID = f.Record.ID.String()
			fr.RecordKind = f.Record.Kind
		}
		resp.Failures = append(resp.Failures, fr)
	}
	return resp
}
