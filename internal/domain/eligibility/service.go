package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EvaluateRequest is the body of POST /api/v1/eligibility/evaluate.
type EvaluateRequest struct {
	PatientID     string          `json:"patient_id" validate:"required,fhir_id"`
	Criteria      json.RawMessage `json:"criteria" validate:"required"`
	ReferenceTime *time.Time      `json:"reference_time,omitempty"`
}

// ValidateRequest is the body of POST /api/v1/eligibility/validate.
type ValidateRequest struct {
	Criteria json.RawMessage `json:"criteria" validate:"required"`
}

// ValidateResponse reports whether a tree is well formed.
type ValidateResponse struct {
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
	Path   string `json:"path,omitempty"`
	Leaves int    `json:"leaves,omitempty"`
}

// Service provides business logic for eligibility evaluation.
type Service struct {
	engine *Engine
}

// NewService creates a new eligibility service.
func NewService(engine *Engine) *Service {
	return &Service{engine: engine}
}

// Evaluate decodes and evaluates a criteria tree for a patient.
func (s *Service) Evaluate(ctx context.Context, patientID string, criteria json.RawMessage, at *time.Time) (*Report, error) {
	root, err := DecodeCriteria(criteria)
	if err != nil {
		return nil, err
	}
	var ref time.Time
	if at != nil {
		ref = *at
	}
	return s.engine.Evaluate(ctx, patientID, root, ref)
}

// Validate decodes and validates a criteria tree.
func (s *Service) Validate(criteria json.RawMessage) (*ValidateResponse, error) {
	root, err := DecodeCriteria(criteria)
	if err == nil {
		err = s.engine.Validate(root)
	}
	if err != nil {
		resp := &ValidateResponse{Error: err.Error()}
		var ve *ValidationError
		if errors.As(err, &ve) {
			resp.Path = ve.Path
		}
		return resp, nil
	}
	return &ValidateResponse{Valid: true, Leaves: CountLeaves(root)}, nil
}

// CountLeaves returns the number of leaf criteria in a tree.
func CountLeaves(n Node) int {
	switch t := n.(type) {
	case *LeafCriterion:
		return 1
	case *LogicalNode:
		total := 0
		for _, c := range t.Children {
			total += CountLeaves(c)
		}
		return total
	}
	return 0
}
