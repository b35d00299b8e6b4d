package eligibility

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the tri-state outcome of a leaf or node. Exactly one holds.
type Status int

const (
	StatusIndeterminate Status = iota
	StatusMet
	StatusNotMet
)

func (s Status) String() string {
	switch s {
	case StatusMet:
		return "met"
	case StatusNotMet:
		return "not_met"
	case StatusIndeterminate:
		return "indeterminate"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "met":
		*s = StatusMet
	case "not_met":
		*s = StatusNotMet
	case "indeterminate":
		*s = StatusIndeterminate
	default:
		return fmt.Errorf("unknown verdict status %q", str)
	}
	return nil
}

// Evidence is an excerpt of a snapshot record that justified a verdict.
type Evidence struct {
	ResourceType ResourceType `json:"resource_type"`
	ID           string       `json:"id,omitempty"`
	System       string       `json:"system,omitempty"`
	Code         string       `json:"code,omitempty"`
	Display      string       `json:"display,omitempty"`
	Status       string       `json:"status,omitempty"`
	Value        string       `json:"value,omitempty"`
	Date         *time.Time   `json:"date,omitempty"`
	MatchedBy    string       `json:"matched_by,omitempty"`
}

// Verdict is the evaluation result for one node of the criteria tree.
// Logical nodes carry their children's verdicts in Children.
type Verdict struct {
	Path       string
	Status     Status
	Reason     string
	Confidence float64
	Evidence   []Evidence

	// Leaf is set on leaf verdicts, Operator and Children on logical ones.
	Leaf     *LeafCriterion
	Operator LogicalOperator
	Children []*Verdict

	// Unavailable names the resource type whose fetch failed, when that is
	// what made the verdict indeterminate.
	Unavailable ResourceType
}

// IsLeaf reports whether the verdict belongs to a leaf criterion.
func (v *Verdict) IsLeaf() bool { return v.Leaf != nil }

func met(reason string, confidence float64, evidence []Evidence) *Verdict {
	return &Verdict{Status: StatusMet, Reason: reason, Confidence: confidence, Evidence: evidence}
}

func notMet(reason string, confidence float64, evidence []Evidence) *Verdict {
	return &Verdict{Status: StatusNotMet, Reason: reason, Confidence: confidence, Evidence: evidence}
}

func indeterminate(reason string, evidence []Evidence) *Verdict {
	return &Verdict{Status: StatusIndeterminate, Reason: reason, Evidence: evidence}
}
