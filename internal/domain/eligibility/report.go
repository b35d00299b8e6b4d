package eligibility

import (
	"sort"
	"time"
)

// Recommendation buckets the share of leaf criteria met.
type Recommendation string

const (
	HighlyEligible      Recommendation = "Highly Eligible"
	PotentiallyEligible Recommendation = "Potentially Eligible"
	ReviewRequired      Recommendation = "Review Required"
)

// RecommendationFor maps the met fraction of leaves to a bucket: above 0.8
// is HighlyEligible, 0.5 through 0.8 PotentiallyEligible, below that
// ReviewRequired.
func RecommendationFor(met, total int) Recommendation {
	if total == 0 {
		return ReviewRequired
	}
	frac := float64(met) / float64(total)
	switch {
	case frac > 0.8:
		return HighlyEligible
	case frac >= 0.5:
		return PotentiallyEligible
	}
	return ReviewRequired
}

// Result is one flattened leaf verdict.
type Result struct {
	Path       string     `json:"path"`
	ID         string     `json:"id,omitempty"`
	Domain     Domain     `json:"domain"`
	Operator   Operator   `json:"operator"`
	Attribute  string     `json:"attribute,omitempty"`
	Verdict    Status     `json:"verdict"`
	Reason     string     `json:"reason"`
	Evidence   []Evidence `json:"evidence"`
	Confidence float64    `json:"confidence"`
}

// Summary counts leaf verdicts.
type Summary struct {
	Total         int `json:"total"`
	Met           int `json:"met"`
	NotMet        int `json:"not_met"`
	Indeterminate int `json:"indeterminate"`
}

// Report is the auditable outcome of one evaluation.
type Report struct {
	PatientID     string    `json:"patient_id,omitempty"`
	ReferenceTime time.Time `json:"reference_time"`
	// Eligible is true only when the root verdict is Met.
	Eligible             bool           `json:"eligible"`
	Status               Status         `json:"status"`
	Reason               string         `json:"reason"`
	Confidence           float64        `json:"confidence"`
	Results              []Result       `json:"results"`
	Summary              Summary        `json:"summary"`
	Recommendation       Recommendation `json:"recommendation"`
	Partial              bool           `json:"partial"`
	UnavailableResources []ResourceType `json:"unavailable_resources,omitempty"`

	// Root is the full verdict tree.
	Root *Verdict `json:"-"`
}

// Aggregate flattens a verdict tree depth-first into a Report. Leaf order in
// Results follows the tree.
func Aggregate(root *Verdict) *Report {
	r := &Report{
		Eligible:   root.Status == StatusMet,
		Status:     root.Status,
		Reason:     root.Reason,
		Confidence: root.Confidence,
		Results:    []Result{},
		Root:       root,
	}
	unavailable := make(map[ResourceType]bool)

	var walk func(v *Verdict)
	walk = func(v *Verdict) {
		if !v.IsLeaf() {
			for _, c := range v.Children {
				walk(c)
			}
			return
		}
		evidence := v.Evidence
		if evidence == nil {
			evidence = []Evidence{}
		}
		r.Results = append(r.Results, Result{
			Path:       v.Path,
			ID:         v.Leaf.ID,
			Domain:     v.Leaf.Domain,
			Operator:   v.Leaf.Operator,
			Attribute:  v.Leaf.Attribute,
			Verdict:    v.Status,
			Reason:     v.Reason,
			Evidence:   evidence,
			Confidence: v.Confidence,
		})
		r.Summary.Total++
		switch v.Status {
		case StatusMet:
			r.Summary.Met++
		case StatusNotMet:
			r.Summary.NotMet++
		default:
			r.Summary.Indeterminate++
		}
		if v.Unavailable != "" {
			unavailable[v.Unavailable] = true
		}
	}
	walk(root)

	for rt := range unavailable {
		r.UnavailableResources = append(r.UnavailableResources, rt)
	}
	sort.Slice(r.UnavailableResources, func(i, j int) bool {
		return r.UnavailableResources[i] < r.UnavailableResources[j]
	})
	r.Partial = len(r.UnavailableResources) > 0
	r.Recommendation = RecommendationFor(r.Summary.Met, r.Summary.Total)
	return r
}
