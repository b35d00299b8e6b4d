package eligibility

import (
	"testing"
	"time"

	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

var refTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func daysBefore(n int) *time.Time {
	t := refTime.AddDate(0, 0, -n)
	return &t
}

func patientRecord(birth *time.Time, gender string) Record {
	return Record{ID: "p-1", ResourceType: fhirmodels.ResourcePatient, Date: birth, Gender: gender}
}

func condition(id, system, code, display, status string) Record {
	return Record{
		ID:      id,
		Status:  status,
		Codings: []Coding{{System: system, Code: code, Display: display}},
		Display: display,
	}
}

func observation(id, system, code string, value float64, unit string, at *time.Time) Record {
	return Record{
		ID:      id,
		Status:  fhirmodels.StatusFinal,
		Codings: []Coding{{System: system, Code: code}},
		Date:    at,
		Value:   RecordValue{Quantity: &Quantity{Value: value, Unit: unit}},
	}
}

func newTestEngine(opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return refTime })}, opts...)
	return NewEngine(nil, opts...)
}

func evaluate(t *testing.T, root Node, snap *Snapshot, opts ...Option) *Report {
	t.Helper()
	report, err := newTestEngine(opts...).EvaluateSnapshot(root, snap, refTime)
	if err != nil {
		t.Fatalf("EvaluateSnapshot: %v", err)
	}
	return report
}

func evaluateLeaf(t *testing.T, leaf *LeafCriterion, snap *Snapshot, opts ...Option) Result {
	t.Helper()
	report := evaluate(t, leaf, snap, opts...)
	if len(report.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(report.Results))
	}
	return report.Results[0]
}

func ageLeaf(low, high float64) *LeafCriterion {
	return &LeafCriterion{Domain: DomainDemographics, Operator: OpBetween, Attribute: "age", Value: RangeValue(low, high)}
}

func codedLeaf(d Domain, op Operator, system, code string) *LeafCriterion {
	return &LeafCriterion{Domain: d, Operator: op, Coding: &Coding{System: system, Code: code}}
}
