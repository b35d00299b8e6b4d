package eligibility

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func strPtr(s string) *string { return &s }

func TestPatientClause(t *testing.T) {
	id := uuid.New()
	sql, arg := patientClause("c.patient_id", id.String())
	if sql != "c.patient_id = $1" {
		t.Errorf("expected direct uuid predicate, got %q", sql)
	}
	if got, ok := arg.(uuid.UUID); !ok || got != id {
		t.Errorf("expected uuid argument, got %#v", arg)
	}

	sql, arg = patientClause("c.patient_id", "p-1")
	if !strings.Contains(sql, "fhir_id = $1") {
		t.Errorf("expected fhir id lookup, got %q", sql)
	}
	if arg != "p-1" {
		t.Errorf("expected fhir id argument, got %#v", arg)
	}
}

func TestCodings(t *testing.T) {
	if c := coding(strPtr("http://loinc.org"), strPtr(""), nil); c != nil {
		t.Errorf("expected nil coding without a code, got %+v", c)
	}
	c := coding(nil, strPtr("E11.9"), strPtr("Type 2 diabetes"))
	if c == nil || c.System != "" || c.Display != "Type 2 diabetes" {
		t.Fatalf("unexpected coding %+v", c)
	}

	got := codings(
		coding(strPtr("http://snomed.info/sct"), strPtr("44054006"), nil),
		nil,
		coding(strPtr("http://snomed.info/sct"), strPtr("44054006"), strPtr("duplicate")),
		coding(strPtr("http://hl7.org/fhir/sid/icd-10-cm"), strPtr("E11.9"), nil),
	)
	if len(got) != 2 || got[0].Code != "44054006" || got[1].Code != "E11.9" {
		t.Errorf("expected deduplicated codings in order, got %+v", got)
	}
	if deref(nil) != "" || deref(strPtr("x")) != "x" {
		t.Error("unexpected deref result")
	}
}
