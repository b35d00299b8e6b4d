package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/trialmatch/internal/config"
	"github.com/ehr/trialmatch/internal/domain/eligibility"
)

const testBundle = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "p-1", "gender": "female", "birthDate": "1980-06-15"}},
    {"resource": {
      "resourceType": "Condition", "id": "c-1",
      "clinicalStatus": {"coding": [{"code": "active"}]},
      "code": {"coding": [{"system": "http://hl7.org/fhir/sid/icd-10-cm", "code": "E11.9", "display": "Type 2 diabetes mellitus without complications"}]},
      "onsetDateTime": "2019-03-01"
    }},
    {"resource": {
      "resourceType": "Observation", "id": "o-1", "status": "final",
      "code": {"coding": [{"system": "http://loinc.org", "code": "4548-4", "display": "Hemoglobin A1c"}]},
      "effectiveDateTime": "2026-09-01T09:00:00Z",
      "valueQuantity": {"value": 7.4, "unit": "%"}
    }}
  ]
}`

const testCriteria = `{
  "operator": "AND",
  "children": [
    {"domain": "demographics", "attribute": "age", "operator": "between", "value": [18, 65]},
    {"domain": "condition", "operator": "exists", "coding": {"system": "ICD-10", "code": "E11"}},
    {"domain": "observation", "operator": "between", "coding": {"system": "LOINC", "code": "4548-4"}, "value": [7, 10], "unit": "%"}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testConfig() *config.Config {
	return &config.Config{MaxCriteriaDepth: 10, AbsentDataPolicy: "not_met"}
}

func testEngine(t *testing.T) *eligibility.Engine {
	t.Helper()
	engine, err := buildEngine(testConfig(), nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	return engine
}

func TestRunEvaluate(t *testing.T) {
	dir := t.TempDir()
	criteria := writeFile(t, dir, "criteria.json", testCriteria)
	bundle := writeFile(t, dir, "bundle.json", testBundle)

	var out bytes.Buffer
	if err := runEvaluate(&out, testEngine(t), criteria, bundle, "", "2026-10-01T00:00:00Z"); err != nil {
		t.Fatalf("runEvaluate: %v", err)
	}

	var report eligibility.Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.PatientID != "p-1" {
		t.Errorf("expected patient p-1, got %q", report.PatientID)
	}
	if !report.Eligible {
		t.Errorf("expected eligible, got status %s: %s", report.Status, report.Reason)
	}
	if report.Summary.Total != 3 || report.Summary.Met != 3 {
		t.Errorf("expected 3 of 3 met, got %+v", report.Summary)
	}
	if report.Recommendation != eligibility.HighlyEligible {
		t.Errorf("expected %q, got %q", eligibility.HighlyEligible, report.Recommendation)
	}
}

func TestRunEvaluate_InvalidInputs(t *testing.T) {
	dir := t.TempDir()
	criteria := writeFile(t, dir, "criteria.json", testCriteria)
	bundle := writeFile(t, dir, "bundle.json", testBundle)
	badCriteria := writeFile(t, dir, "bad.json", `{"operator": "NOT", "children": []}`)
	notBundle := writeFile(t, dir, "patient.json", `{"resourceType": "Patient", "id": "p-1"}`)

	tests := []struct {
		name     string
		criteria string
		bundle   string
		at       string
	}{
		{"missing criteria file", filepath.Join(dir, "nope.json"), bundle, ""},
		{"invalid criteria", badCriteria, bundle, ""},
		{"not a bundle", criteria, notBundle, ""},
		{"bad reference time", criteria, bundle, "yesterday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runEvaluate(&out, testEngine(t), tt.criteria, tt.bundle, "", tt.at); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	if err := runValidate(&out, testEngine(t), writeFile(t, dir, "ok.json", testCriteria)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "valid: 3 leaf criteria") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	bad := `{"operator": "AND", "children": [{"domain": "condition", "operator": "sometimes", "coding": {"code": "E11"}}]}`
	if err := runValidate(&out, testEngine(t), writeFile(t, dir, "bad.json", bad)); err == nil {
		t.Fatal("expected error for invalid criteria")
	}
	if !strings.Contains(out.String(), "$.children[0]") {
		t.Errorf("expected offending path in output, got %q", out.String())
	}
}

func TestPrintCodes(t *testing.T) {
	var out bytes.Buffer
	if err := printCodes(&out, eligibility.DefaultCodingTable()); err != nil {
		t.Fatalf("printCodes: %v", err)
	}
	for _, want := range []string{"SYSTEM", "http://loinc.org", "4548-4", "E11"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestBuildEngine_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.AbsentDataPolicy = "maybe"
	if _, err := buildEngine(cfg, nil, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown absent data policy")
	}

	cfg = testConfig()
	cfg.CodingTablePath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := buildEngine(cfg, nil, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing coding table")
	}
}

func TestCodingTable_FromFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "codes.yaml", `concepts:
  - system: SNOMED
    code: "254637007"
    display: Non-small cell lung cancer
    synonyms: [nsclc]
`)
	cfg := testConfig()
	cfg.CodingTablePath = path
	table, err := codingTable(cfg)
	if err != nil {
		t.Fatalf("codingTable: %v", err)
	}
	if _, ok := table.Concept("http://snomed.info/sct", "254637007"); !ok {
		t.Error("expected concept from file")
	}
	if table.Len() <= eligibility.DefaultCodingTable().Len() {
		t.Errorf("expected more concepts than the default table, got %d", table.Len())
	}
}
