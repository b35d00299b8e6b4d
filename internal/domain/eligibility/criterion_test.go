package eligibility

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

const sampleCriteria = `{
  "operator": "and",
  "children": [
    {"id": "age", "domain": "demographics", "operator": "between", "attribute": "age", "value": [18, 65]},
    {"domain": "Condition", "operator": "EXISTS", "coding": {"system": "ICD-10", "code": "E11", "display": "Type 2 diabetes"}},
    {"operator": "NOT", "children": [
      {"domain": "condition", "operator": "exists", "coding": {"system": "ICD-10", "code": "C50"}, "include_resolved": true}
    ]},
    {"domain": "observation", "operator": "less_than", "coding": {"system": "LOINC", "code": "89247-1"}, "value": 2},
    {"domain": "observation", "operator": "equals", "resource_type": "Observation", "attribute": "smoking status", "value": "never smoker"},
    {"domain": "observation", "operator": "equals", "coding": {"code": "2106-3"}, "value": false}
  ]
}`

func TestDecodeCriteria(t *testing.T) {
	root, err := DecodeCriteria([]byte(sampleCriteria))
	if err != nil {
		t.Fatalf("DecodeCriteria: %v", err)
	}
	and, ok := root.(*LogicalNode)
	if !ok || and.Operator != OpAnd || len(and.Children) != 6 {
		t.Fatalf("expected AND with 6 children, got %#v", root)
	}

	age := and.Children[0].(*LeafCriterion)
	if age.ID != "age" || !age.Value.IsRange() || *age.Value.Low != 18 || *age.Value.High != 65 {
		t.Errorf("unexpected age leaf %+v", age)
	}
	cond := and.Children[1].(*LeafCriterion)
	if cond.Domain != DomainCondition || cond.Operator != OpExists {
		t.Errorf("expected case-insensitive domain and operator, got %s %s", cond.Domain, cond.Operator)
	}
	not := and.Children[2].(*LogicalNode)
	if not.Operator != OpNot || !not.Children[0].(*LeafCriterion).IncludeResolved {
		t.Errorf("unexpected NOT node %#v", not)
	}
	if v := and.Children[3].(*LeafCriterion).Value; v.Number == nil || *v.Number != 2 {
		t.Errorf("expected numeric value 2, got %v", v)
	}
	if v := and.Children[4].(*LeafCriterion).Value; v.Text == nil || *v.Text != "never smoker" {
		t.Errorf("expected text value, got %v", v)
	}
	if v := and.Children[5].(*LeafCriterion).Value; v.Bool == nil || *v.Bool {
		t.Errorf("expected boolean false, got %v", v)
	}

	if err := newTestEngine().Validate(root); err != nil {
		t.Errorf("expected sample to validate, got %v", err)
	}
}

func TestEncodeCriteria_RoundTrip(t *testing.T) {
	root, err := DecodeCriteria([]byte(sampleCriteria))
	if err != nil {
		t.Fatalf("DecodeCriteria: %v", err)
	}
	encoded, err := EncodeCriteria(root)
	if err != nil {
		t.Fatalf("EncodeCriteria: %v", err)
	}
	again, err := DecodeCriteria(encoded)
	if err != nil {
		t.Fatalf("DecodeCriteria(encoded): %v", err)
	}
	if !reflect.DeepEqual(root, again) {
		t.Errorf("round trip changed the tree:\n%s", encoded)
	}
}

func TestDecodeCriteria_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
		path string
	}{
		{"not json", `{"operator":`, "$"},
		{"bad range", `{"domain": "demographics", "operator": "between", "attribute": "age", "value": [1, 2, 3]}`, "$"},
		{"bad child", `{"operator": "OR", "children": [{"domain": "condition", "operator": "exists", "coding": {"code": "E11"}}, 42]}`, "$.children[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCriteria([]byte(tt.data))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if ve.Path != tt.path {
				t.Errorf("expected path %s, got %s", tt.path, ve.Path)
			}
		})
	}
}

func TestReferencedTypes(t *testing.T) {
	root, err := DecodeCriteria([]byte(sampleCriteria))
	if err != nil {
		t.Fatalf("DecodeCriteria: %v", err)
	}
	want := []ResourceType{fhirmodels.ResourceCondition, fhirmodels.ResourceObservation, fhirmodels.ResourcePatient}
	if got := ReferencedTypes(root); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got := CountLeaves(root); got != 6 {
		t.Errorf("expected 6 leaves, got %d", got)
	}
}

func TestLeafLabel(t *testing.T) {
	tests := []struct {
		leaf *LeafCriterion
		want string
	}{
		{&LeafCriterion{Domain: DomainCondition, Attribute: "diabetes", Coding: &Coding{Code: "E11", Display: "T2DM"}}, "diabetes"},
		{&LeafCriterion{Domain: DomainCondition, Coding: &Coding{Code: "E11", Display: "T2DM"}}, "T2DM"},
		{&LeafCriterion{Domain: DomainCondition, Coding: &Coding{Code: "E11"}}, "E11"},
		{&LeafCriterion{Domain: DomainCondition}, "condition"},
	}
	for _, tt := range tests {
		if got := tt.leaf.Label(); got != tt.want {
			t.Errorf("Label() = %q, want %q", got, tt.want)
		}
	}
}
