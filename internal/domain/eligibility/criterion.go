package eligibility

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

// Node is one element of a criteria tree: either a *LogicalNode or a
// *LeafCriterion. Trees are built by the caller and never mutated here.
type Node interface {
	node()
}

// LogicalOperator combines child verdicts.
type LogicalOperator string

const (
	OpAnd LogicalOperator = "AND"
	OpOr  LogicalOperator = "OR"
	OpNot LogicalOperator = "NOT"
)

// LogicalNode is an AND/OR/NOT combinator over ordered children.
type LogicalNode struct {
	Operator LogicalOperator
	Children []Node
}

func (*LogicalNode) node() {}

// Domain selects the resource evaluator for a leaf.
type Domain string

const (
	DomainDemographics     Domain = "demographics"
	DomainCondition        Domain = "condition"
	DomainObservation      Domain = "observation"
	DomainProcedure        Domain = "procedure"
	DomainMedication       Domain = "medication"
	DomainImmunization     Domain = "immunization"
	DomainFamilyHistory    Domain = "family_history"
	DomainDiagnosticReport Domain = "diagnostic_report"
)

// Domains lists every supported domain in a stable order.
var Domains = []Domain{
	DomainDemographics, DomainCondition, DomainObservation, DomainProcedure,
	DomainMedication, DomainImmunization, DomainFamilyHistory, DomainDiagnosticReport,
}

// DefaultResourceType returns the resource type a domain reads when the leaf
// does not name one.
func (d Domain) DefaultResourceType() ResourceType {
	switch d {
	case DomainDemographics:
		return fhirmodels.ResourcePatient
	case DomainCondition:
		return fhirmodels.ResourceCondition
	case DomainObservation:
		return fhirmodels.ResourceObservation
	case DomainProcedure:
		return fhirmodels.ResourceProcedure
	case DomainMedication:
		return fhirmodels.ResourceMedicationRequest
	case DomainImmunization:
		return fhirmodels.ResourceImmunization
	case DomainFamilyHistory:
		return fhirmodels.ResourceFamilyMemberHistory
	case DomainDiagnosticReport:
		return fhirmodels.ResourceDiagnosticReport
	}
	return ""
}

func (d Domain) valid() bool {
	return d.DefaultResourceType() != ""
}

// Operator is the comparison a leaf applies.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpBetween     Operator = "between"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpWithinDays  Operator = "within_days"
)

func (o Operator) valid() bool {
	switch o {
	case OpEquals, OpBetween, OpGreaterThan, OpLessThan, OpExists, OpNotExists, OpWithinDays:
		return true
	}
	return false
}

// Coding identifies a concept in a coding system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Value is the comparison operand of a leaf: a scalar (number, string or
// boolean) or a [low, high] numeric range.
type Value struct {
	Number *float64
	Text   *string
	Bool   *bool
	Low    *float64
	High   *float64
}

// IsZero reports whether no operand was supplied.
func (v Value) IsZero() bool {
	return v.Number == nil && v.Text == nil && v.Bool == nil && v.Low == nil && v.High == nil
}

// IsRange reports whether the value is a [low, high] pair.
func (v Value) IsRange() bool {
	return v.Low != nil && v.High != nil
}

func (v Value) String() string {
	switch {
	case v.IsRange():
		return fmt.Sprintf("[%s, %s]", formatNumber(*v.Low), formatNumber(*v.High))
	case v.Number != nil:
		return formatNumber(*v.Number)
	case v.Text != nil:
		return *v.Text
	case v.Bool != nil:
		return strconv.FormatBool(*v.Bool)
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.IsRange():
		return json.Marshal([2]float64{*v.Low, *v.High})
	case v.Number != nil:
		return json.Marshal(*v.Number)
	case v.Text != nil:
		return json.Marshal(*v.Text)
	case v.Bool != nil:
		return json.Marshal(*v.Bool)
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	*v = Value{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '[':
		var pair []float64
		if err := json.Unmarshal(data, &pair); err != nil {
			return fmt.Errorf("range value must be [low, high] numbers: %w", err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("range value must have exactly 2 elements, got %d", len(pair))
		}
		v.Low, v.High = &pair[0], &pair[1]
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v.Text = &s
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		v.Bool = &b
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("unsupported value %s", string(data))
		}
		v.Number = &f
	}
	return nil
}

// NumberValue builds a scalar numeric Value.
func NumberValue(f float64) Value { return Value{Number: &f} }

// RangeValue builds a [low, high] Value.
func RangeValue(low, high float64) Value { return Value{Low: &low, High: &high} }

// TextValue builds a categorical Value.
func TextValue(s string) Value { return Value{Text: &s} }

// BoolValue builds a boolean Value.
func BoolValue(b bool) Value { return Value{Bool: &b} }

// LeafCriterion is an atomic eligibility rule against one clinical domain.
type LeafCriterion struct {
	ID           string
	Domain       Domain
	Operator     Operator
	Attribute    string
	Value        Value
	Unit         string
	Coding       *Coding
	ResourceType ResourceType
	// IncludeResolved keeps resolved or refuted conditions in scope
	// (e.g. "history of" criteria).
	IncludeResolved bool
}

func (*LeafCriterion) node() {}

// TargetResourceType is the resource type the leaf reads from the snapshot.
func (l *LeafCriterion) TargetResourceType() ResourceType {
	if l.ResourceType != "" {
		return l.ResourceType
	}
	return l.Domain.DefaultResourceType()
}

// Label is a short human description used in reasons.
func (l *LeafCriterion) Label() string {
	switch {
	case l.Attribute != "":
		return l.Attribute
	case l.Coding != nil && l.Coding.Display != "":
		return l.Coding.Display
	case l.Coding != nil:
		return l.Coding.Code
	}
	return string(l.Domain)
}

// And, Or and Not are convenience constructors for building trees in code.
func And(children ...Node) *LogicalNode { return &LogicalNode{Operator: OpAnd, Children: children} }
func Or(children ...Node) *LogicalNode  { return &LogicalNode{Operator: OpOr, Children: children} }
func Not(child Node) *LogicalNode       { return &LogicalNode{Operator: OpNot, Children: []Node{child}} }

// wireNode is the JSON shape of both node kinds.
type wireNode struct {
	ID              string            `json:"id,omitempty"`
	Operator        string            `json:"operator"`
	Children        []json.RawMessage `json:"children,omitempty"`
	Domain          string            `json:"domain,omitempty"`
	Attribute       string            `json:"attribute,omitempty"`
	Value           *Value            `json:"value,omitempty"`
	Unit            string            `json:"unit,omitempty"`
	Coding          *Coding           `json:"coding,omitempty"`
	ResourceType    string            `json:"resource_type,omitempty"`
	IncludeResolved bool              `json:"include_resolved,omitempty"`
}

// DecodeCriteria parses a criteria tree from JSON. Structural problems are
// reported as *ValidationError naming the offending path; semantic checks are
// left to Validator.
func DecodeCriteria(data []byte) (Node, error) {
	return decodeNode(data, rootPath)
}

func decodeNode(data []byte, path string) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, newValidationError(path, fmt.Sprintf("malformed node: %v", err))
	}
	if isLogicalOperator(w.Operator) || (w.Domain == "" && w.Children != nil) {
		n := &LogicalNode{Operator: LogicalOperator(strings.ToUpper(w.Operator))}
		for i, raw := range w.Children {
			child, err := decodeNode(raw, childPath(path, i))
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		}
		return n, nil
	}
	leaf := &LeafCriterion{
		ID:              w.ID,
		Domain:          Domain(strings.ToLower(w.Domain)),
		Operator:        Operator(strings.ToLower(w.Operator)),
		Attribute:       w.Attribute,
		Unit:            w.Unit,
		Coding:          w.Coding,
		ResourceType:    ResourceType(w.ResourceType),
		IncludeResolved: w.IncludeResolved,
	}
	if w.Value != nil {
		leaf.Value = *w.Value
	}
	return leaf, nil
}

func isLogicalOperator(op string) bool {
	switch LogicalOperator(strings.ToUpper(op)) {
	case OpAnd, OpOr, OpNot:
		return true
	}
	return false
}

// EncodeCriteria renders a tree back to its JSON wire shape.
func EncodeCriteria(n Node) ([]byte, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(n Node) (*wireNode, error) {
	switch t := n.(type) {
	case *LogicalNode:
		w := &wireNode{Operator: string(t.Operator), Children: []json.RawMessage{}}
		for _, c := range t.Children {
			cw, err := toWire(c)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(cw)
			if err != nil {
				return nil, err
			}
			w.Children = append(w.Children, raw)
		}
		return w, nil
	case *LeafCriterion:
		w := &wireNode{
			ID:              t.ID,
			Operator:        string(t.Operator),
			Domain:          string(t.Domain),
			Attribute:       t.Attribute,
			Unit:            t.Unit,
			Coding:          t.Coding,
			ResourceType:    string(t.ResourceType),
			IncludeResolved: t.IncludeResolved,
		}
		if !t.Value.IsZero() {
			v := t.Value
			w.Value = &v
		}
		return w, nil
	}
	return nil, fmt.Errorf("unknown node type %T", n)
}

const rootPath = "$"

func childPath(parent string, i int) string {
	return parent + ".children[" + strconv.Itoa(i) + "]"
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
