package eligibility

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxDepth bounds criteria nesting; the root is depth 1.
const DefaultMaxDepth = 10

// ErrInvalidCriteria is wrapped by every ValidationError.
var ErrInvalidCriteria = errors.New("invalid criteria")

// ValidationError rejects a whole criteria tree. Path locates the offending
// node ("$" is the root, "$.children[1]" its second child).
type ValidationError struct {
	Path   string
	Reason string
}

func newValidationError(path, reason string) *ValidationError {
	return &ValidationError{Path: path, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid criteria at %s: %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidCriteria }

// Validator checks tree well-formedness before any evaluation happens.
type Validator struct {
	MaxDepth int
}

// NewValidator returns a Validator; maxDepth <= 0 selects DefaultMaxDepth.
func NewValidator(maxDepth int) *Validator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Validator{MaxDepth: maxDepth}
}

// Validate fails fast on the first problem found in depth-first order.
func (v *Validator) Validate(root Node) error {
	if root == nil {
		return newValidationError(rootPath, "criteria tree is empty")
	}
	return v.validate(root, rootPath, 1)
}

func (v *Validator) validate(n Node, path string, depth int) error {
	if depth > v.MaxDepth {
		return newValidationError(path, fmt.Sprintf("depth %d exceeds maximum %d", depth, v.MaxDepth))
	}
	switch t := n.(type) {
	case *LogicalNode:
		if t == nil {
			return newValidationError(path, "nil node")
		}
		switch t.Operator {
		case OpAnd, OpOr:
			if len(t.Children) == 0 {
				return newValidationError(path, fmt.Sprintf("%s requires at least one child", t.Operator))
			}
		case OpNot:
			if len(t.Children) != 1 {
				return newValidationError(path, fmt.Sprintf("NOT requires exactly one child, got %d", len(t.Children)))
			}
		default:
			return newValidationError(path, fmt.Sprintf("unknown logical operator %q", t.Operator))
		}
		for i, c := range t.Children {
			if err := v.validate(c, childPath(path, i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case *LeafCriterion:
		if t == nil {
			return newValidationError(path, "nil node")
		}
		return validateLeaf(t, path)
	case nil:
		return newValidationError(path, "nil node")
	}
	return newValidationError(path, fmt.Sprintf("unsupported node type %T", n))
}

func validateLeaf(l *LeafCriterion, path string) error {
	if !l.Domain.valid() {
		return newValidationError(path, fmt.Sprintf("unknown domain %q", l.Domain))
	}
	if !l.Operator.valid() {
		return newValidationError(path, fmt.Sprintf("unknown operator %q", l.Operator))
	}

	hasCode := l.Coding != nil && strings.TrimSpace(l.Coding.Code) != ""
	hasText := strings.TrimSpace(l.Attribute) != "" || (l.Coding != nil && strings.TrimSpace(l.Coding.Display) != "")

	if l.Domain == DomainDemographics {
		attr := demographicAttribute(l.Attribute)
		if attr == "" {
			return newValidationError(path, fmt.Sprintf("unsupported demographics attribute %q", l.Attribute))
		}
		if attr == attrGender && (l.Operator != OpEquals || l.Value.Text == nil) {
			return newValidationError(path, "gender supports only equals with a text value")
		}
		if attr == attrAge && l.Operator == OpEquals && l.Value.Number == nil {
			return newValidationError(path, "age equals requires a numeric value")
		}
		if l.Operator == OpExists || l.Operator == OpNotExists || l.Operator == OpWithinDays {
			return newValidationError(path, fmt.Sprintf("operator %s is not applicable to demographics", l.Operator))
		}
	} else if !hasCode && !hasText {
		return newValidationError(path, "leaf requires a coding or an attribute to match records")
	}

	switch l.Operator {
	case OpBetween:
		if !l.Value.IsRange() {
			return newValidationError(path, "between requires a [low, high] value")
		}
		if *l.Value.Low > *l.Value.High {
			return newValidationError(path, "between requires low <= high")
		}
	case OpGreaterThan, OpLessThan:
		if l.Value.Number == nil {
			return newValidationError(path, fmt.Sprintf("%s requires a numeric value", l.Operator))
		}
	case OpEquals:
		if l.Value.IsZero() || l.Value.IsRange() {
			return newValidationError(path, "equals requires a scalar value")
		}
	case OpWithinDays:
		if l.Value.Number == nil || *l.Value.Number < 0 {
			return newValidationError(path, "within_days requires a non-negative number of days")
		}
	}
	return nil
}
