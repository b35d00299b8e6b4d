package eligibility

import (
	"fmt"
	"strings"
)

// evaluateNode walks the tree depth-first. Every child is evaluated even
// after the outcome is decided so the report explains each one.
func evaluateNode(env *Env, n Node, snap *Snapshot, path string) *Verdict {
	switch t := n.(type) {
	case *LeafCriterion:
		v := EvaluateLeaf(env, t, snap)
		v.Path = path
		v.Leaf = t
		return v
	case *LogicalNode:
		children := make([]*Verdict, len(t.Children))
		for i, c := range t.Children {
			children[i] = evaluateNode(env, c, snap, childPath(path, i))
		}
		v := combine(t.Operator, children)
		v.Path = path
		v.Operator = t.Operator
		v.Children = children
		return v
	}
	return &Verdict{Path: path, Status: StatusIndeterminate, Reason: fmt.Sprintf("unsupported node type %T", n)}
}

// combine applies the three-valued truth table of op to child verdicts.
func combine(op LogicalOperator, children []*Verdict) *Verdict {
	var metPaths, notMetPaths, indPaths []string
	var evidence []Evidence
	for _, c := range children {
		switch c.Status {
		case StatusMet:
			metPaths = append(metPaths, c.Path)
		case StatusNotMet:
			notMetPaths = append(notMetPaths, c.Path)
		default:
			indPaths = append(indPaths, c.Path)
		}
		evidence = append(evidence, c.Evidence...)
	}
	total := len(children)
	tally := fmt.Sprintf("%d of %d sub-criteria met", len(metPaths), total)

	var v *Verdict
	switch op {
	case OpAnd:
		switch {
		case len(notMetPaths) > 0:
			v = notMet("failed by: "+strings.Join(notMetPaths, ", "), maxConfidence(children, StatusNotMet), nil)
		case len(indPaths) > 0:
			v = indeterminate(tally+"; indeterminate: "+strings.Join(indPaths, ", "), nil)
		default:
			v = met(tally, minConfidence(children), nil)
		}
	case OpOr:
		switch {
		case len(metPaths) > 0:
			v = met(tally+"; satisfied by: "+strings.Join(metPaths, ", "), maxConfidence(children, StatusMet), nil)
		case len(indPaths) > 0:
			v = indeterminate(tally+"; indeterminate: "+strings.Join(indPaths, ", "), nil)
		default:
			v = notMet(tally+"; failed by: "+strings.Join(notMetPaths, ", "), minConfidence(children), nil)
		}
	case OpNot:
		c := children[0]
		switch c.Status {
		case StatusMet:
			v = notMet("negated: "+c.Path+" is met", c.Confidence, nil)
		case StatusNotMet:
			v = met("negated: "+c.Path+" is not met", c.Confidence, nil)
		default:
			v = indeterminate("negated criterion is indeterminate: "+c.Reason, nil)
		}
	default:
		v = indeterminate(fmt.Sprintf("unknown logical operator %q", op), nil)
	}
	v.Evidence = evidence
	return v
}

func minConfidence(children []*Verdict) float64 {
	if len(children) == 0 {
		return 0
	}
	lowest := children[0].Confidence
	for _, c := range children[1:] {
		if c.Confidence < lowest {
			lowest = c.Confidence
		}
	}
	return lowest
}

func maxConfidence(children []*Verdict, status Status) float64 {
	best := 0.0
	for _, c := range children {
		if c.Status == status && c.Confidence > best {
			best = c.Confidence
		}
	}
	return best
}
