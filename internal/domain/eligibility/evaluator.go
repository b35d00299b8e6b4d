package eligibility

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AbsentDataPolicy decides what exists/not_exists return when the snapshot
// holds no record at all of the leaf's resource type.
type AbsentDataPolicy string

const (
	// AbsentNotMet treats a missing resource type like an empty one:
	// exists is NotMet and not_exists is Met.
	AbsentNotMet AbsentDataPolicy = "not_met"
	// AbsentIndeterminate flags the leaf for manual review instead.
	AbsentIndeterminate AbsentDataPolicy = "indeterminate"
)

// ParseAbsentDataPolicy accepts "not_met" or "indeterminate"; empty selects
// AbsentNotMet.
func ParseAbsentDataPolicy(s string) (AbsentDataPolicy, error) {
	switch AbsentDataPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", AbsentNotMet:
		return AbsentNotMet, nil
	case AbsentIndeterminate:
		return AbsentIndeterminate, nil
	}
	return "", fmt.Errorf("unknown absent data policy %q", s)
}

// Env is the read-only context shared by every leaf of one evaluation.
type Env struct {
	ReferenceTime time.Time
	Matcher       *Matcher
	AbsentData    AbsentDataPolicy
}

// LeafEvaluator evaluates one leaf against a snapshot. Implementations must
// not retain or modify the leaf or snapshot.
type LeafEvaluator interface {
	EvaluateLeaf(env *Env, leaf *LeafCriterion, snap *Snapshot) *Verdict
}

// evaluators maps every domain to its evaluator.
var evaluators = map[Domain]LeafEvaluator{
	DomainDemographics:     demographicsEvaluator{},
	DomainCondition:        &resourceEvaluator{profile: conditionProfile},
	DomainObservation:      &resourceEvaluator{profile: observationProfile},
	DomainProcedure:        &resourceEvaluator{profile: procedureProfile},
	DomainMedication:       &resourceEvaluator{profile: medicationProfile},
	DomainImmunization:     &resourceEvaluator{profile: immunizationProfile},
	DomainFamilyHistory:    &resourceEvaluator{profile: familyHistoryProfile},
	DomainDiagnosticReport: &resourceEvaluator{profile: diagnosticReportProfile},
}

// EvaluateLeaf dispatches on the leaf's domain.
func EvaluateLeaf(env *Env, leaf *LeafCriterion, snap *Snapshot) *Verdict {
	ev, ok := evaluators[leaf.Domain]
	if !ok {
		return indeterminate(fmt.Sprintf("no evaluator for domain %q", leaf.Domain), nil)
	}
	return ev.EvaluateLeaf(env, leaf, snap)
}

// domainProfile is what differs between the record-backed domains.
type domainProfile struct {
	domain Domain
	// noun names records in reasons, e.g. "condition".
	noun string
	// inScope reports whether a record's status keeps it in consideration.
	inScope func(leaf *LeafCriterion, rec Record) bool
}

// resourceEvaluator implements the shared policy for every domain backed by
// coded clinical records.
type resourceEvaluator struct {
	profile domainProfile
}

type matchedRecord struct {
	rec   Record
	match Match
}

func (e *resourceEvaluator) EvaluateLeaf(env *Env, leaf *LeafCriterion, snap *Snapshot) *Verdict {
	rt := leaf.TargetResourceType()
	if fe := snap.Unavailable(rt); fe != nil {
		v := indeterminate("data unavailable: "+string(rt), nil)
		v.Unavailable = rt
		return v
	}

	all := snap.Records(rt)
	var matches []matchedRecord
	for _, rec := range all {
		if !e.profile.inScope(leaf, rec) {
			continue
		}
		m := env.Matcher.Match(e.profile.domain, leaf.Coding, leaf.Attribute, rec)
		if m.Matched {
			matches = append(matches, matchedRecord{rec: rec, match: m})
		}
	}

	label := leaf.Label()
	switch leaf.Operator {
	case OpExists:
		if len(matches) > 0 {
			return met(fmt.Sprintf("found %d matching %s record(s) for %s", len(matches), e.profile.noun, label),
				bestConfidence(matches), evidenceFor(matches))
		}
		if env.AbsentData == AbsentIndeterminate && len(all) == 0 {
			return indeterminate(fmt.Sprintf("no %s records on file", rt), nil)
		}
		return notMet(fmt.Sprintf("no matching %s found for %s", e.profile.noun, label), ConfidenceExact, nil)

	case OpNotExists:
		if len(matches) > 0 {
			return notMet(fmt.Sprintf("found %d matching %s record(s) for %s", len(matches), e.profile.noun, label),
				bestConfidence(matches), evidenceFor(matches))
		}
		if env.AbsentData == AbsentIndeterminate && len(all) == 0 {
			return indeterminate(fmt.Sprintf("no %s records on file", rt), nil)
		}
		return met(fmt.Sprintf("no matching %s found for %s", e.profile.noun, label), ConfidenceExact, nil)

	case OpWithinDays:
		return e.withinDays(env, leaf, rt, all, matches)
	}

	if len(matches) == 0 {
		return indeterminate(fmt.Sprintf("no matching %s record to compare for %s", e.profile.noun, label), nil)
	}
	latest := mostRecent(matches)
	v := compareRecordValue(leaf, label, latest.rec)
	v.Evidence = []Evidence{evidenceOf(latest)}
	if v.Status != StatusIndeterminate {
		v.Confidence = latest.match.Confidence
	}
	return v
}

func (e *resourceEvaluator) withinDays(env *Env, leaf *LeafCriterion, rt ResourceType, all []Record, matches []matchedRecord) *Verdict {
	days := *leaf.Value.Number
	label := leaf.Label()
	if len(matches) == 0 {
		if env.AbsentData == AbsentIndeterminate && len(all) == 0 {
			return indeterminate(fmt.Sprintf("no %s records on file", rt), nil)
		}
		return notMet(fmt.Sprintf("no matching %s found for %s", e.profile.noun, label), ConfidenceExact, nil)
	}

	ref := env.ReferenceTime
	from := ref.Add(-time.Duration(days * float64(24*time.Hour)))
	var inside []matchedRecord
	dated := 0
	for _, m := range matches {
		start, end := recordInterval(m.rec)
		if start == nil {
			continue
		}
		dated++
		// Overlap of [start, end] with [from, ref].
		if !start.After(ref) && !end.Before(from) {
			inside = append(inside, m)
		}
	}
	window := fmt.Sprintf("%s days", formatNumber(days))
	switch {
	case len(inside) > 0:
		return met(fmt.Sprintf("%s %s recorded within %s", e.profile.noun, label, window),
			bestConfidence(inside), evidenceFor(inside))
	case dated == 0:
		return indeterminate(fmt.Sprintf("matching %s for %s has no recorded date", e.profile.noun, label), evidenceFor(matches))
	}
	latest := mostRecent(matches)
	return notMet(fmt.Sprintf("most recent %s for %s is outside %s", e.profile.noun, label, window),
		latest.match.Confidence, []Evidence{evidenceOf(latest)})
}

// recordInterval returns the closed interval a record occupies; a single
// date is a zero-length interval, an open period end extends to its start.
func recordInterval(rec Record) (start, end *time.Time) {
	if rec.Date != nil {
		return rec.Date, rec.Date
	}
	if rec.Period == nil {
		return nil, nil
	}
	start, end = rec.Period.Start, rec.Period.End
	switch {
	case start == nil:
		start = end
	case end == nil:
		end = start
	}
	return start, end
}

// mostRecent picks the latest anchored record; undated records sort last and
// ties keep snapshot order.
func mostRecent(matches []matchedRecord) matchedRecord {
	ordered := append([]matchedRecord(nil), matches...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].rec.Anchor(), ordered[j].rec.Anchor()
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return ordered[0]
}

func bestConfidence(matches []matchedRecord) float64 {
	best := 0.0
	for _, m := range matches {
		if m.match.Confidence > best {
			best = m.match.Confidence
		}
	}
	return best
}

func evidenceFor(matches []matchedRecord) []Evidence {
	out := make([]Evidence, 0, len(matches))
	for _, m := range matches {
		out = append(out, evidenceOf(m))
	}
	return out
}

func evidenceOf(m matchedRecord) Evidence {
	ev := Evidence{
		ResourceType: m.rec.ResourceType,
		ID:           m.rec.ID,
		Display:      m.rec.Display,
		Status:       m.rec.Status,
		Value:        m.rec.Value.String(),
		Date:         m.rec.Anchor(),
		MatchedBy:    string(m.match.Kind),
	}
	c := m.match.Coding
	if c == nil && len(m.rec.Codings) > 0 {
		c = &m.rec.Codings[0]
	}
	if c != nil {
		ev.System = c.System
		ev.Code = c.Code
		if ev.Display == "" {
			ev.Display = c.Display
		}
	}
	return ev
}

// compareRecordValue applies a comparison operator to the record's value.
func compareRecordValue(leaf *LeafCriterion, label string, rec Record) *Verdict {
	subject := label + " " + rec.Value.String()
	if rec.Value.IsZero() {
		return indeterminate(fmt.Sprintf("most recent %s record has no value", label), nil)
	}

	if q := rec.Value.Quantity; q != nil && leaf.Unit != "" && q.Unit != "" && !unitsEqual(leaf.Unit, q.Unit) {
		return indeterminate(fmt.Sprintf("unit mismatch: criterion %s, record %s", leaf.Unit, q.Unit), nil)
	}

	if leaf.Operator == OpEquals && leaf.Value.Number == nil {
		return compareCategorical(leaf, subject, rec.Value)
	}

	actual, ok := numericValue(rec.Value)
	if !ok {
		return indeterminate(fmt.Sprintf("%s is not numeric", subject), nil)
	}
	holds, phrase := compareNumber(leaf.Operator, actual, leaf.Value)
	if holds {
		return met(subject+" "+phrase, 0, nil)
	}
	return notMet(subject+" "+phrase, 0, nil)
}

func compareCategorical(leaf *LeafCriterion, subject string, v RecordValue) *Verdict {
	switch {
	case leaf.Value.Bool != nil:
		if v.Boolean == nil {
			return indeterminate(fmt.Sprintf("%s is not a boolean", subject), nil)
		}
		if *v.Boolean == *leaf.Value.Bool {
			return met(fmt.Sprintf("%s equals %t", subject, *leaf.Value.Bool), 0, nil)
		}
		return notMet(fmt.Sprintf("%s does not equal %t", subject, *leaf.Value.Bool), 0, nil)

	case leaf.Value.Text != nil:
		want := normalizeText(*leaf.Value.Text)
		var candidates []string
		switch {
		case v.Text != nil:
			candidates = append(candidates, *v.Text)
		case v.Coding != nil:
			candidates = append(candidates, v.Coding.Code, v.Coding.Display)
		case v.Boolean != nil:
			candidates = append(candidates, strconv.FormatBool(*v.Boolean))
		case v.Quantity != nil:
			candidates = append(candidates, formatNumber(v.Quantity.Value))
		}
		for _, c := range candidates {
			if c != "" && normalizeText(c) == want {
				return met(fmt.Sprintf("%s equals %s", subject, *leaf.Value.Text), 0, nil)
			}
		}
		return notMet(fmt.Sprintf("%s does not equal %s", subject, *leaf.Value.Text), 0, nil)
	}
	return indeterminate("criterion has no comparable value", nil)
}

func numericValue(v RecordValue) (float64, bool) {
	switch {
	case v.Quantity != nil:
		return v.Quantity.Value, true
	case v.Text != nil:
		f, err := strconv.ParseFloat(strings.TrimSpace(*v.Text), 64)
		return f, err == nil
	}
	return 0, false
}

// compareNumber evaluates op over actual and returns whether it holds with
// a phrase describing the outcome.
func compareNumber(op Operator, actual float64, want Value) (bool, string) {
	switch op {
	case OpBetween:
		lo, hi := *want.Low, *want.High
		rng := fmt.Sprintf("between %s and %s", formatNumber(lo), formatNumber(hi))
		if actual >= lo && actual <= hi {
			return true, "is " + rng
		}
		return false, "is not " + rng
	case OpGreaterThan:
		bound := formatNumber(*want.Number)
		if actual > *want.Number {
			return true, "is greater than " + bound
		}
		return false, "is not greater than " + bound
	case OpLessThan:
		bound := formatNumber(*want.Number)
		if actual < *want.Number {
			return true, "is less than " + bound
		}
		return false, "is not less than " + bound
	case OpEquals:
		bound := formatNumber(*want.Number)
		if actual == *want.Number {
			return true, "equals " + bound
		}
		return false, "does not equal " + bound
	}
	return false, fmt.Sprintf("cannot be compared with %s", op)
}

func unitsEqual(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.Join(strings.Fields(s), ""))
	}
	return norm(a) == norm(b)
}

func statusIn(status string, set map[string]bool) bool {
	return set[strings.ToLower(strings.TrimSpace(status))]
}
