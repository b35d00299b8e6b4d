package eligibility

import (
	"fmt"
	"strings"
	"time"
)

const (
	attrAge    = "age"
	attrGender = "gender"
)

// demographicAttribute canonicalizes a demographics attribute name, returning
// "" for unsupported ones.
func demographicAttribute(attr string) string {
	switch strings.ToLower(strings.TrimSpace(attr)) {
	case "age", "age_years", "age in years":
		return attrAge
	case "gender", "sex", "administrative_gender":
		return attrGender
	}
	return ""
}

// AgeAt returns whole years elapsed from birth to at; a birthday not yet
// reached in at's year does not count. Both instants are compared as
// calendar dates in UTC.
func AgeAt(birth, at time.Time) int {
	birth, at = birth.UTC(), at.UTC()
	years := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		years--
	}
	return years
}

type demographicsEvaluator struct{}

func (demographicsEvaluator) EvaluateLeaf(env *Env, leaf *LeafCriterion, snap *Snapshot) *Verdict {
	rt := leaf.TargetResourceType()
	if fe := snap.Unavailable(rt); fe != nil {
		v := indeterminate("data unavailable: "+string(rt), nil)
		v.Unavailable = rt
		return v
	}
	patients := snap.Records(rt)
	if len(patients) == 0 {
		return indeterminate("patient record not found", nil)
	}
	p := patients[0]

	switch demographicAttribute(leaf.Attribute) {
	case attrAge:
		if p.Date == nil {
			return indeterminate("birth date unknown", nil)
		}
		age := AgeAt(*p.Date, env.ReferenceTime)
		if age < 0 {
			return indeterminate("birth date is after the reference time", nil)
		}
		ev := []Evidence{{ResourceType: rt, ID: p.ID, Value: fmt.Sprintf("%d years", age), Date: p.Date, MatchedBy: "birth_date"}}
		holds, phrase := compareNumber(leaf.Operator, float64(age), leaf.Value)
		reason := fmt.Sprintf("age %d %s", age, phrase)
		if holds {
			return met(reason, ConfidenceExact, ev)
		}
		return notMet(reason, ConfidenceExact, ev)

	case attrGender:
		gender := strings.ToLower(strings.TrimSpace(p.Gender))
		if gender == "" || gender == "unknown" {
			return indeterminate("gender unknown", nil)
		}
		want := ""
		if leaf.Value.Text != nil {
			want = strings.ToLower(strings.TrimSpace(*leaf.Value.Text))
		}
		ev := []Evidence{{ResourceType: rt, ID: p.ID, Value: gender, MatchedBy: "gender"}}
		if gender == want {
			return met(fmt.Sprintf("gender %s equals %s", gender, want), ConfidenceExact, ev)
		}
		return notMet(fmt.Sprintf("gender %s does not equal %s", gender, want), ConfidenceExact, ev)
	}
	return indeterminate(fmt.Sprintf("unsupported demographics attribute %q", leaf.Attribute), nil)
}
