package eligibility

import (
	"strings"
	"unicode"

	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

// Confidence assigned to each way a record can match a criterion.
const (
	ConfidenceExact    = 1.0
	ConfidenceCategory = 0.9
	ConfidenceText     = 0.6
)

// TextMatchThreshold is the minimum share of criterion tokens that must
// appear in one record text for a text match.
const TextMatchThreshold = 0.75

// MatchKind names the path through which a record matched.
type MatchKind string

const (
	MatchNone     MatchKind = ""
	MatchExact    MatchKind = "exact"
	MatchCategory MatchKind = "code_category"
	MatchText     MatchKind = "text"
)

// Match is the matcher's answer for one record.
type Match struct {
	Matched    bool
	Confidence float64
	Kind       MatchKind
	// Coding is the record coding that matched, if any.
	Coding *Coding
}

var noMatch = Match{}

// Matcher decides whether a record satisfies a criterion's coding or text.
// It holds no mutable state.
type Matcher struct {
	table *CodingTable
}

// NewMatcher returns a Matcher over table; nil selects DefaultCodingTable.
func NewMatcher(table *CodingTable) *Matcher {
	if table == nil {
		table = DefaultCodingTable()
	}
	return &Matcher{table: table}
}

// Table returns the coding table the matcher reads.
func (m *Matcher) Table() *CodingTable { return m.table }

// Match compares the criterion coding (optional) and free text (optional)
// against one record. The domain restricts which systems a bare code may be
// compared in.
func (m *Matcher) Match(d Domain, coding *Coding, text string, rec Record) Match {
	if coding != nil && strings.TrimSpace(coding.Code) != "" {
		if match := m.matchCode(d, coding, rec); match.Matched {
			return match
		}
	}

	criterionTexts := m.criterionTexts(coding, text)
	if len(criterionTexts) == 0 {
		return noMatch
	}
	recordTexts := m.recordTexts(rec)
	for _, ct := range criterionTexts {
		for _, rt := range recordTexts {
			if coverage(ct, rt) >= TextMatchThreshold {
				return Match{Matched: true, Confidence: ConfidenceText, Kind: MatchText}
			}
		}
	}
	return noMatch
}

func (m *Matcher) matchCode(d Domain, coding *Coding, rec Record) Match {
	code := strings.TrimSpace(coding.Code)

	if strings.TrimSpace(coding.System) == "" {
		allowed := m.table.CanonicalSystems(d)
		for i := range rec.Codings {
			rc := &rec.Codings[i]
			sys, _ := m.table.CanonicalSystem(rc.System)
			if containsString(allowed, sys) && codesEqual(rc.Code, code) {
				return Match{Matched: true, Confidence: ConfidenceExact, Kind: MatchExact, Coding: rc}
			}
		}
		return noMatch
	}

	system, _ := m.table.CanonicalSystem(coding.System)
	var category *Coding
	for i := range rec.Codings {
		rc := &rec.Codings[i]
		sys, _ := m.table.CanonicalSystem(rc.System)
		if sys != system {
			continue
		}
		if codesEqual(rc.Code, code) {
			return Match{Matched: true, Confidence: ConfidenceExact, Kind: MatchExact, Coding: rc}
		}
		if category == nil && isICD10(system) && icd10Category(code, rc.Code) {
			category = rc
		}
	}
	if category != nil {
		return Match{Matched: true, Confidence: ConfidenceCategory, Kind: MatchCategory, Coding: category}
	}
	return noMatch
}

func (m *Matcher) criterionTexts(coding *Coding, text string) [][]string {
	var raw []string
	raw = append(raw, text)
	if coding != nil {
		raw = append(raw, coding.Display)
		if coding.Code != "" && coding.System != "" {
			if c, ok := m.table.Concept(coding.System, coding.Code); ok {
				raw = append(raw, c.Display)
				raw = append(raw, c.Synonyms...)
			}
		}
	}
	for _, c := range m.table.ConceptsForText(text) {
		raw = append(raw, c.Display)
		raw = append(raw, c.Synonyms...)
	}
	return tokenSets(raw)
}

func (m *Matcher) recordTexts(rec Record) [][]string {
	raw := []string{rec.Display}
	for _, rc := range rec.Codings {
		raw = append(raw, rc.Display)
		if c, ok := m.table.Concept(rc.System, rc.Code); ok {
			raw = append(raw, c.Display)
			raw = append(raw, c.Synonyms...)
		}
	}
	if rec.Value.Coding != nil {
		raw = append(raw, rec.Value.Coding.Display)
	}
	return tokenSets(raw)
}

func tokenSets(raw []string) [][]string {
	out := make([][]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, s := range raw {
		toks := tokenize(s)
		if len(toks) == 0 {
			continue
		}
		key := strings.Join(toks, " ")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, toks)
	}
	return out
}

// coverage is the share of criterion tokens present in record tokens.
func coverage(criterion, record []string) float64 {
	if len(criterion) == 0 {
		return 0
	}
	have := make(map[string]bool, len(record))
	for _, t := range record {
		have[t] = true
	}
	hit := 0
	for _, t := range criterion {
		if have[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(criterion))
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true, "or": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "by": true,
	"with": true, "any": true, "patient": true, "patients": true,
}

// tokenize lower-cases, splits on anything that is not a letter or digit,
// drops stopwords and duplicates. Token order is preserved.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func normalizeText(s string) string {
	return strings.Join(tokenize(s), " ")
}

func codesEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func isICD10(system string) bool {
	return system == fhirmodels.SystemICD10CM || system == fhirmodels.SystemICD10
}

// icd10Category reports whether criterion names the category containing
// record: "E11" covers "E11.9" and "E11.65", not "E110".
func icd10Category(criterion, record string) bool {
	c := strings.ToUpper(strings.TrimSpace(criterion))
	r := strings.ToUpper(strings.TrimSpace(record))
	if c == "" || len(r) <= len(c) || !strings.HasPrefix(r, c) {
		return false
	}
	if strings.Contains(c, ".") {
		return true
	}
	return r[len(c)] == '.'
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
