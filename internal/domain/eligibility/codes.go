package eligibility

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

// CodingSystem is a registered vocabulary and the spellings that refer to it.
type CodingSystem struct {
	Name    string   `json:"name"`
	URI     string   `json:"uri"`
	Aliases []string `json:"aliases,omitempty"`
}

// Concept is a code with its preferred display and lay synonyms.
type Concept struct {
	System   string   `mapstructure:"system" json:"system"`
	Code     string   `mapstructure:"code" json:"code"`
	Display  string   `mapstructure:"display" json:"display"`
	Synonyms []string `mapstructure:"synonyms" json:"synonyms,omitempty"`
}

type conceptKey struct {
	system string
	code   string
}

// CodingTable resolves coding-system spellings and concept synonyms. A table
// is read-only once built and safe to share between goroutines.
type CodingTable struct {
	systems       []CodingSystem
	systemByKey   map[string]string
	domainSystems map[Domain][]string
	concepts      map[conceptKey]Concept
	textIndex     map[string][]conceptKey
}

var defaultSystems = []CodingSystem{
	{Name: "ICD-10-CM", URI: fhirmodels.SystemICD10CM, Aliases: []string{"ICD-10", "ICD10", "ICD-10-CM", "ICD10CM", "urn:oid:2.16.840.1.113883.6.90"}},
	{Name: "ICD-10 (WHO)", URI: fhirmodels.SystemICD10, Aliases: []string{"ICD-10-WHO", "urn:oid:2.16.840.1.113883.6.3"}},
	{Name: "ICD-10-PCS", URI: fhirmodels.SystemICD10PCS, Aliases: []string{"ICD-10-PCS", "ICD10PCS", "http://www.cms.gov/Medicare/Coding/ICD10/pcs", "urn:oid:2.16.840.1.113883.6.4"}},
	{Name: "SNOMED CT", URI: fhirmodels.SystemSNOMED, Aliases: []string{"SNOMED", "SNOMED-CT", "SNOMEDCT", "SCT", "urn:oid:2.16.840.1.113883.6.96"}},
	{Name: "LOINC", URI: fhirmodels.SystemLOINC, Aliases: []string{"LOINC", "LN", "urn:oid:2.16.840.1.113883.6.1"}},
	{Name: "CPT", URI: fhirmodels.SystemCPT, Aliases: []string{"CPT", "CPT-4", "CPT4", "urn:oid:2.16.840.1.113883.6.12"}},
	{Name: "RxNorm", URI: fhirmodels.SystemRxNorm, Aliases: []string{"RxNorm", "RXNORM", "RxCUI", "urn:oid:2.16.840.1.113883.6.88"}},
	{Name: "NDC", URI: fhirmodels.SystemNDC, Aliases: []string{"NDC", "urn:oid:2.16.840.1.113883.6.69"}},
	{Name: "CVX", URI: fhirmodels.SystemCVX, Aliases: []string{"CVX", "urn:oid:2.16.840.1.113883.12.292"}},
}

var defaultDomainSystems = map[Domain][]string{
	DomainCondition:        {fhirmodels.SystemICD10CM, fhirmodels.SystemICD10, fhirmodels.SystemSNOMED},
	DomainObservation:      {fhirmodels.SystemLOINC},
	DomainProcedure:        {fhirmodels.SystemCPT, fhirmodels.SystemSNOMED, fhirmodels.SystemICD10PCS},
	DomainMedication:       {fhirmodels.SystemRxNorm, fhirmodels.SystemNDC},
	DomainImmunization:     {fhirmodels.SystemCVX, fhirmodels.SystemSNOMED},
	DomainFamilyHistory:    {fhirmodels.SystemSNOMED, fhirmodels.SystemICD10CM, fhirmodels.SystemICD10},
	DomainDiagnosticReport: {fhirmodels.SystemLOINC, fhirmodels.SystemCPT},
}

var defaultConcepts = []Concept{
	// Conditions
	{System: fhirmodels.SystemICD10CM, Code: "E11", Display: "Type 2 diabetes mellitus", Synonyms: []string{"diabetes", "T2DM", "diabetes mellitus type 2"}},
	{System: fhirmodels.SystemICD10CM, Code: "E10", Display: "Type 1 diabetes mellitus", Synonyms: []string{"T1DM", "juvenile diabetes"}},
	{System: fhirmodels.SystemSNOMED, Code: "44054006", Display: "Diabetes mellitus type 2", Synonyms: []string{"T2DM", "type 2 diabetes"}},
	{System: fhirmodels.SystemSNOMED, Code: "73211009", Display: "Diabetes mellitus", Synonyms: []string{"diabetes"}},
	{System: fhirmodels.SystemICD10CM, Code: "I10", Display: "Essential (primary) hypertension", Synonyms: []string{"hypertension", "high blood pressure", "HTN"}},
	{System: fhirmodels.SystemSNOMED, Code: "38341003", Display: "Hypertensive disorder", Synonyms: []string{"hypertension"}},
	{System: fhirmodels.SystemICD10CM, Code: "I50", Display: "Heart failure", Synonyms: []string{"CHF", "congestive heart failure"}},
	{System: fhirmodels.SystemICD10CM, Code: "I21", Display: "Acute myocardial infarction", Synonyms: []string{"heart attack", "AMI"}},
	{System: fhirmodels.SystemICD10CM, Code: "C50", Display: "Malignant neoplasm of breast", Synonyms: []string{"breast cancer"}},
	{System: fhirmodels.SystemSNOMED, Code: "254837009", Display: "Malignant neoplasm of breast", Synonyms: []string{"breast cancer"}},
	{System: fhirmodels.SystemICD10CM, Code: "C34", Display: "Malignant neoplasm of bronchus and lung", Synonyms: []string{"lung cancer"}},
	{System: fhirmodels.SystemICD10CM, Code: "N18", Display: "Chronic kidney disease", Synonyms: []string{"CKD"}},
	{System: fhirmodels.SystemICD10CM, Code: "J44", Display: "Chronic obstructive pulmonary disease", Synonyms: []string{"COPD"}},
	{System: fhirmodels.SystemICD10CM, Code: "Z33.1", Display: "Pregnant state, incidental", Synonyms: []string{"pregnancy", "pregnant"}},
	// Observations
	{System: fhirmodels.SystemLOINC, Code: "89247-1", Display: "ECOG Performance Status score", Synonyms: []string{"ECOG", "ECOG performance status"}},
	{System: fhirmodels.SystemLOINC, Code: "4548-4", Display: "Hemoglobin A1c/Hemoglobin.total in Blood", Synonyms: []string{"HbA1c", "A1c", "glycated hemoglobin"}},
	{System: fhirmodels.SystemLOINC, Code: "2160-0", Display: "Creatinine [Mass/volume] in Serum or Plasma", Synonyms: []string{"creatinine", "serum creatinine"}},
	{System: fhirmodels.SystemLOINC, Code: "33914-3", Display: "Glomerular filtration rate/1.73 sq M.predicted", Synonyms: []string{"eGFR"}},
	{System: fhirmodels.SystemLOINC, Code: "39156-5", Display: "Body mass index (BMI) [Ratio]", Synonyms: []string{"BMI", "body mass index"}},
	{System: fhirmodels.SystemLOINC, Code: "8480-6", Display: "Systolic blood pressure", Synonyms: []string{"SBP", "systolic BP"}},
	{System: fhirmodels.SystemLOINC, Code: "8462-4", Display: "Diastolic blood pressure", Synonyms: []string{"DBP", "diastolic BP"}},
	{System: fhirmodels.SystemLOINC, Code: "718-7", Display: "Hemoglobin [Mass/volume] in Blood", Synonyms: []string{"hemoglobin", "Hgb"}},
	{System: fhirmodels.SystemLOINC, Code: "777-3", Display: "Platelets [#/volume] in Blood by Automated count", Synonyms: []string{"platelets", "platelet count"}},
	{System: fhirmodels.SystemLOINC, Code: "1742-6", Display: "Alanine aminotransferase [Enzymatic activity/volume] in Serum or Plasma", Synonyms: []string{"ALT"}},
	// Procedures
	{System: fhirmodels.SystemCPT, Code: "33533", Display: "Coronary artery bypass, using arterial graft(s); single arterial graft", Synonyms: []string{"CABG", "coronary artery bypass graft", "bypass surgery"}},
	{System: fhirmodels.SystemSNOMED, Code: "232717009", Display: "Coronary artery bypass grafting", Synonyms: []string{"CABG"}},
	{System: fhirmodels.SystemCPT, Code: "92928", Display: "Percutaneous transcatheter placement of intracoronary stent(s)", Synonyms: []string{"PCI", "coronary stent"}},
	{System: fhirmodels.SystemCPT, Code: "44970", Display: "Laparoscopy, surgical, appendectomy", Synonyms: []string{"appendectomy"}},
	// Medications
	{System: fhirmodels.SystemRxNorm, Code: "6809", Display: "Metformin", Synonyms: []string{"glucophage"}},
	{System: fhirmodels.SystemRxNorm, Code: "5856", Display: "Insulin"},
	{System: fhirmodels.SystemRxNorm, Code: "11289", Display: "Warfarin", Synonyms: []string{"coumadin"}},
	{System: fhirmodels.SystemRxNorm, Code: "1191", Display: "Aspirin", Synonyms: []string{"ASA"}},
	// Immunizations
	{System: fhirmodels.SystemCVX, Code: "140", Display: "Influenza, seasonal, injectable, preservative free", Synonyms: []string{"flu vaccine", "influenza vaccine"}},
	{System: fhirmodels.SystemCVX, Code: "208", Display: "COVID-19, mRNA, LNP-S, PF, 30 mcg/0.3 mL dose", Synonyms: []string{"COVID-19 vaccine", "COVID vaccine"}},
	{System: fhirmodels.SystemCVX, Code: "43", Display: "Hepatitis B vaccine, adult dosage", Synonyms: []string{"hepatitis B vaccine"}},
	// Diagnostic reports
	{System: fhirmodels.SystemLOINC, Code: "24323-8", Display: "Comprehensive metabolic 2000 panel - Serum or Plasma", Synonyms: []string{"CMP", "comprehensive metabolic panel"}},
	{System: fhirmodels.SystemLOINC, Code: "58410-2", Display: "CBC panel - Blood by Automated count", Synonyms: []string{"CBC", "complete blood count"}},
	{System: fhirmodels.SystemCPT, Code: "71046", Display: "Radiologic examination, chest; 2 views", Synonyms: []string{"chest x-ray"}},
}

var (
	defaultTableOnce sync.Once
	defaultTable     *CodingTable
)

// DefaultCodingTable returns the built-in table, constructed on first use.
func DefaultCodingTable() *CodingTable {
	defaultTableOnce.Do(func() {
		defaultTable = NewCodingTable(nil)
	})
	return defaultTable
}

// NewCodingTable builds a table from the built-in registry plus extra
// concepts. Extra concepts may name systems by alias; they are stored under
// the canonical URI.
func NewCodingTable(extra []Concept) *CodingTable {
	t := &CodingTable{
		systems:       append([]CodingSystem(nil), defaultSystems...),
		systemByKey:   make(map[string]string),
		domainSystems: make(map[Domain][]string, len(defaultDomainSystems)),
		concepts:      make(map[conceptKey]Concept),
		textIndex:     make(map[string][]conceptKey),
	}
	for _, s := range t.systems {
		t.systemByKey[systemKey(s.URI)] = s.URI
		for _, a := range s.Aliases {
			t.systemByKey[systemKey(a)] = s.URI
		}
	}
	for d, systems := range defaultDomainSystems {
		t.domainSystems[d] = append([]string(nil), systems...)
	}
	for _, c := range defaultConcepts {
		t.addConcept(c)
	}
	for _, c := range extra {
		t.addConcept(c)
	}
	return t
}

// LoadCodingTable reads extra concepts from a JSON or YAML file with a
// top-level "concepts" list and returns a new table containing them.
func LoadCodingTable(path string) (*CodingTable, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read coding table %s: %w", path, err)
	}
	var concepts []Concept
	if err := v.UnmarshalKey("concepts", &concepts); err != nil {
		return nil, fmt.Errorf("decode coding table %s: %w", path, err)
	}
	for i, c := range concepts {
		if strings.TrimSpace(c.System) == "" || strings.TrimSpace(c.Code) == "" {
			return nil, fmt.Errorf("coding table %s: concept %d requires system and code", path, i)
		}
	}
	return NewCodingTable(concepts), nil
}

func (t *CodingTable) addConcept(c Concept) {
	if uri, ok := t.CanonicalSystem(c.System); ok {
		c.System = uri
	}
	c.Code = strings.TrimSpace(c.Code)
	key := conceptKey{system: c.System, code: strings.ToUpper(c.Code)}
	if prev, ok := t.concepts[key]; ok {
		c.Synonyms = append(append([]string(nil), prev.Synonyms...), c.Synonyms...)
		if c.Display == "" {
			c.Display = prev.Display
		}
	}
	t.concepts[key] = c
	for _, text := range append([]string{c.Display}, c.Synonyms...) {
		norm := normalizeText(text)
		if norm == "" {
			continue
		}
		if !containsKey(t.textIndex[norm], key) {
			t.textIndex[norm] = append(t.textIndex[norm], key)
		}
	}
}

func containsKey(keys []conceptKey, k conceptKey) bool {
	for _, existing := range keys {
		if existing == k {
			return true
		}
	}
	return false
}

// CanonicalSystem maps any registered spelling of a coding system to its
// canonical URI. Unknown systems return the trimmed input and false.
func (t *CodingTable) CanonicalSystem(system string) (string, bool) {
	if uri, ok := t.systemByKey[systemKey(system)]; ok {
		return uri, true
	}
	return strings.TrimSpace(system), false
}

// SystemName returns the short name of a canonical system URI.
func (t *CodingTable) SystemName(uri string) string {
	for _, s := range t.systems {
		if s.URI == uri {
			return s.Name
		}
	}
	return uri
}

// Systems lists the registered coding systems.
func (t *CodingTable) Systems() []CodingSystem {
	out := append([]CodingSystem(nil), t.systems...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CanonicalSystems returns the canonical vocabularies of a domain.
func (t *CodingTable) CanonicalSystems(d Domain) []string {
	return t.domainSystems[d]
}

// Concept looks up a code; system may be any registered spelling.
func (t *CodingTable) Concept(system, code string) (Concept, bool) {
	uri, _ := t.CanonicalSystem(system)
	c, ok := t.concepts[conceptKey{system: uri, code: strings.ToUpper(strings.TrimSpace(code))}]
	return c, ok
}

// ConceptsForText returns concepts whose display or a synonym normalizes to
// the same text.
func (t *CodingTable) ConceptsForText(text string) []Concept {
	keys := t.textIndex[normalizeText(text)]
	out := make([]Concept, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.concepts[k])
	}
	return out
}

// Concepts lists every concept ordered by system then code.
func (t *CodingTable) Concepts() []Concept {
	out := make([]Concept, 0, len(t.concepts))
	for _, c := range t.concepts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].System != out[j].System {
			return out[i].System < out[j].System
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// Len returns the number of concepts.
func (t *CodingTable) Len() int { return len(t.concepts) }

func systemKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "/")
	if strings.Contains(s, ":") {
		return s
	}
	// Short names compare without punctuation: "ICD-10-CM" == "icd10cm".
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
