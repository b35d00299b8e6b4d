package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/trialmatch/internal/platform/metrics"
	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

type fhirCoding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

type fhirCodeableConcept struct {
	Coding []fhirCoding `json:"coding"`
	Text   string       `json:"text"`
}

type fhirQuantity struct {
	Value *float64 `json:"value"`
	Unit  string   `json:"unit"`
	Code  string   `json:"code"`
}

type fhirPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// fhirResource holds the union of fields read from the supported resource
// types.
type fhirResource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Status       string `json:"status"`

	BirthDate string `json:"birthDate"`
	Gender    string `json:"gender"`

	ClinicalStatus     *fhirCodeableConcept `json:"clinicalStatus"`
	VerificationStatus *fhirCodeableConcept `json:"verificationStatus"`

	Code                      *fhirCodeableConcept `json:"code"`
	VaccineCode               *fhirCodeableConcept `json:"vaccineCode"`
	MedicationCodeableConcept *fhirCodeableConcept `json:"medicationCodeableConcept"`
	Relationship              *fhirCodeableConcept `json:"relationship"`
	Condition                 []struct {
		Code fhirCodeableConcept `json:"code"`
	} `json:"condition"`

	OnsetDateTime      string      `json:"onsetDateTime"`
	RecordedDate       string      `json:"recordedDate"`
	EffectiveDateTime  string      `json:"effectiveDateTime"`
	EffectivePeriod    *fhirPeriod `json:"effectivePeriod"`
	PerformedDateTime  string      `json:"performedDateTime"`
	PerformedPeriod    *fhirPeriod `json:"performedPeriod"`
	AuthoredOn         string      `json:"authoredOn"`
	OccurrenceDateTime string      `json:"occurrenceDateTime"`
	Date               string      `json:"date"`
	Issued             string      `json:"issued"`

	ValueQuantity        *fhirQuantity        `json:"valueQuantity"`
	ValueString          *string              `json:"valueString"`
	ValueBoolean         *bool                `json:"valueBoolean"`
	ValueInteger         *int                 `json:"valueInteger"`
	ValueCodeableConcept *fhirCodeableConcept `json:"valueCodeableConcept"`
	Conclusion           string               `json:"conclusion"`
}

// RecordsFromFHIR converts one FHIR resource into snapshot records. Most
// resources yield one record; a FamilyMemberHistory yields one per listed
// condition.
func RecordsFromFHIR(raw json.RawMessage) (ResourceType, []Record, error) {
	var res fhirResource
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", nil, fmt.Errorf("decode resource: %w", err)
	}
	rt := ResourceType(res.ResourceType)
	rec := Record{ID: res.ID, ResourceType: rt, Status: res.Status}

	switch res.ResourceType {
	case fhirmodels.ResourcePatient:
		rec.Date = parseFHIRTime(res.BirthDate)
		rec.Gender = res.Gender

	case fhirmodels.ResourceCondition:
		rec.Status = firstCode(res.ClinicalStatus)
		rec.VerificationStatus = firstCode(res.VerificationStatus)
		rec.Codings, rec.Display = conceptCodings(res.Code)
		rec.Date = firstTime(res.OnsetDateTime, res.RecordedDate)

	case fhirmodels.ResourceObservation:
		rec.Codings, rec.Display = conceptCodings(res.Code)
		rec.Date = parseFHIRTime(res.EffectiveDateTime)
		rec.Period = periodOf(res.EffectivePeriod)
		switch {
		case res.ValueQuantity != nil && res.ValueQuantity.Value != nil:
			unit := res.ValueQuantity.Unit
			if unit == "" {
				unit = res.ValueQuantity.Code
			}
			rec.Value.Quantity = &Quantity{Value: *res.ValueQuantity.Value, Unit: unit}
		case res.ValueInteger != nil:
			rec.Value.Quantity = &Quantity{Value: float64(*res.ValueInteger)}
		case res.ValueBoolean != nil:
			rec.Value.Boolean = res.ValueBoolean
		case res.ValueCodeableConcept != nil:
			cs, display := conceptCodings(res.ValueCodeableConcept)
			if len(cs) > 0 {
				c := cs[0]
				if c.Display == "" {
					c.Display = display
				}
				rec.Value.Coding = &c
			} else if display != "" {
				rec.Value.Text = &display
			}
		case res.ValueString != nil:
			rec.Value.Text = res.ValueString
		}

	case fhirmodels.ResourceProcedure:
		rec.Codings, rec.Display = conceptCodings(res.Code)
		rec.Date = parseFHIRTime(res.PerformedDateTime)
		rec.Period = periodOf(res.PerformedPeriod)

	case fhirmodels.ResourceMedicationRequest:
		rec.Codings, rec.Display = conceptCodings(res.MedicationCodeableConcept)
		rec.Date = parseFHIRTime(res.AuthoredOn)

	case fhirmodels.ResourceImmunization:
		rec.Codings, rec.Display = conceptCodings(res.VaccineCode)
		rec.Date = parseFHIRTime(res.OccurrenceDateTime)

	case fhirmodels.ResourceDiagnosticReport:
		rec.Codings, rec.Display = conceptCodings(res.Code)
		rec.Date = firstTime(res.Issued, res.EffectiveDateTime)
		rec.Period = periodOf(res.EffectivePeriod)
		if res.Conclusion != "" {
			conclusion := res.Conclusion
			rec.Value.Text = &conclusion
		}

	case fhirmodels.ResourceFamilyMemberHistory:
		rec.Date = parseFHIRTime(res.Date)
		if cs, display := conceptCodings(res.Relationship); len(cs) > 0 {
			c := cs[0]
			if c.Display == "" {
				c.Display = display
			}
			rec.Value.Coding = &c
		}
		out := make([]Record, 0, len(res.Condition))
		for _, cond := range res.Condition {
			r := rec
			r.Codings, r.Display = conceptCodings(&cond.Code)
			out = append(out, r)
		}
		return rt, out, nil

	default:
		return rt, nil, fmt.Errorf("unsupported resource type %q", res.ResourceType)
	}
	if rec.Date != nil {
		rec.Period = nil
	}
	return rt, []Record{rec}, nil
}

type fhirBundle struct {
	ResourceType string `json:"resourceType"`
	Link         []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

func (b *fhirBundle) next() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// SnapshotFromBundle builds a snapshot from a FHIR Bundle. When patientID is
// empty the id of the first Patient entry is used. Unsupported resource types
// are skipped.
func SnapshotFromBundle(data []byte, patientID string) (*Snapshot, error) {
	var bundle fhirBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected a Bundle, got %q", bundle.ResourceType)
	}
	b := NewSnapshotBuilder(patientID)
	for i, e := range bundle.Entry {
		rt, recs, err := RecordsFromFHIR(e.Resource)
		if err != nil {
			if rt != "" && !supportedResourceType(rt) {
				continue
			}
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		if rt == fhirmodels.ResourcePatient && b.patientID == "" && len(recs) > 0 {
			b.patientID = recs[0].ID
		}
		b.Add(rt, recs...)
	}
	return b.Build(), nil
}

func supportedResourceType(rt ResourceType) bool {
	for _, d := range Domains {
		if d.DefaultResourceType() == rt {
			return true
		}
	}
	return false
}

// FHIRSource fetches snapshots from a FHIR REST server, one search per
// resource type.
type FHIRSource struct {
	baseURL   string
	client    *http.Client
	assembler *Assembler
}

// maxSearchPages bounds how many Bundle pages are followed per search.
const maxSearchPages = 20

// NewFHIRSource creates a source for the server at baseURL. A nil client
// selects http.DefaultClient.
func NewFHIRSource(baseURL string, client *http.Client, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *FHIRSource {
	if client == nil {
		client = http.DefaultClient
	}
	s := &FHIRSource{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    client,
		assembler: NewAssembler(timeout, m, logger),
	}
	s.assembler.Register(fhirmodels.ResourcePatient, s.fetchPatient)
	for _, d := range Domains {
		rt := d.DefaultResourceType()
		if rt == fhirmodels.ResourcePatient {
			continue
		}
		s.assembler.Register(rt, func(ctx context.Context, patientID string) ([]Record, error) {
			return s.search(ctx, rt, patientID)
		})
	}
	return s
}

func (s *FHIRSource) Fetch(ctx context.Context, patientID string, types []ResourceType) (*Snapshot, error) {
	return s.assembler.Fetch(ctx, patientID, types)
}

var errNotFound = errors.New("not found")

func (s *FHIRSource) fetchPatient(ctx context.Context, patientID string) ([]Record, error) {
	body, err := s.get(ctx, s.baseURL+"/Patient/"+url.PathEscape(patientID))
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_, recs, err := RecordsFromFHIR(body)
	return recs, err
}

func (s *FHIRSource) search(ctx context.Context, rt ResourceType, patientID string) ([]Record, error) {
	q := url.Values{}
	q.Set("patient", patientID)
	q.Set("_count", "500")
	next := s.baseURL + "/" + string(rt) + "?" + q.Encode()

	var out []Record
	for page := 0; next != "" && page < maxSearchPages; page++ {
		body, err := s.get(ctx, next)
		if err != nil {
			return nil, err
		}
		var bundle fhirBundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			return nil, fmt.Errorf("decode %s search bundle: %w", rt, err)
		}
		for _, e := range bundle.Entry {
			entryType, recs, err := RecordsFromFHIR(e.Resource)
			if err != nil && (entryType == "" || entryType == rt) {
				return nil, err
			}
			// Searches may include other resource types (_include, OperationOutcome).
			if entryType != rt {
				continue
			}
			out = append(out, recs...)
		}
		next = bundle.next()
	}
	return out, nil
}

func (s *FHIRSource) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return body, nil
}

func firstCode(cc *fhirCodeableConcept) string {
	if cc == nil || len(cc.Coding) == 0 {
		return ""
	}
	return cc.Coding[0].Code
}

// conceptCodings returns the codings of a concept and a display: the
// concept text, else the first coding display.
func conceptCodings(cc *fhirCodeableConcept) ([]Coding, string) {
	if cc == nil {
		return nil, ""
	}
	var out []Coding
	display := cc.Text
	for _, c := range cc.Coding {
		if c.Code == "" {
			continue
		}
		out = append(out, Coding{System: c.System, Code: c.Code, Display: c.Display})
		if display == "" {
			display = c.Display
		}
	}
	return out, display
}

var fhirTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// parseFHIRTime accepts FHIR date and dateTime forms; unparseable or empty
// input yields nil.
func parseFHIRTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range fhirTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstTime(values ...string) *time.Time {
	for _, v := range values {
		if t := parseFHIRTime(v); t != nil {
			return t
		}
	}
	return nil
}

func periodOf(p *fhirPeriod) *Period {
	if p == nil {
		return nil
	}
	start, end := parseFHIRTime(p.Start), parseFHIRTime(p.End)
	if start == nil && end == nil {
		return nil
	}
	return &Period{Start: start, End: end}
}
