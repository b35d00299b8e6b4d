package eligibility

import (
	"fmt"
	"sort"
	"time"
)

// ResourceType is a FHIR resource type name such as "Condition".
type ResourceType string

// Quantity is a numeric value with an optional unit.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Period is a closed time interval; either bound may be open.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// RecordValue is the domain-specific value carried by a record. At most one
// field is set; a record with none only asserts presence.
type RecordValue struct {
	Quantity *Quantity `json:"quantity,omitempty"`
	Text     *string   `json:"text,omitempty"`
	Boolean  *bool     `json:"boolean,omitempty"`
	Coding   *Coding   `json:"coding,omitempty"`
}

// IsZero reports whether the record carries no value.
func (v RecordValue) IsZero() bool {
	return v.Quantity == nil && v.Text == nil && v.Boolean == nil && v.Coding == nil
}

func (v RecordValue) String() string {
	switch {
	case v.Quantity != nil:
		s := formatNumber(v.Quantity.Value)
		if v.Quantity.Unit != "" {
			s += " " + v.Quantity.Unit
		}
		return s
	case v.Text != nil:
		return *v.Text
	case v.Boolean != nil:
		return fmt.Sprintf("%t", *v.Boolean)
	case v.Coding != nil:
		if v.Coding.Display != "" {
			return v.Coding.Display
		}
		return v.Coding.Code
	}
	return ""
}

// Record is one clinical resource of a patient, reduced to the fields the
// evaluators read.
type Record struct {
	ID                 string       `json:"id"`
	ResourceType       ResourceType `json:"resource_type"`
	Status             string       `json:"status,omitempty"`
	VerificationStatus string       `json:"verification_status,omitempty"`
	Codings            []Coding     `json:"codings,omitempty"`
	Display            string       `json:"display,omitempty"`
	Date               *time.Time   `json:"date,omitempty"`
	Period             *Period      `json:"period,omitempty"`
	Value              RecordValue  `json:"value"`
	// Gender is only populated on Patient records.
	Gender string `json:"gender,omitempty"`
}

// Anchor returns the instant used to order records: the date, else the
// period end, else the period start.
func (r Record) Anchor() *time.Time {
	if r.Date != nil {
		return r.Date
	}
	if r.Period != nil {
		if r.Period.End != nil {
			return r.Period.End
		}
		return r.Period.Start
	}
	return nil
}

// FetchError records that a resource type could not be retrieved.
type FetchError struct {
	ResourceType ResourceType
	Err          error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.ResourceType, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Snapshot is the immutable set of a patient's records used for one
// evaluation. Construct with NewSnapshot or a SnapshotBuilder.
type Snapshot struct {
	patientID   string
	records     map[ResourceType][]Record
	unavailable map[ResourceType]*FetchError
}

// NewSnapshot copies records into a new Snapshot.
func NewSnapshot(patientID string, records map[ResourceType][]Record) *Snapshot {
	b := NewSnapshotBuilder(patientID)
	for rt, recs := range records {
		b.Add(rt, recs...)
	}
	return b.Build()
}

// PatientID returns the id the snapshot was fetched for.
func (s *Snapshot) PatientID() string { return s.patientID }

// Records returns the records of a type. The returned slice must not be
// modified.
func (s *Snapshot) Records(rt ResourceType) []Record {
	return s.records[rt]
}

// Has reports whether at least one record of the type was fetched.
func (s *Snapshot) Has(rt ResourceType) bool {
	return len(s.records[rt]) > 0
}

// Unavailable returns the fetch failure for a type, or nil.
func (s *Snapshot) Unavailable(rt ResourceType) *FetchError {
	return s.unavailable[rt]
}

// UnavailableTypes lists the types that failed to fetch, sorted.
func (s *Snapshot) UnavailableTypes() []ResourceType {
	out := make([]ResourceType, 0, len(s.unavailable))
	for rt := range s.unavailable {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SnapshotBuilder accumulates records and fetch failures. It is not safe for
// concurrent use; Build hands ownership to the immutable Snapshot.
type SnapshotBuilder struct {
	patientID   string
	records     map[ResourceType][]Record
	unavailable map[ResourceType]*FetchError
}

func NewSnapshotBuilder(patientID string) *SnapshotBuilder {
	return &SnapshotBuilder{
		patientID:   patientID,
		records:     make(map[ResourceType][]Record),
		unavailable: make(map[ResourceType]*FetchError),
	}
}

// Add appends records of a type, stamping ResourceType where it is empty.
func (b *SnapshotBuilder) Add(rt ResourceType, recs ...Record) *SnapshotBuilder {
	for _, r := range recs {
		if r.ResourceType == "" {
			r.ResourceType = rt
		}
		r.Codings = append([]Coding(nil), r.Codings...)
		b.records[rt] = append(b.records[rt], r)
	}
	return b
}

// Fail marks a type as unavailable.
func (b *SnapshotBuilder) Fail(rt ResourceType, err error) *SnapshotBuilder {
	b.unavailable[rt] = &FetchError{ResourceType: rt, Err: err}
	return b
}

func (b *SnapshotBuilder) Build() *Snapshot {
	s := &Snapshot{
		patientID:   b.patientID,
		records:     b.records,
		unavailable: b.unavailable,
	}
	b.records = make(map[ResourceType][]Record)
	b.unavailable = make(map[ResourceType]*FetchError)
	return s
}

// ReferencedTypes lists every resource type a tree reads, sorted.
func ReferencedTypes(root Node) []ResourceType {
	seen := make(map[ResourceType]bool)
	var walk func(Node)
	walk = func(n Node) {
		switch t := n.(type) {
		case *LogicalNode:
			for _, c := range t.Children {
				walk(c)
			}
		case *LeafCriterion:
			seen[t.TargetResourceType()] = true
		}
	}
	walk(root)
	out := make([]ResourceType, 0, len(seen))
	for rt := range seen {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
