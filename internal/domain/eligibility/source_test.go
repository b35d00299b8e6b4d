package eligibility

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/trialmatch/internal/platform/metrics"
	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

func staticFetcher(recs ...Record) TypeFetcher {
	return func(context.Context, string) ([]Record, error) { return recs, nil }
}

func TestAssembler_Fetch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, reg)

	a := NewAssembler(50*time.Millisecond, m, zerolog.Nop())
	a.Register(fhirmodels.ResourcePatient, staticFetcher(patientRecord(date(1980, 6, 15), "female")))
	a.Register(fhirmodels.ResourceCondition, func(context.Context, string) ([]Record, error) {
		return nil, errors.New("connection refused")
	})
	a.Register(fhirmodels.ResourceObservation, func(ctx context.Context, _ string) ([]Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	types := []ResourceType{fhirmodels.ResourceCondition, fhirmodels.ResourceObservation, fhirmodels.ResourcePatient, fhirmodels.ResourceProcedure}
	start := time.Now()
	snap, err := a.Fetch(context.Background(), "p-1", types)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected the slow fetch to time out, took %s", elapsed)
	}

	if !snap.Has(fhirmodels.ResourcePatient) {
		t.Error("expected patient records")
	}
	if fe := snap.Unavailable(fhirmodels.ResourceObservation); fe == nil || !errors.Is(fe, context.DeadlineExceeded) {
		t.Errorf("expected observation timeout, got %v", fe)
	}
	if fe := snap.Unavailable(fhirmodels.ResourceProcedure); fe == nil || !errors.Is(fe, ErrNoFetcher) {
		t.Errorf("expected ErrNoFetcher for procedures, got %v", fe)
	}
	want := []ResourceType{fhirmodels.ResourceCondition, fhirmodels.ResourceObservation, fhirmodels.ResourceProcedure}
	got := snap.UnavailableTypes()
	if len(got) != len(want) {
		t.Fatalf("expected %v unavailable, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v unavailable, got %v", want, got)
		}
	}

	if n := testutil.ToFloat64(m.FetchFailures.WithLabelValues(fhirmodels.ResourceCondition)); n != 1 {
		t.Errorf("expected 1 condition fetch failure, got %v", n)
	}
}

func TestAssembler_FetchesEachTypeOnce(t *testing.T) {
	var calls atomic.Int32
	a := NewAssembler(0, nil, zerolog.Nop())
	a.Register(fhirmodels.ResourceCondition, func(context.Context, string) ([]Record, error) {
		calls.Add(1)
		return nil, nil
	})

	engine := NewEngine(a, WithClock(func() time.Time { return refTime }))
	root := And(
		codedLeaf(DomainCondition, OpExists, "ICD-10", "E11"),
		codedLeaf(DomainCondition, OpNotExists, "ICD-10", "C50"),
		Not(codedLeaf(DomainCondition, OpExists, "ICD-10", "I10")),
	)
	if _, err := engine.Evaluate(context.Background(), "p-1", root, time.Time{}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected one Condition fetch, got %d", n)
	}
}

type emptyRepo struct{}

func (emptyRepo) Patient(context.Context, string) ([]Record, error)               { return nil, nil }
func (emptyRepo) Conditions(context.Context, string) ([]Record, error)            { return nil, nil }
func (emptyRepo) Observations(context.Context, string) ([]Record, error)          { return nil, nil }
func (emptyRepo) Procedures(context.Context, string) ([]Record, error)            { return nil, nil }
func (emptyRepo) MedicationRequests(context.Context, string) ([]Record, error)    { return nil, nil }
func (emptyRepo) Immunizations(context.Context, string) ([]Record, error)         { return nil, nil }
func (emptyRepo) FamilyMemberHistories(context.Context, string) ([]Record, error) { return nil, nil }
func (emptyRepo) DiagnosticReports(context.Context, string) ([]Record, error)     { return nil, nil }

func TestNewPGAssembler_RegistersEveryDomain(t *testing.T) {
	a := NewPGAssembler(emptyRepo{}, 0, nil, zerolog.Nop())
	for _, d := range Domains {
		if _, ok := a.fetchers[d.DefaultResourceType()]; !ok {
			t.Errorf("expected a fetcher for %s", d.DefaultResourceType())
		}
	}
}
