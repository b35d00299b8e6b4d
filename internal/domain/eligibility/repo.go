package eligibility

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/trialmatch/internal/platform/metrics"
	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

// RecordRepository reads a patient's clinical records from the EHR store,
// one resource type per method. patientID is the patient's FHIR id or
// internal UUID.
type RecordRepository interface {
	Patient(ctx context.Context, patientID string) ([]Record, error)
	Conditions(ctx context.Context, patientID string) ([]Record, error)
	Observations(ctx context.Context, patientID string) ([]Record, error)
	Procedures(ctx context.Context, patientID string) ([]Record, error)
	MedicationRequests(ctx context.Context, patientID string) ([]Record, error)
	Immunizations(ctx context.Context, patientID string) ([]Record, error)
	FamilyMemberHistories(ctx context.Context, patientID string) ([]Record, error)
	DiagnosticReports(ctx context.Context, patientID string) ([]Record, error)
}

// NewPGAssembler registers one fetcher per resource type backed by repo.
func NewPGAssembler(repo RecordRepository, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Assembler {
	a := NewAssembler(timeout, m, logger)
	a.Register(fhirmodels.ResourcePatient, repo.Patient)
	a.Register(fhirmodels.ResourceCondition, repo.Conditions)
	a.Register(fhirmodels.ResourceObservation, repo.Observations)
	a.Register(fhirmodels.ResourceProcedure, repo.Procedures)
	a.Register(fhirmodels.ResourceMedicationRequest, repo.MedicationRequests)
	a.Register(fhirmodels.ResourceImmunization, repo.Immunizations)
	a.Register(fhirmodels.ResourceFamilyMemberHistory, repo.FamilyMemberHistories)
	a.Register(fhirmodels.ResourceDiagnosticReport, repo.DiagnosticReports)
	return a
}
