package fhirmodels

// Common FHIR value set constants used across the application.

// Coding system URIs as they appear in Coding.system.
const (
	SystemICD10CM  = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemICD10    = "http://hl7.org/fhir/sid/icd-10"
	SystemICD10PCS = "http://www.cms.gov/Medicare/Coding/ICD10"
	SystemSNOMED   = "http://snomed.info/sct"
	SystemLOINC    = "http://loinc.org"
	SystemCPT      = "http://www.ama-assn.org/go/cpt"
	SystemRxNorm   = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemNDC      = "http://hl7.org/fhir/sid/ndc"
	SystemCVX      = "http://hl7.org/fhir/sid/cvx"
	SystemUCUM     = "http://unitsofmeasure.org"
)

// Resource type names.
const (
	ResourcePatient             = "Patient"
	ResourceCondition           = "Condition"
	ResourceObservation         = "Observation"
	ResourceProcedure           = "Procedure"
	ResourceMedicationRequest   = "MedicationRequest"
	ResourceImmunization        = "Immunization"
	ResourceFamilyMemberHistory = "FamilyMemberHistory"
	ResourceDiagnosticReport    = "DiagnosticReport"
)

// Status codes shared by several resources.
const (
	StatusActive         = "active"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
	StatusEnteredInError = "entered-in-error"
	StatusNotDone        = "not-done"
	StatusRevoked        = "revoked"
	StatusStopped        = "stopped"
	StatusFinal          = "final"
	StatusAmended        = "amended"
	StatusPreliminary    = "preliminary"
)

// ConditionClinicalStatus codes.
const (
	ConditionActive     = "active"
	ConditionRecurrence = "recurrence"
	ConditionRelapse    = "relapse"
	ConditionInactive   = "inactive"
	ConditionRemission  = "remission"
	ConditionResolved   = "resolved"
)

// ConditionVerificationStatus codes.
const (
	VerificationConfirmed   = "confirmed"
	VerificationProvisional = "provisional"
	VerificationRefuted     = "refuted"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)
