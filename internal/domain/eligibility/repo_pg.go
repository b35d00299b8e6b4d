package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/trialmatch/internal/platform/db"
	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type recordRepoPG struct{ pool *pgxpool.Pool }

// NewRecordRepoPG reads records from the EHR clinical tables.
func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository { return &recordRepoPG{pool: pool} }

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// patientClause returns a predicate on column selecting the patient by
// internal UUID when patientID parses as one, else by FHIR id.
func patientClause(column, patientID string) (string, interface{}) {
	if id, err := uuid.Parse(patientID); err == nil {
		return column + " = $1", id
	}
	return column + " IN (SELECT id FROM patient WHERE fhir_id = $1)", patientID
}

func (r *recordRepoPG) queryRecords(ctx context.Context, sql string, arg interface{}, scan func(pgx.Rows) (Record, error)) ([]Record, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *recordRepoPG) Patient(ctx context.Context, patientID string) ([]Record, error) {
	where := "fhir_id = $1"
	var arg interface{} = patientID
	if id, err := uuid.Parse(patientID); err == nil {
		where, arg = "id = $1", id
	}
	var (
		id        uuid.UUID
		fhirID    string
		birthDate *time.Time
		gender    *string
	)
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, fhir_id, birth_date, gender FROM patient WHERE `+where, arg).
		Scan(&id, &fhirID, &birthDate, &gender)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query patient: %w", err)
	}
	return []Record{{
		ID:           fhirID,
		ResourceType: fhirmodels.ResourcePatient,
		Date:         birthDate,
		Gender:       deref(gender),
	}}, nil
}

func (r *recordRepoPG) Conditions(ctx context.Context, patientID string) ([]Record, error) {
	where, arg := patientClause("patient_id", patientID)
	return r.queryRecords(ctx, `
		SELECT fhir_id, clinical_status, verification_status,
			code_system, code_value, code_display, alt_code_system, alt_code_value, alt_code_display,
			COALESCE(onset_datetime, recorded_date)
		FROM condition WHERE `+where+` ORDER BY fhir_id`, arg,
		func(rows pgx.Rows) (Record, error) {
			var (
				rec                         Record
				status, verification        *string
				system, code, display       *string
				altSystem, altCode, altDisp *string
			)
			err := rows.Scan(&rec.ID, &status, &verification,
				&system, &code, &display, &altSystem, &altCode, &altDisp, &rec.Date)
			rec.ResourceType = fhirmodels.ResourceCondition
			rec.Status = deref(status)
			rec.VerificationStatus = deref(verification)
			rec.Codings = codings(coding(system, code, display), coding(altSystem, altCode, altDisp))
			rec.Display = deref(display)
			return rec, err
		})
}

func (r *recordRepoPG) Observations(ctx context.Context, patientID string) ([]Record, error) {
	where, arg := patientClause("patient_id", patientID)
	return r.queryRecords(ctx, `
		SELECT fhir_id, status, code_system, code_value, code_display, effective_datetime,
			value_quantity, value_unit, value_string, value_boolean, value_integer,
			value_system, value_codeable_code, value_codeable_display
		FROM observation WHERE `+where+` ORDER BY fhir_id`, arg,
		func(rows pgx.Rows) (Record, error) {
			var (
				rec                   Record
				status                *string
				system, code, display *string
				quantity              *float64
				unit, text            *string
				boolean               *bool
				integer               *int
				valSystem, valCode    *string
				valDisplay            *string
			)
			err := rows.Scan(&rec.ID, &status, &system, &code, &display, &rec.Date,
				&quantity, &unit, &text, &boolean, &integer, &valSystem, &valCode, &valDisplay)
			rec.ResourceType = fhirmodels.ResourceObservation
			rec.Status = deref(status)
			rec.Codings = codings(coding(system, code, display))
			rec.Display = deref(display)
			switch {
			case quantity != nil:
				rec.Value.Quantity = &Quantity{Value: *quantity, Unit: deref(unit)}
			case integer != nil:
				rec.Value.Quantity = &Quantity{Value: float64(*integer), Unit: deref(unit)}
			case boolean != nil:
				rec.Value.Boolean = boolean
			case valCode != nil:
				rec.Value.Coding = coding(valSystem, valCode, valDisplay)
			case text != nil:
				rec.Value.Text = text
			}
			return rec, err
		})
}

func (r *recordRepoPG) Procedures(ctx context.Context, patientID string) ([]Record, error) {
	where, arg := patientClause("patient_id", patientID)
	return r.queryRecords(ctx, `
		SELECT fhir_id, status, code_system, code_value, code_display, cpt_code,
			performed_datetime, performed_start, performed_end
		FROM procedure WHERE `+where+` ORDER BY fhir_id`, arg,
		func(rows pgx.Rows) (Record, error) {
			var (
				rec                   Record
				status                *string
				system, code, display *string
				cpt                   *string
				start, end            *time.Time
			)
			err := rows.Scan(&rec.ID, &status, &system, &code, &display, &cpt, &rec.Date, &start, &end)
			rec.ResourceType = fhirmodels.ResourceProcedure
			rec.Status = deref(status)
			cptSystem := fhirmodels.SystemCPT
			rec.Codings = codings(coding(system, code, display), coding(&cptSystem, cpt, display))
			rec.Display = deref(display)
			if rec.Date == nil && (start != nil || end != nil) {
				rec.Period = &Period{Start: start, End: end}
			}
			return rec, err
		})
}

func (r *recordRepoPG) MedicationRequests(ctx context.Context, patientID string) ([]Record, error) {
	where, arg := patientClause("mr.patient_id", patientID)
	return r.queryRecords(ctx, `
		SELECT mr.fhir_id, mr.status, m.code_system, m.code_value, m.code_display, m.ndc_code, mr.authored_on
		FROM medication_request mr
		LEFT JOIN medication m ON m.id = mr.medication_id
		WHERE `+where+` ORDER BY mr.fhir_id`, arg,
		func(rows pgx.Rows) (Record, error) {
			var (
				rec                   Record
				status                *string
				system, code, display *string
				ndc                   *string
			)
			err := rows.Scan(&rec.ID, &status, &system, &code, &display, &ndc, &rec.Date)
			rec.ResourceType = fhirmodels.ResourceMedicationRequest
			rec.Status = deref(status)
			ndcSystem := fhirmodels.SystemNDC
			rec.Codings = codings(coding(system, code, display), coding(&ndcSystem, ndc, display))
			rec.Display = deref(display)
			return rec, err
		})
}

func (r *recordRepoPG) Immunizations(ctx context.Context, patientID string) ([]Record, error) {
	where, arg := patientClause("patient_id", patientID)
	return r.queryRecords(ctx, `
		SELECT fhir_id, status, vaccine_code_system, vaccine_code, vaccine_display, occurrence_datetime
		FROM immunization WHERE `+where+` ORDER BY fhir_id`, arg,
		func(rows pgx.Rows) (Record, error) {
			var (
				rec                   Record
				status                *string
				system, code, display *string
			)
			err := rows.Scan(&rec.ID, &status, &system, &code, &display, &rec.Date)
			rec.ResourceType = fhirmodels.ResourceImmunization
			rec.Status = deref(status)
			rec.Codings = codings(coding(system, code, display))
			rec.Display = deref(display)
			return rec, err
		})
}

// FamilyMemberHistories returns one record per relative's condition; the
// relationship is carried as the record value.
func (r *recordRepoPG) FamilyMemberHistories(ctx context.Context, patientID string) ([]Record, error) {
	where, arg := patientClause("f.patient_id", patientID)
	return r.queryRecords(ctx, `
		SELECT f.fhir_id, f.status, f.date, f.relationship_code, f.relationship_display, c.code, c.display
		FROM family_member_history f
		JOIN family_member_condition c ON c.family_member_id = f.id
		WHERE `+where+` ORDER BY f.fhir_id, c.code`, arg,
		func(rows pgx.Rows) (Record, error) {
			var (
				rec             Record
				status          *string
				relCode, relDsp *string
				code, display   *string
			)
			err := rows.Scan(&rec.ID, &status, &rec.Date, &relCode, &relDsp, &code, &display)
			rec.ResourceType = fhirmodels.ResourceFamilyMemberHistory
			rec.Status = deref(status)
			rec.Codings = codings(coding(nil, code, display))
			rec.Display = deref(display)
			rec.Value.Coding = coding(nil, relCode, relDsp)
			return rec, err
		})
}

func (r *recordRepoPG) DiagnosticReports(ctx context.Context, patientID string) ([]Record, error) {
	where, arg := patientClause("patient_id", patientID)
	return r.queryRecords(ctx, `
		SELECT fhir_id, status, code_system, code_value, code_display,
			COALESCE(issued, effective_datetime), effective_start, effective_end, conclusion
		FROM diagnostic_report WHERE `+where+` ORDER BY fhir_id`, arg,
		func(rows pgx.Rows) (Record, error) {
			var (
				rec                   Record
				status                *string
				system, code, display *string
				start, end            *time.Time
				conclusion            *string
			)
			err := rows.Scan(&rec.ID, &status, &system, &code, &display, &rec.Date, &start, &end, &conclusion)
			rec.ResourceType = fhirmodels.ResourceDiagnosticReport
			rec.Status = deref(status)
			rec.Codings = codings(coding(system, code, display))
			rec.Display = deref(display)
			if rec.Date == nil && (start != nil || end != nil) {
				rec.Period = &Period{Start: start, End: end}
			}
			rec.Value.Text = conclusion
			return rec, err
		})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// coding returns nil when there is no code.
func coding(system, code, display *string) *Coding {
	if code == nil || *code == "" {
		return nil
	}
	return &Coding{System: deref(system), Code: *code, Display: deref(display)}
}

func codings(cs ...*Coding) []Coding {
	var out []Coding
	for _, c := range cs {
		if c == nil {
			continue
		}
		dup := false
		for _, existing := range out {
			if existing.System == c.System && existing.Code == c.Code {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, *c)
		}
	}
	return out
}
