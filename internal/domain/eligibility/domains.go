package eligibility

import (
	"strings"

	"github.com/ehr/trialmatch/pkg/fhirmodels"
)

// Statuses that take a record out of consideration in every domain.
var excludedStatuses = map[string]bool{
	fhirmodels.StatusCancelled:      true,
	fhirmodels.StatusEnteredInError: true,
	fhirmodels.StatusNotDone:        true,
	fhirmodels.StatusRevoked:        true,
}

func withExcluded(extra ...string) map[string]bool {
	set := make(map[string]bool, len(excludedStatuses)+len(extra))
	for s := range excludedStatuses {
		set[s] = true
	}
	for _, s := range extra {
		set[s] = true
	}
	return set
}

func excludeStatuses(set map[string]bool) func(*LeafCriterion, Record) bool {
	return func(_ *LeafCriterion, rec Record) bool {
		return !statusIn(rec.Status, set)
	}
}

var resolvedConditionStatuses = map[string]bool{
	fhirmodels.ConditionResolved: true,
	fhirmodels.ConditionInactive: true,
}

// conditionInScope drops entered-in-error conditions always, and resolved or
// refuted ones unless the leaf asks for history.
func conditionInScope(leaf *LeafCriterion, rec Record) bool {
	if statusIn(rec.Status, excludedStatuses) || statusIn(rec.VerificationStatus, excludedStatuses) {
		return false
	}
	if leaf.IncludeResolved {
		return true
	}
	if statusIn(rec.Status, resolvedConditionStatuses) {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(rec.VerificationStatus), fhirmodels.VerificationRefuted)
}

var (
	conditionProfile = domainProfile{
		domain:  DomainCondition,
		noun:    "condition",
		inScope: conditionInScope,
	}
	observationProfile = domainProfile{
		domain:  DomainObservation,
		noun:    "observation",
		inScope: excludeStatuses(excludedStatuses),
	}
	procedureProfile = domainProfile{
		domain:  DomainProcedure,
		noun:    "procedure",
		inScope: excludeStatuses(withExcluded("preparation")),
	}
	medicationProfile = domainProfile{
		domain:  DomainMedication,
		noun:    "medication",
		inScope: excludeStatuses(withExcluded("draft")),
	}
	immunizationProfile = domainProfile{
		domain:  DomainImmunization,
		noun:    "immunization",
		inScope: excludeStatuses(excludedStatuses),
	}
	familyHistoryProfile = domainProfile{
		domain:  DomainFamilyHistory,
		noun:    "family history",
		inScope: excludeStatuses(withExcluded("health-unknown")),
	}
	diagnosticReportProfile = domainProfile{
		domain:  DomainDiagnosticReport,
		noun:    "diagnostic report",
		inScope: excludeStatuses(withExcluded("registered")),
	}
)
