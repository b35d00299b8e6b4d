// Package validator adapts go-playground/validator to echo's Validator
// interface.
package validator

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// fhirIDPattern is the FHIR resource id grammar.
var fhirIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()

	v.RegisterValidation("fhir_id", validateFHIRID)

	return &Validator{validate: v}
}

// Validate checks struct tags; echo calls it from c.Validate.
func (v *Validator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

func validateFHIRID(fl validator.FieldLevel) bool {
	return fhirIDPattern.MatchString(fl.Field().String())
}
