package r4

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate *validator.Validate

var (
	dateRe     = regexp.MustCompile(`^\d{4}(-(0[1-9]|1[0-2])(-(0[1-9]|[12]\d|3[01]))?)?$`)
	dateTimeRe = regexp.MustCompile(`^\d{4}(-(0[1-9]|1[0-2])(-(0[1-9]|[12]\d|3[01])(T([01]\d|2[0-3]):[0-5]\d:([0-5]\d|60)(\.\d+)?(Z|[+-]((0\d|1[0-3]):[0-5]\d|14:00)))?)?)?$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("fhirdate", func(fl validator.FieldLevel) bool {
		return dateRe.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("fhirdatetime", func(fl validator.FieldLevel) bool {
		return dateTimeRe.MatchString(fl.Field().String())
	})
}

// ErrInvalidResource is wrapped by every validation failure
var ErrInvalidResource = errors.New("invalid resource")

// ValidationError reports why a produced resource does not conform to R4
type ValidationError struct {
	ResourceType string
	ID           string
	Problems     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.ResourceType, e.ID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidResource
}

func newTyped(resourceType string) any {
	switch resourceType {
	case "Patient":
		return &Patient{}
	case "Practitioner":
		return &Practitioner{}
	case "Organization":
		return &Organization{}
	case "Encounter":
		return &Encounter{}
	case "Condition":
		return &Condition{}
	case "Coverage":
		return &Coverage{}
	case "Observation":
		return &Observation{}
	case "DiagnosticReport":
		return &DiagnosticReport{}
	case "AllergyIntolerance":
		return &AllergyIntolerance{}
	case "Immunization":
		return &Immunization{}
	case "Procedure":
		return &Procedure{}
	case "MessageHeader":
		return &MessageHeader{}
	}
	return nil
}

// Validate checks a produced resource against its typed R4 structure:
// unknown elements are rejected and the structure's own rules are applied.
// Resource types without a typed structure only need a resourceType.
func Validate(resource *Object) error {
	rt := ResourceType(resource)
	if rt == "" {
		return &ValidationError{Problems: []string{"missing resourceType"}}
	}
	target := newTyped(rt)
	if target == nil {
		return nil
	}

	data, err := resource.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rt, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return &ValidationError{ResourceType: rt, ID: ResourceID(resource), Problems: []string{err.Error()}}
	}

	if err := validate.Struct(target); err != nil {
		verr := &ValidationError{ResourceType: rt, ID: ResourceID(resource)}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				verr.Problems = append(verr.Problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			verr.Problems = append(verr.Problems, err.Error())
		}
		return verr
	}
	return nil
}
