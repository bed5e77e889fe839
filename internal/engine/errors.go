package engine

import (
	"errors"
	"fmt"
)

// Structural errors abort a conversion: the message cannot be represented
// without the missing part, so no partial bundle is returned.
var (
	ErrStructural      = errors.New("structural error")
	ErrNoTemplates     = errors.New("no templates for trigger event")
	ErrMissingRequired = errors.New("mandatory resource not produced")
)

var (
	// ErrInvalidBundle is returned when validation was requested and a
	// produced resource does not conform
	ErrInvalidBundle = errors.New("invalid bundle")
	// ErrParse wraps failures to parse raw input
	ErrParse = errors.New("parse hl7v2 message")
	// ErrInvalidOptions is returned for options that fail validation
	ErrInvalidOptions = errors.New("invalid conversion options")
)

// ConversionError reports a structural failure for one message
type ConversionError struct {
	Kind        error
	MessageID   string
	Trigger     string
	Requirement string
}

func (e *ConversionError) Error() string {
	if e.Requirement != "" {
		return fmt.Sprintf("message %s (%s): %v: %s", e.MessageID, e.Trigger, e.Kind, e.Requirement)
	}
	return fmt.Sprintf("message %s (%s): %v", e.MessageID, e.Trigger, e.Kind)
}

func (e *ConversionError) Unwrap() error {
	return e.Kind
}

// Is matches ErrStructural in addition to the wrapped kind
func (e *ConversionError) Is(target error) bool {
	return target == ErrStructural
}
