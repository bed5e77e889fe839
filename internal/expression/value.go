package expression

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/drfirst/hl7fhir/internal/fhir/r4"
	"github.com/drfirst/hl7fhir/internal/hl7v2"
)

// Result is the outcome of evaluating an expression: no values, one value,
// or an ordered list of values. Values are strings, float64, int, bool,
// hl7v2.Node, *r4.Object or r4.Referent.
type Result []any

// Empty is the absent result
var Empty Result

// Of wraps values into a Result, dropping nils
func Of(values ...any) Result {
	var r Result
	for _, v := range values {
		if v != nil {
			r = append(r, v)
		}
	}
	return r
}

// Emptiness selects what counts as "no value" for a field
type Emptiness int

const (
	// EmptyNull treats missing, whitespace-only and the HL7 explicit null "" as empty
	EmptyNull Emptiness = iota
	// EmptyBlank treats missing and whitespace-only values as empty; "" is a value
	EmptyBlank
	// EmptyAbsent treats only structurally missing values as empty
	EmptyAbsent
)

// ParseEmptiness maps the template spelling of an emptiness predicate
func ParseEmptiness(s string) (Emptiness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null":
		return EmptyNull, nil
	case "blank":
		return EmptyBlank, nil
	case "absent":
		return EmptyAbsent, nil
	}
	return EmptyNull, fmt.Errorf("unknown emptiness %q (want null, blank or absent)", s)
}

func (e Emptiness) String() string {
	switch e {
	case EmptyBlank:
		return "blank"
	case EmptyAbsent:
		return "absent"
	default:
		return "null"
	}
}

// IsEmpty reports whether the result holds no value under the predicate
func (r Result) IsEmpty(mode Emptiness) bool {
	for _, v := range r {
		if !isEmptyValue(v, mode) {
			return false
		}
	}
	return true
}

// Values returns the non-empty values under the predicate
func (r Result) Values(mode Emptiness) Result {
	var out Result
	for _, v := range r {
		if !isEmptyValue(v, mode) {
			out = append(out, v)
		}
	}
	return out
}

// First returns the first value, or nil
func (r Result) First() any {
	if len(r) == 0 {
		return nil
	}
	return r[0]
}

// String returns the text of the first value, or ""
func (r Result) String() string {
	return Text(r.First())
}

// Truthy reports whether the first value is true, or a non-empty value
// other than an explicit false
func (r Result) Truthy() bool {
	vals := r.Values(EmptyNull)
	if len(vals) == 0 {
		return false
	}
	switch v := vals[0].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	switch strings.ToLower(Text(vals[0])) {
	case "false", "n", "no", "0":
		return false
	}
	return true
}

func isEmptyValue(v any, mode Emptiness) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		if val == "" {
			return true
		}
		if mode == EmptyAbsent {
			return false
		}
		if strings.TrimSpace(val) == "" {
			return true
		}
		return mode == EmptyNull && val == hl7v2.Null
	case hl7v2.Node:
		if !val.Valid() {
			return true
		}
		switch mode {
		case EmptyAbsent:
			return false
		case EmptyBlank:
			return val.IsBlank()
		default:
			return val.IsBlank() || val.IsNull()
		}
	case *r4.Object:
		return val.Len() == 0
	case Result:
		return val.IsEmpty(mode)
	}
	return false
}

// Text renders a value as plain text. Nodes yield their primary leaf.
func Text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case hl7v2.Node:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	case r4.Referent:
		return val.ReferenceString()
	case *r4.Object:
		return r4.Canonical(val)
	}
	return fmt.Sprint(v)
}

// Export converts a value into its output form: nodes become their text and
// the HL7 explicit null becomes no value.
func Export(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case hl7v2.Node:
		s := strings.TrimSpace(val.String())
		if s == "" || s == hl7v2.Null {
			return nil, false
		}
		return s, true
	case string:
		s := strings.TrimSpace(val)
		if s == "" || s == hl7v2.Null {
			return nil, false
		}
		return s, true
	case *r4.Object:
		if val.Len() == 0 {
			return nil, false
		}
	}
	return v, true
}
