// Package r4 provides the FHIR R4 output model: an ordered JSON object used to
// build resources, typed R4 structures used to validate them, and the Bundle.
package r4

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Source      string   `json:"source,omitempty"`
	Profile     []string `json:"profile,omitempty"`
	Security    []Coding `json:"security,omitempty"`
	Tag         []Coding `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use      string           `json:"use,omitempty" validate:"omitempty,oneof=usual official temp secondary old"`
	Type     *CodeableConcept `json:"type,omitempty" validate:"omitempty"`
	System   string           `json:"system,omitempty"`
	Value    string           `json:"value,omitempty"`
	Period   *Period          `json:"period,omitempty"`
	Assigner *Reference       `json:"assigner,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty" validate:"dive"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system. A coding always
// carries a code or a display.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty" validate:"required_without=Display"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// Period represents a time period.
type Period struct {
	Start string `json:"start,omitempty" validate:"omitempty,fhirdatetime"`
	End   string `json:"end,omitempty" validate:"omitempty,fhirdatetime"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty" validate:"omitempty,oneof=< <= >= >"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// Range represents a range of values.
type Range struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorReference *Reference `json:"authorReference,omitempty"`
	AuthorString    string     `json:"authorString,omitempty"`
	Time            string     `json:"time,omitempty"`
	Text            string     `json:"text" validate:"required"`
}

// HumanName represents a human name.
type HumanName struct {
	Use    string   `json:"use,omitempty" validate:"omitempty,oneof=usual official temp nickname anonymous old maiden"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
	Period *Period  `json:"period,omitempty"`
}

// Address represents a postal address.
type Address struct {
	Use        string   `json:"use,omitempty" validate:"omitempty,oneof=home work temp old billing"`
	Type       string   `json:"type,omitempty" validate:"omitempty,oneof=postal physical both"`
	Text       string   `json:"text,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	District   string   `json:"district,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
	Period     *Period  `json:"period,omitempty"`
}

// ContactPoint represents a contact detail.
type ContactPoint struct {
	System string  `json:"system,omitempty" validate:"omitempty,oneof=phone fax email pager url sms other"`
	Value  string  `json:"value,omitempty"`
	Use    string  `json:"use,omitempty" validate:"omitempty,oneof=home work temp old mobile"`
	Rank   int     `json:"rank,omitempty"`
	Period *Period `json:"period,omitempty"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL                  string           `json:"url" validate:"required"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueCode            string           `json:"valueCode,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueDateTime        string           `json:"valueDateTime,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueReference       *Reference       `json:"valueReference,omitempty"`
}

// Object converts the coding into an ordered object
func (c Coding) Object() *Object {
	o := NewObject()
	if c.System != "" {
		o.Set("system", c.System)
	}
	if c.Version != "" {
		o.Set("version", c.Version)
	}
	if c.Code != "" {
		o.Set("code", c.Code)
	}
	if c.Display != "" {
		o.Set("display", c.Display)
	}
	return o
}

// Object converts the concept into an ordered object
func (c CodeableConcept) Object() *Object {
	o := NewObject()
	for _, cd := range c.Coding {
		o.Append("coding", cd.Object())
	}
	if c.Text != "" {
		o.Set("text", c.Text)
	}
	return o
}

// IsEmpty reports whether the concept carries neither codings nor text
func (c CodeableConcept) IsEmpty() bool {
	return len(c.Coding) == 0 && c.Text == ""
}

// Common code systems
const (
	SystemRxNorm    = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemNDC       = "http://hl7.org/fhir/sid/ndc"
	SystemSNOMED    = "http://snomed.info/sct"
	SystemLOINC     = "http://loinc.org"
	SystemICD10CM   = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemICD9CM    = "http://hl7.org/fhir/sid/icd-9-cm"
	SystemCVX       = "http://hl7.org/fhir/sid/cvx"
	SystemCPT       = "http://www.ama-assn.org/go/cpt"
	SystemNPI       = "http://hl7.org/fhir/sid/us-npi"
	SystemSSN       = "http://hl7.org/fhir/sid/us-ssn"
	SystemUCUM      = "http://unitsofmeasure.org"
	SystemV2Prefix  = "http://terminology.hl7.org/CodeSystem/v2-"
	SystemV3Prefix  = "http://terminology.hl7.org/CodeSystem/v3-"
	SystemURNPrefix = "urn:id:"
)
