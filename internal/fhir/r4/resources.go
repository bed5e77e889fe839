package r4

// Patient represents a FHIR R4 Patient resource.
type Patient struct {
	ResourceType         string            `json:"resourceType" validate:"required,eq=Patient"`
	ID                   string            `json:"id,omitempty"`
	Meta                 *Meta             `json:"meta,omitempty"`
	Identifier           []Identifier      `json:"identifier,omitempty" validate:"dive"`
	Active               *bool             `json:"active,omitempty"`
	Name                 []HumanName       `json:"name,omitempty" validate:"dive"`
	Telecom              []ContactPoint    `json:"telecom,omitempty" validate:"dive"`
	Gender               string            `json:"gender,omitempty" validate:"omitempty,oneof=male female other unknown"`
	BirthDate            string            `json:"birthDate,omitempty" validate:"omitempty,fhirdate"`
	DeceasedBoolean      *bool             `json:"deceasedBoolean,omitempty"`
	DeceasedDateTime     string            `json:"deceasedDateTime,omitempty" validate:"omitempty,fhirdatetime"`
	Address              []Address         `json:"address,omitempty" validate:"dive"`
	MaritalStatus        *CodeableConcept  `json:"maritalStatus,omitempty"`
	MultipleBirthBoolean *bool             `json:"multipleBirthBoolean,omitempty"`
	MultipleBirthInteger *int              `json:"multipleBirthInteger,omitempty"`
	Communication        []PatientLanguage `json:"communication,omitempty" validate:"dive"`
	GeneralPractitioner  []Reference       `json:"generalPractitioner,omitempty"`
	ManagingOrganization *Reference        `json:"managingOrganization,omitempty"`
}

// PatientLanguage represents a patient's preferred language.
type PatientLanguage struct {
	Language  CodeableConcept `json:"language"`
	Preferred *bool           `json:"preferred,omitempty"`
}

// Practitioner represents a FHIR R4 Practitioner resource.
type Practitioner struct {
	ResourceType string         `json:"resourceType" validate:"required,eq=Practitioner"`
	ID           string         `json:"id,omitempty"`
	Meta         *Meta          `json:"meta,omitempty"`
	Identifier   []Identifier   `json:"identifier,omitempty" validate:"dive"`
	Active       *bool          `json:"active,omitempty"`
	Name         []HumanName    `json:"name,omitempty" validate:"dive"`
	Telecom      []ContactPoint `json:"telecom,omitempty" validate:"dive"`
	Address      []Address      `json:"address,omitempty" validate:"dive"`
	Gender       string         `json:"gender,omitempty" validate:"omitempty,oneof=male female other unknown"`
}

// Organization represents a FHIR R4 Organization resource.
type Organization struct {
	ResourceType string            `json:"resourceType" validate:"required,eq=Organization"`
	ID           string            `json:"id,omitempty"`
	Meta         *Meta             `json:"meta,omitempty"`
	Identifier   []Identifier      `json:"identifier,omitempty" validate:"dive"`
	Active       *bool             `json:"active,omitempty"`
	Type         []CodeableConcept `json:"type,omitempty" validate:"dive"`
	Name         string            `json:"name,omitempty"`
	Telecom      []ContactPoint    `json:"telecom,omitempty" validate:"dive"`
	Address      []Address         `json:"address,omitempty" validate:"dive"`
}

// Encounter represents a FHIR R4 Encounter resource.
type Encounter struct {
	ResourceType    string                    `json:"resourceType" validate:"required,eq=Encounter"`
	ID              string                    `json:"id,omitempty"`
	Meta            *Meta                     `json:"meta,omitempty"`
	Identifier      []Identifier              `json:"identifier,omitempty" validate:"dive"`
	Status          string                    `json:"status" validate:"required,oneof=planned arrived triaged in-progress onleave finished cancelled entered-in-error unknown"`
	Class           Coding                    `json:"class" validate:"required"`
	Type            []CodeableConcept         `json:"type,omitempty" validate:"dive"`
	ServiceType     *CodeableConcept          `json:"serviceType,omitempty"`
	Priority        *CodeableConcept          `json:"priority,omitempty"`
	Subject         *Reference                `json:"subject,omitempty"`
	Participant     []EncounterParticipant    `json:"participant,omitempty" validate:"dive"`
	Period          *Period                   `json:"period,omitempty"`
	ReasonCode      []CodeableConcept         `json:"reasonCode,omitempty" validate:"dive"`
	ReasonReference []Reference               `json:"reasonReference,omitempty"`
	Hospitalization *EncounterHospitalization `json:"hospitalization,omitempty"`
	Location        []EncounterLocation       `json:"location,omitempty" validate:"dive"`
	ServiceProvider *Reference                `json:"serviceProvider,omitempty"`
}

// EncounterParticipant lists a person involved in the encounter.
type EncounterParticipant struct {
	Type       []CodeableConcept `json:"type,omitempty" validate:"dive"`
	Period     *Period           `json:"period,omitempty"`
	Individual *Reference        `json:"individual,omitempty"`
}

// EncounterHospitalization holds admission and discharge details.
type EncounterHospitalization struct {
	PreAdmissionIdentifier *Identifier      `json:"preAdmissionIdentifier,omitempty"`
	AdmitSource            *CodeableConcept `json:"admitSource,omitempty"`
	ReAdmission            *CodeableConcept `json:"reAdmission,omitempty"`
	DischargeDisposition   *CodeableConcept `json:"dischargeDisposition,omitempty"`
}

// EncounterLocation is a location the patient was at during the encounter.
type EncounterLocation struct {
	Location Reference `json:"location"`
	Status   string    `json:"status,omitempty" validate:"omitempty,oneof=planned active reserved completed"`
}

// Condition represents a FHIR R4 Condition resource.
type Condition struct {
	ResourceType       string            `json:"resourceType" validate:"required,eq=Condition"`
	ID                 string            `json:"id,omitempty"`
	Meta               *Meta             `json:"meta,omitempty"`
	Identifier         []Identifier      `json:"identifier,omitempty" validate:"dive"`
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty" validate:"dive"`
	Severity           *CodeableConcept  `json:"severity,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Subject            *Reference        `json:"subject" validate:"required"`
	Encounter          *Reference        `json:"encounter,omitempty"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty" validate:"omitempty,fhirdatetime"`
	AbatementDateTime  string            `json:"abatementDateTime,omitempty" validate:"omitempty,fhirdatetime"`
	RecordedDate       string            `json:"recordedDate,omitempty" validate:"omitempty,fhirdatetime"`
	Recorder           *Reference        `json:"recorder,omitempty"`
	Asserter           *Reference        `json:"asserter,omitempty"`
	Note               []Annotation      `json:"note,omitempty" validate:"dive"`
}

// Coverage represents a FHIR R4 Coverage resource.
type Coverage struct {
	ResourceType string           `json:"resourceType" validate:"required,eq=Coverage"`
	ID           string           `json:"id,omitempty"`
	Meta         *Meta            `json:"meta,omitempty"`
	Identifier   []Identifier     `json:"identifier,omitempty" validate:"dive"`
	Status       string           `json:"status" validate:"required,oneof=active cancelled draft entered-in-error"`
	Type         *CodeableConcept `json:"type,omitempty"`
	Subscriber   *Reference       `json:"subscriber,omitempty"`
	SubscriberID string           `json:"subscriberId,omitempty"`
	Beneficiary  *Reference       `json:"beneficiary" validate:"required"`
	Dependent    string           `json:"dependent,omitempty"`
	Relationship *CodeableConcept `json:"relationship,omitempty"`
	Period       *Period          `json:"period,omitempty"`
	Payor        []Reference      `json:"payor" validate:"required,min=1"`
	Order        *int             `json:"order,omitempty"`
}

// Observation represents a FHIR R4 Observation resource.
type Observation struct {
	ResourceType         string                      `json:"resourceType" validate:"required,eq=Observation"`
	ID                   string                      `json:"id,omitempty"`
	Meta                 *Meta                       `json:"meta,omitempty"`
	Identifier           []Identifier                `json:"identifier,omitempty" validate:"dive"`
	Status               string                      `json:"status" validate:"required,oneof=registered preliminary final amended corrected cancelled entered-in-error unknown"`
	Category             []CodeableConcept           `json:"category,omitempty" validate:"dive"`
	Code                 CodeableConcept             `json:"code" validate:"required"`
	Subject              *Reference                  `json:"subject,omitempty"`
	Encounter            *Reference                  `json:"encounter,omitempty"`
	EffectiveDateTime    string                      `json:"effectiveDateTime,omitempty" validate:"omitempty,fhirdatetime"`
	Issued               string                      `json:"issued,omitempty"`
	Performer            []Reference                 `json:"performer,omitempty"`
	ValueQuantity        *Quantity                   `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept            `json:"valueCodeableConcept,omitempty"`
	ValueString          string                      `json:"valueString,omitempty"`
	ValueDateTime        string                      `json:"valueDateTime,omitempty" validate:"omitempty,fhirdatetime"`
	DataAbsentReason     *CodeableConcept            `json:"dataAbsentReason,omitempty"`
	Interpretation       []CodeableConcept           `json:"interpretation,omitempty" validate:"dive"`
	Note                 []Annotation                `json:"note,omitempty" validate:"dive"`
	Method               *CodeableConcept            `json:"method,omitempty"`
	ReferenceRange       []ObservationReferenceRange `json:"referenceRange,omitempty" validate:"dive"`
}

// ObservationReferenceRange provides guidance on interpreting a value.
type ObservationReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
	Text string    `json:"text,omitempty"`
}

// DiagnosticReport represents a FHIR R4 DiagnosticReport resource.
type DiagnosticReport struct {
	ResourceType      string            `json:"resourceType" validate:"required,eq=DiagnosticReport"`
	ID                string            `json:"id,omitempty"`
	Meta              *Meta             `json:"meta,omitempty"`
	Identifier        []Identifier      `json:"identifier,omitempty" validate:"dive"`
	Status            string            `json:"status" validate:"required,oneof=registered partial preliminary final amended corrected appended cancelled entered-in-error unknown"`
	Category          []CodeableConcept `json:"category,omitempty" validate:"dive"`
	Code              CodeableConcept   `json:"code" validate:"required"`
	Subject           *Reference        `json:"subject,omitempty"`
	Encounter         *Reference        `json:"encounter,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty" validate:"omitempty,fhirdatetime"`
	Issued            string            `json:"issued,omitempty"`
	Performer         []Reference       `json:"performer,omitempty"`
	Result            []Reference       `json:"result,omitempty"`
	Conclusion        string            `json:"conclusion,omitempty"`
}

// AllergyIntolerance represents a FHIR R4 AllergyIntolerance resource.
type AllergyIntolerance struct {
	ResourceType       string                       `json:"resourceType" validate:"required,eq=AllergyIntolerance"`
	ID                 string                       `json:"id,omitempty"`
	Meta               *Meta                        `json:"meta,omitempty"`
	Identifier         []Identifier                 `json:"identifier,omitempty" validate:"dive"`
	ClinicalStatus     *CodeableConcept             `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept             `json:"verificationStatus,omitempty"`
	Type               string                       `json:"type,omitempty" validate:"omitempty,oneof=allergy intolerance"`
	Category           []string                     `json:"category,omitempty" validate:"dive,oneof=food medication environment biologic"`
	Criticality        string                       `json:"criticality,omitempty" validate:"omitempty,oneof=low high unable-to-assess"`
	Code               *CodeableConcept             `json:"code,omitempty"`
	Patient            *Reference                   `json:"patient" validate:"required"`
	Encounter          *Reference                   `json:"encounter,omitempty"`
	OnsetDateTime      string                       `json:"onsetDateTime,omitempty" validate:"omitempty,fhirdatetime"`
	RecordedDate       string                       `json:"recordedDate,omitempty" validate:"omitempty,fhirdatetime"`
	Reaction           []AllergyIntoleranceReaction `json:"reaction,omitempty" validate:"dive"`
}

// AllergyIntoleranceReaction describes an adverse reaction event.
type AllergyIntoleranceReaction struct {
	Manifestation []CodeableConcept `json:"manifestation" validate:"required,min=1,dive"`
	Severity      string            `json:"severity,omitempty" validate:"omitempty,oneof=mild moderate severe"`
}

// Immunization represents a FHIR R4 Immunization resource.
type Immunization struct {
	ResourceType       string                  `json:"resourceType" validate:"required,eq=Immunization"`
	ID                 string                  `json:"id,omitempty"`
	Meta               *Meta                   `json:"meta,omitempty"`
	Identifier         []Identifier            `json:"identifier,omitempty" validate:"dive"`
	Status             string                  `json:"status" validate:"required,oneof=completed entered-in-error not-done"`
	StatusReason       *CodeableConcept        `json:"statusReason,omitempty"`
	VaccineCode        CodeableConcept         `json:"vaccineCode" validate:"required"`
	Patient            *Reference              `json:"patient" validate:"required"`
	Encounter          *Reference              `json:"encounter,omitempty"`
	OccurrenceDateTime string                  `json:"occurrenceDateTime" validate:"required,fhirdatetime"`
	Recorded           string                  `json:"recorded,omitempty" validate:"omitempty,fhirdatetime"`
	PrimarySource      *bool                   `json:"primarySource,omitempty"`
	Manufacturer       *Reference              `json:"manufacturer,omitempty"`
	LotNumber          string                  `json:"lotNumber,omitempty"`
	ExpirationDate     string                  `json:"expirationDate,omitempty" validate:"omitempty,fhirdate"`
	Site               *CodeableConcept        `json:"site,omitempty"`
	Route              *CodeableConcept        `json:"route,omitempty"`
	DoseQuantity       *Quantity               `json:"doseQuantity,omitempty"`
	Performer          []ImmunizationPerformer `json:"performer,omitempty" validate:"dive"`
	Note               []Annotation            `json:"note,omitempty" validate:"dive"`
}

// ImmunizationPerformer indicates who performed the immunization event.
type ImmunizationPerformer struct {
	Function *CodeableConcept `json:"function,omitempty"`
	Actor    Reference        `json:"actor" validate:"required"`
}

// Procedure represents a FHIR R4 Procedure resource.
type Procedure struct {
	ResourceType      string               `json:"resourceType" validate:"required,eq=Procedure"`
	ID                string               `json:"id,omitempty"`
	Meta              *Meta                `json:"meta,omitempty"`
	Identifier        []Identifier         `json:"identifier,omitempty" validate:"dive"`
	Status            string               `json:"status" validate:"required,oneof=preparation in-progress not-done on-hold stopped completed entered-in-error unknown"`
	Code              *CodeableConcept     `json:"code,omitempty"`
	Subject           *Reference           `json:"subject" validate:"required"`
	Encounter         *Reference           `json:"encounter,omitempty"`
	PerformedDateTime string               `json:"performedDateTime,omitempty" validate:"omitempty,fhirdatetime"`
	Performer         []ProcedurePerformer `json:"performer,omitempty" validate:"dive"`
}

// ProcedurePerformer is the person who performed the procedure.
type ProcedurePerformer struct {
	Function *CodeableConcept `json:"function,omitempty"`
	Actor    Reference        `json:"actor" validate:"required"`
}

// MessageHeader represents a FHIR R4 MessageHeader resource.
type MessageHeader struct {
	ResourceType string                     `json:"resourceType" validate:"required,eq=MessageHeader"`
	ID           string                     `json:"id,omitempty"`
	Meta         *Meta                      `json:"meta,omitempty"`
	EventCoding  Coding                     `json:"eventCoding" validate:"required"`
	Destination  []MessageHeaderDestination `json:"destination,omitempty" validate:"dive"`
	Source       MessageHeaderSource        `json:"source" validate:"required"`
	Reason       *CodeableConcept           `json:"reason,omitempty"`
	Focus        []Reference                `json:"focus,omitempty"`
	Definition   string                     `json:"definition,omitempty"`
}

// MessageHeaderDestination is a message destination application.
type MessageHeaderDestination struct {
	Name     string `json:"name,omitempty"`
	Endpoint string `json:"endpoint" validate:"required"`
}

// MessageHeaderSource is the message source application.
type MessageHeaderSource struct {
	Name     string `json:"name,omitempty"`
	Software string `json:"software,omitempty"`
	Version  string `json:"version,omitempty"`
	Endpoint string `json:"endpoint" validate:"required"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}
