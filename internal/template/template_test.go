package template

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"
)

func TestDefaultRegistry(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	reg, err := Default()
	if err != nil {
		t.Fatalf("load embedded templates: %v", err)
	}

	for _, trigger := range []string{"ADT^A01", "ADT^A03", "ADT^A04", "ADT^A08", "ORU^R01", "VXU^V04", "PPR^PC1"} {
		if reg.TemplatesFor(trigger) == nil {
			t.Errorf("no templates for %s", trigger)
		}
	}
	if got := reg.TemplatesFor("SIU^S12"); got != nil {
		t.Errorf("SIU^S12 should have no templates, got %d entries", len(got))
	}

	again, err := Default()
	if err != nil {
		t.Fatalf("second Default: %v", err)
	}
	if again != reg {
		t.Error("Default should return the cached registry")
	}
}

func TestTemplatesForOrder(t *testing.T) {
	reg, err := Load(Embedded())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	entries := reg.TemplatesFor("ADT^A01")
	var names []string
	for _, e := range entries {
		names = append(names, e.Template)
		if e.Resource() == nil || e.Resource().Name != e.Template {
			t.Errorf("entry %s is not linked to its template", e.Template)
		}
	}
	want := "MessageHeader,Patient,Encounter,Condition,AllergyIntolerance,Procedure,Coverage"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("entries = %s, want %s", got, want)
	}

	patient := entries[1]
	if patient.Bind != "patient" || !patient.Mandatory || patient.Segment != "PID" {
		t.Errorf("patient entry = %+v", patient)
	}
	coverage := entries[6]
	if coverage.Group != "INSURANCE" || !coverage.Repeats {
		t.Errorf("coverage entry = %+v", coverage)
	}

	m, ok := reg.Message("ADT^A03")
	if !ok || m.Name != "ADT_A01" {
		t.Fatalf("ADT^A03 served by %v", m)
	}
	if g, ok := m.Group("INSURANCE"); !ok || g.Start[0] != "IN1" {
		t.Errorf("INSURANCE group = %+v", g)
	}
}

func TestResourceTemplates(t *testing.T) {
	reg, err := Load(Embedded())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	patient, ok := reg.Resource("Patient")
	if !ok {
		t.Fatal("Patient template missing")
	}
	if patient.Kind != KindReferenced || patient.ResourceType != "Patient" {
		t.Errorf("patient kind %s type %s", patient.Kind, patient.ResourceType)
	}
	if len(patient.Identity) != 1 || patient.Identity[0] != "identifier" {
		t.Errorf("patient identity = %v", patient.Identity)
	}

	var identifier *Field
	for _, f := range patient.Fields {
		if f.Path == "identifier" && f.Template == "Identifier" {
			identifier = f
			break
		}
	}
	if identifier == nil {
		t.Fatal("patient identifier field missing")
	}
	if !identifier.Iterated() || !identifier.Repeat {
		t.Error("identifier field should iterate PID-3 and repeat")
	}
	if identifier.Nested() == nil || identifier.Nested().Kind != KindInline {
		t.Error("identifier field should build the inline Identifier template")
	}

	company, _ := reg.Resource("InsuranceCompany")
	if company.ResourceType != "Organization" {
		t.Errorf("InsuranceCompany builds %s", company.ResourceType)
	}

	for _, name := range reg.Resources() {
		r, _ := reg.Resource(name)
		if r.Kind == KindReferenced && r.ResourceType == "" {
			t.Errorf("%s has no resource type", name)
		}
	}
}

const baseMessage = `
messages: [ADT^A01]
entries:
  - template: Patient
    segment: PID
    bind: patient
`

const basePatient = `
resourceType: Patient
fields:
  - path: birthDate
    expr: date(PID.7)
`

func TestLoadAuthoringErrors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{
			name:  "unknown function",
			files: map[string]string{"resources/Patient.yaml": "resourceType: Patient\nfields:\n  - path: gender\n    expr: sex(PID.8)\n"},
			want:  `unknown function "sex"`,
		},
		{
			name:  "bad field path",
			files: map[string]string{"resources/Patient.yaml": "resourceType: Patient\nfields:\n  - path: Birth-Date\n    expr: PID.7\n"},
			want:  "invalid field path",
		},
		{
			name:  "undefined nested template",
			files: map[string]string{"resources/Patient.yaml": "resourceType: Patient\nfields:\n  - path: name\n    template: Missing\n"},
			want:  `undefined template "Missing"`,
		},
		{
			name:  "unbound variable",
			files: map[string]string{"resources/Patient.yaml": "resourceType: Patient\nfields:\n  - path: link\n    expr: $encounter\n"},
			want:  "variable $encounter is not bound",
		},
		{
			name: "template cycle",
			files: map[string]string{
				"resources/Patient.yaml": "resourceType: Patient\nfields:\n  - path: contact\n    template: Contact\n",
				"resources/Contact.yaml": "kind: inline\nfields:\n  - path: patient\n    template: Patient\n",
			},
			want: "includes itself",
		},
		{
			name:  "expr and template together",
			files: map[string]string{"resources/Patient.yaml": "resourceType: Patient\nfields:\n  - path: name\n    expr: PID.5\n    template: Patient\n"},
			want:  "exactly one of expr and template",
		},
		{
			name:  "unknown yaml key",
			files: map[string]string{"resources/Patient.yaml": "resourceType: Patient\nfeilds: []\n"},
			want:  "feilds",
		},
		{
			name:  "bad emptiness",
			files: map[string]string{"resources/Patient.yaml": "resourceType: Patient\nfields:\n  - path: gender\n    expr: PID.8\n    empty: sometimes\n"},
			want:  "sometimes",
		},
		{
			name:  "inline entry",
			files: map[string]string{"resources/Patient.yaml": "kind: inline\nfields:\n  - path: birthDate\n    expr: PID.7\n"},
			want:  "must be referenced",
		},
		{
			name:  "undefined group",
			files: map[string]string{"messages/ADT_A01.yaml": "messages: [ADT^A01]\nentries:\n  - template: Patient\n    group: INSURANCE\n"},
			want:  `undefined group "INSURANCE"`,
		},
		{
			name: "trigger served twice",
			files: map[string]string{
				"messages/ADT_A04.yaml": "messages: [ADT^A01]\nentries:\n  - template: Patient\n",
			},
			want: "already served",
		},
		{
			name:  "bad trigger",
			files: map[string]string{"messages/ADT_A01.yaml": "messages: [ADT-A01]\nentries:\n  - template: Patient\n"},
			want:  "invalid trigger event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{
				"messages/ADT_A01.yaml":  {Data: []byte(baseMessage)},
				"resources/Patient.yaml": {Data: []byte(basePatient)},
			}
			for name, data := range tt.files {
				fsys[name] = &fstest.MapFile{Data: []byte(data)}
			}

			_, err := Load(fsys)
			if err == nil {
				t.Fatal("expected an authoring error")
			}
			if !errors.Is(err, ErrAuthoring) {
				t.Errorf("error %v does not match ErrAuthoring", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadLocatesErrors(t *testing.T) {
	fsys := fstest.MapFS{
		"messages/ADT_A01.yaml":  {Data: []byte(baseMessage)},
		"resources/Patient.yaml": {Data: []byte("resourceType: Patient\nfields:\n  - path: gender\n    expr: map('AdministrativeGender'\n")},
	}
	_, err := Load(fsys)

	var authoring *AuthoringError
	if !errors.As(err, &authoring) {
		t.Fatalf("error %v is not an AuthoringError", err)
	}
	if authoring.File != "resources/Patient.yaml" || authoring.Template != "Patient" || authoring.Field != "gender" {
		t.Errorf("located at %s %s %s", authoring.File, authoring.Template, authoring.Field)
	}
}

func TestVariablesFollowBindOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"messages/ADT_A01.yaml": {Data: []byte(`
messages: [ADT^A01]
entries:
  - template: Encounter
    segment: PV1
  - template: Patient
    segment: PID
    bind: patient
`)},
		"resources/Patient.yaml":   {Data: []byte(basePatient)},
		"resources/Encounter.yaml": {Data: []byte("resourceType: Encounter\nfields:\n  - path: subject\n    expr: $patient\n")},
	}
	_, err := Load(fsys)
	if err == nil || !strings.Contains(err.Error(), "variable $patient is not bound") {
		t.Fatalf("expected unbound $patient, got %v", err)
	}

	// template vars are visible to nested templates
	fsys["resources/Encounter.yaml"] = &fstest.MapFile{Data: []byte(`
resourceType: Encounter
vars:
  - name: visit
    expr: PV1.19
fields:
  - path: identifier
    template: VisitIdentifier
`)}
	fsys["resources/VisitIdentifier.yaml"] = &fstest.MapFile{Data: []byte("kind: inline\nfields:\n  - path: value\n    expr: $visit.1\n")}
	if _, err := Load(fsys); err != nil {
		t.Fatalf("nested template should see $visit: %v", err)
	}
}

func TestReload(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	fsys := fstest.MapFS{
		"messages/ADT_A01.yaml":  {Data: []byte(baseMessage)},
		"resources/Patient.yaml": {Data: []byte(basePatient)},
	}
	reg, err := Reload(fsys)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reg.Triggers(); len(got) != 1 || got[0] != "ADT^A01" {
		t.Errorf("triggers = %v", got)
	}
	cur, _ := Default()
	if cur != reg {
		t.Error("Default should return the reloaded registry")
	}

	fsys["resources/Patient.yaml"] = &fstest.MapFile{Data: []byte("resourceType: Patient\nfields: [\n")}
	if _, err := Reload(fsys); err == nil {
		t.Fatal("reload of broken templates should fail")
	}
	cur, _ = Default()
	if cur != reg {
		t.Error("failed reload should keep the previous registry")
	}
}
