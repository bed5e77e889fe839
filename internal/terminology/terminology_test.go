package terminology

import (
	"testing"
	"testing/fstest"

	"github.com/drfirst/hl7fhir/internal/fhir/r4"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	tables, err := DefaultTables()
	if err != nil {
		t.Fatalf("load default tables: %v", err)
	}
	r, err := NewResolver(tables, nil)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func TestResolveOutcomes(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name    string
		code    string
		system  string
		text    string
		outcome Outcome
		want    r4.Coding
	}{
		{
			name: "found in authoritative system", code: "M", system: "HL70002", text: "Wedded",
			outcome: OutcomeFound,
			want:    r4.Coding{System: "http://terminology.hl7.org/CodeSystem/v2-0002", Code: "M", Display: "Married"},
		},
		{
			name: "bad code keeps original text", code: "Q", system: "HL70002", text: "Wedded",
			outcome: OutcomeBadCode,
			want: r4.Coding{
				System:  "http://terminology.hl7.org/CodeSystem/v2-0002",
				Display: "Invalid input: code 'Q' for system 'HL70002' original display: 'Wedded'",
			},
		},
		{
			name: "bad code without text", code: "Q", system: "HL70002",
			outcome: OutcomeBadCode,
			want: r4.Coding{
				System:  "http://terminology.hl7.org/CodeSystem/v2-0002",
				Display: "Invalid input: code 'Q' for system 'HL70002'",
			},
		},
		{
			name: "internal system passes text through", code: "I10", system: "I10", text: "Essential hypertension",
			outcome: OutcomeInternal,
			want:    r4.Coding{System: r4.SystemICD10CM, Code: "I10", Display: "Essential hypertension"},
		},
		{
			name: "internal alias", code: "2345-7", system: "loinc", text: "Glucose",
			outcome: OutcomeInternal,
			want:    r4.Coding{System: r4.SystemLOINC, Code: "2345-7", Display: "Glucose"},
		},
		{
			name: "unknown system", code: "X1", system: "LOCALLAB", text: "Local test",
			outcome: OutcomeUnknownSystem,
			want:    r4.Coding{System: "urn:id:LOCALLAB", Code: "X1", Display: "Local test"},
		},
		{
			name: "no system", code: "X1", text: "Something",
			outcome: OutcomeNoSystem,
			want:    r4.Coding{Code: "X1", Display: "Something"},
		},
		{
			name: "no code", system: "HL70002", text: "Wedded",
			outcome: OutcomeEmpty,
		},
		{
			name: "url names the system", code: "F", system: "http://terminology.hl7.org/CodeSystem/v2-0001",
			outcome: OutcomeFound,
			want:    r4.Coding{System: "http://terminology.hl7.org/CodeSystem/v2-0001", Code: "F", Display: "Female"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := r.Resolve(tt.code, tt.system, tt.text)
			if outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", outcome, tt.outcome)
			}
			if got != tt.want {
				t.Errorf("coding = %+v, want %+v", got, tt.want)
			}
			if outcome == OutcomeBadCode && got.Code != "" {
				t.Error("bad code must not carry a code")
			}
		})
	}
}

func TestConceptKeepsSourceText(t *testing.T) {
	r := newTestResolver(t)

	cc, outcomes := r.Concept("", Input{Code: "M", Text: "Wedded", System: "HL70002"})
	if len(cc.Coding) != 1 {
		t.Fatalf("codings = %d, want 1", len(cc.Coding))
	}
	if cc.Coding[0].Display != "Married" {
		t.Errorf("display = %q, want canonical Married", cc.Coding[0].Display)
	}
	if cc.Text != "Wedded" {
		t.Errorf("text = %q, want source text Wedded", cc.Text)
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeFound {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestConceptMergesAlternates(t *testing.T) {
	r := newTestResolver(t)

	cc, _ := r.Concept("",
		Input{Code: "I10", Text: "Essential hypertension", System: "I10"},
		Input{Code: "38341003", Text: "Hypertensive disorder", System: "SCT"},
	)
	if len(cc.Coding) != 2 {
		t.Fatalf("codings = %d, want 2", len(cc.Coding))
	}
	if cc.Coding[0].System != r4.SystemICD10CM || cc.Coding[1].System != r4.SystemSNOMED {
		t.Errorf("systems = %s, %s", cc.Coding[0].System, cc.Coding[1].System)
	}
	if cc.Text != "Essential hypertension" {
		t.Errorf("text = %q", cc.Text)
	}

	withOriginal, _ := r.Concept("High blood pressure",
		Input{Code: "I10", Text: "Essential hypertension", System: "I10"},
	)
	if withOriginal.Text != "High blood pressure" {
		t.Errorf("original text should win, got %q", withOriginal.Text)
	}

	dup, _ := r.Concept("",
		Input{Code: "I10", Text: "Essential hypertension", System: "I10"},
		Input{Code: "I10", Text: "Essential hypertension", System: "ICD10CM"},
	)
	if len(dup.Coding) != 1 {
		t.Errorf("duplicate alternate kept: %+v", dup.Coding)
	}
}

func TestConceptVersion(t *testing.T) {
	r := newTestResolver(t)

	cc, _ := r.Concept("", Input{Code: "2345-7", Text: "Glucose", System: "LN", Version: "2.72"})
	if cc.Coding[0].Version != "2.72" {
		t.Errorf("version = %q", cc.Coding[0].Version)
	}
}

func TestConceptTextOnly(t *testing.T) {
	r := newTestResolver(t)

	cc, outcomes := r.Concept("", Input{Text: "Penicillin"})
	if len(cc.Coding) != 0 || cc.Text != "Penicillin" {
		t.Errorf("concept = %+v", cc)
	}
	if len(outcomes) != 0 {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestMap(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		table string
		code  string
		want  string
		ok    bool
	}{
		{"AdministrativeGender", "M", "male", true},
		{"AdministrativeGender", "f", "female", true},
		{"PatientClass", "I", "IMP", true},
		{"TelecomSystem", "Internet", "email", true},
		{"EncounterStatus", "A03", "finished", true},
		{"AdministrativeGender", "Z", "", false},
		{"NoSuchMap", "M", "", false},
	}
	for _, tt := range tests {
		got, ok := r.Map(tt.table, tt.code)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Map(%s, %s) = %q, %v; want %q, %v", tt.table, tt.code, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSystemURI(t *testing.T) {
	r := newTestResolver(t)

	if got := r.SystemURI("LN"); got != r4.SystemLOINC {
		t.Errorf("LN = %q", got)
	}
	if got := r.SystemURI("ACME"); got != "urn:id:ACME" {
		t.Errorf("ACME = %q", got)
	}
	if got := r.SystemURI("http://example.org/ids"); got != "http://example.org/ids" {
		t.Errorf("url = %q", got)
	}
	if got := r.SystemURI(""); got != "" {
		t.Errorf("empty = %q", got)
	}
}

func TestLoadTablesOverride(t *testing.T) {
	base, err := DefaultTables()
	if err != nil {
		t.Fatal(err)
	}
	fsys := fstest.MapFS{
		"local/lab.yaml": {Data: []byte(`
systems:
  - token: LN
    url: http://loinc.org
    authoritative: true
    codes:
      "2345-7": Glucose [Mass/volume] in Serum or Plasma
`)},
	}
	override, err := LoadTables(fsys, "local")
	if err != nil {
		t.Fatalf("load override: %v", err)
	}
	base.Merge(override)

	r, err := NewResolver(base, nil)
	if err != nil {
		t.Fatal(err)
	}
	coding, outcome := r.Resolve("2345-7", "LN", "Glucose")
	if outcome != OutcomeFound || coding.Display != "Glucose [Mass/volume] in Serum or Plasma" {
		t.Errorf("override not applied: %+v %s", coding, outcome)
	}
}

func TestLoadTablesRejectsDuplicates(t *testing.T) {
	fsys := fstest.MapFS{
		"t/a.yaml": {Data: []byte("systems:\n  - token: X\n    url: urn:x\n")},
		"t/b.yaml": {Data: []byte("systems:\n  - token: X\n    url: urn:y\n")},
	}
	if _, err := LoadTables(fsys, "t"); err == nil {
		t.Error("expected duplicate token error")
	}
}
