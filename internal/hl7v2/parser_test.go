package hl7v2

import (
	"errors"
	"testing"
	"time"
)

const admitMessage = "MSH|^~\\&|EPIC|GOOD HEALTH|RECV|FAC|20240102120000||ADT^A01^ADT_A01|CTRL-1|P|2.5\r" +
	"EVN|A01|20240102120000\r" +
	"PID|1||MRN123^^^HOSP^MR~SSN999^^^SSA^SS||DOE^JOHN^Q||19800115|M|||1 MAIN ST^^SPRINGFIELD^IL^62701\r" +
	"PV1|1|I|ICU^101^A||||1234^SMITH^JANE|||||||||||VN42\r" +
	"DG1|1||I10^Hypertension^I10C|||A\r" +
	"DG1|2||E11.9^Diabetes^I10C|||A\r" +
	"NTE|1||Line one \\F\\ pipe \\S\\ caret\\.br\\next\r"

func TestParseHeader(t *testing.T) {
	msg, err := Parse([]byte(admitMessage))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if got := msg.Trigger(); got != "ADT^A01" {
		t.Errorf("trigger = %q, want ADT^A01", got)
	}
	if got := msg.Structure(); got != "ADT_A01" {
		t.Errorf("structure = %q", got)
	}
	if got := msg.ControlID(); got != "CTRL-1" {
		t.Errorf("control id = %q", got)
	}
	if got := msg.Version(); got != "2.5" {
		t.Errorf("version = %q", got)
	}
	if got := msg.SendingFacility(); got != "GOOD HEALTH" {
		t.Errorf("sending facility = %q", got)
	}
	if got := msg.Header().Get(1); got != "|" {
		t.Errorf("MSH-1 = %q, want field separator", got)
	}
	if got := msg.Header().Get(2); got != "^~\\&" {
		t.Errorf("MSH-2 = %q, want encoding characters", got)
	}
	if len(msg.Segments) != 7 {
		t.Errorf("segments = %d, want 7", len(msg.Segments))
	}
}

func TestParseLineEndings(t *testing.T) {
	tests := []struct {
		name string
		sep  string
	}{
		{"carriage return", "\r"},
		{"newline", "\n"},
		{"crlf", "\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "MSH|^~\\&|A|B|C|D|20240101||ADT^A04|1|P|2.5" + tt.sep + "PID|1||X1" + tt.sep + tt.sep
			msg, err := Parse([]byte(raw))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if len(msg.Segments) != 2 {
				t.Fatalf("segments = %d, want 2", len(msg.Segments))
			}
			if got := msg.First("PID").Get(3); got != "X1" {
				t.Errorf("PID-3 = %q", got)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no header", "PID|1||X"},
		{"short header", "MSH|^~"},
		{"bad segment name", "MSH|^~\\&|A\rPIDX|1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrParse) {
				t.Errorf("error %v does not wrap ErrParse", err)
			}
		})
	}
}

func TestTreeAccess(t *testing.T) {
	msg, err := Parse([]byte(admitMessage))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pid := msg.First("PID")

	ids := pid.Field(3)
	if len(ids) != 2 {
		t.Fatalf("PID-3 repetitions = %d, want 2", len(ids))
	}
	if ids[1].String() != "SSN999" {
		t.Errorf("second repetition = %q", ids[1].String())
	}
	if c, ok := ids[0].Child(5); !ok || c.String() != "MR" {
		t.Errorf("PID-3.5 = %q, %v", c.String(), ok)
	}
	if _, ok := ids[0].Child(9); ok {
		t.Error("missing component should not resolve")
	}
	if got := pid.Field(40); got != nil {
		t.Errorf("missing field = %v, want nil", got)
	}

	name := pid.Field(5)[0]
	if name.Raw() != "DOE^JOHN^Q" {
		t.Errorf("raw name = %q", name.Raw())
	}
	if got := name.Position(); got != "PID[1]-5[1]" {
		t.Errorf("position = %q", got)
	}

	dg1 := msg.Find("DG1", msg.Whole())
	if len(dg1) != 2 || dg1[1].Occurrence != 2 {
		t.Fatalf("DG1 occurrences = %d", len(dg1))
	}
}

func TestEscapes(t *testing.T) {
	msg, err := Parse([]byte(admitMessage))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	got := msg.First("NTE").Get(3)
	want := "Line one | pipe ^ caret\\.br\\next"
	if got != want {
		t.Errorf("unescaped = %q, want %q", got, want)
	}
	if raw := msg.First("NTE").Field(3)[0].Raw(); raw != "Line one \\F\\ pipe \\S\\ caret\\E\\.br\\E\\next" {
		t.Errorf("re-escaped = %q", raw)
	}
}

func TestNullAndBlank(t *testing.T) {
	msg, err := Parse([]byte("MSH|^~\\&|A|B|C|D|20240101||ADT^A08|1|P|2.5\rPID|1||X|\"\"|^^||  "))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pid := msg.First("PID")
	if n := pid.Field(4)[0]; !n.IsNull() || n.IsBlank() {
		t.Errorf("PID-4 null=%v blank=%v", n.IsNull(), n.IsBlank())
	}
	if n := pid.Field(5)[0]; n.IsNull() || !n.IsBlank() {
		t.Errorf("PID-5 null=%v blank=%v", n.IsNull(), n.IsBlank())
	}
	if n := pid.Field(7)[0]; !n.IsBlank() {
		t.Error("whitespace field should be blank")
	}
}

func TestGroups(t *testing.T) {
	raw := "MSH|^~\\&|LAB|H|R|F|20240101||ORU^R01|9|P|2.5\r" +
		"PID|1||P1\r" +
		"ORC|RE|1\r" +
		"OBR|1|1\r" +
		"OBX|1|NM|A\r" +
		"OBX|2|NM|B\r" +
		"OBR|2|2\r" +
		"OBX|1|NM|C\r" +
		"ORC|RE|3\r" +
		"OBR|3|3\r" +
		"ZZZ|1\r" +
		"OBX|1|NM|D\r"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	def := GroupDef{Name: "ORDER", Start: []string{"ORC", "OBR"}, Members: []string{"OBX", "NTE"}}
	spans := msg.Groups(def, msg.Whole())
	want := []Span{{2, 6}, {6, 8}, {8, 10}}
	if len(spans) != len(want) {
		t.Fatalf("spans = %v, want %v", spans, want)
	}
	for i := range want {
		if spans[i] != want[i] {
			t.Errorf("span %d = %v, want %v", i, spans[i], want[i])
		}
	}

	obs := msg.Groups(GroupDef{Name: "OBSERVATION", Start: []string{"OBX"}, Members: []string{"NTE"}}, spans[0])
	if len(obs) != 2 {
		t.Errorf("observation groups = %d, want 2", len(obs))
	}
}

func TestParseDateTime(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	tests := []struct {
		in       string
		date     string
		dateTime string
	}{
		{"2024", "2024", "2024"},
		{"202403", "2024-03", "2024-03"},
		{"20240315", "2024-03-15", "2024-03-15"},
		{"202403151230", "2024-03-15", "2024-03-15T12:30:00-05:00"},
		{"20240315123045+0100", "2024-03-15", "2024-03-15T12:30:45+01:00"},
		{"20240315123045.25", "2024-03-15", "2024-03-15T12:30:45.25-05:00"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			dt, err := ParseDateTime(tt.in, est)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if got := dt.Date(); got != tt.date {
				t.Errorf("date = %q, want %q", got, tt.date)
			}
			if got := dt.DateTime(); got != tt.dateTime {
				t.Errorf("dateTime = %q, want %q", got, tt.dateTime)
			}
		})
	}

	for _, bad := range []string{"", "2024-03-15", "20241", "20240315+01", "abcd"} {
		if _, err := ParseDateTime(bad, est); err == nil {
			t.Errorf("ParseDateTime(%q) should fail", bad)
		}
	}
}
