package hl7v2

import (
	"errors"
	"fmt"
	"strings"
)

// ErrParse is returned for input that is not a well-formed HL7 v2 message
var ErrParse = errors.New("hl7v2: malformed message")

// ParseError describes where parsing failed
type ParseError struct {
	Line    int
	Segment string
	Message string
}

func (e *ParseError) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("hl7v2: line %d (%s): %s", e.Line, e.Segment, e.Message)
	}
	return fmt.Sprintf("hl7v2: line %d: %s", e.Line, e.Message)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

// Parse parses a raw message. Segments may be terminated by \r, \n or \r\n;
// delimiters are taken from the MSH segment.
func Parse(raw []byte) (*Message, error) {
	text := strings.TrimLeft(string(raw), "\r\n\t \ufeff")
	if text == "" {
		return nil, &ParseError{Line: 1, Message: "empty message"}
	}
	if !strings.HasPrefix(text, "MSH") || len(text) < 8 {
		return nil, &ParseError{Line: 1, Message: "message must start with an MSH segment"}
	}

	d := Delimiters{
		Field:        text[3],
		Component:    text[4],
		Repetition:   text[5],
		Escape:       text[6],
		Subcomponent: text[7],
	}
	if d.Field == d.Component || d.Field == d.Repetition || d.Component == d.Repetition {
		return nil, &ParseError{Line: 1, Segment: "MSH", Message: "conflicting delimiters"}
	}

	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })

	msg := &Message{Delimiters: d}
	occurrences := make(map[string]int)
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		seg, err := parseSegment(line, d)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Segment: seg.Name, Message: err.Error()}
		}
		occurrences[seg.Name]++
		seg.Index = len(msg.Segments)
		seg.Occurrence = occurrences[seg.Name]
		msg.Segments = append(msg.Segments, seg)
	}

	return msg, nil
}

func parseSegment(line string, d Delimiters) (*Segment, error) {
	parts := strings.Split(line, string(d.Field))
	seg := &Segment{Name: parts[0], delims: d}
	if len(seg.Name) != 3 {
		return seg, fmt.Errorf("invalid segment name %q", seg.Name)
	}

	if seg.Name == "MSH" {
		// MSH-1 is the field separator itself and MSH-2 is kept verbatim
		seg.fields = append(seg.fields, leaf(string(d.Field)))
		if len(parts) > 1 {
			seg.fields = append(seg.fields, leaf(parts[1]))
		}
		for _, p := range parts[2:] {
			seg.fields = append(seg.fields, splitField(p, d))
		}
		return seg, nil
	}

	for _, p := range parts[1:] {
		seg.fields = append(seg.fields, splitField(p, d))
	}
	return seg, nil
}

func leaf(s string) [][][]string {
	return [][][]string{{{s}}}
}

func splitField(raw string, d Delimiters) [][][]string {
	if raw == "" {
		return nil
	}
	reps := strings.Split(raw, string(d.Repetition))
	out := make([][][]string, len(reps))
	for i, rep := range reps {
		comps := strings.Split(rep, string(d.Component))
		out[i] = make([][]string, len(comps))
		for j, comp := range comps {
			subs := strings.Split(comp, string(d.Subcomponent))
			for k := range subs {
				subs[k] = Unescape(subs[k], d)
			}
			out[i][j] = subs
		}
	}
	return out
}

// Unescape decodes the delimiter escape sequences \F\ \S\ \T\ \R\ \E\.
// Other sequences such as \.br\ or \X0D\ are kept verbatim.
func Unescape(s string, d Delimiters) string {
	esc := d.Escape
	if strings.IndexByte(s, esc) < 0 {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != esc {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], esc)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		switch seq {
		case "F":
			b.WriteByte(d.Field)
		case "S":
			b.WriteByte(d.Component)
		case "T":
			b.WriteByte(d.Subcomponent)
		case "R":
			b.WriteByte(d.Repetition)
		case "E":
			b.WriteByte(d.Escape)
		default:
			b.WriteString(s[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}

// Escape encodes delimiter characters so the value can be re-embedded in a message
func Escape(s string, d Delimiters) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		var code byte
		switch c {
		case d.Field:
			code = 'F'
		case d.Component:
			code = 'S'
		case d.Subcomponent:
			code = 'T'
		case d.Repetition:
			code = 'R'
		case d.Escape:
			code = 'E'
		}
		if code == 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(d.Escape)
		b.WriteByte(code)
		b.WriteByte(d.Escape)
	}
	return b.String()
}
