// Package hl7v2 parses pipe-delimited HL7 v2 messages into a read-only tree of
// segments, fields, repetitions, components and subcomponents.
package hl7v2

import (
	"strings"
)

// Delimiters holds the encoding characters declared in MSH-1 and MSH-2
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters returns the standard |^~\& encoding characters
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Field:        '|',
		Component:    '^',
		Repetition:   '~',
		Escape:       '\\',
		Subcomponent: '&',
	}
}

// Null is the HL7 explicit null value
const Null = `""`

// Message is a parsed HL7 v2 message. It is never mutated after Parse.
type Message struct {
	Delimiters Delimiters
	Segments   []*Segment
}

// Segment is one segment occurrence. fields[i] holds field i+1 as
// repetition -> component -> subcomponent leaves.
type Segment struct {
	Name string
	// Index is the position of the segment in the message
	Index int
	// Occurrence is the 1-based occurrence number among segments with the same name
	Occurrence int

	fields [][][][]string
	delims Delimiters
}

// FieldCount returns the number of fields present in the segment
func (s *Segment) FieldCount() int {
	return len(s.fields)
}

// Repetitions returns how many repetitions field n carries
func (s *Segment) Repetitions(n int) int {
	if n < 1 || n > len(s.fields) {
		return 0
	}
	return len(s.fields[n-1])
}

// Value returns the leaf at the given 1-based coordinates, or "" when absent
func (s *Segment) Value(field, rep, comp, sub int) string {
	if field < 1 || field > len(s.fields) {
		return ""
	}
	reps := s.fields[field-1]
	if rep < 1 || rep > len(reps) {
		return ""
	}
	comps := reps[rep-1]
	if comp < 1 || comp > len(comps) {
		return ""
	}
	subs := comps[comp-1]
	if sub < 1 || sub > len(subs) {
		return ""
	}
	return subs[sub-1]
}

// Get returns field n's first repetition, first component, first subcomponent
func (s *Segment) Get(n int) string {
	return s.Value(n, 1, 1, 1)
}

// Node returns the segment itself as a tree node
func (s *Segment) Node() Node {
	return Node{seg: s}
}

// Field returns one node per repetition of field n
func (s *Segment) Field(n int) []Node {
	count := s.Repetitions(n)
	if count == 0 {
		return nil
	}
	nodes := make([]Node, 0, count)
	for r := 1; r <= count; r++ {
		nodes = append(nodes, Node{seg: s, field: n, rep: r})
	}
	return nodes
}

// Raw re-encodes the segment with the message delimiters
func (s *Segment) Raw() string {
	var b strings.Builder
	b.WriteString(s.Name)
	for i := range s.fields {
		n := i + 1
		if s.Name == "MSH" && n == 1 {
			continue
		}
		b.WriteByte(s.delims.Field)
		if s.Name == "MSH" && n == 2 {
			b.WriteString(s.Get(2))
			continue
		}
		for r := range s.fields[i] {
			if r > 0 {
				b.WriteByte(s.delims.Repetition)
			}
			b.WriteString(Node{seg: s, field: n, rep: r + 1}.Raw())
		}
	}
	return b.String()
}

// Span is a half-open range [Start, End) of segment indexes
type Span struct {
	Start int
	End   int
}

// Contains reports whether segment index i lies inside the span
func (sp Span) Contains(i int) bool {
	return i >= sp.Start && i < sp.End
}

// Whole returns the span covering every segment of the message
func (m *Message) Whole() Span {
	return Span{Start: 0, End: len(m.Segments)}
}

// Find returns the occurrences of the named segment inside the span, in message order
func (m *Message) Find(name string, within Span) []*Segment {
	var found []*Segment
	end := within.End
	if end > len(m.Segments) {
		end = len(m.Segments)
	}
	for i := within.Start; i < end; i++ {
		if m.Segments[i].Name == name {
			found = append(found, m.Segments[i])
		}
	}
	return found
}

// First returns the first occurrence of the named segment, or nil
func (m *Message) First(name string) *Segment {
	for _, s := range m.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Header returns the MSH segment
func (m *Message) Header() *Segment {
	if len(m.Segments) == 0 {
		return nil
	}
	return m.Segments[0]
}

func (m *Message) headerValue(field, comp int) string {
	h := m.Header()
	if h == nil {
		return ""
	}
	return h.Value(field, 1, comp, 1)
}

// Trigger returns the message type and trigger event, e.g. "ADT^A01"
func (m *Message) Trigger() string {
	code := m.headerValue(9, 1)
	event := m.headerValue(9, 2)
	if event == "" {
		return code
	}
	return code + "^" + event
}

// Structure returns MSH-9.3, the abstract message structure
func (m *Message) Structure() string { return m.headerValue(9, 3) }

// ControlID returns MSH-10
func (m *Message) ControlID() string { return m.headerValue(10, 1) }

// Version returns MSH-12
func (m *Message) Version() string { return m.headerValue(12, 1) }

// Timestamp returns the raw MSH-7 value
func (m *Message) Timestamp() string { return m.headerValue(7, 1) }

// SendingApplication returns MSH-3.1
func (m *Message) SendingApplication() string { return m.headerValue(3, 1) }

// SendingFacility returns MSH-4.1
func (m *Message) SendingFacility() string { return m.headerValue(4, 1) }

// ReceivingApplication returns MSH-5.1
func (m *Message) ReceivingApplication() string { return m.headerValue(5, 1) }

// ReceivingFacility returns MSH-6.1
func (m *Message) ReceivingFacility() string { return m.headerValue(6, 1) }
