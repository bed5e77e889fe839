package hl7v2

// GroupDef describes a repeating segment group such as the ORDER_OBSERVATION
// group of an ORU^R01. Start segments open an occurrence; Members may follow
// inside it. Start segments are members implicitly.
type GroupDef struct {
	Name    string
	Start   []string
	Members []string
}

func (g GroupDef) startIndex(name string) int {
	for i, s := range g.Start {
		if s == name {
			return i
		}
	}
	return -1
}

func (g GroupDef) isMember(name string) bool {
	if g.startIndex(name) >= 0 {
		return true
	}
	for _, s := range g.Members {
		if s == name {
			return true
		}
	}
	return false
}

// Groups splits the span into occurrences of the group. Start segments must
// lead an occurrence in their declared order; a start segment that arrives
// after the occurrence body, or out of that order, begins a new occurrence.
// Any segment that is not a member closes the open occurrence.
func (m *Message) Groups(def GroupDef, within Span) []Span {
	var spans []Span
	var cur Span
	open := false
	body := false
	lastStart := -1

	closeOpen := func(end int) {
		if open {
			cur.End = end
			spans = append(spans, cur)
			open = false
		}
	}

	end := within.End
	if end > len(m.Segments) {
		end = len(m.Segments)
	}
	for i := within.Start; i < end; i++ {
		name := m.Segments[i].Name
		if idx := def.startIndex(name); idx >= 0 {
			if !open || body || idx <= lastStart {
				closeOpen(i)
				open = true
				body = false
				cur = Span{Start: i}
			}
			lastStart = idx
			continue
		}
		if def.isMember(name) {
			if open {
				body = true
			}
			continue
		}
		closeOpen(i)
	}
	closeOpen(end)

	return spans
}
