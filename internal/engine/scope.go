package engine

// Scope is the immutable chain of names visible to an evaluation: entry
// binds, template vars and the $it of an iterated field. Push returns a new
// scope and leaves the receiver untouched, so a scope entered for one
// group occurrence disappears with the stack frame that entered it.
type Scope struct {
	name  string
	value any
	outer *Scope
}

// Push binds name in a new inner scope
func (s *Scope) Push(name string, v any) *Scope {
	return &Scope{name: name, value: v, outer: s}
}

// Lookup walks outwards from the innermost binding
func (s *Scope) Lookup(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.outer {
		if cur.name == name {
			return cur.value, true
		}
	}
	return nil, false
}

// Depth returns the number of bindings in the chain
func (s *Scope) Depth() int {
	n := 0
	for cur := s; cur != nil; cur = cur.outer {
		n++
	}
	return n
}
