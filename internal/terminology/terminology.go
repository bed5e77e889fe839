// Package terminology decides, for every coded value in a source message,
// which system, code and display the produced coding carries.
package terminology

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/fhir/r4"
)

// Outcome classifies how a (code, system) pair was resolved
type Outcome int

const (
	// OutcomeEmpty means there was no code to resolve
	OutcomeEmpty Outcome = iota
	// OutcomeNoSystem means the code came without a system
	OutcomeNoSystem
	// OutcomeFound means the code exists in an authoritative system
	OutcomeFound
	// OutcomeBadCode means the system is authoritative but does not define the code
	OutcomeBadCode
	// OutcomeInternal means the system is known to the internal tables only
	OutcomeInternal
	// OutcomeUnknownSystem means the system token is not recognized at all
	OutcomeUnknownSystem
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeNoSystem:
		return "no_system"
	case OutcomeFound:
		return "found"
	case OutcomeBadCode:
		return "bad_code"
	case OutcomeInternal:
		return "internal"
	case OutcomeUnknownSystem:
		return "unknown_system"
	default:
		return "unknown"
	}
}

// Input is one source coding: a CWE/CE triplet plus its optional version
type Input struct {
	Code    string
	Text    string
	System  string
	Version string
}

// Resolver resolves source codings against the loaded tables. It is
// read-only after NewResolver and safe for concurrent use.
type Resolver struct {
	systems map[string]*System
	maps    map[string]map[string]string
	logger  *zap.Logger
}

// NewResolver indexes the tables by system token, alias and URL
func NewResolver(t *Tables, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if t == nil {
		return nil, fmt.Errorf("terminology: no tables")
	}
	if err := t.check(); err != nil {
		return nil, fmt.Errorf("terminology: %w", err)
	}

	r := &Resolver{
		systems: make(map[string]*System),
		maps:    make(map[string]map[string]string),
		logger:  logger,
	}
	for i := range t.Systems {
		s := &t.Systems[i]
		keys := append([]string{s.Token, s.URL}, s.Aliases...)
		for _, k := range keys {
			k = normalize(k)
			if prev, ok := r.systems[k]; ok && prev != s {
				return nil, fmt.Errorf("terminology: %q names both %s and %s", k, prev.Token, s.Token)
			}
			r.systems[k] = s
		}
	}
	for _, m := range t.ConceptMaps {
		entries := make(map[string]string, len(m.Entries))
		for from, to := range m.Entries {
			entries[normalize(from)] = to
		}
		r.maps[m.Name] = entries
	}

	logger.Debug("terminology tables loaded",
		zap.Int("systems", len(t.Systems)),
		zap.Int("maps", len(t.ConceptMaps)),
	)
	return r, nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Lookup finds a system by token, alias or URL
func (r *Resolver) Lookup(system string) (*System, bool) {
	s, ok := r.systems[normalize(system)]
	return s, ok
}

// SystemURI returns the URI for a system token. Unknown tokens get a
// namespaced urn built from the token itself.
func (r *Resolver) SystemURI(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if s, ok := r.Lookup(token); ok {
		return s.URL
	}
	if strings.Contains(token, "://") || strings.HasPrefix(token, "urn:") {
		return token
	}
	return r4.SystemURNPrefix + token
}

// Display returns the display of a code in an authoritative system
func (r *Resolver) Display(system, code string) (string, bool) {
	s, ok := r.Lookup(system)
	if !ok || !s.Authoritative {
		return "", false
	}
	d, ok := s.Codes[strings.TrimSpace(code)]
	return d, ok
}

// Map translates code through the named concept map. Codes match case-insensitively.
func (r *Resolver) Map(name, code string) (string, bool) {
	m, ok := r.maps[name]
	if !ok {
		return "", false
	}
	v, ok := m[normalize(code)]
	return v, ok
}

// HasMap reports whether a concept map is loaded
func (r *Resolver) HasMap(name string) bool {
	_, ok := r.maps[name]
	return ok
}

// Resolve builds the coding for one (code, system, text) triple. Exactly one
// outcome applies per pair; a bad code in an authoritative system never
// carries a code, only a diagnostic display.
func (r *Resolver) Resolve(code, system, text string) (r4.Coding, Outcome) {
	code = strings.TrimSpace(code)
	system = strings.TrimSpace(system)
	if code == "" {
		return r4.Coding{}, OutcomeEmpty
	}
	if system == "" {
		return r4.Coding{Code: code, Display: text}, OutcomeNoSystem
	}

	s, ok := r.Lookup(system)
	if !ok {
		return r4.Coding{System: r.SystemURI(system), Code: code, Display: text}, OutcomeUnknownSystem
	}
	if !s.Authoritative {
		return r4.Coding{System: s.URL, Code: code, Display: text}, OutcomeInternal
	}

	if display, found := s.Codes[code]; found {
		return r4.Coding{System: s.URL, Code: code, Display: display}, OutcomeFound
	}

	r.logger.Debug("code not defined in system",
		zap.String("code", code),
		zap.String("system", system),
	)
	return r4.Coding{System: s.URL, Display: InvalidDisplay(code, system, text)}, OutcomeBadCode
}

// InvalidDisplay renders the diagnostic display of a bad code
func InvalidDisplay(code, system, text string) string {
	d := fmt.Sprintf("Invalid input: code '%s' for system '%s'", code, system)
	if text != "" {
		d += fmt.Sprintf(" original display: '%s'", text)
	}
	return d
}

// Concept folds the codings of one source field into a single concept. The
// first input is the primary coding and the rest are alternates; an
// alternate repeating a coding already present is dropped. The concept text
// is original when given, else the first input text found.
func (r *Resolver) Concept(original string, inputs ...Input) (r4.CodeableConcept, []Outcome) {
	var cc r4.CodeableConcept
	var outcomes []Outcome

	seen := make(map[string]bool)
	for _, in := range inputs {
		coding, outcome := r.Resolve(in.Code, in.System, in.Text)
		if outcome == OutcomeEmpty {
			continue
		}
		outcomes = append(outcomes, outcome)
		if outcome != OutcomeBadCode && in.Version != "" {
			coding.Version = in.Version
		}
		key := coding.System + "|" + coding.Code + "|" + coding.Display
		if seen[key] {
			continue
		}
		seen[key] = true
		cc.Coding = append(cc.Coding, coding)
	}

	cc.Text = strings.TrimSpace(original)
	if cc.Text == "" {
		for _, in := range inputs {
			if t := strings.TrimSpace(in.Text); t != "" {
				cc.Text = t
				break
			}
		}
	}
	return cc, outcomes
}
