package template

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/hl7fhir/internal/expression"
	"github.com/drfirst/hl7fhir/internal/hl7v2"
)

var (
	fieldPath   = regexp.MustCompile(`^[a-z][A-Za-z0-9]*(\.[a-z][A-Za-z0-9]*)*$`)
	segmentName = regexp.MustCompile(`^[A-Z][A-Z0-9]{2}$`)
	varName     = regexp.MustCompile(`^[a-z][A-Za-z0-9_]*$`)
	triggerName = regexp.MustCompile(`^[A-Z0-9]{3}\^[A-Z0-9]{3}$`)
)

// ErrAuthoring is matched by every template authoring error
var ErrAuthoring = errors.New("template authoring error")

// AuthoringError locates a defect found while loading templates
type AuthoringError struct {
	File     string
	Template string
	Field    string
	Err      error
}

func (e *AuthoringError) Error() string {
	var b strings.Builder
	b.WriteString(e.File)
	if e.Template != "" {
		fmt.Fprintf(&b, ": %s", e.Template)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %s", e.Field)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *AuthoringError) Unwrap() error { return e.Err }

// Is makes every AuthoringError match ErrAuthoring
func (e *AuthoringError) Is(target error) bool { return target == ErrAuthoring }

type resourceDoc struct {
	ResourceType string     `yaml:"resourceType"`
	Kind         string     `yaml:"kind"`
	Vars         []varDoc   `yaml:"vars"`
	Identity     []string   `yaml:"identity"`
	Required     []string   `yaml:"required"`
	Fields       []fieldDoc `yaml:"fields"`
}

type varDoc struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

type fieldDoc struct {
	Path     string `yaml:"path"`
	Expr     string `yaml:"expr"`
	Template string `yaml:"template"`
	Repeat   bool   `yaml:"repeat"`
	When     string `yaml:"when"`
	Empty    string `yaml:"empty"`
	Segment  string `yaml:"segment"`
	Group    string `yaml:"group"`
	Each     string `yaml:"each"`
}

type messageDoc struct {
	Messages []string   `yaml:"messages"`
	Groups   []groupDoc `yaml:"groups"`
	Entries  []entryDoc `yaml:"entries"`
}

type groupDoc struct {
	Name    string   `yaml:"name"`
	Start   []string `yaml:"start"`
	Members []string `yaml:"members"`
}

type entryDoc struct {
	Template  string `yaml:"template"`
	Segment   string `yaml:"segment"`
	Group     string `yaml:"group"`
	Repeats   bool   `yaml:"repeats"`
	Bind      string `yaml:"bind"`
	Mandatory bool   `yaml:"mandatory"`
}

// Load reads resources/*.yaml and messages/*.yaml from fsys, compiles every
// expression and checks the cross references. All defects found are
// returned together; each matches ErrAuthoring.
func Load(fsys fs.FS) (*Registry, error) {
	l := &loader{fsys: fsys, resources: make(map[string]*Resource)}

	resourceFiles, err := fs.Glob(fsys, "resources/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list resource templates: %w", err)
	}
	messageFiles, err := fs.Glob(fsys, "messages/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list message templates: %w", err)
	}
	if len(messageFiles) == 0 {
		return nil, &AuthoringError{File: "messages", Err: errors.New("no message templates")}
	}
	sort.Strings(resourceFiles)
	sort.Strings(messageFiles)

	for _, f := range resourceFiles {
		l.loadResource(f)
	}
	for _, f := range messageFiles {
		l.loadMessage(f)
	}
	l.link()

	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}

	reg := &Registry{
		resources: l.resources,
		messages:  l.messages,
		byTrigger: make(map[string]*Message),
	}
	for _, m := range l.messages {
		for _, t := range m.Triggers {
			reg.byTrigger[t] = m
		}
	}
	return reg, nil
}

type loader struct {
	fsys      fs.FS
	resources map[string]*Resource
	messages  []*Message
	errs      []error
}

func (l *loader) fail(file, tmpl, field string, err error) {
	l.errs = append(l.errs, &AuthoringError{File: file, Template: tmpl, Field: field, Err: err})
}

func (l *loader) decode(file string, v any) bool {
	data, err := fs.ReadFile(l.fsys, file)
	if err != nil {
		l.fail(file, "", "", err)
		return false
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		l.fail(file, "", "", err)
		return false
	}
	return true
}

func (l *loader) compile(file, tmpl, field, src string) *expression.Expression {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	e, err := expression.Compile(src)
	if err != nil {
		l.fail(file, tmpl, field, err)
		return nil
	}
	return e
}

func templateName(file string) string {
	return strings.TrimSuffix(path.Base(file), path.Ext(file))
}

func (l *loader) loadResource(file string) {
	var doc resourceDoc
	if !l.decode(file, &doc) {
		return
	}
	name := templateName(file)
	r := &Resource{
		Name:         name,
		ResourceType: doc.ResourceType,
		Kind:         Kind(doc.Kind),
		Identity:     doc.Identity,
		Required:     doc.Required,
		File:         file,
	}
	if r.Kind == "" {
		r.Kind = KindReferenced
	}

	switch r.Kind {
	case KindReferenced:
		if r.ResourceType == "" {
			l.fail(file, name, "", errors.New("referenced template needs a resourceType"))
		}
	case KindInline:
		if len(doc.Identity) > 0 {
			l.fail(file, name, "", errors.New("inline template cannot declare an identity"))
		}
	default:
		l.fail(file, name, "", fmt.Errorf("kind %q must be referenced or inline", doc.Kind))
	}

	for _, key := range doc.Identity {
		if key != PositionKey && !fieldPath.MatchString(key) {
			l.fail(file, name, "", fmt.Errorf("identity key %q is not a field path", key))
		}
	}
	for _, p := range doc.Required {
		if !fieldPath.MatchString(p) {
			l.fail(file, name, "", fmt.Errorf("required path %q is not a field path", p))
		}
	}

	seen := make(map[string]bool)
	for _, v := range doc.Vars {
		if !varName.MatchString(v.Name) || v.Name == "it" {
			l.fail(file, name, "", fmt.Errorf("invalid var name %q", v.Name))
			continue
		}
		if seen[v.Name] {
			l.fail(file, name, "", fmt.Errorf("var %s declared twice", v.Name))
		}
		seen[v.Name] = true
		if e := l.compile(file, name, "$"+v.Name, v.Expr); e != nil {
			r.Vars = append(r.Vars, Var{Name: v.Name, Expr: e})
		} else if strings.TrimSpace(v.Expr) == "" {
			l.fail(file, name, "$"+v.Name, errors.New("var without expr"))
		}
	}

	for _, fd := range doc.Fields {
		if f := l.field(file, name, fd); f != nil {
			r.Fields = append(r.Fields, f)
		}
	}
	if len(r.Fields) == 0 && len(doc.Fields) == 0 {
		l.fail(file, name, "", errors.New("template has no fields"))
	}

	if _, dup := l.resources[name]; dup {
		l.fail(file, name, "", errors.New("template declared twice"))
		return
	}
	l.resources[name] = r
}

func (l *loader) field(file, tmpl string, fd fieldDoc) *Field {
	if !fieldPath.MatchString(fd.Path) {
		l.fail(file, tmpl, fd.Path, fmt.Errorf("invalid field path %q", fd.Path))
		return nil
	}
	hasExpr := strings.TrimSpace(fd.Expr) != ""
	if hasExpr == (fd.Template != "") {
		l.fail(file, tmpl, fd.Path, errors.New("exactly one of expr and template is required"))
		return nil
	}

	iterators := 0
	for _, s := range []string{fd.Segment, fd.Group, fd.Each} {
		if strings.TrimSpace(s) != "" {
			iterators++
		}
	}
	if iterators > 1 {
		l.fail(file, tmpl, fd.Path, errors.New("segment, group and each are mutually exclusive"))
		return nil
	}
	if fd.Segment != "" && !segmentName.MatchString(fd.Segment) {
		l.fail(file, tmpl, fd.Path, fmt.Errorf("invalid segment name %q", fd.Segment))
		return nil
	}

	empty, err := expression.ParseEmptiness(fd.Empty)
	if err != nil {
		l.fail(file, tmpl, fd.Path, err)
		return nil
	}

	f := &Field{
		Path:     fd.Path,
		Template: fd.Template,
		Repeat:   fd.Repeat,
		Empty:    empty,
		Segment:  fd.Segment,
		Group:    fd.Group,
		Expr:     l.compile(file, tmpl, fd.Path, fd.Expr),
		When:     l.compile(file, tmpl, fd.Path, fd.When),
		Each:     l.compile(file, tmpl, fd.Path, fd.Each),
	}
	if hasExpr && f.Expr == nil {
		return nil
	}
	return f
}

func (l *loader) loadMessage(file string) {
	var doc messageDoc
	if !l.decode(file, &doc) {
		return
	}
	name := templateName(file)
	m := &Message{
		Name:   name,
		Groups: make(map[string]hl7v2.GroupDef),
		File:   file,
	}

	if len(doc.Messages) == 0 {
		l.fail(file, name, "", errors.New("no trigger events listed"))
	}
	for _, t := range doc.Messages {
		if !triggerName.MatchString(t) {
			l.fail(file, name, "", fmt.Errorf("invalid trigger event %q", t))
			continue
		}
		for _, other := range l.messages {
			for _, ot := range other.Triggers {
				if ot == t {
					l.fail(file, name, "", fmt.Errorf("trigger %s already served by %s", t, other.Name))
				}
			}
		}
		m.Triggers = append(m.Triggers, t)
	}

	for _, g := range doc.Groups {
		if g.Name == "" || len(g.Start) == 0 {
			l.fail(file, name, "", fmt.Errorf("group %q needs a name and start segments", g.Name))
			continue
		}
		for _, s := range append(append([]string(nil), g.Start...), g.Members...) {
			if !segmentName.MatchString(s) {
				l.fail(file, name, "", fmt.Errorf("group %s: invalid segment name %q", g.Name, s))
			}
		}
		if _, dup := m.Groups[g.Name]; dup {
			l.fail(file, name, "", fmt.Errorf("group %s declared twice", g.Name))
		}
		m.Groups[g.Name] = hl7v2.GroupDef{Name: g.Name, Start: g.Start, Members: g.Members}
	}

	binds := make(map[string]bool)
	for i, ed := range doc.Entries {
		label := fmt.Sprintf("entries[%d]", i)
		e := &Entry{
			Template:  ed.Template,
			Segment:   ed.Segment,
			Group:     ed.Group,
			Repeats:   ed.Repeats,
			Bind:      ed.Bind,
			Mandatory: ed.Mandatory,
		}
		if e.Segment != "" && e.Group != "" {
			l.fail(file, name, label, errors.New("segment and group are mutually exclusive"))
		}
		if e.Segment != "" && !segmentName.MatchString(e.Segment) {
			l.fail(file, name, label, fmt.Errorf("invalid segment name %q", e.Segment))
		}
		if e.Group != "" {
			if _, ok := m.Groups[e.Group]; !ok {
				l.fail(file, name, label, fmt.Errorf("undefined group %q", e.Group))
			}
		}
		if e.Bind != "" {
			if !varName.MatchString(e.Bind) || e.Bind == "it" {
				l.fail(file, name, label, fmt.Errorf("invalid bind name %q", e.Bind))
			}
			if binds[e.Bind] {
				l.fail(file, name, label, fmt.Errorf("%s bound twice", e.Bind))
			}
			binds[e.Bind] = true
		}
		m.Entries = append(m.Entries, e)
	}
	if len(m.Entries) == 0 {
		l.fail(file, name, "", errors.New("no entries"))
	}

	l.messages = append(l.messages, m)
}

// link resolves template references, rejects cycles, and checks that every
// group and variable a template uses is available where it is evaluated
func (l *loader) link() {
	for _, r := range l.resources {
		for _, f := range r.Fields {
			if f.Template == "" {
				continue
			}
			nested, ok := l.resources[f.Template]
			if !ok {
				l.fail(r.File, r.Name, f.Path, fmt.Errorf("undefined template %q", f.Template))
				continue
			}
			f.nested = nested
		}
	}

	state := make(map[string]int)
	var visit func(r *Resource) bool
	visit = func(r *Resource) bool {
		switch state[r.Name] {
		case 1:
			return false
		case 2:
			return true
		}
		state[r.Name] = 1
		for _, f := range r.Fields {
			if f.nested != nil && !visit(f.nested) {
				l.fail(r.File, r.Name, f.Path, fmt.Errorf("template %s includes itself", f.nested.Name))
				state[r.Name] = 2
				return true
			}
		}
		state[r.Name] = 2
		return true
	}
	for _, name := range sortedNames(l.resources) {
		visit(l.resources[name])
	}

	for _, m := range l.messages {
		var bound []string
		for i, e := range m.Entries {
			label := fmt.Sprintf("entries[%d]", i)
			r, ok := l.resources[e.Template]
			if !ok {
				l.fail(m.File, m.Name, label, fmt.Errorf("undefined template %q", e.Template))
				continue
			}
			if r.Kind != KindReferenced {
				l.fail(m.File, m.Name, label, fmt.Errorf("entry template %s must be referenced", r.Name))
				continue
			}
			e.resource = r
			if e.Bind != "" {
				bound = append(bound, e.Bind)
			}
			l.checkScope(m, r, bound, make(map[string]bool))
		}
	}
}

// checkScope verifies the variables and groups a template reaches when
// evaluated for message m with the given names bound
func (l *loader) checkScope(m *Message, r *Resource, bound []string, visited map[string]bool) {
	if visited[r.Name] {
		return
	}
	visited[r.Name] = true

	names := map[string]bool{"it": true}
	for _, b := range bound {
		names[b] = true
	}
	check := func(field string, e *expression.Expression) {
		if e == nil {
			return
		}
		for _, v := range e.Variables() {
			if !names[v] {
				l.fail(r.File, r.Name, field, fmt.Errorf("variable $%s is not bound for %s", v, m.Name))
			}
		}
	}

	for _, v := range r.Vars {
		check("$"+v.Name, v.Expr)
		names[v.Name] = true
	}
	inner := make([]string, 0, len(names))
	for n := range names {
		inner = append(inner, n)
	}
	for _, f := range r.Fields {
		check(f.Path, f.Expr)
		check(f.Path, f.When)
		check(f.Path, f.Each)
		if f.Group != "" {
			if _, ok := m.Groups[f.Group]; !ok {
				l.fail(r.File, r.Name, f.Path, fmt.Errorf("group %s is not defined for %s", f.Group, m.Name))
			}
		}
		if f.nested != nil {
			l.checkScope(m, f.nested, inner, visited)
		}
	}
}

func sortedNames(m map[string]*Resource) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
