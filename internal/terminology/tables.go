package terminology

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed tables/*.yaml
var embedded embed.FS

// System is one coding system the resolver recognizes. Authoritative systems
// carry their complete code list and codes are checked against it; internal
// systems only map the source token to a system URI.
type System struct {
	Token         string            `yaml:"token"`
	URL           string            `yaml:"url"`
	Name          string            `yaml:"name"`
	Aliases       []string          `yaml:"aliases"`
	Authoritative bool              `yaml:"authoritative"`
	Codes         map[string]string `yaml:"codes"`
}

// ConceptMap translates source codes of one table into target codes
type ConceptMap struct {
	Name    string            `yaml:"name"`
	Source  string            `yaml:"source"`
	Target  string            `yaml:"target"`
	Entries map[string]string `yaml:"map"`
}

// Tables is the raw content the resolver is built from
type Tables struct {
	Systems     []System     `yaml:"systems"`
	ConceptMaps []ConceptMap `yaml:"maps"`
}

// DefaultTables returns the tables shipped with the binary
func DefaultTables() (*Tables, error) {
	return LoadTables(embedded, "tables")
}

// LoadTables reads every .yaml file in dir. Files may declare systems, maps or
// both; a token or map name declared twice is an error.
func LoadTables(fsys fs.FS, dir string) (*Tables, error) {
	files, err := fs.Glob(fsys, path.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	sort.Strings(files)

	t := &Tables{}
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var part Tables
		if err := yaml.Unmarshal(data, &part); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		t.Systems = append(t.Systems, part.Systems...)
		t.ConceptMaps = append(t.ConceptMaps, part.ConceptMaps...)
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	return t, nil
}

// Merge overlays o on t: systems and maps in o replace those with the same
// token or name and new ones are appended.
func (t *Tables) Merge(o *Tables) {
	if o == nil {
		return
	}
	for _, s := range o.Systems {
		replaced := false
		for i := range t.Systems {
			if t.Systems[i].Token == s.Token {
				t.Systems[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			t.Systems = append(t.Systems, s)
		}
	}
	for _, m := range o.ConceptMaps {
		replaced := false
		for i := range t.ConceptMaps {
			if t.ConceptMaps[i].Name == m.Name {
				t.ConceptMaps[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			t.ConceptMaps = append(t.ConceptMaps, m)
		}
	}
}

func (t *Tables) check() error {
	tokens := make(map[string]bool)
	for _, s := range t.Systems {
		if s.Token == "" || s.URL == "" {
			return fmt.Errorf("system %q: token and url are required", s.Token)
		}
		if s.Authoritative && len(s.Codes) == 0 {
			return fmt.Errorf("system %s: authoritative system without codes", s.Token)
		}
		if tokens[s.Token] {
			return fmt.Errorf("system %s declared twice", s.Token)
		}
		tokens[s.Token] = true
	}
	names := make(map[string]bool)
	for _, m := range t.ConceptMaps {
		if m.Name == "" {
			return fmt.Errorf("concept map without name")
		}
		if names[m.Name] {
			return fmt.Errorf("concept map %s declared twice", m.Name)
		}
		names[m.Name] = true
	}
	return nil
}
