package template

import (
	"embed"
	"io/fs"
	"sort"
	"sync"
)

//go:embed content
var content embed.FS

// Registry indexes loaded templates. It is immutable once loaded.
type Registry struct {
	resources map[string]*Resource
	messages  []*Message
	byTrigger map[string]*Message
}

// TemplatesFor returns the ordered entries evaluated for a trigger event,
// or nil when no message template serves it
func (r *Registry) TemplatesFor(trigger string) []*Entry {
	m, ok := r.byTrigger[trigger]
	if !ok {
		return nil
	}
	return m.Entries
}

// Message returns the message template serving a trigger event
func (r *Registry) Message(trigger string) (*Message, bool) {
	m, ok := r.byTrigger[trigger]
	return m, ok
}

// Resource returns a resource template by name
func (r *Registry) Resource(name string) (*Resource, bool) {
	t, ok := r.resources[name]
	return t, ok
}

// Triggers lists every trigger event with templates, sorted
func (r *Registry) Triggers() []string {
	out := make([]string, 0, len(r.byTrigger))
	for t := range r.byTrigger {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resources lists the resource template names, sorted
func (r *Registry) Resources() []string {
	return sortedNames(r.resources)
}

var (
	mu      sync.Mutex
	current *Registry
)

// Embedded returns the template content shipped with the binary
func Embedded() fs.FS {
	sub, err := fs.Sub(content, "content")
	if err != nil {
		panic(err)
	}
	return sub
}

// Default returns the process-wide registry, loading the embedded content
// on first use
func Default() (*Registry, error) {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return current, nil
	}
	reg, err := Load(Embedded())
	if err != nil {
		return nil, err
	}
	current = reg
	return current, nil
}

// Reload replaces the process-wide registry with templates loaded from
// fsys. The previous registry stays in place when loading fails.
func Reload(fsys fs.FS) (*Registry, error) {
	reg, err := Load(fsys)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	current = reg
	mu.Unlock()
	return reg, nil
}

// Reset drops the process-wide registry so the next Default reloads it
func Reset() {
	mu.Lock()
	current = nil
	mu.Unlock()
}
