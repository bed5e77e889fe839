package r4

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"
)

// Referent is anything that can be rendered as a FHIR Reference. The
// reference string is read at serialization time, so a referent may be
// redirected to another resource after it was stored in an Object.
type Referent interface {
	ReferenceString() string
}

// Object is an insertion-ordered JSON object. Produced resources and inline
// elements are built as Objects so their fields serialize in the order the
// mapping declares them.
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject creates an empty object
func NewObject() *Object {
	return &Object{values: make(map[string]any)}
}

// Len returns the number of top-level keys
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns the top-level keys in insertion order
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Set stores v at a dotted path, creating intermediate objects
func (o *Object) Set(path string, v any) {
	parent, key := o.parent(path, true)
	if parent == nil {
		return
	}
	parent.put(key, v)
}

// Append adds v to the list at a dotted path, creating it when missing
func (o *Object) Append(path string, v any) {
	parent, key := o.parent(path, true)
	if parent == nil {
		return
	}
	switch cur := parent.values[key].(type) {
	case []any:
		parent.values[key] = append(cur, v)
	case nil:
		parent.put(key, []any{v})
	default:
		parent.values[key] = []any{cur, v}
	}
}

// Get returns the value at a dotted path. Lists met along the way are
// traversed element-wise and the collected values are returned as a list.
func (o *Object) Get(path string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v := lookup(o, strings.Split(path, "."))
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok && len(list) == 0 {
		return nil, false
	}
	return v, true
}

// Delete removes a top-level key
func (o *Object) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

func lookup(v any, parts []string) any {
	if len(parts) == 0 {
		return v
	}
	switch cur := v.(type) {
	case *Object:
		if cur == nil {
			return nil
		}
		return lookup(cur.values[parts[0]], parts[1:])
	case []any:
		var out []any
		for _, item := range cur {
			r := lookup(item, parts)
			if r == nil {
				continue
			}
			if list, ok := r.([]any); ok {
				out = append(out, list...)
			} else {
				out = append(out, r)
			}
		}
		if out == nil {
			return nil
		}
		return out
	}
	return nil
}

func (o *Object) put(key string, v any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

func (o *Object) parent(path string, create bool) (*Object, string) {
	parts := strings.Split(path, ".")
	cur := o
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur.values[p].(*Object)
		if !ok {
			if !create {
				return nil, ""
			}
			next = NewObject()
			cur.put(p, next)
		}
		cur = next
	}
	return cur, parts[len(parts)-1]
}

// MarshalJSON writes keys in insertion order
func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalValue(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case Referent:
		return json.Marshal(Reference{Reference: val.ReferenceString()})
	case *Object:
		return val.MarshalJSON()
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalValue(item)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	}
	return json.Marshal(v)
}

// Canonical returns a stable JSON rendering of any value an Object may hold
func Canonical(v any) string {
	b, err := marshalValue(v)
	if err != nil {
		return ""
	}
	return string(b)
}
