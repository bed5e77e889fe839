package r4

import (
	"github.com/goccy/go-json"
)

// Bundle types produced by the converter
const (
	BundleTypeCollection  = "collection"
	BundleTypeTransaction = "transaction"
)

// Bundle is a FHIR R4 Bundle of produced resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one resource in a Bundle.
type BundleEntry struct {
	FullURL  string              `json:"fullUrl,omitempty"`
	Resource *Object             `json:"resource"`
	Request  *BundleEntryRequest `json:"request,omitempty"`
}

// BundleEntryRequest is the transaction instruction for an entry.
type BundleEntryRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewBundle creates an empty bundle of the given type
func NewBundle(id, bundleType, timestamp string) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         bundleType,
		Timestamp:    timestamp,
	}
}

// Marshal serializes the bundle, indented when pretty is set
func (b *Bundle) Marshal(pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(b, "", "  ")
	}
	return json.Marshal(b)
}

// Resources returns the entries whose resourceType matches
func (b *Bundle) Resources(resourceType string) []*Object {
	var out []*Object
	for _, e := range b.Entry {
		if ResourceType(e.Resource) == resourceType {
			out = append(out, e.Resource)
		}
	}
	return out
}

// CountByType returns the number of entries per resource type
func (b *Bundle) CountByType() map[string]int {
	counts := make(map[string]int)
	for _, e := range b.Entry {
		counts[ResourceType(e.Resource)]++
	}
	return counts
}

// ResourceType returns the resourceType of an object, or ""
func ResourceType(o *Object) string {
	v, ok := o.Get("resourceType")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ResourceID returns the id of an object, or ""
func ResourceID(o *Object) string {
	v, ok := o.Get("id")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
