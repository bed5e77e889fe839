package engine

import (
	"strings"

	"github.com/drfirst/hl7fhir/internal/fhir/r4"
)

// BundleInfo carries the bundle-level values of an assembly
type BundleInfo struct {
	ID        string
	Type      string
	Timestamp string
	// BaseURL makes fullUrl a resolvable URL; without it entries are
	// addressed as urn:uuid:<id>
	BaseURL string
}

// Assemble aggregates produced resources, in creation order, into a bundle
func Assemble(info BundleInfo, resources []*r4.Object) *r4.Bundle {
	bundleType := info.Type
	if bundleType == "" {
		bundleType = r4.BundleTypeCollection
	}
	b := r4.NewBundle(info.ID, bundleType, info.Timestamp)
	base := strings.TrimSuffix(info.BaseURL, "/")

	for _, res := range resources {
		rt, id := r4.ResourceType(res), r4.ResourceID(res)
		entry := r4.BundleEntry{Resource: res}
		if base != "" {
			entry.FullURL = base + "/" + rt + "/" + id
		} else {
			entry.FullURL = "urn:uuid:" + id
		}
		if bundleType == r4.BundleTypeTransaction {
			entry.Request = &r4.BundleEntryRequest{Method: "PUT", URL: rt + "/" + id}
		}
		b.Entry = append(b.Entry, entry)
	}
	return b
}
