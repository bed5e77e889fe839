package engine

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/drfirst/hl7fhir/internal/template"
)

const overlayTable = `systems:
  - token: HL70002
    name: Marital Status
    url: http://terminology.hl7.org/CodeSystem/v2-0002
    authoritative: true
    codes:
      M: Wedded
      S: Never Married
`

func copyEmbedded(t *testing.T, dst string) {
	t.Helper()
	src := template.Embedded()
	err := fs.WalkDir(src, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dst, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := fs.ReadFile(src, path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
	if err != nil {
		t.Fatalf("copy templates: %v", err)
	}
}

func TestNewFromDirOverlaysTables(t *testing.T) {
	dir := t.TempDir()
	copyEmbedded(t, dir)
	if err := os.MkdirAll(filepath.Join(dir, "tables"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tables", "local.yaml"), []byte(overlayTable), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := NewFromDir(dir, "UTC", nil, nil)
	if err != nil {
		t.Fatalf("new from dir: %v", err)
	}
	out, err := c.ConvertRaw(context.Background(), hl7(msh, evn, pid, pv1), Options{})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	var doc bundleDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatal(err)
	}
	patients := doc.byType("Patient")
	if len(patients) != 1 {
		t.Fatalf("patients = %d", len(patients))
	}
	ms, _ := patients[0]["maritalStatus"].(map[string]any)
	codings, _ := ms["coding"].([]any)
	if len(codings) == 0 {
		t.Fatalf("maritalStatus = %v", ms)
	}
	if display := codings[0].(map[string]any)["display"]; display != "Wedded" {
		t.Errorf("display = %v, want the overlay display", display)
	}
}

func TestNewFromDirErrors(t *testing.T) {
	if _, err := NewFromDir(filepath.Join(t.TempDir(), "missing"), "", nil, nil); err == nil {
		t.Error("expected an error for a missing template directory")
	}
	if c, err := NewFromDir("", "UTC", nil, nil); err != nil || len(c.Registry().Triggers()) == 0 {
		t.Errorf("embedded content: %v", err)
	}
}
