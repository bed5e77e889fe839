package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

const admit = "MSH|^~\\&|EPIC|GOOD HEALTH|RECV|FAC|20240102120000||ADT^A01^ADT_A01|CTRL-1|P|2.5\r" +
	"EVN|A01|20240102120000\r" +
	"PID|1||MRN123^^^HOSP^MR||DOE^JOHN||19800115|M\r" +
	"PV1|1|I|ICU^101^A||||1234^SMITH^JANE||||||||||||VN42\r"

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestConvertToDirectory(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "bundles")

	good := filepath.Join(in, "admit.hl7")
	bad := filepath.Join(in, "unknown.hl7")
	if err := os.WriteFile(good, []byte(admit), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte(strings.Replace(admit, "ADT^A01^ADT_A01", "ADT^A99", 1)), 0o644); err != nil {
		t.Fatal(err)
	}

	_, stderr, err := run(t, "", "convert", "--out", out, "--workers", "2", good, bad)
	if err == nil {
		t.Fatal("expected an error for the unsupported trigger")
	}
	if !strings.Contains(stderr, "unknown.hl7") {
		t.Errorf("stderr = %q", stderr)
	}

	data, err := os.ReadFile(filepath.Join(out, "admit.json"))
	if err != nil {
		t.Fatalf("bundle not written: %v", err)
	}
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []any  `json:"entry"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.ResourceType != "Bundle" || len(bundle.Entry) == 0 {
		t.Errorf("bundle = %s", data)
	}
	if _, err := os.Stat(filepath.Join(out, "unknown.json")); !os.IsNotExist(err) {
		t.Errorf("failed message produced output: %v", err)
	}
}

func TestConvertStdin(t *testing.T) {
	stdout, _, err := run(t, admit, "convert", "--bundle-type", "transaction", "--tz", "UTC", "-")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	var bundle struct {
		Type  string `json:"type"`
		Entry []struct {
			Request *struct {
				Method string `json:"method"`
			} `json:"request"`
		} `json:"entry"`
	}
	if err := json.Unmarshal([]byte(stdout), &bundle); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if bundle.Type != "transaction" || len(bundle.Entry) == 0 || bundle.Entry[0].Request == nil {
		t.Errorf("bundle = %s", stdout)
	}
}

func TestConvertRejectsBadOptions(t *testing.T) {
	if _, _, err := run(t, admit, "convert", "--bundle-type", "batch", "-"); err == nil {
		t.Error("expected an error for an unsupported bundle type")
	}
}

func TestTemplates(t *testing.T) {
	stdout, _, err := run(t, "", "templates", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "ADT^A01\n") || !strings.Contains(stdout, "VXU^V04\n") {
		t.Errorf("triggers = %q", stdout)
	}

	stdout, _, err = run(t, "", "templates", "list", "--resources")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Patient\n") {
		t.Errorf("resources = %q", stdout)
	}

	stdout, _, err = run(t, "", "templates", "show", "ADT_A01")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Patient") || !strings.Contains(stdout, "Encounter") {
		t.Errorf("show = %q", stdout)
	}

	if _, _, err := run(t, "", "templates", "show", "ZZZ^Z99"); err == nil {
		t.Error("expected an error for an unknown trigger")
	}
}
