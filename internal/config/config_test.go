package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("conversion-service", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8081" || cfg.DefaultTenant != "default" {
		t.Errorf("port %q tenant %q", cfg.Port, cfg.DefaultTenant)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.FHIRSinkTimeout != 10*time.Second {
		t.Errorf("sink timeout = %v", cfg.FHIRSinkTimeout)
	}
	if cfg.Tracing.ServiceName != "conversion-service" {
		t.Errorf("service name = %q", cfg.Tracing.ServiceName)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "rp-0:9092, rp-1:9092")
	t.Setenv("API_KEYS", "k1:acme,k2:globex")
	t.Setenv("TIME_ZONE", "America/Chicago")
	t.Setenv("WORKERS", "4")

	cfg, err := Load("ingestion-api", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "rp-1:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.APIKeys["k2"] != "globex" {
		t.Errorf("api keys = %v", cfg.APIKeys)
	}
	if cfg.TimeZone != "America/Chicago" || cfg.Workers != 4 {
		t.Errorf("time zone %q workers %d", cfg.TimeZone, cfg.Workers)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PORT=9090\nDEFAULT_TENANT=acme\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("ingestion-api", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.DefaultTenant != "acme" {
		t.Errorf("port %q tenant %q", cfg.Port, cfg.DefaultTenant)
	}

	if _, err := Load("ingestion-api", filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored: %v", err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"TIME_ZONE":     "Nowhere/Special",
		"API_KEYS":      "no-tenant",
		"KAFKA_BROKERS": "not a broker",
		"SAMPLE_RATE":   "2",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load("svc", ""); err == nil {
				t.Errorf("%s=%s accepted", key, value)
			}
		})
	}
}
