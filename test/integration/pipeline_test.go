// Package integration exercises the conversion pipeline end to end: raw
// HL7 v2 in, delivered FHIR transaction bundles out.
package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/hl7fhir/internal/engine"
	"github.com/drfirst/hl7fhir/internal/infrastructure/postgres"
	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
	"github.com/drfirst/hl7fhir/internal/pipeline"
	"github.com/drfirst/hl7fhir/internal/sink"
	"github.com/drfirst/hl7fhir/pkg/circuitbreaker"
	"github.com/drfirst/hl7fhir/pkg/idempotency"
)

const baseURL = "https://fhir.example.org/r4"

func admission(controlID string) []byte {
	lines := []string{
		"MSH|^~\\&|EPIC|GOOD HEALTH|RECV|FAC|20240102120000||ADT^A01^ADT_A01|" + controlID + "|P|2.5",
		"EVN|A01|20240102120000",
		"PID|1||MRN123^^^HOSP^MR||DOE^JOHN^Q||19800115|M|||1 MAIN ST^^SPRINGFIELD^IL^62701|||||M^Wedded",
		"PV1|1|I|ICU^101^A||||1234^SMITH^JANE||||||||||||VN42",
		"DG1|1||I10^Hypertension^I10|||A",
		"DG1|2||E11.9^Type 2 diabetes^I10|||A",
		"IN1|1|PLAN1|ORG7^^^NAIC|ACME INSURANCE",
		"IN1|2|PLAN2|ORG7^^^NAIC|ACME INSURANCE",
	}
	return []byte(strings.Join(lines, "\r") + "\r")
}

type bundle struct {
	ResourceType string `json:"resourceType"`
	Type         string `json:"type"`
	Entry        []struct {
		FullURL  string         `json:"fullUrl"`
		Resource map[string]any `json:"resource"`
		Request  struct {
			Method string `json:"method"`
			URL    string `json:"url"`
		} `json:"request"`
	} `json:"entry"`
}

// fhirServer accepts transaction bundles and checks that every reference
// targets an entry of the same bundle
type fhirServer struct {
	t *testing.T

	mu         sync.Mutex
	bundles    []bundle
	requestIDs []string
}

func (s *fhirServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var b bundle
	if err := json.Unmarshal(body, &b); err != nil || b.ResourceType != "Bundle" || b.Type != "transaction" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	targets := make(map[string]bool)
	for _, e := range b.Entry {
		targets[e.Request.URL] = true
	}
	var walk func(v any) bool
	walk = func(v any) bool {
		switch val := v.(type) {
		case map[string]any:
			if ref, ok := val["reference"].(string); ok && !targets[ref] {
				s.t.Errorf("dangling reference %s", ref)
				return false
			}
			for _, item := range val {
				if !walk(item) {
					return false
				}
			}
		case []any:
			for _, item := range val {
				if !walk(item) {
					return false
				}
			}
		}
		return true
	}
	for _, e := range b.Entry {
		if !walk(e.Resource) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
	}

	s.mu.Lock()
	s.bundles = append(s.bundles, b)
	s.requestIDs = append(s.requestIDs, r.Header.Get("X-Request-ID"))
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/fhir+json")
	_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"transaction-response"}`))
}

func (s *fhirServer) received() []bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bundle(nil), s.bundles...)
}

type capturedProducer struct {
	mu      sync.Mutex
	records []*redpanda.Record
}

func (p *capturedProducer) Produce(_ context.Context, rec *redpanda.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

type deadLetters struct {
	topics []string
}

func (d *deadLetters) PublishRaw(_ context.Context, topic, _ string, _ []byte) error {
	d.topics = append(d.topics, topic)
	return nil
}

// stagingInbox runs every handler once per key, like a fresh inbox table
type stagingInbox struct {
	seen map[string][]byte
}

func (i *stagingInbox) Process(ctx context.Context, key, _ string, payload []byte, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	if r, ok := i.seen[key]; ok {
		return &idempotency.ProcessResult{Result: r}, nil
	}
	r, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	i.seen[key] = r
	return &idempotency.ProcessResult{IsNew: true, Result: r}, nil
}

type stagingOutbox struct {
	entries []*postgres.OutboxEntry
}

func (o *stagingOutbox) Enqueue(_ context.Context, e *postgres.OutboxEntry) error {
	o.entries = append(o.entries, e)
	return nil
}

func newSinks(t *testing.T, server *fhirServer) (sink.Multi, *capturedProducer) {
	t.Helper()
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	breaker, err := circuitbreaker.New(sink.BreakerConfig("fhir-sink"), nil)
	if err != nil {
		t.Fatal(err)
	}
	httpSink, err := sink.NewHTTP(sink.HTTPConfig{URL: srv.URL, Timeout: 5 * time.Second}, breaker, nil)
	if err != nil {
		t.Fatal(err)
	}
	producer := &capturedProducer{}
	return sink.Multi{sink.NewTopic(producer), httpSink}, producer
}

func newService(t *testing.T, inbox pipeline.Inbox, outbox pipeline.Outbox) *pipeline.Service {
	t.Helper()
	conv, err := engine.New(engine.Config{TimeZone: "UTC"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := pipeline.DefaultConfig()
	cfg.BaseURL = baseURL
	svc, err := pipeline.NewService(conv, inbox, outbox, &deadLetters{}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestAdmissionDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	server := &fhirServer{t: t}
	sinks, producer := newSinks(t, server)
	outbox := &stagingOutbox{}
	svc := newService(t, &stagingInbox{seen: map[string][]byte{}}, outbox)

	first, err := svc.Process(ctx, "acme", admission("CTRL-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	again, err := svc.Process(ctx, "acme", admission("CTRL-1"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !again.Duplicate || again.BundleID != first.BundleID {
		t.Errorf("redelivery outcome = %+v, first = %+v", again, first)
	}
	if len(outbox.entries) != 1 {
		t.Fatalf("staged %d entries, want 1", len(outbox.entries))
	}

	for _, e := range outbox.entries {
		if err := sinks.Publish(ctx, e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := server.received()
	if len(got) != 1 {
		t.Fatalf("fhir server received %d bundles", len(got))
	}
	counts := map[string]int{}
	for _, e := range got[0].Entry {
		counts[e.Resource["resourceType"].(string)]++
		if e.Request.Method != "PUT" || e.FullURL != baseURL+"/"+e.Request.URL {
			t.Errorf("entry %s %s at %s", e.Request.Method, e.Request.URL, e.FullURL)
		}
	}
	if counts["Patient"] != 1 || counts["Encounter"] != 1 || counts["Condition"] != 2 ||
		counts["Coverage"] != 2 || counts["Organization"] != 1 {
		t.Errorf("resource counts = %v", counts)
	}
	if server.requestIDs[0] != first.Key {
		t.Errorf("X-Request-ID = %s, want %s", server.requestIDs[0], first.Key)
	}

	if len(producer.records) != 1 {
		t.Fatalf("produced %d records", len(producer.records))
	}
	rec := producer.records[0]
	if rec.Topic != redpanda.TopicFHIRBundles || rec.Key != first.Key ||
		rec.Headers[redpanda.HeaderBundleID] != first.BundleID || rec.Headers[redpanda.HeaderTenant] != "acme" {
		t.Errorf("record %s/%s headers %v", rec.Topic, rec.Key, rec.Headers)
	}
}

// TestPostgresPipeline runs against a real database when TEST_DATABASE_URL
// is set
func TestPostgresPipeline(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	inbox, err := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := inbox.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	server := &fhirServer{t: t}
	sinks, _ := newSinks(t, server)
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = 50 * time.Millisecond
	outbox := postgres.NewOutbox(pool, sinks, nil, outboxCfg, nil)
	if err := outbox.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	svc := newService(t, inbox, outbox)
	control := "IT-" + time.Now().UTC().Format("20060102150405.000000000")
	first, err := svc.Process(ctx, "it", admission(control))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	again, err := svc.Process(ctx, "it", admission(control))
	if err != nil || !again.Duplicate || again.BundleID != first.BundleID {
		t.Fatalf("redelivery = %+v, %v", again, err)
	}

	outbox.Start()
	defer outbox.Stop()
	for len(server.received()) == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("bundle was not delivered")
		case <-time.After(50 * time.Millisecond):
		}
	}
	time.Sleep(200 * time.Millisecond)
	if n := len(server.received()); n != 1 {
		t.Errorf("delivered %d bundles, want 1", n)
	}
}
