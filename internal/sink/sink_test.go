package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/drfirst/hl7fhir/internal/infrastructure/postgres"
	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
	"github.com/drfirst/hl7fhir/pkg/circuitbreaker"
)

func testEntry() *postgres.OutboxEntry {
	return &postgres.OutboxEntry{
		ID:         7,
		MessageKey: "key-1",
		Tenant:     "acme",
		Trigger:    "ADT^A01",
		ControlID:  "CTRL-1",
		BundleID:   "b-1",
		Payload:    []byte(`{"resourceType":"Bundle","type":"transaction"}`),
		Topic:      redpanda.TopicFHIRBundles,
	}
}

func newHTTPSink(t *testing.T, url string, threshold uint32) *HTTP {
	t.Helper()
	cfg := BreakerConfig("fhir-sink")
	cfg.FailureThreshold = threshold
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	s, err := NewHTTP(HTTPConfig{URL: url, Headers: map[string]string{"Authorization": "Bearer t"}}, breaker, nil)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	return s
}

func TestHTTPPostsBundle(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/fhir+json" {
			t.Errorf("request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "Bearer t" || r.Header.Get("X-Request-ID") != "key-1" {
			t.Errorf("headers = %v", r.Header)
		}
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newHTTPSink(t, srv.URL+"/", 5)
	if err := s.Publish(context.Background(), testEntry()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if string(got) != string(testEntry().Payload) {
		t.Errorf("body = %s", got)
	}
}

func TestHTTPRejectionDoesNotOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"resourceType":"OperationOutcome"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := newHTTPSink(t, srv.URL, 1)
	for i := 0; i < 3; i++ {
		err := s.Publish(context.Background(), testEntry())
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if s.breaker.GetState() != circuitbreaker.StateClosed {
		t.Errorf("breaker %s after rejections", s.breaker.GetState())
	}
}

func TestHTTPServerErrorsOpenBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newHTTPSink(t, srv.URL, 2)
	for i := 0; i < 2; i++ {
		if err := s.Publish(context.Background(), testEntry()); err == nil || errors.Is(err, ErrRejected) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	err := s.Publish(context.Background(), testEntry())
	if !circuitbreaker.IsOpen(err) {
		t.Errorf("err = %v, want open circuit", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("server hit %d times", hits)
	}
}

type recordingProducer struct {
	records []*redpanda.Record
}

func (p *recordingProducer) Produce(_ context.Context, rec *redpanda.Record) error {
	p.records = append(p.records, rec)
	return nil
}

func TestTopicPublish(t *testing.T) {
	p := &recordingProducer{}
	if err := NewTopic(p).Publish(context.Background(), testEntry()); err != nil {
		t.Fatal(err)
	}
	if len(p.records) != 1 {
		t.Fatalf("records = %d", len(p.records))
	}
	rec := p.records[0]
	if rec.Topic != redpanda.TopicFHIRBundles || rec.Key != "key-1" {
		t.Errorf("record %s/%s", rec.Topic, rec.Key)
	}
	if rec.Headers[redpanda.HeaderTenant] != "acme" || rec.Headers[redpanda.HeaderBundleID] != "b-1" {
		t.Errorf("headers = %v", rec.Headers)
	}
}

func TestMultiStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	var second bool
	m := Multi{
		postgres.PublisherFunc(func(context.Context, *postgres.OutboxEntry) error { return boom }),
		postgres.PublisherFunc(func(context.Context, *postgres.OutboxEntry) error {
			second = true
			return nil
		}),
	}
	if err := m.Publish(context.Background(), testEntry()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if second {
		t.Error("second sink ran after a failure")
	}
}
