package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/drfirst/hl7fhir/internal/engine"
	"github.com/drfirst/hl7fhir/internal/infrastructure/postgres"
	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
	"github.com/drfirst/hl7fhir/pkg/idempotency"
)

func hl7(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r") + "\r")
}

const (
	pid = "PID|1||MRN123^^^HOSP^MR||DOE^JOHN||19800115|M"
	pv1 = "PV1|1|I|ICU^101^A||||1234^SMITH^JANE||||||||||||VN42"
)

func admit(control string) []byte {
	return hl7(
		"MSH|^~\\&|EPIC|GOOD HEALTH|RECV|FAC|20240102120000||ADT^A01^ADT_A01|"+control+"|P|2.5",
		"EVN|A01|20240102120000",
		pid,
		pv1,
	)
}

// memInbox mirrors the status transitions of idempotency.Inbox
type memInbox struct {
	mu      sync.Mutex
	results map[string][]byte
	failed  map[string]bool
}

func newMemInbox() *memInbox {
	return &memInbox{results: map[string][]byte{}, failed: map[string]bool{}}
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload []byte, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[key]; ok {
		return &idempotency.ProcessResult{Result: r}, nil
	}
	if m.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}
	r, err := fn(ctx, payload)
	if err != nil {
		if idempotency.IsPermanent(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.results[key] = r
	return &idempotency.ProcessResult{IsNew: true, Result: r}, nil
}

type memOutbox struct {
	entries []*postgres.OutboxEntry
	err     error
}

func (m *memOutbox) Enqueue(_ context.Context, e *postgres.OutboxEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

type memDeadLetter struct {
	topics  []string
	letters []postgres.DeadLetter
}

func (m *memDeadLetter) PublishRaw(_ context.Context, topic, _ string, value []byte) error {
	var dl postgres.DeadLetter
	if err := json.Unmarshal(value, &dl); err != nil {
		return err
	}
	m.topics = append(m.topics, topic)
	m.letters = append(m.letters, dl)
	return nil
}

type fixture struct {
	svc        *Service
	inbox      *memInbox
	outbox     *memOutbox
	deadLetter *memDeadLetter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conv, err := engine.New(engine.Config{TimeZone: "UTC"}, nil)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	f := &fixture{inbox: newMemInbox(), outbox: &memOutbox{}, deadLetter: &memDeadLetter{}}
	cfg := DefaultConfig()
	cfg.BaseURL = "https://fhir.example.org/r4"
	f.svc, err = NewService(conv, f.inbox, f.outbox, f.deadLetter, cfg, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return f
}

func TestProcessStagesBundle(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Process(context.Background(), "acme", admit("CTRL-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Duplicate || out.DeadLettered || out.BundleID == "" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(f.outbox.entries) != 1 {
		t.Fatalf("outbox has %d entries", len(f.outbox.entries))
	}

	e := f.outbox.entries[0]
	if e.MessageKey != out.Key || e.Tenant != "acme" || e.Trigger != "ADT^A01" || e.ControlID != "CTRL-1" {
		t.Errorf("entry = %+v", e)
	}
	if e.Topic != redpanda.TopicFHIRBundles || e.BundleID != out.BundleID {
		t.Errorf("entry routing = %s/%s", e.Topic, e.BundleID)
	}

	var bundle struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Entry []struct {
			FullURL string `json:"fullUrl"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(e.Payload, &bundle); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if bundle.Type != "transaction" || bundle.ID != out.BundleID {
		t.Errorf("bundle %s of type %s", bundle.ID, bundle.Type)
	}
	for _, entry := range bundle.Entry {
		if !strings.HasPrefix(entry.FullURL, "https://fhir.example.org/r4/") {
			t.Errorf("fullUrl %q not under base url", entry.FullURL)
		}
	}
}

func TestRedeliveryIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Process(ctx, "acme", admit("CTRL-1"))
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.svc.Process(ctx, "acme", admit("CTRL-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate || again.BundleID != first.BundleID {
		t.Errorf("redelivery = %+v", again)
	}
	if len(f.outbox.entries) != 1 {
		t.Errorf("outbox has %d entries", len(f.outbox.entries))
	}

	other, err := f.svc.Process(ctx, "globex", admit("CTRL-1"))
	if err != nil {
		t.Fatal(err)
	}
	if other.Duplicate || other.Key == first.Key {
		t.Error("same control id from another tenant treated as duplicate")
	}
}

func TestUnknownTriggerDeadLettered(t *testing.T) {
	f := newFixture(t)
	raw := hl7(
		"MSH|^~\\&|EPIC|GOOD HEALTH|RECV|FAC|20240102120000||ADT^A99|CTRL-9|P|2.5",
		pid,
	)

	out, err := f.svc.Process(context.Background(), "", raw)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !out.DeadLettered || out.Reason != "no_templates" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(f.outbox.entries) != 0 {
		t.Error("failed message staged in outbox")
	}
	if len(f.deadLetter.letters) != 1 || f.deadLetter.topics[0] != redpanda.TopicDeadLetter {
		t.Fatalf("dead letters = %v", f.deadLetter.topics)
	}
	dl := f.deadLetter.letters[0]
	if dl.Tenant != "default" || dl.ControlID != "CTRL-9" || dl.Source != "conversion-service" || dl.Raw != string(raw) {
		t.Errorf("dead letter = %+v", dl)
	}

	// the inbox remembers the failure; redelivery is skipped, not re-dead-lettered
	again, err := f.svc.Process(context.Background(), "", raw)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate || again.Reason != "previously_failed" || len(f.deadLetter.letters) != 1 {
		t.Errorf("redelivery = %+v, %d dead letters", again, len(f.deadLetter.letters))
	}
}

func TestUnparseableDeadLettered(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Process(context.Background(), "acme", []byte("not an hl7 message"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !out.DeadLettered || out.Reason != "parse" {
		t.Errorf("outcome = %+v", out)
	}
	if out.Key != idempotency.ContentKey("acme", []byte("not an hl7 message")) {
		t.Error("unparseable message not keyed by content")
	}
}

func TestOutboxFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.outbox.err = errors.New("connection refused")

	if _, err := f.svc.Process(context.Background(), "acme", admit("CTRL-1")); err == nil {
		t.Fatal("expected an error")
	}
	if len(f.deadLetter.letters) != 0 {
		t.Error("transient failure dead-lettered")
	}

	f.outbox.err = nil
	out, err := f.svc.Process(context.Background(), "acme", admit("CTRL-1"))
	if err != nil || out.Duplicate {
		t.Fatalf("retry = %+v, %v", out, err)
	}
}

func TestHandleReadsTenantHeader(t *testing.T) {
	f := newFixture(t)
	msg := &redpanda.ConsumedMessage{
		Topic:   redpanda.TopicHL7Inbound,
		Value:   admit("CTRL-5"),
		Headers: map[string]string{redpanda.HeaderTenant: "globex"},
	}
	if err := f.svc.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.outbox.entries) != 1 || f.outbox.entries[0].Tenant != "globex" {
		t.Errorf("entries = %+v", f.outbox.entries)
	}
}
