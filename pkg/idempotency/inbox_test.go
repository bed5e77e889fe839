package idempotency

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("acme", "EPIC", "GOOD HEALTH", "CTRL-1")
	if len(a) != 64 {
		t.Fatalf("key length = %d", len(a))
	}
	if b := GenerateKey("acme", " epic ", "good health", "CTRL-1"); a != b {
		t.Error("sender names should compare case-insensitively")
	}
	if c := GenerateKey("acme", "EPIC", "GOOD HEALTH", "CTRL-2"); a == c {
		t.Error("different control ids produced the same key")
	}
	if d := GenerateKey("globex", "EPIC", "GOOD HEALTH", "CTRL-1"); a == d {
		t.Error("different tenants produced the same key")
	}
}

func TestContentKey(t *testing.T) {
	raw := []byte("MSH|^~\\&|EPIC|GH|||20240101||ADT^A01|||2.5")
	if ContentKey("acme", raw) != ContentKey(" acme", raw) {
		t.Error("tenant whitespace changed the key")
	}
	if ContentKey("acme", raw) == ContentKey("globex", raw) {
		t.Error("different tenants produced the same key")
	}
	if ContentKey("acme", raw) == GenerateKey("acme", "EPIC", "GH", "") {
		t.Error("content key collides with a sender key")
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("no templates for trigger event")
	err := fmt.Errorf("convert: %w", Permanent(base))

	if !IsPermanent(err) {
		t.Error("wrapped permanent error not detected")
	}
	if !errors.Is(err, base) {
		t.Error("permanent error hides its cause")
	}
	if IsPermanent(errors.New("connection reset")) {
		t.Error("plain error reported as permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestProcessServesCachedResult(t *testing.T) {
	inbox, err := NewInbox(nil, DefaultInboxConfig(), nil)
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	dups := 0
	inbox.OnDuplicate = func() { dups++ }

	inbox.remember("k1", []byte("bundle-1"))
	inbox.cache.Wait()

	called := false
	res, err := inbox.Process(context.Background(), "k1", "convert", nil, func(context.Context, []byte) ([]byte, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if called {
		t.Error("handler ran for a cached key")
	}
	if res.IsNew || string(res.Result) != "bundle-1" {
		t.Errorf("result = %+v", res)
	}
	if dups != 1 {
		t.Errorf("duplicates = %d", dups)
	}
}
