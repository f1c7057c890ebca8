package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubNotifier struct {
	name string
	err  error
	sent []Event
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Send(_ context.Context, event Event) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, event)
	return nil
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func testEvent(typ string) Event {
	return Event{Type: typ, AgentID: "agent-a", Timestamp: time.Now()}
}

func TestMultiNotifiesAllProviders(t *testing.T) {
	a := &stubNotifier{name: "a"}
	b := &stubNotifier{name: "b"}
	m := NewMulti(nopLogger{}, a, b)

	if !m.Notify(context.Background(), testEvent("agent_registered")) {
		t.Fatal("Notify() = false, want true")
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("got %d/%d events, want 1/1", len(a.sent), len(b.sent))
	}
}

func TestMultiSucceedsWhenOneProviderFails(t *testing.T) {
	bad := &stubNotifier{name: "bad", err: errors.New("boom")}
	good := &stubNotifier{name: "good"}
	m := NewMulti(nopLogger{}, bad, good)

	if !m.Notify(context.Background(), testEvent("agent_evicted")) {
		t.Fatal("Notify() = false, want true when one provider succeeds")
	}
	if len(good.sent) != 1 {
		t.Fatalf("got %d events on good provider, want 1", len(good.sent))
	}
}

func TestMultiFailsWhenAllProvidersFail(t *testing.T) {
	bad := &stubNotifier{name: "bad", err: errors.New("boom")}
	m := NewMulti(nopLogger{}, bad)

	if m.Notify(context.Background(), testEvent("agent_evicted")) {
		t.Fatal("Notify() = true, want false when every provider fails")
	}
}

func TestMultiNoProvidersIsSuccess(t *testing.T) {
	m := NewMulti(nopLogger{})
	if !m.Notify(context.Background(), testEvent("agent_registered")) {
		t.Fatal("Notify() = false, want true with no providers")
	}
}

func TestMultiReconfigure(t *testing.T) {
	old := &stubNotifier{name: "old"}
	m := NewMulti(nopLogger{}, old)

	replacement := &stubNotifier{name: "new"}
	m.Reconfigure(replacement)

	m.Notify(context.Background(), testEvent("agent_registered"))
	if len(old.sent) != 0 {
		t.Fatalf("old provider received %d events after Reconfigure", len(old.sent))
	}
	if len(replacement.sent) != 1 {
		t.Fatalf("got %d events on replacement, want 1", len(replacement.sent))
	}
}
