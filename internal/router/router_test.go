package router

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/agentmesh/agentmesh/internal/clock"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/mod"
	"github.com/agentmesh/agentmesh/internal/protocol"
	"github.com/agentmesh/agentmesh/internal/registry"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []any
	raw  [][]byte
}

func (f *fakeConn) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) SendRaw(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = append(f.raw, frame)
	return nil
}

func (f *fakeConn) Close() error       { return nil }
func (f *fakeConn) RemoteAddr() string { return "test:0" }

func (f *fakeConn) rawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raw)
}

type fakeSession struct {
	agentID string
	conn    *fakeConn
}

func (s *fakeSession) AgentID() string     { return s.agentID }
func (s *fakeSession) Conn() registry.Conn { return s.conn }

type routerFixture struct {
	rtr   *Router
	reg   *registry.Registry
	conns map[string]*fakeConn
}

func newFixture(t *testing.T, agentIDs ...string) *routerFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewRegistry(0, clock.Real{}, log)
	mods := mod.NewHost(events.New(), log)

	f := &routerFixture{
		rtr:   New(reg, mods, log),
		reg:   reg,
		conns: make(map[string]*fakeConn),
	}
	for _, id := range agentIDs {
		c := &fakeConn{}
		f.conns[id] = c
		if _, err := reg.Bind(id, c, nil); err != nil {
			t.Fatalf("Bind(%s) error = %v", id, err)
		}
	}
	return f
}

func (f *routerFixture) session(agentID string) *fakeSession {
	return &fakeSession{agentID: agentID, conn: f.conns[agentID]}
}

func TestRouteRejectsSenderMismatch(t *testing.T) {
	f := newFixture(t, "agent-a", "agent-b")
	s := f.session("agent-a")

	frame := []byte(`{"type":"direct_message","sender_id":"agent-b","target_agent_id":"agent-b"}`)
	f.rtr.Route(s, frame)

	resp, ok := f.conns["agent-a"].sent[0].(*protocol.SystemResponse)
	if !ok {
		t.Fatalf("expected a system response, got %T", f.conns["agent-a"].sent[0])
	}
	if resp.Success || resp.Error != "sender_mismatch" {
		t.Errorf("response = (%v, %q), want failed sender_mismatch", resp.Success, resp.Error)
	}
	if f.conns["agent-b"].rawCount() != 0 {
		t.Error("spoofed frame was delivered")
	}
}

func TestRouteRejectsUnregisteredSender(t *testing.T) {
	f := newFixture(t, "agent-b")
	s := &fakeSession{agentID: "", conn: &fakeConn{}}

	frame := []byte(`{"type":"direct_message","sender_id":"agent-b","target_agent_id":"agent-b"}`)
	f.rtr.Route(s, frame)

	if f.conns["agent-b"].rawCount() != 0 {
		t.Error("frame from an unregistered connection was delivered")
	}
}

func TestDirectMessageDeliveredVerbatim(t *testing.T) {
	f := newFixture(t, "agent-a", "agent-b")
	s := f.session("agent-a")

	// The custom_field is not part of the envelope model; it must survive.
	frame := []byte(`{"type":"direct_message","message_id":"m1","sender_id":"agent-a","target_agent_id":"agent-b","custom_field":{"nested":true}}`)
	f.rtr.Route(s, frame)

	got := f.conns["agent-b"].raw
	if len(got) != 1 {
		t.Fatalf("target received %d frames, want 1", len(got))
	}
	if string(got[0]) != string(frame) {
		t.Errorf("delivered frame %q, want verbatim %q", got[0], frame)
	}
}

func TestDirectMessageUnreachableTarget(t *testing.T) {
	f := newFixture(t, "agent-a")
	s := f.session("agent-a")

	frame := []byte(`{"type":"direct_message","message_id":"m1","sender_id":"agent-a","target_agent_id":"agent-gone"}`)
	f.rtr.Route(s, frame)

	if len(f.conns["agent-a"].sent) != 1 {
		t.Fatalf("sender received %d frames, want 1 failure notice", len(f.conns["agent-a"].sent))
	}
	env, ok := f.conns["agent-a"].sent[0].(*protocol.Envelope)
	if !ok {
		t.Fatalf("notice is %T, want *protocol.Envelope", f.conns["agent-a"].sent[0])
	}
	if env.Type != protocol.TypeModMessage || env.Mod != protocol.SystemMod {
		t.Errorf("notice type/mod = %s/%s, want mod_message/system", env.Type, env.Mod)
	}
	if env.Content["error"] != "unreachable" {
		t.Errorf("notice error = %v, want unreachable", env.Content["error"])
	}
	if env.Content["target_agent_id"] != "agent-gone" {
		t.Errorf("notice target = %v, want agent-gone", env.Content["target_agent_id"])
	}
}

func TestBroadcastExcludesSenderAndListed(t *testing.T) {
	f := newFixture(t, "agent-a", "agent-b", "agent-c", "agent-d")
	s := f.session("agent-a")

	env := map[string]any{
		"type":              "broadcast_message",
		"message_id":        "m1",
		"sender_id":         "agent-a",
		"exclude_agent_ids": []string{"agent-c"},
	}
	frame, _ := json.Marshal(env)
	f.rtr.Route(s, frame)

	if n := f.conns["agent-a"].rawCount(); n != 0 {
		t.Errorf("sender received its own broadcast (%d frames)", n)
	}
	if n := f.conns["agent-c"].rawCount(); n != 0 {
		t.Errorf("excluded agent received the broadcast (%d frames)", n)
	}
	for _, id := range []string{"agent-b", "agent-d"} {
		if n := f.conns[id].rawCount(); n != 1 {
			t.Errorf("agent %s received %d frames, want 1", id, n)
		}
	}
}

func TestModMessageUnknownMod(t *testing.T) {
	f := newFixture(t, "agent-a")
	s := f.session("agent-a")

	frame := []byte(`{"type":"mod_message","sender_id":"agent-a","mod":"nope","content":{"action":"x"}}`)
	f.rtr.Route(s, frame)

	if len(f.conns["agent-a"].sent) != 1 {
		t.Fatalf("sender received %d frames, want 1 error notice", len(f.conns["agent-a"].sent))
	}
	env := f.conns["agent-a"].sent[0].(*protocol.Envelope)
	if env.Content["error"] != "unknown_mod" {
		t.Errorf("notice error = %v, want unknown_mod", env.Content["error"])
	}
}

func TestReplyMessageWithTargetGoesDirect(t *testing.T) {
	f := newFixture(t, "agent-a", "agent-b")
	s := f.session("agent-a")

	frame := []byte(`{"type":"reply_message","sender_id":"agent-a","target_agent_id":"agent-b","reply_to_id":"m0"}`)
	f.rtr.Route(s, frame)

	if f.conns["agent-b"].rawCount() != 1 {
		t.Fatal("direct reply was not delivered to the target")
	}
}

func TestRouteRejectsUnknownType(t *testing.T) {
	f := newFixture(t, "agent-a")
	s := f.session("agent-a")

	frame := []byte(`{"type":"carrier_pigeon","sender_id":"agent-a"}`)
	f.rtr.Route(s, frame)

	resp, ok := f.conns["agent-a"].sent[0].(*protocol.SystemResponse)
	if !ok || resp.Success {
		t.Fatal("unknown frame type was not rejected")
	}
}
