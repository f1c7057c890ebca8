package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPeekClassifiesFrames(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Type
		wantCmd Command
		wantErr bool
	}{
		{
			name:    "system request",
			raw:     `{"type":"system_request","command":"register_agent","agent_id":"a"}`,
			want:    TypeSystemRequest,
			wantCmd: CmdRegisterAgent,
		},
		{
			name: "direct message",
			raw:  `{"type":"direct_message","sender_id":"a","target_agent_id":"b"}`,
			want: TypeDirectMessage,
		},
		{
			name:    "missing type",
			raw:     `{"command":"register_agent"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `hello`,
			wantErr: true,
		},
		{
			name:    "empty object",
			raw:     `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Peek([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Peek() accepted an invalid frame")
				}
				return
			}
			if err != nil {
				t.Fatalf("Peek() error = %v", err)
			}
			if h.Type != tt.want {
				t.Errorf("Peek() type = %s, want %s", h.Type, tt.want)
			}
			if h.Command != tt.wantCmd {
				t.Errorf("Peek() command = %s, want %s", h.Command, tt.wantCmd)
			}
		})
	}
}

func TestTypeIsMessage(t *testing.T) {
	routed := []Type{
		TypeDirectMessage, TypeBroadcastMessage, TypeModMessage,
		TypeChannelMessage, TypeReplyMessage,
	}
	for _, typ := range routed {
		if !typ.IsMessage() {
			t.Errorf("%s.IsMessage() = false, want true", typ)
		}
	}
	for _, typ := range []Type{TypeSystemRequest, TypeSystemResponse, Type("bogus")} {
		if typ.IsMessage() {
			t.Errorf("%s.IsMessage() = true, want false", typ)
		}
	}
}

func TestSystemResponseMarshalFlattensFields(t *testing.T) {
	resp := NewResponse(CmdListAgents, map[string]any{
		"count":  2,
		"agents": []string{"a", "b"},
	})
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if obj["type"] != "system_response" {
		t.Errorf("type = %v, want system_response", obj["type"])
	}
	if obj["command"] != "list_agents" {
		t.Errorf("command = %v, want list_agents", obj["command"])
	}
	if obj["success"] != true {
		t.Errorf("success = %v, want true", obj["success"])
	}
	if obj["count"] != float64(2) {
		t.Errorf("count = %v, want 2 at the top level", obj["count"])
	}
	if _, nested := obj["fields"]; nested {
		t.Error("payload fields were nested instead of flattened")
	}
	if _, present := obj["error"]; present {
		t.Error("successful response carries an error key")
	}
}

func TestSystemResponseErrorMarshal(t *testing.T) {
	raw, err := json.Marshal(NewErrorResponse(CmdRegisterAgent, "agent_id_in_use"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if obj["success"] != false || obj["error"] != "agent_id_in_use" {
		t.Errorf("response = %v, want failed agent_id_in_use", obj)
	}
}

func TestSystemResponseUnmarshalKeepsPayload(t *testing.T) {
	raw := []byte(`{"type":"system_response","command":"ping_agent","success":true,"timestamp":123}`)
	var resp SystemResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.Command != CmdPingAgent || !resp.Success {
		t.Errorf("response = %+v, want successful ping_agent", resp)
	}
	if resp.Fields["timestamp"] != float64(123) {
		t.Errorf("Fields[timestamp] = %v, want 123", resp.Fields["timestamp"])
	}
	if _, kept := resp.Fields["command"]; kept {
		t.Error("fixed key leaked into Fields")
	}
}

func TestNewEnvelopeAssignsIdentity(t *testing.T) {
	a := NewEnvelope(TypeDirectMessage, "agent-a")
	b := NewEnvelope(TypeDirectMessage, "agent-a")
	if a.MessageID == "" || a.MessageID == b.MessageID {
		t.Errorf("message ids not unique: %q vs %q", a.MessageID, b.MessageID)
	}
	if a.Timestamp == 0 {
		t.Error("timestamp not set")
	}
	if a.SenderID != "agent-a" || a.Type != TypeDirectMessage {
		t.Errorf("envelope = %+v", a)
	}
}

func TestCanonicalJSONSortsKeysCompactly(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"zeta":  1,
		"alpha": "x",
		"mid":   true,
	})
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	want := `{"alpha":"x","mid":true,"zeta":1}`
	if string(got) != want {
		t.Errorf("CanonicalJSON() = %s, want %s", got, want)
	}
}

func TestCanonicalJSONNestedMaps(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"outer": map[string]any{"b": 2, "a": 1},
	})
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	want := `{"outer":{"a":1,"b":2}}`
	if string(got) != want {
		t.Errorf("CanonicalJSON() = %s, want %s", got, want)
	}
}

func TestCanonicalJSONNoHTMLEscaping(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"url": "a<b>&c"})
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	if strings.Contains(string(got), `<`) {
		t.Errorf("CanonicalJSON() HTML-escaped the value: %s", got)
	}
	if string(got) != `{"url":"a<b>&c"}` {
		t.Errorf("CanonicalJSON() = %s", got)
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	fields := map[string]any{"a": 1, "b": "two", "c": map[string]any{"d": 4}}
	first, err := CanonicalJSON(fields)
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := CanonicalJSON(fields)
		if err != nil {
			t.Fatalf("CanonicalJSON() error = %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("output varied between runs: %s vs %s", first, again)
		}
	}
}
