// Package protocol defines the JSON frame envelope exchanged between the hub
// and its agents, the closed set of system commands, and the canonical JSON
// form used for certificate signing.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of frame. Every frame carries exactly one.
type Type string

const (
	TypeDirectMessage    Type = "direct_message"
	TypeBroadcastMessage Type = "broadcast_message"
	TypeModMessage       Type = "mod_message"
	TypeChannelMessage   Type = "channel_message"
	TypeReplyMessage     Type = "reply_message"
	TypeSystemRequest    Type = "system_request"
	TypeSystemResponse   Type = "system_response"
)

// IsMessage reports whether the frame type is routed agent traffic, as
// opposed to a system request/response.
func (t Type) IsMessage() bool {
	switch t {
	case TypeDirectMessage, TypeBroadcastMessage, TypeModMessage,
		TypeChannelMessage, TypeReplyMessage:
		return true
	}
	return false
}

// Command is a system command name. The set is closed: unknown strings are
// rejected by the dispatcher with error="unknown_command".
type Command string

const (
	CmdRegisterAgent       Command = "register_agent"
	CmdUnregisterAgent     Command = "unregister_agent"
	CmdListAgents          Command = "list_agents"
	CmdListMods            Command = "list_mods"
	CmdGetModManifest      Command = "get_mod_manifest"
	CmdPingAgent           Command = "ping_agent"
	CmdClaimAgentID        Command = "claim_agent_id"
	CmdValidateCertificate Command = "validate_certificate"
)

// Mod message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// SystemMod is the pseudo-mod name used for hub-generated notifications
// (unreachable targets, routing errors).
const SystemMod = "system"

// Envelope is the wire representation of a routed message frame. Optional
// fields are populated per frame type; see the Type constants. System
// requests and responses use their own structs below.
type Envelope struct {
	MessageID          string         `json:"message_id"`
	Timestamp          int64          `json:"timestamp"` // unix milliseconds
	SenderID           string         `json:"sender_id,omitempty"`
	Type               Type           `json:"type"`
	Content            map[string]any `json:"content,omitempty"`
	TextRepresentation string         `json:"text_representation,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	RequiresResponse   bool           `json:"requires_response,omitempty"`

	// direct_message, reply_message
	TargetAgentID string `json:"target_agent_id,omitempty"`

	// broadcast_message
	ExcludeAgentIDs []string `json:"exclude_agent_ids,omitempty"`

	// mod_message
	Mod             string `json:"mod,omitempty"`
	Direction       string `json:"direction,omitempty"`
	RelevantAgentID string `json:"relevant_agent_id,omitempty"`

	// channel_message, reply_message
	Channel          string `json:"channel,omitempty"`
	MentionedAgentID string `json:"mentioned_agent_id,omitempty"`
	QuotedMessageID  string `json:"quoted_message_id,omitempty"`
	QuotedText       string `json:"quoted_text,omitempty"`

	// reply_message
	ReplyToID   string `json:"reply_to_id,omitempty"`
	ThreadLevel int    `json:"thread_level,omitempty"`
}

// NewEnvelope creates an envelope of the given type with a fresh message id
// and the current timestamp.
func NewEnvelope(t Type, senderID string) *Envelope {
	return &Envelope{
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		SenderID:  senderID,
		Type:      t,
	}
}

// Text returns the "text" field of the content object, if present.
func (e *Envelope) Text() string {
	if e.Content == nil {
		return ""
	}
	s, _ := e.Content["text"].(string)
	return s
}

// SystemRequest is an inbound system_request frame. Command-specific fields
// live at the top level of the frame, matching the wire contract.
type SystemRequest struct {
	Type    Type    `json:"type"`
	Command Command `json:"command"`

	// register_agent, unregister_agent, claim_agent_id
	AgentID        string          `json:"agent_id,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Certificate    json.RawMessage `json:"certificate,omitempty"`
	ForceReconnect bool            `json:"force_reconnect,omitempty"`
	Force          bool            `json:"force,omitempty"`

	// list_agents
	AgentIDPrefix string `json:"agent_id_prefix,omitempty"`

	// get_mod_manifest
	ModName string `json:"mod_name,omitempty"`

	// ping_agent
	Timestamp int64 `json:"timestamp,omitempty"`
}

// SystemResponse is the common shape of a system_response frame. Handlers
// attach command-specific payload fields through the Fields map, which is
// flattened into the top level of the JSON object on marshal.
type SystemResponse struct {
	Command Command
	Success bool
	Error   string
	Fields  map[string]any
}

// NewResponse builds a successful response with optional payload fields.
func NewResponse(cmd Command, fields map[string]any) *SystemResponse {
	return &SystemResponse{Command: cmd, Success: true, Fields: fields}
}

// NewErrorResponse builds a failed response carrying an error string.
func NewErrorResponse(cmd Command, errMsg string) *SystemResponse {
	return &SystemResponse{Command: cmd, Success: false, Error: errMsg}
}

// MarshalJSON flattens Fields into the top-level object alongside the fixed
// keys, so clients see `{"type":"system_response","command":...,...}`.
func (r *SystemResponse) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		obj[k] = v
	}
	obj["type"] = string(TypeSystemResponse)
	obj["command"] = string(r.Command)
	obj["success"] = r.Success
	if r.Error != "" {
		obj["error"] = r.Error
	}
	return json.Marshal(obj)
}

// UnmarshalJSON restores the fixed keys and keeps the remaining payload
// fields in Fields.
func (r *SystemResponse) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if cmd, ok := obj["command"].(string); ok {
		r.Command = Command(cmd)
	}
	r.Success, _ = obj["success"].(bool)
	r.Error, _ = obj["error"].(string)
	delete(obj, "type")
	delete(obj, "command")
	delete(obj, "success")
	delete(obj, "error")
	r.Fields = obj
	return nil
}

// Header is the minimal decode used to classify an inbound frame before
// handing it to the dispatcher or router.
type Header struct {
	Type    Type    `json:"type"`
	Command Command `json:"command,omitempty"`
	Success bool    `json:"success,omitempty"`
}

// Peek decodes just enough of a raw frame to classify it.
func Peek(raw []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("decode frame header: %w", err)
	}
	if h.Type == "" {
		return Header{}, fmt.Errorf("frame has no type")
	}
	return h, nil
}
