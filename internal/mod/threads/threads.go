// Package threads implements the threaded channel-messaging mod: named
// channels with rolling history, direct-message threads, nested replies up
// to five tiers, reactions, and an in-memory file store.
package threads

import (
	"log/slog"

	"github.com/agentmesh/agentmesh/internal/clock"
	"github.com/agentmesh/agentmesh/internal/mod"
	"github.com/agentmesh/agentmesh/internal/protocol"
)

// ModName is the name this mod registers under.
const ModName = "threads"

// Stable error codes returned inside response envelopes.
const (
	ErrBadRequest        = "bad_request"
	ErrUnknownAction     = "unknown_action"
	ErrChannelNotFound   = "channel_not_found"
	ErrNotFound          = "not_found"
	ErrDepthExceeded     = "thread_depth_exceeded"
	ErrFileTooLarge      = "file_too_large"
	ErrTargetUnreachable = "unreachable"
)

// ChannelSeed pre-seeds a channel from configuration.
type ChannelSeed struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Config carries the mod's tunables.
type Config struct {
	Channels           []ChannelSeed
	MaxFileSize        int64 // bytes per blob
	HistoryCapacity    int   // per channel / DM pair rolling window
	MaxThreadDepth     int   // tiers including the root
	AutoCreateChannels bool  // create on first reference instead of rejecting
}

// Mod is the threaded channel-messaging mod. All domain state lives behind a
// single store mutex; operations on any channel or DM pair are serialized,
// which satisfies the single-logical-writer rule with room to spare.
type Mod struct {
	store  *store
	sender mod.Sender
	cfg    Config
	clk    clock.Clock
	log    *slog.Logger
}

// New creates the mod with pre-seeded channels.
func New(cfg Config, sender mod.Sender, clk clock.Clock, log *slog.Logger) *Mod {
	if cfg.MaxThreadDepth <= 0 {
		cfg.MaxThreadDepth = 5
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = 2000
	}
	m := &Mod{
		store:  newStore(cfg.HistoryCapacity, cfg.MaxThreadDepth-1),
		sender: sender,
		cfg:    cfg,
		clk:    clk,
		log:    log.With("component", "mod", "mod", ModName),
	}
	for _, seed := range cfg.Channels {
		m.store.ensureChannel(seed.Name, seed.Description)
	}
	return m
}

func (m *Mod) Name() string { return ModName }

func (m *Mod) Manifest() mod.Manifest {
	return mod.Manifest{
		Name:        ModName,
		Version:     "1.0.0",
		Description: "Threaded channel and direct messaging with reactions and file sharing",
		Capabilities: []string{
			"send_direct_message", "send_channel_message",
			"reply_channel_message", "reply_direct_message",
			"upload_file", "download_file",
			"list_channels", "retrieve_channel_messages", "retrieve_direct_messages",
			"react_to_message",
		},
	}
}

// OnAgentConnect is a no-op: channel membership accrues when an agent first
// posts to a channel, not on connect.
func (m *Mod) OnAgentConnect(agentID string, metadata map[string]any) {}

// OnAgentDisconnect drops the agent from all channel member sets. History it
// produced stays.
func (m *Mod) OnAgentDisconnect(agentID string) {
	m.store.removeMember(agentID)
}

// OnModMessage handles an inbound mod_message. The content object carries an
// "action" selector plus action-specific parameters; the reply is a
// mod_message with direction=outbound and a {success, error?, ...} content.
func (m *Mod) OnModMessage(env *protocol.Envelope) {
	sender := env.SenderID
	action, _ := stringParam(env.Content, "action")
	if action == "" {
		m.fail(sender, "", ErrBadRequest)
		return
	}

	switch action {
	case "send_direct_message":
		m.handleSendDirect(sender, env.Content)
	case "send_channel_message":
		m.handleSendChannel(sender, env.Content)
	case "reply_channel_message":
		m.handleReplyChannel(sender, env.Content)
	case "reply_direct_message":
		m.handleReplyDirect(sender, env.Content)
	case "upload_file":
		m.handleUploadFile(sender, env.Content)
	case "download_file":
		m.handleDownloadFile(sender, env.Content)
	case "list_channels":
		m.handleListChannels(sender)
	case "retrieve_channel_messages":
		m.handleRetrieveChannel(sender, env.Content)
	case "retrieve_direct_messages":
		m.handleRetrieveDirect(sender, env.Content)
	case "react_to_message":
		m.handleReact(sender, env.Content)
	default:
		m.fail(sender, action, ErrUnknownAction)
	}
}

// OnChannelMessage handles a raw channel_message frame from the router. The
// message is stored and fanned out; only failures are answered, since the
// fan-out itself is the success signal.
func (m *Mod) OnChannelMessage(env *protocol.Envelope) {
	res := m.postChannelMessage(env.SenderID, env.Channel, env.Text(),
		env.MentionedAgentID, env.QuotedMessageID, env.QuotedText, env)
	if res.errCode != "" {
		m.fail(env.SenderID, "send_channel_message", res.errCode)
	}
}

// OnReplyMessage handles a channel-scoped reply_message frame.
func (m *Mod) OnReplyMessage(env *protocol.Envelope) {
	res := m.postChannelReply(env.SenderID, env.Channel, env.ReplyToID,
		env.Text(), env.QuotedMessageID, env.QuotedText, env)
	if res.errCode != "" {
		m.fail(env.SenderID, "reply_channel_message", res.errCode)
	}
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

// respond sends a success envelope for action back to the requesting agent.
func (m *Mod) respond(agentID, action string, fields map[string]any) {
	content := map[string]any{"success": true, "action": action}
	for k, v := range fields {
		content[k] = v
	}
	m.emit(agentID, content)
}

// fail sends a failure envelope with a stable error code. Rejects are local;
// the mod never disconnects an agent.
func (m *Mod) fail(agentID, action, errCode string) {
	content := map[string]any{"success": false, "error": errCode}
	if action != "" {
		content["action"] = action
	}
	m.emit(agentID, content)
}

// emit wraps content in an outbound mod_message addressed to agentID.
func (m *Mod) emit(agentID string, content map[string]any) {
	if agentID == "" {
		return
	}
	env := protocol.NewEnvelope(protocol.TypeModMessage, "")
	env.Mod = ModName
	env.Direction = protocol.DirectionOutbound
	env.RelevantAgentID = agentID
	env.Timestamp = m.clk.Now().UnixMilli()
	env.Content = content
	m.sender.SendTo(agentID, env)
}

// ---------------------------------------------------------------------------
// Content parameter helpers
// ---------------------------------------------------------------------------

func stringParam(content map[string]any, key string) (string, bool) {
	if content == nil {
		return "", false
	}
	s, ok := content[key].(string)
	return s, ok
}

func intParam(content map[string]any, key string, def int) int {
	if content == nil {
		return def
	}
	switch v := content[key].(type) {
	case float64: // JSON numbers decode as float64
		return int(v)
	case int:
		return v
	}
	return def
}

func boolParam(content map[string]any, key string, def bool) bool {
	if content == nil {
		return def
	}
	if b, ok := content[key].(bool); ok {
		return b
	}
	return def
}

func nowMillis(clk clock.Clock) int64 {
	return clk.Now().UnixMilli()
}
