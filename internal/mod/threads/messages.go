package threads

import "github.com/agentmesh/agentmesh/internal/protocol"

// postResult is the outcome of a post operation. errCode is empty on
// success.
type postResult struct {
	messageID string
	errCode   string
}

// ---------------------------------------------------------------------------
// Channel messages
// ---------------------------------------------------------------------------

// postChannelMessage stores a root message in the channel and fans it out to
// the member set. orig, when non-nil, is the original inbound envelope and
// is forwarded as-is so extra fields survive; otherwise a fresh envelope is
// built (mod-action path).
func (m *Mod) postChannelMessage(sender, channel, text, mentioned, quotedID, quotedText string, orig *protocol.Envelope) postResult {
	if sender == "" || channel == "" || text == "" {
		return postResult{errCode: ErrBadRequest}
	}

	env := m.channelEnvelope(sender, channel, text, mentioned, quotedID, quotedText, orig)

	members, errCode := m.store.appendChannelRoot(channel, *env, m.cfg.AutoCreateChannels)
	if errCode != "" {
		return postResult{errCode: errCode}
	}

	m.deliverToMembers(env, members, sender)
	m.notifyMention(env)

	return postResult{messageID: env.MessageID}
}

// postChannelReply validates the parent, enforces the depth bound, and fans
// the reply out to the channel members.
func (m *Mod) postChannelReply(sender, channel, replyToID, text, quotedID, quotedText string, orig *protocol.Envelope) postResult {
	if sender == "" || channel == "" || replyToID == "" || text == "" {
		return postResult{errCode: ErrBadRequest}
	}

	env := m.replyEnvelope(sender, text, quotedID, quotedText, orig)
	env.Channel = channel
	env.ReplyToID = replyToID

	members, errCode := m.store.appendChannelReply(channel, replyToID, env)
	if errCode != "" {
		return postResult{errCode: errCode}
	}

	m.deliverToMembers(env, members, sender)

	return postResult{messageID: env.MessageID}
}

// ---------------------------------------------------------------------------
// Direct messages
// ---------------------------------------------------------------------------

// postDirectMessage stores a root message under the DM pair history and
// forwards the envelope to both endpoints.
func (m *Mod) postDirectMessage(sender, target, text, quotedID, quotedText string) postResult {
	if sender == "" || target == "" || text == "" {
		return postResult{errCode: ErrBadRequest}
	}

	env := protocol.NewEnvelope(protocol.TypeDirectMessage, sender)
	env.Timestamp = nowMillis(m.clk)
	env.TargetAgentID = target
	env.Content = map[string]any{"text": text}
	m.applyQuote(env, quotedID, quotedText)

	m.store.appendDMRoot(sender, target, *env)

	if !m.sender.SendTo(target, env) {
		// Stored but undeliverable right now; the sender learns the target
		// is offline, and the message shows up in history on retrieval.
		m.log.Debug("direct message target offline", "target", target)
	}
	m.sender.SendTo(sender, env)

	return postResult{messageID: env.MessageID}
}

// postDirectReply inserts a reply into the DM thread shared with target.
func (m *Mod) postDirectReply(sender, target, replyToID, text, quotedID, quotedText string) postResult {
	if sender == "" || target == "" || replyToID == "" || text == "" {
		return postResult{errCode: ErrBadRequest}
	}

	env := m.replyEnvelope(sender, text, quotedID, quotedText, nil)
	env.TargetAgentID = target
	env.ReplyToID = replyToID

	if errCode := m.store.appendDMReply(sender, target, replyToID, env); errCode != "" {
		return postResult{errCode: errCode}
	}

	m.sender.SendTo(target, env)
	m.sender.SendTo(sender, env)

	return postResult{messageID: env.MessageID}
}

// ---------------------------------------------------------------------------
// Envelope construction and delivery
// ---------------------------------------------------------------------------

func (m *Mod) channelEnvelope(sender, channel, text, mentioned, quotedID, quotedText string, orig *protocol.Envelope) *protocol.Envelope {
	var env *protocol.Envelope
	if orig != nil {
		cp := *orig
		env = &cp
	} else {
		env = protocol.NewEnvelope(protocol.TypeChannelMessage, sender)
		env.Timestamp = nowMillis(m.clk)
		env.Content = map[string]any{"text": text}
	}
	env.Channel = channel
	env.MentionedAgentID = mentioned
	m.applyQuote(env, quotedID, quotedText)
	return env
}

func (m *Mod) replyEnvelope(sender, text, quotedID, quotedText string, orig *protocol.Envelope) *protocol.Envelope {
	var env *protocol.Envelope
	if orig != nil {
		cp := *orig
		env = &cp
	} else {
		env = protocol.NewEnvelope(protocol.TypeReplyMessage, sender)
		env.Timestamp = nowMillis(m.clk)
		env.Content = map[string]any{"text": text}
	}
	m.applyQuote(env, quotedID, quotedText)
	return env
}

// applyQuote attaches quote fields, resolving the quoted text server-side
// when only the id was supplied and the message is still retained.
func (m *Mod) applyQuote(env *protocol.Envelope, quotedID, quotedText string) {
	if quotedID == "" {
		return
	}
	env.QuotedMessageID = quotedID
	if quotedText == "" {
		quotedText, _ = m.store.lookupText(quotedID)
	}
	env.QuotedText = quotedText
}

// deliverToMembers fans an envelope out to the channel member set, skipping
// the sender. Best-effort per recipient.
func (m *Mod) deliverToMembers(env *protocol.Envelope, members []string, sender string) {
	for _, id := range members {
		if id == sender {
			continue
		}
		m.sender.SendTo(id, env)
	}
}

// notifyMention delivers a direct notification envelope to a mentioned agent
// if one is named and bound.
func (m *Mod) notifyMention(env *protocol.Envelope) {
	if env.MentionedAgentID == "" || env.MentionedAgentID == env.SenderID {
		return
	}
	note := protocol.NewEnvelope(protocol.TypeModMessage, "")
	note.Mod = ModName
	note.Direction = protocol.DirectionOutbound
	note.RelevantAgentID = env.MentionedAgentID
	note.Timestamp = nowMillis(m.clk)
	note.Content = map[string]any{
		"action":     "mention_notification",
		"channel":    env.Channel,
		"message_id": env.MessageID,
		"sender_id":  env.SenderID,
		"text":       env.Text(),
	}
	m.sender.SendTo(env.MentionedAgentID, note)
}

// ---------------------------------------------------------------------------
// Mod-action handlers
// ---------------------------------------------------------------------------

func (m *Mod) handleSendDirect(sender string, content map[string]any) {
	target, _ := stringParam(content, "target_agent_id")
	text, _ := stringParam(content, "text")
	quotedID, _ := stringParam(content, "quoted_message_id")
	quotedText, _ := stringParam(content, "quoted_text")

	res := m.postDirectMessage(sender, target, text, quotedID, quotedText)
	if res.errCode != "" {
		m.fail(sender, "send_direct_message", res.errCode)
		return
	}
	m.respond(sender, "send_direct_message", map[string]any{"message_id": res.messageID})
}

func (m *Mod) handleSendChannel(sender string, content map[string]any) {
	channel, _ := stringParam(content, "channel")
	text, _ := stringParam(content, "text")
	mentioned, _ := stringParam(content, "mentioned_agent_id")
	quotedID, _ := stringParam(content, "quoted_message_id")
	quotedText, _ := stringParam(content, "quoted_text")

	res := m.postChannelMessage(sender, channel, text, mentioned, quotedID, quotedText, nil)
	if res.errCode != "" {
		m.fail(sender, "send_channel_message", res.errCode)
		return
	}
	m.respond(sender, "send_channel_message", map[string]any{
		"message_id": res.messageID,
		"channel":    channel,
	})
}

func (m *Mod) handleReplyChannel(sender string, content map[string]any) {
	channel, _ := stringParam(content, "channel")
	replyToID, _ := stringParam(content, "reply_to_id")
	text, _ := stringParam(content, "text")
	quotedID, _ := stringParam(content, "quoted_message_id")
	quotedText, _ := stringParam(content, "quoted_text")

	res := m.postChannelReply(sender, channel, replyToID, text, quotedID, quotedText, nil)
	if res.errCode != "" {
		m.fail(sender, "reply_channel_message", res.errCode)
		return
	}
	m.respond(sender, "reply_channel_message", map[string]any{
		"message_id": res.messageID,
		"channel":    channel,
	})
}

func (m *Mod) handleReplyDirect(sender string, content map[string]any) {
	target, _ := stringParam(content, "target_agent_id")
	replyToID, _ := stringParam(content, "reply_to_id")
	text, _ := stringParam(content, "text")
	quotedID, _ := stringParam(content, "quoted_message_id")
	quotedText, _ := stringParam(content, "quoted_text")

	res := m.postDirectReply(sender, target, replyToID, text, quotedID, quotedText)
	if res.errCode != "" {
		m.fail(sender, "reply_direct_message", res.errCode)
		return
	}
	m.respond(sender, "reply_direct_message", map[string]any{"message_id": res.messageID})
}
