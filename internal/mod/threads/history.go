package threads

// maxPageSize caps a single retrieval page.
const maxPageSize = 500

// messageView is the retrieval shape for one stored message.
type messageView struct {
	MessageID       string         `json:"message_id"`
	SenderID        string         `json:"sender_id"`
	Timestamp       int64          `json:"timestamp"`
	Text            string         `json:"text"`
	Level           int            `json:"level"`
	ParentID        string         `json:"parent_id,omitempty"`
	Channel         string         `json:"channel,omitempty"`
	QuotedMessageID string         `json:"quoted_message_id,omitempty"`
	QuotedText      string         `json:"quoted_text,omitempty"`
	Reactions       map[string]int `json:"reactions,omitempty"`
}

// page applies newest-first pagination over an id list. When includeThreads
// is false, non-root messages are suppressed before paging so offsets stay
// stable for root-only consumers.
func (s *store) page(ids []string, limit, offset int, includeThreads bool) []messageView {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	out := make([]messageView, 0, limit)
	skipped := 0
	for i := len(ids) - 1; i >= 0; i-- {
		sm, ok := s.messages[ids[i]]
		if !ok {
			continue
		}
		if !includeThreads && !sm.rootLevel() {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, viewOf(sm))
		if len(out) == limit {
			break
		}
	}
	return out
}

func viewOf(sm *storedMessage) messageView {
	v := messageView{
		MessageID:       sm.env.MessageID,
		SenderID:        sm.env.SenderID,
		Timestamp:       sm.env.Timestamp,
		Text:            sm.env.Text(),
		Level:           sm.level,
		ParentID:        sm.parentID,
		Channel:         sm.channel,
		QuotedMessageID: sm.env.QuotedMessageID,
		QuotedText:      sm.env.QuotedText,
	}
	if len(sm.reactions) > 0 {
		v.Reactions = make(map[string]int, len(sm.reactions))
		for name, who := range sm.reactions {
			v.Reactions[name] = len(who)
		}
	}
	return v
}

// retrieveChannel pages over a channel history, newest first.
func (s *store) retrieveChannel(channel string, limit, offset int, includeThreads bool) ([]messageView, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channel]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return s.page(ch.messages, limit, offset, includeThreads), ""
}

// retrieveDM pages over the DM history shared between self and peer.
// An empty history is a valid result, not an error.
func (s *store) retrieveDM(self, peer string, limit, offset int, includeThreads bool) []messageView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.page(s.dmHistory[dmKey(self, peer)], limit, offset, includeThreads)
}

// ---------------------------------------------------------------------------
// Mod-action handlers
// ---------------------------------------------------------------------------

func (m *Mod) handleListChannels(sender string) {
	m.respond(sender, "list_channels", map[string]any{
		"channels": m.store.summaries(),
	})
}

func (m *Mod) handleRetrieveChannel(sender string, content map[string]any) {
	channel, _ := stringParam(content, "channel")
	if channel == "" {
		m.fail(sender, "retrieve_channel_messages", ErrBadRequest)
		return
	}
	limit := intParam(content, "limit", 50)
	offset := intParam(content, "offset", 0)
	includeThreads := boolParam(content, "include_threads", true)

	views, errCode := m.store.retrieveChannel(channel, limit, offset, includeThreads)
	if errCode != "" {
		m.fail(sender, "retrieve_channel_messages", errCode)
		return
	}
	m.respond(sender, "retrieve_channel_messages", map[string]any{
		"channel":  channel,
		"messages": views,
		"count":    len(views),
	})
}

func (m *Mod) handleRetrieveDirect(sender string, content map[string]any) {
	peer, _ := stringParam(content, "peer")
	if peer == "" {
		m.fail(sender, "retrieve_direct_messages", ErrBadRequest)
		return
	}
	limit := intParam(content, "limit", 50)
	offset := intParam(content, "offset", 0)
	includeThreads := boolParam(content, "include_threads", true)

	views := m.store.retrieveDM(sender, peer, limit, offset, includeThreads)
	m.respond(sender, "retrieve_direct_messages", map[string]any{
		"peer":     peer,
		"messages": views,
		"count":    len(views),
	})
}
