package threads

import "github.com/agentmesh/agentmesh/internal/protocol"

// reactionOutcome reports the state after an add/remove, plus where the
// message lives so notifications can be addressed.
type reactionOutcome struct {
	total   int
	members []string // channel members for channel-hosted messages
	peers   []string // both DM endpoints for DM-hosted messages
	errCode string
}

// react applies idempotent set semantics: adding an agent already present or
// removing one already absent changes nothing, and the reported total is the
// set cardinality after the operation.
func (s *store) react(messageID, agentID, reaction, op string) reactionOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.messages[messageID]
	if !ok {
		return reactionOutcome{errCode: ErrNotFound}
	}

	who, ok := sm.reactions[reaction]
	if !ok {
		who = make(map[string]struct{})
		sm.reactions[reaction] = who
	}

	switch op {
	case "add":
		who[agentID] = struct{}{}
	case "remove":
		delete(who, agentID)
	default:
		return reactionOutcome{errCode: ErrBadRequest}
	}

	out := reactionOutcome{total: len(who)}
	if sm.channel != "" {
		if ch, ok := s.channels[sm.channel]; ok {
			out.members = memberSnapshotLocked(ch)
		}
	} else {
		// Reactors outside the pair still react; both endpoints hear about it.
		a, b := pairOf(sm.dmKey)
		out.peers = []string{a, b}
	}
	return out
}

// handleReact applies a reaction and emits a reaction_notification to the
// channel members (channel-hosted) or both DM endpoints (DM-hosted), minus
// the reactor.
func (m *Mod) handleReact(sender string, content map[string]any) {
	messageID, _ := stringParam(content, "message_id")
	reaction, _ := stringParam(content, "reaction")
	op, _ := stringParam(content, "reaction_action")
	if messageID == "" || reaction == "" || op == "" {
		m.fail(sender, "react_to_message", ErrBadRequest)
		return
	}

	out := m.store.react(messageID, sender, reaction, op)
	if out.errCode != "" {
		m.fail(sender, "react_to_message", out.errCode)
		return
	}

	m.respond(sender, "react_to_message", map[string]any{
		"message_id":      messageID,
		"reaction":        reaction,
		"reaction_action": op,
		"total_reactions": out.total,
	})

	note := func(target string) {
		if target == "" || target == sender {
			return
		}
		env := protocol.NewEnvelope(protocol.TypeModMessage, "")
		env.Mod = ModName
		env.Direction = protocol.DirectionOutbound
		env.RelevantAgentID = target
		env.Timestamp = nowMillis(m.clk)
		env.Content = map[string]any{
			"action":          "reaction_notification",
			"message_id":      messageID,
			"reaction":        reaction,
			"reaction_action": op,
			"total_reactions": out.total,
			"sender_id":       sender,
		}
		m.sender.SendTo(target, env)
	}

	if len(out.members) > 0 {
		for _, id := range out.members {
			note(id)
		}
		return
	}
	for _, id := range out.peers {
		note(id)
	}
}
