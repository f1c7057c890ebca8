package threads

import (
	"sort"
	"strings"
	"sync"

	"github.com/agentmesh/agentmesh/internal/protocol"
)

// storedMessage is the arena entry for one message. Children keeps reply ids
// in insertion order; Reactions maps reaction name to the set of reacting
// agents.
type storedMessage struct {
	env       protocol.Envelope
	parentID  string
	level     int
	channel   string // set for channel-hosted messages
	dmKey     string // set for DM-hosted messages
	children  []string
	reactions map[string]map[string]struct{}
}

func (sm *storedMessage) rootLevel() bool { return sm.level == 0 }

// channelState is one named channel: ordered message-id history plus the
// member set. The history is append-only during the server's lifetime and
// trimmed from the head once it exceeds the capacity bound.
type channelState struct {
	name        string
	description string
	members     map[string]struct{}
	messages    []string // message ids, roots and replies, in arrival order
}

// store owns all mod state. A single mutex serializes writers; per-channel
// locking would also satisfy the ordering rules, but one lock keeps the
// invariants easy to audit and the critical sections are all short map work.
type store struct {
	mu sync.RWMutex

	channels  map[string]*channelState
	messages  map[string]*storedMessage
	dmHistory map[string][]string
	files     map[string]*fileBlob

	historyCap int
	maxLevel   int // deepest allowed reply level (root is level 0)
}

func newStore(historyCap, maxLevel int) *store {
	return &store{
		channels:   make(map[string]*channelState),
		messages:   make(map[string]*storedMessage),
		dmHistory:  make(map[string][]string),
		files:      make(map[string]*fileBlob),
		historyCap: historyCap,
		maxLevel:   maxLevel,
	}
}

// dmKey builds the unordered-pair key for a DM history. The pair is sorted
// so (a,b) and (b,a) address the same thread.
func dmKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// ensureChannel creates the channel if absent and returns it.
func (s *store) ensureChannel(name, description string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureChannelLocked(name, description)
}

func (s *store) ensureChannelLocked(name, description string) *channelState {
	ch, ok := s.channels[name]
	if !ok {
		ch = &channelState{
			name:        name,
			description: description,
			members:     make(map[string]struct{}),
		}
		s.channels[name] = ch
	}
	return ch
}

// removeMember drops an agent from every channel's member set.
func (s *store) removeMember(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		delete(ch.members, agentID)
	}
}

// channelMembers returns a snapshot of the channel's member set.
func (s *store) channelMembers(name string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[name]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(ch.members))
	for id := range ch.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, true
}

// appendChannelRoot stores a level-0 message under the channel, adds the
// sender to the member set, and trims the rolling window.
func (s *store) appendChannelRoot(channel string, env protocol.Envelope, autoCreate bool) (members []string, errCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channel]
	if !ok {
		if !autoCreate {
			return nil, ErrChannelNotFound
		}
		ch = s.ensureChannelLocked(channel, "")
	}

	sm := &storedMessage{
		env:       env,
		level:     0,
		channel:   channel,
		reactions: make(map[string]map[string]struct{}),
	}
	s.messages[env.MessageID] = sm
	ch.messages = append(ch.messages, env.MessageID)
	if env.SenderID != "" {
		ch.members[env.SenderID] = struct{}{}
	}
	s.trimChannelLocked(ch)

	return memberSnapshotLocked(ch), ""
}

// appendChannelReply validates the parent, computes the level, and inserts
// the reply under both the parent and the channel history. On a depth
// violation nothing is mutated.
func (s *store) appendChannelReply(channel, replyToID string, env *protocol.Envelope) (members []string, errCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channel]
	if !ok {
		return nil, ErrChannelNotFound
	}
	parent, ok := s.messages[replyToID]
	if !ok || parent.channel != channel {
		return nil, ErrNotFound
	}

	level := parent.level + 1
	if level > s.maxLevel {
		return nil, ErrDepthExceeded
	}
	env.ThreadLevel = level

	sm := &storedMessage{
		env:       *env,
		parentID:  replyToID,
		level:     level,
		channel:   channel,
		reactions: make(map[string]map[string]struct{}),
	}
	s.messages[env.MessageID] = sm
	parent.children = append(parent.children, env.MessageID)
	ch.messages = append(ch.messages, env.MessageID)
	if env.SenderID != "" {
		ch.members[env.SenderID] = struct{}{}
	}
	s.trimChannelLocked(ch)

	return memberSnapshotLocked(ch), ""
}

// appendDMRoot stores a level-0 message under the unordered DM pair history.
func (s *store) appendDMRoot(a, b string, env protocol.Envelope) {
	key := dmKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	sm := &storedMessage{
		env:       env,
		level:     0,
		dmKey:     key,
		reactions: make(map[string]map[string]struct{}),
	}
	s.messages[env.MessageID] = sm
	s.dmHistory[key] = append(s.dmHistory[key], env.MessageID)
	s.trimDMLocked(key)
}

// appendDMReply inserts a reply into a DM thread with the same depth rules
// as channel replies.
func (s *store) appendDMReply(a, b, replyToID string, env *protocol.Envelope) (errCode string) {
	key := dmKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.messages[replyToID]
	if !ok || parent.dmKey != key {
		return ErrNotFound
	}
	level := parent.level + 1
	if level > s.maxLevel {
		return ErrDepthExceeded
	}
	env.ThreadLevel = level

	sm := &storedMessage{
		env:       *env,
		parentID:  replyToID,
		level:     level,
		dmKey:     key,
		reactions: make(map[string]map[string]struct{}),
	}
	s.messages[env.MessageID] = sm
	parent.children = append(parent.children, env.MessageID)
	s.dmHistory[key] = append(s.dmHistory[key], env.MessageID)
	s.trimDMLocked(key)
	return ""
}

// lookupText returns the text of a stored message, for server-side quote
// resolution.
func (s *store) lookupText(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.messages[messageID]
	if !ok {
		return "", false
	}
	return sm.env.Text(), true
}

// trimChannelLocked enforces the rolling window: while the history exceeds
// capacity, the oldest root and its entire thread are released together.
// Roots always precede their replies, so the head of the list is a root.
func (s *store) trimChannelLocked(ch *channelState) {
	for len(ch.messages) > s.historyCap {
		rootID := ch.messages[0]
		removed := s.collectThreadLocked(rootID)
		ch.messages = filterIDs(ch.messages, removed)
	}
}

// trimDMLocked applies the same capacity bound to a DM pair history.
func (s *store) trimDMLocked(key string) {
	for len(s.dmHistory[key]) > s.historyCap {
		rootID := s.dmHistory[key][0]
		removed := s.collectThreadLocked(rootID)
		s.dmHistory[key] = filterIDs(s.dmHistory[key], removed)
	}
}

// collectThreadLocked removes the message and all its descendants from the
// arena and returns the removed id set.
func (s *store) collectThreadLocked(rootID string) map[string]struct{} {
	removed := make(map[string]struct{})
	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sm, ok := s.messages[id]
		if !ok {
			continue
		}
		removed[id] = struct{}{}
		stack = append(stack, sm.children...)
		delete(s.messages, id)
	}
	return removed
}

func filterIDs(ids []string, drop map[string]struct{}) []string {
	out := ids[:0]
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func memberSnapshotLocked(ch *channelState) []string {
	out := make([]string, 0, len(ch.members))
	for id := range ch.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// threadCountLocked counts roots in the channel that have at least one reply.
func (s *store) threadCountLocked(ch *channelState) int {
	n := 0
	for _, id := range ch.messages {
		sm, ok := s.messages[id]
		if ok && sm.rootLevel() && len(sm.children) > 0 {
			n++
		}
	}
	return n
}

// channelSummary is the list_channels entry.
type channelSummary struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Members      []string `json:"members"`
	MessageCount int      `json:"message_count"`
	ThreadCount  int      `json:"thread_count"`
}

// summaries returns all channels sorted by name.
func (s *store) summaries() []channelSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]channelSummary, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, channelSummary{
			Name:         ch.name,
			Description:  ch.description,
			Members:      memberSnapshotLocked(ch),
			MessageCount: len(ch.messages),
			ThreadCount:  s.threadCountLocked(ch),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// pairOf splits a DM key back into its two members.
func pairOf(key string) (string, string) {
	parts := strings.SplitN(key, "\x00", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
