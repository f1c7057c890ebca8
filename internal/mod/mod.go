// Package mod defines the server-side plugin contract and the host that
// fans lifecycle events and mod messages out to loaded mods.
package mod

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/protocol"
)

// Manifest describes a mod to clients via list_mods / get_mod_manifest.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Sender is how mods emit outbound frames. Implemented by the connection
// registry; mods never hold transport handles directly.
type Sender interface {
	SendTo(agentID string, v any) bool
	Broadcast(v any, exclude []string) int
}

// Mod is a named server-side plugin owning its own state. Hook panics are
// contained by the host; a broken mod never takes down its peers or the
// connection that triggered it.
type Mod interface {
	Name() string
	Manifest() Manifest
	OnAgentConnect(agentID string, metadata map[string]any)
	OnAgentDisconnect(agentID string)
	OnModMessage(env *protocol.Envelope)
}

// ChannelHandler is implemented by mods that accept channel_message and
// channel-scoped reply_message frames from the router.
type ChannelHandler interface {
	OnChannelMessage(env *protocol.Envelope)
	OnReplyMessage(env *protocol.Envelope)
}

// Host loads a configured set of mods and invokes their hooks. All hooks run
// on the caller's goroutine; mods doing I/O enforce their own timeouts.
type Host struct {
	mu     sync.RWMutex
	order  []Mod
	byName map[string]Mod

	bus *events.Bus
	log *slog.Logger
}

// NewHost creates an empty host.
func NewHost(bus *events.Bus, log *slog.Logger) *Host {
	return &Host{
		byName: make(map[string]Mod),
		bus:    bus,
		log:    log.With("component", "mods"),
	}
}

// Register adds a mod. Names must be unique.
func (h *Host) Register(m Mod) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := m.Name()
	if _, ok := h.byName[name]; ok {
		return fmt.Errorf("mod %q already registered", name)
	}
	h.byName[name] = m
	h.order = append(h.order, m)

	h.log.Info("mod registered", "mod", name, "version", m.Manifest().Version)
	return nil
}

// Get returns the named mod.
func (h *Host) Get(name string) (Mod, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.byName[name]
	return m, ok
}

// Manifests returns manifests for all registered mods in load order.
func (h *Host) Manifests() []Manifest {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Manifest, 0, len(h.order))
	for _, m := range h.order {
		out = append(out, m.Manifest())
	}
	return out
}

// AgentConnected notifies every mod of a new agent binding.
func (h *Host) AgentConnected(agentID string, metadata map[string]any) {
	for _, m := range h.snapshot() {
		h.invoke(m, "on_agent_connect", func() { m.OnAgentConnect(agentID, metadata) })
	}
}

// AgentDisconnected notifies every mod that an agent left the registry.
func (h *Host) AgentDisconnected(agentID string) {
	for _, m := range h.snapshot() {
		h.invoke(m, "on_agent_disconnect", func() { m.OnAgentDisconnect(agentID) })
	}
}

// DispatchModMessage hands a mod_message frame to the mod it names.
func (h *Host) DispatchModMessage(env *protocol.Envelope) error {
	m, ok := h.Get(env.Mod)
	if !ok {
		return fmt.Errorf("unknown mod %q", env.Mod)
	}
	h.invoke(m, "on_mod_message", func() { m.OnModMessage(env) })
	return nil
}

// DispatchChannelMessage hands a channel_message frame to the first mod that
// handles channels.
func (h *Host) DispatchChannelMessage(env *protocol.Envelope) error {
	m, ch, ok := h.channelHandler()
	if !ok {
		return fmt.Errorf("no channel-messaging mod loaded")
	}
	h.invoke(m, "on_channel_message", func() { ch.OnChannelMessage(env) })
	return nil
}

// DispatchReplyMessage hands a channel-scoped reply_message frame to the
// channel-messaging mod.
func (h *Host) DispatchReplyMessage(env *protocol.Envelope) error {
	m, ch, ok := h.channelHandler()
	if !ok {
		return fmt.Errorf("no channel-messaging mod loaded")
	}
	h.invoke(m, "on_reply_message", func() { ch.OnReplyMessage(env) })
	return nil
}

func (h *Host) channelHandler() (Mod, ChannelHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.order {
		if ch, ok := m.(ChannelHandler); ok {
			return m, ch, true
		}
	}
	return nil, nil, false
}

func (h *Host) snapshot() []Mod {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Mod, len(h.order))
	copy(out, h.order)
	return out
}

// invoke runs a single mod hook with panic containment. A panicking mod is
// logged and reported on the event bus; other mods still run.
func (h *Host) invoke(m Mod, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("mod hook panicked", "mod", m.Name(), "hook", hook, "panic", r)
			if h.bus != nil {
				h.bus.Publish(events.Event{
					Type:      events.EventModError,
					Mod:       m.Name(),
					Message:   fmt.Sprintf("%s panicked: %v", hook, r),
					Timestamp: time.Now(),
				})
			}
		}
	}()
	fn()
}
