// Package registry maps agent ids to live connections and owns their
// lifecycle from bind to cleanup.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/clock"
)

// ErrAgentIDInUse is returned by Bind when the agent id already has a live
// connection and no override authorization was supplied.
var ErrAgentIDInUse = errors.New("agent id already connected")

// Conn is the transport handle the registry holds for each agent. The
// registry never inspects frames; it only sends and closes.
type Conn interface {
	// Send marshals v to JSON and enqueues it on the connection's writer.
	Send(v any) error
	// SendRaw enqueues an already-encoded frame verbatim.
	SendRaw(frame []byte) error
	// Close tears down the connection. Safe to call more than once.
	Close() error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// AgentConnection is the registry's record for one bound agent. Owned
// exclusively by the registry; callers get copies of the metadata snapshot.
type AgentConnection struct {
	AgentID      string
	Conn         Conn
	Metadata     map[string]any
	BoundAt      time.Time
	lastActivity time.Time
}

// AgentInfo is the snapshot form returned by List.
type AgentInfo struct {
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	LastSeen int64          `json:"last_seen"` // unix milliseconds
}

// UnbindHook is invoked after an agent is removed from the registry. Hooks
// run outside the registry lock; errors are the hook's own problem.
type UnbindHook func(agentID string)

// Registry maps agent ids to live connections. At most one connection per
// agent id at any instant; Bind is the only way in and Unbind the only way
// out.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentConnection

	hooksMu sync.RWMutex
	hooks   []UnbindHook

	maxConnections int
	clk            clock.Clock
	log            *slog.Logger
}

// NewRegistry creates an empty registry. maxConnections of 0 means no limit.
func NewRegistry(maxConnections int, clk clock.Clock, log *slog.Logger) *Registry {
	return &Registry{
		agents:         make(map[string]*AgentConnection),
		maxConnections: maxConnections,
		clk:            clk,
		log:            log.With("component", "registry"),
	}
}

// OnUnbind registers a hook called after every successful Unbind. Used by
// the mod host to drop mod-internal membership and by the event bus feeder.
func (r *Registry) OnUnbind(h UnbindHook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, h)
	r.hooksMu.Unlock()
}

// Bind atomically binds agentID to conn. Fails with ErrAgentIDInUse if the
// id is already bound (override authorization is the dispatcher's job: it
// unbinds the old connection first, then binds the new one).
func (r *Registry) Bind(agentID string, conn Conn, metadata map[string]any) (*AgentConnection, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentIDInUse, agentID)
	}
	if r.maxConnections > 0 && len(r.agents) >= r.maxConnections {
		return nil, fmt.Errorf("connection limit reached (%d)", r.maxConnections)
	}

	now := r.clk.Now()
	ac := &AgentConnection{
		AgentID:      agentID,
		Conn:         conn,
		Metadata:     metadata,
		BoundAt:      now,
		lastActivity: now,
	}
	r.agents[agentID] = ac

	r.log.Info("agent bound", "agentID", agentID, "remote", conn.RemoteAddr(), "total", len(r.agents))
	return ac, nil
}

// Unbind removes agentID from the registry, closes its transport handle
// best-effort, and runs the unbind hooks. Idempotent: returns false if the
// id was not bound. Safe to call concurrently from the heartbeat monitor,
// transport close path, dispatcher, and mod host.
func (r *Registry) Unbind(agentID string) bool {
	r.mu.Lock()
	ac, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	remaining := len(r.agents)
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := ac.Conn.Close(); err != nil {
		r.log.Debug("close on unbind", "agentID", agentID, "error", err)
	}

	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(agentID)
	}

	r.log.Info("agent unbound", "agentID", agentID, "total", remaining)
	return true
}

// Touch updates the agent's last-activity timestamp. Called on every inbound
// frame from that agent.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	if ac, ok := r.agents[agentID]; ok {
		ac.lastActivity = r.clk.Now()
	}
	r.mu.Unlock()
}

// LastActivity returns the agent's last-activity time.
func (r *Registry) LastActivity(agentID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ac, ok := r.agents[agentID]
	if !ok {
		return time.Time{}, false
	}
	return ac.lastActivity, true
}

// Lookup returns the live connection record for agentID.
func (r *Registry) Lookup(agentID string) (*AgentConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ac, ok := r.agents[agentID]
	return ac, ok
}

// UpdateMetadata replaces the stored metadata for a bound agent.
func (r *Registry) UpdateMetadata(agentID string, metadata map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ac, ok := r.agents[agentID]
	if !ok {
		return false
	}
	ac.Metadata = metadata
	return true
}

// List returns a snapshot of all bound agents. Safe to use after the lock is
// released.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, ac := range r.agents {
		out = append(out, AgentInfo{
			AgentID:  ac.AgentID,
			Metadata: ac.Metadata,
			LastSeen: ac.lastActivity.UnixMilli(),
		})
	}
	return out
}

// Count returns the number of bound agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// SendTo delivers v to the named agent if bound. Returns false when the
// agent is unknown or the send fails.
func (r *Registry) SendTo(agentID string, v any) bool {
	ac, ok := r.Lookup(agentID)
	if !ok {
		return false
	}
	if err := ac.Conn.Send(v); err != nil {
		r.log.Warn("send to agent failed", "agentID", agentID, "error", err)
		return false
	}
	return true
}

// SendRawTo delivers an already-encoded frame verbatim to the named agent.
func (r *Registry) SendRawTo(agentID string, frame []byte) bool {
	ac, ok := r.Lookup(agentID)
	if !ok {
		return false
	}
	if err := ac.Conn.SendRaw(frame); err != nil {
		r.log.Warn("send to agent failed", "agentID", agentID, "error", err)
		return false
	}
	return true
}

// Broadcast delivers v to every bound agent except those in exclude.
// Delivery is best-effort per recipient; one failure does not abort the
// rest. Returns the number of successful sends.
func (r *Registry) Broadcast(v any, exclude []string) int {
	sent := 0
	for _, ac := range r.broadcastTargets(exclude) {
		if err := ac.Conn.Send(v); err != nil {
			r.log.Warn("broadcast send failed", "agentID", ac.AgentID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// BroadcastRaw is Broadcast for an already-encoded frame, forwarded
// verbatim.
func (r *Registry) BroadcastRaw(frame []byte, exclude []string) int {
	sent := 0
	for _, ac := range r.broadcastTargets(exclude) {
		if err := ac.Conn.SendRaw(frame); err != nil {
			r.log.Warn("broadcast send failed", "agentID", ac.AgentID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// broadcastTargets snapshots the recipient set under the read lock so sends
// happen lock-free.
func (r *Registry) broadcastTargets(exclude []string) []*AgentConnection {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]*AgentConnection, 0, len(r.agents))
	for id, ac := range r.agents {
		if _, ok := skip[id]; ok {
			continue
		}
		targets = append(targets, ac)
	}
	return targets
}
