// Package heartbeat probes quiet agents and evicts the unresponsive.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/clock"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/protocol"
	"github.com/agentmesh/agentmesh/internal/registry"
)

// Options configures the monitor.
type Options struct {
	// Interval between registry scans.
	Interval time.Duration
	// AgentTimeout is how long an agent may stay silent before it is probed.
	AgentTimeout time.Duration
	// PingTimeout bounds the wait for a ping response.
	PingTimeout time.Duration
}

// Monitor is the heartbeat loop. Each tick it snapshots the registry, probes
// every connection quiet for longer than AgentTimeout with a ping_agent
// system request, and unbinds agents that do not answer within PingTimeout.
// Probes share the agent's ordinary writer, so they interleave cleanly with
// message traffic.
type Monitor struct {
	reg  *registry.Registry
	opts Options
	clk  clock.Clock
	bus  *events.Bus
	log  *slog.Logger

	// pendingMu protects pending. One outstanding probe per agent.
	pendingMu sync.Mutex
	pending   map[string]chan bool
}

// New creates a Monitor. Run starts it.
func New(reg *registry.Registry, opts Options, clk clock.Clock, bus *events.Bus, log *slog.Logger) *Monitor {
	return &Monitor{
		reg:     reg,
		opts:    opts,
		clk:     clk,
		bus:     bus,
		log:     log.With("component", "heartbeat"),
		pending: make(map[string]chan bool),
	}
}

// Run drives the loop until ctx is cancelled. In-flight probes are abandoned
// on shutdown; their goroutines observe ctx and exit.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()

	m.log.Info("heartbeat monitor started",
		"interval", m.opts.Interval,
		"agentTimeout", m.opts.AgentTimeout,
		"pingTimeout", m.opts.PingTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("heartbeat monitor stopped")
			return
		case <-t.C:
			m.tick(ctx)
		}
	}
}

// tick probes every agent that has been quiet past the timeout. Probes run
// concurrently; the tick itself never blocks on a response.
func (m *Monitor) tick(ctx context.Context) {
	now := m.clk.Now()
	for _, info := range m.reg.List() {
		last, ok := m.reg.LastActivity(info.AgentID)
		if !ok {
			continue
		}
		if now.Sub(last) <= m.opts.AgentTimeout {
			continue
		}
		go m.probe(ctx, info.AgentID)
	}
}

// probe sends one ping_agent request and waits for the matching response or
// the timeout. On failure the agent is unbound and a cleanup event recorded.
func (m *Monitor) probe(ctx context.Context, agentID string) {
	ch, ok := m.registerPending(agentID)
	if !ok {
		return // probe already outstanding for this agent
	}
	defer m.cancelPending(agentID)

	ping := map[string]any{
		"type":      string(protocol.TypeSystemRequest),
		"command":   string(protocol.CmdPingAgent),
		"timestamp": m.clk.Now().UnixMilli(),
	}
	if !m.reg.SendTo(agentID, ping) {
		m.evict(agentID, "ping send failed")
		return
	}

	t := time.NewTimer(m.opts.PingTimeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		// Shutdown: abandon the probe without evicting.
	case ok := <-ch:
		if ok {
			metrics.HeartbeatProbes.WithLabelValues("ok").Inc()
			m.reg.Touch(agentID)
			return
		}
		m.evict(agentID, "ping answered with failure")
	case <-t.C:
		m.evict(agentID, "ping timed out")
	}
}

// HandlePingResponse routes an agent's system_response for ping_agent to the
// waiting probe, if any. Called from the connection's frame loop.
func (m *Monitor) HandlePingResponse(agentID string, success bool) {
	m.pendingMu.Lock()
	ch, ok := m.pending[agentID]
	m.pendingMu.Unlock()

	if !ok {
		return // no probe waiting; stray or late response
	}
	select {
	case ch <- success:
	default:
	}
}

func (m *Monitor) registerPending(agentID string) (chan bool, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if _, exists := m.pending[agentID]; exists {
		return nil, false
	}
	ch := make(chan bool, 1)
	m.pending[agentID] = ch
	return ch, true
}

func (m *Monitor) cancelPending(agentID string) {
	m.pendingMu.Lock()
	delete(m.pending, agentID)
	m.pendingMu.Unlock()
}

func (m *Monitor) evict(agentID, reason string) {
	metrics.HeartbeatProbes.WithLabelValues("failed").Inc()
	if !m.reg.Unbind(agentID) {
		return // already gone
	}
	metrics.HeartbeatEvictions.Inc()
	m.log.Warn("agent evicted", "agentID", agentID, "reason", reason)
	m.bus.Publish(events.Event{
		Type:      events.EventAgentEvicted,
		AgentID:   agentID,
		Message:   reason,
		Timestamp: m.clk.Now(),
	})
}
