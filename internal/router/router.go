// Package router classifies routed message frames and delivers them:
// point-to-point, network-wide fan-out, or into a mod.
package router

import (
	"encoding/json"
	"log/slog"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/mod"
	"github.com/agentmesh/agentmesh/internal/protocol"
	"github.com/agentmesh/agentmesh/internal/registry"
)

// Session mirrors dispatch.Session: the binding state of the connection a
// frame arrived on.
type Session interface {
	AgentID() string
	Conn() registry.Conn
}

// Router delivers message frames. It holds no long-lived locks: it reads a
// registry snapshot per frame and releases.
type Router struct {
	reg  *registry.Registry
	mods *mod.Host
	log  *slog.Logger
}

// New creates a Router.
func New(reg *registry.Registry, mods *mod.Host, log *slog.Logger) *Router {
	return &Router{
		reg:  reg,
		mods: mods,
		log:  log.With("component", "router"),
	}
}

// Route handles one raw message frame from a bound connection. raw is the
// frame exactly as read; verbatim delivery paths forward it untouched so
// fields the hub does not model survive end to end.
func (r *Router) Route(s Session, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.rejectFrame(s, "", "bad_request")
		return
	}

	// A frame's sender must be the agent bound to this connection. An
	// unregistered connection has no bound id and fails the same check.
	if env.SenderID == "" || env.SenderID != s.AgentID() {
		r.rejectFrame(s, string(env.Type), "sender_mismatch")
		return
	}
	r.reg.Touch(env.SenderID)
	metrics.FramesRouted.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case protocol.TypeDirectMessage:
		r.deliverDirect(s, &env, raw)

	case protocol.TypeBroadcastMessage:
		r.deliverBroadcast(&env, raw)

	case protocol.TypeModMessage:
		env.Direction = protocol.DirectionInbound
		if err := r.mods.DispatchModMessage(&env); err != nil {
			r.log.Warn("mod dispatch failed", "mod", env.Mod, "error", err)
			r.notifySender(env.SenderID, map[string]any{"error": "unknown_mod", "mod": env.Mod})
		}

	case protocol.TypeChannelMessage:
		if err := r.mods.DispatchChannelMessage(&env); err != nil {
			r.notifySender(env.SenderID, map[string]any{"error": "unknown_mod"})
		}

	case protocol.TypeReplyMessage:
		if env.TargetAgentID != "" {
			r.deliverDirect(s, &env, raw)
			return
		}
		if err := r.mods.DispatchReplyMessage(&env); err != nil {
			r.notifySender(env.SenderID, map[string]any{"error": "unknown_mod"})
		}

	default:
		r.rejectFrame(s, string(env.Type), "bad_request")
	}
}

// deliverDirect forwards the frame verbatim to the target, or tells the
// sender the target is unreachable and drops the frame.
func (r *Router) deliverDirect(s Session, env *protocol.Envelope, raw []byte) {
	if env.TargetAgentID == "" {
		r.rejectFrame(s, string(env.Type), "bad_request: target_agent_id is required")
		return
	}
	if r.reg.SendRawTo(env.TargetAgentID, raw) {
		return
	}
	metrics.MessagesDropped.Inc()
	r.notifySender(env.SenderID, map[string]any{
		"error":           "unreachable",
		"target_agent_id": env.TargetAgentID,
		"message_id":      env.MessageID,
	})
}

// deliverBroadcast fans the frame out to every bound agent except the sender
// and the excluded set. Best-effort per recipient.
func (r *Router) deliverBroadcast(env *protocol.Envelope, raw []byte) {
	exclude := append([]string{env.SenderID}, env.ExcludeAgentIDs...)
	sent := r.reg.BroadcastRaw(raw, exclude)
	metrics.BroadcastRecipients.Observe(float64(sent))
	r.log.Debug("broadcast delivered", "sender", env.SenderID, "recipients", sent)
}

// notifySender reports a routing failure back to the sender through a
// synthetic system mod_message, per the routing-error taxonomy.
func (r *Router) notifySender(agentID string, content map[string]any) {
	env := protocol.NewEnvelope(protocol.TypeModMessage, "")
	env.Mod = protocol.SystemMod
	env.Direction = protocol.DirectionOutbound
	env.RelevantAgentID = agentID
	env.Content = content
	r.reg.SendTo(agentID, env)
}

// rejectFrame answers an unroutable frame with a failed system_response on
// the same connection. The connection stays up.
func (r *Router) rejectFrame(s Session, kind, errMsg string) {
	resp := protocol.NewErrorResponse(protocol.Command(kind), errMsg)
	if err := s.Conn().Send(resp); err != nil {
		r.log.Debug("reject send failed", "error", err)
	}
}
