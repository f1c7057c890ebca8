// Package dispatch routes system_request frames to their command handlers.
// The command set is closed; every request gets exactly one system_response
// on the originating connection.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/mod"
	"github.com/agentmesh/agentmesh/internal/protocol"
	"github.com/agentmesh/agentmesh/internal/registry"
)

// Session is the per-connection state the dispatcher needs: which agent (if
// any) the connection is bound to, and the transport handle for responses.
type Session interface {
	AgentID() string
	SetAgentID(id string)
	Conn() registry.Conn
}

// Policy carries the deployment knobs the dispatcher enforces.
type Policy struct {
	NetworkName string
	NetworkID   string
	// AllowForceReconnect permits force_reconnect=true to override an
	// existing binding without a certificate. Matches the historical
	// behavior; hardened deployments disable it.
	AllowForceReconnect bool
}

type handlerFunc func(s Session, req *protocol.SystemRequest) *protocol.SystemResponse

// Dispatcher owns the command table.
type Dispatcher struct {
	reg      *registry.Registry
	idm      *identity.Manager
	mods     *mod.Host
	policy   Policy
	bus      *events.Bus
	log      *slog.Logger
	handlers map[protocol.Command]handlerFunc
}

// New builds the dispatcher and its command table.
func New(reg *registry.Registry, idm *identity.Manager, mods *mod.Host, policy Policy, bus *events.Bus, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		reg:    reg,
		idm:    idm,
		mods:   mods,
		policy: policy,
		bus:    bus,
		log:    log.With("component", "dispatch"),
	}
	d.handlers = map[protocol.Command]handlerFunc{
		protocol.CmdRegisterAgent:       d.handleRegisterAgent,
		protocol.CmdUnregisterAgent:     d.handleUnregisterAgent,
		protocol.CmdListAgents:          d.handleListAgents,
		protocol.CmdListMods:            d.handleListMods,
		protocol.CmdGetModManifest:      d.handleGetModManifest,
		protocol.CmdClaimAgentID:        d.handleClaimAgentID,
		protocol.CmdValidateCertificate: d.handleValidateCertificate,
		protocol.CmdPingAgent:           d.handlePingAgent,
	}
	return d
}

// Dispatch handles one raw system_request frame. Malformed frames are
// answered with error="bad_request"; the connection stays up.
func (d *Dispatcher) Dispatch(s Session, raw []byte) {
	var req protocol.SystemRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		d.respond(s, protocol.NewErrorResponse("", "bad_request"))
		return
	}

	h, ok := d.handlers[req.Command]
	if !ok {
		d.respond(s, protocol.NewErrorResponse(req.Command, "unknown_command"))
		return
	}

	if resp := h(s, &req); resp != nil {
		d.respond(s, resp)
	}
}

// respond emits exactly one system_response to the originating connection.
func (d *Dispatcher) respond(s Session, resp *protocol.SystemResponse) {
	if err := s.Conn().Send(resp); err != nil {
		d.log.Debug("response send failed", "command", resp.Command, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// handleRegisterAgent binds the connection to the claimed agent id. An
// existing binding is overridden only with a valid certificate for that id,
// or with force_reconnect when policy allows it.
func (d *Dispatcher) handleRegisterAgent(s Session, req *protocol.SystemRequest) *protocol.SystemResponse {
	if req.AgentID == "" {
		return protocol.NewErrorResponse(req.Command, "bad_request: agent_id is required")
	}
	if s.AgentID() != "" {
		return protocol.NewErrorResponse(req.Command, fmt.Sprintf("connection already registered as %q", s.AgentID()))
	}

	cert := d.parseCertificate(req.Certificate)

	if existing, ok := d.reg.Lookup(req.AgentID); ok {
		override := d.idm.AuthorizeOverride(req.AgentID, cert) ||
			(req.ForceReconnect && d.policy.AllowForceReconnect)
		if !override {
			d.bus.Publish(events.Event{
				Type:      events.EventRegistrationDenied,
				AgentID:   req.AgentID,
				Message:   "agent id already registered",
				Timestamp: time.Now(),
			})
			metrics.RegistrationsTotal.WithLabelValues("denied").Inc()
			return protocol.NewErrorResponse(req.Command,
				fmt.Sprintf("agent id %q is already registered", req.AgentID))
		}

		d.log.Info("overriding existing binding", "agentID", req.AgentID,
			"withCertificate", cert != nil, "forceReconnect", req.ForceReconnect)
		d.reg.Unbind(existing.AgentID)
	}

	if _, err := d.reg.Bind(req.AgentID, s.Conn(), req.Metadata); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("denied").Inc()
		if errors.Is(err, registry.ErrAgentIDInUse) {
			// Lost a race with a concurrent registration for the same id.
			return protocol.NewErrorResponse(req.Command,
				fmt.Sprintf("agent id %q is already registered", req.AgentID))
		}
		return protocol.NewErrorResponse(req.Command, err.Error())
	}
	s.SetAgentID(req.AgentID)
	metrics.RegistrationsTotal.WithLabelValues("ok").Inc()
	metrics.ConnectedAgents.Set(float64(d.reg.Count()))

	d.mods.AgentConnected(req.AgentID, req.Metadata)
	d.bus.Publish(events.Event{
		Type:      events.EventAgentRegistered,
		AgentID:   req.AgentID,
		Timestamp: time.Now(),
	})

	return protocol.NewResponse(req.Command, map[string]any{
		"agent_id":     req.AgentID,
		"network_name": d.policy.NetworkName,
		"network_id":   d.policy.NetworkID,
	})
}

// handleUnregisterAgent is the graceful sign-off: the ack is queued before
// the unbind closes the connection, and the writer flushes it on the way
// out.
func (d *Dispatcher) handleUnregisterAgent(s Session, req *protocol.SystemRequest) *protocol.SystemResponse {
	agentID := s.AgentID()
	if agentID == "" {
		return protocol.NewErrorResponse(req.Command, "connection is not registered")
	}
	if req.AgentID != "" && req.AgentID != agentID {
		return protocol.NewErrorResponse(req.Command, "agent_id does not match this connection")
	}

	// Queue the ack first; Unbind closes the transport.
	resp := protocol.NewResponse(req.Command, map[string]any{"agent_id": agentID})
	d.respond(s, resp)

	s.SetAgentID("")
	d.reg.Unbind(agentID)
	d.bus.Publish(events.Event{
		Type:      events.EventAgentUnregistered,
		AgentID:   agentID,
		Timestamp: time.Now(),
	})

	return nil // already answered
}

func (d *Dispatcher) handleListAgents(_ Session, req *protocol.SystemRequest) *protocol.SystemResponse {
	agents := d.reg.List()
	if req.AgentIDPrefix != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if strings.HasPrefix(a.AgentID, req.AgentIDPrefix) {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	return protocol.NewResponse(req.Command, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (d *Dispatcher) handleListMods(_ Session, req *protocol.SystemRequest) *protocol.SystemResponse {
	return protocol.NewResponse(req.Command, map[string]any{
		"mods": d.mods.Manifests(),
	})
}

func (d *Dispatcher) handleGetModManifest(_ Session, req *protocol.SystemRequest) *protocol.SystemResponse {
	if req.ModName == "" {
		return protocol.NewErrorResponse(req.Command, "bad_request: mod_name is required")
	}
	m, ok := d.mods.Get(req.ModName)
	if !ok {
		return protocol.NewErrorResponse(req.Command, fmt.Sprintf("unknown mod %q", req.ModName))
	}
	return protocol.NewResponse(req.Command, map[string]any{
		"manifest": m.Manifest(),
	})
}

// handleClaimAgentID mints a certificate for the agent id, or rejects when
// the id is already claimed and ownership was not proven.
func (d *Dispatcher) handleClaimAgentID(s Session, req *protocol.SystemRequest) *protocol.SystemResponse {
	if req.AgentID == "" {
		return protocol.NewErrorResponse(req.Command, "bad_request: agent_id is required")
	}

	cert, err := d.idm.Claim(req.AgentID, req.Force, d.parseCertificate(req.Certificate))
	if err != nil {
		return protocol.NewErrorResponse(req.Command, err.Error())
	}

	d.bus.Publish(events.Event{
		Type:      events.EventIdentityClaimed,
		AgentID:   req.AgentID,
		Timestamp: time.Now(),
	})
	return protocol.NewResponse(req.Command, map[string]any{
		"certificate": cert,
	})
}

// handlePingAgent answers a client-initiated ping. The interesting form is
// server-initiated (heartbeat monitor); this one just proves the hub is
// alive.
func (d *Dispatcher) handlePingAgent(s Session, req *protocol.SystemRequest) *protocol.SystemResponse {
	if id := s.AgentID(); id != "" {
		d.reg.Touch(id)
	}
	return protocol.NewResponse(req.Command, map[string]any{
		"timestamp": time.Now().UnixMilli(),
	})
}

func (d *Dispatcher) handleValidateCertificate(_ Session, req *protocol.SystemRequest) *protocol.SystemResponse {
	cert := d.parseCertificate(req.Certificate)
	if cert == nil {
		return protocol.NewErrorResponse(req.Command, "bad_request: certificate is required")
	}
	valid, agentID := d.idm.Validate(*cert)
	return protocol.NewResponse(req.Command, map[string]any{
		"valid":    valid,
		"agent_id": agentID,
	})
}

// parseCertificate decodes an optional certificate field. Malformed input is
// treated as no certificate; the operation then fails on authorization, not
// on parsing.
func (d *Dispatcher) parseCertificate(raw json.RawMessage) *identity.Certificate {
	if len(raw) == 0 {
		return nil
	}
	var cert identity.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		d.log.Debug("unparseable certificate in request", "error", err)
		return nil
	}
	return &cert
}
