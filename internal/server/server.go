// Package server is the composition root: it owns the HTTP listener, the
// per-connection session state, and the frame loop that feeds the dispatcher,
// router, and heartbeat monitor.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/agentmesh/internal/dispatch"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/heartbeat"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/mod"
	"github.com/agentmesh/agentmesh/internal/protocol"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/transport"
)

// Options are the listener-level knobs.
type Options struct {
	ListenAddr      string
	MaxFrameSize    int64
	WriteTimeout    time.Duration
	MetricsTextfile string // empty disables the textfile writer
}

// Deps are the wired subsystems the server composes.
type Deps struct {
	Registry  *registry.Registry
	Identity  *identity.Manager
	Mods      *mod.Host
	Dispatch  *dispatch.Dispatcher
	Router    *router.Router
	Heartbeat *heartbeat.Monitor
	Bus       *events.Bus
	Log       *slog.Logger
}

// session is the per-connection state shared by the dispatcher and router: at
// most one bound agent id per connection. It satisfies dispatch.Session and
// router.Session.
type session struct {
	conn *transport.Conn

	mu      sync.RWMutex
	agentID string
}

func (s *session) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

func (s *session) SetAgentID(id string) {
	s.mu.Lock()
	s.agentID = id
	s.mu.Unlock()
}

func (s *session) Conn() registry.Conn { return s.conn }

// Server accepts agent connections and runs until its context is cancelled.
type Server struct {
	opts Options
	deps Deps
	log  *slog.Logger

	ws   *transport.Handler
	http *http.Server

	mu       sync.Mutex
	sessions map[*transport.Conn]*session
}

// New wires the server. Run starts it.
func New(opts Options, deps Deps) *Server {
	s := &Server{
		opts:     opts,
		deps:     deps,
		log:      deps.Log.With("component", "server"),
		sessions: make(map[*transport.Conn]*session),
	}
	s.ws = transport.NewHandler(transport.Options{
		MaxFrameSize: opts.MaxFrameSize,
		WriteTimeout: opts.WriteTimeout,
	}, s.onFrame, s.onClose, deps.Log)

	// The mod host learns about every departure, however it happened:
	// graceful unregister, dropped connection, heartbeat eviction, or
	// override by a new connection.
	deps.Registry.OnUnbind(func(agentID string) {
		deps.Mods.AgentDisconnected(agentID)
		metrics.ConnectedAgents.Set(float64(deps.Registry.Count()))
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", s.ws)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.http = &http.Server{Addr: opts.ListenAddr, Handler: mux}
	return s
}

// Run serves until ctx is cancelled, then shuts the listener down and closes
// every agent connection.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.opts.ListenAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go s.gaugeLoop(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	s.ws.CloseAll()
	s.log.Info("server stopped")
	return nil
}

// session returns the state for a connection, creating it on first use.
func (s *Server) session(c *transport.Conn) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c]
	if !ok {
		sess = &session{conn: c}
		s.sessions[c] = sess
	}
	return sess
}

// onFrame classifies one inbound frame and hands it to the right subsystem.
// The transport has already verified the frame is valid JSON.
func (s *Server) onFrame(c *transport.Conn, raw []byte) {
	sess := s.session(c)

	h, err := protocol.Peek(raw)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("invalid").Inc()
		if sendErr := c.Send(protocol.NewErrorResponse("", "bad_request")); sendErr != nil {
			s.log.Debug("reject send failed", "error", sendErr)
		}
		return
	}
	metrics.FramesReceived.WithLabelValues(string(h.Type)).Inc()

	switch {
	case h.Type == protocol.TypeSystemRequest:
		s.deps.Dispatch.Dispatch(sess, raw)

	case h.Type == protocol.TypeSystemResponse:
		// The only server-initiated request is the heartbeat probe.
		if h.Command == protocol.CmdPingAgent && sess.AgentID() != "" {
			s.deps.Registry.Touch(sess.AgentID())
			s.deps.Heartbeat.HandlePingResponse(sess.AgentID(), h.Success)
		}

	case h.Type.IsMessage():
		s.deps.Router.Route(sess, raw)

	default:
		if sendErr := c.Send(protocol.NewErrorResponse("", "bad_request")); sendErr != nil {
			s.log.Debug("reject send failed", "error", sendErr)
		}
	}
}

// onClose cleans up after a dead connection. The registry binding is removed
// only if it still points at this connection; an override by a newer
// connection keeps its binding.
func (s *Server) onClose(c *transport.Conn) {
	s.mu.Lock()
	sess, ok := s.sessions[c]
	delete(s.sessions, c)
	s.mu.Unlock()

	if !ok {
		return
	}
	agentID := sess.AgentID()
	if agentID == "" {
		return
	}

	if ac, bound := s.deps.Registry.Lookup(agentID); bound && ac.Conn == registry.Conn(c) {
		s.deps.Registry.Unbind(agentID)
		s.deps.Bus.Publish(events.Event{
			Type:      events.EventAgentDisconnected,
			AgentID:   agentID,
			Timestamp: time.Now(),
		})
	}
}

// gaugeLoop refreshes the slow-moving gauges and, when configured, rewrites
// the metrics textfile.
func (s *Server) gaugeLoop(ctx context.Context) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			metrics.ConnectedAgents.Set(float64(s.deps.Registry.Count()))
			metrics.ActiveClaims.Set(float64(s.deps.Identity.ActiveClaims()))
			if s.opts.MetricsTextfile != "" {
				if err := metrics.WriteTextfile(s.opts.MetricsTextfile); err != nil {
					s.log.Warn("metrics textfile write failed", "error", err)
				}
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"connected_agents": s.deps.Registry.Count(),
		"active_claims":    s.deps.Identity.ActiveClaims(),
		"mods":             len(s.deps.Mods.Manifests()),
	})
}
