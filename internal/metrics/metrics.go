// Package metrics exposes the hub's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmesh_connected_agents",
		Help: "Number of agents currently bound in the registry.",
	})
	ActiveClaims = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmesh_active_identity_claims",
		Help: "Number of unexpired identity claims.",
	})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_frames_received_total",
		Help: "Total inbound frames by frame type.",
	}, []string{"type"})
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_frames_routed_total",
		Help: "Total routed message frames by frame type.",
	}, []string{"type"})
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_messages_dropped_total",
		Help: "Total messages dropped because the target was unreachable.",
	})
	BroadcastRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentmesh_broadcast_recipients",
		Help:    "Recipients per broadcast fan-out.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	HeartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_heartbeat_evictions_total",
		Help: "Total agents evicted after a failed heartbeat probe.",
	})
	HeartbeatProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_heartbeat_probes_total",
		Help: "Total heartbeat probes by outcome.",
	}, []string{"outcome"})
	ModErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_mod_errors_total",
		Help: "Total mod hook failures by mod.",
	}, []string{"mod"})
	RegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_registrations_total",
		Help: "Total register_agent outcomes.",
	}, []string{"outcome"})
)
