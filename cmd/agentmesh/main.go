package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/clock"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/dispatch"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/heartbeat"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/logging"
	"github.com/agentmesh/agentmesh/internal/mod"
	"github.com/agentmesh/agentmesh/internal/mod/threads"
	"github.com/agentmesh/agentmesh/internal/notify"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/server"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogDebug)

	fmt.Println("agentmesh " + version)
	fmt.Println("=============================================")
	fmt.Printf("AGENTMESH_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("AGENTMESH_NETWORK_NAME=%s\n", cfg.NetworkName)
	fmt.Printf("AGENTMESH_HEARTBEAT_INTERVAL=%s\n", cfg.HeartbeatInterval)
	fmt.Printf("AGENTMESH_AGENT_TIMEOUT=%s\n", cfg.AgentTimeout)
	fmt.Printf("AGENTMESH_MAX_CONNECTIONS=%d\n", cfg.MaxConnections)
	fmt.Printf("AGENTMESH_CERT_TTL=%s\n", cfg.CertTTL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}
	bus := events.New()

	idm, err := identity.New(cfg.SecretKey, cfg.CertTTL, clk, log.Logger)
	if err != nil {
		log.Error("failed to build identity manager", "error", err)
		os.Exit(1)
	}
	sweeper, err := idm.StartSweeper(cfg.SweepSchedule)
	if err != nil {
		log.Error("failed to start claim sweeper", "schedule", cfg.SweepSchedule, "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	reg := registry.NewRegistry(cfg.MaxConnections, clk, log.Logger)
	mods := mod.NewHost(bus, log.Logger)

	seeds, err := threads.LoadSeeds(cfg.ChannelsFile)
	if err != nil {
		log.Error("failed to load channel seeds", "file", cfg.ChannelsFile, "error", err)
		os.Exit(1)
	}
	threadsMod := threads.New(threads.Config{
		Channels:           seeds,
		MaxFileSize:        cfg.MaxFileSize,
		HistoryCapacity:    cfg.ChannelHistoryCapacity,
		MaxThreadDepth:     cfg.MaxThreadDepth,
		AutoCreateChannels: cfg.AutoCreateChannels,
	}, reg, clk, log.Logger)
	if err := mods.Register(threadsMod); err != nil {
		log.Error("failed to register threads mod", "error", err)
		os.Exit(1)
	}

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.WebhookURL != "" {
		var headers map[string]string
		if cfg.WebhookAuth != "" {
			headers = map[string]string{"Authorization": cfg.WebhookAuth}
		}
		notifiers = append(notifiers, notify.NewFiltered(notify.NewWebhook(cfg.WebhookURL, headers), cfg.NotifyEvents))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		m := notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID,
			cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS)
		notifiers = append(notifiers, notify.NewFiltered(m, cfg.NotifyEvents))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)
	go notify.NewFeeder(bus, notifier).Run(ctx)

	policy := dispatch.Policy{
		NetworkName:         cfg.NetworkName,
		NetworkID:           uuid.NewString(),
		AllowForceReconnect: cfg.AllowForceReconnect,
	}
	disp := dispatch.New(reg, idm, mods, policy, bus, log.Logger)
	rtr := router.New(reg, mods, log.Logger)

	hb := heartbeat.New(reg, heartbeat.Options{
		Interval:     cfg.HeartbeatInterval,
		AgentTimeout: cfg.AgentTimeout,
		PingTimeout:  cfg.PingTimeout,
	}, clk, bus, log.Logger)
	go hb.Run(ctx)

	srv := server.New(server.Options{
		ListenAddr:      cfg.ListenAddr,
		MaxFrameSize:    cfg.MaxMessageSize,
		WriteTimeout:    cfg.WriteTimeout,
		MetricsTextfile: cfg.MetricsTextfile,
	}, server.Deps{
		Registry:  reg,
		Identity:  idm,
		Mods:      mods,
		Dispatch:  disp,
		Router:    rtr,
		Heartbeat: hb,
		Bus:       bus,
		Log:       log.Logger,
	})

	log.Info("agentmesh started", "version", version, "network", cfg.NetworkName)

	if err := srv.Run(ctx); err != nil {
		log.Error("agentmesh exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("agentmesh shutdown complete")
}
