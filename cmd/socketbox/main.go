// Command socketbox runs the STOMP-over-WebSocket broker: configuration
// loading, logging, the broker core, the optional cluster mesh, the
// optional kafka bridge, and the HTTP server tying them together.
// Grounded on the teacher's root main.go: automaxprocs called once at
// boot, config loaded before anything else, a structured startup log,
// and a signal-driven graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/coldbox-modules/socketbox/broker"
	"github.com/coldbox-modules/socketbox/cache"
	"github.com/coldbox-modules/socketbox/cluster"
	"github.com/coldbox-modules/socketbox/config"
	"github.com/coldbox-modules/socketbox/kafkabridge"
	"github.com/coldbox-modules/socketbox/logging"
	"github.com/coldbox-modules/socketbox/metrics"
	"github.com/coldbox-modules/socketbox/resources"
	"github.com/coldbox-modules/socketbox/stomp"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SOCKETBOX_LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.With().Str("phase", "boot").Logger()

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	// automaxprocs rounds GOMAXPROCS down to the container's CPU quota;
	// logged once so capacity planning can see what the scheduler saw.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("runtime initialized")

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize broker")
	}
	if err := app.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start broker")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	app.Shutdown()
}

// app wires every package together for one running broker process.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	broker *broker.Broker
	guard  *resources.Guard
	mgr    *cluster.Manager
	bridge *kafkabridge.Bridge
	mcol   *metrics.Collector

	listener    net.Listener
	httpServer  *http.Server
	metricsLn   net.Listener
	metricsSrv  *http.Server
	ctx         context.Context
	cancel      context.CancelFunc
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	guard := resources.New(cfg, logger)

	b := broker.New(broker.Config{HeartBeatMS: cfg.HeartBeatMS, ClusterName: cfg.ClusterName}, nil, nil, logger)

	exchangesSpec, err := config.LoadExchanges(cfg.ExchangesConfigPath)
	if err != nil {
		return nil, err
	}
	if err := configureExchangeGraph(b, exchangesSpec, logger); err != nil {
		return nil, err
	}

	cacheProvider, err := newCacheProvider(cfg)
	if err != nil {
		return nil, err
	}

	mgr := cluster.New(cluster.Config{
		Enable:                       cfg.ClusterEnable,
		Name:                         cfg.ClusterName,
		SecretKey:                    cfg.ClusterSecret,
		Peers:                        cfg.PeerList(),
		CachePrefix:                  cfg.ClusterCachePrefix,
		PeerConnectionTimeoutSeconds: cfg.ClusterPeerConnectionTimeoutSeconds,
		PeerIdleTimeoutSeconds:       cfg.ClusterPeerIdleTimeoutSeconds,
		DefaultRPCTimeoutSeconds:     cfg.ClusterDefaultRPCTimeoutSeconds,
	}, cacheProvider, b, logger)
	b.SetBroadcaster(mgr)

	var bridge *kafkabridge.Bridge
	if cfg.KafkaBridgeEnabled() {
		bridge, err = kafkabridge.New(kafkabridge.Config{
			Brokers:       cfg.KafkaBrokerList(),
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topics:        cfg.KafkaTopicList(),
			Destination:   cfg.KafkaDestination,
			Workers:       cfg.KafkaWorkers,
		}, b, guard, logger)
		if err != nil {
			return nil, err
		}
	}

	mcol := metrics.NewCollector(15*time.Second, func() int { return 0 }, func() int {
		if !mgr.Enabled() {
			return 0
		}
		return len(cfg.PeerList())
	}, mgr.IsManager)

	ctx, cancel := context.WithCancel(context.Background())
	return &app{cfg: cfg, log: logger, broker: b, guard: guard, mgr: mgr, bridge: bridge, mcol: mcol, ctx: ctx, cancel: cancel}, nil
}

func newCacheProvider(cfg *config.Config) (cache.Provider, error) {
	switch cfg.CacheProvider {
	case "nats":
		return cache.NewNATSProvider(context.Background(), cfg.NATSURL, cfg.NATSKVBucket)
	default:
		return cache.NewMapProvider(), nil
	}
}

// Start brings up the cluster discovery loop, resource monitoring, the
// kafka bridge, the Prometheus collector, and the HTTP server.
func (a *app) Start() error {
	listener, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	a.listener = listener

	a.guard.StartMonitoring(a.ctx, 15*time.Second)
	a.mgr.Start(a.ctx)
	a.mcol.Start()
	if a.bridge != nil {
		a.bridge.Start()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWebSocket)

	httpServer := &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	a.httpServer = httpServer

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("http accept loop error")
		}
	}()

	// /health and /metrics are served on their own address so operators
	// can keep them off the public STOMP listener entirely.
	metricsLn, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return err
	}
	a.metricsLn = metricsLn

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/health", a.handleHealth)
	metricsMux.Handle("/metrics", metrics.Handler())

	metricsSrv := &http.Server{
		Handler:        metricsMux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	a.metricsSrv = metricsSrv

	go func() {
		if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("metrics http accept loop error")
		}
	}()

	a.log.Info().Str("addr", a.cfg.Addr).Str("metrics_addr", a.cfg.MetricsAddr).Bool("cluster_enabled", a.mgr.Enabled()).Bool("kafka_bridge_enabled", a.bridge != nil).Msg("socketbox started")
	return nil
}

// Shutdown stops accepting new work and lets existing components close
// in reverse dependency order.
func (a *app) Shutdown() {
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(shutdownCtx)
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	a.mgr.Shutdown()
	a.mcol.Stop()
	a.guard.Stop()
	a.cancel()
	a.log.Info().Msg("socketbox stopped")
}

func (a *app) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !a.guard.AllowConnectionFrom(host) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if accept, reason := a.guard.ShouldAcceptConnection(); !accept {
		metrics.ConnectionsFailed.Inc()
		a.log.Debug().Str("reason", reason).Msg("connection rejected")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	managementHeader := r.Header.Get("socketbox-management")
	nameHeader := r.Header.Get("socketbox-management-name")

	rawConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsFailed.Inc()
		a.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newWSConn(rawConn, a.log)

	if a.mgr.Enabled() {
		class := a.mgr.ClassifyAndRegister(c, managementHeader, nameHeader)
		switch class {
		case cluster.ClassManagement:
			go c.writePump()
			go a.runManagementLink(c, nameHeader)
			return
		case cluster.ClassSelf:
			go c.writePump()
			go a.runSelfLink(c)
			return
		}
	}

	a.guard.ConnectionOpened()
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	go c.writePump()
	go a.runSTOMPLink(c)
}

func (a *app) runManagementLink(c *wsConn, peerName string) {
	defer func() {
		a.mgr.Unregister(c.ID())
		c.close()
	}()
	c.readLoop(func(payload []byte) {
		a.mgr.HandleInboundText(peerName, string(payload))
	})
}

func (a *app) runSelfLink(c *wsConn) {
	defer func() {
		a.mgr.Unregister(c.ID())
		c.close()
	}()
	c.readLoop(func([]byte) {})
}

func (a *app) runSTOMPLink(c *wsConn) {
	defer func() {
		a.broker.Disconnect(c)
		if a.mgr.Enabled() {
			a.mgr.Unregister(c.ID())
		}
		a.guard.ConnectionClosed()
		metrics.ConnectionsActive.Dec()
		c.close()
	}()
	c.readLoop(func(raw []byte) {
		msg, heartbeat, err := stomp.Parse(raw)
		if err != nil {
			a.log.Debug().Err(err).Msg("malformed stomp frame, closing connection")
			c.close()
			return
		}
		if heartbeat {
			_ = c.SendText(string(stomp.HeartbeatReply))
			return
		}
		msg.SourceChannelID = c.ID()
		metrics.FramesReceivedTotal.WithLabelValues(msg.Command).Inc()
		if err := a.broker.Handle(c, msg); err != nil {
			a.log.Debug().Err(err).Str("command", msg.Command).Msg("frame handling failed")
		}
	})
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{
		"status":          "ok",
		"cluster_enabled": a.mgr.Enabled(),
		"cluster_manager": a.mgr.IsManager(),
		"resources":       a.guard.Stats(),
	}
	_ = json.NewEncoder(w).Encode(body)
}
