// Command woly-hub runs the command-and-control backend's core: the
// durable command queue, the dispatch/retry router, the host aggregator,
// the event bus and its webhook/push plugins, and the node-agent
// WebSocket transport. The operator REST API and node/operator
// authentication are owned by a separate layer — this binary exposes only
// the ambient /healthz and /metrics surface plus the bare node transport
// endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/config"
	"github.com/woly/hub/internal/events"
	"github.com/woly/hub/internal/host"
	"github.com/woly/hub/internal/metrics"
	"github.com/woly/hub/internal/node"
	"github.com/woly/hub/internal/push"
	"github.com/woly/hub/internal/router"
	"github.com/woly/hub/internal/store"
	"github.com/woly/hub/internal/transport"
	"github.com/woly/hub/internal/webhook"
)

func main() {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("fatal error")
	}
}

func newLogger() zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	cmdStore := store.NewCommandStore(logger, db)
	hostStore := store.NewHostStore(logger, db)
	historyStore := store.NewHistoryStore(logger, db)
	webhookStore := store.NewWebhookStore(logger, db)
	pushStore := store.NewPushStore(logger, db)

	if n, err := cmdStore.ReconcileStaleInFlight(cfg.CommandTimeout); err != nil {
		logger.Error().Err(err).Msg("startup reconciliation of stale in-flight commands failed")
	} else if n > 0 {
		logger.Info().Int64("count", n).Msg("reconciled stale in-flight commands to timed_out on startup")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	nodeRegistry := node.NewRegistry(logger, cfg.NodeHeartbeatInterval, cfg.NodeTimeout)
	aggregator := host.NewAggregator(logger, hostStore, historyStore)

	cmdRouter := router.New(logger, cmdStore, aggregator, nodeRegistry, m, router.Config{
		CommandTimeout:        cfg.CommandTimeout,
		CommandMaxRetries:     cfg.CommandMaxRetries,
		CommandRetryBaseDelay: cfg.CommandRetryBaseDelay,
		OfflineCommandTTL:     cfg.OfflineCommandTTL,
	})
	defer cmdRouter.Shutdown()

	bus := events.New(logger)
	bridge := events.NewPluginEventBridge(bus, aggregator, nodeRegistry)
	defer bridge.Shutdown()
	unsubStatusMetric := bus.Subscribe(events.TypeHostStatusTransition, func(ev events.Event) error {
		if t, ok := ev.Data.(host.StatusTransition); ok {
			m.HostStatusTransition(t.NewStatus)
		}
		return nil
	})
	defer unsubStatusMetric()

	unsubNodeDisconnected := nodeRegistry.On("node-disconnected", func(data any) {
		nodeID, ok := data.(string)
		if !ok {
			return
		}
		if _, err := aggregator.MarkNodeHostsUnreachable(nodeID); err != nil {
			logger.Error().Err(err).Str("nodeId", nodeID).Msg("failed to mark node hosts unreachable on disconnect")
		}
	})
	defer unsubNodeDisconnected()

	webhookDispatcher := webhook.New(logger, webhookStore, webhook.Config{
		DeliveryTimeout: cfg.WebhookDeliveryTimeout,
		BaseDelay:       cfg.WebhookRetryBaseDelay,
	})
	webhookDispatcher.SetMetrics(m)
	defer webhookDispatcher.Shutdown()
	unsubWebhook := webhookDispatcher.Subscribe(bus)
	defer unsubWebhook()

	pushDispatcher := buildPushDispatcher(logger, cfg, pushStore, m)
	defer pushDispatcher.Shutdown()
	unsubPush := pushDispatcher.Subscribe(bus)
	defer unsubPush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeRegistry.StartHeartbeatSweep(ctx)

	c := startScheduledMaintenance(logger, cfg, cmdStore, aggregator)
	defer c.Stop()

	httpServer := buildHTTPServer(cfg, logger, reg, nodeRegistry, aggregator)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	_ = cmdRouter // keep reference; wired into the (out-of-scope) operator API by the caller

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	return nil
}

// buildPushDispatcher constructs the FCM/APNS providers from config,
// leaving a platform's provider nil (and its devices silently skipped)
// when credentials aren't configured.
func buildPushDispatcher(logger zerolog.Logger, cfg *config.Config, pushStore *store.PushStore, m *metrics.Metrics) *push.Dispatcher {
	var fcm push.Provider
	var apns push.Provider
	if cfg.PushNotificationsEnabled {
		if cfg.FCMServerKey != "" {
			fcm = push.NewFCMProvider(cfg.FCMServerKey)
		}
		if cfg.APNSBearerToken != "" {
			apns = push.NewAPNSProvider(cfg.APNSBearerToken, cfg.APNSTopic, cfg.APNSHost)
		}
	}
	d := push.New(logger, pushStore, fcm, apns, cfg.PushNotificationsEnabled)
	d.SetMetrics(m)
	return d
}

// startScheduledMaintenance runs the daily retention/pruning sweep on
// cfg.PruneSchedule, using a cron expression via robfig/cron rather than a
// fixed time.Ticker.
func startScheduledMaintenance(logger zerolog.Logger, cfg *config.Config, cmdStore *store.CommandStore, aggregator *host.Aggregator) *cron.Cron {
	l := logger.With().Str("component", "retention_sweep").Logger()
	c := cron.New()
	_, err := c.AddFunc(cfg.PruneSchedule, func() {
		if n, err := cmdStore.PruneOldCommands(cfg.CommandRetentionDays); err != nil {
			l.Error().Err(err).Msg("command pruning failed")
		} else if n > 0 {
			l.Info().Int64("count", n).Msg("pruned old commands")
		}
		if n, err := aggregator.PruneHostStatusHistory(cfg.HistoryRetentionDays); err != nil {
			l.Error().Err(err).Msg("host status history pruning failed")
		} else if n > 0 {
			l.Info().Int64("count", n).Msg("pruned host status history")
		}
	})
	if err != nil {
		l.Fatal().Err(err).Str("schedule", cfg.PruneSchedule).Msg("invalid prune schedule")
	}
	c.Start()
	return c
}

// buildHTTPServer assembles the ambient /healthz and /metrics mux plus
// the bare node-agent transport endpoint, narrowed from a
// full chi router (internal/dashboard/handlers.go) to only what this
// core owns.
func buildHTTPServer(cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry, nodeRegistry *node.Registry, aggregator *host.Aggregator) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ts := transport.NewServer(logger, nodeRegistry, aggregator)
	r.Get("/nodes/{nodeID}/ws", func(w http.ResponseWriter, r *http.Request) {
		nodeID := chi.URLParam(r, "nodeID")
		ts.Handler(nodeID)(w, r)
	})

	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func waitForShutdown(logger zerolog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("shutting down")
}
