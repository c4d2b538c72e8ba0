package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"wamator/internal/auth"
	"wamator/internal/config"
	"wamator/internal/dispatch"
	"wamator/internal/events"
	"wamator/internal/hub"
	"wamator/internal/logging"
	"wamator/internal/metrics"
	"wamator/internal/middleware"
	"wamator/internal/queue"
	"wamator/internal/reconcile"
	"wamator/internal/server"
	"wamator/internal/session"
	"wamator/internal/socketio"
	"wamator/internal/store"
	"wamator/internal/transport"
	"wamator/internal/transport/wa"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLog := logging.New("info", "console")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	gin.SetMode(cfg.GinMode)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	if err := store.Migrate(cfg.DatabaseDriver, cfg.DatabaseURL, "up"); err != nil {
		return err
	}
	st, err := store.Open(ctx, store.Options{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseURL, Logger: log})
	if err != nil {
		return err
	}
	defer st.Close()

	var factory transport.Factory = transport.NoneFactory{}
	if cfg.Transport == "whatsmeow" {
		waFactory, err := wa.NewFactory(ctx, st.DB(), st.Driver(), st, log)
		if err != nil {
			return err
		}
		factory = waFactory
	}

	tokenCfg := auth.TokenConfig{Secret: cfg.MasterSecret, Expiry: cfg.TokenExpiry, Issuer: "wamator"}
	socket := socketio.NewServer(socketio.Deps{
		Tenants:     st,
		TokenConfig: tokenCfg,
		Hub:         hub.New(),
		Logger:      log,
	})
	manager := session.NewManager(session.Options{
		Store:        st,
		Factory:      factory,
		Notifier:     socket,
		Logger:       log,
		Metrics:      m,
		ReadyTimeout: cfg.ReadyTimeout,
	})

	reconciler := reconcile.New(reconcile.Options{
		Store:    st,
		Sessions: manager,
		Logger:   log,
		Metrics:  m,
		Stagger:  cfg.ReconcileStagger,
		Attempts: cfg.ReconcileTries,
		Backoff:  cfg.ReconcileBackoff,
	})
	if err := reconciler.Schedule(ctx, cfg.ReconcileCron); err != nil {
		return err
	}

	topology := queue.Topology{Queue: cfg.QueueName, DeadLetter: cfg.QueueDeadLetter}
	emitter := events.New(cfg.KafkaBrokers, cfg.EventsTopic, log)
	defer emitter.Close()

	dispatcher := dispatch.New(dispatch.Options{
		Store:         st,
		Sessions:      manager,
		Fetcher:       dispatch.NewHTTPFetcher(cfg.MediaFetchTimeout, cfg.MediaMaxBytes),
		Events:        emitter,
		Metrics:       m,
		Logger:        log,
		DefaultRegion: cfg.DefaultRegion,
		SendRate:      cfg.SendRatePerSecond,
	})
	consumer := queue.NewConsumer(queue.ConsumerOptions{
		URL:            cfg.RabbitMQURL,
		Topology:       topology,
		Prefetch:       cfg.QueuePrefetch,
		ReconnectDelay: cfg.QueueReconnect,
		Logger:         log,
		Metrics:        m,
	})
	// HTTP serves right away; jobs wait until restored sessions had a chance to come up.
	consumerDone := make(chan error, 1)
	go func() {
		reconciler.Boot(ctx, manager, cfg.SettleTimeout)
		consumerDone <- consumer.Run(ctx, dispatcher.Handle)
	}()

	publisher := queue.NewPublisher(cfg.RabbitMQURL, topology, log)
	defer publisher.Close()

	limiter := middleware.NewRateLimiter(30, time.Minute)
	go limiter.Sweep(ctx)

	router := server.NewRouter(server.Deps{
		Store:          st,
		Sessions:       manager,
		Publisher:      publisher,
		Socket:         socket,
		TokenConfig:    tokenCfg,
		Metrics:        m,
		Logger:         log,
		Origins:        cfg.AllowedOrigins(),
		ConnectLimiter: limiter,
	})

	log.Info().Int("port", cfg.Port).Str("transport", cfg.Transport).Msg("listening")
	serveErr := server.Run(ctx, cfg, router, shutdownGrace)
	if serveErr != nil && ctx.Err() == nil {
		log.Error().Err(serveErr).Msg("http server")
		stop()
	}

	// Consumer first so in-flight jobs still find their sessions.
	if err := <-consumerDone; err != nil {
		log.Error().Err(err).Msg("queue consumer")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session shutdown")
	}
	log.Info().Msg("shutdown complete")
	return serveErr
}
