package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"refledger/pkg/bus"
	"refledger/pkg/config"
	"refledger/pkg/db"
	"refledger/pkg/telemetry"
	"refledger/services/api"
	"refledger/services/deposits"
	"refledger/services/ledger"
	"refledger/services/ledger/pgstore"
	"refledger/services/scheduler"
)

const serviceName = "ledger-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := config.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	if cfg.JWTSigningKey == "" {
		logger.Fatal().Msg("JWT_SIGNING_KEY is required")
	}
	auth, err := api.NewAuthenticator(cfg.JWTSigningKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("init authenticator")
	}

	shutdownTelemetry, traceMiddleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}

	var events ledger.Publisher
	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.Connect(cfg.NATSURL, bus.Options{Name: serviceName, Logger: logger})
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(ledger.EventsStream, ledger.EventsSubjectWildcard); err != nil {
			logger.Fatal().Err(err).Msg("ensure ledger stream")
		}
		events = eventBus
	}

	svc, err := newService(cfg, pool, events, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init ledger service")
	}

	handler, err := api.New(svc, auth, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		Middleware:     traceMiddleware,
		Gatherer:       prometheus.DefaultGatherer,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init api")
	}

	var wg sync.WaitGroup
	startDepositFeeds(ctx, &wg, cfg, svc, eventBus, logger)

	sched, err := scheduler.New(ctx, svc, scheduler.Config{VerifyInterval: cfg.Ledger.VerifyInterval}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init scheduler")
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("shutdown scheduler")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting ledger-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	wg.Wait()
}

func newService(cfg config.Config, pool *pgxpool.Pool, events ledger.Publisher, logger zerolog.Logger) (*ledger.Service, error) {
	orm, err := db.OpenORM(pool)
	if err != nil {
		return nil, err
	}
	store, err := pgstore.New(pool, orm)
	if err != nil {
		return nil, err
	}
	rate, err := cfg.CommissionRate()
	if err != nil {
		return nil, err
	}
	return ledger.NewService(store, ledger.Options{
		BaseURL:       cfg.PublicBaseURL,
		Codes:         ledger.NewCodeGenerator(cfg.Codes.MaxAttempts, cfg.Codes.SuffixLength),
		Commission:    ledger.CommissionPolicy{Rate: rate, Places: 2},
		Retry:         ledger.RetryPolicy{MaxAttempts: cfg.Ledger.RetryMaxAttempts, BaseDelay: cfg.Ledger.RetryBaseDelay},
		SummaryRowCap: cfg.Ledger.SummaryRowCap,
		Events:        events,
		Metrics:       ledger.NewMetrics(prometheus.DefaultRegisterer),
		Logger:        logger,
	})
}

// startDepositFeeds runs whichever deposit notification feeds are configured.
func startDepositFeeds(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, svc *ledger.Service, eventBus *bus.Bus, logger zerolog.Logger) {
	h := deposits.NewHandler(svc, logger)

	if cfg.Deposits.AMQPURL != "" {
		consumer, err := deposits.NewConsumer(deposits.ConsumerConfig{
			URL:      cfg.Deposits.AMQPURL,
			Queue:    cfg.Deposits.Queue,
			Prefetch: cfg.Deposits.Prefetch,
			Workers:  cfg.Deposits.Workers,
		}, h, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("init deposit consumer")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("deposit consumer stopped")
			}
		}()
	}

	if cfg.Deposits.NATSSubject != "" {
		if eventBus == nil {
			logger.Fatal().Msg("DEPOSITS_NATS_SUBJECT requires NATS_URL")
		}
		sub, err := deposits.SubscribeNATS(ctx, eventBus, cfg.Deposits.NATSSubject, h)
		if err != nil {
			logger.Fatal().Err(err).Msg("subscribe deposit notifications")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
}
