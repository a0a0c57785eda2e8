package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"BrokerLedger/internal/config"
	"BrokerLedger/internal/core"
	"BrokerLedger/internal/lock"
	"BrokerLedger/internal/observability"
	"BrokerLedger/internal/outbound"
	"BrokerLedger/internal/query"
	"BrokerLedger/internal/server"
	"BrokerLedger/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	migrationsDir := flag.String("migrations", "migrations", "path to SQL migrations")
	flag.Parse()

	log := observability.NewLogger("main")
	log.Info().Msg("brokerledger starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := store.NewMigrator(db, *migrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	st := store.NewPostgresStore(db, cfg.Engine.LockWait())

	// --- Account locker ---
	var locker lock.AccountLocker = lock.NewLocalLocker()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis ping")
		}
		locker = lock.NewRedisLocker(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis locker enabled")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("postgres")
	health.MarkUp("postgres")

	// --- Outbound events ---
	var events chan core.Event
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatal().Err(err).Msg("jetstream init")
		}
		if err := outbound.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure outbound stream")
		}

		events = make(chan core.Event, cfg.Engine.EventBuffer)
		publisher := outbound.NewPublisher(js, events, metrics)
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("outbound publisher stopped")
			}
		}()
		health.MarkUp("nats")
		log.Info().Str("url", cfg.NATS.URL).Msg("outbound publisher enabled")
	}

	// --- Engine + query ---
	engine := core.NewEngine(st, locker, metrics, core.Options{
		LockWait:         cfg.Engine.LockWait(),
		OutcomeCacheSize: cfg.Engine.OutcomeCacheSize,
		Events:           events,
	})
	queries := query.NewService(st)

	// --- HTTP ---
	router := server.New(engine, queries, health, metrics)
	apiServer := &http.Server{Addr: cfg.Server.Addr, Handler: router}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	errChan := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("api server listening")
		errChan <- apiServer.ListenAndServe()
	}()
	go func() {
		log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		errChan <- metricsServer.ListenAndServe()
	}()

	log.Info().Msg("brokerledger ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error, shutting down")
		}
	}

	health.Drain()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api server shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown")
	}
	if events != nil {
		close(events)
	}

	log.Info().Msg("brokerledger stopped")
}
