package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfleet/ordersync/internal/alerts"
	"github.com/quantfleet/ordersync/internal/audit"
	"github.com/quantfleet/ordersync/internal/config"
	"github.com/quantfleet/ordersync/internal/db"
	"github.com/quantfleet/ordersync/internal/exchange"
	"github.com/quantfleet/ordersync/internal/metrics"
	"github.com/quantfleet/ordersync/internal/reconcile"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	migrateOnly := flag.Bool("migrate", false, "Apply database migrations and exit")
	migrationsDir := flag.String("migrations", "migrations", "Migrations directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting order reconciler")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrateOnly {
		os.Exit(runMigrations(ctx, cfg, *migrationsDir))
	}

	if err := config.ResolveExchangeCredentials(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve exchange credentials")
	}

	registry, err := db.NewRegistry(ctx, cfg.Reconciler.TradingModes, cfg.Databases)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect trading-mode databases")
	}
	defer registry.Close()

	// Redis is optional; without it the daemon just skips the last-run
	// snapshot.
	var statusStore *metrics.StatusStore
	if cfg.Redis.Host != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		statusStore = metrics.NewStatusStore(redisClient)
	}

	notifiers := reconcile.FanOut{reconcile.LogNotifier{}}
	if statusStore != nil {
		notifiers = append(notifiers, statusNotifier{status: statusStore})
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		notifiers = append(notifiers, reconcile.NewNATSNotifier(nc, cfg.NATS.SubjectPrefix))
	}

	var alertChannels []alerts.Alerter
	if cfg.Alerting.TelegramToken != "" {
		telegram, err := alerts.NewTelegramAlerter(cfg.Alerting.TelegramToken, cfg.Alerting.TelegramChatIDs)
		if err != nil {
			log.Error().Err(err).Msg("Telegram alerting disabled")
		} else {
			alertChannels = append(alertChannels, telegram)
		}
	}
	alerter := alerts.NewManager(alertChannels...)

	factory := exchange.NewConfigFactory(cfg.Exchanges, exchange.RetryConfig{
		MaxRetries:     cfg.Reconciler.RetryAttempts,
		InitialBackoff: cfg.Reconciler.RetryBackoff,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	})

	auditors := make(map[db.TradingMode]*audit.Logger)
	for _, mode := range registry.Modes() {
		store, err := registry.Store(mode)
		if err != nil {
			continue
		}
		auditors[mode] = audit.NewLogger(store.Pool(), mode, true)
	}

	service := reconcile.NewService(cfg.Reconciler, registry, factory, notifiers, alerter, auditors)
	service.Start()

	var promServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		promServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		if err := promServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
		}
	}

	httpServer := NewHTTPServer(cfg.API.GetAPIAddr(), service, registry, statusStore)
	httpServer.Start()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if promServer != nil {
		if err := promServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	// Drains any in-flight cycle before returning.
	service.Stop()

	log.Info().Msg("Order reconciler stopped")
}

func runMigrations(ctx context.Context, cfg *config.Config, dir string) int {
	for _, mode := range cfg.Reconciler.TradingModes {
		dbCfg, ok := cfg.Databases[mode]
		if !ok {
			log.Error().Str("trading_mode", mode).Msg("No database configured")
			return 1
		}

		sqlDB, err := db.OpenForMigration(dbCfg.GetDSN())
		if err != nil {
			log.Error().Err(err).Str("trading_mode", mode).Msg("Failed to open database")
			return 1
		}

		migrator := db.NewMigrator(sqlDB, dir)
		err = migrator.Migrate(ctx)
		sqlDB.Close()
		if err != nil {
			log.Error().Err(err).Str("trading_mode", mode).Msg("Migration failed")
			return 1
		}

		log.Info().Str("trading_mode", mode).Msg("Migrations applied")
	}
	return 0
}
