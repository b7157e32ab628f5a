package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/httpapi"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/payments"
	"github.com/example/taxi-dispatch/internal/registry"
	"github.com/example/taxi-dispatch/internal/storage"
	"github.com/example/taxi-dispatch/internal/sweeper"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(logger, cfg.PGDSN)
	}

	var gidx geo.Geo
	if cfg.RedisAddr != "" {
		gidx = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("geo index", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		gidx = geo.NewIndex()
		logger.Info("geo index", "backend", "memory")
	}

	var (
		orderStore    storage.OrderStore
		paymentStore  storage.PaymentStore
		locationStore storage.LocationStore
		userDir       storage.UserDirectory
		driverDir     storage.DriverDirectory
		ruleStore     storage.PricingRuleStore
		promoStore    storage.PromoCodeStore
		categoryStore storage.TaxiCategoryStore
		wallet        storage.WalletLedger
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable, falling back to memory stores", "error", err)
		} else {
			orderStore = ps
			paymentStore = storage.PostgresPayments{PostgresStore: ps}
			locationStore = ps
			userDir = ps
			driverDir = storage.PostgresDrivers{PostgresStore: ps}
			ruleStore = ps
			promoStore = ps
			categoryStore = storage.PostgresCategories{PostgresStore: ps}
			wallet = ps
			logger.Info("storage", "backend", "postgres")
		}
	}
	if orderStore == nil {
		orderStore = storage.NewMemoryOrderStore()
		paymentStore = storage.NewMemoryPaymentStore()
		locationStore = storage.NewMemoryLocationStore()
		userDir = storage.NewMemoryUserDirectory()
		driverDir = storage.NewMemoryDriverDirectory()
		ruleStore = storage.NewMemoryPricingRuleStore(&models.PricingRule{
			ID: "default", BaseFare: 5000, PerKm: 1000, PerMin: 500, SurgeMultiplier: 1, Active: true,
		})
		promoStore = storage.NewMemoryPromoCodeStore()
		categoryStore = storage.NewMemoryTaxiCategoryStore()
		wallet = storage.NewMemoryWalletLedger()
		logger.Warn("storage", "backend", "memory")
	}

	reg := registry.New(logger)

	var cards dispatch.CardProcessor
	if os.Getenv("STRIPE_API_KEY") != "" {
		cards = payments.NewStripeClient()
	}

	engine := &dispatch.Engine{
		Orders:     orderStore,
		Payments:   paymentStore,
		Users:      userDir,
		Drivers:    driverDir,
		Rules:      ruleStore,
		Promos:     promoStore,
		Categories: categoryStore,
		Wallet:     wallet,
		Geo:        gidx,
		Notify:     reg,
		Cards:      cards,
		RadiusKm:   cfg.DispatchRadiusKm,
		Logger:     logger,
	}

	ing := &ingest.Service{
		Locations: locationStore,
		Drivers:   driverDir,
		Users:     userDir,
		Orders:    orderStore,
		Geo:       gidx,
		Notify:    reg,
		Logger:    logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		ing.Producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("location firehose", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	sw := &sweeper.Sweeper{
		Drivers:       driverDir,
		Locations:     locationStore,
		Geo:           gidx,
		Logger:        logger,
		OfflineAfter:  cfg.OfflineAfter,
		SweepInterval: cfg.SweepInterval,
		PurgeInterval: cfg.PurgeInterval,
		RetentionDays: cfg.RetentionDays,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sw.Run(ctx)

	api := httpapi.NewServer(engine, ing, reg, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("taxi-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// runMigrations applies the schema file once at startup when MIGRATE=true.
func runMigrations(logger *slog.Logger, dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_schema.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_schema.sql")
}
