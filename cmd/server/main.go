package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/escrow/internal/api"
	"github.com/xtrntr/escrow/internal/auth"
	"github.com/xtrntr/escrow/internal/config"
	"github.com/xtrntr/escrow/internal/db"
	"github.com/xtrntr/escrow/internal/escrow"
	"github.com/xtrntr/escrow/internal/events"
	"github.com/xtrntr/escrow/internal/evidence"
	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/logging"
	"github.com/xtrntr/escrow/internal/models"
)

// Main entry point: loads config, restores the ledger and serves the API
func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mode, err := ledger.ParsePremiumMode(cfg.Ledger.PremiumMode)
	if err != nil {
		log.WithError(err).Fatal("invalid premium mode")
	}
	opts := ledger.Options{
		Capacity:    cfg.Ledger.OrderCapacity,
		PremiumMode: mode,
		Fees: &models.Fees{
			CommissionFee:   cfg.Ledger.CommissionFee,
			OracleFee:       cfg.Ledger.OracleFee,
			PremiumCost:     cfg.Ledger.PremiumCost,
			SellerInsurance: cfg.Ledger.SellerInsurance,
		},
	}

	var database *db.DB
	if cfg.Database.URL != "" {
		database, err = db.NewDB(ctx, cfg.Database.URL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		defer database.Close(context.Background())
		opts.Journal = database
	}

	l, err := openLedger(ctx, database, models.AccountID(cfg.Ledger.Admin), opts, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open ledger")
	}

	var reg evidence.Registry = evidence.NewMemoryRegistry()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("failed to reach redis")
		}
		defer client.Close()
		reg = evidence.NewRedisRegistry(client, cfg.Redis.EvidenceTTL, "")
	} else {
		log.Warn("redis not configured, payment evidence is only deduplicated in process")
	}

	credentials := make(map[models.AccountID]string, len(cfg.Auth.Credentials))
	for _, c := range cfg.Auth.Credentials {
		credentials[models.AccountID(c.Account)] = c.Hash
	}
	authService := auth.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, credentials)

	hub := events.NewHub(log.WithField("component", "hub"), authService.AccountFromToken, cfg.HTTP.CORSOrigins)
	publishers := events.Multi{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.TransfersTopic, registry)
		if err != nil {
			log.WithError(err).Fatal("failed to create kafka publisher")
		}
		defer kp.Close()
		publishers = append(publishers, kp)
	}

	dispatcher := escrow.NewDispatcher(l, escrow.Config{
		Address:         models.AccountID(cfg.Ledger.Address),
		SetupMinPayment: cfg.Ledger.SetupMinPayment,
	}, reg, publishers, escrow.NewMetrics(registry), log.WithField("component", "dispatcher"))

	var transfers api.TransferLister
	if database != nil {
		transfers = database
	}
	handler := api.NewHandler(dispatcher, authService, transfers, cfg.Ledger.TokenDecimals, log.WithField("component", "api"))

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Handle("/ws", hub)
	r.Mount("/", handler.Routes(api.NewHTTPMetrics(registry)))

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// openLedger restores the persisted ledger, or creates a fresh one when
// nothing is persisted yet.
func openLedger(ctx context.Context, database *db.DB, admin models.AccountID, opts ledger.Options, log *logrus.Entry) (*ledger.Ledger, error) {
	if database == nil {
		log.Warn("database not configured, ledger state lives in memory only")
		return ledger.New(admin, opts)
	}
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = ledger.DefaultCapacity
	}
	cfg, accounts, err := database.LoadSnapshot(ctx, capacity)
	if errors.Is(err, db.ErrNoSnapshot) {
		log.Info("no snapshot found, creating ledger")
		return genesis(ctx, admin, opts)
	}
	if err != nil {
		return nil, err
	}
	log.WithField("accounts", len(accounts)).Info("restored ledger snapshot")
	return ledger.Restore(cfg, accounts, opts)
}

// genesis creates a ledger and journals its initial config.
func genesis(ctx context.Context, admin models.AccountID, opts ledger.Options) (*ledger.Ledger, error) {
	l, err := ledger.New(admin, opts)
	if err != nil {
		return nil, err
	}
	tx := l.Begin()
	if err := tx.SetFees(tx.Config().Fees); err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return l, nil
}
