package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/denver/api"
	"github.com/Aidin1998/denver/internal/config"
	"github.com/Aidin1998/denver/internal/consistency"
	"github.com/Aidin1998/denver/internal/database"
	"github.com/Aidin1998/denver/internal/ledger"
	"github.com/Aidin1998/denver/internal/lending"
	"github.com/Aidin1998/denver/internal/messaging"
	"github.com/Aidin1998/denver/internal/readstore"
	"github.com/Aidin1998/denver/internal/repository"
	"github.com/Aidin1998/denver/internal/trading/coordination"
	"github.com/Aidin1998/denver/internal/trading/engine"
	"github.com/Aidin1998/denver/internal/trading/matching"
	"github.com/Aidin1998/denver/internal/trading/orderbook"
	"github.com/Aidin1998/denver/internal/trading/settlement"
	"github.com/Aidin1998/denver/pkg/logger"
	"github.com/Aidin1998/denver/pkg/telemetry"
	"github.com/Aidin1998/denver/pkg/validation"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found or could not be loaded")
	}

	bootLogger, err := logger.NewLogger(os.Getenv("DENVER_LOG_LEVEL"))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	cfg, err := config.LoadConfig(bootLogger)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer zapLogger.Sync()

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Tracing: cfg.Telemetry.Tracing,
		Metrics: cfg.Telemetry.Metrics,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	// Read store
	db, err := database.Open(cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to read store", zap.Error(err))
	}
	store := readstore.NewGormStore(db, zapLogger)
	if cfg.Database.AutoMigrate || cfg.Database.Driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			zapLogger.Fatal("Failed to migrate read store", zap.Error(err))
		}
	}

	// Ledger client. The in-process ledger projects straight into the store.
	var client ledger.Client
	if cfg.Ledger.URL == "memory" {
		zapLogger.Warn("Using the in-process ledger; state is lost on restart")
		client = ledger.NewMemoryLedger(zapLogger, ledger.WithProjector(store))
	} else {
		client = ledger.NewHTTPClient(cfg.Ledger.URL, cfg.Ledger.Token, cfg.Ledger.ApplicationID, cfg.Ledger.WriteTimeout, zapLogger)
	}

	resolver := repository.NewResolver(store, cfg.Resolver.DefaultPrefix, cfg.Resolver.SuffixLength, zapLogger)
	repo := repository.NewLendingRepository(store, resolver, zapLogger)

	// Match events
	var publisher settlement.Publisher = messaging.NopPublisher{}
	var matchPublisher *messaging.MatchPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		writer := messaging.NewKafkaWriter(messaging.PublisherConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		matchPublisher = messaging.NewMatchPublisher(writer, cfg.Kafka.Topic, zapLogger)
		publisher = matchPublisher
		zapLogger.Info("Publishing match events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// Matching engine
	mode, err := matching.ParseMode(cfg.Matching.Mode)
	if err != nil {
		zapLogger.Fatal("Invalid matching mode", zap.Error(err))
	}
	submitter := settlement.NewSubmitter(client, resolver, repo, publisher, settlement.Options{
		Form:         cfg.Matching.SettlementForm(),
		Mode:         mode,
		Platform:     cfg.Ledger.PlatformParty,
		WriteTimeout: cfg.Ledger.WriteTimeout,
		Concurrency:  cfg.Matching.Concurrency,
	}, zapLogger)
	book := orderbook.NewAggregator(repo, zapLogger)
	matchingEngine := engine.NewEngine(book, submitter, matching.Rules{
		Mode:          mode,
		RatePrecision: cfg.Matching.RatePrecision,
	}, zapLogger)

	var lock engine.DistributedLock
	if cfg.Redis.Address != "" {
		rdb := coordination.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
		lock = coordination.NewRedisLock(rdb, cfg.Redis.LockKey, cfg.Redis.LockTTL, zapLogger)
		zapLogger.Info("Matching lock enabled", zap.String("redis", cfg.Redis.Address), zap.String("key", cfg.Redis.LockKey))
	}
	scheduler := engine.NewScheduler(matchingEngine, cfg.Matching.Interval, lock, zapLogger)

	// Market service
	service := lending.NewService(client, repo, validation.NewValidator(zapLogger), lending.Config{
		Platform:     cfg.Ledger.PlatformParty,
		WriteTimeout: cfg.Ledger.WriteTimeout,
		Retry: consistency.Policy{
			MaxAttempts:  cfg.Consistency.MaxAttempts,
			InitialDelay: cfg.Consistency.InitialDelay,
			Logger:       zapLogger,
		},
	}, zapLogger)

	if cfg.Auth.JWTSecret == "" {
		zapLogger.Warn("auth.jwt_secret is empty; every bearer token will be rejected")
	}
	apiServer := api.NewServer(zapLogger, service, book, scheduler, api.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		AdminRole:      cfg.Auth.AdminRole,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
	})

	if cfg.Matching.Enabled {
		if err := scheduler.Start(ctx); err != nil {
			zapLogger.Fatal("Failed to start matching scheduler", zap.Error(err))
		}
		zapLogger.Info("Matching enabled",
			zap.String("mode", string(mode)),
			zap.String("settlement", submitter.Form()),
			zap.Duration("interval", cfg.Matching.Interval))
	}

	// Start HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	if cfg.Matching.Enabled {
		if err := scheduler.Stop(); err != nil {
			zapLogger.Error("Failed to stop matching scheduler", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down API server", zap.Error(err))
	}
	if matchPublisher != nil {
		if err := matchPublisher.Close(); err != nil {
			zapLogger.Error("Failed to close match publisher", zap.Error(err))
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush telemetry", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	zapLogger.Info("Server exited properly", zap.Time("at", time.Now().UTC()))
}
