package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cellar/internal/config"
	"cellar/internal/conversation"
	"cellar/internal/domain"
	"cellar/internal/handler"
	"cellar/internal/identify"
	"cellar/internal/logger"
	"cellar/internal/matcher"
	"cellar/internal/persistence"
	"cellar/internal/port"
	"cellar/internal/provider"
	"cellar/internal/repository/postgres"
	"cellar/internal/router"
	"cellar/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewDB(&cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Snapshot store
	var (
		store port.SnapshotStore
		rdb   redis.UniversalClient
	)
	switch cfg.Snapshot.Store {
	case "redis":
		client, err := persistence.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		rdb = client
		store = persistence.NewRedisStore(client, cfg.Snapshot.KeyPrefix, cfg.Snapshot.QuotaBytes, cfg.Session.Timeout)
	default:
		store = persistence.NewMemoryStore(cfg.Snapshot.QuotaBytes)
	}

	tiers, err := buildTiers(&cfg.Agent)
	if err != nil {
		return err
	}

	// Initialize repositories
	m := matcher.New(matcher.Options{
		Threshold:      cfg.Matcher.Threshold,
		MinTokenLength: cfg.Matcher.MinTokenLength,
		MaxSimilar:     cfg.Matcher.MaxSimilar,
	})
	catalogRepo := postgres.NewCatalogRepo(db, m)
	cellarRepo := postgres.NewCellarRepo(db)

	// Initialize services
	agentSvc := service.NewAgentService(ctx, service.AgentConfig{
		Tiers: tiers,
		Identify: identify.Config{
			EscalationThreshold: cfg.Agent.EscalationThreshold,
			MaxRetries:          cfg.Agent.MaxRetries,
			RetryBaseDelay:      cfg.Agent.RetryBaseDelay,
		},
		Session: conversation.Options{
			StrictTransitions: cfg.Agent.StrictTransitions,
			MaxMessages:       cfg.Session.MaxMessages,
			PacingDelay:       cfg.Session.PacingDelay,
			Timeout:           cfg.Session.Timeout,
			SnapshotVersion:   cfg.Session.SnapshotVersion,
		},
		Persistence: persistence.Config{
			Debounce:        cfg.Session.PersistDebounce,
			DegradedHistory: cfg.Session.DegradedHistory,
			SnapshotVersion: cfg.Session.SnapshotVersion,
			Timeout:         cfg.Session.Timeout,
		},
	}, catalogRepo, cellarRepo, store, log)
	defer agentSvc.Close()

	// Initialize handlers
	agentH := handler.NewAgentHandler(agentSvc, log)
	healthH := handler.NewHealthHandler(db, rdb)

	// Setup router
	r := router.Setup(log, cfg.CORS.AllowedOrigins, agentH, healthH)

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Port), zap.Int("tiers", len(tiers)))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		_ = srv.Close()
	}
	log.Info("server stopped")
	return nil
}

// buildTiers creates a provider for every tier with a primary configured.
// Tier 1 is required.
func buildTiers(cfg *config.AgentConfig) (identify.TierSet, error) {
	tiers := make(identify.TierSet)
	for n := 1; n <= len(cfg.Tiers); n++ {
		tc := cfg.Tier(n)
		if !tc.Primary.Configured() {
			continue
		}
		p, err := provider.NewTierProvider(tc)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", n, err)
		}
		tiers[domain.Tier(n)] = identify.TierSpec{
			Provider: p,
			// Model is left to each provider so a fallback uses its own default.
			Options: port.CompletionOptions{
				MaxTokens:    tc.MaxTokens,
				Temperature:  tc.Temperature,
				JSONResponse: true,
				EnableSearch: tc.EnableSearch,
			},
		}
	}
	if _, ok := tiers[domain.Tier1]; !ok {
		return nil, errors.New("tier 1 has no provider configured")
	}
	return tiers, nil
}
