package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/ensemble/internal/api"
	"github.com/nidhogg/ensemble/internal/comms"
	"github.com/nidhogg/ensemble/internal/config"
	"github.com/nidhogg/ensemble/internal/evaluate"
	"github.com/nidhogg/ensemble/internal/provider"
	"github.com/nidhogg/ensemble/internal/runner"
	pgstore "github.com/nidhogg/ensemble/internal/store"
	"github.com/nidhogg/ensemble/internal/team"
	"github.com/nidhogg/ensemble/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Ensemble...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/ensemble.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Extra: pc.Extra,
		}
		if len(pc.Models) > 0 {
			provCfg.Model = pc.Models[0]
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Initialize PostgreSQL archive
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			defer ps.Close()
		}
	}

	// Team registry with the standard role set
	teams := team.NewRegistry(team.NewRoleRegistry(), logger)

	// Redis relay mirrors bus traffic onto worker streams
	if cfg.Database.Redis.URL != "" {
		relay, relayErr := comms.NewRedisRelay(cfg.Database.Redis.URL, logger)
		if relayErr != nil {
			logger.Warn("Redis unavailable, running without message relay", zap.Error(relayErr))
		} else {
			teams.SetRelay(relay)
			defer relay.Close()
		}
	}

	// Workflow engine
	library := workflow.NewLibrary(logger)
	exec := runner.NewLLMRunner(router, logger)
	evaluator := evaluate.New(logger)
	engine := workflow.NewEngine(library, teams, exec, evaluator, cfg.Orchestrator, logger)
	if pgStore != nil {
		engine.SetArchiver(pgStore)
	}

	// Build HTTP handler
	handler := api.NewHandler(teams, engine, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Ensemble listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("Ensemble stopped")
}
