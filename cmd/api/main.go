package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwebster45206/bazaar-engine/internal/agents"
	"github.com/jwebster45206/bazaar-engine/internal/config"
	"github.com/jwebster45206/bazaar-engine/internal/handlers"
	"github.com/jwebster45206/bazaar-engine/internal/logger"
	"github.com/jwebster45206/bazaar-engine/internal/pipeline"
	"github.com/jwebster45206/bazaar-engine/internal/services/events"
	"github.com/jwebster45206/bazaar-engine/internal/session"
	"github.com/jwebster45206/bazaar-engine/internal/storage"
	"github.com/jwebster45206/bazaar-engine/internal/worldstore"
)

const janitorInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	log := logger.Setup(cfg)

	log.Info("Starting Bazaar Engine API",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"interpreter", cfg.Interpreter,
		"debug", cfg.Debug)

	pipelineCfg := pipeline.Config{
		QueueDepth: cfg.PipelineQueueDepth,
		Timeout:    cfg.CollaboratorTimeout,
		Verifier:   agents.NewVerifier(),
		Executor:   agents.NewExecutor(),
		Planner:    agents.NewPlanner(),
		Logger:     log,
	}
	registryCfg := session.Config{
		IdleTimeout: cfg.SessionIdleTimeout,
		Logger:      log,
	}
	routerCfg := handlers.RouterConfig{
		Debug: cfg.Debug,
		WebSocket: handlers.WebSocketConfig{
			PingInterval:   cfg.WSPingInterval,
			PongTimeout:    cfg.WSPongTimeout,
			AllowedOrigins: cfg.AllowedOrigins,
		},
		Logger: log,
	}

	// Redis is optional: without it sessions live in memory only.
	var redisStorage *storage.RedisStorage
	if cfg.RedisURL != "" {
		redisStorage, err = storage.NewRedisStorage(cfg.RedisURL, cfg.SessionSnapshotTTL, log)
		if err != nil {
			log.Error("Invalid Redis configuration", "error", err)
			os.Exit(1)
		}
		storageCtx, storageCancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = redisStorage.WaitForConnection(storageCtx)
		storageCancel()
		if err != nil {
			log.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		log.Info("Redis connection established successfully")

		broadcaster := events.NewBroadcaster(redisStorage.Client(), log)
		pipelineCfg.Locker = pipeline.NewRedisLocker(redisStorage.Client(), log)
		pipelineCfg.Events = broadcaster
		registryCfg.Snapshots = redisStorage
		registryCfg.Events = broadcaster
		routerCfg.Redis = redisStorage
		routerCfg.Events = broadcaster
		registryCfg.Worlds = worldstore.New(redisStorage, log)
	} else {
		log.Warn("REDIS_URL not set, sessions will not survive a restart")
		registryCfg.Worlds = worldstore.New(nil, log)
	}

	var history *storage.HistoryStore
	if cfg.HistoryDBPath != "" {
		history, err = storage.NewHistoryStore(cfg.HistoryDBPath)
		if err != nil {
			log.Error("Failed to open interaction history", "path", cfg.HistoryDBPath, "error", err)
			os.Exit(1)
		}
		pipelineCfg.History = history
		registryCfg.History = history
		routerCfg.History = history
		log.Info("Interaction history enabled", "path", cfg.HistoryDBPath)
	}

	switch cfg.Interpreter {
	case "llm":
		chatModel, err := cfg.AI.NewChatModel(context.Background())
		if err != nil {
			log.Warn("LLM interpreter unavailable, falling back to rules and curriculum", "error", err)
			pipelineCfg.Interpreter = agents.NewRuleInterpreter()
			break
		}
		pipelineCfg.Interpreter = agents.NewLLMInterpreter(chatModel, log)
		pipelineCfg.Planner = agents.NewLLMPlanner(chatModel, log)
		log.Info("Using LLM interpreter and planner", "model", cfg.AI.Model)
	default:
		pipelineCfg.Interpreter = agents.NewRuleInterpreter()
	}

	if cfg.TTS.Enabled() {
		pipelineCfg.Synth = agents.NewVoiceSynth(cfg.TTS)
		log.Info("Voice synthesis enabled", "model", cfg.TTS.Model, "voice", cfg.TTS.Voice)
	}

	registryCfg.Pipeline = pipelineCfg
	registry, err := session.NewRegistry(registryCfg)
	if err != nil {
		log.Error("Failed to build session registry", "error", err)
		os.Exit(1)
	}
	routerCfg.Registry = registry

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go registry.Run(janitorCtx, janitorInterval)

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handlers.NewRouter(routerCfg),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: websocket and SSE connections are long lived.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("Server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Server is shutting down...")

	stopJanitor()
	// Closing sessions ends their websockets, which Shutdown does not wait for.
	registry.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	if history != nil {
		if err := history.Close(); err != nil {
			log.Error("Error closing interaction history", "error", err)
		}
	}
	if redisStorage != nil {
		if err := redisStorage.Close(); err != nil {
			log.Error("Error closing Redis connection", "error", err)
		}
	}

	log.Info("Server exited")
}
