// G3 engine server: multi-agent code generation with live event streaming.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"g3-engine/internal/ai"
	"g3-engine/internal/config"
	"g3-engine/internal/engine"
	"g3-engine/internal/handlers"
	"g3-engine/internal/logging"
	"g3-engine/internal/websocket"
)

func main() {
	logging.Init()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.S().Fatalf("configuration error: %v", err)
	}
	defer logging.Sync()
	log := logging.L()

	log.Info("starting G3 engine",
		zap.String("port", cfg.Port),
		zap.String("environment", cfg.Environment))

	store, err := engine.NewGormStore(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatal("store initialization failed", zap.Error(err))
	}

	limiter := ai.NewRateLimiter(cfg.MaxRequestsPerMinute, cfg.MaxConcurrent, cfg.MinInterval)
	router := ai.NewModelRouter(nil)
	if err := router.Validate(); err != nil {
		log.Fatal("router configuration invalid", zap.Error(err))
	}
	clients := ai.NewClientSet(cfg.ClaudeAPIKey, cfg.GeminiAPIKey, cfg.DeepSeekAPIKey)

	gateway := engine.NewModelGateway(limiter, router, clients, engine.RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		AcquireTimeout: cfg.AcquireTimeout,
	})

	broadcaster := websocket.NewBroadcaster()
	if cfg.RedisURL != "" {
		relay, err := websocket.NewRedisRelay(cfg.RedisURL)
		if err != nil {
			log.Warn("redis relay unavailable, running single-node", zap.Error(err))
		} else {
			broadcaster.SetRelay(relay)
			defer relay.Close()
			log.Info("redis event relay connected")
		}
	}

	orchestrator := engine.NewOrchestrator(store, gateway, engine.NewStaticVerifier(), broadcaster, cfg.MaxRounds)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	handlers.New(orchestrator, store, broadcaster, limiter).RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
	log.Info("stopped")
}
