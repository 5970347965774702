package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/roomsync/coordinator/internal/v1/auth"
	"github.com/roomsync/coordinator/internal/v1/bus"
	"github.com/roomsync/coordinator/internal/v1/clocksync"
	"github.com/roomsync/coordinator/internal/v1/config"
	"github.com/roomsync/coordinator/internal/v1/gateway"
	"github.com/roomsync/coordinator/internal/v1/health"
	"github.com/roomsync/coordinator/internal/v1/logging"
	"github.com/roomsync/coordinator/internal/v1/middleware"
	"github.com/roomsync/coordinator/internal/v1/playback"
	"github.com/roomsync/coordinator/internal/v1/presence"
	"github.com/roomsync/coordinator/internal/v1/ratelimit"
	"github.com/roomsync/coordinator/internal/v1/repo"
	"github.com/roomsync/coordinator/internal/v1/roomstate"
	"github.com/roomsync/coordinator/internal/v1/vote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("no .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("running in DEVELOPMENT MODE - auth validation may be relaxed")
	}

	var validator gateway.TokenValidator
	if !cfg.SkipAuth {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
			os.Exit(1)
		}
		authValidator, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("auth0 validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
		validator = authValidator
	} else {
		slog.Warn("authentication DISABLED for development - do not use in production")
		validator = &auth.MockValidator{}
	}

	repoStore, err := repo.Open(cfg.SQLitePath)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer repoStore.Close()

	var busSvc *bus.Service
	if cfg.RedisEnabled {
		busSvc, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer busSvc.Close()
		slog.Info("multi-instance mode: redis bus connected", "addr", cfg.RedisAddr)
	} else {
		slog.Info("single-instance mode: redis disabled")
	}

	rl, err := ratelimit.NewRateLimiter(cfg, busSvc.Client())
	if err != nil {
		slog.Error("failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	registry := presence.NewRegistry(busSvc, repoStore, cfg.ConnectionTTLS)
	state := roomstate.NewStore()
	clock := clocksync.NewService(registry)

	hubCfg := gateway.Config{
		Playback: playback.Config{
			DefaultBufferMs: int64(cfg.DefaultBufferMs),
			MaxBufferMs:     int64(cfg.MaxBufferMs),
			RTTMultiplier:   int64(cfg.RTTMultiplier),
			SyncTickMs:      int64(cfg.SyncTickMs),
		},
		Vote: vote.Config{
			TTLSeconds:             cfg.VoteTTLS,
			MutinyCooldownSeconds:  cfg.MutinyCooldownS,
			DefaultMutinyThreshold: cfg.MutinyThreshold,
			DefaultDjCooldownMin:   cfg.DjCooldownMin,
		},
		ChatMaxLen:     2000,
		AllowedOrigins: splitOrigins(cfg.AllowedOrigins),
	}
	hub := gateway.NewHub(hubCfg, validator, registry, state, clock, repoStore, busSvc, rl)

	router := gin.Default()
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsCfg))
	router.Use(gin.Recovery())

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/room", hub.ServeWs)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(repoStore, busSvc)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("room coordination server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server")

	hub.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server exiting")
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
