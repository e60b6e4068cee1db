package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gridsync/gridsync/internal/auth"
	"github.com/gridsync/gridsync/internal/config"
	"github.com/gridsync/gridsync/internal/httpapi"
	"github.com/gridsync/gridsync/internal/live"
	"github.com/gridsync/gridsync/internal/resolve"
	"github.com/gridsync/gridsync/internal/server"
	"github.com/gridsync/gridsync/internal/store/pg"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "gridsync").Logger()

	cfg := config.FromEnv()

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := pg.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()

	registry := resolve.NewRegistry()
	if err := registry.SetDefault(cfg.DefaultStrategy); err != nil {
		log.Fatal().Err(err).Str("strategy", cfg.DefaultStrategy).Msg("unknown default strategy")
	}
	detector := resolve.NewDetector()

	coord := server.New(st, detector, server.Config{
		PageSize:        cfg.PageSize,
		RetentionDays:   cfg.RetentionDays,
		MaxHistoryItems: cfg.MaxHistoryItems,
	}, log.Logger)

	hub := live.NewHub(coord, detector, registry, log.Logger)
	defer hub.Close()

	coord.StartRetentionSweep(ctx)

	rateLimit := httpapi.RateLimitInfo{
		WindowSeconds: cfg.RateLimitWindowSeconds,
		MaxRequests:   cfg.RateLimitMaxRequests,
		Burst:         cfg.RateLimitBurst,
	}
	srv := &httpapi.Server{
		Coord:           coord,
		Registry:        registry,
		RateLimitConfig: rateLimit,
		MaxUploadSize:   cfg.MaxUploadSize,
		PageSize:        cfg.PageSize,
		Live:            hub.Handler,
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: cfg.JWTSecret,
		DevMode:     cfg.DevMode,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	<-ctx.Done()

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
