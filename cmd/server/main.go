package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/callsignal/internal/adapter/driven/metrics"
	handler "github.com/Wyydra/callsignal/internal/adapter/driving/http"
	"github.com/Wyydra/callsignal/internal/config"
	"github.com/Wyydra/callsignal/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.LogFormat == config.LogFormatText {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Caller().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	m := metrics.NewPrometheus()
	registry := service.NewCallRegistry(m)
	heartbeat := service.NewHeartbeatSupervisor(registry, cfg.HeartbeatInterval)

	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	h := handler.NewHandler(sessionCtx, cfg, registry, m)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.NewRouter(),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Starting signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Hijacked WebSocket connections outlive srv.Shutdown.
	cancelSessions()
	if err := h.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("Sessions still running at shutdown deadline")
	}
	registry.Close()
	heartbeat.Stop()

	log.Info().Msg("Server exited")
}
