package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halcyon-iot/halcyon/internal/common"
	"github.com/halcyon-iot/halcyon/internal/firmware"
	"github.com/halcyon-iot/halcyon/internal/ota"
	"github.com/halcyon-iot/halcyon/internal/registry"
	"github.com/halcyon-iot/halcyon/internal/transport"
	"github.com/halcyon-iot/halcyon/pkg/config"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Msg("starting Halcyon hub")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer cache.Close()

	store, err := firmware.NewStore(cfg.Storage.LocalPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize firmware store")
	}

	devices := registry.NewService(db, cache, cfg.OTA.PresenceTTL)

	bridge, err := transport.NewRedisTransport(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize transport bridge")
	}
	defer bridge.Close()

	orchestrator := ota.NewOrchestrator(store, devices, bridge, cfg.OTA)
	orchestrator.SetHistorySink(ota.NewDatabaseHistory(db))
	orchestrator.SetStatusCache(cache)
	store.SetInUseProbe(orchestrator.ActiveFirmware)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go orchestrator.Run(ctx)
	go func() {
		if err := bridge.Listen(ctx, orchestrator.HandleInbound); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("inbound listener stopped")
		}
	}()

	srv := newServer(cfg, store, devices, orchestrator, ota.NewDatabaseHistory(db), cache)
	router := srv.setupRouter()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting management API")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shut down")
	} else {
		log.Info().Msg("shutdown complete")
	}
}
