// main is the entry point of the Vigil fleet telemetry and control panel.
// It initializes the configuration, logger, database, GeoIP provider, fleet
// polling, and the HTTP API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/skaldin/vigil/internal/broadcast"
	"github.com/skaldin/vigil/internal/bus"
	"github.com/skaldin/vigil/internal/cache"
	"github.com/skaldin/vigil/internal/config"
	"github.com/skaldin/vigil/internal/fleet"
	"github.com/skaldin/vigil/internal/geoip"
	"github.com/skaldin/vigil/internal/kick"
	"github.com/skaldin/vigil/internal/logger"
	"github.com/skaldin/vigil/internal/maintenance"
	"github.com/skaldin/vigil/internal/mgmt"
	"github.com/skaldin/vigil/internal/poller"
	"github.com/skaldin/vigil/internal/rates"
	"github.com/skaldin/vigil/internal/server"
	"github.com/skaldin/vigil/internal/sshexec"
	"github.com/skaldin/vigil/internal/storage"
)

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().Msg("Starting vigil service...")

	// GeoIP
	var geoProvider *geoip.Provider
	if !cfg.GeoIP.Disable {
		log.Info().Msg("Checking GeoIP database...")
		if err := geoip.EnsureDB(cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
			log.Error().Err(err).Msg("Failed to download GeoIP database")
		}

		var err error
		geoProvider, err = geoip.Open(cfg.GeoIP.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open GeoIP database, country tagging disabled")
			geoProvider = nil
		} else {
			defer func() {
				if err := geoProvider.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing GeoIP provider")
				}
			}()
		}
	}

	// Database
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	// Fleet inventory
	inventory, err := fleet.Load(cfg.Fleet.Inventory, cfg.SSH.KeyFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Fleet.Inventory).Msg("Failed to load fleet inventory")
	}
	log.Info().Int("nodes", len(inventory.All())).Msg("Fleet inventory loaded")

	runner := sshexec.NewRunner(cfg.SSH.KeyFile, cfg.SSH.Timeout)

	// Database maintenance
	if maintenance.Run(cfg, store, inventory, runner) {
		return
	}

	// Telemetry pipeline
	snapshots := cache.New(cfg.Poll.CacheTTL)
	defer snapshots.Close()

	events := bus.New()
	defer events.Close()

	var resolver broadcast.CountryResolver
	if geoProvider != nil {
		resolver = geoProvider
	}

	client := mgmt.NewClient(runner)
	broadcaster := broadcast.New(events, resolver)
	calculator := rates.New(snapshots, cfg.Poll.DutyCycle)

	fleetPoller := poller.New(inventory, client, calculator, snapshots, broadcaster, store, cfg.Poll.Interval, cfg.SSH.Timeout)
	fleetPoller.Start()

	kicker := kick.New(inventory, client, runner, store)

	// Init server
	srvHandler := server.New(store, snapshots, kicker, fleetPoller, events, cfg)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srvHandler.Run(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // SSE streams must not be cut off by a write deadline
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	srvHandler.Close()

	// Stop polling (waits for in-flight node polls)
	fleetPoller.Stop()

	log.Info().Msg("Server exited")
}
