// README: Entry point; loads config, wires services and serves the HTTP API until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"workshop/internal/app"
	"workshop/internal/config"
	httptransport "workshop/internal/http"
	"workshop/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := logging.Init(cfg.Log.Verbose, cfg.Log.Dir); err != nil {
		log.Fatal().Err(err).Msg("init logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Cache: true, Events: true})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("init services")
	}
	defer a.Close()

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.RouterDeps{
		WorkOrder: a.WorkOrder,
		Booking:   a.Booking,
		Stats:     a.Stats,
	})
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("http server")
		a.Close()
		os.Exit(1)
	}
}
