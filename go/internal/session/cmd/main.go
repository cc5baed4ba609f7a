package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/roomsync/go/internal/bridge"
	"github.com/mcdev12/roomsync/go/internal/channel"
	"github.com/mcdev12/roomsync/go/internal/config"
	"github.com/mcdev12/roomsync/go/internal/session"
	"github.com/mcdev12/roomsync/go/internal/viewserver"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	log.Info().
		Str("server_url", cfg.ServerURL).
		Str("mode", cfg.Mode).
		Str("identity_file", cfg.IdentityFile).
		Msg("starting roomsync client")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	client, err := channel.Dial(dialCtx, cfg.ChannelConfig(), channel.NewFileStore(cfg.IdentityFile))
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to game server")
	}

	controller := session.NewController(client, cfg.ControllerOptions())
	defer controller.Close()
	controller.Subscribe(session.ObserverFunc(logEvent))

	var publisher *bridge.Publisher
	if cfg.BridgeEnabled() {
		publisher, err = bridge.NewPublisher(cfg.JetStreamConfig(), controller)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event bridge")
		}
		defer publisher.Close()
		controller.Subscribe(publisher)
		go publisher.Run(ctx)
	}

	var server *http.Server
	if cfg.ViewAddr != "" {
		server = viewserver.NewServer(cfg.ViewAddr, controller)
		go func() {
			log.Info().Str("addr", server.Addr).Msg("view server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("view server failed")
			}
		}()
	}

	go controller.Run(ctx)

	// Identify triggers the ready event that starts the initial sync.
	if _, err := client.Identify(ctx); err != nil {
		log.Error().Err(err).Msg("failed to identify with game server")
		stop()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case <-client.Done():
		log.Warn().Err(client.Err()).Msg("game server connection lost")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("view server shutdown failed")
		}
	}
	if err := client.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close channel")
	}

	log.Info().Msg("roomsync client shutdown complete")
}

func logEvent(event session.Event) {
	e := log.Debug().Str("event_type", string(event.Type))
	if event.RoomID != nil {
		e = e.Str("room_id", event.RoomID.String())
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	e.Msg("session event")
}
