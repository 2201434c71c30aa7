package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/proximity-chat/backend/config"
	httpServer "github.com/adwski/proximity-chat/backend/server/http"
	websocketServer "github.com/adwski/proximity-chat/backend/server/websocket"
	"github.com/adwski/proximity-chat/backend/service"
	store "github.com/adwski/proximity-chat/backend/storage/memory"
	sw "github.com/adwski/proximity-chat/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal().Err(err).Msg("failed to load .env file")
	}
	cfg := config.LoadHub()

	fs := pflag.NewFlagSet("hub", pflag.ContinueOnError)
	var (
		apiListenAddr  = fs.StringP("api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
		wsListenAddr   = fs.StringP("ws-listen-addr", "w", cfg.WSListenAddr, "websocket signaling listen address")
		logLevel       = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
		allowedOrigins = fs.StringSlice("allowed-origins", cfg.AllowedOrigins, "allowed websocket origins, any if empty")
		rateLimit      = fs.Float64("rate-limit", cfg.RateLimit, "inbound messages per second per connection")
		rateBurst      = fs.Int("rate-burst", cfg.RateBurst, "inbound messages burst per connection")
		maxMessageSize = fs.Int64("max-message-size", cfg.MaxMessageSize, "max inbound websocket message size")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		RosterStore: store.NewRosterStore(),
		Switch:      sw.NewSwitch(&logger),
		Logger:      &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		RosterService: svc,
		ListenAddr:    *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
		AllowedOrigins:   *allowedOrigins,
		RateLimit:        rate.Limit(*rateLimit),
		RateBurst:        *rateBurst,
		MaxMessageSize:   *maxMessageSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	logger.Info().
		Str("api", *apiListenAddr).
		Str("ws", *wsListenAddr).
		Msg("hub started")

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
