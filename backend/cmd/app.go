package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/webrtc-mesh/backend/config"
	"github.com/adwski/webrtc-mesh/backend/metrics"
	httpServer "github.com/adwski/webrtc-mesh/backend/server/http"
	websocketServer "github.com/adwski/webrtc-mesh/backend/server/websocket"
	"github.com/adwski/webrtc-mesh/backend/service"
	store "github.com/adwski/webrtc-mesh/backend/storage/memory"
	sw "github.com/adwski/webrtc-mesh/backend/switch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rooms := store.NewMemStore()
	svc := service.NewService(service.Config{
		RoomStore:         rooms,
		Switch:            sw.NewSwitch(&logger),
		Metrics:           metrics.New(reg),
		Logger:            &logger,
		RequireSharedRoom: cfg.Relay.RequireSharedRoom,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		Rooms:         rooms,
		Gatherer:      reg,
		ListenAddr:    cfg.API.ListenAddr,
		AllowedOrigin: cfg.WS.AllowedOrigin,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WS.ListenAddr,
		AllowedOrigin:    cfg.WS.AllowedOrigin,
		MessageRate:      cfg.WS.MessageRate,
		MessageBurst:     cfg.WS.MessageBurst,
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

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
