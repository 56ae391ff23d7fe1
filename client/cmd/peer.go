package main

import (
	"context"
	"errors"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/client/media"
	"github.com/adwski/webrtc-mesh/client/negotiation"
	"github.com/adwski/webrtc-mesh/client/peer"
	"github.com/adwski/webrtc-mesh/client/pionengine"
	"github.com/adwski/webrtc-mesh/client/signal"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const defaultDialTimeout = 5 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)

	var (
		signalURL  = fs.StringP("signal-url", "s", "ws://localhost:8888/ws", "coordinator websocket url")
		roomID     = fs.StringP("room", "r", "", "room to enter")
		create     = fs.BoolP("create", "c", false, "create the room instead of joining it")
		logLevel   = fs.StringP("log-level", "l", "info", "log level")
		pionLevel  = fs.String("pion-log-level", "warn", "log level of the media engine internals")
		iceServers = fs.StringSlice("ice-server", []string{"stun:stun.l.google.com:19302"}, "ICE server url")
		portMin    = fs.Uint16("ice-port-min", 0, "lower bound of ICE UDP ports")
		portMax    = fs.Uint16("ice-port-max", 0, "upper bound of ICE UDP ports")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *roomID == "" {
		logger.Fatal().Msg("room is required")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)
	pLvl, err := zerolog.ParseLevel(*pionLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse pion loglevel")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := pionengine.NewFactory(pionengine.Config{
		Logger:       &logger,
		PionLogLevel: pLvl,
		ICEServers:   *iceServers,
		PortMin:      *portMin,
		PortMax:      *portMax,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize media engine")
	}

	local, err := media.Acquire(ctx, "local", &media.SampleCapturer{StreamID: "local"})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to acquire local media")
	}
	defer local.Stop()

	dialCtx, dialCancel := context.WithTimeout(ctx, defaultDialTimeout)
	conn, err := signal.Dial(dialCtx, *signalURL, &logger)
	dialCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to coordinator")
	}
	defer func() { _ = conn.Close() }()

	mgr, err := peer.NewManager(peer.Config{
		Signaler: conn,
		Engine:   engine,
		Local:    local,
		Logger:   &logger,
		OnStateChange: func(p model.ConnID, from, to negotiation.State) {
			logger.Info().
				Str("peer", string(p)).
				Stringer("from", from).
				Stringer("to", to).
				Msg("session state")
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create peer manager")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx, conn.Incoming()) }()

	if *create {
		err = mgr.CreateRoom(ctx, *roomID)
	} else {
		err = mgr.JoinRoom(ctx, *roomID)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to enter room")
	}

	for {
		select {
		case err = <-mgr.Errors():
			logger.Error().Err(err).Msg("coordinator refused request")
			var relayErr *peer.RelayError
			if errors.As(err, &relayErr) && relayErr.Code == model.ErrCodeRoomNotFound {
				cancel()
			}
		case err = <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("peer stopped")
			}
			return
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			leaveCtx, leaveCancel := context.WithTimeout(context.Background(), time.Second)
			if err = mgr.LeaveRoom(leaveCtx); err != nil && !errors.Is(err, peer.ErrNotInRoom) {
				logger.Error().Err(err).Msg("failed to leave room")
			}
			leaveCancel()
			<-runErr
			return
		}
	}
}
