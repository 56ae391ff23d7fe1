package _switch

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/go4org/hashtriemap"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrAlreadyConnected = errors.New("endpoint is already connected")
)

// Switch holds the outbound side of every live connection.
type Switch struct {
	logger zerolog.Logger
	fwd    hashtriemap.HashTrieMap[model.ConnID, model.Wire]
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
	}
}

func (sw *Switch) Connect(endpoint model.ConnID, wire model.Wire) error {
	if _, loaded := sw.fwd.LoadOrStore(endpoint, wire); loaded {
		return ErrAlreadyConnected
	}
	sw.logger.Debug().
		Str("endpoint", string(endpoint)).
		Msg("endpoint connected")
	return nil
}

func (sw *Switch) Disconnect(endpoint model.ConnID) error {
	if _, ok := sw.fwd.LoadAndDelete(endpoint); ok {
		sw.logger.Debug().
			Str("endpoint", string(endpoint)).
			Msg("endpoint disconnected")
	}
	return nil
}

// Deliver sends msg to exactly one endpoint. It reports false when the
// endpoint is unknown, dead or ctx is done; the message is then lost.
func (sw *Switch) Deliver(ctx context.Context, msg model.Message, dst model.ConnID) bool {
	logger := sw.logger.With().
		Str("type", msg.Type).
		Str("src", string(msg.From)).
		Str("dst", string(dst)).Logger()

	wire, ok := sw.fwd.Load(dst)
	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, msg, wire.TX, &logger)
	return sent
}

func send(ctx context.Context, msg model.Message, tx chan<- model.Message, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- msg:
		logger.Debug().Msg("message is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
