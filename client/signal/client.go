// Package signal is the client side of the coordinator's websocket protocol.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

const (
	defaultReadLimit = 64 * 1024
	defaultInboxSize = 64
)

var (
	ErrClosed = errors.New("signaling connection is closed")
)

// Client is one signaling connection. Send may be called concurrently;
// frames of one caller keep their order.
type Client struct {
	conn     *websocket.Conn
	logger   zerolog.Logger
	incoming chan model.Message

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func Dial(ctx context.Context, url string, logger *zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	rCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     conn,
		logger:   logger.With().Str("component", "signal-client").Logger(),
		incoming: make(chan model.Message, defaultInboxSize),
		ctx:      rCtx,
		cancel:   cancel,
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Send(ctx context.Context, msg model.Message) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	c.logger.Trace().Str("type", msg.Type).Str("to", string(msg.To)).Msg("message sent")
	return nil
}

// Incoming is closed when the connection ends.
func (c *Client) Incoming() <-chan model.Message { return c.incoming }

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	for {
		var msg model.Message
		if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || c.ctx.Err() != nil {
				c.logger.Debug().Msg("connection closed")
			} else {
				c.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			c.cancel()
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}
