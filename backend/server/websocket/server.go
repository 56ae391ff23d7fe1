package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultMessageRate  = 50
	defaultMessageBurst = 100
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(context.Context, model.ConnID, model.Wire) error
		DeleteSignalingSession(context.Context, model.ConnID) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string

		// AllowedOrigin restricts browser upgrades to one origin. Empty or "*" allows any.
		AllowedOrigin string

		// MessageRate and MessageBurst bound inbound frames per connection.
		// A connection exceeding them is closed.
		MessageRate  float64
		MessageBurst int
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger

		msgRate  rate.Limit
		msgBurst int
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:      cfg.SignalingService,
		msgRate:  rate.Limit(cfg.MessageRate),
		msgBurst: cfg.MessageBurst,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      originChecker(cfg.AllowedOrigin),
		},
	}
	if srv.msgRate <= 0 {
		srv.msgRate = defaultMessageRate
	}
	if srv.msgBurst <= 0 {
		srv.msgBurst = defaultMessageBurst
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func originChecker(allowed string) func(r *http.Request) bool {
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients do not send Origin
		return origin == "" || origin == allowed
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with an http error
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := model.ConnID(uuid.NewString())
	wire := model.NewWire()

	ctx, cancel := context.WithCancel(context.Background()) // long-living wire context

	if err = srv.svc.CreateSignalingSession(ctx, connID, wire); err != nil {
		srv.logger.Error().Err(err).Msg("failed to create signaling session")
		cancel()
		webSocketCloser(conn, &srv.logger)
		return
	}

	go srv.handleWSConn(ctx, cancel, conn, connID, wire)
}

func (srv *Server) destroySession(connID model.ConnID, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSignalingSessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteSignalingSession(ctx, connID); err != nil {
		logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().Msg("signaling session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID model.ConnID,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", string(connID)).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	logger.Debug().Msg("connection established")

	limiter := rate.NewLimiter(srv.msgRate, srv.msgBurst)

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, limiter, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(connID, &logger)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}
			if wsErr := writeMessage(conn, &msg); wsErr != nil {
				logger.Error().Err(wsErr).Str("type", msg.Type).Msg("failed to send message")
				break SendLoop
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, msg *model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(b); err != nil {
		return err
	}
	return wsW.Close()
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	limiter *rate.Limiter,
	rx chan<- model.Message,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, b, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			if !limiter.Allow() {
				logger.Warn().Msg("inbound rate exceeded, closing connection")
				break RecvLoop
			}

			var msg model.Message
			if wsErr = json.Unmarshal(b, &msg); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
				continue
			}
			select {
			case rx <- msg:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
