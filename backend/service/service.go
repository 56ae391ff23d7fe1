package service

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/webrtc-mesh/backend/metrics"
	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrConnect        = errors.New("unable to connect")
	ErrDisconnect     = errors.New("unable to disconnect")
	ErrUnknownSession = errors.New("signaling session is not found")
)

type (
	RoomStore interface {
		CreateRoom(roomID string, creator model.ConnID) ([]model.RoomDelta, error)
		Join(roomID string, conn model.ConnID) ([]model.ConnID, []model.RoomDelta, error)
		Leave(conn model.ConnID) []model.RoomDelta
		SharesRoom(a, b model.ConnID) bool
		RoomCount() int
	}

	Switch interface {
		Connect(endpoint model.ConnID, wire model.Wire) error
		Disconnect(endpoint model.ConnID) error
		Deliver(ctx context.Context, msg model.Message, dst model.ConnID) bool
	}

	// Service is the signaling relay. It interprets room management
	// messages against the store and routes everything else through the switch.
	Service struct {
		store   RoomStore
		sw      Switch
		metrics *metrics.Metrics
		logger  zerolog.Logger

		requireSharedRoom bool

		mx       sync.Mutex
		sessions map[model.ConnID]chan struct{}
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Metrics   *metrics.Metrics
		Logger    *zerolog.Logger

		// RequireSharedRoom makes the relay refuse negotiation messages
		// between connections that are not in the same room.
		RequireSharedRoom bool
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:             cfg.RoomStore,
		sw:                cfg.Switch,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger.With().Str("component", "relay").Logger(),
		requireSharedRoom: cfg.RequireSharedRoom,
		sessions:          make(map[model.ConnID]chan struct{}),
	}
}

// CreateSignalingSession registers a connection and starts processing its
// inbound messages. Messages of one connection are handled strictly in order.
func (svc *Service) CreateSignalingSession(ctx context.Context, connID model.ConnID, wire model.Wire) error {
	if err := svc.sw.Connect(connID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	done := make(chan struct{})
	svc.mx.Lock()
	svc.sessions[connID] = done
	svc.mx.Unlock()
	svc.metrics.ConnectionOpened()

	svc.deliver(ctx, model.Message{Type: model.TypeWelcome, PeerID: connID}, connID)
	svc.logger.Debug().
		Str("connID", string(connID)).
		Msg("signaling session connected")

	go svc.process(ctx, connID, wire.RX, done)
	return nil
}

// DeleteSignalingSession handles a closed connection the same way as an explicit leave.
// It returns only after the registry is updated and survivors are notified.
func (svc *Service) DeleteSignalingSession(ctx context.Context, connID model.ConnID) error {
	svc.mx.Lock()
	done, ok := svc.sessions[connID]
	delete(svc.sessions, connID)
	svc.mx.Unlock()
	if !ok {
		return errors.Join(ErrDisconnect, ErrUnknownSession)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(ErrDisconnect, ctx.Err())
	}

	svc.leave(ctx, connID)
	if err := svc.sw.Disconnect(connID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.metrics.ConnectionClosed()
	svc.logger.Debug().
		Str("connID", string(connID)).
		Msg("signaling session deleted")
	return nil
}

func (svc *Service) process(ctx context.Context, connID model.ConnID, rx <-chan model.Message, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-rx:
			msg.From = connID
			svc.Handle(ctx, msg)
		}
	}
}

// Handle interprets one inbound message. msg.From must identify the sender.
func (svc *Service) Handle(ctx context.Context, msg model.Message) {
	switch msg.Type {
	case model.TypeCreateRoom:
		svc.createRoom(ctx, msg)
	case model.TypeJoinRoom:
		svc.joinRoom(ctx, msg)
	case model.TypeLeaveRoom:
		svc.leave(ctx, msg.From)
	case model.TypeOffer, model.TypeAnswer, model.TypeICECandidate:
		svc.relay(ctx, msg)
	default:
		svc.logger.Warn().
			Str("connID", string(msg.From)).
			Str("type", msg.Type).
			Msg("unknown message type")
		svc.logger.Trace().Str("dump", spew.Sdump(msg)).Send()
		svc.metrics.MessageDropped(msg.Type, "unknown-type")
	}
}

func (svc *Service) createRoom(ctx context.Context, msg model.Message) {
	deltas, err := svc.store.CreateRoom(msg.RoomID, msg.From)
	if err != nil {
		svc.logger.Debug().Err(err).
			Str("connID", string(msg.From)).
			Str("roomID", msg.RoomID).
			Msg("create failed")
		svc.replyError(ctx, msg, model.ErrCodeBadRequest)
		return
	}
	svc.metrics.SetRooms(svc.store.RoomCount())
	svc.notifyLeft(ctx, msg.From, deltas)
	svc.deliver(ctx, model.Message{Type: model.TypeRoomCreated, RoomID: msg.RoomID}, msg.From)
	svc.logger.Debug().
		Str("connID", string(msg.From)).
		Str("roomID", msg.RoomID).
		Msg("room created")
}

func (svc *Service) joinRoom(ctx context.Context, msg model.Message) {
	others, deltas, err := svc.store.Join(msg.RoomID, msg.From)
	if err != nil {
		code := model.ErrCodeBadRequest
		if errors.Is(err, memory.ErrRoomNotFound) {
			code = model.ErrCodeRoomNotFound
		}
		svc.logger.Debug().Err(err).
			Str("connID", string(msg.From)).
			Str("roomID", msg.RoomID).
			Msg("join failed")
		svc.replyError(ctx, msg, code)
		return
	}
	svc.metrics.SetRooms(svc.store.RoomCount())
	svc.notifyLeft(ctx, msg.From, deltas)
	svc.deliver(ctx, model.Message{Type: model.TypeRoomJoined, RoomID: msg.RoomID}, msg.From)

	joined := model.Message{Type: model.TypeUserJoined, RoomID: msg.RoomID, PeerID: msg.From}
	for _, member := range others {
		svc.deliver(ctx, joined, member)
	}
	svc.logger.Debug().
		Str("connID", string(msg.From)).
		Str("roomID", msg.RoomID).
		Int("notified", len(others)).
		Msg("user joined room")
}

func (svc *Service) leave(ctx context.Context, connID model.ConnID) {
	deltas := svc.store.Leave(connID)
	if len(deltas) == 0 {
		return
	}
	svc.metrics.SetRooms(svc.store.RoomCount())
	svc.notifyLeft(ctx, connID, deltas)
}

// notifyLeft tells every remaining member that connID is gone. Deliveries run
// in parallel, a dead endpoint does not delay the others.
func (svc *Service) notifyLeft(ctx context.Context, connID model.ConnID, deltas []model.RoomDelta) {
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	for _, delta := range deltas {
		left := model.Message{Type: model.TypeUserLeft, RoomID: delta.RoomID, PeerID: connID}
		for _, member := range delta.Remaining {
			wg.Add(1)
			go func() {
				defer wg.Done()
				svc.deliver(ctx, left, member)
			}()
		}
		svc.logger.Debug().
			Str("connID", string(connID)).
			Str("roomID", delta.RoomID).
			Int("remaining", len(delta.Remaining)).
			Msg("user left room")
	}
}

// relay forwards negotiation payloads verbatim to msg.To, tagged with the sender.
func (svc *Service) relay(ctx context.Context, msg model.Message) {
	if msg.To == "" {
		svc.replyError(ctx, msg, model.ErrCodeBadRequest)
		return
	}
	if svc.requireSharedRoom && !svc.store.SharesRoom(msg.From, msg.To) {
		svc.metrics.MessageDropped(msg.Type, "not-in-room")
		svc.replyError(ctx, msg, model.ErrCodeNotInRoom)
		return
	}
	dst := msg.To
	msg.To = ""
	msg.RoomID = ""
	svc.deliver(ctx, msg, dst)
}

func (svc *Service) replyError(ctx context.Context, msg model.Message, code string) {
	svc.deliver(ctx, model.Message{Type: model.TypeError, RoomID: msg.RoomID, Error: code}, msg.From)
}

func (svc *Service) deliver(ctx context.Context, msg model.Message, dst model.ConnID) {
	if svc.sw.Deliver(ctx, msg, dst) {
		svc.metrics.MessageRelayed(msg.Type)
		return
	}
	svc.metrics.MessageDropped(msg.Type, "undeliverable")
}
