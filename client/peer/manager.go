// Package peer owns the local client's negotiation sessions and drives them
// from coordinator events.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/client/media"
	"github.com/adwski/webrtc-mesh/client/negotiation"
	"github.com/rs/zerolog"
)

const defaultErrorsBuffer = 16

var (
	ErrSignalingClosed = errors.New("signaling connection closed")
	ErrNotInRoom       = errors.New("not in a room")
)

type (
	// Hooks are invoked by a transport for events of its remote peer.
	Hooks struct {
		Candidate func(candidate negotiation.Blob)
		Connected func()
		Track     func(track media.RemoteTrack)
	}

	// Engine creates media transports toward remote peers.
	Engine interface {
		NewTransport(peer model.ConnID, local *media.LocalStream, hooks Hooks) (negotiation.Transport, error)
	}

	Config struct {
		Signaler negotiation.Signaler
		Engine   Engine
		Local    *media.LocalStream
		Logger   *zerolog.Logger

		OnStateChange func(peer model.ConnID, from, to negotiation.State)
	}

	// RelayError is an error reported by the coordinator.
	RelayError struct {
		Code   string
		RoomID string
	}

	Manager struct {
		signaler negotiation.Signaler
		engine   Engine
		local    *media.LocalStream
		remote   *media.RemoteView
		logger   zerolog.Logger
		onState  func(model.ConnID, negotiation.State, negotiation.State)
		errs     chan error

		mx       sync.Mutex
		self     model.ConnID
		room     string
		sessions map[model.ConnID]*entry
	}

	entry struct {
		peer    model.ConnID
		session *negotiation.Session
		box     *mailbox
	}
)

func (e *RelayError) Error() string {
	if e.RoomID != "" {
		return fmt.Sprintf("coordinator error %s (room %s)", e.Code, e.RoomID)
	}
	return "coordinator error " + e.Code
}

// NewManager fails with media.ErrMediaUnavailable when there is no local stream,
// so no room is entered without media.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Local == nil {
		return nil, media.ErrMediaUnavailable
	}
	return &Manager{
		signaler: cfg.Signaler,
		engine:   cfg.Engine,
		local:    cfg.Local,
		remote:   media.NewRemoteView(),
		logger:   cfg.Logger.With().Str("component", "peer-manager").Logger(),
		onState:  cfg.OnStateChange,
		errs:     make(chan error, defaultErrorsBuffer),
		sessions: make(map[model.ConnID]*entry),
	}, nil
}

func (m *Manager) Remote() *media.RemoteView { return m.remote }

func (m *Manager) Local() *media.LocalStream { return m.local }

// Errors delivers errors reported by the coordinator.
func (m *Manager) Errors() <-chan error { return m.errs }

// Self is the connection id assigned by the coordinator, empty until welcomed.
func (m *Manager) Self() model.ConnID {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.self
}

func (m *Manager) Room() string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.room
}

// Sessions returns the state of every live session.
func (m *Manager) Sessions() map[model.ConnID]negotiation.State {
	m.mx.Lock()
	live := make(map[model.ConnID]*negotiation.Session, len(m.sessions))
	for peer, e := range m.sessions {
		live[peer] = e.session
	}
	m.mx.Unlock()

	// session locks are taken outside mx, transports may call hooks that need it
	states := make(map[model.ConnID]negotiation.State, len(live))
	for peer, s := range live {
		states[peer] = s.State()
	}
	return states
}

func (m *Manager) CreateRoom(ctx context.Context, roomID string) error {
	return m.enter(ctx, model.TypeCreateRoom, roomID)
}

func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	return m.enter(ctx, model.TypeJoinRoom, roomID)
}

func (m *Manager) enter(ctx context.Context, typ, roomID string) error {
	m.closeAll()
	m.mx.Lock()
	m.room = roomID
	m.mx.Unlock()
	return m.signaler.Send(ctx, model.Message{Type: typ, RoomID: roomID})
}

// LeaveRoom tears down every session and tells the coordinator.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	m.mx.Lock()
	room := m.room
	m.room = ""
	m.mx.Unlock()
	if room == "" {
		return ErrNotInRoom
	}
	m.closeAll()
	return m.signaler.Send(ctx, model.Message{Type: model.TypeLeaveRoom, RoomID: room})
}

// Run dispatches coordinator events until ctx is done or incoming is closed.
// Sessions still alive on return are closed.
func (m *Manager) Run(ctx context.Context, incoming <-chan model.Message) error {
	defer func() {
		for _, e := range m.closeAll() {
			<-e.box.done
			_ = e.session.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-incoming:
			if !ok {
				return ErrSignalingClosed
			}
			m.dispatch(ctx, msg)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, msg model.Message) {
	switch msg.Type {
	case model.TypeWelcome:
		m.mx.Lock()
		m.self = msg.PeerID
		m.mx.Unlock()
		m.logger.Info().Str("self", string(msg.PeerID)).Msg("connected to coordinator")
	case model.TypeRoomCreated, model.TypeRoomJoined:
		m.logger.Info().Str("roomID", msg.RoomID).Msg("entered room")
	case model.TypeUserJoined:
		m.onUserJoined(ctx, msg.PeerID)
	case model.TypeOffer:
		m.onOffer(ctx, msg)
	case model.TypeAnswer:
		m.toSession(msg, func(ctx context.Context, s *negotiation.Session) error {
			return s.AcceptAnswer(ctx, msg.Answer)
		})
	case model.TypeICECandidate:
		m.toSession(msg, func(ctx context.Context, s *negotiation.Session) error {
			return s.AddCandidate(ctx, msg.Candidate)
		})
	case model.TypeUserLeft:
		m.closeSession(msg.PeerID)
	case model.TypeError:
		m.onError(msg)
	default:
		m.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown message")
	}
}

// onUserJoined makes the pre-existing member the initiator toward the joiner.
func (m *Manager) onUserJoined(ctx context.Context, peer model.ConnID) {
	m.mx.Lock()
	if m.room == "" || peer == m.self {
		m.mx.Unlock()
		return
	}
	_, rejoined := m.sessions[peer]
	m.mx.Unlock()

	// the peer dropped its side when it re-entered, start over
	if rejoined {
		m.logger.Info().Str("peer", string(peer)).Msg("peer rejoined, restarting session")
		m.closeSession(peer)
	}

	e, err := m.newEntry(ctx, peer, negotiation.Initiator)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(peer)).Msg("failed to create session")
		return
	}
	m.push(e, "initiate", func(ctx context.Context, s *negotiation.Session) error {
		return s.Initiate(ctx)
	})
}

func (m *Manager) onOffer(ctx context.Context, msg model.Message) {
	m.mx.Lock()
	e, ok := m.sessions[msg.From]
	m.mx.Unlock()
	if !ok {
		var err error
		if e, err = m.newEntry(ctx, msg.From, negotiation.Responder); err != nil {
			m.logger.Error().Err(err).Str("peer", string(msg.From)).Msg("failed to create session")
			return
		}
	}
	m.push(e, msg.Type, func(ctx context.Context, s *negotiation.Session) error {
		return s.AcceptOffer(ctx, msg.Offer)
	})
}

// toSession queues an operation for the sender's session. Messages for
// peers without a session are stale and dropped.
func (m *Manager) toSession(msg model.Message, op func(context.Context, *negotiation.Session) error) {
	m.mx.Lock()
	e, ok := m.sessions[msg.From]
	m.mx.Unlock()
	if !ok {
		m.logger.Debug().
			Str("type", msg.Type).
			Str("peer", string(msg.From)).
			Msg("dropping message for unknown session")
		return
	}
	m.push(e, msg.Type, op)
}

func (m *Manager) push(e *entry, what string, op func(context.Context, *negotiation.Session) error) {
	task := func(ctx context.Context) {
		if err := op(ctx, e.session); err != nil {
			m.logger.Warn().Err(err).
				Str("peer", string(e.peer)).
				Str("op", what).
				Msg("negotiation step failed")
		}
	}
	if !e.box.push(task) {
		m.logger.Debug().Str("peer", string(e.peer)).Str("op", what).Msg("session already closed")
	}
}

func (m *Manager) newEntry(ctx context.Context, peer model.ConnID, role negotiation.Role) (*entry, error) {
	e := &entry{peer: peer, box: newMailbox()}
	hooks := Hooks{
		Candidate: func(candidate negotiation.Blob) {
			m.push(e, "send candidate", func(ctx context.Context, s *negotiation.Session) error {
				return s.SendCandidate(ctx, candidate)
			})
		},
		Connected: func() {
			m.push(e, "mark connected", func(_ context.Context, s *negotiation.Session) error {
				return s.MarkConnected()
			})
		},
		Track: func(track media.RemoteTrack) {
			m.mx.Lock()
			defer m.mx.Unlock()
			if m.sessions[peer] == e {
				m.remote.Add(peer, track)
			}
		},
	}
	transport, err := m.engine.NewTransport(peer, m.local, hooks)
	if err != nil {
		return nil, err
	}
	e.session = negotiation.NewSession(negotiation.Config{
		Peer:          peer,
		Role:          role,
		Transport:     transport,
		Signaler:      m.signaler,
		Logger:        &m.logger,
		OnStateChange: m.onState,
	})

	m.mx.Lock()
	m.sessions[peer] = e
	m.mx.Unlock()
	go e.box.run(ctx)

	m.logger.Debug().
		Str("peer", string(peer)).
		Stringer("role", role).
		Msg("session created")
	return e, nil
}

func (m *Manager) closeSession(peer model.ConnID) {
	m.mx.Lock()
	e, ok := m.sessions[peer]
	delete(m.sessions, peer)
	m.remote.Remove(peer)
	m.mx.Unlock()
	if ok {
		m.detach(e)
	}
}

func (m *Manager) closeAll() []*entry {
	m.mx.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	clear(m.sessions)
	m.remote.Clear()
	m.mx.Unlock()

	for _, e := range entries {
		m.detach(e)
	}
	return entries
}

// detach closes the session after any step already queued for it.
func (m *Manager) detach(e *entry) {
	m.push(e, "close", func(_ context.Context, s *negotiation.Session) error {
		return s.Close()
	})
	e.box.close()
}

func (m *Manager) onError(msg model.Message) {
	if msg.Error == model.ErrCodeRoomNotFound {
		m.mx.Lock()
		if m.room == msg.RoomID {
			m.room = ""
		}
		m.mx.Unlock()
	}
	err := &RelayError{Code: msg.Error, RoomID: msg.RoomID}
	m.logger.Warn().Err(err).Msg("coordinator reported an error")
	select {
	case m.errs <- err:
	default:
		m.logger.Warn().Msg("error channel is full, dropping")
	}
}
