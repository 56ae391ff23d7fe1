// Package negotiation drives the offer/answer handshake with one remote peer.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionClosed     = errors.New("session is closed")
	ErrEngine            = errors.New("media engine failure")
	ErrSignal            = errors.New("cannot send signaling message")
)

// Blob is an opaque session description or candidate produced by the media engine.
type Blob = json.RawMessage

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

type State int

const (
	New State = iota
	OfferSent
	AnswerSent
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case OfferSent:
		return "offer-sent"
	case AnswerSent:
		return "answer-sent"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type (
	// Transport is the media engine handle for one remote peer.
	// CreateOffer and CreateAnswer also commit the result as the local description.
	Transport interface {
		CreateOffer(ctx context.Context) (Blob, error)
		CreateAnswer(ctx context.Context) (Blob, error)
		SetRemoteDescription(ctx context.Context, desc Blob) error
		AddCandidate(ctx context.Context, candidate Blob) error
		Close() error
	}

	Signaler interface {
		Send(ctx context.Context, msg model.Message) error
	}

	Config struct {
		Peer      model.ConnID
		Role      Role
		Transport Transport
		Signaler  Signaler
		Logger    *zerolog.Logger

		// OnStateChange is called with the session lock held.
		OnStateChange func(peer model.ConnID, from, to State)
	}

	// Session is the handshake state machine for one remote peer.
	// Every operation holds the session lock until it completes, including
	// calls into the media engine, so steps of one session never interleave.
	Session struct {
		mx sync.Mutex

		peer      model.ConnID
		role      Role
		state     State
		transport Transport
		signaler  Signaler
		logger    zerolog.Logger
		onState   func(model.ConnID, State, State)

		remoteKnown bool
		pending     []Blob // remote candidates received before the remote description
		outbound    []Blob // local candidates gathered before our description was sent
	}
)

func NewSession(cfg Config) *Session {
	return &Session{
		peer:      cfg.Peer,
		role:      cfg.Role,
		transport: cfg.Transport,
		signaler:  cfg.Signaler,
		onState:   cfg.OnStateChange,
		logger: cfg.Logger.With().
			Str("component", "negotiation").
			Str("peer", string(cfg.Peer)).
			Str("role", cfg.Role.String()).Logger(),
	}
}

func (s *Session) Peer() model.ConnID { return s.peer }

func (s *Session) Role() Role { return s.role }

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Pending returns the number of queued remote candidates.
func (s *Session) Pending() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.pending)
}

// Initiate creates a local offer and sends it to the peer.
func (s *Session) Initiate(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.expect("initiate", Initiator, New); err != nil {
		return err
	}
	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		return errors.Join(ErrEngine, err)
	}
	if err = s.send(ctx, model.Message{Type: model.TypeOffer, To: s.peer, Offer: offer}); err != nil {
		return err
	}
	s.setState(OfferSent)
	s.flushOutbound(ctx)
	return nil
}

// AcceptOffer applies a remote offer and answers it.
func (s *Session) AcceptOffer(ctx context.Context, offer Blob) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.expect("accept offer", Responder, New); err != nil {
		return err
	}
	if err := s.applyRemote(ctx, offer); err != nil {
		return err
	}
	answer, err := s.transport.CreateAnswer(ctx)
	if err != nil {
		return errors.Join(ErrEngine, err)
	}
	if err = s.send(ctx, model.Message{Type: model.TypeAnswer, To: s.peer, Answer: answer}); err != nil {
		return err
	}
	s.setState(AnswerSent)
	s.flushOutbound(ctx)
	return nil
}

// AcceptAnswer applies the peer's answer to our offer.
func (s *Session) AcceptAnswer(ctx context.Context, answer Blob) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.expect("accept answer", Initiator, OfferSent); err != nil {
		return err
	}
	if err := s.applyRemote(ctx, answer); err != nil {
		return err
	}
	s.setState(Connected)
	return nil
}

// AddCandidate applies a remote candidate, or queues it until the
// remote description is known.
func (s *Session) AddCandidate(ctx context.Context, candidate Blob) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.state == Closed {
		return ErrSessionClosed
	}
	if !s.remoteKnown {
		s.pending = append(s.pending, candidate)
		s.logger.Debug().Int("pending", len(s.pending)).Msg("candidate queued")
		return nil
	}
	if err := s.transport.AddCandidate(ctx, candidate); err != nil {
		return errors.Join(ErrEngine, err)
	}
	return nil
}

// SendCandidate relays a locally gathered candidate to the peer. Candidates
// gathered before our own description went out are held back until it does.
func (s *Session) SendCandidate(ctx context.Context, candidate Blob) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	switch s.state {
	case Closed:
		return ErrSessionClosed
	case New:
		s.outbound = append(s.outbound, candidate)
		return nil
	}
	return s.send(ctx, model.Message{Type: model.TypeICECandidate, To: s.peer, Candidate: candidate})
}

// MarkConnected moves a responder to Connected once the engine reports
// the transport is up.
func (s *Session) MarkConnected() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	switch s.state {
	case Connected:
		return nil
	case Closed:
		return ErrSessionClosed
	case AnswerSent:
		s.setState(Connected)
		return nil
	}
	return fmt.Errorf("%w: mark connected in state %s", ErrInvalidTransition, s.state)
}

// Close discards the session and releases the transport. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.state == Closed {
		return nil
	}
	s.pending = nil
	s.outbound = nil
	s.setState(Closed)
	if err := s.transport.Close(); err != nil {
		return errors.Join(ErrEngine, err)
	}
	return nil
}

func (s *Session) expect(op string, role Role, state State) error {
	if s.state == Closed {
		return ErrSessionClosed
	}
	if s.role != role || s.state != state {
		return fmt.Errorf("%w: %s as %s in state %s", ErrInvalidTransition, op, s.role, s.state)
	}
	return nil
}

// applyRemote sets the remote description and flushes queued candidates in receipt order.
func (s *Session) applyRemote(ctx context.Context, desc Blob) error {
	if err := s.transport.SetRemoteDescription(ctx, desc); err != nil {
		return errors.Join(ErrEngine, err)
	}
	s.remoteKnown = true

	pending := s.pending
	s.pending = nil
	for _, candidate := range pending {
		if err := s.transport.AddCandidate(ctx, candidate); err != nil {
			s.logger.Warn().Err(err).Msg("failed to apply queued candidate")
		}
	}
	if len(pending) > 0 {
		s.logger.Debug().Int("count", len(pending)).Msg("queued candidates applied")
	}
	return nil
}

func (s *Session) flushOutbound(ctx context.Context) {
	outbound := s.outbound
	s.outbound = nil
	for _, candidate := range outbound {
		msg := model.Message{Type: model.TypeICECandidate, To: s.peer, Candidate: candidate}
		if err := s.send(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Msg("failed to send held candidate")
		}
	}
}

func (s *Session) send(ctx context.Context, msg model.Message) error {
	if err := s.signaler.Send(ctx, msg); err != nil {
		return errors.Join(ErrSignal, err)
	}
	return nil
}

func (s *Session) setState(next State) {
	prev := s.state
	s.state = next
	s.logger.Debug().
		Stringer("from", prev).
		Stringer("to", next).
		Msg("session state changed")
	if s.onState != nil {
		s.onState(s.peer, prev, next)
	}
}
