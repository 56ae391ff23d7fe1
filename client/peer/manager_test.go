package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/client/media"
	"github.com/adwski/webrtc-mesh/client/negotiation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeTransport struct {
	peer  model.ConnID
	hooks Hooks

	mx     sync.Mutex
	calls  []string
	closed bool
}

func (t *fakeTransport) record(call string) {
	t.mx.Lock()
	t.calls = append(t.calls, call)
	t.mx.Unlock()
}

func (t *fakeTransport) Calls() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeTransport) Closed() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.closed
}

func (t *fakeTransport) CreateOffer(context.Context) (negotiation.Blob, error) {
	t.record("create-offer")
	return negotiation.Blob(`{"type":"offer","sdp":"o"}`), nil
}

func (t *fakeTransport) CreateAnswer(context.Context) (negotiation.Blob, error) {
	t.record("create-answer")
	return negotiation.Blob(`{"type":"answer","sdp":"a"}`), nil
}

// SetRemoteDescription pretends inbound media shows up as soon as the
// remote description is applied.
func (t *fakeTransport) SetRemoteDescription(context.Context, negotiation.Blob) error {
	t.record("set-remote")
	t.hooks.Track(media.RemoteTrack{ID: "video-" + string(t.peer), Kind: media.KindVideo})
	return nil
}

func (t *fakeTransport) AddCandidate(_ context.Context, c negotiation.Blob) error {
	t.record("add-candidate " + string(c))
	return nil
}

func (t *fakeTransport) Close() error {
	t.record("close")
	t.mx.Lock()
	t.closed = true
	t.mx.Unlock()
	return nil
}

type fakeEngine struct {
	mx         sync.Mutex
	transports map[model.ConnID]*fakeTransport
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{transports: make(map[model.ConnID]*fakeTransport)}
}

func (e *fakeEngine) NewTransport(peer model.ConnID, _ *media.LocalStream, hooks Hooks) (negotiation.Transport, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	t := &fakeTransport{peer: peer, hooks: hooks}
	e.transports[peer] = t
	return t, nil
}

func (e *fakeEngine) transport(peer model.ConnID) *fakeTransport {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.transports[peer]
}

type chanSignaler chan model.Message

func (s chanSignaler) Send(ctx context.Context, msg model.Message) error {
	select {
	case s <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stateLog struct {
	mx  sync.Mutex
	log map[model.ConnID][]negotiation.State
}

func (l *stateLog) record(peer model.ConnID, _, to negotiation.State) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.log == nil {
		l.log = make(map[model.ConnID][]negotiation.State)
	}
	l.log[peer] = append(l.log[peer], to)
}

func (l *stateLog) of(peer model.ConnID) []negotiation.State {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]negotiation.State(nil), l.log[peer]...)
}

func newLocalStream(t *testing.T) *media.LocalStream {
	t.Helper()
	stream, err := media.Acquire(context.Background(), "local", &media.SampleCapturer{StreamID: "local"})
	require.NoError(t, err)
	return stream
}

type harness struct {
	t        *testing.T
	m        *Manager
	engine   *fakeEngine
	sent     chanSignaler
	incoming chan model.Message
	states   *stateLog
	stop     context.CancelFunc
	done     chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		t:        t,
		engine:   newFakeEngine(),
		sent:     make(chanSignaler, 64),
		incoming: make(chan model.Message),
		states:   &stateLog{},
	}
	m, err := NewManager(Config{
		Signaler:      h.sent,
		Engine:        h.engine,
		Local:         newLocalStream(t),
		Logger:        &logger,
		OnStateChange: h.states.record,
	})
	require.NoError(t, err)
	h.m = m

	ctx, cancel := context.WithCancel(context.Background())
	h.stop, h.done = cancel, make(chan struct{})
	go func() {
		defer close(h.done)
		_ = m.Run(ctx, h.incoming)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	h.deliver(model.Message{Type: model.TypeWelcome, PeerID: "self"})
	return h
}

func (h *harness) deliver(msg model.Message) {
	h.t.Helper()
	select {
	case h.incoming <- msg:
	case <-time.After(waitFor):
		h.t.Fatal("manager is not consuming messages")
	}
}

func (h *harness) nextSent() model.Message {
	h.t.Helper()
	select {
	case msg := <-h.sent:
		return msg
	case <-time.After(waitFor):
		h.t.Fatal("nothing sent")
	}
	return model.Message{}
}

func (h *harness) waitState(peer model.ConnID, state negotiation.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		s, ok := h.m.Sessions()[peer]
		return ok && s == state
	}, waitFor, tick)
}

func TestManager_RequiresLocalMedia(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewManager(Config{Logger: &logger, Engine: newFakeEngine(), Signaler: make(chanSignaler)})
	require.ErrorIs(t, err, media.ErrMediaUnavailable)
}

func TestManager_InitiatorQueuesCandidatesUntilAnswer(t *testing.T) {
	h := newHarness(t)
	require.Eventually(t, func() bool { return h.m.Self() == "self" }, waitFor, tick)

	require.NoError(t, h.m.CreateRoom(context.Background(), "r1"))
	assert.Equal(t, model.Message{Type: model.TypeCreateRoom, RoomID: "r1"}, h.nextSent())

	h.deliver(model.Message{Type: model.TypeUserJoined, RoomID: "r1", PeerID: "b"})
	offer := h.nextSent()
	assert.Equal(t, model.TypeOffer, offer.Type)
	assert.Equal(t, model.ConnID("b"), offer.To)
	h.waitState("b", negotiation.OfferSent)

	h.deliver(model.Message{Type: model.TypeICECandidate, From: "b", Candidate: []byte(`"c1"`)})
	h.deliver(model.Message{Type: model.TypeICECandidate, From: "b", Candidate: []byte(`"c2"`)})
	h.deliver(model.Message{Type: model.TypeAnswer, From: "b", Answer: []byte(`{"type":"answer"}`)})
	h.waitState("b", negotiation.Connected)

	assert.Equal(t, []string{
		"create-offer",
		"set-remote",
		`add-candidate "c1"`,
		`add-candidate "c2"`,
	}, h.engine.transport("b").Calls())

	// local candidates go out addressed to the peer
	h.engine.transport("b").hooks.Candidate(negotiation.Blob(`"local"`))
	cand := h.nextSent()
	assert.Equal(t, model.TypeICECandidate, cand.Type)
	assert.Equal(t, model.ConnID("b"), cand.To)
}

func TestManager_ResponderAndPeerLeft(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.JoinRoom(context.Background(), "r1"))
	h.nextSent()

	h.deliver(model.Message{Type: model.TypeOffer, From: "a", Offer: []byte(`{"type":"offer"}`)})
	answer := h.nextSent()
	assert.Equal(t, model.TypeAnswer, answer.Type)
	assert.Equal(t, model.ConnID("a"), answer.To)
	h.waitState("a", negotiation.AnswerSent)
	assert.Equal(t, []model.ConnID{"a"}, h.m.Remote().Peers())

	h.engine.transport("a").hooks.Connected()
	h.waitState("a", negotiation.Connected)

	h.deliver(model.Message{Type: model.TypeUserLeft, PeerID: "a"})
	require.Eventually(t, func() bool { return h.engine.transport("a").Closed() }, waitFor, tick)
	assert.Empty(t, h.m.Sessions())
	assert.Empty(t, h.m.Remote().Peers())
	assert.Equal(t, []negotiation.State{
		negotiation.AnswerSent,
		negotiation.Connected,
		negotiation.Closed,
	}, h.states.of("a"))
}

func TestManager_JoinerNeverInitiates(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.JoinRoom(context.Background(), "r1"))
	h.nextSent()

	// own join echoed back must not create a session
	h.deliver(model.Message{Type: model.TypeUserJoined, PeerID: "self"})
	h.deliver(model.Message{Type: model.TypeRoomJoined, RoomID: "r1"})
	assert.Empty(t, h.m.Sessions())
	assert.Nil(t, h.engine.transport("self"))
}

func TestManager_StaleMessagesDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.CreateRoom(context.Background(), "r1"))
	h.nextSent()

	h.deliver(model.Message{Type: model.TypeAnswer, From: "ghost", Answer: []byte(`{}`)})
	h.deliver(model.Message{Type: model.TypeICECandidate, From: "ghost", Candidate: []byte(`"c"`)})
	h.deliver(model.Message{Type: model.TypeUserLeft, PeerID: "ghost"})
	// the manager is still responsive and created nothing
	h.deliver(model.Message{Type: model.TypeUserJoined, PeerID: "b"})
	h.waitState("b", negotiation.OfferSent)
	assert.Len(t, h.m.Sessions(), 1)
	assert.Nil(t, h.engine.transport("ghost"))
}

func TestManager_CoordinatorError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.JoinRoom(context.Background(), "r9"))
	h.nextSent()

	h.deliver(model.Message{Type: model.TypeError, Error: model.ErrCodeRoomNotFound, RoomID: "r9"})
	select {
	case err := <-h.m.Errors():
		var relayErr *RelayError
		require.ErrorAs(t, err, &relayErr)
		assert.Equal(t, model.ErrCodeRoomNotFound, relayErr.Code)
	case <-time.After(waitFor):
		t.Fatal("no error surfaced")
	}
	assert.Empty(t, h.m.Room())
	require.ErrorIs(t, h.m.LeaveRoom(context.Background()), ErrNotInRoom)
}

func TestManager_LeaveRoomClosesEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.CreateRoom(context.Background(), "r1"))
	h.nextSent()
	h.deliver(model.Message{Type: model.TypeUserJoined, PeerID: "b"})
	h.deliver(model.Message{Type: model.TypeUserJoined, PeerID: "c"})
	h.waitState("b", negotiation.OfferSent)
	h.waitState("c", negotiation.OfferSent)
	h.nextSent()
	h.nextSent()

	require.NoError(t, h.m.LeaveRoom(context.Background()))
	assert.Equal(t, model.Message{Type: model.TypeLeaveRoom, RoomID: "r1"}, h.nextSent())
	assert.Empty(t, h.m.Sessions())
	require.Eventually(t, func() bool {
		return h.engine.transport("b").Closed() && h.engine.transport("c").Closed()
	}, waitFor, tick)

	// notifications for the old room are ignored
	h.deliver(model.Message{Type: model.TypeUserJoined, PeerID: "d"})
	h.deliver(model.Message{Type: model.TypeRoomCreated, RoomID: "r1"})
	assert.Empty(t, h.m.Sessions())
}

func TestManager_LeaveRoomAfterRunStopped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.CreateRoom(context.Background(), "r1"))
	h.nextSent()
	h.deliver(model.Message{Type: model.TypeUserJoined, PeerID: "b"})
	h.deliver(model.Message{Type: model.TypeUserJoined, PeerID: "c"})
	h.waitState("b", negotiation.OfferSent)
	h.waitState("c", negotiation.OfferSent)

	h.stop()
	// races the shutdown of Run, whichever side takes the sessions must close them
	require.NoError(t, h.m.LeaveRoom(context.Background()))
	<-h.done

	for _, p := range []model.ConnID{"b", "c"} {
		require.Eventually(t, h.engine.transport(p).Closed, waitFor, tick, "transport to %s", p)
		states := h.states.of(p)
		assert.Equal(t, negotiation.Closed, states[len(states)-1])
	}
	assert.Empty(t, h.m.Sessions())
}

func TestManager_RepeatedJoinRestartsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.CreateRoom(context.Background(), "r1"))
	h.nextSent()

	h.deliver(model.Message{Type: model.TypeUserJoined, PeerID: "b"})
	h.nextSent()
	h.deliver(model.Message{Type: model.TypeAnswer, From: "b", Answer: []byte(`{"type":"answer"}`)})
	h.waitState("b", negotiation.Connected)
	first := h.engine.transport("b")

	// b re-entered the room and dropped its side
	h.deliver(model.Message{Type: model.TypeUserJoined, PeerID: "b"})
	offer := h.nextSent()
	assert.Equal(t, model.TypeOffer, offer.Type)
	assert.Equal(t, model.ConnID("b"), offer.To)
	h.waitState("b", negotiation.OfferSent)

	require.Eventually(t, first.Closed, waitFor, tick)
	second := h.engine.transport("b")
	assert.NotSame(t, first, second)
	assert.Equal(t, []string{"create-offer"}, second.Calls())
}

func TestMailbox_RunsQueuedTasksAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	box := newMailbox()
	go box.run(ctx)
	cancel()

	var ran atomic.Bool
	require.True(t, box.push(func(ctx context.Context) {
		assert.Error(t, ctx.Err())
		ran.Store(true)
	}))
	box.close()
	select {
	case <-box.done:
	case <-time.After(waitFor):
		t.Fatal("mailbox did not stop")
	}
	assert.True(t, ran.Load())
}

func TestMailbox_OrderAndClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	box := newMailbox()
	go box.run(ctx)

	var (
		mx  sync.Mutex
		got []int
	)
	for i := range 50 {
		require.True(t, box.push(func(context.Context) {
			mx.Lock()
			got = append(got, i)
			mx.Unlock()
		}))
	}
	box.close()
	require.False(t, box.push(func(context.Context) {}))
	<-box.done

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
