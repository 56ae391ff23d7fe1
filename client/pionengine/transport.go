package pionengine

import (
	"context"
	"sync"

	"github.com/adwski/webrtc-mesh/client/media"
	"github.com/adwski/webrtc-mesh/client/negotiation"
	"github.com/adwski/webrtc-mesh/client/peer"
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const rtcpBufferSize = 1500

// Transport is one pion peer connection.
type Transport struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mx          sync.Mutex
	senders     map[media.Kind]*webrtc.RTPSender
	unsubscribe func()
}

func (t *Transport) CreateOffer(context.Context) (negotiation.Blob, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err = t.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	t.logger.Debug().Msg("offer created")
	return json.Marshal(offer)
}

func (t *Transport) CreateAnswer(context.Context) (negotiation.Blob, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err = t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	t.logger.Debug().Msg("answer created")
	return json.Marshal(answer)
}

func (t *Transport) SetRemoteDescription(_ context.Context, desc negotiation.Blob) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(sd)
}

func (t *Transport) AddCandidate(_ context.Context, candidate negotiation.Blob) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &c); err != nil {
		return err
	}
	if err := t.pc.AddICECandidate(c); err != nil {
		return err
	}
	t.logger.Trace().Str("candidate", c.Candidate).Msg("remote candidate added")
	return nil
}

func (t *Transport) Close() error {
	t.mx.Lock()
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
	t.mx.Unlock()
	return t.pc.Close()
}

func (t *Transport) addTrack(track *media.Track) error {
	if track.Local() == nil {
		return nil
	}
	sender, err := t.pc.AddTrack(track.Local())
	if err != nil {
		return err
	}
	t.senders[track.Kind()] = sender
	go func() {
		buf := make([]byte, rtcpBufferSize)
		for {
			if _, _, rtcpErr := sender.Read(buf); rtcpErr != nil {
				return
			}
		}
	}()
	return nil
}

// replaceTrack swaps the outgoing track without renegotiation.
func (t *Transport) replaceTrack(_, replacement *media.Track) {
	t.mx.Lock()
	sender := t.senders[replacement.Kind()]
	t.mx.Unlock()
	if sender == nil || replacement.Local() == nil {
		return
	}
	if err := sender.ReplaceTrack(replacement.Local()); err != nil {
		t.logger.Error().Err(err).Str("track", replacement.ID()).Msg("failed to replace track")
	}
}

func (t *Transport) bind(hooks peer.Hooks) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || hooks.Candidate == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.logger.Error().Err(err).Msg("failed to marshal local candidate")
			return
		}
		hooks.Candidate(b)
	})
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug().Stringer("state", state).Msg("connection state changed")
		if state == webrtc.PeerConnectionStateConnected && hooks.Connected != nil {
			hooks.Connected()
		}
	})
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Debug().
			Str("track", remote.ID()).
			Str("kind", remote.Kind().String()).
			Msg("remote track received")
		if hooks.Track != nil {
			hooks.Track(media.RemoteTrack{
				ID:       remote.ID(),
				Kind:     media.Kind(remote.Kind().String()),
				StreamID: remote.StreamID(),
			})
		}
		go func() {
			for {
				if _, _, err := remote.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})
}
