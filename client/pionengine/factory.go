// Package pionengine implements the media engine on top of pion/webrtc.
package pionengine

import (
	"errors"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/client/media"
	"github.com/adwski/webrtc-mesh/client/negotiation"
	"github.com/adwski/webrtc-mesh/client/peer"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrPortRange = errors.New("invalid ICE port range")
)

type Config struct {
	Logger *zerolog.Logger

	// PionLogLevel applies to pion's internal logs only.
	PionLogLevel zerolog.Level

	ICEServers                 []string
	DisableDefaultInterceptors bool
	PortMin                    uint16
	PortMax                    uint16
}

// Factory builds peer connections sharing one configured pion API.
type Factory struct {
	api    *webrtc.API
	conf   webrtc.Configuration
	logger zerolog.Logger
}

func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if !cfg.DisableDefaultInterceptors {
		if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
			return nil, err
		}
	}
	s := webrtc.SettingEngine{LoggerFactory: NewPionLogger(cfg.Logger, cfg.PionLogLevel)}
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, errors.Join(ErrPortRange, err)
		}
	}

	c := webrtc.Configuration{ICEServers: []webrtc.ICEServer{}}
	for _, url := range cfg.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		conf:   c,
		logger: cfg.Logger.With().Str("component", "media-engine").Logger(),
	}, nil
}

// NewTransport creates a peer connection toward p carrying the local stream's tracks.
func (f *Factory) NewTransport(p model.ConnID, local *media.LocalStream, hooks peer.Hooks) (negotiation.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		pc:      pc,
		senders: make(map[media.Kind]*webrtc.RTPSender),
		logger:  f.logger.With().Str("peer", string(p)).Logger(),
	}
	for _, track := range local.Tracks() {
		if err = t.addTrack(track); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	t.unsubscribe = local.Subscribe(t.replaceTrack)
	t.bind(hooks)
	return t, nil
}
