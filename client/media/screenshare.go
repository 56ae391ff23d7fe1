package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultCameraReacquireTimeout = 5 * time.Second

type ShareState int

const (
	ShareCamera ShareState = iota
	ShareScreen
)

func (s ShareState) String() string {
	if s == ShareScreen {
		return "screen"
	}
	return "camera"
}

// ScreenShare toggles the stream's video between camera and display capture.
// When the display capture ends on its own the camera is put back.
type ScreenShare struct {
	mx       sync.Mutex
	stream   *LocalStream
	capturer Capturer
	logger   zerolog.Logger

	state         ShareState
	display       *Track
	cameraEnabled bool
}

func NewScreenShare(stream *LocalStream, capturer Capturer, logger *zerolog.Logger) *ScreenShare {
	return &ScreenShare{
		stream:   stream,
		capturer: capturer,
		logger:   logger.With().Str("component", "screenshare").Logger(),
	}
}

func (s *ScreenShare) State() ShareState {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Toggle switches to the other state and returns it.
func (s *ScreenShare) Toggle(ctx context.Context) (ShareState, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.state == ShareScreen {
		if err := s.restoreCamera(ctx); err != nil {
			return s.state, err
		}
		return s.state, nil
	}

	display, err := s.capturer.Display(ctx)
	if err != nil {
		return s.state, errors.Join(ErrMediaUnavailable, err)
	}
	old := s.stream.ReplaceVideo(display)
	if old != nil {
		s.cameraEnabled = old.Enabled()
		old.Stop()
	} else {
		s.cameraEnabled = true
	}
	s.display = display
	s.state = ShareScreen
	s.logger.Debug().Str("track", display.ID()).Msg("screen share started")

	go s.watch(context.WithoutCancel(ctx), display)
	return s.state, nil
}

func (s *ScreenShare) watch(ctx context.Context, display *Track) {
	<-display.Ended()

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != ShareScreen || s.display != display {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCameraReacquireTimeout)
	defer cancel()
	if err := s.restoreCamera(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to reacquire camera after screen share ended")
	}
}

func (s *ScreenShare) restoreCamera(ctx context.Context) error {
	camera, err := s.capturer.Camera(ctx)
	if err != nil {
		return errors.Join(ErrMediaUnavailable, err)
	}
	camera.SetEnabled(s.cameraEnabled)
	old := s.stream.ReplaceVideo(camera)
	s.state = ShareCamera
	s.display = nil
	if old != nil {
		old.Stop()
	}
	s.logger.Debug().Str("track", camera.ID()).Msg("camera restored")
	return nil
}
