package media

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Capturer acquires local capture tracks from devices.
type Capturer interface {
	Microphone(ctx context.Context) (*Track, error)
	Camera(ctx context.Context) (*Track, error)
	Display(ctx context.Context) (*Track, error)
}

// SampleCapturer produces engine tracks fed by WriteSample instead of a device.
// It is what headless peers capture with.
type SampleCapturer struct {
	StreamID string

	seq atomic.Uint32
}

func (c *SampleCapturer) Microphone(context.Context) (*Track, error) {
	return c.newTrack(KindAudio, SourceMicrophone, webrtc.MimeTypeOpus)
}

func (c *SampleCapturer) Camera(context.Context) (*Track, error) {
	return c.newTrack(KindVideo, SourceCamera, webrtc.MimeTypeVP8)
}

func (c *SampleCapturer) Display(context.Context) (*Track, error) {
	return c.newTrack(KindVideo, SourceDisplay, webrtc.MimeTypeVP8)
}

func (c *SampleCapturer) newTrack(kind Kind, source Source, mime string) (*Track, error) {
	id := fmt.Sprintf("%s-%d", source, c.seq.Add(1))
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), c.StreamID)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s track: %w", source, err)
	}
	return NewTrack(id, kind, source, local), nil
}
