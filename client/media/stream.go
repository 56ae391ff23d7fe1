// Package media models the local capture stream shared by every session
// and the remote streams surfaced by the media engine.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrMediaUnavailable = errors.New("local media is unavailable")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceDisplay    Source = "display"
)

// Track is one local capture track. Disabling a track keeps it alive and
// attached; it only stops samples from being written.
type Track struct {
	id      string
	kind    Kind
	source  Source
	enabled atomic.Bool

	ended   chan struct{}
	endOnce sync.Once

	local webrtc.TrackLocal
}

func NewTrack(id string, kind Kind, source Source, local webrtc.TrackLocal) *Track {
	t := &Track{
		id:     id,
		kind:   kind,
		source: source,
		ended:  make(chan struct{}),
		local:  local,
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string     { return t.id }
func (t *Track) Kind() Kind     { return t.kind }
func (t *Track) Source() Source { return t.source }
func (t *Track) Enabled() bool  { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Local returns the engine track, nil for tracks without one.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Ended is closed once the capture has stopped.
func (t *Track) Ended() <-chan struct{} { return t.ended }

func (t *Track) Stop() {
	t.endOnce.Do(func() { close(t.ended) })
}

// WriteSample feeds a captured sample into the engine track.
// Samples of a disabled or ended track are dropped.
func (t *Track) WriteSample(sample pionmedia.Sample) error {
	if !t.Enabled() {
		return nil
	}
	select {
	case <-t.ended:
		return nil
	default:
	}
	w, ok := t.local.(interface {
		WriteSample(pionmedia.Sample) error
	})
	if !ok {
		return nil
	}
	return w.WriteSample(sample)
}

// TrackSwap is called after a track of the stream was substituted.
type TrackSwap func(old, replacement *Track)

// LocalStream is the one capture stream of the local client. Sessions
// attach it as is; toggles and substitutions mutate it in place.
type LocalStream struct {
	id string

	mx    sync.RWMutex
	audio *Track
	video *Track

	subMx   sync.Mutex
	subs    map[int]TrackSwap
	nextSub int
}

func NewLocalStream(id string, audio, video *Track) (*LocalStream, error) {
	if audio == nil && video == nil {
		return nil, ErrMediaUnavailable
	}
	return &LocalStream{
		id:    id,
		audio: audio,
		video: video,
		subs:  make(map[int]TrackSwap),
	}, nil
}

// Acquire captures microphone and camera into a new stream.
func Acquire(ctx context.Context, id string, capturer Capturer) (*LocalStream, error) {
	audio, err := capturer.Microphone(ctx)
	if err != nil {
		return nil, errors.Join(ErrMediaUnavailable, err)
	}
	video, err := capturer.Camera(ctx)
	if err != nil {
		audio.Stop()
		return nil, errors.Join(ErrMediaUnavailable, err)
	}
	return NewLocalStream(id, audio, video)
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Audio() *Track {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.audio
}

func (s *LocalStream) Video() *Track {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.video
}

func (s *LocalStream) Tracks() []*Track {
	s.mx.RLock()
	defer s.mx.RUnlock()
	tracks := make([]*Track, 0, 2)
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

// ToggleMute flips the audio track's enabled flag and returns the new value.
func (s *LocalStream) ToggleMute() bool {
	return toggle(s.Audio())
}

// ToggleVideo flips the video track's enabled flag and returns the new value.
func (s *LocalStream) ToggleVideo() bool {
	return toggle(s.Video())
}

func toggle(t *Track) bool {
	if t == nil {
		return false
	}
	for {
		cur := t.enabled.Load()
		if t.enabled.CompareAndSwap(cur, !cur) {
			return !cur
		}
	}
}

// ReplaceVideo substitutes the video track and returns the previous one.
// Subscribers are notified after the swap.
func (s *LocalStream) ReplaceVideo(replacement *Track) *Track {
	s.mx.Lock()
	old := s.video
	s.video = replacement
	s.mx.Unlock()

	s.subMx.Lock()
	subs := make([]TrackSwap, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMx.Unlock()

	for _, fn := range subs {
		fn(old, replacement)
	}
	return old
}

// Subscribe registers fn for track substitutions. The returned func unsubscribes.
func (s *LocalStream) Subscribe(fn TrackSwap) func() {
	s.subMx.Lock()
	defer s.subMx.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMx.Lock()
		delete(s.subs, id)
		s.subMx.Unlock()
	}
}

// Stop ends every track of the stream.
func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
