// Package media provides the local track source for a call. Capture devices
// are behind the Source interface; the synthetic implementation generates
// placeholder audio/video so the stack runs headless.
package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrUnavailable is the single failure condition for acquisition: no usable
// capture device, or permission denied. It is fatal to starting a call.
var ErrUnavailable = errors.New("media: capture device unavailable")

// Source yields the local tracks for a call and honors mute/camera toggles.
// Muting stops sample production; the track itself stays attached so no
// renegotiation is needed for a toggle.
type Source interface {
	Tracks() []webrtc.TrackLocal
	SetMuted(bool)
	SetCameraOff(bool)
	Close() error
}

const (
	audioSampleInterval = 20 * time.Millisecond
	videoFrameInterval  = 100 * time.Millisecond
)

// Synthetic is a Source producing silent Opus samples and blank VP8 frames
// at a steady cadence until closed.
type Synthetic struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	muted     bool
	cameraOff bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewSynthetic() (*Synthetic, error) {
	streamID := "mesh-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}

	s := &Synthetic{
		audio: audio,
		video: video,
		done:  make(chan struct{}),
	}
	go s.produce()
	return s, nil
}

func (s *Synthetic) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *Synthetic) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *Synthetic) SetCameraOff(off bool) {
	s.mu.Lock()
	s.cameraOff = off
	s.mu.Unlock()
}

func (s *Synthetic) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Synthetic) produce() {
	audioTicker := time.NewTicker(audioSampleInterval)
	videoTicker := time.NewTicker(videoFrameInterval)
	defer audioTicker.Stop()
	defer videoTicker.Stop()

	// Minimal valid payloads: an Opus silence frame and a VP8 keyframe-ish
	// stub. Receivers only need a steady RTP flow, not decodable media.
	silence := []byte{0xf8, 0xff, 0xfe}
	frame := make([]byte, 64)

	for {
		select {
		case <-s.done:
			return
		case <-audioTicker.C:
			s.mu.Lock()
			muted := s.muted
			s.mu.Unlock()
			if muted {
				continue
			}
			_ = s.audio.WriteSample(media.Sample{Data: silence, Duration: audioSampleInterval})
		case <-videoTicker.C:
			s.mu.Lock()
			off := s.cameraOff
			s.mu.Unlock()
			if off {
				continue
			}
			_ = s.video.WriteSample(media.Sample{Data: frame, Duration: videoFrameInterval})
		}
	}
}
