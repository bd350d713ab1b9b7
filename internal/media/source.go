package media

import (
	"errors"
	"sync"
	"sync/atomic"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"courselive/mobile/internal/domain"
)

// ErrNotCapturing is returned when samples are written to a source that
// is not open.
var ErrNotCapturing = errors.New("capture not active")

// Source is the local media capture abstraction the engine consumes.
// The capture device is a single exclusive resource: Open acquires it,
// Close releases it, and the engine never holds two captures at once.
type Source interface {
	Open() error
	AudioTrack() pion.TrackLocal
	VideoTrack() pion.TrackLocal
	SetEnabled(kind domain.TrackKind, enabled bool) error
	Close() error
}

// SampleSource is a Source backed by sample tracks. Platform capture
// wrappers push encoded H264/Opus samples into it; disabled tracks drop
// writes instead of renegotiating.
type SampleSource struct {
	mu    sync.Mutex
	audio *pion.TrackLocalStaticSample
	video *pion.TrackLocalStaticSample
	open  bool

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool
}

// NewSampleSource creates a closed source; tracks exist after Open.
func NewSampleSource() *SampleSource {
	s := &SampleSource{}
	s.audioEnabled.Store(true)
	s.videoEnabled.Store(true)
	return s
}

// Open acquires the capture tracks. Opening an open source is an error:
// the caller must release the previous capture first.
func (s *SampleSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return errors.New("capture already active")
	}

	audio, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "courselive")
	if err != nil {
		return err
	}
	video, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeH264,
		ClockRate: 90000,
	}, "video", "courselive")
	if err != nil {
		return err
	}

	s.audio = audio
	s.video = video
	s.open = true
	log.Debug().Str("module", "media").Msg("capture opened")
	return nil
}

func (s *SampleSource) AudioTrack() pion.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *SampleSource) VideoTrack() pion.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// SetEnabled flips a track flag. A disabled track keeps its sender and
// transceiver; only sample writes stop.
func (s *SampleSource) SetEnabled(kind domain.TrackKind, enabled bool) error {
	switch kind {
	case domain.TrackAudio:
		s.audioEnabled.Store(enabled)
	case domain.TrackVideo:
		s.videoEnabled.Store(enabled)
	default:
		return errors.New("unknown track kind")
	}
	return nil
}

// WriteAudioSample feeds one encoded audio sample into the track.
func (s *SampleSource) WriteAudioSample(sample media.Sample) error {
	s.mu.Lock()
	track := s.audio
	open := s.open
	s.mu.Unlock()
	if !open {
		return ErrNotCapturing
	}
	if !s.audioEnabled.Load() {
		return nil
	}
	return track.WriteSample(sample)
}

// WriteVideoSample feeds one encoded video sample into the track.
func (s *SampleSource) WriteVideoSample(sample media.Sample) error {
	s.mu.Lock()
	track := s.video
	open := s.open
	s.mu.Unlock()
	if !open {
		return ErrNotCapturing
	}
	if !s.videoEnabled.Load() {
		return nil
	}
	return track.WriteSample(sample)
}

// Close releases the capture. Idempotent.
func (s *SampleSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.audio = nil
	s.video = nil
	log.Debug().Str("module", "media").Msg("capture released")
	return nil
}
