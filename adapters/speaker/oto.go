package speaker

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"

	"github.com/voxwire/voxwire/domain/devices"
)

// drainPollInterval is how often an active player is checked for end of
// stream once all samples have been handed to the device.
const drainPollInterval = 20 * time.Millisecond

// OtoSpeaker implements devices.Speaker on top of an oto audio context.
// One short-lived player is created per fragment, which keeps fragments
// strictly sequential: the next player only exists once the previous one
// was drained or stopped.
type OtoSpeaker struct {
	logger *zap.Logger

	mu         sync.Mutex
	ctx        *oto.Context
	sampleRate int
	channels   int
	player     *oto.Player
	closed     bool
}

// NewOtoSpeaker creates a speaker sink. The underlying context is created
// lazily on first Play because its format depends on the first fragment.
func NewOtoSpeaker(logger *zap.Logger) *OtoSpeaker {
	return &OtoSpeaker{logger: logger}
}

// Play renders one decoded PCM16 buffer and returns a channel that closes
// when the device reports end of stream.
func (s *OtoSpeaker) Play(pcm []byte, sampleRate, channels int) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("speaker is closed")
	}

	if err := s.ensureContextLocked(sampleRate, channels); err != nil {
		return nil, err
	}

	// Only one player may exist at a time; release any leftover before
	// starting the next fragment.
	s.stopLocked()

	player := s.ctx.NewPlayer(bytes.NewReader(pcm))
	player.Play()
	s.player = player

	done := make(chan struct{})
	go func() {
		defer close(done)
		for player.IsPlaying() {
			time.Sleep(drainPollInterval)
		}
	}()

	return done, nil
}

// Stop halts the active fragment immediately. The drain goroutine observes
// the closed player and signals completion, which the engine's identity
// check then discards.
func (s *OtoSpeaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Close releases the device. Safe to call multiple times.
func (s *OtoSpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closed = true
	return nil
}

func (s *OtoSpeaker) stopLocked() {
	if s.player != nil {
		if err := s.player.Close(); err != nil {
			s.logger.Warn("Failed to close audio player", zap.Error(err))
		}
		s.player = nil
	}
}

func (s *OtoSpeaker) ensureContextLocked(sampleRate, channels int) error {
	if s.ctx != nil {
		if sampleRate != s.sampleRate || channels != s.channels {
			// oto contexts are fixed-format; the remote pipeline keeps one
			// format per session, so a mismatch is a fragment to reject,
			// not a reason to rebuild the device.
			return fmt.Errorf("fragment format %dHz/%dch does not match device %dHz/%dch",
				sampleRate, channels, s.sampleRate, s.channels)
		}
		return nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audio output: %w", err)
	}
	<-ready

	s.ctx = ctx
	s.sampleRate = sampleRate
	s.channels = channels
	s.logger.Info("Audio output initialized",
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels))
	return nil
}

var _ devices.Speaker = (*OtoSpeaker)(nil)
