package capture

import (
	"context"
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/voxwire/voxwire/domain/devices"
	"github.com/voxwire/voxwire/domain/entities"
)

// FrameSender transmits one wire-encoded PCM16 frame. Implementations drop
// the frame silently when the channel is not open; realtime audio has no
// value once stale, so nothing is ever buffered across disconnects.
type FrameSender interface {
	SendAudioFrame(pcm []byte)
	SendUserInterrupt()
}

// Interrupter cancels in-flight agent playback on barge-in.
type Interrupter interface {
	Interrupt()
}

// Config holds the capture constraints and the barge-in tuning.
type Config struct {
	SampleRate int
	FrameSize  int

	// BargeInRMS is the energy a frame must exceed, and BargeInFrames how
	// many consecutive frames must exceed it, before user speech during
	// agent playback counts as an interruption rather than echo.
	BargeInRMS    float64
	BargeInFrames int
}

// Pipeline acquires the microphone and streams captured frames for as long
// as the channel is open. It never mutes itself while the agent speaks:
// the stream keeps flowing and the remote side decides what counts as a
// barge-in. The only local use of frame energy is the hard interrupt that
// cuts playback when the user clearly talks over the agent.
type Pipeline struct {
	session     *entities.Session
	mic         devices.Microphone
	sender      FrameSender
	interrupter Interrupter
	config      Config
	logger      *zap.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}

	loudFrames int
}

func NewPipeline(
	session *entities.Session,
	mic devices.Microphone,
	sender FrameSender,
	interrupter Interrupter,
	config Config,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		session:     session,
		mic:         mic,
		sender:      sender,
		interrupter: interrupter,
		config:      config,
		logger:      logger,
	}
}

// Start requests microphone access and begins producing frames. The error
// distinguishes permission, missing-device and generic causes via the
// devices sentinels.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}

	frames, err := p.mic.Open(ctx, devices.CaptureConfig{
		SampleRate:       p.config.SampleRate,
		Channels:         1,
		FrameSize:        p.config.FrameSize,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGain:         true,
	})
	if err != nil {
		p.mu.Unlock()
		switch {
		case errors.Is(err, devices.ErrPermissionDenied):
			p.logger.Error("Microphone permission denied", zap.Error(err))
		case errors.Is(err, devices.ErrDeviceNotFound):
			p.logger.Error("No microphone device available", zap.Error(err))
		default:
			p.logger.Error("Microphone capture failed to start", zap.Error(err))
		}
		return err
	}

	p.running = true
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.run(frames, done)
	return nil
}

// Stop releases the microphone. Safe to call multiple times or when Start
// never ran.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		_ = p.mic.Close()
		return
	}
	p.running = false
	done := p.done
	p.mu.Unlock()

	_ = p.mic.Close()
	<-done
}

func (p *Pipeline) run(frames <-chan []float32, done chan struct{}) {
	defer close(done)

	for frame := range frames {
		pcm := encodePCM16(frame)
		p.detectBargeIn(pcm)

		// SendAudioFrame drops the frame when the channel is closed, so a
		// disconnect leaves the capture cadence untouched.
		p.sender.SendAudioFrame(pcm)
	}
}

// detectBargeIn counts consecutive high-energy frames during agent
// playback and cuts the playback queue when the run is long enough. The
// consecutive-frame requirement rejects echo spikes and clicks.
func (p *Pipeline) detectBargeIn(pcm []byte) {
	if !p.session.AgentSpeaking() {
		p.loudFrames = 0
		return
	}

	if rms(pcm) <= p.config.BargeInRMS {
		p.loudFrames = 0
		return
	}

	p.loudFrames++
	if p.loudFrames < p.config.BargeInFrames {
		return
	}
	p.loudFrames = 0

	p.logger.Info("Barge-in detected, interrupting agent playback")
	p.interrupter.Interrupt()
	p.sender.SendUserInterrupt()
}

// encodePCM16 converts captured float32 samples to little-endian PCM16,
// clamping each sample into the valid signed 16-bit range.
func encodePCM16(frame []float32) []byte {
	out := make([]byte, len(frame)*2)
	for i, f := range frame {
		v := int32(f * 32767)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// rms is the root-mean-square energy of a PCM16 frame, matching what the
// remote pipeline computes for its own voice activity detection.
func rms(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
