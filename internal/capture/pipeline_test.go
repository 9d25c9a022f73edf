package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voxwire/voxwire/adapters/mic"
	"github.com/voxwire/voxwire/domain/devices"
	"github.com/voxwire/voxwire/domain/entities"
)

type recordingSender struct {
	mu         sync.Mutex
	frames     [][]byte
	interrupts int
}

func (s *recordingSender) SendAudioFrame(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), pcm...))
}

func (s *recordingSender) SendUserInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
}

func (s *recordingSender) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *recordingSender) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

type recordingInterrupter struct {
	mu    sync.Mutex
	count int
}

func (r *recordingInterrupter) Interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

func (r *recordingInterrupter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestPipeline(config Config) (*Pipeline, *mic.MockMicrophone, *recordingSender, *recordingInterrupter, *entities.Session) {
	session := entities.NewSession()
	device := mic.NewMockMicrophone()
	sender := &recordingSender{}
	interrupter := &recordingInterrupter{}
	pipeline := NewPipeline(session, device, sender, interrupter, config, zap.NewNop())
	return pipeline, device, sender, interrupter, session
}

// loudFrame produces a frame whose PCM16 RMS lands well above the given
// threshold; quietFrame lands well below it.
func loudFrame(size int) []float32 {
	frame := make([]float32, size)
	for i := range frame {
		frame[i] = 0.5
	}
	return frame
}

func quietFrame(size int) []float32 {
	return make([]float32, size)
}

func TestPipelineStreamsEncodedFrames(t *testing.T) {
	pipeline, device, sender, _, _ := newTestPipeline(Config{
		SampleRate: 16000, FrameSize: 4, BargeInRMS: 500, BargeInFrames: 3,
	})

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipeline.Stop()

	device.Emit([]float32{0, 0.5, -0.5, 2.0})
	waitFor(t, time.Second, func() bool { return len(sender.Frames()) == 1 })

	frame := sender.Frames()[0]
	if len(frame) != 8 {
		t.Fatalf("expected 8 bytes of PCM16, got %d", len(frame))
	}

	samples := make([]int16, 4)
	for i := range samples {
		samples[i] = int16(uint16(frame[i*2]) | uint16(frame[i*2+1])<<8)
	}
	if samples[0] != 0 {
		t.Errorf("expected silence sample 0, got %d", samples[0])
	}
	if samples[1] != 16383 {
		t.Errorf("expected 0.5 to encode as 16383, got %d", samples[1])
	}
	if samples[2] != -16383 {
		t.Errorf("expected -0.5 to encode as -16383, got %d", samples[2])
	}
	// Out-of-range input clamps instead of wrapping.
	if samples[3] != 32767 {
		t.Errorf("expected 2.0 to clamp to 32767, got %d", samples[3])
	}
}

func TestPipelineKeepsStreamingWhileAgentSpeaks(t *testing.T) {
	pipeline, device, sender, _, session := newTestPipeline(Config{
		SampleRate: 16000, FrameSize: 4, BargeInRMS: 500, BargeInFrames: 3,
	})

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipeline.Stop()

	session.SetAgentSpeaking(true)
	device.Emit(quietFrame(4))
	device.Emit(quietFrame(4))

	waitFor(t, time.Second, func() bool { return len(sender.Frames()) == 2 })
}

func TestPipelineBargeInNeedsConsecutiveLoudFrames(t *testing.T) {
	pipeline, device, sender, interrupter, session := newTestPipeline(Config{
		SampleRate: 16000, FrameSize: 8, BargeInRMS: 500, BargeInFrames: 3,
	})

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipeline.Stop()

	session.SetAgentSpeaking(true)

	// Two loud frames, a quiet gap, then two more loud: the gap resets the
	// run, so no interrupt yet.
	device.Emit(loudFrame(8))
	device.Emit(loudFrame(8))
	device.Emit(quietFrame(8))
	device.Emit(loudFrame(8))
	device.Emit(loudFrame(8))
	waitFor(t, time.Second, func() bool { return len(sender.Frames()) == 5 })

	if interrupter.Count() != 0 {
		t.Fatalf("expected no interrupt from broken loud runs, got %d", interrupter.Count())
	}

	// The third consecutive loud frame completes the run.
	device.Emit(loudFrame(8))
	waitFor(t, time.Second, func() bool { return interrupter.Count() == 1 })

	if sender.Interrupts() != 1 {
		t.Errorf("expected one user_interrupt sent, got %d", sender.Interrupts())
	}
}

func TestPipelineIgnoresLoudFramesWhenAgentSilent(t *testing.T) {
	pipeline, device, sender, interrupter, _ := newTestPipeline(Config{
		SampleRate: 16000, FrameSize: 8, BargeInRMS: 500, BargeInFrames: 2,
	})

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipeline.Stop()

	device.Emit(loudFrame(8))
	device.Emit(loudFrame(8))
	device.Emit(loudFrame(8))
	waitFor(t, time.Second, func() bool { return len(sender.Frames()) == 3 })

	if interrupter.Count() != 0 {
		t.Errorf("expected no interrupt while agent is silent, got %d", interrupter.Count())
	}
}

func TestPipelineStartReportsAcquisitionErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"permission denied", fmt.Errorf("device: %w", devices.ErrPermissionDenied)},
		{"device not found", fmt.Errorf("device: %w", devices.ErrDeviceNotFound)},
		{"generic failure", errors.New("backend init failed")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipeline, device, _, _, _ := newTestPipeline(Config{
				SampleRate: 16000, FrameSize: 4, BargeInRMS: 500, BargeInFrames: 3,
			})
			device.OpenErr = tc.err

			err := pipeline.Start(context.Background())
			if !errors.Is(err, tc.err) {
				t.Errorf("expected Start to surface %v, got %v", tc.err, err)
			}
		})
	}
}

func TestPipelineStopIsIdempotent(t *testing.T) {
	pipeline, device, _, _, _ := newTestPipeline(Config{
		SampleRate: 16000, FrameSize: 4, BargeInRMS: 500, BargeInFrames: 3,
	})

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	pipeline.Stop()
	pipeline.Stop()

	if device.Closes() < 2 {
		t.Errorf("expected Close per Stop call, got %d", device.Closes())
	}

	// Stop before Start must also be safe.
	fresh, _, _, _, _ := newTestPipeline(Config{SampleRate: 16000, FrameSize: 4})
	fresh.Stop()
}

func TestPipelineStartIsIdempotent(t *testing.T) {
	pipeline, device, sender, _, _ := newTestPipeline(Config{
		SampleRate: 16000, FrameSize: 4, BargeInRMS: 500, BargeInFrames: 3,
	})

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pipeline.Stop()

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	device.Emit(quietFrame(4))
	waitFor(t, time.Second, func() bool { return len(sender.Frames()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := len(sender.Frames()); got != 1 {
		t.Errorf("expected one frame from a single capture loop, got %d", got)
	}
}
