package mic

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/voxwire/voxwire/domain/devices"
)

// MalgoMicrophone implements devices.Microphone with a miniaudio capture
// device. Samples are captured as float32 and regrouped into fixed-size
// frames regardless of the period size the backend actually delivers.
//
// The EchoCancellation, NoiseSuppression and AutoGain constraints are
// accepted but not applied: miniaudio exposes no processing of that kind,
// so raw device audio is delivered and the remote pipeline's own VAD and
// thresholds absorb the difference.
type MalgoMicrophone struct {
	logger *zap.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	frames  chan []float32
	pending []float32
	open    bool
}

func NewMalgoMicrophone(logger *zap.Logger) *MalgoMicrophone {
	return &MalgoMicrophone{logger: logger}
}

// stopDevice halts and releases a capture device. Indirected so the
// teardown ordering can be exercised in tests without audio hardware.
var stopDevice = func(device *malgo.Device) {
	_ = device.Stop()
	device.Uninit()
}

// Open acquires the default capture device with the requested constraints
// and begins delivering frames of exactly config.FrameSize samples.
func (m *MalgoMicrophone) Open(ctx context.Context, config devices.CaptureConfig) (<-chan []float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		return m.frames, nil
	}

	allocated, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, classifyInitError(err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(config.Channels)
	deviceConfig.SampleRate = uint32(config.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(config.FrameSize)

	frames := make(chan []float32, 8)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			m.onSamples(input, frameCount, config.FrameSize, frames)
		},
	}

	device, err := malgo.InitDevice(allocated.Context, deviceConfig, callbacks)
	if err != nil {
		_ = allocated.Uninit()
		return nil, classifyInitError(err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = allocated.Uninit()
		return nil, fmt.Errorf("failed to start microphone: %w", err)
	}

	m.ctx = allocated
	m.device = device
	m.frames = frames
	m.open = true

	m.logger.Info("Microphone capture started",
		zap.Int("sampleRate", config.SampleRate),
		zap.Int("frameSize", config.FrameSize),
		zap.Int("channels", config.Channels))

	return frames, nil
}

// onSamples regroups whatever period the backend delivered into frames of
// exactly frameSize samples. Frames are dropped, never blocked on, when the
// consumer falls behind; stale realtime audio has no value.
func (m *MalgoMicrophone) onSamples(input []byte, frameCount uint32, frameSize int, frames chan []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}

	for i := uint32(0); i < frameCount; i++ {
		bits := binary.LittleEndian.Uint32(input[i*4 : i*4+4])
		m.pending = append(m.pending, math.Float32frombits(bits))
	}

	for len(m.pending) >= frameSize {
		frame := make([]float32, frameSize)
		copy(frame, m.pending[:frameSize])
		m.pending = m.pending[frameSize:]

		select {
		case frames <- frame:
		default:
		}
	}
}

// Close releases the device. Safe to call multiple times or when Open was
// never called.
//
// Device teardown waits for the in-flight data callback to return, and
// that callback takes m.mu, so the lock must not be held across
// Stop/Uninit.
func (m *MalgoMicrophone) Close() error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return nil
	}
	m.open = false
	device := m.device
	ctx := m.ctx
	m.device = nil
	m.ctx = nil
	m.mu.Unlock()

	if device != nil {
		stopDevice(device)
	}
	if ctx != nil {
		_ = ctx.Uninit()
	}

	// No callback can be in flight past Uninit; the channel closes last so
	// a racing onSamples never sends on a closed channel.
	m.mu.Lock()
	close(m.frames)
	m.pending = nil
	m.mu.Unlock()

	m.logger.Info("Microphone released")
	return nil
}

// classifyInitError maps miniaudio failures onto the capture error
// taxonomy so callers can show a cause-specific message.
func classifyInitError(err error) error {
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "access denied") || strings.Contains(text, "permission"):
		return fmt.Errorf("%w: %v", devices.ErrPermissionDenied, err)
	case strings.Contains(text, "no device") || strings.Contains(text, "device not found") || strings.Contains(text, "no backend"):
		return fmt.Errorf("%w: %v", devices.ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("failed to acquire microphone: %w", err)
	}
}

var _ devices.Microphone = (*MalgoMicrophone)(nil)
