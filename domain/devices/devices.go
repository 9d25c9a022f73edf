package devices

import (
	"context"
	"errors"
)

// Microphone acquisition failures, distinguished by cause so the
// user-facing message can differ.
var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("no microphone device found")
)

// CaptureConfig represents the constraints requested from the microphone.
type CaptureConfig struct {
	SampleRate       int  `json:"sample_rate"`
	Channels         int  `json:"channels"`
	FrameSize        int  `json:"frame_size"` // samples per capture buffer
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGain         bool `json:"auto_gain"`
}

// Microphone abstracts audio capture devices. Open acquires the device and
// begins delivering fixed-size float32 sample frames on the returned
// channel; the channel is closed when the device is released. Acquisition
// errors wrap ErrPermissionDenied or ErrDeviceNotFound where the cause is
// known.
type Microphone interface {
	Open(ctx context.Context, config CaptureConfig) (<-chan []float32, error)
	Close() error
}

// Speaker abstracts audio rendering devices. Play begins rendering one
// decoded PCM16 buffer and returns a channel that closes when the device
// reports end of stream. Stop halts the active buffer immediately and is
// safe to call when nothing is playing.
type Speaker interface {
	Play(pcm []byte, sampleRate, channels int) (done <-chan struct{}, err error)
	Stop()
	Close() error
}
