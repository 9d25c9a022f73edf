package mic

import (
	"context"
	"sync"

	"github.com/voxwire/voxwire/domain/devices"
)

// MockMicrophone implements devices.Microphone for testing. Tests feed
// frames in with Emit and observe the pipeline's behavior downstream.
type MockMicrophone struct {
	// OpenErr, when set, is returned by Open to simulate acquisition
	// failures (wrap devices.ErrPermissionDenied etc).
	OpenErr error

	mu     sync.Mutex
	frames chan []float32
	open   bool
	closes int
}

func NewMockMicrophone() *MockMicrophone {
	return &MockMicrophone{}
}

func (m *MockMicrophone) Open(ctx context.Context, config devices.CaptureConfig) (<-chan []float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OpenErr != nil {
		return nil, m.OpenErr
	}

	if !m.open {
		m.frames = make(chan []float32, 16)
		m.open = true
	}
	return m.frames, nil
}

func (m *MockMicrophone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	if m.open {
		m.open = false
		close(m.frames)
	}
	return nil
}

// Emit delivers one captured frame, as the device data callback would.
func (m *MockMicrophone) Emit(frame []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		m.frames <- frame
	}
}

// Closes returns how many times Close was called; Close must be safe to
// call repeatedly.
func (m *MockMicrophone) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

var _ devices.Microphone = (*MockMicrophone)(nil)
