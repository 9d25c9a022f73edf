package speaker

import (
	"fmt"
	"sync"

	"github.com/voxwire/voxwire/domain/devices"
)

// PlayedClip records one Play call on the mock.
type PlayedClip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// MockSpeaker implements devices.Speaker for testing. Fragments never
// finish on their own; tests drive natural completion with CompleteCurrent
// or let the engine's fallback timer fire.
type MockSpeaker struct {
	mu      sync.Mutex
	played  []PlayedClip
	current chan struct{}
	stops   int
	active  bool

	// FailPlay makes the next Play call return an error.
	FailPlay bool
}

func NewMockSpeaker() *MockSpeaker {
	return &MockSpeaker{}
}

func (m *MockSpeaker) Play(pcm []byte, sampleRate, channels int) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPlay {
		m.FailPlay = false
		return nil, fmt.Errorf("mock speaker rejected clip")
	}

	if m.active {
		return nil, fmt.Errorf("mock speaker asked to play two clips at once")
	}

	clip := PlayedClip{PCM: append([]byte(nil), pcm...), SampleRate: sampleRate, Channels: channels}
	m.played = append(m.played, clip)
	m.current = make(chan struct{})
	m.active = true
	return m.current, nil
}

func (m *MockSpeaker) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.active {
		m.active = false
		close(m.current)
	}
}

func (m *MockSpeaker) Close() error {
	m.Stop()
	return nil
}

// CompleteCurrent simulates the device's natural end-of-stream signal.
func (m *MockSpeaker) CompleteCurrent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.active = false
		close(m.current)
	}
}

// Played returns a copy of every clip handed to the device, in order.
func (m *MockSpeaker) Played() []PlayedClip {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlayedClip, len(m.played))
	copy(out, m.played)
	return out
}

// Active reports whether a clip is currently rendering.
func (m *MockSpeaker) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stops returns how many times Stop was called.
func (m *MockSpeaker) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

var _ devices.Speaker = (*MockSpeaker)(nil)
