package entities

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ConnState represents the state of the websocket channel.
type ConnState string

const (
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
)

// Stage represents where the conversation currently is, as reported by the
// remote pipeline or forced locally on interrupt.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageListening    Stage = "listening"
	StageTranscribing Stage = "transcribing"
	StageSearching    Stage = "searching"
	StageThinking     Stage = "thinking"
	StageSpeaking     Stage = "speaking"
)

// TurnRole represents the speaker of a transcript turn.
type TurnRole string

const (
	TurnRoleUser  TurnRole = "user"
	TurnRoleAgent TurnRole = "agent"
)

// Turn is one finalized transcript entry.
type Turn struct {
	Role TurnRole `json:"role"`
	Text string   `json:"text"`
}

// PerfSample is the last latency breakdown received from the remote
// pipeline. At most one is retained; each new sample overwrites it.
type PerfSample struct {
	SttMs   float64 `json:"stt_ms"`
	RagMs   float64 `json:"rag_ms"`
	LlmMs   float64 `json:"llm_ms"`
	TtsMs   float64 `json:"tts_ms"`
	TotalMs float64 `json:"total_ms"`
}

// Session holds all conversation state for one logical connection lifetime.
// It is created on first connect and passed explicitly to every component;
// there is no ambient current-session singleton. The ID is client-generated
// and stable across reconnects so the remote side can correlate the stream
// with uploaded knowledge and conversation history.
type Session struct {
	ID string

	mu sync.Mutex

	connState     ConnState
	stage         Stage
	agentSpeaking bool
	userSpeaking  bool

	reconnectAttempts int
	autoReconnect     bool

	transcript   []Turn
	pendingReply string

	perf *PerfSample
}

// NewSession creates a session with a fresh client-generated identifier.
func NewSession() *Session {
	return &Session{
		ID:            uuid.NewString(),
		connState:     ConnStateDisconnected,
		stage:         StageIdle,
		autoReconnect: true,
	}
}

func (s *Session) ConnState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

func (s *Session) SetConnState(state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connState = state
}

func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *Session) SetStage(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
}

func (s *Session) AgentSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSpeaking
}

func (s *Session) SetAgentSpeaking(speaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentSpeaking = speaking
}

func (s *Session) UserSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userSpeaking
}

func (s *Session) SetUserSpeaking(speaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userSpeaking = speaking
}

// AutoReconnect reports whether an unexpected closure should schedule a
// reconnection attempt.
func (s *Session) AutoReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoReconnect
}

// DisableAutoReconnect turns off reconnection, including mid-backoff-delay.
// Only an explicit user disconnect calls this.
func (s *Session) DisableAutoReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReconnect = false
}

// ReconnectAttempts returns the number of consecutive failed connection
// attempts since the last successful open.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// BumpReconnectAttempts increments the failure counter and returns the
// attempt number before the increment, which drives the backoff exponent.
func (s *Session) BumpReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt := s.reconnectAttempts
	s.reconnectAttempts++
	return attempt
}

// ResetReconnectAttempts is called on every successful open.
func (s *Session) ResetReconnectAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = 0
}

// AppendTurn appends a finalized transcript turn and clears the streaming
// token buffer that it supersedes.
func (s *Session) AppendTurn(role TurnRole, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, Turn{Role: role, Text: text})
	s.pendingReply = ""
}

// Transcript returns a copy of the finalized turns so far.
func (s *Session) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// ResetTranscript clears the conversation history. Only explicit user
// action calls this; reconnects and interruptions never do.
func (s *Session) ResetTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = nil
	s.pendingReply = ""
}

// AppendPendingReply accumulates one streaming token of the in-progress
// agent reply.
func (s *Session) AppendPendingReply(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingReply += token
}

func (s *Session) PendingReply() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingReply
}

// SetPerf replaces the retained latency sample.
func (s *Session) SetPerf(sample PerfSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perf = &sample
}

// Perf returns the last latency sample, or nil if none received yet.
func (s *Session) Perf() *PerfSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perf == nil {
		return nil
	}
	sample := *s.perf
	return &sample
}

// Validate validates the session data.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	return nil
}
