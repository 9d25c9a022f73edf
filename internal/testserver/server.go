// Package testserver hosts a scriptable stand-in for the remote voice
// pipeline. Integration tests point the session controller at it, feed it
// canned status/token/transcript/audio sequences, and assert on everything
// the client sent back.
package testserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voxwire/voxwire/internal/auth"
	"github.com/voxwire/voxwire/internal/playback"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Inbound is one recorded client message.
type Inbound struct {
	Type string
	Raw  []byte
}

// Server is the mock remote endpoint.
type Server struct {
	echo   *echo.Echo
	http   *httptest.Server
	secret string
	logger *zap.Logger

	// OnConnect, when set, runs in its own goroutine after each client
	// connects; the standalone command uses it to script a canned greeting.
	OnConnect func(sessionID string)

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	received []Inbound
	connects int
	sessions []string
}

// New creates a server. A non-empty secret makes the voice route require a
// valid session token.
func New(secret string, logger *zap.Logger) *Server {
	s := &Server{
		secret: secret,
		logger: logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "voxwire-testserver",
		})
	})
	e.GET("/ws/voice/:session", s.handleVoice)

	s.echo = e
	return s
}

// Start begins serving on an ephemeral port.
func (s *Server) Start() {
	s.http = httptest.NewServer(s.echo)
}

// Close shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if s.http != nil {
		s.http.Close()
	}
}

// URL returns the websocket base URL, e.g. "ws://127.0.0.1:43210".
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

func (s *Server) handleVoice(c echo.Context) error {
	sessionID := c.Param("session")

	if s.secret != "" {
		claims, err := auth.ValidateSessionToken(c.QueryParam("token"), []byte(s.secret))
		if err != nil || claims.SessionID != sessionID {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid session token")
		}
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connects++
	s.sessions = append(s.sessions, sessionID)
	s.mu.Unlock()

	s.logger.Info("Client connected", zap.String("sessionID", sessionID))

	go s.readLoop(conn)
	if s.OnConnect != nil {
		go s.OnConnect(sessionID)
	}
	return nil
}

// Serve runs the server on a fixed address, blocking. The standalone
// command uses this; tests use Start for an ephemeral port.
func (s *Server) Serve(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var base struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &base)

		s.logger.Debug("Received client message",
			zap.String("type", base.Type),
			zap.Int("bytes", len(data)))

		s.mu.Lock()
		s.received = append(s.received, Inbound{Type: base.Type, Raw: data})
		s.mu.Unlock()
	}
}

// send writes one JSON message to the connected client.
func (s *Server) send(v interface{}) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Warn("Failed to write to client", zap.Error(err))
	}
}

// SendStatus emits a pipeline stage update.
func (s *Server) SendStatus(stage string) {
	s.send(map[string]string{"type": "status", "stage": stage})
}

// SendVad emits a server-side voice activity indicator.
func (s *Server) SendVad(speaking bool) {
	s.send(map[string]interface{}{"type": "vad", "speaking": speaking})
}

// SendToken streams one reply token.
func (s *Server) SendToken(text string) {
	s.send(map[string]string{"type": "token", "text": text})
}

// SendTranscript emits a finalized turn.
func (s *Server) SendTranscript(role, text string) {
	s.send(map[string]string{"type": "transcript", "role": role, "text": text})
}

// SendAudioPCM wraps raw PCM16 in a WAV payload and sends it as one
// synthesized fragment, the same shape the real pipeline produces.
func (s *Server) SendAudioPCM(pcm []byte, sampleRate int) {
	wav := playback.EncodeWAV(pcm, sampleRate, 1)
	s.send(map[string]string{
		"type":   "audio",
		"data":   base64.StdEncoding.EncodeToString(wav),
		"format": "wav",
	})
}

// SendRawAudio sends an arbitrary payload as an audio fragment; tests use
// it for undecodable fragments.
func (s *Server) SendRawAudio(payload []byte) {
	s.send(map[string]string{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString(payload),
	})
}

// SendInterrupt tells the client to cut playback.
func (s *Server) SendInterrupt() {
	s.send(map[string]string{"type": "interrupt"})
}

// SendPerf emits a latency breakdown.
func (s *Server) SendPerf(stt, rag, llm, tts, total float64) {
	s.send(map[string]interface{}{
		"type": "perf", "stt_ms": stt, "rag_ms": rag,
		"llm_ms": llm, "tts_ms": tts, "total_ms": total,
	})
}

// SendError emits an explicit pipeline error.
func (s *Server) SendError(message string) {
	s.send(map[string]string{"type": "error", "message": message})
}

// SendPing emits a keepalive probe.
func (s *Server) SendPing() {
	s.send(map[string]string{"type": "ping"})
}

// SendRaw emits an arbitrary pre-encoded message; tests use it for
// malformed and unknown-type payloads.
func (s *Server) SendRaw(data []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// DropConnection closes the client connection without a close handshake,
// simulating an unexpected network failure.
func (s *Server) DropConnection() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Received returns a copy of every recorded client message, in order.
func (s *Server) Received() []Inbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Inbound, len(s.received))
	copy(out, s.received)
	return out
}

// CountReceived returns how many messages of the given type arrived.
func (s *Server) CountReceived(messageType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, msg := range s.received {
		if msg.Type == messageType {
			count++
		}
	}
	return count
}

// WaitForMessage polls until a message of the given type arrives or the
// timeout elapses.
func (s *Server) WaitForMessage(messageType string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.CountReceived(messageType) > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// WaitForConnection polls until at least n clients have connected.
func (s *Server) WaitForConnection(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		connects := s.connects
		s.mu.Unlock()
		if connects >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Connects returns how many times a client connected.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Sessions returns the session identifiers seen, in connection order.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sessions))
	copy(out, s.sessions)
	return out
}
