package session

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/voxwire/voxwire/adapters/speaker"
	"github.com/voxwire/voxwire/domain/entities"
	"github.com/voxwire/voxwire/internal/playback"
)

type pongRecorder struct {
	pongs int
}

func (p *pongRecorder) SendPong() {
	p.pongs++
}

func newTestRouter() (*Router, *entities.Session, *speaker.MockSpeaker, *pongRecorder) {
	session := entities.NewSession()
	spk := speaker.NewMockSpeaker()
	engine := playback.NewEngine(session, spk, nil, playback.DefaultFallbackMargin, zap.NewNop())
	sender := &pongRecorder{}
	router := NewRouter(session, engine, sender, zap.NewNop())
	return router, session, spk, sender
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal test message: %v", err)
	}
	return data
}

func TestRouterStatusUpdatesStage(t *testing.T) {
	router, session, _, _ := newTestRouter()

	router.HandleMessage(mustJSON(t, map[string]string{"type": "status", "stage": "thinking"}))
	if session.Stage() != entities.StageThinking {
		t.Errorf("expected stage thinking, got %q", session.Stage())
	}

	router.HandleMessage(mustJSON(t, map[string]string{"type": "status", "stage": "speaking"}))
	if !session.AgentSpeaking() {
		t.Error("expected agent-speaking set on speaking stage")
	}

	router.HandleMessage(mustJSON(t, map[string]string{"type": "status", "stage": "listening"}))
	if session.AgentSpeaking() {
		t.Error("expected agent-speaking cleared on listening stage with idle playback")
	}
}

func TestRouterListeningKeepsAgentSpeakingWhileAudioQueued(t *testing.T) {
	router, session, _, _ := newTestRouter()

	wav := playback.EncodeWAV(make([]byte, 32000), 16000, 1)
	router.HandleMessage(mustJSON(t, map[string]string{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString(wav),
	}))

	router.HandleMessage(mustJSON(t, map[string]string{"type": "status", "stage": "listening"}))
	if !session.AgentSpeaking() {
		t.Error("expected agent-speaking to survive a listening stage while audio renders")
	}
}

func TestRouterVadTracksUserSpeech(t *testing.T) {
	router, session, _, _ := newTestRouter()

	router.HandleMessage(mustJSON(t, map[string]interface{}{"type": "vad", "speaking": true}))
	if !session.UserSpeaking() {
		t.Error("expected user-speaking set")
	}

	router.HandleMessage(mustJSON(t, map[string]interface{}{"type": "vad", "speaking": false}))
	if session.UserSpeaking() {
		t.Error("expected user-speaking cleared")
	}
}

func TestRouterTranscriptNormalizesRoles(t *testing.T) {
	router, session, _, _ := newTestRouter()

	router.HandleMessage(mustJSON(t, map[string]string{
		"type": "transcript", "role": "user", "text": "what is the return policy",
	}))
	router.HandleMessage(mustJSON(t, map[string]string{
		"type": "transcript", "role": "assistant", "text": "returns are accepted within 30 days",
	}))

	transcript := session.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(transcript))
	}
	if transcript[0].Role != entities.TurnRoleUser {
		t.Errorf("expected user role, got %q", transcript[0].Role)
	}
	if transcript[1].Role != entities.TurnRoleAgent {
		t.Errorf("expected assistant mapped to agent role, got %q", transcript[1].Role)
	}
}

func TestRouterTokensAccumulateUntilTranscript(t *testing.T) {
	router, session, _, _ := newTestRouter()

	router.HandleMessage(mustJSON(t, map[string]string{"type": "token", "text": "returns "}))
	router.HandleMessage(mustJSON(t, map[string]string{"type": "token", "text": "are accepted"}))
	if got := session.PendingReply(); got != "returns are accepted" {
		t.Errorf("expected accumulated pending reply, got %q", got)
	}

	router.HandleMessage(mustJSON(t, map[string]string{
		"type": "transcript", "role": "assistant", "text": "returns are accepted",
	}))
	if got := session.PendingReply(); got != "" {
		t.Errorf("expected pending reply cleared by transcript, got %q", got)
	}
}

func TestRouterAudioEnqueuesFragment(t *testing.T) {
	router, _, spk, _ := newTestRouter()

	wav := playback.EncodeWAV(make([]byte, 320), 16000, 1)
	router.HandleMessage(mustJSON(t, map[string]string{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString(wav),
	}))

	if len(spk.Played()) != 1 {
		t.Fatalf("expected 1 fragment playing, got %d", len(spk.Played()))
	}
}

func TestRouterAudioWithBadPayloadDropped(t *testing.T) {
	router, _, spk, _ := newTestRouter()

	router.HandleMessage(mustJSON(t, map[string]string{
		"type": "audio",
		"data": "%%% not base64 %%%",
	}))

	if len(spk.Played()) != 0 {
		t.Errorf("expected nothing played for a bad payload, got %d", len(spk.Played()))
	}
}

func TestRouterPerfOverwritesSample(t *testing.T) {
	router, session, _, _ := newTestRouter()

	router.HandleMessage(mustJSON(t, map[string]interface{}{
		"type": "perf", "stt_ms": 120.0, "rag_ms": 40.0, "llm_ms": 600.0, "tts_ms": 220.0, "total_ms": 980.0,
	}))
	router.HandleMessage(mustJSON(t, map[string]interface{}{
		"type": "perf", "stt_ms": 90.0, "rag_ms": 35.0, "llm_ms": 550.0, "tts_ms": 200.0, "total_ms": 875.0,
	}))

	perf := session.Perf()
	if perf == nil {
		t.Fatal("expected a perf sample")
	}
	if perf.TotalMs != 875.0 {
		t.Errorf("expected the latest sample to win, got total %v", perf.TotalMs)
	}
}

func TestRouterRemoteErrorSurfaced(t *testing.T) {
	router, _, _, _ := newTestRouter()

	router.HandleMessage(mustJSON(t, map[string]string{
		"type": "error", "message": "tts backend unavailable",
	}))

	select {
	case msg := <-router.RemoteErrors:
		if msg != "tts backend unavailable" {
			t.Errorf("unexpected error message %q", msg)
		}
	default:
		t.Error("expected the remote error on the channel")
	}
}

func TestRouterInterruptCutsPlayback(t *testing.T) {
	router, session, spk, _ := newTestRouter()

	wav := playback.EncodeWAV(make([]byte, 32000), 16000, 1)
	payload := base64.StdEncoding.EncodeToString(wav)
	router.HandleMessage(mustJSON(t, map[string]string{"type": "audio", "data": payload}))
	router.HandleMessage(mustJSON(t, map[string]string{"type": "audio", "data": payload}))

	router.HandleMessage(mustJSON(t, map[string]string{"type": "interrupt"}))

	if spk.Stops() == 0 {
		t.Error("expected the speaker stopped on interrupt")
	}
	if session.AgentSpeaking() {
		t.Error("expected agent-speaking cleared on interrupt")
	}
	if session.Stage() != entities.StageListening {
		t.Errorf("expected stage listening after interrupt, got %q", session.Stage())
	}
}

func TestRouterPingAnsweredWithPong(t *testing.T) {
	router, _, _, sender := newTestRouter()

	router.HandleMessage(mustJSON(t, map[string]string{"type": "ping"}))
	router.HandleMessage(mustJSON(t, map[string]string{"type": "ping"}))

	if sender.pongs != 2 {
		t.Errorf("expected 2 pongs, got %d", sender.pongs)
	}
	if router.Liveness().Pings() != 2 {
		t.Errorf("expected 2 pings observed, got %d", router.Liveness().Pings())
	}
	if router.Liveness().LastPing().IsZero() {
		t.Error("expected last ping timestamp recorded")
	}
}

func TestRouterIgnoresMalformedAndUnknown(t *testing.T) {
	router, session, spk, sender := newTestRouter()

	router.HandleMessage([]byte("{not valid json"))
	router.HandleMessage(mustJSON(t, map[string]string{"type": "telemetry", "payload": "x"}))

	if len(spk.Played()) != 0 || sender.pongs != 0 || len(session.Transcript()) != 0 {
		t.Error("expected malformed and unknown messages to have no effect")
	}
}
