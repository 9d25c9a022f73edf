package session

import (
	"go.uber.org/zap"

	"github.com/voxwire/voxwire/domain/entities"
	"github.com/voxwire/voxwire/internal/playback"
	"github.com/voxwire/voxwire/internal/protocol"
)

// ControlSender is the slice of the Controller the router needs for
// immediate replies.
type ControlSender interface {
	SendPong()
}

// Router classifies every inbound message by its type tag and updates
// session state or drives the playback engine. Malformed and unrecognized
// messages are logged and dropped; they never close the channel.
type Router struct {
	session  *entities.Session
	engine   *playback.Engine
	sender   ControlSender
	liveness *Liveness
	logger   *zap.Logger

	// RemoteErrors surfaces explicit error reports from the remote
	// pipeline. Sends are non-blocking; an unread error is still logged.
	RemoteErrors chan string
}

func NewRouter(session *entities.Session, engine *playback.Engine, sender ControlSender, logger *zap.Logger) *Router {
	return &Router{
		session:      session,
		engine:       engine,
		sender:       sender,
		liveness:     NewLiveness(),
		logger:       logger,
		RemoteErrors: make(chan string, 8),
	}
}

// Liveness exposes the keepalive monitor.
func (r *Router) Liveness() *Liveness {
	return r.liveness
}

// HandleMessage dispatches one raw inbound message.
func (r *Router) HandleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		r.logger.Warn("Ignoring malformed inbound message", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *protocol.StatusMessage:
		r.handleStatus(entities.Stage(m.Stage))

	case *protocol.VadMessage:
		r.session.SetUserSpeaking(m.Speaking)

	case *protocol.TranscriptMessage:
		r.session.AppendTurn(normalizeRole(m.Role), m.Text)

	case *protocol.TokenMessage:
		r.session.AppendPendingReply(m.Text)

	case *protocol.AudioMessage:
		payload, err := protocol.DecodeAudioPayload(m)
		if err != nil {
			r.logger.Warn("Ignoring audio message with bad payload", zap.Error(err))
			return
		}
		r.engine.Enqueue(payload)

	case *protocol.PerfMessage:
		r.session.SetPerf(entities.PerfSample{
			SttMs:   m.SttMs,
			RagMs:   m.RagMs,
			LlmMs:   m.LlmMs,
			TtsMs:   m.TtsMs,
			TotalMs: m.TotalMs,
		})

	case *protocol.ErrorMessage:
		r.logger.Error("Remote pipeline reported error", zap.String("message", m.Message))
		select {
		case r.RemoteErrors <- m.Message:
		default:
		}

	case *protocol.ControlMessage:
		r.handleControl(m)

	case *protocol.UnknownMessage:
		r.logger.Debug("Ignoring unrecognized message type", zap.String("type", string(m.Type)))
	}
}

func (r *Router) handleStatus(stage entities.Stage) {
	r.session.SetStage(stage)

	switch stage {
	case entities.StageSpeaking:
		r.session.SetAgentSpeaking(true)
	case entities.StageListening:
		// Queued or rendering audio keeps the agent "speaking" even when
		// the remote pipeline has already moved on to listening.
		if r.engine.Idle() {
			r.session.SetAgentSpeaking(false)
		}
	}
}

func (r *Router) handleControl(m *protocol.ControlMessage) {
	switch m.Type {
	case protocol.MessageTypeInterrupt:
		r.engine.Interrupt()
		r.session.SetStage(entities.StageListening)

	case protocol.MessageTypePing:
		r.liveness.ObservePing()
		r.sender.SendPong()

	default:
		r.logger.Debug("Ignoring unrecognized control message", zap.String("type", string(m.Type)))
	}
}

// normalizeRole maps the remote pipeline's role naming onto the transcript
// roles; the backend says "assistant" where this client says agent.
func normalizeRole(role string) entities.TurnRole {
	if role == string(entities.TurnRoleUser) {
		return entities.TurnRoleUser
	}
	return entities.TurnRoleAgent
}
