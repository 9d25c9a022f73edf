package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MessageType defines the type tag of a wire message.
type MessageType string

// Client to remote message types.
const (
	MessageTypeConfig        MessageType = "config"
	MessageTypeAudio         MessageType = "audio"
	MessageTypeEnd           MessageType = "end"
	MessageTypePlaybackDone  MessageType = "playback_done"
	MessageTypePong          MessageType = "pong"
	MessageTypeUserInterrupt MessageType = "user_interrupt"
)

// Remote to client message types. "audio" is shared between directions.
const (
	MessageTypeStatus     MessageType = "status"
	MessageTypeVad        MessageType = "vad"
	MessageTypeTranscript MessageType = "transcript"
	MessageTypeToken      MessageType = "token"
	MessageTypeInterrupt  MessageType = "interrupt"
	MessageTypePerf       MessageType = "perf"
	MessageTypeError      MessageType = "error"
	MessageTypePing       MessageType = "ping"
)

// ConfigMessage declares the outbound audio format, sent once per
// connection immediately after the channel opens.
type ConfigMessage struct {
	Type       MessageType `json:"type"`
	SampleRate int         `json:"sampleRate"`
	BufferSize int         `json:"bufferSize"`
}

// AudioMessage carries one audio payload, base64-encoded. Outbound it is
// raw PCM16; inbound it is a self-contained encoded fragment (a complete
// WAV payload from the remote synthesizer).
type AudioMessage struct {
	Type   MessageType `json:"type"`
	Data   string      `json:"data"`
	Format string      `json:"format,omitempty"`
}

// ControlMessage is a bare type-only message (end, playback_done, pong,
// user_interrupt, interrupt, ping).
type ControlMessage struct {
	Type MessageType `json:"type"`
}

// StatusMessage reports the remote pipeline's current stage.
type StatusMessage struct {
	Type  MessageType `json:"type"`
	Stage string      `json:"stage"`
}

// VadMessage is the server-computed voice activity indicator.
type VadMessage struct {
	Type     MessageType `json:"type"`
	Speaking bool        `json:"speaking"`
}

// TranscriptMessage is a finalized conversation turn.
type TranscriptMessage struct {
	Type MessageType `json:"type"`
	Role string      `json:"role"`
	Text string      `json:"text"`
}

// TokenMessage is one streamed token of the in-progress agent reply.
type TokenMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// PerfMessage is the per-stage latency breakdown for the last turn.
type PerfMessage struct {
	Type    MessageType `json:"type"`
	SttMs   float64     `json:"stt_ms"`
	RagMs   float64     `json:"rag_ms"`
	LlmMs   float64     `json:"llm_ms"`
	TtsMs   float64     `json:"tts_ms"`
	TotalMs float64     `json:"total_ms"`
}

// ErrorMessage is an explicit error report from the remote pipeline.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// UnknownMessage is returned for type tags this client does not recognize.
// Callers ignore it without failing the session.
type UnknownMessage struct {
	Type MessageType
	Raw  json.RawMessage
}

// Decode parses an inbound wire message into its typed form.
func Decode(data []byte) (interface{}, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeStatus:
		var msg StatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid status message: %w", err)
		}
		return &msg, nil

	case MessageTypeVad:
		var msg VadMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid vad message: %w", err)
		}
		return &msg, nil

	case MessageTypeTranscript:
		var msg TranscriptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid transcript message: %w", err)
		}
		return &msg, nil

	case MessageTypeToken:
		var msg TokenMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid token message: %w", err)
		}
		return &msg, nil

	case MessageTypeAudio:
		var msg AudioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid audio message: %w", err)
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("audio message missing data")
		}
		return &msg, nil

	case MessageTypeInterrupt, MessageTypePing:
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid control message: %w", err)
		}
		return &msg, nil

	case MessageTypePerf:
		var msg PerfMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid perf message: %w", err)
		}
		return &msg, nil

	case MessageTypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid error message: %w", err)
		}
		return &msg, nil

	default:
		return &UnknownMessage{Type: base.Type, Raw: json.RawMessage(data)}, nil
	}
}

// DecodeAudioPayload decodes the base64 payload of an audio message.
func DecodeAudioPayload(msg *AudioMessage) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio data: %w", err)
	}
	return payload, nil
}

// NewConfigMessage creates a config declaration for the session's audio format.
func NewConfigMessage(sampleRate, bufferSize int) *ConfigMessage {
	return &ConfigMessage{
		Type:       MessageTypeConfig,
		SampleRate: sampleRate,
		BufferSize: bufferSize,
	}
}

// NewAudioFrameMessage wraps one captured PCM16 frame for transmission.
func NewAudioFrameMessage(pcm []byte) *AudioMessage {
	return &AudioMessage{
		Type: MessageTypeAudio,
		Data: base64.StdEncoding.EncodeToString(pcm),
	}
}

// NewControlMessage creates a bare type-only message.
func NewControlMessage(messageType MessageType) *ControlMessage {
	return &ControlMessage{Type: messageType}
}
