package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxwire/voxwire/domain/entities"
	"github.com/voxwire/voxwire/internal/auth"
	"github.com/voxwire/voxwire/internal/capture"
	"github.com/voxwire/voxwire/internal/playback"
	"github.com/voxwire/voxwire/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer; synthesized fragments are
	// complete audio files, so this is generous.
	maxMessageSize = 4 * 1024 * 1024
)

// Config tunes the controller's connection behavior.
type Config struct {
	// ServerURL is the remote endpoint base, e.g. "ws://localhost:8080".
	ServerURL string

	SampleRate int
	FrameSize  int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// TokenSecret, when non-empty, signs a session token attached to the
	// connection URL.
	TokenSecret string
}

// Handler consumes raw inbound channel messages.
type Handler interface {
	HandleMessage(data []byte)
}

// Controller owns the channel lifecycle: connect, identify,
// reconnect-with-backoff, teardown. Nothing else touches the websocket;
// capture and playback reach the wire only through the Send methods here,
// which silently drop when the channel is not open.
type Controller struct {
	session *entities.Session
	config  Config
	logger  *zap.Logger

	handler  Handler
	engine   *playback.Engine
	pipeline *capture.Pipeline

	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	connecting     bool
	closed         bool
	reconnectTimer *time.Timer
}

func NewController(session *entities.Session, config Config, logger *zap.Logger) *Controller {
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 10 * time.Second
	}
	return &Controller{
		session: session,
		config:  config,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
	}
}

// SetHandler installs the inbound message consumer, normally the Router.
func (c *Controller) SetHandler(handler Handler) {
	c.handler = handler
}

// Bind attaches the components the controller must stop on teardown.
func (c *Controller) Bind(engine *playback.Engine, pipeline *capture.Pipeline) {
	c.engine = engine
	c.pipeline = pipeline
}

// Connect opens the channel if not already connected. Idempotent while a
// connection attempt is outstanding. On success it declares the audio
// format and resets the reconnect attempt counter; on failure it schedules
// a backoff retry unless auto-reconnect was disabled. After an explicit
// Disconnect the controller stays down, even when the teardown raced an
// in-flight dial.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.connecting || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	c.session.SetConnState(entities.ConnStateConnecting)

	target, err := c.connectURL()
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.session.SetConnState(entities.ConnStateDisconnected)
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.session.SetConnState(entities.ConnStateDisconnected)
		c.logger.Warn("Connection attempt failed",
			zap.String("sessionID", c.session.ID),
			zap.Error(err))
		c.scheduleReconnect()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	if c.closed {
		// Disconnect ran while the dial was in flight; the session is torn
		// down, so the fresh connection must not be installed.
		c.connecting = false
		c.mu.Unlock()
		_ = conn.Close()
		c.session.SetConnState(entities.ConnStateDisconnected)
		return nil
	}
	c.conn = conn
	c.connecting = false
	c.mu.Unlock()

	c.session.SetConnState(entities.ConnStateConnected)
	c.session.ResetReconnectAttempts()

	c.logger.Info("Channel connected", zap.String("sessionID", c.session.ID))

	c.send(protocol.NewConfigMessage(c.config.SampleRate, c.config.FrameSize))

	go c.readPump(conn)
	return nil
}

// Disconnect is the explicit, user-initiated teardown: it disables
// auto-reconnect, cancels any pending retry, stops capture and playback,
// sends a final end notification while the channel is still open, and
// closes with a normal status. Every other closure path is treated as
// unexpected and goes through the reconnect policy instead.
func (c *Controller) Disconnect() {
	c.session.DisableAutoReconnect()

	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	if c.pipeline != nil {
		c.pipeline.Stop()
	}
	if c.engine != nil {
		c.engine.Interrupt()
	}

	c.send(protocol.NewControlMessage(protocol.MessageTypeEnd))

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}

	c.session.SetConnState(entities.ConnStateDisconnected)
	c.session.SetStage(entities.StageIdle)

	c.logger.Info("Session disconnected", zap.String("sessionID", c.session.ID))
}

// readPump delivers inbound messages to the handler until the channel
// drops, then decides whether the closure was clean.
func (c *Controller) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Channel closed unexpectedly", zap.Error(err))
			}
			break
		}
		if c.handler != nil {
			c.handler.HandleMessage(data)
		}
	}

	c.mu.Lock()
	stillOurs := c.conn == conn
	if stillOurs {
		c.conn = nil
	}
	c.mu.Unlock()

	if !stillOurs {
		// Disconnect already took the connection down; nothing to recover.
		return
	}

	_ = conn.Close()
	c.session.SetConnState(entities.ConnStateDisconnected)
	c.scheduleReconnect()
}

// scheduleReconnect arms a retry after an exponentially growing, capped
// delay. The attempt counter increments per failure and resets on the next
// successful open. Disabling auto-reconnect cancels the retry even
// mid-delay.
func (c *Controller) scheduleReconnect() {
	if !c.session.AutoReconnect() {
		return
	}

	attempt := c.session.BumpReconnectAttempts()
	delay := backoffDelay(attempt, c.config.BackoffBase, c.config.BackoffMax)

	c.logger.Info("Scheduling reconnection",
		zap.String("sessionID", c.session.ID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if !c.session.AutoReconnect() {
			return
		}
		_ = c.Connect(context.Background())
	})
	c.mu.Unlock()
}

// backoffDelay is min(base * 2^attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// connectURL embeds the client-generated session identifier in the
// connection target so the remote side can correlate this stream with any
// uploaded-knowledge or conversation-history context.
func (c *Controller) connectURL() (string, error) {
	base := strings.TrimSuffix(c.config.ServerURL, "/")
	target, err := url.Parse(base + "/ws/voice/" + c.session.ID)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	if c.config.TokenSecret != "" {
		token, err := auth.GenerateSessionToken(c.session.ID, []byte(c.config.TokenSecret))
		if err != nil {
			return "", fmt.Errorf("failed to sign session token: %w", err)
		}
		q := target.Query()
		q.Set("token", token)
		target.RawQuery = q.Encode()
	}

	return target.String(), nil
}

// send writes one message while holding the write lock. Sends attempted
// while the channel is not open are dropped, never queued.
func (c *Controller) send(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Warn("Failed to write message", zap.Error(err))
	}
}

// SendAudioFrame transmits one captured PCM16 frame.
func (c *Controller) SendAudioFrame(pcm []byte) {
	c.send(protocol.NewAudioFrameMessage(pcm))
}

// SendUserInterrupt tells the remote side the user spoke over the agent.
func (c *Controller) SendUserInterrupt() {
	c.send(protocol.NewControlMessage(protocol.MessageTypeUserInterrupt))
}

// SendPong answers a server keepalive probe.
func (c *Controller) SendPong() {
	c.send(protocol.NewControlMessage(protocol.MessageTypePong))
}

// NotifyPlaybackDone acknowledges that the playback queue fully drained.
func (c *Controller) NotifyPlaybackDone() {
	c.send(protocol.NewControlMessage(protocol.MessageTypePlaybackDone))
}

// Connected reports whether the channel is currently open.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

var _ capture.FrameSender = (*Controller)(nil)
var _ playback.DoneNotifier = (*Controller)(nil)
