package playback

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxwire/voxwire/domain/devices"
	"github.com/voxwire/voxwire/domain/entities"
)

// DefaultFallbackMargin is added to each item's duration when arming its
// fallback timer.
const DefaultFallbackMargin = 250 * time.Millisecond

// DoneNotifier receives the acknowledgment that the queue fully drained.
// The session controller implements it by sending playback_done; the remote
// pipeline uses that signal to advance its own state machine.
type DoneNotifier interface {
	NotifyPlaybackDone()
}

// item is one queued synthesized-audio fragment. The id is compared on
// completion so that a stale natural-end or fallback signal for a previous
// item can never advance the queue twice.
type item struct {
	id      uint64
	payload []byte
}

// Engine renders synthesized-audio fragments strictly in arrival order.
//
// Two racing signals can complete the active item: the speaker's natural
// end-of-stream notification, and a fallback timer armed at the item's
// duration plus a fixed margin. Whichever fires first advances the queue;
// the loser is disarmed by the identity check in complete. Neither path
// alone is trusted, so no single failure can stall playback indefinitely.
type Engine struct {
	session  *entities.Session
	speaker  devices.Speaker
	notifier DoneNotifier
	margin   time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	queue   []item
	current *item
	playing bool
	timer   *time.Timer
	nextID  uint64

	// cycleActive is true from the first enqueue after an idle period until
	// the drain acknowledgment goes out. Interrupt clears it without
	// acknowledging, so an interrupted cycle never produces playback_done.
	cycleActive bool
}

// NewEngine creates a playback engine. notifier may be nil, in which case
// drain acknowledgments are skipped (used by unit tests of other packages).
func NewEngine(session *entities.Session, speaker devices.Speaker, notifier DoneNotifier, margin time.Duration, logger *zap.Logger) *Engine {
	if margin <= 0 {
		margin = DefaultFallbackMargin
	}
	return &Engine{
		session:  session,
		speaker:  speaker,
		notifier: notifier,
		margin:   margin,
		logger:   logger,
	}
}

// Enqueue appends one encoded fragment to the queue and starts playback if
// the engine is idle. The session is marked agent-speaking as soon as
// content arrives, before any sound renders; observers treat queued audio
// as the agent already speaking.
func (e *Engine) Enqueue(payload []byte) {
	e.mu.Lock()
	e.nextID++
	e.queue = append(e.queue, item{id: e.nextID, payload: payload})
	e.session.SetAgentSpeaking(true)
	e.cycleActive = true
	drained := false
	if !e.playing {
		drained = e.playNextLocked()
	}
	e.mu.Unlock()

	if drained {
		e.notifyDone()
	}
}

// Interrupt is the barge-in path: stop the active item immediately, discard
// the entire remaining queue, and clear agent-speaking. No playback_done is
// sent; the remote side learns of the interruption through an explicit
// user_interrupt signal instead. Safe to call when idle.
//
// The device stop happens under the engine lock so that a concurrent
// Enqueue cannot start a fresh item that the stop would then kill. The
// speaker never takes the engine lock, so the ordering cannot deadlock.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	e.stopTimerLocked()
	e.queue = nil
	e.current = nil
	e.playing = false
	e.cycleActive = false
	e.session.SetAgentSpeaking(false)
	e.speaker.Stop()
	e.mu.Unlock()
}

// Idle reports whether nothing is queued and nothing is playing.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.playing && len(e.queue) == 0
}

// QueueLen returns the number of fragments waiting behind the active one.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// playNextLocked pops and renders the head of the queue. Returns true when
// the queue fully drained, meaning the caller must send playback_done after
// releasing the lock. Decode failures skip to the next item so one bad
// fragment never costs the session its ability to play the rest.
func (e *Engine) playNextLocked() bool {
	for len(e.queue) > 0 {
		head := e.queue[0]
		e.queue = e.queue[1:]

		clip, err := DecodeWAV(head.payload)
		if err != nil {
			e.logger.Warn("Skipping undecodable audio fragment",
				zap.Uint64("item", head.id),
				zap.Int("bytes", len(head.payload)),
				zap.Error(err))
			continue
		}

		done, err := e.speaker.Play(clip.PCM, clip.SampleRate, clip.Channels)
		if err != nil {
			e.logger.Warn("Speaker rejected audio fragment",
				zap.Uint64("item", head.id),
				zap.Error(err))
			continue
		}

		current := head
		e.current = &current
		e.playing = true

		id := head.id
		e.timer = time.AfterFunc(clip.Duration()+e.margin, func() {
			e.complete(id, "fallback")
		})
		go func() {
			<-done
			e.complete(id, "natural")
		}()

		e.logger.Debug("Rendering audio fragment",
			zap.Uint64("item", id),
			zap.Duration("duration", clip.Duration()))
		return false
	}

	e.current = nil
	e.playing = false
	e.session.SetAgentSpeaking(false)
	drained := e.cycleActive
	e.cycleActive = false
	return drained
}

// complete advances the queue for the given item exactly once. Both the
// natural end-of-stream signal and the fallback timer land here; the
// identity comparison against the currently rendering item makes the
// double-fire idempotent.
func (e *Engine) complete(id uint64, source string) {
	e.mu.Lock()
	if e.current == nil || e.current.id != id {
		e.mu.Unlock()
		return
	}
	e.stopTimerLocked()
	if source == "fallback" {
		e.logger.Debug("Fallback timer forced playback advance", zap.Uint64("item", id))
	}
	drained := e.playNextLocked()
	e.mu.Unlock()

	if drained {
		e.notifyDone()
	}
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) notifyDone() {
	if e.notifier != nil {
		e.notifier.NotifyPlaybackDone()
	}
}

// Close stops playback for session teardown. Like Interrupt it discards
// the queue without acknowledging a drain, then releases the device.
func (e *Engine) Close() error {
	e.Interrupt()
	return e.speaker.Close()
}
