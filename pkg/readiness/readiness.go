// Package readiness decides when a call's media channel is usable and
// mirrors endpointing activity into a per-call audio state machine used
// for arming and diagnostics. It owns the authoritative pre-roll buffer
// so the window survives transport reconnects independently of the
// endpointing engine.
package readiness

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/preroll"
)

// AudioState is the per-call audio lifecycle state.
type AudioState int

const (
	StateIdle AudioState = iota
	StateListening
	StateCapturing
	StateFinalizingSTT
	StateResponding
	StatePlaying
	StateEnding // terminal
)

func (s AudioState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateCapturing:
		return "capturing"
	case StateFinalizingSTT:
		return "finalizing_stt"
	case StateResponding:
		return "responding"
	case StatePlaying:
		return "playing"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Gate holds the arming eligibility queries. All report instantaneous
// session state; the coordinator adds its own media-ready and
// not-already-listening conditions.
type Gate struct {
	CallActive         func() bool
	HandlingTranscript func() bool
	PlaybackActive     func() bool
}

// TimingReport is the once-per-utterance diagnostic summary emitted on
// transitions into LISTENING or ENDING.
type TimingReport struct {
	PlaybackEndedAt  time.Time
	FirstFrameAt     time.Time
	ArmedAt          time.Time
	UtteranceStartAt time.Time

	PreRoll         time.Duration
	Utterance       time.Duration
	Speech          time.Duration
	TrailingSilence time.Duration

	// Derived deltas; zero when the source timestamp is unset.
	PlaybackEndToFirstFrame time.Duration
	FirstFrameToArmed       time.Duration
}

// Config holds media-ready tuning. Zero values are replaced by defaults.
type Config struct {
	// MinAudio is the cumulative recent frame duration required before
	// the channel counts as ready.
	MinAudio time.Duration
	// MaxGap bounds the silence between frames; the effective gap
	// threshold is max(MaxGap, 4 x NominalFrame). A qualifying gap
	// resets the accumulator.
	MaxGap       time.Duration
	NominalFrame time.Duration

	PreRollWindow time.Duration
}

// DefaultConfig returns media-ready tuning for 20ms telephony frames.
func DefaultConfig() Config {
	return Config{
		MinAudio:      200 * time.Millisecond,
		MaxGap:        300 * time.Millisecond,
		NominalFrame:  20 * time.Millisecond,
		PreRollWindow: 600 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinAudio <= 0 {
		c.MinAudio = d.MinAudio
	}
	if c.MaxGap <= 0 {
		c.MaxGap = d.MaxGap
	}
	if c.NominalFrame <= 0 {
		c.NominalFrame = d.NominalFrame
	}
	if c.PreRollWindow <= 0 {
		c.PreRollWindow = d.PreRollWindow
	}
	return c
}

func (c Config) gapThreshold() time.Duration {
	if g := 4 * c.NominalFrame; g > c.MaxGap {
		return g
	}
	return c.MaxGap
}

// Coordinator tracks media readiness and the audio state machine for one
// call.
type Coordinator struct {
	cfg  Config
	clk  clock.Clock
	log  *slog.Logger
	gate Gate

	// OnTiming, when set, receives the once-per-utterance summary.
	onTiming func(TimingReport)

	preRoll *preroll.Buffer

	mu          sync.Mutex
	state       AudioState
	connected   bool
	ready       bool
	accumulated time.Duration
	lastFrameAt time.Time

	playbackEndedAt  time.Time
	firstFrameAt     time.Time
	armedAt          time.Time
	utteranceStartAt time.Time
	pendingTiming    bool
	preRollDur       time.Duration
	utteranceDur     time.Duration
	speechDur        time.Duration
	trailingDur      time.Duration
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithTiming installs the timing summary sink.
func WithTiming(fn func(TimingReport)) Option {
	return func(c *Coordinator) { c.onTiming = fn }
}

// WithClock overrides the clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clk = clk }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a coordinator in IDLE with an empty pre-roll.
func New(cfg Config, gate Gate, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:     cfg,
		clk:     clock.New(),
		log:     slog.Default(),
		gate:    gate,
		preRoll: preroll.New(cfg.PreRollWindow),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PreRoll returns the call's pre-roll buffer; the endpointing engine
// shares this buffer so readiness can clear it on disconnect.
func (c *Coordinator) PreRoll() *preroll.Buffer { return c.preRoll }

// Connected marks the media channel connected. Readiness still requires
// observed audio.
func (c *Coordinator) Connected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
}

// Disconnected clears readiness and the pre-roll immediately.
func (c *Coordinator) Disconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.ready = false
	c.accumulated = 0
	c.lastFrameAt = time.Time{}
	c.preRoll.Reset()
	c.log.Debug("media channel disconnected, readiness cleared")
}

// ObserveFrame feeds one inbound frame into the readiness accumulator.
// It does not buffer audio; the engine owns buffering decisions.
func (c *Coordinator) ObserveFrame(f pcm.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if c.firstFrameAt.IsZero() {
		c.firstFrameAt = now
	}

	if !c.lastFrameAt.IsZero() && now.Sub(c.lastFrameAt) > c.cfg.gapThreshold() {
		// The stream stalled; recent-audio credit no longer counts.
		c.accumulated = 0
		if c.ready {
			c.log.Debug("media gap exceeded threshold, readiness reset",
				slog.Duration("gap", now.Sub(c.lastFrameAt)))
		}
		c.ready = false
	}
	c.lastFrameAt = now
	c.accumulated += f.Duration()

	if !c.ready && c.connected && c.accumulated >= c.cfg.MinAudio {
		c.ready = true
		c.log.Debug("media ready", slog.Duration("accumulated", c.accumulated))
	}
}

// MediaReady reports whether the channel currently qualifies as usable.
func (c *Coordinator) MediaReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// State returns the current audio state.
func (c *Coordinator) State() AudioState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TryArm attempts the transition into LISTENING. Arming requires: call
// active, no transcript being handled, playback idle, media ready, and
// not already listening or mid-capture. Returns whether the transition
// happened.
func (c *Coordinator) TryArm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateEnding || c.state == StateListening || c.state == StateCapturing {
		return false
	}
	if !c.ready {
		return false
	}
	if c.gate.CallActive != nil && !c.gate.CallActive() {
		return false
	}
	if c.gate.HandlingTranscript != nil && c.gate.HandlingTranscript() {
		return false
	}
	if c.gate.PlaybackActive != nil && c.gate.PlaybackActive() {
		return false
	}

	c.emitTimingLocked()
	c.armedAt = c.clk.Now()
	c.setStateLocked(StateListening)
	return true
}

// SpeechStarted transitions LISTENING into CAPTURING and begins a fresh
// utterance timing record.
func (c *Coordinator) SpeechStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnding {
		return
	}
	c.utteranceStartAt = c.clk.Now()
	c.pendingTiming = true
	c.preRollDur, c.utteranceDur, c.speechDur, c.trailingDur = 0, 0, 0, 0
	c.setStateLocked(StateCapturing)
}

// UtteranceFinalized transitions into FINALIZING_STT and records the
// utterance durations for the timing summary.
func (c *Coordinator) UtteranceFinalized(preRoll, total, speech, trailing time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnding {
		return
	}
	c.preRollDur = preRoll
	c.utteranceDur = total
	c.speechDur = speech
	c.trailingDur = trailing
	c.setStateLocked(StateFinalizingSTT)
}

// ReplyStarted transitions into RESPONDING.
func (c *Coordinator) ReplyStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnding {
		return
	}
	c.setStateLocked(StateResponding)
}

// PlaybackStarted transitions into PLAYING.
func (c *Coordinator) PlaybackStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnding {
		return
	}
	c.setStateLocked(StatePlaying)
}

// PlaybackEnded records the authoritative playback-end time used in the
// next utterance's timing deltas.
func (c *Coordinator) PlaybackEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playbackEndedAt = c.clk.Now()
}

// Hangup transitions into the terminal ENDING state, flushing any
// unreported utterance timing.
func (c *Coordinator) Hangup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnding {
		return
	}
	c.emitTimingLocked()
	c.setStateLocked(StateEnding)
}

func (c *Coordinator) setStateLocked(next AudioState) {
	if c.state == next {
		return
	}
	c.log.Debug("audio state transition",
		slog.String("from", c.state.String()),
		slog.String("to", next.String()))
	c.state = next
}

// emitTimingLocked emits the pending utterance summary at most once.
func (c *Coordinator) emitTimingLocked() {
	if !c.pendingTiming {
		return
	}
	c.pendingTiming = false

	r := TimingReport{
		PlaybackEndedAt:  c.playbackEndedAt,
		FirstFrameAt:     c.firstFrameAt,
		ArmedAt:          c.armedAt,
		UtteranceStartAt: c.utteranceStartAt,
		PreRoll:          c.preRollDur,
		Utterance:        c.utteranceDur,
		Speech:           c.speechDur,
		TrailingSilence:  c.trailingDur,
	}
	if !r.PlaybackEndedAt.IsZero() && !r.FirstFrameAt.IsZero() && r.FirstFrameAt.After(r.PlaybackEndedAt) {
		r.PlaybackEndToFirstFrame = r.FirstFrameAt.Sub(r.PlaybackEndedAt)
	}
	if !r.FirstFrameAt.IsZero() && !r.ArmedAt.IsZero() && r.ArmedAt.After(r.FirstFrameAt) {
		r.FirstFrameToArmed = r.ArmedAt.Sub(r.FirstFrameAt)
	}

	c.log.Debug("utterance timing",
		slog.Duration("pre_roll", r.PreRoll),
		slog.Duration("utterance", r.Utterance),
		slog.Duration("speech", r.Speech),
		slog.Duration("trailing_silence", r.TrailingSilence))
	if c.onTiming != nil {
		c.onTiming(r)
	}
}
