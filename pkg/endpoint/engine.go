// Package endpoint implements the speech endpointing engine: it converts
// a stream of decoded audio frames into zero or more finalized utterances,
// dispatching each as a transcription request while rejecting noise and
// respecting playback/barge-in semantics.
//
// All frame ingestion for one call is serialized in arrival order.
// Transcription requests resolve asynchronously; a monotonically
// increasing request token invalidates stale completions so a superseded
// request's result is never applied after a newer one has started.
package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/preroll"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/stt"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/timer"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/vad"
)

// Timer names owned by the engine.
const (
	timerNoFrames = "endpoint.noframes"
	timerPartial  = "endpoint.partial"
)

// PlaybackQuery reports whether this call's playback gate is active.
// Frames ingested while the gate is active are analyzed for barge-in but
// never buffered, so synthesized audio cannot leak into a transcript.
type PlaybackQuery func() bool

// FinalizeReason tags why an utterance was finalized.
type FinalizeReason int

const (
	ReasonSilence FinalizeReason = iota
	ReasonNoFrames
	ReasonMaxDuration
	ReasonStop
)

func (r FinalizeReason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonNoFrames:
		return "no_frames"
	case ReasonMaxDuration:
		return "max_duration"
	case ReasonStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Summary describes a finalized utterance.
type Summary struct {
	PreRoll         time.Duration
	Speech          time.Duration
	Total           time.Duration
	TrailingSilence time.Duration
	Bytes           int
	Reason          FinalizeReason
}

// Callbacks is the engine's event surface toward the orchestrator. All
// fields are optional.
type Callbacks struct {
	OnSpeechStart  func()
	OnUtteranceEnd func(Summary)
	OnTranscript   func(text string, kind stt.Kind)
	OnRequestStart func(kind stt.Kind)
	OnRequestEnd   func(kind stt.Kind, err error)
	// OnBargeIn fires once when a confirmed speech streak arms barge-in
	// while the playback gate is active.
	OnBargeIn func()
}

// Config holds endpointing tuning. Zero values are replaced by defaults.
type Config struct {
	SampleRate int
	Language   string

	// RequiredSpeechFrames is the consecutive-speech-frame streak needed
	// to declare speech start (and to arm barge-in during playback).
	RequiredSpeechFrames int

	// Dynamic endpointing: the trailing-silence duration required to
	// finalize is BaseSilence plus a log term in utterance length, minus
	// a bonus for loud speech or plus a penalty for borderline-quiet
	// speech, clamped to [MinSilence, MaxSilence].
	BaseSilence    time.Duration
	MinSilence     time.Duration
	MaxSilence     time.Duration
	SilenceLogGain time.Duration // added per log1p(speech seconds)
	LoudRMS        float64
	LoudBonus      time.Duration
	QuietRMS       float64
	QuietPenalty   time.Duration

	// FinalTailCushion bounds trailing silence kept after the last
	// speech frame when building the final payload.
	FinalTailCushion time.Duration

	// Minimum accumulated speech (duration and bytes) before any
	// finalize path may dispatch a final.
	MinSpeechForFinal time.Duration
	MinBytesForFinal  int

	// NoFrameTimeout finalizes an open utterance when frames stop
	// arriving. MaxUtterance force-finalizes an utterance that stays
	// open far longer than expected even while frames keep coming.
	NoFrameTimeout time.Duration
	MaxUtterance   time.Duration

	// PartialInterval enables periodic partial dispatch when > 0.
	PartialInterval    time.Duration
	MinPartialBuffered time.Duration

	// PostFlushGrace is the window after a requested flush during which
	// incidental re-triggering needs a stronger streak before it aborts
	// the in-flight final.
	PostFlushGrace time.Duration

	PreRollWindow time.Duration
}

// DefaultConfig returns tuning for 16kHz telephony audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:           16000,
		RequiredSpeechFrames: 8,
		BaseSilence:          400 * time.Millisecond,
		MinSilence:           350 * time.Millisecond,
		MaxSilence:           1800 * time.Millisecond,
		SilenceLogGain:       180 * time.Millisecond,
		LoudRMS:              0.08,
		LoudBonus:            150 * time.Millisecond,
		QuietRMS:             0.03,
		QuietPenalty:         300 * time.Millisecond,
		FinalTailCushion:     240 * time.Millisecond,
		MinSpeechForFinal:    300 * time.Millisecond,
		MinBytesForFinal:     6400,
		NoFrameTimeout:       1200 * time.Millisecond,
		MaxUtterance:         30 * time.Second,
		MinPartialBuffered:   600 * time.Millisecond,
		PostFlushGrace:       500 * time.Millisecond,
		PreRollWindow:        600 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.RequiredSpeechFrames <= 0 {
		c.RequiredSpeechFrames = d.RequiredSpeechFrames
	}
	if c.BaseSilence <= 0 {
		c.BaseSilence = d.BaseSilence
	}
	if c.MinSilence <= 0 {
		c.MinSilence = d.MinSilence
	}
	if c.MaxSilence <= 0 {
		c.MaxSilence = d.MaxSilence
	}
	if c.SilenceLogGain <= 0 {
		c.SilenceLogGain = d.SilenceLogGain
	}
	if c.LoudRMS <= 0 {
		c.LoudRMS = d.LoudRMS
	}
	if c.LoudBonus <= 0 {
		c.LoudBonus = d.LoudBonus
	}
	if c.QuietRMS <= 0 {
		c.QuietRMS = d.QuietRMS
	}
	if c.QuietPenalty <= 0 {
		c.QuietPenalty = d.QuietPenalty
	}
	if c.FinalTailCushion <= 0 {
		c.FinalTailCushion = d.FinalTailCushion
	}
	if c.MinSpeechForFinal <= 0 {
		c.MinSpeechForFinal = d.MinSpeechForFinal
	}
	if c.MinBytesForFinal <= 0 {
		c.MinBytesForFinal = d.MinBytesForFinal
	}
	if c.NoFrameTimeout <= 0 {
		c.NoFrameTimeout = d.NoFrameTimeout
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = d.MaxUtterance
	}
	if c.MinPartialBuffered <= 0 {
		c.MinPartialBuffered = d.MinPartialBuffered
	}
	if c.PostFlushGrace <= 0 {
		c.PostFlushGrace = d.PostFlushGrace
	}
	if c.PreRollWindow <= 0 {
		c.PreRollWindow = d.PreRollWindow
	}
	return c
}

// Deps are the engine's injected collaborators.
type Deps struct {
	Transcriber    stt.Transcriber
	Classifier     *vad.Classifier
	PreRoll        *preroll.Buffer
	PlaybackActive PlaybackQuery
	Clock          clock.Clock  // nil uses the real clock
	Logger         *slog.Logger // nil uses slog.Default
	Callbacks      Callbacks
}

// request is one in-flight transcription call.
type request struct {
	kind      stt.Kind
	token     uint64
	cancel    context.CancelFunc
	preserved bool
}

// StopOptions controls teardown behavior.
type StopOptions struct {
	// Flush finalizes any open utterance as a final if enough speech was
	// captured.
	Flush bool
	// PreserveInFlightFinal keeps a final already on the wire alive so a
	// disconnect does not cancel it; its transcript is still delivered.
	PreserveInFlightFinal bool
}

// Engine owns the classifier, pre-roll and utterance buffers for one call
// and decides utterance start and finalization.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	clk   clock.Clock
	sched *timer.Scheduler

	transcriber    stt.Transcriber
	classifier     *vad.Classifier
	preRoll        *preroll.Buffer
	playbackActive PlaybackQuery
	cb             Callbacks

	mu           sync.Mutex
	stopped      bool
	utt          *utterance
	onsetFrames  []pcm.Frame // streak frames held until speech start is confirmed
	gated        bool        // playback gate observed active
	gateStreak   int         // confidence streak while the playback gate is active
	bargeArmed   bool
	armedPreRoll *preroll.Buffer
	flushGraceAt time.Time // end of the post-flush grace window
	seq          uint64
	inFlight     *request
}

// New creates an engine. Transcriber, Classifier and PreRoll are required.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Transcriber == nil {
		return nil, errors.New("transcriber is required")
	}
	if deps.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if deps.PreRoll == nil {
		return nil, errors.New("pre-roll buffer is required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:            cfg.withDefaults(),
		log:            logger,
		clk:            clk,
		sched:          timer.New(clk),
		transcriber:    deps.Transcriber,
		classifier:     deps.Classifier,
		preRoll:        deps.PreRoll,
		playbackActive: deps.PlaybackActive,
		cb:             deps.Callbacks,
	}
	if e.cfg.PartialInterval > 0 {
		e.armPartialTimer()
	}
	return e, nil
}

// Ingest processes one decoded frame. Frames must be delivered in arrival
// order; the engine serializes processing internally.
func (e *Engine) Ingest(f pcm.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	if f.SampleRate != e.cfg.SampleRate {
		e.log.Warn("dropping frame with unexpected sample rate",
			slog.Int("got", f.SampleRate), slog.Int("want", e.cfg.SampleRate))
		return
	}

	e.sched.Arm(timerNoFrames, e.cfg.NoFrameTimeout, e.onNoFrames)

	d := e.classifier.Classify(f)

	if e.playbackActive != nil && e.playbackActive() {
		if !e.gated {
			// Playback started: pre-playback audio must not seed the
			// next utterance.
			e.gated = true
			e.preRoll.Reset()
			e.onsetFrames = nil
		}
		e.ingestGatedLocked(f, d)
		return
	}
	e.gated = false

	if e.utt != nil {
		e.ingestOpenLocked(f, d)
		return
	}
	e.ingestIdleLocked(f, d)
}

// ingestGatedLocked handles frames while assistant audio is playing:
// speech raises the barge-in confidence streak but is never buffered into
// an utterance until barge-in is armed, and the noise floor is not fed.
func (e *Engine) ingestGatedLocked(f pcm.Frame, d vad.Decision) {
	if d.Speech {
		e.gateStreak++
		if !e.bargeArmed && e.gateStreak >= e.cfg.RequiredSpeechFrames {
			e.bargeArmed = true
			e.armedPreRoll = preroll.New(e.cfg.PreRollWindow)
			e.log.Debug("barge-in armed", slog.Int("streak", e.gateStreak))
			if e.cb.OnBargeIn != nil {
				e.cb.OnBargeIn()
			}
		}
	} else {
		e.gateStreak = 0
	}
	if e.bargeArmed {
		e.armedPreRoll.Push(f)
	}
}

// ingestIdleLocked handles frames while no utterance is open.
func (e *Engine) ingestIdleLocked(f pcm.Frame, d vad.Decision) {
	if !d.Speech {
		if len(e.onsetFrames) > 0 {
			// The streak died out as a transient; return its audio to
			// the pre-roll so nothing is lost.
			for _, of := range e.onsetFrames {
				e.preRoll.Push(of)
			}
			e.onsetFrames = nil
		}
		e.classifier.UpdateNoise(d)
		e.preRoll.Push(f)
		return
	}

	e.onsetFrames = append(e.onsetFrames, f.Clone())
	if len(e.onsetFrames) < e.requiredOnsetLocked() {
		return
	}

	// Confirmed speech start: abort a superseded in-flight final exactly
	// once, then open the utterance seeded from the pre-roll.
	if e.inFlight != nil && e.inFlight.kind == stt.KindFinal {
		e.abortInFlightLocked()
	}
	e.startUtteranceLocked(e.preRoll.Consume())
}

// requiredOnsetLocked returns the streak length needed to declare speech
// start; inside the post-flush grace window the requirement doubles so an
// incidental re-trigger does not cancel a final already on the wire.
func (e *Engine) requiredOnsetLocked() int {
	n := e.cfg.RequiredSpeechFrames
	if e.clk.Now().Before(e.flushGraceAt) {
		n *= 2
	}
	return n
}

func (e *Engine) startUtteranceLocked(snap preroll.Snapshot) {
	now := e.clk.Now()
	e.utt = newUtterance(snap, e.onsetFrames, now)
	e.onsetFrames = nil
	e.log.Debug("speech start",
		slog.Duration("pre_roll", e.utt.preRollDur),
		slog.Duration("onset", e.utt.speechDur))
	if e.cb.OnSpeechStart != nil {
		e.cb.OnSpeechStart()
	}
}

// ingestOpenLocked handles frames while an utterance is accumulating.
func (e *Engine) ingestOpenLocked(f pcm.Frame, d vad.Decision) {
	now := e.clk.Now()
	if d.Speech {
		e.utt.addSpeech(f.Clone(), now)
	} else {
		e.utt.addSilence(f.Clone())
		e.classifier.UpdateNoise(d)
		if e.utt.trailing >= e.dynamicSilenceLocked() {
			e.finalizeLocked(ReasonSilence)
			return
		}
	}

	if now.Sub(e.utt.startedAt) >= e.cfg.MaxUtterance {
		e.finalizeLocked(ReasonMaxDuration)
	}
}

// dynamicSilenceLocked computes the trailing-silence duration required to
// finalize the open utterance. Longer utterances earn a longer wait (log
// term); loud speech earns a shorter one; borderline-quiet speech a
// longer one. The result is clamped to [MinSilence, MaxSilence].
func (e *Engine) dynamicSilenceLocked() time.Duration {
	d := e.cfg.BaseSilence
	if secs := e.utt.speechDur.Seconds(); secs > 0 {
		d += time.Duration(float64(e.cfg.SilenceLogGain) * math.Log1p(secs))
	}
	avg := e.utt.avgSpeechRMS()
	if avg >= e.cfg.LoudRMS {
		d -= e.cfg.LoudBonus
	} else if avg <= e.cfg.QuietRMS {
		d += e.cfg.QuietPenalty
	}
	if d < e.cfg.MinSilence {
		d = e.cfg.MinSilence
	}
	if d > e.cfg.MaxSilence {
		d = e.cfg.MaxSilence
	}
	return d
}

// onNoFrames is the no-new-frames watchdog: frames stopped arriving
// mid-utterance, so finalize if enough speech was captured, otherwise
// discard silently.
func (e *Engine) onNoFrames() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.utt == nil {
		return
	}
	e.finalizeLocked(ReasonNoFrames)
}

// Finalize force-finalizes the open utterance. Calling it with no open
// utterance is a no-op.
func (e *Engine) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.finalizeLocked(ReasonStop)
}

// finalizeLocked closes the open utterance: trims trailing silence to the
// cushion, dispatches the payload as a final, and resets utterance state
// immediately so new speech can accumulate during the request's flight.
func (e *Engine) finalizeLocked(reason FinalizeReason) {
	u := e.utt
	if u == nil {
		return
	}
	e.utt = nil
	e.classifier.ResetNoise()

	if !u.hasMinSpeech(e.cfg.MinSpeechForFinal, e.cfg.MinBytesForFinal) {
		e.log.Debug("discarding utterance below speech minimums",
			slog.Duration("speech", u.speechDur),
			slog.Int("bytes", u.bytes),
			slog.String("reason", reason.String()))
		return
	}

	payload := u.payload(e.cfg.FinalTailCushion)
	summary := Summary{
		PreRoll:         u.preRollDur,
		Speech:          u.speechDur,
		Total:           u.totalDur,
		TrailingSilence: u.trailing,
		Bytes:           len(payload),
		Reason:          reason,
	}
	e.log.Debug("utterance finalized",
		slog.Duration("speech", summary.Speech),
		slog.Duration("pre_roll", summary.PreRoll),
		slog.String("reason", reason.String()))
	if e.cb.OnUtteranceEnd != nil {
		e.cb.OnUtteranceEnd(summary)
	}
	e.dispatchLocked(stt.KindFinal, payload, false)
}

// dispatchLocked starts a transcription request. A newer dispatch
// supersedes anything still in flight.
func (e *Engine) dispatchLocked(kind stt.Kind, payload []byte, preserved bool) {
	if e.inFlight != nil {
		e.abortInFlightLocked()
	}

	e.seq++
	ctx, cancel := context.WithCancel(context.Background())
	req := &request{kind: kind, token: e.seq, cancel: cancel, preserved: preserved}
	e.inFlight = req

	if e.cb.OnRequestStart != nil {
		e.cb.OnRequestStart(kind)
	}

	go e.runRequest(ctx, req, payload)
}

func (e *Engine) runRequest(ctx context.Context, req *request, payload []byte) {
	res, err := e.transcriber.Transcribe(ctx, stt.Request{
		Audio:      payload,
		SampleRate: e.cfg.SampleRate,
		Language:   e.cfg.Language,
		Kind:       req.kind,
	})

	e.mu.Lock()
	stale := e.seq != req.token
	if e.inFlight == req {
		e.inFlight = nil
	}
	e.mu.Unlock()

	if e.cb.OnRequestEnd != nil {
		e.cb.OnRequestEnd(req.kind, err)
	}

	if stale {
		return
	}
	if err != nil {
		// Aborted requests are expected during barge-in and hangup.
		if errors.Is(err, context.Canceled) {
			return
		}
		e.log.Error("transcription request failed",
			slog.String("kind", req.kind.String()),
			slog.String("error", err.Error()))
		return
	}
	if e.cb.OnTranscript != nil {
		e.cb.OnTranscript(res.Text, req.kind)
	}
}

// abortInFlightLocked cancels the in-flight request and bumps the token
// so its completion is discarded. Exactly one cancellation per request.
func (e *Engine) abortInFlightLocked() {
	req := e.inFlight
	if req == nil {
		return
	}
	e.inFlight = nil
	e.seq++ // invalidate the completion
	req.cancel()
	e.log.Debug("aborted in-flight request", slog.String("kind", req.kind.String()))
}

// armPartialTimer schedules the recurring partial dispatch tick.
func (e *Engine) armPartialTimer() {
	e.sched.Arm(timerPartial, e.cfg.PartialInterval, e.onPartialTick)
}

// onPartialTick dispatches the in-progress utterance as a partial when no
// request is in flight and enough audio is buffered. Partials never
// change utterance state.
func (e *Engine) onPartialTick() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if e.utt != nil && e.inFlight == nil && e.utt.totalDur >= e.cfg.MinPartialBuffered {
		e.dispatchLocked(stt.KindPartial, pcm.Concat(e.utt.frames), false)
	}
	e.armPartialTimer()
	e.mu.Unlock()
}

// Flush finalizes the open utterance now (end-of-input from the caller's
// perspective) and opens the post-flush grace window during which an
// incidental speech re-trigger will not abort the dispatched final.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.finalizeLocked(ReasonStop)
	e.flushGraceAt = e.clk.Now().Add(e.cfg.PostFlushGrace)
}

// PlaybackEnded must be called when the call's playback has authoritatively
// ended. If barge-in was armed, the engine transitions directly into
// speech start seeded from the armed pre-roll, so the caller's
// interruption is not lost.
func (e *Engine) PlaybackEnded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.gated = false
	e.gateStreak = 0
	e.preRoll.Reset()
	if !e.bargeArmed {
		return
	}
	snap := e.armedPreRoll.Consume()
	e.bargeArmed = false
	e.armedPreRoll = nil
	if e.inFlight != nil && e.inFlight.kind == stt.KindFinal {
		e.abortInFlightLocked()
	}
	e.startUtteranceLocked(snap)
}

// BargeInArmed reports whether a confirmed speech streak during playback
// is waiting for playback to end.
func (e *Engine) BargeInArmed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bargeArmed
}

// InFlightKind returns the kind of the in-flight request, or false.
func (e *Engine) InFlightKind() (stt.Kind, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight == nil {
		return 0, false
	}
	return e.inFlight.kind, true
}

// Stop halts the engine on call teardown or transport loss: optionally
// flushes the open utterance as a final, aborts any non-preserved
// in-flight request, and cancels all timers.
func (e *Engine) Stop(opts StopOptions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	prev := e.inFlight
	if opts.Flush {
		e.finalizeLocked(ReasonStop)
	} else {
		e.utt = nil
	}

	if e.inFlight != nil {
		switch {
		case e.inFlight != prev:
			// Dispatched by this stop's own flush; aborting it here
			// would defeat the flush.
			e.inFlight.preserved = true
		case opts.PreserveInFlightFinal && e.inFlight.kind == stt.KindFinal:
			e.inFlight.preserved = true
		default:
			e.abortInFlightLocked()
		}
	}

	e.stopped = true
	e.sched.StopAll()
}
