// Package session implements the per-call turn-taking orchestrator: the
// authoritative state machine coordinating listening, thinking, speaking
// and interruption, and the single place that decides whether a transcript
// triggers a reply now, later, or never.
//
// One Session exists per call. It owns the endpointing engine and the
// readiness coordinator for its call, drives the external collaborators
// (recognizer, replier, synthesizer, transport playback), and never shares
// state across calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/llm"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/stt"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/tts"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/endpoint"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/readiness"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/timer"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/vad"
)

// State is the call's conversational state.
type State int

const (
	StateInit State = iota
	StateAnswered
	StateListening
	StateThinking
	StateSpeaking
	StateEnding
	StateEnded // terminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAnswered:
		return "answered"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Transport plays synthesized audio on the call leg and can stop playback
// mid-stream. Play dispatches; completion arrives via OnPlaybackEnded.
type Transport interface {
	Play(ctx context.Context, audio tts.Audio) error
	Stop(ctx context.Context) error
}

// Timer names owned by the session.
const (
	timerDeadAir    = "session.deadair"
	timerFirstAudio = "session.firstaudio"
	timerPlayWatch  = "session.playwatch"
	timerLateFinal  = "session.latefinal"
)

// Default reply used when generation fails so the caller always hears
// something.
const FallbackReply = "Acknowledged."

// Config holds orchestrator tuning. Zero values are replaced by defaults.
type Config struct {
	// DeadAirTimeout is the listening silence window before a reprompt is
	// considered; DeadAirGrace suppresses it right after entering
	// LISTENING or after recent speech. RecentMediaWindow suppresses it
	// while inbound media was seen very recently.
	DeadAirTimeout    time.Duration
	DeadAirGrace      time.Duration
	RecentMediaWindow time.Duration
	RepromptText      string

	// LateFinalGrace bounds how long after hangup an in-flight final may
	// still be captured. AllowReplyToLateFinal additionally attempts to
	// speak a reply to it; default off, capture-only.
	LateFinalGrace        time.Duration
	AllowReplyToLateFinal bool

	// PlaybackWatchdog force-clears playback state if the authoritative
	// playback-ended signal never arrives.
	PlaybackWatchdog time.Duration

	// Streaming segmentation thresholds.
	MinFirstSegmentChars int
	MinNextSegmentChars  int
	FirstAudioBudget     time.Duration

	FallbackReply   string
	MaxHistoryTurns int
	Voice           tts.VoiceOptions

	Endpoint  endpoint.Config
	Readiness readiness.Config
	VAD       vad.Config
}

// DefaultConfig returns orchestrator tuning for PSTN calls.
func DefaultConfig() Config {
	return Config{
		DeadAirTimeout:       6 * time.Second,
		DeadAirGrace:         2 * time.Second,
		RecentMediaWindow:    250 * time.Millisecond,
		RepromptText:         "Are you still there?",
		LateFinalGrace:       1500 * time.Millisecond,
		PlaybackWatchdog:     8 * time.Second,
		MinFirstSegmentChars: 24,
		MinNextSegmentChars:  80,
		FirstAudioBudget:     1200 * time.Millisecond,
		FallbackReply:        FallbackReply,
		MaxHistoryTurns:      50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DeadAirTimeout <= 0 {
		c.DeadAirTimeout = d.DeadAirTimeout
	}
	if c.DeadAirGrace <= 0 {
		c.DeadAirGrace = d.DeadAirGrace
	}
	if c.RecentMediaWindow <= 0 {
		c.RecentMediaWindow = d.RecentMediaWindow
	}
	if c.RepromptText == "" {
		c.RepromptText = d.RepromptText
	}
	if c.LateFinalGrace <= 0 {
		c.LateFinalGrace = d.LateFinalGrace
	}
	if c.PlaybackWatchdog <= 0 {
		c.PlaybackWatchdog = d.PlaybackWatchdog
	}
	if c.MinFirstSegmentChars <= 0 {
		c.MinFirstSegmentChars = d.MinFirstSegmentChars
	}
	if c.MinNextSegmentChars <= 0 {
		c.MinNextSegmentChars = d.MinNextSegmentChars
	}
	if c.FirstAudioBudget <= 0 {
		c.FirstAudioBudget = d.FirstAudioBudget
	}
	if c.FallbackReply == "" {
		c.FallbackReply = d.FallbackReply
	}
	if c.MaxHistoryTurns <= 0 {
		c.MaxHistoryTurns = d.MaxHistoryTurns
	}
	return c
}

// Deps are the session's injected collaborators.
type Deps struct {
	Transcriber stt.Transcriber
	Replier     llm.Replier
	Synthesizer tts.Synthesizer
	Transport   Transport
	VADModel    vad.Model    // nil disables the learned model
	Clock       clock.Clock  // nil uses the real clock
	Logger      *slog.Logger // nil uses slog.Default
	// OnTeardown is invoked exactly once when the call may release its
	// resources: immediately on hangup, or after the late-final grace
	// window when a final was still in flight.
	OnTeardown func()
}

// heldFinal is a final deferred during uninterrupted playback, tagged
// with the utterance it came from.
type heldFinal struct {
	text string
	seq  uint64
}

// Session is the per-call orchestrator.
type Session struct {
	id    string
	cfg   Config
	log   *slog.Logger
	clk   clock.Clock
	sched *timer.Scheduler
	ctx   context.Context
	stop  context.CancelFunc

	replier llm.Replier
	synth   tts.Synthesizer
	trans   Transport

	engine *endpoint.Engine
	coord  *readiness.Coordinator

	onTeardown func()

	mu                 sync.Mutex
	state              State
	generation         uint64
	playbackActive     bool
	interrupted        bool
	dispatchedPlays    int
	handlingTranscript bool
	activeTurnGen      uint64
	utteranceSeq       uint64
	transcriptAccepted bool
	acceptedSeq        uint64
	deferredFinal      *heldFinal
	segments           *segmentQueue
	spokenText         string
	replyCommitted     bool
	finalsInFlight     int
	lateFinalArmed     bool
	teardownDone       bool
	listeningSince     time.Time
	lastSpeechAt       time.Time
	lastFrameAt        time.Time
	hangupAt           time.Time

	history *History
}

// New creates a session and wires its engine and readiness coordinator.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Transcriber == nil || deps.Replier == nil || deps.Synthesizer == nil || deps.Transport == nil {
		return nil, errors.New("transcriber, replier, synthesizer and transport are required")
	}
	cfg = cfg.withDefaults()

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	logger = logger.With(slog.String("session", id))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		cfg:        cfg,
		log:        logger,
		clk:        clk,
		sched:      timer.New(clk),
		ctx:        ctx,
		stop:       cancel,
		replier:    deps.Replier,
		synth:      deps.Synthesizer,
		trans:      deps.Transport,
		onTeardown: deps.OnTeardown,
		history:    NewHistory(cfg.MaxHistoryTurns),
	}

	s.coord = readiness.New(cfg.Readiness, readiness.Gate{
		CallActive:         s.isActive,
		HandlingTranscript: s.IsHandlingTranscript,
		PlaybackActive:     s.IsPlaybackActive,
	}, readiness.WithClock(clk), readiness.WithLogger(logger), readiness.WithTiming(s.logTiming))

	eng, err := endpoint.New(cfg.Endpoint, endpoint.Deps{
		Transcriber:    deps.Transcriber,
		Classifier:     vad.NewClassifier(cfg.VAD, deps.VADModel),
		PreRoll:        s.coord.PreRoll(),
		PlaybackActive: s.IsPlaybackActive,
		Clock:          clk,
		Logger:         logger,
		Callbacks: endpoint.Callbacks{
			OnSpeechStart:  s.handleSpeechStart,
			OnUtteranceEnd: s.handleUtteranceEnd,
			OnTranscript:   s.handleTranscript,
			OnRequestStart: s.handleRequestStart,
			OnRequestEnd:   s.handleRequestEnd,
			OnBargeIn:      s.handleBargeIn,
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create endpointing engine: %w", err)
	}
	s.engine = eng
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// GetState returns the conversational state.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsPlaybackActive reports whether this session's audio is playing.
func (s *Session) IsPlaybackActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbackActive
}

// IsListening reports whether the session is in LISTENING.
func (s *Session) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateListening
}

// IsHandlingTranscript reports whether a turn is in progress.
func (s *Session) IsHandlingTranscript() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlingTranscript
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateInit && s.state != StateEnding && s.state != StateEnded
}

// History returns the conversation history.
func (s *Session) History() *History { return s.history }

// Metrics returns the process-wide turn counters.
func (s *Session) Metrics() Metrics { return Snapshot() }

// Coordinator exposes the readiness coordinator, mainly for transports.
func (s *Session) Coordinator() *readiness.Coordinator { return s.coord }

// OnAnswered marks the call answered and connects the media channel.
func (s *Session) OnAnswered() {
	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		return
	}
	s.state = StateAnswered
	s.mu.Unlock()

	s.log.Info("call answered")
	s.coord.Connected()
	s.maybeArm()
}

// OnInboundFrame ingests one decoded audio frame for this call.
func (s *Session) OnInboundFrame(f pcm.Frame) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateEnding {
		s.mu.Unlock()
		return
	}
	s.lastFrameAt = s.clk.Now()
	s.mu.Unlock()

	s.coord.ObserveFrame(f)
	s.engine.Ingest(f)
	s.maybeArm()
}

// maybeArm attempts the LISTENING transition through the readiness gate.
func (s *Session) maybeArm() {
	if !s.coord.TryArm() {
		return
	}
	s.mu.Lock()
	s.enterListeningLocked()
	s.mu.Unlock()
}

// enterListeningLocked transitions into LISTENING and re-arms dead-air
// detection.
func (s *Session) enterListeningLocked() {
	if s.state == StateEnding || s.state == StateEnded {
		return
	}
	s.state = StateListening
	s.listeningSince = s.clk.Now()
	s.sched.Arm(timerDeadAir, s.cfg.DeadAirTimeout, s.onDeadAir)
}

// --- engine event surface ---

func (s *Session) handleSpeechStart() {
	s.mu.Lock()
	s.lastSpeechAt = s.clk.Now()
	s.utteranceSeq++
	s.transcriptAccepted = false
	s.mu.Unlock()
	s.coord.SpeechStarted()
}

func (s *Session) handleUtteranceEnd(sum endpoint.Summary) {
	s.coord.UtteranceFinalized(sum.PreRoll, sum.Total, sum.Speech, sum.TrailingSilence)
}

func (s *Session) handleRequestStart(kind stt.Kind) {
	if kind != stt.KindFinal {
		return
	}
	s.mu.Lock()
	s.finalsInFlight++
	s.mu.Unlock()
}

func (s *Session) handleRequestEnd(kind stt.Kind, err error) {
	if kind != stt.KindFinal {
		return
	}
	// A counter, not a flag: a superseded request's end can arrive after
	// its successor's start, and that ordering must still read as a
	// final being on the wire.
	s.mu.Lock()
	if s.finalsInFlight > 0 {
		s.finalsInFlight--
	}
	s.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("final transcription failed", slog.String("error", err.Error()))
	}
}

// handleBargeIn runs when the engine confirms caller speech while this
// session's audio is playing. Playback is marked interrupted and stopped
// on the wire; state cleanup waits for the authoritative playback-ended
// signal so we do not race a stop still in flight.
func (s *Session) handleBargeIn() {
	s.mu.Lock()
	if !s.playbackActive || s.interrupted {
		s.mu.Unlock()
		return
	}
	s.interrupted = true
	s.generation++
	if s.segments != nil {
		s.segments.clear()
	}
	s.mu.Unlock()

	metricBargeIns.Add(1)
	s.log.Info("barge-in: stopping playback")
	if err := s.trans.Stop(s.ctx); err != nil {
		s.log.Warn("playback stop failed", slog.String("error", err.Error()))
	}
}

// handleTranscript applies the acceptance policy.
func (s *Session) handleTranscript(text string, kind stt.Kind) {
	if kind == stt.KindPartial {
		s.log.Debug("partial transcript", slog.String("text", text))
		return
	}
	s.acceptFinal(text)
}

func (s *Session) acceptFinal(text string) {
	s.mu.Lock()
	s.acceptFinalLocked(text, s.utteranceSeq)
}

// acceptFinalLocked applies the acceptance policy for a final belonging
// to utterance seq. The one-final-per-utterance gate compares utterance
// identities so a replayed deferred final from an earlier utterance does
// not consume the current one's slot. Releases s.mu.
func (s *Session) acceptFinalLocked(text string, seq uint64) {
	if s.state == StateEnded || s.state == StateEnding {
		s.acceptLateFinalLocked(text)
		return
	}
	if s.transcriptAccepted && s.acceptedSeq == seq {
		s.mu.Unlock()
		s.log.Debug("duplicate final discarded", slog.String("text", text))
		return
	}
	if s.playbackActive && !s.interrupted {
		// Caller spoke over uninterrupted playback; hold the final and
		// replay it once playback ends.
		s.deferredFinal = &heldFinal{text: text, seq: seq}
		s.mu.Unlock()
		metricDeferredFinal.Add(1)
		s.log.Debug("final deferred during playback", slog.String("text", text))
		return
	}
	if s.handlingTranscript || s.state == StateInit {
		s.mu.Unlock()
		s.log.Debug("final discarded", slog.String("state", s.GetState().String()))
		return
	}

	s.transcriptAccepted = true
	s.acceptedSeq = seq
	s.handlingTranscript = true
	s.generation++
	gen := s.generation
	s.activeTurnGen = gen
	s.state = StateThinking
	s.spokenText = ""
	s.replyCommitted = false
	s.segments = newSegmentQueue()
	queue := s.segments
	s.sched.Cancel(timerDeadAir)
	s.mu.Unlock()

	metricTurns.Add(1)
	s.coord.ReplyStarted()
	s.history.Add(llm.RoleUser, text)
	go s.runTurn(text, gen, queue)
}

// acceptLateFinalLocked handles a final arriving after hangup. Inside the
// grace window it is captured for history (and optionally answered);
// outside, it is dropped. Deferred teardown fires exactly once here or on
// grace expiry, never both. Releases s.mu.
func (s *Session) acceptLateFinalLocked(text string) {
	if !s.lateFinalArmed || s.clk.Now().Sub(s.hangupAt) > s.cfg.LateFinalGrace {
		s.mu.Unlock()
		s.log.Debug("post-hangup final dropped", slog.String("text", text))
		return
	}
	s.lateFinalArmed = false
	s.sched.Cancel(timerLateFinal)
	allowReply := s.cfg.AllowReplyToLateFinal
	s.mu.Unlock()

	metricLateFinals.Add(1)
	s.log.Info("late final captured", slog.String("text", text))
	s.history.Add(llm.RoleUser, text)

	if allowReply {
		// The media path may still be briefly open; best effort only.
		reply, err := s.replier.Generate(s.ctx, llm.Request{
			Transcript: text,
			History:    s.history.Messages(),
		})
		if err != nil {
			reply.Text = s.cfg.FallbackReply
		}
		s.history.Add(llm.RoleAssistant, reply.Text)
		if audio, err := s.synth.Synthesize(s.ctx, reply.Text, s.cfg.Voice); err == nil {
			if err := s.trans.Play(s.ctx, audio); err != nil {
				s.log.Debug("late-final playback failed", slog.String("error", err.Error()))
			}
		}
	}
	s.teardown()
}

// --- reply turn ---

// runTurn executes one THINKING -> SPEAKING sequence. A stale generation
// at any checkpoint turns the remainder of the turn into a no-op.
func (s *Session) runTurn(transcript string, gen uint64, queue *segmentQueue) {
	drainDone := make(chan struct{})
	go s.drainSegments(queue, gen, drainDone)

	seg := NewSegmenter(s.cfg.MinFirstSegmentChars, s.cfg.MinNextSegmentChars)
	req := llm.Request{Transcript: transcript, History: s.history.Messages()}

	var reply llm.Reply
	var err error
	if sr, ok := s.replier.(llm.StreamingReplier); ok {
		var segMu sync.Mutex
		s.sched.Arm(timerFirstAudio, s.cfg.FirstAudioBudget, func() {
			segMu.Lock()
			forced := seg.ForceFirst()
			segMu.Unlock()
			if forced != "" {
				queue.push(forced)
			}
		})
		reply, err = sr.GenerateStream(s.ctx, req, func(delta string) {
			segMu.Lock()
			parts := seg.Push(delta)
			segMu.Unlock()
			for _, p := range parts {
				queue.push(p)
			}
		})
		s.sched.Cancel(timerFirstAudio)
		if err == nil {
			segMu.Lock()
			rest := seg.Flush()
			segMu.Unlock()
			if rest != "" {
				queue.push(rest)
			}
		}
	} else {
		reply, err = s.replier.Generate(s.ctx, req)
		if err == nil {
			for _, p := range seg.Push(reply.Text) {
				queue.push(p)
			}
			if rest := seg.Flush(); rest != "" {
				queue.push(rest)
			}
		}
	}

	if err != nil {
		metricTurnErrors.Add(1)
		metricFallbacks.Add(1)
		s.log.Warn("reply generation failed, using fallback", slog.String("error", err.Error()))
		reply = llm.Reply{Text: s.cfg.FallbackReply, Source: "fallback"}
		queue.clear()
		queue.push(reply.Text)
	}

	queue.close()
	<-drainDone

	s.mu.Lock()
	current := s.generation == gen
	if current {
		s.replyCommitted = true
	}
	if s.activeTurnGen == gen {
		s.handlingTranscript = false
	}
	goListening := current && !s.playbackActive && s.state != StateEnded && s.state != StateEnding
	if goListening {
		s.enterListeningLocked()
	}
	s.mu.Unlock()

	if current {
		s.history.Add(llm.RoleAssistant, reply.Text)
	}
	if goListening {
		s.maybeArm()
	}
}

// drainSegments synthesizes and dispatches queued segments strictly in
// order. Segment n+1 never begins synthesis before segment n's playback
// has been dispatched.
func (s *Session) drainSegments(queue *segmentQueue, gen uint64, done chan<- struct{}) {
	defer close(done)
	for {
		text, ok := queue.pop()
		if !ok {
			return
		}
		if s.staleGen(gen) {
			continue
		}
		audio, err := s.synth.Synthesize(s.ctx, text, s.cfg.Voice)
		if err != nil {
			metricTurnErrors.Add(1)
			s.log.Error("synthesis failed", slog.String("error", err.Error()))
			// Clear playback through the normal path so the state
			// machine never sticks in SPEAKING.
			if s.IsPlaybackActive() {
				s.OnPlaybackEnded()
			}
			continue
		}
		if s.staleGen(gen) {
			continue
		}
		s.playSegment(gen, text, audio)
	}
}

func (s *Session) staleGen(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

// playSegment dispatches one audio segment and marks playback active.
func (s *Session) playSegment(gen uint64, text string, audio tts.Audio) {
	s.mu.Lock()
	if s.generation != gen || s.state == StateEnded || s.state == StateEnding {
		s.mu.Unlock()
		return
	}
	s.playbackActive = true
	s.dispatchedPlays++
	s.state = StateSpeaking
	if s.spokenText != "" {
		s.spokenText += " "
	}
	s.spokenText += text
	s.sched.Arm(timerPlayWatch, s.cfg.PlaybackWatchdog, s.onPlaybackWatchdog)
	s.mu.Unlock()

	s.coord.PlaybackStarted()
	if err := s.trans.Play(s.ctx, audio); err != nil {
		s.log.Error("playback dispatch failed", slog.String("error", err.Error()))
		s.OnPlaybackEnded()
	}
}

// --- playback lifecycle ---

// OnPlaybackEnded is the authoritative playback-ended signal from the
// transport (or the watchdog standing in for a lost signal). The last
// outstanding dispatch clears playback state, completes barge-in cleanup,
// replays a deferred final, and re-arms listening.
func (s *Session) OnPlaybackEnded() {
	s.mu.Lock()
	if !s.playbackActive {
		s.mu.Unlock()
		return
	}
	if s.dispatchedPlays > 0 {
		s.dispatchedPlays--
	}
	if s.dispatchedPlays > 0 && !s.interrupted {
		// More segments still on the wire.
		s.sched.Arm(timerPlayWatch, s.cfg.PlaybackWatchdog, s.onPlaybackWatchdog)
		s.mu.Unlock()
		return
	}

	s.playbackActive = false
	s.dispatchedPlays = 0
	s.sched.Cancel(timerPlayWatch)

	wasInterrupted := s.interrupted
	s.interrupted = false
	spoken := s.spokenText
	replyCommitted := s.replyCommitted
	var deferred *heldFinal
	if s.deferredFinal != nil {
		deferred = s.deferredFinal
		s.deferredFinal = nil
	}
	if wasInterrupted {
		s.handlingTranscript = false
	}
	ended := s.state == StateEnded || s.state == StateEnding
	if !ended && deferred == nil {
		s.enterListeningLocked()
	}
	s.mu.Unlock()

	if wasInterrupted {
		// Commit only what the caller actually heard.
		if replyCommitted {
			s.history.AmendLast(llm.RoleAssistant, spoken)
		} else if spoken != "" {
			s.history.Add(llm.RoleAssistant, spoken)
		}
	}

	s.coord.PlaybackEnded()
	s.engine.PlaybackEnded()
	if ended {
		return
	}
	if deferred != nil {
		s.log.Debug("replaying deferred final")
		s.mu.Lock()
		s.acceptFinalLocked(deferred.text, deferred.seq)
		return
	}
	s.maybeArm()
}

// onPlaybackWatchdog fires when the playback-ended signal is lost.
func (s *Session) onPlaybackWatchdog() {
	if !s.IsPlaybackActive() {
		return
	}
	metricWatchdogFires.Add(1)
	s.log.Warn("playback-ended signal missing, force-clearing playback")
	s.mu.Lock()
	s.dispatchedPlays = 1 // collapse whatever is outstanding
	s.mu.Unlock()
	s.OnPlaybackEnded()
}

// --- dead air ---

// onDeadAir runs on the recurring silence timer. It defers (reschedules
// without speaking) while any suppression condition holds, and otherwise
// speaks a short reprompt and resets the baseline.
func (s *Session) onDeadAir() {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return
	}
	now := s.clk.Now()
	suppressed := now.Sub(s.listeningSince) < s.cfg.DeadAirGrace ||
		(!s.lastSpeechAt.IsZero() && now.Sub(s.lastSpeechAt) < s.cfg.DeadAirGrace) ||
		s.finalsInFlight > 0 ||
		s.handlingTranscript ||
		(!s.lastFrameAt.IsZero() && now.Sub(s.lastFrameAt) < s.cfg.RecentMediaWindow) ||
		s.playbackActive

	if suppressed {
		s.sched.Arm(timerDeadAir, s.cfg.DeadAirTimeout, s.onDeadAir)
		s.mu.Unlock()
		return
	}

	s.listeningSince = now // reset the baseline after a reprompt
	gen := s.generation
	s.sched.Arm(timerDeadAir, s.cfg.DeadAirTimeout, s.onDeadAir)
	s.mu.Unlock()

	metricReprompts.Add(1)
	s.log.Info("dead air: reprompting caller")
	go s.speakReprompt(gen)
}

func (s *Session) speakReprompt(gen uint64) {
	audio, err := s.synth.Synthesize(s.ctx, s.cfg.RepromptText, s.cfg.Voice)
	if err != nil {
		s.log.Warn("reprompt synthesis failed", slog.String("error", err.Error()))
		return
	}
	s.playSegment(gen, s.cfg.RepromptText, audio)
}

// --- teardown ---

// OnHangup ends the call. If a final transcription is still in flight it
// is preserved through the late-final grace window; otherwise resources
// release immediately.
func (s *Session) OnHangup(reason string) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateEnding {
		s.mu.Unlock()
		return
	}
	s.state = StateEnding
	s.hangupAt = s.clk.Now()
	s.generation++
	if s.segments != nil {
		s.segments.clear()
	}
	s.playbackActive = false
	s.dispatchedPlays = 0
	s.interrupted = false
	sttPending := s.finalsInFlight > 0
	s.sched.Cancel(timerDeadAir)
	s.sched.Cancel(timerFirstAudio)
	s.sched.Cancel(timerPlayWatch)
	if sttPending {
		s.lateFinalArmed = true
		s.sched.Arm(timerLateFinal, s.cfg.LateFinalGrace, s.onLateFinalExpiry)
	}
	s.state = StateEnded
	s.mu.Unlock()

	s.log.Info("call ended", slog.String("reason", reason))
	s.coord.Hangup()

	if sttPending {
		s.engine.Stop(endpoint.StopOptions{PreserveInFlightFinal: true})
		return
	}
	s.engine.Stop(endpoint.StopOptions{})
	s.teardown()
}

// onLateFinalExpiry fires when the grace window closes with no final.
func (s *Session) onLateFinalExpiry() {
	s.mu.Lock()
	if !s.lateFinalArmed {
		s.mu.Unlock()
		return
	}
	s.lateFinalArmed = false
	s.mu.Unlock()

	s.log.Debug("late-final grace expired")
	s.teardown()
}

// teardown releases per-call resources exactly once.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.teardownDone {
		s.mu.Unlock()
		return
	}
	s.teardownDone = true
	s.mu.Unlock()

	s.sched.StopAll()
	s.stop()
	if s.onTeardown != nil {
		s.onTeardown()
	}
}

func (s *Session) logTiming(r readiness.TimingReport) {
	s.log.Info("utterance timing",
		slog.Duration("pre_roll", r.PreRoll),
		slog.Duration("utterance", r.Utterance),
		slog.Duration("speech", r.Speech),
		slog.Duration("trailing_silence", r.TrailingSilence),
		slog.Duration("playback_end_to_first_frame", r.PlaybackEndToFirstFrame),
		slog.Duration("first_frame_to_armed", r.FirstFrameToArmed))
}
