package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matryer/is"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/llm"
	llmfake "github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/llm/fake"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/stt"
	sttfake "github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/stt/fake"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/tts"
	ttsfake "github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/tts/fake"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
)

type fakeTransport struct {
	mu      sync.Mutex
	plays   []string
	stops   int
	playErr error
}

func (t *fakeTransport) Play(ctx context.Context, audio tts.Audio) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.playErr != nil {
		return t.playErr
	}
	t.plays = append(t.plays, string(audio.Data))
	return nil
}

func (t *fakeTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return nil
}

func (t *fakeTransport) Plays() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.plays))
	copy(out, t.plays)
	return out
}

func (t *fakeTransport) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type sessionEnv struct {
	s         *Session
	mock      *clock.Mock
	stt       *sttfake.FakeTranscriber
	replier   *llmfake.FakeReplier
	synth     *ttsfake.FakeSynthesizer
	transport *fakeTransport

	mu        sync.Mutex
	teardowns int
}

func (env *sessionEnv) teardownCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.teardowns
}

func newSessionEnv(t *testing.T, cfg Config) *sessionEnv {
	t.Helper()
	env := &sessionEnv{
		mock:      clock.NewMock(),
		stt:       sttfake.NewFakeTranscriber("what time do you open"),
		replier:   llmfake.NewFakeReplier(),
		synth:     ttsfake.NewFakeSynthesizer(),
		transport: &fakeTransport{},
	}
	s, err := New(cfg, Deps{
		Transcriber: env.stt,
		Replier:     env.replier,
		Synthesizer: env.synth,
		Transport:   env.transport,
		Clock:       env.mock,
		OnTeardown: func() {
			env.mu.Lock()
			env.teardowns++
			env.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.s = s
	return env
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestReplyTurn(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	env.s.acceptFinal("hello")
	eventually(t, func() bool { return len(env.transport.Plays()) == 1 })
	is.True(env.s.IsPlaybackActive())
	is.Equal(env.s.GetState(), StateSpeaking)

	eventually(t, func() bool { return !env.s.IsHandlingTranscript() })
	env.s.OnPlaybackEnded()
	is.True(!env.s.IsPlaybackActive())
	is.Equal(env.s.GetState(), StateListening)

	msgs := env.s.History().Messages()
	is.Equal(len(msgs), 2)
	is.Equal(msgs[0].Role, llm.RoleUser)
	is.Equal(msgs[0].Content, "hello")
	is.Equal(msgs[1].Role, llm.RoleAssistant)
	is.Equal(env.replier.CallCount(), 1)
}

func TestDuplicateFinalDiscarded(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	env.s.acceptFinal("hello")
	eventually(t, func() bool { return env.replier.CallCount() == 1 })
	env.s.acceptFinal("hello")

	time.Sleep(50 * time.Millisecond)
	is.Equal(env.replier.CallCount(), 1)
}

func TestFinalDeferredDuringPlayback(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	env.s.acceptFinal("first question")
	eventually(t, func() bool { return env.s.IsPlaybackActive() })
	eventually(t, func() bool { return !env.s.IsHandlingTranscript() })

	// A new utterance produced a final while playback is still going and
	// the caller did not barge in: held, not dropped.
	env.s.handleSpeechStart()
	env.s.acceptFinal("second question")
	time.Sleep(50 * time.Millisecond)
	is.Equal(env.replier.CallCount(), 1)

	env.s.OnPlaybackEnded()
	eventually(t, func() bool { return env.replier.CallCount() == 2 })
}

func TestDeferredFinalKeepsNextUtteranceSlot(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	env.s.acceptFinal("first question")
	eventually(t, func() bool { return env.s.IsPlaybackActive() })
	eventually(t, func() bool { return !env.s.IsHandlingTranscript() })

	// One utterance's final is held during playback, then the caller
	// barges in with a new utterance before playback ends.
	env.s.handleSpeechStart()
	env.s.acceptFinal("held question")
	env.s.handleBargeIn()
	env.s.handleSpeechStart() // the barged-in utterance
	env.s.OnPlaybackEnded()   // cleanup, then replay of the held final

	eventually(t, func() bool { return env.replier.CallCount() == 2 })
	eventually(t, func() bool { return env.s.IsPlaybackActive() })
	eventually(t, func() bool { return !env.s.IsHandlingTranscript() })
	env.s.OnPlaybackEnded()

	// The barged-in utterance's own final belongs to a different
	// utterance than the replayed one and must not be treated as its
	// duplicate.
	env.s.acceptFinal("follow up question")
	eventually(t, func() bool { return env.replier.CallCount() == 3 })
	is.Equal(env.replier.CallCount(), 3)
}

func TestFallbackReplyOnGenerationError(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.replier.Err = errors.New("upstream 500")
	env.s.OnAnswered()

	env.s.acceptFinal("hello")
	eventually(t, func() bool { return len(env.transport.Plays()) == 1 })
	is.Equal(env.transport.Plays()[0], FallbackReply)

	msgs := env.s.History().Messages()
	is.Equal(msgs[len(msgs)-1].Content, FallbackReply)
}

func TestSegmentsPlayInOrder(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{MinFirstSegmentChars: 5, MinNextSegmentChars: 10})
	env.replier.Responses = []string{"First one. Second thing here. And the third."}
	env.replier.StreamChunks = []string{"First one. ", "Second thing here. ", "And the third."}
	env.s.OnAnswered()

	env.s.acceptFinal("hello")
	eventually(t, func() bool { return len(env.transport.Plays()) == 3 })
	plays := env.transport.Plays()
	is.Equal(plays[0], "First one.")
	is.Equal(plays[1], "Second thing here.")
	is.Equal(plays[2], "And the third.")

	// One ended signal per dispatched segment; only the last clears.
	env.s.OnPlaybackEnded()
	env.s.OnPlaybackEnded()
	is.True(env.s.IsPlaybackActive())
	env.s.OnPlaybackEnded()
	is.True(!env.s.IsPlaybackActive())
	is.Equal(env.s.GetState(), StateListening)
}

func TestBargeInStopsPlaybackOnce(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()
	env.s.history.Add(llm.RoleUser, "tell me everything")
	env.s.history.Add(llm.RoleAssistant, "First part. Second part.")

	env.s.mu.Lock()
	env.s.state = StateSpeaking
	env.s.playbackActive = true
	env.s.dispatchedPlays = 1
	env.s.segments = newSegmentQueue()
	env.s.segments.push("Second part.")
	env.s.spokenText = "First part."
	env.s.replyCommitted = true
	env.s.mu.Unlock()

	env.s.handleBargeIn()
	is.Equal(env.transport.Stops(), 1)
	is.True(env.s.IsPlaybackActive()) // cleanup waits for playback-ended

	// A second detection while already interrupted is a no-op.
	env.s.handleBargeIn()
	is.Equal(env.transport.Stops(), 1)

	env.s.OnPlaybackEnded()
	is.True(!env.s.IsPlaybackActive())
	is.Equal(env.s.GetState(), StateListening)
	is.True(!env.s.IsHandlingTranscript())

	// History keeps only what the caller actually heard.
	msgs := env.s.History().Messages()
	is.Equal(msgs[len(msgs)-1].Content, "First part.")
}

func TestDeadAirRepromptFires(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()
	env.s.mu.Lock()
	env.s.enterListeningLocked()
	env.s.mu.Unlock()

	env.mock.Add(6 * time.Second)
	eventually(t, func() bool { return len(env.transport.Plays()) == 1 })
	is.Equal(env.transport.Plays()[0], "Are you still there?")
}

func TestDeadAirSuppression(t *testing.T) {
	tests := []struct {
		name string
		prep func(env *sessionEnv)
	}{
		{"just entered listening", func(env *sessionEnv) {
			env.s.listeningSince = env.mock.Now()
		}},
		{"recent speech", func(env *sessionEnv) {
			env.s.lastSpeechAt = env.mock.Now().Add(-500 * time.Millisecond)
		}},
		{"final in flight", func(env *sessionEnv) {
			env.s.finalsInFlight = 1
		}},
		{"handling transcript", func(env *sessionEnv) {
			env.s.handlingTranscript = true
		}},
		{"recent media", func(env *sessionEnv) {
			env.s.lastFrameAt = env.mock.Now().Add(-100 * time.Millisecond)
		}},
		{"playback active", func(env *sessionEnv) {
			env.s.playbackActive = true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			env := newSessionEnv(t, Config{})
			env.s.OnAnswered()

			env.s.mu.Lock()
			env.s.state = StateListening
			env.s.listeningSince = env.mock.Now().Add(-10 * time.Second)
			tt.prep(env)
			env.s.mu.Unlock()

			env.s.onDeadAir()
			time.Sleep(30 * time.Millisecond)
			is.Equal(len(env.transport.Plays()), 0)
		})
	}
}

func TestLateFinalCapture(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	// Hangup arrives while a final transcription is still on the wire.
	env.s.handleRequestStart(stt.KindFinal)
	env.s.OnHangup("caller hung up")
	is.Equal(env.s.GetState(), StateEnded)
	is.Equal(env.teardownCount(), 0) // teardown deferred

	env.mock.Add(400 * time.Millisecond)
	env.s.handleTranscript("ok thanks bye", stt.KindFinal)

	// Captured for history, no spoken reply, teardown exactly once.
	msgs := env.s.History().Messages()
	is.Equal(len(msgs), 1)
	is.Equal(msgs[0].Content, "ok thanks bye")
	is.Equal(len(env.transport.Plays()), 0)
	is.Equal(env.teardownCount(), 1)

	// Grace expiry later must not tear down a second time.
	env.mock.Add(2 * time.Second)
	is.Equal(env.teardownCount(), 1)
}

func TestSupersededRequestEndKeepsFinalPending(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	// A new final dispatch supersedes one still resolving; the aborted
	// predecessor's end arrives after the successor's start.
	env.s.handleRequestStart(stt.KindFinal)
	env.s.handleRequestStart(stt.KindFinal)
	env.s.handleRequestEnd(stt.KindFinal, context.Canceled)

	// The successor is still on the wire, so hangup must defer teardown.
	env.s.OnHangup("caller hung up")
	is.Equal(env.teardownCount(), 0)

	env.mock.Add(400 * time.Millisecond)
	env.s.handleRequestEnd(stt.KindFinal, nil)
	env.s.handleTranscript("one more thing", stt.KindFinal)

	msgs := env.s.History().Messages()
	is.Equal(len(msgs), 1)
	is.Equal(msgs[0].Content, "one more thing")
	is.Equal(env.teardownCount(), 1)
}

func TestLateFinalGraceExpiry(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	env.s.handleRequestStart(stt.KindFinal)
	env.s.OnHangup("caller hung up")
	is.Equal(env.teardownCount(), 0)

	env.mock.Add(1600 * time.Millisecond)
	is.Equal(env.teardownCount(), 1)

	// A final after the window is dropped.
	env.s.handleTranscript("too late", stt.KindFinal)
	is.Equal(env.s.History().Len(), 0)
	is.Equal(env.teardownCount(), 1)
}

func TestHangupWithoutInFlightFinal(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	env.s.OnHangup("normal clearing")
	is.Equal(env.s.GetState(), StateEnded)
	is.Equal(env.teardownCount(), 1)

	// Hangup is idempotent.
	env.s.OnHangup("again")
	is.Equal(env.teardownCount(), 1)
}

func TestPlaybackWatchdogForceClears(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	env.s.mu.Lock()
	env.s.state = StateSpeaking
	env.s.playbackActive = true
	env.s.dispatchedPlays = 1
	env.s.mu.Unlock()

	env.s.onPlaybackWatchdog()
	is.True(!env.s.IsPlaybackActive())
	is.Equal(env.s.GetState(), StateListening)
}

func TestEndToEndTurnFromAudio(t *testing.T) {
	is := is.New(t)
	env := newSessionEnv(t, Config{})
	env.s.OnAnswered()

	speech := constSessionFrame(t, 0.1)
	silence := constSessionFrame(t, 0)

	feed := func(f pcm.Frame, n int) {
		for i := 0; i < n; i++ {
			env.s.OnInboundFrame(f)
			env.mock.Add(20 * time.Millisecond)
		}
	}

	feed(silence, 30) // media becomes ready, session arms
	is.Equal(env.s.GetState(), StateListening)

	feed(speech, 60)
	feed(silence, 25) // utterance finalizes, final dispatched

	eventually(t, func() bool { return len(env.transport.Plays()) >= 1 })
	msgs := env.s.History().Messages()
	is.Equal(msgs[0].Content, "what time do you open")

	env.s.OnPlaybackEnded()
	eventually(t, func() bool { return env.s.GetState() == StateListening })
}

func constSessionFrame(t *testing.T, level float64) pcm.Frame {
	t.Helper()
	v := int16(level * 32767)
	data := make([]byte, 640)
	for i := 0; i < 320; i++ {
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	f, err := pcm.NewFrame(data, 16000, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	return f
}
