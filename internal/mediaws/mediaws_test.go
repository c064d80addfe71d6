package mediaws

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/tts"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/session"
)

// stubCall records the events the stream delivers.
type stubCall struct {
	mu             sync.Mutex
	answered       int
	frames         []pcm.Frame
	playbackEnded  int
	hangups        []string
	transport      session.Transport
	transportReady chan struct{}
}

func newStubCall() *stubCall {
	return &stubCall{transportReady: make(chan struct{})}
}

func (c *stubCall) OnAnswered() {
	c.mu.Lock()
	c.answered++
	c.mu.Unlock()
}

func (c *stubCall) OnInboundFrame(f pcm.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *stubCall) OnPlaybackEnded() {
	c.mu.Lock()
	c.playbackEnded++
	c.mu.Unlock()
}

func (c *stubCall) OnHangup(reason string) {
	c.mu.Lock()
	c.hangups = append(c.hangups, reason)
	c.mu.Unlock()
}

func (c *stubCall) snapshot() (int, int, int, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered, len(c.frames), c.playbackEnded, append([]string(nil), c.hangups...)
}

type testStream struct {
	call *stubCall
	ws   *websocket.Conn
}

func newTestStream(t *testing.T) *testStream {
	t.Helper()
	call := newStubCall()

	srv := NewServer(PCM16Decoder(16000), func(tr session.Transport, callID string) (Call, error) {
		call.mu.Lock()
		call.transport = tr
		call.mu.Unlock()
		close(call.transportReady)
		return call, nil
	}, nil)

	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &testStream{call: call, ws: ws}
}

func (s *testStream) send(t *testing.T, msg envelope) {
	t.Helper()
	if err := s.ws.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (s *testStream) start(t *testing.T) {
	t.Helper()
	s.send(t, envelope{Event: "connected"})
	s.send(t, envelope{
		Event:    "start",
		StreamID: "stream-1",
		Start:    &startPayload{CallControlID: "call-1"},
	})
	select {
	case <-s.call.transportReady:
	case <-time.After(2 * time.Second):
		t.Fatal("session never created")
	}
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

func TestStreamLifecycle(t *testing.T) {
	is := is.New(t)
	s := newTestStream(t)
	s.start(t)

	eventually(t, func() bool { a, _, _, _ := s.call.snapshot(); return a == 1 })

	// Inbound media becomes frames.
	payload := base64.StdEncoding.EncodeToString(make([]byte, 640))
	s.send(t, envelope{Event: "media", Media: &mediaPayload{Track: "inbound", Payload: payload}})
	eventually(t, func() bool { _, f, _, _ := s.call.snapshot(); return f == 1 })

	// Outbound tracks are ignored.
	s.send(t, envelope{Event: "media", Media: &mediaPayload{Track: "outbound", Payload: payload}})

	// Echoed playback mark is the authoritative ended signal.
	s.send(t, envelope{Event: "mark", Mark: &markPayload{Name: markPlaybackEnded}})
	eventually(t, func() bool { _, _, p, _ := s.call.snapshot(); return p == 1 })

	s.send(t, envelope{Event: "stop"})
	eventually(t, func() bool { _, _, _, h := s.call.snapshot(); return len(h) == 1 })
	_, f, _, h := s.call.snapshot()
	is.Equal(f, 1)
	is.Equal(h[0], "stream stopped")
}

func TestStreamDisconnectHangsUp(t *testing.T) {
	is := is.New(t)
	s := newTestStream(t)
	s.start(t)

	s.ws.Close()
	eventually(t, func() bool { _, _, _, h := s.call.snapshot(); return len(h) == 1 })
	_, _, _, h := s.call.snapshot()
	is.Equal(h[0], "transport closed")
}

func TestStreamBadPayloadDropped(t *testing.T) {
	s := newTestStream(t)
	s.start(t)

	s.send(t, envelope{Event: "media", Media: &mediaPayload{Payload: "not base64!!!"}})
	s.send(t, envelope{Event: "media", Media: &mediaPayload{
		Payload: base64.StdEncoding.EncodeToString(make([]byte, 640)),
	}})
	eventually(t, func() bool { _, f, _, _ := s.call.snapshot(); return f == 1 })
}

func TestTransportPlayWritesMediaAndMark(t *testing.T) {
	is := is.New(t)
	s := newTestStream(t)
	s.start(t)

	err := s.call.transport.Play(context.Background(), tts.Audio{Data: []byte("audio-bytes")})
	is.NoErr(err)

	var media envelope
	is.NoErr(s.ws.ReadJSON(&media))
	is.Equal(media.Event, "media")
	decoded, err := base64.StdEncoding.DecodeString(media.Media.Payload)
	is.NoErr(err)
	is.Equal(string(decoded), "audio-bytes")

	var mark envelope
	is.NoErr(s.ws.ReadJSON(&mark))
	is.Equal(mark.Event, "mark")
	is.Equal(mark.Mark.Name, markPlaybackEnded)

	is.NoErr(s.call.transport.Stop(context.Background()))
	var stop envelope
	is.NoErr(s.ws.ReadJSON(&stop))
	is.Equal(stop.Event, "clear")
}
