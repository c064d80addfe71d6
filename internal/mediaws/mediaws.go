// Package mediaws serves the bidirectional media-stream WebSocket for
// PSTN call legs. Each connection carries one call: inbound messages
// deliver base64 audio payloads and stream lifecycle events, outbound
// messages carry synthesized audio. A mark sent after each outbound
// payload is echoed back by the upstream once playback completes, which
// is the authoritative playback-ended signal for this transport.
package mediaws

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/tts"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/session"
)

// markPlaybackEnded is the mark name echoed back after outbound audio
// finishes playing.
const markPlaybackEnded = "playback-ended"

// envelope is the JSON message frame shared by both directions.
type envelope struct {
	Event    string        `json:"event"`
	StreamID string        `json:"stream_id,omitempty"`
	Start    *startPayload `json:"start,omitempty"`
	Media    *mediaPayload `json:"media,omitempty"`
	Mark     *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	CallControlID string      `json:"call_control_id"`
	MediaFormat   mediaFormat `json:"media_format"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

// Call is the per-call event surface the stream drives. *session.Session
// implements it.
type Call interface {
	OnAnswered()
	OnInboundFrame(f pcm.Frame)
	OnPlaybackEnded()
	OnHangup(reason string)
}

// Decoder converts one inbound media payload (already base64-decoded)
// into a PCM frame. Codec decode lives behind this function.
type Decoder func(payload []byte) (pcm.Frame, error)

// Factory builds the call session for a new stream. The transport plays
// synthesized audio back over this connection.
type Factory func(t session.Transport, callID string) (Call, error)

// Server upgrades HTTP requests into media streams.
type Server struct {
	log     *slog.Logger
	decode  Decoder
	factory Factory

	upgrader websocket.Upgrader
}

// NewServer creates a media stream server.
func NewServer(decode Decoder, factory Factory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:     logger,
		decode:  decode,
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Upstream media gateways do not send browser origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the stream until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	conn := &streamConn{ws: ws}
	s.runStream(conn)
}

// streamConn wraps the socket with a write lock; gorilla connections
// allow only one concurrent writer.
type streamConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *streamConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// transport adapts the stream into the session's playback interface.
type transport struct {
	conn     *streamConn
	streamID string
}

// Play sends one synthesized audio chunk followed by a playback mark; the
// upstream echoes the mark after the audio has been played out.
func (t *transport) Play(ctx context.Context, audio tts.Audio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := envelope{
		Event:    "media",
		StreamID: t.streamID,
		Media:    &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio.Data)},
	}
	if err := t.conn.writeJSON(msg); err != nil {
		return fmt.Errorf("write media message: %w", err)
	}
	mark := envelope{
		Event:    "mark",
		StreamID: t.streamID,
		Mark:     &markPayload{Name: markPlaybackEnded},
	}
	if err := t.conn.writeJSON(mark); err != nil {
		return fmt.Errorf("write playback mark: %w", err)
	}
	return nil
}

// Stop clears any queued outbound audio.
func (t *transport) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.writeJSON(envelope{Event: "clear", StreamID: t.streamID}); err != nil {
		return fmt.Errorf("write clear message: %w", err)
	}
	return nil
}

// runStream processes one connection's message loop.
func (s *Server) runStream(conn *streamConn) {
	streamID := uuid.NewString()
	log := s.log.With(slog.String("stream", streamID))

	var call Call
	defer func() {
		if call != nil {
			call.OnHangup("transport closed")
		}
	}()

	for {
		var msg envelope
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("stream read failed", slog.String("error", err.Error()))
			}
			return
		}

		switch msg.Event {
		case "connected":
			log.Debug("stream connected")

		case "start":
			if call != nil {
				log.Warn("duplicate start event ignored")
				continue
			}
			if msg.StreamID != "" {
				streamID = msg.StreamID
			}
			callID := streamID
			if msg.Start != nil && msg.Start.CallControlID != "" {
				callID = msg.Start.CallControlID
			}
			c, err := s.factory(&transport{conn: conn, streamID: streamID}, callID)
			if err != nil {
				log.Error("session create failed", slog.String("error", err.Error()))
				return
			}
			call = c
			call.OnAnswered()

		case "media":
			if call == nil || msg.Media == nil {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				log.Warn("bad media payload", slog.String("error", err.Error()))
				continue
			}
			frame, err := s.decode(raw)
			if err != nil {
				log.Warn("media decode failed", slog.String("error", err.Error()))
				continue
			}
			call.OnInboundFrame(frame)

		case "mark":
			if call != nil && msg.Mark != nil && msg.Mark.Name == markPlaybackEnded {
				call.OnPlaybackEnded()
			}

		case "stop":
			if call != nil {
				call.OnHangup("stream stopped")
				call = nil
			}
			return

		default:
			log.Debug("unhandled stream event", slog.String("event", msg.Event))
		}
	}
}

// PCM16Decoder returns a Decoder for streams already carrying little-
// endian PCM16 at the given rate.
func PCM16Decoder(sampleRate int) Decoder {
	return func(payload []byte) (pcm.Frame, error) {
		return pcm.NewFrame(payload, sampleRate, time.Now())
	}
}
