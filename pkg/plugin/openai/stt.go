package openai

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/stt"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/audio/wav"
)

// WhisperTranscriber implements stt.Transcriber using the Whisper API.
// Whisper is batch-only, so partial requests run the same code path as
// finals; the engine's token check discards stale results either way.
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

// NewWhisperTranscriber creates a Whisper-backed transcriber.
func NewWhisperTranscriber(cfg Config) (*WhisperTranscriber, error) {
	client, err := newClient(&cfg)
	if err != nil {
		return nil, err
	}
	return &WhisperTranscriber{client: client, model: cfg.STTModel}, nil
}

// Transcribe sends one utterance payload to Whisper. The raw PCM is
// wrapped in a WAV container because the API wants a file-shaped upload.
// Recoverable failures are retried per the default policy.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, req stt.Request) (stt.Transcription, error) {
	if len(req.Audio) == 0 {
		return stt.Transcription{}, fmt.Errorf("empty audio payload")
	}
	return retry(ctx, func() (stt.Transcription, error) {
		return w.transcribeOnce(ctx, req)
	})
}

func (w *WhisperTranscriber) transcribeOnce(ctx context.Context, req stt.Request) (stt.Transcription, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		Language: req.Language,
		Format:   openai.AudioResponseFormatJSON,
		Reader:   bytes.NewReader(wav.Encode(req.Audio, req.SampleRate)),
		FilePath: "audio.wav",
	})
	if err != nil {
		if ctx.Err() != nil {
			return stt.Transcription{}, ctx.Err()
		}
		return stt.Transcription{}, classify(err, "whisper transcription failed")
	}

	return stt.Transcription{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
	}, nil
}

// Capabilities returns the provider's capabilities.
func (w *WhisperTranscriber) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Partials:           false,
		SupportedLanguages: []string{"en", "es", "fr", "de", "it", "pt", "nl", "ja", "ko", "zh"},
		SampleRates:        []int{8000, 16000, 22050, 44100, 48000},
	}
}
