package openai

import (
	"context"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/tts"
)

// SpeechSynthesizer implements tts.Synthesizer using the speech API.
// Output is raw little-endian PCM16 at 24kHz so the telephony transport
// can stream it without a decode pass.
type SpeechSynthesizer struct {
	client *openai.Client
	model  string
	voice  string
}

// NewSpeechSynthesizer creates a speech-API-backed synthesizer.
func NewSpeechSynthesizer(cfg Config) (*SpeechSynthesizer, error) {
	client, err := newClient(&cfg)
	if err != nil {
		return nil, err
	}
	return &SpeechSynthesizer{client: client, model: cfg.TTSModel, voice: cfg.TTSVoice}, nil
}

// Synthesize converts one text segment into audio, retrying recoverable
// failures per the default policy.
func (s *SpeechSynthesizer) Synthesize(ctx context.Context, text string, opts tts.VoiceOptions) (tts.Audio, error) {
	return retry(ctx, func() (tts.Audio, error) {
		return s.synthesizeOnce(ctx, text, opts)
	})
}

func (s *SpeechSynthesizer) synthesizeOnce(ctx context.Context, text string, opts tts.VoiceOptions) (tts.Audio, error) {
	voice := s.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}

	req := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if opts.Speed > 0 {
		req.Speed = float64(opts.Speed)
	}

	resp, err := s.client.CreateSpeech(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return tts.Audio{}, ctx.Err()
		}
		return tts.Audio{}, classify(err, "speech synthesis failed")
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		if ctx.Err() != nil {
			return tts.Audio{}, ctx.Err()
		}
		return tts.Audio{}, classify(err, "read speech response")
	}

	return tts.Audio{Data: data, ContentType: "audio/pcm;rate=24000"}, nil
}

// Capabilities returns the provider's capabilities.
func (s *SpeechSynthesizer) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportedVoices:    []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
		SupportedLanguages: []string{"en", "es", "fr", "de", "it", "pt", "ja", "ko", "zh"},
		ContentTypes:       []string{"audio/pcm;rate=24000"},
	}
}
