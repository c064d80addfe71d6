// Package fake provides a fake Synthesizer for orchestrator tests.
package fake

import (
	"context"
	"sync"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/tts"
)

// FakeSynthesizer is a fake speech-synthesis provider. The returned audio
// is the input text's bytes, which lets tests assert segment ordering by
// inspecting synthesized payloads.
type FakeSynthesizer struct {
	Err error

	mu    sync.Mutex
	texts []string
}

// NewFakeSynthesizer creates a new fake synthesizer.
func NewFakeSynthesizer() *FakeSynthesizer {
	return &FakeSynthesizer{}
}

// Synthesize returns the text bytes as audio.
func (f *FakeSynthesizer) Synthesize(ctx context.Context, text string, opts tts.VoiceOptions) (tts.Audio, error) {
	if err := ctx.Err(); err != nil {
		return tts.Audio{}, err
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()

	if f.Err != nil {
		return tts.Audio{}, f.Err
	}
	return tts.Audio{Data: []byte(text), ContentType: "audio/pcm"}, nil
}

// Capabilities returns the fake capabilities.
func (f *FakeSynthesizer) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportedVoices:    []string{"default"},
		SupportedLanguages: []string{"en"},
		ContentTypes:       []string{"audio/pcm"},
	}
}

// Texts returns the synthesized texts in call order.
func (f *FakeSynthesizer) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}
