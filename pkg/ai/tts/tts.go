// Package tts defines the speech-synthesis collaborator contract.
package tts

import (
	"context"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai"
)

var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// VoiceOptions selects the synthesized voice.
type VoiceOptions struct {
	Voice    string
	Language string
	Speed    float32
}

// Audio is one synthesized segment, already encoded for the playback
// transport (the core does not own a wire format).
type Audio struct {
	Data        []byte
	ContentType string
}

// Capabilities describes a synthesizer implementation.
type Capabilities struct {
	SupportedVoices    []string
	SupportedLanguages []string
	ContentTypes       []string
}

// Synthesizer is the main interface for speech-synthesis providers.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts VoiceOptions) (Audio, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
