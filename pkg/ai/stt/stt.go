// Package stt defines the speech-recognition collaborator contract. The
// endpointing engine dispatches one request at a time per call; requests
// must honor cancellation through the provided context because barge-in
// and hangup abort them mid-flight.
package stt

import (
	"context"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai"
)

var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// Kind distinguishes authoritative finals from interim hints.
type Kind int

const (
	// KindFinal is a completed utterance intended to drive a reply.
	KindFinal Kind = iota
	// KindPartial is an interim, non-authoritative hint.
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindFinal:
		return "final"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Request carries one utterance payload to the recognizer.
type Request struct {
	Audio      []byte // mono PCM16 little-endian
	SampleRate int
	Language   string
	Kind       Kind
}

// Transcription is the recognizer's result for one request.
type Transcription struct {
	Text     string
	Language string
}

// Capabilities describes a recognizer implementation.
type Capabilities struct {
	Partials           bool
	SupportedLanguages []string
	SampleRates        []int
}

// Transcriber is the main interface for speech-recognition providers.
// Transcribe must return promptly when ctx is cancelled and must be safely
// callable at most once concurrently per call.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Transcription, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
