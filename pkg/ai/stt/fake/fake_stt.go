// Package fake provides a fake Transcriber for testing the endpointing
// engine and orchestrator without a network recognizer.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/stt"
)

// DefaultTranscript is used when no transcript is provided.
const DefaultTranscript = "this is a fake transcript"

// Call records one Transcribe invocation for assertions.
type Call struct {
	Kind       stt.Kind
	AudioBytes int
	SampleRate int
	Cancelled  bool
}

// FakeTranscriber is a fake Transcriber implementation for testing.
type FakeTranscriber struct {
	Transcript string
	Err        error
	// Latency delays the response; a cancelled context during the delay
	// returns ctx.Err(), mimicking an aborted network call.
	Latency time.Duration
	// Block, when set, makes Transcribe wait until Release is called or
	// the context is cancelled.
	Block bool

	mu      sync.Mutex
	calls   []Call
	release chan struct{}
}

// NewFakeTranscriber creates a fake with a fixed transcript.
func NewFakeTranscriber(transcript string) *FakeTranscriber {
	if transcript == "" {
		transcript = DefaultTranscript
	}
	return &FakeTranscriber{Transcript: transcript, release: make(chan struct{})}
}

// Transcribe returns the canned transcript, honoring cancellation.
func (f *FakeTranscriber) Transcribe(ctx context.Context, req stt.Request) (stt.Transcription, error) {
	call := Call{Kind: req.Kind, AudioBytes: len(req.Audio), SampleRate: req.SampleRate}

	if f.Block {
		select {
		case <-f.release:
		case <-ctx.Done():
			call.Cancelled = true
			f.record(call)
			return stt.Transcription{}, ctx.Err()
		}
	} else if f.Latency > 0 {
		select {
		case <-time.After(f.Latency):
		case <-ctx.Done():
			call.Cancelled = true
			f.record(call)
			return stt.Transcription{}, ctx.Err()
		}
	}

	f.record(call)
	if f.Err != nil {
		return stt.Transcription{}, f.Err
	}
	return stt.Transcription{Text: f.Transcript, Language: req.Language}, nil
}

// Capabilities returns the fake capabilities.
func (f *FakeTranscriber) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Partials:           true,
		SupportedLanguages: []string{"en", "es", "de"},
		SampleRates:        []int{8000, 16000},
	}
}

// Release unblocks a blocked Transcribe call.
func (f *FakeTranscriber) Release() {
	close(f.release)
}

// Calls returns a copy of recorded calls.
func (f *FakeTranscriber) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many calls of the given kind completed or were cancelled.
func (f *FakeTranscriber) CallCount(kind stt.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// CancelledCount returns how many calls were aborted by context cancellation.
func (f *FakeTranscriber) CancelledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Cancelled {
			n++
		}
	}
	return n
}

func (f *FakeTranscriber) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}
