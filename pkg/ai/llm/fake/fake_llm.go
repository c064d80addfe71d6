// Package fake provides a fake Replier for orchestrator tests.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/llm"
)

// FakeReplier is a fake reply-generation provider with canned responses.
type FakeReplier struct {
	Responses []string
	Err       error
	// StreamChunks controls how GenerateStream splits the response. When
	// empty, the response is emitted word by word.
	StreamChunks []string

	mu        sync.Mutex
	callCount int
	requests  []llm.Request
}

// NewFakeReplier creates a fake replier cycling through the given responses.
func NewFakeReplier(responses ...string) *FakeReplier {
	if len(responses) == 0 {
		responses = []string{"This is a fake reply from the fake provider."}
	}
	return &FakeReplier{Responses: responses}
}

// Generate returns the next canned response.
func (f *FakeReplier) Generate(ctx context.Context, req llm.Request) (llm.Reply, error) {
	if err := ctx.Err(); err != nil {
		return llm.Reply{}, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	text := f.Responses[f.callCount%len(f.Responses)]
	f.callCount++
	f.mu.Unlock()

	if f.Err != nil {
		return llm.Reply{}, f.Err
	}
	return llm.Reply{Text: text, Source: "fake"}, nil
}

// GenerateStream emits the response in chunks before resolving with the
// full text.
func (f *FakeReplier) GenerateStream(ctx context.Context, req llm.Request, onDelta func(string)) (llm.Reply, error) {
	reply, err := f.Generate(ctx, req)
	if err != nil {
		return llm.Reply{}, err
	}

	chunks := f.StreamChunks
	if len(chunks) == 0 {
		words := strings.Fields(reply.Text)
		for i, w := range words {
			if i < len(words)-1 {
				w += " "
			}
			chunks = append(chunks, w)
		}
	}
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return llm.Reply{}, err
		}
		onDelta(c)
	}
	return reply, nil
}

// Capabilities returns the fake capabilities.
func (f *FakeReplier) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, MaxTokens: 4096}
}

// Requests returns a copy of recorded requests.
func (f *FakeReplier) Requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// CallCount returns how many generate calls were made.
func (f *FakeReplier) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}
