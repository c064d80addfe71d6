// Package llm defines the reply-generation collaborator contract used by
// the turn-taking orchestrator.
package llm

import (
	"context"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai"
)

var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    Role
	Content string
}

// Request carries the accepted transcript plus prior history.
type Request struct {
	Transcript  string
	History     []Message
	MaxTokens   int
	Temperature float32
}

// Reply is the generated response. Source tags where the text came from
// (model name, "fallback", etc.) for history and diagnostics.
type Reply struct {
	Text   string
	Source string
}

// Capabilities describes a replier implementation.
type Capabilities struct {
	Streaming bool
	MaxTokens int
}

// Replier is the main interface for reply-generation providers.
type Replier interface {
	// Generate produces a complete reply in one blocking call.
	Generate(ctx context.Context, req Request) (Reply, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}

// StreamingReplier is implemented by providers that can deliver the reply
// incrementally. onDelta is invoked per text chunk in order; the returned
// Reply holds the full concatenated text. Implementations must stop
// promptly when ctx is cancelled.
type StreamingReplier interface {
	Replier

	GenerateStream(ctx context.Context, req Request, onDelta func(delta string)) (Reply, error)
}
