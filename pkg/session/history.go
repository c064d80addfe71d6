package session

import (
	"sync"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/llm"
)

// History holds the conversation turns for one call. When a reply is
// interrupted mid-playback, the assistant entry is truncated to the text
// actually spoken so later turns do not assume the caller heard the rest.
type History struct {
	mu       sync.Mutex
	turns    []llm.Message
	maxTurns int
}

func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	return &History{maxTurns: maxTurns}
}

// Add appends one turn, evicting the oldest beyond the cap.
func (h *History) Add(role llm.Role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Message{Role: role, Content: text})
	if len(h.turns) > h.maxTurns {
		h.turns = h.turns[len(h.turns)-h.maxTurns:]
	}
}

// AmendLast replaces the content of the most recent turn if it has the
// given role. Used to commit only the spoken prefix after a barge-in.
func (h *History) AmendLast(role llm.Role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.turns); n > 0 && h.turns[n-1].Role == role {
		if text == "" {
			h.turns = h.turns[:n-1]
			return
		}
		h.turns[n-1].Content = text
	}
}

// Messages returns a copy of the turns, oldest first.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of retained turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
