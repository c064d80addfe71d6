package session

import (
	"fmt"
	"testing"

	"github.com/matryer/is"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/llm"
)

func TestHistoryEvictsOldestBeyondCap(t *testing.T) {
	is := is.New(t)

	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(llm.RoleUser, fmt.Sprintf("turn %d", i))
	}

	msgs := h.Messages()
	is.Equal(len(msgs), 3)
	is.Equal(msgs[0].Content, "turn 2")
	is.Equal(msgs[2].Content, "turn 4")
}

func TestHistoryAmendLast(t *testing.T) {
	is := is.New(t)

	h := NewHistory(10)
	h.Add(llm.RoleUser, "what are your hours")
	h.Add(llm.RoleAssistant, "We are open nine to five, Monday through Friday.")

	// Barge-in: only the spoken prefix is kept.
	h.AmendLast(llm.RoleAssistant, "We are open nine to five,")
	msgs := h.Messages()
	is.Equal(msgs[1].Content, "We are open nine to five,")

	// Role mismatch leaves history untouched.
	h.AmendLast(llm.RoleUser, "ignored")
	is.Equal(h.Messages()[1].Content, "We are open nine to five,")

	// Empty text removes the turn entirely.
	h.AmendLast(llm.RoleAssistant, "")
	is.Equal(h.Len(), 1)
	is.Equal(h.Messages()[0].Role, llm.RoleUser)
}

func TestHistoryMessagesReturnsCopy(t *testing.T) {
	is := is.New(t)

	h := NewHistory(10)
	h.Add(llm.RoleUser, "original")

	msgs := h.Messages()
	msgs[0].Content = "mutated"
	is.Equal(h.Messages()[0].Content, "original")
}
