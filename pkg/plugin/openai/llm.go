package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/llm"
)

// ChatReplier implements llm.Replier and llm.StreamingReplier using the
// chat completions API.
type ChatReplier struct {
	client *openai.Client
	model  string
}

// NewChatReplier creates a chat-completion-backed replier.
func NewChatReplier(cfg Config) (*ChatReplier, error) {
	client, err := newClient(&cfg)
	if err != nil {
		return nil, err
	}
	return &ChatReplier{client: client, model: cfg.ChatModel}, nil
}

func (r *ChatReplier) completionRequest(req llm.Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, msg := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	// History already ends with the transcript when the caller recorded
	// it before generating; only append when it does not.
	if n := len(req.History); n == 0 || req.History[n-1].Content != req.Transcript || req.History[n-1].Role != llm.RoleUser {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(llm.RoleUser),
			Content: req.Transcript,
		})
	}

	return openai.ChatCompletionRequest{
		Model:       r.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// Generate produces a complete reply in one blocking call, retrying
// recoverable failures per the default policy.
func (r *ChatReplier) Generate(ctx context.Context, req llm.Request) (llm.Reply, error) {
	return retry(ctx, func() (llm.Reply, error) {
		return r.generateOnce(ctx, req)
	})
}

func (r *ChatReplier) generateOnce(ctx context.Context, req llm.Request) (llm.Reply, error) {
	resp, err := r.client.CreateChatCompletion(ctx, r.completionRequest(req))
	if err != nil {
		if ctx.Err() != nil {
			return llm.Reply{}, ctx.Err()
		}
		return llm.Reply{}, classify(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return llm.Reply{}, fmt.Errorf("no completion choices returned")
	}

	return llm.Reply{
		Text:   strings.TrimSpace(resp.Choices[0].Message.Content),
		Source: r.model,
	}, nil
}

// GenerateStream produces the reply incrementally, invoking onDelta per
// text chunk in arrival order. Only stream establishment is retried; a
// failure mid-stream returns rather than re-emitting deltas.
func (r *ChatReplier) GenerateStream(ctx context.Context, req llm.Request, onDelta func(delta string)) (llm.Reply, error) {
	stream, err := retry(ctx, func() (*openai.ChatCompletionStream, error) {
		s, err := r.client.CreateChatCompletionStream(ctx, r.completionRequest(req))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classify(err, "chat completion stream failed")
		}
		return s, nil
	})
	if err != nil {
		return llm.Reply{}, err
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return llm.Reply{}, ctx.Err()
			}
			return llm.Reply{}, classify(err, "chat completion stream failed")
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	return llm.Reply{
		Text:   strings.TrimSpace(full.String()),
		Source: r.model,
	}, nil
}

// Capabilities returns the provider's capabilities.
func (r *ChatReplier) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, MaxTokens: 128000}
}
