// Package openai provides OpenAI-backed providers: Whisper for speech
// recognition, chat completions for reply generation, and the speech API
// for synthesis.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai"
)

// Config holds shared provider configuration.
type Config struct {
	APIKey    string
	ChatModel string // default gpt-4o-mini
	STTModel  string // default whisper-1
	TTSModel  string // default tts-1
	TTSVoice  string // default alloy
	Language  string // empty means auto-detect
}

func (c *Config) applyDefaults() {
	if c.ChatModel == "" {
		c.ChatModel = "gpt-4o-mini"
	}
	if c.STTModel == "" {
		c.STTModel = openai.Whisper1
	}
	if c.TTSModel == "" {
		c.TTSModel = string(openai.TTSModel1)
	}
	if c.TTSVoice == "" {
		c.TTSVoice = string(openai.VoiceAlloy)
	}
}

func newClient(cfg *Config) (*openai.Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	cfg.applyDefaults()
	return openai.NewClient(cfg.APIKey), nil
}

// classify maps an API failure onto the recoverable/fatal taxonomy.
// Rate limits, server errors, and network faults are worth retrying;
// auth and malformed-request failures are not.
func classify(err error, message string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return ai.NewRecoverableError(err, message)
		default:
			return ai.NewFatalError(err, message)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ai.NewRecoverableError(err, message)
	}
	return ai.NewRecoverableError(err, message)
}

// retry runs fn under the default retry policy: recoverable failures are
// retried with exponential backoff, fatal failures and cancellation
// return immediately. fn must return errors already classified.
func retry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	cfg := ai.DefaultRetryConfig
	delay := cfg.InitialDelay
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil || !ai.IsRecoverable(err) || attempt >= cfg.MaxRetries {
			return v, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
