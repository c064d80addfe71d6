package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestLoadDefaults(t *testing.T) {
	is := is.New(t)

	cfg, err := Load("")
	is.NoErr(err)
	is.Equal(cfg.Audio.SampleRateHz, 16000)
	is.Equal(cfg.Server.MediaAddr, ":8080")
	is.Equal(cfg.OpenAI.ChatModel, "gpt-4o-mini")
}

func TestLoadFile(t *testing.T) {
	is := is.New(t)

	path := filepath.Join(t.TempDir(), "voiced.yaml")
	body := `
server:
  media_addr: ":7000"
audio:
  sample_rate_hz: 8000
  language: es
endpoint:
  base_silence: 500ms
  max_utterance: 45s
session:
  dead_air_timeout: 10s
  allow_reply_to_late_final: true
`
	is.NoErr(os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	is.NoErr(err)
	is.Equal(cfg.Server.MediaAddr, ":7000")
	is.Equal(cfg.Audio.SampleRateHz, 8000)
	is.Equal(cfg.Audio.Language, "es")
	is.Equal(cfg.Endpoint.BaseSilence.Std(), 500*time.Millisecond)
	is.Equal(cfg.Endpoint.MaxUtterance.Std(), 45*time.Second)
	is.Equal(cfg.Session.DeadAirTimeout.Std(), 10*time.Second)
	is.True(cfg.Session.AllowReplyToLateFinal)

	// Untouched defaults survive the overlay.
	is.Equal(cfg.Server.MetricsAddr, ":9090")
	is.Equal(cfg.OpenAI.STTModel, "whisper-1")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad sample rate", "audio:\n  sample_rate_hz: 44100\n"},
		{"silence clamp inverted", "endpoint:\n  min_silence: 2s\n  max_silence: 1s\n"},
		{"rms floor out of range", "vad:\n  rms_floor: 1.5\n"},
		{"bad duration", "endpoint:\n  base_silence: soon\n"},
		{"not yaml", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			path := filepath.Join(t.TempDir(), "voiced.yaml")
			is.NoErr(os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := Load(path)
			is.True(err != nil)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	is := is.New(t)
	_, err := Load("/nonexistent/voiced.yaml")
	is.True(err != nil)
}

func TestSessionConfigCarriesEndpointTuning(t *testing.T) {
	is := is.New(t)

	cfg := Default()
	cfg.Endpoint.BaseSilence = Duration(450 * time.Millisecond)
	cfg.Audio.Language = "de"

	sc := cfg.SessionConfig()
	is.Equal(sc.Endpoint.BaseSilence, 450*time.Millisecond)
	is.Equal(sc.Endpoint.Language, "de")
	is.Equal(sc.Endpoint.SampleRate, 16000)
}
