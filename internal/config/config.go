// Package config loads the voiced YAML configuration file and converts it
// into the per-component tuning structs. Every endpointing and
// orchestration constant is a tunable here; zero values fall back to the
// component defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/endpoint"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/readiness"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/session"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/vad"
)

// Duration accepts "500ms"-style strings (or raw nanoseconds) in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server   Server   `yaml:"server"`
	OpenAI   OpenAI   `yaml:"openai"`
	Audio    Audio    `yaml:"audio"`
	VAD      VAD      `yaml:"vad"`
	Endpoint Endpoint `yaml:"endpoint"`
	Session  Session  `yaml:"session"`
}

type Server struct {
	// MediaAddr is the listen address for the media-stream WebSocket.
	MediaAddr string `yaml:"media_addr"`
	// MetricsAddr serves the expvar debug endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

type OpenAI struct {
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
	ChatModel string `yaml:"chat_model"`
	STTModel  string `yaml:"stt_model"`
	TTSModel  string `yaml:"tts_model"`
	TTSVoice  string `yaml:"tts_voice"`
}

type Audio struct {
	SampleRateHz int    `yaml:"sample_rate_hz"`
	Language     string `yaml:"language"`
	// SileroModelPath enables the learned VAD model when set.
	SileroModelPath string `yaml:"silero_model_path"`
}

type VAD struct {
	RMSFloor        float64 `yaml:"rms_floor"`
	PeakFloor       float64 `yaml:"peak_floor"`
	NoiseMultiplier float64 `yaml:"noise_multiplier"`
	NoiseAlpha      float64 `yaml:"noise_alpha"`
	ModelThreshold  float64 `yaml:"model_threshold"`
}

type Endpoint struct {
	RequiredSpeechFrames int      `yaml:"required_speech_frames"`
	PreRollWindow        Duration `yaml:"pre_roll_window"`
	BaseSilence          Duration `yaml:"base_silence"`
	MinSilence           Duration `yaml:"min_silence"`
	MaxSilence           Duration `yaml:"max_silence"`
	SilenceLogGain       Duration `yaml:"silence_log_gain"`
	LoudRMS              float64  `yaml:"loud_rms"`
	LoudBonus            Duration `yaml:"loud_bonus"`
	QuietRMS             float64  `yaml:"quiet_rms"`
	QuietPenalty         Duration `yaml:"quiet_penalty"`
	FinalTailCushion     Duration `yaml:"final_tail_cushion"`
	MinSpeechForFinal    Duration `yaml:"min_speech_for_final"`
	MinBytesForFinal     int      `yaml:"min_bytes_for_final"`
	NoFrameTimeout       Duration `yaml:"no_frame_timeout"`
	MaxUtterance         Duration `yaml:"max_utterance"`
	PartialInterval      Duration `yaml:"partial_interval"`
	MinPartialBuffered   Duration `yaml:"min_partial_buffered"`
	PostFlushGrace       Duration `yaml:"post_flush_grace"`
}

type Session struct {
	DeadAirTimeout        Duration `yaml:"dead_air_timeout"`
	DeadAirGrace          Duration `yaml:"dead_air_grace"`
	RecentMediaWindow     Duration `yaml:"recent_media_window"`
	RepromptText          string   `yaml:"reprompt_text"`
	LateFinalGrace        Duration `yaml:"late_final_grace"`
	AllowReplyToLateFinal bool     `yaml:"allow_reply_to_late_final"`
	PlaybackWatchdog      Duration `yaml:"playback_watchdog"`
	MinFirstSegmentChars  int      `yaml:"min_first_segment_chars"`
	MinNextSegmentChars   int      `yaml:"min_next_segment_chars"`
	FirstAudioBudget      Duration `yaml:"first_audio_budget"`
	FallbackReply         string   `yaml:"fallback_reply"`
	MaxHistoryTurns       int      `yaml:"max_history_turns"`
	MediaReadyMinAudio    Duration `yaml:"media_ready_min_audio"`
	MediaReadyMaxGap      Duration `yaml:"media_ready_max_gap"`
	NominalFrame          Duration `yaml:"nominal_frame"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			MediaAddr:   ":8080",
			MetricsAddr: ":9090",
		},
		OpenAI: OpenAI{
			APIKeyEnv: "OPENAI_API_KEY",
			ChatModel: "gpt-4o-mini",
			STTModel:  "whisper-1",
			TTSModel:  "tts-1",
			TTSVoice:  "alloy",
		},
		Audio: Audio{
			SampleRateHz: 16000,
			Language:     "en",
		},
	}
}

// Load reads the YAML file at path, layered over the defaults. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Audio.SampleRateHz {
	case 8000, 16000:
	default:
		return fmt.Errorf("unsupported sample rate %d (want 8000 or 16000)", c.Audio.SampleRateHz)
	}
	if c.Endpoint.MinSilence > 0 && c.Endpoint.MaxSilence > 0 &&
		c.Endpoint.MinSilence > c.Endpoint.MaxSilence {
		return fmt.Errorf("endpoint min_silence %s exceeds max_silence %s",
			c.Endpoint.MinSilence.Std(), c.Endpoint.MaxSilence.Std())
	}
	if c.VAD.RMSFloor < 0 || c.VAD.RMSFloor > 1 {
		return fmt.Errorf("vad rms_floor %v out of range [0,1]", c.VAD.RMSFloor)
	}
	if c.VAD.PeakFloor < 0 || c.VAD.PeakFloor > 1 {
		return fmt.Errorf("vad peak_floor %v out of range [0,1]", c.VAD.PeakFloor)
	}
	if c.Server.MediaAddr == "" {
		return fmt.Errorf("server media_addr must not be empty")
	}
	return nil
}

// APIKey resolves the OpenAI API key from the configured environment
// variable.
func (c Config) APIKey() string {
	return os.Getenv(c.OpenAI.APIKeyEnv)
}

// EndpointConfig converts to the engine's tuning struct.
func (c Config) EndpointConfig() endpoint.Config {
	return endpoint.Config{
		SampleRate:           c.Audio.SampleRateHz,
		Language:             c.Audio.Language,
		RequiredSpeechFrames: c.Endpoint.RequiredSpeechFrames,
		PreRollWindow:        c.Endpoint.PreRollWindow.Std(),
		BaseSilence:          c.Endpoint.BaseSilence.Std(),
		MinSilence:           c.Endpoint.MinSilence.Std(),
		MaxSilence:           c.Endpoint.MaxSilence.Std(),
		SilenceLogGain:       c.Endpoint.SilenceLogGain.Std(),
		LoudRMS:              c.Endpoint.LoudRMS,
		LoudBonus:            c.Endpoint.LoudBonus.Std(),
		QuietRMS:             c.Endpoint.QuietRMS,
		QuietPenalty:         c.Endpoint.QuietPenalty.Std(),
		FinalTailCushion:     c.Endpoint.FinalTailCushion.Std(),
		MinSpeechForFinal:    c.Endpoint.MinSpeechForFinal.Std(),
		MinBytesForFinal:     c.Endpoint.MinBytesForFinal,
		NoFrameTimeout:       c.Endpoint.NoFrameTimeout.Std(),
		MaxUtterance:         c.Endpoint.MaxUtterance.Std(),
		PartialInterval:      c.Endpoint.PartialInterval.Std(),
		MinPartialBuffered:   c.Endpoint.MinPartialBuffered.Std(),
		PostFlushGrace:       c.Endpoint.PostFlushGrace.Std(),
	}
}

// VADConfig converts to the classifier's tuning struct.
func (c Config) VADConfig() vad.Config {
	return vad.Config{
		RMSFloor:        c.VAD.RMSFloor,
		PeakFloor:       c.VAD.PeakFloor,
		NoiseMultiplier: c.VAD.NoiseMultiplier,
		NoiseAlpha:      c.VAD.NoiseAlpha,
		ModelThreshold:  c.VAD.ModelThreshold,
	}
}

// ReadinessConfig converts to the coordinator's tuning struct.
func (c Config) ReadinessConfig() readiness.Config {
	return readiness.Config{
		MinAudio:      c.Session.MediaReadyMinAudio.Std(),
		MaxGap:        c.Session.MediaReadyMaxGap.Std(),
		NominalFrame:  c.Session.NominalFrame.Std(),
		PreRollWindow: c.Endpoint.PreRollWindow.Std(),
	}
}

// SessionConfig converts to the orchestrator's tuning struct.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		DeadAirTimeout:        c.Session.DeadAirTimeout.Std(),
		DeadAirGrace:          c.Session.DeadAirGrace.Std(),
		RecentMediaWindow:     c.Session.RecentMediaWindow.Std(),
		RepromptText:          c.Session.RepromptText,
		LateFinalGrace:        c.Session.LateFinalGrace.Std(),
		AllowReplyToLateFinal: c.Session.AllowReplyToLateFinal,
		PlaybackWatchdog:      c.Session.PlaybackWatchdog.Std(),
		MinFirstSegmentChars:  c.Session.MinFirstSegmentChars,
		MinNextSegmentChars:   c.Session.MinNextSegmentChars,
		FirstAudioBudget:      c.Session.FirstAudioBudget.Std(),
		FallbackReply:         c.Session.FallbackReply,
		MaxHistoryTurns:       c.Session.MaxHistoryTurns,
		Endpoint:              c.EndpointConfig(),
		Readiness:             c.ReadinessConfig(),
		VAD:                   c.VADConfig(),
	}
}
