// Package vad classifies audio frames as speech or silence. Classification
// combines signal energy (RMS and peak against adaptive floors) with an
// optional learned voice-activity model debounced by frame-count
// hysteresis. The adaptive floors track an exponentially smoothed noise
// estimate so the gate tightens in noisy environments and loosens in quiet
// ones.
package vad

import (
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
)

// Model is an optional learned voice-activity classifier. Probability
// returns the likelihood (0-1) that the frame contains speech.
type Model interface {
	Probability(frame pcm.Frame) (float64, error)

	// Reset clears internal state between utterance cycles.
	Reset()
}

// Config holds classifier tuning. Zero values are replaced by defaults.
type Config struct {
	RMSFloor        float64 // configured minimum RMS to count as speech
	PeakFloor       float64 // configured minimum peak to count as speech
	NoiseMultiplier float64 // noise estimate scale for the adaptive floor
	NoiseAlpha      float64 // EMA smoothing factor for the noise estimate

	ModelThreshold     float64 // probability above which the model votes speech
	ModelSpeechFrames  int     // consecutive model-speech frames to enter speech
	ModelSilenceFrames int     // consecutive model-silence frames to leave speech
}

// DefaultConfig returns tuning suitable for 16kHz 20ms telephony frames.
func DefaultConfig() Config {
	return Config{
		RMSFloor:           0.022,
		PeakFloor:          0.035,
		NoiseMultiplier:    2.5,
		NoiseAlpha:         0.05,
		ModelThreshold:     0.5,
		ModelSpeechFrames:  3,
		ModelSilenceFrames: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RMSFloor <= 0 {
		c.RMSFloor = d.RMSFloor
	}
	if c.PeakFloor <= 0 {
		c.PeakFloor = d.PeakFloor
	}
	if c.NoiseMultiplier <= 0 {
		c.NoiseMultiplier = d.NoiseMultiplier
	}
	if c.NoiseAlpha <= 0 {
		c.NoiseAlpha = d.NoiseAlpha
	}
	if c.ModelThreshold <= 0 {
		c.ModelThreshold = d.ModelThreshold
	}
	if c.ModelSpeechFrames <= 0 {
		c.ModelSpeechFrames = d.ModelSpeechFrames
	}
	if c.ModelSilenceFrames <= 0 {
		c.ModelSilenceFrames = d.ModelSilenceFrames
	}
	return c
}

// Decision is the per-frame classification result.
type Decision struct {
	Speech      bool
	RMS         float64
	Peak        float64
	Probability float64 // model probability, 0 when the model was not used
	FromModel   bool
}

// noiseFloor is an exponentially smoothed estimate of ambient RMS/peak.
// It is fed only from non-speech, non-gated frames.
type noiseFloor struct {
	rms     float64
	peak    float64
	samples int
}

// Classifier performs per-frame speech/silence decisions for one call.
// It is not safe for concurrent use; frame ingestion is serialized per call.
type Classifier struct {
	cfg   Config
	model Model
	noise noiseFloor

	inSpeech     bool
	speechCount  int
	silenceCount int
}

// NewClassifier creates a classifier. model may be nil, in which case only
// energy gating applies.
func NewClassifier(cfg Config, model Model) *Classifier {
	return &Classifier{cfg: cfg.withDefaults(), model: model}
}

// Classify decides whether the frame is speech. The model vote, when
// available, takes precedence over raw energy; a model error falls back to
// the energy gate for that frame.
func (c *Classifier) Classify(frame pcm.Frame) Decision {
	d := Decision{RMS: frame.RMS(), Peak: frame.Peak()}

	if c.model != nil {
		if prob, err := c.model.Probability(frame); err == nil {
			d.Probability = prob
			d.FromModel = true
			d.Speech = c.debounce(prob >= c.cfg.ModelThreshold)
			return d
		}
	}

	d.Speech = d.RMS >= c.EffectiveRMSFloor() && d.Peak >= c.EffectivePeakFloor()
	return d
}

// debounce applies consecutive-frame hysteresis to the raw model vote so
// single-frame transients do not flip the speech state.
func (c *Classifier) debounce(raw bool) bool {
	if c.inSpeech {
		if raw {
			c.silenceCount = 0
		} else {
			c.silenceCount++
			if c.silenceCount >= c.cfg.ModelSilenceFrames {
				c.inSpeech = false
				c.silenceCount = 0
				c.speechCount = 0
			}
		}
	} else {
		if raw {
			c.speechCount++
			if c.speechCount >= c.cfg.ModelSpeechFrames {
				c.inSpeech = true
				c.speechCount = 0
				c.silenceCount = 0
			}
		} else {
			c.speechCount = 0
		}
	}
	return c.inSpeech
}

// UpdateNoise folds a non-speech, non-gated frame into the noise estimate.
// The caller decides eligibility; gated frames (assistant playback) and
// speech frames must not be fed here.
func (c *Classifier) UpdateNoise(d Decision) {
	a := c.cfg.NoiseAlpha
	if c.noise.samples == 0 {
		c.noise.rms = d.RMS
		c.noise.peak = d.Peak
	} else {
		c.noise.rms = (1-a)*c.noise.rms + a*d.RMS
		c.noise.peak = (1-a)*c.noise.peak + a*d.Peak
	}
	c.noise.samples++
}

// EffectiveRMSFloor is max(configured floor, noise RMS x multiplier).
func (c *Classifier) EffectiveRMSFloor() float64 {
	adaptive := c.noise.rms * c.cfg.NoiseMultiplier
	if adaptive > c.cfg.RMSFloor {
		return adaptive
	}
	return c.cfg.RMSFloor
}

// EffectivePeakFloor is max(configured floor, noise peak x multiplier).
func (c *Classifier) EffectivePeakFloor() float64 {
	adaptive := c.noise.peak * c.cfg.NoiseMultiplier
	if adaptive > c.cfg.PeakFloor {
		return adaptive
	}
	return c.cfg.PeakFloor
}

// NoiseSamples returns how many frames have fed the noise estimate.
func (c *Classifier) NoiseSamples() int {
	return c.noise.samples
}

// ResetNoise clears the noise estimate for a new utterance cycle.
func (c *Classifier) ResetNoise() {
	c.noise = noiseFloor{}
}

// Reset clears all state, including the model's.
func (c *Classifier) Reset() {
	c.noise = noiseFloor{}
	c.inSpeech = false
	c.speechCount = 0
	c.silenceCount = 0
	if c.model != nil {
		c.model.Reset()
	}
}
