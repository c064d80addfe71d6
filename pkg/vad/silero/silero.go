// Package silero implements a learned voice-activity model backed by a
// Silero-style ONNX network. The model is loaded lazily on first use; if
// the model file or the onnxruntime shared library is unavailable the
// classifier falls back to energy gating (a Probability error per frame).
package silero

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// ensureOrtEnv initializes the ONNX runtime environment exactly once per
// process so concurrent calls do not race on schema registration.
func ensureOrtEnv() error {
	ortOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Config holds model configuration.
type Config struct {
	ModelPath  string
	SampleRate int // 8000 or 16000
}

// Model is a Silero ONNX voice-activity model implementing vad.Model.
type Model struct {
	cfg Config

	sessionOnce sync.Once
	sessionErr  error
	checked     bool
}

// New creates a model. The ONNX session is created lazily on the first
// Probability call.
func New(cfg Config) (*Model, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("unsupported sample rate %d (want 8000 or 16000)", cfg.SampleRate)
	}
	return &Model{cfg: cfg}, nil
}

// Probability runs one inference over the frame's samples and returns the
// speech probability.
func (m *Model) Probability(frame pcm.Frame) (float64, error) {
	if err := m.ensureReady(); err != nil {
		return 0, err
	}
	if frame.SampleRate != m.cfg.SampleRate {
		return 0, fmt.Errorf("frame sample rate %d does not match model rate %d", frame.SampleRate, m.cfg.SampleRate)
	}

	n := frame.Samples()
	if n == 0 {
		return 0, nil
	}
	input := make([]float32, n)
	for i := 0; i < n; i++ {
		input[i] = float32(int16(binary.LittleEndian.Uint16(frame.Data[i*2:]))) / 32768.0
	}

	inputShape := ort.NewShape(1, int64(n))
	inputTensor, err := ort.NewTensor(inputShape, input)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputShape := ort.NewShape(1, 1)
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	// Sessions are bound to tensor shapes, and frame sizes vary across
	// transports, so a session is created per inference the same way the
	// onnxruntime Session API expects fixed bindings.
	session, err := ort.NewSession[float32](
		m.cfg.ModelPath,
		[]string{"input"},
		[]string{"output"},
		[]*ort.Tensor[float32]{inputTensor},
		[]*ort.Tensor[float32]{outputTensor},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return 0, fmt.Errorf("ONNX inference failed: %w", err)
	}

	out := outputTensor.GetData()
	if len(out) == 0 {
		return 0, fmt.Errorf("empty output tensor")
	}

	prob := float64(out[0])
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}
	return prob, nil
}

// Reset clears per-utterance state. The stateless session has nothing to
// clear, but the method satisfies vad.Model.
func (m *Model) Reset() {}

// ensureReady verifies the model file exists and the runtime initializes.
func (m *Model) ensureReady() error {
	m.sessionOnce.Do(func() {
		if _, err := os.Stat(m.cfg.ModelPath); err != nil {
			m.sessionErr = fmt.Errorf("model file not found: %s", m.cfg.ModelPath)
			return
		}
		if err := ensureOrtEnv(); err != nil {
			m.sessionErr = fmt.Errorf("failed to initialize ONNX runtime: %w", err)
			return
		}
		m.checked = true
	})
	return m.sessionErr
}
