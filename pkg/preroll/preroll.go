// Package preroll maintains a bounded time-windowed buffer of recent audio
// frames. While a call is idle the buffer is continuously overwritten;
// when speech starts it is consumed atomically so a few hundred ms of
// audio before the detected onset is preserved at the head of the
// utterance.
package preroll

import (
	"sync"
	"time"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
)

const (
	// MinWindow and MaxWindow clamp the configured window.
	MinWindow = 500 * time.Millisecond
	MaxWindow = 800 * time.Millisecond
)

// Snapshot is the atomically consumed state of the buffer.
type Snapshot struct {
	Frames     []pcm.Frame
	Duration   time.Duration
	SampleRate int
}

// Buffer is a rolling window of the most recent frames. Oldest frames are
// evicted once the total buffered duration exceeds the window.
type Buffer struct {
	mu       sync.Mutex
	window   time.Duration
	frames   []pcm.Frame
	duration time.Duration
}

// New creates a buffer with the given window, clamped to [MinWindow, MaxWindow].
func New(window time.Duration) *Buffer {
	if window < MinWindow {
		window = MinWindow
	}
	if window > MaxWindow {
		window = MaxWindow
	}
	return &Buffer{window: window}
}

// Push appends a copy of the frame and evicts the oldest frames until the
// buffered duration fits the window again.
func (b *Buffer) Push(f pcm.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = append(b.frames, f.Clone())
	b.duration += f.Duration()

	for len(b.frames) > 1 && b.duration > b.window {
		b.duration -= b.frames[0].Duration()
		b.frames[0] = pcm.Frame{}
		b.frames = b.frames[1:]
	}
}

// Consume atomically returns the buffered frames and resets the buffer.
// The caller takes ownership of the returned frames.
func (b *Buffer) Consume() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{Frames: b.frames, Duration: b.duration}
	if len(b.frames) > 0 {
		snap.SampleRate = b.frames[0].SampleRate
	}
	b.frames = nil
	b.duration = 0
	return snap
}

// Reset discards all buffered frames.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
	b.duration = 0
}

// Duration returns the currently buffered duration.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duration
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}
