// Package pcm provides the audio frame type shared by the endpointing
// pipeline and signal-level helpers for energy measurement.
package pcm

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Frame represents one decoded chunk of mono PCM16 audio at a declared
// sample rate. Data is 16-bit little-endian. Frames handed to the pipeline
// are copied on ingest so they never alias buffers still owned by the
// network layer.
type Frame struct {
	Data       []byte    // 16-bit PCM, little-endian, mono
	SampleRate int       // e.g. 8000, 16000
	Timestamp  time.Time // arrival time
}

// NewFrame creates a Frame after validating that the data holds whole
// 16-bit samples. The data slice is referenced, not copied; use Clone for
// an owned copy.
func NewFrame(data []byte, sampleRate int, ts time.Time) (Frame, error) {
	if sampleRate <= 0 {
		return Frame{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if len(data)%2 != 0 {
		return Frame{}, fmt.Errorf("frame data length %d is not sample-aligned", len(data))
	}
	return Frame{Data: data, SampleRate: sampleRate, Timestamp: ts}, nil
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{Data: data, SampleRate: f.SampleRate, Timestamp: f.Timestamp}
}

// Samples returns the number of PCM samples in the frame.
func (f Frame) Samples() int {
	return len(f.Data) / 2
}

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// IsEmpty returns true if the frame carries no audio data.
func (f Frame) IsEmpty() bool {
	return len(f.Data) == 0
}

// RMS returns the root-mean-square level of the frame normalized to [0,1].
func (f Frame) RMS() float64 {
	n := f.Samples()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(f.Data[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Peak returns the largest absolute sample value normalized to [0,1].
func (f Frame) Peak() float64 {
	n := f.Samples()
	var peak float64
	for i := 0; i < n; i++ {
		s := math.Abs(float64(int16(binary.LittleEndian.Uint16(f.Data[i*2:]))) / 32768.0)
		if s > peak {
			peak = s
		}
	}
	return peak
}

// Concat joins the data of the given frames into one payload. Frames are
// assumed to share a sample rate.
func Concat(frames []Frame) []byte {
	var total int
	for _, f := range frames {
		total += len(f.Data)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f.Data...)
	}
	return out
}

// DurationOf sums the durations of the given frames.
func DurationOf(frames []Frame) time.Duration {
	var d time.Duration
	for _, f := range frames {
		d += f.Duration()
	}
	return d
}
