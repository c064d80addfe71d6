package pcm

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

// sine builds n samples of a sine wave at the given normalized amplitude.
func sine(n int, amplitude float64) []byte {
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*float64(i)/64.0)
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(v*32767)))
	}
	return data
}

func TestNewFrame(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		sampleRate int
		wantErr    bool
	}{
		{
			name:       "valid frame",
			data:       make([]byte, 320),
			sampleRate: 16000,
			wantErr:    false,
		},
		{
			name:       "odd byte count",
			data:       make([]byte, 321),
			sampleRate: 16000,
			wantErr:    true,
		},
		{
			name:       "zero sample rate",
			data:       make([]byte, 320),
			sampleRate: 0,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFrame(tt.data, tt.sampleRate, time.Now())
			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFrame_Duration(t *testing.T) {
	f := Frame{Data: make([]byte, 640), SampleRate: 16000}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration() = %v, want 20ms", got)
	}
}

func TestFrame_Clone(t *testing.T) {
	f := Frame{Data: []byte{1, 2, 3, 4}, SampleRate: 8000}
	c := f.Clone()
	c.Data[0] = 99
	if f.Data[0] != 1 {
		t.Error("Clone() should not share backing data")
	}
}

func TestFrame_RMS(t *testing.T) {
	f := Frame{Data: sine(320, 0.5), SampleRate: 16000}
	rms := f.RMS()
	// RMS of a 0.5-amplitude sine is ~0.354
	if rms < 0.3 || rms > 0.4 {
		t.Errorf("RMS() = %v, want ~0.354", rms)
	}

	silent := Frame{Data: make([]byte, 320), SampleRate: 16000}
	if silent.RMS() != 0 {
		t.Errorf("silent RMS() = %v, want 0", silent.RMS())
	}
}

func TestFrame_Peak(t *testing.T) {
	f := Frame{Data: sine(320, 0.5), SampleRate: 16000}
	peak := f.Peak()
	if peak < 0.45 || peak > 0.55 {
		t.Errorf("Peak() = %v, want ~0.5", peak)
	}
}

func TestConcat(t *testing.T) {
	a := Frame{Data: []byte{1, 2}, SampleRate: 8000}
	b := Frame{Data: []byte{3, 4}, SampleRate: 8000}
	got := Concat([]Frame{a, b})
	want := []byte{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Concat() length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Concat()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDurationOf(t *testing.T) {
	frames := []Frame{
		{Data: make([]byte, 320), SampleRate: 16000}, // 10ms
		{Data: make([]byte, 640), SampleRate: 16000}, // 20ms
	}
	if got := DurationOf(frames); got != 30*time.Millisecond {
		t.Errorf("DurationOf() = %v, want 30ms", got)
	}
}
