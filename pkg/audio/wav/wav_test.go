package wav

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestEncodeHeader(t *testing.T) {
	is := is.New(t)

	data := make([]byte, 320)
	out := Encode(data, 16000)

	is.Equal(len(out), 44+len(data))
	is.Equal(string(out[0:4]), "RIFF")
	is.Equal(string(out[8:12]), "WAVE")
	is.Equal(binary.LittleEndian.Uint32(out[24:28]), uint32(16000))
	is.Equal(binary.LittleEndian.Uint16(out[22:24]), uint16(1))
	is.Equal(binary.LittleEndian.Uint32(out[40:44]), uint32(len(data)))
}

func TestEncodeRoundTrip(t *testing.T) {
	is := is.New(t)

	// 100ms of PCM with a recognizable pattern.
	data := make([]byte, 3200)
	for i := 0; i < len(data)/2; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(i))
	}

	path := filepath.Join(t.TempDir(), "test.wav")
	is.NoErr(os.WriteFile(path, Encode(data, 16000), 0o644))

	r, err := NewReader(path)
	is.NoErr(err)
	defer r.Close()

	h := r.Header()
	is.Equal(h.SampleRate, uint32(16000))
	is.Equal(h.NumChannels, uint16(1))
	is.Equal(h.BitsPerSample, uint16(16))
	is.Equal(h.DataSize, uint32(len(data)))

	frames, err := r.ReadFrames(20 * time.Millisecond)
	is.NoErr(err)
	is.Equal(len(frames), 5)

	var total int
	for _, f := range frames {
		is.Equal(f.SampleRate, 16000)
		total += len(f.Data)
	}
	is.Equal(total, len(data))
	is.Equal(frames[0].Data[0], data[0])
	is.Equal(frames[4].Data[len(frames[4].Data)-1], data[len(data)-1])
}

func TestReaderRejectsNonWav(t *testing.T) {
	is := is.New(t)

	path := filepath.Join(t.TempDir(), "bogus.wav")
	is.NoErr(os.WriteFile(path, []byte("definitely not a riff file"), 0o644))

	_, err := NewReader(path)
	is.True(err != nil)
}

func TestDownmixStereo(t *testing.T) {
	is := is.New(t)

	// Two samples, L=100/R=200 then L=-50/R=50.
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:], uint16(int16(100)))
	binary.LittleEndian.PutUint16(data[2:], uint16(int16(200)))
	neg := int16(-50)
	binary.LittleEndian.PutUint16(data[4:], uint16(neg))
	binary.LittleEndian.PutUint16(data[6:], uint16(int16(50)))

	mono := downmix(data, 2)
	is.Equal(len(mono), 4)
	is.Equal(int16(binary.LittleEndian.Uint16(mono[0:])), int16(150))
	is.Equal(int16(binary.LittleEndian.Uint16(mono[2:])), int16(0))
}
