// Package wav reads and writes minimal PCM WAV containers. The reader
// feeds recorded call audio through the endpointing pipeline; the encoder
// wraps utterance payloads for recognizers that want a container.
package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
)

// Header holds the format fields of a parsed WAV file.
type Header struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Reader reads a WAV file and converts it to audio frames.
type Reader struct {
	file   *os.File
	header Header
}

// NewReader opens and validates a WAV file.
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open WAV file: %w", err)
	}

	r := &Reader{file: file}
	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("read WAV header: %w", err)
	}
	return r, nil
}

// Header returns the parsed format fields.
func (r *Reader) Header() Header {
	return r.header
}

// ReadFrames reads the whole file as mono PCM16 frames of the given
// duration. Multi-channel input is downmixed by averaging; only 16-bit
// PCM is supported.
func (r *Reader) ReadFrames(frameDur time.Duration) ([]pcm.Frame, error) {
	if r.header.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bits per sample %d", r.header.BitsPerSample)
	}
	if frameDur <= 0 {
		frameDur = 20 * time.Millisecond
	}

	samplesPerFrame := int(int64(r.header.SampleRate) * int64(frameDur) / int64(time.Second))
	channels := int(r.header.NumChannels)
	bytesPerFrame := samplesPerFrame * channels * 2

	var frames []pcm.Frame
	buffer := make([]byte, bytesPerFrame)
	for {
		n, err := io.ReadFull(r.file, buffer)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read audio data: %w", err)
		}
		// Drop any trailing partial sample.
		n -= n % (channels * 2)
		if n == 0 {
			break
		}

		frame, ferr := pcm.NewFrame(downmix(buffer[:n], channels), int(r.header.SampleRate), time.Time{})
		if ferr != nil {
			return nil, ferr
		}
		frames = append(frames, frame)

		if err == io.ErrUnexpectedEOF {
			break
		}
	}
	return frames, nil
}

// downmix averages interleaved 16-bit channels into mono. Mono input is
// copied as-is.
func downmix(data []byte, channels int) []byte {
	if channels <= 1 {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	samples := len(data) / (channels * 2)
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			s := int16(binary.LittleEndian.Uint16(data[(i*channels+ch)*2:]))
			sum += int(s)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// readHeader parses the RIFF/WAVE header and positions the file at the
// start of audio data.
func (r *Reader) readHeader() error {
	var riff [12]byte
	if _, err := io.ReadFull(r.file, riff[:]); err != nil {
		return fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return fmt.Errorf("not a valid RIFF file")
	}
	if string(riff[8:12]) != "WAVE" {
		return fmt.Errorf("not a valid WAVE file")
	}

	// Walk chunks until the data chunk; record fmt along the way.
	sawFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r.file, chunk[:]); err != nil {
			return fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r.file, body); err != nil {
				return fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return fmt.Errorf("fmt chunk too short: %d bytes", len(body))
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			if format != 1 {
				return fmt.Errorf("unsupported audio format %d (PCM only)", format)
			}
			r.header.NumChannels = binary.LittleEndian.Uint16(body[2:4])
			r.header.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			r.header.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			sawFmt = true
		case "data":
			if !sawFmt {
				return fmt.Errorf("data chunk before fmt chunk")
			}
			r.header.DataSize = size
			return nil
		default:
			if _, err := r.file.Seek(int64(size), io.SeekCurrent); err != nil {
				return fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}
