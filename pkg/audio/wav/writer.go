package wav

import (
	"bytes"
	"encoding/binary"
)

// Encode wraps mono PCM16 data in a WAV container in memory. Used when a
// recognizer wants a file-shaped payload for a raw utterance buffer.
func Encode(data []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, uint32(len(data)), uint32(sampleRate), 1, 16)
	buf.Write(data)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, dataSize, sampleRate uint32, channels, bits uint16) {
	byteRate := sampleRate * uint32(channels) * uint32(bits) / 8
	blockAlign := channels * bits / 8

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, dataSize+36)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, channels)
	binary.Write(buf, binary.LittleEndian, sampleRate)
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, bits)

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
}
