package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the minimal linear-PCM RIFF header.
const WAVHeaderSize = 44

const formatPCM = 1

// ErrMalformedHeader is returned by ParseWAVHeader for anything that is not
// a minimal linear-PCM header.
var ErrMalformedHeader = errors.New("malformed wav header")

// WAVHeader holds the decoded fields of a minimal linear-PCM header.
type WAVHeader struct {
	ChunkSize     uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// EncodeWAV wraps pcm in a 44-byte RIFF/WAVE header. All integer fields
// are little-endian.
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	dataSize := uint32(len(pcm))

	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, 36+dataSize)
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, formatPCM)
	out = binary.LittleEndian.AppendUint16(out, uint16(channels))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate*blockAlign))
	out = binary.LittleEndian.AppendUint16(out, uint16(blockAlign))
	out = binary.LittleEndian.AppendUint16(out, uint16(bitsPerSample))
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, dataSize)
	return append(out, pcm...)
}

// EncodeChunk wraps 16 kHz mono 16-bit pcm in a WAV header.
func EncodeChunk(pcm []byte) []byte {
	return EncodeWAV(pcm, TargetSampleRate, TargetChannels, TargetBitsPerSample)
}

// ParseWAVHeader decodes and validates the header at the start of b.
func ParseWAVHeader(b []byte) (WAVHeader, error) {
	var h WAVHeader
	if len(b) < WAVHeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" ||
		string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return h, fmt.Errorf("%w: bad chunk identifiers", ErrMalformedHeader)
	}
	if n := binary.LittleEndian.Uint32(b[16:20]); n != 16 {
		return h, fmt.Errorf("%w: fmt block size %d", ErrMalformedHeader, n)
	}

	h.ChunkSize = binary.LittleEndian.Uint32(b[4:8])
	h.AudioFormat = binary.LittleEndian.Uint16(b[20:22])
	h.Channels = binary.LittleEndian.Uint16(b[22:24])
	h.SampleRate = binary.LittleEndian.Uint32(b[24:28])
	h.ByteRate = binary.LittleEndian.Uint32(b[28:32])
	h.BlockAlign = binary.LittleEndian.Uint16(b[32:34])
	h.BitsPerSample = binary.LittleEndian.Uint16(b[34:36])
	h.DataSize = binary.LittleEndian.Uint32(b[40:44])

	if h.AudioFormat != formatPCM {
		return h, fmt.Errorf("%w: audio format %d", ErrMalformedHeader, h.AudioFormat)
	}
	if h.ChunkSize != 36+h.DataSize {
		return h, fmt.Errorf("%w: chunk size %d for data size %d", ErrMalformedHeader, h.ChunkSize, h.DataSize)
	}
	if h.BlockAlign != h.Channels*h.BitsPerSample/8 || h.ByteRate != h.SampleRate*uint32(h.BlockAlign) {
		return h, fmt.Errorf("%w: inconsistent block alignment", ErrMalformedHeader)
	}
	return h, nil
}
