package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// ErrInvalidWAV is returned when a source does not carry a usable RIFF/WAVE header.
var ErrInvalidWAV = errors.New("invalid WAV source")

const (
	// SniffSize is the number of leading bytes needed to recognise a RIFF/WAVE stream.
	SniffSize = 12

	// CanonicalHeaderSize is the size of the header written by EncodeWAV.
	CanonicalHeaderSize = 44

	// maxHeaderScan bounds how far ReadInfo walks the chunk list looking for "data".
	maxHeaderScan = 1 << 20
)

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes the audio carried by a WAV source
type WAVInfo struct {
	AudioFormat   uint16        `json:"audio_format"`
	SampleRate    uint32        `json:"sample_rate"`
	Channels      uint16        `json:"channels"`
	BitsPerSample uint16        `json:"bits_per_sample"`
	ByteRate      uint32        `json:"byte_rate"`
	DataOffset    int64         `json:"data_offset"`
	DataSize      int64         `json:"data_size_bytes"`
	Duration      time.Duration `json:"duration"`
}

// EncodeWAV encodes interleaved PCM-16 samples into a canonical WAV file
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	numChannels := uint16(channels)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, CanonicalHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// Sniff reports whether prefix starts a RIFF/WAVE stream. It needs SniffSize bytes.
func Sniff(prefix []byte) error {
	if len(prefix) < SniffSize {
		return fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidWAV, SniffSize, len(prefix))
	}
	if string(prefix[0:4]) != "RIFF" {
		return fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}
	if string(prefix[8:12]) != "WAVE" {
		return fmt.Errorf("%w: missing WAVE format", ErrInvalidWAV)
	}
	return nil
}

// StreamLength returns the total stream length declared by the RIFF header
// in prefix. ok is false for an invalid header and for streaming writers
// that leave the size open (0 or 0xFFFFFFFF).
func StreamLength(prefix []byte) (length int64, ok bool) {
	if Sniff(prefix) != nil {
		return 0, false
	}
	size := binary.LittleEndian.Uint32(prefix[4:8])
	if size < 4 || size == math.MaxUint32 {
		return 0, false
	}
	return int64(size) + 8, true
}

// ReadInfo walks the RIFF chunk list of src and returns the format and data
// chunk description. Chunks other than "fmt " and "data" (LIST, fact, ...) are skipped.
func ReadInfo(src io.ReaderAt, size int64) (*WAVInfo, error) {
	riff := make([]byte, SniffSize)
	if _, err := src.ReadAt(riff, 0); err != nil {
		return nil, fmt.Errorf("%w: failed to read RIFF header: %v", ErrInvalidWAV, err)
	}
	if err := Sniff(riff); err != nil {
		return nil, err
	}

	var (
		info    WAVInfo
		haveFmt bool
		offset  = int64(SniffSize)
		chunk   = make([]byte, 8)
	)

	for offset+8 <= size && offset < maxHeaderScan {
		if _, err := src.ReadAt(chunk, offset); err != nil {
			return nil, fmt.Errorf("%w: failed to read chunk at %d: %v", ErrInvalidWAV, offset, err)
		}
		id := string(chunk[0:4])
		chunkSize := int64(binary.LittleEndian.Uint32(chunk[4:8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrInvalidWAV, chunkSize)
			}
			fmtBody := make([]byte, 16)
			if _, err := src.ReadAt(fmtBody, body); err != nil {
				return nil, fmt.Errorf("%w: failed to read fmt chunk: %v", ErrInvalidWAV, err)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(fmtBody[0:2])
			info.Channels = binary.LittleEndian.Uint16(fmtBody[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(fmtBody[4:8])
			info.ByteRate = binary.LittleEndian.Uint32(fmtBody[8:12])
			info.BitsPerSample = binary.LittleEndian.Uint16(fmtBody[14:16])
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			info.DataOffset = body
			info.DataSize = chunkSize
			// Streaming writers leave the size at 0 or 0xFFFFFFFF; trust the source length.
			if remaining := size - body; chunkSize == 0 || chunkSize > remaining {
				info.DataSize = remaining
			}
			if info.ByteRate == 0 {
				return nil, fmt.Errorf("%w: byte rate is zero", ErrInvalidWAV)
			}
			info.Duration = time.Duration(float64(info.DataSize) / float64(info.ByteRate) * float64(time.Second))
			return &info, nil
		}

		// RIFF chunks are word aligned
		offset = body + chunkSize + chunkSize%2
	}

	if !haveFmt {
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}
	return nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}
