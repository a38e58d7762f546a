package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WAVHeader represents the canonical 44-byte header written by EncodePCM
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes the format of a decoded WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"` // per channel
	dataOffset    int
}

// EncodeWAV encodes mono PCM-16 samples into WAV format
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	return EncodePCM(SamplesToBytes(samples), sampleRate, 1)
}

// EncodePCM wraps little-endian PCM-16 bytes in a WAV container
func EncodePCM(pcm []byte, sampleRate int, channels int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	if len(pcm)%(BytesPerSample*channels) != 0 {
		return nil, fmt.Errorf("audio data length %d is not a multiple of the frame size", len(pcm))
	}

	numChannels := uint16(channels)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(pcm))

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// DecodeWAV decodes a 16-bit PCM WAV file into interleaved samples.
// Chunks other than "fmt " and "data" (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]int16, *WAVInfo, error) {
	info, err := GetWAVInfo(data)
	if err != nil {
		return nil, nil, err
	}
	if info.BitsPerSample != 16 {
		return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
	}

	end := info.dataOffset + int(info.DataSize)
	if end > len(data) {
		// Streamed WAVs may carry a placeholder size; use what is present.
		end = len(data)
	}
	pcm := data[info.dataOffset:end]
	if len(pcm) < BytesPerSample {
		return nil, nil, fmt.Errorf("no audio data found")
	}

	return BytesToSamples(pcm), info, nil
}

// GetWAVInfo extracts metadata from a WAV file by walking its chunk list
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("WAV data too short: need at least 44 bytes, got %d", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	info := &WAVInfo{}
	var haveFmt bool
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, fmt.Errorf("invalid WAV file: truncated fmt chunk")
			}
			audioFormat := binary.LittleEndian.Uint16(data[body:])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE, which ffmpeg uses for >2 channels
			if audioFormat != 1 && audioFormat != 0xFFFE {
				return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", audioFormat)
			}
			info.Channels = binary.LittleEndian.Uint16(data[body+2:])
			info.SampleRate = binary.LittleEndian.Uint32(data[body+4:])
			info.BitsPerSample = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			info.dataOffset = body
			info.DataSize = uint32(size)
			if info.SampleRate == 0 || info.Channels == 0 || info.BitsPerSample == 0 {
				return nil, fmt.Errorf("invalid WAV file: zero sample rate, channels or bit depth")
			}
			frameSize := uint32(info.Channels) * uint32(info.BitsPerSample) / 8
			info.NumSamples = info.DataSize / frameSize
			info.Duration = float64(info.NumSamples) / float64(info.SampleRate)
			return info, nil
		}

		// chunks are word aligned
		offset = body + size + size%2
	}

	if !haveFmt {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	return nil, fmt.Errorf("invalid WAV file: missing data chunk")
}
