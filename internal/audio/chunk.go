package audio

import (
	"time"
)

// Default capture format used across the service.
const (
	DefaultSampleRate = 16000 // Hz
	BytesPerSample    = 2     // 16-bit PCM
)

// Chunk is one immutable slice of captured mono PCM-16 audio
type Chunk struct {
	data       []byte
	timestamp  time.Time
	sampleRate int
}

// NewChunk copies data into a new chunk captured at ts
func NewChunk(data []byte, ts time.Time, sampleRate int) Chunk {
	buf := make([]byte, len(data))
	copy(buf, data)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return Chunk{data: buf, timestamp: ts, sampleRate: sampleRate}
}

// Bytes returns the raw little-endian PCM bytes. Callers must not modify them.
func (c Chunk) Bytes() []byte { return c.data }

// Timestamp returns the capture time of the first sample
func (c Chunk) Timestamp() time.Time { return c.timestamp }

// SampleRate returns the sample rate in Hz
func (c Chunk) SampleRate() int { return c.sampleRate }

// Len returns the chunk size in bytes
func (c Chunk) Len() int { return len(c.data) }

// Samples decodes the chunk into PCM-16 samples. A trailing odd byte is ignored.
func (c Chunk) Samples() []int16 { return BytesToSamples(c.data) }

// Duration returns the playback duration of the chunk
func (c Chunk) Duration() time.Duration {
	return BytesDuration(len(c.data), c.sampleRate)
}

// Valid reports whether the chunk holds a whole number of samples
func (c Chunk) Valid() bool {
	return len(c.data) > 0 && len(c.data)%BytesPerSample == 0
}
