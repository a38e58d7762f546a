package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUtteranceSealed is returned when appending to a sealed utterance
var ErrUtteranceSealed = errors.New("utterance is sealed")

// Utterance accumulates the chunks of one user turn between speech start and
// speech end. After Seal no further audio may be added.
type Utterance struct {
	id         string
	sampleRate int

	chunks []Chunk
	size   int // total bytes

	startedAt time.Time
	sealedAt  time.Time
	sealed    bool

	mu sync.RWMutex
}

// UtteranceStats represents utterance statistics for monitoring
type UtteranceStats struct {
	ID         string        `json:"id"`
	Chunks     int           `json:"chunks"`
	Bytes      int           `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	Sealed     bool          `json:"sealed"`
	SampleRate int           `json:"sample_rate"`
}

// NewUtterance creates an empty utterance buffer
func NewUtterance(id string, sampleRate int) *Utterance {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Utterance{
		id:         id,
		sampleRate: sampleRate,
		chunks:     make([]Chunk, 0, 64),
	}
}

// Append adds a chunk to the end of the utterance
func (u *Utterance) Append(c Chunk) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.sealed {
		return ErrUtteranceSealed
	}
	if !c.Valid() {
		return fmt.Errorf("invalid chunk: %d bytes", c.Len())
	}
	if c.SampleRate() != u.sampleRate {
		return fmt.Errorf("sample rate mismatch: utterance %d Hz, chunk %d Hz", u.sampleRate, c.SampleRate())
	}

	if len(u.chunks) == 0 {
		u.startedAt = c.Timestamp()
	}
	u.chunks = append(u.chunks, c)
	u.size += c.Len()
	return nil
}

// Seal freezes the utterance. Sealing twice is a no-op.
func (u *Utterance) Seal() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sealed {
		return
	}
	u.sealed = true
	u.sealedAt = time.Now()
}

// Sealed reports whether the utterance has been sealed
func (u *Utterance) Sealed() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.sealed
}

// Bytes returns the concatenated PCM bytes of every chunk in order
func (u *Utterance) Bytes() []byte {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]byte, 0, u.size)
	for _, c := range u.chunks {
		out = append(out, c.Bytes()...)
	}
	return out
}

// Duration returns the playback duration of the buffered audio
func (u *Utterance) Duration() time.Duration {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return BytesDuration(u.size, u.sampleRate)
}

// Len returns the number of buffered chunks
func (u *Utterance) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.chunks)
}

// Empty reports whether no audio has been buffered
func (u *Utterance) Empty() bool {
	return u.Len() == 0
}

// ID returns the utterance identifier
func (u *Utterance) ID() string { return u.id }

// SampleRate returns the sample rate of the buffered audio
func (u *Utterance) SampleRate() int { return u.sampleRate }

// StartedAt returns the capture time of the first chunk
func (u *Utterance) StartedAt() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.startedAt
}

// GetStats returns utterance statistics
func (u *Utterance) GetStats() UtteranceStats {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return UtteranceStats{
		ID:         u.id,
		Chunks:     len(u.chunks),
		Bytes:      u.size,
		Duration:   BytesDuration(u.size, u.sampleRate),
		Sealed:     u.sealed,
		SampleRate: u.sampleRate,
	}
}
