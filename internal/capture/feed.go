package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
)

// FeedStats represents feed statistics for monitoring
type FeedStats struct {
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
	Bytes    uint64 `json:"bytes"`
	Acquired bool   `json:"acquired"`
	Closed   bool   `json:"closed"`
}

// Feed is a capture device fed by Push. It can be acquired once.
type Feed struct {
	sampleRate int
	chunks     chan audio.Chunk

	acquired bool
	closed   bool
	err      error
	mu       sync.Mutex

	pushed  atomic.Uint64
	dropped atomic.Uint64
	bytes   atomic.Uint64
	closes  atomic.Int32
}

// NewFeed creates a feed buffering up to `buffer` chunks
func NewFeed(sampleRate int, buffer int) *Feed {
	if buffer < 1 {
		buffer = 64
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return &Feed{
		sampleRate: sampleRate,
		chunks:     make(chan audio.Chunk, buffer),
	}
}

// Acquire returns the feed itself as the device
func (f *Feed) Acquire(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CaptureError{Op: "acquire", Cause: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, &CaptureError{Op: "acquire", Cause: ErrDeviceClosed}
	}
	if f.acquired {
		return nil, &CaptureError{Op: "acquire", Cause: ErrDeviceBusy}
	}
	f.acquired = true
	return f, nil
}

// Push copies PCM-16 bytes into a new chunk. When the buffer is full the
// chunk is dropped rather than blocking the transport.
func (f *Feed) Push(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrDeviceClosed
	}
	if len(data) == 0 || len(data)%audio.BytesPerSample != 0 {
		return fmt.Errorf("invalid PCM frame: %d bytes", len(data))
	}

	chunk := audio.NewChunk(data, time.Now(), f.sampleRate)
	select {
	case f.chunks <- chunk:
		f.pushed.Add(1)
		f.bytes.Add(uint64(len(data)))
	default:
		f.dropped.Add(1)
	}
	return nil
}

// Fail closes the feed with a capture error
func (f *Feed) Fail(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.err = &CaptureError{Op: "read", Cause: cause}
	f.closed = true
	close(f.chunks)
}

// Chunks implements Device
func (f *Feed) Chunks() <-chan audio.Chunk {
	return f.chunks
}

// Err implements Device
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close implements Device
func (f *Feed) Close() error {
	f.closes.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.chunks)
	return nil
}

// CloseCalls returns how many times Close has been called
func (f *Feed) CloseCalls() int {
	return int(f.closes.Load())
}

// SampleRate returns the feed sample rate
func (f *Feed) SampleRate() int {
	return f.sampleRate
}

// GetStats returns feed statistics
func (f *Feed) GetStats() FeedStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FeedStats{
		Pushed:   f.pushed.Load(),
		Dropped:  f.dropped.Load(),
		Bytes:    f.bytes.Load(),
		Acquired: f.acquired,
		Closed:   f.closed,
	}
}
