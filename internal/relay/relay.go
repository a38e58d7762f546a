package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const defaultChunkSize = 4096

// Sink receives relayed bytes
type Sink interface {
	io.Writer
	Flush() error
}

// Status values for a finished relay
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

// Stats describes a finished relay
type Stats struct {
	Bytes    int64
	Declared int64 // -1 when the source length was unknown
	Elapsed  time.Duration
	// Partial is set when the source ended cleanly before Declared bytes
	Partial bool
}

// Status returns the relay status for a clean finish
func (s Stats) Status() string {
	if s.Partial {
		return StatusPartial
	}
	return StatusComplete
}

// SourceError is returned when the source fails mid-stream. Bytes already
// reached the sink.
type SourceError struct {
	Bytes int64
	Cause error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("relay source failed after %d bytes: %v", e.Bytes, e.Cause)
}

func (e *SourceError) Unwrap() error {
	return e.Cause
}

// SinkError is returned when the client side can no longer accept bytes
type SinkError struct {
	Bytes int64
	Cause error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("relay sink failed after %d bytes: %v", e.Bytes, e.Cause)
}

func (e *SinkError) Unwrap() error {
	return e.Cause
}

// Relay copies src to dst chunk by chunk until EOF, flushing after each
// write. declared is the expected length or -1. It never holds more than
// one chunk in memory.
func Relay(ctx context.Context, dst Sink, src io.Reader, declared int64) (Stats, error) {
	start := time.Now()
	stats := Stats{Declared: declared}
	buf := make([]byte, defaultChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			stats.Bytes += int64(w)
			if werr == nil && w < n {
				werr = io.ErrShortWrite
			}
			if werr == nil {
				werr = dst.Flush()
			}
			if werr != nil {
				stats.Elapsed = time.Since(start)
				return stats, &SinkError{Bytes: stats.Bytes, Cause: werr}
			}
		}

		if rerr != nil {
			stats.Elapsed = time.Since(start)
			if errors.Is(rerr, io.EOF) {
				stats.Partial = declared >= 0 && stats.Bytes < declared
				return stats, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stats, ctxErr
			}
			return stats, &SourceError{Bytes: stats.Bytes, Cause: rerr}
		}
	}
}
