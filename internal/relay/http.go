package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
)

// Trailer names set on clean completion
const (
	TrailerBytes   = "X-Relay-Bytes"
	TrailerElapsed = "X-Relay-Elapsed-Ms"
	TrailerStatus  = "X-Relay-Status"
)

// HTTPSink writes to an http.ResponseWriter, flushing through
// http.ResponseController
type HTTPSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewHTTPSink wraps w
func NewHTTPSink(w http.ResponseWriter) *HTTPSink {
	return &HTTPSink{w: w, rc: http.NewResponseController(w)}
}

func (s *HTTPSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Flush implements Sink
func (s *HTTPSink) Flush() error {
	err := s.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// ServeHTTP relays src as the response body. Headers already set on w are
// kept; trailers are announced up front and filled only when the relay
// finishes cleanly. On a *SourceError the caller should abort the connection
// (panic(http.ErrAbortHandler)) so the client sees a truncated transfer.
func ServeHTTP(ctx context.Context, w http.ResponseWriter, src io.Reader, contentType string, declared int64) (Stats, error) {
	h := w.Header()
	h.Set("Trailer", TrailerBytes+", "+TrailerElapsed+", "+TrailerStatus)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	sink := NewHTTPSink(w)
	// Send headers now so the client is not held until the first audio byte
	if err := sink.Flush(); err != nil {
		return Stats{Declared: declared}, &SinkError{Cause: err}
	}

	stats, err := Relay(ctx, sink, src, declared)
	if err != nil {
		return stats, err
	}

	h.Set(TrailerBytes, strconv.FormatInt(stats.Bytes, 10))
	h.Set(TrailerElapsed, strconv.FormatInt(stats.Elapsed.Milliseconds(), 10))
	h.Set(TrailerStatus, stats.Status())
	return stats, nil
}
