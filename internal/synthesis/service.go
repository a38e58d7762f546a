package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyText is returned when attempting to synthesize empty text
var ErrEmptyText = errors.New("text cannot be empty")

// Service converts text to speech
type Service interface {
	Name() string
	// Synthesize starts synthesis and returns the audio stream. The caller
	// must close Audio.Body.
	Synthesize(ctx context.Context, text string, opts Options) (*Audio, error)
}

// Options are per-request synthesis parameters. Empty fields use the
// adapter defaults.
type Options struct {
	Voice  string
	Model  string
	Format string // provider output format, e.g. mp3_44100_128
}

// Audio is a synthesized audio stream
type Audio struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 when unknown
}

// Close releases the audio stream
func (a *Audio) Close() error {
	if a == nil || a.Body == nil {
		return nil
	}
	return a.Body.Close()
}

// EstimateDuration estimates spoken length in whole seconds, assuming
// roughly fifteen characters per second.
func EstimateDuration(text string) int {
	return int(math.Round(float64(len(text)) / 15.0))
}

// ContentTypeForFormat maps an output format name to its MIME type
func ContentTypeForFormat(format string) string {
	f := strings.ToLower(format)
	switch {
	case f == "" || strings.HasPrefix(f, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(f, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(f, "ulaw"):
		return "audio/basic"
	case strings.HasPrefix(f, "opus"):
		return "audio/ogg"
	case f == "wav":
		return "audio/wav"
	case f == "aac":
		return "audio/aac"
	case f == "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

// SynthesisError represents a failed synthesis request
type SynthesisError struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
	Retryable  bool
}

func (e *SynthesisError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s synthesis error [%d]: %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s synthesis error: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s synthesis error: %s", e.Provider, e.Message)
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a retry may succeed
func (e *SynthesisError) IsRetryable() bool {
	return e.Retryable
}

// NewSynthesisError classifies err from provider into a SynthesisError.
// Timeouts, network failures, 429 and 5xx responses are retryable.
func NewSynthesisError(provider string, message string, err error) *SynthesisError {
	var sErr *SynthesisError
	if errors.As(err, &sErr) {
		return sErr
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	return &SynthesisError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
		Cause:      err,
		Retryable:  retryable(status, err),
	}
}

func retryable(status int, err error) bool {
	if status != 0 {
		return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
