package transcription

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyAudio is returned when there is no audio to transcribe
var ErrEmptyAudio = errors.New("audio data is empty")

// Service converts speech to text
type Service interface {
	// Name returns the provider name used in logs and errors
	Name() string
	// Transcribe returns the transcript of mono PCM-16 audio
	Transcribe(ctx context.Context, pcm []byte, opts Options) (string, error)
}

// Options are per-request transcription parameters
type Options struct {
	SampleRate int
	Language   string // BCP-47 hint, e.g. "en"
	Model      string
	Prompt     string
}

// TranscriptionError represents a failed transcription request
type TranscriptionError struct {
	Provider   string
	StatusCode int // HTTP status, 0 when no response was received
	Message    string
	Cause      error
	Retryable  bool
}

func (e *TranscriptionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transcription error [%d]: %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s transcription error: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s transcription error: %s", e.Provider, e.Message)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a retry may succeed
func (e *TranscriptionError) IsRetryable() bool {
	return e.Retryable
}

// NewTranscriptionError classifies err from provider into a TranscriptionError.
// Timeouts, network failures, 429 and 5xx responses are retryable.
func NewTranscriptionError(provider string, message string, err error) *TranscriptionError {
	var tErr *TranscriptionError
	if errors.As(err, &tErr) {
		return tErr
	}

	status := statusCode(err)
	return &TranscriptionError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
		Cause:      err,
		Retryable:  retryable(status, err),
	}
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
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
