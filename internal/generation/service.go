package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// ErrEmptyPrompt is returned when the prompt is blank
var ErrEmptyPrompt = errors.New("prompt is empty")

// ErrEmptyResponse is returned when the model produced no text
var ErrEmptyResponse = errors.New("model returned no text")

// Service generates a text response for a prompt
type Service interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// StreamingService additionally streams the response token by token
type StreamingService interface {
	Service
	// Stream returns tokens in order. The channel is closed after the last
	// token or after a token carrying Err.
	Stream(ctx context.Context, prompt string) (<-chan Token, error)
}

// Token is one incremental piece of generated text
type Token struct {
	Text string
	Err  error
}

// Collect drains a token stream into the full response, calling onToken for
// each non-empty token. It stops at the first error.
func Collect(ctx context.Context, tokens <-chan Token, onToken func(string)) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case tok, ok := <-tokens:
			if !ok {
				return sb.String(), nil
			}
			if tok.Err != nil {
				return sb.String(), tok.Err
			}
			if tok.Text == "" {
				continue
			}
			sb.WriteString(tok.Text)
			if onToken != nil {
				onToken(tok.Text)
			}
		}
	}
}

// GenerationError represents a failed generation request
type GenerationError struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
	Retryable  bool
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s generation error [%d]: %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s generation error: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s generation error: %s", e.Provider, e.Message)
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a retry may succeed
func (e *GenerationError) IsRetryable() bool {
	return e.Retryable
}

// NewGenerationError classifies err from provider into a GenerationError.
// Timeouts, network failures, 429 and 5xx responses are retryable.
func NewGenerationError(provider string, message string, err error) *GenerationError {
	var gErr *GenerationError
	if errors.As(err, &gErr) {
		return gErr
	}

	status := statusCode(err)
	return &GenerationError{
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
	// genai returns APIError by value
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) {
		return gErrPtr.Code
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
