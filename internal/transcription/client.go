package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
)

// Client transcribes audio by posting it as multipart form data to an HTTP
// endpoint. Each call makes a single attempt; retries are the caller's
// decision based on TranscriptionError.Retryable.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains multipart client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
	OutputFormat  string // "json" or "text"
	Language      string
	Model         string
}

// transcriptionResponse represents the JSON response from the endpoint
type transcriptionResponse struct {
	Text       string    `json:"text"`
	Confidence float32   `json:"confidence"`
	Language   string    `json:"language,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
	Duration   float64   `json:"duration"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new multipart transcription client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.OutputFormat == "" {
		config.OutputFormat = "json"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Name implements Service
func (c *Client) Name() string {
	return "http"
}

// Transcribe implements Service
func (c *Client) Transcribe(ctx context.Context, pcm []byte, opts Options) (string, error) {
	if len(pcm) == 0 {
		return "", &TranscriptionError{Provider: c.Name(), Message: "no audio", Cause: ErrEmptyAudio}
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", NewTranscriptionError(c.Name(), "waiting for a request slot", ctx.Err())
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	text, err := c.doRequest(ctx, pcm, opts)
	if err != nil {
		c.incrementFailedRequests()
		return "", err
	}

	c.incrementSuccessRequests()
	c.updateAvgResponseTime(time.Since(startTime))
	return text, nil
}

// doRequest performs a single HTTP request to the transcription endpoint
func (c *Client) doRequest(ctx context.Context, pcm []byte, opts Options) (string, error) {
	body, contentType, err := c.createMultipartRequest(pcm, opts)
	if err != nil {
		return "", &TranscriptionError{Provider: c.Name(), Message: "failed to build request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return "", &TranscriptionError{Provider: c.Name(), Message: "failed to create request", Cause: err}
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "voice-turn-service/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", NewTranscriptionError(c.Name(), "HTTP request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewTranscriptionError(c.Name(), "failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TranscriptionError{
			Provider:   c.Name(),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	if c.config.OutputFormat == "text" {
		return strings.TrimSpace(string(respBody)), nil
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &TranscriptionError{Provider: c.Name(), Message: "failed to parse response JSON", Cause: err}
	}

	return strings.TrimSpace(parsed.Text), nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(pcm []byte, opts Options) (io.Reader, string, error) {
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	wav, err := audio.EncodePCM(pcm, sampleRate, 1)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	requestID := uuid.NewString()
	fileWriter, err := writer.CreateFormFile("file", requestID+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"request_id":      requestID,
		"sample_rate":     strconv.Itoa(sampleRate),
		"encoding":        "LINEAR16",
		"duration":        fmt.Sprintf("%.3f", audio.BytesDuration(len(pcm), sampleRate).Seconds()),
		"response_format": c.config.OutputFormat,
	}

	language := opts.Language
	if language == "" {
		language = c.config.Language
	}
	if language != "" {
		fields["language"] = language
	}
	model := opts.Model
	if model == "" {
		model = c.config.Model
	}
	if model != "" {
		fields["model"] = model
	}
	if opts.Prompt != "" {
		fields["prompt"] = opts.Prompt
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to finish
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
