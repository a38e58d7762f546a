package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io/v1"
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"
	elevenLabsDefaultModel = "eleven_turbo_v2"
	elevenLabsFormatMP3    = "mp3_44100_128"
	maxErrorBody           = 4096
)

// ElevenLabsConfig configures the ElevenLabs adapter
type ElevenLabsConfig struct {
	APIKey          string
	BaseURL         string
	VoiceID         string
	Model           string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	UseSpeakerBoost bool
	HTTPClient      *http.Client
}

// ElevenLabsService synthesizes speech with the ElevenLabs streaming endpoint
type ElevenLabsService struct {
	cfg    ElevenLabsConfig
	client *http.Client
	logger *slog.Logger
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id,omitempty"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type elevenLabsErrorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// NewElevenLabs creates an ElevenLabs adapter
func NewElevenLabs(cfg ElevenLabsConfig, logger *slog.Logger) *ElevenLabsService {
	if cfg.BaseURL == "" {
		cfg.BaseURL = elevenLabsBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.VoiceID == "" {
		cfg.VoiceID = elevenLabsDefaultVoice
	}
	if cfg.Model == "" {
		cfg.Model = elevenLabsDefaultModel
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = elevenLabsFormatMP3
	}

	client := cfg.HTTPClient
	if client == nil {
		// No overall timeout: the body is streamed and bounded by the caller's context
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ElevenLabsService{cfg: cfg, client: client, logger: logger}
}

// Name implements Service
func (s *ElevenLabsService) Name() string {
	return "elevenlabs"
}

// Synthesize implements Service
func (s *ElevenLabsService) Synthesize(ctx context.Context, text string, opts Options) (*Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &SynthesisError{Provider: s.Name(), Message: "invalid request", Cause: ErrEmptyText}
	}

	voice := opts.Voice
	if voice == "" {
		voice = s.cfg.VoiceID
	}
	model := opts.Model
	if model == "" {
		model = s.cfg.Model
	}
	format := opts.Format
	if format == "" {
		format = s.cfg.OutputFormat
	}

	body, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: model,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       s.cfg.Stability,
			SimilarityBoost: s.cfg.SimilarityBoost,
			UseSpeakerBoost: s.cfg.UseSpeakerBoost,
		},
	})
	if err != nil {
		return nil, &SynthesisError{Provider: s.Name(), Message: "failed to marshal request", Cause: err}
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s",
		s.cfg.BaseURL, url.PathEscape(voice), url.QueryEscape(format))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &SynthesisError{Provider: s.Name(), Message: "failed to create request", Cause: err}
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", ContentTypeForFormat(format))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewSynthesisError(s.Name(), "request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, s.handleError(resp)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ContentTypeForFormat(format)
	}

	s.logger.Debug("elevenlabs stream opened",
		slog.String("voice", voice),
		slog.String("model", model),
		slog.Int("text_length", len(text)),
	)

	return &Audio{
		Body:          resp.Body,
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
	}, nil
}

func (s *ElevenLabsService) handleError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	message := strings.TrimSpace(string(raw))
	var errResp elevenLabsErrorResponse
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Detail.Message != "" {
		message = errResp.Detail.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &SynthesisError{
		Provider:   s.Name(),
		StatusCode: resp.StatusCode,
		Message:    message,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError,
	}
}
