package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini adapter
type GeminiConfig struct {
	APIKey      string
	BaseURL     string // optional endpoint override
	Model       string
	Temperature float32
	MaxTokens   int
}

// GeminiService generates responses with Google Gemini
type GeminiService struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *slog.Logger
}

// NewGemini creates a Gemini adapter
func NewGemini(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiService, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiService{client: client, cfg: cfg, logger: logger}, nil
}

// Name implements Service
func (s *GeminiService) Name() string {
	return "gemini"
}

func (s *GeminiService) contents(prompt string) []*genai.Content {
	return []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: prompt}},
	}}
}

func (s *GeminiService) config() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if s.cfg.Temperature > 0 {
		temperature := s.cfg.Temperature
		cfg.Temperature = &temperature
	}
	if s.cfg.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(s.cfg.MaxTokens)
	}
	return cfg
}

// Generate implements Service
func (s *GeminiService) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", &GenerationError{Provider: s.Name(), Message: "invalid request", Cause: ErrEmptyPrompt}
	}

	resp, err := s.client.Models.GenerateContent(ctx, s.cfg.Model, s.contents(prompt), s.config())
	if err != nil {
		return "", NewGenerationError(s.Name(), "generate content failed", err)
	}

	text := strings.TrimSpace(candidateText(resp))
	if text == "" {
		return "", &GenerationError{Provider: s.Name(), Message: "no candidates", Cause: ErrEmptyResponse}
	}
	return text, nil
}

// Stream implements StreamingService
func (s *GeminiService) Stream(ctx context.Context, prompt string) (<-chan Token, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &GenerationError{Provider: s.Name(), Message: "invalid request", Cause: ErrEmptyPrompt}
	}

	tokens := make(chan Token, 32)
	go func() {
		defer close(tokens)
		for chunk, err := range s.client.Models.GenerateContentStream(ctx, s.cfg.Model, s.contents(prompt), s.config()) {
			if err != nil {
				send(ctx, tokens, Token{Err: NewGenerationError(s.Name(), "stream interrupted", err)})
				return
			}
			if !send(ctx, tokens, Token{Text: candidateText(chunk)}) {
				return
			}
		}
	}()
	return tokens, nil
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
