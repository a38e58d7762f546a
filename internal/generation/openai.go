package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible chat adapter
type OpenAIConfig struct {
	Provider    string // name reported in errors, e.g. "ollama"
	APIKey      string
	BaseURL     string // e.g. http://localhost:11434/v1 for Ollama
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAIService generates responses with an OpenAI-compatible chat API
type OpenAIService struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible adapter. Ollama accepts any API key.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAIService {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "ollama"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}
}

// Name implements Service
func (s *OpenAIService) Name() string {
	return s.cfg.Provider
}

func (s *OpenAIService) request(prompt string, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		Stream:      stream,
	}
}

// Generate implements Service
func (s *OpenAIService) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", &GenerationError{Provider: s.Name(), Message: "invalid request", Cause: ErrEmptyPrompt}
	}

	resp, err := s.client.CreateChatCompletion(ctx, s.request(prompt, false))
	if err != nil {
		return "", NewGenerationError(s.Name(), "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", &GenerationError{Provider: s.Name(), Message: "no choices", Cause: ErrEmptyResponse}
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &GenerationError{Provider: s.Name(), Message: "empty content", Cause: ErrEmptyResponse}
	}
	return text, nil
}

// Stream implements StreamingService
func (s *OpenAIService) Stream(ctx context.Context, prompt string) (<-chan Token, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &GenerationError{Provider: s.Name(), Message: "invalid request", Cause: ErrEmptyPrompt}
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, s.request(prompt, true))
	if err != nil {
		return nil, NewGenerationError(s.Name(), "chat completion stream failed", err)
	}

	tokens := make(chan Token, 32)
	go func() {
		defer close(tokens)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, tokens, Token{Err: NewGenerationError(s.Name(), "stream interrupted", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if !send(ctx, tokens, Token{Text: resp.Choices[0].Delta.Content}) {
				return
			}
		}
	}()

	return tokens, nil
}

func send(ctx context.Context, ch chan<- Token, tok Token) bool {
	select {
	case ch <- tok:
		return true
	case <-ctx.Done():
		return false
	}
}
