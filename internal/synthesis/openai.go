package synthesis

import (
	"context"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI speech adapter
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Voice   string
	Model   string
	Format  string // mp3, opus, aac, flac, wav, pcm
}

// OpenAIService synthesizes speech with the OpenAI audio API
type OpenAIService struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI speech adapter
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAIService {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Format == "" {
		cfg.Format = string(openai.SpeechResponseFormatMp3)
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
	return "openai-tts"
}

// Synthesize implements Service
func (s *OpenAIService) Synthesize(ctx context.Context, text string, opts Options) (*Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &SynthesisError{Provider: s.Name(), Message: "invalid request", Cause: ErrEmptyText}
	}

	voice := opts.Voice
	if voice == "" {
		voice = s.cfg.Voice
	}
	model := opts.Model
	if model == "" {
		model = s.cfg.Model
	}
	format := opts.Format
	if format == "" || strings.Contains(format, "_") {
		// provider-specific names such as mp3_44100_128 fall back to the default
		format = s.cfg.Format
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
	})
	if err != nil {
		return nil, NewSynthesisError(s.Name(), "create speech failed", err)
	}

	return &Audio{
		Body:          resp,
		ContentType:   ContentTypeForFormat(format),
		ContentLength: -1,
	}, nil
}
