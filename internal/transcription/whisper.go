package transcription

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
)

// WhisperConfig configures the Whisper adapter
type WhisperConfig struct {
	APIKey   string
	BaseURL  string // empty uses the OpenAI API
	Model    string
	Language string
}

// WhisperService transcribes audio with an OpenAI-compatible Whisper endpoint
type WhisperService struct {
	client   *openai.Client
	model    string
	language string
	logger   *slog.Logger
}

// NewWhisper creates a Whisper adapter
func NewWhisper(cfg WhisperConfig, logger *slog.Logger) *WhisperService {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WhisperService{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		language: cfg.Language,
		logger:   logger,
	}
}

// Name implements Service
func (s *WhisperService) Name() string {
	return "whisper"
}

// Transcribe implements Service
func (s *WhisperService) Transcribe(ctx context.Context, pcm []byte, opts Options) (string, error) {
	if len(pcm) == 0 {
		return "", &TranscriptionError{Provider: s.Name(), Message: "no audio", Cause: ErrEmptyAudio}
	}

	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	wav, err := audio.EncodePCM(pcm, sampleRate, 1)
	if err != nil {
		return "", &TranscriptionError{Provider: s.Name(), Message: "invalid audio", Cause: err}
	}

	model := opts.Model
	if model == "" {
		model = s.model
	}
	language := opts.Language
	if language == "" {
		language = s.language
	}

	start := time.Now()
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wav),
		Prompt:   opts.Prompt,
		Language: language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", NewTranscriptionError(s.Name(), "request failed", err)
	}

	s.logger.Debug("whisper transcription complete",
		slog.Int("audio_bytes", len(pcm)),
		slog.Int("text_length", len(resp.Text)),
		slog.Duration("duration", time.Since(start)),
	)

	return strings.TrimSpace(resp.Text), nil
}
