package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcode     TranscodeConfig     `yaml:"transcode"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Generation    GenerationConfig    `yaml:"generation"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	History       HistoryConfig       `yaml:"history"`
	Artifacts     ArtifactsConfig     `yaml:"artifacts"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Turn          TurnConfig          `yaml:"turn"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port           int      `yaml:"port"`
	Address        string   `yaml:"address"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	ReadTimeout    int      `yaml:"read_timeout"`  // seconds
	IdleTimeout    int      `yaml:"idle_timeout"`  // seconds
	AllowedOrigins []string `yaml:"allowed_origins"` // websocket origins, empty allows all
}

// AudioConfig contains capture format parameters
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
	ChunkMs    int `yaml:"chunk_ms"` // capture chunk cadence
}

// VADConfig contains voice activity detection parameters
type VADConfig struct {
	ThresholdDB      float64 `yaml:"threshold_db"`
	SilenceDuration  int     `yaml:"silence_duration_ms"`
	FrameSize        int     `yaml:"frame_size"` // samples
	SampleIntervalMs int     `yaml:"sample_interval_ms"`
}

// TranscodeConfig contains audio normalization settings
type TranscodeConfig struct {
	FFmpegPath       string `yaml:"ffmpeg_path"`
	TempDir          string `yaml:"temp_dir"`
	Timeout          int    `yaml:"timeout"` // seconds
	TargetSampleRate int    `yaml:"target_sample_rate"`
}

// TranscriptionConfig contains speech-to-text configuration
type TranscriptionConfig struct {
	Provider      string `yaml:"provider"` // whisper or http
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
}

// GenerationConfig contains response generation configuration
type GenerationConfig struct {
	Provider    string  `yaml:"provider"` // ollama, openai or gemini
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout"` // seconds
	Stream      bool    `yaml:"stream"`
}

// SynthesisConfig contains text-to-speech configuration
type SynthesisConfig struct {
	Provider        string  `yaml:"provider"` // elevenlabs or openai
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	VoiceID         string  `yaml:"voice_id"`
	Model           string  `yaml:"model"`
	OutputFormat    string  `yaml:"output_format"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	UseSpeakerBoost bool    `yaml:"use_speaker_boost"`
	Timeout         int     `yaml:"timeout"` // seconds
}

// HistoryConfig contains conversation log storage configuration
type HistoryConfig struct {
	Backend       string `yaml:"backend"` // file, redis or memory
	Dir           string `yaml:"dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	Window        int    `yaml:"window"` // messages included in the prompt
}

// ArtifactsConfig contains buffered reply audio storage configuration
type ArtifactsConfig struct {
	Backend       string `yaml:"backend"` // local or s3
	Dir           string `yaml:"dir"`
	URLPrefix     string `yaml:"url_prefix"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Prefix        string `yaml:"prefix"`
	Endpoint      string `yaml:"endpoint"` // S3-compatible endpoint override
	PublicBaseURL string `yaml:"public_base_url"`
	UsePathStyle  bool   `yaml:"use_path_style"`
}

// PipelineConfig contains orchestrator behaviour
type PipelineConfig struct {
	MaxRetries    int    `yaml:"max_retries"`
	RetryBackoff  int    `yaml:"retry_backoff_ms"`
	SpeakFallback bool   `yaml:"speak_fallback"`
	FallbackText  string `yaml:"fallback_text"`
	Instruction   string `yaml:"instruction"`
	DefaultMode   string `yaml:"default_mode"` // streaming or buffered
}

// TurnConfig contains turn controller timing
type TurnConfig struct {
	ResumeDelay   int `yaml:"resume_delay_ms"`
	FallbackDelay int `yaml:"fallback_delay_ms"`
	PreRoll       int `yaml:"pre_roll_ms"`
	MaxUtterance  int `yaml:"max_utterance_seconds"`
}

// SessionConfig contains call session limits
type SessionConfig struct {
	MaxSessions       int `yaml:"max_sessions"`
	InactivityTimeout int `yaml:"inactivity_timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with every field set to its default value
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:           3000,
			Address:        "0.0.0.0",
			MaxUploadBytes: 25 << 20,
			ReadTimeout:    30,
			IdleTimeout:    120,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			BitDepth:   16,
			ChunkMs:    20,
		},
		VAD: VADConfig{
			ThresholdDB:      -40,
			SilenceDuration:  3000,
			FrameSize:        2048,
			SampleIntervalMs: 16,
		},
		Transcode: TranscodeConfig{
			FFmpegPath:       "ffmpeg",
			Timeout:          30,
			TargetSampleRate: 16000,
		},
		Transcription: TranscriptionConfig{
			Provider:      "whisper",
			Model:         "whisper-1",
			Language:      "en",
			Timeout:       30,
			MaxConcurrent: 10,
			OutputFormat:  "json",
		},
		Generation: GenerationConfig{
			Provider:    "ollama",
			BaseURL:     "http://localhost:11434/v1",
			Model:       "llama3.2:3b",
			Temperature: 0.7,
			MaxTokens:   256,
			Timeout:     60,
			Stream:      true,
		},
		Synthesis: SynthesisConfig{
			Provider:        "elevenlabs",
			BaseURL:         "https://api.elevenlabs.io/v1",
			VoiceID:         "21m00Tcm4TlvDq8ikWAM",
			Model:           "eleven_turbo_v2",
			OutputFormat:    "mp3_44100_128",
			Stability:       0.5,
			SimilarityBoost: 0.5,
			UseSpeakerBoost: true,
			Timeout:         30,
		},
		History: HistoryConfig{
			Backend:   "file",
			Dir:       "data/history",
			RedisAddr: "localhost:6379",
			KeyPrefix: "voice:history",
			Window:    10,
		},
		Artifacts: ArtifactsConfig{
			Backend:   "local",
			Dir:       "public/audio",
			URLPrefix: "/audio/",
		},
		Pipeline: PipelineConfig{
			MaxRetries:    1,
			RetryBackoff:  250,
			SpeakFallback: true,
			FallbackText:  "I'm sorry, I couldn't process your request at this time.",
			Instruction:   "Respond to the following query in a helpful, professional manner and in very short answer",
			DefaultMode:   "buffered",
		},
		Turn: TurnConfig{
			ResumeDelay:   500,
			FallbackDelay: 2000,
			PreRoll:       300,
			MaxUtterance:  60,
		},
		Session: SessionConfig{
			MaxSessions:       100,
			InactivityTimeout: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadDotEnv loads environment variables from the given .env files.
// Missing files are ignored; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads and parses the configuration file. ${VAR} and ${VAR:-default}
// references are expanded from the environment before parsing; fields absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(ExpandEnv(data), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} references with environment values
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		if v, ok := os.LookupEnv(string(m[1])); ok && v != "" {
			return []byte(v)
		}
		return m[2]
	})
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"http", c.HTTP.Validate},
		{"audio", c.Audio.Validate},
		{"vad", c.VAD.Validate},
		{"transcode", c.Transcode.Validate},
		{"transcription", c.Transcription.Validate},
		{"generation", c.Generation.Validate},
		{"synthesis", c.Synthesis.Validate},
		{"history", c.History.Validate},
		{"artifacts", c.Artifacts.Validate},
		{"pipeline", c.Pipeline.Validate},
		{"turn", c.Turn.Validate},
		{"session", c.Session.Validate},
		{"logging", c.Logging.Validate},
	}

	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s config: %w", v.name, err)
		}
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}
	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}
	if h.MaxUploadBytes < 1024 {
		return fmt.Errorf("max_upload_bytes must be at least 1024, got %d", h.MaxUploadBytes)
	}
	if h.ReadTimeout < 0 || h.IdleTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}
	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono) for capture, got %d", a.Channels)
	}
	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}
	if a.ChunkMs < 10 || a.ChunkMs > 500 {
		return fmt.Errorf("chunk_ms must be between 10 and 500, got %d", a.ChunkMs)
	}
	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.ThresholdDB > 0 {
		return fmt.Errorf("threshold_db must be a dBFS value <= 0, got %f", v.ThresholdDB)
	}
	if v.SilenceDuration <= 0 {
		return fmt.Errorf("silence_duration_ms must be positive, got %d", v.SilenceDuration)
	}
	if v.FrameSize < 256 || v.FrameSize > 2048 {
		return fmt.Errorf("frame_size must be between 256 and 2048 samples, got %d", v.FrameSize)
	}
	if v.SampleIntervalMs <= 0 {
		return fmt.Errorf("sample_interval_ms must be positive, got %d", v.SampleIntervalMs)
	}
	return nil
}

// Validate validates transcode configuration
func (t *TranscodeConfig) Validate() error {
	if t.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}
	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}
	if t.TargetSampleRate != 16000 {
		return fmt.Errorf("target_sample_rate must be 16000 Hz, got %d", t.TargetSampleRate)
	}
	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "whisper":
		if t.APIKey == "" && t.Endpoint == "" {
			return fmt.Errorf("api_key cannot be empty for the whisper provider")
		}
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http provider")
		}
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[t.OutputFormat] {
			return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
		}
	default:
		return fmt.Errorf("provider must be 'whisper' or 'http', got '%s'", t.Provider)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}
	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}
	return nil
}

// Validate validates generation configuration
func (g *GenerationConfig) Validate() error {
	switch g.Provider {
	case "ollama":
		if g.BaseURL == "" {
			return fmt.Errorf("base_url cannot be empty for the ollama provider")
		}
	case "openai", "gemini":
		if g.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the %s provider", g.Provider)
		}
	default:
		return fmt.Errorf("provider must be one of [ollama, openai, gemini], got '%s'", g.Provider)
	}

	if g.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", g.Temperature)
	}
	if g.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative, got %d", g.MaxTokens)
	}
	if g.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", g.Timeout)
	}
	return nil
}

// Validate validates synthesis configuration
func (s *SynthesisConfig) Validate() error {
	switch s.Provider {
	case "elevenlabs", "openai":
	default:
		return fmt.Errorf("provider must be 'elevenlabs' or 'openai', got '%s'", s.Provider)
	}

	if s.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}
	if s.VoiceID == "" {
		return fmt.Errorf("voice_id cannot be empty")
	}
	if s.Stability < 0 || s.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", s.Stability)
	}
	if s.SimilarityBoost < 0 || s.SimilarityBoost > 1 {
		return fmt.Errorf("similarity_boost must be between 0 and 1, got %f", s.SimilarityBoost)
	}
	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}
	return nil
}

// Validate validates history configuration
func (h *HistoryConfig) Validate() error {
	switch h.Backend {
	case "file":
		if h.Dir == "" {
			return fmt.Errorf("dir cannot be empty for the file backend")
		}
	case "redis":
		if h.RedisAddr == "" {
			return fmt.Errorf("redis_addr cannot be empty for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("backend must be one of [file, redis, memory], got '%s'", h.Backend)
	}

	if h.Window < 1 {
		return fmt.Errorf("window must be at least 1, got %d", h.Window)
	}
	return nil
}

// Validate validates artifact storage configuration
func (a *ArtifactsConfig) Validate() error {
	switch a.Backend {
	case "local":
		if a.Dir == "" {
			return fmt.Errorf("dir cannot be empty for the local backend")
		}
	case "s3":
		if a.Bucket == "" {
			return fmt.Errorf("bucket cannot be empty for the s3 backend")
		}
	default:
		return fmt.Errorf("backend must be 'local' or 's3', got '%s'", a.Backend)
	}

	if a.URLPrefix == "" {
		return fmt.Errorf("url_prefix cannot be empty")
	}
	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.MaxRetries < 0 || p.MaxRetries > 1 {
		return fmt.Errorf("max_retries must be 0 or 1, got %d", p.MaxRetries)
	}
	if p.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff_ms cannot be negative, got %d", p.RetryBackoff)
	}
	if p.FallbackText == "" {
		return fmt.Errorf("fallback_text cannot be empty")
	}
	if p.Instruction == "" {
		return fmt.Errorf("instruction cannot be empty")
	}
	if p.DefaultMode != "streaming" && p.DefaultMode != "buffered" {
		return fmt.Errorf("default_mode must be 'streaming' or 'buffered', got '%s'", p.DefaultMode)
	}
	return nil
}

// Validate validates turn timing
func (t *TurnConfig) Validate() error {
	if t.ResumeDelay < 0 {
		return fmt.Errorf("resume_delay_ms cannot be negative, got %d", t.ResumeDelay)
	}
	if t.FallbackDelay < t.ResumeDelay {
		return fmt.Errorf("fallback_delay_ms (%d) must not be shorter than resume_delay_ms (%d)",
			t.FallbackDelay, t.ResumeDelay)
	}
	if t.PreRoll < 0 {
		return fmt.Errorf("pre_roll_ms cannot be negative, got %d", t.PreRoll)
	}
	if t.MaxUtterance < 1 {
		return fmt.Errorf("max_utterance_seconds must be at least 1, got %d", t.MaxUtterance)
	}
	return nil
}

// Validate validates session limits
func (s *SessionConfig) Validate() error {
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}
	if s.InactivityTimeout < 1 {
		return fmt.Errorf("inactivity_timeout must be at least 1 second, got %d", s.InactivityTimeout)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// GetReadTimeoutDuration returns the HTTP read timeout
func (h *HTTPConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetIdleTimeoutDuration returns the HTTP idle timeout
func (h *HTTPConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(h.IdleTimeout) * time.Second
}

// GetChunkDuration returns the capture chunk cadence
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkMs) * time.Millisecond
}

// GetSilenceDuration returns the end-of-speech silence as a time.Duration
func (v *VADConfig) GetSilenceDuration() time.Duration {
	return time.Duration(v.SilenceDuration) * time.Millisecond
}

// GetSampleInterval returns the silence check interval as a time.Duration
func (v *VADConfig) GetSampleInterval() time.Duration {
	return time.Duration(v.SampleIntervalMs) * time.Millisecond
}

// GetTimeoutDuration returns the transcode timeout as a time.Duration
func (t *TranscodeConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the generation timeout as a time.Duration
func (g *GenerationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(g.Timeout) * time.Second
}

// GetTimeoutDuration returns the synthesis timeout as a time.Duration
func (s *SynthesisConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetRetryBackoffDuration returns the delay before the single retry
func (p *PipelineConfig) GetRetryBackoffDuration() time.Duration {
	return time.Duration(p.RetryBackoff) * time.Millisecond
}

// GetResumeDelay returns the delay before listening resumes after an empty turn
func (t *TurnConfig) GetResumeDelay() time.Duration {
	return time.Duration(t.ResumeDelay) * time.Millisecond
}

// GetFallbackDelay returns the delay before listening resumes after failed playback
func (t *TurnConfig) GetFallbackDelay() time.Duration {
	return time.Duration(t.FallbackDelay) * time.Millisecond
}

// GetPreRollDuration returns how much audio before speech start is kept
func (t *TurnConfig) GetPreRollDuration() time.Duration {
	return time.Duration(t.PreRoll) * time.Millisecond
}

// GetMaxUtteranceDuration returns the longest utterance before a forced stop
func (t *TurnConfig) GetMaxUtteranceDuration() time.Duration {
	return time.Duration(t.MaxUtterance) * time.Second
}

// GetInactivityTimeoutDuration returns the idle call timeout as a time.Duration
func (s *SessionConfig) GetInactivityTimeoutDuration() time.Duration {
	return time.Duration(s.InactivityTimeout) * time.Second
}
