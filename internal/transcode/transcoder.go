package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
)

const (
	targetChannels  = 1
	maxStderrLength = 512
)

// Config holds transcoder settings
type Config struct {
	FFmpegPath       string
	TempDir          string // empty uses os.TempDir()
	Timeout          time.Duration
	TargetSampleRate int
}

// Source describes the input audio. SampleRate and Channels are only
// consulted for raw PCM.
type Source struct {
	Format     Format
	SampleRate int
	Channels   int
}

// Result is normalized mono PCM-16
type Result struct {
	PCM        []byte        `json:"-"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Duration   time.Duration `json:"duration"`
	Source     Format        `json:"source_format"`
	Converted  bool          `json:"converted"` // true when ffmpeg was used
}

// Transcoder converts source audio to the transcription format
type Transcoder struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a transcoder
func New(cfg Config, logger *slog.Logger) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = audio.DefaultSampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{cfg: cfg, logger: logger}
}

// Transcode normalizes data to mono PCM-16 at the target sample rate
func (t *Transcoder) Transcode(ctx context.Context, data []byte, src Source) (*Result, error) {
	format := src.Format
	if format == FormatUnknown {
		format = Sniff(data)
	}
	if len(data) == 0 {
		return nil, &TranscodeError{Format: format, Stage: "detect", Cause: errors.New("empty audio data")}
	}

	switch {
	case format == FormatWAV:
		return t.fromWAV(data)
	case format == FormatPCM:
		return t.fromPCM(data, src.SampleRate, src.Channels)
	case format.NeedsFFmpeg():
		return t.withFFmpeg(ctx, data, format)
	default:
		return nil, &TranscodeError{Format: format, Stage: "detect", Cause: errors.New("unsupported or unrecognized audio format")}
	}
}

func (t *Transcoder) fromWAV(data []byte) (*Result, error) {
	samples, info, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, &TranscodeError{Format: FormatWAV, Stage: "decode", Cause: err}
	}
	return t.normalize(samples, int(info.SampleRate), int(info.Channels), FormatWAV)
}

func (t *Transcoder) fromPCM(data []byte, sampleRate, channels int) (*Result, error) {
	if sampleRate <= 0 {
		sampleRate = t.cfg.TargetSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	if len(data)%(audio.BytesPerSample*channels) != 0 {
		return nil, &TranscodeError{
			Format: FormatPCM,
			Stage:  "decode",
			Cause:  fmt.Errorf("%d bytes is not a whole number of %d-channel frames", len(data), channels),
		}
	}
	return t.normalize(audio.BytesToSamples(data), sampleRate, channels, FormatPCM)
}

// normalize downmixes and resamples decoded samples
func (t *Transcoder) normalize(samples []int16, sampleRate, channels int, format Format) (*Result, error) {
	mono := audio.Downmix(samples, channels)
	if len(mono) == 0 {
		return nil, &TranscodeError{Format: format, Stage: "decode", Cause: errors.New("no audio samples")}
	}

	if sampleRate != t.cfg.TargetSampleRate {
		resampled, err := resample(mono, sampleRate, t.cfg.TargetSampleRate)
		if err != nil {
			return nil, &TranscodeError{Format: format, Stage: "resample", Cause: err}
		}
		mono = resampled
	}

	pcm := audio.SamplesToBytes(mono)
	return &Result{
		PCM:        pcm,
		SampleRate: t.cfg.TargetSampleRate,
		Channels:   targetChannels,
		Duration:   audio.BytesDuration(len(pcm), t.cfg.TargetSampleRate),
		Source:     format,
	}, nil
}

func resample(samples []int16, from, to int) ([]int16, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	out, err := r.Process(audio.SamplesToFloat(samples))
	if err != nil {
		return nil, fmt.Errorf("failed to resample %d Hz to %d Hz: %w", from, to, err)
	}
	// the filter holds back its delay line until flushed
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("failed to flush resampler: %w", err)
	}
	out = append(out, tail...)
	if len(out) == 0 {
		return nil, fmt.Errorf("resampler produced no output for %d samples", len(samples))
	}

	// Trim or pad the filter edge so the length matches the input duration
	want := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if len(out) > want {
		out = out[:want]
	}
	for len(out) < want {
		out = append(out, 0)
	}
	return audio.FloatToSamples(out), nil
}

// withFFmpeg converts a compressed container through a scratch directory
// that is removed on every path.
func (t *Transcoder) withFFmpeg(ctx context.Context, data []byte, format Format) (*Result, error) {
	dir, err := os.MkdirTemp(t.cfg.TempDir, "transcode-*")
	if err != nil {
		return nil, &TranscodeError{Format: format, Stage: "ffmpeg", Cause: fmt.Errorf("failed to create temp dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "input."+string(format))
	outPath := filepath.Join(dir, "output.wav")

	if err := os.WriteFile(inPath, data, 0600); err != nil {
		return nil, &TranscodeError{Format: format, Stage: "ffmpeg", Cause: fmt.Errorf("failed to write input: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", inPath,
		"-vn",
		"-ar", strconv.Itoa(t.cfg.TargetSampleRate),
		"-ac", strconv.Itoa(targetChannels),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		outPath,
	}

	// #nosec G204 -- ffmpeg path comes from configuration, paths are generated
	cmd := exec.CommandContext(ctx, t.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
		}
		return nil, &TranscodeError{Format: format, Stage: "ffmpeg", Stderr: trimStderr(stderr.String()), Cause: err}
	}

	converted, err := os.ReadFile(outPath)
	if err != nil {
		return nil, &TranscodeError{Format: format, Stage: "ffmpeg", Cause: fmt.Errorf("failed to read output: %w", err)}
	}

	t.logger.Debug("ffmpeg conversion complete",
		slog.String("format", string(format)),
		slog.Int("input_bytes", len(data)),
		slog.Int("output_bytes", len(converted)),
		slog.Duration("duration", time.Since(start)),
	)

	result, err := t.fromWAV(converted)
	if err != nil {
		var tErr *TranscodeError
		if errors.As(err, &tErr) {
			tErr.Format = format
		}
		return nil, err
	}
	result.Source = format
	result.Converted = true
	return result, nil
}

func trimStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrLength {
		s = s[len(s)-maxStderrLength:]
	}
	return s
}
