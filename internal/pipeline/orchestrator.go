package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/artifact"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/generation"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/history"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/metrics"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/synthesis"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/transcode"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/transcription"
)

var (
	// ErrSessionBusy is returned when a turn is already running for the session
	ErrSessionBusy = errors.New("session is busy")
	// ErrInvalidRequest is returned for requests that cannot be processed
	ErrInvalidRequest = errors.New("invalid pipeline request")
	// ErrNoSpeech marks a turn whose transcript was empty
	ErrNoSpeech = errors.New("no speech recognized")
)

// Stage names used in logs and metrics
const (
	StageTranscode  = "transcode"
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
)

// Mode selects how reply audio is delivered
type Mode string

const (
	// ModeStreaming hands the synthesis stream to the caller unread
	ModeStreaming Mode = "streaming"
	// ModeBuffered stores the reply as an artifact and returns its URL
	ModeBuffered Mode = "buffered"
	// ModeTextOnly skips synthesis; the client requests audio separately
	ModeTextOnly Mode = "text"
)

// Outcome classifies a finished turn
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

// Transcoder normalizes captured audio. *transcode.Transcoder satisfies it.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, src transcode.Source) (*transcode.Result, error)
}

// Request is one turn's input
type Request struct {
	SessionID string
	Audio     []byte
	Source    transcode.Source
	Mode      Mode
	Voice     string
	// OnToken receives generated text incrementally when the generator streams
	OnToken func(string)
}

// Timing is the per-stage latency breakdown of a turn
type Timing struct {
	AudioProcessing time.Duration
	STT             time.Duration
	AIResponse      time.Duration
	TTS             time.Duration
	Total           time.Duration
}

// MarshalJSON encodes durations as whole milliseconds
func (t Timing) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AudioProcessing int64 `json:"audio_processing"`
		STT             int64 `json:"stt"`
		AIResponse      int64 `json:"ai_response"`
		TTS             int64 `json:"tts"`
		Total           int64 `json:"total"`
	}{
		AudioProcessing: t.AudioProcessing.Milliseconds(),
		STT:             t.STT.Milliseconds(),
		AIResponse:      t.AIResponse.Milliseconds(),
		TTS:             t.TTS.Milliseconds(),
		Total:           t.Total.Milliseconds(),
	})
}

// Result is the outcome of one turn
type Result struct {
	SessionID    string
	Transcript   string
	ResponseText string
	Outcome      Outcome
	// Audio is set in streaming mode when synthesis succeeded. The caller
	// owns it and must close it.
	Audio *synthesis.Audio
	// AudioURL is set in buffered mode when synthesis succeeded
	AudioURL    string
	ContentType string
	Timing      Timing
	// Err is the stage error behind a degraded or failed outcome
	Err error
}

// HasAudio reports whether the turn produced reply audio
func (r *Result) HasAudio() bool {
	return r != nil && (r.Audio != nil || r.AudioURL != "")
}

// Close releases the reply audio stream, if any
func (r *Result) Close() error {
	if r == nil || r.Audio == nil {
		return nil
	}
	return r.Audio.Close()
}

// Config holds orchestrator settings
type Config struct {
	MaxRetries    int
	RetryBackoff  time.Duration
	SpeakFallback bool
	FallbackText  string
	Instruction   string
	DefaultMode   Mode
	HistoryWindow int
	Language      string

	TranscodeTimeout  time.Duration
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
}

// Dependencies are the services a turn calls into
type Dependencies struct {
	Transcoder  Transcoder
	Transcriber transcription.Service
	Generator   generation.Service
	Synthesizer synthesis.Service
	History     history.Store
	Artifacts   artifact.Store // required for buffered mode
	Metrics     *metrics.Metrics
}

// Stats contains orchestrator counters
type Stats struct {
	Processed     int64 `json:"processed"`
	Succeeded     int64 `json:"succeeded"`
	Degraded      int64 `json:"degraded"`
	Failed        int64 `json:"failed"`
	Canceled      int64 `json:"canceled"`
	BusyRejected  int64 `json:"busy_rejected"`
	InFlight      int   `json:"in_flight"`
	HistoryErrors int64 `json:"history_errors"`
}

// Orchestrator runs turns. It is safe for concurrent use across sessions;
// within a session turns are strictly sequential.
type Orchestrator struct {
	cfg     Config
	deps    Dependencies
	metrics *metrics.Metrics
	logger  *slog.Logger

	busy sync.Map // session id -> struct{}

	mu    sync.RWMutex
	stats Stats
}

// New creates an orchestrator
func New(cfg Config, deps Dependencies, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Transcoder == nil || deps.Transcriber == nil || deps.Generator == nil || deps.Synthesizer == nil || deps.History == nil {
		return nil, errors.New("pipeline: transcoder, transcriber, generator, synthesizer and history are required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeBuffered
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = "I'm sorry, I couldn't process your request at this time."
	}
	for _, d := range []*time.Duration{&cfg.TranscodeTimeout, &cfg.TranscribeTimeout, &cfg.GenerateTimeout, &cfg.SynthesizeTimeout} {
		if *d <= 0 {
			*d = 30 * time.Second
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		logger:  logger,
	}, nil
}

// Process runs one turn for req.SessionID
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	if err := history.ValidateSessionID(req.SessionID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio", ErrInvalidRequest)
	}
	mode := req.Mode
	if mode == "" {
		mode = o.cfg.DefaultMode
	}
	if mode == ModeBuffered && o.deps.Artifacts == nil {
		return nil, fmt.Errorf("%w: buffered mode requires an artifact store", ErrInvalidRequest)
	}

	if _, loaded := o.busy.LoadOrStore(req.SessionID, struct{}{}); loaded {
		o.metrics.RecordBusyRejection()
		o.updateStats(func(s *Stats) { s.BusyRejected++ })
		return nil, ErrSessionBusy
	}
	defer o.busy.Delete(req.SessionID)

	o.metrics.RecordUtterance(len(req.Audio))
	start := time.Now()

	result, err := o.run(ctx, req, mode)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			o.updateStats(func(s *Stats) { s.Processed++; s.Canceled++ })
			o.logger.Info("Turn cancelled",
				slog.String("session_id", req.SessionID),
				slog.Duration("elapsed", time.Since(start)),
			)
		}
		return nil, err
	}

	result.Timing.Total = time.Since(start)
	o.metrics.RecordTurnOutcome(string(result.Outcome))
	o.updateStats(func(s *Stats) {
		s.Processed++
		switch result.Outcome {
		case OutcomeSuccess:
			s.Succeeded++
		case OutcomeDegraded:
			s.Degraded++
		case OutcomeFailed:
			s.Failed++
		}
	})

	attrs := []any{
		slog.String("session_id", req.SessionID),
		slog.String("outcome", string(result.Outcome)),
		slog.String("mode", string(mode)),
		slog.Duration("audio_processing", result.Timing.AudioProcessing),
		slog.Duration("stt", result.Timing.STT),
		slog.Duration("ai_response", result.Timing.AIResponse),
		slog.Duration("tts", result.Timing.TTS),
		slog.Duration("total", result.Timing.Total),
	}
	if result.Err != nil {
		attrs = append(attrs, slog.String("error", result.Err.Error()))
		o.logger.Warn("Turn completed with errors", attrs...)
	} else {
		o.logger.Info("Turn completed", attrs...)
	}

	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, mode Mode) (*Result, error) {
	result := &Result{SessionID: req.SessionID}

	// Transcode
	stageStart := time.Now()
	pcm, err := o.transcode(ctx, req)
	result.Timing.AudioProcessing = time.Since(stageStart)
	o.metrics.RecordStage(StageTranscode, result.Timing.AudioProcessing.Seconds(), err != nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		result.Outcome = OutcomeFailed
		result.Err = err
		return result, nil
	}

	// Transcribe
	stageStart = time.Now()
	var transcript string
	err = o.withRetry(ctx, StageTranscribe, o.cfg.TranscribeTimeout, func(ctx context.Context) error {
		var terr error
		transcript, terr = o.deps.Transcriber.Transcribe(ctx, pcm.PCM, transcription.Options{
			SampleRate: pcm.SampleRate,
			Language:   o.cfg.Language,
		})
		return terr
	})
	result.Timing.STT = time.Since(stageStart)
	o.metrics.RecordStage(StageTranscribe, result.Timing.STT.Seconds(), err != nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		result.Outcome = OutcomeFailed
		result.Err = transcription.NewTranscriptionError(o.deps.Transcriber.Name(), "transcription failed", err)
		return result, nil
	}

	transcript = strings.TrimSpace(transcript)
	result.Transcript = transcript
	if transcript == "" {
		result.Outcome = OutcomeDegraded
		result.Err = ErrNoSpeech
		return result, nil
	}

	// History and prompt
	prior := o.recordAndRecall(ctx, req.SessionID, transcript)
	prompt := ComposePrompt(prior, transcript, o.cfg.Instruction)

	// Generate
	stageStart = time.Now()
	text, genErr := o.generate(ctx, prompt, req.OnToken)
	result.Timing.AIResponse = time.Since(stageStart)
	o.metrics.RecordStage(StageGenerate, result.Timing.AIResponse.Seconds(), genErr != nil)
	if genErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		result.Outcome = OutcomeDegraded
		result.Err = generation.NewGenerationError(o.deps.Generator.Name(), "generation failed", genErr)
		result.ResponseText = o.cfg.FallbackText
		if !o.cfg.SpeakFallback || mode == ModeTextOnly {
			return result, nil
		}
	} else {
		result.Outcome = OutcomeSuccess
		result.ResponseText = text
		o.appendHistory(ctx, req.SessionID, history.RoleAssistant, text)
	}

	if mode == ModeTextOnly {
		return result, nil
	}

	// Synthesize
	stageStart = time.Now()
	synthErr := o.synthesize(ctx, req, mode, result)
	result.Timing.TTS = time.Since(stageStart)
	o.metrics.RecordStage(StageSynthesize, result.Timing.TTS.Seconds(), synthErr != nil)
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.Close()
		return nil, ctxErr
	}
	if synthErr != nil {
		result.Outcome = OutcomeDegraded
		if result.Err == nil {
			result.Err = synthErr
		}
	}

	return result, nil
}

func (o *Orchestrator) transcode(ctx context.Context, req Request) (*transcode.Result, error) {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.TranscodeTimeout)
	defer cancel()
	return o.deps.Transcoder.Transcode(tctx, req.Audio, req.Source)
}

// recordAndRecall appends the user message and returns the messages before it,
// limited to the history window. History failures never abort the turn.
func (o *Orchestrator) recordAndRecall(ctx context.Context, sessionID, transcript string) []history.Message {
	appended := o.appendHistory(ctx, sessionID, history.RoleUser, transcript)

	recent, err := o.deps.History.Recent(ctx, sessionID, o.cfg.HistoryWindow+1)
	if err != nil {
		o.logger.Warn("Failed to read history",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if appended != nil && len(recent) > 0 && recent[len(recent)-1].Sequence == appended.Sequence {
		recent = recent[:len(recent)-1]
	}
	if len(recent) > o.cfg.HistoryWindow {
		recent = recent[len(recent)-o.cfg.HistoryWindow:]
	}
	return recent
}

func (o *Orchestrator) appendHistory(ctx context.Context, sessionID string, role history.Role, content string) *history.Message {
	msg, err := o.deps.History.Append(ctx, sessionID, role, content)
	if err != nil {
		o.metrics.RecordHistoryWriteFailure()
		o.updateStats(func(s *Stats) { s.HistoryErrors++ })
		o.logger.Warn("Failed to write history",
			slog.String("session_id", sessionID),
			slog.String("role", string(role)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return &msg
}

func (o *Orchestrator) generate(ctx context.Context, prompt string, onToken func(string)) (string, error) {
	streamer, canStream := o.deps.Generator.(generation.StreamingService)

	var text string
	err := o.withRetry(ctx, StageGenerate, o.cfg.GenerateTimeout, func(ctx context.Context) error {
		if !canStream || onToken == nil {
			var gerr error
			text, gerr = o.deps.Generator.Generate(ctx, prompt)
			return gerr
		}

		tokens, serr := streamer.Stream(ctx, prompt)
		if serr != nil {
			return serr
		}
		emitted := false
		collected, cerr := generation.Collect(ctx, tokens, func(tok string) {
			emitted = true
			onToken(tok)
		})
		if cerr != nil {
			gerr := generation.NewGenerationError(streamer.Name(), "stream failed", cerr)
			if emitted {
				// Tokens already reached the caller; a retry would repeat them
				gerr.Retryable = false
			}
			return gerr
		}
		text = strings.TrimSpace(collected)
		if text == "" {
			return generation.NewGenerationError(streamer.Name(), "empty response", generation.ErrEmptyResponse)
		}
		return nil
	})
	return text, err
}

// synthesize fills result.Audio or result.AudioURL
func (o *Orchestrator) synthesize(ctx context.Context, req Request, mode Mode, result *Result) error {
	opts := synthesis.Options{Voice: req.Voice}

	if mode == ModeStreaming {
		var audio *synthesis.Audio
		var release context.CancelFunc
		err := o.withRetry(ctx, StageSynthesize, o.cfg.SynthesizeTimeout, func(context.Context) error {
			// The timeout bounds time to first byte; the body lives until the
			// caller closes it or ctx ends.
			actx, cancel := context.WithCancel(ctx)
			timer := time.AfterFunc(o.cfg.SynthesizeTimeout, cancel)
			a, serr := o.deps.Synthesizer.Synthesize(actx, result.ResponseText, opts)
			if !timer.Stop() {
				if serr == nil {
					a.Close()
				}
				cancel()
				return &synthesis.SynthesisError{
					Provider:  o.deps.Synthesizer.Name(),
					Message:   "timed out waiting for audio",
					Cause:     context.DeadlineExceeded,
					Retryable: true,
				}
			}
			if serr != nil {
				cancel()
				return serr
			}
			audio, release = a, cancel
			return nil
		})
		if err != nil {
			return synthesis.NewSynthesisError(o.deps.Synthesizer.Name(), "synthesis failed", err)
		}
		audio.Body = &cancelOnClose{ReadCloser: audio.Body, cancel: release}
		result.Audio = audio
		result.ContentType = audio.ContentType
		return nil
	}

	var info artifact.Info
	err := o.withRetry(ctx, StageSynthesize, o.cfg.SynthesizeTimeout, func(ctx context.Context) error {
		audio, serr := o.deps.Synthesizer.Synthesize(ctx, result.ResponseText, opts)
		if serr != nil {
			return serr
		}
		defer audio.Close()

		name := fmt.Sprintf("tts-%s%s", uuid.NewString(), extensionFor(audio.ContentType))
		var aerr error
		info, aerr = o.deps.Artifacts.Save(ctx, name, audio.ContentType, audio.Body)
		return aerr
	})
	if err != nil {
		return synthesis.NewSynthesisError(o.deps.Synthesizer.Name(), "synthesis failed", err)
	}

	result.AudioURL = info.URL
	result.ContentType = info.ContentType
	return nil
}

// GetStats returns a snapshot of the orchestrator counters
func (o *Orchestrator) GetStats() Stats {
	o.mu.RLock()
	stats := o.stats
	o.mu.RUnlock()

	o.busy.Range(func(_, _ any) bool {
		stats.InFlight++
		return true
	})
	return stats
}

func (o *Orchestrator) updateStats(fn func(*Stats)) {
	o.mu.Lock()
	fn(&o.stats)
	o.mu.Unlock()
}

func extensionFor(contentType string) string {
	switch contentType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/pcm":
		return ".pcm"
	default:
		return ".bin"
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}
