package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/capture"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/metrics"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/vad"
)

// Reply is the processed result of one utterance
type Reply struct {
	Turn        uint64
	Transcript  string
	Text        string
	Outcome     string
	Audio       io.ReadCloser // nil when the turn produced no audio stream
	AudioURL    string
	ContentType string
	Err         error
}

// HasAudio reports whether the reply can be played
func (r *Reply) HasAudio() bool {
	return r != nil && (r.Audio != nil || r.AudioURL != "")
}

func (r *Reply) close() {
	if r != nil && r.Audio != nil {
		r.Audio.Close()
	}
}

// Processor turns a sealed utterance into a reply. A reply without audio and
// without error is an empty turn.
type Processor interface {
	Process(ctx context.Context, utt *audio.Utterance) (*Reply, error)
}

// Player plays a reply and blocks until playback finishes or fails. The
// player owns reply.Audio.
type Player interface {
	Play(ctx context.Context, reply *Reply) error
}

// Hooks observe the controller. Hooks run on the event loop and must not block.
type Hooks struct {
	OnTransition func(from, to State, ev EventType)
	OnReply      func(reply *Reply)
	OnError      func(err error)
}

// Config configures a Controller
type Config struct {
	SessionID    string
	SampleRate   int
	Timing       Timing
	VAD          vad.Config
	PreRoll      time.Duration // audio kept from before SpeechStart
	MaxUtterance time.Duration // forces Stop when exceeded, 0 disables
}

// Session is the per-conversation state the controller mutates. It is only
// touched from the event loop.
type Session struct {
	ID        string
	State     State
	Turn      uint64
	Utterance *audio.Utterance

	device       capture.Device
	releaseOnce  sync.Once
	cancelTurn   context.CancelFunc
	cancelPlay   context.CancelFunc
	reply        *Reply
	resumeTimer  *time.Timer
	preRoll      []audio.Chunk
	preRollBytes int
	err          error
}

// SessionInfo is a snapshot for monitoring
type SessionInfo struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	Turn      uint64            `json:"turn"`
	StartedAt time.Time         `json:"started_at"`
	VAD       vad.DetectorStats `json:"vad"`
}

type event struct {
	typ   EventType
	turn  uint64
	reply *Reply
	err   error
	resp  chan error // set for externally posted events
}

// Controller drives one conversation
type Controller struct {
	cfg       Config
	source    capture.Source
	processor Processor
	player    Player
	hooks     Hooks
	detector  *vad.Detector
	metrics   *metrics.Metrics
	logger    *slog.Logger

	sess      Session
	state     atomic.Int32
	turn      atomic.Uint64
	startedAt time.Time

	events  chan event
	done    chan struct{}
	ran     atomic.Bool
	runCtx  context.Context
	pending []event
}

// NewController creates a controller for one session
func NewController(cfg Config, source capture.Source, processor Processor, player Player, hooks Hooks, m *metrics.Metrics, logger *slog.Logger) (*Controller, error) {
	if source == nil || processor == nil || player == nil {
		return nil, errors.New("turn: source, processor and player are required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming()
	}
	if cfg.VAD == (vad.Config{}) {
		cfg.VAD = vad.DefaultConfig()
	}
	detector, err := vad.NewDetector(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("invalid VAD config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:       cfg,
		source:    source,
		processor: processor,
		player:    player,
		hooks:     hooks,
		detector:  detector,
		metrics:   m,
		logger:    logger.With(slog.String("session_id", cfg.SessionID)),
		sess:      Session{ID: cfg.SessionID, State: StateIdle},
		startedAt: time.Now(),
		events:    make(chan event, 16),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateIdle))
	return c, nil
}

// State returns the current state. Safe from any goroutine.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Info returns a monitoring snapshot. Safe from any goroutine.
func (c *Controller) Info() SessionInfo {
	return SessionInfo{
		ID:        c.cfg.SessionID,
		State:     c.State().String(),
		Turn:      c.turn.Load(),
		StartedAt: c.startedAt,
		VAD:       c.detector.GetStats(),
	}
}

// Done is closed when Run returns
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Answer starts listening
func (c *Controller) Answer() error { return c.post(EventAnswer) }

// Stop ends the current utterance as if the speaker fell silent
func (c *Controller) Stop() error { return c.post(EventStop) }

// End terminates the session
func (c *Controller) End() error { return c.post(EventEnd) }

// post delivers an external event and waits for the loop to apply it
func (c *Controller) post(typ EventType) error {
	resp := make(chan error, 1)
	select {
	case c.events <- event{typ: typ, resp: resp}:
	case <-c.done:
		return ErrSessionEnded
	}
	select {
	case err := <-resp:
		return err
	case <-c.done:
		return ErrSessionEnded
	}
}

// deliver hands an internal completion event to the loop. Replies that
// arrive after the loop exited are released.
func (c *Controller) deliver(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
		ev.reply.close()
	}
}

// Run executes the event loop until the session ends or ctx is cancelled.
// Capture is released exactly once before Run returns. It returns the
// capture error that ended the session, ctx.Err() after cancellation, or nil
// after End.
func (c *Controller) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return errors.New("turn: controller already running")
	}
	defer close(c.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.runCtx = runCtx

	defer c.releaseCapture()

	sampler := vad.NewSampler(c.cfg.VAD.SampleInterval)
	defer sampler.Stop()

	for {
		var chunks <-chan audio.Chunk
		if c.sess.device != nil && c.State() != StateEnded {
			chunks = c.sess.device.Chunks()
		}

		select {
		case <-ctx.Done():
			if c.State() != StateEnded {
				c.dispatch(event{typ: EventEnd})
			}
			if c.sess.err != nil {
				return c.sess.err
			}
			return ctx.Err()

		case ev := <-c.events:
			c.dispatch(ev)

		case chunk, ok := <-chunks:
			if !ok {
				c.onDeviceClosed()
				break
			}
			c.onChunk(chunk)

		case now := <-sampler.C():
			c.onTick(now)
		}

		if c.State() == StateEnded {
			return c.sess.err
		}
	}
}

// dispatch applies ev and any events its effects raise, in order
func (c *Controller) dispatch(ev event) {
	c.pending = append(c.pending, ev)
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		err := c.apply(next)
		if next.resp != nil {
			next.resp <- err
		}
	}
}

func (c *Controller) raise(typ EventType, err error) {
	c.pending = append(c.pending, event{typ: typ, turn: c.sess.Turn, err: err})
}

func (c *Controller) apply(ev event) error {
	from := c.sess.State

	// Completions belong to a turn; anything from an older turn is stale
	if isCompletion(ev.typ) && (ev.turn != c.sess.Turn || from == StateEnded) {
		c.logger.Debug("Dropping stale completion",
			slog.String("event", ev.typ.String()),
			slog.Uint64("event_turn", ev.turn),
			slog.Uint64("turn", c.sess.Turn),
		)
		ev.reply.close()
		return nil
	}

	to, effs, err := Next(from, ev.typ, c.cfg.Timing)
	if err != nil {
		if !errors.Is(err, ErrSessionEnded) {
			c.logger.Debug("Ignoring event",
				slog.String("event", ev.typ.String()),
				slog.String("state", from.String()),
			)
		}
		ev.reply.close()
		return err
	}

	if ev.typ == EventCaptureFailed {
		c.sess.err = ev.err
	}
	if ev.typ == EventResultAudio {
		c.sess.reply = ev.reply
	}
	if ev.reply != nil && c.hooks.OnReply != nil {
		c.hooks.OnReply(ev.reply)
	}

	c.sess.State = to
	c.state.Store(int32(to))

	for _, eff := range effs {
		c.execute(eff)
	}

	if from != to {
		c.metrics.RecordTransition(from.String(), to.String())
		c.logger.Info("Turn state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("event", ev.typ.String()),
			slog.Uint64("turn", c.sess.Turn),
		)
		if c.hooks.OnTransition != nil {
			c.hooks.OnTransition(from, to, ev.typ)
		}
	}
	return nil
}

func isCompletion(typ EventType) bool {
	switch typ {
	case EventResultAudio, EventResultEmpty, EventResultFailed,
		EventPlaybackDone, EventPlaybackFailed, EventResume:
		return true
	}
	return false
}

func (c *Controller) execute(eff Effect) {
	switch eff.Kind {
	case EffectAcquireCapture:
		device, err := c.source.Acquire(c.runCtx)
		if err != nil {
			var capErr *capture.CaptureError
			if !errors.As(err, &capErr) {
				err = &capture.CaptureError{Op: "acquire", Cause: err}
			}
			c.raise(EventCaptureFailed, err)
			return
		}
		c.sess.device = device

	case EffectStartVAD, EffectResumeListening:
		c.detector.Reset()
		c.sess.Utterance = nil
		c.sess.preRoll = nil
		c.sess.preRollBytes = 0
		// The turn context outlives processing so the reply body stays
		// readable during playback; the next turn starts a fresh one.
		if c.sess.cancelTurn != nil {
			c.sess.cancelTurn()
		}
		c.sess.cancelTurn = nil
		c.sess.cancelPlay = nil
		c.sess.reply = nil

	case EffectBeginUtterance:
		c.sess.Turn++
		c.turn.Store(c.sess.Turn)
		utt := audio.NewUtterance(fmt.Sprintf("%s-%d", c.sess.ID, c.sess.Turn), c.cfg.SampleRate)
		for _, chunk := range c.sess.preRoll {
			if err := utt.Append(chunk); err != nil {
				c.logger.Debug("Skipping pre-roll chunk", slog.String("error", err.Error()))
			}
		}
		c.sess.preRoll = nil
		c.sess.preRollBytes = 0
		c.sess.Utterance = utt

	case EffectSealUtterance:
		if c.sess.Utterance != nil {
			c.sess.Utterance.Seal()
		}

	case EffectDispatchProcess:
		c.dispatchProcess()

	case EffectStartPlayback:
		c.startPlayback()

	case EffectScheduleResume:
		turn := c.sess.Turn
		if c.sess.resumeTimer != nil {
			c.sess.resumeTimer.Stop()
		}
		c.sess.resumeTimer = time.AfterFunc(eff.Delay, func() {
			c.deliver(event{typ: EventResume, turn: turn})
		})

	case EffectStopVAD:
		if ev, ok := c.detector.Stop(); ok {
			c.metrics.RecordVADEvent(ev.Type.String())
			c.logger.Debug("Speech cut off by end of call")
		}

	case EffectCancelProcessing:
		if c.sess.cancelTurn != nil {
			c.sess.cancelTurn()
			c.sess.cancelTurn = nil
		}
		if c.sess.resumeTimer != nil {
			c.sess.resumeTimer.Stop()
		}
		// Invalidate completions still in flight
		c.sess.Turn++
		c.turn.Store(c.sess.Turn)

	case EffectStopPlayback:
		if c.sess.cancelPlay != nil {
			c.sess.cancelPlay()
			c.sess.cancelPlay = nil
		}

	case EffectReleaseCapture:
		c.releaseCapture()

	case EffectSurfaceError:
		if c.sess.err != nil {
			c.logger.Error("Capture failed", slog.String("error", c.sess.err.Error()))
			if c.hooks.OnError != nil {
				c.hooks.OnError(c.sess.err)
			}
		}
	}
}

func (c *Controller) dispatchProcess() {
	utt := c.sess.Utterance
	turn := c.sess.Turn
	ctx, cancel := context.WithCancel(c.runCtx)
	c.sess.cancelTurn = cancel

	c.logger.Debug("Dispatching utterance",
		slog.String("utterance_id", utt.ID()),
		slog.Int("bytes", utt.Len()),
		slog.Duration("duration", utt.Duration()),
	)

	go func() {
		reply, err := c.processor.Process(ctx, utt)

		ev := event{turn: turn, reply: reply, err: err}
		switch {
		case err != nil:
			ev.typ = EventResultFailed
			if reply == nil {
				ev.reply = &Reply{Turn: turn, Err: err}
			}
		case reply == nil:
			ev.typ = EventResultEmpty
		case ctx.Err() != nil:
			// cancelled while finishing; never play it
			reply.close()
			ev.typ = EventResultFailed
			ev.reply = &Reply{Turn: turn, Err: ctx.Err()}
		case reply.HasAudio():
			ev.typ = EventResultAudio
		case reply.Outcome == "failed":
			ev.typ = EventResultFailed
		default:
			ev.typ = EventResultEmpty
		}
		if ev.typ != EventResultAudio {
			cancel()
		}
		if ev.reply != nil {
			ev.reply.Turn = turn
		}
		c.deliver(ev)
	}()
}

func (c *Controller) startPlayback() {
	reply := c.sess.reply
	turn := c.sess.Turn
	ctx, cancel := context.WithCancel(c.runCtx)
	c.sess.cancelPlay = cancel

	go func() {
		defer cancel()
		err := c.player.Play(ctx, reply)
		typ := EventPlaybackDone
		if err != nil {
			typ = EventPlaybackFailed
			c.logger.Warn("Playback failed", slog.String("error", err.Error()))
		}
		c.deliver(event{typ: typ, turn: turn, err: err})
	}()
}

func (c *Controller) onChunk(chunk audio.Chunk) {
	switch c.sess.State {
	case StateListening:
		c.pushPreRoll(chunk)
		c.feedDetector(chunk)
	case StateSegmenting:
		if c.sess.Utterance != nil {
			if err := c.sess.Utterance.Append(chunk); err != nil {
				c.logger.Debug("Dropping chunk", slog.String("error", err.Error()))
			}
		}
		c.feedDetector(chunk)
		c.checkMaxUtterance()
	default:
		// Capture keeps flowing while processing or speaking; it is not analysed
	}
}

func (c *Controller) feedDetector(chunk audio.Chunk) {
	c.metrics.RecordVADChunk()
	for _, ev := range c.detector.ProcessChunk(chunk) {
		c.onVADEvent(ev)
	}
}

func (c *Controller) onTick(now time.Time) {
	if c.sess.State != StateSegmenting {
		return
	}
	if ev, ok := c.detector.Tick(now); ok {
		c.onVADEvent(ev)
	}
	c.checkMaxUtterance()
}

func (c *Controller) onVADEvent(ev vad.Event) {
	c.metrics.RecordVADEvent(ev.Type.String())

	switch ev.Type {
	case vad.EventSpeechStart:
		if c.sess.State == StateListening {
			c.dispatch(event{typ: EventSpeechStart})
		}
	case vad.EventSpeechEnd:
		if c.sess.State == StateSegmenting {
			c.dispatch(event{typ: EventSpeechEnd})
		}
	}
}

func (c *Controller) checkMaxUtterance() {
	if c.cfg.MaxUtterance <= 0 || c.sess.State != StateSegmenting || c.sess.Utterance == nil {
		return
	}
	if c.sess.Utterance.Duration() >= c.cfg.MaxUtterance {
		c.logger.Info("Utterance reached maximum length", slog.Duration("max", c.cfg.MaxUtterance))
		c.dispatch(event{typ: EventStop})
	}
}

func (c *Controller) pushPreRoll(chunk audio.Chunk) {
	c.sess.preRoll = append(c.sess.preRoll, chunk)
	c.sess.preRollBytes += chunk.Len()

	limit := int(c.cfg.PreRoll.Seconds() * float64(c.cfg.SampleRate) * audio.BytesPerSample)
	// Always keep the newest chunk; it carries the speech onset
	for len(c.sess.preRoll) > 1 && c.sess.preRollBytes-c.sess.preRoll[0].Len() >= limit {
		c.sess.preRollBytes -= c.sess.preRoll[0].Len()
		c.sess.preRoll = c.sess.preRoll[1:]
	}
}

func (c *Controller) onDeviceClosed() {
	err := c.sess.device.Err()
	if err == nil {
		c.dispatch(event{typ: EventEnd})
		return
	}
	var capErr *capture.CaptureError
	if !errors.As(err, &capErr) {
		err = &capture.CaptureError{Op: "read", Cause: err}
	}
	c.dispatch(event{typ: EventCaptureFailed, err: err})
}

func (c *Controller) releaseCapture() {
	if c.sess.device == nil {
		return
	}
	c.sess.releaseOnce.Do(func() {
		if err := c.sess.device.Close(); err != nil {
			c.logger.Warn("Failed to release capture", slog.String("error", err.Error()))
		}
	})
}
