package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/capture"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/vad"
)

const waitFor = 3 * time.Second

func tone(samples int, amp int16) []byte {
	s := make([]int16, samples)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.SamplesToBytes(s)
}

type processorFunc func(ctx context.Context, utt *audio.Utterance) (*Reply, error)

func (f processorFunc) Process(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
	return f(ctx, utt)
}

type playerFunc func(ctx context.Context, reply *Reply) error

func (f playerFunc) Play(ctx context.Context, reply *Reply) error {
	return f(ctx, reply)
}

type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

type transitions struct {
	mu   sync.Mutex
	seen []string
}

func (tr *transitions) record(from, to State, _ EventType) {
	tr.mu.Lock()
	tr.seen = append(tr.seen, from.String()+">"+to.String())
	tr.mu.Unlock()
}

func (tr *transitions) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.seen...)
}

func (tr *transitions) count(step string) int {
	n := 0
	for _, s := range tr.list() {
		if s == step {
			n++
		}
	}
	return n
}

type fixture struct {
	feed   *capture.Feed
	ctrl   *Controller
	trans  *transitions
	cancel context.CancelFunc
	runErr chan error
}

func testConfig() Config {
	return Config{
		SessionID:  "call-1",
		SampleRate: 16000,
		Timing:     Timing{ResumeDelay: 30 * time.Millisecond, FallbackDelay: 80 * time.Millisecond},
		VAD: vad.Config{
			ThresholdDB:     -40,
			SilenceDuration: 80 * time.Millisecond,
			FrameSize:       256,
			SampleInterval:  5 * time.Millisecond,
		},
		PreRoll: 100 * time.Millisecond,
	}
}

func startController(t *testing.T, cfg Config, proc Processor, player Player, hooks Hooks) *fixture {
	t.Helper()

	f := &fixture{
		feed:   capture.NewFeed(cfg.SampleRate, 64),
		trans:  &transitions{},
		runErr: make(chan error, 1),
	}
	userTransition := hooks.OnTransition
	hooks.OnTransition = func(from, to State, ev EventType) {
		f.trans.record(from, to, ev)
		if userTransition != nil {
			userTransition(from, to, ev)
		}
	}

	ctrl, err := NewController(cfg, f.feed, proc, player, hooks, nil, nil)
	require.NoError(t, err)
	f.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.runErr <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ctrl.Done()
	})
	return f
}

func (f *fixture) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.ctrl.State() == s }, waitFor, 2*time.Millisecond,
		"state %s never reached, at %s", s, f.ctrl.State())
}

func (f *fixture) speak(t *testing.T) {
	t.Helper()
	require.NoError(t, f.feed.Push(tone(512, 10000)))
}

func replyWithAudio(body io.ReadCloser) *Reply {
	return &Reply{Transcript: "hi", Text: "hello", Outcome: "success", Audio: body, ContentType: "audio/mpeg"}
}

func TestControllerFullCycleReturnsToListening(t *testing.T) {
	var processed atomic.Int32
	var uttBytes atomic.Int64
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		processed.Add(1)
		assert.True(t, utt.Sealed())
		uttBytes.Store(int64(utt.Len()))
		return replyWithAudio(io.NopCloser(strings.NewReader("mp3"))), nil
	})

	var played atomic.Int32
	player := playerFunc(func(ctx context.Context, reply *Reply) error {
		played.Add(1)
		defer reply.Audio.Close()
		_, err := io.Copy(io.Discard, reply.Audio)
		return err
	})

	f := startController(t, testConfig(), proc, player, Hooks{})
	require.NoError(t, f.ctrl.Answer())
	assert.Equal(t, StateListening, f.ctrl.State())

	f.speak(t)
	f.waitState(t, StateSegmenting)

	// Silence for longer than the silence duration ends the utterance
	require.Eventually(t, func() bool { return played.Load() == 1 }, waitFor, 2*time.Millisecond)
	f.waitState(t, StateListening)

	assert.Equal(t, int32(1), processed.Load())
	assert.Equal(t, int64(1024), uttBytes.Load())
	assert.Equal(t, []string{
		"idle>listening",
		"listening>segmenting",
		"segmenting>processing",
		"processing>speaking",
		"speaking>listening",
	}, f.trans.list())

	// A second turn runs the same way
	f.speak(t)
	require.Eventually(t, func() bool { return played.Load() == 2 }, waitFor, 2*time.Millisecond)
	f.waitState(t, StateListening)
	assert.Equal(t, uint64(2), f.ctrl.Info().Turn)
}

func TestControllerEmptyResultResumesAfterDelay(t *testing.T) {
	var resultAt atomic.Int64
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		resultAt.Store(time.Now().UnixNano())
		return &Reply{Outcome: "degraded"}, nil
	})
	player := playerFunc(func(ctx context.Context, reply *Reply) error {
		t.Error("player must not run for an empty result")
		return nil
	})

	cfg := testConfig()
	listeningAgain := make(chan time.Time, 1)
	f := startController(t, cfg, proc, player, Hooks{
		OnTransition: func(from, to State, ev EventType) {
			if from == StateProcessing && to == StateListening {
				listeningAgain <- time.Now()
			}
		},
	})
	require.NoError(t, f.ctrl.Answer())
	f.speak(t)

	select {
	case at := <-listeningAgain:
		elapsed := at.Sub(time.Unix(0, resultAt.Load()))
		assert.GreaterOrEqual(t, elapsed, cfg.Timing.ResumeDelay)
	case <-time.After(waitFor):
		t.Fatal("controller never returned to listening")
	}
	assert.Equal(t, 1, f.trans.count("processing>listening"))
}

func TestControllerFailedResultResumes(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		return nil, errors.New("transcription unavailable")
	})
	player := playerFunc(func(ctx context.Context, reply *Reply) error { return nil })

	var replies atomic.Int32
	f := startController(t, testConfig(), proc, player, Hooks{
		OnReply: func(r *Reply) {
			if r.Err != nil {
				replies.Add(1)
			}
		},
	})
	require.NoError(t, f.ctrl.Answer())
	f.speak(t)

	require.Eventually(t, func() bool { return f.trans.count("processing>listening") == 1 }, waitFor, 2*time.Millisecond)
	assert.Equal(t, int32(1), replies.Load())
}

func TestControllerPlaybackFailureUsesFallbackDelay(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		return replyWithAudio(io.NopCloser(strings.NewReader("mp3"))), nil
	})
	var failedAt atomic.Int64
	player := playerFunc(func(ctx context.Context, reply *Reply) error {
		reply.Audio.Close()
		failedAt.Store(time.Now().UnixNano())
		return errors.New("client went away")
	})

	cfg := testConfig()
	listeningAgain := make(chan time.Time, 1)
	f := startController(t, cfg, proc, player, Hooks{
		OnTransition: func(from, to State, ev EventType) {
			if from == StateSpeaking && to == StateListening {
				listeningAgain <- time.Now()
			}
		},
	})
	require.NoError(t, f.ctrl.Answer())
	f.speak(t)

	select {
	case at := <-listeningAgain:
		elapsed := at.Sub(time.Unix(0, failedAt.Load()))
		assert.GreaterOrEqual(t, elapsed, cfg.Timing.FallbackDelay)
	case <-time.After(waitFor):
		t.Fatal("controller never returned to listening")
	}
}

func TestControllerStopEndsUtteranceImmediately(t *testing.T) {
	entered := make(chan struct{}, 1)
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	player := playerFunc(func(ctx context.Context, reply *Reply) error { return nil })

	cfg := testConfig()
	cfg.VAD.SilenceDuration = time.Hour
	f := startController(t, cfg, proc, player, Hooks{})
	require.NoError(t, f.ctrl.Answer())

	// Stop before any speech is not a valid transition
	var tErr *TransitionError
	assert.ErrorAs(t, f.ctrl.Stop(), &tErr)

	f.speak(t)
	f.waitState(t, StateSegmenting)
	require.NoError(t, f.ctrl.Stop())
	assert.Equal(t, StateProcessing, f.ctrl.State())

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("utterance was not dispatched")
	}
}

func TestControllerCancelDuringProcessing(t *testing.T) {
	body := &trackedBody{Reader: strings.NewReader("late audio")}
	entered := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		close(entered)
		<-ctx.Done()
		// A misbehaving processor still hands back audio after cancellation
		return replyWithAudio(body), nil
	})
	var played atomic.Int32
	player := playerFunc(func(ctx context.Context, reply *Reply) error {
		played.Add(1)
		return nil
	})

	f := startController(t, testConfig(), proc, player, Hooks{})
	require.NoError(t, f.ctrl.Answer())
	f.speak(t)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("utterance was not dispatched")
	}
	assert.Equal(t, StateProcessing, f.ctrl.State())

	f.cancel()
	select {
	case err := <-f.runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, StateEnded, f.ctrl.State())
	require.Eventually(t, body.closed.Load, waitFor, 2*time.Millisecond)
	assert.Zero(t, played.Load())
	assert.Equal(t, 1, f.feed.CloseCalls())
}

func TestControllerEndDuringProcessing(t *testing.T) {
	body := &trackedBody{Reader: strings.NewReader("late audio")}
	entered := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		close(entered)
		<-ctx.Done()
		return replyWithAudio(body), nil
	})
	var played atomic.Int32
	player := playerFunc(func(ctx context.Context, reply *Reply) error {
		played.Add(1)
		return nil
	})

	f := startController(t, testConfig(), proc, player, Hooks{})
	require.NoError(t, f.ctrl.Answer())
	f.speak(t)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("utterance was not dispatched")
	}

	require.NoError(t, f.ctrl.End())
	assert.Equal(t, StateEnded, f.ctrl.State())

	select {
	case err := <-f.runErr:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after End")
	}

	require.Eventually(t, body.closed.Load, waitFor, 2*time.Millisecond)
	assert.Zero(t, played.Load())
	assert.Equal(t, 1, f.feed.CloseCalls())
	assert.True(t, f.ctrl.Info().VAD.Stopped)
}

func TestControllerEndStopsVADMidSpeech(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		t.Error("utterance must not be processed after End")
		return nil, nil
	})
	player := playerFunc(func(ctx context.Context, reply *Reply) error { return nil })

	cfg := testConfig()
	cfg.VAD.SilenceDuration = time.Hour
	f := startController(t, cfg, proc, player, Hooks{})
	require.NoError(t, f.ctrl.Answer())

	f.speak(t)
	f.waitState(t, StateSegmenting)
	require.True(t, f.ctrl.Info().VAD.Speaking)

	require.NoError(t, f.ctrl.End())
	assert.NoError(t, <-f.runErr)

	stats := f.ctrl.Info().VAD
	assert.True(t, stats.Stopped)
	assert.False(t, stats.Speaking)
	assert.Equal(t, uint64(1), stats.SpeechStarts)
	assert.Zero(t, stats.SpeechEnds)
}

// ctxBody fails reads once the context it was opened under is done, like an
// HTTP response body.
type ctxBody struct {
	ctx  context.Context
	data io.Reader
}

func (b *ctxBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	return b.data.Read(p)
}

func (b *ctxBody) Close() error { return nil }

func TestControllerReplyBodyOutlivesProcessing(t *testing.T) {
	var turnCtx atomic.Value
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		turnCtx.Store(ctx)
		return replyWithAudio(&ctxBody{ctx: ctx, data: strings.NewReader("streamed audio")}), nil
	})

	played := make(chan string, 1)
	player := playerFunc(func(ctx context.Context, reply *Reply) error {
		defer reply.Audio.Close()
		// Read well after Process returned
		time.Sleep(30 * time.Millisecond)
		data, err := io.ReadAll(reply.Audio)
		if err != nil {
			played <- "error: " + err.Error()
			return err
		}
		played <- string(data)
		return nil
	})

	f := startController(t, testConfig(), proc, player, Hooks{})
	require.NoError(t, f.ctrl.Answer())
	f.speak(t)

	select {
	case got := <-played:
		assert.Equal(t, "streamed audio", got)
	case <-time.After(waitFor):
		t.Fatal("playback never ran")
	}

	require.Eventually(t, func() bool { return f.trans.count("speaking>listening") == 1 }, waitFor, 2*time.Millisecond)

	// The turn context is released once the call is listening again
	ctx := turnCtx.Load().(context.Context)
	require.Eventually(t, func() bool { return ctx.Err() != nil }, waitFor, 2*time.Millisecond)
}

func TestControllerEndDuringPlayback(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		return replyWithAudio(io.NopCloser(strings.NewReader("mp3"))), nil
	})
	playing := make(chan struct{})
	stopped := make(chan struct{})
	player := playerFunc(func(ctx context.Context, reply *Reply) error {
		defer reply.Audio.Close()
		close(playing)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	f := startController(t, testConfig(), proc, player, Hooks{})
	require.NoError(t, f.ctrl.Answer())
	f.speak(t)

	select {
	case <-playing:
	case <-time.After(waitFor):
		t.Fatal("playback never started")
	}

	require.NoError(t, f.ctrl.End())
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("playback was not stopped")
	}

	assert.NoError(t, <-f.runErr)
	assert.Equal(t, 1, f.feed.CloseCalls())
	assert.ErrorIs(t, f.ctrl.Answer(), ErrSessionEnded)
	assert.ErrorIs(t, f.ctrl.End(), ErrSessionEnded)
}

func TestControllerCaptureFailureEndsSession(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) { return nil, nil })
	player := playerFunc(func(ctx context.Context, reply *Reply) error { return nil })

	var surfaced atomic.Value
	f := startController(t, testConfig(), proc, player, Hooks{
		OnError: func(err error) { surfaced.Store(err) },
	})
	require.NoError(t, f.ctrl.Answer())

	f.feed.Fail(errors.New("microphone unplugged"))

	var err error
	select {
	case err = <-f.runErr:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after capture failure")
	}

	var capErr *capture.CaptureError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "read", capErr.Op)
	assert.NotNil(t, surfaced.Load())
	assert.Equal(t, StateEnded, f.ctrl.State())
	assert.Equal(t, 1, f.feed.CloseCalls())
}

func TestControllerAcquireFailure(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) { return nil, nil })
	player := playerFunc(func(ctx context.Context, reply *Reply) error { return nil })

	f := startController(t, testConfig(), proc, player, Hooks{})
	// Someone else holds the device
	_, err := f.feed.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Answer())

	var runErr error
	select {
	case runErr = <-f.runErr:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after acquire failure")
	}
	assert.ErrorIs(t, runErr, capture.ErrDeviceBusy)
	assert.Equal(t, 0, f.feed.CloseCalls())
}

func TestControllerPreRollKeepsSpeechOnset(t *testing.T) {
	var uttBytes atomic.Int64
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		uttBytes.Store(int64(utt.Len()))
		return nil, nil
	})
	player := playerFunc(func(ctx context.Context, reply *Reply) error { return nil })

	f := startController(t, testConfig(), proc, player, Hooks{})
	require.NoError(t, f.ctrl.Answer())

	// Quiet lead-in below the threshold, then speech
	require.NoError(t, f.feed.Push(tone(512, 100)))
	f.speak(t)

	require.Eventually(t, func() bool { return uttBytes.Load() > 0 }, waitFor, 2*time.Millisecond)
	assert.Equal(t, int64(2048), uttBytes.Load())
}

func TestControllerMaxUtteranceForcesStop(t *testing.T) {
	entered := make(chan struct{}, 1)
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) {
		entered <- struct{}{}
		return nil, nil
	})
	player := playerFunc(func(ctx context.Context, reply *Reply) error { return nil })

	cfg := testConfig()
	cfg.VAD.SilenceDuration = time.Hour
	cfg.MaxUtterance = 60 * time.Millisecond // just under two 32ms chunks
	f := startController(t, cfg, proc, player, Hooks{})
	require.NoError(t, f.ctrl.Answer())

	f.speak(t)
	f.waitState(t, StateSegmenting)
	f.speak(t)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("long utterance was not cut off")
	}
}

func TestControllerRunOnce(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, utt *audio.Utterance) (*Reply, error) { return nil, nil })
	player := playerFunc(func(ctx context.Context, reply *Reply) error { return nil })

	f := startController(t, testConfig(), proc, player, Hooks{})
	require.Eventually(t, func() bool { return f.ctrl.ran.Load() }, waitFor, time.Millisecond)
	assert.Error(t, f.ctrl.Run(context.Background()))
}
