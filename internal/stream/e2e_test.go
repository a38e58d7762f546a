package stream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/generation"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/history"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/pipeline"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/synthesis"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/transcode"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/transcription"
)

type echoTranscriber struct{ text string }

func (e echoTranscriber) Name() string { return "echo" }

func (e echoTranscriber) Transcribe(context.Context, []byte, transcription.Options) (string, error) {
	return e.text, nil
}

type downGenerator struct{}

func (downGenerator) Name() string { return "down" }

func (downGenerator) Generate(context.Context, string) (string, error) {
	return "", &generation.GenerationError{Provider: "down", StatusCode: 503, Message: "unavailable"}
}

type fixedGenerator struct{ text string }

func (fixedGenerator) Name() string { return "fixed" }

func (g fixedGenerator) Generate(context.Context, string) (string, error) {
	return g.text, nil
}

type countingSynthesizer struct{ calls atomic.Int32 }

func (c *countingSynthesizer) Name() string { return "counting" }

func (c *countingSynthesizer) Synthesize(context.Context, string, synthesis.Options) (*synthesis.Audio, error) {
	c.calls.Add(1)
	return nil, errors.New("synthesis should not be reached")
}

// A failed generation yields the apology text, no audio reaches the client,
// and the call goes back to listening instead of ending.
func TestCallGenerationFailureLoopsBackToListening(t *testing.T) {
	store := history.NewMemoryStore()
	synth := &countingSynthesizer{}

	orch, err := pipeline.New(pipeline.Config{
		SpeakFallback: false,
		FallbackText:  "I'm sorry, I couldn't process your request at this time.",
	}, pipeline.Dependencies{
		Transcoder:  transcode.New(transcode.Config{TargetSampleRate: 16000}, testLogger()),
		Transcriber: echoTranscriber{text: "hello"},
		Generator:   downGenerator{},
		Synthesizer: synth,
		History:     store,
	}, testLogger())
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}

	cfg := createTestManagerConfig()
	_, srv := startServer(t, cfg, orch)

	c := dial(t, srv, "call-e2e")
	c.send(t, ControlAnswer)
	c.waitUntil(t, "listening", isState("listening"))

	speakAt := time.Now()
	c.speak(t)
	seen := c.waitUntil(t, "listening again", isState("listening"))
	if elapsed := time.Since(speakAt); elapsed < cfg.Turn.Timing.ResumeDelay {
		t.Errorf("Resumed listening after %v, expected at least %v", elapsed, cfg.Turn.Timing.ResumeDelay)
	}

	var reply *Event
	processing := false
	for i, f := range seen {
		if f.event.Type == EventReply {
			reply = &seen[i].event
		}
		if f.event.Type == EventState && f.event.State == "processing" {
			processing = true
		}
	}
	if !processing {
		t.Error("Expected a processing state event")
	}
	if reply == nil {
		t.Fatal("Expected a reply event before listening resumed")
	}
	if reply.Outcome != string(pipeline.OutcomeDegraded) {
		t.Errorf("Expected degraded outcome, got %q", reply.Outcome)
	}
	if reply.Transcript != "hello" {
		t.Errorf("Expected transcript hello, got %q", reply.Transcript)
	}
	if reply.Text != "I'm sorry, I couldn't process your request at this time." {
		t.Errorf("Expected apology text, got %q", reply.Text)
	}

	for _, f := range seen {
		if f.binary != nil || f.event.Type == EventAudioStart || f.event.Type == EventAudioURL {
			t.Errorf("No audio expected, got frame %+v", f)
		}
		if f.event.Type == EventState && (f.event.State == "speaking" || f.event.State == "ended") {
			t.Errorf("Unexpected state %q", f.event.State)
		}
	}

	if n := synth.calls.Load(); n != 0 {
		t.Errorf("Expected no synthesis calls, got %d", n)
	}

	msgs, err := store.Recent(context.Background(), "call-e2e", 0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != history.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("Expected only the user message in history, got %+v", msgs)
	}
}

// slowSpeechServer streams payload in flushed pieces with a pause between
// them, the way a speech API streams audio as it is produced.
func slowSpeechServer(t *testing.T, payload []byte, piece int, pause time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for off := 0; off < len(payload); off += piece {
			w.Write(payload[off:min(off+piece, len(payload))])
			flusher.Flush()
			select {
			case <-time.After(pause):
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Reply audio keeps flowing after the turn's processing has returned, until
// the whole synthesized stream reaches the client.
func TestCallStreamsSlowSynthesisToCompletion(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1800)
	speech := slowSpeechServer(t, payload, 4000, 20*time.Millisecond)

	orch, err := pipeline.New(pipeline.Config{}, pipeline.Dependencies{
		Transcoder:  transcode.New(transcode.Config{TargetSampleRate: 16000}, testLogger()),
		Transcriber: echoTranscriber{text: "hello"},
		Generator:   fixedGenerator{text: "hi there"},
		Synthesizer: synthesis.NewElevenLabs(synthesis.ElevenLabsConfig{
			APIKey:  "test-key",
			BaseURL: speech.URL,
		}, testLogger()),
		History: history.NewMemoryStore(),
	}, testLogger())
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}

	mgr, srv := startServer(t, createTestManagerConfig(), orch)

	c := dial(t, srv, "call-slow")
	c.send(t, ControlAnswer)
	c.waitUntil(t, "listening", isState("listening"))

	c.speak(t)
	seen := c.waitUntil(t, "audio end", isEvent(EventAudioEnd))

	var received []byte
	for _, f := range seen {
		received = append(received, f.binary...)
	}
	end := seen[len(seen)-1].event
	if end.Status != "complete" || end.Bytes != int64(len(payload)) {
		t.Errorf("Expected complete relay of %d bytes, got status %q with %d bytes", len(payload), end.Status, end.Bytes)
	}
	if !bytes.Equal(received, payload) {
		t.Errorf("Expected %d audio bytes, got %d", len(payload), len(received))
	}

	c.send(t, ControlPlaybackDone)
	c.waitUntil(t, "listening after playback", isState("listening"))

	sessions := mgr.GetAllSessions()
	if len(sessions) != 1 || sessions[0].RepliesPlayed != 1 {
		t.Fatalf("Expected one played reply, got %+v", sessions)
	}
	if vad := sessions[0].VAD; vad.SpeechStarts != 1 || vad.SpeechEnds != 1 || vad.TotalFrames == 0 {
		t.Errorf("Unexpected detector stats: %+v", vad)
	}
}
