package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/pipeline"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/synthesis"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/transcode"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/turn"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/vad"
)

const testWait = 3 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakePipeline answers every utterance with a fixed reply
type fakePipeline struct {
	mu       sync.Mutex
	requests []pipeline.Request
	payload  []byte
	result   func(req pipeline.Request) (*pipeline.Result, error)
}

func (p *fakePipeline) Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.result != nil {
		return p.result(req)
	}
	if req.OnToken != nil {
		req.OnToken("hi")
		req.OnToken(" there")
	}
	return &pipeline.Result{
		SessionID:    req.SessionID,
		Transcript:   "hello",
		ResponseText: "hi there",
		Outcome:      pipeline.OutcomeSuccess,
		Audio: &synthesis.Audio{
			Body:          io.NopCloser(bytes.NewReader(p.payload)),
			ContentType:   "audio/mpeg",
			ContentLength: -1,
		},
		ContentType: "audio/mpeg",
	}, nil
}

func (p *fakePipeline) calls() []pipeline.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.Request(nil), p.requests...)
}

func createTestManagerConfig() ManagerConfig {
	return ManagerConfig{
		Turn: turn.Config{
			SampleRate: 16000,
			Timing:     turn.Timing{ResumeDelay: 20 * time.Millisecond, FallbackDelay: 40 * time.Millisecond},
			VAD: vad.Config{
				ThresholdDB:     -40,
				SilenceDuration: 80 * time.Millisecond,
				FrameSize:       256,
				SampleInterval:  5 * time.Millisecond,
			},
			PreRoll: 100 * time.Millisecond,
		},
		MaxSessions:     4,
		Timeout:         time.Minute,
		CleanupInterval: time.Minute,
		PlaybackTimeout: 2 * time.Second,
	}
}

func startServer(t *testing.T, cfg ManagerConfig, p Pipeline) (*Manager, *httptest.Server) {
	t.Helper()

	mgr, err := NewManager(cfg, p, nil, testLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mgr.ServeConn(context.Background(), r.URL.Query().Get("session_id"), conn)
	}))

	t.Cleanup(func() {
		mgr.Stop()
		srv.Close()
	})
	return mgr, srv
}

type frame struct {
	binary []byte
	event  Event
	err    error
}

type client struct {
	conn   *websocket.Conn
	frames chan frame
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *client {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &client{conn: conn, frames: make(chan frame, 256)}
	go func() {
		defer close(c.frames)
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				c.frames <- frame{err: err}
				return
			}
			if typ == websocket.BinaryMessage {
				c.frames <- frame{binary: data}
				continue
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				c.frames <- frame{err: err}
				return
			}
			c.frames <- frame{event: ev}
		}
	}()
	return c
}

func (c *client) send(t *testing.T, msgType string) {
	t.Helper()
	if err := c.conn.WriteJSON(ControlMessage{Type: msgType}); err != nil {
		t.Fatalf("Failed to send %s: %v", msgType, err)
	}
}

func (c *client) speak(t *testing.T) {
	t.Helper()
	samples := make([]int16, 512)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 10000
		} else {
			samples[i] = -10000
		}
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio.SamplesToBytes(samples)); err != nil {
		t.Fatalf("Failed to send audio: %v", err)
	}
}

// waitUntil reads frames until match returns true and returns everything read
func (c *client) waitUntil(t *testing.T, what string, match func(frame) bool) []frame {
	t.Helper()

	var seen []frame
	deadline := time.After(testWait)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				t.Fatalf("Connection closed while waiting for %s", what)
			}
			seen = append(seen, f)
			if match(f) {
				return seen
			}
			if f.err != nil {
				t.Fatalf("Connection failed while waiting for %s: %v", what, f.err)
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		}
	}
}

func isEvent(typ string) func(frame) bool {
	return func(f frame) bool { return f.event.Type == typ }
}

func isState(state string) func(frame) bool {
	return func(f frame) bool { return f.event.Type == EventState && f.event.State == state }
}

func TestNewManager(t *testing.T) {
	if _, err := NewManager(createTestManagerConfig(), nil, nil, testLogger()); err == nil {
		t.Error("Expected error for missing pipeline")
	}

	mgr, err := NewManager(ManagerConfig{}, &fakePipeline{}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Stop()

	if mgr.cfg.Mode != pipeline.ModeStreaming {
		t.Errorf("Expected default mode %s, got %s", pipeline.ModeStreaming, mgr.cfg.Mode)
	}
	if mgr.cfg.Timeout != 5*time.Minute {
		t.Errorf("Expected default timeout 5m, got %v", mgr.cfg.Timeout)
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestCallConversation(t *testing.T) {
	payload := bytes.Repeat([]byte("mp3-frame"), 1200)
	fp := &fakePipeline{payload: payload}
	mgr, srv := startServer(t, createTestManagerConfig(), fp)

	c := dial(t, srv, "call-1")
	c.waitUntil(t, "session event", isEvent(EventSession))

	c.send(t, ControlAnswer)
	c.waitUntil(t, "listening", isState("listening"))

	c.speak(t)
	seen := c.waitUntil(t, "audio end", isEvent(EventAudioEnd))

	var received []byte
	var transcript, reply, tokens int
	for _, f := range seen {
		received = append(received, f.binary...)
		switch f.event.Type {
		case EventTranscript:
			transcript++
			if f.event.Text != "hello" {
				t.Errorf("Expected transcript 'hello', got %q", f.event.Text)
			}
		case EventReply:
			reply++
			if f.event.Outcome != "success" {
				t.Errorf("Expected outcome success, got %q", f.event.Outcome)
			}
		case EventToken:
			tokens++
		case EventAudioEnd:
			if f.event.Status != "complete" || f.event.Bytes != int64(len(payload)) {
				t.Errorf("Unexpected audio end: %+v", f.event)
			}
		}
	}
	if !bytes.Equal(received, payload) {
		t.Errorf("Expected %d audio bytes, got %d", len(payload), len(received))
	}
	if transcript != 1 || reply != 1 || tokens != 2 {
		t.Errorf("Expected 1 transcript, 1 reply and 2 tokens, got %d, %d, %d", transcript, reply, tokens)
	}

	c.send(t, ControlPlaybackDone)
	c.waitUntil(t, "listening after playback", isState("listening"))

	calls := fp.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 pipeline call, got %d", len(calls))
	}
	req := calls[0]
	if req.SessionID != "call-1" || req.Mode != pipeline.ModeStreaming {
		t.Errorf("Unexpected request: session %q mode %q", req.SessionID, req.Mode)
	}
	if req.Source.Format != transcode.FormatPCM || req.Source.SampleRate != 16000 {
		t.Errorf("Unexpected source: %+v", req.Source)
	}
	if len(req.Audio) != 1024 {
		t.Errorf("Expected 1024 bytes of utterance audio, got %d", len(req.Audio))
	}

	sessions := mgr.GetAllSessions()
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	if sessions[0].RepliesPlayed != 1 || sessions[0].AudioBytesOut != uint64(len(payload)) {
		t.Errorf("Unexpected session info: %+v", sessions[0])
	}

	c.send(t, ControlEnd)
	c.waitUntil(t, "ended", isState("ended"))
	c.waitUntil(t, "close", func(f frame) bool { return f.err != nil })

	deadline := time.Now().Add(testWait)
	for mgr.GetActiveSessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected session to be removed, %d active", mgr.GetActiveSessionCount())
	}
}

func TestCallPlaybackFailureResumesListening(t *testing.T) {
	fp := &fakePipeline{payload: []byte("short")}
	_, srv := startServer(t, createTestManagerConfig(), fp)

	c := dial(t, srv, "call-2")
	c.send(t, ControlAnswer)
	c.waitUntil(t, "listening", isState("listening"))

	c.speak(t)
	c.waitUntil(t, "audio end", isEvent(EventAudioEnd))

	if err := c.conn.WriteJSON(ControlMessage{Type: ControlPlaybackFailed, Error: "speaker busy"}); err != nil {
		t.Fatalf("Failed to send playback_failed: %v", err)
	}
	c.waitUntil(t, "listening after failed playback", isState("listening"))
}

func TestCallIgnoresAcknowledgementForOtherTurn(t *testing.T) {
	fp := &fakePipeline{payload: []byte("short")}
	_, srv := startServer(t, createTestManagerConfig(), fp)

	c := dial(t, srv, "call-ack")
	c.send(t, ControlAnswer)
	c.waitUntil(t, "listening", isState("listening"))

	c.speak(t)
	seen := c.waitUntil(t, "audio end", isEvent(EventAudioEnd))
	current := seen[len(seen)-1].event.Turn
	if current == 0 {
		t.Fatal("Expected audio end to carry the turn")
	}

	// a late acknowledgement for an earlier reply must not finish this one
	if err := c.conn.WriteJSON(ControlMessage{Type: ControlPlaybackDone, Turn: current + 7}); err != nil {
		t.Fatalf("Failed to send playback_done: %v", err)
	}
	quiet := time.After(150 * time.Millisecond)
wait:
	for {
		select {
		case f := <-c.frames:
			if isState("listening")(f) {
				t.Fatal("Playback finished on an acknowledgement for another turn")
			}
		case <-quiet:
			break wait
		}
	}

	if err := c.conn.WriteJSON(ControlMessage{Type: ControlPlaybackDone, Turn: current}); err != nil {
		t.Fatalf("Failed to send playback_done: %v", err)
	}
	c.waitUntil(t, "listening after playback", isState("listening"))
}

func TestCallEmptyTurn(t *testing.T) {
	fp := &fakePipeline{
		result: func(req pipeline.Request) (*pipeline.Result, error) {
			return &pipeline.Result{SessionID: req.SessionID, Outcome: pipeline.OutcomeDegraded, Err: pipeline.ErrNoSpeech}, nil
		},
	}
	_, srv := startServer(t, createTestManagerConfig(), fp)

	c := dial(t, srv, "call-3")
	c.send(t, ControlAnswer)
	c.waitUntil(t, "listening", isState("listening"))

	c.speak(t)
	seen := c.waitUntil(t, "reply", isEvent(EventReply))
	last := seen[len(seen)-1].event
	if last.Outcome != "degraded" || last.Message == "" {
		t.Errorf("Unexpected reply event: %+v", last)
	}
	seen = c.waitUntil(t, "listening again", isState("listening"))
	for _, f := range seen {
		if f.event.Type == EventAudioStart || f.binary != nil {
			t.Error("No audio expected for an empty turn")
		}
	}
}

func TestCallInvalidControl(t *testing.T) {
	_, srv := startServer(t, createTestManagerConfig(), &fakePipeline{})

	c := dial(t, srv, "call-4")
	c.send(t, "dance")
	seen := c.waitUntil(t, "error", isEvent(EventError))
	if !strings.Contains(seen[len(seen)-1].event.Message, "dance") {
		t.Errorf("Unexpected error message: %q", seen[len(seen)-1].event.Message)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	c.waitUntil(t, "parse error", isEvent(EventError))

	// stop is only valid while an utterance is open
	c.send(t, ControlAnswer)
	c.waitUntil(t, "listening", isState("listening"))
	c.send(t, ControlStop)
	c.waitUntil(t, "transition error", isEvent(EventError))
}

func TestCallClientDisconnect(t *testing.T) {
	mgr, srv := startServer(t, createTestManagerConfig(), &fakePipeline{})

	c := dial(t, srv, "call-5")
	c.send(t, ControlAnswer)
	c.waitUntil(t, "listening", isState("listening"))
	c.conn.Close()

	deadline := time.Now().Add(testWait)
	for mgr.GetActiveSessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Fatalf("Expected session to be removed after disconnect")
	}
	if stats := mgr.GetStats(); stats.Created != 1 || stats.Removed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestManagerRejectsSessions(t *testing.T) {
	cfg := createTestManagerConfig()
	cfg.MaxSessions = 1
	mgr, srv := startServer(t, cfg, &fakePipeline{})

	first := dial(t, srv, "call-6")
	first.waitUntil(t, "session event", isEvent(EventSession))

	tests := []struct {
		name      string
		sessionID string
		code      int
	}{
		{"duplicate id", "call-6", websocket.ClosePolicyViolation},
		{"over limit", "call-7", websocket.CloseTryAgainLater},
		{"invalid id", "bad%20id", websocket.ClosePolicyViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, srv, tt.sessionID)
			seen := c.waitUntil(t, "close", func(f frame) bool { return f.err != nil })
			var closeErr *websocket.CloseError
			if !errors.As(seen[len(seen)-1].err, &closeErr) {
				t.Fatalf("Expected close error, got %v", seen[len(seen)-1].err)
			}
			if closeErr.Code != tt.code {
				t.Errorf("Expected close code %d, got %d", tt.code, closeErr.Code)
			}
		})
	}

	if stats := mgr.GetStats(); stats.Active != 1 || stats.Rejected != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	cfg := createTestManagerConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.CleanupInterval = 10 * time.Millisecond
	mgr, srv := startServer(t, cfg, &fakePipeline{})

	c := dial(t, srv, "call-8")
	c.waitUntil(t, "session event", isEvent(EventSession))

	// An idle call is closed by the cleanup routine
	c.waitUntil(t, "close", func(f frame) bool { return f.err != nil })

	deadline := time.Now().Add(testWait)
	for mgr.GetStats().Expired != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stats := mgr.GetStats(); stats.Expired != 1 || stats.Active != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestManagerStop(t *testing.T) {
	mgr, err := NewManager(createTestManagerConfig(), &fakePipeline{}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mgr.ServeConn(context.Background(), r.URL.Query().Get("session_id"), conn)
	}))
	defer srv.Close()

	c := dial(t, srv, "call-9")
	c.waitUntil(t, "session event", isEvent(EventSession))

	mgr.Stop()
	c.waitUntil(t, "close", func(f frame) bool { return f.err != nil })

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions after stop, got %d", mgr.GetActiveSessionCount())
	}

	late := dial(t, srv, "call-10")
	seen := late.waitUntil(t, "close", func(f frame) bool { return f.err != nil })
	var closeErr *websocket.CloseError
	if !errors.As(seen[len(seen)-1].err, &closeErr) || closeErr.Code != websocket.CloseTryAgainLater {
		t.Errorf("Expected try-again-later close, got %v", seen[len(seen)-1].err)
	}
}
