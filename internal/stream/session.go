package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/audio"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/capture"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/pipeline"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/relay"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/transcode"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/turn"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/vad"
)

// ErrPlaybackTimeout is returned when the client never acknowledges playback
var ErrPlaybackTimeout = errors.New("playback acknowledgement timed out")

// CallSession is one websocket conversation driven by a turn controller
type CallSession struct {
	ID        string
	StartTime time.Time

	manager *Manager
	logger  *slog.Logger
	conn    *websocket.Conn
	writeMu sync.Mutex
	feed    *capture.Feed
	ctrl    *turn.Controller

	events chan Event
	acks   chan playbackAck

	ctx       context.Context
	cancel    context.CancelFunc
	served    atomic.Bool
	closeOnce sync.Once

	utterances atomic.Uint64
	played     atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64

	mu   sync.RWMutex
	last time.Time
}

// SessionInfo represents call information for monitoring and APIs
type SessionInfo struct {
	SessionID     string        `json:"session_id"`
	State         string        `json:"state"`
	Turn          uint64        `json:"turn"`
	StartTime     time.Time     `json:"start_time"`
	LastActivity  time.Time     `json:"last_activity"`
	Duration      time.Duration `json:"duration"`
	Utterances    uint64        `json:"utterances"`
	RepliesPlayed uint64        `json:"replies_played"`
	AudioBytesIn  uint64        `json:"audio_bytes_in"`
	AudioBytesOut uint64        `json:"audio_bytes_out"`

	Feed capture.FeedStats `json:"feed"`
	VAD  vad.DetectorStats `json:"vad"`
}

func newCallSession(m *Manager, id string, conn *websocket.Conn) (*CallSession, error) {
	ctx, cancel := context.WithCancel(m.ctx)
	now := time.Now()
	s := &CallSession{
		ID:        id,
		StartTime: now,
		manager:   m,
		logger:    m.logger.With(slog.String("session_id", id)),
		conn:      conn,
		events:    make(chan Event, 64),
		acks:      make(chan playbackAck, 1),
		ctx:       ctx,
		cancel:    cancel,
		last:      now,
	}

	cfg := m.cfg.Turn
	cfg.SessionID = id
	s.feed = capture.NewFeed(cfg.SampleRate, m.cfg.FeedBuffer)

	hooks := turn.Hooks{
		OnTransition: s.onTransition,
		OnError:      s.onError,
	}
	ctrl, err := turn.NewController(cfg, s.feed, callProcessor{s}, callPlayer{s}, hooks, m.metrics, m.logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create turn controller: %w", err)
	}
	s.ctrl = ctrl
	return s, nil
}

// Serve runs the call until the client hangs up, the call ends or ctx is
// cancelled. The connection is closed when Serve returns.
func (s *CallSession) Serve(ctx context.Context) error {
	if !s.served.CompareAndSwap(false, true) {
		return errors.New("stream: call already served")
	}
	stopAfter := context.AfterFunc(ctx, s.cancel)
	defer stopAfter()

	s.notify(Event{Type: EventSession, SessionID: s.ID, State: s.ctrl.State().String()})

	g, gctx := errgroup.WithContext(s.ctx)
	writerDone := make(chan struct{})

	g.Go(func() error {
		s.writeLoop(writerDone)
		return nil
	})
	g.Go(func() error {
		err := s.ctrl.Run(gctx)
		<-writerDone
		s.closeConn()
		return err
	})
	g.Go(func() error {
		s.readLoop()
		return nil
	})

	err := g.Wait()
	s.logger.Info("Call finished",
		slog.Duration("duration", time.Since(s.StartTime)),
		slog.Uint64("turns", s.ctrl.Info().Turn),
	)
	return err
}

// Controller returns the call's turn controller
func (s *CallSession) Controller() *turn.Controller {
	return s.ctrl
}

// GetSessionInfo returns call information
func (s *CallSession) GetSessionInfo() SessionInfo {
	info := s.ctrl.Info()
	last := s.lastActivity()
	return SessionInfo{
		SessionID:     s.ID,
		State:         info.State,
		Turn:          info.Turn,
		StartTime:     s.StartTime,
		LastActivity:  last,
		Duration:      time.Since(s.StartTime),
		Utterances:    s.utterances.Load(),
		RepliesPlayed: s.played.Load(),
		AudioBytesIn:  s.bytesIn.Load(),
		AudioBytesOut: s.bytesOut.Load(),
		Feed:          s.feed.GetStats(),
		VAD:           info.VAD,
	}
}

func (s *CallSession) touch() {
	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()
}

func (s *CallSession) lastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// stop cancels the controller and unblocks the reader
func (s *CallSession) stop() {
	s.cancel()
	if !s.served.Load() {
		s.closeConn()
	}
}

func (s *CallSession) closeConn() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

// readLoop consumes client frames until the connection closes
func (s *CallSession) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctrl.Done():
			default:
				s.logger.Info("Client disconnected", slog.String("reason", err.Error()))
				s.ctrl.End()
			}
			return
		}
		s.touch()

		switch msgType {
		case websocket.BinaryMessage:
			s.onAudio(data)
		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.notify(Event{Type: EventError, Message: "invalid control message"})
				continue
			}
			s.handleControl(msg)
		}
	}
}

func (s *CallSession) onAudio(data []byte) {
	// audio sent before the call is answered is not captured
	if s.ctrl.State() == turn.StateIdle {
		return
	}
	s.bytesIn.Add(uint64(len(data)))
	if err := s.feed.Push(data); err != nil && !errors.Is(err, capture.ErrDeviceClosed) {
		s.notify(Event{Type: EventError, Message: err.Error()})
	}
}

func (s *CallSession) handleControl(msg ControlMessage) {
	var err error
	switch msg.Type {
	case ControlAnswer:
		err = s.ctrl.Answer()
	case ControlStop:
		err = s.ctrl.Stop()
	case ControlEnd:
		err = s.ctrl.End()
	case ControlPlaybackDone:
		s.ack(playbackAck{turn: msg.Turn})
	case ControlPlaybackFailed:
		reason := msg.Error
		if reason == "" {
			reason = "client playback failed"
		}
		s.ack(playbackAck{turn: msg.Turn, err: errors.New(reason)})
	default:
		err = fmt.Errorf("unknown control message %q", msg.Type)
	}

	if err != nil && !errors.Is(err, turn.ErrSessionEnded) {
		s.notify(Event{Type: EventError, Message: err.Error()})
	}
}

// playbackAck is the client's report on a reply. Turn 0 means untagged.
type playbackAck struct {
	turn uint64
	err  error
}

func (s *CallSession) ack(a playbackAck) {
	select {
	case s.acks <- a:
	default:
		s.logger.Debug("Ignoring unexpected playback acknowledgement")
	}
}

// notify queues an event for the writer. It never blocks.
func (s *CallSession) notify(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Client event queue full, dropping event", slog.String("type", ev.Type))
	}
}

// writeLoop sends queued events, draining the queue once the call ends
func (s *CallSession) writeLoop(done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-s.events:
			s.writeJSON(ev)
		case <-s.ctrl.Done():
			for {
				select {
				case ev := <-s.events:
					s.writeJSON(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *CallSession) writeJSON(ev Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.manager.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(ev); err != nil {
		s.logger.Debug("Failed to send event",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (s *CallSession) onTransition(from, to turn.State, ev turn.EventType) {
	s.notify(Event{Type: EventState, State: to.String(), Turn: s.ctrl.Info().Turn})
}

func (s *CallSession) onError(err error) {
	s.notify(Event{Type: EventError, Message: err.Error()})
}

// callProcessor runs a sealed utterance through the pipeline. Turn output is
// written directly so it reaches the client ahead of the reply audio.
type callProcessor struct {
	s *CallSession
}

func (p callProcessor) Process(ctx context.Context, utt *audio.Utterance) (*turn.Reply, error) {
	s := p.s
	s.utterances.Add(1)
	turnID := s.ctrl.Info().Turn

	req := pipeline.Request{
		SessionID: s.ID,
		Audio:     utt.Bytes(),
		Source: transcode.Source{
			Format:     transcode.FormatPCM,
			SampleRate: utt.SampleRate(),
			Channels:   1,
		},
		Mode: s.manager.cfg.Mode,
		OnToken: func(tok string) {
			s.writeJSON(Event{Type: EventToken, Turn: turnID, Text: tok})
		},
	}

	res, err := s.manager.pipeline.Process(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.Transcript != "" {
		s.writeJSON(Event{Type: EventTranscript, Turn: turnID, Text: res.Transcript})
	}

	reply := &turn.Reply{
		Transcript:  res.Transcript,
		Text:        res.ResponseText,
		Outcome:     string(res.Outcome),
		AudioURL:    res.AudioURL,
		ContentType: res.ContentType,
		Err:         res.Err,
	}
	if res.Audio != nil {
		reply.Audio = res.Audio.Body
	}

	ev := Event{
		Type:       EventReply,
		Turn:       turnID,
		Transcript: res.Transcript,
		Text:       res.ResponseText,
		Outcome:    string(res.Outcome),
	}
	if res.Err != nil {
		ev.Message = res.Err.Error()
	}
	s.writeJSON(ev)

	return reply, nil
}

// callPlayer relays reply audio to the client and waits for it to finish
// playing
type callPlayer struct {
	s *CallSession
}

func (p callPlayer) Play(ctx context.Context, reply *turn.Reply) error {
	s := p.s
	if reply.Audio != nil {
		defer reply.Audio.Close()
	}

	// drop acknowledgements left over from an earlier reply
	select {
	case <-s.acks:
	default:
	}

	switch {
	case reply.Audio != nil:
		if err := s.writeJSON(Event{Type: EventAudioStart, Turn: reply.Turn, ContentType: reply.ContentType}); err != nil {
			return err
		}
		sink := relay.NewWebSocketSink(s.conn, &s.writeMu, s.manager.cfg.WriteTimeout)
		stats, err := relay.Relay(ctx, sink, reply.Audio, -1)
		s.bytesOut.Add(uint64(stats.Bytes))
		status := stats.Status()
		if err != nil {
			status = relay.StatusFailed
		}
		s.manager.metrics.RecordRelay(status, stats.Bytes)
		s.writeJSON(Event{Type: EventAudioEnd, Turn: reply.Turn, Bytes: stats.Bytes, Status: status})
		if err != nil {
			return err
		}

	case reply.AudioURL != "":
		if err := s.writeJSON(Event{Type: EventAudioURL, Turn: reply.Turn, AudioURL: reply.AudioURL, ContentType: reply.ContentType}); err != nil {
			return err
		}

	default:
		return errors.New("reply has no audio")
	}

	timer := time.NewTimer(s.manager.cfg.PlaybackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-s.acks:
			if a.turn != 0 && a.turn != reply.Turn {
				s.logger.Debug("Ignoring acknowledgement for another turn",
					slog.Uint64("ack_turn", a.turn),
					slog.Uint64("turn", reply.Turn),
				)
				continue
			}
			if a.err == nil {
				s.played.Add(1)
			}
			return a.err
		case <-timer.C:
			return ErrPlaybackTimeout
		}
	}
}
