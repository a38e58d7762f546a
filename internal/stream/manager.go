package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/history"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/metrics"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/pipeline"
	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/turn"
)

var (
	// ErrTooManySessions is returned when the session limit is reached
	ErrTooManySessions = errors.New("too many active call sessions")
	// ErrSessionExists is returned when a session id is already in use
	ErrSessionExists = errors.New("call session already exists")
	// ErrManagerStopped is returned after Stop
	ErrManagerStopped = errors.New("call session manager stopped")
)

// Pipeline runs one turn. *pipeline.Orchestrator satisfies it.
type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// ManagerConfig contains configuration for the call session manager
type ManagerConfig struct {
	Turn            turn.Config   // template; SessionID is set per call
	Mode            pipeline.Mode // reply delivery, streaming unless set
	MaxSessions     int
	Timeout         time.Duration // inactivity before a call is closed
	CleanupInterval time.Duration
	PlaybackTimeout time.Duration // wait for the client's playback acknowledgement
	WriteTimeout    time.Duration
	FeedBuffer      int // capture chunks buffered per call
}

// ManagerStats represents manager statistics for monitoring
type ManagerStats struct {
	Active   int    `json:"active"`
	Created  uint64 `json:"created"`
	Removed  uint64 `json:"removed"`
	Expired  uint64 `json:"expired"`
	Rejected uint64 `json:"rejected"`
}

// Manager manages all active call sessions
type Manager struct {
	sessions map[string]*CallSession
	mu       sync.RWMutex
	logger   *slog.Logger
	cfg      ManagerConfig
	pipeline Pipeline
	metrics  *metrics.Metrics

	created  uint64
	removed  uint64
	expired  uint64
	rejected uint64
	stopped  bool

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a call session manager and starts its cleanup routine
func NewManager(cfg ManagerConfig, p Pipeline, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	if p == nil {
		return nil, errors.New("stream: pipeline is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = pipeline.ModeStreaming
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.PlaybackTimeout <= 0 {
		cfg.PlaybackTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*CallSession),
		logger:   logger,
		cfg:      cfg,
		pipeline: p,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateSession registers a call on conn. An empty id gets a generated one.
func (m *Manager) CreateSession(id string, conn *websocket.Conn) (*CallSession, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := history.ValidateSessionID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerStopped
	}
	if _, exists := m.sessions[id]; exists {
		m.rejected++
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.rejected++
		return nil, ErrTooManySessions
	}

	session, err := newCallSession(m, id, conn)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = session
	m.created++

	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(len(m.sessions))

	m.logger.Info("Created new call session",
		slog.String("session_id", id),
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.String("mode", string(m.cfg.Mode)),
	)

	return session, nil
}

// ServeConn runs a call on conn and removes it when the call ends. When the
// call cannot be created the connection is closed with the reason.
func (m *Manager) ServeConn(ctx context.Context, id string, conn *websocket.Conn) error {
	session, err := m.CreateSession(id, conn)
	if err != nil {
		code := websocket.ClosePolicyViolation
		if errors.Is(err, ErrTooManySessions) || errors.Is(err, ErrManagerStopped) {
			code = websocket.CloseTryAgainLater
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		conn.Close()
		return err
	}
	defer m.RemoveSession(session.ID)

	return session.Serve(ctx)
}

// GetSession retrieves an existing call session
func (m *Manager) GetSession(id string) (*CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active calls
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active calls (for monitoring)
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*CallSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}
	return infos
}

// GetStats returns manager statistics
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ManagerStats{
		Active:   len(m.sessions),
		Created:  m.created,
		Removed:  m.removed,
		Expired:  m.expired,
		Rejected: m.rejected,
	}
}

// RemoveSession removes a call and stops its controller
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	m.removed++
	active := len(m.sessions)
	m.mu.Unlock()

	session.stop()

	info := session.GetSessionInfo()
	m.metrics.RecordSessionDestroyed(time.Since(info.StartTime).Seconds())
	m.metrics.SetActiveSessions(active)

	m.logger.Info("Call session removed",
		slog.String("session_id", id),
		slog.Duration("duration", time.Since(info.StartTime)),
		slog.Uint64("turns", info.Turn),
		slog.Uint64("utterances", info.Utterances),
		slog.Uint64("replies_played", info.RepliesPlayed),
		slog.Uint64("audio_bytes_in", info.AudioBytesIn),
		slog.Uint64("audio_bytes_out", info.AudioBytesOut),
	)

	return true
}

// Stop ends every call and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping call session manager...")

	m.mu.Lock()
	m.stopped = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.RemoveSession(id)
	}

	m.cancel()
	<-m.cleanup

	stats := m.GetStats()
	m.logger.Info("Call session manager stopped",
		slog.Uint64("sessions_created", stats.Created),
		slog.Uint64("sessions_expired", stats.Expired),
		slog.Uint64("sessions_rejected", stats.Rejected),
	)
}

// startCleanupRoutine runs in a separate goroutine to close idle calls
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Call cleanup routine started",
		slog.Duration("timeout", m.cfg.Timeout),
		slog.Duration("check_interval", m.cfg.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Call cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes calls that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		if now.Sub(session.lastActivity()) > m.cfg.Timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Cleaning up idle calls",
		slog.Int("expired_count", len(expired)),
	)

	for _, id := range expired {
		if m.RemoveSession(id) {
			m.mu.Lock()
			m.expired++
			m.mu.Unlock()
		}
	}
}
