package history

import (
	"context"
	"sync"
)

// MemoryStore keeps history in process memory
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Message
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Message)}
}

// Append implements Store
func (s *MemoryStore) Append(ctx context.Context, sessionID string, role Role, content string) (Message, error) {
	if err := validateAppend(sessionID, role); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, &HistoryWriteError{SessionID: sessionID, Role: role, Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.sessions[sessionID]
	msg := Message{Role: role, Content: content, Sequence: int64(len(msgs)) + 1}
	s.sessions[sessionID] = append(msgs, msg)
	return msg, nil
}

// Recent implements Store
func (s *MemoryStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.sessions[sessionID], limit), nil
}

// Clear implements Store
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
