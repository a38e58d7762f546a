package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps one JSON document per session in a directory:
//
//	{"messages":[{"role":"user","content":"...","sequence":1}, ...]}
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

type fileDocument struct {
	Messages []Message `json:"messages"`
}

// NewFileStore creates a file store rooted at dir, creating it if needed
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Append implements Store
func (s *FileStore) Append(ctx context.Context, sessionID string, role Role, content string) (Message, error) {
	if err := validateAppend(sessionID, role); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Message{}, &HistoryWriteError{SessionID: sessionID, Role: role, Cause: err}
	}

	doc, err := s.read(sessionID)
	if err != nil {
		return Message{}, &HistoryWriteError{SessionID: sessionID, Role: role, Cause: err}
	}

	var next int64 = 1
	if n := len(doc.Messages); n > 0 {
		next = doc.Messages[n-1].Sequence + 1
	}
	msg := Message{Role: role, Content: content, Sequence: next}
	doc.Messages = append(doc.Messages, msg)

	if err := s.write(sessionID, doc); err != nil {
		return Message{}, &HistoryWriteError{SessionID: sessionID, Role: role, Cause: err}
	}
	return msg, nil
}

// Recent implements Store
func (s *FileStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}
	return tail(doc.Messages, limit), nil
}

// Clear implements Store
func (s *FileStore) Clear(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

func (s *FileStore) read(sessionID string) (*fileDocument, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return &fileDocument{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt log is moved aside and the session starts over
		kept, merr := s.quarantine(sessionID)
		if merr != nil {
			return nil, fmt.Errorf("history file is unreadable (%v) and could not be moved aside: %w", err, merr)
		}
		s.logger.Warn("Moved unreadable history file aside",
			slog.String("session_id", sessionID),
			slog.String("kept_as", kept),
			slog.String("error", err.Error()),
		)
		return &fileDocument{}, nil
	}
	return &doc, nil
}

func (s *FileStore) quarantine(sessionID string) (string, error) {
	src := s.path(sessionID)
	dst := src + ".corrupt"
	if _, err := os.Stat(dst); err == nil {
		dst = fmt.Sprintf("%s.%d", dst, time.Now().UnixNano())
	}
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *FileStore) write(sessionID string, doc *fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, sessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close history: %w", err)
	}
	if err := os.Rename(tmpName, s.path(sessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}
