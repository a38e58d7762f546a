package history

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

var (
	// ErrInvalidSession is returned for empty or unusable session ids
	ErrInvalidSession = errors.New("invalid session id")
	// ErrInvalidRole is returned when appending a message with an unknown role
	ErrInvalidRole = errors.New("invalid message role")
)

// Message is a single conversation entry. Sequence starts at 1 and
// increases by one per append within a session.
type Message struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	Sequence int64  `json:"sequence"`
}

// Store persists conversation history
type Store interface {
	// Append adds a message to the end of the session log
	Append(ctx context.Context, sessionID string, role Role, content string) (Message, error)
	// Recent returns the last limit messages in chronological order.
	// A limit <= 0 returns the whole log.
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// Clear removes the session log
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// HistoryWriteError is returned when a message could not be persisted
type HistoryWriteError struct {
	SessionID string
	Role      Role
	Cause     error
}

func (e *HistoryWriteError) Error() string {
	return fmt.Sprintf("history write failed for session %s (%s): %v", e.SessionID, e.Role, e.Cause)
}

func (e *HistoryWriteError) Unwrap() error {
	return e.Cause
}

// FormatForPrompt renders messages as "role": "content" lines
func FormatForPrompt(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, fmt.Sprintf("%q: %q", string(msg.Role), msg.Content))
	}
	return strings.Join(lines, "\n")
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateSessionID checks that id is safe to use as a file name or key
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return nil
}

func validateAppend(sessionID string, role Role) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return nil
}

// tail returns the last limit messages; limit <= 0 means all
func tail(messages []Message, limit int) []Message {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
