package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session log in a Redis list. RPUSH is atomic, so the
// list length it returns is the message sequence.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "voice:history".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a Redis-backed store. The store closes client on Close.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: "voice:history",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Append implements Store
func (s *RedisStore) Append(ctx context.Context, sessionID string, role Role, content string) (Message, error) {
	if err := validateAppend(sessionID, role); err != nil {
		return Message{}, err
	}

	data, err := json.Marshal(redisEntry{Role: role, Content: content})
	if err != nil {
		return Message{}, &HistoryWriteError{SessionID: sessionID, Role: role, Cause: err}
	}

	n, err := s.client.RPush(ctx, s.key(sessionID), data).Result()
	if err != nil {
		return Message{}, &HistoryWriteError{SessionID: sessionID, Role: role, Cause: fmt.Errorf("redis rpush failed: %w", err)}
	}

	return Message{Role: role, Content: content, Sequence: n}, nil
}

// Recent implements Store
func (s *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	key := s.key(sessionID)
	var start int64
	if limit > 0 {
		start = -int64(limit)
	}

	// LLEN and LRANGE in one transaction so sequences line up with the slice
	var lenCmd *redis.IntCmd
	var rangeCmd *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lenCmd = pipe.LLen(ctx, key)
		rangeCmd = pipe.LRange(ctx, key, start, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis read failed: %w", err)
	}

	raw := rangeCmd.Val()
	first := lenCmd.Val() - int64(len(raw)) + 1

	messages := make([]Message, 0, len(raw))
	for i, item := range raw {
		var entry redisEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history entry: %w", err)
		}
		messages = append(messages, Message{
			Role:     entry.Role,
			Content:  entry.Content,
			Sequence: first + int64(i),
		})
	}
	return messages, nil
}

// Clear implements Store
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}
