// ABOUTME: Redis implementation of HistoryStore using one sorted set per conversation
// ABOUTME: Tracks each agent's conversations in a second sorted set for the roster

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHistory keeps chat history in Redis.
type RedisHistory struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisHistory connects to redisURL and verifies the connection.
func NewRedisHistory(ctx context.Context, redisURL string) (*RedisHistory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w: %w", ErrUnavailable, err)
	}

	logger := slog.Default().With("component", "store")
	logger.Info("Redis history store initialized", "addr", opts.Addr)
	return &RedisHistory{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (s *RedisHistory) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisHistory) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// keySegment escapes a username for use between ':' separators. Usernames
// may contain ':' themselves.
func keySegment(name string) string {
	return url.QueryEscape(name)
}

// conversationKey returns the key for a conversation's message sorted set.
func conversationKey(user, agent string) string {
	return fmt.Sprintf("desk:conversation:%s:%s:messages", keySegment(agent), keySegment(user))
}

// agentConversationsKey returns the key for an agent's conversation index.
func agentConversationsKey(agent string) string {
	return fmt.Sprintf("desk:agent:%s:conversations", keySegment(agent))
}

// AppendMessage stores a message and updates the agent's conversation index.
func (s *RedisHistory) AppendMessage(ctx context.Context, msg *Message) error {
	defer observe("redis", "append", time.Now())

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	score := float64(msg.Timestamp.UnixMilli())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, conversationKey(msg.User, msg.Agent), redis.Z{
		Score:  score,
		Member: string(data),
	})
	// GT keeps the index score at the newest message when appends race
	pipe.ZAddGT(ctx, agentConversationsKey(msg.Agent), redis.Z{
		Score:  score,
		Member: msg.User,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing message: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// History returns the most recent messages in chronological order.
func (s *RedisHistory) History(ctx context.Context, user, agent string, limit int) ([]*Message, error) {
	defer observe("redis", "history", time.Now())

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	// Newest first, then reversed
	results, err := s.client.ZRevRangeByScore(ctx, conversationKey(user, agent), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading history: %w: %w", ErrUnavailable, err)
	}

	messages := make([]*Message, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		var msg Message
		if err := json.Unmarshal([]byte(results[i]), &msg); err != nil {
			s.logger.Warn("skipping undecodable message", "user", user, "agent", agent, "error", err)
			continue
		}
		messages = append(messages, &msg)
	}

	return messages, nil
}

// Conversations lists users that have talked to agent, most recent first.
func (s *RedisHistory) Conversations(ctx context.Context, agent string) ([]*Conversation, error) {
	defer observe("redis", "conversations", time.Now())

	users, err := s.client.ZRevRange(ctx, agentConversationsKey(agent), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading conversations: %w: %w", ErrUnavailable, err)
	}

	pipe := s.client.Pipeline()
	latest := make([]*redis.StringSliceCmd, len(users))
	for i, user := range users {
		latest[i] = pipe.ZRevRange(ctx, conversationKey(user, agent), 0, 0)
	}
	if len(users) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("reading last messages: %w: %w", ErrUnavailable, err)
		}
	}

	conversations := make([]*Conversation, 0, len(users))
	for i, user := range users {
		vals := latest[i].Val()
		if len(vals) == 0 {
			continue
		}
		var last Message
		if err := json.Unmarshal([]byte(vals[0]), &last); err != nil {
			s.logger.Warn("skipping undecodable message", "user", user, "agent", agent, "error", err)
			continue
		}
		conversations = append(conversations, &Conversation{
			User:        user,
			LastMessage: last.Content,
			Timestamp:   last.Timestamp.UTC(),
		})
	}

	return conversations, nil
}
