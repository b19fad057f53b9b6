// ABOUTME: Redis implementation of the Store interface using go-redis v9
// ABOUTME: Snapshots live in one hash per thread and are replaced with WATCH/MULTI for atomicity

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisStore
const DefaultRedisPrefix = "coven"

// RedisStore implements the Store interface on top of Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: slog.Default().With("component", "store", "backend", "redis"),
	}
}

// OpenRedisStore connects to the server at addr and verifies it responds.
func OpenRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	s := NewRedisStore(client, prefix)
	s.logger.Info("Redis store initialized", "addr", addr, "db", db, "prefix", s.prefix)
	return s, nil
}

func (s *RedisStore) stateKey(id uuid.UUID) string {
	return s.prefix + ":state:" + id.String()
}

func (s *RedisStore) directoryKey() string {
	return s.prefix + ":threads"
}

func (s *RedisStore) directorySeqKey() string {
	return s.prefix + ":threads:seq"
}

func (s *RedisStore) createdKey() string {
	return s.prefix + ":threads:created"
}

// LoadState reads the snapshot hash of a thread.
func (s *RedisStore) LoadState(ctx context.Context, id uuid.UUID) (*State, error) {
	fields, err := s.client.HGetAll(ctx, s.stateKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading thread state: %w", err)
	}

	state := NewState(id)
	if len(fields) == 0 {
		return state, nil
	}

	if state.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("parsing version: %w", err)
	}
	if state.Turns, err = strconv.Atoi(fields["turns"]); err != nil {
		return nil, fmt.Errorf("parsing turns: %w", err)
	}
	if state.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(fields["messages"]), &state.Messages); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}

	return state, nil
}

// SaveState replaces the snapshot hash in a MULTI/EXEC block guarded by WATCH.
func (s *RedisStore) SaveState(ctx context.Context, state *State) error {
	key := s.stateKey(state.ThreadID)

	messages, err := json.Marshal(state.Messages)
	if err != nil {
		return fmt.Errorf("encoding messages: %w", err)
	}

	next := state.Version + 1
	updatedAt := time.Now().UTC()

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("reading thread version: %w", err)
		}
		if current != state.Version {
			return fmt.Errorf("%w: thread %s expected version %d, got %d", ErrVersionConflict, state.ThreadID, current, state.Version)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"version", next,
				"turns", state.Turns,
				"updated_at", updatedAt.Format(time.RFC3339Nano),
				"messages", string(messages),
			)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: thread %s changed during save", ErrVersionConflict, state.ThreadID)
	}
	if err != nil {
		return err
	}

	state.Version = next
	state.UpdatedAt = updatedAt

	s.logger.Debug("saved thread state",
		"thread_id", state.ThreadID,
		"version", next,
		"messages", len(state.Messages))
	return nil
}

// RecordThread adds the thread to the directory sorted set; existing members keep their score.
// Scores come from a counter so threads recorded in the same instant keep their order.
func (s *RedisStore) RecordThread(ctx context.Context, id uuid.UUID) error {
	seq, err := s.client.Incr(ctx, s.directorySeqKey()).Result()
	if err != nil {
		return fmt.Errorf("recording thread: %w", err)
	}

	member := id.String()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, s.directoryKey(), redis.Z{Score: float64(seq), Member: member})
		pipe.HSetNX(ctx, s.createdKey(), member, time.Now().UTC().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording thread: %w", err)
	}
	return nil
}

// ListThreads returns directory entries ordered by creation
func (s *RedisStore) ListThreads(ctx context.Context) ([]*Thread, error) {
	members, err := s.client.ZRange(ctx, s.directoryKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	if len(members) == 0 {
		return []*Thread{}, nil
	}

	created, err := s.client.HMGet(ctx, s.createdKey(), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}

	threads := make([]*Thread, 0, len(members))
	for i, member := range members {
		id, err := uuid.Parse(member)
		if err != nil {
			s.logger.Warn("skipping malformed thread id", "member", member)
			continue
		}
		th := &Thread{ID: id}
		if raw, ok := created[i].(string); ok {
			th.CreatedAt, _ = time.Parse(time.RFC3339Nano, raw)
		}
		threads = append(threads, th)
	}
	return threads, nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
