package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"adventure-server/internal/model"
)

// Compile-time check to ensure redisSessionStore implements SessionStore
var _ SessionStore = (*redisSessionStore)(nil)

type redisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSessionStore creates a new Redis-backed SessionStore.
// ttl задает серверное окно истечения сессии: каждый Save продлевает его.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) SessionStore {
	return &redisSessionStore{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisSessionStore"),
	}
}

func sessionKey(id string) string {
	return fmt.Sprintf("adventure_session:%s", id)
}

func (r *redisSessionStore) Save(ctx context.Context, state *model.SessionState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal session state: %v", model.ErrPersistence, err)
	}

	key := sessionKey(state.ID.String())
	if err := r.client.Set(ctx, key, blob, r.ttl).Err(); err != nil {
		r.logger.Error("Failed to save session checkpoint",
			zap.String("sessionID", state.ID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}

	r.logger.Debug("Session checkpoint saved",
		zap.String("sessionID", state.ID.String()),
		zap.Int("blob_bytes", len(blob)),
		zap.Int("chapter_index", state.CurrentChapterIndex),
	)
	return nil
}

func (r *redisSessionStore) Load(ctx context.Context, sessionID string) (*model.SessionState, error) {
	blob, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: id %s", model.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}

	var state model.SessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		// Нечитаемый блоб равносилен отсутствию сессии: клиент начинает заново.
		r.logger.Error("Failed to unmarshal stored session", zap.String("sessionID", sessionID), zap.Error(err))
		return nil, fmt.Errorf("%w: corrupt blob for id %s", model.ErrSessionNotFound, sessionID)
	}
	return &state, nil
}

func (r *redisSessionStore) Expire(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}
	return nil
}
