package storage

import (
	"context"

	"adventure-server/internal/model"
)

// SessionStore durable хранилище чекпоинтов состояния сессий.
// Блоб — полное сериализованное SessionState; идентификаторы непрозрачны.
type SessionStore interface {
	// Save записывает чекпоинт состояния с продлением окна жизни сессии.
	Save(ctx context.Context, state *model.SessionState) error
	// Load читает состояние; отсутствие дает model.ErrSessionNotFound.
	Load(ctx context.Context, sessionID string) (*model.SessionState, error)
	// Expire немедленно завершает окно жизни чекпоинта.
	Expire(ctx context.Context, sessionID string) error
}
