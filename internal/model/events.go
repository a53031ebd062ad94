package model

import (
	"encoding/json"
	"fmt"
)

// Типы входящих событий реального времени от клиента.
const (
	EventSubmitChoice = "submit_choice"
	EventSubmitAnswer = "submit_answer"
	EventReconnect    = "reconnect"
)

// Типы исходящих сообщений сервера.
const (
	EmitChapterDelta    = "chapter_delta"
	EmitImageReady      = "image_ready"
	EmitChapterComplete = "chapter_complete"
	EmitSessionComplete = "session_complete"
	EmitSessionStarted  = "session_started"
	EmitError           = "error"
)

// ClientEvent обертка входящего события; полезная нагрузка разбирается по типу.
type ClientEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubmitChoicePayload выбор варианта для текущей главы.
type SubmitChoicePayload struct {
	Index int `json:"index"` // 0-based индекс среди предложенных вариантов.
}

// SubmitAnswerPayload ответ на вопрос lesson главы.
type SubmitAnswerPayload struct {
	QuestionID    string `json:"question_id"`
	SelectedIndex int    `json:"selected_index"`
}

// ReconnectPayload запрос восстановления существующей сессии.
type ReconnectPayload struct {
	SessionID string `json:"session_id"`
}

// DecodeClientEvent разбирает сырое сообщение транспортного уровня.
func DecodeClientEvent(data []byte) (*ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrProtocol)
	}
	return &ev, nil
}

// ServerMessage обертка исходящего сообщения сервера.
type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// ChapterDeltaPayload фрагмент (или полный текст) повествования главы.
type ChapterDeltaPayload struct {
	ChapterIndex int    `json:"chapter_index"`
	Text         string `json:"text"`
	Done         bool   `json:"done"`
}

// ImageReadyPayload боковое уведомление о готовности иллюстрации.
type ImageReadyPayload struct {
	ChapterIndex int    `json:"chapter_index"`
	ImageURL     string `json:"image_url"`
}

// ChapterCompletePayload финализированная запись главы.
type ChapterCompletePayload struct {
	Record ChapterRecord `json:"record"`
}

// SessionCompletePayload итог приключения.
type SessionCompletePayload struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}

// SessionStartedPayload параметры созданной или восстановленной сессии.
type SessionStartedPayload struct {
	SessionID     string `json:"session_id"`
	TotalChapters int    `json:"total_chapters"`
	Resumed       bool   `json:"resumed"`
}

// ErrorPayload пользовательское сообщение об ошибке, никогда не роняет сессию.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// MarshalServerMessage кодирует исходящее сообщение для отправки в канал.
func MarshalServerMessage(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(ServerMessage{Type: msgType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server message %q: %w", msgType, err)
	}
	return data, nil
}
