package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"adventure-server/internal/model"
	"adventure-server/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Проверяем origin запроса (в продакшене здесь должна быть проверка)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler обрабатывает запросы на установку WebSocket соединения.
type Handler struct {
	manager   *session.Manager
	jwtSecret []byte
	logger    zerolog.Logger
}

// NewHandler создает новый обработчик WebSocket.
func NewHandler(manager *session.Manager, jwtSecret string, logger zerolog.Logger) *Handler {
	return &Handler{
		manager:   manager,
		jwtSecret: []byte(jwtSecret),
		logger:    logger.With().Str("component", "WebSocketHandler").Logger(),
	}
}

// ServeWS обрабатывает входящий HTTP запрос для WebSocket.
// Параметры запроса: token (обязателен), session_id (возобновление),
// chapters и topic (создание новой сессии).
func (h *Handler) ServeWS(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		h.logger.Warn().Msg("Missing 'token' query parameter")
		c.String(http.StatusUnauthorized, "Unauthorized: Missing token")
		return
	}

	claims, err := h.validateToken(tokenString)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Invalid token")
		c.String(http.StatusUnauthorized, "Unauthorized: %s", err.Error())
		return
	}
	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		h.logger.Error().Interface("claims", claims).Msg("UserID ('sub') not found or empty in token claims")
		c.String(http.StatusUnauthorized, "Unauthorized: Invalid token claims")
		return
	}

	sessionID := c.Query("session_id")
	totalChapters := 0
	if raw := c.Query("chapters"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			totalChapters = parsed
		}
	}
	topic := c.Query("topic")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("userID", userID).Msg("Failed to upgrade connection")
		return
	}

	h.logger.Info().Str("userID", userID).Str("sessionID", sessionID).Msg("WebSocket connection established")

	client := &Client{
		UserID:  userID,
		Conn:    conn,
		send:    make(chan []byte, 256),
		manager: h.manager,
	}
	clientLogger := h.logger.With().Str("userID", userID).Logger()
	go client.writePump(clientLogger)

	// Контекст запроса отменяется после выхода из обработчика, а соединение
	// живет дольше; операции сессии привязываются к собственному контексту.
	ctx := context.Background()
	var engine *session.Engine
	if sessionID != "" {
		engine, err = h.manager.ResumeSession(ctx, client, sessionID)
	} else {
		engine, err = h.manager.StartSession(ctx, client, session.StartOptions{
			TotalChapters: totalChapters,
			Topic:         topic,
		})
	}
	if err != nil {
		clientLogger.Warn().Err(err).Msg("Failed to bind session to connection")
		client.sendError(err)
		// Генерация первой главы могла отказать после создания сессии;
		// соединение остается открытым, клиент может повторить reconnect.
	}
	client.engine = engine

	go client.readPump(ctx, clientLogger)
}

// validateToken проверяет JWT токен и возвращает claims.
func (h *Handler) validateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse error: %w", err)
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// decodePayload разбирает полезную нагрузку события клиента.
func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", model.ErrProtocol)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrProtocol, err)
	}
	return nil
}
