package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"adventure-server/internal/model"
	"adventure-server/internal/session"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Отправлять пинги клиенту с этим периодом. Должно быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер сообщения, разрешенный от клиента.
	maxMessageSize = 4096
)

// Client представляет собой одно WebSocket соединение одной сессии.
type Client struct {
	UserID  string
	Conn    *websocket.Conn
	send    chan []byte
	manager *session.Manager
	engine  *session.Engine
}

// Send реализует session.Sender: ставит сообщение в очередь отправки.
// Возвращает false, если очередь переполнена или клиент отключается.
func (c *Client) Send(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// readPump читает события клиента и передает их движку сессии.
func (c *Client) readPump(ctx context.Context, logger zerolog.Logger) {
	defer func() {
		if c.engine != nil {
			c.manager.Suspend(c.engine, c)
		}
		_ = c.Conn.Close()
		logger.Info().Msg("readPump finished")
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			} else {
				logger.Info().Msg("WebSocket connection closed (expected)")
			}
			break
		}
		c.dispatch(ctx, message, logger)
	}
}

// dispatch разбирает и исполняет одно событие клиента. Все отказы
// превращаются в протокольное сообщение error{kind, message}; соединение
// при этом не разрывается.
func (c *Client) dispatch(ctx context.Context, message []byte, logger zerolog.Logger) {
	ev, err := model.DecodeClientEvent(message)
	if err != nil {
		logger.Warn().Err(err).Msg("Malformed client event")
		c.sendError(err)
		return
	}

	if ev.Type == model.EventReconnect {
		c.handleReconnect(ctx, ev, logger)
		return
	}

	if c.engine == nil {
		c.sendError(model.ErrSessionNotFound)
		return
	}
	if err := c.engine.HandleEvent(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("event", ev.Type).Msg("Event rejected")
		c.engine.EmitError(err)
	}
}

func (c *Client) handleReconnect(ctx context.Context, ev *model.ClientEvent, logger zerolog.Logger) {
	var payload model.ReconnectPayload
	if err := decodePayload(ev.Payload, &payload); err != nil {
		c.sendError(err)
		return
	}
	engine, err := c.manager.ResumeSession(ctx, c, payload.SessionID)
	if err != nil {
		logger.Warn().Err(err).Str("sessionID", payload.SessionID).Msg("Reconnect failed")
		c.sendError(err)
		return
	}
	if c.engine != nil && c.engine != engine {
		c.manager.Suspend(c.engine, c)
	}
	c.engine = engine
}

// sendError отправляет сообщение об ошибке напрямую, минуя движок
// (используется, пока сессия еще не привязана к соединению).
func (c *Client) sendError(err error) {
	data, marshalErr := model.MarshalServerMessage(model.EmitError, model.ErrorPayload{
		Kind:    model.ErrorKind(err),
		Message: err.Error(),
	})
	if marshalErr != nil {
		return
	}
	c.Send(data)
}

// writePump откачивает сообщения из канала send в WebSocket соединение.
func (c *Client) writePump(logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		logger.Info().Msg("writePump finished")
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Error().Err(err).Msg("Failed to write message")
				return
			}

			// Отправляем все сообщения из очереди за раз
			n := len(c.send)
			for i := 0; i < n; i++ {
				queuedMsg := <-c.send
				if err := c.Conn.WriteMessage(websocket.TextMessage, queuedMsg); err != nil {
					logger.Error().Err(err).Msg("Failed to write queued message")
					return
				}
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("Failed to send ping")
				return
			}
		}
	}
}
