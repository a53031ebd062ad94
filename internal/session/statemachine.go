package session

import (
	"fmt"

	"adventure-server/internal/model"
)

// Машина состояний протокольного обработчика сессии:
// connecting -> active -> (suspended <-> active) -> completed,
// abandoned достижимо из любого нетерминального состояния.
var validTransitions = map[model.SessionStatus][]model.SessionStatus{
	model.StatusConnecting: {model.StatusActive, model.StatusAbandoned},
	model.StatusActive:     {model.StatusSuspended, model.StatusCompleted, model.StatusAbandoned},
	model.StatusSuspended:  {model.StatusActive, model.StatusAbandoned},
	model.StatusCompleted:  {},
	model.StatusAbandoned:  {},
}

// CanTransition сообщает, допустим ли переход между статусами.
func CanTransition(from, to model.SessionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition переводит состояние сессии в новый статус или возвращает
// ошибку протокола, не меняя состояние.
func transition(state *model.SessionState, to model.SessionStatus) error {
	if !CanTransition(state.Status, to) {
		return fmt.Errorf("%w: invalid transition %s -> %s", model.ErrProtocol, state.Status, to)
	}
	state.Status = to
	return nil
}
