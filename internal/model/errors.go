package model

import "errors"

// Application-wide standard errors
var (
	// Client input errors
	ErrInvalidInput  = errors.New("invalid input data")
	ErrInvalidChoice = errors.New("choice index is not among the offered options")

	// Session errors
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCompleted = errors.New("session is already completed")
	ErrGenerationBusy   = errors.New("chapter generation is already in progress for this session")

	// Provider errors
	ErrProviderFailure    = errors.New("generation provider failed")
	ErrImageUnavailable   = errors.New("image generation failed after all attempts")
	ErrQuestionExhaustion = errors.New("no unused questions remain for the topic")

	// Infrastructure errors
	ErrPersistence = errors.New("state checkpoint failed")
	ErrProtocol    = errors.New("malformed protocol message")
)

// ErrorKind классифицирует ошибку для протокольного сообщения error{kind, message}.
// Любая ошибка, не попавшая в таксономию, считается внутренней.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidChoice), errors.Is(err, ErrInvalidInput):
		return "validation_error"
	case errors.Is(err, ErrProviderFailure), errors.Is(err, ErrImageUnavailable):
		return "provider_error"
	case errors.Is(err, ErrQuestionExhaustion):
		return "question_exhaustion"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrSessionNotFound):
		return "protocol_error"
	default:
		return "internal_error"
	}
}
