package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"adventure-server/internal/model"
	"adventure-server/internal/pipeline"
	"adventure-server/internal/question"
	"adventure-server/internal/storage"
)

// Sender абстракция исходящего канала к клиенту. Возвращает false, если
// сообщение не удалось поставить в очередь отправки.
type Sender interface {
	Send(message []byte) bool
}

// ChapterGenerator интерфейс координатора генерации для движка сессии.
// Реализуется pipeline.Coordinator.
type ChapterGenerator interface {
	GenerateChapter(ctx context.Context, state *model.SessionState, chapterType model.ChapterType) (*model.ChapterRecord, <-chan pipeline.ImageResult, error)
}

// Engine протокольный обработчик одной сессии. Владеет каноническим
// состоянием; все обращения сериализуются через mu, который одновременно
// служит шлюзом допуска: пока идет генерация главы, вторая не стартует.
type Engine struct {
	mu        sync.Mutex
	state     *model.SessionState
	coord     ChapterGenerator
	store     storage.SessionStore
	inventory question.Inventory
	logger    *zap.Logger
	sender    Sender
}

// NewEngine создает обработчик поверх готового состояния сессии.
func NewEngine(
	state *model.SessionState,
	coord ChapterGenerator,
	store storage.SessionStore,
	inventory question.Inventory,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		state:     state,
		coord:     coord,
		store:     store,
		inventory: inventory,
		logger:    logger.Named("Engine").With(zap.String("sessionID", state.ID.String())),
	}
}

// SessionID возвращает идентификатор сессии.
func (e *Engine) SessionID() string {
	return e.state.ID.String()
}

// Status возвращает текущий статус сессии.
func (e *Engine) Status() model.SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Status
}

// Attach связывает сессию с транспортом и запускает либо продолжает
// приключение. При возобновлении сервер повторяет последнюю завершенную
// главу и текущие варианты выбора; повторная генерация не выполняется.
func (e *Engine) Attach(ctx context.Context, sender Sender, resumed bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.Status {
	case model.StatusConnecting:
		if err := transition(e.state, model.StatusActive); err != nil {
			return err
		}
	case model.StatusSuspended:
		if err := transition(e.state, model.StatusActive); err != nil {
			return err
		}
	case model.StatusActive:
		// Новое соединение вытесняет старое; статус не меняется.
	case model.StatusCompleted:
		// Разрешаем подключение только ради повтора итога.
	default:
		return fmt.Errorf("%w: session is %s", model.ErrProtocol, e.state.Status)
	}
	e.sender = sender

	e.emitLocked(model.EmitSessionStarted, model.SessionStartedPayload{
		SessionID:     e.state.ID.String(),
		TotalChapters: e.state.TotalChapters,
		Resumed:       resumed,
	})

	if last := e.state.LastChapter(); last != nil {
		e.emitLocked(model.EmitChapterDelta, model.ChapterDeltaPayload{
			ChapterIndex: last.Index,
			Text:         last.Text,
			Done:         true,
		})
		e.emitLocked(model.EmitChapterComplete, model.ChapterCompletePayload{Record: *last})
	}
	if e.state.Status == model.StatusCompleted {
		e.emitLocked(model.EmitSessionComplete, model.SessionCompletePayload{
			SessionID: e.state.ID.String(),
			Summary:   pipeline.BuildSessionSummary(e.state),
		})
		return nil
	}

	// Первая глава новой сессии, либо продолжение после глав без выбора.
	if e.needsGenerationLocked() {
		return e.advanceLocked(ctx)
	}
	return nil
}

// Detach отмечает потерю транспорта from. Если from уже вытеснен новым
// соединением, вызов игнорируется: запоздавший teardown старого соединения
// не должен ронять живое. Нулевой from отвязывает безусловно (остановка
// сервиса). Возвращает true, если транспорт был отвязан этим вызовом.
// Незавершенные вызовы провайдеров продолжают работу; их результаты
// складываются в состояние до возвращения клиента.
func (e *Engine) Detach(from Sender) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if from != nil && e.sender != from {
		return false
	}
	e.sender = nil
	if e.state.Status == model.StatusActive {
		if err := transition(e.state, model.StatusSuspended); err != nil {
			e.logger.Warn("Failed to suspend session", zap.Error(err))
		}
	}
	return true
}

// Abandon терминально бросает сессию: серверное окно ожидания истекло.
// Последний durable чекпоинт сохраняется для последующего разбора.
func (e *Engine) Abandon() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status == model.StatusCompleted || e.state.Status == model.StatusAbandoned {
		return
	}
	if err := transition(e.state, model.StatusAbandoned); err != nil {
		e.logger.Warn("Failed to abandon session", zap.Error(err))
		return
	}
	e.logger.Info("Session abandoned", zap.Int("chapter_index", e.state.CurrentChapterIndex))
	e.checkpointAsync()
}

// HandleEvent обрабатывает входящее событие клиента. Любая возвращенная
// ошибка превращается транспортным слоем в сообщение error{kind, message}.
func (e *Engine) HandleEvent(ctx context.Context, ev *model.ClientEvent) error {
	switch ev.Type {
	case model.EventSubmitChoice:
		var payload model.SubmitChoicePayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("%w: bad submit_choice payload: %v", model.ErrProtocol, err)
		}
		return e.handleChoice(ctx, payload)
	case model.EventSubmitAnswer:
		var payload model.SubmitAnswerPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("%w: bad submit_answer payload: %v", model.ErrProtocol, err)
		}
		return e.handleAnswer(ctx, payload)
	default:
		return fmt.Errorf("%w: unsupported event type %q", model.ErrProtocol, ev.Type)
	}
}

// handleChoice валидирует и применяет выбор варианта story главы.
// Невалидный индекс отклоняется без каких-либо изменений состояния.
func (e *Engine) handleChoice(ctx context.Context, payload model.SubmitChoicePayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status != model.StatusActive {
		return fmt.Errorf("%w: session is %s", model.ErrProtocol, e.state.Status)
	}
	current := e.state.LastChapter()
	if current == nil || !current.Type.HasChoices() {
		return fmt.Errorf("%w: no chapter awaiting a choice", model.ErrInvalidChoice)
	}
	if current.Type == model.ChapterTypeLesson {
		return fmt.Errorf("%w: lesson chapter expects submit_answer", model.ErrInvalidChoice)
	}
	if current.SelectedChoice != nil {
		return fmt.Errorf("%w: choice already submitted for chapter %d", model.ErrInvalidChoice, current.Index)
	}
	if payload.Index < 0 || payload.Index >= len(current.Choices) {
		return fmt.Errorf("%w: index %d, offered %d options", model.ErrInvalidChoice, payload.Index, len(current.Choices))
	}

	idx := payload.Index
	current.SelectedChoice = &idx
	e.state.LastActivityAt = time.Now().UTC()
	e.logger.Debug("Choice accepted", zap.Int("chapter", current.Index), zap.Int("choice", idx))

	return e.advanceLocked(ctx)
}

// handleAnswer валидирует и применяет ответ на вопрос lesson главы.
// Неверный ответ откладывает сюжетное последствие до ближайшей reflect главы.
func (e *Engine) handleAnswer(ctx context.Context, payload model.SubmitAnswerPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status != model.StatusActive {
		return fmt.Errorf("%w: session is %s", model.ErrProtocol, e.state.Status)
	}
	current := e.state.LastChapter()
	if current == nil || current.Type != model.ChapterTypeLesson {
		return fmt.Errorf("%w: no lesson chapter awaiting an answer", model.ErrInvalidChoice)
	}
	if current.AnswerCorrect != nil {
		return fmt.Errorf("%w: answer already submitted for chapter %d", model.ErrInvalidChoice, current.Index)
	}
	if payload.QuestionID != current.QuestionID {
		return fmt.Errorf("%w: question id mismatch", model.ErrInvalidChoice)
	}
	if payload.SelectedIndex < 0 || payload.SelectedIndex >= len(current.Choices) {
		return fmt.Errorf("%w: index %d, offered %d options", model.ErrInvalidChoice, payload.SelectedIndex, len(current.Choices))
	}

	q, ok := e.inventory.Get(payload.QuestionID)
	if !ok {
		return fmt.Errorf("%w: unknown question %s", model.ErrProtocol, payload.QuestionID)
	}

	idx := payload.SelectedIndex
	correct := idx == q.CorrectIndex
	current.SelectedChoice = &idx
	current.AnswerCorrect = &correct
	e.state.LastActivityAt = time.Now().UTC()

	if !correct {
		e.state.PendingConsequence = fmt.Sprintf(
			"The hero misjudged: %q was not the answer. The truth was: %s",
			current.Choices[idx], q.Options[q.CorrectIndex],
		)
	}
	e.logger.Debug("Answer recorded", zap.Int("chapter", current.Index), zap.Bool("correct", correct))

	return e.advanceLocked(ctx)
}

// needsGenerationLocked сообщает, ждет ли сессия генерации следующей главы
// (в отличие от ожидания события клиента).
func (e *Engine) needsGenerationLocked() bool {
	if e.state.IsComplete() || e.state.Status != model.StatusActive {
		return false
	}
	last := e.state.LastChapter()
	if last == nil {
		return true
	}
	if last.Type.HasChoices() && last.SelectedChoice == nil {
		return false
	}
	return true
}

// advanceLocked генерирует главы до ближайшей точки ожидания: главы с
// выбором или завершения приключения. Вызывается под mu — это и есть шлюз
// допуска одной генерации на сессию.
func (e *Engine) advanceLocked(ctx context.Context) error {
	for e.needsGenerationLocked() {
		chapterIndex := e.state.CurrentChapterIndex
		chapterType, err := e.state.PlannedTypeAt(chapterIndex)
		if err != nil {
			return err
		}
		pendingConsequence := e.state.PendingConsequence

		rec, imageCh, err := e.coord.GenerateChapter(ctx, e.state, chapterType)
		if err != nil {
			// Состояние не изменено; тот же индекс можно запросить повторно.
			e.logger.Error("Chapter generation failed", zap.Int("chapter", chapterIndex), zap.Error(err))
			e.emitLocked(model.EmitError, model.ErrorPayload{
				Kind:    model.ErrorKind(err),
				Message: "chapter generation failed, please retry",
			})
			return err
		}

		if err := e.state.AppendChapter(*rec); err != nil {
			return err
		}
		if rec.Type == model.ChapterTypeReflect && pendingConsequence != "" {
			e.state.AppendAgencyEvent(rec.Index, pendingConsequence)
		}

		e.emitLocked(model.EmitChapterDelta, model.ChapterDeltaPayload{
			ChapterIndex: rec.Index,
			Text:         rec.Text,
			Done:         true,
		})
		e.emitLocked(model.EmitChapterComplete, model.ChapterCompletePayload{Record: *rec})
		e.checkpointAsync()

		if imageCh != nil {
			go e.consumeImageResult(imageCh)
		}

		if e.state.IsComplete() {
			return e.completeLocked()
		}
	}
	return nil
}

// completeLocked финализирует сессию после conclusion главы.
func (e *Engine) completeLocked() error {
	summary := pipeline.BuildSessionSummary(e.state)
	if err := transition(e.state, model.StatusCompleted); err != nil {
		return err
	}
	e.emitLocked(model.EmitSessionComplete, model.SessionCompletePayload{
		SessionID: e.state.ID.String(),
		Summary:   summary,
	})
	e.checkpointAsync()
	e.logger.Info("Adventure completed", zap.Int("chapters", len(e.state.Chapters)))
	return nil
}

// consumeImageResult забирает результат асинхронной ветки иллюстрации и
// доносит его до клиента как боковое обновление. Поздняя доставка не
// участвует в обработке выборов.
func (e *Engine) consumeImageResult(imageCh <-chan pipeline.ImageResult) {
	res, ok := <-imageCh
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.state.Chapters {
		if e.state.Chapters[i].Index != res.ChapterIndex {
			continue
		}
		if res.Err != nil {
			e.state.Chapters[i].ImageStatus = model.ImageStatusAbsent
			e.logger.Warn("Chapter finalized without image", zap.Int("chapter", res.ChapterIndex), zap.Error(res.Err))
		} else {
			e.state.Chapters[i].ImageStatus = model.ImageStatusReady
			e.state.Chapters[i].ImageURL = res.ImageURL
			e.emitLocked(model.EmitImageReady, model.ImageReadyPayload{
				ChapterIndex: res.ChapterIndex,
				ImageURL:     res.ImageURL,
			})
		}
		e.checkpointAsync()
		return
	}
}

// emitLocked отправляет сообщение клиенту, если транспорт подключен.
// Отсутствие транспорта не ошибка: resync выполняется при переподключении.
func (e *Engine) emitLocked(msgType string, payload interface{}) {
	if e.sender == nil {
		return
	}
	data, err := model.MarshalServerMessage(msgType, payload)
	if err != nil {
		e.logger.Error("Failed to marshal server message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if !e.sender.Send(data) {
		e.logger.Warn("Failed to queue message for client", zap.String("type", msgType))
	}
}

// EmitError отправляет клиенту пользовательское сообщение об ошибке.
func (e *Engine) EmitError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(model.EmitError, model.ErrorPayload{
		Kind:    model.ErrorKind(err),
		Message: userMessage(err),
	})
}

// Checkpoint синхронно пишет durable чекпоинт состояния сессии.
// Используется при остановке сервиса, когда асинхронная запись могла не успеть.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Save(ctx, e.state)
}

// checkpointAsync пишет durable чекпоинт, не задерживая ответ клиенту.
// Отказ чекпоинта — логируемая нефатальная ошибка: для живого соединения
// авторитетным остается состояние в памяти.
func (e *Engine) checkpointAsync() {
	blobOwner := e.state
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		e.mu.Lock()
		err := e.store.Save(ctx, blobOwner)
		e.mu.Unlock()
		if err == nil {
			return
		}
		e.logger.Error("Checkpoint failed, retrying once", zap.Error(err))

		time.Sleep(time.Second)
		e.mu.Lock()
		err = e.store.Save(ctx, blobOwner)
		e.mu.Unlock()
		if err != nil {
			e.logger.Error("Checkpoint retry failed, in-memory state remains authoritative", zap.Error(err))
		}
	}()
}

// userMessage переводит ошибку в безопасное пользовательское сообщение.
func userMessage(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidChoice):
		return "that choice is not among the offered options"
	case errors.Is(err, model.ErrProviderFailure):
		return "the storyteller is catching their breath, please try again"
	case errors.Is(err, model.ErrSessionNotFound):
		return "session not found or expired, please start a new adventure"
	case errors.Is(err, model.ErrProtocol):
		return "malformed request"
	default:
		return "something went wrong, please try again"
	}
}
