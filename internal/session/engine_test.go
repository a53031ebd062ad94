package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"adventure-server/internal/model"
	"adventure-server/internal/pipeline"
	"adventure-server/internal/question"
)

// recordingSender копит исходящие сообщения сервера для проверок.
type recordingSender struct {
	mu       sync.Mutex
	messages []model.ServerMessage
}

func (s *recordingSender) Send(data []byte) bool {
	var msg model.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return true
}

func (s *recordingSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Type
	}
	return out
}

func (s *recordingSender) count(msgType string) int {
	count := 0
	for _, t := range s.types() {
		if t == msgType {
			count++
		}
	}
	return count
}

// stubGenerator детерминированный генератор глав: запись собирается из типа
// и текущего индекса, мутации состояния повторяют контракт координатора.
// При заданных imageURL/imageErr каждая глава получает ветку иллюстрации
// с уже готовым результатом в канале.
type stubGenerator struct {
	mu       sync.Mutex
	calls    int
	fail     bool
	imageURL string
	imageErr error
}

func (g *stubGenerator) GenerateChapter(_ context.Context, state *model.SessionState, chapterType model.ChapterType) (*model.ChapterRecord, <-chan pipeline.ImageResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return nil, nil, fmt.Errorf("%w: provider unavailable", model.ErrProviderFailure)
	}
	g.calls++

	rec := &model.ChapterRecord{
		Index:   state.CurrentChapterIndex,
		Type:    chapterType,
		Text:    fmt.Sprintf("Глава %d (%s).", state.CurrentChapterIndex, chapterType),
		Summary: fmt.Sprintf("Итог главы %d.", state.CurrentChapterIndex),
	}
	switch chapterType {
	case model.ChapterTypeStory:
		rec.Choices = []string{"налево", "направо", "вверх"}
	case model.ChapterTypeLesson:
		rec.Choices = []string{"3", "4", "5"}
		rec.QuestionID = "m1"
		state.MarkQuestionUsed("m1")
	case model.ChapterTypeReflect:
		state.ConsumePendingConsequence()
	}

	var imageCh <-chan pipeline.ImageResult
	if g.imageURL != "" || g.imageErr != nil {
		rec.ImageStatus = model.ImageStatusPending
		ch := make(chan pipeline.ImageResult, 1)
		ch <- pipeline.ImageResult{ChapterIndex: rec.Index, ImageURL: g.imageURL, Err: g.imageErr}
		close(ch)
		imageCh = ch
	}
	return rec, imageCh, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeStore хранилище чекпоинтов в памяти.
type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[string][]byte)}
}

func (s *fakeStore) Save(_ context.Context, state *model.SessionState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[state.ID.String()] = blob
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Load(_ context.Context, sessionID string) (*model.SessionState, error) {
	s.mu.Lock()
	blob, ok := s.blobs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %s", model.ErrSessionNotFound, sessionID)
	}
	var state model.SessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *fakeStore) Expire(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.blobs, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) savedStatus(sessionID string) (model.SessionStatus, bool) {
	state, err := s.Load(context.Background(), sessionID)
	if err != nil {
		return "", false
	}
	return state.Status, true
}

func engineInventory() question.Inventory {
	return question.NewBank([]question.Question{
		{ID: "m1", Topic: "math", Prompt: "2+2?", Options: []string{"3", "4", "5"}, CorrectIndex: 1},
	})
}

func newEngineUnderTest(t *testing.T, types ...model.ChapterType) (*Engine, *stubGenerator, *recordingSender, *fakeStore) {
	t.Helper()
	state := model.NewSessionState(len(types), model.NarrativeElements{
		Theme:   "дружба",
		Setting: "плавучий город",
	}, model.AgencyReference{
		Kind: model.AgencyItem,
		Name: "компас, указывающий на ложь",
	}, model.SessionMetadata{Topic: "math"})
	state.PlannedChapterTypes = types

	gen := &stubGenerator{}
	store := newFakeStore()
	engine := NewEngine(state, gen, store, engineInventory(), zap.NewNop())
	return engine, gen, &recordingSender{}, store
}

func choiceEvent(t *testing.T, index int) *model.ClientEvent {
	t.Helper()
	payload, err := json.Marshal(model.SubmitChoicePayload{Index: index})
	require.NoError(t, err)
	return &model.ClientEvent{Type: model.EventSubmitChoice, Payload: payload}
}

func answerEvent(t *testing.T, questionID string, index int) *model.ClientEvent {
	t.Helper()
	payload, err := json.Marshal(model.SubmitAnswerPayload{QuestionID: questionID, SelectedIndex: index})
	require.NoError(t, err)
	return &model.ClientEvent{Type: model.EventSubmitAnswer, Payload: payload}
}

func TestEngineAttachStartsAdventure(t *testing.T) {
	engine, gen, sender, _ := newEngineUnderTest(t,
		model.ChapterTypeStory, model.ChapterTypeStory, model.ChapterTypeConclusion)

	require.NoError(t, engine.Attach(context.Background(), sender, false))

	assert.Equal(t, model.StatusActive, engine.Status())
	assert.Equal(t, 1, gen.callCount(), "generation stops at the first chapter with choices")
	assert.Equal(t, []string{
		model.EmitSessionStarted,
		model.EmitChapterDelta,
		model.EmitChapterComplete,
	}, sender.types())
}

func TestEngineChoiceAdvancesToCompletion(t *testing.T) {
	engine, gen, sender, _ := newEngineUnderTest(t,
		model.ChapterTypeStory, model.ChapterTypeStory, model.ChapterTypeConclusion)
	ctx := context.Background()
	require.NoError(t, engine.Attach(ctx, sender, false))

	require.NoError(t, engine.HandleEvent(ctx, choiceEvent(t, 1)))
	assert.Equal(t, 2, gen.callCount())

	// Вторая story глава ждет выбора; после него conclusion завершает сессию.
	require.NoError(t, engine.HandleEvent(ctx, choiceEvent(t, 0)))
	assert.Equal(t, 3, gen.callCount())
	assert.Equal(t, model.StatusCompleted, engine.Status())
	assert.Equal(t, 1, sender.count(model.EmitSessionComplete))
	assert.Equal(t, 3, sender.count(model.EmitChapterComplete))
}

func TestEngineRejectsInvalidChoice(t *testing.T) {
	engine, gen, sender, _ := newEngineUnderTest(t,
		model.ChapterTypeStory, model.ChapterTypeStory, model.ChapterTypeConclusion)
	ctx := context.Background()
	require.NoError(t, engine.Attach(ctx, sender, false))

	t.Run("out of range index", func(t *testing.T) {
		err := engine.HandleEvent(ctx, choiceEvent(t, 7))
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrInvalidChoice)
		assert.Equal(t, 1, gen.callCount(), "rejected choice must not trigger generation")
	})

	t.Run("negative index", func(t *testing.T) {
		err := engine.HandleEvent(ctx, choiceEvent(t, -1))
		assert.ErrorIs(t, err, model.ErrInvalidChoice)
	})

	t.Run("valid choice still accepted afterwards", func(t *testing.T) {
		require.NoError(t, engine.HandleEvent(ctx, choiceEvent(t, 2)))
		assert.Equal(t, 2, gen.callCount())
	})

	t.Run("double submit rejected", func(t *testing.T) {
		// Текущая глава снова story; первый выбор проходит, повторный — нет.
		require.NoError(t, engine.HandleEvent(ctx, choiceEvent(t, 0)))
		err := engine.HandleEvent(ctx, choiceEvent(t, 1))
		assert.ErrorIs(t, err, model.ErrProtocol, "completed session rejects further events")
	})
}

func TestEngineAnswerFlow(t *testing.T) {
	t.Run("correct answer leaves no consequence", func(t *testing.T) {
		engine, _, _, _ := newEngineUnderTest(t,
			model.ChapterTypeLesson, model.ChapterTypeReflect, model.ChapterTypeConclusion)
		ctx := context.Background()
		sender := &recordingSender{}
		require.NoError(t, engine.Attach(ctx, sender, false))

		require.NoError(t, engine.HandleEvent(ctx, answerEvent(t, "m1", 1)))

		state := engine.state
		lesson := state.Chapters[0]
		require.NotNil(t, lesson.AnswerCorrect)
		assert.True(t, *lesson.AnswerCorrect)
		assert.Empty(t, state.Agency.EvolutionHistory)
		assert.Equal(t, model.StatusCompleted, engine.Status())
	})

	t.Run("incorrect answer evolves agency at reflect chapter", func(t *testing.T) {
		engine, _, _, _ := newEngineUnderTest(t,
			model.ChapterTypeLesson, model.ChapterTypeReflect, model.ChapterTypeConclusion)
		ctx := context.Background()
		sender := &recordingSender{}
		require.NoError(t, engine.Attach(ctx, sender, false))

		require.NoError(t, engine.HandleEvent(ctx, answerEvent(t, "m1", 0)))

		state := engine.state
		lesson := state.Chapters[0]
		require.NotNil(t, lesson.AnswerCorrect)
		assert.False(t, *lesson.AnswerCorrect)

		require.Len(t, state.Agency.EvolutionHistory, 1)
		assert.Equal(t, 2, state.Agency.EvolutionHistory[0].ChapterIndex, "consequence lands on the reflect chapter")
		assert.Empty(t, state.PendingConsequence, "consequence consumed by the reflect chapter")
	})

	t.Run("question id mismatch rejected", func(t *testing.T) {
		engine, gen, sender, _ := newEngineUnderTest(t,
			model.ChapterTypeLesson, model.ChapterTypeReflect, model.ChapterTypeConclusion)
		ctx := context.Background()
		require.NoError(t, engine.Attach(ctx, sender, false))

		err := engine.HandleEvent(ctx, answerEvent(t, "wrong", 1))
		assert.ErrorIs(t, err, model.ErrInvalidChoice)
		assert.Equal(t, 1, gen.callCount())
	})

	t.Run("choice event on lesson chapter rejected", func(t *testing.T) {
		engine, _, sender, _ := newEngineUnderTest(t,
			model.ChapterTypeLesson, model.ChapterTypeReflect, model.ChapterTypeConclusion)
		ctx := context.Background()
		require.NoError(t, engine.Attach(ctx, sender, false))

		err := engine.HandleEvent(ctx, choiceEvent(t, 1))
		assert.ErrorIs(t, err, model.ErrInvalidChoice)
	})
}

func TestEngineGenerationFailureIsRecoverable(t *testing.T) {
	engine, gen, sender, _ := newEngineUnderTest(t,
		model.ChapterTypeStory, model.ChapterTypeStory, model.ChapterTypeConclusion)
	gen.fail = true
	ctx := context.Background()

	err := engine.Attach(ctx, sender, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrProviderFailure)
	assert.Equal(t, 1, sender.count(model.EmitError))
	assert.Equal(t, model.StatusActive, engine.Status(), "session survives a failed generation")
	assert.Empty(t, engine.state.Chapters)

	// Провайдер ожил: повторное подключение продолжает с того же индекса.
	gen.fail = false
	retrySender := &recordingSender{}
	require.NoError(t, engine.Attach(ctx, retrySender, false))
	assert.Equal(t, 1, gen.callCount())
	assert.Equal(t, 1, engine.state.Chapters[0].Index)
}

func TestEngineDetachSuspends(t *testing.T) {
	engine, gen, sender, _ := newEngineUnderTest(t,
		model.ChapterTypeStory, model.ChapterTypeStory, model.ChapterTypeConclusion)
	ctx := context.Background()
	require.NoError(t, engine.Attach(ctx, sender, false))

	assert.True(t, engine.Detach(sender))
	assert.Equal(t, model.StatusSuspended, engine.Status())

	// События после потери транспорта отклоняются.
	err := engine.HandleEvent(ctx, choiceEvent(t, 0))
	assert.ErrorIs(t, err, model.ErrProtocol)

	// Возобновление повторяет последнюю главу без повторной генерации.
	resumeSender := &recordingSender{}
	require.NoError(t, engine.Attach(ctx, resumeSender, true))
	assert.Equal(t, model.StatusActive, engine.Status())
	assert.Equal(t, 1, gen.callCount())
	assert.Equal(t, []string{
		model.EmitSessionStarted,
		model.EmitChapterDelta,
		model.EmitChapterComplete,
	}, resumeSender.types())

	var started model.SessionStartedPayload
	raw, err := json.Marshal(resumeSender.messages[0].Payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &started))
	assert.True(t, started.Resumed)
}

func TestEngineStaleDetachIgnored(t *testing.T) {
	engine, gen, oldSender, _ := newEngineUnderTest(t,
		model.ChapterTypeStory, model.ChapterTypeStory, model.ChapterTypeConclusion)
	ctx := context.Background()
	require.NoError(t, engine.Attach(ctx, oldSender, false))

	// Новое соединение вытесняет старое, не дожидаясь его закрытия.
	newSender := &recordingSender{}
	require.NoError(t, engine.Attach(ctx, newSender, true))
	assert.Equal(t, model.StatusActive, engine.Status())

	// Запоздавший teardown старого соединения не трогает живое.
	assert.False(t, engine.Detach(oldSender))
	assert.Equal(t, model.StatusActive, engine.Status())

	require.NoError(t, engine.HandleEvent(ctx, choiceEvent(t, 0)))
	assert.Equal(t, 2, gen.callCount())
	assert.Equal(t, 1, newSender.count(model.EmitSessionStarted))
	assert.GreaterOrEqual(t, newSender.count(model.EmitChapterComplete), 2, "live sender keeps receiving chapters")

	// Отвязка действующего транспорта работает как прежде.
	assert.True(t, engine.Detach(newSender))
	assert.Equal(t, model.StatusSuspended, engine.Status())
}

func TestEngineImageResult(t *testing.T) {
	readState := func(engine *Engine, check func(*model.SessionState) bool) func() bool {
		return func() bool {
			engine.mu.Lock()
			defer engine.mu.Unlock()
			return check(engine.state)
		}
	}

	t.Run("success stamps ready and emits image_ready", func(t *testing.T) {
		engine, gen, sender, _ := newEngineUnderTest(t,
			model.ChapterTypeStory, model.ChapterTypeStory, model.ChapterTypeConclusion)
		gen.imageURL = "http://img/1.jpg"
		require.NoError(t, engine.Attach(context.Background(), sender, false))

		require.Eventually(t, readState(engine, func(s *model.SessionState) bool {
			return s.Chapters[0].ImageStatus == model.ImageStatusReady
		}), 2*time.Second, 10*time.Millisecond)

		engine.mu.Lock()
		assert.Equal(t, "http://img/1.jpg", engine.state.Chapters[0].ImageURL)
		engine.mu.Unlock()
		assert.Eventually(t, func() bool {
			return sender.count(model.EmitImageReady) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("failure stamps absent without blocking progression", func(t *testing.T) {
		engine, gen, sender, _ := newEngineUnderTest(t,
			model.ChapterTypeStory, model.ChapterTypeStory, model.ChapterTypeConclusion)
		gen.imageErr = fmt.Errorf("%w: backend down", model.ErrImageUnavailable)
		ctx := context.Background()
		require.NoError(t, engine.Attach(ctx, sender, false))

		require.Eventually(t, readState(engine, func(s *model.SessionState) bool {
			return s.Chapters[0].ImageStatus == model.ImageStatusAbsent
		}), 2*time.Second, 10*time.Millisecond)

		engine.mu.Lock()
		assert.NotEmpty(t, engine.state.Chapters[0].Text, "narrative text survives image failure")
		assert.Empty(t, engine.state.Chapters[0].ImageURL)
		engine.mu.Unlock()
		assert.Zero(t, sender.count(model.EmitImageReady))

		// Следующий выбор проходит: отказ иллюстрации не блокирует главы.
		require.NoError(t, engine.HandleEvent(ctx, choiceEvent(t, 0)))
		require.Eventually(t, readState(engine, func(s *model.SessionState) bool {
			return len(s.Chapters) == 2 && s.Chapters[1].ImageStatus == model.ImageStatusAbsent
		}), 2*time.Second, 10*time.Millisecond)
	})
}

func TestEngineAbandonKeepsCheckpoint(t *testing.T) {
	engine, _, sender, store := newEngineUnderTest(t,
		model.ChapterTypeStory, model.ChapterTypeStory, model.ChapterTypeConclusion)
	ctx := context.Background()
	require.NoError(t, engine.Attach(ctx, sender, false))

	engine.Detach(sender)
	engine.Abandon()
	assert.Equal(t, model.StatusAbandoned, engine.Status())

	assert.Eventually(t, func() bool {
		status, ok := store.savedStatus(engine.SessionID())
		return ok && status == model.StatusAbandoned
	}, 2*time.Second, 10*time.Millisecond, "abandoned session keeps its durable checkpoint")
}
