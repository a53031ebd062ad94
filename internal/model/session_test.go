package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(total int) *SessionState {
	state := NewSessionState(total, NarrativeElements{
		Theme:       "дружба",
		Setting:     "плавучий город на спинах черепах",
		Moral:       "честность дороже выгоды",
		Protagonist: "юная картографиня",
	}, AgencyReference{
		Kind: AgencyItem,
		Name: "компас, указывающий на ложь",
	}, SessionMetadata{Topic: "math"})
	types := make([]ChapterType, total)
	for i := range types {
		types[i] = ChapterTypeStory
	}
	types[total-1] = ChapterTypeConclusion
	state.PlannedChapterTypes = types
	return state
}

func TestAppendChapter(t *testing.T) {
	t.Run("advances index on matching record", func(t *testing.T) {
		state := newTestState(3)
		err := state.AppendChapter(ChapterRecord{Index: 1, Type: ChapterTypeStory, Text: "глава"})
		require.NoError(t, err)
		assert.Equal(t, 2, state.CurrentChapterIndex)
		require.NotNil(t, state.LastChapter())
		assert.Equal(t, 1, state.LastChapter().Index)
	})

	t.Run("rejects stale index without mutation", func(t *testing.T) {
		state := newTestState(3)
		require.NoError(t, state.AppendChapter(ChapterRecord{Index: 1, Type: ChapterTypeStory}))

		err := state.AppendChapter(ChapterRecord{Index: 1, Type: ChapterTypeStory})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Equal(t, 2, state.CurrentChapterIndex)
		assert.Len(t, state.Chapters, 1)
	})

	t.Run("rejects index beyond total", func(t *testing.T) {
		state := newTestState(1)
		state.CurrentChapterIndex = 2
		err := state.AppendChapter(ChapterRecord{Index: 2, Type: ChapterTypeStory})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("session complete after final chapter", func(t *testing.T) {
		state := newTestState(3)
		require.NoError(t, state.AppendChapter(ChapterRecord{Index: 1, Type: ChapterTypeStory}))
		require.NoError(t, state.AppendChapter(ChapterRecord{Index: 2, Type: ChapterTypeStory}))
		assert.False(t, state.IsComplete())
		require.NoError(t, state.AppendChapter(ChapterRecord{Index: 3, Type: ChapterTypeConclusion}))
		assert.True(t, state.IsComplete())
	})
}

func TestPlannedTypeAt(t *testing.T) {
	state := newTestState(3)
	typ, err := state.PlannedTypeAt(3)
	require.NoError(t, err)
	assert.Equal(t, ChapterTypeConclusion, typ)

	_, err = state.PlannedTypeAt(0)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = state.PlannedTypeAt(4)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMarkQuestionUsed(t *testing.T) {
	state := newTestState(3)
	state.MarkQuestionUsed("q1")
	state.MarkQuestionUsed("q2")
	state.MarkQuestionUsed("q1")
	assert.Equal(t, []string{"q1", "q2"}, state.UsedQuestionIDs, "repeated mark must not duplicate")
	assert.True(t, state.QuestionUsed("q1"))
	assert.False(t, state.QuestionUsed("q3"))
}

func TestMergeCharacterVisuals(t *testing.T) {
	state := newTestState(3)
	state.MergeCharacterVisuals(map[string]string{
		"Мира":  "рыжие косы, плащ из карт",
		"Страж": "каменное лицо, мох на плечах",
	})
	state.MergeCharacterVisuals(map[string]string{
		"Мира": "рыжие косы, обгоревший плащ",
		"  ":   "пусто",
	})
	assert.Equal(t, "рыжие косы, обгоревший плащ", state.CharacterVisuals["Мира"], "last write wins")
	assert.Equal(t, "каменное лицо, мох на плечах", state.CharacterVisuals["Страж"])
	assert.Len(t, state.CharacterVisuals, 2)
}

func TestConsumePendingConsequence(t *testing.T) {
	state := newTestState(3)
	assert.Empty(t, state.ConsumePendingConsequence())
	state.PendingConsequence = "компас треснул"
	assert.Equal(t, "компас треснул", state.ConsumePendingConsequence())
	assert.Empty(t, state.PendingConsequence, "consequence is consumed exactly once")
}

func TestSessionStateJSONRoundTrip(t *testing.T) {
	state := newTestState(5)
	state.Status = StatusActive
	state.Metadata.Extra = map[string]string{"client": "ios"}
	correct := false
	selected := 1
	require.NoError(t, state.AppendChapter(ChapterRecord{
		Index:          1,
		Type:           ChapterTypeStory,
		Text:           "начало",
		Choices:        []string{"налево", "направо", "вверх"},
		SelectedChoice: &selected,
		ImageStatus:    ImageStatusReady,
		ImageURL:       "http://img/1.jpg",
	}))
	require.NoError(t, state.AppendChapter(ChapterRecord{
		Index:         2,
		Type:          ChapterTypeLesson,
		Text:          "вопрос",
		QuestionID:    "q7",
		AnswerCorrect: &correct,
	}))
	state.MarkQuestionUsed("q7")
	state.PendingConsequence = "туман сгущается"
	state.AppendAgencyEvent(2, "компас потускнел")
	state.MergeCharacterVisuals(map[string]string{"Мира": "рыжие косы"})

	data, err := json.Marshal(state)
	require.NoError(t, err)

	var restored SessionState
	require.NoError(t, json.Unmarshal(data, &restored))
	require.NoError(t, restored.Normalize())

	assert.Equal(t, state.ID, restored.ID)
	assert.Equal(t, state.Status, restored.Status)
	assert.Equal(t, state.CurrentChapterIndex, restored.CurrentChapterIndex)
	assert.Equal(t, state.PlannedChapterTypes, restored.PlannedChapterTypes)
	assert.Equal(t, state.Chapters, restored.Chapters)
	assert.Equal(t, state.UsedQuestionIDs, restored.UsedQuestionIDs)
	assert.Equal(t, state.PendingConsequence, restored.PendingConsequence)
	assert.Equal(t, state.Agency, restored.Agency)
	assert.Equal(t, state.CharacterVisuals, restored.CharacterVisuals)
	assert.Equal(t, state.Metadata, restored.Metadata)

	// Повторный цикл сериализации не меняет представление.
	again, err := json.Marshal(&restored)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestNormalize(t *testing.T) {
	t.Run("case insensitive enums", func(t *testing.T) {
		state := newTestState(3)
		state.Status = "ACTIVE"
		state.PlannedChapterTypes[0] = "Story"
		require.NoError(t, state.AppendChapter(ChapterRecord{Index: 1, Type: "STORY"}))

		require.NoError(t, state.Normalize())
		assert.Equal(t, StatusActive, state.Status)
		assert.Equal(t, ChapterTypeStory, state.PlannedChapterTypes[0])
		assert.Equal(t, ChapterTypeStory, state.Chapters[0].Type)
	})

	t.Run("legacy plan gets conclusion at final position", func(t *testing.T) {
		state := newTestState(3)
		state.Status = StatusSuspended
		state.PlannedChapterTypes[2] = ChapterTypeStory // устаревший план без conclusion
		state.CurrentChapterIndex = 3

		require.NoError(t, state.Normalize())
		assert.Equal(t, ChapterTypeConclusion, state.PlannedChapterTypes[2])
		assert.Equal(t, StatusSuspended, state.Status)
	})

	t.Run("unparsable final planned type coerced at plan end", func(t *testing.T) {
		state := newTestState(3)
		state.Status = StatusSuspended
		state.PlannedChapterTypes[2] = "ending" // значение вне enum из старого блоба
		state.CurrentChapterIndex = 3

		require.NoError(t, state.Normalize())
		assert.Equal(t, ChapterTypeConclusion, state.PlannedChapterTypes[2])
	})

	t.Run("final record marks session completed", func(t *testing.T) {
		state := newTestState(3)
		state.Status = StatusSuspended
		state.Chapters = []ChapterRecord{
			{Index: 1, Type: ChapterTypeStory},
			{Index: 2, Type: ChapterTypeStory},
			{Index: 3, Type: ChapterTypeConclusion},
		}
		state.CurrentChapterIndex = 3 // запись финала есть, индекс не продвинут

		require.NoError(t, state.Normalize())
		assert.Equal(t, StatusCompleted, state.Status)
		assert.True(t, state.IsComplete())
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		state := newTestState(3)
		state.Status = "frozen"
		err := state.Normalize()
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("unknown chapter type rejected", func(t *testing.T) {
		state := newTestState(3)
		state.Status = StatusActive
		state.PlannedChapterTypes[1] = "battle"
		err := state.Normalize()
		assert.Error(t, err)
	})
}
