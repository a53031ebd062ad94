package model

import (
	"fmt"
	"strings"
)

// ChapterType определяет возможные типы глав приключения.
type ChapterType string

const (
	ChapterTypeStory      ChapterType = "story"      // Повествовательная глава с тремя вариантами выбора.
	ChapterTypeLesson     ChapterType = "lesson"     // Образовательная глава с вопросом.
	ChapterTypeReflect    ChapterType = "reflect"    // Глава-рефлексия, всегда следует за lesson.
	ChapterTypeConclusion ChapterType = "conclusion" // Финальная глава, без выборов.
	ChapterTypeSummary    ChapterType = "summary"    // Итоговый обзор приключения.
)

// ParseChapterType разбирает строковое значение типа главы без учета регистра.
// Сохраненные состояния могут содержать значения в верхнем регистре.
func ParseChapterType(s string) (ChapterType, error) {
	switch ChapterType(strings.ToLower(strings.TrimSpace(s))) {
	case ChapterTypeStory:
		return ChapterTypeStory, nil
	case ChapterTypeLesson:
		return ChapterTypeLesson, nil
	case ChapterTypeReflect:
		return ChapterTypeReflect, nil
	case ChapterTypeConclusion:
		return ChapterTypeConclusion, nil
	case ChapterTypeSummary:
		return ChapterTypeSummary, nil
	default:
		return "", fmt.Errorf("%w: unknown chapter type %q", ErrInvalidInput, s)
	}
}

// HasChoices сообщает, предлагает ли глава этого типа варианты выбора игроку.
func (t ChapterType) HasChoices() bool {
	return t == ChapterTypeStory || t == ChapterTypeLesson
}

// ImageStatus статус генерации иллюстрации для главы.
type ImageStatus string

const (
	ImageStatusPending ImageStatus = "pending" // Генерация запущена, результата еще нет.
	ImageStatusReady   ImageStatus = "ready"   // Иллюстрация сгенерирована и доступна по URL.
	ImageStatusAbsent  ImageStatus = "absent"  // Генерация не удалась после всех попыток.
)

// ChapterRecord представляет одну завершенную главу приключения.
// Запись создается атомарно после успешной генерации и после этого
// не изменяется, за исключением присоединения summary и иллюстрации.
type ChapterRecord struct {
	Index          int         `json:"index"` // 1-based номер главы.
	Type           ChapterType `json:"type"`
	Text           string      `json:"text"`
	Choices        []string    `json:"choices,omitempty"`         // Пусто для conclusion/summary.
	SelectedChoice *int        `json:"selected_choice,omitempty"` // Индекс выбранного варианта (0-based).
	QuestionID     string      `json:"question_id,omitempty"`     // Только для lesson.
	AnswerCorrect  *bool       `json:"answer_correct,omitempty"`  // Только для lesson.
	Summary        string      `json:"summary,omitempty"`         // Краткое содержание, вычисляется лениво.
	ImageStatus    ImageStatus `json:"image_status,omitempty"`
	ImageURL       string      `json:"image_url,omitempty"`
}
