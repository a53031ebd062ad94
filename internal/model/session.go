package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus определяет возможные статусы сессии приключения.
// Совпадает с машиной состояний протокольного обработчика.
type SessionStatus string

const (
	StatusConnecting SessionStatus = "connecting" // Рукопожатие еще не завершено.
	StatusActive     SessionStatus = "active"     // Клиент подключен, сессия идет.
	StatusSuspended  SessionStatus = "suspended"  // Транспорт потерян, ждем переподключения.
	StatusCompleted  SessionStatus = "completed"  // Финальная глава завершена.
	StatusAbandoned  SessionStatus = "abandoned"  // Бюджет переподключений исчерпан.
)

// AgencyKind вид выбранного игроком элемента влияния на сюжет.
type AgencyKind string

const (
	AgencyItem      AgencyKind = "item"
	AgencyCompanion AgencyKind = "companion"
	AgencyRole      AgencyKind = "role"
	AgencyAbility   AgencyKind = "ability"
)

// AgencyEvent одна запись истории эволюции элемента влияния.
type AgencyEvent struct {
	ChapterIndex int    `json:"chapter_index"`
	Change       string `json:"change"`
}

// AgencyReference выбранный в начале сессии элемент влияния и его история.
// Элемент назначается один раз; история только пополняется.
type AgencyReference struct {
	Kind             AgencyKind    `json:"kind"`
	Name             string        `json:"name"`
	Description      string        `json:"description,omitempty"`
	EvolutionHistory []AgencyEvent `json:"evolution_history,omitempty"`
}

// NarrativeElements набор повествовательных элементов, выбираемых один раз
// при создании сессии и неизменных до ее завершения.
type NarrativeElements struct {
	Theme          string `json:"theme"`
	Setting        string `json:"setting"`
	Moral          string `json:"moral"`
	PlotTwist      string `json:"plot_twist"`
	SensoryPalette string `json:"sensory_palette"`
	Protagonist    string `json:"protagonist"`
}

// SessionMetadata типизированная запись вспомогательных фактов сессии.
// Известные поля вынесены явно; все прочее живет в Extra и обязано
// переживать сериализацию без изменений.
type SessionMetadata struct {
	ProtagonistGender     string            `json:"protagonist_gender,omitempty"`
	ProtagonistBaseVisual string            `json:"protagonist_base_visual,omitempty"`
	Topic                 string            `json:"topic,omitempty"` // Тема вопросов для lesson глав.
	Extra                 map[string]string `json:"extra,omitempty"`
}

// SessionState каноническое состояние одного приключения. Владельцем состояния
// на все время жизни сессии является исключительно оркестрационный движок.
type SessionState struct {
	ID                  uuid.UUID         `json:"id"`
	Status              SessionStatus     `json:"status"`
	TotalChapters       int               `json:"total_chapters"`
	CurrentChapterIndex int               `json:"current_chapter_index"` // 1-based, монотонно растет.
	PlannedChapterTypes []ChapterType     `json:"planned_chapter_types"`
	Chapters            []ChapterRecord   `json:"chapters"` // Только добавление, записи не мутируются.
	UsedQuestionIDs     []string          `json:"used_question_ids,omitempty"`
	NarrativeElements   NarrativeElements `json:"narrative_elements"`
	CharacterVisuals    map[string]string `json:"character_visuals,omitempty"` // Имя персонажа -> последнее визуальное описание.
	Agency              AgencyReference   `json:"agency"`
	Metadata            SessionMetadata   `json:"metadata"`
	PendingConsequence  string            `json:"pending_consequence,omitempty"` // Сюжетное последствие неверного ответа, расходуется следующей reflect главой.
	CreatedAt           time.Time         `json:"created_at"`
	LastActivityAt      time.Time         `json:"last_activity_at"`
}

// NewSessionState создает состояние новой сессии. План глав назначается
// отдельно, сразу после создания.
func NewSessionState(totalChapters int, elements NarrativeElements, agency AgencyReference, meta SessionMetadata) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		ID:                  uuid.New(),
		Status:              StatusConnecting,
		TotalChapters:       totalChapters,
		CurrentChapterIndex: 1,
		Chapters:            make([]ChapterRecord, 0, totalChapters),
		NarrativeElements:   elements,
		CharacterVisuals:    make(map[string]string),
		Agency:              agency,
		Metadata:            meta,
		CreatedAt:           now,
		LastActivityAt:      now,
	}
}

// PlannedTypeAt возвращает запланированный тип главы по 1-based индексу.
func (s *SessionState) PlannedTypeAt(index int) (ChapterType, error) {
	if index < 1 || index > len(s.PlannedChapterTypes) {
		return "", fmt.Errorf("%w: chapter index %d out of range [1, %d]", ErrInvalidInput, index, len(s.PlannedChapterTypes))
	}
	return s.PlannedChapterTypes[index-1], nil
}

// AppendChapter атомарно присоединяет завершенную запись главы и продвигает
// текущий индекс. Запись с неожиданным индексом отклоняется, состояние не меняется.
func (s *SessionState) AppendChapter(rec ChapterRecord) error {
	if rec.Index != s.CurrentChapterIndex {
		return fmt.Errorf("%w: chapter record index %d, expected %d", ErrInvalidInput, rec.Index, s.CurrentChapterIndex)
	}
	if rec.Index > s.TotalChapters {
		return fmt.Errorf("%w: chapter index %d exceeds total %d", ErrInvalidInput, rec.Index, s.TotalChapters)
	}
	s.Chapters = append(s.Chapters, rec)
	s.CurrentChapterIndex++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// LastChapter возвращает последнюю завершенную главу или nil.
func (s *SessionState) LastChapter() *ChapterRecord {
	if len(s.Chapters) == 0 {
		return nil
	}
	return &s.Chapters[len(s.Chapters)-1]
}

// MarkQuestionUsed добавляет идентификатор вопроса в множество использованных.
// Повторное добавление не дублирует значение: в пределах сессии идентификатор
// встречается не более одного раза.
func (s *SessionState) MarkQuestionUsed(id string) {
	for _, used := range s.UsedQuestionIDs {
		if used == id {
			return
		}
	}
	s.UsedQuestionIDs = append(s.UsedQuestionIDs, id)
}

// QuestionUsed сообщает, задавался ли вопрос в этой сессии.
func (s *SessionState) QuestionUsed(id string) bool {
	for _, used := range s.UsedQuestionIDs {
		if used == id {
			return true
		}
	}
	return false
}

// MergeCharacterVisuals вливает извлеченные визуальные описания персонажей.
// Для каждого имени побеждает последняя запись.
func (s *SessionState) MergeCharacterVisuals(visuals map[string]string) {
	if s.CharacterVisuals == nil {
		s.CharacterVisuals = make(map[string]string, len(visuals))
	}
	for name, desc := range visuals {
		name = strings.TrimSpace(name)
		desc = strings.TrimSpace(desc)
		if name == "" || desc == "" {
			continue
		}
		s.CharacterVisuals[name] = desc
	}
}

// AppendAgencyEvent пополняет историю эволюции элемента влияния.
func (s *SessionState) AppendAgencyEvent(chapterIndex int, change string) {
	s.Agency.EvolutionHistory = append(s.Agency.EvolutionHistory, AgencyEvent{
		ChapterIndex: chapterIndex,
		Change:       change,
	})
}

// ConsumePendingConsequence отдает отложенное сюжетное последствие (если есть)
// и очищает его. Вызывается при генерации ближайшей reflect главы.
func (s *SessionState) ConsumePendingConsequence() string {
	c := s.PendingConsequence
	s.PendingConsequence = ""
	return c
}

// IsComplete сообщает, пройдены ли все главы приключения.
func (s *SessionState) IsComplete() bool {
	return s.CurrentChapterIndex > s.TotalChapters
}

// Normalize приводит восстановленное из хранилища состояние к каноническому виду.
// Допускает значения enum в произвольном регистре и устаревший тип последней
// главы: если текущий индекс равен полному числу глав при уже записанной
// финальной главе, сессия считается завершенной по conclusion.
func (s *SessionState) Normalize() error {
	// Достигнут конец плана: финальная глава обязана быть conclusion, даже
	// если сохраненная строка типа устарела или вовсе не разбирается.
	planEnded := s.CurrentChapterIndex == s.TotalChapters && len(s.PlannedChapterTypes) == s.TotalChapters
	if planEnded {
		s.PlannedChapterTypes[s.TotalChapters-1] = ChapterTypeConclusion
	}
	for i, t := range s.PlannedChapterTypes {
		parsed, err := ParseChapterType(string(t))
		if err != nil {
			return err
		}
		s.PlannedChapterTypes[i] = parsed
	}
	for i := range s.Chapters {
		parsed, err := ParseChapterType(string(s.Chapters[i].Type))
		if err != nil {
			return err
		}
		s.Chapters[i].Type = parsed
	}
	s.Status = SessionStatus(strings.ToLower(string(s.Status)))
	switch s.Status {
	case StatusConnecting, StatusActive, StatusSuspended, StatusCompleted, StatusAbandoned:
	default:
		return fmt.Errorf("%w: unknown session status %q", ErrProtocol, s.Status)
	}
	// Если запись финальной главы уже есть, сессия считается завершенной.
	if planEnded {
		if last := s.LastChapter(); last != nil && last.Index == s.TotalChapters {
			s.CurrentChapterIndex = s.TotalChapters + 1
			s.Status = StatusCompleted
		}
	}
	if s.CharacterVisuals == nil {
		s.CharacterVisuals = make(map[string]string)
	}
	return nil
}
