// Package question реализует внешний банк образовательных вопросов.
// Оркестрационный движок видит его через узкий интерфейс Inventory.
package question

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"adventure-server/internal/model"
)

// Question одна запись банка вопросов.
type Question struct {
	ID           string   `json:"id"`
	Topic        string   `json:"topic"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation,omitempty"`
}

// Inventory интерфейс банка вопросов для координатора генерации.
type Inventory interface {
	// Select возвращает вопрос по теме, не использованный в сессии (used —
	// множество уже заданных идентификаторов). При исчерпании неиспользованных
	// вопросов возвращает ранее виденный вопрос с наименьшим числом повторов
	// и ошибку model.ErrQuestionExhaustion как сигнал деградации.
	Select(topic string, used func(id string) bool) (Question, error)
	// MarkServed учитывает выдачу вопроса (счетчик повторов между сессиями).
	MarkServed(id string)
	// Get возвращает вопрос по идентификатору (проверка ответов).
	Get(id string) (Question, bool)
	// CountByTopic возвращает размер банка для темы; планировщик ограничивает
	// этим значением число lesson глав.
	CountByTopic(topic string) int
}

// Bank потокобезопасная реализация Inventory в памяти.
type Bank struct {
	mu        sync.Mutex
	questions []Question
	served    map[string]int // Идентификатор -> сколько раз вопрос выдавался.
}

// NewBank создает банк из готового набора вопросов.
func NewBank(questions []Question) *Bank {
	return &Bank{
		questions: questions,
		served:    make(map[string]int),
	}
}

// LoadFile читает банк вопросов из JSON файла.
func LoadFile(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read question bank %s: %w", path, err)
	}
	var questions []Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("failed to parse question bank %s: %w", path, err)
	}
	return NewBank(questions), nil
}

// Select реализует Inventory.
func (b *Bank) Select(topic string, used func(id string) bool) (Question, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fresh *Question
	var fallback *Question
	freshServed, fallbackServed := -1, -1

	for i := range b.questions {
		q := &b.questions[i]
		if !topicMatches(q.Topic, topic) {
			continue
		}
		served := b.served[q.ID]
		if used == nil || !used(q.ID) {
			// Среди неиспользованных предпочитаем наименее выдававшийся.
			if fresh == nil || served < freshServed {
				fresh = q
				freshServed = served
			}
			continue
		}
		if fallback == nil || served < fallbackServed {
			fallback = q
			fallbackServed = served
		}
	}

	if fresh != nil {
		return *fresh, nil
	}
	if fallback != nil {
		return *fallback, fmt.Errorf("%w: topic %q, falling back to least-repeated question", model.ErrQuestionExhaustion, topic)
	}
	return Question{}, fmt.Errorf("%w: topic %q has no questions", model.ErrQuestionExhaustion, topic)
}

// MarkServed реализует Inventory.
func (b *Bank) MarkServed(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.served[id]++
}

// Get реализует Inventory.
func (b *Bank) Get(id string) (Question, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.questions {
		if b.questions[i].ID == id {
			return b.questions[i], true
		}
	}
	return Question{}, false
}

// CountByTopic реализует Inventory.
func (b *Bank) CountByTopic(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for i := range b.questions {
		if topicMatches(b.questions[i].Topic, topic) {
			count++
		}
	}
	return count
}

func topicMatches(questionTopic, requested string) bool {
	if requested == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(questionTopic), strings.TrimSpace(requested))
}
