// Package planner вычисляет полную последовательность типов глав приключения
// до начала генерации. Планирование — чистая функция от числа глав, размера
// банка вопросов и зерна случайности.
package planner

import (
	"fmt"
	"math"
	"math/rand"

	"adventure-server/internal/model"
)

// MinTotalChapters минимальное число глав, вмещающее обязательный шаблон:
// две вступительные story, предфинальная story и conclusion.
const MinTotalChapters = 3

// DefaultLessonRatio — доля внутренних глав, отводимая под пары lesson+reflect.
// В исходных ревизиях встречались значения 0.4 и 0.5; зафиксировано 0.5.
const DefaultLessonRatio = 0.5

// lessonSpacing минимальное расстояние между началами lesson глав: за lesson
// следует reflect, за reflect обязана идти story.
const lessonSpacing = 3

// Plan возвращает последовательность типов для total глав, соблюдая:
// главы 1-2 и total-1 — story, глава total — conclusion, каждая lesson
// немедленно сопровождается reflect, lesson главы не соседствуют, после
// reflect всегда идет story. Нехватка вопросов деградирует в меньшее число
// lesson глав и никогда не является ошибкой. Результат детерминирован при
// фиксированном зерне.
func Plan(total, availableQuestions int, ratio float64, seed int64) ([]model.ChapterType, error) {
	if total < MinTotalChapters {
		return nil, fmt.Errorf("%w: total chapters %d, minimum %d", model.ErrInvalidInput, total, MinTotalChapters)
	}
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultLessonRatio
	}

	seq := make([]model.ChapterType, total)
	for i := range seq {
		seq[i] = model.ChapterTypeStory
	}
	seq[total-1] = model.ChapterTypeConclusion
	// Главы 1, 2 и total-1 уже story.

	// Внутренние главы: индексы 2 .. total-3 (0-based). Кандидат на lesson
	// должен оставить место для своей reflect главы внутри этого интервала.
	interior := total - 4
	if interior <= 0 {
		return seq, nil
	}

	lessonCount := int(math.Round(float64(interior) * ratio / 2))
	if lessonCount > availableQuestions {
		lessonCount = availableQuestions
	}
	if lessonCount <= 0 {
		return seq, nil
	}

	candidates := make([]int, 0, interior)
	for i := 2; i <= total-4; i++ {
		candidates = append(candidates, i)
	}

	positions := placeLessons(candidates, lessonCount, rand.New(rand.NewSource(seed)))
	for _, p := range positions {
		seq[p] = model.ChapterTypeLesson
		seq[p+1] = model.ChapterTypeReflect
	}
	return seq, nil
}

// placeLessons выбирает не более count позиций из candidates так, чтобы любые
// две выбранные позиции отстояли минимум на lessonSpacing. Несколько случайных
// заходов; если ни один не размещает count позиций, берется лучший найденный —
// план деградирует, но не падает.
func placeLessons(candidates []int, count int, rng *rand.Rand) []int {
	var best []int
	for attempt := 0; attempt < 16; attempt++ {
		shuffled := make([]int, len(candidates))
		copy(shuffled, candidates)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		picked := make([]int, 0, count)
		for _, c := range shuffled {
			if len(picked) == count {
				break
			}
			ok := true
			for _, p := range picked {
				if abs(c-p) < lessonSpacing {
					ok = false
					break
				}
			}
			if ok {
				picked = append(picked, c)
			}
		}
		if len(picked) > len(best) {
			best = picked
		}
		if len(best) == count {
			break
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
