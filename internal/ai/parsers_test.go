package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChapterPlain(t *testing.T) {
	t.Run("story chapter with three choices and summary", func(t *testing.T) {
		raw := `Туман опустился на плавучий город, и Мира достала компас.

Он указывал прямо на ратушу.
summary: Мира замечает, что компас реагирует на ратушу.
1: Пойти к ратуше немедленно
2: Сначала расспросить стражника
3: Спрятать компас и наблюдать`

		resp, err := ParseChapterPlain(raw, 3)
		require.NoError(t, err)
		assert.Equal(t, "Туман опустился на плавучий город, и Мира достала компас.\nОн указывал прямо на ратушу.", resp.Text)
		assert.Equal(t, "Мира замечает, что компас реагирует на ратушу.", resp.Summary)
		assert.Equal(t, []string{
			"Пойти к ратуше немедленно",
			"Сначала расспросить стражника",
			"Спрятать компас и наблюдать",
		}, resp.Choices)
	})

	t.Run("chapter without choices", func(t *testing.T) {
		resp, err := ParseChapterPlain("Мира задумалась о словах стража.", 0)
		require.NoError(t, err)
		assert.Empty(t, resp.Choices)
		assert.Equal(t, "Мира задумалась о словах стража.", resp.Text)
	})

	t.Run("summary line optional", func(t *testing.T) {
		resp, err := ParseChapterPlain("Текст главы.\n1: Да\n2: Нет\n3: Подождать", 3)
		require.NoError(t, err)
		assert.Empty(t, resp.Summary)
		assert.Equal(t, "Текст главы.", resp.Text)
	})

	t.Run("wrong choice count rejected", func(t *testing.T) {
		_, err := ParseChapterPlain("Текст.\n1: Да\n2: Нет", 3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "choice lines")
	})

	t.Run("misnumbered choices rejected", func(t *testing.T) {
		_, err := ParseChapterPlain("Текст.\n1: Да\n3: Нет\n4: Подождать", 3)
		require.Error(t, err)
	})

	t.Run("duplicate choices rejected", func(t *testing.T) {
		_, err := ParseChapterPlain("Текст.\n1: Да\n2: да\n3: Нет", 3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "distinct")
	})

	t.Run("empty response rejected", func(t *testing.T) {
		_, err := ParseChapterPlain("   \n\n  ", 0)
		require.Error(t, err)
	})

	t.Run("choices without text rejected", func(t *testing.T) {
		_, err := ParseChapterPlain("1: Да\n2: Нет\n3: Подождать", 3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no chapter text")
	})
}

func TestParseCharacterVisuals(t *testing.T) {
	t.Run("name description pairs", func(t *testing.T) {
		visuals := ParseCharacterVisuals("Мира: рыжие косы, плащ из карт\nСтраж: каменное лицо\nмусорная строка без разделителя")
		assert.Equal(t, map[string]string{
			"Мира":  "рыжие косы, плащ из карт",
			"Страж": "каменное лицо",
		}, visuals)
	})

	t.Run("none sentinel gives empty map", func(t *testing.T) {
		assert.Empty(t, ParseCharacterVisuals("none"))
		assert.Empty(t, ParseCharacterVisuals("NONE\n"))
	})
}
