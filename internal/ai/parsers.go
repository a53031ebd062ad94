package ai

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseChapterPlain разбирает простой текстовый ответ провайдера на главу.
// Ожидаемый формат: текст главы, затем необязательная строка "summary: ...",
// затем ровно expectedChoiceCount пронумерованных строк вариантов "N: ...".
func ParseChapterPlain(text string, expectedChoiceCount int) (*ChapterResponse, error) {
	lines := getNonEmptyTrimmedLines(text)
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	resp := &ChapterResponse{}

	// Варианты выбора собираются с хвоста: строки вида "N: ...".
	choiceStart := len(lines)
	for choiceStart > 0 {
		if _, ok := splitChoiceLine(lines[choiceStart-1]); !ok {
			break
		}
		choiceStart--
	}
	choiceLines := lines[choiceStart:]
	textLines := lines[:choiceStart]

	if len(choiceLines) != expectedChoiceCount {
		return nil, fmt.Errorf("expected %d choice lines, got %d", expectedChoiceCount, len(choiceLines))
	}
	for i, line := range choiceLines {
		num, _ := splitChoiceLine(line)
		if num != i+1 {
			return nil, fmt.Errorf("choice %d: expected prefix '%d:', got '%s'", i+1, i+1, line)
		}
		choiceText := strings.TrimSpace(line[strings.Index(line, ":")+1:])
		if choiceText == "" {
			return nil, fmt.Errorf("choice %d: empty choice text", i+1)
		}
		resp.Choices = append(resp.Choices, choiceText)
	}

	// Строка summary — последняя строка текстовой части с префиксом "summary:".
	if n := len(textLines); n > 0 && strings.HasPrefix(strings.ToLower(textLines[n-1]), "summary:") {
		resp.Summary = strings.TrimSpace(textLines[n-1][len("summary:"):])
		textLines = textLines[:n-1]
	}

	if len(textLines) == 0 {
		return nil, fmt.Errorf("response contains no chapter text")
	}
	resp.Text = strings.Join(textLines, "\n")

	if expectedChoiceCount > 0 && !choicesDistinct(resp.Choices) {
		return nil, fmt.Errorf("choice options are not distinct")
	}
	return resp, nil
}

// ParseCharacterVisuals разбирает ответ извлечения визуальных описаний:
// строки "имя: описание"; служебный ответ "none" дает пустую карту.
func ParseCharacterVisuals(text string) map[string]string {
	visuals := make(map[string]string)
	for _, line := range getNonEmptyTrimmedLines(text) {
		if strings.EqualFold(line, "none") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name, desc := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if name == "" || desc == "" {
			continue
		}
		visuals[name] = desc
	}
	return visuals
}

// splitChoiceLine распознает строку варианта "N: ..." и возвращает ее номер.
func splitChoiceLine(line string) (int, bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 || idx > 2 {
		return 0, false
	}
	num, err := strconv.Atoi(strings.TrimSpace(line[:idx]))
	if err != nil || num < 1 {
		return 0, false
	}
	return num, true
}

func choicesDistinct(choices []string) bool {
	seen := make(map[string]struct{}, len(choices))
	for _, c := range choices {
		key := strings.ToLower(strings.TrimSpace(c))
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
	}
	return true
}

func getNonEmptyTrimmedLines(text string) []string {
	rawLines := strings.Split(text, "\n")
	lines := make([]string, 0, len(rawLines))
	for _, l := range rawLines {
		trimmed := strings.TrimSpace(l)
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
