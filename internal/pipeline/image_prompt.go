package pipeline

import (
	"fmt"
	"strings"

	"adventure-server/internal/model"
)

// synthesizeImagePrompt строит промпт иллюстрации главы. Промпт всегда
// включает базовое описание протагониста и последние записи реестра для
// персонажей, упомянутых в тексте главы, — это удерживает визуальный облик
// персонажей от дрейфа между главами.
func synthesizeImagePrompt(state *model.SessionState, rec *model.ChapterRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Scene from an adventure story set in %s. ", state.NarrativeElements.Setting)
	fmt.Fprintf(&b, "Chapter summary: %s. ", summaryOrText(rec))

	protagonist := state.Metadata.ProtagonistBaseVisual
	if protagonist == "" {
		protagonist = state.NarrativeElements.Protagonist
	}
	if protagonist != "" {
		fmt.Fprintf(&b, "Protagonist appearance: %s. ", protagonist)
	}

	lowerText := strings.ToLower(rec.Text)
	for name, desc := range state.CharacterVisuals {
		if strings.Contains(lowerText, strings.ToLower(name)) {
			fmt.Fprintf(&b, "%s appearance: %s. ", name, desc)
		}
	}

	if state.NarrativeElements.SensoryPalette != "" {
		fmt.Fprintf(&b, "Mood: %s.", state.NarrativeElements.SensoryPalette)
	}
	return strings.TrimSpace(b.String())
}

func summaryOrText(rec *model.ChapterRecord) string {
	if rec.Summary != "" {
		return rec.Summary
	}
	return deriveSummary(rec.Text)
}
