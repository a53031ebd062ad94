package ai

import (
	"fmt"
	"strings"

	"adventure-server/internal/model"
)

// Конкретные формулировки промптов не являются частью оркестрационного ядра;
// здесь зафиксирован только контракт формата ответа, который разбирает парсер.

const visualExtractionSystemPrompt = `You extract character appearance descriptions from story text.
For every character whose appearance is introduced or changed in the text, output one line:
name: visual description
If no character appearance is introduced or changed, output exactly: none`

func buildChapterSystemPrompt(req ChapterRequest) string {
	var b strings.Builder
	b.WriteString("You are the narrator of an interactive educational adventure for children.\n")
	fmt.Fprintf(&b, "Theme: %s. Setting: %s. Moral: %s.\n", req.Elements.Theme, req.Elements.Setting, req.Elements.Moral)
	fmt.Fprintf(&b, "Planned plot twist: %s. Sensory palette: %s.\n", req.Elements.PlotTwist, req.Elements.SensoryPalette)
	fmt.Fprintf(&b, "Protagonist: %s.\n", req.Elements.Protagonist)
	if req.Metadata.ProtagonistGender != "" {
		fmt.Fprintf(&b, "Protagonist gender: %s.\n", req.Metadata.ProtagonistGender)
	}
	fmt.Fprintf(&b, "Chapter %d of %d. Chapter kind: %s.\n", req.ChapterIndex, req.TotalChapters, req.ChapterType)

	switch req.ChapterType {
	case model.ChapterTypeStory:
		b.WriteString("Write the next story chapter and offer exactly 3 distinct choices.\n")
	case model.ChapterTypeLesson:
		b.WriteString("Weave the provided question into the narrative. The choices are the answer options, in order.\n")
	case model.ChapterTypeReflect:
		b.WriteString("Write a short reflective chapter on the previous lesson. No choices.\n")
	case model.ChapterTypeConclusion:
		b.WriteString("Write the final chapter resolving the adventure and the moral. No choices.\n")
	case model.ChapterTypeSummary:
		b.WriteString("Write a short recap of the whole adventure. No choices.\n")
	}

	b.WriteString("\nResponse format (plain text, no markdown):\n")
	b.WriteString("chapter text on one or more lines\n")
	b.WriteString("summary: one line summary of this chapter\n")
	if n := expectedChoiceCount(req); n > 0 {
		fmt.Fprintf(&b, "then exactly %d choice lines, '1: ...' through '%d: ...'\n", n, n)
	}
	return b.String()
}

func buildChapterUserInput(req ChapterRequest) string {
	var b strings.Builder
	if req.HistorySummary != "" {
		fmt.Fprintf(&b, "Story so far:\n%s\n\n", req.HistorySummary)
	}
	if req.AgencyState != "" {
		fmt.Fprintf(&b, "The hero's chosen %s\n\n", req.AgencyState)
	}
	if req.Consequence != "" {
		fmt.Fprintf(&b, "Work this consequence of an earlier mistake into the chapter: %s\n\n", req.Consequence)
	}
	if req.Question != nil {
		fmt.Fprintf(&b, "Question to pose: %s\n", req.Question.Prompt)
		for i, opt := range req.Question.Options {
			fmt.Fprintf(&b, "%d: %s\n", i+1, opt)
		}
	}
	return b.String()
}
