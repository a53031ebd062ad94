// Package pipeline координирует генерацию одной главы: последовательность
// вызовов провайдеров повествования и иллюстраций, политику повторов и
// деградацию при частичных отказах.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"adventure-server/internal/ai"
	"adventure-server/internal/imagegen"
	"adventure-server/internal/model"
	"adventure-server/internal/question"
)

// Config политика повторов координатора.
type Config struct {
	NarrativeMaxAttempts int           // Число попыток генерации текста.
	NarrativeRetryBase   time.Duration // Начальная задержка между попытками.
	NarrativeTimeout     time.Duration // Таймаут одной попытки.
	ImageMaxAttempts     int           // Число попыток генерации иллюстрации.
	ImageRetryBase       time.Duration // Начальная задержка, удваивается.
	ImageTimeout         time.Duration // Таймаут одной попытки.
	RetryMaxDelay        time.Duration // Общий потолок задержки между попытками.
}

// ImageResult результат асинхронной ветки генерации иллюстрации.
// Отказ после всех попыток дает Err и никогда не блокирует продвижение глав.
type ImageResult struct {
	ChapterIndex int
	ImageURL     string
	Err          error
}

// Coordinator производит финализированные записи глав для сессии.
// Все мутации состояния выполняются только на пути полного успеха: отказавшая
// попытка оставляет SessionState нетронутым, и та же глава может быть
// запрошена повторно.
type Coordinator struct {
	narrative ai.NarrativeClient
	images    imagegen.Service
	inventory question.Inventory
	cfg       Config
	logger    *zap.Logger
}

// NewCoordinator создает координатор генерации. Сервис иллюстраций может быть
// nil: тогда главы финализируются без изображений.
func NewCoordinator(
	narrative ai.NarrativeClient,
	images imagegen.Service,
	inventory question.Inventory,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if cfg.NarrativeMaxAttempts <= 0 {
		cfg.NarrativeMaxAttempts = 3
	}
	if cfg.ImageMaxAttempts <= 0 {
		cfg.ImageMaxAttempts = 5
	}
	if cfg.NarrativeRetryBase <= 0 {
		cfg.NarrativeRetryBase = time.Second
	}
	if cfg.ImageRetryBase <= 0 {
		cfg.ImageRetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	return &Coordinator{
		narrative: narrative,
		images:    images,
		inventory: inventory,
		cfg:       cfg,
		logger:    logger.Named("Coordinator"),
	}
}

// GenerateChapter производит запись главы текущего индекса сессии заданного
// типа. Возвращает финализированную запись и канал результата иллюстрации
// (nil, если иллюстрация для главы не запускалась). Ошибка восстановима:
// состояние сессии не изменено, попытку можно повторить.
func (c *Coordinator) GenerateChapter(ctx context.Context, state *model.SessionState, chapterType model.ChapterType) (*model.ChapterRecord, <-chan ImageResult, error) {
	chapterIndex := state.CurrentChapterIndex
	log := c.logger.With(
		zap.String("sessionID", state.ID.String()),
		zap.Int("chapter", chapterIndex),
		zap.String("type", string(chapterType)),
	)
	startTime := time.Now()

	req := ai.ChapterRequest{
		ChapterIndex:   chapterIndex,
		TotalChapters:  state.TotalChapters,
		ChapterType:    chapterType,
		Elements:       state.NarrativeElements,
		HistorySummary: historySummary(state),
		AgencyState:    agencyState(state),
		Metadata:       state.Metadata,
	}

	var selected *question.Question
	if chapterType == model.ChapterTypeLesson {
		q, err := c.inventory.Select(state.Metadata.Topic, state.QuestionUsed)
		switch {
		case err == nil:
			selected = &q
		case errors.Is(err, model.ErrQuestionExhaustion) && q.ID != "":
			// Банк исчерпан: берем наименее повторявшийся из уже виденных.
			log.Warn("Question inventory exhausted, reusing least-repeated question", zap.String("questionID", q.ID))
			selected = &q
		default:
			// Вопросов по теме нет вовсе: глава деградирует до story.
			log.Warn("No questions available for topic, degrading lesson to story", zap.Error(err))
			chapterType = model.ChapterTypeStory
			req.ChapterType = model.ChapterTypeStory
		}
		req.Question = selected
	}
	if chapterType == model.ChapterTypeReflect {
		req.Consequence = state.PendingConsequence
	}

	resp, err := c.generateNarrative(ctx, req, log)
	if err != nil {
		chapterErrors.With(labelsForType(chapterType)).Inc()
		return nil, nil, err
	}

	// Текст финализирован: с этого момента начинаются мутации состояния.
	if selected != nil {
		state.MarkQuestionUsed(selected.ID)
		c.inventory.MarkServed(selected.ID)
	}
	if chapterType == model.ChapterTypeReflect {
		state.ConsumePendingConsequence()
	}
	c.extractVisuals(ctx, state, resp.Text, log)

	rec := &model.ChapterRecord{
		Index:   chapterIndex,
		Type:    chapterType,
		Text:    resp.Text,
		Choices: resp.Choices,
		Summary: resp.Summary,
	}
	if rec.Summary == "" {
		rec.Summary = deriveSummary(resp.Text)
	}
	if selected != nil {
		rec.QuestionID = selected.ID
	}

	var imageCh <-chan ImageResult
	if c.images != nil {
		rec.ImageStatus = model.ImageStatusPending
		imageCh = c.generateImageAsync(ctx, state, rec)
	}

	chaptersGenerated.With(labelsForType(chapterType)).Inc()
	chapterDuration.Observe(time.Since(startTime).Seconds())
	log.Info("Chapter generated",
		zap.Int("text_len", len(rec.Text)),
		zap.Int("choices", len(rec.Choices)),
		zap.Duration("duration", time.Since(startTime)),
	)
	return rec, imageCh, nil
}

// generateNarrative выполняет вызов провайдера с ограниченными повторами.
func (c *Coordinator) generateNarrative(ctx context.Context, req ai.ChapterRequest, log *zap.Logger) (*ai.ChapterResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.NarrativeMaxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.NarrativeTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.NarrativeTimeout)
		}
		resp, err := c.narrative.GenerateChapter(attemptCtx, req)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		log.Warn("Narrative generation attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.NarrativeMaxAttempts),
			zap.Error(err),
		)
		if attempt < c.cfg.NarrativeMaxAttempts {
			if err := sleepCtx(ctx, backoffDelay(c.cfg.NarrativeRetryBase, c.cfg.RetryMaxDelay, attempt-1)); err != nil {

				return nil, fmt.Errorf("%w: %v", model.ErrProviderFailure, err)
			}
		}
	}
	return nil, fmt.Errorf("%w: narrative generation failed after %d attempts: %v", model.ErrProviderFailure, c.cfg.NarrativeMaxAttempts, lastErr)
}

// extractVisuals обновляет реестр визуальных описаний персонажей.
// Отказ извлечения не фатален: реестр просто не пополняется в этой главе.
func (c *Coordinator) extractVisuals(ctx context.Context, state *model.SessionState, chapterText string, log *zap.Logger) {
	visuals, err := c.narrative.ExtractCharacterVisuals(ctx, chapterText)
	if err != nil {
		log.Warn("Character visual extraction failed, registry unchanged", zap.Error(err))
		return
	}
	if len(visuals) > 0 {
		state.MergeCharacterVisuals(visuals)
		log.Debug("Character visual registry updated", zap.Int("entries", len(visuals)))
	}
}

// generateImageAsync запускает независимую ветку генерации иллюстрации.
// Ветка не привязана к отмене ctx: брошенная сессия позволяет вызову
// доработать, результат при этом просто не будет доставлен.
func (c *Coordinator) generateImageAsync(ctx context.Context, state *model.SessionState, rec *model.ChapterRecord) <-chan ImageResult {
	prompt := synthesizeImagePrompt(state, rec)
	reference := fmt.Sprintf("%s_ch%d", state.ID.String(), rec.Index)
	chapterIndex := rec.Index
	detached := context.WithoutCancel(ctx)

	resultCh := make(chan ImageResult, 1)
	go func() {
		defer close(resultCh)
		log := c.logger.With(zap.String("sessionID", state.ID.String()), zap.Int("chapter", chapterIndex))

		var lastErr error
		for attempt := 1; attempt <= c.cfg.ImageMaxAttempts; attempt++ {
			attemptCtx := detached
			var cancel context.CancelFunc
			if c.cfg.ImageTimeout > 0 {
				attemptCtx, cancel = context.WithTimeout(detached, c.cfg.ImageTimeout)
			}
			url, err := c.images.GenerateAndStore(attemptCtx, prompt, reference)
			if cancel != nil {
				cancel()
			}
			if err == nil {
				resultCh <- ImageResult{ChapterIndex: chapterIndex, ImageURL: url}
				return
			}
			lastErr = err
			imageRetries.Inc()
			log.Warn("Image generation attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.ImageMaxAttempts),
				zap.Error(err),
			)
			if attempt < c.cfg.ImageMaxAttempts {
				time.Sleep(backoffDelay(c.cfg.ImageRetryBase, c.cfg.RetryMaxDelay, attempt-1))
			}
		}
		imageFailures.Inc()
		resultCh <- ImageResult{
			ChapterIndex: chapterIndex,
			Err:          fmt.Errorf("%w: %v", model.ErrImageUnavailable, lastErr),
		}
	}()
	return resultCh
}

// BuildSessionSummary собирает итоговый обзор приключения из кратких
// содержаний глав. Вызывается не позднее завершения сессии.
func BuildSessionSummary(state *model.SessionState) string {
	var b strings.Builder
	for i := range state.Chapters {
		rec := &state.Chapters[i]
		summary := rec.Summary
		if summary == "" {
			summary = deriveSummary(rec.Text)
			rec.Summary = summary
		}
		fmt.Fprintf(&b, "%d. %s\n", rec.Index, summary)
	}
	return strings.TrimSpace(b.String())
}

// historySummary собирает контекст предыдущих глав для провайдера.
func historySummary(state *model.SessionState) string {
	var b strings.Builder
	for i := range state.Chapters {
		rec := &state.Chapters[i]
		summary := rec.Summary
		if summary == "" {
			summary = deriveSummary(rec.Text)
		}
		fmt.Fprintf(&b, "Chapter %d (%s): %s\n", rec.Index, rec.Type, summary)
		if rec.SelectedChoice != nil && *rec.SelectedChoice >= 0 && *rec.SelectedChoice < len(rec.Choices) {
			fmt.Fprintf(&b, "  The hero chose: %s\n", rec.Choices[*rec.SelectedChoice])
		}
	}
	return strings.TrimSpace(b.String())
}

// agencyState описывает элемент влияния и его эволюцию для контекста генерации.
func agencyState(state *model.SessionState) string {
	a := state.Agency
	if a.Name == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", a.Kind, a.Name)
	if a.Description != "" {
		fmt.Fprintf(&b, " (%s)", a.Description)
	}
	for _, ev := range a.EvolutionHistory {
		fmt.Fprintf(&b, "; chapter %d: %s", ev.ChapterIndex, ev.Change)
	}
	return b.String()
}

// deriveSummary усекает текст главы до короткого содержания.
func deriveSummary(text string) string {
	const maxLen = 160
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxLen {
		return text
	}
	cut := text[:maxLen]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}
