package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"adventure-server/internal/model"
	"adventure-server/internal/question"
)

// ErrAIGenerationFailed - ошибка при генерации текста AI
var ErrAIGenerationFailed = errors.New("ошибка генерации текста AI")

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_ai_requests_total",
			Help: "Total number of requests to the AI API.",
		},
		[]string{"model", "status", "purpose"},
	)
	aiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_ai_request_duration_seconds",
			Help:    "Histogram of AI API request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model", "purpose"},
	)
)

// ChapterRequest контекст генерации одной главы.
type ChapterRequest struct {
	ChapterIndex   int
	TotalChapters  int
	ChapterType    model.ChapterType
	Elements       model.NarrativeElements
	HistorySummary string
	AgencyState    string
	Consequence    string // Сюжетное последствие неверного ответа (только reflect).
	Question       *question.Question
	Metadata       model.SessionMetadata
}

// ChapterResponse результат генерации главы.
type ChapterResponse struct {
	Text    string
	Choices []string // Ровно 3 для story, варианты ответа для lesson, пусто иначе.
	Summary string   // Однострочное содержание главы.
}

// NarrativeClient интерфейс провайдера генерации повествования.
// Недетерминированность провайдера изолирована за этим интерфейсом: ядро
// потребляет только структурированные результаты.
type NarrativeClient interface {
	// GenerateChapter генерирует текст главы по накопленному контексту.
	GenerateChapter(ctx context.Context, req ChapterRequest) (*ChapterResponse, error)
	// ExtractCharacterVisuals извлекает из текста главы новые или изменившиеся
	// визуальные описания персонажей. Возвращает карту имя -> описание.
	ExtractCharacterVisuals(ctx context.Context, chapterText string) (map[string]string, error)
}

// openAIClient реализует NarrativeClient с использованием go-openai.
type openAIClient struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

// Config настройки клиента OpenAI-совместимого API.
type Config struct {
	APIKey  string
	BaseURL string // Пустое значение — стандартный endpoint.
	Model   string
}

// NewOpenAIClient создает NarrativeClient поверх OpenAI-совместимого API.
func NewOpenAIClient(cfg Config, logger *zap.Logger) NarrativeClient {
	clientCfg := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAIClient{
		client: openaigo.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger.Named("OpenAIClient"),
	}
}

func (c *openAIClient) GenerateChapter(ctx context.Context, req ChapterRequest) (*ChapterResponse, error) {
	systemPrompt := buildChapterSystemPrompt(req)
	userInput := buildChapterUserInput(req)

	raw, err := c.complete(ctx, "chapter", systemPrompt, userInput)
	if err != nil {
		return nil, err
	}

	resp, err := ParseChapterPlain(raw, expectedChoiceCount(req))
	if err != nil {
		c.logger.Warn("Failed to parse chapter response", zap.Error(err), zap.Int("chapter", req.ChapterIndex))
		return nil, fmt.Errorf("%w: %v", model.ErrProviderFailure, err)
	}
	return resp, nil
}

func (c *openAIClient) ExtractCharacterVisuals(ctx context.Context, chapterText string) (map[string]string, error) {
	raw, err := c.complete(ctx, "visual_extraction", visualExtractionSystemPrompt, chapterText)
	if err != nil {
		return nil, err
	}
	return ParseCharacterVisuals(raw), nil
}

// complete выполняет один запрос chat-completion и возвращает сырой текст.
func (c *openAIClient) complete(ctx context.Context, purpose, systemPrompt, userInput string) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error", "purpose": purpose}).Inc()
		return "", fmt.Errorf("%w: системный промт пуст", ErrAIGenerationFailed)
	}

	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleUser,
			Content: userInput,
		})
	}

	startTime := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	duration := time.Since(startTime)
	aiRequestDuration.With(prometheus.Labels{"model": c.model, "purpose": purpose}).Observe(duration.Seconds())

	if err != nil {
		c.logger.Warn("AI API request failed", zap.String("purpose", purpose), zap.Duration("duration", duration), zap.Error(err))
		aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error", "purpose": purpose}).Inc()
		return "", fmt.Errorf("%w: %v", model.ErrProviderFailure, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error_empty_response", "purpose": purpose}).Inc()
		return "", fmt.Errorf("%w: получен пустой ответ", model.ErrProviderFailure)
	}

	aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "success", "purpose": purpose}).Inc()
	return resp.Choices[0].Message.Content, nil
}

// expectedChoiceCount число вариантов выбора, которое обязан вернуть провайдер.
func expectedChoiceCount(req ChapterRequest) int {
	switch {
	case req.ChapterType == model.ChapterTypeLesson && req.Question != nil:
		return len(req.Question.Options)
	case req.ChapterType.HasChoices():
		return 3
	default:
		return 0
	}
}
