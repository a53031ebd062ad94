package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrImageGenerationFailed - ошибка при генерации изображения внешним сервером.
var ErrImageGenerationFailed = errors.New("image generation failed")

// ErrImageSaveFailed - ошибка при сохранении файла.
var ErrImageSaveFailed = errors.New("image save failed")

// Service определяет интерфейс генерации и сохранения иллюстраций глав.
type Service interface {
	// GenerateAndStore генерирует иллюстрацию по промпту, сохраняет ее под
	// заданным ссылочным именем и возвращает публичный URL.
	GenerateAndStore(ctx context.Context, prompt, reference string) (string, error)
}

// Config настройки сервиса иллюстраций.
type Config struct {
	BaseURL           string // Базовый URL сервера генерации.
	Timeout           time.Duration
	ImageSavePath     string // Директория для сохранения файлов.
	ImagePublicURL    string // Базовый URL для доступа к файлам.
	PromptStyleSuffix string // Суффикс стиля, добавляемый к каждому промпту.
}

type serviceImpl struct {
	logger *zap.Logger
	cfg    Config
	client *http.Client
}

// New создает сервис иллюстраций. Пути сохранения и публикации обязательны.
func New(cfg Config, logger *zap.Logger) (Service, error) {
	if cfg.ImageSavePath == "" {
		return nil, errors.New("image save path is not configured")
	}
	if cfg.ImagePublicURL == "" {
		return nil, errors.New("image public base URL is not configured")
	}
	return &serviceImpl{
		logger: logger.Named("ImageService"),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// apiRequest - структура запроса к серверу генерации.
type apiRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

func (s *serviceImpl) GenerateAndStore(ctx context.Context, prompt, reference string) (string, error) {
	log := s.logger.With(zap.String("reference", reference))

	if reference == "" {
		return "", fmt.Errorf("%w: reference is required but empty", ErrImageSaveFailed)
	}

	fullPrompt := prompt + s.cfg.PromptStyleSuffix
	log.Debug("Generating chapter image", zap.Int("prompt_len", len(fullPrompt)))

	imageData, err := s.callAPI(ctx, fullPrompt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrImageGenerationFailed, err)
	}
	if len(imageData) == 0 {
		return "", fmt.Errorf("%w: API returned empty data", ErrImageGenerationFailed)
	}

	fileName := fmt.Sprintf("%s.jpg", reference)
	filePath := filepath.Join(s.cfg.ImageSavePath, fileName)
	if err := os.WriteFile(filePath, imageData, 0644); err != nil {
		log.Error("Failed to save image to file", zap.String("path", filePath), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrImageSaveFailed, err)
	}

	imageURL := strings.TrimSuffix(s.cfg.ImagePublicURL, "/") + "/" + fileName
	log.Info("Chapter image stored", zap.String("url", imageURL), zap.Int("size_bytes", len(imageData)))
	return imageURL, nil
}

func (s *serviceImpl) callAPI(ctx context.Context, prompt string) ([]byte, error) {
	reqBody, err := json.Marshal(apiRequest{Prompt: prompt, Ratio: "3:2"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	endpointURL := s.cfg.BaseURL + "/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read response body: %w", readErr)
	}
	return bodyBytes, nil
}
