package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/zap"

	"adventure-server/internal/ai"
	"adventure-server/internal/config"
	"adventure-server/internal/imagegen"
	"adventure-server/internal/logger"
	"adventure-server/internal/pipeline"
	"adventure-server/internal/question"
	"adventure-server/internal/session"
	"adventure-server/internal/storage"
	"adventure-server/internal/ws"
)

func main() {
	log.Println("Запуск adventure сервера...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Ошибка создания логгера: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	// Redis: durable хранилище чекпоинтов сессий.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		zapLogger.Fatal("Не удалось подключиться к Redis", zap.Error(err))
	}
	pingCancel()
	zapLogger.Info("Успешное подключение к Redis", zap.String("addr", cfg.Redis.Addr))

	store := storage.NewRedisSessionStore(redisClient, cfg.Redis.SessionTTL, zapLogger)

	bank, err := question.LoadFile(cfg.Adventure.QuestionsPath)
	if err != nil {
		zapLogger.Fatal("Не удалось загрузить банк вопросов", zap.String("path", cfg.Adventure.QuestionsPath), zap.Error(err))
	}

	narrativeClient := ai.NewOpenAIClient(ai.Config{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
	}, zapLogger)

	imageService, err := imagegen.New(imagegen.Config{
		BaseURL:           cfg.ImageServer.BaseURL,
		Timeout:           cfg.ImageServer.Timeout,
		ImageSavePath:     cfg.ImageServer.ImageSavePath,
		ImagePublicURL:    cfg.ImageServer.ImagePublicURL,
		PromptStyleSuffix: cfg.ImageServer.PromptStyleSuffix,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Не удалось создать сервис иллюстраций", zap.Error(err))
	}

	coordinator := pipeline.NewCoordinator(narrativeClient, imageService, bank, pipeline.Config{
		NarrativeMaxAttempts: cfg.AI.MaxAttempts,
		NarrativeRetryBase:   cfg.AI.RetryBaseDelay,
		NarrativeTimeout:     cfg.AI.RequestTimeout,
		ImageMaxAttempts:     cfg.ImageServer.MaxAttempts,
		ImageRetryBase:       cfg.ImageServer.RetryBaseDelay,
		ImageTimeout:         cfg.ImageServer.Timeout,
		RetryMaxDelay:        cfg.ImageServer.RetryMaxDelay,
	}, zapLogger)

	manager := session.NewManager(coordinator, store, bank, session.NewStaticElementsProvider(), session.Config{
		DefaultTotalChapters: cfg.Adventure.DefaultTotalChapters,
		LessonRatio:          cfg.Adventure.LessonRatio,
	}, zapLogger)

	zerologLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	wsHandler := ws.NewHandler(manager, cfg.Server.JWTSecret, zerologLogger)

	// Настройка Gin
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.ServeWS)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Сервер слушает", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Ошибка запуска сервера", zap.Error(err))
		}
	}()

	// Ожидание сигнала завершения для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Получен сигнал завершения, начинаем graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Ошибка при graceful shutdown", zap.Error(err))
	}
	manager.Shutdown(shutdownCtx)
	if err := redisClient.Close(); err != nil {
		zapLogger.Error("Ошибка закрытия Redis клиента", zap.Error(err))
	}

	zapLogger.Info("Сервис успешно остановлен")
}
