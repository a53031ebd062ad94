package config

import (
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"adventure-server/internal/logger"
)

// Config структура для хранения всей конфигурации приложения.
type Config struct {
	AppEnv      string `env:"APP_ENV" env-default:"development"`
	Logger      logger.Config
	Server      ServerConfig
	Redis       RedisConfig
	AI          AIConfig
	ImageServer ImageServerConfig
	Adventure   AdventureConfig
}

// ServerConfig содержит настройки HTTP сервера.
type ServerConfig struct {
	Port         string        `env:"PORT" env-default:"8084"`
	JWTSecret    string        `env:"JWT_SECRET" env-required:"true"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" env-default:"15s"`
}

// RedisConfig настройки подключения к Redis (durable хранилище чекпоинтов).
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" env-default:""`
	DB       int    `env:"REDIS_DB" env-default:"0"`
	// SessionTTL определяет серверное окно истечения сессии: любой reconnect
	// внутри окна принимается, после — сессия считается не найденной.
	SessionTTL time.Duration `env:"SESSION_TTL" env-default:"24h"`
}

// AIConfig настройки провайдера генерации повествования.
type AIConfig struct {
	APIKey         string        `env:"AI_API_KEY" env-required:"true"`
	BaseURL        string        `env:"AI_BASE_URL" env-default:""` // Пустое значение — стандартный endpoint OpenAI.
	Model          string        `env:"AI_MODEL" env-default:"gpt-4o-mini"`
	RequestTimeout time.Duration `env:"AI_REQUEST_TIMEOUT" env-default:"90s"`
	MaxAttempts    int           `env:"AI_MAX_ATTEMPTS" env-default:"3"`
	RetryBaseDelay time.Duration `env:"AI_RETRY_BASE_DELAY" env-default:"1s"`
}

// ImageServerConfig настройки сервера генерации иллюстраций.
type ImageServerConfig struct {
	BaseURL           string        `env:"IMAGE_SERVER_BASE_URL" env-required:"true"`
	Timeout           time.Duration `env:"IMAGE_SERVER_TIMEOUT" env-default:"120s"`
	MaxAttempts       int           `env:"IMAGE_MAX_ATTEMPTS" env-default:"5"`
	RetryBaseDelay    time.Duration `env:"IMAGE_RETRY_BASE_DELAY" env-default:"1s"`
	RetryMaxDelay     time.Duration `env:"IMAGE_RETRY_MAX_DELAY" env-default:"30s"`
	ImageSavePath     string        `env:"IMAGE_SAVE_PATH" env-required:"true"`
	ImagePublicURL    string        `env:"IMAGE_PUBLIC_BASE_URL" env-required:"true"`
	PromptStyleSuffix string        `env:"IMAGE_PROMPT_STYLE_SUFFIX" env-default:", warm storybook illustration, soft painterly light, cohesive color grading, child-friendly, no text"`
}

// AdventureConfig параметры оркестрации приключения.
type AdventureConfig struct {
	DefaultTotalChapters int `env:"DEFAULT_TOTAL_CHAPTERS" env-default:"10"`
	// LessonRatio — доля внутренних глав, отводимая под пары lesson+reflect.
	LessonRatio   float64 `env:"LESSON_RATIO" env-default:"0.5"`
	QuestionsPath string  `env:"QUESTIONS_PATH" env-default:"questions.json"`
	// Бюджет переподключений исполняется клиентом; сервер публикует его
	// клиентам и принимает любую попытку внутри SessionTTL.
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" env-default:"5"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" env-default:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" env-default:"30s"`
}

// Load загружает конфигурацию из переменных окружения и .env файла.
func Load() (*Config, error) {
	// Загружаем .env файл (игнорируем ошибку, если файла нет)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}

	log.Printf("Конфигурация загружена: port=%s, model=%s, redis=%s", cfg.Server.Port, cfg.AI.Model, cfg.Redis.Addr)

	return &cfg, nil
}
