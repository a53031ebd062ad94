package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"adventure-server/internal/model"
	"adventure-server/internal/planner"
	"adventure-server/internal/question"
	"adventure-server/internal/storage"
)

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "adventure_active_sessions",
	Help: "Number of sessions currently held in memory.",
})

// Config параметры менеджера сессий.
type Config struct {
	DefaultTotalChapters int
	LessonRatio          float64
	// SuspendGrace время удержания брошенной сессии в памяти. После истечения
	// движок выгружается и помечается abandoned; durable чекпоинт остается
	// доступным для восстановления в пределах окна жизни в хранилище.
	SuspendGrace time.Duration
}

// StartOptions параметры создания новой сессии.
type StartOptions struct {
	TotalChapters int    // 0 — значение по умолчанию из конфигурации.
	Topic         string // Тема вопросов для lesson глав.
}

// Manager реестр живых сессий. Сессии не разделяют изменяемое состояние:
// каждая обслуживается собственным движком.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Engine
	timers   map[string]*time.Timer

	coord     ChapterGenerator
	store     storage.SessionStore
	inventory question.Inventory
	elements  ElementsProvider
	cfg       Config
	logger    *zap.Logger
}

// NewManager создает менеджер сессий.
func NewManager(
	coord ChapterGenerator,
	store storage.SessionStore,
	inventory question.Inventory,
	elements ElementsProvider,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.DefaultTotalChapters < planner.MinTotalChapters {
		cfg.DefaultTotalChapters = 10
	}
	if cfg.SuspendGrace <= 0 {
		cfg.SuspendGrace = 5 * time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*Engine),
		timers:    make(map[string]*time.Timer),
		coord:     coord,
		store:     store,
		inventory: inventory,
		elements:  elements,
		cfg:       cfg,
		logger:    logger.Named("SessionManager"),
	}
}

// StartSession создает новую сессию: выбирает повествовательные элементы,
// вычисляет план типов глав и регистрирует движок.
func (m *Manager) StartSession(ctx context.Context, sender Sender, opts StartOptions) (*Engine, error) {
	total := opts.TotalChapters
	if total == 0 {
		total = m.cfg.DefaultTotalChapters
	}
	if total < planner.MinTotalChapters {
		return nil, fmt.Errorf("%w: total chapters %d, minimum %d", model.ErrInvalidInput, total, planner.MinTotalChapters)
	}

	sessionID := uuid.New()
	seed := seedFromID(sessionID.String())
	elements, agency, meta := m.elements.NewAdventure(seed)
	meta.Topic = opts.Topic

	state := model.NewSessionState(total, elements, agency, meta)
	state.ID = sessionID

	types, err := planner.Plan(total, m.inventory.CountByTopic(opts.Topic), m.cfg.LessonRatio, seed)
	if err != nil {
		return nil, err
	}
	state.PlannedChapterTypes = types

	engine := NewEngine(state, m.coord, m.store, m.inventory, m.logger)

	m.mu.Lock()
	m.sessions[sessionID.String()] = engine
	activeSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.logger.Info("Session started",
		zap.String("sessionID", sessionID.String()),
		zap.Int("total_chapters", total),
		zap.String("topic", opts.Topic),
	)

	if err := engine.Attach(ctx, sender, false); err != nil {
		return engine, err
	}
	return engine, nil
}

// ResumeSession восстанавливает сессию: живой движок переиспользуется,
// иначе состояние читается из хранилища и нормализуется. Повторное
// восстановление одного блоба дает идентичное состояние.
func (m *Manager) ResumeSession(ctx context.Context, sender Sender, sessionID string) (*Engine, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("%w: malformed session id %q", model.ErrProtocol, sessionID)
	}

	m.mu.Lock()
	engine, live := m.sessions[sessionID]
	if live {
		m.cancelAbandonTimerLocked(sessionID)
	}
	m.mu.Unlock()

	if !live {
		state, err := m.store.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := state.Normalize(); err != nil {
			return nil, err
		}
		// Восстановленная сессия ждет рукопожатия заново.
		if state.Status != model.StatusCompleted && state.Status != model.StatusAbandoned {
			state.Status = model.StatusSuspended
		}
		if state.Status == model.StatusAbandoned {
			return nil, fmt.Errorf("%w: session was abandoned", model.ErrSessionNotFound)
		}
		engine = NewEngine(state, m.coord, m.store, m.inventory, m.logger)

		m.mu.Lock()
		if existing, ok := m.sessions[sessionID]; ok {
			engine = existing // Параллельный reconnect уже восстановил сессию.
		} else {
			m.sessions[sessionID] = engine
			activeSessions.Set(float64(len(m.sessions)))
		}
		m.mu.Unlock()
		m.logger.Info("Session restored from checkpoint", zap.String("sessionID", sessionID))
	}

	if err := engine.Attach(ctx, sender, true); err != nil {
		return nil, err
	}
	return engine, nil
}

// Suspend отмечает потерю транспорта from и взводит таймер выгрузки движка.
// Если сессия уже обслуживается новым соединением, вызов игнорируется.
func (m *Manager) Suspend(engine *Engine, from Sender) {
	if !engine.Detach(from) {
		return
	}
	sessionID := engine.SessionID()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAbandonTimerLocked(sessionID)
	m.timers[sessionID] = time.AfterFunc(m.cfg.SuspendGrace, func() {
		m.abandon(sessionID)
	})
}

// Release выгружает завершенную сессию из памяти.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAbandonTimerLocked(sessionID)
	delete(m.sessions, sessionID)
	activeSessions.Set(float64(len(m.sessions)))
}

// Shutdown выгружает все живые сессии при остановке сервиса: транспорты
// отмечаются потерянными, состояние каждой сессии синхронно дописывается
// в хранилище, чтобы клиенты могли восстановиться после рестарта.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.sessions))
	for id, engine := range m.sessions {
		m.cancelAbandonTimerLocked(id)
		engines = append(engines, engine)
	}
	m.mu.Unlock()

	for _, engine := range engines {
		engine.Detach(nil)
		if err := engine.Checkpoint(ctx); err != nil {
			m.logger.Error("Failed to checkpoint session on shutdown",
				zap.String("sessionID", engine.SessionID()),
				zap.Error(err),
			)
		}
	}
	m.logger.Info("All sessions checkpointed", zap.Int("count", len(engines)))
}

// abandon выгружает сессию, не дождавшуюся переподключения.
func (m *Manager) abandon(sessionID string) {
	m.mu.Lock()
	engine, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.timers, sessionID)
	// Клиент успел вернуться, пока срабатывал таймер.
	if engine.Status() != model.StatusSuspended {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	activeSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	engine.Abandon()
}

func (m *Manager) cancelAbandonTimerLocked(sessionID string) {
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

// seedFromID выводит зерно детерминированных шагов сессии из ее идентификатора.
func seedFromID(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}
