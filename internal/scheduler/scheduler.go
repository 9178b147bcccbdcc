package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/orchestrator"
	"github.com/shaiso/Flowline/internal/telemetry"
)

// Engine — операции движка, которые вызывает Sweeper.
type Engine interface {
	ExpireRuns(ctx context.Context, now time.Time) (int, error)
	ResumeAfterTimeout(ctx context.Context, runID uuid.UUID) error
}

// TimeoutLister находит runs, у которых сработал таймаут ожидания.
type TimeoutLister interface {
	ListTimedOutRuns(ctx context.Context, now time.Time, limit int) ([]*domain.FlowRun, error)
}

// Leader решает, выполняет ли этот процесс тик.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
}

// Sweeper — периодическая проверка истёкших runs и таймаутов ожидания.
type Sweeper struct {
	engine    Engine
	runs      TimeoutLister
	leader    Leader
	schedule  string
	batchSize int
	clock     func() time.Time
	logger    *slog.Logger

	cron *cron.Cron
	mu   sync.Mutex
}

// Config — конфигурация Sweeper.
type Config struct {
	Engine    Engine
	Runs      TimeoutLister
	Leader    Leader // опционально; nil — тик выполняется всегда
	Schedule  string // cron-выражение (default: "*/1 * * * *")
	BatchSize int    // runs с таймаутом за один тик (default: 100)
	Clock     func() time.Time
	Logger    *slog.Logger
}

// New создаёт новый Sweeper.
func New(cfg Config) *Sweeper {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		engine:    cfg.Engine,
		runs:      cfg.Runs,
		leader:    cfg.Leader,
		schedule:  schedule,
		batchSize: batchSize,
		clock:     clock,
		logger:    logger.With("component", "sweeper"),
	}
}

// Start регистрирует тик в cron и запускает расписание.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(s.schedule, func() {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("sweep tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", "schedule", s.schedule)
	return nil
}

// Stop останавливает расписание и ждёт завершения текущего тика.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Tick выполняет один проход.
//
// 1. Проверяет лидерство (если задан Leader)
// 2. Завершает runs с истёкшим сроком
// 3. Продолжает runs, у которых сработал таймаут ожидания
//
// Ошибка одного run не блокирует обработку остальных.
func (s *Sweeper) Tick(ctx context.Context) error {
	// 1. Лидерство
	if s.leader != nil {
		ok, err := s.leader.TryLead(ctx)
		if err != nil {
			return fmt.Errorf("try lead: %w", err)
		}
		if !ok {
			s.logger.Debug("not a leader, skipping tick")
			return nil
		}
	}

	now := s.clock()

	// 2. Истёкшие runs
	expired, err := s.engine.ExpireRuns(ctx, now)
	if err != nil {
		return fmt.Errorf("expire runs: %w", err)
	}

	// 3. Таймауты ожидания
	runs, err := s.runs.ListTimedOutRuns(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list timed out runs: %w", err)
	}

	var resumed int
	for _, run := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.engine.ResumeAfterTimeout(ctx, run.ID)
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, orchestrator.ErrRunNotActive), errors.Is(err, orchestrator.ErrRunNotFound):
			// run завершился между выборкой и продолжением
			s.logger.Debug("timed out run skipped", "run_uuid", run.ID, "reason", err)
		default:
			s.logger.Error("failed to resume timed out run",
				"run_uuid", run.ID,
				"contact_uuid", run.ContactID,
				"error", err,
			)
		}
	}
	telemetry.TimeoutsResumed.Add(float64(resumed))

	if expired > 0 || len(runs) > 0 {
		s.logger.Info("sweep tick completed",
			"expired", expired,
			"timed_out", len(runs),
			"resumed", resumed,
		)
	}

	return nil
}
