// Package scheduler реализует периодическую проверку runs.
//
// Sweeper по cron-расписанию завершает runs с истёкшим сроком
// (expires_on) и продолжает runs, у которых сработал таймаут
// ожидания ответа (timeout_on).
//
// Структура:
//   - scheduler.go — Sweeper (Start, Stop, Tick)
//   - cron.go      — разбор cron-выражений
//   - leader.go    — выбор лидера через pg_try_advisory_lock
//
// Использование:
//
//	sweeper := scheduler.New(scheduler.Config{
//	    Engine:   orch,
//	    Runs:     runRepo,
//	    Leader:   scheduler.NewPGLeader(pool, 0), // опционально
//	    Schedule: cfg.SweepSchedule,
//	    Logger:   logger,
//	})
//	if err := sweeper.Start(ctx); err != nil {
//	    return err
//	}
//	defer sweeper.Stop()
//
// При нескольких репликах тик выполняет только лидер.
package scheduler
