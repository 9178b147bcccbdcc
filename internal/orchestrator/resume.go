package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/repo"
	"github.com/shaiso/Flowline/internal/telemetry"
)

// HandleMessage передаёт входящее сообщение run контакта.
//
// Сообщение получает самый новый активный run, ждущий ввода на wait
// узле. Возвращает false, если такого run нет; сообщение при этом
// сохраняется необработанным.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *domain.Msg) (bool, error) {
	if o.IsStopped() {
		return false, ErrOrchestratorStopped
	}

	handled := false
	err := o.inTurn(ctx, msg.ContactID, msg, func(t *turn) error {
		// 1. Сохраняем входящее
		if err := o.msgs.CreateMsgs(ctx, []*domain.Msg{msg}); err != nil {
			return fmt.Errorf("save incoming msg: %w", err)
		}

		// 2. Ищем ждущий run
		active, err := o.runs.ListActiveRuns(ctx, t.contact.ID)
		if err != nil {
			return fmt.Errorf("list active runs: %w", err)
		}
		for _, run := range active {
			lf, err := o.loadFlow(ctx, t, run.FlowID)
			if err != nil {
				t.logger.Warn("failed to load flow of active run", "run_uuid", run.ID, "error", err)
				continue
			}
			rs := lf.def.RuleSet(run.CurrentNodeUUID)
			if rs == nil || !rs.IsWait() {
				continue
			}

			// 3. Продолжаем его
			handled = true
			t.track(run)
			return o.handleDestination(ctx, t, run, lf, rs.UUID, &resume{msg: msg})
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if handled {
		msg.MarkHandled()
		if err := o.msgs.UpdateMsg(ctx, msg); err != nil {
			return true, fmt.Errorf("mark msg handled: %w", err)
		}
	}
	return handled, nil
}

// ResumeAfterTimeout продолжает run, чьё ожидание истекло по timeout-правилу.
func (o *Orchestrator) ResumeAfterTimeout(ctx context.Context, runID uuid.UUID) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return o.runLookupError(runID, err)
	}

	return o.inTurn(ctx, run.ContactID, nil, func(t *turn) error {
		// перечитываем под блокировкой контакта
		run, err := o.getRun(ctx, t, runID)
		if err != nil {
			return err
		}
		if !run.IsActive {
			return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
		}
		if run.TimeoutOn == nil || run.TimeoutOn.After(t.now) {
			t.logger.Debug("run timeout not due", "run_uuid", run.ID)
			return nil
		}

		lf, err := o.loadFlow(ctx, t, run.FlowID)
		if err != nil {
			return err
		}
		rs := lf.def.RuleSet(run.CurrentNodeUUID)
		if rs == nil || !rs.IsWait() {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, run.CurrentNodeUUID)
		}
		return o.handleDestination(ctx, t, run, lf, rs.UUID, &resume{timedOut: true})
	})
}

// Interrupt прерывает run и отменяет его неотправленные сообщения.
//
// Идущий ход не останавливается: прерывание действует со следующего.
func (o *Orchestrator) Interrupt(ctx context.Context, runID uuid.UUID) error {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return o.runLookupError(runID, err)
	}

	return o.inTurn(ctx, run.ContactID, nil, func(t *turn) error {
		run, err := o.getRun(ctx, t, runID)
		if err != nil {
			return err
		}
		if !run.IsActive {
			return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
		}
		t.interrupt(run)
		t.logger.Info("run interrupted", "run_uuid", run.ID, "flow_uuid", run.FlowID)
		return nil
	})
}

// ExpireRuns завершает runs, чей срок ожидания истёк к now.
//
// Родитель, ждущий истёкший subflow, продолжается с исходом expired.
// Возвращает число истёкших runs.
func (o *Orchestrator) ExpireRuns(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		runs, err := o.runs.ListExpiredRuns(ctx, now, defaultExpireBatch)
		if err != nil {
			return expired, fmt.Errorf("list expired runs: %w", err)
		}
		if len(runs) == 0 {
			return expired, nil
		}

		progressed := false
		for _, r := range runs {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			ok, err := o.expireRun(ctx, r.ContactID, r.ID, now)
			if err != nil {
				o.logger.Error("failed to expire run",
					"run_uuid", r.ID,
					"contact_uuid", r.ContactID,
					"error", err,
				)
				continue
			}
			if ok {
				expired++
				progressed = true
			}
		}
		if !progressed || len(runs) < defaultExpireBatch {
			return expired, nil
		}
	}
}

// expireRun завершает один run как истёкший.
func (o *Orchestrator) expireRun(ctx context.Context, contactID, runID uuid.UUID, now time.Time) (bool, error) {
	expired := false
	err := o.inTurn(ctx, contactID, nil, func(t *turn) error {
		run, err := o.getRun(ctx, t, runID)
		if err != nil {
			return err
		}
		if !run.IsActive || run.ExpiresOn == nil || run.ExpiresOn.After(now) {
			return nil
		}

		run.MarkExpired(t.now)
		t.track(run)
		telemetry.RunsExited.WithLabelValues(string(domain.ExitExpired)).Inc()
		expired = true

		return o.resumeParent(ctx, t, run)
	})
	return expired, err
}

// runLookupError приводит ошибку хранилища к ошибке оркестратора.
func (o *Orchestrator) runLookupError(runID uuid.UUID, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return fmt.Errorf("get run: %w", err)
}
