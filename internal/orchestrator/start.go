package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/engine"
	"github.com/shaiso/Flowline/internal/locks"
	"github.com/shaiso/Flowline/internal/telemetry"
)

// StartRequest — запрос на запуск flow.
type StartRequest struct {
	// FlowID — запускаемый flow.
	FlowID uuid.UUID `json:"flow_uuid"`

	// Groups, Contacts — получатели; итоговый набор — их объединение.
	Groups   []uuid.UUID `json:"groups,omitempty"`
	Contacts []uuid.UUID `json:"contacts,omitempty"`

	// RestartParticipants — запускать контакты, уже проходившие flow.
	RestartParticipants bool `json:"restart_participants"`

	// IncludeActive — запускать контакты с активным run этого flow.
	IncludeActive bool `json:"include_active"`

	// Interrupt — прерывать другие активные runs контакта.
	Interrupt bool `json:"interrupt"`

	// ParentRunID — run, запустивший этот запуск (trigger-flow).
	ParentRunID *uuid.UUID `json:"parent_run_uuid,omitempty"`

	// Extra — начальные значения @extra.
	Extra map[string]any `json:"extra,omitempty"`

	// StartMsg — сообщение, запустившее flow (ключевое слово).
	StartMsg *domain.Msg `json:"start_msg,omitempty"`
}

// StartResult — итог запуска.
type StartResult struct {
	// Runs — созданные runs в порядке контактов.
	Runs []*domain.FlowRun

	// Errors — ошибки по контактам; такие контакты пропущены.
	Errors map[uuid.UUID]error
}

// runOptions — параметры запуска run в рамках хода.
type runOptions struct {
	parent         *domain.FlowRun
	continueParent bool
	interrupt      bool
	extra          map[string]any
	msg            *domain.Msg
}

// FlowStart запускает flow для групп и контактов.
//
// Процесс:
//  1. Загружает flow (мигрируя определение при необходимости)
//  2. Собирает контакты: явные, затем участники групп, без повторов
//  3. Исключает участников и контакты с активным run по опциям
//  4. Запускает каждый контакт под его блокировкой, параллельно
//
// Ошибка одного контакта не прерывает запуск остальных.
func (o *Orchestrator) FlowStart(ctx context.Context, req StartRequest) (*StartResult, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}

	// 1. Flow
	flow, _, err := o.loader.Load(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}
	if !flow.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrFlowInactive, flow.ID)
	}
	logger := telemetry.WithFlowID(o.logger, flow.ID.String())

	// 2. Контакты
	ids := append([]uuid.UUID(nil), req.Contacts...)
	for _, groupID := range req.Groups {
		members, err := o.contacts.GroupMembers(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("group members: %w", err)
		}
		ids = append(ids, members...)
	}
	ids = dedupe(ids)

	// 3. Исключения
	if !req.RestartParticipants || !req.IncludeActive {
		exclude, err := o.runs.ContactsWithRuns(ctx, flow.ID, req.RestartParticipants)
		if err != nil {
			return nil, fmt.Errorf("contacts with runs: %w", err)
		}
		kept := ids[:0]
		for _, id := range ids {
			if !exclude[id] {
				kept = append(kept, id)
			}
		}
		ids = kept
	}

	// 4. Запуск
	runs := make([]*domain.FlowRun, len(ids))
	result := &StartResult{Errors: make(map[uuid.UUID]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.startConcurrency)
	for i, contactID := range ids {
		g.Go(func() error {
			run, err := o.startContact(ctx, flow.ID, contactID, req)
			if err != nil {
				mu.Lock()
				result.Errors[contactID] = err
				mu.Unlock()
				return nil
			}
			runs[i] = run
			return nil
		})
	}
	_ = g.Wait()

	for _, run := range runs {
		if run != nil {
			result.Runs = append(result.Runs, run)
		}
	}

	logger.Info("flow started",
		"contacts", len(ids),
		"runs", len(result.Runs),
		"failures", len(result.Errors),
	)
	return result, nil
}

// startContact запускает flow для одного контакта отдельным ходом.
func (o *Orchestrator) startContact(ctx context.Context, flowID, contactID uuid.UUID, req StartRequest) (*domain.FlowRun, error) {
	var run *domain.FlowRun
	err := o.inTurn(ctx, contactID, req.StartMsg, func(t *turn) error {
		if t.contact.IsBlocked || t.contact.IsStopped {
			t.logger.Debug("contact is blocked or stopped, skipped", "flow_uuid", flowID)
			return nil
		}

		lf, err := o.loadFlow(ctx, t, flowID)
		if err != nil {
			return err
		}

		var parent *domain.FlowRun
		if req.ParentRunID != nil {
			if parent, err = o.getRun(ctx, t, *req.ParentRunID); err != nil {
				t.logger.Warn("parent run not found", "run_uuid", *req.ParentRunID, "error", err)
				parent = nil
			}
		}

		run, err = o.startRun(ctx, t, lf, runOptions{
			parent:    parent,
			interrupt: req.Interrupt,
			extra:     req.Extra,
			msg:       req.StartMsg,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// startRun создаёт run flow для контакта хода и ведёт его от entry.
func (o *Orchestrator) startRun(ctx context.Context, t *turn, lf *loadedFlow, opts runOptions) (*domain.FlowRun, error) {
	if opts.interrupt && !lf.flow.IsSystem {
		if err := o.interruptOthers(ctx, t, opts.parent); err != nil {
			return nil, err
		}
	}

	run := domain.NewFlowRun(lf.flow.ID, t.contact.ID, t.now)
	if opts.parent != nil {
		parentID := opts.parent.ID
		run.ParentID = &parentID
		run.ContinueParent = opts.continueParent
	}
	run.ExpiresOn = lf.flow.ExpiresOn(t.now)
	run.UpdateExtra(opts.extra)

	if err := o.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	t.track(run)
	t.started[lf.flow.ID] = true
	telemetry.RunsStarted.WithLabelValues(lf.flow.Name).Inc()

	t.logger.Debug("run started",
		"flow_uuid", lf.flow.ID,
		"run_uuid", run.ID,
	)

	// сообщение-триггер удовлетворяет только ожидание на entry
	var in *resume
	if opts.msg != nil && lf.def.RuleSet(lf.def.Entry) != nil {
		in = &resume{msg: opts.msg}
	}
	if err := o.handleDestination(ctx, t, run, lf, lf.def.Entry, in); err != nil {
		return run, err
	}
	return run, nil
}

// interruptOthers прерывает активные runs контакта, кроме цепочки предков parent.
func (o *Orchestrator) interruptOthers(ctx context.Context, t *turn, parent *domain.FlowRun) error {
	keep := make(map[uuid.UUID]bool)
	for p := parent; p != nil; {
		keep[p.ID] = true
		if p.ParentID == nil || keep[*p.ParentID] {
			break
		}
		next, err := o.getRun(ctx, t, *p.ParentID)
		if err != nil {
			break
		}
		p = next
	}

	active, err := o.runs.ListActiveRuns(ctx, t.contact.ID)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	for _, run := range active {
		if current, ok := t.runs[run.ID]; ok {
			run = current
		}
		if keep[run.ID] || t.driving[run.ID] || !run.IsActive {
			continue
		}
		t.interrupt(run)
	}
	return nil
}

// inTurn выполняет fn как один ход контакта.
//
// Ход идёт под блокировкой контакта. Изменения runs, контакта и
// сообщений фиксируются до снятия блокировки; исходящие сообщения
// и отложенные запуски уходят после. Ошибка хода прерывает его
// runs и помечает его сообщения как FAILED.
func (o *Orchestrator) inTurn(ctx context.Context, contactID uuid.UUID, msg *domain.Msg, fn func(t *turn) error) (err error) {
	unlock, err := o.locker.Acquire(ctx, locks.ContactKey(contactID))
	if err != nil {
		return fmt.Errorf("lock contact %s: %w", contactID, err)
	}

	t, err := o.newContactTurn(ctx, contactID)
	if err != nil {
		unlock()
		return err
	}
	t.msg = msg

	err = o.runTurn(t, fn)
	if err == nil {
		err = o.commit(ctx, t)
	}
	contained := false
	if err != nil && !isSkip(err) {
		contained = o.fail(ctx, t, err)
	}
	unlock()

	if err != nil {
		if contained {
			return fmt.Errorf("%w: %w", ErrTurnFailed, err)
		}
		return err
	}
	o.afterCommit(ctx, t)
	return nil
}

// runTurn вызывает fn, превращая panic в ошибку хода.
func (o *Orchestrator) runTurn(t *turn, fn func(t *turn) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in turn: %v", r)
		}
	}()
	return fn(t)
}

// newContactTurn загружает контакт и его организацию.
func (o *Orchestrator) newContactTurn(ctx context.Context, contactID uuid.UUID) (*turn, error) {
	contacts, err := o.contacts.GetContacts(ctx, []uuid.UUID{contactID})
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, contactID)
	}
	contact := contacts[0]

	org, err := o.flows.GetOrg(ctx, contact.OrgID)
	if err != nil {
		return nil, fmt.Errorf("get org: %w", err)
	}
	return newTurn(org, contact, o.now(), o.logger), nil
}

// commit сохраняет результат хода.
func (o *Orchestrator) commit(ctx context.Context, t *turn) error {
	// 1. Контакт
	if t.contactChanged {
		if err := o.contacts.UpdateContact(ctx, t.contact); err != nil {
			return fmt.Errorf("update contact: %w", err)
		}
	}

	// 2. Runs
	for _, id := range t.order {
		if err := o.runs.UpdateRun(ctx, t.runs[id]); err != nil {
			return fmt.Errorf("update run %s: %w", id, err)
		}
	}

	// 3. Сообщения прерванных runs не отправляются
	interrupted := make(map[uuid.UUID]bool, len(t.interrupted))
	for _, id := range t.interrupted {
		interrupted[id] = true
		if _, err := o.msgs.FailQueuedForRun(ctx, id); err != nil {
			return fmt.Errorf("fail queued msgs for run %s: %w", id, err)
		}
	}
	for _, m := range t.msgs {
		if m.RunID != nil && interrupted[*m.RunID] {
			m.MarkFailed()
		}
	}

	// 4. Исходящие сообщения
	domain.SortMsgs(t.msgs)
	if len(t.msgs) > 0 {
		if err := o.msgs.CreateMsgs(ctx, t.msgs); err != nil {
			return fmt.Errorf("create msgs: %w", err)
		}
	}
	return nil
}

// fail прерывает runs хода и помечает его сообщения как FAILED.
// Возвращает true, если ход затронул runs и все они сохранены прерванными.
func (o *Orchestrator) fail(ctx context.Context, t *turn, cause error) bool {
	ctx = context.WithoutCancel(ctx)

	var flowID uuid.UUID
	contained := len(t.order) > 0
	for _, id := range t.order {
		run := t.runs[id]
		if flowID == uuid.Nil {
			flowID = run.FlowID
		}
		if run.IsActive {
			t.interrupt(run)
		}
		if err := o.runs.UpdateRun(ctx, run); err != nil {
			t.logger.Error("failed to interrupt run", "run_uuid", run.ID, "error", err)
			contained = false
		}
	}

	if len(t.msgs) > 0 {
		ids := make([]uuid.UUID, 0, len(t.msgs))
		for _, m := range t.msgs {
			m.MarkFailed()
			ids = append(ids, m.ID)
		}
		if err := o.msgs.CreateMsgs(ctx, t.msgs); err != nil {
			t.logger.Error("failed to save failed msgs", "error", err)
		}
		if err := o.msgs.FailMsgs(ctx, ids); err != nil {
			t.logger.Error("failed to mark msgs failed", "error", err)
		}
	}
	for _, id := range t.order {
		if _, err := o.msgs.FailQueuedForRun(ctx, id); err != nil {
			t.logger.Error("failed to fail queued msgs", "run_uuid", id, "error", err)
		}
	}

	telemetry.ContactFailures.Inc()
	if errors.Is(cause, engine.ErrRuntimeCycle) {
		telemetry.RuntimeCycles.Inc()
	}
	t.logger.Error("contact turn failed",
		"flow_uuid", flowID,
		"contact_uuid", t.contact.ID,
		"contained", contained,
		"error", cause,
	)
	return contained
}

// afterCommit отправляет сообщения хода и выполняет отложенные запуски.
func (o *Orchestrator) afterCommit(ctx context.Context, t *turn) {
	if queued := t.queued(); len(queued) > 0 && o.sender != nil {
		if err := o.sender.Send(ctx, queued); err != nil {
			t.logger.Error("failed to send msgs", "count", len(queued), "error", err)
		}
	}

	for _, req := range t.deferred {
		if _, err := o.FlowStart(ctx, req); err != nil {
			t.logger.Error("failed to start triggered flow", "flow_uuid", req.FlowID, "error", err)
		}
	}
}

// isSkip — ошибки, после которых ходу нечего откатывать.
func isSkip(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrRunNotActive) ||
		errors.Is(err, ErrNodeNotFound)
}
