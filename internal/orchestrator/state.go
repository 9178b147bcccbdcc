package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/engine"
	"github.com/shaiso/Flowline/internal/flowdef"
	"github.com/shaiso/Flowline/internal/repo"
	"github.com/shaiso/Flowline/internal/telemetry"
)

// turn — состояние одного хода контакта.
//
// turn создаётся под блокировкой контакта и живёт до фиксации:
// накапливает исходящие сообщения в порядке генерации, затронутые
// runs и отложенные запуски flows для других контактов.
type turn struct {
	org     *domain.Org
	contact *domain.Contact
	now     time.Time

	// msg — входящее сообщение хода, если есть.
	msg *domain.Msg

	// contactChanged — действия изменили контакт.
	contactChanged bool

	// msgs — исходящие сообщения в порядке генерации.
	msgs []*domain.Msg

	// runs — затронутые runs (порядок для фиксации).
	runs  map[uuid.UUID]*domain.FlowRun
	order []uuid.UUID

	// driving — runs, чей обход сейчас на стеке.
	driving map[uuid.UUID]bool

	// children — завершённый subflow, вернувший управление run.
	children map[uuid.UUID]*domain.FlowRun

	// started — flows, запущенные за этот ход.
	started map[uuid.UUID]bool

	// interrupted — runs, прерванные за ход; их очередь сообщений отменяется.
	interrupted []uuid.UUID

	// deferred — запуски для других контактов, выполняются после фиксации.
	deferred []StartRequest

	// кэши на время хода
	flows      map[uuid.UUID]*loadedFlow
	groupNames map[uuid.UUID]string
	channels   map[uuid.UUID]*domain.Channel

	logger *slog.Logger
}

// loadedFlow — flow вместе с разобранным определением.
type loadedFlow struct {
	flow *domain.Flow
	def  *flowdef.Definition
}

func newTurn(org *domain.Org, contact *domain.Contact, now time.Time, logger *slog.Logger) *turn {
	return &turn{
		org:        org,
		contact:    contact,
		now:        now,
		runs:       make(map[uuid.UUID]*domain.FlowRun),
		driving:    make(map[uuid.UUID]bool),
		children:   make(map[uuid.UUID]*domain.FlowRun),
		started:    make(map[uuid.UUID]bool),
		flows:      make(map[uuid.UUID]*loadedFlow),
		groupNames: make(map[uuid.UUID]string),
		channels:   make(map[uuid.UUID]*domain.Channel),
		logger:     telemetry.WithContactID(logger, contact.ID.String()),
	}
}

// track регистрирует run для фиксации.
func (t *turn) track(run *domain.FlowRun) {
	if _, ok := t.runs[run.ID]; !ok {
		t.order = append(t.order, run.ID)
	}
	t.runs[run.ID] = run
}

// addMsgs добавляет исходящие сообщения хода.
func (t *turn) addMsgs(msgs ...*domain.Msg) {
	t.msgs = append(t.msgs, msgs...)
}

// queued возвращает сообщения, ожидающие отправки.
func (t *turn) queued() []*domain.Msg {
	out := make([]*domain.Msg, 0, len(t.msgs))
	for _, m := range t.msgs {
		if m.Status == domain.MsgStatusQueued {
			out = append(out, m)
		}
	}
	return out
}

// interrupt прерывает run в рамках хода.
func (t *turn) interrupt(run *domain.FlowRun) {
	run.MarkInterrupted(t.now)
	t.track(run)
	t.interrupted = append(t.interrupted, run.ID)
	telemetry.RunsExited.WithLabelValues(string(domain.ExitInterrupted)).Inc()
}

// loadFlow возвращает flow и определение, загружая их один раз за ход.
func (o *Orchestrator) loadFlow(ctx context.Context, t *turn, flowID uuid.UUID) (*loadedFlow, error) {
	if lf, ok := t.flows[flowID]; ok {
		return lf, nil
	}
	flow, def, err := o.loader.Load(ctx, flowID)
	if err != nil {
		return nil, err
	}
	lf := &loadedFlow{flow: flow, def: def}
	t.flows[flowID] = lf
	return lf, nil
}

// getRun возвращает run хода или загружает его из хранилища.
//
// Загруженный run контакта хода фиксируется вместе с ходом; runs
// других контактов только читаются.
func (o *Orchestrator) getRun(ctx context.Context, t *turn, runID uuid.UUID) (*domain.FlowRun, error) {
	if run, ok := t.runs[runID]; ok {
		return run, nil
	}
	run, err := o.runs.GetRun(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if run.ContactID == t.contact.ID {
		t.track(run)
	}
	return run, nil
}

// templates строит контекст шаблонов для run на текущем шаге.
func (o *Orchestrator) templates(ctx context.Context, t *turn, run *domain.FlowRun, text string) *engine.Context {
	c := engine.NewContext(t.org, t.now)
	c.SetContact(t.contact, o.groupNames(ctx, t))
	c.SetStep(text, t.msg, t.contact)
	c.SetRun(run)

	if run.ParentID != nil {
		if parent, err := o.getRun(ctx, t, *run.ParentID); err == nil {
			c.SetParent(parent, o.runContact(ctx, t, parent))
		}
	}
	if child, ok := t.children[run.ID]; ok {
		c.SetChild(child, o.runContact(ctx, t, child))
	}
	c.SetChannel(o.channel(ctx, t))
	return c
}

// runContact возвращает контакт run (контакт хода или загруженный).
func (o *Orchestrator) runContact(ctx context.Context, t *turn, run *domain.FlowRun) *domain.Contact {
	if run.ContactID == t.contact.ID {
		return t.contact
	}
	contacts, err := o.contacts.GetContacts(ctx, []uuid.UUID{run.ContactID})
	if err != nil || len(contacts) == 0 {
		return nil
	}
	return contacts[0]
}

// groupNames возвращает имена групп контакта хода.
func (o *Orchestrator) groupNames(ctx context.Context, t *turn) []string {
	names := make([]string, 0, len(t.contact.Groups))
	for _, id := range t.contact.Groups {
		name, ok := t.groupNames[id]
		if !ok {
			if g, err := o.contacts.GetGroup(ctx, t.contact.OrgID, id); err == nil {
				name = g.Name
			}
			t.groupNames[id] = name
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// channel возвращает канал входящего сообщения или предпочитаемый канал контакта.
func (o *Orchestrator) channel(ctx context.Context, t *turn) *domain.Channel {
	var id *uuid.UUID
	switch {
	case t.msg != nil && t.msg.ChannelID != nil:
		id = t.msg.ChannelID
	case t.contact.ChannelID != nil:
		id = t.contact.ChannelID
	default:
		return nil
	}
	if ch, ok := t.channels[*id]; ok {
		return ch
	}
	ch, err := o.contacts.GetChannel(ctx, *id)
	if err != nil {
		ch = nil
	}
	t.channels[*id] = ch
	return ch
}

// stepText возвращает текст входящего сообщения хода.
func (t *turn) stepText() string {
	if t.msg == nil {
		return ""
	}
	return t.msg.Text
}

// runTemplates подставляет шаблоны в контексте run.
//
// Контекст строится заново на каждый вызов: предыдущие действия
// action set'а могли изменить контакт или результаты.
type runTemplates struct {
	ctx context.Context
	o   *Orchestrator
	t   *turn
	run *domain.FlowRun
}

// Substitute реализует flowdef.Templater.
func (r *runTemplates) Substitute(text string) string {
	return r.o.templates(r.ctx, r.t, r.run, r.t.stepText()).Substitute(text)
}
