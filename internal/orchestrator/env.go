package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/flowdef"
	"github.com/shaiso/Flowline/internal/repo"
)

// actionEnv реализует flowdef.ActionEnv для одного хода.
type actionEnv struct {
	o *Orchestrator
	t *turn
}

var _ flowdef.ActionEnv = (*actionEnv)(nil)

// ResolveGroup реализует flowdef.ActionEnv.
func (e *actionEnv) ResolveGroup(ctx context.Context, ref flowdef.Ref) (*domain.Group, error) {
	g, err := resolveGroup(ctx, e.o.contacts, e.t.org.ID, ref)
	if err == nil && g != nil {
		e.t.groupNames[g.ID] = g.Name
	}
	return g, err
}

// ResolveLabel реализует flowdef.ActionEnv.
func (e *actionEnv) ResolveLabel(ctx context.Context, ref flowdef.Ref) (*domain.Label, error) {
	return resolveLabel(ctx, e.o.contacts, e.t.org.ID, ref)
}

// LabelMsg реализует flowdef.ActionEnv.
func (e *actionEnv) LabelMsg(ctx context.Context, msg *domain.Msg, label *domain.Label) error {
	if !msg.AddLabel(label.ID) {
		return nil
	}
	return e.o.contacts.LabelMsg(ctx, msg.ID, label.ID)
}

// ResolveRecipients реализует flowdef.ActionEnv.
//
// Выражения разрешаются как UUID контакта или как URN (номер без
// схемы считается tel). Неизвестные адреса пропускаются.
func (e *actionEnv) ResolveRecipients(ctx context.Context, contacts, groups []flowdef.Ref, variables []string) ([]*domain.Contact, error) {
	ids, err := e.o.recipientIDs(ctx, e.t.org.ID, contacts, groups)
	if err != nil {
		return nil, err
	}

	for _, v := range variables {
		if id, err := uuid.Parse(v); err == nil {
			ids = append(ids, id)
			continue
		}
		urn := v
		if !strings.Contains(urn, ":") {
			urn = "tel:" + urn
		}
		c, err := e.o.contacts.FindContactByURN(ctx, e.t.org.ID, urn)
		if errors.Is(err, repo.ErrNotFound) {
			e.t.logger.Warn("recipient not found", "urn", urn)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find contact by urn: %w", err)
		}
		ids = append(ids, c.ID)
	}

	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	// контакт хода отдаём тем же указателем, чтобы правки не расходились
	var others []uuid.UUID
	for _, id := range ids {
		if id != e.t.contact.ID {
			others = append(others, id)
		}
	}
	loaded := make(map[uuid.UUID]*domain.Contact)
	if len(others) > 0 {
		found, err := e.o.contacts.GetContacts(ctx, others)
		if err != nil {
			return nil, fmt.Errorf("get contacts: %w", err)
		}
		for _, c := range found {
			loaded[c.ID] = c
		}
	}

	out := make([]*domain.Contact, 0, len(ids))
	for _, id := range ids {
		switch {
		case id == e.t.contact.ID:
			out = append(out, e.t.contact)
		case loaded[id] != nil && !loaded[id].IsBlocked && !loaded[id].IsStopped:
			out = append(out, loaded[id])
		}
	}
	return out, nil
}

// SendEmail реализует flowdef.ActionEnv.
func (e *actionEnv) SendEmail(ctx context.Context, to []string, subject, body string) error {
	if e.o.emailer == nil {
		e.t.logger.Warn("no emailer configured, email dropped", "to", to, "subject", subject)
		return nil
	}
	return e.o.emailer.SendEmail(ctx, to, subject, body)
}

// StartFlow реализует flowdef.ActionEnv.
//
// Действие flow запускает flow для контакта хода сразу; trigger-flow
// откладывает запуск для других контактов до фиксации хода.
func (e *actionEnv) StartFlow(ctx context.Context, req flowdef.StartFlowRequest) error {
	flowID, err := uuid.Parse(req.Flow.UUID)
	if err != nil {
		return fmt.Errorf("parse flow uuid %q: %w", req.Flow.UUID, err)
	}

	if req.Trigger {
		recipients, err := e.ResolveRecipients(ctx, req.Contacts, req.Groups, req.Variables)
		if err != nil {
			return err
		}
		ids := make([]uuid.UUID, 0, len(recipients))
		for _, c := range recipients {
			ids = append(ids, c.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		var parentID *uuid.UUID
		if req.Parent != nil {
			id := req.Parent.ID
			parentID = &id
		}
		e.t.deferred = append(e.t.deferred, StartRequest{
			FlowID:              flowID,
			Contacts:            ids,
			RestartParticipants: true,
			IncludeActive:       true,
			Interrupt:           true,
			ParentRunID:         parentID,
			Extra:               req.Extra,
		})
		return nil
	}

	if e.t.started[flowID] {
		e.t.logger.Debug("flow already started in this turn", "flow_uuid", flowID)
		return nil
	}
	lf, err := e.o.loadFlow(ctx, e.t, flowID)
	if err != nil {
		return err
	}
	if !lf.flow.IsActive {
		return fmt.Errorf("%w: %s", ErrFlowInactive, flowID)
	}
	_, err = e.o.startRun(ctx, e.t, lf, runOptions{
		parent:    req.Parent,
		interrupt: true,
		extra:     req.Extra,
		msg:       req.StartedMsg,
	})
	return err
}

// recipientIDs разворачивает ссылки на контакты и группы в UUID контактов.
func (o *Orchestrator) recipientIDs(ctx context.Context, orgID uuid.UUID, contacts, groups []flowdef.Ref) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, ref := range contacts {
		id, err := uuid.Parse(ref.UUID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	for _, ref := range groups {
		g, err := resolveGroup(ctx, o.contacts, orgID, ref)
		if err != nil {
			return nil, err
		}
		if g == nil {
			continue
		}
		members, err := o.contacts.GroupMembers(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("group members: %w", err)
		}
		ids = append(ids, members...)
	}
	return ids, nil
}

// resolveGroup находит группу по UUID, затем по имени; создаёт по имени при отсутствии.
func resolveGroup(ctx context.Context, store ContactStore, orgID uuid.UUID, ref flowdef.Ref) (*domain.Group, error) {
	if id, err := uuid.Parse(ref.UUID); err == nil {
		g, err := store.GetGroup(ctx, orgID, id)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("get group: %w", err)
		}
	}

	name := strings.TrimSpace(ref.Name)
	if name == "" || strings.HasPrefix(name, "@") {
		return nil, nil
	}
	g, err := store.GetGroupByName(ctx, orgID, name)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("get group by name: %w", err)
	}

	g = &domain.Group{ID: uuid.New(), OrgID: orgID, Name: name}
	if err := store.CreateGroup(ctx, g); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return store.GetGroupByName(ctx, orgID, name)
		}
		return nil, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

// resolveLabel находит метку по UUID, затем по имени; создаёт по имени при отсутствии.
func resolveLabel(ctx context.Context, store ContactStore, orgID uuid.UUID, ref flowdef.Ref) (*domain.Label, error) {
	if id, err := uuid.Parse(ref.UUID); err == nil {
		l, err := store.GetLabel(ctx, orgID, id)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("get label: %w", err)
		}
	}

	name := strings.TrimSpace(ref.Name)
	if name == "" || strings.HasPrefix(name, "@") {
		return nil, nil
	}
	l, err := store.GetLabelByName(ctx, orgID, name)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("get label by name: %w", err)
	}

	l = &domain.Label{ID: uuid.New(), OrgID: orgID, Name: name}
	if err := store.CreateLabel(ctx, l); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return store.GetLabelByName(ctx, orgID, name)
		}
		return nil, fmt.Errorf("create label: %w", err)
	}
	return l, nil
}

// dedupe убирает повторы, сохраняя порядок.
func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
