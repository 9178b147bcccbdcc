package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
)

// MemoryStore — хранилище в памяти с тем же контрактом, что у Postgres репозиториев.
//
// Используется симулятором CLI и тестами. Все значения копируются
// на входе и выходе, поэтому вызывающий не может изменить состояние
// хранилища в обход методов.
type MemoryStore struct {
	mu sync.Mutex

	orgs      map[uuid.UUID]*domain.Org
	flows     map[uuid.UUID]*domain.Flow
	revisions map[uuid.UUID][]*domain.FlowRevision
	channels  map[uuid.UUID]*domain.Channel
	contacts  map[uuid.UUID]*domain.Contact
	groups    map[uuid.UUID]*domain.Group
	labels    map[uuid.UUID]*domain.Label
	msgLabels map[uuid.UUID][]uuid.UUID

	runs     map[uuid.UUID]*domain.FlowRun
	runOrder []uuid.UUID
	msgs     map[uuid.UUID]*domain.Msg
	msgOrder []uuid.UUID

	webhookResults []*domain.WebhookResult
	subscribers    []*domain.ResthookSubscriber
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:      make(map[uuid.UUID]*domain.Org),
		flows:     make(map[uuid.UUID]*domain.Flow),
		revisions: make(map[uuid.UUID][]*domain.FlowRevision),
		channels:  make(map[uuid.UUID]*domain.Channel),
		contacts:  make(map[uuid.UUID]*domain.Contact),
		groups:    make(map[uuid.UUID]*domain.Group),
		labels:    make(map[uuid.UUID]*domain.Label),
		msgLabels: make(map[uuid.UUID][]uuid.UUID),
		runs:      make(map[uuid.UUID]*domain.FlowRun),
		msgs:      make(map[uuid.UUID]*domain.Msg),
	}
}

// --- Seed ---

// AddOrg добавляет организацию.
func (s *MemoryStore) AddOrg(org *domain.Org) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = clone(org)
}

// AddFlow добавляет flow и его первую ревизию.
func (s *MemoryStore) AddFlow(flow *domain.Flow, specVersion string, definition json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := clone(flow)
	if f.Revision == 0 {
		f.Revision = 1
	}
	f.SpecVersion = specVersion
	s.flows[f.ID] = f
	s.revisions[f.ID] = append(s.revisions[f.ID], &domain.FlowRevision{
		FlowID:      f.ID,
		Revision:    f.Revision,
		SpecVersion: specVersion,
		Definition:  slices.Clone(definition),
		CreatedOn:   f.CreatedOn,
	})
}

// AddChannel добавляет канал.
func (s *MemoryStore) AddChannel(ch *domain.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = clone(ch)
}

// AddContact добавляет контакт.
func (s *MemoryStore) AddContact(contact *domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contact.ID] = clone(contact)
}

// AddGroup добавляет группу.
func (s *MemoryStore) AddGroup(group *domain.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ID] = clone(group)
}

// AddLabel добавляет метку.
func (s *MemoryStore) AddLabel(label *domain.Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels[label.ID] = clone(label)
}

// AddSubscriber добавляет подписчика resthook.
func (s *MemoryStore) AddSubscriber(sub *domain.ResthookSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, clone(sub))
}

// --- Inspection ---

// Runs возвращает все runs в порядке создания.
func (s *MemoryStore) Runs() []*domain.FlowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.FlowRun, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		out = append(out, clone(s.runs[id]))
	}
	return out
}

// Msgs возвращает сообщения контакта в порядке создания.
// uuid.Nil возвращает сообщения всех контактов.
func (s *MemoryStore) Msgs(contactID uuid.UUID) []*domain.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Msg
	for _, id := range s.msgOrder {
		m := s.msgs[id]
		if contactID == uuid.Nil || m.ContactID == contactID {
			out = append(out, clone(m))
		}
	}
	return out
}

// WebhookResults возвращает записи аудита webhook.
func (s *MemoryStore) WebhookResults() []*domain.WebhookResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.WebhookResult, len(s.webhookResults))
	for i, r := range s.webhookResults {
		out[i] = clone(r)
	}
	return out
}

// --- Flows ---

// GetFlow реализует orchestrator.FlowStore.
func (s *MemoryStore) GetFlow(_ context.Context, id uuid.UUID) (*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(f), nil
}

// GetOrg реализует orchestrator.FlowStore.
func (s *MemoryStore) GetOrg(_ context.Context, id uuid.UUID) (*domain.Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

// GetLatestRevision реализует orchestrator.FlowStore.
func (s *MemoryStore) GetLatestRevision(_ context.Context, flowID uuid.UUID) (*domain.FlowRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revs := s.revisions[flowID]
	if len(revs) == 0 {
		return nil, ErrNotFound
	}
	return clone(revs[len(revs)-1]), nil
}

// SaveRevision реализует orchestrator.FlowStore.
func (s *MemoryStore) SaveRevision(_ context.Context, flowID uuid.UUID, baseRevision int, specVersion string, definition json.RawMessage) (*domain.FlowRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	if f.Revision != baseRevision {
		return nil, fmt.Errorf("%w: flow %s at revision %d, expected %d", ErrRevisionConflict, flowID, f.Revision, baseRevision)
	}

	now := time.Now().UTC()
	rev := &domain.FlowRevision{
		FlowID:      flowID,
		Revision:    f.Revision + 1,
		SpecVersion: specVersion,
		Definition:  slices.Clone(definition),
		CreatedOn:   now,
	}
	s.revisions[flowID] = append(s.revisions[flowID], rev)
	f.Revision = rev.Revision
	f.SpecVersion = specVersion
	f.ModifiedOn = now
	return clone(rev), nil
}

// --- Runs ---

// CreateRun реализует orchestrator.RunStore.
func (s *MemoryStore) CreateRun(_ context.Context, run *domain.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrAlreadyExists
	}
	s.runs[run.ID] = clone(run)
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// UpdateRun реализует orchestrator.RunStore.
func (s *MemoryStore) UpdateRun(_ context.Context, run *domain.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	s.runs[run.ID] = clone(run)
	return nil
}

// GetRun реализует orchestrator.RunStore.
func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*domain.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

// ListActiveRuns реализует orchestrator.RunStore.
func (s *MemoryStore) ListActiveRuns(_ context.Context, contactID uuid.UUID) ([]*domain.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.FlowRun
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		r := s.runs[s.runOrder[i]]
		if r.ContactID == contactID && r.IsActive {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// ContactsWithRuns реализует orchestrator.RunStore.
func (s *MemoryStore) ContactsWithRuns(_ context.Context, flowID uuid.UUID, activeOnly bool) (map[uuid.UUID]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]bool)
	for _, r := range s.runs {
		if r.FlowID == flowID && (!activeOnly || r.IsActive) {
			out[r.ContactID] = true
		}
	}
	return out, nil
}

// ListExpiredRuns реализует orchestrator.RunStore.
func (s *MemoryStore) ListExpiredRuns(_ context.Context, now time.Time, limit int) ([]*domain.FlowRun, error) {
	return s.listDue(now, limit, func(r *domain.FlowRun) *time.Time { return r.ExpiresOn }), nil
}

// ListTimedOutRuns реализует orchestrator.RunStore.
func (s *MemoryStore) ListTimedOutRuns(_ context.Context, now time.Time, limit int) ([]*domain.FlowRun, error) {
	return s.listDue(now, limit, func(r *domain.FlowRun) *time.Time { return r.TimeoutOn }), nil
}

func (s *MemoryStore) listDue(now time.Time, limit int, due func(*domain.FlowRun) *time.Time) []*domain.FlowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.FlowRun
	for _, id := range s.runOrder {
		r := s.runs[id]
		if t := due(r); r.IsActive && t != nil && !t.After(now) {
			out = append(out, clone(r))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// --- Contacts ---

// GetContacts реализует orchestrator.ContactStore.
func (s *MemoryStore) GetContacts(_ context.Context, ids []uuid.UUID) ([]*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Contact
	for _, id := range ids {
		if c, ok := s.contacts[id]; ok {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

// GroupMembers реализует orchestrator.ContactStore.
func (s *MemoryStore) GroupMembers(_ context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, c := range s.contacts {
		if c.InGroup(groupID) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	return ids, nil
}

// UpdateContact реализует orchestrator.ContactStore.
func (s *MemoryStore) UpdateContact(_ context.Context, contact *domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[contact.ID]; !ok {
		return ErrNotFound
	}
	s.contacts[contact.ID] = clone(contact)
	return nil
}

// FindContactByURN реализует orchestrator.ContactStore.
func (s *MemoryStore) FindContactByURN(_ context.Context, orgID uuid.UUID, urn string) (*domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.OrgID == orgID && slices.Contains(c.URNs, urn) {
			return clone(c), nil
		}
	}
	return nil, ErrNotFound
}

// GetGroup реализует orchestrator.ContactStore.
func (s *MemoryStore) GetGroup(_ context.Context, orgID, id uuid.UUID) (*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.OrgID != orgID {
		return nil, ErrNotFound
	}
	return clone(g), nil
}

// GetGroupByName реализует orchestrator.ContactStore.
func (s *MemoryStore) GetGroupByName(_ context.Context, orgID uuid.UUID, name string) (*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.OrgID == orgID && strings.EqualFold(g.Name, name) {
			return clone(g), nil
		}
	}
	return nil, ErrNotFound
}

// CreateGroup реализует orchestrator.ContactStore.
func (s *MemoryStore) CreateGroup(_ context.Context, group *domain.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.ID == group.ID || (g.OrgID == group.OrgID && strings.EqualFold(g.Name, group.Name)) {
			return ErrAlreadyExists
		}
	}
	s.groups[group.ID] = clone(group)
	return nil
}

// GetLabel реализует orchestrator.ContactStore.
func (s *MemoryStore) GetLabel(_ context.Context, orgID, id uuid.UUID) (*domain.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labels[id]
	if !ok || l.OrgID != orgID {
		return nil, ErrNotFound
	}
	return clone(l), nil
}

// GetLabelByName реализует orchestrator.ContactStore.
func (s *MemoryStore) GetLabelByName(_ context.Context, orgID uuid.UUID, name string) (*domain.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.labels {
		if l.OrgID == orgID && strings.EqualFold(l.Name, name) {
			return clone(l), nil
		}
	}
	return nil, ErrNotFound
}

// CreateLabel реализует orchestrator.ContactStore.
func (s *MemoryStore) CreateLabel(_ context.Context, label *domain.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.labels {
		if l.ID == label.ID || (l.OrgID == label.OrgID && strings.EqualFold(l.Name, label.Name)) {
			return ErrAlreadyExists
		}
	}
	s.labels[label.ID] = clone(label)
	return nil
}

// LabelMsg реализует orchestrator.ContactStore.
func (s *MemoryStore) LabelMsg(_ context.Context, msgID, labelID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.msgLabels[msgID], labelID) {
		s.msgLabels[msgID] = append(s.msgLabels[msgID], labelID)
	}
	if m, ok := s.msgs[msgID]; ok {
		m.AddLabel(labelID)
	}
	return nil
}

// GetChannel реализует orchestrator.ContactStore.
func (s *MemoryStore) GetChannel(_ context.Context, id uuid.UUID) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ch), nil
}

// --- Msgs ---

// CreateMsgs реализует orchestrator.MsgStore.
func (s *MemoryStore) CreateMsgs(_ context.Context, msgs []*domain.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if _, ok := s.msgs[m.ID]; ok {
			continue
		}
		s.msgs[m.ID] = clone(m)
		s.msgOrder = append(s.msgOrder, m.ID)
	}
	return nil
}

// UpdateMsg реализует orchestrator.MsgStore.
func (s *MemoryStore) UpdateMsg(_ context.Context, msg *domain.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[msg.ID]
	if !ok {
		return ErrNotFound
	}
	m.Status = msg.Status
	return nil
}

// FailMsgs реализует orchestrator.MsgStore.
func (s *MemoryStore) FailMsgs(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.msgs[id]; ok {
			m.MarkFailed()
		}
	}
	return nil
}

// FailQueuedForRun реализует orchestrator.MsgStore.
func (s *MemoryStore) FailQueuedForRun(_ context.Context, runID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.RunID != nil && *m.RunID == runID && m.Status == domain.MsgStatusQueued {
			m.MarkFailed()
			n++
		}
	}
	return n, nil
}

// --- Webhooks ---

// SaveWebhookResult реализует webhook.ResultStore.
func (s *MemoryStore) SaveWebhookResult(_ context.Context, result *domain.WebhookResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookResults = append(s.webhookResults, clone(result))
	return nil
}

// ListSubscribers реализует webhook.SubscriberStore.
func (s *MemoryStore) ListSubscribers(_ context.Context, orgID uuid.UUID, resthook string) ([]*domain.ResthookSubscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ResthookSubscriber
	for _, sub := range s.subscribers {
		if sub.OrgID == orgID && sub.Resthook == resthook && sub.IsActive {
			out = append(out, clone(sub))
		}
	}
	return out, nil
}

// RemoveSubscriber реализует webhook.SubscriberStore.
func (s *MemoryStore) RemoveSubscriber(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		if sub.ID == id {
			sub.IsActive = false
			return nil
		}
	}
	return ErrNotFound
}

// clone делает глубокую копию через JSON, как при записи в JSONB колонки.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	return &out
}
