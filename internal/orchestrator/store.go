package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
)

// FlowStore — flows, их ревизии и организации.
type FlowStore interface {
	GetFlow(ctx context.Context, id uuid.UUID) (*domain.Flow, error)
	GetOrg(ctx context.Context, id uuid.UUID) (*domain.Org, error)
	GetLatestRevision(ctx context.Context, flowID uuid.UUID) (*domain.FlowRevision, error)

	// SaveRevision пишет новую ревизию поверх baseRevision.
	// Возвращает repo.ErrRevisionConflict, если flow уже изменён.
	SaveRevision(ctx context.Context, flowID uuid.UUID, baseRevision int, specVersion string, definition json.RawMessage) (*domain.FlowRevision, error)
}

// RunStore — хранилище runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.FlowRun) error
	UpdateRun(ctx context.Context, run *domain.FlowRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error)

	// ListActiveRuns возвращает активные runs контакта, новые первыми.
	ListActiveRuns(ctx context.Context, contactID uuid.UUID) ([]*domain.FlowRun, error)

	// ContactsWithRuns возвращает контакты, у которых есть run flow
	// (только активные, если activeOnly).
	ContactsWithRuns(ctx context.Context, flowID uuid.UUID, activeOnly bool) (map[uuid.UUID]bool, error)

	// ListExpiredRuns возвращает активные runs с expires_on <= now.
	ListExpiredRuns(ctx context.Context, now time.Time, limit int) ([]*domain.FlowRun, error)

	// ListTimedOutRuns возвращает активные runs с timeout_on <= now.
	ListTimedOutRuns(ctx context.Context, now time.Time, limit int) ([]*domain.FlowRun, error)
}

// ContactStore — контакты, группы, метки и каналы.
type ContactStore interface {
	GetContacts(ctx context.Context, ids []uuid.UUID) ([]*domain.Contact, error)
	GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
	UpdateContact(ctx context.Context, contact *domain.Contact) error
	FindContactByURN(ctx context.Context, orgID uuid.UUID, urn string) (*domain.Contact, error)

	GetGroup(ctx context.Context, orgID, id uuid.UUID) (*domain.Group, error)
	GetGroupByName(ctx context.Context, orgID uuid.UUID, name string) (*domain.Group, error)
	CreateGroup(ctx context.Context, group *domain.Group) error

	GetLabel(ctx context.Context, orgID, id uuid.UUID) (*domain.Label, error)
	GetLabelByName(ctx context.Context, orgID uuid.UUID, name string) (*domain.Label, error)
	CreateLabel(ctx context.Context, label *domain.Label) error
	LabelMsg(ctx context.Context, msgID, labelID uuid.UUID) error

	GetChannel(ctx context.Context, id uuid.UUID) (*domain.Channel, error)
}

// MsgStore — хранилище сообщений.
type MsgStore interface {
	CreateMsgs(ctx context.Context, msgs []*domain.Msg) error
	UpdateMsg(ctx context.Context, msg *domain.Msg) error
	FailMsgs(ctx context.Context, ids []uuid.UUID) error

	// FailQueuedForRun помечает неотправленные сообщения run как FAILED.
	FailQueuedForRun(ctx context.Context, runID uuid.UUID) (int, error)
}

// Sender передаёт исходящие сообщения на доставку.
type Sender interface {
	Send(ctx context.Context, msgs []*domain.Msg) error
}

// Emailer отправляет email из email действий.
type Emailer interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

// AirtimeTransferer выполняет перевод airtime для airtime rule set'а.
type AirtimeTransferer interface {
	Transfer(ctx context.Context, contact *domain.Contact, config map[string]any) error
}

// URLShortener сокращает ссылки для shorten_url rule set'а.
type URLShortener interface {
	Shorten(ctx context.Context, url string) (string, error)
}
