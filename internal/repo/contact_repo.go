package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Flowline/internal/domain"
)

// ContactRepo — репозиторий контактов, групп, меток и каналов.
type ContactRepo struct {
	pool *pgxpool.Pool
}

// NewContactRepo создаёт новый ContactRepo.
func NewContactRepo(pool *pgxpool.Pool) *ContactRepo {
	return &ContactRepo{pool: pool}
}

const contactColumns = `c.id, c.org_id, c.name, c.language, c.urns, c.fields, c.channel_id,
	c.is_blocked, c.is_stopped, c.is_test, c.created_on,
	COALESCE(ARRAY(SELECT m.group_id FROM contact_group_members m WHERE m.contact_id = c.id), '{}')`

// --- Contacts ---

// GetContacts возвращает контакты по списку ID (порядок не гарантирован).
func (r *ContactRepo) GetContacts(ctx context.Context, ids []uuid.UUID) ([]*domain.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts c WHERE c.id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*domain.Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

// FindContactByURN возвращает контакт организации по URN.
func (r *ContactRepo) FindContactByURN(ctx context.Context, orgID uuid.UUID, urn string) (*domain.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts c WHERE c.org_id = $1 AND $2 = ANY(c.urns) LIMIT 1`
	contact, err := scanContact(r.pool.QueryRow(ctx, query, orgID, urn))
	if err != nil {
		return nil, fmt.Errorf("find contact by urn: %w", err)
	}
	return contact, nil
}

// GroupMembers возвращает ID контактов группы.
func (r *ContactRepo) GroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT contact_id
		FROM contact_group_members
		WHERE group_id = $1
		ORDER BY contact_id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateContact сохраняет контакт вместе с членством в группах.
func (r *ContactRepo) UpdateContact(ctx context.Context, contact *domain.Contact) error {
	fields, err := json.Marshal(contact.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	urns := contact.URNs
	if urns == nil {
		urns = []string{}
	}
	groups := contact.Groups
	if groups == nil {
		groups = []uuid.UUID{}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE contacts
		SET name = $2, language = $3, urns = $4, fields = $5, channel_id = $6,
		    is_blocked = $7, is_stopped = $8
		WHERE id = $1
	`,
		contact.ID,
		contact.Name,
		contact.Language,
		urns,
		fields,
		contact.ChannelID,
		contact.IsBlocked,
		contact.IsStopped,
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM contact_group_members
		WHERE contact_id = $1 AND NOT (group_id = ANY($2))
	`, contact.ID, groups); err != nil {
		return fmt.Errorf("remove group members: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO contact_group_members (group_id, contact_id)
		SELECT g, $1 FROM UNNEST($2::uuid[]) AS g
		ON CONFLICT DO NOTHING
	`, contact.ID, groups); err != nil {
		return fmt.Errorf("add group members: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Groups ---

// GetGroup возвращает группу организации по ID.
func (r *ContactRepo) GetGroup(ctx context.Context, orgID, id uuid.UUID) (*domain.Group, error) {
	var g domain.Group
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name FROM contact_groups WHERE org_id = $1 AND id = $2
	`, orgID, id).Scan(&g.ID, &g.OrgID, &g.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// GetGroupByName возвращает группу организации по имени (без учёта регистра).
func (r *ContactRepo) GetGroupByName(ctx context.Context, orgID uuid.UUID, name string) (*domain.Group, error) {
	var g domain.Group
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name FROM contact_groups WHERE org_id = $1 AND LOWER(name) = LOWER($2)
	`, orgID, name).Scan(&g.ID, &g.OrgID, &g.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group by name: %w", err)
	}
	return &g, nil
}

// CreateGroup создаёт группу.
func (r *ContactRepo) CreateGroup(ctx context.Context, group *domain.Group) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contact_groups (id, org_id, name) VALUES ($1, $2, $3)
	`, group.ID, group.OrgID, group.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// --- Labels ---

// GetLabel возвращает метку организации по ID.
func (r *ContactRepo) GetLabel(ctx context.Context, orgID, id uuid.UUID) (*domain.Label, error) {
	var l domain.Label
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name FROM labels WHERE org_id = $1 AND id = $2
	`, orgID, id).Scan(&l.ID, &l.OrgID, &l.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get label: %w", err)
	}
	return &l, nil
}

// GetLabelByName возвращает метку организации по имени (без учёта регистра).
func (r *ContactRepo) GetLabelByName(ctx context.Context, orgID uuid.UUID, name string) (*domain.Label, error) {
	var l domain.Label
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name FROM labels WHERE org_id = $1 AND LOWER(name) = LOWER($2)
	`, orgID, name).Scan(&l.ID, &l.OrgID, &l.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get label by name: %w", err)
	}
	return &l, nil
}

// CreateLabel создаёт метку.
func (r *ContactRepo) CreateLabel(ctx context.Context, label *domain.Label) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO labels (id, org_id, name) VALUES ($1, $2, $3)
	`, label.ID, label.OrgID, label.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert label: %w", err)
	}
	return nil
}

// LabelMsg вешает метку на сообщение.
func (r *ContactRepo) LabelMsg(ctx context.Context, msgID, labelID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO msg_labels (msg_id, label_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, msgID, labelID)
	if err != nil {
		return fmt.Errorf("label msg: %w", err)
	}
	return nil
}

// --- Channels ---

// GetChannel возвращает канал по ID.
func (r *ContactRepo) GetChannel(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	var ch domain.Channel
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name, address, scheme FROM channels WHERE id = $1
	`, id).Scan(&ch.ID, &ch.OrgID, &ch.Name, &ch.Address, &ch.Scheme)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &ch, nil
}

// --- Helpers ---

// scanContact сканирует одну строку в Contact.
func scanContact(row pgx.Row) (*domain.Contact, error) {
	var c domain.Contact
	var fields []byte

	err := row.Scan(
		&c.ID,
		&c.OrgID,
		&c.Name,
		&c.Language,
		&c.URNs,
		&fields,
		&c.ChannelID,
		&c.IsBlocked,
		&c.IsStopped,
		&c.IsTest,
		&c.CreatedOn,
		&c.Groups,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	if err := json.Unmarshal(fields, &c.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return &c, nil
}
