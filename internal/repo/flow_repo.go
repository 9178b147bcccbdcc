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

// FlowRepo — репозиторий для работы с flows, flow_revisions и orgs.
type FlowRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRepo создаёт новый FlowRepo.
func NewFlowRepo(pool *pgxpool.Pool) *FlowRepo {
	return &FlowRepo{pool: pool}
}

const flowColumns = `id, org_id, name, flow_type, spec_version, revision,
	expires_after_minutes, is_system, is_active, created_on, modified_on`

// GetFlow возвращает flow по ID.
func (r *FlowRepo) GetFlow(ctx context.Context, id uuid.UUID) (*domain.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = $1`
	flow, err := scanFlow(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get flow by id: %w", err)
	}
	return flow, nil
}

// GetOrg возвращает организацию по ID.
func (r *FlowRepo) GetOrg(ctx context.Context, id uuid.UUID) (*domain.Org, error) {
	query := `
		SELECT id, name, timezone, day_first, languages
		FROM orgs
		WHERE id = $1
	`
	var org domain.Org
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&org.ID,
		&org.Name,
		&org.Timezone,
		&org.DayFirst,
		&org.Languages,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get org: %w", err)
	}
	return &org, nil
}

// GetLatestRevision возвращает последнюю ревизию определения flow.
func (r *FlowRepo) GetLatestRevision(ctx context.Context, flowID uuid.UUID) (*domain.FlowRevision, error) {
	query := `
		SELECT flow_id, revision, spec_version, definition, created_on
		FROM flow_revisions
		WHERE flow_id = $1
		ORDER BY revision DESC
		LIMIT 1
	`
	var rev domain.FlowRevision
	var definition []byte
	err := r.pool.QueryRow(ctx, query, flowID).Scan(
		&rev.FlowID,
		&rev.Revision,
		&rev.SpecVersion,
		&definition,
		&rev.CreatedOn,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest flow revision: %w", err)
	}
	rev.Definition = json.RawMessage(definition)
	return &rev, nil
}

// SaveRevision пишет новую ревизию определения.
//
// Строка flow блокируется (SELECT ... FOR UPDATE) на время записи;
// если текущая ревизия уже не baseRevision, возвращается ErrRevisionConflict.
func (r *FlowRepo) SaveRevision(ctx context.Context, flowID uuid.UUID, baseRevision int, specVersion string, definition json.RawMessage) (*domain.FlowRevision, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Блокируем flow
	var current int
	err = tx.QueryRow(ctx, `SELECT revision FROM flows WHERE id = $1 FOR UPDATE`, flowID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock flow: %w", err)
	}
	if current != baseRevision {
		return nil, fmt.Errorf("%w: flow %s at revision %d, expected %d", ErrRevisionConflict, flowID, current, baseRevision)
	}

	// 2. Пишем ревизию
	rev := domain.FlowRevision{
		FlowID:      flowID,
		Revision:    current + 1,
		SpecVersion: specVersion,
		Definition:  definition,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO flow_revisions (flow_id, revision, spec_version, definition, created_on)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_on
	`, flowID, rev.Revision, specVersion, []byte(definition)).Scan(&rev.CreatedOn)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: revision %d", ErrRevisionConflict, rev.Revision)
		}
		return nil, fmt.Errorf("insert flow revision: %w", err)
	}

	// 3. Обновляем flow
	_, err = tx.Exec(ctx, `
		UPDATE flows
		SET revision = $2, spec_version = $3, modified_on = $4
		WHERE id = $1
	`, flowID, rev.Revision, specVersion, rev.CreatedOn)
	if err != nil {
		return nil, fmt.Errorf("update flow revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &rev, nil
}

// scanFlow сканирует одну строку в Flow.
func scanFlow(row pgx.Row) (*domain.Flow, error) {
	var flow domain.Flow
	err := row.Scan(
		&flow.ID,
		&flow.OrgID,
		&flow.Name,
		&flow.FlowType,
		&flow.SpecVersion,
		&flow.Revision,
		&flow.ExpiresAfterMinutes,
		&flow.IsSystem,
		&flow.IsActive,
		&flow.CreatedOn,
		&flow.ModifiedOn,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow: %w", err)
	}
	return &flow, nil
}
