package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Flowline/internal/domain"
)

// RunRepo — репозиторий для работы с flow_runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `id, flow_id, contact_id, path, results, extra, current_node_uuid,
	is_active, exit_type, parent_id, continue_parent, responded,
	expires_on, timeout_on, created_on, modified_on, exited_on`

// CreateRun создаёт новый run.
func (r *RunRepo) CreateRun(ctx context.Context, run *domain.FlowRun) error {
	path, results, extra, err := marshalRunState(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flow_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.FlowID,
		run.ContactID,
		path,
		results,
		extra,
		run.CurrentNodeUUID,
		run.IsActive,
		nullString(string(run.ExitType)),
		nullUUID(run.ParentID),
		run.ContinueParent,
		run.Responded,
		run.ExpiresOn,
		run.TimeoutOn,
		run.CreatedOn,
		run.ModifiedOn,
		run.ExitedOn,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun сохраняет состояние run.
func (r *RunRepo) UpdateRun(ctx context.Context, run *domain.FlowRun) error {
	path, results, extra, err := marshalRunState(run)
	if err != nil {
		return err
	}

	query := `
		UPDATE flow_runs
		SET path = $2, results = $3, extra = $4, current_node_uuid = $5,
		    is_active = $6, exit_type = $7, responded = $8,
		    expires_on = $9, timeout_on = $10, modified_on = $11, exited_on = $12
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		run.ID,
		path,
		results,
		extra,
		run.CurrentNodeUUID,
		run.IsActive,
		nullString(string(run.ExitType)),
		run.Responded,
		run.ExpiresOn,
		run.TimeoutOn,
		run.ModifiedOn,
		run.ExitedOn,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun возвращает run по ID.
func (r *RunRepo) GetRun(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error) {
	query := `SELECT ` + runColumns + ` FROM flow_runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// ListActiveRuns возвращает активные runs контакта, новые первыми.
func (r *RunRepo) ListActiveRuns(ctx context.Context, contactID uuid.UUID) ([]*domain.FlowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM flow_runs
		WHERE contact_id = $1 AND is_active
		ORDER BY created_on DESC
	`
	return r.queryRuns(ctx, query, contactID)
}

// ContactsWithRuns возвращает контакты, у которых есть run flow.
func (r *RunRepo) ContactsWithRuns(ctx context.Context, flowID uuid.UUID, activeOnly bool) (map[uuid.UUID]bool, error) {
	query := `
		SELECT DISTINCT contact_id
		FROM flow_runs
		WHERE flow_id = $1 AND (NOT $2 OR is_active)
	`
	rows, err := r.pool.Query(ctx, query, flowID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list flow participants: %w", err)
	}
	defer rows.Close()

	contacts := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		contacts[id] = true
	}
	return contacts, rows.Err()
}

// ListExpiredRuns возвращает активные runs с истёкшим сроком.
func (r *RunRepo) ListExpiredRuns(ctx context.Context, now time.Time, limit int) ([]*domain.FlowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM flow_runs
		WHERE is_active AND expires_on <= $1
		ORDER BY expires_on ASC
		LIMIT $2
	`
	return r.queryRuns(ctx, query, now, limit)
}

// ListTimedOutRuns возвращает активные runs, у которых сработал таймаут ожидания.
func (r *RunRepo) ListTimedOutRuns(ctx context.Context, now time.Time, limit int) ([]*domain.FlowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM flow_runs
		WHERE is_active AND timeout_on <= $1
		ORDER BY timeout_on ASC
		LIMIT $2
	`
	return r.queryRuns(ctx, query, now, limit)
}

func (r *RunRepo) queryRuns(ctx context.Context, query string, args ...any) ([]*domain.FlowRun, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.FlowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Helpers ---

// marshalRunState сериализует JSON-колонки run.
func marshalRunState(run *domain.FlowRun) (path, results, extra []byte, err error) {
	if path, err = json.Marshal(run.Path); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal path: %w", err)
	}
	if results, err = json.Marshal(run.Results); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal results: %w", err)
	}
	if extra, err = json.Marshal(run.Extra); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal extra: %w", err)
	}
	return path, results, extra, nil
}

// scanRun сканирует одну строку в FlowRun.
func scanRun(row pgx.Row) (*domain.FlowRun, error) {
	var run domain.FlowRun
	var path, results, extra []byte
	var exitType *string

	err := row.Scan(
		&run.ID,
		&run.FlowID,
		&run.ContactID,
		&path,
		&results,
		&extra,
		&run.CurrentNodeUUID,
		&run.IsActive,
		&exitType,
		&run.ParentID,
		&run.ContinueParent,
		&run.Responded,
		&run.ExpiresOn,
		&run.TimeoutOn,
		&run.CreatedOn,
		&run.ModifiedOn,
		&run.ExitedOn,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal(path, &run.Path); err != nil {
		return nil, fmt.Errorf("unmarshal path: %w", err)
	}
	if err := json.Unmarshal(results, &run.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	if err := json.Unmarshal(extra, &run.Extra); err != nil {
		return nil, fmt.Errorf("unmarshal extra: %w", err)
	}
	if run.Results == nil {
		run.Results = make(map[string]*domain.Result)
	}
	if run.Extra == nil {
		run.Extra = make(map[string]any)
	}
	if exitType != nil {
		run.ExitType = domain.ExitType(*exitType)
	}
	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}
