package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Flowline/internal/domain"
)

// WebhookRepo — аудит вызовов webhook и подписчики resthook.
type WebhookRepo struct {
	pool *pgxpool.Pool
}

// NewWebhookRepo создаёт новый WebhookRepo.
func NewWebhookRepo(pool *pgxpool.Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

// SaveWebhookResult пишет запись аудита вызова.
func (r *WebhookRepo) SaveWebhookResult(ctx context.Context, result *domain.WebhookResult) error {
	contactID := result.ContactID
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_results (id, run_id, contact_id, resthook, url, method, request,
		                             status_code, body, message, request_time_ms, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		result.ID,
		result.RunID,
		nullUUID(&contactID),
		result.Resthook,
		result.URL,
		result.Method,
		result.Request,
		result.StatusCode,
		result.Body,
		result.Message,
		result.RequestTimeMs,
		result.CreatedOn,
	)
	if err != nil {
		return fmt.Errorf("insert webhook result: %w", err)
	}
	return nil
}

// ListSubscribers возвращает активных подписчиков resthook.
func (r *WebhookRepo) ListSubscribers(ctx context.Context, orgID uuid.UUID, resthook string) ([]*domain.ResthookSubscriber, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, resthook, target_url, is_active, created_on
		FROM resthook_subscribers
		WHERE org_id = $1 AND resthook = $2 AND is_active
		ORDER BY created_on ASC
	`, orgID, resthook)
	if err != nil {
		return nil, fmt.Errorf("list resthook subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*domain.ResthookSubscriber
	for rows.Next() {
		var s domain.ResthookSubscriber
		if err := rows.Scan(&s.ID, &s.OrgID, &s.Resthook, &s.TargetURL, &s.IsActive, &s.CreatedOn); err != nil {
			return nil, fmt.Errorf("scan resthook subscriber: %w", err)
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}

// RemoveSubscriber деактивирует подписчика.
func (r *WebhookRepo) RemoveSubscriber(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `UPDATE resthook_subscribers SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove resthook subscriber: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
