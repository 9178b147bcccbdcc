package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Flowline/internal/domain"
)

// MsgRepo — репозиторий сообщений.
type MsgRepo struct {
	pool *pgxpool.Pool
}

// NewMsgRepo создаёт новый MsgRepo.
func NewMsgRepo(pool *pgxpool.Pool) *MsgRepo {
	return &MsgRepo{pool: pool}
}

// CreateMsgs сохраняет сообщения одним batch.
func (r *MsgRepo) CreateMsgs(ctx context.Context, msgs []*domain.Msg) error {
	if len(msgs) == 0 {
		return nil
	}

	query := `
		INSERT INTO msgs (id, contact_id, run_id, channel_id, urn, direction, status,
		                  text, attachments, quick_replies, response_to, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(query,
			m.ID,
			m.ContactID,
			m.RunID,
			m.ChannelID,
			m.URN,
			m.Direction,
			m.Status,
			m.Text,
			nonNil(m.Attachments),
			nonNil(m.QuickReplies),
			m.ResponseTo,
			m.CreatedOn,
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert msgs: %w", err)
	}
	return nil
}

// UpdateMsg обновляет статус сообщения.
func (r *MsgRepo) UpdateMsg(ctx context.Context, msg *domain.Msg) error {
	result, err := r.pool.Exec(ctx, `UPDATE msgs SET status = $2 WHERE id = $1`, msg.ID, msg.Status)
	if err != nil {
		return fmt.Errorf("update msg: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailMsgs помечает сообщения как FAILED.
func (r *MsgRepo) FailMsgs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE msgs SET status = $2 WHERE id = ANY($1)`, ids, domain.MsgStatusFailed)
	if err != nil {
		return fmt.Errorf("fail msgs: %w", err)
	}
	return nil
}

// FailQueuedForRun помечает неотправленные сообщения run как FAILED.
func (r *MsgRepo) FailQueuedForRun(ctx context.Context, runID uuid.UUID) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE msgs SET status = $3
		WHERE run_id = $1 AND status = $2
	`, runID, domain.MsgStatusQueued, domain.MsgStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("fail queued msgs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// nonNil заменяет nil срез пустым (колонки NOT NULL).
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
