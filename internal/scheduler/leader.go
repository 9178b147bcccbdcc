package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLockKey — ключ advisory lock для выбора лидера.
const DefaultLockKey int64 = 424242

// PGLeader выбирает лидера через pg_try_advisory_lock.
//
// Advisory lock принадлежит соединению, поэтому PGLeader держит
// одно соединение из пула до Release.
type PGLeader struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewPGLeader создаёт PGLeader.
func NewPGLeader(pool *pgxpool.Pool, key int64) *PGLeader {
	if key == 0 {
		key = DefaultLockKey
	}
	return &PGLeader{pool: pool, key: key}
}

// TryLead пытается стать лидером (или подтверждает лидерство).
func (l *PGLeader) TryLead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		// проверяем, что соединение с блокировкой живо
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release снимает блокировку и возвращает соединение в пул.
func (l *PGLeader) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}
