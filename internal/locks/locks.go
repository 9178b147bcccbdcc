package locks

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Ошибки блокировок.
var (
	// ErrLockTimeout — блокировку не удалось получить за время ожидания.
	ErrLockTimeout = errors.New("lock wait timeout")
)

// Unlock снимает полученную блокировку.
type Unlock func()

// Locker выдаёт эксклюзивные блокировки по ключу.
type Locker interface {
	// Acquire ждёт блокировку ключа. Возвращает ErrLockTimeout,
	// если ожидание истекло, или ошибку контекста.
	Acquire(ctx context.Context, key string) (Unlock, error)
}

// ContactKey — ключ блокировки контакта.
func ContactKey(contactID uuid.UUID) string {
	return "contact:" + contactID.String()
}

// FlowKey — ключ блокировки flow.
func FlowKey(flowID uuid.UUID) string {
	return "flow:" + flowID.String()
}
